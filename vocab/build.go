// Package vocab implements the offline hierarchical k-means vocabulary
// builder and the runtime bag-of-words query used to prune the target
// database down to a handful of plausible candidates before the detector
// runs full matching against any of them.
package vocab

import (
	"fmt"
	mrand "math/rand"
	"math"
	"sort"
	"time"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"gonum.org/v1/gonum/floats"

	"github.com/planartrack/engine/descriptor"
)

// Word is one leaf of the vocabulary tree: a centroid descriptor and its
// inverse document frequency, computed once at build time.
type Word struct {
	Centroid descriptor.Descriptor
	IDF      float32
}

// Vocabulary is the flattened leaf set of a hierarchical k-means tree.
// Quantization at both build and query time is a brute-force nearest-
// centroid search over Words — the hierarchy only exists transiently
// during Build, to make clustering a large descriptor pool tractable; once
// flattened, a linear scan over a few thousand word centroids per
// descriptor is cheap enough not to need the tree at query time, and a
// flat representation is what the wire codec persists.
type Vocabulary struct {
	Words           []Word
	BranchingFactor int
	Levels          int
}

// quantizeNearest returns the index of the word centroid closest to d by
// Hamming distance.
func (v *Vocabulary) quantizeNearest(d descriptor.Descriptor) uint32 {
	best := 0
	bestDist := descriptor.Hamming(d, v.Words[0].Centroid)
	for i := 1; i < len(v.Words); i++ {
		if dist := descriptor.Hamming(d, v.Words[i].Centroid); dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	return uint32(best)
}

// BuildConfig carries the offline builder's tunables.
type BuildConfig struct {
	BranchingFactor int
	Levels          int
	MinKeypoints    int
	Seed1, Seed2    uint64
}

// BuildReport is the accompanying report the offline builder emits
// alongside the database: a summary of what went into the vocabulary and
// which targets were thin on keypoints.
type BuildReport struct {
	TotalTargets                 int
	TargetsBelowKeypointThreshold []string
	TotalTreeNodes                int
	DroppedEmptyLeaves            int
	VocabSize                     int
	Duration                      time.Duration
}

type node struct {
	centroid descriptor.Descriptor
	children []*node
}

func (n *node) isLeaf() bool { return len(n.children) == 0 }

// Build clusters the union of every target's descriptors into a
// hierarchical k-means tree, flattens it into a Vocabulary, and computes
// a tf-idf bag-of-words vector for each target against that vocabulary.
//
// Determinism: muesli/kmeans draws its initial centroids from the
// package-level math/rand source, so seeding that source from the fixed
// (Seed1, Seed2) pair up front makes tree construction — and therefore
// every downstream BoW vector — reproducible for a fixed input set.
func Build(perTarget map[string][]descriptor.Descriptor, cfg BuildConfig) (*Vocabulary, map[string]map[uint32]float32, BuildReport, error) {
	start := time.Now()
	report := BuildReport{TotalTargets: len(perTarget)}

	ids := make([]string, 0, len(perTarget))
	for id := range perTarget {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var allDescs []descriptor.Descriptor
	for _, id := range ids {
		descs := perTarget[id]
		if len(descs) < cfg.MinKeypoints {
			report.TargetsBelowKeypointThreshold = append(report.TargetsBelowKeypointThreshold, id)
		}
		allDescs = append(allDescs, descs...)
	}
	if len(allDescs) == 0 {
		return nil, nil, report, fmt.Errorf("vocab: no descriptors to build a vocabulary from")
	}

	mrand.Seed(int64(cfg.Seed1) ^ int64(cfg.Seed2))

	root := buildNode(allDescs, 0, cfg, &report)
	var leaves []*node
	collectLeaves(root, &leaves)

	words := make([]Word, len(leaves))
	for i, l := range leaves {
		words[i] = Word{Centroid: l.centroid}
	}
	vocab := &Vocabulary{Words: words, BranchingFactor: cfg.BranchingFactor, Levels: cfg.Levels}
	report.VocabSize = len(words)

	rawCounts := make(map[string]map[uint32]int, len(perTarget))
	docFreq := make([]int, len(words))
	for id, descs := range perTarget {
		counts := map[uint32]int{}
		for _, d := range descs {
			counts[vocab.quantizeNearest(d)]++
		}
		rawCounts[id] = counts
		for w := range counts {
			docFreq[w]++
		}
	}

	n := float64(len(perTarget))
	for i := range vocab.Words {
		df := float64(docFreq[i])
		if df < 1 {
			df = 1
		}
		idf := math.Log(n / df)
		if idf < 0 {
			idf = 0
		}
		vocab.Words[i].IDF = float32(idf)
	}

	bow := make(map[string]map[uint32]float32, len(perTarget))
	for id, counts := range rawCounts {
		bow[id] = tfidfVector(counts, vocab.Words)
	}

	report.Duration = time.Since(start)
	return vocab, bow, report, nil
}

func buildNode(descs []descriptor.Descriptor, depth int, cfg BuildConfig, report *BuildReport) *node {
	report.TotalTreeNodes++
	if depth >= cfg.Levels || len(descs) <= cfg.BranchingFactor {
		return &node{centroid: meanCentroid(descs)}
	}

	groups, err := splitCluster(descs, cfg.BranchingFactor)
	if err != nil || len(groups) <= 1 {
		return &node{centroid: meanCentroid(descs)}
	}

	n := &node{centroid: meanCentroid(descs)}
	for _, g := range groups {
		if len(g) == 0 {
			report.DroppedEmptyLeaves++
			continue
		}
		n.children = append(n.children, buildNode(g, depth+1, cfg, report))
	}
	if len(n.children) == 0 {
		return &node{centroid: n.centroid}
	}
	return n
}

func collectLeaves(n *node, out *[]*node) {
	if n.isLeaf() {
		*out = append(*out, n)
		return
	}
	for _, c := range n.children {
		collectLeaves(c, out)
	}
}

// splitCluster partitions descs into up to k groups with muesli/kmeans.
// A set of at most k descriptors falls back to a one-descriptor-per-group
// trivial split, since clustering no more points than clusters requested
// isn't meaningful.
func splitCluster(descs []descriptor.Descriptor, k int) ([][]descriptor.Descriptor, error) {
	if len(descs) <= k {
		out := make([][]descriptor.Descriptor, len(descs))
		for i, d := range descs {
			out[i] = []descriptor.Descriptor{d}
		}
		return out, nil
	}

	obs := make(clusters.Observations, len(descs))
	for i, d := range descs {
		obs[i] = clusters.Coordinates(descriptor.ToFloat64(d))
	}

	km := kmeans.New()
	cs, err := km.Partition(obs, k)
	if err != nil {
		return nil, err
	}

	out := make([][]descriptor.Descriptor, 0, len(cs))
	for _, c := range cs {
		group := make([]descriptor.Descriptor, 0, len(c.Observations))
		for _, o := range c.Observations {
			coords, ok := o.(clusters.Coordinates)
			if !ok {
				continue
			}
			group = append(group, descriptor.FromFloat64([]float64(coords)))
		}
		out = append(out, group)
	}
	return out, nil
}

func meanCentroid(descs []descriptor.Descriptor) descriptor.Descriptor {
	dim := len(descs[0])
	sum := make([]float64, dim)
	for _, d := range descs {
		floats.Add(sum, descriptor.ToFloat64(d))
	}
	floats.Scale(1/float64(len(descs)), sum)
	return descriptor.FromFloat64(sum)
}

func tfidfVector(counts map[uint32]int, words []Word) map[uint32]float32 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return map[uint32]float32{}
	}

	weights := make(map[uint32]float64, len(counts))
	var sumSq float64
	for w, c := range counts {
		tf := float64(c) / float64(total)
		weight := tf * float64(words[w].IDF)
		weights[w] = weight
		sumSq += weight * weight
	}

	norm := math.Sqrt(sumSq)
	if norm < 1e-12 {
		norm = 1
	}
	out := make(map[uint32]float32, len(weights))
	for w, v := range weights {
		out[w] = float32(v / norm)
	}
	return out
}
