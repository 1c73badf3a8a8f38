package vocab

import (
	"sort"

	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/target"
)

// Candidate is one target surfaced by a vocabulary query, ranked by
// cosine similarity against the query frame's bag-of-words vector.
type Candidate struct {
	TargetID string
	Score    float64
}

// QueryConfig carries the runtime query's tunables.
type QueryConfig struct {
	TopK          int
	MinSimilarity float64
}

// Query quantizes a frame's descriptors against vocab, builds a tf-idf
// vector, and scores every entry's precomputed BoW by cosine similarity,
// returning at most TopK candidates above MinSimilarity.
//
// If the candidate set already has TopK or fewer entries, scoring is
// skipped entirely and every candidate is returned — there is nothing to
// prune, and running the vocabulary query would only add cost and a
// chance to wrongly drop a small target database's only entries.
func Query(vocab *Vocabulary, entries []*target.Entry, frameDescriptors []descriptor.Descriptor, cfg QueryConfig) []Candidate {
	if len(entries) <= cfg.TopK {
		out := make([]Candidate, len(entries))
		for i, e := range entries {
			out[i] = Candidate{TargetID: e.Target.ID}
		}
		return out
	}

	counts := map[uint32]int{}
	for _, d := range frameDescriptors {
		counts[vocab.quantizeNearest(d)]++
	}
	queryVec := tfidfVector(counts, vocab.Words)

	scored := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		sim := cosineSim(queryVec, e.Target.BoW)
		if sim < cfg.MinSimilarity {
			continue
		}
		scored = append(scored, Candidate{TargetID: e.Target.ID, Score: sim})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].TargetID < scored[j].TargetID
	})

	if len(scored) > cfg.TopK {
		scored = scored[:cfg.TopK]
	}
	return scored
}

// cosineSim computes the dot product of two sparse, unit-L2-normalized
// tf-idf vectors, which equals their cosine similarity.
func cosineSim(a, b map[uint32]float32) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	var dot float64
	for k, v := range a {
		if bv, ok := b[k]; ok {
			dot += float64(v) * float64(bv)
		}
	}
	return dot
}
