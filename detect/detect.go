// Package detect implements the per-frame detector: given a frame's
// extracted features and a set of candidate targets, it matches
// descriptors against each candidate, estimates a homography, and
// validates the resulting quad. Matching and homography estimation are
// behind small interfaces so the matching/validation logic here can be
// tested without linking OpenCV; see gocv_backend.go for the production
// implementations.
package detect

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/quad"
	"github.com/planartrack/engine/target"
)

// Match is one nearest-neighbor candidate: index into the target's
// descriptor slice, and the Hamming distance to the query descriptor.
type Match struct {
	TrainIdx int
	Distance float64
}

// Matcher runs k-nearest-neighbor matching of each query descriptor
// against a training set. The result is index-aligned with query; each
// element holds up to two nearest matches, nearest first.
//
// NearestMatch is the single-nearest fallback matchOne switches to when
// KnnMatch errors out (a degenerate training set, a transient OpenCV
// failure): index-aligned with query, one match per descriptor.
type Matcher interface {
	KnnMatch(query, train []descriptor.Descriptor) ([][]Match, error)
	NearestMatch(query, train []descriptor.Descriptor) ([]Match, error)
}

// HomographyEstimator fits a homography mapping src points onto dst
// points with RANSAC, returning the 3x3 matrix and an inlier mask
// index-aligned with src/dst.
type HomographyEstimator interface {
	Estimate(src, dst []quad.Point) (*mat.Dense, []bool, error)
}

// Reason codes a detector result carries when Success is false, so a log
// line or a telemetry counter can bucket failures without re-deriving
// them from the raw match statistics.
const (
	ReasonInsufficientFeatures = "insufficient_features"
	ReasonMatchFailure         = "match_failure"
	ReasonDegenerateHomography = "degenerate_homography"
)

// Config carries the detector's tunables, sourced from engine.Config.
type Config struct {
	RatioTestThreshold   float64
	SingleNearestMaxDist float64
	MinGoodMatches       int
	ReprojThreshold      float64
	MaxConcurrency       int
	Quad                 quad.Config
}

// Result is the per-target detection outcome for one frame.
type Result struct {
	TargetID    string
	Success     bool
	Quad        quad.Quad
	InlierRatio float64
	Score       float64
	Reason      string
}

// Detector runs full detection against a set of candidate targets.
type Detector struct {
	matcher    Matcher
	homography HomographyEstimator
	cfg        Config
}

// NewDetector builds a Detector from its collaborators and tunables.
func NewDetector(m Matcher, h HomographyEstimator, cfg Config) *Detector {
	return &Detector{matcher: m, homography: h, cfg: cfg}
}

// DetectCandidates runs matching and homography estimation for every
// candidate concurrently, bounded by cfg.MaxConcurrency, and returns one
// Result per candidate in the same order. Concurrency here is safe
// because each candidate's match is read-only over shared frame data and
// writes to a disjoint slot of the results slice.
func (d *Detector) DetectCandidates(ctx context.Context, frame descriptor.FrameFeatures, candidates []*target.Entry) ([]Result, error) {
	results := make([]Result, len(candidates))
	if frame.Len() == 0 {
		for i, c := range candidates {
			results[i] = Result{TargetID: c.Target.ID, Reason: ReasonInsufficientFeatures}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.cfg.MaxConcurrency > 0 {
		g.SetLimit(d.cfg.MaxConcurrency)
	}
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			results[i] = d.matchOne(frame, c.Target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Detector) matchOne(frame descriptor.FrameFeatures, t *target.Target) Result {
	if len(t.Descriptors) < d.cfg.MinGoodMatches {
		return Result{TargetID: t.ID, Reason: ReasonInsufficientFeatures}
	}

	var framePts, targetPts []quad.Point
	knn, err := d.matcher.KnnMatch(frame.Descriptors, t.Descriptors)
	if err != nil {
		framePts, targetPts, err = d.matchNearestFallback(frame, t)
		if err != nil {
			return Result{TargetID: t.ID, Reason: ReasonMatchFailure}
		}
	} else {
		for qi, cands := range knn {
			if len(cands) == 0 {
				continue
			}
			good := false
			if len(cands) >= 2 {
				good = cands[0].Distance < d.cfg.RatioTestThreshold*cands[1].Distance
			} else {
				good = cands[0].Distance < d.cfg.SingleNearestMaxDist
			}
			if !good {
				continue
			}
			kp := frame.Keypoints[qi]
			tkp := t.Keypoints[cands[0].TrainIdx]
			framePts = append(framePts, quad.Point{X: kp.X, Y: kp.Y})
			targetPts = append(targetPts, quad.Point{X: tkp.X, Y: tkp.Y})
		}
	}

	if len(framePts) < d.cfg.MinGoodMatches {
		score := 0.0
		if len(t.Descriptors) > 0 {
			score = float64(len(framePts)) / float64(len(t.Descriptors))
		}
		return Result{TargetID: t.ID, Reason: ReasonMatchFailure, Score: score}
	}

	h, inliers, err := d.homography.Estimate(targetPts, framePts)
	if err != nil || h == nil {
		return Result{TargetID: t.ID, Reason: ReasonDegenerateHomography}
	}

	corners := [4]quad.Point{
		{X: 0, Y: 0},
		{X: t.RefWidth, Y: 0},
		{X: t.RefWidth, Y: t.RefHeight},
		{X: 0, Y: t.RefHeight},
	}
	q := quad.ApplyHomography(h, corners)
	if err := q.Validate(d.cfg.Quad); err != nil {
		return Result{TargetID: t.ID, Reason: ReasonDegenerateHomography}
	}

	inlierCount := 0
	for _, in := range inliers {
		if in {
			inlierCount++
		}
	}
	ratio := 0.0
	if len(inliers) > 0 {
		ratio = float64(inlierCount) / float64(len(inliers))
	}

	return Result{
		TargetID:    t.ID,
		Success:     true,
		Quad:        q,
		InlierRatio: ratio,
		Score:       float64(len(framePts)) / float64(len(t.Descriptors)),
	}
}

// matchNearestFallback runs when KnnMatch fails: single-nearest matching
// against the target's descriptors, keeping matches whose distance is at
// most min(100, 3*d_min), d_min being the smallest distance observed.
func (d *Detector) matchNearestFallback(frame descriptor.FrameFeatures, t *target.Target) ([]quad.Point, []quad.Point, error) {
	nearest, err := d.matcher.NearestMatch(frame.Descriptors, t.Descriptors)
	if err != nil {
		return nil, nil, err
	}

	dMin := math.Inf(1)
	for _, m := range nearest {
		if m.Distance < dMin {
			dMin = m.Distance
		}
	}
	if math.IsInf(dMin, 1) {
		return nil, nil, nil
	}
	maxDist := 3 * dMin
	if maxDist > 100 {
		maxDist = 100
	}

	var framePts, targetPts []quad.Point
	for qi, m := range nearest {
		if m.Distance > maxDist {
			continue
		}
		kp := frame.Keypoints[qi]
		tkp := t.Keypoints[m.TrainIdx]
		framePts = append(framePts, quad.Point{X: kp.X, Y: kp.Y})
		targetPts = append(targetPts, quad.Point{X: tkp.X, Y: tkp.Y})
	}
	return framePts, targetPts, nil
}
