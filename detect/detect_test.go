package detect

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/quad"
	"github.com/planartrack/engine/target"
)

// fakeMatcher returns a fixed KnnMatch result regardless of input, good
// enough to exercise the ratio-test and MinGoodMatches branches without
// touching any real descriptor math.
type fakeMatcher struct {
	results [][]Match
	err     error
}

func (f fakeMatcher) KnnMatch(query, train []descriptor.Descriptor) ([][]Match, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

// NearestMatch flattens the first candidate of each KnnMatch result, good
// enough to exercise the fallback path when a test wants KnnMatch to fail.
func (f fakeMatcher) NearestMatch(query, train []descriptor.Descriptor) ([]Match, error) {
	out := make([]Match, len(query))
	for i := range out {
		if i < len(f.results) && len(f.results[i]) > 0 {
			out[i] = f.results[i][0]
			continue
		}
		out[i] = Match{TrainIdx: i % len(train), Distance: 1}
	}
	return out, nil
}

type fakeHomography struct {
	h       *mat.Dense
	inliers []bool
	err     error
}

func (f fakeHomography) Estimate(src, dst []quad.Point) (*mat.Dense, []bool, error) {
	return f.h, f.inliers, f.err
}

func identityH() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func quadCfg() quad.Config {
	return quad.Config{MinArea: 10, MaxAspectRatio: 10, MinSideLength: 1}
}

func makeCandidate(id string, numDescriptors int) *target.Entry {
	kps := make([]descriptor.Keypoint, numDescriptors)
	descs := make([]descriptor.Descriptor, numDescriptors)
	for i := range kps {
		kps[i] = descriptor.Keypoint{X: float64(i), Y: float64(i)}
		descs[i] = descriptor.Descriptor{byte(i)}
	}
	return &target.Entry{
		Target: &target.Target{
			ID: id, RefWidth: 40, RefHeight: 40,
			Keypoints: kps, Descriptors: descs,
		},
		Runtime: &target.RuntimeState{},
	}
}

func frameWithN(n int) descriptor.FrameFeatures {
	f := descriptor.FrameFeatures{}
	for i := 0; i < n; i++ {
		f.Keypoints = append(f.Keypoints, descriptor.Keypoint{X: float64(i), Y: float64(i)})
		f.Descriptors = append(f.Descriptors, descriptor.Descriptor{byte(i)})
	}
	return f
}

func TestDetectCandidatesEmptyFrame(t *testing.T) {
	d := NewDetector(fakeMatcher{}, fakeHomography{}, Config{MinGoodMatches: 12, Quad: quadCfg()})
	results, err := d.DetectCandidates(context.Background(), descriptor.FrameFeatures{}, []*target.Entry{makeCandidate("a", 20)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, ReasonInsufficientFeatures, results[0].Reason)
}

func TestDetectCandidatesInsufficientTargetDescriptors(t *testing.T) {
	d := NewDetector(fakeMatcher{}, fakeHomography{}, Config{MinGoodMatches: 12, Quad: quadCfg()})
	results, err := d.DetectCandidates(context.Background(), frameWithN(20), []*target.Entry{makeCandidate("a", 5)})
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientFeatures, results[0].Reason)
}

func TestDetectCandidatesSuccess(t *testing.T) {
	n := 20
	matches := make([][]Match, n)
	for i := range matches {
		matches[i] = []Match{{TrainIdx: i, Distance: 1}, {TrainIdx: (i + 1) % n, Distance: 100}}
	}
	d := NewDetector(
		fakeMatcher{results: matches},
		fakeHomography{h: identityH(), inliers: boolSlice(n, true)},
		Config{MinGoodMatches: 12, RatioTestThreshold: 0.75, Quad: quadCfg()},
	)
	results, err := d.DetectCandidates(context.Background(), frameWithN(n), []*target.Entry{makeCandidate("a", n)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 1.0, results[0].InlierRatio)
}

func TestDetectCandidatesRatioTestRejectsAmbiguous(t *testing.T) {
	n := 20
	matches := make([][]Match, n)
	for i := range matches {
		matches[i] = []Match{{TrainIdx: i, Distance: 50}, {TrainIdx: (i + 1) % n, Distance: 51}}
	}
	d := NewDetector(
		fakeMatcher{results: matches},
		fakeHomography{h: identityH(), inliers: boolSlice(n, true)},
		Config{MinGoodMatches: 12, RatioTestThreshold: 0.75, Quad: quadCfg()},
	)
	results, err := d.DetectCandidates(context.Background(), frameWithN(n), []*target.Entry{makeCandidate("a", n)})
	require.NoError(t, err)
	assert.Equal(t, ReasonMatchFailure, results[0].Reason)
}

func TestDetectCandidatesDegenerateHomographyRejected(t *testing.T) {
	n := 20
	matches := make([][]Match, n)
	for i := range matches {
		matches[i] = []Match{{TrainIdx: i, Distance: 1}, {TrainIdx: (i + 1) % n, Distance: 100}}
	}
	// a homography that collapses everything onto a single point is degenerate.
	collapsed := mat.NewDense(3, 3, []float64{0, 0, 0, 0, 0, 0, 0, 0, 1})
	d := NewDetector(
		fakeMatcher{results: matches},
		fakeHomography{h: collapsed, inliers: boolSlice(n, true)},
		Config{MinGoodMatches: 12, RatioTestThreshold: 0.75, Quad: quadCfg()},
	)
	results, err := d.DetectCandidates(context.Background(), frameWithN(n), []*target.Entry{makeCandidate("a", n)})
	require.NoError(t, err)
	assert.Equal(t, ReasonDegenerateHomography, results[0].Reason)
}

func TestDetectCandidatesMultipleCandidatesPreserveOrder(t *testing.T) {
	d := NewDetector(fakeMatcher{}, fakeHomography{}, Config{MinGoodMatches: 12, Quad: quadCfg()})
	candidates := []*target.Entry{makeCandidate("a", 3), makeCandidate("b", 3), makeCandidate("c", 3)}
	results, err := d.DetectCandidates(context.Background(), frameWithN(5), candidates)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].TargetID)
	assert.Equal(t, "b", results[1].TargetID)
	assert.Equal(t, "c", results[2].TargetID)
}

func TestDetectCandidatesKnnErrorFallsBackToNearestMatch(t *testing.T) {
	n := 20
	nearest := make([][]Match, n)
	for i := range nearest {
		nearest[i] = []Match{{TrainIdx: i, Distance: 1}}
	}
	d := NewDetector(
		fakeMatcher{err: fmt.Errorf("boom"), results: nearest},
		fakeHomography{h: identityH(), inliers: boolSlice(n, true)},
		Config{MinGoodMatches: 12, RatioTestThreshold: 0.75, Quad: quadCfg()},
	)
	results, err := d.DetectCandidates(context.Background(), frameWithN(n), []*target.Entry{makeCandidate("a", n)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func boolSlice(n int, v bool) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = v
	}
	return out
}
