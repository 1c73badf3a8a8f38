package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/detect"
	"github.com/planartrack/engine/flow"
	"github.com/planartrack/engine/quad"
	"github.com/planartrack/engine/scheduler"
	"github.com/planartrack/engine/target"
	"github.com/planartrack/engine/vocab"
)

type fixedMatcher struct{}

func (fixedMatcher) KnnMatch(query, train []descriptor.Descriptor) ([][]detect.Match, error) {
	out := make([][]detect.Match, len(query))
	for i := range out {
		out[i] = []detect.Match{{TrainIdx: i % len(train), Distance: 1}, {TrainIdx: (i + 1) % len(train), Distance: 100}}
	}
	return out, nil
}

func (fixedMatcher) NearestMatch(query, train []descriptor.Descriptor) ([]detect.Match, error) {
	out := make([]detect.Match, len(query))
	for i := range out {
		out[i] = detect.Match{TrainIdx: i % len(train), Distance: 1}
	}
	return out, nil
}

type identityHomography struct{}

func (identityHomography) Estimate(src, dst []quad.Point) (*mat.Dense, []bool, error) {
	h := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	inliers := make([]bool, len(src))
	for i := range inliers {
		inliers[i] = true
	}
	return h, inliers, nil
}

type staticFlowEngine struct{}

func (staticFlowEngine) Track(prev, next flow.Frame, prevPoints []quad.Point) ([]quad.Point, []bool, []float32, error) {
	status := make([]bool, len(prevPoints))
	for i := range status {
		status[i] = true
	}
	return prevPoints, status, make([]float32, len(prevPoints)), nil
}

func buildTestEngine(t *testing.T) *Engine {
	t.Helper()
	kps := make([]descriptor.Keypoint, 10)
	descs := make([]descriptor.Descriptor, 10)
	for i := range kps {
		kps[i] = descriptor.Keypoint{X: float64(i), Y: float64(i)}
		descs[i] = descriptor.Descriptor{byte(i)}
	}
	targets := []*target.Target{{
		ID: "poster-1", RefWidth: 40, RefHeight: 40,
		Keypoints: kps, Descriptors: descs,
		BoW: map[uint32]float32{0: 1},
	}}
	v := &vocab.Vocabulary{Words: []vocab.Word{{Centroid: descriptor.Descriptor{0}, IDF: 1}}}
	reg := target.NewRegistry(targets)

	det := detect.NewDetector(fixedMatcher{}, identityHomography{}, detect.Config{
		MinGoodMatches: 4, RatioTestThreshold: 0.75,
		Quad: quad.Config{MinArea: 10, MaxAspectRatio: 10, MinSideLength: 1},
	})
	flowCfg := flow.Config{
		MaxForwardBackwardError: 1, MinSurvivingPoints: 1, MinInlierRatio: 0.1,
		MaxPoorQualityStreak: 3, MaxTrackingPoints: 50,
		Quad: quad.Config{MinArea: 1, MaxAspectRatio: 20, MinSideLength: 0.1},
	}
	tracker := flow.NewTracker(staticFlowEngine{}, flowCfg)
	cfg := scheduler.Config{
		DetectionInterval: 5,
		UseOpticalFlow:    true,
		SwitchHysteresis:  0.5,
		Query:             vocab.QueryConfig{TopK: 10, MinSimilarity: 0},
		FlowConfig:        flowCfg,
	}
	sched := scheduler.New(reg, v, det, tracker, cfg, zap.NewNop())

	return &Engine{registry: reg, vocab: v, scheduler: sched, logger: zap.NewNop()}
}

type fakeFrameSource struct {
	frames []descriptor.FrameFeatures
	idx    int
}

func (f *fakeFrameSource) Next(ctx context.Context) (flow.Frame, descriptor.FrameFeatures, quad.Point, bool, error) {
	if f.idx >= len(f.frames) {
		return nil, descriptor.FrameFeatures{}, quad.Point{}, false, nil
	}
	ff := f.frames[f.idx]
	f.idx++
	return "frame", ff, quad.Point{X: 20, Y: 20}, true, nil
}

type recordingSink struct {
	results []scheduler.FrameResult
}

func (r *recordingSink) Publish(result scheduler.FrameResult) {
	r.results = append(r.results, result)
}

func frameWithN(n int) descriptor.FrameFeatures {
	f := descriptor.FrameFeatures{}
	for i := 0; i < n; i++ {
		f.Keypoints = append(f.Keypoints, descriptor.Keypoint{X: float64(i), Y: float64(i)})
		f.Descriptors = append(f.Descriptors, descriptor.Descriptor{byte(i)})
	}
	return f
}

func TestRunPublishesToSinksUntilSourceExhausted(t *testing.T) {
	e := buildTestEngine(t)
	sink := &recordingSink{}
	e.AddSink(sink)

	src := &fakeFrameSource{frames: []descriptor.FrameFeatures{frameWithN(10), frameWithN(10), frameWithN(10)}}
	err := e.Run(context.Background(), src)
	require.NoError(t, err)

	assert.Len(t, sink.results, 3)
	assert.Equal(t, uint64(3), e.Stats().FramesProcessed)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	e := buildTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeFrameSource{frames: []descriptor.FrameFeatures{frameWithN(10)}}
	err := e.Run(ctx, src)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistryExposesLoadedTargets(t *testing.T) {
	e := buildTestEngine(t)
	assert.Equal(t, 1, e.Registry().Len())
}

func TestElapsedSinceStart(t *testing.T) {
	start := time.Now()
	assert.True(t, timeNow().After(start) || timeNow().Equal(start))
}
