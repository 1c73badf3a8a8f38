package flow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planartrack/engine/quad"
)

func TestFilter1DConvergesToConstant(t *testing.T) {
	f := NewFilter1D(0.001, 0.1)
	var last float64
	for i := 0; i < 50; i++ {
		last = f.Update(10.0, 1.0/30.0)
	}
	assert.InDelta(t, 10.0, last, 0.2)
}

func TestFilter1DFirstUpdateSeeds(t *testing.T) {
	f := NewFilter1D(0.01, 0.1)
	v := f.Update(5.0, 1.0/30.0)
	assert.Equal(t, 5.0, v)
}

// shiftEngine moves every point by a fixed delta and reports all points
// as successfully tracked both ways, simulating a pure translation.
type shiftEngine struct {
	dx, dy float64
}

func (s shiftEngine) Track(prev, next Frame, prevPoints []quad.Point) ([]quad.Point, []bool, []float32, error) {
	out := make([]quad.Point, len(prevPoints))
	status := make([]bool, len(prevPoints))
	errs := make([]float32, len(prevPoints))
	forward := next == "forward"
	for i, p := range prevPoints {
		if forward {
			out[i] = quad.Point{X: p.X + s.dx, Y: p.Y + s.dy}
		} else {
			out[i] = quad.Point{X: p.X - s.dx, Y: p.Y - s.dy}
		}
		status[i] = true
	}
	return out, status, errs, nil
}

func samplePoints() []quad.Point {
	return []quad.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}, {X: 5, Y: 5}}
}

func TestTrackerTranslationSucceeds(t *testing.T) {
	cfg := Config{
		MaxForwardBackwardError: 1.0,
		MinSurvivingPoints:      3,
		MinInlierRatio:          0.5,
		ScaleProcessNoise:       0.01, ScaleMeasNoise: 0.1,
		RotationProcessNoise: 0.01, RotationMeasNoise: 0.1,
		AspectProcessNoise: 0.01, AspectMeasNoise: 0.1,
		Quad:               quad.Config{MinArea: 1, MaxAspectRatio: 10, MinSideLength: 0.1},
	}
	tracker := NewTracker(shiftEngine{dx: 2, dy: 0}, cfg)
	state := NewState(10, 10, samplePoints(), cfg)
	state.Seed(quad.Quad{{0, 0}, {10, 0}, {10, 10}, {0, 10}})

	result, err := tracker.Track("prev", "forward", state, quad.Point{}, 1.0/30.0)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 5, result.SurvivingPoints)
	assert.False(t, result.NeedsRedetect)
}

// deadEngine reports every point lost.
type deadEngine struct{}

func (deadEngine) Track(prev, next Frame, prevPoints []quad.Point) ([]quad.Point, []bool, []float32, error) {
	status := make([]bool, len(prevPoints))
	out := make([]quad.Point, len(prevPoints))
	return out, status, make([]float32, len(prevPoints)), nil
}

func TestTrackerTooFewSurvivorsTriggersRedetect(t *testing.T) {
	cfg := Config{MaxForwardBackwardError: 1, MinSurvivingPoints: 3, MinInlierRatio: 0.5}
	tracker := NewTracker(deadEngine{}, cfg)
	state := NewState(10, 10, samplePoints(), cfg)
	state.Seed(quad.Quad{{0, 0}, {10, 0}, {10, 10}, {0, 10}})

	result, err := tracker.Track("prev", "next", state, quad.Point{}, 1.0/30.0)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.NeedsRedetect)
	assert.Equal(t, ReasonTooFewSurvivors, result.Reason)
}

func TestTrackerEmptyStateNeedsRedetect(t *testing.T) {
	cfg := Config{MinSurvivingPoints: 3}
	tracker := NewTracker(deadEngine{}, cfg)
	state := NewState(10, 10, nil, cfg)
	result, err := tracker.Track("prev", "next", state, quad.Point{}, 1.0/30.0)
	require.NoError(t, err)
	assert.True(t, result.NeedsRedetect)
}

func TestAngleDiffWrapsAroundPi(t *testing.T) {
	d := angleDiff(-math.Pi+0.1, math.Pi-0.1)
	assert.InDelta(t, 0.2, d, 1e-9)
}
