// Package flow implements the per-target optical-flow tracker: once a
// target has been detected, subsequent frames track a sample of points
// inside its quad with pyramidal Lucas-Kanade instead of re-running full detection, and
// smooth the resulting quad through three independent 1D Kalman filters
// (scale, rotation, aspect) decomposed from its similarity transform.
package flow

import (
	"fmt"

	"github.com/planartrack/engine/quad"
)

// Frame is an opaque handle to a grayscale image the production FlowEngine
// understands. Kept opaque here so this package's Tracker can be unit
// tested without linking OpenCV; GocvEngine (gocv_backend.go) is the
// concrete implementation used in production.
type Frame interface{}

// Engine runs pyramidal LK optical flow between two frames for a set of
// points.
type Engine interface {
	Track(prev, next Frame, prevPoints []quad.Point) (nextPoints []quad.Point, status []bool, trackErr []float32, err error)
}

// Config carries the flow tracker's tunables, sourced from engine.Config.
type Config struct {
	MaxForwardBackwardError float64
	MinSurvivingPoints      int
	MinInlierRatio          float64
	MaxFramesSinceDetection int
	MaxPoorQualityStreak    int
	ScaleProcessNoise       float64
	ScaleMeasNoise          float64
	RotationProcessNoise    float64
	RotationMeasNoise       float64
	AspectProcessNoise      float64
	AspectMeasNoise         float64
	MaxTrackingPoints       int
	Quad                    quad.Config
}

// State is the per-target mutable tracking state the scheduler owns
// across frames: the sampled points it is currently following, and the
// three Kalman filters smoothing the quad's similarity parameters.
type State struct {
	Points    []quad.Point
	RefWidth  float64
	RefHeight float64

	scaleFilter    *Filter1D
	rotationFilter *Filter1D
	aspectFilter   *Filter1D
}

// NewState builds flow state for a target first detected with the given
// reference dimensions and initial points (typically the detector's
// inlier points or a fresh grid sample within the detected quad).
func NewState(refWidth, refHeight float64, points []quad.Point, cfg Config) *State {
	return &State{
		Points:         points,
		RefWidth:       refWidth,
		RefHeight:      refHeight,
		scaleFilter:    NewFilter1D(cfg.ScaleProcessNoise, cfg.ScaleMeasNoise),
		rotationFilter: NewFilter1D(cfg.RotationProcessNoise, cfg.RotationMeasNoise),
		aspectFilter:   NewFilter1D(cfg.AspectProcessNoise, cfg.AspectMeasNoise),
	}
}

// Seed primes the Kalman filters with a quad's decomposition, called once
// right after a full detection hands a fresh quad to the flow tracker.
func (s *State) Seed(q quad.Quad) {
	sim := q.Decompose()
	s.scaleFilter.Reset(sim.Scale)
	s.rotationFilter.Reset(sim.Rotation)
	s.aspectFilter.Reset(sim.Aspect)
}

// Result is the outcome of one flow-tracking step for a target.
type Result struct {
	Success         bool
	Quad            quad.Quad
	SurvivingPoints int
	InlierRatio     float64
	NeedsRedetect   bool
	Reason          string
}

const (
	ReasonTooFewSurvivors = "too_few_survivors"
	ReasonFlowFailure     = "flow_failure"
)

// Tracker runs pyramidal LK plus Kalman smoothing for a single target per
// call; the scheduler calls it once per active target per frame.
type Tracker struct {
	engine Engine
	cfg    Config
}

// NewTracker builds a Tracker from its flow engine and tunables.
func NewTracker(engine Engine, cfg Config) *Tracker {
	return &Tracker{engine: engine, cfg: cfg}
}

// Track advances state by one frame: prev->next optical flow, forward-
// backward filtering, similarity decomposition, and Kalman smoothing.
func (t *Tracker) Track(prev, next Frame, state *State, centroidHint quad.Point, dt float64) (Result, error) {
	if len(state.Points) == 0 {
		return Result{Reason: ReasonTooFewSurvivors, NeedsRedetect: true}, nil
	}

	fwdPoints, fwdStatus, _, err := t.engine.Track(prev, next, state.Points)
	if err != nil {
		return Result{}, fmt.Errorf("flow: forward track: %w", err)
	}

	bwdPoints, bwdStatus, _, err := t.engine.Track(next, prev, fwdPoints)
	if err != nil {
		return Result{}, fmt.Errorf("flow: backward track: %w", err)
	}

	var survivingNext []quad.Point
	var survivingPrev []quad.Point
	for i := range state.Points {
		if i >= len(fwdStatus) || i >= len(bwdStatus) {
			continue
		}
		if !fwdStatus[i] || !bwdStatus[i] {
			continue
		}
		fbErr := hypot(bwdPoints[i].X-state.Points[i].X, bwdPoints[i].Y-state.Points[i].Y)
		if fbErr > t.cfg.MaxForwardBackwardError {
			continue
		}
		survivingNext = append(survivingNext, fwdPoints[i])
		survivingPrev = append(survivingPrev, state.Points[i])
	}

	if len(survivingNext) < t.cfg.MinSurvivingPoints {
		state.Points = survivingNext
		return Result{
			Reason:          ReasonTooFewSurvivors,
			SurvivingPoints: len(survivingNext),
			NeedsRedetect:   true,
		}, nil
	}

	// Fit the similarity transform (scale/rotation/centroid) implied by
	// how the surviving points moved, using the point set's own spread
	// around its centroid rather than re-running homography estimation —
	// flow tracking trades precision for speed on purpose.
	prior := quad.Similarity{
		Scale:    state.scaleFilter.Value(),
		Rotation: state.rotationFilter.Value(),
		Aspect:   state.aspectFilter.Value(),
	}
	measured := fitSimilarity(survivingPrev, survivingNext, prior)

	smoothedScale := state.scaleFilter.Update(measured.Scale, dt)
	smoothedRotation := state.rotationFilter.Update(measured.Rotation, dt)
	smoothedAspect := state.aspectFilter.Update(measured.Aspect, dt)

	centroid := averagePoint(survivingNext)
	smoothed := quad.Similarity{Scale: smoothedScale, Rotation: smoothedRotation, Aspect: smoothedAspect}
	q := quad.Reconstruct(centroid, smoothed, state.RefWidth, state.RefHeight)

	inlierRatio := float64(len(survivingNext)) / float64(len(state.Points))
	state.Points = survivingNext

	if err := q.Validate(t.cfg.Quad); err != nil {
		return Result{
			Reason:          ReasonFlowFailure,
			SurvivingPoints: len(survivingNext),
			InlierRatio:     inlierRatio,
			NeedsRedetect:   true,
		}, nil
	}

	needsRedetect := inlierRatio < t.cfg.MinInlierRatio
	return Result{
		Success:         true,
		Quad:            q,
		SurvivingPoints: len(survivingNext),
		InlierRatio:     inlierRatio,
		NeedsRedetect:   needsRedetect,
	}, nil
}

func hypot(dx, dy float64) float64 {
	return sqrt(dx*dx + dy*dy)
}

// fitSimilarity estimates how much a set of tracked points scaled and
// rotated about their own centroid, and applies that change to prior, the
// quad.Decompose values of the previous smoothed quad. Aspect is carried
// over from prior unchanged.
func fitSimilarity(prev, next []quad.Point, prior quad.Similarity) quad.Similarity {
	prevCentroid := averagePoint(prev)
	nextCentroid := averagePoint(next)

	var prevR, nextR float64
	var rotSum float64
	n := 0
	for i := range prev {
		pr := hypot(prev[i].X-prevCentroid.X, prev[i].Y-prevCentroid.Y)
		nr := hypot(next[i].X-nextCentroid.X, next[i].Y-nextCentroid.Y)
		if pr < 1e-6 {
			continue
		}
		prevR += pr
		nextR += nr

		prevAngle := atan2(prev[i].Y-prevCentroid.Y, prev[i].X-prevCentroid.X)
		nextAngle := atan2(next[i].Y-nextCentroid.Y, next[i].X-nextCentroid.X)
		rotSum += angleDiff(nextAngle, prevAngle)
		n++
	}
	if n == 0 || prevR < 1e-6 {
		return prior
	}

	scaleRatio := nextR / prevR
	return quad.Similarity{
		Scale:    prior.Scale * scaleRatio,
		Rotation: prior.Rotation + rotSum/float64(n),
		Aspect:   prior.Aspect,
	}
}

func refAspect(w, h float64) float64 {
	if h < 1e-9 {
		return 1
	}
	return w / h
}

func averagePoint(pts []quad.Point) quad.Point {
	if len(pts) == 0 {
		return quad.Point{}
	}
	var sx, sy float64
	for _, p := range pts {
		sx += p.X
		sy += p.Y
	}
	n := float64(len(pts))
	return quad.Point{X: sx / n, Y: sy / n}
}
