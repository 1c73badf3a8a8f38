// Package scheduler implements the engine's per-frame orchestrator: the
// detect/flow state machine, active-target selection with proximity
// hysteresis, and the reentrancy guard that keeps exactly one frame in
// flight at a time. It is a single-threaded, reentrancy-guarded dispatch
// loop: init on first measurement, divergence-driven resets per target.
package scheduler

import (
	"context"
	"fmt"
	"math"
	mrand "math/rand"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/detect"
	"github.com/planartrack/engine/flow"
	"github.com/planartrack/engine/quad"
	"github.com/planartrack/engine/target"
	"github.com/planartrack/engine/vocab"
)

// ErrReentrant is returned when Process is called while a prior call is
// still running. The scheduler is single-threaded by design — parallelism
// is confined to inside one frame's detection pass, never across frames.
var ErrReentrant = fmt.Errorf("scheduler: Process called while a prior frame is still processing")

// Config carries the scheduler's tunables.
type Config struct {
	DetectionInterval int
	UseOpticalFlow    bool
	MinSwitchDelay    time.Duration
	SwitchHysteresis  float64
	Query             vocab.QueryConfig
	FlowConfig        flow.Config
}

// PerTargetResult is one target's outcome for a single frame.
type PerTargetResult struct {
	TargetID string
	Success  bool
	Quad     quad.Quad
	Mode     string // "detect" or "flow"
	Reason   string
}

const (
	ModeDetect = "detect"
	ModeFlow   = "flow"
)

// ReasonFiltered marks a target the vocabulary query pruned before the
// detector ever ran against it.
const ReasonFiltered = "filtered"

// FrameResult is the scheduler's output for one call to Process.
type FrameResult struct {
	FrameIndex     int
	PerTarget      []PerTargetResult
	ActiveTargetID string
}

// Stats is a read-only snapshot of the scheduler's rolling counters.
type Stats struct {
	FramesProcessed  uint64
	DetectionsRun    uint64
	FlowRuns         uint64
	RedetectTriggers uint64
}

// Scheduler is the engine's per-frame orchestrator.
type Scheduler struct {
	registry *target.Registry
	vocab    *vocab.Vocabulary
	detector *detect.Detector
	tracker  *flow.Tracker
	cfg      Config
	logger   *zap.Logger

	isProcessing atomic.Bool

	activeTargetID       string
	lastSwitchAt         time.Time
	framesSinceDetection int
	forceRedetect        bool
	flowStates           map[string]*flow.State

	framesProcessed  atomic.Uint64
	detectionsRun    atomic.Uint64
	flowRuns         atomic.Uint64
	redetectTriggers atomic.Uint64
}

// New builds a Scheduler from its collaborators.
func New(registry *target.Registry, v *vocab.Vocabulary, detector *detect.Detector, tracker *flow.Tracker, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry:   registry,
		vocab:      v,
		detector:   detector,
		tracker:    tracker,
		cfg:        cfg,
		logger:     logger,
		flowStates: make(map[string]*flow.State),
		// forcing detection on the very first call: framesSinceDetection
		// starts at DetectionInterval so the cadence check below fires
		// immediately rather than waiting a full interval.
		framesSinceDetection: cfg.DetectionInterval,
	}
}

// Stats returns a snapshot of the engine's rolling counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		FramesProcessed:  s.framesProcessed.Load(),
		DetectionsRun:    s.detectionsRun.Load(),
		FlowRuns:         s.flowRuns.Load(),
		RedetectTriggers: s.redetectTriggers.Load(),
	}
}

// Process runs one frame through the scheduler. frameFeatures is only
// consulted when a full detection pass runs; prevFrame/currFrame are used
// by a flow-only pass and by a detection pass's one-step flow rescue of a
// target the detector missed. frameCenter is the image's center point,
// used by active-target selection.
func (s *Scheduler) Process(ctx context.Context, frameIndex int, frameFeatures descriptor.FrameFeatures, prevFrame, currFrame flow.Frame, frameCenter quad.Point, now time.Time) (FrameResult, error) {
	if !s.isProcessing.CompareAndSwap(false, true) {
		return FrameResult{}, ErrReentrant
	}
	defer s.isProcessing.Store(false)

	s.framesProcessed.Add(1)

	runDetection := s.framesSinceDetection >= s.cfg.DetectionInterval || s.activeTargetID == "" || s.forceRedetect || !s.cfg.UseOpticalFlow
	s.forceRedetect = false

	if runDetection {
		return s.runDetectionPass(ctx, frameIndex, frameFeatures, prevFrame, currFrame, frameCenter, now), nil
	}
	return s.runFlowPass(frameIndex, prevFrame, currFrame, now)
}

func (s *Scheduler) runDetectionPass(ctx context.Context, frameIndex int, frameFeatures descriptor.FrameFeatures, prevFrame, currFrame flow.Frame, frameCenter quad.Point, now time.Time) FrameResult {
	s.detectionsRun.Add(1)

	all := s.registry.All()
	candidateIDs := vocab.Query(s.vocab, all, frameFeatures.Descriptors, s.cfg.Query)
	selected := make(map[string]bool, len(candidateIDs))
	candidates := make([]*target.Entry, 0, len(candidateIDs))
	for _, c := range candidateIDs {
		if e := s.registry.Get(c.TargetID); e != nil {
			candidates = append(candidates, e)
			selected[c.TargetID] = true
		}
	}

	out := make([]PerTargetResult, 0, len(all))
	for _, e := range all {
		if !selected[e.Target.ID] {
			out = append(out, PerTargetResult{TargetID: e.Target.ID, Mode: ModeDetect, Reason: ReasonFiltered})
		}
	}

	detectResults, err := s.detector.DetectCandidates(ctx, frameFeatures, candidates)
	if err != nil {
		s.logger.Error("detection pass failed", zap.Int("frameIndex", frameIndex), zap.Error(err))
		for _, c := range candidates {
			out = append(out, PerTargetResult{TargetID: c.Target.ID, Mode: ModeDetect, Reason: "detector_error"})
		}
		s.activeTargetID = ""
		return FrameResult{FrameIndex: frameIndex, PerTarget: out, ActiveTargetID: s.activeTargetID}
	}

	for _, r := range detectResults {
		entry := s.registry.Get(r.TargetID)
		if entry == nil {
			continue
		}

		success, resQuad, reason, score := r.Success, r.Quad, r.Reason, r.Score
		mode := ModeDetect

		// A target the detector just missed but that still has flow
		// state gets one rescue attempt before it's declared lost,
		// rather than throwing away a track over a single bad frame.
		if !r.Success && s.cfg.UseOpticalFlow {
			if rescued, ran := s.rescueWithFlow(entry, prevFrame, currFrame, now); ran {
				mode = ModeFlow
				success, resQuad, reason, score = rescued.Success, rescued.Quad, rescued.Reason, rescued.InlierRatio
				if rescued.NeedsRedetect {
					s.forceRedetect = true
					s.redetectTriggers.Add(1)
				}
			}
		}

		if success {
			entry.Runtime.Transition(target.StatusTracked, now, score)
			if mode == ModeDetect {
				state := flow.NewState(entry.Target.RefWidth, entry.Target.RefHeight,
					samplePointsFromQuad(resQuad, frameFeatures, s.cfg.FlowConfig.MaxTrackingPoints), s.cfg.FlowConfig)
				state.Seed(resQuad)
				s.flowStates[r.TargetID] = state
			}
		} else {
			entry.Runtime.Transition(target.StatusLost, now, 0)
			delete(s.flowStates, r.TargetID)
		}
		out = append(out, PerTargetResult{
			TargetID: r.TargetID, Success: success, Quad: resQuad,
			Mode: mode, Reason: reason,
		})
	}

	newActive, switched := s.selectActiveTarget(out, frameCenter, now)
	if switched {
		s.activeTargetID = newActive
		s.lastSwitchAt = now
	}
	s.framesSinceDetection = 0

	s.logger.Debug("detection pass complete",
		zap.Int("frameIndex", frameIndex),
		zap.String("activeTarget", s.activeTargetID),
		zap.Int("candidates", len(candidates)))

	return FrameResult{FrameIndex: frameIndex, PerTarget: out, ActiveTargetID: s.activeTargetID}
}

// rescueWithFlow runs one optical-flow step for a target the detector just
// missed, reusing whatever tracking state survived from a prior frame.
// Returns ok=false if there is no state to rescue from.
func (s *Scheduler) rescueWithFlow(entry *target.Entry, prevFrame, currFrame flow.Frame, now time.Time) (flow.Result, bool) {
	state := s.flowStates[entry.Target.ID]
	if state == nil {
		return flow.Result{}, false
	}
	result, err := s.tracker.Track(prevFrame, currFrame, state, quad.Point{}, 1.0/30.0)
	if err != nil {
		s.logger.Error("rescue flow track failed", zap.String("targetId", entry.Target.ID), zap.Error(err))
		return flow.Result{}, false
	}
	s.flowRuns.Add(1)
	return result, true
}

func (s *Scheduler) runFlowPass(frameIndex int, prevFrame, currFrame flow.Frame, now time.Time) (FrameResult, error) {
	s.flowRuns.Add(1)
	s.framesSinceDetection++

	entry := s.registry.Get(s.activeTargetID)
	state := s.flowStates[s.activeTargetID]
	if entry == nil || state == nil {
		s.forceRedetect = true
		s.activeTargetID = ""
		return FrameResult{FrameIndex: frameIndex}, nil
	}

	result, err := s.tracker.Track(prevFrame, currFrame, state, quad.Point{}, 1.0/30.0)
	if err != nil {
		return FrameResult{}, fmt.Errorf("scheduler: flow track: %w", err)
	}

	if result.NeedsRedetect {
		s.forceRedetect = true
		s.redetectTriggers.Add(1)
		streak := entry.Runtime.NotePoorQuality()
		if streak >= s.cfg.FlowConfig.MaxPoorQualityStreak {
			s.activeTargetID = ""
		}
	} else {
		entry.Runtime.ResetPoorQuality()
	}

	var reason string
	if result.Success {
		entry.Runtime.Transition(target.StatusTracked, now, result.InlierRatio)
	} else {
		reason = result.Reason
		entry.Runtime.Transition(target.StatusLost, now, 0)
		s.activeTargetID = ""
	}

	s.logger.Debug("flow pass complete",
		zap.Int("frameIndex", frameIndex),
		zap.String("targetId", entry.Target.ID),
		zap.Bool("success", result.Success),
		zap.Float64("inlierRatio", result.InlierRatio))

	return FrameResult{
		FrameIndex: frameIndex,
		PerTarget: []PerTargetResult{{
			TargetID: entry.Target.ID, Success: result.Success, Quad: result.Quad,
			Mode: ModeFlow, Reason: reason,
		}},
		ActiveTargetID: s.activeTargetID,
	}, nil
}

// selectActiveTarget implements the center-proximity + hysteresis policy:
// the closest successfully-detected target to the frame center becomes
// active; switching away from an already-active target additionally
// requires MinSwitchDelay to have elapsed and the new closest candidate's
// distance to be below SwitchHysteresis times the active target's
// distance. With no successful target the active target is cleared.
func (s *Scheduler) selectActiveTarget(results []PerTargetResult, frameCenter quad.Point, now time.Time) (string, bool) {
	type scored struct {
		id   string
		dist float64
	}
	var candidates []scored
	for _, r := range results {
		if !r.Success {
			continue
		}
		c := r.Quad.Centroid()
		candidates = append(candidates, scored{r.TargetID, math.Hypot(c.X-frameCenter.X, c.Y-frameCenter.Y)})
	}
	if len(candidates) == 0 {
		return "", s.activeTargetID != ""
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	closest := candidates[0]

	if s.activeTargetID == "" {
		return closest.id, true
	}
	if closest.id == s.activeTargetID {
		return s.activeTargetID, false
	}

	var currentDist float64
	currentFound := false
	for _, c := range candidates {
		if c.id == s.activeTargetID {
			currentDist = c.dist
			currentFound = true
			break
		}
	}
	if !currentFound {
		return closest.id, true
	}
	if now.Sub(s.lastSwitchAt) < s.cfg.MinSwitchDelay {
		return s.activeTargetID, false
	}
	if closest.dist < s.cfg.SwitchHysteresis*currentDist {
		return closest.id, true
	}
	return s.activeTargetID, false
}

// samplePointsFromQuad seeds the flow tracker's point set from a freshly
// detected quad: the four corners, then the frame's highest-response
// keypoints that fall inside the quad (reusing detection work rather than
// re-deriving corner strength), then a jittered grid filling out the
// quad's interior until maxPoints is reached.
func samplePointsFromQuad(q quad.Quad, frameFeatures descriptor.FrameFeatures, maxPoints int) []quad.Point {
	if maxPoints < 4 {
		maxPoints = 4
	}
	pts := make([]quad.Point, 0, maxPoints)
	pts = append(pts, q[0], q[1], q[2], q[3])

	byResponse := make([]int, len(frameFeatures.Keypoints))
	for i := range byResponse {
		byResponse[i] = i
	}
	sort.Slice(byResponse, func(i, j int) bool {
		return frameFeatures.Keypoints[byResponse[i]].Response > frameFeatures.Keypoints[byResponse[j]].Response
	})
	for _, idx := range byResponse {
		if len(pts) >= maxPoints {
			return pts
		}
		kp := frameFeatures.Keypoints[idx]
		p := quad.Point{X: kp.X, Y: kp.Y}
		if q.Contains(p) {
			pts = append(pts, p)
		}
	}

	if len(pts) >= maxPoints {
		return pts
	}

	minX, minY, maxX, maxY := q.Bounds()
	remaining := maxPoints - len(pts)
	side := int(math.Ceil(math.Sqrt(float64(remaining))))
	if side < 1 {
		side = 1
	}
	cellW := (maxX - minX) / float64(side)
	cellH := (maxY - minY) / float64(side)

	for gy := 0; gy < side && len(pts) < maxPoints; gy++ {
		for gx := 0; gx < side && len(pts) < maxPoints; gx++ {
			cx := minX + (float64(gx)+0.5)*cellW + (mrand.Float64()*2-1)*cellW*0.25
			cy := minY + (float64(gy)+0.5)*cellH + (mrand.Float64()*2-1)*cellH*0.25
			p := quad.Point{X: cx, Y: cy}
			if q.Contains(p) {
				pts = append(pts, p)
			}
		}
	}
	return pts
}
