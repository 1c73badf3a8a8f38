// Package engine wires the tracking pipeline's components — target
// registry, vocabulary, detector, optical-flow tracker, and scheduler —
// into one runnable unit, and defines two small capability interfaces:
// FrameSource (camera, video file, or recorded log) and RenderSink
// (whatever consumes FrameResults downstream). A single composition
// root glues independently testable packages together rather than any
// one package knowing about the others' concrete types.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/detect"
	"github.com/planartrack/engine/engineconfig"
	"github.com/planartrack/engine/flow"
	"github.com/planartrack/engine/quad"
	"github.com/planartrack/engine/scheduler"
	"github.com/planartrack/engine/target"
	"github.com/planartrack/engine/vocab"
	"github.com/planartrack/engine/wire"
)

// Config is the engine's full tunable surface; an alias so callers can
// write engine.Config without importing engineconfig directly.
type Config = engineconfig.Config

// Default returns the engine's default tunables.
func Default() Config { return engineconfig.Default() }

// Load reads a YAML config file, falling back to Default() for any
// field it doesn't override.
func Load(path string) (Config, error) { return engineconfig.Load(path) }

// FrameSource produces successive camera frames for the engine to
// process: the current frame handle, its extracted features, and the
// geometric center used for active-target hysteresis. A
// nil error with ok=false signals a clean end of stream (e.g. a replay
// file running out).
type FrameSource interface {
	Next(ctx context.Context) (frame flow.Frame, features descriptor.FrameFeatures, center quad.Point, ok bool, err error)
}

// RenderSink consumes the scheduler's per-frame output. Implementations
// never block the engine on a slow consumer — debugsink and resultsink
// both drop frames rather than back-pressure the pipeline.
type RenderSink interface {
	Publish(result scheduler.FrameResult)
}

// Engine owns the full pipeline for one loaded target database: the
// registry, vocabulary, scheduler, and whichever frame source/render
// sinks the caller wires in.
type Engine struct {
	registry  *target.Registry
	vocab     *vocab.Vocabulary
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
	sinks     []RenderSink

	prevFrame flow.Frame
	haveFrame bool
}

// New loads a target database from dbPath and builds the scheduler and
// its collaborators per cfg.
func New(cfg Config, dbPath string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolved := cfg.Resolve()

	db, err := wire.DecodeFile(dbPath)
	if err != nil {
		return nil, fmt.Errorf("engine: loading database %s: %w", dbPath, err)
	}

	registry := target.NewRegistry(db.Targets)

	detector := detect.NewDetector(
		detect.GocvMatcher{},
		detect.GocvHomographyEstimator{ReprojThreshold: resolved.Detector.ReprojThreshold},
		resolved.Detector,
	)
	tracker := flow.NewTracker(flow.GocvEngine{}, resolved.Flow)

	sched := scheduler.New(registry, db.Vocab, detector, tracker, resolved.Scheduler, logger)

	return &Engine{registry: registry, vocab: db.Vocab, scheduler: sched, logger: logger}, nil
}

// AddSink registers a RenderSink; every successful Process call
// publishes to all registered sinks.
func (e *Engine) AddSink(s RenderSink) {
	e.sinks = append(e.sinks, s)
}

// Stats returns the scheduler's rolling counters.
func (e *Engine) Stats() scheduler.Stats {
	return e.scheduler.Stats()
}

// Registry exposes the loaded target registry, e.g. for cmd/track's
// loaded-target count.
func (e *Engine) Registry() *target.Registry {
	return e.registry
}

// Run pulls frames from src until it signals end-of-stream, ctx is
// canceled, or src returns an error.
func (e *Engine) Run(ctx context.Context, src FrameSource) error {
	frameIndex := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		currFrame, features, center, ok, err := src.Next(ctx)
		if err != nil {
			return fmt.Errorf("engine: frame source: %w", err)
		}
		if !ok {
			return nil
		}

		var prevFrame flow.Frame
		if e.haveFrame {
			prevFrame = e.prevFrame
		} else {
			prevFrame = currFrame
		}

		result, err := e.scheduler.Process(ctx, frameIndex, features, prevFrame, currFrame, center, timeNow())
		if err != nil {
			e.logger.Error("engine: frame processing failed", zap.Int("frameIndex", frameIndex), zap.Error(err))
			return err
		}

		for _, sink := range e.sinks {
			sink.Publish(result)
		}

		e.prevFrame = currFrame
		e.haveFrame = true
		frameIndex++
	}
}

func timeNow() time.Time {
	return time.Now()
}
