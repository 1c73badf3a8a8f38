// Command replay streams a framelog recording through the tracking
// engine at a configurable speed, for reviewing a captured session
// without a live camera.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"gocv.io/x/gocv"

	"github.com/planartrack/engine/cvprim"
	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/engine"
	"github.com/planartrack/engine/engineconfig"
	"github.com/planartrack/engine/flow"
	"github.com/planartrack/engine/framelog"
	"github.com/planartrack/engine/quad"
	"github.com/planartrack/engine/resultsink"
	"github.com/planartrack/engine/telemetry"
)

func main() {
	path := flag.String("path", "", "Input framelog path")
	dbPath := flag.String("db", "", "Target database path")
	configPath := flag.String("config", "", "Optional engine config YAML")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier (0 for max speed)")
	udpSink := flag.String("udp-sink", "", "UDP address to broadcast results to (empty disables)")
	flag.Parse()

	if *path == "" || *dbPath == "" {
		log.Fatal("--path and --db required")
	}

	logger, err := telemetry.NewLogger(false)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	cfg := engine.Default()
	if *configPath != "" {
		cfg, err = engine.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
	}

	eng, err := engine.New(cfg, *dbPath, logger)
	if err != nil {
		log.Fatalf("loading engine: %v", err)
	}

	if *udpSink != "" {
		sender := resultsink.New(logger)
		if err := sender.AddUDPTarget(*udpSink); err != nil {
			log.Fatalf("adding udp sink: %v", err)
		}
		if err := sender.Start(); err != nil {
			log.Fatalf("starting sender: %v", err)
		}
		defer sender.Stop()
		eng.AddSink(sender)
	}

	src, err := newPacedReplaySource(*path, *speed, cfg.Capture)
	if err != nil {
		log.Fatalf("opening %s: %v", *path, err)
	}
	defer src.Close()

	log.Printf("replaying %s at %gx", *path, *speed)
	if err := eng.Run(context.Background(), src); err != nil {
		log.Fatalf("replay failed: %v", err)
	}
	fmt.Printf("replay complete: %d frames processed\n", eng.Stats().FramesProcessed)
}

// pacedReplaySource feeds frames from a framelog recording at the
// original capture rate, scaled by speed; speed of 0 disables pacing
// entirely and reads as fast as possible.
type pacedReplaySource struct {
	reader   *framelog.Reader
	detector *cvprim.Detector
	speed    float64
	capture  engineconfig.CaptureConfig

	firstTs   time.Time
	startReal time.Time
	started   bool
}

func newPacedReplaySource(path string, speed float64, capture engineconfig.CaptureConfig) (*pacedReplaySource, error) {
	r, err := framelog.Open(path)
	if err != nil {
		return nil, err
	}
	return &pacedReplaySource{reader: r, detector: cvprim.NewDetector(), speed: speed, capture: capture}, nil
}

func (s *pacedReplaySource) Next(ctx context.Context) (flow.Frame, descriptor.FrameFeatures, quad.Point, bool, error) {
	f, err := s.reader.Next()
	if err == io.EOF {
		return nil, descriptor.FrameFeatures{}, quad.Point{}, false, nil
	}
	if err != nil {
		return nil, descriptor.FrameFeatures{}, quad.Point{}, false, err
	}

	if !s.started {
		s.firstTs = f.Timestamp
		s.startReal = time.Now()
		s.started = true
	} else if s.speed > 0 {
		targetDelay := time.Duration(float64(f.Timestamp.Sub(s.firstTs)) / s.speed)
		elapsed := time.Since(s.startReal)
		if targetDelay > elapsed {
			time.Sleep(targetDelay - elapsed)
		}
	}

	full, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8U, f.Gray)
	if err != nil {
		return nil, descriptor.FrameFeatures{}, quad.Point{}, false, err
	}
	gray, scale := cvprim.ResizeToMaxDimension(full, s.capture.MaxDimension)
	if scale != 1.0 {
		full.Close()
	}

	features, err := s.detector.DetectAndCompute(gray)
	if err != nil {
		gray.Close()
		return nil, descriptor.FrameFeatures{}, quad.Point{}, false, err
	}
	features = features.TopByResponse(s.capture.MaxFeaturesPerFrame)

	center := quad.Point{X: float64(gray.Cols()) / 2, Y: float64(gray.Rows()) / 2}
	return gray, features, center, true, nil
}

func (s *pacedReplaySource) Close() error {
	s.detector.Close()
	return s.reader.Close()
}
