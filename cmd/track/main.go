// Command track runs the tracking engine against a live camera (or a
// framelog recording played back through a detector, via --replay),
// loading a target database and publishing per-frame results to the
// debug websocket feed and/or a resultsink broadcaster.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/planartrack/engine/debugsink"
	"github.com/planartrack/engine/engine"
	"github.com/planartrack/engine/resultsink"
	"github.com/planartrack/engine/scheduler"
	"github.com/planartrack/engine/telemetry"
)

func main() {
	dbPath := flag.String("db", "", "Target database path")
	configPath := flag.String("config", "", "Optional engine config YAML")
	device := flag.Int("device", 0, "Camera device index")
	replayPath := flag.String("replay", "", "Replay a framelog recording instead of the live camera")
	recordPath := flag.String("record", "", "Record camera frames to this framelog path (ignored with --replay)")
	debugAddr := flag.String("debug-addr", "", "HTTP/websocket debug address, e.g. :8090 (empty disables)")
	udpSink := flag.String("udp-sink", "", "UDP address to broadcast results to (empty disables)")
	debug := flag.Bool("debug", false, "Verbose development logging")
	flag.Parse()

	if *dbPath == "" {
		fmt.Println("--db required")
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(*debug)
	if err != nil {
		fmt.Printf("building logger failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := engine.Default()
	if *configPath != "" {
		cfg, err = engine.Load(*configPath)
		if err != nil {
			logger.Fatal("loading config", zap.Error(err))
		}
	}

	eng, err := engine.New(cfg, *dbPath, logger)
	if err != nil {
		logger.Fatal("building engine", zap.Error(err))
	}
	logger.Info("loaded target database", zap.Int("targets", eng.Registry().Len()))

	if *debugAddr != "" {
		hub := debugsink.NewHub(logger)
		srv := debugsink.NewServer(hub, eng, logger)
		eng.AddSink(hubSink{hub})
		go func() {
			if err := srv.ListenAndServe(*debugAddr); err != nil {
				logger.Error("debug server stopped", zap.Error(err))
			}
		}()
	}

	if *udpSink != "" {
		sender := resultsink.New(logger)
		if err := sender.AddUDPTarget(*udpSink); err != nil {
			logger.Fatal("adding udp sink", zap.Error(err))
		}
		if err := sender.Start(); err != nil {
			logger.Fatal("starting result sender", zap.Error(err))
		}
		defer sender.Stop()
		eng.AddSink(sender)
	}

	var src engine.FrameSource
	if *replayPath != "" {
		replaySrc, err := newReplaySource(*replayPath, cfg.Capture)
		if err != nil {
			logger.Fatal("opening replay", zap.Error(err))
		}
		defer replaySrc.Close()
		src = replaySrc
	} else {
		camSrc, err := newCameraSource(*device, *recordPath, cfg.Capture)
		if err != nil {
			logger.Fatal("opening camera", zap.Error(err))
		}
		defer camSrc.Close()
		src = camSrc
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if err := eng.Run(ctx, src); err != nil && ctx.Err() == nil {
		logger.Fatal("engine run failed", zap.Error(err))
	}
}

// hubSink adapts debugsink.Hub's Publish(any) to engine.RenderSink.
type hubSink struct {
	hub *debugsink.Hub
}

func (h hubSink) Publish(result scheduler.FrameResult) {
	h.hub.Publish(result)
}
