package main

import (
	"context"
	"fmt"
	"io"

	"gocv.io/x/gocv"

	"github.com/planartrack/engine/cvprim"
	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/engineconfig"
	"github.com/planartrack/engine/flow"
	"github.com/planartrack/engine/framelog"
	"github.com/planartrack/engine/quad"
)

// replaySource feeds the engine from a framelog recording instead of a
// live camera, running the same BRISK extraction step on each replayed
// frame.
type replaySource struct {
	reader   *framelog.Reader
	detector *cvprim.Detector
	capture  engineconfig.CaptureConfig
}

func newReplaySource(path string, capture engineconfig.CaptureConfig) (*replaySource, error) {
	r, err := framelog.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cmd/track: opening replay %s: %w", path, err)
	}
	return &replaySource{reader: r, detector: cvprim.NewDetector(), capture: capture}, nil
}

func (s *replaySource) Next(ctx context.Context) (flow.Frame, descriptor.FrameFeatures, quad.Point, bool, error) {
	f, err := s.reader.Next()
	if err == io.EOF {
		return nil, descriptor.FrameFeatures{}, quad.Point{}, false, nil
	}
	if err != nil {
		return nil, descriptor.FrameFeatures{}, quad.Point{}, false, err
	}

	full, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8U, f.Gray)
	if err != nil {
		return nil, descriptor.FrameFeatures{}, quad.Point{}, false, fmt.Errorf("cmd/track: decoding replayed frame %d: %w", f.Index, err)
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

func (s *replaySource) Close() error {
	s.detector.Close()
	return s.reader.Close()
}
