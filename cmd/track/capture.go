package main

import (
	"context"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/planartrack/engine/cvprim"
	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/engineconfig"
	"github.com/planartrack/engine/flow"
	"github.com/planartrack/engine/framelog"
	"github.com/planartrack/engine/quad"
)

// cameraSource pulls frames from a live gocv.VideoCapture, extracting
// BRISK features per frame and optionally recording raw grayscale frames
// to a framelog.Writer for later replay.
type cameraSource struct {
	cap      *gocv.VideoCapture
	detector *cvprim.Detector
	rec      *framelog.Writer
	capture  engineconfig.CaptureConfig
	index    int
}

func newCameraSource(deviceID int, recordPath string, capture engineconfig.CaptureConfig) (*cameraSource, error) {
	cap, err := gocv.VideoCaptureDevice(deviceID)
	if err != nil {
		return nil, fmt.Errorf("cmd/track: opening camera %d: %w", deviceID, err)
	}
	src := &cameraSource{cap: cap, detector: cvprim.NewDetector(), capture: capture}

	if recordPath != "" {
		w, h := scaledDims(int(cap.Get(gocv.VideoCaptureFrameWidth)), int(cap.Get(gocv.VideoCaptureFrameHeight)), capture.MaxDimension)
		rec, err := framelog.Create(recordPath, w, h)
		if err != nil {
			cap.Close()
			return nil, err
		}
		src.rec = rec
	}
	return src, nil
}

func (s *cameraSource) Next(ctx context.Context) (flow.Frame, descriptor.FrameFeatures, quad.Point, bool, error) {
	img := gocv.NewMat()
	if ok := s.cap.Read(&img); !ok || img.Empty() {
		img.Close()
		return nil, descriptor.FrameFeatures{}, quad.Point{}, false, nil
	}

	full := cvprim.ToGray(img)
	img.Close()

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

	if s.rec != nil {
		data, err := gray.DataPtrUint8()
		if err == nil {
			frame := framelog.Frame{Index: s.index, Timestamp: time.Now(), Width: gray.Cols(), Height: gray.Rows(), Gray: append([]byte(nil), data...)}
			if err := s.rec.WriteFrame(frame); err != nil {
				return nil, descriptor.FrameFeatures{}, quad.Point{}, false, fmt.Errorf("cmd/track: recording frame: %w", err)
			}
		}
	}

	center := quad.Point{X: float64(gray.Cols()) / 2, Y: float64(gray.Rows()) / 2}
	s.index++
	return gray, features, center, true, nil
}

// scaledDims applies the same longer-side cap as cvprim.ResizeToMaxDimension
// without needing a Mat, so callers can size buffers ahead of the first frame.
func scaledDims(w, h, maxDim int) (int, int) {
	if maxDim <= 0 {
		return w, h
	}
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxDim {
		return w, h
	}
	scale := float64(maxDim) / float64(longest)
	return int(float64(w) * scale), int(float64(h) * scale)
}

func (s *cameraSource) Close() error {
	if s.rec != nil {
		s.rec.Close()
	}
	s.detector.Close()
	return s.cap.Close()
}
