// Package engineconfig is the single source of truth for every tunable
// in the tracking pipeline: one YAML-loadable Config struct feeding
// typed, per-package config values.
package engineconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/planartrack/engine/detect"
	"github.com/planartrack/engine/flow"
	"github.com/planartrack/engine/quad"
	"github.com/planartrack/engine/scheduler"
	"github.com/planartrack/engine/vocab"
)

// Config is the engine's full tunable surface.
type Config struct {
	Quad      QuadConfig      `yaml:"quad"`
	Capture   CaptureConfig   `yaml:"capture"`
	Detector  DetectorConfig  `yaml:"detector"`
	Flow      FlowConfig      `yaml:"flow"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Vocab     VocabConfig     `yaml:"vocab"`
}

// CaptureConfig carries the frame-acquisition tunables applied before any
// feature is handed to the detector: a downscale cap on the frame's
// longer side, and a cap on how many of the frame's extracted features
// survive into matching.
type CaptureConfig struct {
	MaxDimension        int `yaml:"maxDimension"`
	MaxFeaturesPerFrame int `yaml:"maxFeaturesPerFrame"`
}

// QuadConfig mirrors quad.Config with YAML tags.
type QuadConfig struct {
	MinArea        float64 `yaml:"minArea"`
	MaxAspectRatio float64 `yaml:"maxAspectRatio"`
	MinSideLength  float64 `yaml:"minSideLength"`
}

func (c QuadConfig) toQuad() quad.Config {
	return quad.Config{MinArea: c.MinArea, MaxAspectRatio: c.MaxAspectRatio, MinSideLength: c.MinSideLength}
}

// DetectorConfig mirrors detect.Config with YAML tags.
type DetectorConfig struct {
	RatioTestThreshold   float64 `yaml:"ratioTestThreshold"`
	SingleNearestMaxDist float64 `yaml:"singleNearestMaxDist"`
	MinGoodMatches       int     `yaml:"minGoodMatches"`
	ReprojThreshold      float64 `yaml:"reprojThreshold"`
	MaxConcurrency       int     `yaml:"maxConcurrency"`
}

func (c DetectorConfig) toDetect(q quad.Config) detect.Config {
	return detect.Config{
		RatioTestThreshold:   c.RatioTestThreshold,
		SingleNearestMaxDist: c.SingleNearestMaxDist,
		MinGoodMatches:       c.MinGoodMatches,
		ReprojThreshold:      c.ReprojThreshold,
		MaxConcurrency:       c.MaxConcurrency,
		Quad:                 q,
	}
}

// FlowConfig mirrors flow.Config with YAML tags and duration strings.
type FlowConfig struct {
	MaxForwardBackwardError float64 `yaml:"maxForwardBackwardError"`
	MinSurvivingPoints      int     `yaml:"minSurvivingPoints"`
	MinInlierRatio          float64 `yaml:"minInlierRatio"`
	MaxFramesSinceDetection int     `yaml:"maxFramesSinceDetection"`
	MaxPoorQualityStreak    int     `yaml:"maxPoorQualityStreak"`
	ScaleProcessNoise       float64 `yaml:"scaleProcessNoise"`
	ScaleMeasNoise          float64 `yaml:"scaleMeasNoise"`
	RotationProcessNoise    float64 `yaml:"rotationProcessNoise"`
	RotationMeasNoise       float64 `yaml:"rotationMeasNoise"`
	AspectProcessNoise      float64 `yaml:"aspectProcessNoise"`
	AspectMeasNoise         float64 `yaml:"aspectMeasNoise"`
	MaxTrackingPoints       int     `yaml:"maxTrackingPoints"`
}

func (c FlowConfig) toFlow(q quad.Config) flow.Config {
	return flow.Config{
		MaxForwardBackwardError: c.MaxForwardBackwardError,
		MinSurvivingPoints:      c.MinSurvivingPoints,
		MinInlierRatio:          c.MinInlierRatio,
		MaxFramesSinceDetection: c.MaxFramesSinceDetection,
		MaxPoorQualityStreak:    c.MaxPoorQualityStreak,
		ScaleProcessNoise:       c.ScaleProcessNoise,
		ScaleMeasNoise:          c.ScaleMeasNoise,
		RotationProcessNoise:    c.RotationProcessNoise,
		RotationMeasNoise:       c.RotationMeasNoise,
		AspectProcessNoise:      c.AspectProcessNoise,
		AspectMeasNoise:         c.AspectMeasNoise,
		MaxTrackingPoints:       c.MaxTrackingPoints,
		Quad:                    q,
	}
}

// SchedulerConfig mirrors scheduler.Config with YAML tags.
type SchedulerConfig struct {
	DetectionInterval  int     `yaml:"detectionInterval"`
	UseOpticalFlow     bool    `yaml:"useOpticalFlow"`
	MinSwitchDelayMs   int     `yaml:"minSwitchDelayMs"`
	SwitchHysteresis   float64 `yaml:"switchHysteresis"`
	QueryTopK          int     `yaml:"queryTopK"`
	QueryMinSimilarity float64 `yaml:"queryMinSimilarity"`
}

func (c SchedulerConfig) toScheduler(fc flow.Config) scheduler.Config {
	return scheduler.Config{
		DetectionInterval: c.DetectionInterval,
		UseOpticalFlow:    c.UseOpticalFlow,
		MinSwitchDelay:    time.Duration(c.MinSwitchDelayMs) * time.Millisecond,
		SwitchHysteresis:  c.SwitchHysteresis,
		Query:             vocab.QueryConfig{TopK: c.QueryTopK, MinSimilarity: c.QueryMinSimilarity},
		FlowConfig:        fc,
	}
}

// VocabConfig mirrors vocab.BuildConfig with YAML tags.
type VocabConfig struct {
	BranchingFactor int    `yaml:"branchingFactor"`
	Levels          int    `yaml:"levels"`
	MinKeypoints    int    `yaml:"minKeypoints"`
	Seed1           uint64 `yaml:"seed1"`
	Seed2           uint64 `yaml:"seed2"`
}

func (c VocabConfig) toBuild() vocab.BuildConfig {
	return vocab.BuildConfig{
		BranchingFactor: c.BranchingFactor, Levels: c.Levels,
		MinKeypoints: c.MinKeypoints, Seed1: c.Seed1, Seed2: c.Seed2,
	}
}

// Resolved bundles every concrete config type the pipeline's
// constructors expect, derived once from a Config.
type Resolved struct {
	Quad       quad.Config
	Capture    CaptureConfig
	Detector   detect.Config
	Flow       flow.Config
	Scheduler  scheduler.Config
	VocabBuild vocab.BuildConfig
}

// Resolve converts the YAML-shaped Config into the concrete per-package
// config types.
func (c Config) Resolve() Resolved {
	q := c.Quad.toQuad()
	f := c.Flow.toFlow(q)
	return Resolved{
		Quad:       q,
		Capture:    c.Capture,
		Detector:   c.Detector.toDetect(q),
		Flow:       f,
		Scheduler:  c.Scheduler.toScheduler(f),
		VocabBuild: c.Vocab.toBuild(),
	}
}

// Default returns the engine's default tunables.
func Default() Config {
	return Config{
		Quad:    QuadConfig{MinArea: 400, MaxAspectRatio: 6, MinSideLength: 8},
		Capture: CaptureConfig{MaxDimension: 640, MaxFeaturesPerFrame: 800},
		Detector: DetectorConfig{
			RatioTestThreshold: 0.7, SingleNearestMaxDist: 48,
			MinGoodMatches: 12, ReprojThreshold: 5.0, MaxConcurrency: 4,
		},
		Flow: FlowConfig{
			MaxForwardBackwardError: 2.0, MinSurvivingPoints: 8,
			MinInlierRatio: 0.5, MaxFramesSinceDetection: 30, MaxPoorQualityStreak: 3,
			ScaleProcessNoise: 0.01, ScaleMeasNoise: 0.5,
			RotationProcessNoise: 0.001, RotationMeasNoise: 0.05,
			AspectProcessNoise: 0.001, AspectMeasNoise: 0.05,
			MaxTrackingPoints: 100,
		},
		Scheduler: SchedulerConfig{
			DetectionInterval: 12, UseOpticalFlow: true, MinSwitchDelayMs: 500, SwitchHysteresis: 0.7,
			QueryTopK: 3, QueryMinSimilarity: 0.05,
		},
		Vocab: VocabConfig{BranchingFactor: 10, Levels: 4, MinKeypoints: 50, Seed1: 0x9E3779B97F4A7C15, Seed2: 0xBF58476D1CE4E5B9},
	}
}

// Load reads a YAML config file, starting from Default() so a partial
// file only needs to override the fields it cares about.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("engineconfig: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("engineconfig: parsing %s: %w", path, err)
	}
	return cfg, nil
}
