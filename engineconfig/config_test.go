package engineconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultResolves(t *testing.T) {
	cfg := Default()
	resolved := cfg.Resolve()
	assert.Equal(t, 12, resolved.Detector.MinGoodMatches)
	assert.Equal(t, 12, resolved.Scheduler.DetectionInterval)
	assert.Equal(t, 400.0, resolved.Quad.MinArea)
}

func TestLoadOverridesPartialFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := []byte("scheduler:\n  detectionInterval: 15\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Scheduler.DetectionInterval)
	// untouched fields keep their defaults
	assert.Equal(t, 12, cfg.Detector.MinGoodMatches)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/engine.yaml")
	assert.Error(t, err)
}
