package framelog

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFrame(index int, w, h int) Frame {
	gray := make([]byte, w*h)
	for i := range gray {
		gray[i] = byte((index + i) % 256)
	}
	return Frame{
		Index:     index,
		Timestamp: time.Unix(1700000000+int64(index), 0),
		Width:     w,
		Height:    h,
		Gray:      gray,
	}
}

func TestWriteAndReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.ptfl")

	w, err := Create(path, 4, 3)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteFrame(sampleFrame(i, 4, 3)))
	}
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 4, r.Width)
	assert.Equal(t, 3, r.Height)

	for i := 0; i < 5; i++ {
		f, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, i, f.Index)
		assert.Equal(t, sampleFrame(i, 4, 3).Gray, f.Gray)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteFrameRejectsDimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.ptfl")
	w, err := Create(path, 4, 3)
	require.NoError(t, err)
	defer w.Close()

	err = w.WriteFrame(sampleFrame(0, 2, 2))
	assert.Error(t, err)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ptfl")
	require.NoError(t, os.WriteFile(path, []byte("not a framelog file at all"), 0o644))

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestNextRejectsTruncatedPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.ptfl")
	w, err := Create(path, 2, 2)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(sampleFrame(0, 2, 2)))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := raw[:len(raw)-2]
	require.NoError(t, os.WriteFile(path, truncated, 0o644))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrCorrupt)
}
