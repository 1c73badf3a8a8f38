// Package framelog records and replays raw grayscale camera frames to a
// flat binary log, giving cmd/replay and cmd/track's --replay mode a
// deterministic frame source that does not depend on a live camera.
// The framing — a fixed global header followed by a stream of
// fixed-header-plus-payload records — follows the same two-level
// global-header/per-record-header shape as this codebase's target
// database encoder in wire/codec.go, generalized from one big
// database blob to a long append-only stream of small records.
package framelog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var magic = [4]byte{'P', 'T', 'F', 'L'}

const formatVersion uint32 = 1

// Frame is one recorded grayscale camera frame.
type Frame struct {
	Index     int
	Timestamp time.Time
	Width     int
	Height    int
	Gray      []byte
}

// ErrCorrupt is returned when a log's header or a record fails its
// structural checks.
var ErrCorrupt = fmt.Errorf("framelog: corrupt log")

// Writer appends frames to a log file. Safe for concurrent use by
// multiple goroutines, though in practice the engine only ever has one
// capture loop writing.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	width  int
	height int
	wrote  bool
}

// Create opens path for writing and emits the global header. width and
// height are fixed for the lifetime of the log; every frame written
// must match them.
func Create(path string, width, height int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("framelog: create %s: %w", path, err)
	}
	wr := &Writer{w: bufio.NewWriter(f), closer: f, width: width, height: height}
	if err := wr.writeGlobalHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return wr, nil
}

func (w *Writer) writeGlobalHeader() error {
	hdr := make([]byte, 16)
	copy(hdr[0:4], magic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], formatVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(w.width))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(w.height))
	_, err := w.w.Write(hdr)
	return err
}

// WriteFrame appends one frame record: index, timestamp, payload length,
// then the raw grayscale bytes.
func (w *Writer) WriteFrame(f Frame) error {
	if f.Width != w.width || f.Height != w.height {
		return fmt.Errorf("framelog: frame %d is %dx%d, log is %dx%d", f.Index, f.Width, f.Height, w.width, w.height)
	}
	if len(f.Gray) != f.Width*f.Height {
		return fmt.Errorf("framelog: frame %d payload length %d does not match %dx%d", f.Index, len(f.Gray), f.Width, f.Height)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rec := make([]byte, 24)
	binary.LittleEndian.PutUint32(rec[0:4], uint32(f.Index))
	binary.LittleEndian.PutUint64(rec[4:12], uint64(f.Timestamp.Unix()))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(f.Timestamp.Nanosecond()))
	binary.LittleEndian.PutUint32(rec[16:20], uint32(len(f.Gray)))
	// rec[20:24] reserved, zero
	if _, err := w.w.Write(rec); err != nil {
		return fmt.Errorf("framelog: write record header: %w", err)
	}
	if _, err := w.w.Write(f.Gray); err != nil {
		return fmt.Errorf("framelog: write payload: %w", err)
	}
	w.wrote = true
	return nil
}

// Close flushes buffered output and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.closer.Close()
}

// Reader replays frames from a log written by Writer, in order.
type Reader struct {
	r             *bufio.Reader
	closer        io.Closer
	Width, Height int
}

// Open reads and validates the global header, leaving the reader
// positioned at the first record.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("framelog: open %s: %w", path, err)
	}
	rd := &Reader{r: bufio.NewReader(f), closer: f}
	if err := rd.readGlobalHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return rd, nil
}

func (r *Reader) readGlobalHeader() error {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return fmt.Errorf("%w: reading global header: %v", ErrCorrupt, err)
	}
	var gotMagic [4]byte
	copy(gotMagic[:], hdr[0:4])
	if gotMagic != magic {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}
	r.Width = int(binary.LittleEndian.Uint32(hdr[8:12]))
	r.Height = int(binary.LittleEndian.Uint32(hdr[12:16]))
	return nil
}

// Next reads the following frame record, returning io.EOF when the log
// is exhausted.
func (r *Reader) Next() (Frame, error) {
	rec := make([]byte, 24)
	if _, err := io.ReadFull(r.r, rec); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, fmt.Errorf("%w: truncated record header", ErrCorrupt)
		}
		return Frame{}, err
	}
	index := int(binary.LittleEndian.Uint32(rec[0:4]))
	sec := int64(binary.LittleEndian.Uint64(rec[4:12]))
	nsec := int64(binary.LittleEndian.Uint32(rec[12:16]))
	payloadLen := int(binary.LittleEndian.Uint32(rec[16:20]))
	if payloadLen != r.Width*r.Height {
		return Frame{}, fmt.Errorf("%w: record %d payload length %d does not match %dx%d", ErrCorrupt, index, payloadLen, r.Width, r.Height)
	}
	gray := make([]byte, payloadLen)
	if _, err := io.ReadFull(r.r, gray); err != nil {
		return Frame{}, fmt.Errorf("%w: truncated payload for record %d: %v", ErrCorrupt, index, err)
	}
	return Frame{
		Index:     index,
		Timestamp: time.Unix(sec, nsec),
		Width:     r.Width,
		Height:    r.Height,
		Gray:      gray,
	}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.closer.Close()
}
