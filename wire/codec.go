// Package wire implements the target database's on-disk format: a
// little-endian binary codec with magic + version + fixed-field framing
// followed by variable-length sections, plus a JSON codec for debugging
// and tooling, selected automatically on load by checking whether the
// first four bytes are the binary format's magic.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/target"
	"github.com/planartrack/engine/vocab"
)

// magic identifies the binary format; chosen so it can never collide with
// a JSON document's leading byte ('{' / whitespace).
var magic = [4]byte{'P', 'T', 'D', 'B'}

const schemaVersion uint32 = 1

// ErrDatabaseCorrupt is returned by Decode when the input fails a schema
// check: bad magic/version, a truncated section, or a BoW entry
// referencing a word id outside the vocabulary's range.
var ErrDatabaseCorrupt = fmt.Errorf("wire: database corrupt")

// Database is the full offline→runtime handoff payload: a vocabulary and
// the target set it was built against.
type Database struct {
	Vocab   *vocab.Vocabulary
	Targets []*target.Target
}

// Encode writes a Database in the binary format.
func Encode(w io.Writer, db *Database) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.Write(magic[:]); err != nil {
		return err
	}
	if err := writeU32(bw, schemaVersion); err != nil {
		return err
	}
	descLen := 0
	if len(db.Targets) > 0 && len(db.Targets[0].Descriptors) > 0 {
		descLen = len(db.Targets[0].Descriptors[0])
	}
	if err := writeU32(bw, uint32(descLen)); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(len(db.Targets))); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(len(db.Vocab.Words))); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(db.Vocab.BranchingFactor)); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(db.Vocab.Levels)); err != nil {
		return err
	}

	for _, w := range db.Vocab.Words {
		if _, err := bw.Write(w.Centroid); err != nil {
			return err
		}
		if err := writeF32(bw, w.IDF); err != nil {
			return err
		}
	}

	for _, t := range db.Targets {
		if err := writeTarget(bw, t); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func writeTarget(w *bufio.Writer, t *target.Target) error {
	if err := writeString(w, t.ID); err != nil {
		return err
	}
	if err := writeString(w, t.Label); err != nil {
		return err
	}
	if err := writeString(w, t.MediaRef); err != nil {
		return err
	}
	if err := writeF64(w, t.RefWidth); err != nil {
		return err
	}
	if err := writeF64(w, t.RefHeight); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(t.Keypoints))); err != nil {
		return err
	}
	for i, kp := range t.Keypoints {
		if err := writeF64(w, kp.X); err != nil {
			return err
		}
		if err := writeF64(w, kp.Y); err != nil {
			return err
		}
		if err := writeF32(w, kp.Response); err != nil {
			return err
		}
		if _, err := w.Write(t.Descriptors[i]); err != nil {
			return err
		}
	}
	if err := writeU32(w, uint32(len(t.BoW))); err != nil {
		return err
	}
	for word, weight := range t.BoW {
		if err := writeU32(w, word); err != nil {
			return err
		}
		if err := writeF32(w, weight); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a Database, sniffing the magic byte sequence to choose
// between the binary and JSON codecs.
func Decode(r io.Reader) (*Database, error) {
	br := bufio.NewReader(r)
	peek, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}
	if bytes.Equal(peek, magic[:]) {
		return decodeBinary(br)
	}
	return decodeJSON(br)
}

func decodeBinary(r *bufio.Reader) (*Database, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrDatabaseCorrupt, err)
	}
	if hdr != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrDatabaseCorrupt)
	}
	version, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading version: %v", ErrDatabaseCorrupt, err)
	}
	if version != schemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrDatabaseCorrupt, version)
	}

	descLen, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}
	numTargets, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}
	vocabSize, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}
	branching, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}
	levels, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}

	words := make([]vocab.Word, vocabSize)
	for i := range words {
		centroid := make(descriptor.Descriptor, descLen)
		if _, err := io.ReadFull(r, centroid); err != nil {
			return nil, fmt.Errorf("%w: reading word %d centroid: %v", ErrDatabaseCorrupt, i, err)
		}
		idf, err := readF32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading word %d idf: %v", ErrDatabaseCorrupt, i, err)
		}
		words[i] = vocab.Word{Centroid: centroid, IDF: idf}
	}
	v := &vocab.Vocabulary{Words: words, BranchingFactor: int(branching), Levels: int(levels)}

	targets := make([]*target.Target, numTargets)
	for i := range targets {
		t, err := readTarget(r, int(descLen), uint32(len(words)))
		if err != nil {
			return nil, err
		}
		targets[i] = t
	}

	return &Database{Vocab: v, Targets: targets}, nil
}

func readTarget(r *bufio.Reader, descLen int, vocabSize uint32) (*target.Target, error) {
	id, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading target id: %v", ErrDatabaseCorrupt, err)
	}
	label, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading label: %v", ErrDatabaseCorrupt, err)
	}
	mediaRef, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading mediaRef: %v", ErrDatabaseCorrupt, err)
	}
	refWidth, err := readF64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}
	refHeight, err := readF64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}
	numKp, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}

	kps := make([]descriptor.Keypoint, numKp)
	descs := make([]descriptor.Descriptor, numKp)
	for i := range kps {
		x, err := readF64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
		}
		y, err := readF64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
		}
		resp, err := readF32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
		}
		d := make(descriptor.Descriptor, descLen)
		if _, err := io.ReadFull(r, d); err != nil {
			return nil, fmt.Errorf("%w: reading descriptor %d: %v", ErrDatabaseCorrupt, i, err)
		}
		kps[i] = descriptor.Keypoint{X: x, Y: y, Response: resp}
		descs[i] = d
	}

	numBow, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}
	bow := make(map[uint32]float32, numBow)
	for i := uint32(0); i < numBow; i++ {
		word, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
		}
		if word >= vocabSize {
			return nil, fmt.Errorf("%w: bow word id %d out of range [0,%d)", ErrDatabaseCorrupt, word, vocabSize)
		}
		weight, err := readF32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
		}
		bow[word] = weight
	}

	return &target.Target{
		ID: id, Label: label, MediaRef: mediaRef,
		RefWidth: refWidth, RefHeight: refHeight,
		Keypoints: kps, Descriptors: descs, BoW: bow,
	}, nil
}

// jsonDatabase is the JSON-friendly shadow of Database: binary
// descriptors become base64 strings via encoding/json's native []byte
// handling, and maps use string keys since JSON object keys must be
// strings.
type jsonDatabase struct {
	Vocab struct {
		Words []struct {
			Centroid []byte  `json:"centroid"`
			IDF      float32 `json:"idf"`
		} `json:"words"`
		BranchingFactor int `json:"branchingFactor"`
		Levels          int `json:"levels"`
	} `json:"vocab"`
	Targets []jsonTarget `json:"targets"`
}

type jsonTarget struct {
	ID        string  `json:"id"`
	Label     string  `json:"label"`
	MediaRef  string  `json:"mediaRef"`
	RefWidth  float64 `json:"refWidth"`
	RefHeight float64 `json:"refHeight"`
	Keypoints []struct {
		X, Y     float64
		Response float32
	} `json:"keypoints"`
	Descriptors [][]byte           `json:"descriptors"`
	BoW         map[string]float32 `json:"bow"`
}

func decodeJSON(r io.Reader) (*Database, error) {
	var jd jsonDatabase
	if err := json.NewDecoder(r).Decode(&jd); err != nil {
		return nil, fmt.Errorf("%w: json decode: %v", ErrDatabaseCorrupt, err)
	}

	words := make([]vocab.Word, len(jd.Vocab.Words))
	for i, jw := range jd.Vocab.Words {
		words[i] = vocab.Word{Centroid: jw.Centroid, IDF: jw.IDF}
	}
	v := &vocab.Vocabulary{Words: words, BranchingFactor: jd.Vocab.BranchingFactor, Levels: jd.Vocab.Levels}

	targets := make([]*target.Target, len(jd.Targets))
	for i, jt := range jd.Targets {
		kps := make([]descriptor.Keypoint, len(jt.Keypoints))
		for j, k := range jt.Keypoints {
			kps[j] = descriptor.Keypoint{X: k.X, Y: k.Y, Response: k.Response}
		}
		descs := make([]descriptor.Descriptor, len(jt.Descriptors))
		for j, d := range jt.Descriptors {
			descs[j] = d
		}
		bow := make(map[uint32]float32, len(jt.BoW))
		for k, val := range jt.BoW {
			var word uint32
			if _, err := fmt.Sscanf(k, "%d", &word); err != nil {
				return nil, fmt.Errorf("%w: bad bow key %q: %v", ErrDatabaseCorrupt, k, err)
			}
			if word >= uint32(len(words)) {
				return nil, fmt.Errorf("%w: bow word id %d out of range [0,%d)", ErrDatabaseCorrupt, word, len(words))
			}
			bow[word] = val
		}
		targets[i] = &target.Target{
			ID: jt.ID, Label: jt.Label, MediaRef: jt.MediaRef,
			RefWidth: jt.RefWidth, RefHeight: jt.RefHeight,
			Keypoints: kps, Descriptors: descs, BoW: bow,
		}
	}

	return &Database{Vocab: v, Targets: targets}, nil
}

// DecodeFile opens path and decodes a Database from it.
func DecodeFile(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wire: opening %s: %w", path, err)
	}
	defer f.Close()
	db, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("wire: decoding %s: %w", path, err)
	}
	return db, nil
}

// EncodeFile writes db to path in the binary format, creating or
// truncating the file.
func EncodeFile(path string, db *Database) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wire: creating %s: %w", path, err)
	}
	defer f.Close()
	if err := Encode(f, db); err != nil {
		return fmt.Errorf("wire: encoding %s: %w", path, err)
	}
	return nil
}

// EncodeJSON writes a Database in the debugging-friendly JSON format.
func EncodeJSON(w io.Writer, db *Database) error {
	jd := jsonDatabase{}
	jd.Vocab.BranchingFactor = db.Vocab.BranchingFactor
	jd.Vocab.Levels = db.Vocab.Levels
	for _, word := range db.Vocab.Words {
		jd.Vocab.Words = append(jd.Vocab.Words, struct {
			Centroid []byte  `json:"centroid"`
			IDF      float32 `json:"idf"`
		}{Centroid: word.Centroid, IDF: word.IDF})
	}
	for _, t := range db.Targets {
		jt := jsonTarget{
			ID: t.ID, Label: t.Label, MediaRef: t.MediaRef,
			RefWidth: t.RefWidth, RefHeight: t.RefHeight,
			BoW: make(map[string]float32, len(t.BoW)),
		}
		for _, kp := range t.Keypoints {
			jt.Keypoints = append(jt.Keypoints, struct {
				X, Y     float64
				Response float32
			}{X: kp.X, Y: kp.Y, Response: kp.Response})
		}
		for _, d := range t.Descriptors {
			jt.Descriptors = append(jt.Descriptors, d)
		}
		for word, weight := range t.BoW {
			jt.BoW[fmt.Sprintf("%d", word)] = weight
		}
		jd.Targets = append(jd.Targets, jt)
	}

	enc := json.NewEncoder(w)
	return enc.Encode(jd)
}

func writeU32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func writeF32(w io.Writer, v float32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func writeF64(w io.Writer, v float64) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func writeString(w *bufio.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readF32(r io.Reader) (float32, error) {
	var v float32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readF64(r io.Reader) (float64, error) {
	var v float64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readString(r *bufio.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
