// Package descriptor holds the fixed-width binary descriptor type shared by
// every stage of the pipeline: the vocabulary tree quantizes them, the
// detector matches them, the wire codec serializes them.
package descriptor

import "math/bits"

// Descriptor is a fixed-length binary feature descriptor, one byte string
// per detected keypoint. BRISK-family descriptors are commonly 64 bytes
// (512 bits); the length is carried alongside the data rather than assumed,
// since the vocabulary/target database pins it once at build time.
type Descriptor []byte

// Hamming returns the Hamming distance between two descriptors of equal
// length. Callers that let length vary across calls will get a distance
// computed over the shorter of the two — descriptor length is expected to
// be constant for the lifetime of a vocabulary, so this only matters for
// malformed input.
func Hamming(a, b Descriptor) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dist := 0
	i := 0
	for ; i+8 <= n; i += 8 {
		var av, bv uint64
		for j := 0; j < 8; j++ {
			av |= uint64(a[i+j]) << (8 * j)
			bv |= uint64(b[i+j]) << (8 * j)
		}
		dist += bits.OnesCount64(av ^ bv)
	}
	for ; i < n; i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

// Keypoint is a 2D image-space feature location with the detector's
// confidence score attached, so callers can select the top-N by response
// without re-deriving it from the underlying CV primitive.
type Keypoint struct {
	X, Y     float64
	Response float32
	Angle    float32
	Octave   int
}

// FrameFeatures is the detector output for a single frame: one keypoint and
// one descriptor per detected feature, index-aligned.
type FrameFeatures struct {
	Keypoints   []Keypoint
	Descriptors []Descriptor
}

// Len reports the number of features.
func (f FrameFeatures) Len() int { return len(f.Keypoints) }

// TopByResponse returns a new FrameFeatures holding at most n features,
// keeping the highest-response ones. If f already has n or fewer features
// it is returned unchanged.
func (f FrameFeatures) TopByResponse(n int) FrameFeatures {
	if n <= 0 || f.Len() <= n {
		return f
	}
	idx := make([]int, f.Len())
	for i := range idx {
		idx[i] = i
	}
	// Partial selection sort is fine here: n is typically a few hundred
	// out of a few thousand candidates, and this runs once per frame.
	for i := 0; i < n; i++ {
		best := i
		for j := i + 1; j < len(idx); j++ {
			if f.Keypoints[idx[j]].Response > f.Keypoints[idx[best]].Response {
				best = j
			}
		}
		idx[i], idx[best] = idx[best], idx[i]
	}
	keep := idx[:n]
	out := FrameFeatures{
		Keypoints:   make([]Keypoint, n),
		Descriptors: make([]Descriptor, n),
	}
	for i, k := range keep {
		out.Keypoints[i] = f.Keypoints[k]
		out.Descriptors[i] = f.Descriptors[k]
	}
	return out
}

// ToFloat64 unpacks a descriptor's bytes into a float64 vector, one
// coordinate per byte. The vocabulary builder's clustering step needs
// floating-point vectors; this is the single place that conversion happens
// so the rounding convention stays consistent between build and query.
func ToFloat64(d Descriptor) []float64 {
	out := make([]float64, len(d))
	for i, b := range d {
		out[i] = float64(b)
	}
	return out
}

// FromFloat64 rounds a float64 vector (a k-means centroid) back into a
// Descriptor, clamping to the valid byte range.
func FromFloat64(v []float64) Descriptor {
	out := make(Descriptor, len(v))
	for i, x := range v {
		switch {
		case x < 0:
			out[i] = 0
		case x > 255:
			out[i] = 255
		default:
			out[i] = byte(x + 0.5)
		}
	}
	return out
}
