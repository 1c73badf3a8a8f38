// Package cvprim wraps the external computer-vision primitives this engine
// needs but does not re-implement: keypoint detection/description, brute
// force Hamming matching, RANSAC homography estimation, and pyramidal
// Lucas-Kanade optical flow. These are treated as primitives the engine
// either provides or links against; this repo links against
// gocv.io/x/gocv (Go bindings for OpenCV), the same choice the
// nmichlo-norfair-go tracker makes.
//
// Every exported type here wraps a gocv handle that is not safe for
// concurrent use; callers that want to detect on multiple goroutines
// (detect.Detector does, for per-candidate matching) construct a fresh
// Matcher per call from that candidate's descriptors rather than sharing
// a single gocv.BFMatcher.
package cvprim

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/planartrack/engine/descriptor"
)

// Detector wraps a BRISK detector/descriptor extractor.
type Detector struct {
	brisk gocv.BRISK
}

// NewDetector constructs a BRISK-backed Detector.
func NewDetector() *Detector {
	return &Detector{brisk: gocv.NewBRISK()}
}

// Close releases the underlying OpenCV handle.
func (d *Detector) Close() error {
	return d.brisk.Close()
}

// DetectAndCompute extracts keypoints and descriptors from a grayscale
// image.
func (d *Detector) DetectAndCompute(gray gocv.Mat) (descriptor.FrameFeatures, error) {
	mask := gocv.NewMat()
	defer mask.Close()

	kps, desc := d.brisk.DetectAndCompute(gray, mask)
	defer desc.Close()

	if desc.Empty() {
		return descriptor.FrameFeatures{}, nil
	}

	rows := desc.Rows()
	cols := desc.Cols()
	out := descriptor.FrameFeatures{
		Keypoints:   make([]descriptor.Keypoint, 0, rows),
		Descriptors: make([]descriptor.Descriptor, 0, rows),
	}
	for i := 0; i < rows && i < len(kps); i++ {
		row := make(descriptor.Descriptor, cols)
		for c := 0; c < cols; c++ {
			row[c] = desc.GetUCharAt(i, c)
		}
		out.Keypoints = append(out.Keypoints, descriptor.Keypoint{
			X:        kps[i].X,
			Y:        kps[i].Y,
			Response: float32(kps[i].Response),
			Angle:    float32(kps[i].Angle),
			Octave:   kps[i].Octave,
		})
		out.Descriptors = append(out.Descriptors, row)
	}
	return out, nil
}

// ToGray converts a BGR frame to 8-bit grayscale, the input format every
// other primitive in this package expects.
func ToGray(frame gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	return gray
}

// Match is one KNN match candidate: the training (target) descriptor
// index and the Hamming distance to the query descriptor.
type Match struct {
	TrainIdx int
	Distance float32
}

// Matcher wraps a brute-force Hamming matcher built against one set of
// training descriptors (a candidate target). Not safe for concurrent use;
// construct one per goroutine.
type Matcher struct {
	bf    gocv.BFMatcher
	train gocv.Mat
}

// NewMatcher builds a Matcher whose training set is trainDescriptors.
func NewMatcher(trainDescriptors []descriptor.Descriptor) (*Matcher, error) {
	train, err := toMat(trainDescriptors)
	if err != nil {
		return nil, err
	}
	return &Matcher{bf: gocv.NewBFMatcherWithParams(gocv.NormHamming, false), train: train}, nil
}

// Close releases the underlying OpenCV handles.
func (m *Matcher) Close() error {
	m.train.Close()
	return m.bf.Close()
}

// KnnMatch runs k=2 nearest-neighbor matching of a single query descriptor
// against the matcher's training set, returning up to two candidates
// sorted nearest-first.
func (m *Matcher) KnnMatch(query descriptor.Descriptor) ([]Match, error) {
	qmat, err := toMat([]descriptor.Descriptor{query})
	if err != nil {
		return nil, err
	}
	defer qmat.Close()

	results := m.bf.KnnMatch(qmat, m.train, 2)
	if len(results) == 0 {
		return nil, nil
	}
	out := make([]Match, 0, len(results[0]))
	for _, dm := range results[0] {
		out = append(out, Match{TrainIdx: dm.TrainIdx, Distance: dm.Distance})
	}
	return out, nil
}

// Match runs single-nearest-neighbor matching of a single query descriptor
// against the matcher's training set.
func (m *Matcher) Match(query descriptor.Descriptor) (Match, error) {
	qmat, err := toMat([]descriptor.Descriptor{query})
	if err != nil {
		return Match{}, err
	}
	defer qmat.Close()

	results := m.bf.Match(qmat, m.train)
	if len(results) == 0 {
		return Match{}, fmt.Errorf("cvprim: no match found")
	}
	return Match{TrainIdx: results[0].TrainIdx, Distance: results[0].Distance}, nil
}

func toMat(descs []descriptor.Descriptor) (gocv.Mat, error) {
	if len(descs) == 0 {
		return gocv.Mat{}, fmt.Errorf("cvprim: empty descriptor set")
	}
	rows := len(descs)
	cols := len(descs[0])
	mat := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8U)
	for r, d := range descs {
		for c, b := range d {
			mat.SetUCharAt(r, c, b)
		}
	}
	return mat, nil
}

// HomographyResult is the outcome of RANSAC homography estimation.
type HomographyResult struct {
	H       gocv.Mat
	Inliers []bool
}

// Close releases the homography matrix.
func (h HomographyResult) Close() {
	h.H.Close()
}

// FindHomography estimates a homography mapping src points onto dst
// points with RANSAC, returning the inlier mask alongside the matrix.
func FindHomography(src, dst []gocv.Point2f, reprojThreshold float64) (HomographyResult, error) {
	if len(src) < 4 || len(src) != len(dst) {
		return HomographyResult{}, fmt.Errorf("cvprim: need >=4 paired points, got %d/%d", len(src), len(dst))
	}
	srcVec := gocv.NewPoint2fVectorFromPoints(src)
	defer srcVec.Close()
	dstVec := gocv.NewPoint2fVectorFromPoints(dst)
	defer dstVec.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	h := gocv.FindHomography(srcVec, &dstVec, gocv.HomographyMethodRANSAC, reprojThreshold, mask, 2000, 0.995)
	if h.Empty() {
		h.Close()
		return HomographyResult{}, fmt.Errorf("cvprim: homography estimation failed")
	}

	inliers := make([]bool, mask.Rows())
	for i := 0; i < mask.Rows(); i++ {
		inliers[i] = mask.GetUCharAt(i, 0) != 0
	}
	return HomographyResult{H: h, Inliers: inliers}, nil
}

// ResizeToMaxDimension downscales frame so its longer side is at most
// maxDim, preserving aspect ratio. Frames already at or under maxDim (or
// a non-positive maxDim, meaning the cap is disabled) pass through
// unchanged. Returns the resized Mat and the scale factor applied, so
// callers can map detections back to the original frame if needed.
func ResizeToMaxDimension(frame gocv.Mat, maxDim int) (gocv.Mat, float64) {
	if maxDim <= 0 {
		return frame, 1.0
	}
	w, h := frame.Cols(), frame.Rows()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxDim {
		return frame, 1.0
	}
	scale := float64(maxDim) / float64(longest)
	out := gocv.NewMat()
	gocv.Resize(frame, &out, gocv.NewSize(int(float64(w)*scale), int(float64(h)*scale)), 0, 0, gocv.InterpolationArea)
	return out, scale
}

// OpticalFlowResult is the per-point outcome of pyramidal LK tracking.
type OpticalFlowResult struct {
	NextPoints []gocv.Point2f
	Status     []bool
	Error      []float32
}

// CalcOpticalFlowPyrLK tracks prevPoints from prevGray into nextGray.
func CalcOpticalFlowPyrLK(prevGray, nextGray gocv.Mat, prevPoints []gocv.Point2f) (OpticalFlowResult, error) {
	if len(prevPoints) == 0 {
		return OpticalFlowResult{}, nil
	}
	prevVec := gocv.NewPoint2fVectorFromPoints(prevPoints)
	defer prevVec.Close()

	nextVec := gocv.NewPoint2fVector()
	defer nextVec.Close()

	status := gocv.NewMat()
	defer status.Close()
	errMat := gocv.NewMat()
	defer errMat.Close()

	gocv.CalcOpticalFlowPyrLKWithParams(prevGray, nextGray, prevVec, nextVec, &status, &errMat,
		gocv.NewSize(21, 21), 3, gocv.NewTermCriteria(gocv.MaxIter+gocv.EPS, 30, 0.01), 0, 1e-4)

	next := nextVec.ToPoints()
	out := OpticalFlowResult{
		NextPoints: next,
		Status:     make([]bool, status.Rows()),
		Error:      make([]float32, errMat.Rows()),
	}
	for i := 0; i < status.Rows(); i++ {
		out.Status[i] = status.GetUCharAt(i, 0) != 0
	}
	for i := 0; i < errMat.Rows(); i++ {
		out.Error[i] = errMat.GetFloatAt(i, 0)
	}
	return out, nil
}
