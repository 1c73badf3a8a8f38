package detect

import (
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/planartrack/engine/cvprim"
	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/quad"
)

// GocvMatcher is the production Matcher, backed by OpenCV's brute-force
// Hamming matcher. It builds a fresh cvprim.Matcher per call, since a
// gocv.BFMatcher is not safe to share across the goroutines
// Detector.DetectCandidates fans out across.
type GocvMatcher struct{}

// KnnMatch implements Matcher.
func (GocvMatcher) KnnMatch(query, train []descriptor.Descriptor) ([][]Match, error) {
	m, err := cvprim.NewMatcher(train)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	out := make([][]Match, len(query))
	for i, q := range query {
		cands, err := m.KnnMatch(q)
		if err != nil {
			return nil, err
		}
		conv := make([]Match, len(cands))
		for j, c := range cands {
			conv[j] = Match{TrainIdx: c.TrainIdx, Distance: float64(c.Distance)}
		}
		out[i] = conv
	}
	return out, nil
}

// NearestMatch implements Matcher's KNN-failure fallback: single-nearest
// matching against the training set.
func (GocvMatcher) NearestMatch(query, train []descriptor.Descriptor) ([]Match, error) {
	m, err := cvprim.NewMatcher(train)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	out := make([]Match, len(query))
	for i, q := range query {
		c, err := m.Match(q)
		if err != nil {
			return nil, err
		}
		out[i] = Match{TrainIdx: c.TrainIdx, Distance: float64(c.Distance)}
	}
	return out, nil
}

// GocvHomographyEstimator is the production HomographyEstimator, backed
// by OpenCV's RANSAC-based findHomography.
type GocvHomographyEstimator struct {
	ReprojThreshold float64
}

// Estimate implements HomographyEstimator.
func (g GocvHomographyEstimator) Estimate(src, dst []quad.Point) (*mat.Dense, []bool, error) {
	res, err := cvprim.FindHomography(toPoint2f(src), toPoint2f(dst), g.ReprojThreshold)
	if err != nil {
		return nil, nil, err
	}
	defer res.Close()
	return denseFromGocv(res.H), res.Inliers, nil
}

func toPoint2f(pts []quad.Point) []gocv.Point2f {
	out := make([]gocv.Point2f, len(pts))
	for i, p := range pts {
		out[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
	}
	return out
}

func denseFromGocv(h gocv.Mat) *mat.Dense {
	data := make([]float64, 9)
	idx := 0
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			data[idx] = h.GetDoubleAt(r, c)
			idx++
		}
	}
	return mat.NewDense(3, 3, data)
}
