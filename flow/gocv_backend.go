package flow

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/planartrack/engine/cvprim"
	"github.com/planartrack/engine/quad"
)

// GocvEngine is the production Engine, backed by OpenCV's pyramidal
// Lucas-Kanade implementation. Frame values passed to Track must be
// gocv.Mat; any other type is a programmer error.
type GocvEngine struct{}

// Track implements Engine.
func (GocvEngine) Track(prev, next Frame, prevPoints []quad.Point) ([]quad.Point, []bool, []float32, error) {
	prevMat, ok := prev.(gocv.Mat)
	if !ok {
		return nil, nil, nil, fmt.Errorf("flow: prev frame is not a gocv.Mat")
	}
	nextMat, ok := next.(gocv.Mat)
	if !ok {
		return nil, nil, nil, fmt.Errorf("flow: next frame is not a gocv.Mat")
	}

	pts := make([]gocv.Point2f, len(prevPoints))
	for i, p := range prevPoints {
		pts[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
	}

	res, err := cvprim.CalcOpticalFlowPyrLK(prevMat, nextMat, pts)
	if err != nil {
		return nil, nil, nil, err
	}

	out := make([]quad.Point, len(res.NextPoints))
	for i, p := range res.NextPoints {
		out[i] = quad.Point{X: float64(p.X), Y: float64(p.Y)}
	}
	return out, res.Status, res.Error, nil
}
