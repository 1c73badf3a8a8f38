// Package quad is the geometry layer shared by the detector and the
// optical-flow tracker: the quadrilateral a homography maps a target's
// reference corners to, its validity checks, and the scale/rotation/aspect
// decomposition the flow tracker's Kalman filters smooth independently.
package quad

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Point is a 2D image-space coordinate.
type Point struct {
	X, Y float64
}

// Quad is the four corners of a tracked target's projected outline, in
// winding order (top-left, top-right, bottom-right, bottom-left in the
// target's own reference frame).
type Quad [4]Point

// Config carries the validity thresholds from the engine configuration.
type Config struct {
	MinArea        float64
	MaxAspectRatio float64
	MinSideLength  float64
}

// ErrDegenerate is returned by Validate when a quad fails any geometric
// sanity check: non-convex, too small, too elongated, or a side too short.
var ErrDegenerate = fmt.Errorf("degenerate quadrilateral")

// Validate checks convexity, minimum area, minimum side length and maximum
// aspect ratio, in that order, returning a wrapped ErrDegenerate naming the
// first check that failed.
func (q Quad) Validate(cfg Config) error {
	if !q.isConvex() {
		return fmt.Errorf("%w: not convex", ErrDegenerate)
	}
	area := q.area()
	if area < cfg.MinArea {
		return fmt.Errorf("%w: area %.3f below minimum %.3f", ErrDegenerate, area, cfg.MinArea)
	}
	sides := q.sideLengths()
	minSide, maxSide := sides[0], sides[0]
	for _, s := range sides[1:] {
		if s < minSide {
			minSide = s
		}
		if s > maxSide {
			maxSide = s
		}
	}
	if minSide < cfg.MinSideLength {
		return fmt.Errorf("%w: side length %.3f below minimum %.3f", ErrDegenerate, minSide, cfg.MinSideLength)
	}
	if minSide > 0 && maxSide/minSide > cfg.MaxAspectRatio {
		return fmt.Errorf("%w: aspect ratio %.3f exceeds maximum %.3f", ErrDegenerate, maxSide/minSide, cfg.MaxAspectRatio)
	}
	return nil
}

// isConvex checks that consecutive edge cross-products keep a consistent
// sign, i.e. the polygon never turns the "wrong way".
func (q Quad) isConvex() bool {
	sign := 0.0
	for i := 0; i < 4; i++ {
		a := q[i]
		b := q[(i+1)%4]
		c := q[(i+2)%4]
		cross := (b.X-a.X)*(c.Y-b.Y) - (b.Y-a.Y)*(c.X-b.X)
		if cross == 0 {
			continue
		}
		if sign == 0 {
			sign = math.Copysign(1, cross)
		} else if math.Copysign(1, cross) != sign {
			return false
		}
	}
	return sign != 0
}

// area computes the unsigned polygon area via the shoelace formula.
func (q Quad) area() float64 {
	sum := 0.0
	for i := 0; i < 4; i++ {
		a := q[i]
		b := q[(i+1)%4]
		sum += a.X*b.Y - b.X*a.Y
	}
	return math.Abs(sum) / 2
}

func (q Quad) sideLengths() [4]float64 {
	var out [4]float64
	for i := 0; i < 4; i++ {
		a := q[i]
		b := q[(i+1)%4]
		out[i] = math.Hypot(b.X-a.X, b.Y-a.Y)
	}
	return out
}

// Centroid returns the mean of the four corners.
func (q Quad) Centroid() Point {
	var cx, cy float64
	for _, p := range q {
		cx += p.X
		cy += p.Y
	}
	return Point{cx / 4, cy / 4}
}

// Contains reports whether p lies inside q, assumed convex, using the same
// consistent-winding cross-product test as isConvex.
func (q Quad) Contains(p Point) bool {
	sign := 0.0
	for i := 0; i < 4; i++ {
		a := q[i]
		b := q[(i+1)%4]
		cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
		if cross == 0 {
			continue
		}
		if sign == 0 {
			sign = math.Copysign(1, cross)
		} else if math.Copysign(1, cross) != sign {
			return false
		}
	}
	return true
}

// Bounds returns the axis-aligned bounding box of the quad's corners.
func (q Quad) Bounds() (minX, minY, maxX, maxY float64) {
	minX, minY = q[0].X, q[0].Y
	maxX, maxY = q[0].X, q[0].Y
	for _, p := range q[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return minX, minY, maxX, maxY
}

// Similarity is the scale/rotation/aspect decomposition of a quad relative
// to its own centroid. Scale is the mean corner distance to the centroid,
// rotation is the angle of the top edge, aspect is the ratio of the
// top-edge length to the left-edge length. These three scalars are what
// the flow tracker's independent 1D Kalman filters smooth.
type Similarity struct {
	Scale    float64
	Rotation float64
	Aspect   float64
}

// Decompose extracts scale, rotation and aspect from the quad's geometry.
func (q Quad) Decompose() Similarity {
	c := q.Centroid()
	var meanR float64
	for _, p := range q {
		meanR += math.Hypot(p.X-c.X, p.Y-c.Y)
	}
	meanR /= 4

	top := math.Hypot(q[1].X-q[0].X, q[1].Y-q[0].Y)
	left := math.Hypot(q[3].X-q[0].X, q[3].Y-q[0].Y)
	aspect := 1.0
	if left > 1e-9 {
		aspect = top / left
	}
	rotation := math.Atan2(q[1].Y-q[0].Y, q[1].X-q[0].X)
	return Similarity{Scale: meanR, Rotation: rotation, Aspect: aspect}
}

// Reconstruct rebuilds an axis-aligned-before-rotation quad of the given
// similarity parameters centered at c: a rectangle whose half-diagonal is
// s.Scale and whose width/height ratio is s.Aspect, rotated by s.Rotation.
// refWidth and refHeight are not used; the shape comes from s alone. This
// is the inverse used by the flow tracker once its filters have produced a
// smoothed Similarity.
func Reconstruct(c Point, s Similarity, refWidth, refHeight float64) Quad {
	halfDiag := s.Scale
	wRatio := s.Aspect
	// Solve half-width hw and half-height hh from: hw/hh = wRatio and
	// hw^2+hh^2 = halfDiag^2.
	hh := halfDiag / math.Sqrt(1+wRatio*wRatio)
	hw := wRatio * hh

	corners := [4]Point{
		{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh},
	}
	cosT, sinT := math.Cos(s.Rotation), math.Sin(s.Rotation)
	var out Quad
	for i, p := range corners {
		rx := p.X*cosT - p.Y*sinT
		ry := p.X*sinT + p.Y*cosT
		out[i] = Point{c.X + rx, c.Y + ry}
	}
	return out
}

// ApplyHomography maps a target's reference-frame corner rectangle through
// a 3x3 homography, producing the quad in frame coordinates. The
// homography is applied with an explicit gonum mat.Dense so the projective
// divide is written once, in the same place every other linear-algebra
// step in this package lives.
func ApplyHomography(h *mat.Dense, corners [4]Point) Quad {
	var out Quad
	for i, p := range corners {
		v := mat.NewVecDense(3, []float64{p.X, p.Y, 1})
		var res mat.VecDense
		res.MulVec(h, v)
		w := res.AtVec(2)
		if math.Abs(w) < 1e-12 {
			w = 1e-12
		}
		out[i] = Point{res.AtVec(0) / w, res.AtVec(1) / w}
	}
	return out
}
