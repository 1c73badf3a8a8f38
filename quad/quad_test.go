package quad

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func square(side float64) Quad {
	return Quad{{0, 0}, {side, 0}, {side, side}, {0, side}}
}

func TestValidateAcceptsSquare(t *testing.T) {
	q := square(40)
	cfg := Config{MinArea: 100, MaxAspectRatio: 4, MinSideLength: 5}
	assert.NoError(t, q.Validate(cfg))
}

func TestValidateRejectsNonConvex(t *testing.T) {
	q := Quad{{0, 0}, {40, 0}, {10, 10}, {0, 40}}
	cfg := Config{MinArea: 1, MaxAspectRatio: 10, MinSideLength: 1}
	err := q.Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegenerate))
}

func TestValidateRejectsTooSmall(t *testing.T) {
	q := square(2)
	cfg := Config{MinArea: 100, MaxAspectRatio: 10, MinSideLength: 1}
	assert.Error(t, q.Validate(cfg))
}

func TestValidateRejectsElongated(t *testing.T) {
	q := Quad{{0, 0}, {100, 0}, {100, 1}, {0, 1}}
	cfg := Config{MinArea: 1, MaxAspectRatio: 4, MinSideLength: 0.1}
	assert.Error(t, q.Validate(cfg))
}

func TestValidateRejectsShortSide(t *testing.T) {
	q := square(40)
	cfg := Config{MinArea: 1, MaxAspectRatio: 10, MinSideLength: 50}
	assert.Error(t, q.Validate(cfg))
}

func TestCentroid(t *testing.T) {
	q := square(10)
	c := q.Centroid()
	assert.InDelta(t, 5, c.X, 1e-9)
	assert.InDelta(t, 5, c.Y, 1e-9)
}

func TestDecomposeReconstructRoundTrip(t *testing.T) {
	q := square(50)
	s := q.Decompose()
	c := q.Centroid()
	back := Reconstruct(c, s, 50, 50)
	for i := range q {
		assert.InDelta(t, q[i].X, back[i].X, 1e-6)
		assert.InDelta(t, q[i].Y, back[i].Y, 1e-6)
	}
}

func TestDecomposeRotation(t *testing.T) {
	q := Quad{{10, 0}, {0, 10}, {-10, 0}, {0, -10}}
	s := q.Decompose()
	assert.InDelta(t, 3*math.Pi/4, math.Abs(s.Rotation), 1e-9)
}

func TestApplyHomographyIdentity(t *testing.T) {
	h := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
	corners := [4]Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	out := ApplyHomography(h, corners)
	assert.Equal(t, Quad{{0, 0}, {1, 0}, {1, 1}, {0, 1}}, out)
}

func TestApplyHomographyTranslation(t *testing.T) {
	h := mat.NewDense(3, 3, []float64{
		1, 0, 5,
		0, 1, 3,
		0, 0, 1,
	})
	corners := [4]Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	out := ApplyHomography(h, corners)
	assert.Equal(t, Point{5, 3}, out[0])
	assert.Equal(t, Point{6, 3}, out[1])
}
