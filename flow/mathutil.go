package flow

import "math"

func sqrt(x float64) float64 { return math.Sqrt(x) }

func atan2(y, x float64) float64 { return math.Atan2(y, x) }

// angleDiff returns a-b wrapped into [-pi, pi], so averaging angles near
// the +-pi boundary doesn't cancel out.
func angleDiff(a, b float64) float64 {
	d := a - b
	for d > math.Pi {
		d -= 2 * math.Pi
	}
	for d < -math.Pi {
		d += 2 * math.Pi
	}
	return d
}
