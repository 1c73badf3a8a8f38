package flow

// Filter1D is a two-state (value, rate) constant-velocity Kalman filter.
// The optical-flow tracker runs three independent instances — one each
// for a quad's scale, rotation, and aspect — rather than one coupled
// filter over all three, because the similarity decomposition already
// treats them as independent scalars. Plain float64 2x2 algebra
// is written out by hand instead of pulling in gonum/mat: a fixed 2x2
// state does not need general matrix machinery, and hand-writing it keeps
// the hot path (once per target per frame) allocation-free. This mirrors
// fusion/ekf.go's shape (predict, update, reset-on-divergence) reduced
// from a 6-dim state to 2.
type Filter1D struct {
	value       float64
	rate        float64
	p00, p01    float64
	p10, p11    float64
	processNoise float64
	measNoise    float64
	initialized  bool
}

// NewFilter1D builds a filter with the given process and measurement
// noise variances.
func NewFilter1D(processNoise, measNoise float64) *Filter1D {
	return &Filter1D{processNoise: processNoise, measNoise: measNoise}
}

// Reset reinitializes the filter at value with zero rate and a wide
// covariance, called whenever a full detection replaces the target's
// tracked state.
func (f *Filter1D) Reset(value float64) {
	f.value = value
	f.rate = 0
	f.p00, f.p01, f.p10, f.p11 = 1, 0, 0, 1
	f.initialized = true
}

// Value returns the filter's current smoothed estimate.
func (f *Filter1D) Value() float64 { return f.value }

// Update runs one predict/correct cycle given a new measurement taken dt
// seconds after the last call, returning the smoothed value.
func (f *Filter1D) Update(measurement float64, dt float64) float64 {
	if !f.initialized {
		f.Reset(measurement)
		return f.value
	}
	if dt <= 0 {
		dt = 1.0 / 30.0
	}

	// Predict: x = F x, P = F P F^T + Q, with F = [[1,dt],[0,1]].
	predValue := f.value + f.rate*dt
	predRate := f.rate

	fp00 := f.p00 + dt*f.p10
	fp01 := f.p01 + dt*f.p11
	fp10 := f.p10
	fp11 := f.p11

	p00 := fp00 + dt*fp01
	p01 := fp01
	p10 := fp10 + dt*fp11
	p11 := fp11

	q := f.processNoise * dt
	p00 += q
	p11 += q

	// Update: measure value only, H = [1, 0].
	innovation := measurement - predValue
	s := p00 + f.measNoise
	if s == 0 {
		s = 1e-9
	}
	k0 := p00 / s
	k1 := p10 / s

	f.value = predValue + k0*innovation
	f.rate = predRate + k1*innovation

	f.p00 = p00 - k0*p00
	f.p01 = p01 - k0*p01
	f.p10 = p10 - k1*p00
	f.p11 = p11 - k1*p01

	return f.value
}
