package dsp

import "math"

// BiquadType selects the response of a second-order section
type BiquadType int

const (
	BiquadLowpass BiquadType = iota
	BiquadHighpass
	BiquadBandpass
	BiquadNotch
)

// Biquad implements a single second-order IIR section (RBJ cookbook
// coefficients). The delay line persists across calls so the filter can run
// sample-by-sample over a continuous stream.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

// NewBiquad creates a section configured for the given type, center/corner
// frequency and Q at the given sample rate.
func NewBiquad(filterType BiquadType, freq, sampleRate, q float64) *Biquad {
	f := &Biquad{}
	f.Configure(filterType, freq, sampleRate, q)
	return f
}

// Configure computes the filter coefficients. The delay line is left intact
// so a running filter can be retuned without a transient reset.
func (f *Biquad) Configure(filterType BiquadType, freq, sampleRate, q float64) {
	omega := 2.0 * math.Pi * freq / sampleRate
	sinOmega := math.Sin(omega)
	cosOmega := math.Cos(omega)
	alpha := sinOmega / (2.0 * q)

	var a0 float64
	switch filterType {
	case BiquadLowpass:
		f.b0 = (1.0 - cosOmega) / 2.0
		f.b1 = 1.0 - cosOmega
		f.b2 = (1.0 - cosOmega) / 2.0
		a0 = 1.0 + alpha
		f.a1 = -2.0 * cosOmega
		f.a2 = 1.0 - alpha

	case BiquadHighpass:
		f.b0 = (1.0 + cosOmega) / 2.0
		f.b1 = -(1.0 + cosOmega)
		f.b2 = (1.0 + cosOmega) / 2.0
		a0 = 1.0 + alpha
		f.a1 = -2.0 * cosOmega
		f.a2 = 1.0 - alpha

	case BiquadBandpass:
		f.b0 = alpha
		f.b1 = 0.0
		f.b2 = -alpha
		a0 = 1.0 + alpha
		f.a1 = -2.0 * cosOmega
		f.a2 = 1.0 - alpha

	case BiquadNotch:
		f.b0 = 1.0
		f.b1 = -2.0 * cosOmega
		f.b2 = 1.0
		a0 = 1.0 + alpha
		f.a1 = -2.0 * cosOmega
		f.a2 = 1.0 - alpha
	}

	// Normalize so a0 = 1
	f.b0 /= a0
	f.b1 /= a0
	f.b2 /= a0
	f.a1 /= a0
	f.a2 /= a0
}

// Filter processes a single sample through the section
func (f *Biquad) Filter(input float64) float64 {
	output := f.b0*input + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2

	// Shift delay line
	f.x2 = f.x1
	f.x1 = input
	f.y2 = f.y1
	f.y1 = output

	return output
}

// Reset clears the delay line
func (f *Biquad) Reset() {
	f.x1 = 0
	f.x2 = 0
	f.y1 = 0
	f.y2 = 0
}
