package main

import (
	"fmt"
	"math"
)

// ToneRenderer produces isochronic stimulus audio: a sine carrier gated by a
// trapezoidal envelope at the entrainment rate, 50% duty cycle. The ramps at
// each edge of the on-phase keep the pulses click-free. Rendering is
// streaming; phase carries over between calls.
type ToneRenderer struct {
	params     ToneParams
	sampleRate float64
	rampFrac   float64
	n          int
}

func NewToneRenderer(params ToneParams, sampleRate, rampFraction float64) (*ToneRenderer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("tone sample rate must be positive")
	}
	if rampFraction < 0 || rampFraction > 0.5 {
		return nil, fmt.Errorf("ramp fraction must be in [0, 0.5], got %g", rampFraction)
	}
	return &ToneRenderer{
		params:     params.clamp(),
		sampleRate: sampleRate,
		rampFrac:   rampFraction,
	}, nil
}

// Params returns the clamped parameters in effect
func (r *ToneRenderer) Params() ToneParams {
	return r.params
}

// SetVolume adjusts output level without disturbing phase
func (r *ToneRenderer) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	r.params.Volume = v
}

// Render fills out with the next len(out) samples in [-1, 1]
func (r *ToneRenderer) Render(out []float64) {
	period := r.sampleRate / r.params.EntrainmentHz
	onLen := period / 2
	ramp := onLen * r.rampFrac

	for i := range out {
		pos := math.Mod(float64(r.n), period)
		env := 0.0
		switch {
		case pos >= onLen:
			// off-phase
		case ramp > 0 && pos < ramp:
			env = pos / ramp
		case ramp > 0 && pos > onLen-ramp:
			env = (onLen - pos) / ramp
		default:
			env = 1.0
		}
		out[i] = r.params.Volume * env *
			math.Sin(2*math.Pi*r.params.CarrierHz*float64(r.n)/r.sampleRate)
		r.n++
	}
}

// Reset rewinds the phase to the start of a pulse
func (r *ToneRenderer) Reset() {
	r.n = 0
}
