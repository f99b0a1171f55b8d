package dsp

// Band is a closed-open frequency interval [Low, High) in Hz with a label,
// e.g. theta 4-8 Hz.
type Band struct {
	Label string
	Low   float64
	High  float64
}

// Width returns the band width in Hz
func (b Band) Width() float64 {
	return b.High - b.Low
}

// Contains reports whether freq lies inside [Low, High)
func (b Band) Contains(freq float64) bool {
	return freq >= b.Low && freq < b.High
}

// FilterChain is a per-channel cascade of second-order sections: a band-pass
// around the target band with margin (two highpass + two lowpass sections for
// steeper skirts) followed by a mains-frequency notch. State is owned by the
// chain and must never be shared between channels or consumers.
type FilterChain struct {
	sections []*Biquad
}

// ChainParams describes a filter chain design
type ChainParams struct {
	Band       Band
	SampleRate float64
	MainsHz    float64 // 50 or 60; 0 disables the notch
	MainsQ     float64
}

// NewFilterChain builds the cascade for one channel. The pass band is widened
// by an octave on each side so the target band itself sees flat response.
func NewFilterChain(p ChainParams) *FilterChain {
	nyquist := p.SampleRate / 2

	lowCut := p.Band.Low / 2
	highCut := p.Band.High * 2
	if highCut > nyquist*0.9 {
		highCut = nyquist * 0.9
	}

	// Two cascaded second-order sections per edge approximate a 4th-order
	// Butterworth skirt, matching the reference band-pass design.
	const butterworthQ = 0.7071
	sections := []*Biquad{
		NewBiquad(BiquadHighpass, lowCut, p.SampleRate, butterworthQ),
		NewBiquad(BiquadHighpass, lowCut, p.SampleRate, butterworthQ),
		NewBiquad(BiquadLowpass, highCut, p.SampleRate, butterworthQ),
		NewBiquad(BiquadLowpass, highCut, p.SampleRate, butterworthQ),
	}

	if p.MainsHz > 0 && p.MainsHz < nyquist {
		q := p.MainsQ
		if q <= 0 {
			q = 30.0
		}
		sections = append(sections, NewBiquad(BiquadNotch, p.MainsHz, p.SampleRate, q))
	}

	return &FilterChain{sections: sections}
}

// Filter runs one sample through the cascade
func (c *FilterChain) Filter(input float64) float64 {
	x := input
	for _, s := range c.sections {
		x = s.Filter(x)
	}
	return x
}

// Reset clears every section's delay line. Used after a source gap so the
// next window does not see a transient bridging the discontinuity.
func (c *FilterChain) Reset() {
	for _, s := range c.sections {
		s.Reset()
	}
}

// SectionCount returns the number of second-order sections in the cascade
func (c *FilterChain) SectionCount() int {
	return len(c.sections)
}
