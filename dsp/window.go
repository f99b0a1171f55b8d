package dsp

import (
	"fmt"
	"time"
)

// AnalysisWindow is a fixed-length slice of filtered multi-channel samples.
// Channels[ch][i] is sample i of channel ch. Windows are produced strictly
// forward in time and are discarded after metric extraction.
type AnalysisWindow struct {
	Start      time.Time
	End        time.Time
	SampleRate float64
	Channels   [][]float64
	// Raw holds the unfiltered samples for the same span, used by the
	// artifact gate (saturation must be judged on device units before the
	// band-pass strips the offending energy).
	Raw [][]float64
}

// Length returns the number of samples per channel
func (w *AnalysisWindow) Length() int {
	if len(w.Channels) == 0 {
		return 0
	}
	return len(w.Channels[0])
}

// WindowerParams configures a Windower
type WindowerParams struct {
	SampleRate      float64
	NumChannels     int
	WindowLength    time.Duration
	OverlapFraction float64
	GapTolerance    time.Duration
	Chain           ChainParams
}

// Windower buffers a continuous sample stream, runs each channel through its
// own filter chain, and slices fixed-length overlapping analysis windows.
// It owns all filter state; callers interact only through Push and
// TryNextWindow.
type Windower struct {
	params     WindowerParams
	windowLen  int
	step       int
	chains     []*FilterChain
	filtered   [][]float64
	raw        [][]float64
	timestamps []time.Time
	lastSample time.Time
	haveSample bool
	gaps       uint64
}

// NewWindower validates the parameters and builds the per-channel chains
func NewWindower(p WindowerParams) (*Windower, error) {
	if p.SampleRate <= 0 {
		return nil, fmt.Errorf("windower: sample rate must be positive, got %v", p.SampleRate)
	}
	if p.NumChannels < 1 {
		return nil, fmt.Errorf("windower: need at least one channel, got %d", p.NumChannels)
	}
	if p.WindowLength <= 0 {
		return nil, fmt.Errorf("windower: window length must be positive, got %v", p.WindowLength)
	}
	if p.OverlapFraction < 0 || p.OverlapFraction >= 1 {
		return nil, fmt.Errorf("windower: overlap fraction must be in [0,1), got %v", p.OverlapFraction)
	}

	windowLen := int(p.WindowLength.Seconds() * p.SampleRate)
	if windowLen < 2 {
		return nil, fmt.Errorf("windower: window of %v at %v Hz holds fewer than 2 samples", p.WindowLength, p.SampleRate)
	}
	step := int(float64(windowLen) * (1 - p.OverlapFraction))
	if step < 1 {
		step = 1
	}

	w := &Windower{
		params:    p,
		windowLen: windowLen,
		step:      step,
		chains:    make([]*FilterChain, p.NumChannels),
		filtered:  make([][]float64, p.NumChannels),
		raw:       make([][]float64, p.NumChannels),
	}
	for ch := 0; ch < p.NumChannels; ch++ {
		w.chains[ch] = NewFilterChain(p.Chain)
	}
	return w, nil
}

// WindowLength returns the window length in samples
func (w *Windower) WindowLength() int { return w.windowLen }

// Step returns the slide distance in samples between consecutive windows
func (w *Windower) Step() int { return w.step }

// GapCount returns how many gaps have forced a buffer reset
func (w *Windower) GapCount() uint64 { return w.gaps }

// Push buffers one multi-channel sample, filtering each channel through its
// chain. Returns true when the sample arrived after a gap beyond tolerance:
// in that case all buffered data and filter state were discarded first, so
// the next window starts clean rather than bridging the hole with a
// transient. Out-of-order samples are dropped.
func (w *Windower) Push(ts time.Time, channels []float64) (gap bool, err error) {
	if len(channels) != w.params.NumChannels {
		return false, fmt.Errorf("windower: got %d channels, configured for %d", len(channels), w.params.NumChannels)
	}

	if w.haveSample {
		if !ts.After(w.lastSample) {
			return false, nil
		}
		if w.params.GapTolerance > 0 && ts.Sub(w.lastSample) > w.params.GapTolerance {
			w.Reset()
			w.gaps++
			gap = true
		}
	}
	w.lastSample = ts
	w.haveSample = true

	for ch, v := range channels {
		w.raw[ch] = append(w.raw[ch], v)
		w.filtered[ch] = append(w.filtered[ch], w.chains[ch].Filter(v))
	}
	w.timestamps = append(w.timestamps, ts)

	return gap, nil
}

// TryNextWindow returns the next analysis window if enough samples are
// buffered, then slides the buffer forward by windowLength*(1-overlap).
// Returns nil when more samples are needed.
func (w *Windower) TryNextWindow() *AnalysisWindow {
	if len(w.timestamps) < w.windowLen {
		return nil
	}

	win := &AnalysisWindow{
		Start:      w.timestamps[0],
		End:        w.timestamps[w.windowLen-1],
		SampleRate: w.params.SampleRate,
		Channels:   make([][]float64, w.params.NumChannels),
		Raw:        make([][]float64, w.params.NumChannels),
	}
	for ch := 0; ch < w.params.NumChannels; ch++ {
		win.Channels[ch] = append([]float64(nil), w.filtered[ch][:w.windowLen]...)
		win.Raw[ch] = append([]float64(nil), w.raw[ch][:w.windowLen]...)
	}

	// Slide forward
	w.timestamps = w.timestamps[w.step:]
	for ch := 0; ch < w.params.NumChannels; ch++ {
		w.filtered[ch] = w.filtered[ch][w.step:]
		w.raw[ch] = w.raw[ch][w.step:]
	}

	return win
}

// Reset discards all buffered samples and clears filter state. The last-seen
// timestamp is kept so monotonicity is still enforced across the reset.
func (w *Windower) Reset() {
	w.timestamps = nil
	for ch := 0; ch < w.params.NumChannels; ch++ {
		w.filtered[ch] = nil
		w.raw[ch] = nil
		w.chains[ch].Reset()
	}
}
