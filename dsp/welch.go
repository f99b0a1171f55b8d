package dsp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ChannelReduce selects how multi-channel band power is collapsed to a scalar
type ChannelReduce int

const (
	// ReduceMean averages band power across all channels
	ReduceMean ChannelReduce = iota
	// ReduceSingle uses one configured channel only
	ReduceSingle
)

// ChannelSelection names the channels feeding the estimate
type ChannelSelection struct {
	Reduce  ChannelReduce
	Channel int // used when Reduce == ReduceSingle
}

// SpectralEstimator computes power spectral density with Welch's method:
// overlapping Hann-tapered sub-segments, FFT of each, averaged squared
// magnitudes. Averaging trades frequency resolution for variance reduction,
// which is what a feedback metric needs.
type SpectralEstimator struct {
	segLen  int
	overlap int
	fft     *fourier.FFT
	window  []float64
	scale   float64 // 1 / sum(window^2)
}

// NewSpectralEstimator creates an estimator with the given sub-segment
// length. Segments overlap by half their length.
func NewSpectralEstimator(segmentLength int) (*SpectralEstimator, error) {
	if segmentLength < 8 {
		return nil, fmt.Errorf("spectral: segment length must be at least 8, got %d", segmentLength)
	}

	window := hannWindow(segmentLength)
	var sumSq float64
	for _, w := range window {
		sumSq += w * w
	}

	return &SpectralEstimator{
		segLen:  segmentLength,
		overlap: segmentLength / 2,
		fft:     fourier.NewFFT(segmentLength),
		window:  window,
		scale:   1.0 / sumSq,
	}, nil
}

// hannWindow generates a Hann taper of length n
func hannWindow(n int) []float64 {
	window := make([]float64, n)
	for i := 0; i < n; i++ {
		window[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(n-1)))
	}
	return window
}

// PSD computes the one-sided power spectral density of x sampled at fs Hz.
// Returns the frequency bins and the density per bin. A signal shorter than
// one segment is processed as a single truncated segment; all-zero input
// yields an all-zero PSD, never NaN.
func (e *SpectralEstimator) PSD(x []float64, fs float64) (freqs, psd []float64) {
	if len(x) == 0 || fs <= 0 {
		return nil, nil
	}

	segLen := e.segLen
	fft := e.fft
	window := e.window
	scale := e.scale
	if len(x) < segLen {
		// Degenerate short input: single segment, freshly tapered
		segLen = len(x)
		fft = fourier.NewFFT(segLen)
		window = hannWindow(segLen)
		var sumSq float64
		for _, w := range window {
			sumSq += w * w
		}
		if sumSq == 0 {
			return nil, nil
		}
		scale = 1.0 / sumSq
	}

	step := segLen - e.overlap
	if step < 1 || step > segLen {
		step = segLen
	}

	numBins := segLen/2 + 1
	accum := make([]float64, numBins)
	windowed := make([]float64, segLen)
	segments := 0

	for start := 0; start+segLen <= len(x); start += step {
		segment := x[start : start+segLen]

		// Remove per-segment DC offset, then taper
		var mean float64
		for _, v := range segment {
			mean += v
		}
		mean /= float64(segLen)
		for i := 0; i < segLen; i++ {
			windowed[i] = window[i] * (segment[i] - mean)
		}

		coeffs := fft.Coefficients(nil, windowed)
		for i := 0; i < numBins; i++ {
			re := real(coeffs[i])
			im := imag(coeffs[i])
			accum[i] += re*re + im*im
		}
		segments++
	}

	if segments == 0 {
		return nil, nil
	}

	psd = make([]float64, numBins)
	freqs = make([]float64, numBins)
	df := fs / float64(segLen)
	norm := scale / (fs * float64(segments))
	for i := 0; i < numBins; i++ {
		psd[i] = accum[i] * norm
		if i > 0 && i < numBins-1 {
			psd[i] *= 2.0 // one-sided spectrum
		}
		freqs[i] = float64(i) * df
	}

	return freqs, psd
}

// BandPower integrates the PSD of x over the band: sum of in-band bins times
// the bin width. Result is always >= 0.
func (e *SpectralEstimator) BandPower(x []float64, fs float64, band Band) float64 {
	freqs, psd := e.PSD(x, fs)
	if len(psd) == 0 {
		return 0
	}

	df := fs / float64(min(len(x), e.segLen))
	var power float64
	for i, f := range freqs {
		if band.Contains(f) {
			power += psd[i] * df
		}
	}
	if power < 0 {
		return 0
	}
	return power
}

// EstimateWindow reduces a multi-channel analysis window to a single band
// power figure using the configured channel selection.
func (e *SpectralEstimator) EstimateWindow(win *AnalysisWindow, band Band, sel ChannelSelection) (float64, error) {
	if win == nil || len(win.Channels) == 0 {
		return 0, fmt.Errorf("spectral: empty analysis window")
	}

	switch sel.Reduce {
	case ReduceSingle:
		if sel.Channel < 0 || sel.Channel >= len(win.Channels) {
			return 0, fmt.Errorf("spectral: channel %d out of range (window has %d)", sel.Channel, len(win.Channels))
		}
		return e.BandPower(win.Channels[sel.Channel], win.SampleRate, band), nil

	case ReduceMean:
		var sum float64
		for _, ch := range win.Channels {
			sum += e.BandPower(ch, win.SampleRate, band)
		}
		return sum / float64(len(win.Channels)), nil

	default:
		return 0, fmt.Errorf("spectral: unknown channel reduction %d", sel.Reduce)
	}
}
