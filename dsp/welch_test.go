package dsp

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq, amplitude, fs float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
	return out
}

func testWindow(fs float64, channels ...[]float64) *AnalysisWindow {
	start := time.Unix(0, 0)
	n := len(channels[0])
	return &AnalysisWindow{
		Start:      start,
		End:        start.Add(time.Duration(float64(n) / fs * float64(time.Second))),
		SampleRate: fs,
		Channels:   channels,
		Raw:        channels,
	}
}

func TestBandPowerConcentratesAtToneFrequency(t *testing.T) {
	est, err := NewSpectralEstimator(256)
	require.NoError(t, err)

	fs := 200.0
	x := sine(6.0, 1.0, fs, 1024)

	theta := Band{Label: "theta", Low: 4, High: 8}
	alpha := Band{Label: "alpha", Low: 8, High: 12}

	thetaPower := est.BandPower(x, fs, theta)
	alphaPower := est.BandPower(x, fs, alpha)

	assert.Greater(t, thetaPower, 0.0)
	assert.Greater(t, thetaPower, 20*alphaPower, "tone energy should land in its own band")
}

func TestBandPowerApproximatesSignalVariance(t *testing.T) {
	est, err := NewSpectralEstimator(256)
	require.NoError(t, err)

	// A unit sine has variance 0.5; integrating the one-sided PSD over a
	// band containing the tone should recover roughly that figure.
	fs := 200.0
	x := sine(6.0, 1.0, fs, 2048)
	power := est.BandPower(x, fs, Band{Label: "wide", Low: 1, High: 99})

	assert.InDelta(t, 0.5, power, 0.2)
}

func TestBandPowerZeroInput(t *testing.T) {
	est, err := NewSpectralEstimator(256)
	require.NoError(t, err)

	zeros := make([]float64, 1024)
	power := est.BandPower(zeros, 200.0, Band{Label: "theta", Low: 4, High: 8})

	assert.Zero(t, power)
	assert.False(t, math.IsNaN(power))
}

func TestBandPowerNonNegative(t *testing.T) {
	est, err := NewSpectralEstimator(128)
	require.NoError(t, err)

	x := sine(10, 3.0, 200, 700)
	for i := range x {
		x[i] += 0.5 * math.Sin(2*math.Pi*37*float64(i)/200)
	}
	power := est.BandPower(x, 200, Band{Label: "alpha", Low: 8, High: 12})
	assert.GreaterOrEqual(t, power, 0.0)
}

func TestPSDShortInputFallsBackToSingleSegment(t *testing.T) {
	est, err := NewSpectralEstimator(256)
	require.NoError(t, err)

	x := sine(6.0, 1.0, 200, 100) // shorter than one segment
	freqs, psd := est.PSD(x, 200)

	require.NotEmpty(t, psd)
	require.Len(t, freqs, len(psd))
	for _, p := range psd {
		assert.False(t, math.IsNaN(p))
		assert.GreaterOrEqual(t, p, 0.0)
	}
}

func TestEstimateWindowChannelReduction(t *testing.T) {
	est, err := NewSpectralEstimator(256)
	require.NoError(t, err)

	fs := 200.0
	theta := Band{Label: "theta", Low: 4, High: 8}
	strong := sine(6.0, 2.0, fs, 512)
	weak := sine(6.0, 0.5, fs, 512)
	win := testWindow(fs, strong, weak)

	mean, err := est.EstimateWindow(win, theta, ChannelSelection{Reduce: ReduceMean})
	require.NoError(t, err)

	ch0, err := est.EstimateWindow(win, theta, ChannelSelection{Reduce: ReduceSingle, Channel: 0})
	require.NoError(t, err)

	ch1, err := est.EstimateWindow(win, theta, ChannelSelection{Reduce: ReduceSingle, Channel: 1})
	require.NoError(t, err)

	assert.Greater(t, ch0, ch1, "stronger channel should carry more band power")
	assert.InDelta(t, (ch0+ch1)/2, mean, 1e-9)

	_, err = est.EstimateWindow(win, theta, ChannelSelection{Reduce: ReduceSingle, Channel: 5})
	assert.Error(t, err)
}
