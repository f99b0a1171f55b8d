package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSampleRate = 200.0

func thetaChainParams() ChainParams {
	return ChainParams{
		Band:       Band{Label: "theta", Low: 4, High: 8},
		SampleRate: testSampleRate,
		MainsHz:    50,
		MainsQ:     30,
	}
}

// steadyStateRMS feeds a sine through the chain and measures the RMS of the
// second half of the output, past the filter settling transient.
func steadyStateRMS(t *testing.T, chain *FilterChain, freq float64, seconds float64) float64 {
	t.Helper()
	n := int(seconds * testSampleRate)
	var sumSq float64
	count := 0
	for i := 0; i < n; i++ {
		out := chain.Filter(math.Sin(2 * math.Pi * freq * float64(i) / testSampleRate))
		if i >= n/2 {
			sumSq += out * out
			count++
		}
	}
	require.Positive(t, count)
	return math.Sqrt(sumSq / float64(count))
}

func TestFilterChainPassesTargetBand(t *testing.T) {
	chain := NewFilterChain(thetaChainParams())

	inputRMS := 1.0 / math.Sqrt2
	rms := steadyStateRMS(t, chain, 6.0, 4.0)

	assert.Greater(t, rms/inputRMS, 0.8, "6 Hz should pass the theta chain nearly unattenuated")
}

func TestFilterChainRejectsOutOfBand(t *testing.T) {
	inputRMS := 1.0 / math.Sqrt2

	low := NewFilterChain(thetaChainParams())
	lowRMS := steadyStateRMS(t, low, 0.5, 8.0)
	assert.Less(t, lowRMS/inputRMS, 0.2, "0.5 Hz drift should be stripped by the highpass sections")

	high := NewFilterChain(thetaChainParams())
	highRMS := steadyStateRMS(t, high, 60.0, 4.0)
	assert.Less(t, highRMS/inputRMS, 0.1, "60 Hz should be stripped by the lowpass sections")
}

func TestFilterChainNotchesMains(t *testing.T) {
	withNotch := NewFilterChain(ChainParams{
		Band:       Band{Label: "beta", Low: 12, High: 30},
		SampleRate: testSampleRate,
		MainsHz:    50,
		MainsQ:     30,
	})
	without := NewFilterChain(ChainParams{
		Band:       Band{Label: "beta", Low: 12, High: 30},
		SampleRate: testSampleRate,
	})

	notched := steadyStateRMS(t, withNotch, 50.0, 8.0)
	open := steadyStateRMS(t, without, 50.0, 8.0)

	require.Positive(t, open)
	assert.Less(t, notched/open, 0.3, "mains notch should attenuate 50 Hz well below the bare band-pass")
	assert.Equal(t, without.SectionCount()+1, withNotch.SectionCount())
}

func TestFilterChainResetClearsState(t *testing.T) {
	chain := NewFilterChain(thetaChainParams())

	// Drive the filter hard, then reset
	for i := 0; i < 500; i++ {
		chain.Filter(100 * math.Sin(2*math.Pi*6*float64(i)/testSampleRate))
	}
	chain.Reset()

	// A reset chain fed zeros must output exactly zero
	for i := 0; i < 10; i++ {
		assert.Zero(t, chain.Filter(0))
	}
}

func TestBiquadZeroInputZeroOutput(t *testing.T) {
	f := NewBiquad(BiquadBandpass, 6, testSampleRate, 0.707)
	for i := 0; i < 100; i++ {
		assert.Zero(t, f.Filter(0))
	}
}

func TestBandContains(t *testing.T) {
	theta := Band{Label: "theta", Low: 4, High: 8}
	assert.True(t, theta.Contains(4))
	assert.True(t, theta.Contains(7.99))
	assert.False(t, theta.Contains(8), "band interval is closed-open")
	assert.False(t, theta.Contains(3.5))
	assert.Equal(t, 4.0, theta.Width())
}
