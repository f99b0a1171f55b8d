package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate/flowstated/dsp"
)

func syntheticTestConfig() SourceConfig {
	return SourceConfig{
		Type:           "synthetic",
		SampleRate:     200,
		NumChannels:    4,
		NoiseAmplitude: 0.5,
	}
}

func TestSyntheticSourceStreamsSamples(t *testing.T) {
	src := NewSyntheticSource(syntheticTestConfig())
	require.NoError(t, src.Connect(context.Background()))

	interval := 5 * time.Millisecond
	var prev time.Time
	for i := 0; i < 40; i++ {
		select {
		case s := <-src.Samples():
			require.Len(t, s.Channels, 4)
			if i > 0 {
				assert.Equal(t, interval, s.Timestamp.Sub(prev), "timestamps derive from the sample index")
			}
			prev = s.Timestamp
		case <-time.After(2 * time.Second):
			t.Fatal("no sample from synthetic source")
		}
	}

	require.NoError(t, src.Disconnect())
	require.Eventually(t, func() bool {
		for {
			select {
			case _, open := <-src.Samples():
				if !open {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond, "sample channel closes on disconnect")

	require.NoError(t, src.Disconnect(), "double disconnect is a no-op")
}

func TestSyntheticSourceForcedStateMovesThetaPower(t *testing.T) {
	est, err := dsp.NewSpectralEstimator(256)
	require.NoError(t, err)
	theta := dsp.Band{Label: "theta", Low: 4, High: 8}

	thetaPower := func(state BandState) float64 {
		src := NewSyntheticSource(syntheticTestConfig())
		src.ForceState(state)
		data := make([]float64, 1024)
		for i := range data {
			data[i] = src.generate(i, -1, 0)[0]
		}
		return est.BandPower(data, src.sampleRate, theta)
	}

	low := thetaPower(BandLow)
	normal := thetaPower(BandNormal)
	elevated := thetaPower(BandElevated)

	assert.Less(t, low, normal)
	assert.Less(t, normal, elevated)
	assert.Greater(t, elevated, 4*low, "forced states must be clearly separable")
}

func TestSyntheticSourceBlinkArtifactSaturatesGate(t *testing.T) {
	cfg := syntheticTestConfig()
	src := NewSyntheticSource(cfg)

	// Render a stretch containing a blink and one without
	blinkLen := int(0.3 * cfg.SampleRate)
	clean := make([]float64, 400)
	blinky := make([]float64, 400)
	for i := range clean {
		clean[i] = src.generate(i, -1, blinkLen)[0]
	}
	for i := range blinky {
		blinky[i] = src.generate(i, 100, blinkLen)[0]
	}

	peak := func(xs []float64) float64 {
		max := 0.0
		for _, v := range xs {
			if v > max {
				max = v
			}
		}
		return max
	}
	assert.Greater(t, peak(blinky), peak(clean)+50,
		"blink deflection must dominate the background rhythms")
}
