package main

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate/flowstated/dsp"
)

const pipeTestRate = 200.0

func testPipeline(t *testing.T, norm *Normalizer) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineParams{
		Windower: dsp.WindowerParams{
			SampleRate:      pipeTestRate,
			NumChannels:     2,
			WindowLength:    time.Second,
			OverlapFraction: 0.5,
			GapTolerance:    100 * time.Millisecond,
			Chain: dsp.ChainParams{
				Band:       dsp.Band{Label: "theta", Low: 4, High: 8},
				SampleRate: pipeTestRate,
				MainsHz:    50,
				MainsQ:     30,
			},
		},
		SegmentLength: 128,
		Band:          dsp.Band{Label: "theta", Low: 4, High: 8},
		Selection:     dsp.ChannelSelection{Reduce: dsp.ReduceMean},
		Gate:          dsp.DefaultGateParams(),
		Normalizer:    norm,
	})
	require.NoError(t, err)
	return p
}

func thetaBaseline(t *testing.T) *Normalizer {
	t.Helper()
	norm := NewNormalizer()
	require.NoError(t, norm.SetBaseline(Baseline{
		Band: "theta", Mean: 0.4, StdDev: 0.2, WindowCount: 60, RecordedAt: time.Now(),
	}))
	return norm
}

// feedSine pushes seconds worth of a 6 Hz tone starting at start, collecting
// all emitted metrics. Amplitude may be modulated per call via amp.
func feedSine(t *testing.T, p *Pipeline, start time.Time, seconds, amp float64) []EEGMetric {
	t.Helper()
	interval := time.Duration(float64(time.Second) / pipeTestRate)
	n := int(seconds * pipeTestRate)
	var all []EEGMetric
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*6*float64(i)/pipeTestRate)
		ms, _, err := p.Process(RawSample{
			Timestamp: start.Add(time.Duration(i) * interval),
			Channels:  []float64{v, v},
		})
		require.NoError(t, err)
		all = append(all, ms...)
	}
	return all
}

func TestPipelineEmitsOrderedMetrics(t *testing.T) {
	p := testPipeline(t, thetaBaseline(t))

	metrics := feedSine(t, p, time.Unix(100, 0), 3.0, 1.0)
	require.GreaterOrEqual(t, len(metrics), 3, "3s at 1s windows with 50%% overlap")

	for i, m := range metrics {
		assert.Equal(t, dsp.QualityOk, m.Quality)
		assert.Greater(t, m.BandPower, 0.0)
		assert.True(t, m.Usable())
		if i > 0 {
			assert.True(t, m.Timestamp.After(metrics[i-1].Timestamp),
				"metric order must follow window order")
		}
	}
}

func TestPipelineZScoreTracksBaseline(t *testing.T) {
	p := testPipeline(t, thetaBaseline(t))

	// A strong tone pushes band power well above the 0.4 baseline mean
	metrics := feedSine(t, p, time.Unix(100, 0), 2.0, 3.0)
	require.NotEmpty(t, metrics)
	last := metrics[len(metrics)-1]
	assert.Positive(t, last.ZScore)
	assert.Equal(t, BandElevated, last.BandState)
}

func TestPipelineRequiresBaseline(t *testing.T) {
	p := testPipeline(t, NewNormalizer())

	interval := time.Duration(float64(time.Second) / pipeTestRate)
	start := time.Unix(100, 0)
	var firstErr error
	for i := 0; i < 400 && firstErr == nil; i++ {
		v := math.Sin(2 * math.Pi * 6 * float64(i) / pipeTestRate)
		_, _, firstErr = p.Process(RawSample{
			Timestamp: start.Add(time.Duration(i) * interval),
			Channels:  []float64{v, v},
		})
	}
	require.Error(t, firstErr)
	assert.ErrorIs(t, firstErr, ErrNoBaseline)
}

func TestPipelineGapDiscardsPartialWindow(t *testing.T) {
	p := testPipeline(t, thetaBaseline(t))
	start := time.Unix(100, 0)

	// Three quarters of a window, then a hole
	feedSine(t, p, start, 0.75, 1.0)
	ms, gap, err := p.Process(RawSample{
		Timestamp: start.Add(5 * time.Second),
		Channels:  []float64{0, 0},
	})
	require.NoError(t, err)
	assert.True(t, gap)
	assert.Empty(t, ms, "no metric may bridge the gap")
	assert.EqualValues(t, 1, p.GapCount())

	// A full window after the gap produces a metric again
	metrics := feedSine(t, p, start.Add(5*time.Second+5*time.Millisecond), 1.0, 1.0)
	require.NotEmpty(t, metrics)
	assert.False(t, metrics[0].Timestamp.Before(start.Add(5*time.Second)))
}

func TestPipelineRejectedWindowProducesMarkerOnly(t *testing.T) {
	p := testPipeline(t, thetaBaseline(t))
	start := time.Unix(100, 0)
	interval := time.Duration(float64(time.Second) / pipeTestRate)

	var metrics []EEGMetric
	for i := 0; i < 250; i++ {
		// Pinned at the ADC rail: saturation and flat-line at once
		ms, _, err := p.Process(RawSample{
			Timestamp: start.Add(time.Duration(i) * interval),
			Channels:  []float64{100, 100},
		})
		require.NoError(t, err)
		metrics = append(metrics, ms...)
	}

	require.NotEmpty(t, metrics)
	for _, m := range metrics {
		assert.Equal(t, dsp.QualityRejected, m.Quality)
		assert.False(t, m.Usable())
		assert.Zero(t, m.BandPower)
		assert.Zero(t, m.ZScore)
	}
	_, rejected, _ := p.Stats()
	assert.Equal(t, len(metrics), rejected)
}

func TestPipelineCalibrationCollectsWindows(t *testing.T) {
	p := testPipeline(t, NewNormalizer())
	cal := NewCalibrator(CalibratorConfig{MinValidWindows: 30}, "theta")

	start := time.Unix(100, 0)
	interval := time.Duration(float64(time.Second) / pipeTestRate)
	n := int(40 * pipeTestRate) // 40 seconds of resting signal
	for i := 0; i < n; i++ {
		// Slow amplitude drift so band power varies across windows
		amp := 1.0 + 0.3*math.Sin(2*math.Pi*0.05*float64(i)/pipeTestRate)
		v := amp * math.Sin(2*math.Pi*6*float64(i)/pipeTestRate)
		_, err := p.ProcessCalibration(RawSample{
			Timestamp: start.Add(time.Duration(i) * interval),
			Channels:  []float64{v, v},
		}, cal)
		require.NoError(t, err)
	}

	assert.GreaterOrEqual(t, cal.ValidWindows(), 30)
	b, err := cal.Finish(time.Now())
	require.NoError(t, err)
	assert.Positive(t, b.Mean)
	assert.Positive(t, b.StdDev)
}

func TestEEGMetricJSONCarriesStateAndQuality(t *testing.T) {
	m := EEGMetric{
		Timestamp: time.Unix(1000, 0),
		BandPower: 0.42,
		ZScore:    -1.3,
		BandState: BandLow,
		Quality:   dsp.QualityDegraded,
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)

	// Status snapshots and activity log lines must name the state and
	// quality, not drop them or emit enum numbers.
	assert.Contains(t, string(data), `"band_state":"low"`)
	assert.Contains(t, string(data), `"quality":"degraded"`)

	rejected, err := json.Marshal(EEGMetric{Quality: dsp.QualityRejected})
	require.NoError(t, err)
	assert.Contains(t, string(rejected), `"quality":"rejected"`)
}
