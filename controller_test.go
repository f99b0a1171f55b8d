package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate/flowstated/dsp"
)

func testController(t *testing.T) *Controller {
	t.Helper()
	cfg := DefaultControllerConfig()
	cfg.MinCooldown = 30 * time.Second
	cfg.MaxEntrainment = 5 * time.Minute
	c, err := NewController(cfg)
	require.NoError(t, err)
	return c
}

func metricAt(ts time.Time, z float64, q dsp.QualityFlag) EEGMetric {
	return EEGMetric{
		Timestamp: ts,
		BandPower: 10 + z*2,
		ZScore:    z,
		BandState: classifyBandState(z),
		Quality:   q,
	}
}

// feedSeries applies z-scores one second apart starting at base, returning
// every non-nil command in order.
func feedSeries(c *Controller, base time.Time, zs []float64) []*StimulusCommand {
	var cmds []*StimulusCommand
	for i, z := range zs {
		cmd := c.HandleMetric(metricAt(base.Add(time.Duration(i)*time.Second), z, dsp.QualityOk))
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

func TestControllerStartsOnThresholdCrossing(t *testing.T) {
	c := testController(t)
	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))

	cmds := feedSeries(c, base, []float64{0.1, -0.2, -0.6, -0.7})

	require.Len(t, cmds, 1, "exactly one start for one crossing")
	assert.Equal(t, CommandStart, cmds[0].Type)
	assert.Equal(t, base.Add(2*time.Second), cmds[0].IssuedAt, "start fires on the first metric below -0.5")
	assert.Equal(t, PhaseEntraining, c.Phase())
}

func TestControllerHysteresisAvoidsChatter(t *testing.T) {
	c := testController(t)
	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))

	// Drop below start, then oscillate in the dead band between the start
	// (-0.5) and stop (-0.3) thresholds. A single-threshold controller
	// would toggle on every metric.
	zs := []float64{-0.6, -0.45, -0.35, -0.45, -0.35, -0.45}
	cmds := feedSeries(c, base, zs)

	require.Len(t, cmds, 1)
	assert.Equal(t, CommandStart, cmds[0].Type)
	assert.Equal(t, PhaseEntraining, c.Phase(), "dead-band readings must not stop the stimulus")
}

func TestControllerStopsAboveStopThreshold(t *testing.T) {
	c := testController(t)
	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))

	cmds := feedSeries(c, base, []float64{-0.6, -0.4, -0.2})

	require.Len(t, cmds, 2)
	assert.Equal(t, CommandStart, cmds[0].Type)
	assert.Equal(t, CommandStop, cmds[1].Type)
	assert.Equal(t, PhaseCooldown, c.Phase())
}

func TestControllerCooldownBlocksRestart(t *testing.T) {
	c := testController(t)
	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))

	c.HandleMetric(metricAt(base, -0.8, dsp.QualityOk))
	c.HandleMetric(metricAt(base.Add(time.Second), 0.0, dsp.QualityOk))
	require.Equal(t, PhaseCooldown, c.Phase())

	// Deeply low readings inside the cooldown must be ignored
	for i := 2; i < 30; i++ {
		cmd := c.HandleMetric(metricAt(base.Add(time.Duration(i)*time.Second), -2.0, dsp.QualityOk))
		assert.Nil(t, cmd, "no command at t+%ds", i)
	}
	assert.Equal(t, PhaseCooldown, c.Phase())

	// First metric past the 30s cooldown re-enters monitoring but does not
	// itself start stimulus.
	cmd := c.HandleMetric(metricAt(base.Add(32*time.Second), -2.0, dsp.QualityOk))
	assert.Nil(t, cmd)
	assert.Equal(t, PhaseMonitoring, c.Phase())

	cmd = c.HandleMetric(metricAt(base.Add(33*time.Second), -2.0, dsp.QualityOk))
	require.NotNil(t, cmd)
	assert.Equal(t, CommandStart, cmd.Type)
}

func TestControllerEntrainmentCeiling(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.MaxEntrainment = 10 * time.Second
	c, err := NewController(cfg)
	require.NoError(t, err)

	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))
	c.HandleMetric(metricAt(base, -0.9, dsp.QualityOk))
	require.Equal(t, PhaseEntraining, c.Phase())

	// Still deeply low at the ceiling: stop anyway
	cmd := c.HandleMetric(metricAt(base.Add(9*time.Second), -0.9, dsp.QualityOk))
	assert.Nil(t, cmd)
	cmd = c.HandleMetric(metricAt(base.Add(10*time.Second), -0.9, dsp.QualityOk))
	require.NotNil(t, cmd)
	assert.Equal(t, CommandStop, cmd.Type)
	assert.Equal(t, PhaseCooldown, c.Phase())
}

func TestControllerRejectedNeverStarts(t *testing.T) {
	c := testController(t)
	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))

	for i := 0; i < 20; i++ {
		cmd := c.HandleMetric(metricAt(base.Add(time.Duration(i)*time.Second), -3.0, dsp.QualityRejected))
		assert.Nil(t, cmd)
	}
	assert.Equal(t, PhaseMonitoring, c.Phase())
}

func TestControllerRejectedFailSafe(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.MaxConsecutiveRejected = 3
	c, err := NewController(cfg)
	require.NoError(t, err)

	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))
	c.HandleMetric(metricAt(base, -0.9, dsp.QualityOk))
	require.Equal(t, PhaseEntraining, c.Phase())

	assert.Nil(t, c.HandleMetric(metricAt(base.Add(1*time.Second), 0, dsp.QualityRejected)))
	assert.Nil(t, c.HandleMetric(metricAt(base.Add(2*time.Second), 0, dsp.QualityRejected)))
	cmd := c.HandleMetric(metricAt(base.Add(3*time.Second), 0, dsp.QualityRejected))
	require.NotNil(t, cmd)
	assert.Equal(t, CommandStop, cmd.Type)
	assert.Equal(t, PhaseCooldown, c.Phase())
	assert.Equal(t, "signal quality fail-safe", c.State().StopReason)
}

func TestControllerRejectedCountResetsOnGoodMetric(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.MaxConsecutiveRejected = 3
	c, err := NewController(cfg)
	require.NoError(t, err)

	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))
	c.HandleMetric(metricAt(base, -0.9, dsp.QualityOk))

	c.HandleMetric(metricAt(base.Add(1*time.Second), 0, dsp.QualityRejected))
	c.HandleMetric(metricAt(base.Add(2*time.Second), 0, dsp.QualityRejected))
	c.HandleMetric(metricAt(base.Add(3*time.Second), -0.9, dsp.QualityOk))
	cmd := c.HandleMetric(metricAt(base.Add(4*time.Second), 0, dsp.QualityRejected))

	assert.Nil(t, cmd, "a good metric in between resets the rejected counter")
	assert.Equal(t, PhaseEntraining, c.Phase())
}

func TestControllerRequiredOkStreak(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.RequiredOkStreak = 3
	c, err := NewController(cfg)
	require.NoError(t, err)

	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))

	assert.Nil(t, c.HandleMetric(metricAt(base, -0.9, dsp.QualityOk)))
	assert.Nil(t, c.HandleMetric(metricAt(base.Add(1*time.Second), -0.9, dsp.QualityDegraded)))
	assert.Nil(t, c.HandleMetric(metricAt(base.Add(2*time.Second), -0.9, dsp.QualityOk)))
	assert.Nil(t, c.HandleMetric(metricAt(base.Add(3*time.Second), -0.9, dsp.QualityOk)))
	cmd := c.HandleMetric(metricAt(base.Add(4*time.Second), -0.9, dsp.QualityOk))
	require.NotNil(t, cmd, "third consecutive ok metric completes the streak")
	assert.Equal(t, CommandStart, cmd.Type)
}

func TestControllerForceStop(t *testing.T) {
	c := testController(t)
	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))
	c.HandleMetric(metricAt(base, -0.9, dsp.QualityOk))
	require.Equal(t, PhaseEntraining, c.Phase())

	cmd := c.ForceStop(base.Add(5*time.Second), "source gap")
	require.NotNil(t, cmd)
	assert.Equal(t, CommandStop, cmd.Type)
	assert.Equal(t, PhaseCooldown, c.Phase())

	assert.Nil(t, c.ForceStop(base.Add(6*time.Second), "source gap"), "force stop outside entraining is a no-op")
}

func TestControllerEndSessionIdempotent(t *testing.T) {
	c := testController(t)
	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))
	c.HandleMetric(metricAt(base, -0.9, dsp.QualityOk))

	cmd := c.EndSession(base.Add(time.Second))
	require.NotNil(t, cmd, "ending mid-entrainment must stop the stimulus")
	assert.Equal(t, CommandStop, cmd.Type)
	assert.Equal(t, PhaseIdle, c.Phase())

	assert.Nil(t, c.EndSession(base.Add(2*time.Second)), "ending an idle controller is a no-op")
	assert.Equal(t, PhaseIdle, c.Phase())
}

func TestControllerIdleIgnoresMetrics(t *testing.T) {
	c := testController(t)
	cmd := c.HandleMetric(metricAt(time.Unix(1000, 0), -5.0, dsp.QualityOk))
	assert.Nil(t, cmd)
	assert.Equal(t, PhaseIdle, c.Phase())
}

func TestControllerObserverSeesTransitions(t *testing.T) {
	c := testController(t)
	var seen []Transition
	c.SetObserver(func(tr Transition) { seen = append(seen, tr) })

	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))
	c.HandleMetric(metricAt(base, -0.9, dsp.QualityOk))
	c.HandleMetric(metricAt(base.Add(time.Second), 0.5, dsp.QualityOk))

	require.Len(t, seen, 3)
	assert.Equal(t, PhaseMonitoring, seen[0].To)
	assert.Equal(t, PhaseEntraining, seen[1].To)
	assert.Equal(t, PhaseCooldown, seen[2].To)
	assert.Equal(t, "recovered above stop threshold", seen[2].Reason)
}

func TestControllerConfigValidation(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.StartZThreshold = -0.3
	cfg.StopZThreshold = -0.5
	_, err := NewController(cfg)
	assert.Error(t, err, "stop threshold must sit above start threshold")

	cfg = DefaultControllerConfig()
	cfg.StartZThreshold = -0.4
	cfg.StopZThreshold = -0.4
	_, err = NewController(cfg)
	assert.Error(t, err, "coinciding thresholds defeat the hysteresis")
}

func TestControllerDoubleStart(t *testing.T) {
	c := testController(t)
	base := time.Unix(1000, 0)
	require.NoError(t, c.StartSession(base))
	assert.Error(t, c.StartSession(base.Add(time.Second)))
}
