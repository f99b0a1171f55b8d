package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/flowstate/flowstated/dsp"
)

// ErrNoBaseline is returned when normalization is attempted before a
// calibration pass has produced a baseline.
var ErrNoBaseline = errors.New("no baseline available, run calibration first")

// Baseline captures the subject's resting band-power statistics. StdDev is
// always strictly positive; a degenerate calibration never produces one.
type Baseline struct {
	Band        string    `json:"band"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	WindowCount int       `json:"window_count"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Validate rejects baselines that would make z-scores meaningless
func (b Baseline) Validate() error {
	if b.StdDev <= 0 {
		return fmt.Errorf("baseline std dev must be positive, got %g", b.StdDev)
	}
	if b.WindowCount <= 0 {
		return fmt.Errorf("baseline window count must be positive, got %d", b.WindowCount)
	}
	return nil
}

// ZScore normalizes a band power reading against the baseline
func (b Baseline) ZScore(power float64) float64 {
	return (power - b.Mean) / b.StdDev
}

// Normalizer turns absolute band powers into z-scores. It starts without a
// baseline and refuses to normalize until one is set.
type Normalizer struct {
	baseline *Baseline
}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// SetBaseline installs a validated baseline
func (n *Normalizer) SetBaseline(b Baseline) error {
	if err := b.Validate(); err != nil {
		return err
	}
	n.baseline = &b
	return nil
}

// Baseline returns the installed baseline, or nil
func (n *Normalizer) Baseline() *Baseline {
	return n.baseline
}

// Normalize returns the z-score for a band power reading
func (n *Normalizer) Normalize(power float64) (float64, error) {
	if n.baseline == nil {
		return 0, ErrNoBaseline
	}
	return n.baseline.ZScore(power), nil
}

// LoadBaseline reads a baseline artifact from disk
func LoadBaseline(path string) (Baseline, error) {
	var b Baseline
	data, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("reading baseline: %w", err)
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("parsing baseline %s: %w", path, err)
	}
	if err := b.Validate(); err != nil {
		return b, fmt.Errorf("baseline %s: %w", path, err)
	}
	return b, nil
}

// SaveBaseline writes the baseline artifact atomically
func SaveBaseline(path string, b Baseline) error {
	if err := b.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating baseline directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing baseline: %w", err)
	}
	return os.Rename(tmp, path)
}

// CalibratorConfig controls the resting-state calibration pass
type CalibratorConfig struct {
	MinValidWindows int
	// MinVariance rejects calibrations whose band power barely moves,
	// which would produce explosive z-scores afterwards.
	MinVariance float64
}

func DefaultCalibratorConfig() CalibratorConfig {
	return CalibratorConfig{
		MinValidWindows: 30,
		MinVariance:     1e-9,
	}
}

// Calibrator accumulates band powers from gated windows during the
// resting-state phase and produces a Baseline. Rejected windows are counted
// but excluded from the statistics.
type Calibrator struct {
	cfg      CalibratorConfig
	band     string
	powers   []float64
	rejected int
}

func NewCalibrator(cfg CalibratorConfig, band string) *Calibrator {
	if cfg.MinValidWindows <= 0 {
		cfg.MinValidWindows = DefaultCalibratorConfig().MinValidWindows
	}
	if cfg.MinVariance <= 0 {
		cfg.MinVariance = DefaultCalibratorConfig().MinVariance
	}
	return &Calibrator{cfg: cfg, band: band}
}

// Add records one gated window's band power. Rejected windows contribute
// nothing to the statistics.
func (c *Calibrator) Add(power float64, quality dsp.QualityFlag) {
	if quality == dsp.QualityRejected {
		c.rejected++
		return
	}
	c.powers = append(c.powers, power)
}

// ValidWindows returns how many usable windows have been collected
func (c *Calibrator) ValidWindows() int {
	return len(c.powers)
}

// RejectedWindows returns how many windows the gate discarded
func (c *Calibrator) RejectedWindows() int {
	return c.rejected
}

// Finish computes the baseline. It fails if too few usable windows were
// collected or the power distribution is degenerate.
func (c *Calibrator) Finish(at time.Time) (Baseline, error) {
	if len(c.powers) < c.cfg.MinValidWindows {
		return Baseline{}, fmt.Errorf("calibration needs %d valid windows, got %d (%d rejected)",
			c.cfg.MinValidWindows, len(c.powers), c.rejected)
	}
	mean := stat.Mean(c.powers, nil)
	variance := stat.PopVariance(c.powers, nil)
	if variance < c.cfg.MinVariance {
		return Baseline{}, fmt.Errorf("calibration variance %g too low, signal may be flat", variance)
	}
	return Baseline{
		Band:        c.band,
		Mean:        mean,
		StdDev:      stat.PopStdDev(c.powers, nil),
		WindowCount: len(c.powers),
		RecordedAt:  at,
	}, nil
}
