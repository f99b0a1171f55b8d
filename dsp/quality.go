package dsp

import (
	"encoding/json"
	"math"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// QualityFlag grades an analysis window's trustworthiness
type QualityFlag int

const (
	QualityOk QualityFlag = iota
	QualityDegraded
	QualityRejected
)

// String returns the flag name used in logs, metrics labels and JSON
func (q QualityFlag) String() string {
	switch q {
	case QualityOk:
		return "ok"
	case QualityDegraded:
		return "degraded"
	case QualityRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the flag by name
func (q QualityFlag) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// GateParams holds the artifact detection thresholds. Values are in device
// units (typically microvolts for EEG front-ends).
type GateParams struct {
	// SaturationLimit is the amplitude at which the ADC is considered
	// pinned; SaturationRun is how many consecutive pinned samples mark a
	// saturated channel.
	SaturationLimit float64
	SaturationRun   int
	// FlatlineVariance is the per-channel variance below which a channel
	// counts as flat (disconnected electrode or frozen driver).
	FlatlineVariance float64
	// NoiseFloorHz is the lower edge of the out-of-physiological-range
	// region; energy above it relative to total is the muscle/motion
	// artifact proxy.
	NoiseFloorHz       float64
	NoiseRatioDegraded float64
	NoiseRatioRejected float64
}

// DefaultGateParams returns thresholds tuned for consumer dry-electrode EEG
func DefaultGateParams() GateParams {
	return GateParams{
		SaturationLimit:    100.0,
		SaturationRun:      5,
		FlatlineVariance:   1e-2,
		NoiseFloorHz:       45.0,
		NoiseRatioDegraded: 0.5,
		NoiseRatioRejected: 0.8,
	}
}

// QualityGate flags windows corrupted by saturation, flat-line or broadband
// artifact energy. Each heuristic is independently checkable; Assess combines
// them into a single flag.
type QualityGate struct {
	params    GateParams
	estimator *SpectralEstimator
}

// NewQualityGate builds a gate sharing no state with the main estimator
func NewQualityGate(params GateParams, segmentLength int) (*QualityGate, error) {
	est, err := NewSpectralEstimator(segmentLength)
	if err != nil {
		return nil, err
	}
	return &QualityGate{params: params, estimator: est}, nil
}

// Assess grades a window. Rules, worst outcome wins:
//   - any saturated channel, or every channel flat  -> Rejected
//   - broadband ratio above the rejected threshold  -> Rejected
//   - any flat channel, or ratio above degraded     -> Degraded
//   - otherwise                                     -> Ok
//
// Saturation and flat-line are judged on the raw samples; the band-pass in
// the filter chain would hide exactly the energy these checks look for.
func (g *QualityGate) Assess(win *AnalysisWindow) (QualityFlag, []string) {
	if win == nil || len(win.Raw) == 0 || win.Length() == 0 {
		return QualityRejected, []string{"empty window"}
	}

	var reasons []string
	flag := QualityOk
	flatChannels := 0

	for ch, raw := range win.Raw {
		if HasSaturationRun(raw, g.params.SaturationLimit, g.params.SaturationRun) {
			return QualityRejected, append(reasons, "saturation on channel "+strconv.Itoa(ch))
		}
		if IsFlatline(raw, g.params.FlatlineVariance) {
			flatChannels++
			reasons = append(reasons, "flat-line on channel "+strconv.Itoa(ch))
		}
	}

	if flatChannels == len(win.Raw) {
		return QualityRejected, append(reasons, "all channels flat")
	}
	if flatChannels > 0 {
		flag = QualityDegraded
	}

	ratio := g.BroadbandRatio(win)
	if ratio >= g.params.NoiseRatioRejected {
		return QualityRejected, append(reasons, "broadband artifact energy")
	}
	if ratio >= g.params.NoiseRatioDegraded {
		flag = QualityDegraded
		reasons = append(reasons, "elevated broadband energy")
	}

	return flag, reasons
}

// BroadbandRatio returns the worst per-channel fraction of spectral power
// above the physiological cutoff. 0 for silent input.
func (g *QualityGate) BroadbandRatio(win *AnalysisWindow) float64 {
	nyquist := win.SampleRate / 2
	noiseBand := Band{Label: "noise", Low: g.params.NoiseFloorHz, High: nyquist}
	fullBand := Band{Label: "full", Low: 0, High: nyquist}

	var worst float64
	for _, raw := range win.Raw {
		total := g.estimator.BandPower(raw, win.SampleRate, fullBand)
		if total <= 0 {
			continue
		}
		noise := g.estimator.BandPower(raw, win.SampleRate, noiseBand)
		if r := noise / total; r > worst {
			worst = r
		}
	}
	return worst
}

// HasSaturationRun reports whether data holds runLen consecutive samples
// pinned at or beyond +-limit
func HasSaturationRun(data []float64, limit float64, runLen int) bool {
	if runLen < 1 {
		runLen = 1
	}
	run := 0
	for _, v := range data {
		if math.Abs(v) >= limit {
			run++
			if run >= runLen {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// IsFlatline reports whether the variance of data is below eps
func IsFlatline(data []float64, eps float64) bool {
	if len(data) < 2 {
		return true
	}
	return stat.PopVariance(data, nil) < eps
}
