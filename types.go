package main

import (
	"encoding/json"
	"time"

	"github.com/flowstate/flowstated/dsp"
)

// RawSample is one multi-channel EEG reading in device units. Immutable once
// created; sources must deliver samples with monotonically increasing
// timestamps.
type RawSample struct {
	Timestamp time.Time
	Channels  []float64
}

// BandState classifies a z-score against the personal baseline
type BandState int

const (
	BandLow BandState = iota
	BandNormal
	BandElevated
)

// String returns the state name used in JSON payloads and logs
func (b BandState) String() string {
	switch b {
	case BandLow:
		return "low"
	case BandNormal:
		return "normal"
	case BandElevated:
		return "elevated"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state by name so API and log consumers never see
// the internal enum values
func (b BandState) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// classifyBandState buckets a z-score: more than one standard deviation
// below baseline is low, more than one above is elevated.
func classifyBandState(z float64) BandState {
	switch {
	case z < -1.0:
		return BandLow
	case z > 1.0:
		return BandElevated
	default:
		return BandNormal
	}
}

// EEGMetric is the pipeline's output unit: one immutable record per analysis
// window that passes the gate. Rejected windows still surface as a metric
// carrying only the quality flag, so the controller can count untrustworthy
// input while entraining; their power/z fields are zero and must not be used.
type EEGMetric struct {
	Timestamp time.Time       `json:"timestamp"`
	BandPower float64         `json:"band_power"`
	ZScore    float64         `json:"z_score"`
	BandState BandState       `json:"band_state"`
	Quality   dsp.QualityFlag `json:"quality"`
}

// Usable reports whether the metric's power and z-score fields carry data
func (m EEGMetric) Usable() bool {
	return m.Quality != dsp.QualityRejected
}

// CommandType enumerates stimulus commands
type CommandType int

const (
	CommandStart CommandType = iota
	CommandStop
	CommandSetIntensity
)

// String returns the command name used in sink logs and MQTT payloads
func (c CommandType) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandSetIntensity:
		return "set_intensity"
	default:
		return "unknown"
	}
}

// ToneParams describes the isochronic stimulus: an audible carrier gated at
// the entrainment frequency.
type ToneParams struct {
	CarrierHz     float64 `json:"carrier_hz" yaml:"carrier_hz"`
	EntrainmentHz float64 `json:"entrainment_hz" yaml:"entrainment_hz"`
	Volume        float64 `json:"volume" yaml:"volume"`
}

// clamp limits tone parameters to the ranges the renderer accepts
func (p ToneParams) clamp() ToneParams {
	if p.CarrierHz < 100 {
		p.CarrierHz = 100
	} else if p.CarrierHz > 1000 {
		p.CarrierHz = 1000
	}
	if p.EntrainmentHz < 1 {
		p.EntrainmentHz = 1
	} else if p.EntrainmentHz > 40 {
		p.EntrainmentHz = 40
	}
	if p.Volume < 0 {
		p.Volume = 0
	} else if p.Volume > 1 {
		p.Volume = 1
	}
	return p
}

// StimulusCommand is emitted by the controller and consumed exactly once by
// the session's sink adapter.
type StimulusCommand struct {
	Type      CommandType
	Params    ToneParams // populated for start
	Intensity float64    // populated for set_intensity
	IssuedAt  time.Time
}
