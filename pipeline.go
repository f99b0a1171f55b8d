package main

import (
	"fmt"
	"time"

	"github.com/flowstate/flowstated/dsp"
)

// Pipeline converts raw samples into EEG metrics: window, filter, estimate
// band power, gate for artifacts, normalize against the baseline. It is
// synchronous and single-owner; the session goroutine drives it one sample
// at a time, which keeps metric order identical to sample order.
type Pipeline struct {
	windower   *dsp.Windower
	estimator  *dsp.SpectralEstimator
	gate       *dsp.QualityGate
	normalizer *Normalizer
	band       dsp.Band
	selection  dsp.ChannelSelection
	windowDur  time.Duration

	windowsTotal  int
	rejectedTotal int
	degradedTotal int
}

// PipelineParams wires the pipeline together
type PipelineParams struct {
	Windower      dsp.WindowerParams
	SegmentLength int
	Band          dsp.Band
	Selection     dsp.ChannelSelection
	Gate          dsp.GateParams
	Normalizer    *Normalizer
}

func NewPipeline(p PipelineParams) (*Pipeline, error) {
	windower, err := dsp.NewWindower(p.Windower)
	if err != nil {
		return nil, fmt.Errorf("pipeline windower: %w", err)
	}
	estimator, err := dsp.NewSpectralEstimator(p.SegmentLength)
	if err != nil {
		return nil, fmt.Errorf("pipeline estimator: %w", err)
	}
	gate, err := dsp.NewQualityGate(p.Gate, p.SegmentLength)
	if err != nil {
		return nil, fmt.Errorf("pipeline gate: %w", err)
	}
	if p.Normalizer == nil {
		return nil, fmt.Errorf("pipeline requires a normalizer")
	}
	return &Pipeline{
		windower:   windower,
		estimator:  estimator,
		gate:       gate,
		normalizer: p.Normalizer,
		band:       p.Band,
		selection:  p.Selection,
		windowDur:  p.Windower.WindowLength,
	}, nil
}

// Process feeds one sample through the pipeline. It returns every metric
// completed by this sample, oldest first, and whether the sample opened a
// timestamp gap. A gap discards partial window state; no metric bridges it.
// Processing fails if a window completes while no baseline is installed.
func (p *Pipeline) Process(s RawSample) ([]EEGMetric, bool, error) {
	gap, err := p.windower.Push(s.Timestamp, s.Channels)
	if err != nil {
		return nil, false, err
	}

	var metrics []EEGMetric
	for {
		win := p.windower.TryNextWindow()
		if win == nil {
			break
		}
		m, err := p.analyze(win)
		if err != nil {
			return metrics, gap, err
		}
		metrics = append(metrics, m)
	}
	return metrics, gap, nil
}

func (p *Pipeline) analyze(win *dsp.AnalysisWindow) (EEGMetric, error) {
	p.windowsTotal++

	flag, _ := p.gate.Assess(win)
	if flag == dsp.QualityRejected {
		p.rejectedTotal++
		// Marker metric: the controller counts these while entraining,
		// nothing downstream records them as readings.
		return EEGMetric{Timestamp: win.End, Quality: flag}, nil
	}
	if flag == dsp.QualityDegraded {
		p.degradedTotal++
	}

	power, err := p.estimator.EstimateWindow(win, p.band, p.selection)
	if err != nil {
		return EEGMetric{}, fmt.Errorf("estimating band power: %w", err)
	}
	z, err := p.normalizer.Normalize(power)
	if err != nil {
		return EEGMetric{}, err
	}
	return EEGMetric{
		Timestamp: win.End,
		BandPower: power,
		ZScore:    z,
		BandState: classifyBandState(z),
		Quality:   flag,
	}, nil
}

// ProcessCalibration feeds one sample during the resting-state pass,
// accumulating gated band powers into the calibrator instead of emitting
// metrics. No baseline is needed.
func (p *Pipeline) ProcessCalibration(s RawSample, cal *Calibrator) (bool, error) {
	gap, err := p.windower.Push(s.Timestamp, s.Channels)
	if err != nil {
		return false, err
	}
	for {
		win := p.windower.TryNextWindow()
		if win == nil {
			break
		}
		p.windowsTotal++
		flag, _ := p.gate.Assess(win)
		if flag == dsp.QualityRejected {
			p.rejectedTotal++
			cal.Add(0, flag)
			continue
		}
		power, err := p.estimator.EstimateWindow(win, p.band, p.selection)
		if err != nil {
			return gap, fmt.Errorf("estimating band power: %w", err)
		}
		cal.Add(power, flag)
	}
	return gap, nil
}

// Reset discards buffered samples and filter state, keeping the baseline
func (p *Pipeline) Reset() {
	p.windower.Reset()
}

// Stats returns cumulative window counts since construction
func (p *Pipeline) Stats() (windows, rejected, degraded int) {
	return p.windowsTotal, p.rejectedTotal, p.degradedTotal
}

// GapCount returns how many timestamp gaps the windower has absorbed
func (p *Pipeline) GapCount() uint64 {
	return p.windower.GapCount()
}

// WindowDuration returns the configured analysis window length
func (p *Pipeline) WindowDuration() time.Duration {
	return p.windowDur
}
