package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Rhythm amplitudes in device units for each simulated mental state. The
// tracked theta rhythm is the one that moves; alpha and beta stay put so the
// out-of-band spectrum looks plausible.
var syntheticThetaAmplitude = map[BandState]float64{
	BandLow:      1.5,
	BandNormal:   6.0,
	BandElevated: 12.0,
}

// SyntheticSource generates plausible multi-channel EEG: band-limited
// rhythms plus Gaussian noise, with optional blink artifacts. The simulated
// mental state can be forced at runtime, which makes closed-loop demos and
// tests deterministic enough to assert on.
type SyntheticSource struct {
	sampleRate  float64
	numChannels int
	noiseAmp    float64
	blinkEvery  time.Duration

	mu    sync.Mutex
	state BandState

	samples chan RawSample
	events  chan SourceEvent
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	rng     *rand.Rand
}

func NewSyntheticSource(cfg SourceConfig) *SyntheticSource {
	return &SyntheticSource{
		sampleRate:  cfg.SampleRate,
		numChannels: cfg.NumChannels,
		noiseAmp:    cfg.NoiseAmplitude,
		blinkEvery:  time.Duration(cfg.BlinkInterval) * time.Second,
		state:       BandNormal,
		samples:     make(chan RawSample, 1024),
		events:      make(chan SourceEvent, 8),
		done:        make(chan struct{}),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ForceState pins the simulated mental state until the next call
func (s *SyntheticSource) ForceState(state BandState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *SyntheticSource) thetaAmp() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return syntheticThetaAmplitude[s.state]
}

func (s *SyntheticSource) Connect(ctx context.Context) error {
	if s.cancel != nil {
		return fmt.Errorf("synthetic source already connected")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	s.events <- SourceEvent{Type: SourceConnected, At: time.Now()}
	return nil
}

func (s *SyntheticSource) SampleRate() float64 { return s.sampleRate }
func (s *SyntheticSource) Channels() int { return s.numChannels }
func (s *SyntheticSource) Samples() <-chan RawSample { return s.samples }
func (s *SyntheticSource) Events() <-chan SourceEvent { return s.events }

func (s *SyntheticSource) Disconnect() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		close(s.samples)
		s.events <- SourceEvent{Type: SourceDisconnected, At: time.Now()}
	})
	return nil
}

// run emits samples in small batches on a ticker. Timestamps derive from the
// sample index, not the tick time, so they stay evenly spaced.
func (s *SyntheticSource) run(ctx context.Context) {
	defer close(s.done)

	const batchInterval = 20 * time.Millisecond
	batchSize := int(s.sampleRate * batchInterval.Seconds())
	if batchSize < 1 {
		batchSize = 1
	}

	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	start := time.Now()
	interval := time.Duration(float64(time.Second) / s.sampleRate)
	n := 0

	// Blink state: sample index at which the current blink started, or -1
	blinkStart := -1
	nextBlink := -1
	if s.blinkEvery > 0 {
		nextBlink = int(s.blinkEvery.Seconds() * s.sampleRate)
	}
	blinkLen := int(0.3 * s.sampleRate)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < batchSize; i++ {
				if nextBlink > 0 && n >= nextBlink {
					blinkStart = n
					nextBlink = n + int(s.blinkEvery.Seconds()*s.sampleRate)
				}
				sample := RawSample{
					Timestamp: start.Add(time.Duration(n) * interval),
					Channels:  s.generate(n, blinkStart, blinkLen),
				}
				if blinkStart >= 0 && n-blinkStart >= blinkLen {
					blinkStart = -1
				}
				select {
				case s.samples <- sample:
				case <-ctx.Done():
					return
				default:
					// Consumer stalled; drop rather than block the generator
				}
				n++
			}
		}
	}
}

func (s *SyntheticSource) generate(n, blinkStart, blinkLen int) []float64 {
	t := float64(n) / s.sampleRate
	thetaAmp := s.thetaAmp()

	out := make([]float64, s.numChannels)
	for ch := range out {
		phase := float64(ch) * 0.7
		v := thetaAmp*math.Sin(2*math.Pi*6*t+phase) +
			4.0*math.Sin(2*math.Pi*10*t+phase*1.3) +
			2.0*math.Sin(2*math.Pi*20*t+phase*2.1) +
			s.noiseAmp*s.rng.NormFloat64()
		if blinkStart >= 0 && n-blinkStart < blinkLen {
			// Raised-cosine deflection, strongest on the frontal channels
			progress := float64(n-blinkStart) / float64(blinkLen)
			weight := 1.0 / float64(ch+1)
			v += 80 * weight * 0.5 * (1 - math.Cos(2*math.Pi*progress))
		}
		out[ch] = v
	}
	return out
}
