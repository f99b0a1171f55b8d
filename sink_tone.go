package main

import (
	"log"
	"sync"
	"time"
)

// toneBlock is the render cadence for the local audio sink
const toneBlock = 50 * time.Millisecond

// ToneSink renders the isochronic stimulus locally instead of commanding an
// external device. While active, a goroutine synthesizes fixed-size audio
// blocks on a ticker; the most recent block and the running peak are kept so
// callers can inspect what is being produced.
type ToneSink struct {
	sampleRate   float64
	rampFraction float64

	mu        sync.Mutex
	renderer  *ToneRenderer
	stop      chan struct{}
	done      chan struct{}
	lastBlock []float64
	rendered  uint64
	peak      float64
}

func NewToneSink(cfg StimulusConfig) *ToneSink {
	return &ToneSink{
		sampleRate:   cfg.SampleRate,
		rampFraction: cfg.RampFraction,
	}
}

func (s *ToneSink) Start(params ToneParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renderer != nil {
		return nil
	}
	renderer, err := NewToneRenderer(params, s.sampleRate, s.rampFraction)
	if err != nil {
		return err
	}
	s.renderer = renderer
	s.rendered = 0
	s.peak = 0
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.renderLoop(s.stop, s.done)
	p := renderer.Params()
	log.Printf("Tone sink start: carrier=%.0fHz pulse=%.1fHz volume=%.2f",
		p.CarrierHz, p.EntrainmentHz, p.Volume)
	return nil
}

func (s *ToneSink) renderLoop(stop, done chan struct{}) {
	defer close(done)
	block := make([]float64, int(s.sampleRate*toneBlock.Seconds()))
	ticker := time.NewTicker(toneBlock)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.renderer == nil {
				s.mu.Unlock()
				return
			}
			s.renderer.Render(block)
			s.lastBlock = append(s.lastBlock[:0], block...)
			s.rendered += uint64(len(block))
			for _, v := range block {
				if v > s.peak {
					s.peak = v
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *ToneSink) Stop() error {
	s.mu.Lock()
	if s.renderer == nil {
		s.mu.Unlock()
		return nil
	}
	s.renderer = nil
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	log.Printf("Tone sink stop")
	return nil
}

func (s *ToneSink) SetIntensity(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renderer == nil {
		return nil
	}
	s.renderer.SetVolume(v)
	return nil
}

func (s *ToneSink) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderer != nil
}

func (s *ToneSink) Disconnect() error {
	return s.Stop()
}

// LastBlock returns a copy of the most recently rendered audio block
func (s *ToneSink) LastBlock() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.lastBlock...)
}

// RenderedSamples returns how many samples have been synthesized since Start
func (s *ToneSink) RenderedSamples() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

// Peak returns the largest sample value produced since Start
func (s *ToneSink) Peak() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}
