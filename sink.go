package main

import (
	"log"
	"sync"
)

// StimulusSink delivers controller commands to whatever renders the
// stimulus. Start while active and Stop while inactive are no-ops, so the
// session can always issue a final Stop during teardown without tracking
// sink state itself.
type StimulusSink interface {
	Start(params ToneParams) error
	Stop() error
	SetIntensity(v float64) error
	Active() bool
	Disconnect() error
}

// Apply routes one command to the right sink method
func applyCommand(sink StimulusSink, cmd *StimulusCommand) error {
	switch cmd.Type {
	case CommandStart:
		return sink.Start(cmd.Params)
	case CommandStop:
		return sink.Stop()
	case CommandSetIntensity:
		return sink.SetIntensity(cmd.Intensity)
	}
	return nil
}

// LogSink records stimulus commands to the process log. Used when no audio
// endpoint is attached, and as the safe default.
type LogSink struct {
	mu     sync.Mutex
	active bool
	params ToneParams
}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Start(params ToneParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}
	s.active = true
	s.params = params.clamp()
	log.Printf("Stimulus start: carrier=%.0fHz pulse=%.1fHz volume=%.2f",
		s.params.CarrierHz, s.params.EntrainmentHz, s.params.Volume)
	return nil
}

func (s *LogSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false
	log.Printf("Stimulus stop")
	return nil
}

func (s *LogSink) SetIntensity(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.params.Volume = v
	log.Printf("Stimulus intensity: %.2f", v)
	return nil
}

func (s *LogSink) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *LogSink) Disconnect() error {
	return s.Stop()
}
