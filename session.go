package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionMode selects what a session does with the sample stream
type SessionMode string

const (
	ModeNeurofeedback SessionMode = "neurofeedback"
	ModeCalibration   SessionMode = "calibration"
)

// Session owns one closed loop: a source, the pipeline, the controller and a
// sink, driven by a single goroutine so metric order matches sample order.
type Session struct {
	ID        string
	Mode      SessionMode
	CreatedAt time.Time

	cfg        *Config
	source     SampleSource
	sink       StimulusSink
	pipeline   *Pipeline
	controller *Controller
	normalizer *Normalizer
	calibrator *Calibrator

	metrics  *PrometheusMetrics
	activity *SessionActivityLogger

	mu          sync.Mutex
	subscribers map[chan EEGMetric]struct{}
	lastMetric  *EEGMetric
	transitions []Transition
	err         error
	finished    bool
	sinkErrors  int

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// SessionStatus is the API snapshot of a running session
type SessionStatus struct {
	ID         string       `json:"id"`
	Mode       SessionMode  `json:"mode"`
	Phase      string       `json:"phase"`
	CreatedAt  time.Time    `json:"created_at"`
	Band       string       `json:"band"`
	LastMetric *EEGMetric   `json:"last_metric,omitempty"`
	Windows    int          `json:"windows"`
	Rejected   int          `json:"rejected"`
	Degraded   int          `json:"degraded"`
	Gaps       uint64       `json:"gaps"`
	SinkErrors int          `json:"sink_errors,omitempty"`
	Finished   bool         `json:"finished"`
	Error      string       `json:"error,omitempty"`
	Transitions []Transition `json:"transitions,omitempty"`
}

func (s *Session) start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.source.Connect(ctx); err != nil {
		s.cancel()
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	if s.Mode == ModeNeurofeedback {
		if err := s.controller.StartSession(time.Now()); err != nil {
			s.source.Disconnect()
			s.cancel()
			return err
		}
	}
	go s.run(ctx)
	return nil
}

// run is the session's only goroutine. It drains the source until the
// sample channel closes, so teardown ordering is: disconnect source, let the
// loop finish whatever is buffered, then silence the stimulus.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	var calibrationStart time.Time
	calibrationDur := time.Duration(s.cfg.Calibration.DurationSec) * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.source.Events():
			if !ok {
				continue
			}
			s.handleSourceEvent(ev)
		case sample, ok := <-s.source.Samples():
			if !ok {
				return
			}
			switch s.Mode {
			case ModeCalibration:
				if calibrationStart.IsZero() {
					calibrationStart = sample.Timestamp
				}
				if _, err := s.pipeline.ProcessCalibration(sample, s.calibrator); err != nil {
					s.fail(err)
					return
				}
				if sample.Timestamp.Sub(calibrationStart) >= calibrationDur {
					s.finishCalibration()
					return
				}
			default:
				if done := s.handleSample(sample); done {
					return
				}
			}
		}
	}
}

func (s *Session) handleSample(sample RawSample) bool {
	begin := time.Now()
	metrics, gap, err := s.pipeline.Process(sample)
	if s.metrics != nil {
		s.metrics.ObservePipelineLatency(time.Since(begin))
	}
	if err != nil {
		s.fail(err)
		return true
	}
	if gap {
		log.Printf("Session %s: sample gap detected, resetting stream", s.ID)
		if s.metrics != nil {
			s.metrics.RecordGap()
		}
		if cmd := s.controller.ForceStop(sample.Timestamp, "sample gap"); cmd != nil {
			s.deliver(cmd)
		}
	}
	for _, m := range metrics {
		if cmd := s.controller.HandleMetric(m); cmd != nil {
			s.deliver(cmd)
		}
		s.publishMetric(m)
	}
	return false
}

func (s *Session) handleSourceEvent(ev SourceEvent) {
	switch ev.Type {
	case SourceError:
		log.Printf("Session %s: source error: %v", s.ID, ev.Err)
		if cmd := s.controller.ForceStop(ev.At, "source error"); cmd != nil {
			s.deliver(cmd)
		}
		s.mu.Lock()
		if s.err == nil {
			s.err = ev.Err
		}
		s.mu.Unlock()
	case SourceDisconnected:
		log.Printf("Session %s: source disconnected", s.ID)
	}
}

// deliver hands a command to the sink. The controller keeps its intended
// phase on a sink failure; it never rolls back, so the next command simply
// re-asserts the stimulus state against the idempotent sink.
func (s *Session) deliver(cmd *StimulusCommand) {
	if err := applyCommand(s.sink, cmd); err != nil {
		log.Printf("Session %s: sink error on %s: %v", s.ID, cmd.Type, err)
		s.mu.Lock()
		s.sinkErrors++
		s.mu.Unlock()
		return
	}
	if s.metrics != nil {
		s.metrics.RecordCommand(cmd.Type)
	}
	if s.activity != nil {
		s.activity.LogCommand(s.ID, cmd)
	}
}

func (s *Session) publishMetric(m EEGMetric) {
	s.mu.Lock()
	if m.Usable() {
		copied := m
		s.lastMetric = &copied
	}
	for ch := range s.subscribers {
		select {
		case ch <- m:
		default:
			// Slow subscriber; drop rather than stall the loop
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordMetric(s.cfg.Band.Label, m)
	}
	if s.activity != nil && m.Usable() {
		s.activity.LogMetric(s.ID, m)
	}
}

func (s *Session) finishCalibration() {
	baseline, err := s.calibrator.Finish(time.Now())
	if err != nil {
		s.fail(fmt.Errorf("calibration failed: %w", err))
		return
	}
	if err := SaveBaseline(s.cfg.Calibration.BaselinePath, baseline); err != nil {
		s.fail(fmt.Errorf("saving baseline: %w", err))
		return
	}
	if err := s.normalizer.SetBaseline(baseline); err != nil {
		s.fail(err)
		return
	}
	log.Printf("Session %s: calibration complete, %s baseline mean=%.3f std=%.3f from %d windows (%d rejected)",
		s.ID, baseline.Band, baseline.Mean, baseline.StdDev,
		baseline.WindowCount, s.calibrator.RejectedWindows())
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	log.Printf("Session %s: %v", s.ID, err)
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Stop tears the session down in order: disconnect the source, let the run
// loop drain what is buffered, silence the controller and sink, then drop
// subscribers. Partial windows are discarded, never flushed as metrics.
// Safe to call more than once.
func (s *Session) Stop() {
	s.once.Do(func() {
		s.source.Disconnect()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			log.Printf("Session %s: run loop did not drain in time", s.ID)
			s.cancel()
			<-s.done
		}

		if cmd := s.controller.EndSession(time.Now()); cmd != nil {
			if err := applyCommand(s.sink, cmd); err != nil {
				log.Printf("Session %s: final stimulus stop failed: %v", s.ID, err)
			}
		}
		// Belt and braces: the sink is idempotent, so a second stop on an
		// already silent sink does nothing.
		s.sink.Stop()
		s.sink.Disconnect()
		s.cancel()

		s.mu.Lock()
		for ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = map[chan EEGMetric]struct{}{}
		s.finished = true
		s.mu.Unlock()

		if s.activity != nil {
			s.activity.LogSessionEnd(s.ID)
		}
		log.Printf("Session %s: stopped", s.ID)
	})
}

// Subscribe registers a metric listener. The returned cancel function must
// be called when the listener goes away; the channel closes on session stop.
func (s *Session) Subscribe() (<-chan EEGMetric, func()) {
	ch := make(chan EEGMetric, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// Status returns an API snapshot
func (s *Session) Status() SessionStatus {
	windows, rejected, degraded := s.pipeline.Stats()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		ID:          s.ID,
		Mode:        s.Mode,
		Phase:       s.controller.Phase().String(),
		CreatedAt:   s.CreatedAt,
		Band:        s.cfg.Band.Label,
		LastMetric:  s.lastMetric,
		Windows:     windows,
		Rejected:    rejected,
		Degraded:    degraded,
		Gaps:        s.pipeline.GapCount(),
		SinkErrors:  s.sinkErrors,
		Finished:    s.finished,
		Transitions: append([]Transition(nil), s.transitions...),
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// Err returns the session's terminal error, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SessionManager manages all active sessions
type SessionManager struct {
	config   *Config
	metrics  *PrometheusMetrics
	activity *SessionActivityLogger
	mqtt     *MQTTPublisher

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates a new session manager
func NewSessionManager(config *Config) *SessionManager {
	return &SessionManager{
		config:   config,
		sessions: make(map[string]*Session),
	}
}

// SetPrometheusMetrics sets the Prometheus metrics instance for this manager
func (sm *SessionManager) SetPrometheusMetrics(pm *PrometheusMetrics) {
	sm.metrics = pm
}

// SetActivityLogger sets the session activity logger for this manager
func (sm *SessionManager) SetActivityLogger(logger *SessionActivityLogger) {
	sm.activity = logger
}

// SetMQTTPublisher sets the MQTT publisher notified of controller transitions
func (sm *SessionManager) SetMQTTPublisher(pub *MQTTPublisher) {
	sm.mqtt = pub
}

// CreateSession builds and starts a session in the given mode. Neurofeedback
// sessions need a baseline on disk; calibration sessions produce one.
func (sm *SessionManager) CreateSession(ctx context.Context, mode SessionMode) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.Server.MaxSessions {
		return nil, fmt.Errorf("maximum session count reached (%d)", sm.config.Server.MaxSessions)
	}

	normalizer := NewNormalizer()
	if mode == ModeNeurofeedback {
		baseline, err := LoadBaseline(sm.config.Calibration.BaselinePath)
		if err != nil {
			return nil, fmt.Errorf("%w (%v)", ErrNoBaseline, err)
		}
		if baseline.Band != sm.config.Band.Label {
			return nil, fmt.Errorf("baseline is for band %q, configured band is %q",
				baseline.Band, sm.config.Band.Label)
		}
		if err := normalizer.SetBaseline(baseline); err != nil {
			return nil, err
		}
	}

	pipeline, err := NewPipeline(PipelineParams{
		Windower:      sm.config.WindowerParams(),
		SegmentLength: sm.config.Pipeline.SegmentLength,
		Band:          sm.config.Band.Band(),
		Selection:     sm.config.ChannelSelection(),
		Gate:          sm.config.GateParams(),
		Normalizer:    normalizer,
	})
	if err != nil {
		return nil, err
	}

	controller, err := NewController(sm.config.ControllerConfig())
	if err != nil {
		return nil, err
	}

	source, err := sm.buildSource()
	if err != nil {
		return nil, err
	}
	sink, err := sm.buildSink(ctx)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:          uuid.New().String(),
		Mode:        mode,
		CreatedAt:   time.Now(),
		cfg:         sm.config,
		source:      source,
		sink:        sink,
		pipeline:    pipeline,
		controller:  controller,
		normalizer:  normalizer,
		metrics:     sm.metrics,
		activity:    sm.activity,
		subscribers: make(map[chan EEGMetric]struct{}),
		done:        make(chan struct{}),
	}
	if mode == ModeCalibration {
		session.calibrator = NewCalibrator(CalibratorConfig{
			MinValidWindows: sm.config.Calibration.MinValidWindows,
			MinVariance:     sm.config.Calibration.MinVariance,
		}, sm.config.Band.Label)
	}

	controller.SetObserver(func(tr Transition) {
		session.mu.Lock()
		session.transitions = append(session.transitions, tr)
		session.mu.Unlock()
		if sm.metrics != nil {
			sm.metrics.RecordTransition(tr)
		}
		if sm.mqtt != nil {
			sm.mqtt.PublishTransition(session.ID, tr)
		}
		log.Printf("Session %s: %s -> %s (%s)", session.ID, tr.From, tr.To, tr.Reason)
	})

	if err := session.start(ctx); err != nil {
		sink.Disconnect()
		return nil, err
	}

	sm.sessions[session.ID] = session
	if sm.metrics != nil {
		sm.metrics.SetActiveSessions(len(sm.sessions))
	}
	if sm.activity != nil {
		sm.activity.LogSessionStart(session.ID, string(mode))
	}
	log.Printf("Created %s session %s", mode, session.ID)
	return session, nil
}

func (sm *SessionManager) buildSource() (SampleSource, error) {
	switch sm.config.Source.Type {
	case "synthetic":
		return NewSyntheticSource(sm.config.Source), nil
	case "websocket":
		return NewWebSocketSource(sm.config.Source), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", sm.config.Source.Type)
	}
}

func (sm *SessionManager) buildSink(ctx context.Context) (StimulusSink, error) {
	switch sm.config.Stimulus.SinkType {
	case "websocket":
		sink := NewWebSocketSink(sm.config.Stimulus.SinkURL)
		if err := sink.Connect(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	case "tone":
		return NewToneSink(sm.config.Stimulus), nil
	default:
		return NewLogSink(), nil
	}
}

// GetSession retrieves a session by ID
func (sm *SessionManager) GetSession(sessionID string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	session, ok := sm.sessions[sessionID]
	return session, ok
}

// ListSessions returns status snapshots of all sessions
func (sm *SessionManager) ListSessions() []SessionStatus {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.Unlock()

	statuses := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.Status())
	}
	return statuses
}

// DestroySession stops a session and removes it from the manager
func (sm *SessionManager) DestroySession(sessionID string) error {
	sm.mu.Lock()
	session, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	count := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	session.Stop()
	if sm.metrics != nil {
		sm.metrics.SetActiveSessions(count)
	}
	return nil
}

// Shutdown stops every session, used during process teardown
func (sm *SessionManager) Shutdown() {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}
