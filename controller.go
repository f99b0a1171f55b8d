package main

import (
	"fmt"
	"time"

	"github.com/flowstate/flowstated/dsp"
)

// Phase is the controller's lifecycle phase
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseMonitoring
	PhaseEntraining
	PhaseCooldown
)

// String returns the phase name used in logs, metrics and MQTT payloads
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMonitoring:
		return "monitoring"
	case PhaseEntraining:
		return "entraining"
	case PhaseCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// ControllerConfig holds the hysteresis thresholds and safety limits.
// StopZThreshold must be strictly greater than StartZThreshold so the start
// and stop boundaries never coincide.
type ControllerConfig struct {
	StartZThreshold float64
	StopZThreshold  float64
	MaxEntrainment  time.Duration
	MinCooldown     time.Duration

	// MaxConsecutiveRejected force-stops entrainment after this many
	// rejected metrics in a row. Zero disables the fail-safe.
	MaxConsecutiveRejected int

	// RequiredOkStreak demands this many consecutive ok-quality metrics
	// before a start transition is trusted. Zero accepts any non-rejected
	// metric.
	RequiredOkStreak int

	Tone ToneParams
}

// DefaultControllerConfig mirrors the thresholds used in supervised sessions
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		StartZThreshold:        -0.5,
		StopZThreshold:         -0.3,
		MaxEntrainment:         5 * time.Minute,
		MinCooldown:            30 * time.Second,
		MaxConsecutiveRejected: 5,
		Tone: ToneParams{
			CarrierHz:     250,
			EntrainmentHz: 6,
			Volume:        0.5,
		},
	}
}

// Validate checks threshold ordering and limit sanity
func (c ControllerConfig) Validate() error {
	if c.StopZThreshold <= c.StartZThreshold {
		return fmt.Errorf("stop threshold %.2f must be above start threshold %.2f",
			c.StopZThreshold, c.StartZThreshold)
	}
	if c.MaxEntrainment < 0 {
		return fmt.Errorf("max entrainment must not be negative")
	}
	if c.MinCooldown < 0 {
		return fmt.Errorf("min cooldown must not be negative")
	}
	if c.MaxConsecutiveRejected < 0 {
		return fmt.Errorf("max consecutive rejected must not be negative")
	}
	if c.RequiredOkStreak < 0 {
		return fmt.Errorf("required ok streak must not be negative")
	}
	return nil
}

// ControllerState is a value: Step returns a new state rather than mutating,
// so transitions stay deterministic and replayable in tests.
type ControllerState struct {
	Phase               Phase
	TransitionAt        time.Time
	EntrainingSince     time.Time
	CooldownSince       time.Time
	ConsecutiveRejected int
	OkStreak            int
	StopReason          string
}

// Step applies one metric to the state machine. Time is taken from the
// metric's timestamp, never from the wall clock, so the cooldown and
// entrainment ceilings behave identically in replay and in live sessions.
// The returned command, if any, must be delivered to the sink exactly once.
func Step(cfg ControllerConfig, st ControllerState, m EEGMetric) (ControllerState, *StimulusCommand) {
	switch st.Phase {
	case PhaseIdle:
		// Metrics arriving before the session starts are discarded
		return st, nil

	case PhaseMonitoring:
		if m.Quality == dsp.QualityRejected {
			st.OkStreak = 0
			return st, nil
		}
		if m.Quality == dsp.QualityOk {
			st.OkStreak++
		} else {
			st.OkStreak = 0
		}
		if m.ZScore >= cfg.StartZThreshold {
			return st, nil
		}
		if cfg.RequiredOkStreak > 0 && st.OkStreak < cfg.RequiredOkStreak {
			return st, nil
		}
		st.Phase = PhaseEntraining
		st.TransitionAt = m.Timestamp
		st.EntrainingSince = m.Timestamp
		st.ConsecutiveRejected = 0
		st.StopReason = ""
		return st, &StimulusCommand{
			Type:     CommandStart,
			Params:   cfg.Tone.clamp(),
			IssuedAt: m.Timestamp,
		}

	case PhaseEntraining:
		if m.Quality == dsp.QualityRejected {
			st.ConsecutiveRejected++
			if cfg.MaxConsecutiveRejected > 0 && st.ConsecutiveRejected >= cfg.MaxConsecutiveRejected {
				return enterCooldown(st, m.Timestamp, "signal quality fail-safe")
			}
			return st, nil
		}
		st.ConsecutiveRejected = 0
		if cfg.MaxEntrainment > 0 && m.Timestamp.Sub(st.EntrainingSince) >= cfg.MaxEntrainment {
			return enterCooldown(st, m.Timestamp, "entrainment ceiling")
		}
		if m.ZScore > cfg.StopZThreshold {
			return enterCooldown(st, m.Timestamp, "recovered above stop threshold")
		}
		return st, nil

	case PhaseCooldown:
		if m.Timestamp.Sub(st.CooldownSince) < cfg.MinCooldown {
			return st, nil
		}
		// Cooldown only ever hands back to monitoring; the metric that
		// expires the cooldown is not itself eligible to start.
		st.Phase = PhaseMonitoring
		st.TransitionAt = m.Timestamp
		st.OkStreak = 0
		return st, nil
	}
	return st, nil
}

func enterCooldown(st ControllerState, at time.Time, reason string) (ControllerState, *StimulusCommand) {
	st.Phase = PhaseCooldown
	st.TransitionAt = at
	st.CooldownSince = at
	st.ConsecutiveRejected = 0
	st.StopReason = reason
	return st, &StimulusCommand{Type: CommandStop, IssuedAt: at}
}

// Transition records one phase change for observers
type Transition struct {
	From   Phase
	To     Phase
	At     time.Time
	Reason string
}

// Controller wraps the pure transition function with current state and an
// optional transition observer. It is not safe for concurrent use; the
// session owns it and feeds it from a single goroutine.
type Controller struct {
	cfg      ControllerConfig
	state    ControllerState
	observer func(Transition)
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller config: %w", err)
	}
	return &Controller{
		cfg:   cfg,
		state: ControllerState{Phase: PhaseIdle},
	}, nil
}

// SetObserver registers a callback invoked on every phase change, before
// the corresponding command is returned to the caller.
func (c *Controller) SetObserver(fn func(Transition)) {
	c.observer = fn
}

// State returns a copy of the current state
func (c *Controller) State() ControllerState {
	return c.state
}

// Phase returns the current lifecycle phase
func (c *Controller) Phase() Phase {
	return c.state.Phase
}

// StartSession moves an idle controller into monitoring. Starting a
// controller that is already running is an error.
func (c *Controller) StartSession(at time.Time) error {
	if c.state.Phase != PhaseIdle {
		return fmt.Errorf("controller already running in phase %s", c.state.Phase)
	}
	prev := c.state.Phase
	c.state = ControllerState{Phase: PhaseMonitoring, TransitionAt: at}
	c.notify(prev, PhaseMonitoring, at, "session start")
	return nil
}

// HandleMetric advances the state machine by one metric and returns the
// command to deliver, if any.
func (c *Controller) HandleMetric(m EEGMetric) *StimulusCommand {
	prev := c.state
	next, cmd := Step(c.cfg, prev, m)
	c.state = next
	if next.Phase != prev.Phase {
		c.notify(prev.Phase, next.Phase, next.TransitionAt, next.StopReason)
	}
	return cmd
}

// ForceStop aborts entrainment from outside the metric path, used when the
// source drops or the signal disappears mid-stimulus. From any phase other
// than entraining it is a no-op.
func (c *Controller) ForceStop(at time.Time, reason string) *StimulusCommand {
	if c.state.Phase != PhaseEntraining {
		return nil
	}
	next, cmd := enterCooldown(c.state, at, reason)
	prev := c.state.Phase
	c.state = next
	c.notify(prev, next.Phase, at, reason)
	return cmd
}

// EndSession returns the controller to idle from any phase. If stimulus is
// active a stop command is returned; ending an idle controller is a no-op
// and returns nil.
func (c *Controller) EndSession(at time.Time) *StimulusCommand {
	if c.state.Phase == PhaseIdle {
		return nil
	}
	prev := c.state.Phase
	var cmd *StimulusCommand
	if prev == PhaseEntraining {
		cmd = &StimulusCommand{Type: CommandStop, IssuedAt: at}
	}
	c.state = ControllerState{Phase: PhaseIdle, TransitionAt: at}
	c.notify(prev, PhaseIdle, at, "session end")
	return cmd
}

func (c *Controller) notify(from, to Phase, at time.Time, reason string) {
	if c.observer != nil {
		c.observer(Transition{From: from, To: to, At: at, Reason: reason})
	}
}
