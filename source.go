package main

import (
	"context"
	"time"
)

// SourceEventType enumerates out-of-band source notifications
type SourceEventType int

const (
	SourceConnected SourceEventType = iota
	SourceDisconnected
	SourceError
)

// String returns the event name used in logs
func (s SourceEventType) String() string {
	switch s {
	case SourceConnected:
		return "connected"
	case SourceDisconnected:
		return "disconnected"
	case SourceError:
		return "error"
	default:
		return "unknown"
	}
}

// SourceEvent signals a change in the source's connection state. Errors that
// terminate the sample stream arrive here rather than through the sample
// channel so the session can react while the pipeline drains.
type SourceEvent struct {
	Type SourceEventType
	At   time.Time
	Err  error
}

// SampleSource delivers a stream of raw EEG samples. Implementations close
// the sample channel when the stream ends, whether by Disconnect or by an
// unrecoverable transport error, and emit a terminal event either way.
// Disconnect is safe to call more than once.
type SampleSource interface {
	Connect(ctx context.Context) error
	SampleRate() float64
	Channels() int
	Samples() <-chan RawSample
	Events() <-chan SourceEvent
	Disconnect() error
}
