package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsSampleMessage is the wire format headset bridges send: one message per
// batch, timestamps as float seconds since the Unix epoch.
type wsSampleMessage struct {
	Samples []wsSample `json:"samples"`
}

type wsSample struct {
	Timestamp float64   `json:"timestamp"`
	Channels  []float64 `json:"channels"`
}

// WebSocketSource pulls raw samples from an acquisition bridge over a
// WebSocket. It does not reconnect: a dropped transport ends the stream and
// the session decides what happens next.
type WebSocketSource struct {
	url         string
	sampleRate  float64
	numChannels int

	conn    *websocket.Conn
	samples chan RawSample
	events  chan SourceEvent
	once    sync.Once
	closed  chan struct{}
}

func NewWebSocketSource(cfg SourceConfig) *WebSocketSource {
	return &WebSocketSource{
		url:         cfg.URL,
		sampleRate:  cfg.SampleRate,
		numChannels: cfg.NumChannels,
		samples:     make(chan RawSample, 1024),
		events:      make(chan SourceEvent, 8),
		closed:      make(chan struct{}),
	}
}

func (s *WebSocketSource) Connect(ctx context.Context) error {
	if s.conn != nil {
		return fmt.Errorf("websocket source already connected")
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dialing EEG source %s: %w", s.url, err)
	}
	s.conn = conn
	go s.readLoop()
	s.events <- SourceEvent{Type: SourceConnected, At: time.Now()}
	return nil
}

func (s *WebSocketSource) SampleRate() float64 { return s.sampleRate }
func (s *WebSocketSource) Channels() int { return s.numChannels }
func (s *WebSocketSource) Samples() <-chan RawSample { return s.samples }
func (s *WebSocketSource) Events() <-chan SourceEvent { return s.events }

func (s *WebSocketSource) Disconnect() error {
	s.once.Do(func() {
		close(s.closed)
		if s.conn != nil {
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.conn.Close()
		}
	})
	return nil
}

func (s *WebSocketSource) readLoop() {
	defer close(s.samples)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				s.events <- SourceEvent{Type: SourceDisconnected, At: time.Now()}
			default:
				s.events <- SourceEvent{Type: SourceError, At: time.Now(), Err: err}
			}
			return
		}

		var msg wsSampleMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("EEG source: dropping malformed message: %v", err)
			continue
		}
		for _, ws := range msg.Samples {
			if len(ws.Channels) != s.numChannels {
				log.Printf("EEG source: dropping sample with %d channels, want %d",
					len(ws.Channels), s.numChannels)
				continue
			}
			sec, frac := math.Modf(ws.Timestamp)
			sample := RawSample{
				Timestamp: time.Unix(int64(sec), int64(frac*1e9)),
				Channels:  ws.Channels,
			}
			select {
			case s.samples <- sample:
			case <-s.closed:
				return
			}
		}
	}
}
