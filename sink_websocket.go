package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsStimulusMessage is the JSON command sent to the audio endpoint
type wsStimulusMessage struct {
	Type          string  `json:"type"`
	CarrierHz     float64 `json:"carrier_hz,omitempty"`
	EntrainmentHz float64 `json:"entrainment_hz,omitempty"`
	Volume        float64 `json:"volume,omitempty"`
	Intensity     float64 `json:"intensity,omitempty"`
}

// WebSocketSink forwards stimulus commands to a remote audio renderer over
// a WebSocket. Command writes are serialized; the remote end is expected to
// treat repeated starts and stops as idempotent just as this side does.
type WebSocketSink struct {
	url string

	mu     sync.Mutex
	conn   *websocket.Conn
	active bool
}

func NewWebSocketSink(url string) *WebSocketSink {
	return &WebSocketSink{url: url}
}

func (s *WebSocketSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return fmt.Errorf("stimulus sink already connected")
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dialing stimulus sink %s: %w", s.url, err)
	}
	s.conn = conn
	return nil
}

func (s *WebSocketSink) Start(params ToneParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}
	p := params.clamp()
	if err := s.send(wsStimulusMessage{
		Type:          "start",
		CarrierHz:     p.CarrierHz,
		EntrainmentHz: p.EntrainmentHz,
		Volume:        p.Volume,
	}); err != nil {
		return err
	}
	s.active = true
	return nil
}

func (s *WebSocketSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	if err := s.send(wsStimulusMessage{Type: "stop"}); err != nil {
		return err
	}
	s.active = false
	return nil
}

func (s *WebSocketSink) SetIntensity(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	return s.send(wsStimulusMessage{Type: "set_intensity", Intensity: v})
}

func (s *WebSocketSink) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Disconnect stops any active stimulus before closing the transport
func (s *WebSocketSink) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	if s.active {
		s.send(wsStimulusMessage{Type: "stop"})
		s.active = false
	}
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *WebSocketSink) send(msg wsStimulusMessage) error {
	if s.conn == nil {
		return fmt.Errorf("stimulus sink not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(msg)
}
