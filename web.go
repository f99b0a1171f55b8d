package main

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var metricsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// APIHandler serves the session REST surface and the metric stream
type APIHandler struct {
	sessions *SessionManager
	config   *Config
}

func NewAPIHandler(sessions *SessionManager, config *Config) *APIHandler {
	return &APIHandler{sessions: sessions, config: config}
}

// HandleSessions serves /api/sessions: GET lists, POST creates
func (h *APIHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, h.sessions.ListSessions())
	case http.MethodPost:
		mode := SessionMode(r.URL.Query().Get("mode"))
		if mode == "" {
			mode = ModeNeurofeedback
		}
		if mode != ModeNeurofeedback && mode != ModeCalibration {
			http.Error(w, "mode must be neurofeedback or calibration", http.StatusBadRequest)
			return
		}
		session, err := h.sessions.CreateSession(r.Context(), mode)
		if err != nil {
			log.Printf("Session creation failed: %v", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, session.Status())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleSession serves /api/sessions/{id}: GET status, DELETE teardown
func (h *APIHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		session, ok := h.sessions.GetSession(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, session.Status())
	case http.MethodDelete:
		if err := h.sessions.DestroySession(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetricStream serves /ws/metrics?session=<id>: a WebSocket pushing
// one JSON message per usable metric as the pipeline emits it.
func (h *APIHandler) HandleMetricStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	session, ok := h.sessions.GetSession(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := metricsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Metric stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	metrics, cancel := session.Subscribe()
	defer cancel()

	// Discard client messages, but notice the close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case m, open := <-metrics:
			if !open {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(time.Second))
				return
			}
			if !m.Usable() {
				continue
			}
			msg := map[string]interface{}{
				"type":       "metric",
				"timestamp":  m.Timestamp.UnixMilli(),
				"band":       h.config.Band.Label,
				"band_power": m.BandPower,
				"z_score":    m.ZScore,
				"band_state": m.BandState.String(),
				"quality":    m.Quality.String(),
				"phase":      session.controller.Phase().String(),
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleHealth serves /health
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":   "ok",
		"sessions": len(h.sessions.ListSessions()),
		"band":     h.config.Band.Label,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// corsMiddleware adds permissive CORS headers when enabled in the config
func corsMiddleware(config *Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Server.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// metricsAllowed enforces the prometheus allowed_hosts list
func metricsAllowed(config *Config, r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return config.Prometheus.IsIPAllowed(host)
}
