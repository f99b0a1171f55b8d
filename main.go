package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is set at build time via -ldflags
var Version = "dev"

// StartTime records process start for uptime reporting
var StartTime time.Time

// DebugMode enables verbose logging
var DebugMode bool

func main() {
	StartTime = time.Now()

	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("flowstated %s", Version)
		return
	}

	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("flowstated %s starting, tracking %s band %.1f-%.1f Hz",
		Version, config.Band.Label, config.Band.LowHz, config.Band.HighHz)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := NewSessionManager(config)

	var prometheusMetrics *PrometheusMetrics
	if config.Prometheus.Enabled {
		prometheusMetrics = NewPrometheusMetrics()
		prometheusMetrics.StartResourceMonitor(ctx.Done())
		sessions.SetPrometheusMetrics(prometheusMetrics)
		log.Printf("Prometheus metrics enabled at /metrics (allowed hosts: %v)", config.Prometheus.AllowedHosts)
	}

	activityLogger := NewSessionActivityLogger(
		config.Server.ActivityLogEnabled, config.Server.ActivityLogDir)
	sessions.SetActivityLogger(activityLogger)

	var mqttPublisher *MQTTPublisher
	if config.MQTT.Enabled {
		mqttPublisher, err = NewMQTTPublisher(&config.MQTT)
		if err != nil {
			log.Printf("Warning: MQTT publisher disabled: %v", err)
		} else {
			mqttPublisher.StartPublisher(ctx)
			sessions.SetMQTTPublisher(mqttPublisher)
		}
	}

	api := NewAPIHandler(sessions, config)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", api.HandleSessions)
	mux.HandleFunc("/api/sessions/", api.HandleSession)
	mux.HandleFunc("/ws/metrics", api.HandleMetricStream)
	mux.HandleFunc("/health", api.HandleHealth)
	if config.Prometheus.Enabled {
		promHandler := promhttp.Handler()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			if !metricsAllowed(config, r) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			promHandler.ServeHTTP(w, r)
		})
	}

	server := &http.Server{
		Addr:    config.Server.Listen,
		Handler: corsMiddleware(config, mux),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")

		// Sessions first, so every active stimulus receives its stop
		// before the process exits.
		sessions.Shutdown()
		activityLogger.Stop()
		if mqttPublisher != nil {
			mqttPublisher.Disconnect()
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error closing server: %v", err)
		}
	}()

	log.Printf("Listening on %s", config.Server.Listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
	log.Println("Shutdown complete")
}
