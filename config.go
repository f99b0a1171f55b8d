package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowstate/flowstated/dsp"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Source      SourceConfig      `yaml:"source"`
	Band        BandConfig        `yaml:"band"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Quality     QualityConfig     `yaml:"quality"`
	Controller  ControllerYAML    `yaml:"controller"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Stimulus    StimulusConfig    `yaml:"stimulus"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Listen             string `yaml:"listen"`
	MaxSessions        int    `yaml:"max_sessions"`
	EnableCORS         bool   `yaml:"enable_cors"`
	ActivityLogEnabled bool   `yaml:"activity_log_enabled"` // Enable session activity logging to disk
	ActivityLogDir     string `yaml:"activity_log_dir"`     // Directory for session activity logs (default: data/session_activity)
}

// SourceConfig contains EEG source settings
type SourceConfig struct {
	Type        string  `yaml:"type"`         // "synthetic" or "websocket"
	URL         string  `yaml:"url"`          // WebSocket source URL (e.g., ws://headset.local:9000/stream)
	SampleRate  float64 `yaml:"sample_rate"`  // Samples per second per channel
	NumChannels int     `yaml:"num_channels"` // Electrode count
	// Synthetic source tuning
	NoiseAmplitude float64 `yaml:"noise_amplitude"` // Background noise level in device units
	BlinkInterval  int     `yaml:"blink_interval"`  // Seconds between simulated blink artifacts (0 = none)
}

// BandConfig selects the frequency band being tracked
type BandConfig struct {
	Label   string  `yaml:"label"`    // Band name used in baselines and metrics
	LowHz   float64 `yaml:"low_hz"`   // Inclusive lower edge
	HighHz  float64 `yaml:"high_hz"`  // Exclusive upper edge
	MainsHz float64 `yaml:"mains_hz"` // Mains interference frequency to notch (0 = no notch)
	MainsQ  float64 `yaml:"mains_q"`  // Notch quality factor (default: 30)
}

// Band converts the config section to its dsp representation
func (b BandConfig) Band() dsp.Band {
	return dsp.Band{Label: b.Label, Low: b.LowHz, High: b.HighHz}
}

// PipelineConfig contains windowing and spectral estimation settings
type PipelineConfig struct {
	WindowSeconds   float64 `yaml:"window_seconds"`   // Analysis window length (default: 2)
	OverlapFraction float64 `yaml:"overlap_fraction"` // Window overlap in [0,1) (default: 0.5)
	GapToleranceMs  int     `yaml:"gap_tolerance_ms"` // Inter-sample gap that resets the stream (default: 250)
	SegmentLength   int     `yaml:"segment_length"`   // Welch segment length in samples (default: 256)
	ChannelMode     string  `yaml:"channel_mode"`     // "mean" or "single"
	Channel         int     `yaml:"channel"`          // Channel index when channel_mode is "single"
}

// QualityConfig contains artifact gate thresholds
type QualityConfig struct {
	SaturationLimit    float64 `yaml:"saturation_limit"`     // ADC rail magnitude in device units
	SaturationRun      int     `yaml:"saturation_run"`       // Consecutive railed samples that reject a window
	FlatlineVariance   float64 `yaml:"flatline_variance"`    // Variance floor below which a channel is flat
	NoiseFloorHz       float64 `yaml:"noise_floor_hz"`       // Energy above this frequency counts as noise
	NoiseRatioDegraded float64 `yaml:"noise_ratio_degraded"` // Noise/total ratio marking a window degraded
	NoiseRatioRejected float64 `yaml:"noise_ratio_rejected"` // Noise/total ratio rejecting a window
}

// ControllerYAML contains hysteresis and safety settings
type ControllerYAML struct {
	StartZThreshold        float64 `yaml:"start_z_threshold"`        // Start stimulus when z drops below (default: -0.5)
	StopZThreshold         float64 `yaml:"stop_z_threshold"`         // Stop stimulus when z rises above (default: -0.3)
	MaxEntrainmentSec      int     `yaml:"max_entrainment_sec"`      // Continuous stimulus ceiling (default: 300)
	MinCooldownSec         int     `yaml:"min_cooldown_sec"`         // Pause after stopping (default: 30)
	MaxConsecutiveRejected int     `yaml:"max_consecutive_rejected"` // Rejected metrics before fail-safe stop (default: 5)
	RequiredOkStreak       int     `yaml:"required_ok_streak"`       // Consecutive ok metrics needed to start (0 = any usable)
}

// CalibrationConfig contains resting-state baseline settings
type CalibrationConfig struct {
	DurationSec     int     `yaml:"duration_sec"`      // Resting-state capture length (default: 120)
	MinValidWindows int     `yaml:"min_valid_windows"` // Usable windows required for a baseline (default: 30)
	MinVariance     float64 `yaml:"min_variance"`      // Band power variance floor
	BaselinePath    string  `yaml:"baseline_path"`     // Baseline artifact location (default: data/baseline.json)
}

// StimulusConfig contains tone generation and sink settings
type StimulusConfig struct {
	SinkType      string  `yaml:"sink_type"`      // "websocket", "tone" or "log"
	SinkURL       string  `yaml:"sink_url"`       // WebSocket sink URL
	SampleRate    float64 `yaml:"sample_rate"`    // Audio rate for the local tone sink (default: 8000)
	CarrierHz     float64 `yaml:"carrier_hz"`     // Audible carrier (default: 250)
	EntrainmentHz float64 `yaml:"entrainment_hz"` // Pulse rate, typically inside the target band (default: 6)
	Volume        float64 `yaml:"volume"`         // Output level in [0,1] (default: 0.5)
	RampFraction  float64 `yaml:"ramp_fraction"`  // Pulse envelope ramp as a fraction of the on-phase (default: 0.05)
}

// PrometheusConfig contains metrics endpoint settings
type PrometheusConfig struct {
	Enabled      bool     `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics

	allowedNets []*net.IPNet // Parsed CIDR networks (internal use)
}

// MQTTConfig contains MQTT metrics publishing settings
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`          // Enable/disable MQTT publishing
	Broker          string `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string `yaml:"username"`         // MQTT authentication username
	Password        string `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string `yaml:"topic_prefix"`     // Topic prefix for all payloads
	PublishInterval int    `yaml:"publish_interval"` // Metric publishing interval in seconds
	QoS             byte   `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool   `yaml:"retain"`           // Retain flag for MQTT messages
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used for every field absent from
// the YAML file. LoadConfig unmarshals the file on top of it, so an explicit
// zero in the file survives instead of being mistaken for "unset".
func DefaultConfig() *Config {
	gate := dsp.DefaultGateParams()
	cal := DefaultCalibratorConfig()
	return &Config{
		Server: ServerConfig{
			Listen:         ":8090",
			MaxSessions:    4,
			ActivityLogDir: "data/session_activity",
		},
		Source: SourceConfig{
			Type:           "synthetic",
			SampleRate:     256,
			NumChannels:    4,
			NoiseAmplitude: 2.0,
		},
		Band: BandConfig{Label: "theta", LowHz: 4, HighHz: 8, MainsHz: 50, MainsQ: 30},
		Pipeline: PipelineConfig{
			WindowSeconds:   2,
			OverlapFraction: 0.5,
			GapToleranceMs:  250,
			SegmentLength:   256,
			ChannelMode:     "mean",
		},
		Quality: QualityConfig{
			SaturationLimit:    gate.SaturationLimit,
			SaturationRun:      gate.SaturationRun,
			FlatlineVariance:   gate.FlatlineVariance,
			NoiseFloorHz:       gate.NoiseFloorHz,
			NoiseRatioDegraded: gate.NoiseRatioDegraded,
			NoiseRatioRejected: gate.NoiseRatioRejected,
		},
		Controller: ControllerYAML{
			StartZThreshold:        -0.5,
			StopZThreshold:         -0.3,
			MaxEntrainmentSec:      300,
			MinCooldownSec:         30,
			MaxConsecutiveRejected: 5,
		},
		Calibration: CalibrationConfig{
			DurationSec:     120,
			MinValidWindows: cal.MinValidWindows,
			MinVariance:     cal.MinVariance,
			BaselinePath:    "data/baseline.json",
		},
		Stimulus: StimulusConfig{
			SinkType:      "log",
			SampleRate:    8000,
			CarrierHz:     250,
			EntrainmentHz: 6,
			Volume:        0.5,
			RampFraction:  0.05,
		},
		MQTT:    MQTTConfig{PublishInterval: 5, TopicPrefix: "flowstate"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads the configuration file over the defaults and validates it
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.MaxSessions < 1 {
		return fmt.Errorf("server.max_sessions must be at least 1")
	}
	switch c.Source.Type {
	case "synthetic":
	case "websocket":
		if c.Source.URL == "" {
			return fmt.Errorf("source.url is required for websocket sources")
		}
	default:
		return fmt.Errorf("source.type must be synthetic or websocket, got %q", c.Source.Type)
	}
	if c.Source.SampleRate < 64 {
		return fmt.Errorf("source.sample_rate must be at least 64")
	}
	if c.Source.NumChannels < 1 {
		return fmt.Errorf("source.num_channels must be at least 1")
	}
	if c.Band.LowHz <= 0 || c.Band.HighHz <= c.Band.LowHz {
		return fmt.Errorf("band edges must satisfy 0 < low_hz < high_hz")
	}
	if c.Band.HighHz >= c.Source.SampleRate/2 {
		return fmt.Errorf("band.high_hz %.1f must sit below the Nyquist frequency %.1f",
			c.Band.HighHz, c.Source.SampleRate/2)
	}
	if c.Pipeline.WindowSeconds <= 0 {
		return fmt.Errorf("pipeline.window_seconds must be positive")
	}
	if c.Pipeline.OverlapFraction < 0 || c.Pipeline.OverlapFraction >= 1 {
		return fmt.Errorf("pipeline.overlap_fraction must be in [0, 1)")
	}
	switch c.Pipeline.ChannelMode {
	case "mean":
	case "single":
		if c.Pipeline.Channel < 0 || c.Pipeline.Channel >= c.Source.NumChannels {
			return fmt.Errorf("pipeline.channel %d out of range for %d channels",
				c.Pipeline.Channel, c.Source.NumChannels)
		}
	default:
		return fmt.Errorf("pipeline.channel_mode must be mean or single, got %q", c.Pipeline.ChannelMode)
	}
	if err := c.ControllerConfig().Validate(); err != nil {
		return err
	}
	switch c.Stimulus.SinkType {
	case "log", "tone", "websocket":
	default:
		return fmt.Errorf("stimulus.sink_type must be log, tone or websocket, got %q", c.Stimulus.SinkType)
	}
	if c.Stimulus.SinkType == "websocket" && c.Stimulus.SinkURL == "" {
		return fmt.Errorf("stimulus.sink_url is required for websocket sinks")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// ControllerConfig assembles the controller's runtime configuration
func (c *Config) ControllerConfig() ControllerConfig {
	return ControllerConfig{
		StartZThreshold:        c.Controller.StartZThreshold,
		StopZThreshold:         c.Controller.StopZThreshold,
		MaxEntrainment:         time.Duration(c.Controller.MaxEntrainmentSec) * time.Second,
		MinCooldown:            time.Duration(c.Controller.MinCooldownSec) * time.Second,
		MaxConsecutiveRejected: c.Controller.MaxConsecutiveRejected,
		RequiredOkStreak:       c.Controller.RequiredOkStreak,
		Tone: ToneParams{
			CarrierHz:     c.Stimulus.CarrierHz,
			EntrainmentHz: c.Stimulus.EntrainmentHz,
			Volume:        c.Stimulus.Volume,
		},
	}
}

// GateParams assembles the artifact gate's parameters
func (c *Config) GateParams() dsp.GateParams {
	return dsp.GateParams{
		SaturationLimit:    c.Quality.SaturationLimit,
		SaturationRun:      c.Quality.SaturationRun,
		FlatlineVariance:   c.Quality.FlatlineVariance,
		NoiseFloorHz:       c.Quality.NoiseFloorHz,
		NoiseRatioDegraded: c.Quality.NoiseRatioDegraded,
		NoiseRatioRejected: c.Quality.NoiseRatioRejected,
	}
}

// ChannelSelection assembles the spectral channel reduction
func (c *Config) ChannelSelection() dsp.ChannelSelection {
	if c.Pipeline.ChannelMode == "single" {
		return dsp.ChannelSelection{Reduce: dsp.ReduceSingle, Channel: c.Pipeline.Channel}
	}
	return dsp.ChannelSelection{Reduce: dsp.ReduceMean}
}

// WindowerParams assembles the streaming windower's parameters
func (c *Config) WindowerParams() dsp.WindowerParams {
	return dsp.WindowerParams{
		SampleRate:      c.Source.SampleRate,
		NumChannels:     c.Source.NumChannels,
		WindowLength:    time.Duration(c.Pipeline.WindowSeconds * float64(time.Second)),
		OverlapFraction: c.Pipeline.OverlapFraction,
		GapTolerance:    time.Duration(c.Pipeline.GapToleranceMs) * time.Millisecond,
		Chain: dsp.ChainParams{
			Band:       c.Band.Band(),
			SampleRate: c.Source.SampleRate,
			MainsHz:    c.Band.MainsHz,
			MainsQ:     c.Band.MainsQ,
		},
	}
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = nil
	for _, entry := range pc.AllowedHosts {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			ip := net.ParseIP(entry)
			if ip == nil {
				return fmt.Errorf("invalid IP or CIDR: %s", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		pc.allowedNets = append(pc.allowedNets, ipNet)
	}
	return nil
}

// IsIPAllowed checks whether a client may scrape the metrics endpoint.
// An empty allow list admits everyone.
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.allowedNets) == 0 {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
