package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher manages MQTT publishing of metrics and controller events
type MQTTPublisher struct {
	client mqtt.Client
	config *MQTTConfig
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// TransitionPayload represents a controller phase change for MQTT
type TransitionPayload struct {
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "flowstated_" + hex.EncodeToString(bytes)
}

// NewMQTTPublisher creates a new MQTT publisher
func NewMQTTPublisher(config *MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return &MQTTPublisher{
		client: client,
		config: config,
	}, nil
}

// StartPublisher starts the background metric publishing goroutine
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	go func() {
		interval := time.Duration(mp.config.PublishInterval) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Printf("MQTT: Publishing metrics every %v to prefix '%s'", interval, mp.config.TopicPrefix)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mp.publishAllMetrics()
			}
		}
	}()
}

// publishAllMetrics gathers the Prometheus registry and republishes the
// flowstate metric families over MQTT, grouped by band label.
func (mp *MQTTPublisher) publishAllMetrics() {
	timestamp := time.Now().Unix()

	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	bandMetrics := make(map[string]map[string]float64)
	systemMetrics := make(map[string]float64)

	for _, mf := range metricFamilies {
		metricName := mf.GetName()
		if !strings.HasPrefix(metricName, "flowstate_") {
			continue
		}

		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}

			labels := make(map[string]string)
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}

			if band, hasBand := labels["band"]; hasBand {
				if bandMetrics[band] == nil {
					bandMetrics[band] = make(map[string]float64)
				}
				bandMetrics[band][metricName] = value
			} else {
				name := metricName
				for k, v := range labels {
					name = name + "_" + k + "_" + v
				}
				systemMetrics[name] = value
			}
		}
	}

	for band, metrics := range bandMetrics {
		mp.publish(fmt.Sprintf("%s/band/%s", mp.config.TopicPrefix, band), MetricPayload{
			Timestamp: timestamp,
			Metrics:   metrics,
			Labels:    map[string]string{"band": band},
		})
	}
	mp.publish(fmt.Sprintf("%s/system", mp.config.TopicPrefix), MetricPayload{
		Timestamp: timestamp,
		Metrics:   systemMetrics,
	})
}

// extractMetricValue pulls the numeric value out of a metric sample
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// PublishTransition publishes a controller phase change immediately
func (mp *MQTTPublisher) PublishTransition(sessionID string, tr Transition) {
	payload := TransitionPayload{
		Timestamp: tr.At.Unix(),
		SessionID: sessionID,
		From:      tr.From.String(),
		To:        tr.To.String(),
		Reason:    tr.Reason,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal transition: %v", err)
		return
	}
	topic := fmt.Sprintf("%s/transitions", mp.config.TopicPrefix)
	token := mp.client.Publish(topic, mp.config.QoS, false, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}

// publish sends a payload to an MQTT topic
func (mp *MQTTPublisher) publish(topic string, payload MetricPayload) {
	if len(payload.Metrics) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}

// Disconnect closes the MQTT connection
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
