package ingest

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aitrios-samples/people-monitor/internal/logger"
)

// MQTTConfig holds the broker connection and topic layout for the MQTT
// ingestion transport.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// InferenceTopic carries detection payloads, one device per topic
	// segment, e.g. "aitrios/+/inference".
	InferenceTopic string

	// ConnectionTopic carries "connected"/"disconnected" events,
	// e.g. "aitrios/+/connection".
	ConnectionTopic string
}

// MQTTSource subscribes to the device topics and forwards messages to the
// adapter.
type MQTTSource struct {
	client  mqtt.Client
	config  MQTTConfig
	adapter *Adapter
}

// NewMQTTSource connects to the broker. Subscriptions are established by
// Start so a constructed source can be closed without ever subscribing.
func NewMQTTSource(config MQTTConfig, adapter *Adapter) (*MQTTSource, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("MQTT", "Connected to broker %s", config.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT", "Connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("ingest: connect to MQTT broker: %w", token.Error())
	}

	return &MQTTSource{client: client, config: config, adapter: adapter}, nil
}

// Start subscribes to the configured topics. An empty topic disables that
// subscription.
func (s *MQTTSource) Start() error {
	if s.config.InferenceTopic != "" {
		if err := s.subscribe(s.config.InferenceTopic, s.handleInference); err != nil {
			return fmt.Errorf("ingest: subscribe %s: %w", s.config.InferenceTopic, err)
		}
		logger.Info("MQTT", "Subscribed to inference topic: %s", s.config.InferenceTopic)
	}
	if s.config.ConnectionTopic != "" {
		if err := s.subscribe(s.config.ConnectionTopic, s.handleConnection); err != nil {
			return fmt.Errorf("ingest: subscribe %s: %w", s.config.ConnectionTopic, err)
		}
		logger.Info("MQTT", "Subscribed to connection topic: %s", s.config.ConnectionTopic)
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSource) Close() {
	s.client.Disconnect(250)
	logger.Info("MQTT", "Disconnected")
}

func (s *MQTTSource) subscribe(topic string, handler mqtt.MessageHandler) error {
	token := s.client.Subscribe(topic, 1, handler)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// handleInference accepts either the vendor JSON envelope or a raw binary
// detection payload. The two are distinguished by the leading byte: the
// envelope always starts with '{', a FlatBuffers buffer never does.
func (s *MQTTSource) handleInference(_ mqtt.Client, msg mqtt.Message) {
	deviceID := topicDeviceID(msg.Topic())
	if deviceID == "" {
		logger.Warn("MQTT", "No device id in topic: %s", msg.Topic())
		return
	}

	payload := msg.Payload()
	receivedAt := s.adapter.now()
	if len(payload) > 0 && payload[0] == '{' {
		_ = s.adapter.IngestEnvelope(deviceID, payload, receivedAt)
		return
	}
	_ = s.adapter.OnDetectionPayload(deviceID, payload, receivedAt)
}

func (s *MQTTSource) handleConnection(_ mqtt.Client, msg mqtt.Message) {
	deviceID := topicDeviceID(msg.Topic())
	if deviceID == "" {
		logger.Warn("MQTT", "No device id in topic: %s", msg.Topic())
		return
	}

	switch body := strings.TrimSpace(string(msg.Payload())); body {
	case "connected":
		s.adapter.OnConnectivityChange(deviceID, true)
	case "disconnected":
		s.adapter.OnConnectivityChange(deviceID, false)
	default:
		logger.Warn("MQTT", "Unknown connection event %q from %s", body, deviceID)
	}
}

// topicDeviceID extracts the device id from a topic shaped like
// "aitrios/{device_id}/inference".
func topicDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
