// Package config loads runtime configuration from the environment and the
// persisted settings file.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP listeners
	HTTPAddr    string
	MetricsAddr string

	// Persisted settings
	SettingsPath string

	// Engine parameters
	SlotCount           int
	BroadcastHeartbeat  time.Duration
	OccupancyTick       time.Duration
	SubscriberQueueSize int

	// MQTT ingestion (disabled when the broker is empty)
	MQTTBroker          string
	MQTTClientID        string
	MQTTUsername        string
	MQTTPassword        string
	MQTTInferenceTopic  string
	MQTTConnectionTopic string

	// Console liveness polling
	PlatformPollInterval time.Duration
	PlatformCallTimeout  time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		SettingsPath: getEnv("SETTINGS_PATH", "./settings.json"),

		SlotCount:           getEnvInt("SLOT_COUNT", 5),
		BroadcastHeartbeat:  getEnvDuration("BROADCAST_HEARTBEAT", 500*time.Millisecond),
		OccupancyTick:       getEnvDuration("OCCUPANCY_TICK", time.Second),
		SubscriberQueueSize: getEnvInt("SUBSCRIBER_QUEUE_SIZE", 8),

		MQTTBroker:          getEnv("MQTT_BROKER", ""),
		MQTTClientID:        getEnv("MQTT_CLIENT_ID", "people-monitor"),
		MQTTUsername:        getEnv("MQTT_USERNAME", ""),
		MQTTPassword:        getEnv("MQTT_PASSWORD", ""),
		MQTTInferenceTopic:  getEnv("MQTT_TOPIC_INFERENCE", "aitrios/+/inference"),
		MQTTConnectionTopic: getEnv("MQTT_TOPIC_CONNECTION", "aitrios/+/connection"),

		PlatformPollInterval: getEnvDuration("PLATFORM_POLL_INTERVAL", 10*time.Second),
		PlatformCallTimeout:  getEnvDuration("PLATFORM_CALL_TIMEOUT", 5*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return d
}
