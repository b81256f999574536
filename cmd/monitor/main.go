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

	"github.com/aitrios-samples/people-monitor/internal/config"
	"github.com/aitrios-samples/people-monitor/internal/hub"
	"github.com/aitrios-samples/people-monitor/internal/ingest"
	"github.com/aitrios-samples/people-monitor/internal/logger"
	"github.com/aitrios-samples/people-monitor/internal/metrics"
	"github.com/aitrios-samples/people-monitor/internal/monitor"
	"github.com/aitrios-samples/people-monitor/internal/platform"
	"github.com/aitrios-samples/people-monitor/internal/server"
	"github.com/aitrios-samples/people-monitor/internal/state"
)

var (
	// Command-line flags override the environment
	httpAddr     = flag.String("http", "", "HTTP server address (overrides HTTP_ADDR)")
	metricsAddr  = flag.String("metrics", "", "Metrics server address (overrides METRICS_ADDR)")
	settingsPath = flag.String("settings", "", "Settings file path (overrides SETTINGS_PATH)")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor     = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	cfg := config.Load()
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *settingsPath != "" {
		cfg.SettingsPath = *settingsPath
	}

	logger.Info("Main", "People monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	m := metrics.New()
	store := state.NewStore(cfg.SlotCount, state.DefaultVacancyTimeout)
	mon := monitor.New(store, m, cfg.OccupancyTick)
	adapter := ingest.NewAdapter(store, m)
	h := hub.New(mon.Snapshot, cfg.BroadcastHeartbeat, cfg.SubscriberQueueSize, m)
	store.SetOnChange(h.Notify)

	settingsStore := config.NewSettingsStore(cfg.SettingsPath, cfg.SlotCount)
	settings, err := settingsStore.Load()
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}
	if err := mon.ApplySettings(settings); err != nil {
		logger.Warn("Main", "Some persisted settings were rejected: %v", err)
	}

	// The console client is an external integration: a deployment that
	// links one in registers it via platform.RegisterFactory, and the
	// persisted credentials activate it here. Without one the engine
	// runs on pushed payloads alone.
	consoleClient := platform.NewClient(settings.ClientID, settings.ClientSecret)

	var mqttSource *ingest.MQTTSource
	if cfg.MQTTBroker != "" {
		mqttSource, err = ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:          cfg.MQTTBroker,
			ClientID:        cfg.MQTTClientID,
			Username:        cfg.MQTTUsername,
			Password:        cfg.MQTTPassword,
			InferenceTopic:  cfg.MQTTInferenceTopic,
			ConnectionTopic: cfg.MQTTConnectionTopic,
		}, adapter)
		if err != nil {
			log.Fatalf("Failed to connect MQTT source: %v", err)
		}
		if err := mqttSource.Start(); err != nil {
			log.Fatalf("Failed to subscribe MQTT topics: %v", err)
		}
	} else {
		logger.Info("Main", "MQTT ingestion disabled (no broker configured)")
	}

	var poller *platform.Poller
	if _, unconfigured := consoleClient.(platform.Unconfigured); !unconfigured {
		poller = platform.NewPoller(consoleClient, store, cfg.PlatformPollInterval, cfg.PlatformCallTimeout)
		poller.Start()
	} else {
		logger.Info("Main", "Console polling disabled (client not configured)")
	}

	srv := server.New(mon, store, adapter, h, settingsStore, consoleClient, cfg.PlatformCallTimeout)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler()}

	go func() {
		logger.Info("Main", "Starting metrics server on %s", cfg.MetricsAddr)
		if err := m.StartServer(cfg.MetricsAddr); err != nil {
			logger.Error("Main", "Metrics server error: %v", err)
		}
	}()

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	mon.Start()
	h.Start()

	logger.Info("Main", "Monitor started (%d slots, heartbeat %s)", cfg.SlotCount, cfg.BroadcastHeartbeat)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")

	if mqttSource != nil {
		mqttSource.Close()
	}
	if poller != nil {
		poller.Stop()
	}
	mon.Stop()
	h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped")
}
