package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"devicebroker/internal/devicemgr"
	"devicebroker/internal/store"
	"devicebroker/internal/subtypemgr"
	"devicebroker/internal/transport"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// Config is the process-level configuration, loaded from a YAML file.
type Config struct {
	SpecVersion uint32 `yaml:"spec_version"`
	Transport   struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"transport"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled        bool   `yaml:"enabled"`
		Broker         string `yaml:"broker"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		DiscoveryTopic string `yaml:"discovery_topic"`
		ScanWindow     string `yaml:"scan_window"`
	} `yaml:"mqtt"`
	Serial struct {
		Enabled  bool `yaml:"enabled"`
		BaudRate int  `yaml:"baud_rate"`
	} `yaml:"serial"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Transport.Listen == "" {
		return fmt.Errorf("transport.listen is required")
	}
	return nil
}

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("devicebroker starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	mgr := devicemgr.New(devicemgr.Config{SpecVersion: cfg.SpecVersion, Logger: logger})
	recordScanEvents(mgr, db, logger)

	registerSubtypeManagers(mgr, cfg, db, logger)

	webServer := transport.NewServer(mgr, logger, transport.WithAllowedOrigins(cfg.Transport.AllowedOrigins))
	mux := http.NewServeMux()
	webServer.Routes(mux)

	httpServer := &http.Server{
		Addr:         cfg.Transport.Listen,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("transport listening", "addr", cfg.Transport.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	mgr.Shutdown(shutdownCtx)

	logger.Info("goodbye")
}

// recordScanEvents writes a best-effort audit trail of scan completions
// (each outbound ScanningFinished) to the store; scan starts are not
// recorded. Failures are logged but never affect scanning.
func recordScanEvents(mgr *devicemgr.Manager, db *store.BoltStore, logger *slog.Logger) {
	mgr.Events.On(devicemgr.EventScanningFinished, func(devicemgr.Event) {
		if err := db.AppendScanEvent(&store.ScanEvent{At: time.Now(), Outcome: "finished"}); err != nil {
			logger.Warn("record scan event", "err", err)
		}
	})
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Transport.Listen == "" {
		cfg.Transport.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "devicebroker.db"
	}
	if cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = 115200
	}
	if cfg.MQTT.DiscoveryTopic == "" {
		cfg.MQTT.DiscoveryTopic = "devicebroker/+/announce"
	}
	if cfg.MQTT.ScanWindow == "" {
		cfg.MQTT.ScanWindow = "5s"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// registerSubtypeManagers wires every enabled backend as an auto-load
// factory rather than adding it eagerly, so the Starting-suppression path
// is exercised the same way on every process's first StartScanning call.
func registerSubtypeManagers(mgr *devicemgr.Manager, cfg *Config, db *store.BoltStore, logger *slog.Logger) {
	if cfg.Serial.Enabled {
		mgr.RegisterFactory(func() (devicemgr.SubtypeManager, error) {
			_ = db.SaveManagerConfig(&store.ManagerConfig{Kind: "serial", AddedAt: time.Now()})
			return subtypemgr.NewSerialManager(cfg.Serial.BaudRate, logger), nil
		})
	}
	registerMQTT(mgr, cfg, db, logger)
}
