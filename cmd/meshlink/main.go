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

	"meshlink/internal/link"
	"meshlink/internal/mesh"
	"meshlink/internal/quality"
	"meshlink/internal/store"
	"meshlink/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Link struct {
		Kind   string `yaml:"kind"` // "serial" or "tcp"
		Device string `yaml:"device"`
		Baud   int    `yaml:"baud"`
		Addr   string `yaml:"addr"`
	} `yaml:"link"`
	Radio struct {
		Preset         string `yaml:"preset"`
		AdminIndex     uint32 `yaml:"admin_index"`
		AdminTimeout   string `yaml:"admin_timeout"`
		HistoryMinutes uint32 `yaml:"history_minutes"`
		Heartbeat      string `yaml:"heartbeat"`
	} `yaml:"radio"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Link.Kind {
	case "serial":
		if c.Link.Device == "" {
			return fmt.Errorf("link.device is required for a serial link")
		}
	case "tcp":
		if c.Link.Addr == "" {
			return fmt.Errorf("link.addr is required for a tcp link")
		}
	}
	if c.Radio.AdminIndex > 7 {
		return fmt.Errorf("radio.admin_index must be 0-7, got %d", c.Radio.AdminIndex)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
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

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("meshlink starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Pick the radio transport based on config
	dial, err := makeDialer(cfg, logger)
	if err != nil {
		logger.Error("configure radio link", "err", err)
		os.Exit(1)
	}

	events := mesh.NewEventBus(logger)
	manager := mesh.NewManager(dial, db, events, mesh.Config{
		Preset:            quality.ParsePreset(cfg.Radio.Preset),
		AdminIndex:        cfg.Radio.AdminIndex,
		AdminTimeout:      parseDurationConfig(cfg.Radio.AdminTimeout, "radio.admin_timeout", logger),
		HistoryMinutes:    cfg.Radio.HistoryMinutes,
		HeartbeatInterval: parseDurationConfig(cfg.Radio.Heartbeat, "radio.heartbeat", logger),
	}, logger)

	// Start the mesh manager. The first dial is synchronous so a wrong
	// device path or unreachable radio fails the start.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := manager.Start(ctx); err != nil {
		logger.Error("start mesh manager", "err", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(manager, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(manager, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT uplink (no-op when built with no_mqtt tag).
	mqtt := initMQTT(manager, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	manager.Stop()

	logger.Info("goodbye")
}

func makeDialer(cfg *Config, logger *slog.Logger) (mesh.Dialer, error) {
	switch cfg.Link.Kind {
	case "serial":
		device, baud := cfg.Link.Device, cfg.Link.Baud
		logger.Info("using serial link", "device", device, "baud", baud)
		return func(_ context.Context) (link.Transport, error) {
			return link.DialSerial(device, baud)
		}, nil
	case "tcp":
		addr := cfg.Link.Addr
		logger.Info("using tcp link", "addr", addr)
		return func(_ context.Context) (link.Transport, error) {
			return link.DialTCP(addr)
		}, nil
	default:
		return nil, fmt.Errorf("unknown link kind: %q (supported: serial, tcp)", cfg.Link.Kind)
	}
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
	if cfg.Link.Kind == "" {
		cfg.Link.Kind = "serial"
	}
	if cfg.Link.Baud == 0 {
		cfg.Link.Baud = 115200
	}
	if cfg.Radio.Preset == "" {
		cfg.Radio.Preset = "long_fast"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "meshlink.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "meshlink"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// parseDurationConfig returns zero for an empty value, leaving the
// manager's own default in force.
func parseDurationConfig(value, name string, logger *slog.Logger) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("invalid duration, using default", "key", name, "value", value)
		return 0
	}
	return d
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
