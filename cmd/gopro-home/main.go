package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"gopro-go-home/internal/ble"
	"gopro-go-home/internal/camera"
	"gopro-go-home/internal/discovery"
	"gopro-go-home/internal/httpcam"
	"gopro-go-home/internal/store"
	"gopro-go-home/internal/trigger"
	"gopro-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Camera struct {
		Name      string `yaml:"name" toml:"name"`
		Transport string `yaml:"transport" toml:"transport"` // "ble" or "http"
		BLE       struct {
			Port    string `yaml:"port" toml:"port"`
			Baud    int    `yaml:"baud" toml:"baud"`
			Address string `yaml:"address" toml:"address"`
		} `yaml:"ble" toml:"ble"`
		HTTP struct {
			Mode             string `yaml:"mode" toml:"mode"` // "wifi", "usb" or "custom"
			BaseURL          string `yaml:"base_url" toml:"base_url"`
			DiscoveryTimeout string `yaml:"discovery_timeout" toml:"discovery_timeout"`
		} `yaml:"http" toml:"http"`
		CommandTimeout    string `yaml:"command_timeout" toml:"command_timeout"`
		KeepAliveInterval string `yaml:"keep_alive_interval" toml:"keep_alive_interval"`
		ReconnectDelay    string `yaml:"reconnect_delay" toml:"reconnect_delay"`
	} `yaml:"camera" toml:"camera"`
	Web struct {
		Listen         string   `yaml:"listen" toml:"listen"`
		APIKey         string   `yaml:"api_key" toml:"api_key"`
		JWTSecret      string   `yaml:"jwt_secret" toml:"jwt_secret"`
		AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	} `yaml:"web" toml:"web"`
	Store struct {
		Path         string `yaml:"path" toml:"path"`
		HistoryLimit int    `yaml:"history_limit" toml:"history_limit"`
	} `yaml:"store" toml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled" toml:"enabled"`
		Broker      string `yaml:"broker" toml:"broker"`
		Username    string `yaml:"username" toml:"username"`
		Password    string `yaml:"password" toml:"password"`
		TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
		ClientID    string `yaml:"client_id" toml:"client_id"`
	} `yaml:"mqtt" toml:"mqtt"`
	Log struct {
		Level      string `yaml:"level" toml:"level"`
		Format     string `yaml:"format" toml:"format"`
		File       string `yaml:"file" toml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	} `yaml:"log" toml:"log"`
	Trigger struct {
		Enabled      bool   `yaml:"enabled" toml:"enabled"`
		Pin          int    `yaml:"pin" toml:"pin"`
		Mock         bool   `yaml:"mock" toml:"mock"`
		ActiveLow    bool   `yaml:"active_low" toml:"active_low"`
		Action       string `yaml:"action" toml:"action"`
		Debounce     string `yaml:"debounce" toml:"debounce"`
		PollInterval string `yaml:"poll_interval" toml:"poll_interval"`
	} `yaml:"trigger" toml:"trigger"`
	ScriptsDir string `yaml:"scripts_dir" toml:"scripts_dir"`
}

// durations holds the parsed duration strings of a Config.
type durations struct {
	commandTimeout   time.Duration
	keepAlive        time.Duration
	reconnectDelay   time.Duration
	discoveryTimeout time.Duration
	debounce         time.Duration
	pollInterval     time.Duration
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", field, s)
	}
	return d, nil
}

func (c *Config) durations() (durations, error) {
	var d durations
	var err error
	fields := []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"camera.command_timeout", c.Camera.CommandTimeout, &d.commandTimeout},
		{"camera.keep_alive_interval", c.Camera.KeepAliveInterval, &d.keepAlive},
		{"camera.reconnect_delay", c.Camera.ReconnectDelay, &d.reconnectDelay},
		{"camera.http.discovery_timeout", c.Camera.HTTP.DiscoveryTimeout, &d.discoveryTimeout},
		{"trigger.debounce", c.Trigger.Debounce, &d.debounce},
		{"trigger.poll_interval", c.Trigger.PollInterval, &d.pollInterval},
	}
	for _, f := range fields {
		if *f.dst, err = parseDuration(f.name, f.val); err != nil {
			return durations{}, err
		}
	}
	return d, nil
}

func (c *Config) validate() error {
	switch c.Camera.Transport {
	case "ble":
		if c.Camera.BLE.Port == "" {
			return fmt.Errorf("camera.ble.port is required for ble transport")
		}
		if c.Camera.BLE.Address == "" {
			return fmt.Errorf("camera.ble.address is required for ble transport")
		}
	case "http":
		switch c.Camera.HTTP.Mode {
		case "wifi", "usb":
		case "custom":
			if c.Camera.HTTP.BaseURL == "" {
				return fmt.Errorf("camera.http.base_url is required for custom mode")
			}
		default:
			return fmt.Errorf("camera.http.mode must be wifi, usb or custom, got %q", c.Camera.HTTP.Mode)
		}
	default:
		return fmt.Errorf("camera.transport must be ble or http, got %q", c.Camera.Transport)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Trigger.Enabled && c.Trigger.Pin <= 0 {
		return fmt.Errorf("trigger.pin is required when the trigger is enabled")
	}
	if _, err := c.durations(); err != nil {
		return err
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
	d, _ := cfg.durations()

	logger, logClose := newLogger(cfg)
	defer logClose()
	slog.SetDefault(logger)
	logger.Info("gopro-go-home starting", "version", version, "transport", cfg.Camera.Transport)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetHistoryLimit(cfg.Store.HistoryLimit)

	events := camera.NewEventBus(logger)
	cams := camera.NewManager(db, events, camera.Config{
		Name:              cfg.Camera.Name,
		KeepAliveInterval: d.keepAlive,
		CommandTimeout:    d.commandTimeout,
		ReconnectDelay:    d.reconnectDelay,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := newDialer(cfg, d, logger)
	go func() {
		if err := cams.Run(ctx, dial); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("camera manager", "err", err)
		}
	}()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(cams, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if cfg.Web.JWTSecret != "" {
		webOpts = append(webOpts, web.WithJWTSecret(cfg.Web.JWTSecret))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(cams, logger, webOpts...)

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

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(cams, cfg, logger)

	if cfg.Trigger.Enabled {
		if err := startTrigger(ctx, cams, cfg, d, logger); err != nil {
			logger.Error("gpio trigger", "err", err)
		}
	}

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
	cancel()
	cams.Stop()

	logger.Info("goodbye")
}

// newDialer returns the function the camera manager uses to (re)connect.
func newDialer(cfg *Config, d durations, logger *slog.Logger) camera.DialFunc {
	if cfg.Camera.Transport == "ble" {
		return func(ctx context.Context) (camera.Device, error) {
			return dialBLE(ctx, cfg, d, logger)
		}
	}
	return func(ctx context.Context) (camera.Device, error) {
		return dialHTTP(ctx, cfg, d, logger)
	}
}

func dialBLE(ctx context.Context, cfg *Config, d durations, logger *slog.Logger) (camera.Device, error) {
	bridge, err := ble.OpenSerialBridge(cfg.Camera.BLE.Port, cfg.Camera.BLE.Baud, logger)
	if err != nil {
		return nil, err
	}
	address := cfg.Camera.BLE.Address
	if err := bridge.Connect(ctx, address); err != nil {
		bridge.Close()
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	if err := bridge.Discover(ctx); err != nil {
		bridge.Close()
		return nil, fmt.Errorf("discover %s: %w", address, err)
	}
	var opts []ble.Option
	if d.commandTimeout > 0 {
		opts = append(opts, ble.WithTimeout(d.commandTimeout))
	}
	client, err := ble.NewClient(ctx, bridge, logger, opts...)
	if err != nil {
		bridge.Close()
		return nil, err
	}
	return camera.NewBLEDevice(client, address), nil
}

func dialHTTP(ctx context.Context, cfg *Config, d durations, logger *slog.Logger) (camera.Device, error) {
	var (
		client *httpcam.Client
		err    error
	)
	switch cfg.Camera.HTTP.Mode {
	case "wifi":
		client, err = httpcam.NewWiFi(logger)
	case "usb":
		findCtx, cancel := context.WithTimeout(ctx, d.discoveryTimeout)
		defer cancel()
		var base string
		base, err = discovery.FindCamera(findCtx, discovery.NewBrowser(), logger)
		if err != nil {
			return nil, err
		}
		client, err = httpcam.NewCustomAddress(base, logger)
	default:
		client, err = httpcam.NewCustomAddress(cfg.Camera.HTTP.BaseURL, logger)
	}
	if err != nil {
		return nil, err
	}
	return camera.NewHTTPDevice(client), nil
}

func startTrigger(ctx context.Context, cams *camera.Manager, cfg *Config, d durations, logger *slog.Logger) error {
	drv, err := trigger.NewDriver(cfg.Trigger.Mock)
	if err != nil {
		return err
	}
	btn, err := trigger.NewButton(drv, cams, trigger.Config{
		Pin:          cfg.Trigger.Pin,
		ActiveLow:    cfg.Trigger.ActiveLow,
		Action:       cfg.Trigger.Action,
		Debounce:     d.debounce,
		PollInterval: d.pollInterval,
	}, logger)
	if err != nil {
		drv.Close()
		return err
	}
	go func() {
		defer drv.Close()
		if err := btn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("gpio trigger stopped", "err", err)
		}
	}()
	logger.Info("gpio trigger armed", "pin", cfg.Trigger.Pin, "action", cfg.Trigger.Action, "mock", cfg.Trigger.Mock)
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	cfg.Trigger.ActiveLow = true
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Camera.Transport == "" {
		cfg.Camera.Transport = "ble"
	}
	if cfg.Camera.BLE.Baud == 0 {
		cfg.Camera.BLE.Baud = 115200
	}
	if cfg.Camera.HTTP.Mode == "" {
		cfg.Camera.HTTP.Mode = "wifi"
	}
	if cfg.Camera.HTTP.DiscoveryTimeout == "" {
		cfg.Camera.HTTP.DiscoveryTimeout = "10s"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "gopro-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "gopro"
	}
	if cfg.Trigger.Action == "" {
		cfg.Trigger.Action = trigger.ActionToggle
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 10
	}
}

// newLogger builds the process logger. The returned func closes the log
// file, if any.
func newLogger(cfg *Config) (*slog.Logger, func()) {
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

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.Log.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}
		out = io.MultiWriter(os.Stdout, lj)
		closeFn = func() { lj.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeFn
}
