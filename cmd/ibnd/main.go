// Command ibnd runs the intent-based network controller: it loads the
// device catalog, opens the durable store, wires the data-plane and
// device-plane enforcers, starts the orchestrator and feedback loop, and
// serves the HTTP API until terminated.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"gopkg.in/yaml.v3"

	"github.com/edge-ibn/ibnd/internal/api"
	"github.com/edge-ibn/ibnd/internal/catalog"
	"github.com/edge-ibn/ibnd/internal/compiler"
	"github.com/edge-ibn/ibnd/internal/core"
	"github.com/edge-ibn/ibnd/internal/dataplane"
	"github.com/edge-ibn/ibnd/internal/deviceplane"
	"github.com/edge-ibn/ibnd/internal/events"
	"github.com/edge-ibn/ibnd/internal/feedback"
	"github.com/edge-ibn/ibnd/internal/metrics"
	"github.com/edge-ibn/ibnd/internal/model"
	"github.com/edge-ibn/ibnd/internal/parser"
	"github.com/edge-ibn/ibnd/internal/store"
)

var version = "dev"

// Config is the controller's top-level YAML configuration.
type Config struct {
	Catalog struct {
		Dir string `yaml:"dir"`
	} `yaml:"catalog"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Dataplane struct {
		Iface string `yaml:"iface"`
		Mode  string `yaml:"mode"` // "real" | "dry" | "auto"
	} `yaml:"dataplane"`
	MQTT struct {
		Broker   string `yaml:"broker"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"mqtt"`
	API struct {
		Listen string `yaml:"listen"`
	} `yaml:"api"`
	Feedback struct {
		TickInterval      string  `yaml:"tick_interval"`
		LookbackWindow    string  `yaml:"lookback_window"`
		ToleranceFraction float64 `yaml:"tolerance_fraction"`
	} `yaml:"feedback"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Catalog.Dir == "" {
		return fmt.Errorf("catalog.dir is required")
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	return nil
}

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "configs/ibnd.yaml"
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
	logger.Info("ibnd starting", "version", version)

	cat, err := catalog.New(cfg.Catalog.Dir)
	if err != nil {
		logger.Error("load catalog", "err", err)
		os.Exit(1)
	}
	logger.Info("catalog loaded", "devices", len(cat.Devices()))

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	metricsReg := metrics.New()

	runner := dataplane.NewRunner(cfg.Dataplane.Mode, logger)
	dpEnforcer := dataplane.New(cat, runner, metricsReg, logger)

	var coreRef atomic.Pointer[core.Core]
	mqttClient, err := connectMQTT(cfg, logger, &coreRef)
	if err != nil {
		logger.Error("connect mqtt", "err", err)
		os.Exit(1)
	}
	defer mqttClient.Disconnect(250)

	devEnforcer := deviceplane.New(mqttClient, cat, metricsReg, logger,
		deviceplane.WithTelemetryHandler(func(sample model.MetricSample) {
			if err := db.AppendMetric(sample); err != nil {
				logger.Error("persist telemetry sample", "error", err)
			}
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := devEnforcer.Start(ctx); err != nil {
		logger.Error("start device-plane enforcer", "err", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	fbCfg, err := feedbackConfig(cfg)
	if err != nil {
		logger.Error("invalid feedback config", "err", err)
		os.Exit(1)
	}

	bus := events.New(logger)
	c := core.New(core.Deps{
		Catalog:     cat,
		Store:       db,
		Parser:      parser.New(cat),
		Compiler:    compiler.New(cat, cfg.Dataplane.Iface),
		Dataplane:   dpEnforcer,
		Deviceplane: devEnforcer,
		Events:      bus,
		Metrics:     metricsReg,
		Log:         logger,
		Feedback:    fbCfg,
		Iface:       cfg.Dataplane.Iface,
	})
	coreRef.Store(c)

	runCtx, runCancel := context.WithCancel(context.Background())
	if err := c.Start(runCtx); err != nil {
		logger.Error("start core", "err", err)
		runCancel()
		os.Exit(1)
	}

	apiServer := api.New(c, api.WithLogger(logger), api.WithMetrics(metricsReg))
	httpServer := &http.Server{
		Addr:         cfg.API.Listen,
		Handler:      apiServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("api server starting", "addr", cfg.API.Listen)
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
	apiServer.Stop()
	runCancel()
	c.Stop()

	logger.Info("goodbye")
}

// connectMQTT dials the broker and arranges for every applied device-plane
// policy to be reverified on reconnect. coreRef is set after Core exists,
// which is after the client this function returns is already in use by the
// device-plane enforcer, so the reconnect handler reads it through an
// atomic pointer rather than taking Core as a direct parameter.
func connectMQTT(cfg *Config, logger *slog.Logger, coreRef *atomic.Pointer[core.Core]) (pahomqtt.Client, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.MQTT.Broker).
		SetClientID("ibnd").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			logger.Info("mqtt connected", "broker", cfg.MQTT.Broker)
			if c := coreRef.Load(); c != nil {
				go c.ReverifyDevicePolicies(context.Background())
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}

func feedbackConfig(cfg *Config) (feedback.Config, error) {
	fb := feedback.DefaultConfig()
	if cfg.Feedback.TickInterval != "" {
		d, err := time.ParseDuration(cfg.Feedback.TickInterval)
		if err != nil {
			return feedback.Config{}, fmt.Errorf("feedback.tick_interval: %w", err)
		}
		fb.TickInterval = d
	}
	if cfg.Feedback.LookbackWindow != "" {
		d, err := time.ParseDuration(cfg.Feedback.LookbackWindow)
		if err != nil {
			return feedback.Config{}, fmt.Errorf("feedback.lookback_window: %w", err)
		}
		fb.LookbackWindow = d
	}
	if cfg.Feedback.ToleranceFraction != 0 {
		fb.ToleranceFraction = cfg.Feedback.ToleranceFraction
	}
	return fb, nil
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
	if cfg.Store.Path == "" {
		cfg.Store.Path = "ibnd.db"
	}
	if cfg.Dataplane.Iface == "" {
		cfg.Dataplane.Iface = "eth0"
	}
	if cfg.Dataplane.Mode == "" {
		cfg.Dataplane.Mode = "auto"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8080"
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
