package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/evhome/zapbridge/internal/blob"
	"github.com/evhome/zapbridge/internal/config"
	"github.com/evhome/zapbridge/internal/mqtt"
	"github.com/evhome/zapbridge/internal/ratelimit"
	"github.com/evhome/zapbridge/internal/server"
	"github.com/evhome/zapbridge/internal/zaptec"
)

// rediscoveryInterval re-runs account discovery so chargers added or moved
// in the vendor portal get picked up without a restart. The constants
// catalog refreshes on the same cycle.
const rediscoveryInterval = 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("bridge failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	limiter := ratelimit.New(cfg.Zaptec.RateLimitRequests, cfg.Zaptec.RateLimitWindow)

	client, err := zaptec.NewClient(zaptec.ClientOptions{
		BaseURL:        cfg.Zaptec.BaseURL,
		TokenURL:       cfg.Zaptec.TokenURL,
		Username:       cfg.Zaptec.Username,
		Password:       cfg.Zaptec.Password,
		Limiter:        limiter,
		Logger:         logger,
		RetryAttempts:  cfg.Zaptec.RetryAttempts,
		RequestTimeout: cfg.Zaptec.RequestTimeout,
	})
	if err != nil {
		return err
	}

	cache := zaptec.NewCache(logger, nil)
	catalog := zaptec.NewCatalog(logger)
	bridge := zaptec.NewBridge(client, cache, catalog, logger)
	bridge.SetDiscoveryFilter(cfg.Zaptec.Devices, cfg.Zaptec.NamePrefix)

	if err := client.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := bridge.Build(ctx); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	scheduler := zaptec.NewScheduler(bridge, cache, zaptec.SchedulerOptions{
		IdleInterval:         cfg.Polling.IdleInterval,
		ChargingInterval:     cfg.Polling.ChargingInterval,
		InfoInterval:         cfg.Polling.InfoInterval,
		FirmwareInterval:     cfg.Polling.FirmwareInterval,
		FailureRetryInterval: cfg.Polling.FailureRetry,
		MaxFailureStreak:     cfg.Polling.MaxFailureStreak,
	}, logger)
	bridge.SetConfirmer(scheduler)
	trackAll(scheduler, cache)

	if cfg.MQTT.Enabled {
		handler, err := mqtt.NewHandler(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer handler.Close()
		bridge.SetPublisher(handler)
		if err := handler.SubscribeCommands(&commandAdaptor{bridge: bridge, cache: cache}); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(ratelimit.MetricsCollectors()...)
	registry.MustRegister(zaptec.MetricsCollectors()...)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "zapbridge_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", server.HealthHandler)
	httpMux.Handle("/metrics", server.MetricsHandler(registry))
	httpMux.Handle("/diagnostics", server.DiagnosticsHandler(bridge))
	httpServer := server.NewHTTPServer(cfg.HTTP.Addr, httpMux)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Server.Shutdown(shutdownCtx)
	}()

	go rediscoveryLoop(ctx, bridge, scheduler, cache, logger)

	if cfg.Blob.Enabled {
		store, err := blob.NewS3Store(blob.Options{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			Prefix:    cfg.Blob.Prefix,
			UseSSL:    cfg.Blob.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("blob: %w", err)
		}
		restoreSnapshot(ctx, store, cache, logger)
		go snapshotLoop(ctx, store, bridge, cfg.Blob.Interval, logger)
	}

	logger.Info("bridge running", zap.String("http", cfg.HTTP.Addr))
	scheduler.Run(ctx)
	logger.Info("bridge stopped")
	return nil
}

func trackAll(scheduler *zaptec.Scheduler, cache *zaptec.Cache) {
	for _, dev := range cache.Devices() {
		switch dev.Kind {
		case zaptec.KindCharger:
			scheduler.Track(dev.ID, zaptec.PollState, zaptec.PollInfo)
		case zaptec.KindInstallation:
			scheduler.Track(dev.ID, zaptec.PollInfo, zaptec.PollFirmware)
		}
	}
}

func rediscoveryLoop(ctx context.Context, bridge *zaptec.Bridge, scheduler *zaptec.Scheduler, cache *zaptec.Cache, logger *zap.Logger) {
	ticker := time.NewTicker(rediscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bridge.Build(ctx); err != nil {
				logger.Warn("rediscovery failed", zap.Error(err))
				continue
			}
			trackAll(scheduler, cache)
		}
	}
}

// restoreSnapshot pre-seeds the cache from the last mirrored snapshot so
// attribute values are served before the first poll cycle lands. Devices no
// longer present on the account are skipped.
func restoreSnapshot(ctx context.Context, store blob.Store, cache *zaptec.Cache, logger *zap.Logger) {
	data, err := store.Load(ctx, "latest")
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return
		}
		logger.Warn("snapshot restore failed", zap.Error(err))
		return
	}
	var snaps []zaptec.DeviceSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		logger.Warn("snapshot restore decode failed", zap.Error(err))
		return
	}
	restored := 0
	for _, snap := range snaps {
		if _, known := cache.Device(snap.ID); !known {
			continue
		}
		cache.Merge(snap.ID, snap.Attributes)
		restored++
	}
	logger.Info("snapshot restored", zap.Int("devices", restored))
}

func snapshotLoop(ctx context.Context, store blob.Store, bridge *zaptec.Bridge, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(bridge.Snapshot())
			if err != nil {
				logger.Warn("snapshot encode failed", zap.Error(err))
				continue
			}
			if err := store.Save(ctx, "latest", data); err != nil {
				logger.Warn("snapshot mirror failed", zap.Error(err))
				continue
			}
			logger.Debug("snapshot mirrored", zap.Int("bytes", len(data)))
		}
	}
}

// commandAdaptor maps MQTT payloads onto the bridge surface. Settings on an
// installation are treated as limit writes; settings on a charger go through
// the whitelist.
type commandAdaptor struct {
	bridge *zaptec.Bridge
	cache  *zaptec.Cache
}

func (a *commandAdaptor) HandleCommand(deviceID, command string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return a.bridge.IssueCommand(ctx, deviceID, zaptec.Command(command))
}

func (a *commandAdaptor) HandleSettings(deviceID string, settings map[string]any) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dev, ok := a.cache.Device(deviceID)
	if !ok {
		return fmt.Errorf("unknown device %s", deviceID)
	}
	if dev.Kind == zaptec.KindInstallation {
		return a.handleInstallationSettings(ctx, deviceID, settings)
	}
	return a.handleChargerSettings(ctx, deviceID, settings)
}

func (a *commandAdaptor) handleInstallationSettings(ctx context.Context, id string, settings map[string]any) error {
	rest := make(map[string]any, len(settings))
	for key, raw := range settings {
		if key != "three_to_one_phase_switch_current" {
			rest[key] = raw
			continue
		}
		value, ok := toFloat(raw)
		if !ok {
			return fmt.Errorf("setting %q is not numeric", key)
		}
		if err := a.bridge.SetThreeToOnePhaseSwitchCurrent(ctx, id, value); err != nil {
			return err
		}
	}
	if len(rest) == 0 {
		return nil
	}
	limit, err := parseLimit(rest)
	if err != nil {
		return err
	}
	return a.bridge.SetInstallationLimit(ctx, id, limit)
}

func (a *commandAdaptor) handleChargerSettings(ctx context.Context, id string, settings map[string]any) error {
	rest := make(map[string]any, len(settings))
	for key, raw := range settings {
		switch key {
		case "permanent_cable_lock":
			locked, ok := raw.(bool)
			if !ok {
				return fmt.Errorf("setting %q is not a boolean", key)
			}
			if err := a.bridge.SetCableLock(ctx, id, locked); err != nil {
				return err
			}
		case "hmi_brightness":
			value, ok := toFloat(raw)
			if !ok {
				return fmt.Errorf("setting %q is not numeric", key)
			}
			if err := a.bridge.SetHmiBrightness(ctx, id, value); err != nil {
				return err
			}
		default:
			rest[key] = raw
		}
	}
	if len(rest) == 0 {
		return nil
	}
	return a.bridge.SetChargerSettings(ctx, id, rest)
}

func parseLimit(settings map[string]any) (zaptec.InstallationLimit, error) {
	var limit zaptec.InstallationLimit
	for key, raw := range settings {
		value, ok := toFloat(raw)
		if !ok {
			return limit, fmt.Errorf("limit %q is not numeric", key)
		}
		switch key {
		case "available_current":
			limit.Total = &value
		case "available_current_phase1":
			limit.Phase1 = &value
		case "available_current_phase2":
			limit.Phase2 = &value
		case "available_current_phase3":
			limit.Phase3 = &value
		default:
			return limit, fmt.Errorf("unknown installation setting %q", key)
		}
	}
	return limit, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
