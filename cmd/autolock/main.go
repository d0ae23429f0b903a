// v1
// cmd/autolock/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/hzj1203/BYD/internal/actuation"
	"github.com/hzj1203/BYD/internal/api"
	"github.com/hzj1203/BYD/internal/circuitbreaker"
	"github.com/hzj1203/BYD/internal/config"
	"github.com/hzj1203/BYD/internal/journal"
	"github.com/hzj1203/BYD/internal/metrics"
	"github.com/hzj1203/BYD/internal/models"
	"github.com/hzj1203/BYD/internal/monitor"
	"github.com/hzj1203/BYD/internal/proximity"
	"github.com/hzj1203/BYD/internal/remote"
	"github.com/hzj1203/BYD/internal/settings"
	"github.com/hzj1203/BYD/internal/signal"
	"github.com/hzj1203/BYD/internal/status"
)

const (
	httpShutdownTimeout    = 5 * time.Second
	journalShutdownTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	lg, logFile := config.InitLogger(cfg)
	lg.Info("autolock_start",
		"bind", cfg.HTTPBind,
		"signal", cfg.SignalMode,
		"poll", cfg.PollInterval,
		"errorBackoff", cfg.ErrorBackoff,
		"properties", cfg.PropertiesPath,
	)
	err = run(cfg, lg)
	if err != nil {
		lg.Error("autolock_exit", "error", err)
	} else {
		lg.Info("autolock_stopped")
	}
	_ = logFile.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, lg *slog.Logger) error {
	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	breakerCfg := circuitbreaker.Config{
		MaxFailures:   cfg.BreakerMaxFailures,
		ResetTimeout:  cfg.BreakerResetTimeout,
		OnStateChange: m.BreakerChanged,
	}

	store, err := settings.Open(cfg.SettingsPath, cfg.SettingsKey, lg.With("component", "settings"))
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	if err := store.LoadErr(); err != nil {
		lg.Warn("settings_fallback", "error", err)
	}
	board := status.NewBoard(cfg.StatusLocale, func() bool { return store.Snapshot().NotificationsEnabled })

	jr, err := openJournal(ctx, cfg, breakerCfg, m, lg)
	if err != nil {
		return err
	}
	jr.Start(context.Background())

	httpc := circuitbreaker.NewHTTPClient("vehicle-api", breakerCfg, "", &http.Client{Timeout: cfg.ActuationTimeout}, lg)
	m.SetCircuitBreakerState("vehicle-api", float64(circuitbreaker.Closed))
	vehicle, err := remote.New(remote.Options{
		BaseURL:   cfg.RemoteBaseURL,
		UserAgent: cfg.RemoteUserAgent,
		Source:    cfg.RemoteSource,
		StatusTTL: cfg.StatusCacheTTL,
		CacheObs:  m,
	}, httpc, lg.With("component", "remote"))
	if err != nil {
		return fmt.Errorf("remote client: %w", err)
	}

	disp := actuation.New(vehicle, store, actuation.Options{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseBackoff: cfg.RetryBaseBackoff,
		MaxBackoff:  cfg.RetryMaxBackoff,
		Timeout:     cfg.ActuationTimeout,
		Locale:      cfg.StatusLocale,
	}, lg.With("component", "actuation"), board, m, jr)

	deps := monitor.Deps{
		Settings:    store,
		Machine:     proximity.New(cfg.Staleness()),
		Dispatcher:  disp,
		Board:       board,
		Metrics:     m,
		Transitions: jr,
		Log:         lg,
	}
	switch cfg.SignalMode {
	case "sim":
		dev := models.NewDevice(cfg.SimDevice, cfg.SimDeviceName)
		deps.Poller = signal.NewScanPoller(signal.NewSimulator(dev, cfg.SimCycle, cfg.SimSeed))
		if store.TargetDevices().Len() == 0 {
			if err := store.AddTargetDevice(dev); err != nil {
				return fmt.Errorf("register simulated device: %w", err)
			}
			lg.Info("sim_device_registered", "device", dev.Label())
		}
	default:
		deps.Streamer = signal.NewMQTTSource(signal.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, lg.With("component", "mqtt"))
	}
	loop, err := monitor.NewLoop(deps, monitor.Options{
		PollInterval: cfg.PollInterval,
		ErrorBackoff: cfg.ErrorBackoff,
	})
	if err != nil {
		return err
	}

	health := api.NewHealthState()
	srv := &http.Server{
		Addr: cfg.HTTPBind,
		Handler: api.NewRouter(api.Deps{
			Health:   health,
			Board:    board,
			Settings: store,
			Control:  loop,
			Vehicle:  vehicle,
			Metrics:  m,
			Log:      lg.With("component", "api"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		lg.Info("http_listen", "addr", cfg.HTTPBind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("http_server_err", "error", err)
			stop()
		}
	}()

	go reloadOnHangup(ctx, store, lg)

	monCtx, cancelMon := context.WithCancel(ctx)
	defer cancelMon()
	monDone := make(chan error, 1)
	go func() { monDone <- loop.Run(monCtx) }()
	health.SetReady(true)

	<-ctx.Done()
	lg.Info("shutdown_start")
	health.SetReady(false)

	cancelMon()
	if err := <-monDone; err != nil {
		lg.Error("monitor_exit_err", "error", err)
	}

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelGrace()
	if err := disp.Shutdown(graceCtx); err != nil {
		lg.Warn("actuation_shutdown_err", "error", err)
	}

	jctx, cancelJ := context.WithTimeout(context.Background(), journalShutdownTimeout)
	defer cancelJ()
	if err := jr.Close(jctx); err != nil {
		lg.Warn("journal_close_err", "error", err)
	}

	hctx, cancelH := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelH()
	if err := srv.Shutdown(hctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func openJournal(ctx context.Context, cfg config.Config, brk circuitbreaker.Config, m *metrics.Metrics, lg *slog.Logger) (*journal.Journal, error) {
	var sinks []journal.Sink
	if cfg.JournalPath != "" {
		fs, err := journal.NewFileSink(cfg.JournalPath, lg)
		if err != nil {
			return nil, fmt.Errorf("journal file: %w", err)
		}
		sinks = append(sinks, fs)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kcfg := journal.KafkaConfig{
			Brokers:     cfg.KafkaBrokers,
			RecordTopic: cfg.RecordTopic,
			StateTopic:  cfg.StateTopic,
		}
		if err := journal.EnsureTopics(ctx, kcfg, cfg.TopicReplication, lg); err != nil {
			lg.Warn("kafka_topics_err", "error", err)
		}
		kb := circuitbreaker.New("journal-kafka", brk, nil, lg)
		m.SetCircuitBreakerState("journal-kafka", float64(circuitbreaker.Closed))
		ks, err := journal.NewKafkaSink(kcfg, kb, circuitbreaker.KafkaPolicy{
			Attempts: 3,
			Timeout:  5 * time.Second,
			Backoff:  500 * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("journal kafka: %w", err)
		}
		sinks = append(sinks, ks)
	}
	if len(sinks) == 0 {
		lg.Info("journal_disabled")
	}
	return journal.New(journal.Multi(sinks...), journal.Options{OnDrop: m.JournalDropped}, lg), nil
}

// reloadOnHangup re-reads the settings file on SIGHUP.
func reloadOnHangup(ctx context.Context, store *settings.Store, lg *slog.Logger) {
	hup := make(chan os.Signal, 1)
	ossignal.Notify(hup, syscall.SIGHUP)
	defer ossignal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := store.Reload(); err != nil {
				lg.Warn("settings_reload_err", "error", err)
				continue
			}
			lg.Info("settings_reloaded")
		}
	}
}
