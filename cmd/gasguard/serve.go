package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gasguard/internal/alerts"
	"gasguard/internal/api"
	"gasguard/internal/assets"
	"gasguard/internal/chain"
	"gasguard/internal/clock"
	"gasguard/internal/config"
	"gasguard/internal/detect"
	"gasguard/internal/events"
	"gasguard/internal/evidence"
	"gasguard/internal/ingest"
	"gasguard/internal/liveness"
	"gasguard/internal/logging"
	"gasguard/internal/metrics"
	"gasguard/internal/panel"
	"gasguard/internal/storage"
	"gasguard/internal/watchdog"
)

const (
	alertHistory    = 1000
	detectorTimeout = 5 * time.Second
	probeInterval   = 10 * time.Second
)

func runServe(cmd *cobra.Command, _ []string) error {
	mgr, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.Admin.LogLevel, cfg.Admin.LogFormat)
	loc, err := cfg.Location()
	if err != nil {
		logger.Warn("unknown timezone, using local time", "timezone", cfg.UI.Timezone, "err", err)
		loc = time.Local
	}

	if err := os.MkdirAll(cfg.Env.DataDir, 0o755); err != nil {
		return err
	}

	sigCtx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	clk := clock.System{}
	m := metrics.New()
	bus := events.NewBus()
	history := alerts.NewStore(alertHistory)
	signals := watchdog.NewSignals(cfg.Env.DataDir)

	store := openStore(ctx, cfg, logger)
	if store != nil {
		defer store.Close()
	}

	reg := panel.NewRegistry(panel.OptionsFromConfig(cfg), panel.Deps{
		Clock:   clk,
		Sink:    store,
		Bus:     bus,
		History: history,
		Metrics: m,
		Logger:  logger.With("component", "panel"),
	})
	dispatcher := ingest.NewDispatcher(reg, cfg.Listen.Lanes, cfg.Listen.ChannelBuffer, m, logger)
	ticker := liveness.New(reg, signals, bus, clk, m, logger.With("component", "liveness"), liveness.Options{
		BlinkInterval:     cfg.UI.BlinkInterval,
		HeartbeatInterval: cfg.Watchdog.HeartbeatInterval,
		Location:          loc,
	})

	var (
		det     detect.Detector = detect.Unavailable{}
		httpDet *detect.HTTPDetector
	)
	if cfg.Camera.DetectorURL != "" {
		httpDet = detect.NewHTTPDetector(cfg.Camera.DetectorURL, detectorTimeout, logger)
		det = httpDet
	}
	runner := detect.NewRunner(det, detect.NewTracker(cfg.Camera.TrackIdle), cfg.Camera.DetectInterval, clk, m, logger)

	photoDir := filepath.Join(cfg.Env.DataDir, evidence.PhotoDir)
	chainLog := chain.New(photoDir, clk, m, logger)
	var audit evidence.AuditSink
	if store != nil {
		audit = store
	}
	writer := evidence.NewWriter(photoDir, chainLog, audit, evidence.WriterOptions{
		Compose:  evidence.DefaultComposeOptions(),
		Location: loc,
		Licensed: func() bool { return mgr.Get().Admin.Licensed },
	}, clk, m, logger)
	saver := evidence.NewSaver(writer, bus)

	srv := api.NewServer(api.Deps{
		Config:   mgr,
		Registry: reg,
		History:  history,
		Store:    store,
		Chain:    chainLog,
		Catalog:  assets.NewCatalog(cfg.Env.DataDir),
		Saver:    saver,
		Detector: runner,
		Bus:      bus,
		Metrics:  m,
		Ingest:   ingest.NewRESTHandler(dispatcher),
		Clock:    clk,
		Logger:   logger,
		Version:  version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	if cfg.Listen.TCPAddr != "" {
		tcp := ingest.NewTCPServer(cfg.Listen.TCPAddr, dispatcher, logger)
		g.Go(func() error { return tcp.Serve(gctx) })
	}
	if cfg.Listen.UDPAddr != "" {
		g.Go(func() error { return ingest.ServeUDP(gctx, cfg.Listen.UDPAddr, dispatcher, logger) })
	}
	if cfg.Listen.MQTTBroker != "" {
		src := ingest.NewMQTTSource(ingest.MQTTOptions{
			Broker:   cfg.Listen.MQTTBroker,
			Topic:    cfg.Listen.MQTTTopic,
			ClientID: cfg.Listen.MQTTClientID,
		}, dispatcher, logger)
		g.Go(func() error { return src.Serve(gctx) })
	}
	if len(cfg.Listen.KafkaBrokers) > 0 && cfg.Listen.KafkaTopic != "" {
		opts := ingest.KafkaOptions{
			Brokers: cfg.Listen.KafkaBrokers,
			Topic:   cfg.Listen.KafkaTopic,
			GroupID: cfg.Listen.KafkaGroup,
		}
		g.Go(func() error { return ingest.ServeKafka(gctx, opts, dispatcher, logger) })
	}
	g.Go(func() error { return ticker.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	if httpDet != nil {
		g.Go(func() error {
			httpDet.Watch(gctx, probeInterval)
			return nil
		})
	}
	g.Go(func() error {
		return mgr.Watch(gctx, func(next *config.Config) {
			reg.UpdateOptions(panel.OptionsFromConfig(next))
			logger.Info("config reloaded", "path", mgr.Path())
			if listenChanged(cfg.Listen, next.Listen) {
				logger.Warn("listener settings changed, restarting")
				_ = signals.Raise(watchdog.Restart)
				cancel()
			}
		}, func(err error) {
			logger.Error("config reload failed", "err", err)
		})
	})
	api.Start(gctx, cfg.Listen.HTTPAddr, srv.Handler(), logger)

	runErr := g.Wait()
	logger.Info("shutting down")
	if !saver.Wait(cfg.Watchdog.ExitWait) {
		logger.Warn("evidence saves still running at exit", "waited", cfg.Watchdog.ExitWait)
	}
	_ = signals.Remove(watchdog.ManagerHeartbeat)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("stopped with error", "err", runErr)
		return runErr
	}
	_ = signals.Raise(watchdog.NormalExit)
	return nil
}

// openStore opens the configured store. The appliance keeps running without
// persistence when it cannot.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) storage.Store {
	primary, err := storage.NewStore(cfg.Env)
	if err != nil {
		logger.Error("store unavailable, running without persistence", "driver", cfg.Env.DBDriver, "err", err)
		return nil
	}
	if primary == nil {
		return nil
	}
	if err := primary.Init(ctx); err != nil {
		logger.Error("store init failed, running without persistence", "driver", cfg.Env.DBDriver, "err", err)
		_ = primary.Close()
		return nil
	}
	return storage.NewInfluxMirror(primary, cfg.Env, logger)
}

func listenChanged(a, b config.ListenConfig) bool {
	return !reflect.DeepEqual(a, b)
}
