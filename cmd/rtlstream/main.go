// Package main runs the real-time location stream manager.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/rtlstream/config"
	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/geofence"
	"github.com/c360/rtlstream/health"
	"github.com/c360/rtlstream/history"
	"github.com/c360/rtlstream/liveness"
	"github.com/c360/rtlstream/metric"
	"github.com/c360/rtlstream/natsclient"
	"github.com/c360/rtlstream/notify"
	"github.com/c360/rtlstream/registry"
	"github.com/c360/rtlstream/server"
	"github.com/c360/rtlstream/session"
	"github.com/c360/rtlstream/store"
	"github.com/c360/rtlstream/store/sqlite"
	"github.com/c360/rtlstream/zone"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rtlstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	slog.Info("Starting rtlstream",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	err = app.server.Run(ctx)
	slog.Info("rtlstream shutdown complete")
	return err
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// app is the wired process. close releases resources in reverse order of
// acquisition.
type app struct {
	server  *server.Server
	closers []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	metrics := metric.NewMetricsRegistry()
	monitor := health.NewMonitor(appName)

	db, err := sqlite.Open(cfg.Store.SQLitePath, sqlite.Config{
		BusyTimeout:  cfg.Store.BusyTimeout.D(),
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	a.onClose(func() { _ = db.Close() })
	monitor.Register("store", func(ctx context.Context) health.Status {
		if err := db.Ping(ctx); err != nil {
			return health.NewUnhealthy("store", err.Error())
		}
		return health.NewHealthy("store", "")
	})

	nc, err := connectNATS(ctx, cfg.NATS, logger, metrics)
	if err != nil {
		return nil, err
	}
	if nc != nil {
		a.onClose(func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := nc.Close(closeCtx); err != nil {
				slog.Warn("NATS close failed", "error", err)
			}
		})
		monitor.Register("nats", func(context.Context) health.Status {
			st := nc.GetStatus()
			var h health.Status
			switch {
			case nc.IsHealthy():
				h = health.NewHealthy("nats", "")
			case st.Status == natsclient.StatusReconnecting.String():
				h = health.NewDegraded("nats", "reconnecting")
			default:
				h = health.NewUnhealthy("nats", st.Status)
			}
			return h.With("reconnects", st.Reconnects).With("failures", st.FailureCount)
		})
	}

	notifier, err := buildNotifier(ctx, cfg, nc, logger, metrics, a)
	if err != nil {
		return nil, err
	}

	appender, err := buildHistory(ctx, cfg, db, nc, logger, metrics, monitor, a)
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.Config{DeliveryTimeout: cfg.Registry.DeliveryTimeout.D()}, registry.Deps{
		Logger:  logger.With("component", "registry"),
		Metrics: registry.NewMetrics(metrics),
	})
	pipeline := session.NewPipeline(reg, appender, logger.With("component", "pipeline"))

	zoneCfg := zone.DefaultConfig()
	zoneCfg.Geofence = geofence.Config{
		RaiseOnFirstEncounter: cfg.Geofence.RaiseOnFirstEncounter,
		SubjectStateMax:       cfg.Geofence.SubjectStateMax,
		SubjectStateTTL:       cfg.Geofence.SubjectStateTTL.D(),
	}
	zones := zone.NewManager(zoneCfg, zone.Deps{
		Store:    db,
		Listener: pipeline,
		Notifier: notifier,
		Logger:   logger.With("component", "zone"),
		Metrics:  geofence.NewMetrics(metrics),
	})

	var bus server.BusSubscriber
	if nc != nil {
		bus = nc
	}
	a.server, err = server.New(serverConfig(cfg), server.Deps{
		Registry: reg,
		Pipeline: pipeline,
		Zones:    zones,
		Bus:      bus,
		Health:   monitor,
		Metrics:  metrics,
		Logger:   logger.With("component", "server"),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger, metrics *metric.MetricsRegistry) (*natsclient.Client, error) {
	if !cfg.Enabled() {
		slog.Info("NATS disabled, running without bus ingest or bus notifications")
		return nil, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger.With("component", "natsclient")),
		natsclient.WithMetrics(metrics),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait.D()),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			slog.Info("NATS health changed", "healthy", healthy)
		}),
	}
	if cfg.ClientName != "" {
		opts = append(opts, natsclient.WithName(cfg.ClientName))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	nc, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "urls", len(cfg.URLs))
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		_ = nc.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nc, nil
}

// buildNotifier fans trigger firings out to every configured bus. It
// returns nil when no bus is configured.
func buildNotifier(
	ctx context.Context,
	cfg *config.Config,
	nc *natsclient.Client,
	logger *slog.Logger,
	metrics *metric.MetricsRegistry,
	a *app,
) (geofence.Notifier, error) {
	var pubs notify.Multi
	if nc != nil {
		pubs = append(pubs, nc)
	}
	if cfg.Redis.Enabled() {
		rc, err := notify.NewRedis(ctx, notify.RedisConfig{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.onClose(func() { _ = rc.Close() })
		pubs = append(pubs, rc)
	}
	if len(pubs) == 0 {
		return nil, nil
	}

	var p notify.Publisher = pubs
	if len(pubs) == 1 {
		p = pubs[0]
	}
	return notify.NewTriggerNotifier(p, cfg.NATS.TriggerSubjectPrefix,
		logger.With("component", "notify"), notify.NewMetrics(metrics)), nil
}

// buildHistory starts the history writer for the configured sink, or
// returns nil for the "none" sink.
func buildHistory(
	ctx context.Context,
	cfg *config.Config,
	db *sqlite.Store,
	nc *natsclient.Client,
	logger *slog.Logger,
	metrics *metric.MetricsRegistry,
	monitor *health.Monitor,
	a *app,
) (session.HistoryAppender, error) {
	var sink store.HistorySink
	switch cfg.History.Sink {
	case config.SinkNone:
		return nil, nil
	case config.SinkJetStream:
		if nc == nil {
			return nil, errors.WrapFatal(errors.ErrMissingConfig, "main", "buildHistory", "jetstream sink without NATS")
		}
		js, err := history.NewJetStream(ctx, nc, cfg.NATS.HistoryStream, cfg.NATS.HistorySubjectPrefix, cfg.NATS.HistoryMaxAge.D())
		if err != nil {
			return nil, fmt.Errorf("create history stream: %w", err)
		}
		sink = js
	default:
		sink = db
	}

	w := history.NewWriter(history.Config{
		Workers:      cfg.History.Workers,
		QueueSize:    cfg.History.QueueSize,
		WriteTimeout: cfg.History.WriteTimeout.D(),
	}, sink, logger.With("component", "history", "sink", cfg.History.Sink), metrics)
	if err := w.Start(context.Background()); err != nil {
		return nil, err
	}
	a.onClose(func() {
		if err := w.Stop(5 * time.Second); err != nil {
			slog.Warn("history writer did not drain", "error", err)
		}
	})

	monitor.Register("history", func(context.Context) health.Status {
		st := w.Stats()
		h := health.NewHealthy("history", "")
		if st.QueueSize > 0 && st.QueueDepth*10 >= st.QueueSize*9 {
			h = health.NewDegraded("history", "queue nearly full")
		}
		return h.With("queue_depth", st.QueueDepth).With("dropped", st.Dropped).With("failed", st.Failed)
	})
	return w, nil
}

func serverConfig(cfg *config.Config) server.Config {
	sc := session.DefaultConfig()
	sc.Liveness = liveness.Config{
		Interval:      cfg.Liveness.Interval.D(),
		AckTimeout:    cfg.Liveness.AckTimeout.D(),
		MaxViolations: cfg.Liveness.MaxViolations,
	}
	sc.MaxFrameRate = cfg.Server.MaxFrameRate
	sc.FrameBurst = cfg.Server.FrameBurst
	sc.MaxProtocolErrors = cfg.Server.MaxProtocolErrors
	sc.Redirects = cfg.Redirects

	return server.Config{
		HTTPAddr:          cfg.Server.HTTPAddr,
		TCPAddr:           cfg.Server.TCPAddr,
		ReadBufferSize:    cfg.Server.ReadBufferSize,
		WriteBufferSize:   cfg.Server.WriteBufferSize,
		MaxFrameSize:      cfg.Server.MaxFrameSize,
		WriteTimeout:      cfg.Server.WriteTimeout.D(),
		ShutdownTimeout:   cfg.Server.ShutdownTimeout.D(),
		ZoneSweepInterval: cfg.Server.ZoneSweepInterval.D(),
		PositionSubject:   cfg.NATS.PositionSubject,
		Session:           sc,
	}
}
