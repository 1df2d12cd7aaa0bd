// Package app wires the Meerkat server runtime: config, logging, persistence, HTTP routes and
// the document gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/luce-labs/meerkat/cmd/internal/cluster"
	"github.com/luce-labs/meerkat/cmd/internal/metrics"
	"github.com/luce-labs/meerkat/cmd/internal/notify"
	"github.com/luce-labs/meerkat/cmd/internal/persistence"
	"github.com/luce-labs/meerkat/cmd/internal/realtime"
)

// App is the Meerkat server runtime. It owns the HTTP server, the document registry and the
// resources behind them.
type App struct {
	cfg     Config
	log     Logger
	metrics *metrics.Metrics

	store      persistence.Store
	closeStore func()

	registry *realtime.Registry
	handler  http.Handler

	relay       *cluster.Relay
	relayClient *redis.Client
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{cfg: cfg, log: log, metrics: metrics.New(), closeStore: func() {}}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.store, a.closeStore = st, closeStore

	opts := []realtime.RegistryOption{
		realtime.WithGC(cfg.GC),
		realtime.WithPresenceTimeout(cfg.PresenceTimeout),
		realtime.WithRegistryMetrics(a.metrics),
	}
	if st != nil {
		bopts := []persistence.BindingOption{
			persistence.WithTimeout(cfg.PersistenceTimeout),
			persistence.WithMetrics(a.metrics),
		}
		// Relayed instances share the store; compaction could drop an update another
		// instance appended that has not reached this one yet.
		if cfg.ClusterRedisURL != "" {
			bopts = append(bopts, persistence.WithoutCompaction())
		}
		binding := persistence.NewBinding(st, log, bopts...)
		opts = append(opts, realtime.WithPersistence(binding))
	}

	if cfg.CallbackURL != "" {
		hook, err := newHook(cfg, log, a.metrics)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		opts = append(opts, realtime.WithObserver(realtime.NotifyObserver(hook)))
		log.Info("notify.enabled", "url", cfg.CallbackURL)
	}

	if cfg.ClusterRedisURL != "" {
		ropts, err := redis.ParseURL(cfg.ClusterRedisURL)
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("cluster redis url: %w", err)
		}
		a.relayClient = redis.NewClient(ropts)
		a.relay = cluster.NewRelay(a.relayClient, cfg.ClusterChannel, a.lookupReady, log,
			cluster.WithMetrics(a.metrics))
		opts = append(opts, realtime.WithObserver(func(d *realtime.Document) func() {
			return a.relay.Observe(d)
		}))
	}

	a.registry = realtime.NewRegistry(log, opts...)

	server := realtime.NewServer(log, a.registry, realtime.ServerConfig{
		HeartbeatInterval:  cfg.HeartbeatInterval,
		WriteTimeout:       cfg.WriteTimeout,
		SendQueueSize:      cfg.SendQueueSize,
		PresenceRateEvents: cfg.PresenceRateEvents,
		PresenceRateWindow: cfg.PresenceRateWindow,
	}, a.metrics)

	gateway := realtime.NewWSGateway(log, server, realtime.GatewayConfig{
		AllowedOrigins:  cfg.AllowedOrigins,
		OriginRequired:  cfg.OriginRequired,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})

	rt := routes{log: log, gateway: gateway}
	if cfg.MetricsEnabled {
		rt.metrics = a.metrics.Handler()
	}
	if p, ok := st.(persistence.Pinger); ok {
		rt.ready = append(rt.ready, readinessCheck{name: "persistence", check: p.Ping})
	}
	if a.relayClient != nil {
		rt.ready = append(rt.ready, readinessCheck{name: "cluster", check: func(ctx context.Context) error {
			return a.relayClient.Ping(ctx).Err()
		}})
	}
	a.handler = WithRequestLogging(WithSecurityHeaders(newRouter(rt)), log)

	return a, nil
}

func newHook(cfg Config, log Logger, m *metrics.Metrics) (*notify.Hook, error) {
	objects, err := notify.ParseObjects(cfg.CallbackObjects)
	if err != nil {
		return nil, err
	}
	return notify.New(notify.Config{
		URL:     cfg.CallbackURL,
		Timeout: cfg.CallbackTimeout,
		Wait:    cfg.CallbackWait,
		MaxWait: cfg.CallbackMaxWait,
		Objects: objects,
	}, log, notify.WithMetrics(m))
}

// lookupReady returns a live, fully loaded document for the relay.
func (a *App) lookupReady(name string) (cluster.Document, bool) {
	d, ok := a.registry.Lookup(name)
	if !ok {
		return nil, false
	}
	select {
	case <-d.Ready():
		return d, true
	default:
		return nil, false
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the document registry.
func (a *App) Registry() *realtime.Registry { return a.registry }

// Run starts the HTTP server and blocks until ctx is done or the server fails. On the way out
// it closes every connection and writes every live document.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"persistence", a.store != nil,
		"notify", a.cfg.CallbackURL != "",
		"cluster", a.relay != nil,
		"gc", a.cfg.GC,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.relay != nil {
		g.Go(func() error {
			if err := a.relay.Run(gctx); err != nil {
				a.log.Error("cluster.relay.fail", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")
		return a.shutdown(srv)
	})

	return g.Wait()
}

func (a *App) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 30*time.Second))
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		errs = append(errs, err)
	}

	// Websocket sessions are hijacked, so Shutdown does not wait for them.
	if err := a.registry.Close(ctx); err != nil {
		a.log.Error("registry.close.fail", "err", err)
		errs = append(errs, err)
	}

	a.closeStore()
	if a.relayClient != nil {
		_ = a.relayClient.Close()
	}

	a.log.Info("server.stopped")
	return errors.Join(errs...)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
