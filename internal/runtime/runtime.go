package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voicesearch/internal/bus"
	"github.com/loqalabs/voicesearch/internal/config"
	"github.com/loqalabs/voicesearch/internal/eventstore"
	"github.com/loqalabs/voicesearch/internal/live"
	"github.com/loqalabs/voicesearch/internal/natsserver"
	"github.com/loqalabs/voicesearch/internal/session"
	"golang.org/x/sync/errgroup"
)

// Version is stamped at build time.
var Version = "0.1.0-dev"

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	ctrl    *session.Controller
	service *session.Service
	hub     *live.Hub
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is done and then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if terr := tel.Shutdown(shutdownCtx); terr != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", terr.Error()))
		}
	}()

	if err := r.open(ctx); err != nil {
		r.close()
		return err
	}
	defer r.close()

	a := &api{
		ctrl:    r.ctrl,
		store:   r.store,
		live:    r.hub,
		metrics: tel.Handler(),
		ready:   r.healthy,
		log:     r.logger.With(slog.String("component", "http")),
	}
	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.Handler())
		servers = append(servers, &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("version", Version))

	return g.Wait()
}

func (r *Runtime) open(ctx context.Context) error {
	var err error
	if r.cfg.Bus.Enabled {
		r.nats, err = natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return err
		}
		busCfg := r.cfg.Bus
		if url := r.nats.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.ctrl, err = OpenController(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}

	r.service = session.NewService(ctx, r.ctrl, r.bus, r.store, r.cfg.STT.Language, r.cfg.Session.EventQueueSize, r.logger)
	if err := r.service.Start(); err != nil {
		return err
	}

	r.hub = live.NewHub(ctx, r.ctrl, r.logger)
	r.hub.Start()
	r.ctrl.Subscribe(r.hub.Publish)
	return nil
}

// close releases components in reverse order of open. The controller goes
// first so its shutdown event still reaches the journal.
func (r *Runtime) close() {
	if r.ctrl != nil {
		r.ctrl.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	return r.service == nil || r.service.Healthy()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	if !r.store.Enabled() {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
