// Command brains hosts the runtime as an HTTP service: store, LLM
// provider, scheduler, and the API surface, wired from brains.toml.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/lumenlabs/brains"
	"github.com/lumenlabs/brains/internal/config"
	"github.com/lumenlabs/brains/observer"
	"github.com/lumenlabs/brains/provider/gemini"
	"github.com/lumenlabs/brains/server"
	"github.com/lumenlabs/brains/store/postgres"
	"github.com/lumenlabs/brains/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("brains exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load(os.Getenv("BRAINS_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store.
	var store brains.Store
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = postgres.New(pool)
	default:
		st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		defer st.Close()
		store = st
	}
	if err := store.Init(ctx); err != nil {
		return err
	}

	// Tracing.
	tracer := brains.Tracer(nil)
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		tracer = observer.NewTracer()
	}

	opts := []brains.RuntimeOption{
		brains.WithLogger(logger),
		brains.WithServices(&brains.Services{Resources: store, Secrets: store, Pages: store}),
		brains.WithLLMGate(brains.NewLLMGate(int64(cfg.LLM.MaxConcurrent))),
		brains.WithHeartbeatInterval(time.Duration(cfg.Server.HeartbeatSeconds) * time.Second),
	}
	if tracer != nil {
		opts = append(opts, brains.WithTracer(tracer))
	}
	if cfg.LLM.APIKey != "" {
		opts = append(opts, brains.WithLLM(gemini.New(cfg.LLM.APIKey, cfg.LLM.Model)))
	}

	rt := brains.NewRuntime(store, opts...)
	defer rt.Close()

	// Brains registered by the embedding application would go here; the
	// bare host serves whatever was registered via init hooks.

	if err := rt.Recover(ctx); err != nil {
		return err
	}

	var sched *brains.Scheduler
	if cfg.Scheduler.Enabled {
		sched = brains.NewScheduler(rt,
			brains.WithSchedulerInterval(time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second),
			brains.WithSchedulerLogger(logger),
		)
	}

	srv := server.New(rt, sched, store,
		server.WithLogger(logger),
		server.WithBaseURL(cfg.Server.BaseURL),
	)
	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Router()}

	g, gctx := errgroup.WithContext(ctx)
	if sched != nil {
		g.Go(func() error { return sched.Start(gctx) })
	}
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
