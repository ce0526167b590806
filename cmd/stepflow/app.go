package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/songzhibin97/stepflow/backoff"
	"github.com/songzhibin97/stepflow/config"
	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/logging"
	"github.com/songzhibin97/stepflow/middleware"
	"github.com/songzhibin97/stepflow/storage"
	"github.com/songzhibin97/stepflow/templates"
	"github.com/songzhibin97/stepflow/workflow"
)

// app is one configured engine plus the resources it owns.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *workflow.Engine
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logOutput io.Writer) (*app, error) {
	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: logOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	opts, err := engineOptions(cfg, logger, store)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	engine, err := workflow.NewEngine(opts...)
	if err != nil {
		_ = a.close(ctx)
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.engine = engine

	if err := templates.RegisterBuiltins(engine); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	if dir := cfg.Templates.Dir; dir != "" {
		registered, err := templates.RegisterDir(engine, dir)
		if err != nil {
			_ = a.close(ctx)
			return nil, err
		}
		logger.Debug("loaded workflow definitions", slog.String("dir", dir), slog.Any("types", registered))
	}

	engine.SubscribeEvent(events.WorkflowStatusChanged, events.EventHandlerFunc(func(_ context.Context, ev events.Event) error {
		logger.Info("workflow status changed",
			slog.String("workflow_id", ev.WorkflowID),
			slog.Any("from", ev.Data["from"]),
			slog.Any("to", ev.Data["to"]))
		return nil
	}))
	return a, nil
}

func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	sc := a.cfg.Store
	switch sc.Backend {
	case "", "memory":
		return storage.NewMemoryStorage(), nil
	case "redis":
		codec, err := storage.CodecByName(sc.Redis.Codec)
		if err != nil {
			return nil, err
		}
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         sc.Redis.Addr,
			Password:     sc.Redis.Password,
			DB:           sc.Redis.DB,
			PoolSize:     sc.Redis.PoolSize,
			MinIdleConns: sc.Redis.MinIdleConns,
			IdleTimeout:  sc.Redis.IdleTimeout,
			KeyPrefix:    sc.Redis.KeyPrefix,
			Codec:        codec,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "postgres":
		store, err := storage.OpenPostgresStorage(ctx, sc.Postgres.DSN, sc.Postgres.Table)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

func engineOptions(cfg *config.Config, logger *slog.Logger, store storage.Store) ([]workflow.Option, error) {
	ec := cfg.Engine
	policy, err := workflow.ParsePolicy(ec.MissingHandlerPolicy)
	if err != nil {
		return nil, err
	}

	var strategy backoff.Strategy = backoff.NewExponential(ec.BackoffUnit, ec.BackoffMax)
	if ec.BackoffJitter {
		strategy = backoff.NewExponentialWithJitter(ec.BackoffUnit, ec.BackoffMax)
	}

	opts := []workflow.Option{
		workflow.WithStore(store),
		workflow.WithLogger(logger),
		workflow.WithMissingHandlerPolicy(policy),
		workflow.WithDefaultMaxRetries(ec.DefaultMaxRetries),
		workflow.WithBackoff(strategy),
		workflow.WithStepTimeout(ec.StepTimeout),
		workflow.WithMaxConcurrency(ec.MaxConcurrency),
		workflow.WithMiddleware(
			middleware.Logging(logger),
			middleware.Tracing(),
			middleware.Metrics(),
		),
	}
	switch ec.IDScheme {
	case "uuid":
		opts = append(opts, workflow.WithUUIDs())
	default:
		opts = append(opts, workflow.WithMachineID(ec.MachineID))
	}
	return opts, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Stop(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
