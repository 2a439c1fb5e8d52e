// Package durablite runs durable orchestrations: plain Go functions whose
// progress is an append-only history, replayed from the start on every
// step so that they survive restarts without re-running finished
// activities.
package durablite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/davidroman0O/durablite/internal/executor"
	"github.com/davidroman0O/durablite/internal/io"
	"github.com/davidroman0O/durablite/internal/registry"
	"github.com/davidroman0O/durablite/internal/scheduler"
	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/internal/store/memory"
	"github.com/davidroman0O/durablite/internal/store/sqlite"
	"github.com/davidroman0O/durablite/pkg/logs"
)

// Durablite owns the store, the executor and the scheduler of one process.
type Durablite struct {
	cfg       config
	registry  *registry.Registry
	store     store.Store
	ownsStore bool
	executor  executor.Executor
	scheduler *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func New(ctx context.Context, build RegistryBuildFn, opts ...Option) (*Durablite, error) {
	cfg := config{
		codec:           io.CBOR,
		dispatchWorkers: 4,
		activityWorkers: 4,
		retryBase:       10 * time.Millisecond,
		retryMax:        time.Second,
		retryAttempts:   10,
		pollInterval:    time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = logs.NewDefaultLogger(slog.LevelInfo, logs.TextFormat)
	}
	if cfg.deadlockDetection != nil {
		deadlock.Opts.Disable = !*cfg.deadlockDetection
	}

	if build == nil {
		return nil, errors.New("a registry is required")
	}
	reg, err := build()
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	d := &Durablite{
		cfg:      cfg,
		registry: reg,
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := d.openStore(ctx); err != nil {
		cancel()
		return nil, err
	}

	d.executor = cfg.executor
	if d.executor == nil {
		d.executor = executor.NewLocal(reg,
			executor.WithWorkers(cfg.activityWorkers),
			executor.WithLogger(cfg.logger),
			executor.WithCodec(cfg.codec),
		)
	}

	d.scheduler = scheduler.New(d.store, reg, d.executor,
		scheduler.WithLogger(cfg.logger),
		scheduler.WithCodec(cfg.codec),
		scheduler.WithWorkers(cfg.dispatchWorkers),
		scheduler.WithRetry(cfg.retryBase, cfg.retryMax, cfg.retryAttempts),
		scheduler.WithPollInterval(cfg.pollInterval),
		scheduler.WithRecordLateOutcomes(cfg.recordLateOutcomes),
	)

	cfg.logger.Debug(ctx, "Starting scheduler", "workflows", reg.Workflows())
	if err := d.scheduler.Start(ctx); err != nil {
		cfg.logger.Error(ctx, "Error starting scheduler", "error", err)
		_ = d.scheduler.Close()
		_ = d.closeStore()
		cancel()
		return nil, err
	}
	return d, nil
}

func (d *Durablite) openStore(ctx context.Context) error {
	if d.cfg.store != nil {
		d.store = d.cfg.store
		return nil
	}
	d.ownsStore = true

	if d.cfg.path == nil {
		st, err := memory.New()
		if err != nil {
			return fmt.Errorf("failed to open memory store: %w", err)
		}
		d.store = st
		return nil
	}

	opts := []sqlite.Option{
		sqlite.WithPath(*d.cfg.path),
		sqlite.WithLogger(d.cfg.logger),
	}
	if d.cfg.destructive {
		opts = append(opts, sqlite.WithDestructive())
	}
	st, err := sqlite.New(ctx, opts...)
	if err != nil {
		d.cfg.logger.Error(ctx, "Error opening database", "path", *d.cfg.path, "error", err)
		return fmt.Errorf("failed to open sqlite store: %w", err)
	}
	d.store = st
	return nil
}

func (d *Durablite) closeStore() error {
	if !d.ownsStore || d.store == nil {
		return nil
	}
	return d.store.Close()
}

// Close stops the scheduler and the executor and closes the store it
// opened. Instances that are still running resume on the next New over the
// same store.
func (d *Durablite) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if err := d.scheduler.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := d.closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		d.cancel()
		d.closeErr = errors.Join(errs...)
		d.cfg.logger.Debug(context.Background(), "Engine closed", "error", d.closeErr)
	})
	return d.closeErr
}

// Workflows lists the registered orchestration names.
func (d *Durablite) Workflows() []string {
	return d.registry.Workflows()
}
