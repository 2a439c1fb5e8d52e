// Package scheduler owns the instances of this process: it serializes
// dispatches per instance, persists what each replay pass produced and
// hands new activities to the executor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/sasha-s/go-deadlock"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidroman0O/durablite/internal/clock"
	"github.com/davidroman0O/durablite/internal/executor"
	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/io"
	"github.com/davidroman0O/durablite/internal/registry"
	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/internal/types"
	"github.com/davidroman0O/durablite/pkg/logs"
)

const tracerName = "github.com/davidroman0O/durablite/internal/scheduler"

type config struct {
	logger             logs.Logger
	codec              io.Codec
	workers            int
	retryBase          time.Duration
	retryMax           time.Duration
	retryAttempts      uint64
	pollInterval       time.Duration
	recordLateOutcomes bool
}

type Option func(*config)

func WithLogger(logger logs.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func WithCodec(codec io.Codec) Option {
	return func(c *config) {
		c.codec = codec
	}
}

// WithWorkers sets how many instances are dispatched in parallel.
func WithWorkers(workers int) Option {
	return func(c *config) {
		c.workers = workers
	}
}

// WithRetry bounds the retries of a dispatch that hit a version conflict
// or a store error.
func WithRetry(base, max time.Duration, attempts uint64) Option {
	return func(c *config) {
		c.retryBase = base
		c.retryMax = max
		c.retryAttempts = attempts
	}
}

// WithPollInterval sets how often the store is swept for unfinished
// instances no dispatch here is working on, and how often waiters re-read
// the store. Zero disables the sweep.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) {
		c.pollInterval = interval
	}
}

// WithRecordLateOutcomes appends activity outcomes that arrive after the
// instance ended. They are kept for audit and never replayed.
func WithRecordLateOutcomes(record bool) Option {
	return func(c *config) {
		c.recordLateOutcomes = record
	}
}

type Scheduler struct {
	cfg      config
	store    store.Store
	registry *registry.Registry
	executor executor.Executor
	tracer   trace.Tracer

	mu        deadlock.Mutex
	instances map[types.InstanceID]*instance

	queue *retrypool.Pool[*dispatchTask]
	clock *clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
}

func New(st store.Store, reg *registry.Registry, exec executor.Executor, opts ...Option) *Scheduler {
	cfg := config{
		logger:        logs.Noop(),
		codec:         io.CBOR,
		workers:       4,
		retryBase:     10 * time.Millisecond,
		retryMax:      time.Second,
		retryAttempts: 10,
		pollInterval:  time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		executor:  exec,
		tracer:    otel.Tracer(tracerName),
		instances: make(map[types.InstanceID]*instance),
	}
}

// Start launches the dispatch workers and the executor, then recovers the
// work a previous process left unfinished.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.executor.Start(s.ctx, s.OnActivityOutcome); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}

	workers := []retrypool.Worker[*dispatchTask]{}
	for i := 0; i < max(s.cfg.workers, 1); i++ {
		workers = append(workers, dispatchWorker{s})
	}
	s.queue = retrypool.New(s.ctx, workers,
		retrypool.WithAttempts[*dispatchTask](1), // dispatches retry with their own backoff
		retrypool.WithOnTaskFailure[*dispatchTask](s.onDispatchFailure),
		retrypool.WithPanicHandler[*dispatchTask](func(task *dispatchTask, v interface{}, stackTrace string) {
			s.cfg.logger.Error(s.ctx, "Dispatch worker panicked", "instanceID", task.id, "recovered", v, "stack", stackTrace)
		}),
	)

	if err := s.Recover(s.ctx); err != nil {
		return fmt.Errorf("failed to recover instances: %w", err)
	}

	if s.cfg.pollInterval > 0 {
		s.clock = clock.NewClock(s.ctx, s.cfg.pollInterval, func(err error) {
			s.cfg.logger.Error(s.ctx, "Error sweeping unfinished instances", "error", err)
		})
		s.clock.Add("sweep", clock.TickerFunc(s.sweep), clock.NonBlocking, clock.WithName("sweep"))
		s.clock.Start()
	}
	return nil
}

// Close stops sweeping, abandons running activities and dispatches, and
// releases waiters with ErrClosed. Unfinished work is recovered by the
// next Start on the same store.
func (s *Scheduler) Close() error {
	if s.cancel == nil {
		return nil
	}
	if s.clock != nil {
		s.clock.Stop()
	}
	var errs []error
	if err := s.executor.Close(); err != nil {
		errs = append(errs, fmt.Errorf("executor: %w", err))
	}
	s.cancel()
	if s.queue != nil {
		if err := s.queue.Close(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("dispatch queue: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Create stores a new instance of the named orchestration and queues its
// first dispatch.
func (s *Scheduler) Create(ctx context.Context, name string, id types.InstanceID, input []byte) (store.Instance, error) {
	if s.closed() {
		return store.Instance{}, types.ErrClosed
	}
	if _, err := s.registry.GetWorkflow(name); err != nil {
		return store.Instance{}, err
	}
	inst, err := s.store.CreateInstance(ctx, id, []history.Event{
		history.OrchestratorStarted(name, input, time.Now().UTC()),
	})
	if err != nil {
		return store.Instance{}, err
	}
	s.cfg.logger.Debug(ctx, "Instance created", "instanceID", id, "orchestration", name)
	s.Enqueue(id)
	return inst, nil
}

// Enqueue asks for a dispatch of id. Requests made while one is queued
// collapse into it; requests made while one runs queue exactly one more.
func (s *Scheduler) Enqueue(id types.InstanceID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryLocked(id)
	before := entry.state()
	if err := entry.fsm.Fire(TriggerEnqueue); err != nil {
		s.cfg.logger.Error(s.ctx, "Error enqueuing instance", "instanceID", id, "error", err)
		return
	}
	if before == StateIdle {
		s.submitLocked(id)
	}
}

func (s *Scheduler) submitLocked(id types.InstanceID) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Submit(&dispatchTask{id: id}); err != nil {
		s.cfg.logger.Debug(s.ctx, "Dispatch not queued", "instanceID", id, "error", err)
	}
}

type dispatchTask struct {
	id types.InstanceID
}

// dispatchWorker drains the dispatch queue.
type dispatchWorker struct {
	s *Scheduler
}

func (w dispatchWorker) Run(ctx context.Context, task *dispatchTask) error {
	return w.s.handle(ctx, task.id)
}

// onDispatchFailure logs a dispatch that ran out of retries. The instance
// stays in the store and the stalled sweep queues it again.
func (s *Scheduler) onDispatchFailure(controller retrypool.WorkerController[*dispatchTask], workerID int, worker retrypool.Worker[*dispatchTask], task *retrypool.TaskWrapper[*dispatchTask], err error) retrypool.DeadTaskAction {
	if s.ctx.Err() == nil {
		s.cfg.logger.Error(s.ctx, "Dispatch failed", "workerID", workerID, "error", err)
	}
	return retrypool.DeadTaskActionDoNothing
}

// handle runs one queued dispatch and requeues the instance if it was
// enqueued again meanwhile.
func (s *Scheduler) handle(ctx context.Context, id types.InstanceID) error {
	s.mu.Lock()
	entry := s.entryLocked(id)
	if err := entry.fsm.Fire(TriggerBegin); err != nil {
		s.mu.Unlock()
		s.cfg.logger.Error(ctx, "Error starting dispatch", "instanceID", id, "error", err)
		return nil
	}
	s.mu.Unlock()

	err := s.Dispatch(ctx, id)
	if err != nil && ctx.Err() == nil {
		err = fmt.Errorf("dispatch %s: %w", id, err)
	} else {
		err = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ferr := entry.fsm.Fire(TriggerFinish); ferr != nil {
		s.cfg.logger.Error(ctx, "Error finishing dispatch", "instanceID", id, "error", ferr)
		return err
	}
	if entry.state() == StateQueued {
		s.submitLocked(id)
	} else {
		s.forgetLocked(entry)
	}
	return err
}

// hold returns the entry of id and keeps it in the table until drop.
func (s *Scheduler) hold(id types.InstanceID) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(id)
	entry.holds++
	return entry
}

func (s *Scheduler) drop(entry *instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.holds--
	s.forgetLocked(entry)
}

func (s *Scheduler) entryLocked(id types.InstanceID) *instance {
	entry, ok := s.instances[id]
	if !ok {
		entry = newInstance(id)
		s.instances[id] = entry
	}
	return entry
}

// idle reports whether no dispatch of id is queued or running here.
func (s *Scheduler) idle(id types.InstanceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.instances[id]
	return !ok || entry.state() == StateIdle
}

func (s *Scheduler) closed() bool {
	return s.ctx == nil || s.ctx.Err() != nil
}

// backoff is the retry schedule of dispatches and appends.
func (s *Scheduler) backoff() retry.Backoff {
	b := retry.NewExponential(s.cfg.retryBase)
	b = retry.WithCappedDuration(s.cfg.retryMax, b)
	return retry.WithMaxRetries(s.cfg.retryAttempts, b)
}

// retryable marks version conflicts and store failures for another
// attempt; missing instances and registrations are final.
func retryable(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrOrchestrationNotRegistered),
		errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return retry.RetryableError(err)
	}
}
