// Package executor is the Activity Executor boundary and the in-process
// implementation that runs registered activities on a worker pool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/io"
	"github.com/davidroman0O/durablite/internal/registry"
	"github.com/davidroman0O/durablite/internal/types"
	"github.com/davidroman0O/durablite/pkg/logs"
)

const tracerName = "github.com/davidroman0O/durablite/internal/executor"

const idlePoll = 5 * time.Millisecond

// ActivityRequest is one scheduled activity, identified by its instance and
// sequence number.
type ActivityRequest struct {
	InstanceID types.InstanceID
	Sequence   int
	Name       string
	Input      []byte
}

// Outcome is what an execution reports back: Output, or Failure when the
// activity failed.
type Outcome struct {
	InstanceID types.InstanceID
	Sequence   int
	Output     []byte
	Failure    *history.Failure
}

// Event turns the outcome into the history event that records it.
func (o Outcome) Event() history.Event {
	if o.Failure != nil {
		return history.ActivityFailed(o.Sequence, *o.Failure)
	}
	return history.ActivityCompleted(o.Sequence, o.Output)
}

// Reporter receives outcomes, from any goroutine.
type Reporter func(ctx context.Context, outcome Outcome)

// Executor runs activities asynchronously. Execute only enqueues; the
// outcome reaches the Reporter given to Start.
type Executor interface {
	Start(ctx context.Context, report Reporter) error
	Execute(ctx context.Context, req ActivityRequest) error
	Close() error
}

type key struct {
	instanceID types.InstanceID
	sequence   int
}

type config struct {
	workers int
	logger  logs.Logger
	codec   io.Codec
}

type Option func(*config)

func WithWorkers(workers int) Option {
	return func(c *config) {
		c.workers = workers
	}
}

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

// Local runs activities from a registry inside this process. Requests for
// a sequence number that is already running are dropped.
type Local struct {
	cfg      config
	registry *registry.Registry
	tracer   trace.Tracer

	mu       sync.Mutex
	report   Reporter
	pool     *retrypool.Pool[*ActivityRequest]
	cancel   context.CancelFunc
	closed   bool
	inFlight map[key]struct{}
}

var _ Executor = (*Local)(nil)

func NewLocal(reg *registry.Registry, opts ...Option) *Local {
	cfg := config{
		workers: 4,
		logger:  logs.Noop(),
		codec:   io.CBOR,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Local{
		cfg:      cfg,
		registry: reg,
		tracer:   otel.Tracer(tracerName),
		inFlight: make(map[key]struct{}),
	}
}

func (l *Local) Start(ctx context.Context, report Reporter) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool != nil {
		return errors.New("executor already started")
	}
	l.report = report

	ctx, l.cancel = context.WithCancel(ctx)
	workers := []retrypool.Worker[*ActivityRequest]{}
	for i := 0; i < max(l.cfg.workers, 1); i++ {
		workers = append(workers, activityWorker{l})
	}
	l.pool = retrypool.New(ctx, workers,
		retrypool.WithAttempts[*ActivityRequest](1), // retries follow the activity's own policy
		retrypool.WithPanicHandler[*ActivityRequest](func(req *ActivityRequest, v interface{}, stackTrace string) {
			l.cfg.logger.Error(ctx, "Activity worker panicked", "instanceID", req.InstanceID, "sequence", req.Sequence, "recovered", v, "stack", stackTrace)
		}),
	)
	return nil
}

func (l *Local) Execute(ctx context.Context, req ActivityRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool == nil {
		return errors.New("executor not started")
	}
	if l.closed {
		return types.ErrClosed
	}
	k := key{req.InstanceID, req.Sequence}
	if _, running := l.inFlight[k]; running {
		l.cfg.logger.Debug(ctx, "Activity already in flight", "instanceID", req.InstanceID, "sequence", req.Sequence)
		return nil
	}
	if err := l.pool.Submit(&req); err != nil {
		return fmt.Errorf("submit activity %s: %w", req.Name, err)
	}
	l.inFlight[k] = struct{}{}
	return nil
}

// Close stops the workers; running activities see their context cancelled
// and report nothing.
func (l *Local) Close() error {
	l.mu.Lock()
	pool := l.pool
	if pool == nil || l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	if err := pool.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Idle blocks until no activity is queued or running.
func (l *Local) Idle() {
	l.mu.Lock()
	pool := l.pool
	l.mu.Unlock()
	if pool == nil {
		return
	}
	_ = pool.WaitWithCallback(context.Background(), func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0 || l.running() > 0
	}, idlePoll)
}

func (l *Local) running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inFlight)
}

// activityWorker runs the requests the pool hands it.
type activityWorker struct {
	l *Local
}

func (w activityWorker) Run(ctx context.Context, req *ActivityRequest) error {
	w.l.run(ctx, *req)
	return nil
}

func (l *Local) run(ctx context.Context, req ActivityRequest) {
	defer func() {
		l.mu.Lock()
		delete(l.inFlight, key{req.InstanceID, req.Sequence})
		l.mu.Unlock()
	}()

	ctx, span := l.tracer.Start(ctx, "activity "+req.Name, trace.WithAttributes(
		attribute.String("durablite.instance_id", string(req.InstanceID)),
		attribute.Int("durablite.sequence", req.Sequence),
		attribute.String("durablite.activity", req.Name),
	))
	defer span.End()

	outcome, err := l.execute(ctx, req)
	if err != nil {
		// cancelled by shutdown: the recovery sweep schedules it again
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.cfg.logger.Warn(ctx, "Activity abandoned", "instanceID", req.InstanceID, "sequence", req.Sequence, "error", err)
		return
	}
	if outcome.Failure != nil {
		span.SetStatus(codes.Error, outcome.Failure.Message)
	}
	l.report(ctx, outcome)
}

func (l *Local) execute(ctx context.Context, req ActivityRequest) (Outcome, error) {
	outcome := Outcome{InstanceID: req.InstanceID, Sequence: req.Sequence}
	failWith := func(kind string, err error) (Outcome, error) {
		outcome.Failure = &history.Failure{Kind: kind, Message: err.Error()}
		return outcome, nil
	}

	activity, err := l.registry.GetActivity(req.Name)
	if err != nil {
		return failWith(history.FailureActivity, err)
	}
	input, err := io.ConvertInputFromSerialization(l.cfg.codec, activity.HandlerInfo, req.Input)
	if err != nil {
		return failWith(history.FailureActivity, err)
	}

	policy := activity.Options.RetryPolicy.OrDefault()
	backoff := retry.NewExponential(policy.InitialInterval)
	backoff = retry.WithCappedDuration(policy.MaxInterval, backoff)
	backoff = retry.WithMaxRetries(uint64(policy.MaxAttempts-1), backoff)

	var (
		attempt int
		output  []byte
	)
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		out, err := l.call(ctx, activity, req, input, attempt)
		if err == nil {
			output = out
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, types.ErrActivityPanicked) {
			return err
		}
		l.cfg.logger.Debug(ctx, "Activity attempt failed", "instanceID", req.InstanceID, "sequence", req.Sequence, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if err != nil {
		if errors.Is(err, types.ErrActivityPanicked) {
			return failWith(history.FailurePanic, err)
		}
		return failWith(history.FailureActivity, err)
	}
	outcome.Output = output
	return outcome, nil
}

func (l *Local) call(ctx context.Context, activity types.Activity, req ActivityRequest, input reflect.Value, attempt int) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", types.ErrActivityPanicked, r)
		}
	}()

	actx := types.NewActivityContext(ctx, req.InstanceID, req.Sequence, req.Name, attempt)
	args := []reflect.Value{reflect.ValueOf(actx)}
	if activity.HasInput() {
		args = append(args, input)
	}

	start := time.Now()
	results := reflect.ValueOf(activity.Handler).Call(args)
	l.cfg.logger.Debug(ctx, "Activity ran", "instanceID", req.InstanceID, "sequence", req.Sequence, "attempt", attempt, "duration", time.Since(start))

	if errValue := results[len(results)-1]; !errValue.IsNil() {
		return nil, errValue.Interface().(error)
	}
	if !activity.HasOutput() {
		return nil, nil
	}
	return io.ConvertForSerialization(l.cfg.codec, results[0].Interface())
}
