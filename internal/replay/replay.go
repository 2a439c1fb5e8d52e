// Package replay runs orchestration functions from their first line
// against recorded history. Calls whose outcome is recorded return it
// synchronously, new calls are buffered as events, and the first wait on
// a missing outcome stops the pass.
//
// An orchestration must call its WorkflowContext from a single goroutine
// and must not recover panics raised by Future.Get.
package replay

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/io"
	"github.com/davidroman0O/durablite/internal/types"
	"github.com/davidroman0O/durablite/pkg/logs"
)

type suspendSignal struct{}

var errSuspended = &suspendSignal{}

type divergenceError struct {
	sequence int
	message  string
}

func (e *divergenceError) Error() string {
	return fmt.Sprintf("sequence %d: %s", e.sequence, e.message)
}

func (e *divergenceError) Unwrap() error {
	return types.ErrHistoryDivergence
}

func diverged(sequence int, format string, args ...interface{}) *divergenceError {
	return &divergenceError{sequence: sequence, message: fmt.Sprintf(format, args...)}
}

type Options struct {
	Codec    io.Codec
	Resolver Resolver
	Logger   logs.Logger
}

// Result is the outcome of one replay pass. Events carry no timestamp; the
// caller stamps them when it appends.
type Result struct {
	// NewEvents are the calls issued past the end of recorded history, in
	// sequence order.
	NewEvents []history.Event
	// Terminal is set when the orchestration returned, failed or diverged.
	Terminal *history.Event
	// Suspended is set when the function waits on an outcome not recorded yet.
	Suspended bool
	// Finished is set when the history already ended; nothing ran.
	Finished bool
	// Err explains a Terminal failure caused by the engine rather than the
	// function: divergence or a panic.
	Err error
}

// Scheduled lists the activities issued by this pass.
func (r Result) Scheduled() []history.Event {
	var scheduled []history.Event
	for _, e := range r.NewEvents {
		if e.Type == history.EventActivityScheduled {
			scheduled = append(scheduled, e)
		}
	}
	return scheduled
}

// Events is everything the pass wants appended: new calls then the
// terminal event.
func (r Result) Events() []history.Event {
	events := make([]history.Event, 0, len(r.NewEvents)+1)
	events = append(events, r.NewEvents...)
	if r.Terminal != nil {
		events = append(events, *r.Terminal)
	}
	return events
}

// Run replays workflow for instanceID over events.
func Run(ctx context.Context, workflow types.Workflow, instanceID types.InstanceID, events []history.Event, opts Options) (Result, error) {
	if opts.Codec == nil {
		return Result{}, errors.New("replay needs a codec")
	}
	if opts.Resolver == nil {
		return Result{}, errors.New("replay needs an activity resolver")
	}
	if opts.Logger == nil {
		opts.Logger = logs.Noop()
	}

	log := history.NewLog(events...)
	started, ok := log.Started()
	if !ok {
		return Result{}, fmt.Errorf("instance %s: history has no %s event", instanceID, history.EventOrchestratorStarted)
	}
	if _, done := log.Terminal(); done {
		return Result{Finished: true}, nil
	}

	st := &state{
		instanceID: instanceID,
		name:       started.Name,
		codec:      opts.Codec,
		resolver:   opts.Resolver,
		logger:     opts.Logger,
		log:        log,
		recorded:   log.CallCount(),
	}
	wctx := WorkflowContext{Context: ctx, state: st}

	results, recovered, err := invoke(wctx, workflow, started.Input)
	if err != nil {
		return failed(history.Failure{Kind: history.FailureOrchestration, Message: err.Error()}, nil), nil
	}

	switch r := recovered.(type) {
	case nil:
	case *suspendSignal:
		return Result{NewEvents: st.newEvents, Suspended: true}, nil
	case *divergenceError:
		return failed(history.Failure{Kind: history.FailureDivergence, Message: r.Error()}, r), nil
	default:
		panicErr := fmt.Errorf("%w: %v", types.ErrOrchestrationPanicked, r)
		return failed(history.Failure{Kind: history.FailurePanic, Message: fmt.Sprint(r)}, panicErr), nil
	}

	if st.sequence < st.recorded {
		divergence := diverged(st.sequence, "orchestration returned after %d calls, history recorded %d", st.sequence, st.recorded)
		return failed(history.Failure{Kind: history.FailureDivergence, Message: divergence.Error()}, divergence), nil
	}

	if errValue := results[len(results)-1]; !errValue.IsNil() {
		fnErr := errValue.Interface().(error)
		kind := history.FailureOrchestration
		var activityErr *types.ActivityError
		if errors.As(fnErr, &activityErr) {
			kind = history.FailureActivity
		}
		terminal := history.OrchestratorFailed(history.Failure{Kind: kind, Message: fnErr.Error()})
		return Result{NewEvents: st.newEvents, Terminal: &terminal}, nil
	}

	var output []byte
	if types.HandlerInfo(workflow).HasOutput() {
		output, err = io.ConvertForSerialization(opts.Codec, results[0].Interface())
		if err != nil {
			return failed(history.Failure{Kind: history.FailureOrchestration, Message: err.Error()}, nil), nil
		}
	}
	terminal := history.OrchestratorCompleted(output)
	return Result{NewEvents: st.newEvents, Terminal: &terminal}, nil
}

// failed drops whatever the pass issued; only the failure is recorded.
func failed(failure history.Failure, cause error) Result {
	terminal := history.OrchestratorFailed(failure)
	return Result{Terminal: &terminal, Err: cause}
}

func invoke(wctx WorkflowContext, workflow types.Workflow, input []byte) (results []reflect.Value, recovered interface{}, err error) {
	info := types.HandlerInfo(workflow)

	args := []reflect.Value{reflect.ValueOf(wctx)}
	if info.HasInput() {
		value, err := io.ConvertInputFromSerialization(wctx.state.codec, info, input)
		if err != nil {
			return nil, nil, fmt.Errorf("orchestration input: %w", err)
		}
		args = append(args, value)
	}

	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()

	results = reflect.ValueOf(info.Handler).Call(args)
	return results, nil, nil
}
