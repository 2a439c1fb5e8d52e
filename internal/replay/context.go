package replay

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/io"
	"github.com/davidroman0O/durablite/internal/types"
	"github.com/davidroman0O/durablite/pkg/logs"
)

// Resolver maps what an orchestration passes to CallActivity (a registered
// name or the activity function itself) to the activity name.
type Resolver interface {
	ActivityName(activity interface{}) (string, error)
}

// WorkflowContext is the first parameter of every orchestration function.
// Each dispatch builds a fresh one; everything it knows comes from history.
type WorkflowContext struct {
	context.Context
	state *state
}

type state struct {
	instanceID types.InstanceID
	name       string
	codec      io.Codec
	resolver   Resolver
	logger     logs.Logger

	log       *history.Log
	recorded  int
	sequence  int
	newEvents []history.Event
}

func (w WorkflowContext) InstanceID() types.InstanceID {
	return w.state.instanceID
}

// Name is the registered orchestration name.
func (w WorkflowContext) Name() string {
	return w.state.name
}

// IsReplaying reports whether the next call position is already recorded.
func (w WorkflowContext) IsReplaying() bool {
	return w.state.sequence < w.state.recorded
}

// Logger drops records while the orchestration replays recorded history.
func (w WorkflowContext) Logger() logs.Logger {
	return replayLogger{ctx: w}
}

// CallActivity schedules activity with input at the next call position, or
// hands back the outcome recorded for that position. activity is either the
// registered name or the registered function.
func (w WorkflowContext) CallActivity(activity interface{}, input interface{}) Future {
	s := w.state

	name, err := s.resolver.ActivityName(activity)
	if err != nil {
		return Future{err: err}
	}

	data, err := io.ConvertForSerialization(s.codec, input)
	if err != nil {
		return Future{err: fmt.Errorf("activity %s input: %w", name, err)}
	}

	seq := s.next()
	if recorded, ok := s.log.Call(seq); ok {
		if recorded.Type != history.EventActivityScheduled {
			panic(diverged(seq, "expected %s, history recorded %s", history.EventActivityScheduled, recorded.Type))
		}
		if recorded.Name != name {
			panic(diverged(seq, "called activity %q, history recorded %q", name, recorded.Name))
		}
		if !bytes.Equal(recorded.Input, data) {
			panic(diverged(seq, "activity %q called with a different input than recorded", name))
		}
	} else {
		s.newEvents = append(s.newEvents, history.ActivityScheduled(seq, name, data))
	}

	return Future{state: s, sequence: seq, name: name}
}

// SideEffect runs fn once and records its result; replays return the
// recorded value without calling fn again.
func (w WorkflowContext) SideEffect(fn func() interface{}) Future {
	s := w.state

	seq := s.next()
	if recorded, ok := s.log.Call(seq); ok {
		if recorded.Type != history.EventSideEffectRecorded {
			panic(diverged(seq, "expected %s, history recorded %s", history.EventSideEffectRecorded, recorded.Type))
		}
		return Future{state: s, sequence: seq, resolved: true, data: recorded.Output}
	}

	data, err := io.ConvertForSerialization(s.codec, fn())
	if err != nil {
		// nothing recorded, the position is released
		s.sequence--
		return Future{err: fmt.Errorf("side effect result: %w", err)}
	}
	s.newEvents = append(s.newEvents, history.SideEffectRecorded(seq, data))
	return Future{state: s, sequence: seq, resolved: true, data: data}
}

// Now is the wall clock captured once as a side effect.
func (w WorkflowContext) Now() time.Time {
	var now time.Time
	if err := w.SideEffect(func() interface{} { return time.Now().UTC() }).Get(&now); err != nil {
		w.state.logger.Error(w, "Error decoding recorded time", "instanceID", w.state.instanceID, "error", err)
	}
	return now
}

func (s *state) next() int {
	seq := s.sequence
	s.sequence++
	return seq
}

type replayLogger struct {
	ctx    WorkflowContext
	fields map[string]interface{}
}

func (l replayLogger) target() logs.Logger {
	logger := l.ctx.state.logger
	if len(l.fields) > 0 {
		logger = logger.WithFields(l.fields)
	}
	return logger
}

func (l replayLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if !l.ctx.IsReplaying() {
		l.target().Debug(ctx, msg, keysAndValues...)
	}
}

func (l replayLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if !l.ctx.IsReplaying() {
		l.target().Info(ctx, msg, keysAndValues...)
	}
}

func (l replayLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if !l.ctx.IsReplaying() {
		l.target().Warn(ctx, msg, keysAndValues...)
	}
}

func (l replayLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if !l.ctx.IsReplaying() {
		l.target().Error(ctx, msg, keysAndValues...)
	}
}

func (l replayLogger) WithFields(fields map[string]interface{}) logs.Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return replayLogger{ctx: l.ctx, fields: merged}
}
