package history

import (
	"fmt"

	"github.com/davidroman0O/durablite/internal/types"
)

// Log is the ordered history of one instance. It is only ever extended;
// events handed out by accessors are copies.
type Log struct {
	events    []Event
	calls     map[int]int // sequence -> index of the call event
	outcomes  map[int]int // sequence -> index of the first activity outcome
	terminal  int
	lastCall  int
	hasCalled bool
}

// NewLog indexes events in order.
func NewLog(events ...Event) *Log {
	l := &Log{
		calls:    make(map[int]int),
		outcomes: make(map[int]int),
		terminal: -1,
		lastCall: -1,
	}
	l.Append(events...)
	return l
}

// Append extends the log.
func (l *Log) Append(events ...Event) {
	for _, e := range events {
		idx := len(l.events)
		l.events = append(l.events, e)
		switch {
		case e.IsCall():
			if _, ok := l.calls[e.Sequence]; !ok {
				l.calls[e.Sequence] = idx
			}
			if e.Sequence > l.lastCall {
				l.lastCall = e.Sequence
			}
			l.hasCalled = true
		case e.IsActivityOutcome():
			if _, ok := l.outcomes[e.Sequence]; !ok {
				l.outcomes[e.Sequence] = idx
			}
		case e.IsTerminal():
			if l.terminal < 0 {
				l.terminal = idx
			}
		}
	}
}

// Events returns a copy of the whole log.
func (l *Log) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len is the log version used for optimistic appends.
func (l *Log) Len() int {
	return len(l.events)
}

// Started returns the OrchestratorStarted event.
func (l *Log) Started() (Event, bool) {
	for _, e := range l.events {
		if e.Type == EventOrchestratorStarted {
			return e, true
		}
	}
	return Event{}, false
}

// Call returns the event recorded at a call position.
func (l *Log) Call(sequence int) (Event, bool) {
	idx, ok := l.calls[sequence]
	if !ok {
		return Event{}, false
	}
	return l.events[idx], true
}

// Outcome returns the completed or failed event of a scheduled activity.
func (l *Log) Outcome(sequence int) (Event, bool) {
	idx, ok := l.outcomes[sequence]
	if !ok {
		return Event{}, false
	}
	return l.events[idx], true
}

// CallCount is the number of call positions recorded so far.
func (l *Log) CallCount() int {
	if !l.hasCalled {
		return 0
	}
	return l.lastCall + 1
}

// Terminal returns the event that ended the orchestration.
func (l *Log) Terminal() (Event, bool) {
	if l.terminal < 0 {
		return Event{}, false
	}
	return l.events[l.terminal], true
}

// Pending lists scheduled activities without an outcome, in sequence order.
func (l *Log) Pending() []Event {
	var pending []Event
	for seq := 0; seq < l.CallCount(); seq++ {
		e, ok := l.Call(seq)
		if !ok || e.Type != EventActivityScheduled {
			continue
		}
		if _, done := l.outcomes[seq]; done {
			continue
		}
		pending = append(pending, e)
	}
	return pending
}

// Status derives the instance status from the log.
func (l *Log) Status() types.Status {
	return StatusAfter(types.StatusPending, l.events)
}

// StatusAfter folds events onto a starting status.
func StatusAfter(current types.Status, events []Event) types.Status {
	for _, e := range events {
		if current.IsTerminal() {
			return current
		}
		switch e.Type {
		case EventOrchestratorStarted:
		case EventOrchestratorCompleted:
			current = types.StatusCompleted
		case EventOrchestratorFailed:
			current = types.StatusFailed
		case EventOrchestratorTerminated:
			current = types.StatusTerminated
		default:
			current = types.StatusRunning
		}
	}
	return current
}

// Validate checks the structural invariants of a log: it starts with
// OrchestratorStarted, call positions are dense and unique, and every
// outcome answers a scheduled activity.
func Validate(events []Event) error {
	if len(events) == 0 {
		return fmt.Errorf("empty history")
	}
	if events[0].Type != EventOrchestratorStarted {
		return fmt.Errorf("history must start with %s, got %s", EventOrchestratorStarted, events[0].Type)
	}
	next := 0
	scheduled := map[int]bool{}
	for i, e := range events[1:] {
		switch {
		case e.Type == EventOrchestratorStarted:
			return fmt.Errorf("event %d: duplicate %s", i+1, e.Type)
		case e.IsCall():
			if e.Sequence != next {
				return fmt.Errorf("event %d: sequence %d out of call order, expected %d", i+1, e.Sequence, next)
			}
			next++
			if e.Type == EventActivityScheduled {
				scheduled[e.Sequence] = true
			}
		case e.IsActivityOutcome():
			if !scheduled[e.Sequence] {
				return fmt.Errorf("event %d: outcome for unscheduled sequence %d", i+1, e.Sequence)
			}
		}
	}
	return nil
}
