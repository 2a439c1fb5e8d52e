package scheduler

import (
	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"

	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/internal/types"
)

// Dispatch states of one instance inside this process. A dispatch
// requested while one runs marks the instance dirty, and it is queued
// again when the running one finishes.
const (
	StateIdle        = "Idle"
	StateQueued      = "Queued"
	StateDispatching = "Dispatching"
	StateDirty       = "Dirty"
)

const (
	TriggerEnqueue = "Enqueue"
	TriggerBegin   = "Begin"
	TriggerFinish  = "Finish"
)

// instance is the scheduler's table entry. mu is the dispatch lease: it is
// held while history is read, replayed and appended. holds counts the
// callers using the entry; it stays in the table until it drops to zero.
type instance struct {
	id      types.InstanceID
	mu      deadlock.Mutex
	fsm     *stateless.StateMachine
	waiters []chan store.Instance
	holds   int
}

func newInstance(id types.InstanceID) *instance {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerEnqueue, StateQueued)

	fsm.Configure(StateQueued).
		Ignore(TriggerEnqueue).
		Permit(TriggerBegin, StateDispatching)

	fsm.Configure(StateDispatching).
		Permit(TriggerEnqueue, StateDirty).
		Permit(TriggerFinish, StateIdle)

	fsm.Configure(StateDirty).
		Ignore(TriggerEnqueue).
		Permit(TriggerFinish, StateQueued)

	return &instance{id: id, fsm: fsm}
}

func (i *instance) state() string {
	return i.fsm.MustState().(string)
}
