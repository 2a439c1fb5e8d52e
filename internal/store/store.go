// Package store defines the Durable Store boundary: per-instance histories
// with optimistic, version-checked appends.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/types"
)

// Instance is the queryable projection of one orchestration's history.
// Version counts the events in the history.
type Instance struct {
	ID        types.InstanceID
	Name      string
	Status    types.Status
	Input     []byte
	Output    []byte
	Failure   *history.Failure
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store interface {
	// CreateInstance stores a new instance with its first events, which
	// must begin with OrchestratorStarted. Fails with ErrDuplicateInstance.
	CreateInstance(ctx context.Context, id types.InstanceID, events []history.Event) (Instance, error)
	// GetInstance fails with ErrNotFound.
	GetInstance(ctx context.Context, id types.InstanceID) (Instance, error)
	// ReadHistory returns the ordered history and its version.
	ReadHistory(ctx context.Context, id types.InstanceID) ([]history.Event, int, error)
	// AppendEvents extends the history only if its version still equals
	// expectedVersion, otherwise it fails with ErrVersionConflict. The
	// instance projection is updated in the same write.
	AppendEvents(ctx context.Context, id types.InstanceID, expectedVersion int, events []history.Event) (Instance, error)
	// ListInstances returns instances in any of statuses, all when empty.
	ListInstances(ctx context.Context, statuses ...types.Status) ([]Instance, error)
	Close() error
}

// NewInstance projects the first events of an instance.
func NewInstance(id types.InstanceID, events []history.Event, now time.Time) (Instance, error) {
	if len(events) == 0 || events[0].Type != history.EventOrchestratorStarted {
		return Instance{}, fmt.Errorf("instance %s must start with %s", id, history.EventOrchestratorStarted)
	}
	inst := Instance{
		ID:        id,
		Name:      events[0].Name,
		Status:    types.StatusPending,
		Input:     events[0].Input,
		CreatedAt: now,
	}
	Apply(&inst, events[1:], now)
	inst.Version = len(events)
	return inst, nil
}

// Apply folds appended events into the projection.
func Apply(inst *Instance, events []history.Event, now time.Time) {
	for _, e := range events {
		if inst.Status.IsTerminal() {
			break
		}
		switch e.Type {
		case history.EventOrchestratorCompleted:
			inst.Output = e.Output
		case history.EventOrchestratorFailed, history.EventOrchestratorTerminated:
			inst.Failure = e.Failure
		}
		inst.Status = history.StatusAfter(inst.Status, []history.Event{e})
	}
	inst.Version += len(events)
	inst.UpdatedAt = now
}

// Stamp sets the timestamp of events that carry none.
func Stamp(events []history.Event, now time.Time) []history.Event {
	stamped := make([]history.Event, len(events))
	for i, e := range events {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		stamped[i] = e
	}
	return stamped
}

// Matches reports whether status is one of statuses, or statuses is empty.
func Matches(status types.Status, statuses []types.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
