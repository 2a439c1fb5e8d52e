package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("instance not found")
	ErrDuplicateInstance = errors.New("instance already exists")
	ErrTimeout           = errors.New("timed out waiting for instance completion")
	ErrVersionConflict   = errors.New("history version conflict")
	ErrHistoryDivergence = errors.New("history divergence")
	ErrInvalidTransition = errors.New("invalid instance status transition")
	ErrClosed            = errors.New("engine closed")

	ErrOrchestrationNotRegistered = errors.New("orchestration not registered")
	ErrActivityNotRegistered      = errors.New("activity not registered")

	ErrActivityFailed        = errors.New("activity failed")
	ErrActivityPanicked      = errors.New("activity panicked")
	ErrOrchestrationPanicked = errors.New("orchestration panicked")
)

// ActivityError is returned to an orchestration at the call site of an
// activity whose recorded outcome is a failure.
type ActivityError struct {
	Name     string
	Sequence int
	Kind     string
	Message  string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s (sequence %d) failed: %s", e.Name, e.Sequence, e.Message)
}

func (e *ActivityError) Is(target error) bool {
	return target == ErrActivityFailed
}
