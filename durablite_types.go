package durablite

import (
	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/registry"
	"github.com/davidroman0O/durablite/internal/replay"
	"github.com/davidroman0O/durablite/internal/types"
)

type (
	// WorkflowContext is the first parameter of every orchestration.
	WorkflowContext = replay.WorkflowContext
	// ActivityContext is the first parameter of every activity.
	ActivityContext = types.ActivityContext
	Future          = replay.Future

	InstanceID   = types.InstanceID
	Status       = types.Status
	RetryPolicy  = types.RetryPolicy
	HistoryEvent = history.Event
	EventType    = history.EventType
	Failure      = history.Failure

	// ActivityError is what Future.Get returns for a failed activity.
	ActivityError = types.ActivityError

	ActivityOption = types.ActivityOption
	WorkflowOption = types.WorkflowOption

	Registry        = registry.Registry
	RegistryBuilder = registry.RegistryBuilder
	RegistryBuildFn = registry.RegistryBuildFn
)

const (
	StatusPending    = types.StatusPending
	StatusRunning    = types.StatusRunning
	StatusCompleted  = types.StatusCompleted
	StatusFailed     = types.StatusFailed
	StatusTerminated = types.StatusTerminated
)

var (
	ErrNotFound                   = types.ErrNotFound
	ErrDuplicateInstance          = types.ErrDuplicateInstance
	ErrTimeout                    = types.ErrTimeout
	ErrVersionConflict            = types.ErrVersionConflict
	ErrHistoryDivergence          = types.ErrHistoryDivergence
	ErrInvalidTransition          = types.ErrInvalidTransition
	ErrClosed                     = types.ErrClosed
	ErrOrchestrationNotRegistered = types.ErrOrchestrationNotRegistered
	ErrActivityNotRegistered      = types.ErrActivityNotRegistered
	ErrActivityFailed             = types.ErrActivityFailed
	ErrActivityPanicked           = types.ErrActivityPanicked
	ErrOrchestrationPanicked      = types.ErrOrchestrationPanicked
)

var (
	WithActivityName  = types.WithActivityName
	WithActivityRetry = types.WithActivityRetry
	WithWorkflowName  = types.WithWorkflowName
)
