// Package history holds the append-only event log every orchestration
// instance is rebuilt from.
package history

import (
	"bytes"
	"time"
)

type EventType string

const (
	EventOrchestratorStarted    EventType = "OrchestratorStarted"
	EventActivityScheduled      EventType = "ActivityScheduled"
	EventActivityCompleted      EventType = "ActivityCompleted"
	EventActivityFailed         EventType = "ActivityFailed"
	EventSideEffectRecorded     EventType = "SideEffectRecorded"
	EventOrchestratorCompleted  EventType = "OrchestratorCompleted"
	EventOrchestratorFailed     EventType = "OrchestratorFailed"
	EventOrchestratorTerminated EventType = "OrchestratorTerminated"
)

// Failure kinds recorded in errorInfo.
const (
	FailureActivity      = "ActivityFailure"
	FailureDivergence    = "HistoryDivergence"
	FailureOrchestration = "OrchestrationFailure"
	FailurePanic         = "Panic"
	FailureTerminated    = "Terminated"
)

// Failure is the persisted errorInfo of a failed activity or orchestration.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return f.Kind + ": " + f.Message
}

// Event is one immutable record of the log. Which fields are meaningful
// depends on Type:
//
//	OrchestratorStarted     Name, Input
//	ActivityScheduled       Sequence, Name, Input
//	ActivityCompleted       Sequence, Output
//	ActivityFailed          Sequence, Failure
//	SideEffectRecorded      Sequence, Output
//	OrchestratorCompleted   Output
//	OrchestratorFailed      Failure
//	OrchestratorTerminated  Failure (kind Terminated, message is the reason)
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int       `json:"sequence"`
	Name      string    `json:"name,omitempty"`
	Input     []byte    `json:"input,omitempty"`
	Output    []byte    `json:"output,omitempty"`
	Failure   *Failure  `json:"failure,omitempty"`
}

func OrchestratorStarted(name string, input []byte, at time.Time) Event {
	return Event{Type: EventOrchestratorStarted, Timestamp: at, Name: name, Input: input}
}

func ActivityScheduled(sequence int, name string, input []byte) Event {
	return Event{Type: EventActivityScheduled, Sequence: sequence, Name: name, Input: input}
}

func ActivityCompleted(sequence int, output []byte) Event {
	return Event{Type: EventActivityCompleted, Sequence: sequence, Output: output}
}

func ActivityFailed(sequence int, failure Failure) Event {
	return Event{Type: EventActivityFailed, Sequence: sequence, Failure: &failure}
}

func SideEffectRecorded(sequence int, output []byte) Event {
	return Event{Type: EventSideEffectRecorded, Sequence: sequence, Output: output}
}

func OrchestratorCompleted(output []byte) Event {
	return Event{Type: EventOrchestratorCompleted, Output: output}
}

func OrchestratorFailed(failure Failure) Event {
	return Event{Type: EventOrchestratorFailed, Failure: &failure}
}

func OrchestratorTerminated(reason string) Event {
	return Event{Type: EventOrchestratorTerminated, Failure: &Failure{Kind: FailureTerminated, Message: reason}}
}

// IsTerminal reports whether the event ends the orchestration.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventOrchestratorCompleted, EventOrchestratorFailed, EventOrchestratorTerminated:
		return true
	default:
		return false
	}
}

// IsActivityOutcome reports whether the event resolves an ActivityScheduled.
func (e Event) IsActivityOutcome() bool {
	return e.Type == EventActivityCompleted || e.Type == EventActivityFailed
}

// IsCall reports whether the event occupies a call position of the
// orchestration function.
func (e Event) IsCall() bool {
	return e.Type == EventActivityScheduled || e.Type == EventSideEffectRecorded
}

// Equal compares events ignoring their timestamps.
func (e Event) Equal(o Event) bool {
	if e.Type != o.Type || e.Sequence != o.Sequence || e.Name != o.Name {
		return false
	}
	if !bytes.Equal(e.Input, o.Input) || !bytes.Equal(e.Output, o.Output) {
		return false
	}
	if (e.Failure == nil) != (o.Failure == nil) {
		return false
	}
	return e.Failure == nil || *e.Failure == *o.Failure
}
