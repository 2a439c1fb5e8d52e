package types

import "context"

// ActivityContext is the first parameter of every activity function.
type ActivityContext struct {
	context.Context
	instanceID InstanceID
	sequence   int
	name       string
	attempt    int
}

func NewActivityContext(ctx context.Context, instanceID InstanceID, sequence int, name string, attempt int) ActivityContext {
	return ActivityContext{
		Context:    ctx,
		instanceID: instanceID,
		sequence:   sequence,
		name:       name,
		attempt:    attempt,
	}
}

func (a ActivityContext) InstanceID() InstanceID {
	return a.instanceID
}

// Sequence is the call position of this activity inside its orchestration.
func (a ActivityContext) Sequence() int {
	return a.sequence
}

func (a ActivityContext) Name() string {
	return a.name
}

// Attempt starts at 1 and grows with each retry of the activity's policy.
func (a ActivityContext) Attempt() int {
	return a.attempt
}
