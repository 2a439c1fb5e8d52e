package types

import "time"

// RetryPolicy bounds how many times the executor runs an activity before it
// reports a failure.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     1,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// OrDefault fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) OrDefault() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return p
}

type ActivityOptions struct {
	Name        string
	RetryPolicy RetryPolicy
}

type ActivityOption func(*ActivityOptions)

func WithActivityName(name string) ActivityOption {
	return func(o *ActivityOptions) {
		o.Name = name
	}
}

func WithActivityRetry(policy RetryPolicy) ActivityOption {
	return func(o *ActivityOptions) {
		o.RetryPolicy = policy
	}
}

type WorkflowOptions struct {
	Name string
}

type WorkflowOption func(*WorkflowOptions)

func WithWorkflowName(name string) WorkflowOption {
	return func(o *WorkflowOptions) {
		o.Name = name
	}
}
