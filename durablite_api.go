package durablite

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/davidroman0O/durablite/internal/io"
	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/internal/types"
)

// InstanceStatus is a read-only snapshot of an instance.
type InstanceStatus struct {
	ID        InstanceID
	Name      string
	Status    Status
	Failure   *Failure
	CreatedAt time.Time
	UpdatedAt time.Time

	output []byte
	codec  io.Codec
}

// Output decodes the result of a completed instance into out.
func (s InstanceStatus) Output(out interface{}) error {
	if s.Status != StatusCompleted {
		return fmt.Errorf("instance %s is %s, not %s", s.ID, s.Status, StatusCompleted)
	}
	return io.ConvertToPointer(s.codec, s.output, out)
}

// RawOutput is the encoded result, nil until the instance completed.
func (s InstanceStatus) RawOutput() []byte {
	return s.output
}

func (d *Durablite) snapshot(inst store.Instance) InstanceStatus {
	return InstanceStatus{
		ID:        inst.ID,
		Name:      inst.Name,
		Status:    inst.Status,
		Failure:   inst.Failure,
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
		output:    inst.Output,
		codec:     d.cfg.codec,
	}
}

// Start creates an instance of workflow, given by registered name or
// function, and queues its first dispatch.
func (d *Durablite) Start(ctx context.Context, workflow interface{}, input interface{}, opts ...StartOption) (InstanceID, error) {
	name, err := d.registry.WorkflowName(workflow)
	if err != nil {
		return types.NoInstanceID, err
	}
	info, err := d.registry.GetWorkflow(name)
	if err != nil {
		return types.NoInstanceID, err
	}
	if err := checkInput(name, types.HandlerInfo(info), input); err != nil {
		return types.NoInstanceID, err
	}
	payload, err := io.ConvertForSerialization(d.cfg.codec, input)
	if err != nil {
		return types.NoInstanceID, err
	}
	return d.create(ctx, name, payload, opts...)
}

func (d *Durablite) create(ctx context.Context, name string, payload []byte, opts ...StartOption) (InstanceID, error) {
	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	id := cfg.instanceID
	if id == types.NoInstanceID {
		id = types.NewInstanceID()
	}

	if _, err := d.scheduler.Create(ctx, name, id, payload); err != nil {
		return types.NoInstanceID, err
	}
	d.cfg.logger.Debug(ctx, "Orchestration started", "orchestration", name, "instanceID", id)
	return id, nil
}

func checkInput(name string, info types.HandlerInfo, input interface{}) error {
	if input == nil {
		return nil
	}
	if !info.HasInput() {
		return fmt.Errorf("orchestration %s takes no input, got %T", name, input)
	}
	typ := reflect.TypeOf(input)
	if typ.Kind() == reflect.Ptr && typ.Elem().AssignableTo(info.ParamType) {
		return nil
	}
	if !typ.AssignableTo(info.ParamType) {
		return fmt.Errorf("orchestration %s expects %s, got %T", name, info.ParamType, input)
	}
	return nil
}

// GetStatus reads the current state of id.
func (d *Durablite) GetStatus(ctx context.Context, id InstanceID) (InstanceStatus, error) {
	inst, err := d.store.GetInstance(ctx, id)
	if err != nil {
		return InstanceStatus{}, err
	}
	return d.snapshot(inst), nil
}

// WaitForCompletion blocks the caller until id ends, or fails with
// ErrTimeout once timeout elapses. A zero timeout waits as long as ctx
// allows.
func (d *Durablite) WaitForCompletion(ctx context.Context, id InstanceID, timeout time.Duration) (InstanceStatus, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	inst, err := d.scheduler.Wait(waitCtx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return InstanceStatus{}, fmt.Errorf("%w: instance %s after %s", ErrTimeout, id, timeout)
		}
		return InstanceStatus{}, err
	}
	return d.snapshot(inst), nil
}

// Terminate ends a running instance. It fails with ErrInvalidTransition
// when the instance already ended.
func (d *Durablite) Terminate(ctx context.Context, id InstanceID, reason string) (InstanceStatus, error) {
	inst, err := d.scheduler.Terminate(ctx, id, reason)
	if err != nil {
		return InstanceStatus{}, err
	}
	return d.snapshot(inst), nil
}

// History returns the recorded events of id in order.
func (d *Durablite) History(ctx context.Context, id InstanceID) ([]HistoryEvent, error) {
	events, _, err := d.store.ReadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListInstances returns the instances in any of statuses, or all of them.
func (d *Durablite) ListInstances(ctx context.Context, statuses ...Status) ([]InstanceStatus, error) {
	for _, status := range statuses {
		if !status.IsValid() {
			return nil, fmt.Errorf("unknown status %q, expected one of %v", status, types.StatusValues())
		}
	}
	instances, err := d.store.ListInstances(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		out = append(out, d.snapshot(inst))
	}
	return out, nil
}
