package durablite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/io"
	"github.com/davidroman0O/durablite/internal/trigger"
	"github.com/davidroman0O/durablite/internal/types"
)

// Handler serves the HTTP trigger: POST /orchestrators/{name} starts an
// instance with the JSON body as input, and /instances/{id} routes read,
// await and terminate it.
func (d *Durablite) Handler(opts ...trigger.Option) http.Handler {
	opts = append([]trigger.Option{trigger.WithLogger(d.cfg.logger)}, opts...)
	return trigger.New(httpManager{d}, opts...).Handler()
}

// httpManager speaks JSON on the trigger side and the engine codec on the
// store side.
type httpManager struct {
	d *Durablite
}

var _ trigger.Manager = httpManager{}

func (m httpManager) StartJSON(ctx context.Context, name string, body []byte) (string, error) {
	info, err := m.d.registry.GetWorkflow(name)
	if err != nil {
		return "", err
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && !types.HandlerInfo(info).HasInput() {
		return "", fmt.Errorf("%w: %s takes no input", trigger.ErrBadRequest, name)
	}

	var payload []byte
	if len(body) > 0 {
		value := reflect.New(info.ParamType)
		if err := json.Unmarshal(body, value.Interface()); err != nil {
			return "", fmt.Errorf("%w: input of %s: %v", trigger.ErrBadRequest, name, err)
		}
		payload, err = io.ConvertForSerialization(m.d.cfg.codec, value.Interface())
		if err != nil {
			return "", err
		}
	}

	id, err := m.d.create(ctx, name, payload)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (m httpManager) Status(ctx context.Context, id string) (trigger.Instance, error) {
	status, err := m.d.GetStatus(ctx, InstanceID(id))
	if err != nil {
		return trigger.Instance{}, err
	}
	return m.instance(ctx, status), nil
}

func (m httpManager) Wait(ctx context.Context, id string, timeout time.Duration) (trigger.Instance, error) {
	status, err := m.d.WaitForCompletion(ctx, InstanceID(id), timeout)
	if err != nil {
		return trigger.Instance{}, err
	}
	return m.instance(ctx, status), nil
}

func (m httpManager) Terminate(ctx context.Context, id, reason string) (trigger.Instance, error) {
	status, err := m.d.Terminate(ctx, InstanceID(id), reason)
	if err != nil {
		return trigger.Instance{}, err
	}
	return m.instance(ctx, status), nil
}

func (m httpManager) History(ctx context.Context, id string) ([]history.Event, error) {
	return m.d.History(ctx, InstanceID(id))
}

func (m httpManager) instance(ctx context.Context, status InstanceStatus) trigger.Instance {
	inst := trigger.Instance{
		ID:        status.ID.String(),
		Name:      status.Name,
		Status:    status.Status.String(),
		Failure:   status.Failure,
		CreatedAt: status.CreatedAt,
		UpdatedAt: status.UpdatedAt,
	}
	if status.Status != StatusCompleted || len(status.output) == 0 {
		return inst
	}
	output, err := m.outputJSON(status)
	if err != nil {
		m.d.cfg.logger.Warn(ctx, "Output not rendered as JSON", "instanceID", status.ID, "error", err)
		return inst
	}
	inst.Output = output
	return inst
}

// outputJSON decodes the output into the type the orchestration returns so
// that it can be re-encoded as JSON.
func (m httpManager) outputJSON(status InstanceStatus) (json.RawMessage, error) {
	info, err := m.d.registry.GetWorkflow(status.Name)
	if err != nil {
		return nil, err
	}
	value, err := io.ConvertOutputFromSerialization(m.d.cfg.codec, types.HandlerInfo(info), status.output)
	if err != nil {
		return nil, err
	}
	return json.Marshal(value)
}
