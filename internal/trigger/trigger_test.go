package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/types"
)

type fakeManager struct {
	mu        sync.Mutex
	instances map[string]Instance
	bodies    map[string][]byte
	waitErr   error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		instances: map[string]Instance{},
		bodies:    map[string][]byte{},
	}
}

func (f *fakeManager) StartJSON(ctx context.Context, name string, body []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "HelloSequence" {
		return "", fmt.Errorf("%w: %s", types.ErrOrchestrationNotRegistered, name)
	}
	if len(body) > 0 && !json.Valid(body) {
		return "", fmt.Errorf("%w: invalid json", ErrBadRequest)
	}
	id := fmt.Sprintf("instance-%d", len(f.instances)+1)
	f.instances[id] = Instance{ID: id, Name: name, Status: string(types.StatusPending)}
	f.bodies[id] = body
	return id, nil
}

func (f *fakeManager) Status(ctx context.Context, id string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return inst, nil
}

func (f *fakeManager) Wait(ctx context.Context, id string, timeout time.Duration) (Instance, error) {
	inst, err := f.Status(ctx, id)
	if err != nil {
		return Instance{}, err
	}
	if f.waitErr != nil {
		return Instance{}, f.waitErr
	}
	inst.Status = string(types.StatusCompleted)
	inst.Output = json.RawMessage(`["Hello Tokyo!","Hello Seattle!","Hello London!"]`)
	return inst, nil
}

func (f *fakeManager) Terminate(ctx context.Context, id, reason string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return Instance{}, types.ErrNotFound
	}
	if inst.Status == string(types.StatusTerminated) {
		return Instance{}, types.ErrInvalidTransition
	}
	inst.Status = string(types.StatusTerminated)
	inst.Failure = &history.Failure{Kind: history.FailureTerminated, Message: reason}
	f.instances[id] = inst
	return inst, nil
}

func (f *fakeManager) History(ctx context.Context, id string) ([]history.Event, error) {
	if _, err := f.Status(ctx, id); err != nil {
		return nil, err
	}
	return []history.Event{
		history.OrchestratorStarted("HelloSequence", nil, time.Unix(0, 0).UTC()),
		history.ActivityScheduled(0, "F1", []byte("Tokyo")),
	}, nil
}

func newTestServer(t *testing.T, manager Manager) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(New(manager).Handler())
	t.Cleanup(server.Close)
	return server
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStart(t *testing.T) {
	manager := newFakeManager()
	server := newTestServer(t, manager)

	resp, err := http.Post(server.URL+"/orchestrators/HelloSequence", "application/json", strings.NewReader(`{"city":"Tokyo"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var status checkStatus
	decode(t, resp, &status)
	assert.Equal(t, "instance-1", status.ID)
	assert.Equal(t, server.URL+"/instances/instance-1", status.StatusQueryGetURI)
	assert.Equal(t, status.StatusQueryGetURI, resp.Header.Get("Location"))
	assert.Equal(t, server.URL+"/instances/instance-1/wait", status.WaitGetURI)
	assert.Equal(t, server.URL+"/instances/instance-1/terminate", status.TerminatePostURI)
	assert.Equal(t, server.URL+"/instances/instance-1/history", status.HistoryGetURI)
	assert.JSONEq(t, `{"city":"Tokyo"}`, string(manager.bodies["instance-1"]))

	resp, err = http.Get(status.StatusQueryGetURI)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var inst Instance
	decode(t, resp, &inst)
	assert.Equal(t, string(types.StatusPending), inst.Status)
}

func TestStartErrors(t *testing.T) {
	server := newTestServer(t, newFakeManager())

	resp, err := http.Post(server.URL+"/orchestrators/Unknown", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(server.URL+"/orchestrators/HelloSequence", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	var body errorResponse
	decode(t, resp, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Error, "bad request")

	resp, err = http.Get(server.URL + "/orchestrators/HelloSequence")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWait(t *testing.T) {
	manager := newFakeManager()
	server := newTestServer(t, manager)
	id, err := manager.StartJSON(context.Background(), "HelloSequence", nil)
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/instances/" + id + "/wait?timeout=1s")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var inst Instance
	decode(t, resp, &inst)
	assert.Equal(t, string(types.StatusCompleted), inst.Status)
	assert.JSONEq(t, `["Hello Tokyo!","Hello Seattle!","Hello London!"]`, string(inst.Output))

	manager.waitErr = types.ErrTimeout
	resp, err = http.Get(server.URL + "/instances/" + id + "/wait?timeout=10ms")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	decode(t, resp, &inst)
	assert.Equal(t, string(types.StatusPending), inst.Status)

	resp, err = http.Get(server.URL + "/instances/" + id + "/wait?timeout=soon")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(server.URL + "/instances/missing/wait")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTerminate(t *testing.T) {
	manager := newFakeManager()
	server := newTestServer(t, manager)
	id, err := manager.StartJSON(context.Background(), "HelloSequence", nil)
	require.NoError(t, err)

	resp, err := http.Post(server.URL+"/instances/"+id+"/terminate?reason=operator", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var inst Instance
	decode(t, resp, &inst)
	assert.Equal(t, string(types.StatusTerminated), inst.Status)
	require.NotNil(t, inst.Failure)
	assert.Equal(t, "operator", inst.Failure.Message)

	resp, err = http.Post(server.URL+"/instances/"+id+"/terminate", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	manager := newFakeManager()
	server := newTestServer(t, manager)
	id, err := manager.StartJSON(context.Background(), "HelloSequence", nil)
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/instances/" + id + "/history")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var events []history.Event
	decode(t, resp, &events)
	require.Len(t, events, 2)
	assert.Equal(t, history.EventActivityScheduled, events[1].Type)
	assert.Equal(t, "F1", events[1].Name)

	resp, err = http.Get(server.URL + "/instances/missing/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("wrapped: %w", types.ErrNotFound)))
	assert.Equal(t, http.StatusConflict, statusFor(types.ErrDuplicateInstance))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(types.ErrClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("disk on fire")))
}
