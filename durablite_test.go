package durablite_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/durablite"
	"github.com/davidroman0O/durablite/internal/demo"
	"github.com/davidroman0O/durablite/pkg/logs"
)

var greetings = []string{"Hello Tokyo!", "Hello Seattle!", "Hello London!"}

// gated registers the demo plus "Gated", whose only activity returns once
// release is closed.
func gated(release <-chan struct{}) durablite.RegistryBuildFn {
	return demo.Register(durablite.NewRegistry()).
		Workflow(func(ctx durablite.WorkflowContext, city string) (string, error) {
			var greeting string
			if err := ctx.CallActivity("Gate", city).Get(&greeting); err != nil {
				return "", err
			}
			return greeting, nil
		}, durablite.WithWorkflowName("Gated")).
		Activity(func(ctx durablite.ActivityContext, city string) (string, error) {
			select {
			case <-release:
				return "Hello " + city + "!", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}, durablite.WithActivityName("Gate")).
		Build()
}

func newEngine(t *testing.T, build durablite.RegistryBuildFn, opts ...durablite.Option) *durablite.Durablite {
	t.Helper()
	opts = append([]durablite.Option{
		durablite.WithLogger(logs.Noop()),
		durablite.WithPollInterval(20 * time.Millisecond),
		durablite.WithDeadlockDetection(true),
	}, opts...)
	d, err := durablite.New(context.Background(), build, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestHelloSequence(t *testing.T) {
	ctx := context.Background()
	d := newEngine(t, demo.Register(durablite.NewRegistry()).Build())

	for _, workflow := range []interface{}{demo.HelloSequence, "HelloFanOut"} {
		id, err := d.Start(ctx, workflow, nil)
		require.NoError(t, err)

		status, err := d.WaitForCompletion(ctx, id, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, durablite.StatusCompleted, status.Status)

		var output []string
		require.NoError(t, status.Output(&output))
		assert.Equal(t, greetings, output)

		events, err := d.History(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "OrchestratorCompleted", string(events[len(events)-1].Type))
	}

	completed, err := d.ListInstances(ctx, durablite.StatusCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 2)
}

func TestWaitForCompletionTimeout(t *testing.T) {
	ctx := context.Background()
	d := newEngine(t, gated(make(chan struct{})))

	id, err := d.Start(ctx, "Gated", "Tokyo")
	require.NoError(t, err)

	start := time.Now()
	_, err = d.WaitForCompletion(ctx, id, 50*time.Millisecond)
	assert.True(t, errors.Is(err, durablite.ErrTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)

	status, err := d.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.False(t, status.Status.IsTerminal())
	assert.Error(t, status.Output(new(string)))
}

func TestStartErrors(t *testing.T) {
	ctx := context.Background()
	d := newEngine(t, gated(make(chan struct{})))

	_, err := d.Start(ctx, "Unknown", nil)
	assert.True(t, errors.Is(err, durablite.ErrOrchestrationNotRegistered))

	_, err = d.Start(ctx, "Gated", 42)
	assert.ErrorContains(t, err, "expects string")

	_, err = d.Start(ctx, demo.HelloSequence, "Tokyo")
	assert.ErrorContains(t, err, "takes no input")

	city := "Tokyo"
	id, err := d.Start(ctx, "Gated", &city, durablite.WithInstanceID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, durablite.InstanceID("fixed"), id)

	_, err = d.Start(ctx, "Gated", city, durablite.WithInstanceID("fixed"))
	assert.True(t, errors.Is(err, durablite.ErrDuplicateInstance))

	_, err = d.GetStatus(ctx, "missing")
	assert.True(t, errors.Is(err, durablite.ErrNotFound))

	_, err = d.ListInstances(ctx, durablite.Status("Sleeping"))
	assert.ErrorContains(t, err, `unknown status "Sleeping"`)
}

func TestTerminate(t *testing.T) {
	ctx := context.Background()
	d := newEngine(t, gated(make(chan struct{})))

	id, err := d.Start(ctx, "Gated", "Tokyo")
	require.NoError(t, err)

	status, err := d.Terminate(ctx, id, "operator")
	require.NoError(t, err)
	assert.Equal(t, durablite.StatusTerminated, status.Status)
	require.NotNil(t, status.Failure)
	assert.Equal(t, "operator", status.Failure.Message)

	status, err = d.WaitForCompletion(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, durablite.StatusTerminated, status.Status)

	_, err = d.Terminate(ctx, id, "again")
	assert.True(t, errors.Is(err, durablite.ErrInvalidTransition))
}

func TestActivityFailureReachesTheOrchestration(t *testing.T) {
	ctx := context.Background()
	var attempts atomic.Int32

	build := durablite.NewRegistry().
		Workflow(func(ctx durablite.WorkflowContext) (string, error) {
			var out string
			err := ctx.CallActivity("Flaky", nil).Get(&out)
			var activityErr *durablite.ActivityError
			if errors.As(err, &activityErr) {
				return "recovered from " + activityErr.Name, nil
			}
			return out, err
		}, durablite.WithWorkflowName("Recovering")).
		Workflow(func(ctx durablite.WorkflowContext) error {
			return ctx.CallActivity("Flaky", nil).Get(nil)
		}, durablite.WithWorkflowName("Propagating")).
		Activity(func(ctx durablite.ActivityContext) (string, error) {
			attempts.Add(1)
			return "", fmt.Errorf("attempt %d failed", ctx.Attempt())
		}, durablite.WithActivityName("Flaky"), durablite.WithActivityRetry(durablite.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		})).
		Build()
	d := newEngine(t, build)

	id, err := d.Start(ctx, "Recovering", nil)
	require.NoError(t, err)
	status, err := d.WaitForCompletion(ctx, id, 5*time.Second)
	require.NoError(t, err)
	var out string
	require.NoError(t, status.Output(&out))
	assert.Equal(t, "recovered from Flaky", out)
	assert.Equal(t, int32(3), attempts.Load())

	id, err = d.Start(ctx, "Propagating", nil)
	require.NoError(t, err)
	status, err = d.WaitForCompletion(ctx, id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, durablite.StatusFailed, status.Status)
	require.NotNil(t, status.Failure)
	assert.Equal(t, "ActivityFailure", status.Failure.Kind)
	assert.Contains(t, status.Failure.Message, "attempt 3 failed")
}

func TestResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durablite.db")

	first, err := durablite.New(ctx, gated(make(chan struct{})),
		durablite.WithPath(path),
		durablite.WithLogger(logs.Noop()),
	)
	require.NoError(t, err)
	id, err := first.Start(ctx, "Gated", "Tokyo")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, err := first.GetStatus(ctx, id)
		return err == nil && status.Status == durablite.StatusRunning
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, first.Close())

	open := make(chan struct{})
	close(open)
	second := newEngine(t, gated(open), durablite.WithPath(path))

	status, err := second.WaitForCompletion(ctx, id, 5*time.Second)
	require.NoError(t, err)
	var out string
	require.NoError(t, status.Output(&out))
	assert.Equal(t, "Hello Tokyo!", out)

	events, err := second.History(ctx, id)
	require.NoError(t, err)
	scheduled := 0
	for _, e := range events {
		if e.Type == "ActivityScheduled" {
			scheduled++
		}
	}
	assert.Equal(t, 1, scheduled)
}

func TestDestructive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durablite.db")
	build := demo.Register(durablite.NewRegistry()).Build()

	first, err := durablite.New(ctx, build, durablite.WithPath(path), durablite.WithLogger(logs.Noop()))
	require.NoError(t, err)
	id, err := first.Start(ctx, "HelloSequence", nil)
	require.NoError(t, err)
	_, err = first.WaitForCompletion(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newEngine(t, build, durablite.WithPath(path), durablite.WithDestructive())
	_, err = second.GetStatus(ctx, id)
	assert.True(t, errors.Is(err, durablite.ErrNotFound))
}

func TestHTTPTrigger(t *testing.T) {
	d := newEngine(t, gated(make(chan struct{})))
	server := httptest.NewServer(d.Handler())
	t.Cleanup(server.Close)

	type checkStatus struct {
		ID                string `json:"id"`
		StatusQueryGetURI string `json:"statusQueryGetUri"`
		WaitGetURI        string `json:"waitGetUri"`
		TerminatePostURI  string `json:"terminatePostUri"`
	}
	start := func(name, body string) checkStatus {
		resp, err := http.Post(server.URL+"/orchestrators/"+name, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		var status checkStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		return status
	}

	hello := start("HelloSequence", "")
	resp, err := http.Get(hello.WaitGetURI + "?timeout=5s")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inst struct {
		Status string          `json:"runtimeStatus"`
		Output json.RawMessage `json:"output"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inst))
	assert.Equal(t, "Completed", inst.Status)
	assert.JSONEq(t, `["Hello Tokyo!","Hello Seattle!","Hello London!"]`, string(inst.Output))

	blocked := start("Gated", `"Tokyo"`)
	resp, err = http.Get(blocked.WaitGetURI + "?timeout=20ms")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(blocked.TerminatePostURI+"?reason=operator", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(server.URL+"/orchestrators/Gated", "application/json", strings.NewReader(`42`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(server.URL+"/orchestrators/HelloSequence", "application/json", strings.NewReader(`"Tokyo"`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	listed, err := d.ListInstances(context.Background())
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestConfig(t *testing.T) {
	t.Setenv("DURABLITE_DISPATCH_WORKERS", "2")
	t.Setenv("DURABLITE_CODEC", "json")
	t.Setenv("DURABLITE_LOG_LEVEL", "debug")
	t.Setenv("DURABLITE_DB_PATH", filepath.Join(t.TempDir(), "env.db"))

	cfg, err := durablite.ParseEnv()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.DispatchWorkers)
	assert.Equal(t, 4, cfg.ActivityWorkers)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, ":8080", cfg.HTTPAddr)

	opts, err := cfg.Options()
	require.NoError(t, err)
	d, err := durablite.New(context.Background(), demo.Register(durablite.NewRegistry()).Build(), append(opts, durablite.WithLogger(logs.Noop()))...)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, []string{"HelloFanOut", "HelloSequence"}, d.Workflows())

	bad := cfg
	bad.Codec = "xml"
	_, err = bad.Options()
	assert.Error(t, err)

	bad = cfg
	bad.LogFormat = "yaml"
	_, err = bad.Options()
	assert.Error(t, err)

	t.Setenv("DURABLITE_POLL_INTERVAL", "often")
	_, err = durablite.ParseEnv()
	assert.ErrorContains(t, err, "parse env:")
}
