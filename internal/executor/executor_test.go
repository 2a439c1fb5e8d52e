package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/io"
	"github.com/davidroman0O/durablite/internal/registry"
	"github.com/davidroman0O/durablite/internal/types"
)

type collector struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (c *collector) report(ctx context.Context, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

func (c *collector) all() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outcome(nil), c.outcomes...)
}

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := io.ConvertForSerialization(io.CBOR, v)
	require.NoError(t, err)
	return data
}

func start(t *testing.T, reg *registry.Registry) (*Local, *collector) {
	t.Helper()
	c := &collector{}
	l := NewLocal(reg, WithWorkers(2))
	require.NoError(t, l.Start(context.Background(), c.report))
	t.Cleanup(func() { _ = l.Close() })
	return l, c
}

func Greet(ctx types.ActivityContext, name string) (string, error) {
	return "Hello " + name + "!", nil
}

func TestExecuteReportsOutput(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity(Greet))
	l, c := start(t, reg)

	require.NoError(t, l.Execute(context.Background(), ActivityRequest{
		InstanceID: "i", Sequence: 0, Name: "Greet", Input: encode(t, "Tokyo"),
	}))
	l.Idle()

	outcomes := c.all()
	require.Len(t, outcomes, 1)
	assert.Nil(t, outcomes[0].Failure)
	var out string
	require.NoError(t, io.CBOR.Unmarshal(outcomes[0].Output, &out))
	assert.Equal(t, "Hello Tokyo!", out)
	assert.Equal(t, history.EventActivityCompleted, outcomes[0].Event().Type)
}

func TestRetryPolicy(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(ctx types.ActivityContext) (int, error) {
		attempts.Add(1)
		if ctx.Attempt() < 3 {
			return 0, errors.New("not yet")
		}
		return ctx.Attempt(), nil
	}
	alwaysDown := func(ctx types.ActivityContext) error {
		return errors.New("down")
	}

	reg := registry.New()
	require.NoError(t, reg.RegisterActivity(flaky, types.WithActivityName("flaky"), types.WithActivityRetry(types.RetryPolicy{
		MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond,
	})))
	require.NoError(t, reg.RegisterActivity(alwaysDown, types.WithActivityName("down"), types.WithActivityRetry(types.RetryPolicy{
		MaxAttempts: 2, InitialInterval: time.Millisecond,
	})))
	l, c := start(t, reg)

	require.NoError(t, l.Execute(context.Background(), ActivityRequest{InstanceID: "i", Sequence: 0, Name: "flaky"}))
	require.NoError(t, l.Execute(context.Background(), ActivityRequest{InstanceID: "i", Sequence: 1, Name: "down"}))
	l.Idle()

	outcomes := c.all()
	require.Len(t, outcomes, 2)
	bySequence := map[int]Outcome{}
	for _, o := range outcomes {
		bySequence[o.Sequence] = o
	}

	require.Nil(t, bySequence[0].Failure)
	var attempt int
	require.NoError(t, io.CBOR.Unmarshal(bySequence[0].Output, &attempt))
	assert.Equal(t, 3, attempt)
	assert.Equal(t, int32(3), attempts.Load())

	require.NotNil(t, bySequence[1].Failure)
	assert.Equal(t, history.FailureActivity, bySequence[1].Failure.Kind)
	assert.Equal(t, "down", bySequence[1].Failure.Message)
	assert.Equal(t, history.EventActivityFailed, bySequence[1].Event().Type)
}

func TestPanicsBecomeFailures(t *testing.T) {
	var attempts atomic.Int32
	boom := func(ctx types.ActivityContext) error {
		attempts.Add(1)
		panic("boom")
	}
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity(boom, types.WithActivityName("boom"), types.WithActivityRetry(types.RetryPolicy{MaxAttempts: 5})))
	l, c := start(t, reg)

	require.NoError(t, l.Execute(context.Background(), ActivityRequest{InstanceID: "i", Sequence: 0, Name: "boom"}))
	l.Idle()

	outcomes := c.all()
	require.Len(t, outcomes, 1)
	require.NotNil(t, outcomes[0].Failure)
	assert.Equal(t, history.FailurePanic, outcomes[0].Failure.Kind)
	assert.True(t, strings.Contains(outcomes[0].Failure.Message, "boom"))
	assert.Equal(t, int32(1), attempts.Load(), "panics are not retried")
}

func TestUnknownActivityFails(t *testing.T) {
	l, c := start(t, registry.New())
	require.NoError(t, l.Execute(context.Background(), ActivityRequest{InstanceID: "i", Sequence: 4, Name: "missing"}))
	l.Idle()

	outcomes := c.all()
	require.Len(t, outcomes, 1)
	require.NotNil(t, outcomes[0].Failure)
	assert.Equal(t, 4, outcomes[0].Sequence)
	assert.Contains(t, outcomes[0].Failure.Message, types.ErrActivityNotRegistered.Error())
}

func TestInFlightRequestsAreDeduplicated(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	slow := func(ctx types.ActivityContext) error {
		calls.Add(1)
		<-release
		return nil
	}
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity(slow, types.WithActivityName("slow")))
	l, c := start(t, reg)

	req := ActivityRequest{InstanceID: "i", Sequence: 0, Name: "slow"}
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Execute(context.Background(), req))
	}
	close(release)
	l.Idle()

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, c.all(), 1)
}

func TestCloseAbandonsRunningActivities(t *testing.T) {
	started := make(chan struct{})
	blocked := func(ctx types.ActivityContext) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity(blocked, types.WithActivityName("blocked")))

	c := &collector{}
	l := NewLocal(reg)
	require.NoError(t, l.Start(context.Background(), c.report))
	require.NoError(t, l.Execute(context.Background(), ActivityRequest{InstanceID: "i", Sequence: 0, Name: "blocked"}))
	<-started
	require.NoError(t, l.Close())

	assert.Empty(t, c.all())
	assert.ErrorIs(t, l.Execute(context.Background(), ActivityRequest{InstanceID: "i", Sequence: 1, Name: "blocked"}), types.ErrClosed)
}
