package registry

import (
	"errors"
	"testing"

	"github.com/davidroman0O/durablite/internal/replay"
	"github.com/davidroman0O/durablite/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func greet(ctx types.ActivityContext, name string) (string, error) {
	return "Hello " + name + "!", nil
}

func ping(ctx types.ActivityContext) error {
	return nil
}

func sequence(ctx replay.WorkflowContext) ([]string, error) {
	return nil, nil
}

func TestBuilder(t *testing.T) {
	r, err := NewBuilder().
		Workflow(sequence).
		Workflow(sequence, types.WithWorkflowName("HelloSequence")).
		Activity(greet, types.WithActivityRetry(types.RetryPolicy{MaxAttempts: 3})).
		Activity(ping).
		Build()()
	require.NoError(t, err)

	t.Run("short names", func(t *testing.T) {
		workflow, err := r.GetWorkflow("sequence")
		require.NoError(t, err)
		assert.Equal(t, 0, workflow.NumIn)
		assert.True(t, types.HandlerInfo(workflow).HasOutput())
		assert.Contains(t, string(workflow.HandlerLongName), "registry.sequence")

		assert.True(t, r.IsWorkflowRegistered("HelloSequence"))
		assert.Equal(t, []string{"HelloSequence", "sequence"}, r.Workflows())
	})

	t.Run("activity options", func(t *testing.T) {
		activity, err := r.GetActivity("greet")
		require.NoError(t, err)
		assert.Equal(t, 3, activity.Options.RetryPolicy.MaxAttempts)
		assert.Equal(t, types.DefaultRetryPolicy.InitialInterval, activity.Options.RetryPolicy.InitialInterval)
		assert.True(t, activity.HasInput())

		activity, err = r.GetActivity("ping")
		require.NoError(t, err)
		assert.False(t, activity.HasInput())
		assert.False(t, activity.HasOutput())
	})

	t.Run("resolve by name or function", func(t *testing.T) {
		name, err := r.ActivityName(greet)
		require.NoError(t, err)
		assert.Equal(t, "greet", name)

		name, err = r.ActivityName("ping")
		require.NoError(t, err)
		assert.Equal(t, "ping", name)

		_, err = r.ActivityName("missing")
		assert.True(t, errors.Is(err, types.ErrActivityNotRegistered))

		_, err = r.ActivityName(42)
		assert.True(t, errors.Is(err, types.ErrActivityNotRegistered))

		_, err = r.GetWorkflow("missing")
		assert.True(t, errors.Is(err, types.ErrOrchestrationNotRegistered))
	})
}

func TestRegisterRejectsBadShapes(t *testing.T) {
	r := New()

	assert.Error(t, r.RegisterActivity("not a function"))
	assert.Error(t, r.RegisterActivity(func() error { return nil }))
	assert.Error(t, r.RegisterActivity(func(ctx replay.WorkflowContext) error { return nil }))
	assert.Error(t, r.RegisterActivity(func(ctx types.ActivityContext, a, b int) error { return nil }))
	assert.Error(t, r.RegisterActivity(func(ctx types.ActivityContext) {}))
	assert.Error(t, r.RegisterActivity(func(ctx types.ActivityContext) int { return 0 }))
	assert.Error(t, r.RegisterActivity(func(ctx types.ActivityContext) (int, int, error) { return 0, 0, nil }))
	assert.Error(t, r.RegisterWorkflow(func(ctx types.ActivityContext) error { return nil }))

	require.NoError(t, r.RegisterActivity(ping))
	assert.Error(t, r.RegisterActivity(ping), "duplicate names are refused")
	require.NoError(t, r.RegisterActivity(ping, types.WithActivityName("ping2")))
	assert.Error(t, r.RegisterActivity(ping, types.WithActivityName("")))
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "F1", shortName("github.com/davidroman0O/durablite/internal/demo.F1"))
	assert.Equal(t, "TestX.func1", shortName("github.com/x/y.TestX.func1"))
	assert.Equal(t, "main", shortName("main"))
}
