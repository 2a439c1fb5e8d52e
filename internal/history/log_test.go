package history

import (
	"testing"
	"time"

	"github.com/davidroman0O/durablite/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog(t *testing.T) {
	started := OrchestratorStarted("HelloSequence", nil, time.Now())

	t.Run("indexes calls and outcomes", func(t *testing.T) {
		log := NewLog(
			started,
			ActivityScheduled(0, "F1", []byte("Tokyo")),
			ActivityScheduled(1, "F2", []byte("Seattle")),
			ActivityCompleted(1, []byte("Hello Seattle!")),
		)

		assert.Equal(t, 4, log.Len())
		assert.Equal(t, 2, log.CallCount())

		call, ok := log.Call(0)
		require.True(t, ok)
		assert.Equal(t, "F1", call.Name)

		_, ok = log.Outcome(0)
		assert.False(t, ok)

		outcome, ok := log.Outcome(1)
		require.True(t, ok)
		assert.Equal(t, []byte("Hello Seattle!"), outcome.Output)

		pending := log.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, 0, pending[0].Sequence)
	})

	t.Run("first outcome wins", func(t *testing.T) {
		log := NewLog(
			started,
			ActivityScheduled(0, "F1", nil),
			ActivityCompleted(0, []byte("first")),
			ActivityCompleted(0, []byte("second")),
		)

		outcome, ok := log.Outcome(0)
		require.True(t, ok)
		assert.Equal(t, []byte("first"), outcome.Output)
	})

	t.Run("events are copies", func(t *testing.T) {
		log := NewLog(started)
		events := log.Events()
		events[0].Name = "changed"

		got, ok := log.Started()
		require.True(t, ok)
		assert.Equal(t, "HelloSequence", got.Name)
	})

	t.Run("status", func(t *testing.T) {
		log := NewLog(started)
		assert.Equal(t, types.StatusPending, log.Status())

		log.Append(ActivityScheduled(0, "F1", nil))
		assert.Equal(t, types.StatusRunning, log.Status())

		log.Append(OrchestratorTerminated("operator"))
		assert.Equal(t, types.StatusTerminated, log.Status())

		terminal, ok := log.Terminal()
		require.True(t, ok)
		assert.Equal(t, FailureTerminated, terminal.Failure.Kind)

		// late events do not reopen an instance
		log.Append(ActivityCompleted(0, nil))
		assert.Equal(t, types.StatusTerminated, log.Status())
	})
}

func TestValidate(t *testing.T) {
	started := OrchestratorStarted("wf", nil, time.Now())

	require.NoError(t, Validate([]Event{
		started,
		ActivityScheduled(0, "a", nil),
		SideEffectRecorded(1, nil),
		ActivityScheduled(2, "b", nil),
		ActivityCompleted(2, nil),
		ActivityFailed(0, Failure{Kind: FailureActivity, Message: "boom"}),
	}))

	assert.Error(t, Validate(nil))
	assert.Error(t, Validate([]Event{ActivityScheduled(0, "a", nil)}))
	assert.Error(t, Validate([]Event{started, ActivityScheduled(1, "a", nil)}))
	assert.Error(t, Validate([]Event{started, ActivityCompleted(0, nil)}))
	assert.Error(t, Validate([]Event{started, SideEffectRecorded(0, nil), ActivityCompleted(0, nil)}))
}

func TestEventEqual(t *testing.T) {
	a := ActivityFailed(3, Failure{Kind: FailureActivity, Message: "x"})
	b := ActivityFailed(3, Failure{Kind: FailureActivity, Message: "x"})
	b.Timestamp = time.Now()
	assert.True(t, a.Equal(b))

	c := ActivityFailed(3, Failure{Kind: FailureActivity, Message: "y"})
	assert.False(t, a.Equal(c))
	assert.False(t, ActivityCompleted(1, []byte("a")).Equal(ActivityCompleted(1, []byte("b"))))
}
