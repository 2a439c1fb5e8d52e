// Package storetest is the behaviour every store.Store implementation
// must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/internal/types"
)

// Factory returns an empty store; the suite closes it.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, factory Factory) {
	t.Run("create and read", func(t *testing.T) { testCreateAndRead(t, factory) })
	t.Run("duplicate instance", func(t *testing.T) { testDuplicate(t, factory) })
	t.Run("not found", func(t *testing.T) { testNotFound(t, factory) })
	t.Run("append", func(t *testing.T) { testAppend(t, factory) })
	t.Run("version conflict", func(t *testing.T) { testVersionConflict(t, factory) })
	t.Run("concurrent writers", func(t *testing.T) { testConcurrentWriters(t, factory) })
	t.Run("projection", func(t *testing.T) { testProjection(t, factory) })
	t.Run("list", func(t *testing.T) { testList(t, factory) })
}

func open(t *testing.T, factory Factory) store.Store {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func started(name string, input []byte) history.Event {
	return history.OrchestratorStarted(name, input, time.Now().UTC())
}

func testCreateAndRead(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := open(t, factory)

	inst, err := s.CreateInstance(ctx, "a", []history.Event{started("HelloSequence", []byte{0x01, 0x02})})
	require.NoError(t, err)
	assert.Equal(t, types.InstanceID("a"), inst.ID)
	assert.Equal(t, "HelloSequence", inst.Name)
	assert.Equal(t, types.StatusPending, inst.Status)
	assert.Equal(t, 1, inst.Version)

	got, err := s.GetInstance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, inst.Name, got.Name)
	assert.Equal(t, []byte{0x01, 0x02}, got.Input)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	events, version, err := s.ReadHistory(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	require.Len(t, events, 1)
	assert.Equal(t, history.EventOrchestratorStarted, events[0].Type)
	assert.Equal(t, "HelloSequence", events[0].Name)

	_, err = s.CreateInstance(ctx, "b", []history.Event{history.ActivityScheduled(0, "F1", nil)})
	assert.Error(t, err, "a history must begin with OrchestratorStarted")
}

func testDuplicate(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := open(t, factory)

	_, err := s.CreateInstance(ctx, "dup", []history.Event{started("wf", nil)})
	require.NoError(t, err)
	_, err = s.CreateInstance(ctx, "dup", []history.Event{started("other", nil)})
	assert.True(t, errors.Is(err, types.ErrDuplicateInstance), "got %v", err)

	got, err := s.GetInstance(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "wf", got.Name)
}

func testNotFound(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := open(t, factory)

	_, err := s.GetInstance(ctx, "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)

	_, _, err = s.ReadHistory(ctx, "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)

	_, err = s.AppendEvents(ctx, "missing", 1, []history.Event{history.ActivityScheduled(0, "F1", nil)})
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)
}

func testAppend(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := open(t, factory)

	_, err := s.CreateInstance(ctx, "x", []history.Event{started("wf", nil)})
	require.NoError(t, err)

	inst, err := s.AppendEvents(ctx, "x", 1, []history.Event{
		history.ActivityScheduled(0, "F1", []byte("Tokyo")),
		history.ActivityScheduled(1, "F2", []byte("Seattle")),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, inst.Version)
	assert.Equal(t, types.StatusRunning, inst.Status)

	// completions arrive out of order
	_, err = s.AppendEvents(ctx, "x", 3, []history.Event{history.ActivityCompleted(1, []byte("Hello Seattle!"))})
	require.NoError(t, err)
	_, err = s.AppendEvents(ctx, "x", 4, []history.Event{
		history.ActivityFailed(0, history.Failure{Kind: history.FailureActivity, Message: "down"}),
	})
	require.NoError(t, err)

	events, version, err := s.ReadHistory(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 5, version)
	require.Len(t, events, 5)
	assert.Equal(t, "F1", events[1].Name)
	assert.Equal(t, []byte("Tokyo"), events[1].Input)
	assert.Equal(t, "F2", events[2].Name)
	assert.Equal(t, 1, events[3].Sequence)
	assert.Equal(t, []byte("Hello Seattle!"), events[3].Output)
	require.NotNil(t, events[4].Failure)
	assert.Equal(t, "down", events[4].Failure.Message)
	for _, e := range events {
		assert.False(t, e.Timestamp.IsZero(), "events are stamped on append")
	}
	require.NoError(t, history.Validate(events))

	// an empty append only checks the version
	inst, err = s.AppendEvents(ctx, "x", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, inst.Version)
}

func testVersionConflict(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := open(t, factory)

	_, err := s.CreateInstance(ctx, "v", []history.Event{started("wf", nil)})
	require.NoError(t, err)
	_, err = s.AppendEvents(ctx, "v", 1, []history.Event{history.ActivityScheduled(0, "F1", nil)})
	require.NoError(t, err)

	_, err = s.AppendEvents(ctx, "v", 1, []history.Event{history.ActivityScheduled(0, "F9", nil)})
	assert.True(t, errors.Is(err, types.ErrVersionConflict), "got %v", err)

	events, version, err := s.ReadHistory(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, "F1", events[1].Name)
}

func testConcurrentWriters(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := open(t, factory)

	_, err := s.CreateInstance(ctx, "race", []history.Event{started("wf", nil)})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendEvents(ctx, "race", 1, []history.Event{history.ActivityScheduled(0, "F1", nil)})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, types.ErrVersionConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(7), conflicts.Load())

	events, version, err := s.ReadHistory(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Len(t, events, 2)
}

func testProjection(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := open(t, factory)

	_, err := s.CreateInstance(ctx, "done", []history.Event{started("wf", nil)})
	require.NoError(t, err)
	inst, err := s.AppendEvents(ctx, "done", 1, []history.Event{history.OrchestratorCompleted([]byte("out"))})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, inst.Status)
	assert.Equal(t, []byte("out"), inst.Output)

	// late events keep the terminal status
	inst, err = s.AppendEvents(ctx, "done", 2, []history.Event{history.OrchestratorTerminated("late")})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, inst.Status)
	assert.Nil(t, inst.Failure)

	_, err = s.CreateInstance(ctx, "failed", []history.Event{started("wf", nil)})
	require.NoError(t, err)
	_, err = s.AppendEvents(ctx, "failed", 1, []history.Event{
		history.OrchestratorFailed(history.Failure{Kind: history.FailureDivergence, Message: "sequence 0"}),
	})
	require.NoError(t, err)

	got, err := s.GetInstance(ctx, "failed")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, history.FailureDivergence, got.Failure.Kind)

	_, err = s.CreateInstance(ctx, "terminated", []history.Event{started("wf", nil)})
	require.NoError(t, err)
	_, err = s.AppendEvents(ctx, "terminated", 1, []history.Event{history.OrchestratorTerminated("operator")})
	require.NoError(t, err)
	got, err = s.GetInstance(ctx, "terminated")
	require.NoError(t, err)
	assert.Equal(t, types.StatusTerminated, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, "operator", got.Failure.Message)
}

func testList(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := open(t, factory)

	for _, id := range []types.InstanceID{"l1", "l2", "l3"} {
		_, err := s.CreateInstance(ctx, id, []history.Event{started("wf", nil)})
		require.NoError(t, err)
	}
	_, err := s.AppendEvents(ctx, "l2", 1, []history.Event{history.ActivityScheduled(0, "F1", nil)})
	require.NoError(t, err)
	_, err = s.AppendEvents(ctx, "l3", 1, []history.Event{history.OrchestratorCompleted(nil)})
	require.NoError(t, err)

	all, err := s.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := s.ListInstances(ctx, types.StatusPending, types.StatusRunning)
	require.NoError(t, err)
	ids := make([]types.InstanceID, 0, len(active))
	for _, inst := range active {
		ids = append(ids, inst.ID)
	}
	assert.ElementsMatch(t, []types.InstanceID{"l1", "l2"}, ids)

	completed, err := s.ListInstances(ctx, types.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, types.InstanceID("l3"), completed[0].ID)
}
