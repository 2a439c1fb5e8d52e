package demo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/durablite/internal/registry"
	"github.com/davidroman0O/durablite/internal/types"
)

func TestActivities(t *testing.T) {
	ctx := types.NewActivityContext(context.Background(), "demo", 0, "F1", 1)
	for _, fn := range []func(types.ActivityContext, string) (string, error){F1, F2, F3} {
		out, err := fn(ctx, "Tokyo")
		require.NoError(t, err)
		assert.Equal(t, "Hello Tokyo!", out)
	}
}

func TestRegister(t *testing.T) {
	r, err := Register(registry.NewBuilder()).Build()()
	require.NoError(t, err)
	assert.Equal(t, []string{"HelloFanOut", "HelloSequence"}, r.Workflows())
	for _, name := range []string{"F1", "F2", "F3"} {
		assert.True(t, r.IsActivityRegistered(name))
	}
}
