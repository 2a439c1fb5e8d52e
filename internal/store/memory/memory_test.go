package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New()
		require.NoError(t, err)
		return s
	})
}
