package logs

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLogger(t *testing.T) {
	ctx := context.Background()

	t.Run("respects level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&buf, slog.LevelInfo, TextFormat)

		logger.Debug(ctx, "hidden")
		logger.Info(ctx, "visible", "instanceID", "abc")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "visible")
		assert.Contains(t, buf.String(), "instanceID=abc")
	})

	t.Run("json fields", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&buf, slog.LevelDebug, JSONFormat).
			WithFields(map[string]interface{}{"component": "scheduler"})

		logger.Warn(ctx, "conflict", "sequence", 3)

		assert.Contains(t, buf.String(), `"component":"scheduler"`)
		assert.Contains(t, buf.String(), `"sequence":3`)
	})

	t.Run("package level default", func(t *testing.T) {
		var buf bytes.Buffer
		previous := Default()
		defer SetDefault(previous)

		SetDefault(NewLogger(&buf, LevelDebug.Leveler(), TextFormat))
		Debug(ctx, "from package")

		assert.Contains(t, buf.String(), "from package")
	})
}
