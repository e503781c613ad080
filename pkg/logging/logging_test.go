package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrettyHandlerHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("Handle INFO level log", func(t *testing.T) {
		var buf bytes.Buffer
		handler := NewPrettyHandler(&buf, PrettyHandlerOptions{})

		record := slog.NewRecord(time.Now(), slog.LevelInfo, "epoch finished", 0)
		record.AddAttrs(slog.Int("epoch", 4), slog.Float64("loss", 1.5))

		err := handler.Handle(ctx, record)

		assert.NoError(t, err)
		output := buf.String()
		assert.Contains(t, output, "INFO:")
		assert.Contains(t, output, "epoch finished")
		assert.Contains(t, output, `"epoch": 4`)
		assert.Contains(t, output, `"loss": 1.5`)
		assert.Regexp(t, `\[\d{2}:\d{2}:\d{2}\.\d{3}\]`, output)
	})

	t.Run("Handle log with no attributes", func(t *testing.T) {
		var buf bytes.Buffer
		handler := NewPrettyHandler(&buf, PrettyHandlerOptions{})

		record := slog.NewRecord(time.Now(), slog.LevelWarn, "simple message", 0)
		assert.NoError(t, handler.Handle(ctx, record))
		assert.Contains(t, buf.String(), "WARN:")
		assert.Contains(t, buf.String(), "{}")
	})

	t.Run("WithAttrs and WithGroup carry attributes", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(NewPrettyHandler(&buf, PrettyHandlerOptions{})).
			With("model", "TransE").
			WithGroup("eval")

		logger.Info("mini test", "mr", 12.5)

		output := buf.String()
		assert.Contains(t, output, `"model": "TransE"`)
		assert.Contains(t, output, `"eval.mr": 12.5`)
	})
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Error("visible", "code", "NUMERICAL_FAILURE")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, "ERROR:")
	assert.Contains(t, output, "NUMERICAL_FAILURE")

	Discard().Error("dropped")
}

func TestProgress(t *testing.T) {
	t.Run("silent when not a terminal", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProgress(&buf, 10, nil)
		p.Update(1, 0.5)
		p.Done()
		assert.Empty(t, buf.String())
	})

	t.Run("draws and clears when forced", func(t *testing.T) {
		var buf bytes.Buffer
		tty := true
		p := NewProgress(&buf, 10, &tty)
		p.Update(3, 0.25)
		assert.Contains(t, buf.String(), "(3/10): -- loss: 0.25000")
		assert.True(t, strings.HasPrefix(buf.String(), "\r"))

		buf.Reset()
		p.Done()
		assert.True(t, strings.HasSuffix(buf.String(), "\r"))
		assert.Empty(t, strings.TrimSpace(buf.String()))
	})
}
