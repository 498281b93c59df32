package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactHandlerScrubsEmailAndCard(t *testing.T) {
	var buf bytes.Buffer
	h := logger.NewRedactHandler(slog.NewJSONHandler(&buf, nil))
	l := slog.New(h)

	l.Info("user action", "email", "user@example.com", "cc", "1234 5678 1234 5678", "status", "success")

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "[REDACTED_EMAIL]", out["email"])
	assert.Equal(t, "[REDACTED_CARD]", out["cc"])
	assert.Equal(t, "success", out["status"])
}

func TestSamplingHandlerAlwaysPassesWarnAndAbove(t *testing.T) {
	var buf bytes.Buffer
	h := logger.NewSamplingHandler(slog.NewJSONHandler(&buf, nil), 0)
	l := slog.New(h)

	l.Warn("always shown")
	l.Info("maybe dropped")

	assert.Contains(t, buf.String(), "always shown")
}

func TestAsyncHandlerDeliversRecords(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	h := logger.NewAsyncHandler(base, 16, false)
	l := slog.New(h)

	l.Info("hello async")
	h.Close()

	assert.Contains(t, buf.String(), "hello async")
}

func BenchmarkRedactHandler(b *testing.B) {
	h := logger.NewRedactHandler(slog.NewJSONHandler(io.Discard, nil))
	l := slog.New(h)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.InfoContext(ctx, "User action",
			"user_id", "12345",
			"action", "login",
			"email", "user@example.com",
			"status", "success",
			"description", "User logged in successfully without issues",
			"cc", "1234 5678 1234 5678",
		)
	}
}

func BenchmarkRedactHandler_Clean(b *testing.B) {
	h := logger.NewRedactHandler(slog.NewJSONHandler(io.Discard, nil))
	l := slog.New(h)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.InfoContext(ctx, "User action",
			"user_id", "12345",
			"action", "view_page",
			"page", "dashboard",
			"status", "success",
			"description", "User viewed the dashboard page",
		)
	}
}
