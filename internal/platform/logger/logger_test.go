package logger

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelhub/jobcore/internal/config"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		want  slog.Level
		valid bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"", slog.LevelInfo, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tc := range tests {
		got, ok := ParseLevel(tc.name)
		assert.Equal(t, tc.want, got, tc.name)
		assert.Equal(t, tc.valid, ok, tc.name)
	}
}

func TestSetupWritesJSONAtConfiguredLevel(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	buf := &TestLogBuffer{}
	l := setup(config.ServerConfig{LogLevel: "warn"}, buf)

	l.Info("hidden")
	l.Warn("shown", "queue", "labels")

	entries, err := buf.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0]["msg"])
	assert.Equal(t, "labels", entries[0]["queue"])
	assert.Same(t, l, slog.Default())
}

func TestSetupTextFormat(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	buf := &TestLogBuffer{}
	l := setup(config.ServerConfig{LogLevel: "info", LogFormat: "text"}, buf)
	l.Info("hello")

	assert.True(t, strings.Contains(buf.String(), "msg=hello"))
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	l, _ := NewBufferLogger()
	ctx := WithContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, FromContext(context.Background()))
	//nolint:staticcheck // nil context is part of the contract
	assert.NotNil(t, FromContext(nil))
}

func TestFromContextOrDefault(t *testing.T) {
	t.Parallel()

	fallback := Discard()
	assert.Same(t, fallback, FromContextOrDefault(context.Background(), fallback))

	l, _ := NewBufferLogger()
	ctx := WithContext(context.Background(), l)
	assert.Same(t, l, FromContextOrDefault(ctx, fallback))
}
