package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	Info("uploaded", KeyS3Key, "teltubby/2026/01/chat/42/file.jpg", KeySize, 1234)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "uploaded", record["msg"])
	assert.Equal(t, "teltubby/2026/01/chat/42/file.jpg", record[KeyS3Key])
	assert.Equal(t, float64(1234), record[KeySize])
}

func TestTextFormatAttrs(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	Info("dedup hit", KeyDedup, "sha256", KeyOrdinal, 2)

	out := buf.String()
	assert.Contains(t, out, "dedup hit")
	assert.Contains(t, out, "dedup=sha256")
	assert.Contains(t, out, "ordinal=2")
}

func TestContextFieldsInjected(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	lc := NewLogContext("pipeline").
		WithOrigin(-100123, 42, 777).
		WithUnit("teltubby/2026/01/somechat/42/")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "unit committed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "pipeline", record[KeyComponent])
	assert.Equal(t, float64(-100123), record[KeyChatID])
	assert.Equal(t, float64(42), record[KeyMessageID])
	assert.Equal(t, "teltubby/2026/01/somechat/42/", record[KeyUnit])
}

func TestContextClonesAreIndependent(t *testing.T) {
	base := NewLogContext("worker")
	withJob := base.WithJob("b2f1c9e0-0000-4000-8000-000000000000")

	assert.Empty(t, base.JobID)
	assert.Equal(t, "b2f1c9e0-0000-4000-8000-000000000000", withJob.JobID)
	assert.Equal(t, "worker", withJob.Component)
}

func TestFromContextMissing(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	assert.Nil(t, FromContext(nil)) //nolint:staticcheck
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512B"},
		{2048, "2.0KiB"},
		{50 * 1024 * 1024, "50.0MiB"},
		{4 * 1024 * 1024 * 1024, "4.0GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}

func TestInvalidLevelIgnored(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	SetLevel("NOISY")
	Info("still info")

	assert.True(t, strings.Contains(buf.String(), "still info"))
}
