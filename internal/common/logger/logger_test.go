package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesActionAndFields(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWithWriter("processor", &buf)

	lg.Error("message_nacked", errors.New("sink down"), map[string]any{"order_id": "o-1"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "processor", entry["service"])
	assert.Equal(t, "message_nacked", entry["action"])
	assert.Equal(t, "o-1", entry["order_id"])
	assert.Equal(t, "sink down", entry["error"])
	assert.NotEmpty(t, entry["timestamp"])
}

func TestSetLevelFiltersDebug(t *testing.T) {
	SetLevel("info")
	t.Cleanup(func() { SetLevel("debug") })

	var buf bytes.Buffer
	lg := NewWithWriter("test", &buf)
	lg.Debug("hidden", nil)
	assert.Zero(t, buf.Len())

	lg.Info("shown", nil)
	assert.NotZero(t, buf.Len())
}
