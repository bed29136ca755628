package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(&Config{Level: "loud", Output: "stderr"})
	require.Error(t, err)
}

func TestLogger_FieldsAreEncoded(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf).With(String("component", "test"))

	l.Info("stage fill",
		String("provider", "yahoo"),
		Int("filled", 3),
		Bool("final", true),
		Duration("took", 2*time.Second),
		Err(errors.New("boom")),
		Strings("missing", []string{"AAA", "BBB"}),
	)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "stage fill", got["message"])
	require.Equal(t, "info", got["level"])
	require.Equal(t, "test", got["component"])
	require.Equal(t, "yahoo", got["provider"])
	require.EqualValues(t, 3, got["filled"])
	require.Equal(t, true, got["final"])
	require.Equal(t, "boom", got["error"])
	require.Equal(t, "AAA,BBB", got["missing"])
}

func TestCronAdapter_Error(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf).Cron().Error(errors.New("panic"), "job failed", "entry", 3)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "error", got["level"])
	require.Equal(t, "cron", got["component"])
	require.EqualValues(t, 3, got["entry"])
}
