package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutputWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Info, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { Init(Config{Level: Info, JSONOutput: true, Output: &buf}) })

	Logger.Info().Str("key", "value").Msg("hello")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "hello", decoded["message"])
	require.Equal(t, "value", decoded["key"])
}

func TestInitFiltersBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Warn, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("should be dropped")
	require.Empty(t, buf.Bytes())

	Logger.Warn().Msg("should appear")
	require.NotEmpty(t, buf.Bytes())

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func TestWithComponentTagsSubLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Debug, JSONOutput: true, Output: &buf})

	sub := WithComponent("fencing")
	sub.Info().Msg("watch started")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "fencing", decoded["component"])
}

func TestWithVMAndWithTaskAttachFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Debug, JSONOutput: true, Output: &buf})

	WithVM("uuid-1").Info().Msg("vm event")
	var vmLine map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &vmLine))
	require.Equal(t, "uuid-1", vmLine["vm"])

	buf.Reset()
	WithTask("task-1").Info().Msg("task event")
	var taskLine map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &taskLine))
	require.Equal(t, "task-1", taskLine["task"])
}
