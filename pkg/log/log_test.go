package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	l := WithComponent("scheduler")
	l.Info().Str("pool_id", "pool-1").Msg("resource claimed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "scheduler", line["component"])
	assert.Equal(t, "pool-1", line["pool_id"])
	assert.Equal(t, "resource claimed", line["message"])
	assert.Contains(t, line, "time")
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	tests := []struct {
		log   func()
		field string
		value string
	}{
		{func() { l := WithPoolID("p-1"); l.Info().Msg("x") }, "pool_id", "p-1"},
		{func() { l := WithResourceID("r-1"); l.Info().Msg("x") }, "resource_id", "r-1"},
		{func() { l := WithAssignmentID("a-1"); l.Info().Msg("x") }, "assignment_id", "a-1"},
		{func() { l := WithTaskID("t-1"); l.Info().Msg("x") }, "task_id", "t-1"},
	}
	for _, tt := range tests {
		buf.Reset()
		tt.log()
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, tt.value, line[tt.field])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	Info("should be filtered")
	assert.Zero(t, buf.Len())

	Error("should pass")
	assert.Contains(t, buf.String(), "should pass")
}
