package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	for _, name := range []string{"uptime", "ping_google", "check_logs", "pkg_update"} {
		var out commandOutput
		require.NoError(t, json.Unmarshal(execute(name), &out), name)
		assert.Equal(t, name, out.Command)
		assert.NotEmpty(t, out.Output, name)
		assert.Zero(t, out.ExitCode, name)
	}

	var out commandOutput
	require.NoError(t, json.Unmarshal(execute("rm -rf /"), &out))
	assert.Equal(t, "unknown command", out.Error)
	assert.Equal(t, 127, out.ExitCode)
}

func TestStatsSourceStaysInRange(t *testing.T) {
	s := newStatsSource(time.Now().Add(-2 * time.Hour))
	for range 500 {
		st := s.next()
		assert.GreaterOrEqual(t, st.CPU, 0.0)
		assert.LessOrEqual(t, st.CPU, 100.0)
		assert.GreaterOrEqual(t, st.RAM, 0.0)
		assert.LessOrEqual(t, st.RAM, 100.0)
		assert.GreaterOrEqual(t, st.Uptime, 2.0)
	}
}

func TestSyntheticThreatIsValid(t *testing.T) {
	for range 20 {
		a := syntheticThreat()
		require.NoError(t, a.Validate())
	}
}
