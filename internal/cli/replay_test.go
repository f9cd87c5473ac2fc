package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/story"
	"github.com/taskmesh/taskmesh/internal/task"
)

func TestReplayMissingFlags(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", "x"}) // missing --address

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestReplayEmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "story.db")
	st, err := story.Open(dbPath)
	require.NoError(t, err)
	st.Close()

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--address", "tcp://w1:8786"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "0 stimulus(es)")
	assert.Contains(t, buf.String(), "reproduced the logged story")
}

func TestReplayCleanLog(t *testing.T) {
	dbPath := recordStory(t)

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--address", "tcp://w1:8786"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "2 stimulus(es)")
	assert.Contains(t, output, "✓ Replay reproduced the logged story")
}

func TestReplayDetectsTampering(t *testing.T) {
	dbPath := recordStory(t)

	// Append a transition the machine never made.
	st, err := story.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.RecordTransition(999, "ghost", task.Released, task.Memory, "tamper"))
	st.Close()

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--address", "tcp://w1:8786"})

	err = cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	output := buf.String()
	assert.Contains(t, output, "✗ Divergence")
	assert.Contains(t, output, "ghost")
}

func TestReplayJSONOutput(t *testing.T) {
	dbPath := recordStory(t)

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--address", "tcp://w1:8786"})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Stimuli)
	assert.True(t, resp.Data.Deterministic)
	assert.Nil(t, resp.Data.Divergence)
}

func TestReplayJSONDivergence(t *testing.T) {
	dbPath := recordStory(t)

	st, err := story.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.RecordTransition(999, "ghost", task.Released, task.Memory, "tamper"))
	st.Close()

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--address", "tcp://w1:8786"})

	err = cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_DIVERGENCE", resp.Error.Code)
}

func TestReplayMissingDatabase(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "no-such-dir", "story.db"), "--address", "w1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
