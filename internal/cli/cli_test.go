package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Command tree
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "dagqueue", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 4, "should have run/submit/status/report subcommands")

	names := make(map[string]bool)
	for _, c := range commands {
		names[c.Use] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["submit"])
	assert.True(t, names["status"])
	assert.True(t, names["report"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()
	assert.Equal(t, "submit", cmd.Use)

	fileFlag := cmd.Flags().Lookup("file")
	assert.NotNil(t, fileFlag)
	assert.Equal(t, "f", fileFlag.Shorthand)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()
	assert.Equal(t, "status", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildReportCommand(t *testing.T) {
	cmd := buildReportCommand()
	assert.Equal(t, "report", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

// ============================================================================
// submitQueries
// ============================================================================

func TestSubmitQueries_InvalidFile(t *testing.T) {
	err := submitQueries("/nonexistent/queries.json")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read queries file")
}

func TestSubmitQueries_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "invalid.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not": "a list"`), 0644))

	err := submitQueries(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse queries file")
}

func TestSubmitQueries_Valid(t *testing.T) {
	globalQueue = nil
	defer func() { globalQueue = nil }()

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "queries.json")
	body := `[{"query":"Job0"},{"query":"Job1","dependency":"Job0"}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	err := submitQueries(path)
	require.NoError(t, err)
	require.NotNil(t, globalQueue)
	globalQueue.Stop()
}

// ============================================================================
// status / report without a running queue
// ============================================================================

func TestShowStatus_NoQueue(t *testing.T) {
	globalQueue = nil
	err := showStatus("Job0")
	assert.Error(t, err)
}

func TestBuildReportCommand_NoQueue(t *testing.T) {
	globalQueue = nil
	cmd := buildReportCommand()
	err := cmd.RunE(cmd, nil)
	assert.Error(t, err)
}
