package commands

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/output"
)

func TestNewPhaseCmd_HasExpectedSubcommands(t *testing.T) {
	cmd := NewPhaseCmd()
	for _, name := range []string{"status", "details", "plan", "history", "start", "approve", "replan", "restart", "cancel", "reset"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, sub.Name())
	}
}

func createTask(t *testing.T, dbPath string) string {
	t.Helper()
	out, err := runCLI(t, dbPath, "task", "create", "--title", "t", "--desc", "spec", "--workspace", t.TempDir())
	require.NoError(t, err)
	return decode(t, out).Data.(map[string]any)["task"].(map[string]any)["id"].(string)
}

func TestPhaseQueries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "loopd.db")
	id := createTask(t, dbPath)

	out, err := runCLI(t, dbPath, "phase", "status", "--id", id)
	require.NoError(t, err)
	require.Equal(t, "inactive", decode(t, out).Data.(map[string]any)["phase_state"])

	out, err = runCLI(t, dbPath, "phase", "details", "--id", id)
	require.NoError(t, err)
	details := decode(t, out).Data.(map[string]any)
	require.Nil(t, details["execution"])
	require.Empty(t, details["log_lines"])

	out, err = runCLI(t, dbPath, "phase", "history", "--id", id)
	require.NoError(t, err)
	require.InDelta(t, 2, decode(t, out).Data.(map[string]any)["count"], 0)

	out, err = runCLI(t, dbPath, "phase", "plan", "--id", id)
	require.Error(t, err)
	require.Equal(t, "INVALID_TRANSITION", decode(t, out).ErrorCode)
}

func TestPhaseAction_RelaysServerEnvelope(t *testing.T) {
	var gotPath, gotRequestID string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRequestID = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(output.Error(&models.InvalidTransitionError{
			TaskID: "task_1", From: models.PhaseStateInactive, Action: "approve",
		}))
	}))
	t.Cleanup(ts.Close)

	dbPath := filepath.Join(t.TempDir(), "loopd.db")
	out, err := runCLI(t, dbPath, "--request-id", "req-9", "phase", "approve", "--id", "task_1", "--addr", ts.URL)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
	require.Equal(t, "/api/v1/tasks/task_1/phase/approve", gotPath)
	require.Equal(t, "req-9", gotRequestID)

	resp := decode(t, out)
	require.False(t, resp.Success)
	require.Equal(t, "INVALID_TRANSITION", resp.ErrorCode)
}

func TestPhaseAction_ServerUnreachable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "loopd.db")
	out, err := runCLI(t, dbPath, "phase", "start", "--id", "task_1", "--addr", "127.0.0.1:1")
	require.Error(t, err)
	require.Contains(t, decode(t, out).Error, "unreachable")
}

func TestBaseURL(t *testing.T) {
	require.Equal(t, "http://127.0.0.1:7788", baseURL("127.0.0.1:7788"))
	require.Equal(t, "https://example.test", baseURL("https://example.test/"))
}

func TestSweepAndSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "loopd.db")

	out, err := runCLI(t, dbPath, "sweep")
	require.NoError(t, err)
	require.InDelta(t, 0, decode(t, out).Data.(map[string]any)["recovered"], 0)

	out, err = runCLI(t, dbPath, "schema", "version")
	require.NoError(t, err)
	data := decode(t, out).Data.(map[string]any)
	require.Equal(t, data["latest"], data["current"])
}
