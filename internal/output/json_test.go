package output

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/loopd/internal/models"
)

// Compile-time check: models.RecoverableError must satisfy the local recoverableError interface.
var _ recoverableError = (models.RecoverableError)(nil)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	original := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = original }()

	fn()

	require.NoError(t, w.Close())

	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return string(b)
}

func TestSuccessAndError(t *testing.T) {
	s := Success(map[string]string{"k": "v"})
	require.Equal(t, "v1", s.SchemaVersion)
	require.True(t, s.Success)
	require.NotNil(t, s.Data)
	require.Empty(t, s.Error)

	e := Error(errors.New("boom"))
	require.Equal(t, "v1", e.SchemaVersion)
	require.False(t, e.Success)
	require.Nil(t, e.Data)
	require.Equal(t, "boom", e.Error)
	require.Empty(t, e.ErrorCode)
	require.Nil(t, e.Context)
	require.Empty(t, e.SuggestedAction)
}

func TestError_DomainErrorFields(t *testing.T) {
	err := fmt.Errorf("approve: %w", &models.InvalidTransitionError{
		TaskID:  "task_1",
		From:    models.PhaseStatePlanning,
		Action:  "approve",
		Allowed: []models.PhaseState{models.PhaseStateAwaitingApproval},
	})

	resp := Error(err)
	require.Equal(t, "approve: cannot approve from state planning", resp.Error)
	require.Equal(t, "INVALID_TRANSITION", resp.ErrorCode)
	require.Equal(t, "planning", resp.Context["from"])
	require.Equal(t, "awaiting_approval", resp.Context["valid_from"])
	require.Equal(t, "task_1", resp.Context["task_id"])
	require.NotEmpty(t, resp.SuggestedAction)

	var buf bytes.Buffer
	require.NoError(t, PrintWith(Config{Writer: &buf}, resp))
	out := buf.String()
	require.Contains(t, out, `"error_code":"INVALID_TRANSITION"`)
	require.Contains(t, out, `"context":{`)
	require.Contains(t, out, `"suggested_action":`)
}

func TestError_PlainErrorOmitsEnrichedFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintWith(Config{Writer: &buf}, Error(errors.New("plain"))))
	out := buf.String()
	require.NotContains(t, out, "error_code")
	require.NotContains(t, out, "suggested_action")
	require.NotContains(t, out, `"context"`)
}

func TestPrintWith(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintWith(Config{Writer: &buf}, map[string]string{"hello": "world"}))
	require.Equal(t, "{\"hello\":\"world\"}\n", buf.String())

	buf.Reset()
	require.NoError(t, PrintWith(Config{Writer: &buf, Pretty: true}, map[string]string{"hello": "world"}))
	require.Contains(t, buf.String(), "\n  \"hello\": \"world\"\n")
	require.True(t, strings.HasPrefix(buf.String(), "{\n"))
}

func TestDefaultConfig(t *testing.T) {
	for _, tc := range []struct {
		env    string
		pretty bool
	}{{"", false}, {"1", true}, {"true", true}, {"yes", false}} {
		t.Run(tc.env, func(t *testing.T) {
			t.Setenv("LOOPD_PRETTY_JSON", tc.env)
			cfg := DefaultConfig()
			require.Equal(t, os.Stdout, cfg.Writer)
			require.Equal(t, tc.pretty, cfg.Pretty)
		})
	}
}

func TestPrintSuccessAndPrintError(t *testing.T) {
	t.Setenv("LOOPD_PRETTY_JSON", "")

	successOut := captureStdout(t, func() {
		require.NoError(t, PrintSuccess(map[string]int{"count": 2}))
	})
	require.Contains(t, successOut, "\"schema_version\":\"v1\"")
	require.Contains(t, successOut, "\"success\":true")
	require.Contains(t, successOut, "\"count\":2")

	errorOut := captureStdout(t, func() {
		require.NoError(t, PrintError(&models.TaskNotFoundError{TaskID: "task_x"}))
	})
	require.Contains(t, errorOut, "\"success\":false")
	require.Contains(t, errorOut, "\"error_code\":\"TASK_NOT_FOUND\"")
}
