package commands

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func newRequestIDTestCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("request-id", "", "")
	return cmd
}

func TestResolveRequestID_FlagWinsOverEnv(t *testing.T) {
	cmd := newRequestIDTestCmd(t)
	t.Setenv("LOOPD_REQUEST_ID", "env-req")
	require.NoError(t, cmd.Flags().Set("request-id", "flag-req"))

	require.Equal(t, "flag-req", resolveRequestID(cmd))
}

func TestResolveRequestID_UsesEnvWhenFlagEmpty(t *testing.T) {
	cmd := newRequestIDTestCmd(t)
	t.Setenv("LOOPD_REQUEST_ID", "env-req")

	require.Equal(t, "env-req", resolveRequestID(cmd))
}

func TestResolveRequestID_EmptyWhenUnset(t *testing.T) {
	cmd := newRequestIDTestCmd(t)
	t.Setenv("LOOPD_REQUEST_ID", "")

	require.Empty(t, resolveRequestID(cmd))
}
