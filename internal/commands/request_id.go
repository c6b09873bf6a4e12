package commands

import (
	"os"

	"github.com/spf13/cobra"
)

// resolveRequestID returns the id the HTTP client sends as X-Request-ID.
// Empty lets the server generate one.
func resolveRequestID(cmd *cobra.Command) string {
	if v, err := cmd.Flags().GetString("request-id"); err == nil && v != "" {
		return v
	}
	return os.Getenv("LOOPD_REQUEST_ID")
}
