package commands

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFlagType(t *testing.T) {
	require.Equal(t, "integer", normalizeFlagType("int64"))
	require.Equal(t, "integer", normalizeFlagType("int"))
	require.Equal(t, "boolean", normalizeFlagType("bool"))
	require.Equal(t, "string", normalizeFlagType("duration"))
}

func TestTypedFlagDefault(t *testing.T) {
	require.Equal(t, false, typedFlagDefault("bool", "false"))
	require.Equal(t, 20, typedFlagDefault("int", "20"))
	require.Equal(t, "many", typedFlagDefault("int", "many"))
	require.Equal(t, ".loopd", typedFlagDefault("string", ".loopd"))
}

func TestIsRequiredFlag(t *testing.T) {
	byAnnotation := &pflag.Flag{Annotations: map[string][]string{cobra.BashCompOneRequiredFlag: {"true"}}}
	require.True(t, isRequiredFlag(byAnnotation))
	require.True(t, isRequiredFlag(&pflag.Flag{Usage: "Task ID (required)"}))
	require.False(t, isRequiredFlag(&pflag.Flag{Usage: "Server address (default: listen_addr setting)"}))
}

func TestParseEnumValues(t *testing.T) {
	require.Equal(t, []string{"inactive", "planning", "failed"}, parseEnumValues("Filter by phase state: inactive|planning|failed"))
	require.Equal(t, []string{"plan", "build"}, parseEnumValues("Phase (plan, build)"))
	require.Nil(t, parseEnumValues("Server address (e.g. 127.0.0.1:7788, :9000)"))
	require.Nil(t, parseEnumValues("Task ID (required)"))
	require.Nil(t, parseEnumValues(""))
}

func TestNormalizeEnumParts(t *testing.T) {
	require.Equal(t, []string{"start", "approve"}, normalizeEnumParts([]string{" start ", "[approve]", "two words", "1.5"}))
	require.Nil(t, normalizeEnumParts([]string{"cancel"}))
}

func findSchema(t *testing.T, all []commandArgSchema, path string) commandArgSchema {
	t.Helper()
	for _, s := range all {
		if s.Command == path {
			return s
		}
	}
	t.Fatalf("no schema for %q", path)
	return commandArgSchema{}
}

func TestCollectCommandSchemas_RealTree(t *testing.T) {
	var all []commandArgSchema
	collectCommandSchemas(newRootCmd("test"), &all)

	for _, s := range all {
		require.NotEqual(t, "loopd", s.Command)
		require.NotContains(t, s.Command, "loopd schema")
	}

	start := findSchema(t, all, "loopd phase start")
	props := start.ArgsSchema["properties"].(map[string]any)
	require.Contains(t, props, "id")
	require.Contains(t, props, "addr")
	require.Contains(t, props, "db-path")
	require.Equal(t, []string{"id"}, start.ArgsSchema["required"])

	list := findSchema(t, all, "loopd task list")
	state := list.ArgsSchema["properties"].(map[string]any)["phase-state"].(map[string]any)
	require.Equal(t, []string{"inactive", "planning", "awaiting_approval", "building", "completed", "failed"}, state["enum"])

	details := findSchema(t, all, "loopd phase details")
	lines := details.ArgsSchema["properties"].(map[string]any)["lines"].(map[string]any)
	require.Equal(t, "integer", lines["type"])
	require.Equal(t, 20, lines["default"])
}

func TestCollectCommandSchemas_SkipsHidden(t *testing.T) {
	root := &cobra.Command{Use: "loopd"}
	visible := &cobra.Command{Use: "sweep", Short: "Sweep"}
	hidden := &cobra.Command{Use: "debug", Hidden: true}
	root.AddCommand(&cobra.Command{Use: "schema"}, visible, hidden)

	var out []commandArgSchema
	collectCommandSchemas(root, &out)

	require.Len(t, out, 1)
	require.Equal(t, "loopd sweep", out[0].Command)
}
