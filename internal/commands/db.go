package commands

import (
	"github.com/spf13/cobra"

	"github.com/dotcommander/loopd/internal/app"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/output"
	"github.com/dotcommander/loopd/internal/store"
	"github.com/dotcommander/loopd/internal/transition"
)

// NewDBCmd creates the db command group.
func NewDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database utilities",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newDBPathCmd())
	cmd.AddCommand(newDBStatsCmd())
	namespaceIndex(cmd)
	return cmd
}

func newDBPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the resolved database path and where it came from",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, source, err := app.ResolveDBPathDetailed()
			if err != nil {
				return cmdErr(err)
			}

			type resp struct {
				Path   string `json:"path"`
				Source string `json:"source"`
			}
			return output.PrintSuccess(resp{Path: path, Source: source})
		},
	}
}

// dbStats is the summary printed by `loopd db stats`.
type dbStats struct {
	Tasks        int                       `json:"tasks"`
	ByPhaseState map[models.PhaseState]int `json:"by_phase_state"`
	Running      []*models.Execution       `json:"running"`
}

func newDBStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks per phase state and list running executions",
		Long:  "Running executions listed here while no server is up are orphans; `loopd sweep` fails them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out *dbStats
			if err := withDB(func(db *DB) error {
				s, err := collectStats(db)
				if err != nil {
					return err
				}
				out = s
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(out)
		},
	}
}

func collectStats(db *DB) (*dbStats, error) {
	tasks, err := store.ListTasks(db, "")
	if err != nil {
		return nil, err
	}
	running, err := store.ListRunningExecutions(db)
	if err != nil {
		return nil, err
	}

	s := &dbStats{
		Tasks:        len(tasks),
		ByPhaseState: make(map[models.PhaseState]int, len(transition.States())),
		Running:      running,
	}
	for _, st := range transition.States() {
		s.ByPhaseState[st] = 0
	}
	for _, t := range tasks {
		s.ByPhaseState[t.PhaseState]++
	}
	return s, nil
}
