package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dotcommander/loopd/internal/app"
	"github.com/dotcommander/loopd/internal/output"
	"github.com/dotcommander/loopd/internal/store"
	"github.com/dotcommander/loopd/internal/sweep"
)

// NewSweepCmd creates the sweep command.
func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail executions left running by a dead server",
		Long:  "Refuses to run while a loopd server holds the database, since its running executions are live.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, err := app.GetDBPath()
			if err != nil {
				return cmdErr(err)
			}
			release, err := store.AcquireServerLock(dbPath)
			if err != nil {
				return cmdErr(err)
			}
			defer release()

			var rep *sweep.Report
			if err := withDB(func(db *DB) error {
				r, err := sweep.Run(sweep.Deps{DB: db, Logger: slog.Default()})
				if err != nil {
					return err
				}
				rep = r
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(rep)
		},
	}
}
