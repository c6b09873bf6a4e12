package commands

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/dotcommander/loopd/internal/control"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/output"
)

// NewPhaseCmd creates the phase command group. Queries read the database
// directly; actions are sent to a running server.
func NewPhaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Drive and inspect the plan/build workflow",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newPhaseStatusCmd())
	cmd.AddCommand(newPhaseDetailsCmd())
	cmd.AddCommand(newPhasePlanCmd())
	cmd.AddCommand(newPhaseHistoryCmd())
	for _, a := range []struct{ name, short string }{
		{"start", "Start the plan phase (from inactive or failed)"},
		{"approve", "Approve the plan and start the build phase"},
		{"replan", "Discard the plan and plan again"},
		{"restart", "Plan again after a failure"},
		{"cancel", "Cancel the workflow and stop the running phase"},
		{"reset", "Return a completed task to inactive"},
	} {
		cmd.AddCommand(newPhaseActionCmd(a.name, a.short))
	}

	namespaceIndex(cmd)
	return cmd
}

func requireID(cmd *cobra.Command) (string, error) {
	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		return "", errors.New("--id is required")
	}
	return id, nil
}

// phaseQuery runs fn against a read-only service and prints its result.
func phaseQuery(cmd *cobra.Command, fn func(svc *control.Service, id string) (any, error)) error {
	id, err := requireID(cmd)
	if err != nil {
		return cmdErr(err)
	}
	var out any
	if err := withDB(func(db *DB) error {
		v, err := fn(readOnly(db), id)
		if err != nil {
			return err
		}
		out = v
		return nil
	}); err != nil {
		return err
	}
	return output.PrintSuccess(out)
}

func newPhaseStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the task phase state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return phaseQuery(cmd, func(svc *control.Service, id string) (any, error) {
				state, err := svc.Status(id)
				if err != nil {
					return nil, err
				}
				type resp struct {
					TaskID     string            `json:"task_id"`
					PhaseState models.PhaseState `json:"phase_state"`
				}
				return resp{TaskID: id, PhaseState: state}, nil
			})
		},
	}
	cmd.Flags().String("id", "", "Task ID (required)")
	return cmd
}

func newPhaseDetailsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "details",
		Short: "Show the latest execution and its last log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, _ := cmd.Flags().GetInt("lines")
			return phaseQuery(cmd, func(svc *control.Service, id string) (any, error) {
				d, err := svc.Details(id, lines)
				if err != nil {
					return nil, err
				}
				return d, nil
			})
		},
	}
	cmd.Flags().String("id", "", "Task ID (required)")
	cmd.Flags().Int("lines", control.DefaultDetailLines, "Log lines to include")
	return cmd
}

func newPhasePlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the plan document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return phaseQuery(cmd, func(svc *control.Service, id string) (any, error) {
				content, err := svc.Plan(id)
				if err != nil {
					return nil, err
				}
				type resp struct {
					TaskID  string `json:"task_id"`
					Content string `json:"content"`
				}
				return resp{TaskID: id, Content: content}, nil
			})
		},
	}
	cmd.Flags().String("id", "", "Task ID (required)")
	return cmd
}

func newPhaseHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the task events",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			since, _ := cmd.Flags().GetInt64("since-id")
			return phaseQuery(cmd, func(svc *control.Service, id string) (any, error) {
				events, err := svc.History(id, since, limit)
				if err != nil {
					return nil, err
				}
				type resp struct {
					TaskID string          `json:"task_id"`
					Count  int             `json:"count"`
					Events []*models.Event `json:"events"`
				}
				return resp{TaskID: id, Count: len(events), Events: events}, nil
			})
		},
	}
	cmd.Flags().String("id", "", "Task ID (required)")
	cmd.Flags().Int("limit", 100, "Max events to return")
	cmd.Flags().Int64("since-id", 0, "Only events with id > since-id")
	return cmd
}

func newPhaseActionCmd(action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireID(cmd)
			if err != nil {
				return cmdErr(err)
			}
			return relay(newAPIClient(cmd).do(cmd.Context(), http.MethodPost, "/api/v1/tasks/"+id+"/phase/"+action, nil))
		},
	}
	cmd.Flags().String("id", "", "Task ID (required)")
	cmd.Flags().String("addr", "", "Server address (default: listen_addr setting)")
	return cmd
}
