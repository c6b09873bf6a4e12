package commands

import (
	"errors"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotcommander/loopd/internal/control"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/output"
	"github.com/dotcommander/loopd/internal/transition"
)

// NewTaskCmd creates the task command group
func NewTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Create and query tasks. Phase states: inactive, planning, awaiting_approval, building, completed, failed",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskGetCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskRunCmd())

	namespaceIndex(cmd)
	return cmd
}

func phaseStateEnum() string {
	states := transition.States()
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return strings.Join(names, "|")
}

// readOnly builds a control service without a launcher for direct DB access.
func readOnly(db *DB) *control.Service {
	return control.New(control.Deps{DB: db}, control.Config{})
}

func newTaskCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			title, _ := cmd.Flags().GetString("title")
			desc, _ := cmd.Flags().GetString("desc")
			ws, _ := cmd.Flags().GetString("workspace")

			if title == "" {
				return cmdErr(errors.New("--title is required"))
			}

			type resp struct {
				Task      *models.Task      `json:"task"`
				Workspace *models.Workspace `json:"workspace,omitempty"`
			}
			var out resp
			if err := withDB(func(db *DB) error {
				task, w, err := readOnly(db).CreateTask(title, desc, ws)
				if err != nil {
					return err
				}
				out = resp{Task: task, Workspace: w}
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(out)
		},
	}
	cmd.Flags().String("title", "", "Task title (required)")
	cmd.Flags().String("desc", "", "Task description, fed to the plan phase as its spec")
	cmd.Flags().String("workspace", "", "Workspace directory the phases run in")
	return cmd
}

func newTaskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}
			var task *models.Task
			if err := withDB(func(db *DB) error {
				t, err := readOnly(db).GetTask(id)
				if err != nil {
					return err
				}
				task = t
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(task)
		},
	}
	cmd.Flags().String("id", "", "Task ID (required)")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("phase-state")
			var state models.PhaseState
			if raw != "" {
				s, err := transition.ParsePhaseState(raw)
				if err != nil {
					return cmdErr(err)
				}
				state = s
			}

			type resp struct {
				Count int            `json:"count"`
				Tasks []*models.Task `json:"tasks"`
			}
			var out resp
			if err := withDB(func(db *DB) error {
				tasks, err := readOnly(db).ListTasks(state)
				if err != nil {
					return err
				}
				out = resp{Count: len(tasks), Tasks: tasks}
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(out)
		},
	}
	cmd.Flags().String("phase-state", "", "Filter by phase state: "+phaseStateEnum())
	return cmd
}

func newTaskRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a shell command in the task workspace via the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			command, _ := cmd.Flags().GetString("command")
			next, _ := cmd.Flags().GetString("next-action")
			if id == "" || command == "" {
				return cmdErr(errors.New("--id and --command are required"))
			}
			body := map[string]string{"command": command, "next_action": next}
			return relay(newAPIClient(cmd).do(cmd.Context(), http.MethodPost, "/api/v1/tasks/"+id+"/scripts", body))
		},
	}
	cmd.Flags().String("id", "", "Task ID (required)")
	cmd.Flags().String("command", "", "Shell command (required)")
	cmd.Flags().String("next-action", "", "Command to run after a successful exit")
	cmd.Flags().String("addr", "", "Server address (default: listen_addr setting)")
	return cmd
}
