package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/transition"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateTaskRequest is the request body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Workspace   string `json:"workspace"`
}

// TaskResponse pairs a task with its workspace.
type TaskResponse struct {
	Task      *models.Task      `json:"task"`
	Workspace *models.Workspace `json:"workspace,omitempty"`
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if strings.TrimSpace(req.Title) == "" {
		return badRequest("title field is required")
	}
	task, ws, err := s.svc.CreateTask(req.Title, req.Description, req.Workspace)
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, TaskResponse{Task: task, Workspace: ws})
}

func (s *Server) handleListTasks(c echo.Context) error {
	var state models.PhaseState
	if raw := c.QueryParam("phase_state"); raw != "" {
		parsed, err := transition.ParsePhaseState(raw)
		if err != nil {
			return badRequest(err.Error())
		}
		state = parsed
	}
	tasks, err := s.svc.ListTasks(state)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(c echo.Context) error {
	task, err := s.svc.GetTask(c.Param("id"))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, task)
}

// SetWorkspaceRequest is the request body for PUT /api/v1/tasks/:id/workspace.
type SetWorkspaceRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleSetWorkspace(c echo.Context) error {
	var req SetWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if strings.TrimSpace(req.Path) == "" {
		return badRequest("path field is required")
	}
	ws, err := s.svc.SetWorkspace(c.Param("id"), req.Path)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, ws)
}

func (s *Server) handleExecutions(c echo.Context) error {
	execs, err := s.svc.Executions(c.Param("id"))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, execs)
}

// RunScriptRequest is the request body for POST /api/v1/tasks/:id/scripts.
type RunScriptRequest struct {
	Command    string `json:"command"`
	NextAction string `json:"next_action"`
}

func (s *Server) handleRunScript(c echo.Context) error {
	var req RunScriptRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if strings.TrimSpace(req.Command) == "" {
		return badRequest("command field is required")
	}
	exec, err := s.svc.RunScript(c.Request().Context(), c.Param("id"), req.Command, req.NextAction)
	if err != nil {
		return err
	}
	return ok(c, http.StatusAccepted, exec)
}

// StatusResponse is the data of GET /phase/status.
type StatusResponse struct {
	TaskID     string            `json:"task_id"`
	PhaseState models.PhaseState `json:"phase_state"`
}

func (s *Server) handleStatus(c echo.Context) error {
	id := c.Param("id")
	state, err := s.svc.Status(id)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, StatusResponse{TaskID: id, PhaseState: state})
}

func (s *Server) handleDetails(c echo.Context) error {
	lines, err := intQuery(c, "lines")
	if err != nil {
		return err
	}
	d, err := s.svc.Details(c.Param("id"), lines)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, d)
}

// PlanResponse is the data of GET /phase/plan.
type PlanResponse struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

func (s *Server) handlePlan(c echo.Context) error {
	id := c.Param("id")
	content, err := s.svc.Plan(id)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, PlanResponse{TaskID: id, Content: content})
}

func (s *Server) handleHistory(c echo.Context) error {
	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}
	since, err := intQuery(c, "since_id")
	if err != nil {
		return err
	}
	events, err := s.svc.History(c.Param("id"), int64(since), limit)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, events)
}

func (s *Server) launch(fn func(ctx context.Context, taskID string) (*models.Execution, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		// The child outlives the request; only the launch itself is bound to it.
		exec, err := fn(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		return ok(c, http.StatusAccepted, exec)
	}
}

func (s *Server) handleCancel(c echo.Context) error {
	out, err := s.svc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, out)
}

func (s *Server) handleReset(c echo.Context) error {
	task, err := s.svc.Reset(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, task)
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(name + " must be a non-negative integer")
	}
	return n, nil
}
