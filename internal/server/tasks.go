package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"taskpilot/internal/agent/core"
	"taskpilot/internal/store"
)

// ProgressSource serves the latest persisted progress snapshot for a run.
type ProgressSource interface {
	Load(ctx context.Context, runID string) (core.ProgressUpdate, bool, error)
}

// TasksHandler submits requests to the agent and exposes run state.
type TasksHandler struct {
	Store    *store.Store
	Agent    *core.Agent
	Hub      *ApprovalHub
	Progress ProgressSource
	Timeout  time.Duration

	logger *log.Logger
}

func NewTasksHandler(st *store.Store, agent *core.Agent, hub *ApprovalHub, progress ProgressSource, timeout time.Duration) *TasksHandler {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &TasksHandler{
		Store:    st,
		Agent:    agent,
		Hub:      hub,
		Progress: progress,
		Timeout:  timeout,
		logger:   log.New(log.Writer(), "[TASKS] ", log.LstdFlags),
	}
}

func (h *TasksHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.submit)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/progress", h.progress)
}

// submit accepts a request, records the run and processes it in the
// background. The response carries the run id for polling.
func (h *TasksHandler) submit(c echo.Context) error {
	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Request) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request is required")
	}
	uid := userID(c)
	runID, err := h.Store.CreateTaskRun(c.Request().Context(), uid, req.Request)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	go h.process(runID, req)

	return c.JSON(http.StatusAccepted, TaskAccepted{RunID: runID, Status: store.RunStatusRunning})
}

// process runs the request on a fresh context: the run outlives the HTTP
// request that submitted it.
func (h *TasksHandler) process(runID string, req TaskRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	outcome, err := h.Agent.ProcessRequest(ctx, runID, req.Request, req.History, nil, h.Hub.ApprovalFunc(runID))
	if err != nil {
		h.logger.Printf("run %s failed: %v", runID, err)
		_ = h.Store.FinishTaskRun(ctx, runID, store.RunStatusFailed,
			"The request could not be processed.", nil, 0, 0)
		return
	}

	status := store.RunStatusSucceeded
	if !outcome.Result.Success {
		status = store.RunStatusFailed
	}
	if err := h.Store.FinishTaskRun(ctx, runID, status, outcome.Result.FinalOutput,
		outcome.Plan, outcome.Result.StepsCompleted, outcome.Result.StepsFailed); err != nil {
		h.logger.Printf("run %s: persist result: %v", runID, err)
	}
}

func (h *TasksHandler) list(c echo.Context) error {
	runs, err := h.Store.ListTaskRuns(c.Request().Context(), userID(c), 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if runs == nil {
		runs = []store.TaskRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *TasksHandler) get(c echo.Context) error {
	run, err := h.Store.GetTaskRun(c.Request().Context(), userID(c), c.Param("id"))
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := TaskStatusResponse{Run: run}
	if live, ok := h.Agent.GetStatus(run.ID); ok {
		resp.Live = &live
	}
	return c.JSON(http.StatusOK, resp)
}

// progress serves the latest batch snapshot for a running task.
func (h *TasksHandler) progress(c echo.Context) error {
	// Ownership check before touching the snapshot cache.
	run, err := h.Store.GetTaskRun(c.Request().Context(), userID(c), c.Param("id"))
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Progress == nil {
		return echo.NewHTTPError(http.StatusNotFound, "progress tracking not enabled")
	}
	update, ok, err := h.Progress.Load(c.Request().Context(), run.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no progress recorded")
	}
	return c.JSON(http.StatusOK, update)
}
