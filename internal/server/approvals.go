package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"taskpilot/internal/agent/core"
)

// ErrApprovalNotFound is returned when a decision targets an unknown or
// already-resolved approval.
var ErrApprovalNotFound = errors.New("approval not found")

// ApprovalHub parks gated steps until a human decides. Gated steps from
// concurrent goroutines are queued in arrival order; each waits on its own
// decision channel so one decision never unblocks another step.
type ApprovalHub struct {
	mu      sync.Mutex
	queue   []*pendingDecision
	byID    map[string]*pendingDecision
	timeout time.Duration
	logger  *log.Logger
}

type pendingDecision struct {
	id          string
	runID       string
	step        core.AgentStep
	requestedAt time.Time
	decision    chan bool
}

// NewApprovalHub creates a hub. timeout bounds how long a step waits before
// it is treated as denied; zero means an hour.
func NewApprovalHub(timeout time.Duration) *ApprovalHub {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &ApprovalHub{
		byID:    make(map[string]*pendingDecision),
		timeout: timeout,
		logger:  log.New(log.Writer(), "[APPROVAL] ", log.LstdFlags),
	}
}

// ApprovalFunc returns the approval gate for one run. The returned function
// blocks until a decision arrives, the timeout elapses (denied) or the run
// context is canceled.
func (h *ApprovalHub) ApprovalFunc(runID string) core.ApprovalFunc {
	return func(ctx context.Context, step *core.AgentStep) (bool, error) {
		p := &pendingDecision{
			id:          uuid.New().String(),
			runID:       runID,
			step:        *step,
			requestedAt: time.Now(),
			decision:    make(chan bool, 1),
		}
		h.mu.Lock()
		h.queue = append(h.queue, p)
		h.byID[p.id] = p
		h.mu.Unlock()
		h.logger.Printf("run %s: step %q waiting for approval (%s)", runID, step.Description, p.id)

		defer h.remove(p.id)

		select {
		case approved := <-p.decision:
			return approved, nil
		case <-time.After(h.timeout):
			h.logger.Printf("run %s: approval %s timed out, denying", runID, p.id)
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Pending returns the waiting steps in arrival order.
func (h *ApprovalHub) Pending() []PendingApproval {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PendingApproval, 0, len(h.queue))
	for _, p := range h.queue {
		out = append(out, PendingApproval{
			ApprovalID:  p.id,
			RunID:       p.runID,
			StepID:      p.step.ID,
			Description: p.step.Description,
			Tool:        p.step.Tool,
			Parameters:  p.step.Parameters,
			RequestedAt: p.requestedAt,
		})
	}
	return out
}

// Decide resolves one pending approval.
func (h *ApprovalHub) Decide(approvalID string, approved bool) error {
	h.mu.Lock()
	p, ok := h.byID[approvalID]
	h.mu.Unlock()
	if !ok {
		return ErrApprovalNotFound
	}
	// Buffered channel: the send never blocks even if the waiter is already
	// unwinding on context cancellation.
	p.decision <- approved
	h.remove(approvalID)
	return nil
}

func (h *ApprovalHub) remove(approvalID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[approvalID]; !ok {
		return
	}
	delete(h.byID, approvalID)
	for i, p := range h.queue {
		if p.id == approvalID {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			break
		}
	}
}

// ApprovalsHandler exposes the hub over HTTP.
type ApprovalsHandler struct {
	Hub *ApprovalHub
}

func (a *ApprovalsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", a.list)
	g.POST("/:id", a.decide)
}

func (a *ApprovalsHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, a.Hub.Pending())
}

func (a *ApprovalsHandler) decide(c echo.Context) error {
	var req ApprovalDecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := a.Hub.Decide(c.Param("id"), req.Approved); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusOK)
}
