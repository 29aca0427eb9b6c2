package server

import (
	"time"

	"taskpilot/internal/agent/core"
	"taskpilot/internal/store"
)

// HTTPError is the JSON error envelope emitted by the error handler.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// TaskRequest submits a free-form request for asynchronous processing.
type TaskRequest struct {
	Request string         `json:"request"`
	History []core.Message `json:"history,omitempty"`
}

// TaskAccepted is returned immediately; the run continues in the background.
type TaskAccepted struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// TaskStatusResponse merges the stored run with live processing state.
type TaskStatusResponse struct {
	Run  store.TaskRun          `json:"run"`
	Live *core.ProcessingStatus `json:"live,omitempty"`
}

// PendingApproval is one gated step waiting for a human decision.
type PendingApproval struct {
	ApprovalID  string                 `json:"approval_id"`
	RunID       string                 `json:"run_id"`
	StepID      string                 `json:"step_id"`
	Description string                 `json:"description"`
	Tool        string                 `json:"tool"`
	Parameters  map[string]interface{} `json:"parameters"`
	RequestedAt time.Time              `json:"requested_at"`
}

type ApprovalDecisionRequest struct {
	Approved bool `json:"approved"`
}

type ScheduleRequest struct {
	Request  string `json:"request"`
	CronSpec string `json:"cron_spec"`
}
