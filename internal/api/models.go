package api

import (
	"time"

	"popsync/internal/orchestrator"
)

// Invocation states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateFinished  = "finished"
	StateError     = "error"
	StateCancelled = "cancelled"
)

// InvocationResponse is returned after an invocation was accepted.
type InvocationResponse struct {
	InvocationID string `json:"invocation_id"`
}

// InvocationStatus represents the runtime state of a launched invocation.
type InvocationStatus struct {
	InvocationID string               `json:"invocation_id"`
	Status       string               `json:"status"` // queued | running | finished | error | cancelled
	Error        string               `json:"error,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
	Result       *orchestrator.Result `json:"result,omitempty"`
}
