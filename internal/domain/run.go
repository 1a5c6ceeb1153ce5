package domain

import (
	"context"
	"time"
)

// RunStatus is the terminal state of a dispatch run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// RunRecord summarises one dispatch run.
type RunRecord struct {
	ID             string    `json:"id"`
	RecipientsPath string    `json:"recipients_path"`
	TemplatePath   string    `json:"template_path"`
	Images         []string  `json:"images,omitempty"`
	DocumentPath   string    `json:"document_path,omitempty"`
	Status         RunStatus `json:"status"`
	Total          int       `json:"total"`
	Sent           int       `json:"sent"`
	Failed         int       `json:"failed"`
	Unconfirmed    int       `json:"unconfirmed"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
}

// RunLedger persists runs and their outcomes.
type RunLedger interface {
	BeginRun(ctx context.Context, run *RunRecord) error
	RecordOutcome(ctx context.Context, runID string, o Outcome) error
	FinishRun(ctx context.Context, run *RunRecord) error
}
