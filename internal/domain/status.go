package domain

import (
	"context"
	"time"
)

// EventKind classifies a status event.
type EventKind string

const (
	EventRunStarted   EventKind = "run_started"
	EventConfigError  EventKind = "config_error"
	EventSession      EventKind = "session"
	EventRecipient    EventKind = "recipient"
	EventRunCompleted EventKind = "run_completed"
)

// StatusEvent is what the engine tells the presentation layer.
// Seq is stamped by the bus, starting at 1; zero means unsequenced.
type StatusEvent struct {
	Seq     uint64    `json:"seq,omitempty"`
	Kind    EventKind `json:"kind"`
	RunID   string    `json:"run_id,omitempty"`
	Message string    `json:"message"`
	Outcome *Outcome  `json:"outcome,omitempty"`
	Done    int       `json:"done,omitempty"`
	Total   int       `json:"total,omitempty"`
	Time    time.Time `json:"time"`
}

// Reporter receives status events. Implementations must not block for long.
type Reporter interface {
	Report(ev StatusEvent)
}

// Notifier pushes a plain-text notice to an external chat target.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, text string) error
}
