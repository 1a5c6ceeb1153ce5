package domain

import "time"

// DeliveryStatus is the result recorded for one recipient.
type DeliveryStatus string

const (
	StatusSent        DeliveryStatus = "sent"
	StatusFailed      DeliveryStatus = "failed"      // invalid identity or driver failure
	StatusUnconfirmed DeliveryStatus = "unconfirmed" // sent, but no confirmation marker seen in time
)

// Outcome is produced exactly once per dispatched recipient.
type Outcome struct {
	Row          int            `json:"row"`
	Identity     string         `json:"identity"`
	Status       DeliveryStatus `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	PollAttempts int            `json:"poll_attempts"`
	Images       int            `json:"images"`
	Document     bool           `json:"document"`
	Duration     time.Duration  `json:"duration"`
	At           time.Time      `json:"at"`
}

// AttachmentSet is the ordered list of image files to paste for one recipient.
// Temporary lists the subset of Paths the resolver created and must remove.
type AttachmentSet struct {
	Paths     []string
	Temporary []string
}

// Len returns the number of images in the set.
func (s AttachmentSet) Len() int { return len(s.Paths) }
