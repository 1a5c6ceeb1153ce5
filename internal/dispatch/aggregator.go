package dispatch

import (
	"log/slog"
	"strings"

	"wasender/internal/domain"
)

// Policy decides which outcomes count as failures in the final report.
type Policy int

const (
	// PolicyFailedOnly reports failed identities; unconfirmed ones get their
	// own warning line.
	PolicyFailedOnly Policy = iota
	// PolicyIncludeUnconfirmed merges unconfirmed identities into the
	// failure list.
	PolicyIncludeUnconfirmed
)

// Report is the end-of-run summary.
type Report struct {
	RunID       string           `json:"run_id"`
	Total       int              `json:"total"`
	Sent        int              `json:"sent"`
	Failed      []string         `json:"failed"`
	Unconfirmed []string         `json:"unconfirmed"`
	Outcomes    []domain.Outcome `json:"outcomes"`
}

// FailureList returns the identities the policy counts as failures, in
// arrival order.
func (r *Report) FailureList(p Policy) []string {
	if p == PolicyFailedOnly {
		return r.Failed
	}
	merged := make([]string, 0, len(r.Failed)+len(r.Unconfirmed))
	for _, o := range r.Outcomes {
		if o.Status != domain.StatusSent {
			merged = append(merged, o.Identity)
		}
	}
	return merged
}

// Aggregator collects outcomes in arrival order. It is not safe for
// concurrent use; the engine records from a single goroutine.
type Aggregator struct {
	policy Policy
	report Report
}

// NewAggregator creates an empty aggregator.
func NewAggregator(runID string, policy Policy) *Aggregator {
	return &Aggregator{policy: policy, report: Report{RunID: runID}}
}

// Record appends one outcome. Duplicate identities are kept.
func (a *Aggregator) Record(o domain.Outcome) {
	a.report.Total++
	a.report.Outcomes = append(a.report.Outcomes, o)
	switch o.Status {
	case domain.StatusSent:
		a.report.Sent++
	case domain.StatusFailed:
		a.report.Failed = append(a.report.Failed, o.Identity)
	case domain.StatusUnconfirmed:
		a.report.Unconfirmed = append(a.report.Unconfirmed, o.Identity)
	}
}

// Failures returns the identities counted as failures under the policy.
func (a *Aggregator) Failures() []string {
	return a.report.FailureList(a.policy)
}

// Report returns a snapshot of the summary.
func (a *Aggregator) Report() *Report {
	r := a.report
	r.Failed = append([]string(nil), a.report.Failed...)
	r.Unconfirmed = append([]string(nil), a.report.Unconfirmed...)
	r.Outcomes = append([]domain.Outcome(nil), a.report.Outcomes...)
	return &r
}

// Emit writes the failure list as a single ERROR record followed by the
// completion marker.
func (a *Aggregator) Emit(logger *slog.Logger) {
	if a.policy == PolicyFailedOnly && len(a.report.Unconfirmed) > 0 {
		logger.Warn("The following numbers could not be confirmed " + FormatList(a.report.Unconfirmed))
	}
	logger.Error("The following numbers has failed to send " + FormatList(a.Failures()))
	logger.Info("Process COMPLETED.")
}

// FormatList renders identities as ['a', 'b'], the format existing log
// readers expect.
func FormatList(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('\'')
		sb.WriteString(id)
		sb.WriteByte('\'')
	}
	sb.WriteByte(']')
	return sb.String()
}
