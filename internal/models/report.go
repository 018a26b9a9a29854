package models

import "time"

// RowFailure records a row whose send was attempted and failed.
type RowFailure struct {
	Row       int    `json:"row"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// DispatchReport summarizes one executed task.
type DispatchReport struct {
	TaskID             string       `json:"task_id"`
	Subject            string       `json:"subject"`
	Mode               DispatchMode `json:"mode"`
	TotalRows          int          `json:"total_rows"`
	Sent               int          `json:"sent"`
	Messages           int          `json:"messages"`
	SkippedMissingData int          `json:"skipped_missing_data"`
	SkippedUnassigned  int          `json:"skipped_unassigned"`
	Failed             []RowFailure `json:"failed"`
	Error              string       `json:"error,omitempty"`
	StartedAt          time.Time    `json:"started_at"`
	FinishedAt         time.Time    `json:"finished_at"`
}

func (r *DispatchReport) Skipped() int {
	return r.SkippedMissingData + r.SkippedUnassigned
}

// Outcome is a short label for metrics and notifications.
func (r *DispatchReport) Outcome() string {
	switch {
	case r.Error != "":
		return "error"
	case len(r.Failed) > 0 && r.Sent == 0:
		return "failed"
	case len(r.Failed) > 0:
		return "partial"
	default:
		return "ok"
	}
}
