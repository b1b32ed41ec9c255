package medic

import "time"

// HealthResponse is the payload of GET /health.
type HealthResponse struct {
	Status         string  `json:"status"`
	Mode           string  `json:"mode"`
	Version        string  `json:"version"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	PendingReviews int     `json:"pending_reviews"`
}

// OutcomeRecord is one durably recorded resurrection outcome as returned by
// GET /decisions/recent.
type OutcomeRecord struct {
	OutcomeID       string    `json:"outcome_id"`
	DecisionID      string    `json:"decision_id"`
	KillID          string    `json:"kill_id"`
	TargetModule    string    `json:"target_module"`
	RecordedAt      time.Time `json:"recorded_at"`
	OutcomeType     string    `json:"outcome_type"`
	WasAutoApproved bool      `json:"was_auto_approved"`

	OriginalRiskScore  float64 `json:"original_risk_score"`
	OriginalConfidence float64 `json:"original_confidence"`
	OriginalOutcome    string  `json:"original_outcome"`

	// TimeToHealthySeconds and HealthScoreAfter are only set for outcomes
	// where a restart was actually executed and reached healthy.
	TimeToHealthySeconds *float64 `json:"time_to_healthy_seconds,omitempty"`
	HealthScoreAfter     *float64 `json:"health_score_after,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Stats is the payload of GET /stats: 30-day outcome aggregates plus the
// threshold the arbiter is currently calibrated to.
type Stats struct {
	WindowStart   time.Time      `json:"window_start"`
	WindowEnd     time.Time      `json:"window_end"`
	TotalOutcomes int            `json:"total_outcomes"`
	CountsByType  map[string]int `json:"counts_by_type"`
	SuccessRate   float64        `json:"success_rate"`

	AutoApprovedCount   int     `json:"auto_approved_count"`
	AutoApproveAccuracy float64 `json:"auto_approve_accuracy"`

	AvgTimeToHealthySeconds *float64   `json:"avg_time_to_healthy_seconds,omitempty"`
	LatestRecordedAt        *time.Time `json:"latest_recorded_at,omitempty"`

	AutoApproveMinConfidence float64 `json:"auto_approve_min_confidence"`
}

// ApproveResponse is the payload of POST /approve/{kill_id}.
type ApproveResponse struct {
	KillID               string  `json:"kill_id"`
	Result               string  `json:"result"`
	TimeToHealthySeconds float64 `json:"time_to_healthy_seconds"`
}
