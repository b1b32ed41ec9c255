package model

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeType is the final result of acting (or declining to act) on a
// decision.
type OutcomeType string

const (
	OutcomeTypeSuccess        OutcomeType = "success"
	OutcomeTypePartialSuccess OutcomeType = "partial"
	OutcomeTypeFailure        OutcomeType = "failure"
	OutcomeTypeReKilled       OutcomeType = "re_killed"
	OutcomeTypeRollback       OutcomeType = "rollback"
	OutcomeTypeUndetermined   OutcomeType = "undetermined"
)

// Valid reports whether the outcome type is a known value.
func (t OutcomeType) Valid() bool {
	switch t {
	case OutcomeTypeSuccess, OutcomeTypePartialSuccess, OutcomeTypeFailure,
		OutcomeTypeReKilled, OutcomeTypeRollback, OutcomeTypeUndetermined:
		return true
	}
	return false
}

// OutcomeRecord is the durable record written for every processed kill.
// Append-only; rows are never deleted by the service.
type OutcomeRecord struct {
	OutcomeID          string      `json:"outcome_id"`
	DecisionID         string      `json:"decision_id"`
	KillID             string      `json:"kill_id"`
	TargetModule       string      `json:"target_module"`
	RecordedAt         time.Time   `json:"recorded_at"`
	OutcomeType        OutcomeType `json:"outcome_type"`
	WasAutoApproved    bool        `json:"was_auto_approved"`
	OriginalRiskScore  float64     `json:"original_risk_score"`
	OriginalConfidence float64     `json:"original_confidence"`
	OriginalOutcome    Outcome     `json:"original_outcome"`
	TimeToHealthy      *float64    `json:"time_to_healthy_seconds,omitempty"`
	HealthScoreAfter   *float64    `json:"health_score_after,omitempty"`
	Reason             string      `json:"reason,omitempty"`
}

// NewOutcomeRecord builds a record tying a decision to its result.
func NewOutcomeRecord(d *Decision, targetModule string, outcomeType OutcomeType, reason string) *OutcomeRecord {
	return &OutcomeRecord{
		OutcomeID:          uuid.New().String(),
		DecisionID:         d.DecisionID,
		KillID:             d.KillID,
		TargetModule:       targetModule,
		RecordedAt:         time.Now().UTC(),
		OutcomeType:        outcomeType,
		WasAutoApproved:    d.Outcome == OutcomeApproveAuto,
		OriginalRiskScore:  d.RiskScore,
		OriginalConfidence: d.Confidence,
		OriginalOutcome:    d.Outcome,
		Reason:             reason,
	}
}

// Statistics aggregates outcome records over a rolling window.
type Statistics struct {
	WindowStart         time.Time           `json:"window_start"`
	WindowEnd           time.Time           `json:"window_end"`
	TotalOutcomes       int                 `json:"total_outcomes"`
	CountsByType        map[OutcomeType]int `json:"counts_by_type"`
	SuccessRate         float64             `json:"success_rate"`
	AutoApprovedCount   int                 `json:"auto_approved_count"`
	AutoApproveAccuracy float64             `json:"auto_approve_accuracy"`
	AvgTimeToHealthy    *float64            `json:"avg_time_to_healthy_seconds,omitempty"`
	LatestRecordedAt    *time.Time          `json:"latest_recorded_at,omitempty"`
}
