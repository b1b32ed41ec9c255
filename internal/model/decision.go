package model

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the classification a decision arrives at.
type Outcome string

const (
	OutcomeApproveAuto   Outcome = "approve_auto"
	OutcomeApproveManual Outcome = "approve_manual"
	OutcomePendingReview Outcome = "pending_review"
	OutcomeDeny          Outcome = "deny"
	OutcomeDefer         Outcome = "defer"
)

// RiskLevel buckets a risk score into five bands.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFromScore maps a score in [0,1] to its band. Bands are 0.2 wide
// with the top band closed at 1.0.
func RiskLevelFromScore(score float64) RiskLevel {
	switch {
	case score < 0.2:
		return RiskMinimal
	case score < 0.4:
		return RiskLow
	case score < 0.6:
		return RiskMedium
	case score < 0.8:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Decision is the engine's verdict on a single kill report. Created
// atomically, never mutated.
type Decision struct {
	DecisionID          string    `json:"decision_id"`
	KillID              string    `json:"kill_id"`
	Timestamp           time.Time `json:"timestamp"`
	Outcome             Outcome   `json:"outcome"`
	RiskLevel           RiskLevel `json:"risk_level"`
	RiskScore           float64   `json:"risk_score"`
	Confidence          float64   `json:"confidence"`
	Reasoning           []string  `json:"reasoning"`
	RecommendedAction   string    `json:"recommended_action"`
	RequiresHumanReview bool      `json:"requires_human_review"`
	AutoApproveEligible bool      `json:"auto_approve_eligible"`
	TimeoutMinutes      int       `json:"timeout_minutes"`
}

// NewDecision assembles a decision for a kill, deriving the risk level,
// review flag, and eligibility from the outcome and scores.
func NewDecision(killID string, outcome Outcome, riskScore, confidence float64, reasoning []string, action string) *Decision {
	level := RiskLevelFromScore(riskScore)
	return &Decision{
		DecisionID:          uuid.New().String(),
		KillID:              killID,
		Timestamp:           time.Now().UTC(),
		Outcome:             outcome,
		RiskLevel:           level,
		RiskScore:           riskScore,
		Confidence:          confidence,
		Reasoning:           reasoning,
		RecommendedAction:   action,
		RequiresHumanReview: outcome == OutcomePendingReview,
		AutoApproveEligible: (level == RiskMinimal || level == RiskLow) && confidence >= 0.8,
		TimeoutMinutes:      60,
	}
}
