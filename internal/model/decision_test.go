package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskLevelFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  RiskLevel
	}{
		{0.0, RiskMinimal},
		{0.19, RiskMinimal},
		{0.2, RiskLow},
		{0.39, RiskLow},
		{0.4, RiskMedium},
		{0.6, RiskHigh},
		{0.8, RiskCritical},
		{1.0, RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskLevelFromScore(tt.score), "score %.2f", tt.score)
	}
}

func TestNewDecision(t *testing.T) {
	d := NewDecision("kill-1", OutcomePendingReview, 0.45, 0.6, []string{"mid risk"}, "escalate x")
	require.NotEmpty(t, d.DecisionID)
	assert.Equal(t, "kill-1", d.KillID)
	assert.Equal(t, RiskMedium, d.RiskLevel)
	assert.True(t, d.RequiresHumanReview)
	assert.False(t, d.AutoApproveEligible)
	assert.Equal(t, 60, d.TimeoutMinutes)
}

func TestNewDecisionAutoEligibility(t *testing.T) {
	tests := []struct {
		name       string
		riskScore  float64
		confidence float64
		want       bool
	}{
		{"minimal risk high confidence", 0.1, 0.9, true},
		{"low risk at confidence floor", 0.25, 0.8, true},
		{"low risk weak confidence", 0.25, 0.79, false},
		{"medium risk high confidence", 0.5, 0.95, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecision("k", OutcomeApproveAuto, tt.riskScore, tt.confidence, nil, "restart x")
			assert.Equal(t, tt.want, d.AutoApproveEligible)
		})
	}
}

func TestOutcomeTypeValid(t *testing.T) {
	for _, ot := range []OutcomeType{
		OutcomeTypeSuccess, OutcomeTypePartialSuccess, OutcomeTypeFailure,
		OutcomeTypeReKilled, OutcomeTypeRollback, OutcomeTypeUndetermined,
	} {
		assert.True(t, ot.Valid(), string(ot))
	}
	assert.False(t, OutcomeType("exploded").Valid())
}

func TestNewOutcomeRecord(t *testing.T) {
	d := NewDecision("kill-9", OutcomeApproveAuto, 0.12, 0.93, nil, "restart y")
	rec := NewOutcomeRecord(d, "auth-service", OutcomeTypeSuccess, "")
	require.NotEmpty(t, rec.OutcomeID)
	assert.Equal(t, d.DecisionID, rec.DecisionID)
	assert.Equal(t, "kill-9", rec.KillID)
	assert.True(t, rec.WasAutoApproved)
	assert.Equal(t, OutcomeApproveAuto, rec.OriginalOutcome)
	assert.Equal(t, d.RiskScore, rec.OriginalRiskScore)
	assert.Nil(t, rec.TimeToHealthy)
}
