package model

// SIEMResult carries threat-intel enrichment for a kill report.
type SIEMResult struct {
	RiskScore            float64 `json:"risk_score"`
	FalsePositiveHistory int     `json:"false_positive_history"`
	Recommendation       string  `json:"recommendation"`
}

// NoopSIEMResult is the neutral sentinel used when enrichment is disabled
// or unavailable.
func NoopSIEMResult() *SIEMResult {
	return &SIEMResult{
		RiskScore:            0.5,
		FalsePositiveHistory: 0,
		Recommendation:       "unknown",
	}
}
