// Package engine scores kill reports, classifies them into resurrection
// decisions, and calibrates its own auto-approval threshold from recorded
// outcome accuracy.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/medic/internal/config"
	"github.com/ashita-ai/medic/internal/model"
)

// HistoryReader is the read-only view of the outcome store the engine
// consults. Writes stay with the orchestrator.
type HistoryReader interface {
	ModuleHistory(ctx context.Context, targetModule string, window time.Duration) (int, error)
	Statistics(ctx context.Context, window time.Duration) (*model.Statistics, error)
}

// Thresholds on the deny ladder.
const (
	denyRiskScore     = 0.9
	criticalDenyFloor = 0.6
)

// Calibration bounds and steps.
const (
	calibrationMinSamples   = 50
	calibrationLoosenAbove  = 0.95
	calibrationTightenBelow = 0.80
	calibrationLoosenStep   = 0.02
	calibrationTightenStep  = 0.05
	confidenceFloor         = 0.70
	confidenceCeiling       = 0.99
)

var severityFactors = map[model.Severity]float64{
	model.SeverityInfo:     0.0,
	model.SeverityLow:      0.25,
	model.SeverityMedium:   0.5,
	model.SeverityHigh:     0.75,
	model.SeverityCritical: 1.0,
}

// Engine is pure given its inputs; its only side effects are reading the
// outcome store and logging. Safe for concurrent use: the calibration
// ticker rewrites the threshold while the pipeline and the stats handler
// read it.
type Engine struct {
	weights       config.Weights
	critical      map[string]bool
	mode          config.Mode
	autoApprove   config.AutoApproveConfig
	historyWindow time.Duration
	history       HistoryReader
	logger        *slog.Logger

	maxRisk float64

	// mu guards minConfidence and calibrationMark.
	mu            sync.Mutex
	minConfidence float64
	// calibrationMark is the newest outcome timestamp already calibrated
	// against; a run seeing nothing newer is a no-op.
	calibrationMark *time.Time
}

// New builds an engine from validated configuration. The weight sum is
// rechecked here so a hand-constructed config cannot slip through.
func New(cfg *config.Config, history HistoryReader, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	critical := make(map[string]bool, len(cfg.CriticalModules))
	for _, m := range cfg.CriticalModules {
		critical[m] = true
	}
	return &Engine{
		weights:       cfg.Risk.Weights,
		critical:      critical,
		mode:          cfg.Mode,
		autoApprove:   cfg.Decision.AutoApprove,
		historyWindow: time.Duration(cfg.Calibration.WindowDays) * 24 * time.Hour,
		history:       history,
		logger:        logger.With("component", "engine"),
		minConfidence: cfg.Decision.AutoApprove.MinConfidence,
		maxRisk:       cfg.Decision.AutoApprove.MaxRisk,
	}, nil
}

// MinConfidence returns the current auto-approval confidence threshold.
func (e *Engine) MinConfidence() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.minConfidence
}

// Decide scores the report against its enrichment and classifies the
// result. Scoring never fails: an unreachable store counts as zero module
// history and a nil enrichment is the neutral sentinel.
func (e *Engine) Decide(ctx context.Context, kr *model.KillReport, siem *model.SIEMResult) *model.Decision {
	if siem == nil {
		siem = model.NoopSIEMResult()
	}

	moduleHistory := 0
	if n, err := e.history.ModuleHistory(ctx, kr.TargetModule, e.historyWindow); err == nil {
		moduleHistory = n
	} else {
		e.logger.Warn("module history unavailable, assuming zero",
			"target_module", kr.TargetModule, "error", err)
	}

	riskScore, reasoning := e.score(kr, siem, moduleHistory)
	confidence := e.confidence(riskScore, len(kr.Evidence))
	outcome, why := e.classify(riskScore, confidence, kr.TargetModule)
	reasoning = append(reasoning, why)

	return model.NewDecision(kr.KillID, outcome, riskScore, confidence, reasoning, recommendedAction(outcome, kr.TargetModule))
}

// score computes the weighted sum of the five risk factors, clamped to
// [0,1].
func (e *Engine) score(kr *model.KillReport, siem *model.SIEMResult, moduleHistory int) (float64, []string) {
	w := e.weights

	severity, ok := severityFactors[kr.Severity]
	if !ok {
		severity = severityFactors[model.SeverityMedium]
	}

	criticality := 0.3
	if e.critical[kr.TargetModule] {
		criticality = 1.0
	}

	// A module with false-positive history is safer to resurrect, so the
	// factor enters inverted: more history, less risk.
	fp := siem.FalsePositiveHistory + moduleHistory
	fpFactor := min(1.0, float64(fp)/10.0)

	score := w.SmithConfidence*kr.ConfidenceScore +
		w.SIEMRisk*siem.RiskScore +
		w.FalsePositiveHistory*(1.0-fpFactor) +
		w.ModuleCriticality*criticality +
		w.Severity*severity
	score = min(1.0, max(0.0, score))

	reasoning := []string{
		fmt.Sprintf("killer confidence %.2f contributes %.3f", kr.ConfidenceScore, w.SmithConfidence*kr.ConfidenceScore),
		fmt.Sprintf("siem risk %.2f contributes %.3f", siem.RiskScore, w.SIEMRisk*siem.RiskScore),
		fmt.Sprintf("false-positive history %d lowers risk contribution to %.3f", fp, w.FalsePositiveHistory*(1.0-fpFactor)),
		fmt.Sprintf("module criticality %.1f contributes %.3f", criticality, w.ModuleCriticality*criticality),
		fmt.Sprintf("severity %s contributes %.3f", kr.Severity, w.Severity*severity),
	}
	return score, reasoning
}

// confidence measures how unambiguous the score is: extreme scores with
// strong evidence give the highest confidence.
func (e *Engine) confidence(riskScore float64, evidenceCount int) float64 {
	extremity := abs(0.5-riskScore) * 2.0
	boost := min(0.2, 0.05*float64(evidenceCount))
	return 1.0 - (1.0-extremity)*(1.0-boost)
}

func (e *Engine) classify(riskScore, confidence float64, targetModule string) (model.Outcome, string) {
	minConfidence := e.MinConfidence()
	autoEligible := riskScore < e.maxRisk && confidence >= minConfidence
	if autoEligible && (e.mode == config.ModeObserver || e.autoApprove.Enabled) {
		return model.OutcomeApproveAuto,
			fmt.Sprintf("risk %.3f below %.2f and confidence %.3f meets threshold %.2f", riskScore, e.maxRisk, confidence, minConfidence)
	}
	switch {
	case riskScore >= denyRiskScore:
		return model.OutcomeDeny, fmt.Sprintf("risk %.3f at or above deny threshold %.2f", riskScore, denyRiskScore)
	case riskScore >= criticalDenyFloor && e.critical[targetModule]:
		return model.OutcomeDeny, fmt.Sprintf("risk %.3f on critical module %s", riskScore, targetModule)
	default:
		return model.OutcomePendingReview, fmt.Sprintf("risk %.3f requires manual review", riskScore)
	}
}

func recommendedAction(outcome model.Outcome, targetModule string) string {
	switch outcome {
	case model.OutcomeApproveAuto, model.OutcomeApproveManual:
		return "restart " + targetModule
	case model.OutcomePendingReview:
		return "escalate " + targetModule + " for manual review"
	case model.OutcomeDeny:
		return "leave " + targetModule + " terminated"
	default:
		return "defer"
	}
}

// Calibrate adjusts the auto-approval confidence threshold from recent
// accuracy. Invoked at startup and on the calibration ticker, which runs
// concurrently with decision-making; the threshold update is guarded.
func (e *Engine) Calibrate(ctx context.Context) error {
	stats, err := e.history.Statistics(ctx, e.historyWindow)
	if err != nil {
		return fmt.Errorf("engine: calibrate: %w", err)
	}
	if stats.LatestRecordedAt == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calibrationMark != nil && !stats.LatestRecordedAt.After(*e.calibrationMark) {
		return nil
	}
	e.calibrationMark = stats.LatestRecordedAt

	if stats.AutoApprovedCount < calibrationMinSamples {
		e.logger.Info("calibration skipped, insufficient samples",
			"auto_approved_count", stats.AutoApprovedCount,
			"required", calibrationMinSamples)
		return nil
	}

	before := e.minConfidence
	switch {
	case stats.AutoApproveAccuracy > calibrationLoosenAbove:
		e.minConfidence = max(confidenceFloor, e.minConfidence-calibrationLoosenStep)
	case stats.AutoApproveAccuracy < calibrationTightenBelow:
		e.minConfidence = min(confidenceCeiling, e.minConfidence+calibrationTightenStep)
	}
	if e.minConfidence != before {
		e.logger.Info("auto-approval threshold calibrated",
			"before", before,
			"after", e.minConfidence,
			"accuracy", stats.AutoApproveAccuracy,
			"sample_size", stats.AutoApprovedCount)
	}
	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
