package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/medic/internal/config"
	"github.com/ashita-ai/medic/internal/model"
	"github.com/ashita-ai/medic/internal/testutil"
)

type fakeHistory struct {
	history    int
	historyErr error
	stats      *model.Statistics
	statsErr   error
}

func (f *fakeHistory) ModuleHistory(context.Context, string, time.Duration) (int, error) {
	return f.history, f.historyErr
}

func (f *fakeHistory) Statistics(context.Context, time.Duration) (*model.Statistics, error) {
	return f.stats, f.statsErr
}

func newTestEngine(t *testing.T, history *fakeHistory, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(&cfg, history, testutil.TestLogger())
	require.NoError(t, err)
	return e
}

func report(confidence float64, severity model.Severity, module string, evidence int) *model.KillReport {
	return &model.KillReport{
		KillID:           "kill-1",
		Timestamp:        time.Now().UTC(),
		TargetModule:     module,
		TargetInstanceID: module + "-0",
		KillReason:       model.ReasonThreatDetected,
		Severity:         severity,
		ConfidenceScore:  confidence,
		Evidence:         make([]string, evidence),
		SourceAgent:      "smith-1",
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Risk.Weights.Severity = 0.5
	_, err := New(&cfg, &fakeHistory{}, testutil.TestLogger())
	require.Error(t, err)
}

func TestDecideScoreComposition(t *testing.T) {
	e := newTestEngine(t, &fakeHistory{}, nil)

	// 0.30*0.9 + 0.25*0.5 + 0.20*1.0 + 0.15*0.3 + 0.10*0.75
	d := e.Decide(context.Background(), report(0.9, model.SeverityHigh, "svc", 1), nil)
	assert.InDelta(t, 0.715, d.RiskScore, 1e-9)
	assert.Equal(t, model.OutcomePendingReview, d.Outcome)
	assert.Len(t, d.Reasoning, 6)
}

func TestDecideUnknownSeverityScoresAsMedium(t *testing.T) {
	e := newTestEngine(t, &fakeHistory{}, nil)
	d := e.Decide(context.Background(), report(0.9, model.Severity("weird"), "svc", 1), nil)
	med := e.Decide(context.Background(), report(0.9, model.SeverityMedium, "svc", 1), nil)
	assert.InDelta(t, med.RiskScore, d.RiskScore, 1e-9)
}

func TestDecideFalsePositiveHistoryLowersRisk(t *testing.T) {
	base := newTestEngine(t, &fakeHistory{}, nil)
	seen := newTestEngine(t, &fakeHistory{history: 10}, nil)

	kr := report(0.9, model.SeverityHigh, "svc", 1)
	without := base.Decide(context.Background(), kr, nil)
	with := seen.Decide(context.Background(), kr, nil)
	// Saturated history removes the full false-positive weight.
	assert.InDelta(t, without.RiskScore-0.20, with.RiskScore, 1e-9)
}

func TestDecideCriticalModuleRaisesRisk(t *testing.T) {
	e := newTestEngine(t, &fakeHistory{}, func(c *config.Config) {
		c.CriticalModules = []string{"payments"}
	})
	kr := report(0.9, model.SeverityHigh, "payments", 1)
	other := report(0.9, model.SeverityHigh, "svc", 1)

	crit := e.Decide(context.Background(), kr, nil)
	plain := e.Decide(context.Background(), other, nil)
	assert.InDelta(t, 0.15*0.7, crit.RiskScore-plain.RiskScore, 1e-9)
}

func TestDecideHistoryErrorAssumesZero(t *testing.T) {
	e := newTestEngine(t, &fakeHistory{historyErr: errors.New("db down")}, nil)
	d := e.Decide(context.Background(), report(0.9, model.SeverityHigh, "svc", 1), nil)
	assert.InDelta(t, 0.715, d.RiskScore, 1e-9)
}

func TestDecideNilEnrichmentUsesNeutralSentinel(t *testing.T) {
	e := newTestEngine(t, &fakeHistory{}, nil)
	kr := report(0.9, model.SeverityHigh, "svc", 1)
	implicit := e.Decide(context.Background(), kr, nil)
	explicit := e.Decide(context.Background(), kr, model.NoopSIEMResult())
	assert.Equal(t, explicit.RiskScore, implicit.RiskScore)
}

func TestConfidenceRewardsExtremityAndEvidence(t *testing.T) {
	e := newTestEngine(t, &fakeHistory{}, nil)

	// extremity 0.43, boost 0.05: 1 - 0.57*0.95
	d := e.Decide(context.Background(), report(0.9, model.SeverityHigh, "svc", 1), nil)
	assert.InDelta(t, 0.4585, d.Confidence, 1e-9)

	// Boost caps at 0.2 regardless of evidence volume.
	many := e.Decide(context.Background(), report(0.9, model.SeverityHigh, "svc", 50), nil)
	four := e.Decide(context.Background(), report(0.9, model.SeverityHigh, "svc", 4), nil)
	assert.InDelta(t, four.Confidence, many.Confidence, 1e-9)
}

// lowRiskDecision decides a report that scores 0.075 with a saturated
// false-positive history and a benign enrichment.
func lowRiskDecision(e *Engine) *model.Decision {
	kr := report(0.1, model.SeverityInfo, "svc", 4)
	return e.Decide(context.Background(), kr, &model.SIEMResult{RiskScore: 0, FalsePositiveHistory: 10})
}

func TestClassifyAutoApprove(t *testing.T) {
	t.Run("observer mode ignores enable flag", func(t *testing.T) {
		e := newTestEngine(t, &fakeHistory{}, nil)
		d := lowRiskDecision(e)
		require.InDelta(t, 0.075, d.RiskScore, 1e-9)
		require.GreaterOrEqual(t, d.Confidence, 0.85)
		assert.Equal(t, model.OutcomeApproveAuto, d.Outcome)
	})

	t.Run("live mode requires enable flag", func(t *testing.T) {
		e := newTestEngine(t, &fakeHistory{}, func(c *config.Config) { c.Mode = config.ModeLive })
		d := lowRiskDecision(e)
		assert.Equal(t, model.OutcomePendingReview, d.Outcome)
	})

	t.Run("live mode enabled approves", func(t *testing.T) {
		e := newTestEngine(t, &fakeHistory{}, func(c *config.Config) {
			c.Mode = config.ModeLive
			c.Decision.AutoApprove.Enabled = true
		})
		d := lowRiskDecision(e)
		assert.Equal(t, model.OutcomeApproveAuto, d.Outcome)
	})
}

func TestClassifyDenyLadder(t *testing.T) {
	e := newTestEngine(t, &fakeHistory{}, func(c *config.Config) {
		c.CriticalModules = []string{"payments"}
	})
	ctx := context.Background()

	// Everything maxed scores 1.0.
	worst := report(1.0, model.SeverityCritical, "payments", 0)
	d := e.Decide(ctx, worst, &model.SIEMResult{RiskScore: 1.0})
	assert.InDelta(t, 1.0, d.RiskScore, 1e-9)
	assert.Equal(t, model.OutcomeDeny, d.Outcome)

	// 0.85 on a critical module denies; the same report elsewhere scores
	// 0.745 and escalates.
	mid := report(1.0, model.SeverityHigh, "payments", 0)
	d = e.Decide(ctx, mid, nil)
	assert.InDelta(t, 0.85, d.RiskScore, 1e-9)
	assert.Equal(t, model.OutcomeDeny, d.Outcome)

	plain := report(1.0, model.SeverityHigh, "svc", 0)
	d = e.Decide(ctx, plain, nil)
	assert.InDelta(t, 0.745, d.RiskScore, 1e-9)
	assert.Equal(t, model.OutcomePendingReview, d.Outcome)
}

func stats(autoCount int, accuracy float64, at time.Time) *model.Statistics {
	return &model.Statistics{
		TotalOutcomes:       autoCount,
		AutoApprovedCount:   autoCount,
		AutoApproveAccuracy: accuracy,
		LatestRecordedAt:    &at,
	}
}

func TestCalibrateLoosensOnHighAccuracy(t *testing.T) {
	h := &fakeHistory{stats: stats(60, 0.97, time.Now().UTC())}
	e := newTestEngine(t, h, nil)
	require.NoError(t, e.Calibrate(context.Background()))
	assert.InDelta(t, 0.83, e.MinConfidence(), 1e-9)
}

func TestCalibrateTightensOnLowAccuracy(t *testing.T) {
	h := &fakeHistory{stats: stats(60, 0.5, time.Now().UTC())}
	e := newTestEngine(t, h, nil)
	require.NoError(t, e.Calibrate(context.Background()))
	assert.InDelta(t, 0.90, e.MinConfidence(), 1e-9)
}

func TestCalibrateClampsToBounds(t *testing.T) {
	t.Run("floor", func(t *testing.T) {
		h := &fakeHistory{stats: stats(60, 0.99, time.Now().UTC())}
		e := newTestEngine(t, h, func(c *config.Config) { c.Decision.AutoApprove.MinConfidence = 0.71 })
		require.NoError(t, e.Calibrate(context.Background()))
		assert.InDelta(t, 0.70, e.MinConfidence(), 1e-9)
	})
	t.Run("ceiling", func(t *testing.T) {
		h := &fakeHistory{stats: stats(60, 0.5, time.Now().UTC())}
		e := newTestEngine(t, h, func(c *config.Config) { c.Decision.AutoApprove.MinConfidence = 0.97 })
		require.NoError(t, e.Calibrate(context.Background()))
		assert.InDelta(t, 0.99, e.MinConfidence(), 1e-9)
	})
}

func TestCalibrateSkipsSmallSamples(t *testing.T) {
	h := &fakeHistory{stats: stats(49, 0.99, time.Now().UTC())}
	e := newTestEngine(t, h, nil)
	require.NoError(t, e.Calibrate(context.Background()))
	assert.InDelta(t, 0.85, e.MinConfidence(), 1e-9)
}

func TestCalibrateIdempotentOnUnchangedData(t *testing.T) {
	at := time.Now().UTC()
	h := &fakeHistory{stats: stats(60, 0.97, at)}
	e := newTestEngine(t, h, nil)
	ctx := context.Background()

	require.NoError(t, e.Calibrate(ctx))
	require.NoError(t, e.Calibrate(ctx))
	assert.InDelta(t, 0.83, e.MinConfidence(), 1e-9)

	// A newer outcome re-arms the calibration.
	h.stats = stats(60, 0.97, at.Add(time.Minute))
	require.NoError(t, e.Calibrate(ctx))
	assert.InDelta(t, 0.81, e.MinConfidence(), 1e-9)
}

func TestCalibrateNoOutcomesIsNoop(t *testing.T) {
	h := &fakeHistory{stats: &model.Statistics{}}
	e := newTestEngine(t, h, nil)
	require.NoError(t, e.Calibrate(context.Background()))
	assert.InDelta(t, 0.85, e.MinConfidence(), 1e-9)
}

func TestCalibrateStoreError(t *testing.T) {
	h := &fakeHistory{statsErr: errors.New("locked")}
	e := newTestEngine(t, h, nil)
	err := e.Calibrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: calibrate")
}
