package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashita-ai/medic/internal/model"
)

// outcomeColumns is the fixed column list for outcome queries. Field names
// in query text come only from this allowlist; values always bind as
// parameters.
const outcomeColumns = `outcome_id, decision_id, kill_id, target_module, recorded_at_ms,
	outcome_type, was_auto_approved, original_risk_score, original_confidence,
	original_outcome, time_to_healthy_s, health_score_after, reason`

// Put durably appends an outcome record. The write commits before Put
// returns; callers may acknowledge the source event afterwards.
func (s *Store) Put(ctx context.Context, rec *model.OutcomeRecord) error {
	if !rec.OutcomeType.Valid() {
		return fmt.Errorf("store: put outcome: invalid outcome type %q", rec.OutcomeType)
	}
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO outcomes (`+outcomeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.OutcomeID,
			rec.DecisionID,
			rec.KillID,
			rec.TargetModule,
			rec.RecordedAt.UnixMilli(),
			string(rec.OutcomeType),
			boolToInt(rec.WasAutoApproved),
			rec.OriginalRiskScore,
			rec.OriginalConfidence,
			string(rec.OriginalOutcome),
			rec.TimeToHealthy,
			rec.HealthScoreAfter,
			rec.Reason,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: put outcome: %w", err)
	}
	return nil
}

// ListRecent returns the most recent records, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*model.OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outcomeColumns+`
		FROM outcomes
		ORDER BY recorded_at_ms DESC, outcome_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent: %w", err)
	}
	defer rows.Close()

	var out []*model.OutcomeRecord
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list recent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list recent: %w", err)
	}
	return out, nil
}

// ModuleHistory counts re-kill and failure outcomes for a module within
// the rolling window. The decision engine reads this as false-positive
// evidence.
func (s *Store) ModuleHistory(ctx context.Context, targetModule string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window).UnixMilli()
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM outcomes
		WHERE target_module = ?
		  AND recorded_at_ms >= ?
		  AND outcome_type IN (?, ?)`,
		targetModule, cutoff,
		string(model.OutcomeTypeReKilled), string(model.OutcomeTypeFailure),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: module history: %w", err)
	}
	return count, nil
}

// SeenRecently reports whether an outcome for killID was recorded within
// the window. Used to dedupe at-least-once stream redelivery.
func (s *Store) SeenRecently(ctx context.Context, killID string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window).UnixMilli()
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM outcomes
		WHERE kill_id = ? AND recorded_at_ms >= ?
		LIMIT 1`, killID, cutoff).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("store: seen recently: %w", err)
	}
	return true, nil
}

// Statistics aggregates outcomes within the window. AutoApproveAccuracy is
// success-and-auto over auto, zero when no auto-approved records exist.
func (s *Store) Statistics(ctx context.Context, window time.Duration) (*model.Statistics, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-window)

	stats := &model.Statistics{
		WindowStart:  cutoff,
		WindowEnd:    now,
		CountsByType: make(map[model.OutcomeType]int),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome_type, COUNT(*)
		FROM outcomes
		WHERE recorded_at_ms >= ?
		GROUP BY outcome_type`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ot string
		var n int
		if err := rows.Scan(&ot, &n); err != nil {
			return nil, fmt.Errorf("store: statistics: %w", err)
		}
		stats.CountsByType[model.OutcomeType(ot)] = n
		stats.TotalOutcomes += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: statistics: %w", err)
	}

	var autoCount, autoSuccess int
	var avgTTH sql.NullFloat64
	var latestMS sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN was_auto_approved = 1 THEN 1 END),
			COUNT(CASE WHEN was_auto_approved = 1 AND outcome_type = ? THEN 1 END),
			AVG(time_to_healthy_s),
			MAX(recorded_at_ms)
		FROM outcomes
		WHERE recorded_at_ms >= ?`,
		string(model.OutcomeTypeSuccess), cutoff.UnixMilli(),
	).Scan(&autoCount, &autoSuccess, &avgTTH, &latestMS)
	if err != nil {
		return nil, fmt.Errorf("store: statistics: %w", err)
	}

	stats.AutoApprovedCount = autoCount
	if autoCount > 0 {
		stats.AutoApproveAccuracy = float64(autoSuccess) / float64(autoCount)
	}
	if stats.TotalOutcomes > 0 {
		stats.SuccessRate = float64(stats.CountsByType[model.OutcomeTypeSuccess]) / float64(stats.TotalOutcomes)
	}
	if avgTTH.Valid {
		v := avgTTH.Float64
		stats.AvgTimeToHealthy = &v
	}
	if latestMS.Valid {
		t := time.UnixMilli(latestMS.Int64).UTC()
		stats.LatestRecordedAt = &t
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (*model.OutcomeRecord, error) {
	var (
		rec        model.OutcomeRecord
		recordedMS int64
		auto       int
		ot, oo     string
		tth, hs    sql.NullFloat64
	)
	if err := row.Scan(
		&rec.OutcomeID, &rec.DecisionID, &rec.KillID, &rec.TargetModule,
		&recordedMS, &ot, &auto, &rec.OriginalRiskScore,
		&rec.OriginalConfidence, &oo, &tth, &hs, &rec.Reason,
	); err != nil {
		return nil, err
	}
	rec.RecordedAt = time.UnixMilli(recordedMS).UTC()
	rec.OutcomeType = model.OutcomeType(ot)
	rec.OriginalOutcome = model.Outcome(oo)
	rec.WasAutoApproved = auto == 1
	if tth.Valid {
		v := tth.Float64
		rec.TimeToHealthy = &v
	}
	if hs.Valid {
		v := hs.Float64
		rec.HealthScoreAfter = &v
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
