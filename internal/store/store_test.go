package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/medic/internal/model"
	"github.com/ashita-ai/medic/internal/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "outcomes.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(killID, module string, outcome model.Outcome, ot model.OutcomeType, at time.Time) *model.OutcomeRecord {
	d := model.NewDecision(killID, outcome, 0.25, 0.9, []string{"test"}, "restart "+module)
	rec := model.NewOutcomeRecord(d, module, ot, "")
	rec.RecordedAt = at
	return rec
}

func TestPutAndListRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		rec := record("kill-"+string(rune('a'+i)), "svc", model.OutcomeDeny, model.OutcomeTypeUndetermined,
			now.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Put(ctx, rec))
	}

	out, err := s.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	// Newest first.
	assert.Equal(t, "kill-e", out[0].KillID)
	assert.Equal(t, "kill-d", out[1].KillID)
	assert.True(t, out[0].RecordedAt.After(out[1].RecordedAt))
}

func TestPutRejectsInvalidOutcomeType(t *testing.T) {
	s := openTestStore(t)
	rec := record("kill-x", "svc", model.OutcomeDeny, model.OutcomeType("bogus"), time.Now().UTC())
	require.Error(t, s.Put(context.Background(), rec))
}

func TestPutRoundTripsOptionalFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tth, hs := 4.2, 1.0
	rec := record("kill-opt", "svc", model.OutcomeApproveAuto, model.OutcomeTypeSuccess, time.Now().UTC())
	rec.TimeToHealthy = &tth
	rec.HealthScoreAfter = &hs
	rec.Reason = "manual_approval"
	require.NoError(t, s.Put(ctx, rec))

	out, err := s.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	got := out[0]
	require.NotNil(t, got.TimeToHealthy)
	assert.Equal(t, tth, *got.TimeToHealthy)
	require.NotNil(t, got.HealthScoreAfter)
	assert.True(t, got.WasAutoApproved)
	assert.Equal(t, model.OutcomeApproveAuto, got.OriginalOutcome)
	assert.Equal(t, "manual_approval", got.Reason)
}

func TestSeenRecently(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seen, err := s.SeenRecently(ctx, "kill-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.Put(ctx, record("kill-1", "svc", model.OutcomeDeny, model.OutcomeTypeUndetermined, time.Now().UTC())))

	seen, err = s.SeenRecently(ctx, "kill-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, seen)

	// A record outside the window does not count.
	old := record("kill-old", "svc", model.OutcomeDeny, model.OutcomeTypeUndetermined, time.Now().UTC().Add(-48*time.Hour))
	require.NoError(t, s.Put(ctx, old))
	seen, err = s.SeenRecently(ctx, "kill-old", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestModuleHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, record("k1", "flaky", model.OutcomeApproveAuto, model.OutcomeTypeReKilled, now)))
	require.NoError(t, s.Put(ctx, record("k2", "flaky", model.OutcomeApproveAuto, model.OutcomeTypeFailure, now)))
	require.NoError(t, s.Put(ctx, record("k3", "flaky", model.OutcomeApproveAuto, model.OutcomeTypeSuccess, now)))
	require.NoError(t, s.Put(ctx, record("k4", "other", model.OutcomeApproveAuto, model.OutcomeTypeFailure, now)))
	require.NoError(t, s.Put(ctx, record("k5", "flaky", model.OutcomeApproveAuto, model.OutcomeTypeFailure, now.Add(-40*24*time.Hour))))

	n, err := s.ModuleHistory(ctx, "flaky", 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStatistics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tth := 3.0
	auto := record("k1", "svc", model.OutcomeApproveAuto, model.OutcomeTypeSuccess, now.Add(-time.Minute))
	auto.TimeToHealthy = &tth
	require.NoError(t, s.Put(ctx, auto))
	require.NoError(t, s.Put(ctx, record("k2", "svc", model.OutcomeApproveAuto, model.OutcomeTypeRollback, now.Add(-time.Minute))))
	require.NoError(t, s.Put(ctx, record("k3", "svc", model.OutcomeDeny, model.OutcomeTypeUndetermined, now)))

	stats, err := s.Statistics(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalOutcomes)
	assert.Equal(t, 1, stats.CountsByType[model.OutcomeTypeSuccess])
	assert.Equal(t, 2, stats.AutoApprovedCount)
	assert.InDelta(t, 0.5, stats.AutoApproveAccuracy, 1e-9)
	assert.InDelta(t, 1.0/3.0, stats.SuccessRate, 1e-9)
	require.NotNil(t, stats.AvgTimeToHealthy)
	assert.InDelta(t, 3.0, *stats.AvgTimeToHealthy, 1e-9)
	require.NotNil(t, stats.LatestRecordedAt)
}

func TestStatisticsEmpty(t *testing.T) {
	s := openTestStore(t)
	stats, err := s.Statistics(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalOutcomes)
	assert.Zero(t, stats.AutoApproveAccuracy)
	assert.Nil(t, stats.LatestRecordedAt)
}

func TestOpenReusesExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outcomes.db")
	ctx := context.Background()

	s1, err := Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, record("k1", "svc", model.OutcomeDeny, model.OutcomeTypeUndetermined, time.Now().UTC())))
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer s2.Close()
	out, err := s2.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
