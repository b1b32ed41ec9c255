package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/medic/internal/model"
)

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	// Negligible refill so the burst governs.
	m := NewMemoryLimiter(0.001, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := m.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterKeysIndependent(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryLimiterRefills(t *testing.T) {
	// 100 tokens/second refills one token within a few milliseconds.
	m := NewMemoryLimiter(100, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	require.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	ok, _ = m.Allow(ctx, "a")
	assert.True(t, ok)
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestStaleBucketsSweptOnAccess(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	require.False(t, ok)

	m.mu.Lock()
	m.buckets["a"].refilled = time.Now().Add(-bucketIdleTTL - time.Minute)
	m.lastSweep = time.Now().Add(-sweepInterval - time.Minute)
	m.mu.Unlock()

	// The next access sweeps the idle bucket, so the key starts fresh.
	ok, _ = m.Allow(ctx, "a")
	assert.True(t, ok)
}

type stubLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (s *stubLimiter) Allow(context.Context, string) (bool, error) {
	s.calls++
	return s.allowed, s.err
}

func (s *stubLimiter) Close() error { return nil }

func limitedHandler(l Limiter, key KeyFunc) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return Middleware(l, key, func(*http.Request) string { return "req-123" })(next)
}

func TestMiddlewareAllows(t *testing.T) {
	h := limitedHandler(&stubLimiter{allowed: true}, IPKeyFunc)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/approve/k1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareBlocksWithEnvelope(t *testing.T) {
	h := limitedHandler(&stubLimiter{allowed: false}, IPKeyFunc)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/approve/k1", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-123", body.Meta.RequestID)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := limitedHandler(&stubLimiter{allowed: false, err: errors.New("backend down")}, IPKeyFunc)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/approve/k1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareEmptyKeySkips(t *testing.T) {
	s := &stubLimiter{allowed: false}
	h := limitedHandler(s, func(*http.Request) string { return "" })
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/approve/k1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, s.calls)
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/approve/k1", nil)
	r.RemoteAddr = "10.0.0.9:51234"
	// A spoofable header must not override the socket address.
	r.Header.Set("X-Forwarded-For", "8.8.8.8")
	assert.Equal(t, "10.0.0.9", IPKeyFunc(r))

	r.RemoteAddr = "10.0.0.9"
	assert.Equal(t, "10.0.0.9", IPKeyFunc(r))
}
