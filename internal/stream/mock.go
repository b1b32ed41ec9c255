package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/medic/internal/model"
)

// MockListener yields synthetic kill reports at a fixed interval. Used in
// development and tests; pairs with the dry-run executor.
type MockListener struct {
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	acked []string
}

// NewMock builds a mock listener emitting one report per interval.
func NewMock(interval time.Duration, logger *slog.Logger) *MockListener {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &MockListener{
		interval: interval,
		logger:   logger.With("component", "stream"),
	}
}

// Listen implements Listener with generated events.
func (l *MockListener) Listen(ctx context.Context) <-chan Message {
	out := make(chan Message, channelBuffer)
	go func() {
		defer close(out)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		seq := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			seq++
			report := syntheticReport(seq)
			select {
			case <-ctx.Done():
				return
			case out <- Message{ID: fmt.Sprintf("mock-%d", seq), Report: report}:
			}
		}
	}()
	return out
}

// Ack records the acknowledged ID. Test hook; no broker involved.
func (l *MockListener) Ack(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acked = append(l.acked, id)
	return nil
}

// Acked returns the IDs acknowledged so far.
func (l *MockListener) Acked() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.acked...)
}

// Close implements Listener.
func (l *MockListener) Close() error { return nil }

var mockSeverities = []model.Severity{
	model.SeverityInfo, model.SeverityLow, model.SeverityMedium,
	model.SeverityHigh, model.SeverityCritical,
}

func syntheticReport(seq int) *model.KillReport {
	return &model.KillReport{
		KillID:           uuid.New().String(),
		Timestamp:        time.Now().UTC(),
		TargetModule:     fmt.Sprintf("demo-service-%d", seq%3),
		TargetInstanceID: fmt.Sprintf("instance-%d", seq),
		KillReason:       model.ReasonAnomalyBehavior,
		Severity:         mockSeverities[seq%len(mockSeverities)],
		ConfidenceScore:  float64(seq%10) / 10.0,
		Evidence:         []string{"synthetic event"},
		Dependencies:     []string{},
		SourceAgent:      "mock-killer",
		Metadata:         map[string]any{},
	}
}
