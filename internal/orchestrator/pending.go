package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/ashita-ai/medic/internal/model"
)

// ErrNotPending is returned when no review entry exists for a kill.
var ErrNotPending = errors.New("orchestrator: no pending review")

// ErrInFlight is returned when an approval for the kill is already
// executing.
var ErrInFlight = errors.New("orchestrator: approval already in flight")

// ErrQueueFull signals the pending queue hit its cap; the decision is
// downgraded to a denial.
var ErrQueueFull = errors.New("orchestrator: pending queue full")

// DefaultPendingCap bounds the review queue.
const DefaultPendingCap = 1000

type pendingEntry struct {
	report   *model.KillReport
	decision *model.Decision
	expiry   time.Time
	inFlight bool
}

// pendingQueue holds decisions awaiting manual review, keyed by kill_id.
// Mutated by the orchestrator (insert, expire) and the HTTP approve
// handler (claim, remove); one mutex guards it.
type pendingQueue struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	cap     int
}

func newPendingQueue(capacity int) *pendingQueue {
	if capacity <= 0 {
		capacity = DefaultPendingCap
	}
	return &pendingQueue{
		entries: make(map[string]*pendingEntry),
		cap:     capacity,
	}
}

func (q *pendingQueue) put(kr *model.KillReport, d *model.Decision) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.cap {
		return ErrQueueFull
	}
	q.entries[kr.KillID] = &pendingEntry{
		report:   kr,
		decision: d,
		expiry:   time.Now().Add(time.Duration(d.TimeoutMinutes) * time.Minute),
	}
	return nil
}

// claim marks the entry in flight so concurrent approvals conflict
// instead of double-executing.
func (q *pendingQueue) claim(killID string) (*pendingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[killID]
	if !ok {
		return nil, ErrNotPending
	}
	if e.inFlight {
		return nil, ErrInFlight
	}
	e.inFlight = true
	return e, nil
}

func (q *pendingQueue) remove(killID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, killID)
}

// release clears the in-flight mark after a failed execution so the entry
// can be retried.
func (q *pendingQueue) release(killID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[killID]; ok {
		e.inFlight = false
	}
}

// popExpired removes and returns entries past their deadline, skipping
// in-flight approvals.
func (q *pendingQueue) popExpired(now time.Time) []*pendingEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []*pendingEntry
	for id, e := range q.entries {
		if !e.inFlight && now.After(e.expiry) {
			expired = append(expired, e)
			delete(q.entries, id)
		}
	}
	return expired
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
