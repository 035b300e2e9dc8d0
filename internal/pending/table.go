// ABOUTME: Correlation table mapping outstanding request ids to waiting callers.
// ABOUTME: Guarantees exactly one outcome per request: reply, explicit error, or timeout.

package pending

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTimeout is delivered to a waiter whose deadline fired before any reply
// arrived. Routine, not a defect: tabs vanish without warning.
var ErrTimeout = errors.New("timed out waiting for reply")

// waiter is one outstanding request. The deadline timer and an arriving
// reply race to take it out of the table; whoever wins delivers the single
// outcome, the loser finds the id gone and does nothing.
type waiter struct {
	onResolve func(json.RawMessage)
	onReject  func(error)
	timer     *time.Timer
}

// Table stores waiters keyed by request id. Safe for concurrent use; the
// callbacks run outside the lock.
type Table struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	logger  *slog.Logger
}

// NewTable creates an empty correlation table.
func NewTable(logger *slog.Logger) *Table {
	return &Table{
		waiters: make(map[string]*waiter),
		logger:  logger,
	}
}

// Register stores a waiter for reqID and arms its deadline. When the
// deadline fires and the waiter is still present it is removed and onReject
// receives ErrTimeout.
func (t *Table) Register(reqID string, onResolve func(json.RawMessage), onReject func(error), timeout time.Duration) {
	w := &waiter{onResolve: onResolve, onReject: onReject}

	// The timer is armed and the waiter published under one critical section
	// so an immediately-firing deadline still finds the entry present.
	t.mu.Lock()
	w.timer = time.AfterFunc(timeout, func() {
		if taken := t.take(reqID); taken != nil {
			t.logger.Debug("request timed out", "req_id", reqID, "timeout", timeout)
			taken.onReject(ErrTimeout)
		}
	})
	t.waiters[reqID] = w
	t.mu.Unlock()
}

// Resolve delivers a successful reply. Unknown ids — already timed out,
// duplicated, or forged — are dropped silently.
func (t *Table) Resolve(reqID string, payload json.RawMessage) {
	w := t.take(reqID)
	if w == nil {
		t.logger.Debug("dropping reply for unknown request", "req_id", reqID)
		return
	}
	w.timer.Stop()
	w.onResolve(payload)
}

// Reject delivers an explicit failure, symmetric to Resolve.
func (t *Table) Reject(reqID string, err error) {
	w := t.take(reqID)
	if w == nil {
		t.logger.Debug("dropping error for unknown request", "req_id", reqID)
		return
	}
	w.timer.Stop()
	w.onReject(err)
}

// RejectAll fails every outstanding waiter, used on broker shutdown.
func (t *Table) RejectAll(err error) {
	t.mu.Lock()
	taken := t.waiters
	t.waiters = make(map[string]*waiter)
	t.mu.Unlock()

	for _, w := range taken {
		w.timer.Stop()
		w.onReject(err)
	}
}

// Len returns the number of outstanding waiters.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// take removes and returns the waiter for reqID, or nil if absent.
func (t *Table) take(reqID string) *waiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.waiters[reqID]
	if !ok {
		return nil
	}
	delete(t.waiters, reqID)
	return w
}
