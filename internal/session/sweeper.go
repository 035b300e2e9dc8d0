// ABOUTME: Periodic background eviction of sessions that stopped heartbeating.
// ABOUTME: A backstop against leaked entries, not the primary liveness signal.

package session

import (
	"log/slog"
	"sync"
	"time"
)

// Sweeper defaults. The stale threshold is deliberately much larger than the
// active listing window: callers filter on the window, the sweep only
// reclaims entries whose tab is long gone without a bye.
const (
	DefaultSweepInterval  = time.Minute
	DefaultStaleThreshold = 5 * time.Minute
)

// Sweeper periodically evicts registry entries whose last-seen timestamp has
// aged past the stale threshold.
type Sweeper struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewSweeper creates a sweeper for the registry. Non-positive interval or
// threshold fall back to the defaults. Call Start to begin sweeping.
func NewSweeper(registry *Registry, interval, threshold time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &Sweeper{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

// sweep evicts stale sessions once. Best-effort bookkeeping: it logs what it
// removed and never fails.
func (s *Sweeper) sweep() {
	evicted := s.registry.EvictStale(s.threshold)
	if len(evicted) > 0 {
		s.logger.Info("swept stale sessions",
			"evicted", evicted,
			"threshold", s.threshold,
		)
	}
}

// Close stops the sweep loop. Safe to call multiple times.
func (s *Sweeper) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
