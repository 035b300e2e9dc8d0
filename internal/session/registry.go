// ABOUTME: Tracks connected browser tabs keyed by their composite identity.
// ABOUTME: Source of truth for which tabs are currently reachable and how recently.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/probelab/tabwatch/internal/wire"
)

// DefaultActiveWindow is how recently a tab must have been heard from to
// count as active in a filtered listing: roughly three missed heartbeats at
// the 15-second heartbeat interval.
const DefaultActiveWindow = 45 * time.Second

// Sender delivers one envelope to a specific connected tab. The gateway's
// websocket wrapper implements it; a handle is only valid while the tab's
// channel is open.
type Sender interface {
	Send(ctx context.Context, env *wire.Envelope) error
}

// SID builds the composite session id from the identity pair. Uniqueness is
// defined by the pair: two tabs of one browser are distinct sessions.
func SID(browserID, pageID string) string {
	return browserID + ":" + pageID
}

// Summary is a point-in-time copy of one session's public attributes.
type Summary struct {
	SID       string
	BrowserID string
	PageID    string
	Href      string
	Title     string
	UserAgent string
	LastSeen  time.Time
}

// entry is the registry's internal record. Mutated only under Registry.mu.
type entry struct {
	hello    wire.Hello
	sender   Sender
	lastSeen time.Time
}

// Registry is the set of currently known tabs. All methods are safe for
// concurrent use from channel callbacks, HTTP handlers, and the sweeper;
// none of them block.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		logger:   logger,
		now:      time.Now,
	}
}

// UpsertOnHello inserts or replaces the session for the hello's identity and
// stamps it as seen now. A repeated hello from the same identity (a reload
// that reused the page id, or a reconnect) replaces the old channel handle.
func (r *Registry) UpsertOnHello(hello *wire.Hello, sender Sender) {
	sid := SID(hello.BrowserID, hello.PageID)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.sessions[sid]
	r.sessions[sid] = &entry{
		hello:    *hello,
		sender:   sender,
		lastSeen: r.now(),
	}

	r.logger.Info("=== TAB CONNECTED ===",
		"sid", sid,
		"href", hello.Href,
		"title", hello.Title,
		"replaced", replaced,
		"total_sessions", len(r.sessions),
	)
}

// Touch refreshes last-seen for an existing session and reports whether it
// existed. A heartbeat for an unknown or already-evicted session is ignored,
// not an error.
func (r *Registry) Touch(sid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	e.lastSeen = r.now()
	return true
}

// Remove deletes a session. Idempotent: used for explicit bye notices and by
// the sweeper.
func (r *Registry) Remove(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sid]; ok {
		delete(r.sessions, sid)
		r.logger.Info("=== TAB DISCONNECTED ===",
			"sid", sid,
			"total_sessions", len(r.sessions),
		)
	}
}

// RemoveIf deletes a session only if it still holds the given channel
// handle. Used when a channel closes: a tab that already re-helloed on a new
// channel must not be evicted by its old channel's teardown.
func (r *Registry) RemoveIf(sid string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sid]
	if !ok || e.sender != sender {
		return
	}
	delete(r.sessions, sid)
	r.logger.Info("=== TAB DISCONNECTED ===",
		"sid", sid,
		"total_sessions", len(r.sessions),
	)
}

// Get returns a snapshot of the session plus its live channel handle.
func (r *Registry) Get(sid string) (Summary, Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sid]
	if !ok {
		return Summary{}, nil, false
	}
	return summarize(sid, e), e.sender, true
}

// List returns summaries of all sessions. With activeOnly set it filters to
// sessions seen within the window; window <= 0 means DefaultActiveWindow.
func (r *Registry) List(activeOnly bool, window time.Duration) []Summary {
	if window <= 0 {
		window = DefaultActiveWindow
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]Summary, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if activeOnly && now.Sub(e.lastSeen) > window {
			continue
		}
		out = append(out, summarize(sid, e))
	}
	return out
}

// EvictStale removes every session idle longer than threshold and returns
// the evicted session ids. In-flight dispatches for an evicted session are
// unaffected; their waiters age out on their own deadlines.
func (r *Registry) EvictStale(threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted []string
	for sid, e := range r.sessions {
		if now.Sub(e.lastSeen) > threshold {
			delete(r.sessions, sid)
			evicted = append(evicted, sid)
		}
	}
	return evicted
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// summarize copies an entry into a Summary. Must be called with the registry
// lock held.
func summarize(sid string, e *entry) Summary {
	return Summary{
		SID:       sid,
		BrowserID: e.hello.BrowserID,
		PageID:    e.hello.PageID,
		Href:      e.hello.Href,
		Title:     e.hello.Title,
		UserAgent: e.hello.UserAgent,
		LastSeen:  e.lastSeen,
	}
}
