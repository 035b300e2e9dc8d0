// ABOUTME: Command dispatcher that pairs outbound dump/ping commands with async replies.
// ABOUTME: Owns the session registry, correlation table, and liveness sweeper lifecycle.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/probelab/tabwatch/internal/pending"
	"github.com/probelab/tabwatch/internal/session"
	"github.com/probelab/tabwatch/internal/store"
	"github.com/probelab/tabwatch/internal/wire"
)

// ErrNoSession indicates the dispatch target is not in the registry. Failed
// immediately, before any waiter is created.
var ErrNoSession = errors.New("no such session")

// ErrAgentFailure wraps an error the tab itself reported in its reply.
var ErrAgentFailure = errors.New("agent reported failure")

// ErrShuttingDown rejects waiters still outstanding when the broker stops.
var ErrShuttingDown = errors.New("broker shutting down")

// Default wait budgets applied when a caller passes none.
const (
	DefaultDumpWait = 5 * time.Second
	DefaultPingWait = 3 * time.Second
)

// Recorder persists a capture record for each dispatched command. Optional
// and best-effort: recording failures are logged, never surfaced to callers.
type Recorder interface {
	RecordCapture(ctx context.Context, c *store.Capture) error
}

// Options configures a Broker.
type Options struct {
	// ActiveWindow is the default recency filter for active-only session
	// listings; zero uses session.DefaultActiveWindow.
	ActiveWindow time.Duration

	// SweepInterval and StaleThreshold control the liveness sweeper; zero
	// values use the session package defaults (60s / 5m).
	SweepInterval  time.Duration
	StaleThreshold time.Duration

	// DumpWait and PingWait are the default wait budgets; zero values use
	// DefaultDumpWait / DefaultPingWait.
	DumpWait time.Duration
	PingWait time.Duration

	// Recorder, if non-nil, receives a capture record per dispatch.
	Recorder Recorder

	Logger *slog.Logger
}

// Broker is an explicitly constructed instance of the diagnostic broker:
// registry, correlation table, and sweeper with a Start/Stop lifecycle.
type Broker struct {
	registry     *session.Registry
	table        *pending.Table
	sweeper      *session.Sweeper
	recorder     Recorder
	activeWindow time.Duration
	dumpWait     time.Duration
	pingWait     time.Duration
	logger       *slog.Logger
}

// New creates a stopped broker.
func New(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	activeWindow := opts.ActiveWindow
	if activeWindow <= 0 {
		activeWindow = session.DefaultActiveWindow
	}
	dumpWait := opts.DumpWait
	if dumpWait <= 0 {
		dumpWait = DefaultDumpWait
	}
	pingWait := opts.PingWait
	if pingWait <= 0 {
		pingWait = DefaultPingWait
	}

	registry := session.NewRegistry(logger.With("component", "registry"))
	return &Broker{
		registry:     registry,
		table:        pending.NewTable(logger.With("component", "pending")),
		sweeper:      session.NewSweeper(registry, opts.SweepInterval, opts.StaleThreshold, logger.With("component", "sweeper")),
		recorder:     opts.Recorder,
		activeWindow: activeWindow,
		dumpWait:     dumpWait,
		pingWait:     pingWait,
		logger:       logger.With("component", "broker"),
	}
}

// Start launches the liveness sweeper.
func (b *Broker) Start() {
	b.sweeper.Start()
}

// Stop halts the sweeper and fails all outstanding waiters.
func (b *Broker) Stop() {
	b.sweeper.Close()
	b.table.RejectAll(ErrShuttingDown)
}

// HandleHello creates or replaces the session for a connecting tab.
func (b *Broker) HandleHello(hello *wire.Hello, sender session.Sender) {
	b.registry.UpsertOnHello(hello, sender)
}

// HandlePong refreshes a session's last-seen timestamp.
func (b *Broker) HandlePong(sid string) {
	if !b.registry.Touch(sid) {
		b.logger.Debug("pong for unknown session", "sid", sid)
	}
}

// HandleBye removes a session on an explicit disconnect notice. Waiters for
// in-flight commands against it are left to their own deadlines.
func (b *Broker) HandleBye(sid string) {
	b.registry.Remove(sid)
}

// HandleChannelClosed removes a session whose channel tore down without a
// bye, unless the tab already re-helloed on a fresh channel.
func (b *Broker) HandleChannelClosed(sid string, sender session.Sender) {
	b.registry.RemoveIf(sid, sender)
}

// HandleResult routes a dump_result or ping_result to its waiter by request
// id. Replies for unknown ids are dropped by the table.
func (b *Broker) HandleResult(res *wire.Result) {
	if res.OK {
		b.table.Resolve(res.ReqID, res.Payload)
		return
	}
	b.table.Reject(res.ReqID, fmt.Errorf("%w: %s", ErrAgentFailure, res.Error))
}

// Sessions lists session summaries, optionally filtered to those seen within
// the window. window <= 0 means the configured active window.
func (b *Broker) Sessions(activeOnly bool, window time.Duration) []session.Summary {
	if window <= 0 {
		window = b.activeWindow
	}
	return b.registry.List(activeOnly, window)
}

// Session returns the summary for one session id.
func (b *Broker) Session(sid string) (session.Summary, bool) {
	sum, _, ok := b.registry.Get(sid)
	return sum, ok
}

// PendingCount reports the number of outstanding requests.
func (b *Broker) PendingCount() int {
	return b.table.Len()
}

// Dump asks the tab to gather the requested kinds and waits for its reply.
// An empty kind set means all kinds; wait <= 0 means the configured default.
func (b *Broker) Dump(ctx context.Context, sid string, kinds []wire.DumpKind, wait time.Duration) (json.RawMessage, error) {
	if len(kinds) == 0 {
		kinds = wire.AllKinds()
	}
	if wait <= 0 {
		wait = b.dumpWait
	}
	payload, _, err := b.dispatch(ctx, sid, wire.EventDump, kinds, wait)
	return payload, err
}

// Ping asks the tab for liveness facts and measures the round trip.
func (b *Broker) Ping(ctx context.Context, sid string, wait time.Duration) (json.RawMessage, time.Duration, error) {
	if wait <= 0 {
		wait = b.pingWait
	}
	return b.dispatch(ctx, sid, wire.EventPing, nil, wait)
}

// outcome carries the single resolution of a dispatched command.
type outcome struct {
	payload json.RawMessage
	err     error
}

// dispatch is the one place request ids are minted. It fails fast on an
// unknown session, registers a waiter, emits the command on the session's
// channel, and blocks until the waiter resolves, rejects, or times out.
func (b *Broker) dispatch(ctx context.Context, sid, command string, kinds []wire.DumpKind, wait time.Duration) (json.RawMessage, time.Duration, error) {
	_, sender, ok := b.registry.Get(sid)
	if !ok {
		return nil, 0, ErrNoSession
	}

	// UUIDv4 from crypto/rand: unique per process lifetime and unguessable,
	// so replies cannot be forged by predicting ids.
	reqID := uuid.NewString()

	ch := make(chan outcome, 1)
	b.table.Register(reqID,
		func(payload json.RawMessage) { ch <- outcome{payload: payload} },
		func(err error) { ch <- outcome{err: err} },
		wait,
	)

	env := &wire.Envelope{Event: command}
	switch command {
	case wire.EventDump:
		env.Dump = &wire.Dump{ReqID: reqID, Types: kinds}
	case wire.EventPing:
		env.Ping = &wire.Ping{ReqID: reqID}
	}

	started := time.Now()
	if err := sender.Send(ctx, env); err != nil {
		b.table.Reject(reqID, fmt.Errorf("sending command: %w", err))
	}

	b.logger.Debug("command dispatched",
		"sid", sid,
		"command", command,
		"req_id", reqID,
		"wait", wait,
	)

	var out outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		// Reject guarantees exactly one outcome lands in ch: either ours or
		// a reply that won the race.
		b.table.Reject(reqID, ctx.Err())
		out = <-ch
	}
	elapsed := time.Since(started)

	// Audit bookkeeping stays off the caller's path; a slow capture insert
	// must not delay the response.
	go b.record(sid, command, kinds, elapsed, out.err)
	return out.payload, elapsed, out.err
}

// record persists the dispatch outcome when a recorder is configured.
func (b *Broker) record(sid, command string, kinds []wire.DumpKind, elapsed time.Duration, dispatchErr error) {
	if b.recorder == nil {
		return
	}

	c := &store.Capture{
		SID:        sid,
		Command:    command,
		Kinds:      kinds,
		OK:         dispatchErr == nil,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if dispatchErr != nil {
		c.Error = dispatchErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.recorder.RecordCapture(ctx, c); err != nil {
		b.logger.Warn("recording capture failed", "sid", sid, "error", err)
	}
}
