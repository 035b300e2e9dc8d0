// ABOUTME: Tests for the command dispatcher.
// ABOUTME: Covers fail-fast unknown sessions, reply correlation, timeouts, and shutdown.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/tabwatch/internal/pending"
	"github.com/probelab/tabwatch/internal/session"
	"github.com/probelab/tabwatch/internal/store"
	"github.com/probelab/tabwatch/internal/wire"
)

// scriptedSender answers dispatched commands the way a tab would: it pulls
// the request id off the outbound envelope and feeds a result back into the
// broker from another goroutine.
type scriptedSender struct {
	broker *Broker
	mu     sync.Mutex
	sent   []*wire.Envelope

	// reply builds the tab's answer; nil means stay silent.
	reply func(reqID string, env *wire.Envelope) *wire.Result

	// sendErr, if set, fails the send itself.
	sendErr error
}

func (s *scriptedSender) Send(_ context.Context, env *wire.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()

	if s.sendErr != nil {
		return s.sendErr
	}
	if s.reply == nil {
		return nil
	}

	var reqID string
	switch {
	case env.Dump != nil:
		reqID = env.Dump.ReqID
	case env.Ping != nil:
		reqID = env.Ping.ReqID
	}

	go func() {
		if res := s.reply(reqID, env); res != nil {
			s.broker.HandleResult(res)
		}
	}()
	return nil
}

func (s *scriptedSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestBroker(opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return New(opts)
}

func connect(b *Broker, browserID, pageID string, sender session.Sender) string {
	b.HandleHello(&wire.Hello{
		BrowserID: browserID,
		PageID:    pageID,
		Href:      "https://example.test",
		Title:     "Example",
	}, sender)
	return session.SID(browserID, pageID)
}

func TestDumpUnknownSessionFailsFast(t *testing.T) {
	b := newTestBroker(Options{})

	started := time.Now()
	_, err := b.Dump(context.Background(), "ghost:tab", nil, time.Second)

	assert.ErrorIs(t, err, ErrNoSession)
	assert.Less(t, time.Since(started), 500*time.Millisecond, "unknown session must not consume the wait budget")
	assert.Equal(t, 0, b.PendingCount(), "no waiter may be created for an unknown session")
}

func TestDumpRoundTrip(t *testing.T) {
	b := newTestBroker(Options{})
	sender := &scriptedSender{
		broker: b,
		reply: func(reqID string, _ *wire.Envelope) *wire.Result {
			return &wire.Result{ReqID: reqID, OK: true, Payload: json.RawMessage(`{"dom_html":"<html></html>"}`)}
		},
	}
	sid := connect(b, "chrome-1", "tab-1", sender)

	payload, err := b.Dump(context.Background(), sid, []wire.DumpKind{wire.KindDOMHTML}, time.Second)

	require.NoError(t, err)
	assert.JSONEq(t, `{"dom_html":"<html></html>"}`, string(payload))
	assert.Equal(t, 0, b.PendingCount())

	// The outbound envelope carried the requested kinds and a request id.
	require.Equal(t, 1, sender.sentCount())
	env := sender.sent[0]
	require.NotNil(t, env.Dump)
	assert.Equal(t, wire.EventDump, env.Event)
	assert.NotEmpty(t, env.Dump.ReqID)
	assert.Equal(t, []wire.DumpKind{wire.KindDOMHTML}, env.Dump.Types)
}

func TestDumpEmptyKindsMeansAllKinds(t *testing.T) {
	b := newTestBroker(Options{})
	sender := &scriptedSender{
		broker: b,
		reply: func(reqID string, _ *wire.Envelope) *wire.Result {
			return &wire.Result{ReqID: reqID, OK: true, Payload: json.RawMessage(`{}`)}
		},
	}
	sid := connect(b, "chrome-1", "tab-1", sender)

	_, err := b.Dump(context.Background(), sid, nil, time.Second)
	require.NoError(t, err)

	require.Equal(t, 1, sender.sentCount())
	assert.Equal(t, wire.AllKinds(), sender.sent[0].Dump.Types)
}

func TestDumpAgentFailure(t *testing.T) {
	b := newTestBroker(Options{})
	sender := &scriptedSender{
		broker: b,
		reply: func(reqID string, _ *wire.Envelope) *wire.Result {
			return &wire.Result{ReqID: reqID, OK: false, Error: "page detached"}
		},
	}
	sid := connect(b, "chrome-1", "tab-1", sender)

	_, err := b.Dump(context.Background(), sid, nil, time.Second)

	require.ErrorIs(t, err, ErrAgentFailure)
	assert.Contains(t, err.Error(), "page detached")
}

func TestDumpTimeoutLeavesSessionIntact(t *testing.T) {
	b := newTestBroker(Options{})
	sender := &scriptedSender{broker: b} // never replies
	sid := connect(b, "chrome-1", "tab-1", sender)

	started := time.Now()
	_, err := b.Dump(context.Background(), sid, nil, 30*time.Millisecond)
	elapsed := time.Since(started)

	require.ErrorIs(t, err, pending.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, time.Second, "timeout must land near the wait budget")

	// A timeout says nothing about liveness; the session stays registered.
	_, ok := b.Session(sid)
	assert.True(t, ok)
	assert.Equal(t, 0, b.PendingCount())
}

func TestLateReplyAfterTimeoutIsDropped(t *testing.T) {
	b := newTestBroker(Options{})

	var reqID string
	var mu sync.Mutex
	sender := &scriptedSender{broker: b}
	sender.reply = func(id string, _ *wire.Envelope) *wire.Result {
		mu.Lock()
		reqID = id
		mu.Unlock()
		return nil // silent: let the deadline fire first
	}
	sid := connect(b, "chrome-1", "tab-1", sender)

	_, err := b.Dump(context.Background(), sid, nil, 10*time.Millisecond)
	require.ErrorIs(t, err, pending.ErrTimeout)

	// The reply shows up after the waiter is gone: silently dropped.
	mu.Lock()
	id := reqID
	mu.Unlock()
	b.HandleResult(&wire.Result{ReqID: id, OK: true, Payload: json.RawMessage(`{}`)})
	assert.Equal(t, 0, b.PendingCount())
}

func TestSendFailureRejectsImmediately(t *testing.T) {
	b := newTestBroker(Options{})
	sender := &scriptedSender{broker: b, sendErr: errors.New("socket gone")}
	sid := connect(b, "chrome-1", "tab-1", sender)

	started := time.Now()
	_, err := b.Dump(context.Background(), sid, nil, 5*time.Second)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket gone")
	assert.Less(t, time.Since(started), time.Second, "send failure must not wait out the budget")
	assert.Equal(t, 0, b.PendingCount())
}

func TestContextCancellationRejectsWaiter(t *testing.T) {
	b := newTestBroker(Options{})
	sender := &scriptedSender{broker: b} // never replies
	sid := connect(b, "chrome-1", "tab-1", sender)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.Dump(ctx, sid, nil, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.PendingCount())
}

func TestPingReportsRoundTrip(t *testing.T) {
	b := newTestBroker(Options{})
	sender := &scriptedSender{
		broker: b,
		reply: func(reqID string, _ *wire.Envelope) *wire.Result {
			time.Sleep(5 * time.Millisecond)
			return &wire.Result{ReqID: reqID, OK: true, Payload: json.RawMessage(`{"focused":true,"visibility":"visible"}`)}
		},
	}
	sid := connect(b, "chrome-1", "tab-1", sender)

	payload, rtt, err := b.Ping(context.Background(), sid, time.Second)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, 5*time.Millisecond)

	var facts wire.PingPayload
	require.NoError(t, json.Unmarshal(payload, &facts))
	assert.True(t, facts.Focused)
	assert.Equal(t, "visible", facts.Visibility)

	require.Equal(t, 1, sender.sentCount())
	assert.Equal(t, wire.EventPing, sender.sent[0].Event)
	require.NotNil(t, sender.sent[0].Ping)
}

func TestConcurrentDumpsToDifferentSessions(t *testing.T) {
	b := newTestBroker(Options{})

	mkSender := func(marker string) *scriptedSender {
		return &scriptedSender{
			broker: b,
			reply: func(reqID string, _ *wire.Envelope) *wire.Result {
				return &wire.Result{ReqID: reqID, OK: true, Payload: json.RawMessage(`{"dom_html":"` + marker + `"}`)}
			},
		}
	}
	sidA := connect(b, "chrome-1", "tab-a", mkSender("page-a"))
	sidB := connect(b, "chrome-1", "tab-b", mkSender("page-b"))

	var wg sync.WaitGroup
	results := make(map[string]json.RawMessage, 2)
	var mu sync.Mutex
	for _, sid := range []string{sidA, sidB} {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			payload, err := b.Dump(context.Background(), sid, []wire.DumpKind{wire.KindDOMHTML}, time.Second)
			require.NoError(t, err)
			mu.Lock()
			results[sid] = payload
			mu.Unlock()
		}(sid)
	}
	wg.Wait()

	// Each caller got its own tab's payload, not the other's.
	assert.JSONEq(t, `{"dom_html":"page-a"}`, string(results[sidA]))
	assert.JSONEq(t, `{"dom_html":"page-b"}`, string(results[sidB]))
}

func TestStopRejectsOutstandingWaiters(t *testing.T) {
	b := newTestBroker(Options{})
	b.Start()
	sender := &scriptedSender{broker: b} // never replies
	sid := connect(b, "chrome-1", "tab-1", sender)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dump(context.Background(), sid, nil, time.Minute)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return b.PendingCount() == 1
	}, time.Second, time.Millisecond)

	b.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("waiter not rejected on shutdown")
	}
}

func TestByeRemovesSession(t *testing.T) {
	b := newTestBroker(Options{})
	sid := connect(b, "chrome-1", "tab-1", &scriptedSender{broker: b})

	b.HandleBye(sid)

	_, ok := b.Session(sid)
	assert.False(t, ok)
	_, err := b.Dump(context.Background(), sid, nil, time.Second)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestChannelClosedRespectsReconnect(t *testing.T) {
	b := newTestBroker(Options{})
	old := &scriptedSender{broker: b}
	fresh := &scriptedSender{broker: b}

	sid := connect(b, "chrome-1", "tab-1", old)
	connect(b, "chrome-1", "tab-1", fresh)

	// The old channel's teardown races the re-hello and must lose.
	b.HandleChannelClosed(sid, old)
	_, ok := b.Session(sid)
	assert.True(t, ok)

	b.HandleChannelClosed(sid, fresh)
	_, ok = b.Session(sid)
	assert.False(t, ok)
}

func TestPongTouchesSession(t *testing.T) {
	b := newTestBroker(Options{})
	sid := connect(b, "chrome-1", "tab-1", &scriptedSender{broker: b})

	before, ok := b.Session(sid)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	b.HandlePong(sid)

	after, ok := b.Session(sid)
	require.True(t, ok)
	assert.True(t, after.LastSeen.After(before.LastSeen))

	// Pong for an unknown session is ignored, not an error.
	b.HandlePong("ghost:tab")
}

// captureRecorder collects capture records in memory.
type captureRecorder struct {
	mu       sync.Mutex
	captures []*store.Capture
}

func (r *captureRecorder) RecordCapture(_ context.Context, c *store.Capture) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures = append(r.captures, c)
	return nil
}

func TestDispatchOutcomesAreRecorded(t *testing.T) {
	rec := &captureRecorder{}
	b := newTestBroker(Options{Recorder: rec})
	sender := &scriptedSender{
		broker: b,
		reply: func(reqID string, _ *wire.Envelope) *wire.Result {
			return &wire.Result{ReqID: reqID, OK: true, Payload: json.RawMessage(`{}`)}
		},
	}
	sid := connect(b, "chrome-1", "tab-1", sender)

	_, err := b.Dump(context.Background(), sid, []wire.DumpKind{wire.KindConsoleLog}, time.Second)
	require.NoError(t, err)

	_, err = b.Dump(context.Background(), "ghost:tab", nil, time.Second)
	require.ErrorIs(t, err, ErrNoSession)

	// Recording is asynchronous; wait for the capture to land.
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.captures) == 1
	}, time.Second, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	// Only real dispatches are recorded; fail-fast rejections never reach a tab.
	c := rec.captures[0]
	assert.Equal(t, sid, c.SID)
	assert.Equal(t, wire.EventDump, c.Command)
	assert.Equal(t, []wire.DumpKind{wire.KindConsoleLog}, c.Kinds)
	assert.True(t, c.OK)
}

// slowRecorder blocks each insert long enough to be visible in a response
// time measurement.
type slowRecorder struct {
	delay time.Duration
}

func (r *slowRecorder) RecordCapture(context.Context, *store.Capture) error {
	time.Sleep(r.delay)
	return nil
}

func TestSlowRecorderDoesNotDelayCaller(t *testing.T) {
	b := newTestBroker(Options{Recorder: &slowRecorder{delay: 500 * time.Millisecond}})
	sender := &scriptedSender{
		broker: b,
		reply: func(reqID string, _ *wire.Envelope) *wire.Result {
			return &wire.Result{ReqID: reqID, OK: true, Payload: json.RawMessage(`{}`)}
		},
	}
	sid := connect(b, "chrome-1", "tab-1", sender)

	started := time.Now()
	_, err := b.Dump(context.Background(), sid, nil, time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 250*time.Millisecond,
		"capture insert must stay off the caller's path")
}

func TestConfiguredActiveWindow(t *testing.T) {
	b := newTestBroker(Options{ActiveWindow: 30 * time.Millisecond})
	connect(b, "chrome-1", "tab-1", &scriptedSender{broker: b})

	assert.Len(t, b.Sessions(true, 0), 1)

	time.Sleep(60 * time.Millisecond)

	// The configured window, not the package default, drives the filter.
	assert.Empty(t, b.Sessions(true, 0))

	// An explicit caller-supplied window still overrides it.
	assert.Len(t, b.Sessions(true, time.Minute), 1)
}

func TestDefaultWaitBudgets(t *testing.T) {
	b := newTestBroker(Options{DumpWait: 20 * time.Millisecond, PingWait: 20 * time.Millisecond})
	sender := &scriptedSender{broker: b} // never replies
	sid := connect(b, "chrome-1", "tab-1", sender)

	started := time.Now()
	_, err := b.Dump(context.Background(), sid, nil, 0)
	require.ErrorIs(t, err, pending.ErrTimeout)
	assert.Less(t, time.Since(started), time.Second, "wait <= 0 must use the configured default")

	started = time.Now()
	_, _, err = b.Ping(context.Background(), sid, 0)
	require.ErrorIs(t, err, pending.ErrTimeout)
	assert.Less(t, time.Since(started), time.Second)
}
