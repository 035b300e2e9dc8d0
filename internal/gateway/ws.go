// ABOUTME: WebSocket endpoint for the tab channel.
// ABOUTME: Decodes inbound envelopes into broker calls and wraps the socket as a send handle.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/probelab/tabwatch/internal/session"
	"github.com/probelab/tabwatch/internal/wire"
)

// tabConn wraps a websocket connection as a session.Sender. wsjson.Write
// serializes concurrent writers internally.
type tabConn struct {
	conn *websocket.Conn
}

func (c *tabConn) Send(ctx context.Context, env *wire.Envelope) error {
	return wsjson.Write(ctx, c.conn, env)
}

// handleWS accepts a tab's channel connection and pumps its events into the
// broker until the socket closes. The facade does no correlation or timeout
// work of its own.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Instrumented pages connect from whatever origin they run on; this
		// is a development tool, not an internet-facing service.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Dump replies routinely exceed the default 32KB read limit: a dom-html
	// snapshot or a base64 screenshot can run to megabytes.
	conn.SetReadLimit(-1)

	sender := &tabConn{conn: conn}
	logger := g.logger.With("remote", r.RemoteAddr)
	logger.Debug("tab channel opened")

	// sid is learned from the first hello. On teardown the session is
	// removed only if this channel still owns it.
	var sid string
	defer func() {
		if sid != "" {
			g.broker.HandleChannelClosed(sid, sender)
		}
	}()

	for {
		var env wire.Envelope
		if err := wsjson.Read(r.Context(), conn, &env); err != nil {
			if !isExpectedClose(err) {
				logger.Debug("tab channel read failed", "sid", sid, "error", err)
			}
			return
		}
		g.dispatchEvent(&env, sender, &sid, logger)
	}
}

// dispatchEvent routes one inbound envelope. Malformed envelopes are dropped
// with a debug log; the channel stays open.
func (g *Gateway) dispatchEvent(env *wire.Envelope, sender session.Sender, sid *string, logger *slog.Logger) {
	switch env.Event {
	case wire.EventHello:
		if env.Hello == nil {
			logger.Debug("hello without payload")
			return
		}
		g.broker.HandleHello(env.Hello, sender)
		*sid = session.SID(env.Hello.BrowserID, env.Hello.PageID)

	case wire.EventPong:
		if env.Pong == nil {
			return
		}
		g.broker.HandlePong(env.Pong.SID)

	case wire.EventBye:
		if env.Bye == nil {
			return
		}
		g.broker.HandleBye(env.Bye.SID)

	case wire.EventDumpResult, wire.EventPingResult:
		if env.Result == nil {
			return
		}
		g.broker.HandleResult(env.Result)

	default:
		logger.Debug("unknown channel event", "event", env.Event)
	}
}

// isExpectedClose reports whether a read error is a routine disconnect.
func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}
