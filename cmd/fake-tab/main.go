// ABOUTME: Fake browser tab for end-to-end testing of the tabwatch broker.
// ABOUTME: Connects over the tab channel, heartbeats, and answers dump/ping commands with canned data.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/probelab/tabwatch/internal/session"
	"github.com/probelab/tabwatch/internal/wire"
)

// 1x1 transparent PNG, enough to exercise the screenshot path.
const tinyPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

func main() {
	var (
		brokerURL = flag.String("broker", "ws://localhost:8089/ws", "Broker websocket URL")
		browserID = flag.String("browser", "", "Browser id (random if empty)")
		pageID    = flag.String("page", "", "Page id (random if empty)")
		href      = flag.String("href", "https://example.test/checkout", "Page href to report")
		title     = flag.String("title", "Fake Checkout Page", "Page title to report")
		heartbeat = flag.Duration("heartbeat", 15*time.Second, "Heartbeat interval")
		failDumps = flag.Bool("fail-dumps", false, "Answer dump commands with an error result")
		mute      = flag.Bool("mute", false, "Never answer commands (exercise broker timeouts)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if *browserID == "" {
		*browserID = "fake-" + uuid.NewString()[:8]
	}
	if *pageID == "" {
		*pageID = uuid.NewString()[:8]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *brokerURL, *browserID, *pageID, *href, *title, *heartbeat, *failDumps, *mute); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, brokerURL, browserID, pageID, href, title string, heartbeat time.Duration, failDumps, mute bool) error {
	conn, _, err := websocket.Dial(ctx, brokerURL, nil)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	conn.SetReadLimit(-1)

	sid := session.SID(browserID, pageID)
	started := time.Now()

	hello := &wire.Envelope{
		Event: wire.EventHello,
		Hello: &wire.Hello{
			BrowserID: browserID,
			PageID:    pageID,
			Href:      href,
			Title:     title,
			UserAgent: "fake-tab/1.0",
		},
	}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	logger.Info("connected", "sid", sid, "broker", brokerURL)

	// Heartbeats run beside the read loop; wsjson.Write is safe for
	// concurrent writers.
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pong := &wire.Envelope{Event: wire.EventPong, Pong: &wire.Heartbeat{SID: sid}}
				if err := wsjson.Write(ctx, conn, pong); err != nil {
					logger.Warn("heartbeat failed", "error", err)
					return
				}
				logger.Debug("heartbeat sent", "sid", sid)
			}
		}
	}()

	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() != nil {
				// Best-effort bye so the broker drops us immediately.
				byeCtx, byeCancel := context.WithTimeout(context.Background(), time.Second)
				bye := &wire.Envelope{Event: wire.EventBye, Bye: &wire.Heartbeat{SID: sid}}
				_ = wsjson.Write(byeCtx, conn, bye)
				byeCancel()
				return nil
			}
			return fmt.Errorf("reading channel: %w", err)
		}

		if mute {
			logger.Info("muted, ignoring command", "event", env.Event)
			continue
		}

		switch env.Event {
		case wire.EventDump:
			if env.Dump == nil {
				continue
			}
			logger.Info("dump requested", "req_id", env.Dump.ReqID, "types", env.Dump.Types)
			reply := dumpReply(env.Dump, failDumps)
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return fmt.Errorf("sending dump result: %w", err)
			}

		case wire.EventPing:
			if env.Ping == nil {
				continue
			}
			logger.Info("ping requested", "req_id", env.Ping.ReqID)
			reply := pingReply(env.Ping.ReqID, started)
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return fmt.Errorf("sending ping result: %w", err)
			}

		default:
			logger.Debug("ignoring event", "event", env.Event)
		}
	}
}

// dumpReply builds a dump_result with canned data for each requested kind.
func dumpReply(req *wire.Dump, fail bool) *wire.Envelope {
	if fail {
		return &wire.Envelope{
			Event: wire.EventDumpResult,
			Result: &wire.Result{
				ReqID: req.ReqID,
				OK:    false,
				Error: "simulated capture failure",
			},
		}
	}

	now := time.Now().UnixMilli()
	payload := wire.DumpPayload{}
	for _, kind := range req.Types {
		switch kind {
		case wire.KindDOMHTML:
			payload.DOMHTML = "<!DOCTYPE html><html><head><title>Fake Checkout Page</title></head><body><h1>Checkout</h1></body></html>"
		case wire.KindConsoleLog:
			payload.Console = []wire.ConsoleEntry{
				{Level: "log", Text: "checkout mounted", Timestamp: now - 4000},
				{Level: "warn", Text: "slow resource: /api/cart", Timestamp: now - 2500},
				{Level: "error", Text: "TypeError: total is undefined", Timestamp: now - 800},
			}
		case wire.KindNetworkLog:
			payload.Network = []wire.NetworkEntry{
				{Method: "GET", URL: "https://example.test/api/cart", Status: 200, ContentType: "application/json", DurationMS: 412, Timestamp: now - 3000},
				{Method: "POST", URL: "https://example.test/api/checkout", Status: 500, ContentType: "application/json", DurationMS: 97, Timestamp: now - 900},
			}
		case wire.KindPerformance:
			payload.Performance = []wire.PerformanceEntry{
				{Name: "https://example.test/app.js", EntryType: "resource", StartTime: 120.5, Duration: 340.2, TransferSize: 48213, InitiatorType: "script"},
				{Name: "first-contentful-paint", EntryType: "paint", StartTime: 612.8},
			}
		case wire.KindScreenshot:
			payload.Screenshot = &wire.Screenshot{MimeType: "image/png", Data: tinyPNG}
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return &wire.Envelope{
			Event: wire.EventDumpResult,
			Result: &wire.Result{
				ReqID: req.ReqID,
				OK:    false,
				Error: fmt.Sprintf("encoding payload: %v", err),
			},
		}
	}

	return &wire.Envelope{
		Event: wire.EventDumpResult,
		Result: &wire.Result{
			ReqID:   req.ReqID,
			OK:      true,
			Payload: raw,
		},
	}
}

// pingReply builds a ping_result with current liveness facts.
func pingReply(reqID string, started time.Time) *wire.Envelope {
	raw, _ := json.Marshal(wire.PingPayload{
		Focused:    true,
		Visibility: "visible",
		UptimeMS:   time.Since(started).Milliseconds(),
	})
	return &wire.Envelope{
		Event: wire.EventPingResult,
		Result: &wire.Result{
			ReqID:   reqID,
			OK:      true,
			Payload: raw,
		},
	}
}
