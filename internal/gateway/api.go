// ABOUTME: HTTP API handlers exposing session listing and diagnostic commands.
// ABOUTME: Thin pass-throughs to the broker: argument decoding and result encoding only.

package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/probelab/tabwatch/internal/broker"
	"github.com/probelab/tabwatch/internal/pending"
	"github.com/probelab/tabwatch/internal/wire"
)

// SessionResponse is the JSON shape of one session summary.
type SessionResponse struct {
	SID       string `json:"sid"`
	BrowserID string `json:"browser_id"`
	PageID    string `json:"page_id"`
	Href      string `json:"href"`
	Title     string `json:"title"`
	UserAgent string `json:"user_agent"`
	LastSeen  string `json:"last_seen"`
}

// DumpRequest is the JSON request body for POST /api/sessions/{sid}/dump.
type DumpRequest struct {
	Types  []wire.DumpKind `json:"types,omitempty"`
	WaitMS int             `json:"wait_ms,omitempty"`
}

// DumpResponse carries the raw reply envelope payload back to the caller.
type DumpResponse struct {
	SID     string          `json:"sid"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PingRequest is the JSON request body for POST /api/sessions/{sid}/ping.
type PingRequest struct {
	WaitMS int `json:"wait_ms,omitempty"`
}

// PingResponse carries the measured round trip plus the tab's liveness facts.
type PingResponse struct {
	SID     string          `json:"sid"`
	OK      bool            `json:"ok"`
	RTTMS   int64           `json:"rtt_ms"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CaptureResponse is the JSON shape of one capture log record.
type CaptureResponse struct {
	ID         int64           `json:"id"`
	SID        string          `json:"sid"`
	Command    string          `json:"command"`
	Kinds      []wire.DumpKind `json:"kinds,omitempty"`
	OK         bool            `json:"ok"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	CreatedAt  string          `json:"created_at"`
}

// handleListSessions handles GET /api/sessions.
// Supports ?active=true and ?window_ms=45000 to filter to recently-seen tabs.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	activeOnly := r.URL.Query().Get("active") == "true"
	var window time.Duration
	if raw := r.URL.Query().Get("window_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "invalid window_ms")
			return
		}
		window = time.Duration(ms) * time.Millisecond
	}

	summaries := g.broker.Sessions(activeOnly, window)
	response := make([]SessionResponse, 0, len(summaries))
	for _, s := range summaries {
		response = append(response, SessionResponse{
			SID:       s.SID,
			BrowserID: s.BrowserID,
			PageID:    s.PageID,
			Href:      s.Href,
			Title:     s.Title,
			UserAgent: s.UserAgent,
			LastSeen:  s.LastSeen.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// handleSessionOps routes /api/sessions/{sid}/{op} requests.
func (g *Gateway) handleSessionOps(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	sid, op := parts[0], parts[1]

	switch op {
	case "dump":
		g.handleDump(w, r, sid)
	case "ping":
		g.handlePing(w, r, sid)
	case "html":
		g.handleFixedDump(w, r, sid, []wire.DumpKind{wire.KindDOMHTML})
	case "console":
		g.handleFixedDump(w, r, sid, []wire.DumpKind{wire.KindConsoleLog})
	case "network":
		g.handleFixedDump(w, r, sid, []wire.DumpKind{wire.KindNetworkLog, wire.KindPerformance})
	case "screenshot":
		g.handleScreenshot(w, r, sid)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleDump handles POST /api/sessions/{sid}/dump. An absent or empty body
// requests all kinds with the default wait budget.
func (g *Gateway) handleDump(w http.ResponseWriter, r *http.Request, sid string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req DumpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, k := range req.Types {
		if !wire.ValidKind(k) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown dump kind %q", k))
			return
		}
	}

	payload, err := g.broker.Dump(r.Context(), sid, req.Types, time.Duration(req.WaitMS)*time.Millisecond)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DumpResponse{SID: sid, OK: true, Payload: payload})
}

// handlePing handles POST /api/sessions/{sid}/ping.
func (g *Gateway) handlePing(w http.ResponseWriter, r *http.Request, sid string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req PingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload, rtt, err := g.broker.Ping(r.Context(), sid, time.Duration(req.WaitMS)*time.Millisecond)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PingResponse{SID: sid, OK: true, RTTMS: rtt.Milliseconds(), Payload: payload})
}

// handleFixedDump serves the single-purpose GET variants: a dump with a fixed
// kind set, returning just the relevant sub-payload.
func (g *Gateway) handleFixedDump(w http.ResponseWriter, r *http.Request, sid string, kinds []wire.DumpKind) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	dump, err := g.fixedDump(r, sid, kinds)
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	sub := map[string]any{"sid": sid}
	for _, k := range kinds {
		switch k {
		case wire.KindDOMHTML:
			sub["dom_html"] = dump.DOMHTML
		case wire.KindConsoleLog:
			sub["console"] = dump.Console
		case wire.KindNetworkLog:
			sub["network"] = dump.Network
		case wire.KindPerformance:
			sub["performance"] = dump.Performance
		}
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleScreenshot serves GET /api/sessions/{sid}/screenshot: a dump fixed to
// the screenshot kind, with the base64 payload decoded to raw image bytes.
func (g *Gateway) handleScreenshot(w http.ResponseWriter, r *http.Request, sid string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	dump, err := g.fixedDump(r, sid, []wire.DumpKind{wire.KindScreenshot})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if dump.Screenshot == nil || dump.Screenshot.Data == "" {
		writeError(w, http.StatusBadGateway, "tab returned no screenshot")
		return
	}

	img, err := base64.StdEncoding.DecodeString(dump.Screenshot.Data)
	if err != nil {
		writeError(w, http.StatusBadGateway, "tab returned undecodable screenshot data")
		return
	}

	mime := dump.Screenshot.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

// fixedDump dispatches a dump with a fixed kind set and decodes the payload.
// The optional ?wait_ms= query overrides the default budget.
func (g *Gateway) fixedDump(r *http.Request, sid string, kinds []wire.DumpKind) (*wire.DumpPayload, error) {
	var wait time.Duration
	if raw := r.URL.Query().Get("wait_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return nil, errBadWait
		}
		wait = time.Duration(ms) * time.Millisecond
	}

	payload, err := g.broker.Dump(r.Context(), sid, kinds, wait)
	if err != nil {
		return nil, err
	}

	var dump wire.DumpPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &dump); err != nil {
			return nil, fmt.Errorf("%w: undecodable dump payload: %v", broker.ErrAgentFailure, err)
		}
	}
	return &dump, nil
}

// handleCaptures handles GET /api/captures with optional ?sid= and ?limit=.
func (g *Gateway) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.store == nil {
		writeError(w, http.StatusNotFound, "capture log disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	captures, err := g.store.ListCaptures(r.Context(), r.URL.Query().Get("sid"), limit)
	if err != nil {
		g.logger.Error("listing captures failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	response := make([]CaptureResponse, 0, len(captures))
	for _, c := range captures {
		response = append(response, CaptureResponse{
			ID:         c.ID,
			SID:        c.SID,
			Command:    c.Command,
			Kinds:      c.Kinds,
			OK:         c.OK,
			Error:      c.Error,
			DurationMS: c.DurationMS,
			CreatedAt:  c.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// errBadWait marks an unparseable wait_ms query parameter.
var errBadWait = errors.New("invalid wait_ms")

// writeDispatchError maps broker errors onto HTTP statuses. Timeouts are
// routine (the tab may just be gone) and map to 504, not 500.
func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBadWait):
		writeError(w, http.StatusBadRequest, "invalid wait_ms")
	case errors.Is(err, broker.ErrNoSession):
		writeError(w, http.StatusNotFound, "no such session")
	case errors.Is(err, pending.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for tab reply")
	case errors.Is(err, broker.ErrAgentFailure):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request cancelled")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
