// ABOUTME: JSON envelope types for the tab channel protocol.
// ABOUTME: Defines hello/pong/bye bookkeeping events and dump/ping command traffic.

package wire

import "encoding/json"

// Event names carried in Envelope.Event. Tab-to-broker events are hello,
// pong, bye, dump_result, and ping_result; broker-to-tab events are dump
// and ping.
const (
	EventHello      = "hello"
	EventPong       = "pong"
	EventBye        = "bye"
	EventDump       = "dump"
	EventDumpResult = "dump_result"
	EventPing       = "ping"
	EventPingResult = "ping_result"
)

// DumpKind names one category of diagnostic data a tab can be asked for.
type DumpKind string

const (
	KindDOMHTML     DumpKind = "dom-html"
	KindConsoleLog  DumpKind = "console-log"
	KindNetworkLog  DumpKind = "network-log"
	KindPerformance DumpKind = "performance-entries"
	KindScreenshot  DumpKind = "dom-screenshot"
)

// AllKinds returns every dump kind, the default set for a full dump.
func AllKinds() []DumpKind {
	return []DumpKind{KindDOMHTML, KindConsoleLog, KindNetworkLog, KindPerformance, KindScreenshot}
}

// ValidKind reports whether k is a known dump kind.
func ValidKind(k DumpKind) bool {
	switch k {
	case KindDOMHTML, KindConsoleLog, KindNetworkLog, KindPerformance, KindScreenshot:
		return true
	}
	return false
}

// Envelope is the single message frame exchanged on the tab channel.
// Exactly one payload field is set, selected by Event.
type Envelope struct {
	Event  string     `json:"event"`
	Hello  *Hello     `json:"hello,omitempty"`
	Pong   *Heartbeat `json:"pong,omitempty"`
	Bye    *Heartbeat `json:"bye,omitempty"`
	Dump   *Dump      `json:"dump,omitempty"`
	Ping   *Ping      `json:"ping,omitempty"`
	Result *Result    `json:"result,omitempty"`
}

// Hello announces a tab to the broker. The (BrowserID, PageID) pair is the
// session identity; two tabs in the same browser differ by page id.
type Hello struct {
	BrowserID string `json:"browser_id"`
	PageID    string `json:"page_id"`
	Href      string `json:"href"`
	Title     string `json:"title"`
	UserAgent string `json:"user_agent"`
}

// Heartbeat refreshes (pong) or retires (bye) a session by its id.
type Heartbeat struct {
	SID string `json:"sid"`
}

// Dump asks the tab to gather the requested kinds and reply with a
// dump_result carrying the same request id.
type Dump struct {
	ReqID string     `json:"req_id"`
	Types []DumpKind `json:"types"`
}

// Ping asks the tab for liveness facts, replied with a ping_result.
type Ping struct {
	ReqID string `json:"req_id"`
}

// Result is the reply half of dump and ping commands. Payload is left raw:
// the broker correlates and forwards it without interpreting the contents.
type Result struct {
	ReqID   string          `json:"req_id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DumpPayload is the shape a well-behaved tab places in a dump_result.
// Each slice is a bounded snapshot of the tab's fixed-capacity ring buffer;
// the broker never mutates these, only relays them.
type DumpPayload struct {
	DOMHTML     string             `json:"dom_html,omitempty"`
	Console     []ConsoleEntry     `json:"console,omitempty"`
	Network     []NetworkEntry     `json:"network,omitempty"`
	Performance []PerformanceEntry `json:"performance,omitempty"`
	Screenshot  *Screenshot        `json:"screenshot,omitempty"`
}

// ConsoleEntry is one captured console record.
type ConsoleEntry struct {
	Level     string `json:"level"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// NetworkEntry is one captured request/response summary.
type NetworkEntry struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	DurationMS  int    `json:"duration_ms,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// PerformanceEntry mirrors a PerformanceResourceTiming record.
type PerformanceEntry struct {
	Name          string  `json:"name"`
	EntryType     string  `json:"entry_type"`
	StartTime     float64 `json:"start_time"`
	Duration      float64 `json:"duration"`
	TransferSize  int     `json:"transfer_size,omitempty"`
	InitiatorType string  `json:"initiator_type,omitempty"`
}

// Screenshot is a base64-encoded page image with its MIME type. The HTTP
// facade decodes it to raw bytes at the boundary.
type Screenshot struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// PingPayload is the shape a tab places in a ping_result.
type PingPayload struct {
	Focused    bool   `json:"focused"`
	Visibility string `json:"visibility,omitempty"`
	UptimeMS   int64  `json:"uptime_ms,omitempty"`
}
