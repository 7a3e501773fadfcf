package dispatch

// Code classifies the outcome of one send. All dispatch-path outcomes are
// typed results, never errors: a busy sender, an offline target, and a
// muted relationship are all expected in normal operation.
type Code int

const (
	// CodeDelivered means the message was fanned out (possibly to the
	// pending buffer for briefly-offline recipients).
	CodeDelivered Code = iota
	// CodeRateLimited means the sender exceeded the channel's window
	// limit. Recoverable; the sender retries later.
	CodeRateLimited
	// CodeNoSuchTarget means a direct target is unknown.
	CodeNoSuchTarget
	// CodeMuted means the direct target has muted the sender.
	CodeMuted
)

// String returns the code name.
func (c Code) String() string {
	switch c {
	case CodeDelivered:
		return "delivered"
	case CodeRateLimited:
		return "rate_limited"
	case CodeNoSuchTarget:
		return "no_such_target"
	case CodeMuted:
		return "muted"
	default:
		return "unknown"
	}
}

// Result is the typed outcome of a dispatch.
type Result struct {
	// Code is the outcome classification.
	Code Code
	// Live is the number of recipients reached on at least one live
	// connection.
	Live int
	// Pending is the number of recipients whose message was buffered for
	// reconnection.
	Pending int
}

// WireResponse renders the result for the wire. CodeNoSuchTarget and
// CodeMuted deliberately render identically so the response leaks neither
// existence nor moderation state.
func (r Result) WireResponse() string {
	switch r.Code {
	case CodeDelivered:
		return "delivered"
	case CodeRateLimited:
		return "you are sending too quickly; try again shortly"
	case CodeNoSuchTarget, CodeMuted:
		return "your message drifts into the void"
	default:
		return "undeliverable"
	}
}
