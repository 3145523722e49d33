package protocol

// ProtocolVersion is bumped whenever the wire shape of frames changes.
const ProtocolVersion = 1

// SSE event names pushed from hub to drone.
const (
	EventSession   = "session"
	EventResult    = "result"
	EventBroadcast = "broadcast"
	EventPing      = "ping"
)

// SessionIDBytes is the entropy of a session identifier. Session ids are the
// lowercase hex encoding of this many random bytes (32 hex characters).
const SessionIDBytes = 16
