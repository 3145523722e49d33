package protocol

import "encoding/json"

// Invocation is the body of POST /messages: one tool call correlated by ID.
type Invocation struct {
	ID   string                     `json:"id"`
	Tool string                     `json:"tool"`
	Args map[string]json.RawMessage `json:"args,omitempty"`
}

// Result is delivered out-of-band on the SSE stream as an "event: result" frame.
// Payload is the serialized tool output on success, or an *ErrorPayload on failure.
type Result struct {
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorPayload is the error shape surfaced to drones. Never carries stack traces.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RecoveryPayload is the 410 body returned for a stale session id.
type RecoveryPayload struct {
	Error                 string `json:"error"` // always "session_expired"
	OldSessionID          string `json:"old_session_id,omitempty"`
	SuggestedNewSessionID string `json:"suggested_new_session_id"`
	SSEURL                string `json:"sse_url"`
}

// BroadcastFrame is the payload of an "event: broadcast" frame.
type BroadcastFrame struct {
	BroadcastID   uint64   `json:"broadcast_id"`
	SourceAgent   string   `json:"source_agent"`
	SourceMachine string   `json:"source_machine"`
	Category      string   `json:"category"`
	Severity      string   `json:"severity"`
	Message       string   `json:"message"`
	TargetRoles   []string `json:"target_roles,omitempty"`
	CreatedAt     string   `json:"created_at"`
}
