package protocol

import "fmt"

// Error kinds surfaced to drones. Kinds, not Go types: handlers return a
// *ToolError and the dispatcher rewrites everything else into KindInternal.
const (
	KindBadArgument       = "bad_argument"
	KindToolNotFound      = "tool_not_found"
	KindToolError         = "tool_error"
	KindUnauthorized      = "unauthorized"
	KindForbidden         = "forbidden"
	KindSessionExpired    = "session_expired"
	KindResourceExhausted = "resource_exhausted"
	KindBridgeTimeout     = "bridge_timeout"
	KindBridgeDown        = "bridge_down"
	KindUnavailable       = "unavailable"
	KindInternal          = "internal"
)

// ToolError is a domain error a handler wants surfaced to the caller.
type ToolError struct {
	Kind    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a surfaced error of the given kind.
func Errorf(kind, format string, args ...interface{}) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// BadArgf is shorthand for argument validation failures.
func BadArgf(format string, args ...interface{}) *ToolError {
	return Errorf(KindBadArgument, format, args...)
}
