// Package tools declares the hub's tool surface: typed parameter specs, the
// name-indexed registry, and the dispatcher that turns drone invocations into
// handler calls with coercion, deadlines, and output truncation.
package tools

import (
	"context"
	"fmt"
	"time"
)

// Parameter types understood by the coercion layer.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeList   = "list"
	TypeMap    = "map"
)

// Param describes one declared tool parameter.
type Param struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required,omitempty"`
	Default     interface{} `json:"default,omitempty"`
}

// Call is the coerced invocation handed to a handler. Args hold values
// already converted to the declared parameter types.
type Call struct {
	Args map[string]interface{}

	// Caller identity, filled by the transport layer.
	SessionID string
	AgentID   string
	MachineID string
}

// Handler runs one tool invocation. The returned value is serialized for the
// wire: strings pass through, everything else goes through JSON.
type Handler func(ctx context.Context, call *Call) (interface{}, error)

// Spec is a registered tool.
type Spec struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler

	// Timeout overrides the dispatcher default when > 0.
	Timeout time.Duration
	// RequiresSession binds the handler's context to the session: when the
	// session closes, in-flight calls are cancelled.
	RequiresSession bool
	// RequiresSessionLock serializes calls per session for handlers that are
	// not re-entrant over session state.
	RequiresSessionLock bool
}

// String returns a string argument, or its zero value when absent.
func (c *Call) String(name string) string {
	v, _ := c.Args[name].(string)
	return v
}

// Int returns an int argument.
func (c *Call) Int(name string) int {
	v, _ := c.Args[name].(int)
	return v
}

// Float returns a float argument.
func (c *Call) Float(name string) float64 {
	v, _ := c.Args[name].(float64)
	return v
}

// Bool returns a bool argument.
func (c *Call) Bool(name string) bool {
	v, _ := c.Args[name].(bool)
	return v
}

// StringList returns a list argument with every element coerced to string.
func (c *Call) StringList(name string) []string {
	raw, ok := c.Args[name].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		out = append(out, fmt.Sprintf("%v", e))
	}
	return out
}

// StringMap returns a map argument with every value coerced to string.
func (c *Call) StringMap(name string) map[string]string {
	raw, ok := c.Args[name].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// Map returns a map argument as-is.
func (c *Call) Map(name string) map[string]interface{} {
	v, _ := c.Args[name].(map[string]interface{})
	return v
}

// Has reports whether the caller supplied the argument (after defaults).
func (c *Call) Has(name string) bool {
	_, ok := c.Args[name]
	return ok
}
