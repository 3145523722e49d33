package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hivemesh/hivehub/pkg/protocol"
)

// DefaultCallTimeout bounds a tool handler when the spec does not override it.
const DefaultCallTimeout = 30 * time.Second

// Dispatcher resolves invocations against the registry and runs handlers
// with coercion, deadlines, and bounded output.
type Dispatcher struct {
	registry       *Registry
	defaultTimeout time.Duration
	maxOutput      int

	lockMu       sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// NewDispatcher wires a dispatcher over a registry. maxOutput <= 0 uses
// DefaultMaxOutput.
func NewDispatcher(registry *Registry, defaultTimeout time.Duration, maxOutput int) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &Dispatcher{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		maxOutput:      maxOutput,
		sessionLocks:   make(map[string]*sync.Mutex),
	}
}

// Dispatch runs one invocation and always returns a wire-ready result;
// failures become an ErrorPayload, never a transport error.
func (d *Dispatcher) Dispatch(ctx context.Context, inv *protocol.Invocation, call *Call) *protocol.Result {
	spec := d.registry.Get(inv.Tool)
	if spec == nil {
		return errResult(inv.ID, protocol.KindToolNotFound, fmt.Sprintf("unknown tool %q", inv.Tool))
	}

	args, err := coerceArgs(inv.Tool, spec.Params, inv.Args)
	if err != nil {
		return d.wrapError(inv, err)
	}
	if call == nil {
		call = &Call{}
	}
	call.Args = args

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := otel.Tracer("hivehub/tools").Start(ctx, "tool."+inv.Tool)
	span.SetAttributes(
		attribute.String("tool.name", inv.Tool),
		attribute.String("session.id", call.SessionID),
	)
	defer span.End()

	if spec.RequiresSessionLock && call.SessionID != "" {
		lock := d.sessionLock(call.SessionID)
		lock.Lock()
		defer lock.Unlock()
	}

	started := time.Now()
	value, err := d.invoke(ctx, spec, call)
	elapsed := time.Since(started)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("tools.call.failed",
			"tool", inv.Tool,
			"session_id", call.SessionID,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err)
		return d.wrapError(inv, err)
	}

	payload, err := d.serialize(value)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return errResult(inv.ID, protocol.KindInternal, "result serialization failed")
	}
	slog.Debug("tools.call.ok",
		"tool", inv.Tool,
		"session_id", call.SessionID,
		"elapsed", elapsed.Round(time.Millisecond))
	return &protocol.Result{ID: inv.ID, OK: true, Payload: payload}
}

// invoke runs the handler with panic containment. A panicking tool must not
// take the hub down.
func (d *Dispatcher) invoke(ctx context.Context, spec *Spec, call *Call) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tools.call.panic",
				"tool", spec.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			err = protocol.Errorf(protocol.KindInternal, "internal error in tool %s", spec.Name)
		}
	}()
	value, err = spec.Handler(ctx, call)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return value, err
}

// serialize turns a handler return into the wire payload: strings pass
// through, structured values go through JSON. Both forms are truncated.
func (d *Dispatcher) serialize(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return "ok", nil
	case string:
		return Truncate(v, d.maxOutput), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if len(data) <= d.maxOutput {
			// Fits: keep the structure intact on the wire.
			return json.RawMessage(data), nil
		}
		return Truncate(string(data), d.maxOutput), nil
	}
}

// wrapError maps handler failures onto the wire error taxonomy. Raw Go
// errors never reach drones.
func (d *Dispatcher) wrapError(inv *protocol.Invocation, err error) *protocol.Result {
	var te *protocol.ToolError
	if errors.As(err, &te) {
		return errResult(inv.ID, te.Kind, te.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errResult(inv.ID, protocol.KindToolError, fmt.Sprintf("tool %s exceeded its deadline", inv.Tool))
	}
	if errors.Is(err, context.Canceled) {
		return errResult(inv.ID, protocol.KindToolError, fmt.Sprintf("tool %s was cancelled", inv.Tool))
	}
	return errResult(inv.ID, protocol.KindToolError, err.Error())
}

func (d *Dispatcher) sessionLock(sessionID string) *sync.Mutex {
	d.lockMu.Lock()
	defer d.lockMu.Unlock()
	lock, ok := d.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		d.sessionLocks[sessionID] = lock
	}
	return lock
}

// ReleaseSession drops the per-session lock entry once a session terminates.
func (d *Dispatcher) ReleaseSession(sessionID string) {
	d.lockMu.Lock()
	delete(d.sessionLocks, sessionID)
	d.lockMu.Unlock()
}

func errResult(id, kind, message string) *protocol.Result {
	return &protocol.Result{
		ID:      id,
		OK:      false,
		Payload: &protocol.ErrorPayload{Kind: kind, Message: message},
	}
}
