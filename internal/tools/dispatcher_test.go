package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hivemesh/hivehub/pkg/protocol"
)

func rawArgs(t *testing.T, m map[string]interface{}) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal arg %s: %v", k, err)
		}
		out[k] = data
	}
	return out
}

func errPayload(t *testing.T, res *protocol.Result) *protocol.ErrorPayload {
	t.Helper()
	if res.OK {
		t.Fatalf("expected error result, got ok: %+v", res)
	}
	ep, ok := res.Payload.(*protocol.ErrorPayload)
	if !ok {
		t.Fatalf("payload is %T, want *ErrorPayload", res.Payload)
	}
	return ep
}

func TestDispatchUnknownTool(t *testing.T) {
	d := NewDispatcher(NewRegistry(), time.Second, 0)
	res := d.Dispatch(context.Background(), &protocol.Invocation{ID: "1", Tool: "nope"}, nil)
	if ep := errPayload(t, res); ep.Kind != protocol.KindToolNotFound {
		t.Errorf("kind = %s", ep.Kind)
	}
}

func TestDispatchCoercion(t *testing.T) {
	reg := NewRegistry()
	var got *Call
	reg.MustRegister(&Spec{
		Name: "echo",
		Params: []Param{
			{Name: "text", Type: TypeString, Required: true},
			{Name: "count", Type: TypeInt, Default: 1},
			{Name: "loud", Type: TypeBool},
			{Name: "tags", Type: TypeList},
		},
		Handler: func(_ context.Context, call *Call) (interface{}, error) {
			got = call
			return call.String("text"), nil
		},
	})
	d := NewDispatcher(reg, time.Second, 0)

	res := d.Dispatch(context.Background(), &protocol.Invocation{
		ID:   "1",
		Tool: "echo",
		Args: rawArgs(t, map[string]interface{}{
			"text":    "hi",
			"count":   "3", // string form coerces to int
			"loud":    true,
			"tags":    []string{"a", "b"},
			"unknown": "ignored",
		}),
	}, nil)

	if !res.OK {
		t.Fatalf("dispatch failed: %+v", res.Payload)
	}
	if got.String("text") != "hi" || got.Int("count") != 3 || !got.Bool("loud") {
		t.Errorf("coerced args wrong: %+v", got.Args)
	}
	if tags := got.StringList("tags"); len(tags) != 2 || tags[0] != "a" {
		t.Errorf("list coercion wrong: %v", tags)
	}
	if got.Has("unknown") {
		t.Error("undeclared argument leaked into the call")
	}
}

func TestDispatchMissingRequired(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&Spec{
		Name:   "strict",
		Params: []Param{{Name: "must", Type: TypeString, Required: true}},
		Handler: func(context.Context, *Call) (interface{}, error) {
			return "never", nil
		},
	})
	d := NewDispatcher(reg, time.Second, 0)

	res := d.Dispatch(context.Background(), &protocol.Invocation{ID: "1", Tool: "strict"}, nil)
	ep := errPayload(t, res)
	if ep.Kind != protocol.KindBadArgument {
		t.Errorf("kind = %s", ep.Kind)
	}
	if !strings.Contains(ep.Message, "must") {
		t.Errorf("message does not name the argument: %q", ep.Message)
	}
}

func TestDispatchDefaultApplied(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&Spec{
		Name:   "lim",
		Params: []Param{{Name: "limit", Type: TypeInt, Default: 10}},
		Handler: func(_ context.Context, call *Call) (interface{}, error) {
			return call.Int("limit"), nil
		},
	})
	d := NewDispatcher(reg, time.Second, 0)

	res := d.Dispatch(context.Background(), &protocol.Invocation{ID: "1", Tool: "lim"}, nil)
	if !res.OK {
		t.Fatalf("dispatch failed: %+v", res.Payload)
	}
	if string(res.Payload.(json.RawMessage)) != "10" {
		t.Errorf("payload = %s", res.Payload)
	}
}

func TestDispatchDeadline(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&Spec{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, _ *Call) (interface{}, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "too late", nil
			}
		},
	})
	d := NewDispatcher(reg, time.Second, 0)

	res := d.Dispatch(context.Background(), &protocol.Invocation{ID: "1", Tool: "slow"}, nil)
	ep := errPayload(t, res)
	if ep.Kind != protocol.KindToolError || !strings.Contains(ep.Message, "deadline") {
		t.Errorf("got %s: %s", ep.Kind, ep.Message)
	}
}

func TestDispatchToolErrorKindPreserved(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&Spec{
		Name: "down",
		Handler: func(context.Context, *Call) (interface{}, error) {
			return nil, protocol.Errorf(protocol.KindBridgeDown, "bridge offline")
		},
	})
	d := NewDispatcher(reg, time.Second, 0)

	res := d.Dispatch(context.Background(), &protocol.Invocation{ID: "1", Tool: "down"}, nil)
	if ep := errPayload(t, res); ep.Kind != protocol.KindBridgeDown {
		t.Errorf("kind = %s", ep.Kind)
	}
}

func TestDispatchPanicContained(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&Spec{
		Name: "boom",
		Handler: func(context.Context, *Call) (interface{}, error) {
			panic("handler bug")
		},
	})
	d := NewDispatcher(reg, time.Second, 0)

	res := d.Dispatch(context.Background(), &protocol.Invocation{ID: "1", Tool: "boom"}, nil)
	ep := errPayload(t, res)
	if ep.Kind != protocol.KindInternal {
		t.Errorf("kind = %s", ep.Kind)
	}
	if strings.Contains(ep.Message, "handler bug") || strings.Contains(ep.Message, "goroutine") {
		t.Errorf("panic detail leaked to the wire: %q", ep.Message)
	}
}

func TestDispatchStructuredResultSerialized(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&Spec{
		Name: "obj",
		Handler: func(context.Context, *Call) (interface{}, error) {
			return map[string]int{"n": 7}, nil
		},
	})
	d := NewDispatcher(reg, time.Second, 0)

	res := d.Dispatch(context.Background(), &protocol.Invocation{ID: "1", Tool: "obj"}, nil)
	if !res.OK {
		t.Fatalf("dispatch failed: %+v", res.Payload)
	}
	var decoded map[string]int
	if err := json.Unmarshal(res.Payload.(json.RawMessage), &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if decoded["n"] != 7 {
		t.Errorf("payload = %v", decoded)
	}
}

func TestTruncate(t *testing.T) {
	lines := strings.Repeat("0123456789\n", 30) // 330 chars

	out := Truncate(lines, 100)
	if len(out) >= len(lines) {
		t.Fatal("not truncated")
	}
	if !strings.Contains(out, "characters truncated") {
		t.Error("missing truncation notice")
	}
	// The cut lands on a line boundary when one exists late enough.
	body := out[:strings.Index(out, "\n… [")]
	if !strings.HasSuffix(body, "0123456789") {
		t.Errorf("cut mid-line: %q", body[len(body)-15:])
	}

	if got := Truncate("short", 100); got != "short" {
		t.Errorf("short string modified: %q", got)
	}
}
