package tools

import (
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/hivemesh/hivehub/pkg/protocol"
)

// coerceArgs converts raw JSON arguments into the declared parameter types.
// Missing required parameters fail; missing optional parameters take their
// default; arguments no parameter declares are dropped with a warning.
func coerceArgs(tool string, params []Param, raw map[string]json.RawMessage) (map[string]interface{}, error) {
	declared := make(map[string]*Param, len(params))
	for i := range params {
		declared[params[i].Name] = &params[i]
	}

	for name := range raw {
		if _, ok := declared[name]; !ok {
			slog.Warn("tools.arg.unknown", "tool", tool, "arg", name)
		}
	}

	out := make(map[string]interface{}, len(params))
	for i := range params {
		p := &params[i]
		rv, supplied := raw[p.Name]
		if !supplied || string(rv) == "null" {
			if p.Required {
				return nil, protocol.BadArgf("%s: missing required argument %q", tool, p.Name)
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		v, err := coerceValue(p.Type, rv)
		if err != nil {
			return nil, protocol.BadArgf("%s: argument %q: %s", tool, p.Name, err)
		}
		out[p.Name] = v
	}
	return out, nil
}

type coerceError string

func (e coerceError) Error() string { return string(e) }

func coerceValue(typ string, raw json.RawMessage) (interface{}, error) {
	switch typ {
	case TypeString:
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		// Numbers and bools stringify; objects do not.
		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			return nil, coerceError("expected string")
		}
		return trimmed, nil

	case TypeInt:
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			if f != math.Trunc(f) {
				return nil, coerceError("expected integer, got fraction")
			}
			return int(f), nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, coerceError("expected integer")
			}
			return n, nil
		}
		return nil, coerceError("expected integer")

	case TypeFloat:
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f, nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, coerceError("expected number")
			}
			return f, nil
		}
		return nil, coerceError("expected number")

	case TypeBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b, nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			b, err := strconv.ParseBool(strings.TrimSpace(s))
			if err != nil {
				return nil, coerceError("expected boolean")
			}
			return b, nil
		}
		return nil, coerceError("expected boolean")

	case TypeList:
		var l []interface{}
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, coerceError("expected array")
		}
		return l, nil

	case TypeMap:
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, coerceError("expected object")
		}
		return m, nil
	}
	return nil, coerceError("unknown parameter type " + typ)
}
