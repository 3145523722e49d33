package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/hivemesh/hivehub/pkg/protocol"
)

// Proxy forwards one framed request to a bridge. It fails fast when the
// bridge is not up, caps concurrent in-flight requests per bridge, and maps
// deadline hits to bridge_timeout.
func (m *Manager) Proxy(ctx context.Context, name, method string, params json.RawMessage) (interface{}, error) {
	bs := m.get(name)
	if bs == nil {
		return nil, protocol.Errorf(protocol.KindBridgeDown, "unknown bridge %q", name)
	}
	if !bs.up.Load() {
		return nil, protocol.Errorf(protocol.KindBridgeDown, "bridge %s is %s", name, bs.currentState())
	}

	// In-flight cap. A saturated bridge sheds load instead of queueing.
	select {
	case bs.inFlight <- struct{}{}:
		defer func() { <-bs.inFlight }()
	default:
		return nil, protocol.Errorf(protocol.KindResourceExhausted,
			"bridge %s has %d requests in flight", name, cap(bs.inFlight))
	}

	bs.mu.Lock()
	client := bs.client
	timeout := time.Duration(bs.spec.TimeoutSec) * time.Second
	bs.mu.Unlock()
	if client == nil {
		return nil, protocol.Errorf(protocol.KindBridgeDown, "bridge %s has no live client", name)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := dispatchMethod(ctx, client, method, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The client library evicts the awaiter itself; a late response
			// is logged and dropped inside the transport.
			return nil, protocol.Errorf(protocol.KindBridgeTimeout,
				"bridge %s did not answer %s in time", name, method)
		}
		return nil, protocol.Errorf(protocol.KindToolError, "bridge %s: %v", name, err)
	}
	return result, nil
}

// dispatchMethod maps wire method names onto typed mcp-go calls.
func dispatchMethod(ctx context.Context, client *mcpclient.Client, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "ping":
		return "pong", client.Ping(ctx)

	case "tools/list":
		return client.ListTools(ctx, mcpgo.ListToolsRequest{})

	case "tools/call":
		var p struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
			return nil, protocol.BadArgf("tools/call params must be {name, arguments}")
		}
		req := mcpgo.CallToolRequest{}
		req.Params.Name = p.Name
		req.Params.Arguments = p.Arguments
		return client.CallTool(ctx, req)

	case "resources/list":
		return client.ListResources(ctx, mcpgo.ListResourcesRequest{})

	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
			return nil, protocol.BadArgf("resources/read params must be {uri}")
		}
		req := mcpgo.ReadResourceRequest{}
		req.Params.URI = p.URI
		return client.ReadResource(ctx, req)

	case "prompts/list":
		return client.ListPrompts(ctx, mcpgo.ListPromptsRequest{})

	default:
		return nil, protocol.BadArgf("unsupported bridge method %q", method)
	}
}
