package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/hivemesh/hivehub/internal/bus"
	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/internal/tools"
)

// connect brings a bridge up: client, handshake, tool discovery, registry
// registration, health loop.
func (m *Manager) connect(ctx context.Context, bs *bridgeState) error {
	client, err := createClient(bs.spec)
	if err != nil {
		bs.setState(StateDown, err.Error())
		return fmt.Errorf("create client: %w", err)
	}

	// Remote transports need an explicit Start; stdio spawns on creation.
	if bs.spec.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			bs.setState(StateDown, err.Error())
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "hivehub", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		bs.setState(StateDown, err.Error())
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		bs.setState(StateDown, err.Error())
		return fmt.Errorf("list tools: %w", err)
	}

	var registered []string
	for _, remote := range listed.Tools {
		spec := m.bridgeToolSpec(bs, remote)
		if err := m.registry.Register(spec); err != nil {
			slog.Warn("bridge.tool.collision", "bridge", bs.name, "tool", spec.Name)
			continue
		}
		registered = append(registered, spec.Name)
	}

	bs.mu.Lock()
	bs.client = client
	bs.toolNames = registered
	bs.lastPing = time.Now()
	bs.healthFails = 0
	bs.consecFails = 0
	bs.state = StateUp
	bs.lastErr = ""
	bs.mu.Unlock()
	bs.up.Store(true)

	if m.events != nil {
		m.events.Publish(bus.Event{Name: bus.EventBridgeUp, Payload: bs.name})
	}
	slog.Info("bridge.connected",
		"bridge", bs.name,
		"transport", bs.spec.Transport,
		"tools", len(registered))
	return nil
}

// bridgeToolSpec wraps one remote tool as a registry entry named
// bridge_<server>_<tool>.
func (m *Manager) bridgeToolSpec(bs *bridgeState, remote mcpgo.Tool) *tools.Spec {
	remoteName := remote.Name
	return &tools.Spec{
		Name:        "bridge_" + bs.name + "_" + remoteName,
		Description: remote.Description,
		Params: []tools.Param{
			{Name: "args", Type: tools.TypeMap, Description: "arguments forwarded verbatim"},
		},
		Timeout: time.Duration(bs.spec.TimeoutSec) * time.Second,
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			params, _ := json.Marshal(map[string]interface{}{
				"name":      remoteName,
				"arguments": call.Map("args"),
			})
			return m.Proxy(ctx, bs.name, "tools/call", params)
		},
	}
}

// createClient builds the mcp-go client for the configured transport.
func createClient(spec *config.BridgeSpec) (*mcpclient.Client, error) {
	switch spec.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(spec.Command, envSlice(spec.Env), spec.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(spec.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(spec.Headers))
		}
		return mcpclient.NewSSEMCPClient(spec.URL, opts...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(spec.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(spec.Headers))
		}
		return mcpclient.NewStreamableHttpClient(spec.URL, opts...)
	}
	return nil, fmt.Errorf("unsupported transport %q", spec.Transport)
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// supervise owns the bridge lifecycle after registration: periodic health
// pings, down detection, and restart with exponential backoff. After
// restartFailLimit consecutive failed restarts the bridge parks in error.
func (m *Manager) supervise(ctx context.Context, bs *bridgeState) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if bs.currentState() == StateError {
			continue
		}
		if !bs.up.Load() {
			m.restart(ctx, bs)
			continue
		}

		bs.mu.Lock()
		client := bs.client
		bs.mu.Unlock()
		if client == nil {
			m.restart(ctx, bs)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := client.Ping(pingCtx)
		cancel()

		if err == nil || isMethodNotFound(err) {
			// Servers without a ping method are healthy if they answered.
			bs.mu.Lock()
			bs.lastPing = time.Now()
			bs.healthFails = 0
			bs.mu.Unlock()
			continue
		}

		bs.mu.Lock()
		bs.healthFails++
		fails := bs.healthFails
		bs.lastErr = err.Error()
		bs.mu.Unlock()
		slog.Warn("bridge.health_failed", "bridge", bs.name, "fails", fails, "error", err)

		if fails >= healthFailLimit {
			bs.setState(StateDown, err.Error())
			if m.events != nil {
				m.events.Publish(bus.Event{Name: bus.EventBridgeDown, Payload: bs.name})
			}
			m.restart(ctx, bs)
		}
	}
}

// restart tears the client down and reconnects with exponential backoff.
func (m *Manager) restart(ctx context.Context, bs *bridgeState) {
	bs.mu.Lock()
	attempt := bs.consecFails + 1
	client := bs.client
	names := bs.toolNames
	bs.client = nil
	bs.toolNames = nil
	bs.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	for _, toolName := range names {
		m.registry.Unregister(toolName)
	}

	backoff := initialBackoff << (attempt - 1)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	slog.Info("bridge.restarting", "bridge", bs.name, "attempt", attempt, "backoff", backoff)
	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := m.connect(connectCtx, bs)
	cancel()
	if err == nil {
		return
	}

	bs.mu.Lock()
	bs.consecFails = attempt
	exhausted := attempt >= restartFailLimit
	bs.mu.Unlock()
	if exhausted {
		bs.setState(StateError, fmt.Sprintf("gave up after %d restarts: %v", attempt, err))
		slog.Error("bridge.restart_exhausted", "bridge", bs.name, "attempts", attempt)
	}
}

func isMethodNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "method not found")
}
