package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hivemesh/hivehub/internal/bus"
	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/internal/tools"
	"github.com/hivemesh/hivehub/pkg/protocol"
)

func newTestManager() *Manager {
	return NewManager(tools.NewRegistry(), bus.New(), 4)
}

func TestProxyUnknownBridge(t *testing.T) {
	m := newTestManager()
	_, err := m.Proxy(context.Background(), "ghost", "tools/list", nil)
	var te *protocol.ToolError
	if !errors.As(err, &te) || te.Kind != protocol.KindBridgeDown {
		t.Errorf("want bridge_down, got %v", err)
	}
}

func TestProxyFailsFastWhenDown(t *testing.T) {
	m := newTestManager()
	bs := &bridgeState{
		name:     "flaky",
		state:    StateDown,
		inFlight: make(chan struct{}, 4),
	}
	m.bridges["flaky"] = bs

	_, err := m.Proxy(context.Background(), "flaky", "tools/list", nil)
	var te *protocol.ToolError
	if !errors.As(err, &te) || te.Kind != protocol.KindBridgeDown {
		t.Errorf("want bridge_down, got %v", err)
	}
}

func TestProxyInFlightCap(t *testing.T) {
	m := newTestManager()
	bs := &bridgeState{
		name:     "busy",
		state:    StateUp,
		inFlight: make(chan struct{}, 2),
	}
	bs.up.Store(true)
	m.bridges["busy"] = bs

	// Saturate the semaphore as if two requests were mid-flight.
	bs.inFlight <- struct{}{}
	bs.inFlight <- struct{}{}

	_, err := m.Proxy(context.Background(), "busy", "tools/list", nil)
	var te *protocol.ToolError
	if !errors.As(err, &te) || te.Kind != protocol.KindResourceExhausted {
		t.Errorf("want resource_exhausted, got %v", err)
	}
}

func TestRegisterRejectsBadTransport(t *testing.T) {
	m := newTestManager()
	err := m.Register(context.Background(), "bad", &config.BridgeSpec{Transport: "carrier-pigeon"})
	var te *protocol.ToolError
	if !errors.As(err, &te) || te.Kind != protocol.KindBadArgument {
		t.Errorf("want bad_argument, got %v", err)
	}
}

func TestDiscoverLocal(t *testing.T) {
	dir := t.TempDir()

	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("files.json", `{"name":"files","transport":"stdio","command":"mcp-files"}`)
	write("remote.json5", `{
		// remote tool server
		transport: "sse",
		url: "http://localhost:9001/sse",
	}`)
	write("broken.json", `{"transport":"stdio"}`) // stdio with no command
	write("notes.txt", "not a spec")

	m := newTestManager()
	candidates := m.DiscoverLocal([]string{dir})
	if len(candidates) != 3 {
		t.Fatalf("got %d candidates, want 3", len(candidates))
	}

	byName := make(map[string]Candidate)
	for _, c := range candidates {
		byName[c.Name] = c
	}
	if c := byName["files"]; c.Invalid != "" || c.Spec.Command != "mcp-files" {
		t.Errorf("files candidate: %+v", c)
	}
	if c := byName["remote"]; c.Invalid != "" || c.Spec.URL == "" {
		t.Errorf("remote candidate: %+v", c)
	}
	if c := byName["broken"]; c.Invalid == "" {
		t.Error("broken candidate not flagged invalid")
	}
}

func TestDiscoverMarksKnownBridges(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "files.json"),
		[]byte(`{"transport":"stdio","command":"mcp-files"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	m := newTestManager()
	m.bridges["files"] = &bridgeState{name: "files", state: StateUp}

	candidates := m.DiscoverLocal([]string{dir})
	if len(candidates) != 1 || !candidates[0].Known {
		t.Errorf("candidates = %+v", candidates)
	}
}

func TestStatusesSorted(t *testing.T) {
	m := newTestManager()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		m.bridges[name] = &bridgeState{
			name:  name,
			spec:  &config.BridgeSpec{Transport: "stdio"},
			state: StateDown,
		}
	}
	statuses := m.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("got %d statuses", len(statuses))
	}
	if statuses[0].Name != "alpha" || statuses[2].Name != "zeta" {
		t.Errorf("not sorted: %+v", statuses)
	}
}
