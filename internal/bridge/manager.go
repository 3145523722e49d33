// Package bridge manages externally-hosted MCP tool servers: spawning and
// supervising stdio children, health-checking remote transports, registering
// their tools into the hub registry, and proxying raw requests.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/hivemesh/hivehub/internal/bus"
	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/internal/tools"
	"github.com/hivemesh/hivehub/pkg/protocol"
)

const (
	healthInterval     = 30 * time.Second
	healthFailLimit    = 3
	initialBackoff     = 2 * time.Second
	maxBackoff         = 60 * time.Second
	restartFailLimit   = 5
	defaultMaxInFlight = 64
)

// Bridge states.
const (
	StateStarting = "starting"
	StateUp       = "up"
	StateDown     = "down"
	StateError    = "error" // gave up; manual intervention required
)

// Status is the externally visible state of one bridge.
type Status struct {
	Name      string    `json:"name"`
	Transport string    `json:"transport"`
	State     string    `json:"state"`
	ToolCount int       `json:"tool_count"`
	LastPing  time.Time `json:"last_ping,omitempty"`
	Restarts  int       `json:"restarts"`
	Error     string    `json:"error,omitempty"`
}

// bridgeState tracks a single supervised bridge.
type bridgeState struct {
	name string
	spec *config.BridgeSpec

	mu           sync.Mutex
	state        string
	client       *mcpclient.Client
	toolNames    []string
	lastPing     time.Time
	lastErr      string
	restarts     int
	consecFails  int // consecutive restart failures
	healthFails  int // consecutive ping failures
	cancel       context.CancelFunc

	inFlight chan struct{}
	up       atomic.Bool
}

func (b *bridgeState) currentState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *bridgeState) setState(state, errMsg string) {
	b.mu.Lock()
	b.state = state
	b.lastErr = errMsg
	b.mu.Unlock()
	b.up.Store(state == StateUp)
}

// Manager supervises every configured bridge.
type Manager struct {
	mu      sync.RWMutex
	bridges map[string]*bridgeState

	registry    *tools.Registry
	events      bus.Publisher
	maxInFlight int
}

// NewManager builds an empty manager over the tool registry.
func NewManager(registry *tools.Registry, events bus.Publisher, maxInFlight int) *Manager {
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	return &Manager{
		bridges:     make(map[string]*bridgeState),
		registry:    registry,
		events:      events,
		maxInFlight: maxInFlight,
	}
}

// Start registers every enabled bridge from config. Individual connect
// failures degrade to supervised retry instead of failing startup.
func (m *Manager) Start(ctx context.Context, specs map[string]*config.BridgeSpec) {
	for name, spec := range specs {
		if !spec.IsEnabled() {
			slog.Info("bridge.disabled", "bridge", name)
			continue
		}
		if err := m.Register(ctx, name, spec); err != nil {
			slog.Warn("bridge.start_failed", "bridge", name, "error", err)
		}
	}
}

// Register records a bridge and brings it up. A bridge that fails its first
// connect is left to the supervisor's backoff rather than returned as fatal.
func (m *Manager) Register(ctx context.Context, name string, spec *config.BridgeSpec) error {
	if name == "" {
		return protocol.BadArgf("bridge name is required")
	}
	switch spec.Transport {
	case "stdio", "sse", "streamable-http":
	default:
		return protocol.BadArgf("unsupported transport %q", spec.Transport)
	}

	m.mu.Lock()
	if _, exists := m.bridges[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("bridge %s already registered", name)
	}
	bs := &bridgeState{
		name:     name,
		spec:     spec,
		state:    StateStarting,
		inFlight: make(chan struct{}, m.maxInFlight),
	}
	m.bridges[name] = bs
	m.mu.Unlock()

	supCtx, cancel := context.WithCancel(context.Background())
	bs.cancel = cancel
	go m.supervise(supCtx, bs)

	// First connect is synchronous so register_bridge reports real state.
	if err := m.connect(ctx, bs); err != nil {
		slog.Warn("bridge.initial_connect_failed", "bridge", name, "error", err)
		return nil
	}
	return nil
}

// Unregister stops a bridge and removes its tools.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	bs, ok := m.bridges[name]
	if ok {
		delete(m.bridges, name)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.teardown(bs)
	slog.Info("bridge.unregistered", "bridge", name)
	return true
}

// Stop shuts every bridge down.
func (m *Manager) Stop() {
	m.mu.Lock()
	all := make([]*bridgeState, 0, len(m.bridges))
	for _, bs := range m.bridges {
		all = append(all, bs)
	}
	m.bridges = make(map[string]*bridgeState)
	m.mu.Unlock()
	for _, bs := range all {
		m.teardown(bs)
	}
}

func (m *Manager) teardown(bs *bridgeState) {
	if bs.cancel != nil {
		bs.cancel()
	}
	bs.mu.Lock()
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
	bs.setState(StateDown, "")
}

// Statuses returns every bridge's state sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.bridges))
	for _, bs := range m.bridges {
		bs.mu.Lock()
		out = append(out, Status{
			Name:      bs.name,
			Transport: bs.spec.Transport,
			State:     bs.state,
			ToolCount: len(bs.toolNames),
			LastPing:  bs.lastPing,
			Restarts:  bs.restarts,
			Error:     bs.lastErr,
		})
		bs.mu.Unlock()
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) get(name string) *bridgeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bridges[name]
}
