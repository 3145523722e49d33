package cmd

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/hivemesh/hivehub/internal/agents"
	"github.com/hivemesh/hivehub/internal/backup"
	"github.com/hivemesh/hivehub/internal/bridge"
	"github.com/hivemesh/hivehub/internal/bus"
	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/internal/hub"
	"github.com/hivemesh/hivehub/internal/memory"
	"github.com/hivemesh/hivehub/internal/store/sqlite"
	"github.com/hivemesh/hivehub/internal/tickets"
	"github.com/hivemesh/hivehub/internal/tools"
	"github.com/hivemesh/hivehub/internal/transport"
	"github.com/hivemesh/hivehub/pkg/protocol"
)

// newToolTestHub assembles a hub around embedded services and a throwaway
// SQLite store, with every builtin tool registered.
func newToolTestHub(t *testing.T) *hub.Hub {
	t.Helper()

	cfg := config.Default()
	events := bus.New()
	memories := memory.NewStore(memory.NewHashEmbedder(64))
	registry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(registry, 5*time.Second, 0)
	agentReg := agents.NewRegistry(nil, memories, 5*time.Minute)
	broadcasts := agents.NewBroadcasts(events, memories, 100)

	stores, err := sqlite.NewStores(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { stores.Close() })

	h := &hub.Hub{
		Cfg:        cfg,
		Bus:        events,
		Memories:   memories,
		Agents:     agentReg,
		Broadcasts: broadcasts,
		Tools:      registry,
		Dispatcher: dispatcher,
		Bridges:    bridge.NewManager(registry, events, 0),
		Backups:    backup.NewEngine(stores.Backup, memories, events, cfg.Backup, "test-machine"),
		Tickets:    tickets.NewCoordinator(tickets.NewEmbeddedBoard(), memories, "test-machine"),
		Stores:     stores,
	}
	h.Server = transport.NewServer(cfg, registry, dispatcher, agentReg, broadcasts, events)
	registerBuiltinTools(h)
	return h
}

// dispatch drives one invocation through the real dispatcher, the same path
// the message ingress uses.
func dispatch(t *testing.T, h *hub.Hub, tool string, args map[string]interface{}) *protocol.Result {
	t.Helper()
	raw := make(map[string]json.RawMessage, len(args))
	for name, value := range args {
		data, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("marshal arg %s: %v", name, err)
		}
		raw[name] = data
	}
	inv := &protocol.Invocation{ID: "t1", Tool: tool, Args: raw}
	call := &tools.Call{MachineID: "test-machine", AgentID: "queen"}
	return h.Dispatcher.Dispatch(context.Background(), inv, call)
}

func decodePayload(t *testing.T, result *protocol.Result, into interface{}) {
	t.Helper()
	raw, ok := result.Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("payload is %T, want JSON", result.Payload)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
}

func errKind(t *testing.T, result *protocol.Result) string {
	t.Helper()
	if result.OK {
		t.Fatalf("result ok, want error: %+v", result)
	}
	ep, ok := result.Payload.(*protocol.ErrorPayload)
	if !ok {
		t.Fatalf("error payload is %T", result.Payload)
	}
	return ep.Kind
}

func TestBuiltinToolSurface(t *testing.T) {
	h := newToolTestHub(t)
	want := []string{
		"store_memory", "memory_retrieve", "memory_search", "memory_recent", "memory_delete",
		"agent_register", "agent_roster", "agent_delegate", "task_release", "agent_tasks", "agent_broadcast",
		"ticket_create", "ticket_update_status", "ticket_comment", "ticket_comments", "ticket_list", "ticket_metrics",
		"backup_register_system", "backup_create_snapshot", "backup_list_snapshots", "backup_get_config",
		"backup_detect_drift", "backup_get_alerts", "backup_ack_alert", "backup_restore",
		"list_bridges", "bridge_proxy", "register_bridge", "discover_bridges",
	}
	for _, name := range want {
		if h.Tools.Get(name) == nil {
			t.Errorf("builtin %q not registered", name)
		}
	}
}

func TestStoreMemoryReturnsIDPayload(t *testing.T) {
	h := newToolTestHub(t)

	result := dispatch(t, h, "store_memory", map[string]interface{}{
		"content": "hello", "category": "global",
	})
	if !result.OK {
		t.Fatalf("store_memory failed: %+v", result.Payload)
	}
	id, ok := result.Payload.(string)
	if !ok || id == "" {
		t.Fatalf("payload = %T %v, want bare memory id string", result.Payload, result.Payload)
	}

	fetched := dispatch(t, h, "memory_retrieve", map[string]interface{}{"memory_id": id})
	if !fetched.OK {
		t.Fatalf("retrieve failed: %+v", fetched.Payload)
	}
	var item memory.Item
	decodePayload(t, fetched, &item)
	if item.Content != "hello" || item.ID != id {
		t.Errorf("retrieved %+v", item)
	}
}

func TestStoreMemoryRequiresContent(t *testing.T) {
	h := newToolTestHub(t)
	result := dispatch(t, h, "store_memory", map[string]interface{}{"category": "global"})
	if kind := errKind(t, result); kind != protocol.KindBadArgument {
		t.Errorf("kind = %q, want %q", kind, protocol.KindBadArgument)
	}
}

func TestUnknownToolIsToolNotFound(t *testing.T) {
	h := newToolTestHub(t)
	result := dispatch(t, h, "no_such_tool", nil)
	if kind := errKind(t, result); kind != protocol.KindToolNotFound {
		t.Errorf("kind = %q, want %q", kind, protocol.KindToolNotFound)
	}
}

func TestAgentRegisterAndRoster(t *testing.T) {
	h := newToolTestHub(t)

	reg := dispatch(t, h, "agent_register", map[string]interface{}{
		"agent_id": "scout-1", "role": "scout", "capabilities": []string{"recon"},
	})
	if !reg.OK {
		t.Fatalf("register failed: %+v", reg.Payload)
	}

	roster := dispatch(t, h, "agent_roster", map[string]interface{}{})
	if !roster.OK {
		t.Fatalf("roster failed: %+v", roster.Payload)
	}
	var page struct {
		Agents []struct {
			AgentID string `json:"agent_id"`
			Role    string `json:"role"`
		} `json:"agents"`
	}
	decodePayload(t, roster, &page)
	if len(page.Agents) != 1 || page.Agents[0].AgentID != "scout-1" || page.Agents[0].Role != "scout" {
		t.Errorf("roster = %+v", page)
	}
}

func TestTicketLifecycleThroughTools(t *testing.T) {
	h := newToolTestHub(t)

	created := dispatch(t, h, "ticket_create", map[string]interface{}{
		"project_id": "hive", "title": "patch the relay",
	})
	if !created.OK {
		t.Fatalf("create failed: %+v", created.Payload)
	}
	var ticket tickets.Ticket
	decodePayload(t, created, &ticket)
	if ticket.Status != tickets.StatusNew {
		t.Fatalf("status = %q, want new", ticket.Status)
	}

	moved := dispatch(t, h, "ticket_update_status", map[string]interface{}{
		"ticket_id": ticket.TicketID, "status": tickets.StatusInProgress,
	})
	if !moved.OK {
		t.Fatalf("update failed: %+v", moved.Payload)
	}

	// in_progress -> done skips review and must be rejected.
	illegal := dispatch(t, h, "ticket_update_status", map[string]interface{}{
		"ticket_id": ticket.TicketID, "status": tickets.StatusDone,
	})
	if kind := errKind(t, illegal); kind != protocol.KindBadArgument {
		t.Errorf("kind = %q, want %q", kind, protocol.KindBadArgument)
	}

	listed := dispatch(t, h, "ticket_list", map[string]interface{}{"project_id": "hive"})
	if !listed.OK {
		t.Fatalf("list failed: %+v", listed.Payload)
	}
	var page struct {
		Tickets []tickets.Ticket `json:"tickets"`
	}
	decodePayload(t, listed, &page)
	if len(page.Tickets) != 1 || page.Tickets[0].Status != tickets.StatusInProgress {
		t.Errorf("list = %+v", page)
	}
}

func TestBackupDriftAlertThroughTools(t *testing.T) {
	h := newToolTestHub(t)

	if r := dispatch(t, h, "backup_register_system", map[string]interface{}{
		"system_id": "fw-1", "type": "firewall",
	}); !r.OK {
		t.Fatalf("register system failed: %+v", r.Payload)
	}
	if r := dispatch(t, h, "backup_create_snapshot", map[string]interface{}{
		"system_id": "fw-1", "content": "port 22",
	}); !r.OK {
		t.Fatalf("seed snapshot failed: %+v", r.Payload)
	}

	second := dispatch(t, h, "backup_create_snapshot", map[string]interface{}{
		"system_id": "fw-1", "content": "port 22\nallow all",
	})
	if !second.OK {
		t.Fatalf("second snapshot failed: %+v", second.Payload)
	}
	var snap backup.SnapshotResult
	decodePayload(t, second, &snap)
	if snap.RiskScore < 0.5 {
		t.Errorf("risk = %.3f, want >= 0.5", snap.RiskScore)
	}
	if snap.AlertID == "" {
		t.Fatalf("no auto-alert: %+v", snap)
	}

	alerts := dispatch(t, h, "backup_get_alerts", map[string]interface{}{"system_id": "fw-1"})
	if !alerts.OK {
		t.Fatalf("get alerts failed: %+v", alerts.Payload)
	}
	var alertPage struct {
		Alerts []struct {
			Severity string `json:"severity"`
		} `json:"alerts"`
	}
	decodePayload(t, alerts, &alertPage)
	if len(alertPage.Alerts) != 1 {
		t.Fatalf("alerts = %+v", alertPage)
	}
	if sev := alertPage.Alerts[0].Severity; sev != "high" && sev != "critical" {
		t.Errorf("alert severity = %q, want >= high", sev)
	}
}

func TestListBridgesEmpty(t *testing.T) {
	h := newToolTestHub(t)
	result := dispatch(t, h, "list_bridges", nil)
	if !result.OK {
		t.Fatalf("list_bridges failed: %+v", result.Payload)
	}
	var page struct {
		Bridges []json.RawMessage `json:"bridges"`
	}
	decodePayload(t, result, &page)
	if len(page.Bridges) != 0 {
		t.Errorf("bridges = %d, want none", len(page.Bridges))
	}
}

func TestResolveConfigPathEnvOrder(t *testing.T) {
	cfgFile = ""
	t.Setenv("CONFIG_PATH", "/etc/hive/a.json")
	t.Setenv("HIVEHUB_CONFIG", "/etc/hive/b.json")
	if got := resolveConfigPath(); got != "/etc/hive/a.json" {
		t.Errorf("path = %q, want CONFIG_PATH to win", got)
	}
	t.Setenv("CONFIG_PATH", "")
	if got := resolveConfigPath(); got != "/etc/hive/b.json" {
		t.Errorf("path = %q, want HIVEHUB_CONFIG fallback", got)
	}
}
