package cmd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hivemesh/hivehub/internal/agents"
	"github.com/hivemesh/hivehub/internal/backup"
	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/internal/hub"
	"github.com/hivemesh/hivehub/internal/memory"
	"github.com/hivemesh/hivehub/internal/store"
	"github.com/hivemesh/hivehub/internal/tickets"
	"github.com/hivemesh/hivehub/internal/tools"
	"github.com/hivemesh/hivehub/pkg/protocol"
)

// registerBuiltinTools wires the drone-facing tool surface onto the hub's
// services. Bridge-proxied tools register themselves as bridges come up.
func registerBuiltinTools(h *hub.Hub) {
	registerMemoryTools(h)
	registerAgentTools(h)
	registerTicketTools(h)
	registerBackupTools(h)
	registerBridgeTools(h)
}

func registerMemoryTools(h *hub.Hub) {
	h.Tools.MustRegister(&tools.Spec{
		Name:        "store_memory",
		Description: "Store a memory in the collective index",
		Params: []tools.Param{
			{Name: "content", Type: tools.TypeString, Required: true},
			{Name: "category", Type: tools.TypeString, Default: "global"},
			{Name: "scope", Type: tools.TypeString, Default: memory.ScopeGlobal},
			{Name: "tags", Type: tools.TypeList},
			{Name: "context", Type: tools.TypeString},
			{Name: "project", Type: tools.TypeString},
			{Name: "metadata", Type: tools.TypeMap},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			id, err := h.Memories.Store(ctx, memory.StoreRequest{
				Content:   call.String("content"),
				Category:  call.String("category"),
				Scope:     call.String("scope"),
				Tags:      call.StringList("tags"),
				Metadata:  call.StringMap("metadata"),
				Context:   call.String("context"),
				Project:   call.String("project"),
				MachineID: call.MachineID,
				AgentID:   call.AgentID,
			})
			if err != nil {
				return nil, err
			}
			// Drones expect the bare id as the result payload.
			return id, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "memory_retrieve",
		Description: "Fetch one memory by id",
		Params: []tools.Param{
			{Name: "memory_id", Type: tools.TypeString, Required: true},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			item := h.Memories.Retrieve(ctx, call.String("memory_id"))
			if item == nil {
				return nil, protocol.Errorf(protocol.KindToolError, "memory %s not found", call.String("memory_id"))
			}
			return item, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "memory_search",
		Description: "Search the collective memory (semantic with keyword fallback)",
		Params: []tools.Param{
			{Name: "query", Type: tools.TypeString, Required: true},
			{Name: "category", Type: tools.TypeString},
			{Name: "scope", Type: tools.TypeString},
			{Name: "include_global", Type: tools.TypeBool, Default: true},
			{Name: "semantic", Type: tools.TypeBool, Default: true},
			{Name: "machines", Type: tools.TypeList},
			{Name: "exclude_machines", Type: tools.TypeList},
			{Name: "limit", Type: tools.TypeInt, Default: 10},
			{Name: "offset", Type: tools.TypeInt, Default: 0},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			return h.Memories.Search(ctx, memory.SearchRequest{
				Query:            call.String("query"),
				Category:         call.String("category"),
				Scope:            call.String("scope"),
				IncludeGlobal:    call.Bool("include_global"),
				Semantic:         call.Bool("semantic"),
				MachineFilterIn:  call.StringList("machines"),
				MachineFilterOut: call.StringList("exclude_machines"),
				Limit:            call.Int("limit"),
				Offset:           call.Int("offset"),
			})
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "memory_recent",
		Description: "List recent memories, newest first",
		Params: []tools.Param{
			{Name: "hours", Type: tools.TypeInt, Default: 24},
			{Name: "category", Type: tools.TypeString},
			{Name: "agent_id", Type: tools.TypeString},
			{Name: "limit", Type: tools.TypeInt, Default: 20},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			items := h.Memories.Recent(ctx, memory.RecentRequest{
				Hours:    call.Int("hours"),
				Category: call.String("category"),
				AgentID:  call.String("agent_id"),
				Limit:    call.Int("limit"),
			})
			return map[string]interface{}{"items": items}, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "memory_delete",
		Description: "Delete a memory by id",
		Params: []tools.Param{
			{Name: "memory_id", Type: tools.TypeString, Required: true},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			id := call.String("memory_id")
			if !h.Memories.Delete(ctx, id) {
				return nil, protocol.Errorf(protocol.KindToolError, "memory %s not found", id)
			}
			return map[string]string{"deleted": id}, nil
		},
	})
}

func registerAgentTools(h *hub.Hub) {
	h.Tools.MustRegister(&tools.Spec{
		Name:        "agent_register",
		Description: "Register or refresh this drone in the roster",
		Params: []tools.Param{
			{Name: "agent_id", Type: tools.TypeString, Required: true},
			{Name: "role", Type: tools.TypeString},
			{Name: "capabilities", Type: tools.TypeList},
			{Name: "max_workload", Type: tools.TypeInt},
			{Name: "metadata", Type: tools.TypeMap},
		},
		RequiresSession: true,
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			row, err := h.Agents.Register(ctx, agents.RegisterRequest{
				AgentID:      call.String("agent_id"),
				Role:         call.String("role"),
				Capabilities: call.StringList("capabilities"),
				MachineID:    call.MachineID,
				MaxWorkload:  call.Int("max_workload"),
				Metadata:     call.StringMap("metadata"),
			})
			if err != nil {
				return nil, err
			}
			if sess := h.Server.Arena().Get(call.SessionID); sess != nil {
				sess.BindAgent(row.AgentID)
			}
			return row, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "agent_roster",
		Description: "List registered drones with liveness",
		Params: []tools.Param{
			{Name: "include_inactive", Type: tools.TypeBool, Default: false},
			{Name: "limit", Type: tools.TypeInt, Default: 50},
			{Name: "offset", Type: tools.TypeInt, Default: 0},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			return h.Agents.Roster(ctx, agents.RosterRequest{
				IncludeInactive: call.Bool("include_inactive"),
				Limit:           call.Int("limit"),
				Offset:          call.Int("offset"),
			}), nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "agent_delegate",
		Description: "Assign a task to the least-loaded capable drone",
		Params: []tools.Param{
			{Name: "task", Type: tools.TypeString, Required: true},
			{Name: "required_capabilities", Type: tools.TypeList},
			{Name: "target_agent", Type: tools.TypeString},
			{Name: "priority", Type: tools.TypeString, Default: "normal"},
		},
		RequiresSession: true,
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			return h.Agents.Delegate(ctx, agents.DelegateRequest{
				Task:                 call.String("task"),
				RequiredCapabilities: call.StringList("required_capabilities"),
				TargetAgent:          call.String("target_agent"),
				Priority:             call.String("priority"),
				SourceAgent:          call.AgentID,
			})
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "task_release",
		Description: "Release a delegated task and free the workload slot",
		Params: []tools.Param{
			{Name: "task_id", Type: tools.TypeString, Required: true},
			{Name: "status", Type: tools.TypeString, Default: "completed"},
		},
		RequiresSession: true,
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			if err := h.Agents.ReleaseTask(ctx, call.AgentID, call.String("task_id"), call.String("status")); err != nil {
				return nil, err
			}
			return "ok", nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "agent_tasks",
		Description: "List tasks delegated to a drone",
		Params: []tools.Param{
			{Name: "agent_id", Type: tools.TypeString},
			{Name: "limit", Type: tools.TypeInt, Default: 50},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			agentID := call.String("agent_id")
			if agentID == "" {
				agentID = call.AgentID
			}
			tasks, err := h.Agents.Tasks(ctx, agentID, call.Int("limit"))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"tasks": tasks}, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "agent_broadcast",
		Description: "Broadcast a message to connected drones",
		Params: []tools.Param{
			{Name: "message", Type: tools.TypeString, Required: true},
			{Name: "category", Type: tools.TypeString, Default: "general"},
			{Name: "severity", Type: tools.TypeString, Default: "info"},
			{Name: "target_roles", Type: tools.TypeList},
		},
		RequiresSession: true,
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			return h.Broadcasts.Send(ctx, agents.BroadcastRequest{
				Message:       call.String("message"),
				Category:      call.String("category"),
				Severity:      call.String("severity"),
				TargetRoles:   call.StringList("target_roles"),
				SourceAgent:   call.AgentID,
				SourceMachine: call.MachineID,
			})
		},
	})
}

func registerTicketTools(h *hub.Hub) {
	h.Tools.MustRegister(&tools.Spec{
		Name:        "ticket_create",
		Description: "Open a ticket on the board",
		Params: []tools.Param{
			{Name: "project_id", Type: tools.TypeString, Required: true},
			{Name: "title", Type: tools.TypeString, Required: true},
			{Name: "description", Type: tools.TypeString},
			{Name: "ticket_type", Type: tools.TypeString, Default: tickets.TypeTask},
			{Name: "priority", Type: tools.TypeString, Default: tickets.PriorityMedium},
			{Name: "assignee", Type: tools.TypeString},
			{Name: "labels", Type: tools.TypeList},
			{Name: "due_date", Type: tools.TypeString, Description: "RFC 3339"},
			{Name: "parent_ticket", Type: tools.TypeString},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			req := tickets.CreateRequest{
				ProjectID:    call.String("project_id"),
				Title:        call.String("title"),
				Description:  call.String("description"),
				TicketType:   call.String("ticket_type"),
				Priority:     call.String("priority"),
				Assignee:     call.String("assignee"),
				Reporter:     call.AgentID,
				Labels:       call.StringList("labels"),
				ParentTicket: call.String("parent_ticket"),
			}
			if due := call.String("due_date"); due != "" {
				parsed, err := time.Parse(time.RFC3339, due)
				if err != nil {
					return nil, protocol.BadArgf("due_date must be RFC 3339, got %q", due)
				}
				req.DueDate = &parsed
			}
			return h.Tickets.Create(ctx, req)
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "ticket_update_status",
		Description: "Move a ticket through its state machine",
		Params: []tools.Param{
			{Name: "ticket_id", Type: tools.TypeString, Required: true},
			{Name: "status", Type: tools.TypeString, Required: true},
			{Name: "note", Type: tools.TypeString},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			return h.Tickets.UpdateStatus(ctx,
				call.String("ticket_id"), call.String("status"), call.AgentID, call.String("note"))
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "ticket_comment",
		Description: "Comment on a ticket",
		Params: []tools.Param{
			{Name: "ticket_id", Type: tools.TypeString, Required: true},
			{Name: "text", Type: tools.TypeString, Required: true},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			return h.Tickets.AddComment(ctx, call.String("ticket_id"), call.String("text"), call.AgentID)
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "ticket_comments",
		Description: "Read a ticket's comment thread in creation order",
		Params: []tools.Param{
			{Name: "ticket_id", Type: tools.TypeString, Required: true},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			comments, err := h.Tickets.Comments(ctx, call.String("ticket_id"))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"comments": comments}, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "ticket_list",
		Description: "List tickets by project, status, priority, or assignee",
		Params: []tools.Param{
			{Name: "project_id", Type: tools.TypeString},
			{Name: "status", Type: tools.TypeString},
			{Name: "priority", Type: tools.TypeString},
			{Name: "assignee", Type: tools.TypeString},
			{Name: "limit", Type: tools.TypeInt, Default: 50},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			list, err := h.Tickets.List(ctx, tickets.ListFilter{
				ProjectID: call.String("project_id"),
				Status:    call.String("status"),
				Priority:  call.String("priority"),
				Assignee:  call.String("assignee"),
				Limit:     call.Int("limit"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"tickets": list}, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "ticket_metrics",
		Description: "Aggregate ticket counts, resolution time, and overdue load",
		Params: []tools.Param{
			{Name: "project_id", Type: tools.TypeString, Required: true},
			{Name: "days", Type: tools.TypeInt, Default: 30},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			return h.Tickets.GetMetrics(ctx, call.String("project_id"), call.Int("days"))
		},
	})
}

func registerBackupTools(h *hub.Hub) {
	h.Tools.MustRegister(&tools.Spec{
		Name:        "backup_register_system",
		Description: "Register a system for config backup monitoring",
		Params: []tools.Param{
			{Name: "system_id", Type: tools.TypeString, Required: true},
			{Name: "name", Type: tools.TypeString},
			{Name: "type", Type: tools.TypeString},
			{Name: "backup_frequency_s", Type: tools.TypeInt},
			{Name: "metadata", Type: tools.TypeMap},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			sys := &store.ConfigSystem{
				SystemID:           call.String("system_id"),
				Name:               call.String("name"),
				Type:               call.String("type"),
				BackupFrequencySec: call.Int("backup_frequency_s"),
				Metadata:           call.StringMap("metadata"),
			}
			if err := h.Backups.RegisterSystem(ctx, sys); err != nil {
				return nil, err
			}
			return sys, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "backup_create_snapshot",
		Description: "Snapshot a system's configuration content",
		Params: []tools.Param{
			{Name: "system_id", Type: tools.TypeString, Required: true},
			{Name: "content", Type: tools.TypeString, Required: true},
			{Name: "config_type", Type: tools.TypeString},
			{Name: "file_path", Type: tools.TypeString},
			{Name: "tags", Type: tools.TypeList},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			return h.Backups.CreateSnapshot(ctx, backup.SnapshotRequest{
				SystemID:   call.String("system_id"),
				ConfigType: call.String("config_type"),
				Content:    call.String("content"),
				FilePath:   call.String("file_path"),
				AgentID:    call.AgentID,
				Tags:       call.StringList("tags"),
			})
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "backup_list_snapshots",
		Description: "List recent snapshots for a system",
		Params: []tools.Param{
			{Name: "system_id", Type: tools.TypeString},
			{Name: "limit", Type: tools.TypeInt, Default: 20},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			snaps, err := h.Backups.ListSnapshots(ctx, call.String("system_id"), call.Int("limit"))
			if err != nil {
				return nil, err
			}
			for i := range snaps {
				snaps[i].Content = ""
			}
			return map[string]interface{}{"snapshots": snaps}, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "backup_get_config",
		Description: "Fetch a snapshot including its full content",
		Params: []tools.Param{
			{Name: "snapshot_id", Type: tools.TypeString, Required: true},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			return h.Backups.GetSnapshot(ctx, call.String("snapshot_id"))
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "backup_detect_drift",
		Description: "Report config drift above the risk threshold",
		Params: []tools.Param{
			{Name: "system_id", Type: tools.TypeString},
			{Name: "hours_back", Type: tools.TypeInt, Default: 24},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			drift, err := h.Backups.DetectDrift(ctx, call.String("system_id"), call.Int("hours_back"))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"drift": drift}, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "backup_get_alerts",
		Description: "List drift alerts",
		Params: []tools.Param{
			{Name: "system_id", Type: tools.TypeString},
			{Name: "include_acked", Type: tools.TypeBool, Default: false},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			alerts, err := h.Backups.ListAlerts(ctx, call.String("system_id"), call.Bool("include_acked"))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"alerts": alerts}, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "backup_ack_alert",
		Description: "Acknowledge a drift alert",
		Params: []tools.Param{
			{Name: "alert_id", Type: tools.TypeString, Required: true},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			if err := h.Backups.AckAlert(ctx, call.String("alert_id")); err != nil {
				return nil, err
			}
			return "ok", nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "backup_restore",
		Description: "Restore a snapshot's content, optionally writing it to disk on the hub host",
		Params: []tools.Param{
			{Name: "snapshot_id", Type: tools.TypeString, Required: true},
			{Name: "target_path", Type: tools.TypeString},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			audit, content, err := h.Backups.Restore(ctx, call.String("snapshot_id"), call.String("target_path"))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"content":        content,
				"audit_snapshot": audit.SnapshotID,
			}, nil
		},
	})
}

func registerBridgeTools(h *hub.Hub) {
	h.Tools.MustRegister(&tools.Spec{
		Name:        "list_bridges",
		Description: "List MCP bridges and their supervision state",
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			return map[string]interface{}{"bridges": h.Bridges.Statuses()}, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "bridge_proxy",
		Description: "Forward a raw MCP method to a bridge",
		Params: []tools.Param{
			{Name: "bridge", Type: tools.TypeString, Required: true},
			{Name: "method", Type: tools.TypeString, Required: true},
			{Name: "params", Type: tools.TypeMap},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			var params json.RawMessage
			if raw := call.Map("params"); raw != nil {
				data, err := json.Marshal(raw)
				if err != nil {
					return nil, protocol.BadArgf("params: %v", err)
				}
				params = data
			}
			return h.Bridges.Proxy(ctx, call.String("bridge"), call.String("method"), params)
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "register_bridge",
		Description: "Register and start an MCP bridge from a spec",
		Params: []tools.Param{
			{Name: "name", Type: tools.TypeString, Required: true},
			{Name: "transport", Type: tools.TypeString, Required: true},
			{Name: "command", Type: tools.TypeString},
			{Name: "args", Type: tools.TypeList},
			{Name: "env", Type: tools.TypeMap},
			{Name: "url", Type: tools.TypeString},
		},
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			spec := &config.BridgeSpec{
				Name:      call.String("name"),
				Transport: call.String("transport"),
				Command:   call.String("command"),
				Args:      call.StringList("args"),
				Env:       call.StringMap("env"),
				URL:       call.String("url"),
			}
			if err := h.Bridges.Register(ctx, spec.Name, spec); err != nil {
				return nil, err
			}
			return map[string]string{"registered": spec.Name}, nil
		},
	})

	h.Tools.MustRegister(&tools.Spec{
		Name:        "discover_bridges",
		Description: "Scan the discovery directories for bridge spec files",
		Handler: func(ctx context.Context, call *tools.Call) (interface{}, error) {
			return map[string]interface{}{
				"candidates": h.Bridges.DiscoverLocal(h.Cfg.Bridges.DiscoveryDirs),
			}, nil
		},
	})
}
