// Package admin is the operator-facing HTTP API. Every route past login
// requires an admin bearer token and delegates to the same service methods
// the drone tools use, so the two surfaces can never disagree.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hivemesh/hivehub/internal/agents"
	"github.com/hivemesh/hivehub/internal/auth"
	"github.com/hivemesh/hivehub/internal/backup"
	"github.com/hivemesh/hivehub/internal/bridge"
	"github.com/hivemesh/hivehub/internal/memory"
	"github.com/hivemesh/hivehub/internal/tickets"
	"github.com/hivemesh/hivehub/pkg/protocol"
)

// API bundles the services the admin routes expose.
type API struct {
	Auth     *auth.Authenticator
	Agents   *agents.Registry
	Memories *memory.Store
	Bridges  *bridge.Manager
	Tickets  *tickets.Coordinator
	Backups  *backup.Engine
}

// Router returns the handler to mount at /admin/api/.
func (a *API) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/api/login", a.handleLogin)

	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, a.Auth.RequireRole(auth.RoleAdmin, h))
	}
	admin("GET /admin/api/agents", a.handleAgents)
	admin("GET /admin/api/memories", a.handleMemorySearch)
	admin("DELETE /admin/api/memories/{id}", a.handleMemoryDelete)
	admin("GET /admin/api/bridges", a.handleBridges)
	admin("GET /admin/api/tickets", a.handleTicketList)
	admin("POST /admin/api/tickets", a.handleTicketCreate)
	admin("POST /admin/api/tickets/{id}/status", a.handleTicketStatus)
	admin("GET /admin/api/tickets/{id}/comments", a.handleTicketComments)
	admin("GET /admin/api/backups/systems", a.handleBackupSystems)
	admin("GET /admin/api/backups/snapshots", a.handleSnapshots)
	admin("GET /admin/api/backups/alerts", a.handleAlerts)
	admin("POST /admin/api/backups/alerts/{id}/ack", a.handleAlertAck)
	return mux
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed login body")
		return
	}
	token, err := a.Auth.Login(req.Username, req.Password)
	if err == auth.ErrBadCredentials {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		slog.Error("admin.login_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) handleAgents(w http.ResponseWriter, r *http.Request) {
	page := a.Agents.Roster(r.Context(), agents.RosterRequest{
		IncludeInactive: r.URL.Query().Get("include_inactive") == "true",
		Limit:           queryInt(r, "limit"),
		Offset:          queryInt(r, "offset"),
	})
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := a.Memories.Search(r.Context(), memory.SearchRequest{
		Query:    q.Get("q"),
		Category: q.Get("category"),
		Scope:    q.Get("scope"),
		AgentID:  q.Get("agent_id"),
		Semantic: q.Get("semantic") != "false",
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.Memories.Delete(r.Context(), id) {
		writeError(w, http.StatusNotFound, "memory "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (a *API) handleBridges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bridges": a.Bridges.Statuses()})
}

func (a *API) handleTicketList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := a.Tickets.List(r.Context(), tickets.ListFilter{
		ProjectID: q.Get("project_id"),
		Status:    q.Get("status"),
		Priority:  q.Get("priority"),
		Assignee:  q.Get("assignee"),
		Limit:     queryInt(r, "limit"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": list})
}

func (a *API) handleTicketCreate(w http.ResponseWriter, r *http.Request) {
	var req tickets.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed ticket body")
		return
	}
	ticket, err := a.Tickets.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (a *API) handleTicketStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed status body")
		return
	}
	actor := "admin"
	if claims, ok := auth.FromContext(r.Context()); ok {
		actor = claims.Subject
	}
	ticket, err := a.Tickets.UpdateStatus(r.Context(), r.PathValue("id"), req.Status, actor, req.Note)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (a *API) handleTicketComments(w http.ResponseWriter, r *http.Request) {
	comments, err := a.Tickets.Comments(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (a *API) handleBackupSystems(w http.ResponseWriter, r *http.Request) {
	systems, err := a.Backups.ListSystems(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"systems": systems})
}

func (a *API) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := a.Backups.ListSnapshots(r.Context(), r.URL.Query().Get("system_id"), queryInt(r, "limit"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// Content bodies can be large; the listing carries metadata only.
	for i := range snaps {
		snaps[i].Content = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := a.Backups.ListAlerts(r.Context(),
		r.URL.Query().Get("system_id"),
		r.URL.Query().Get("include_acked") == "true")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.Backups.AckAlert(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"acknowledged": id})
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

// writeServiceError maps protocol error kinds onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var te *protocol.ToolError
	status := http.StatusInternalServerError
	message := "internal error"
	if errors.As(err, &te) {
		message = te.Message
		switch te.Kind {
		case protocol.KindBadArgument:
			status = http.StatusBadRequest
		case protocol.KindToolError:
			status = http.StatusNotFound
		case protocol.KindUnauthorized:
			status = http.StatusUnauthorized
		case protocol.KindForbidden:
			status = http.StatusForbidden
		case protocol.KindUnavailable:
			status = http.StatusBadGateway
		case protocol.KindResourceExhausted:
			status = http.StatusTooManyRequests
		}
	} else {
		slog.Error("admin.request_failed", "error", err)
	}
	writeError(w, status, message)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
