package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hivemesh/hivehub/internal/agents"
	"github.com/hivemesh/hivehub/internal/auth"
	"github.com/hivemesh/hivehub/internal/bridge"
	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/internal/memory"
	"github.com/hivemesh/hivehub/internal/tickets"
	"github.com/hivemesh/hivehub/internal/tools"
)

func newTestAPI(t *testing.T) (*API, *httptest.Server) {
	t.Helper()
	memories := memory.NewStore(memory.NewHashEmbedder(64))
	api := &API{
		Auth: auth.New(config.AuthConfig{
			Users: []config.AuthUser{
				{Username: "queen", PasswordHash: auth.HashPassword("royal-jelly"), Role: auth.RoleAdmin},
				{Username: "scout", PasswordHash: auth.HashPassword("waggle"), Role: auth.RoleViewer},
			},
			JWTSecret: "test-secret",
		}),
		Agents:   agents.NewRegistry(nil, memories, 5*time.Minute),
		Memories: memories,
		Bridges:  bridge.NewManager(tools.NewRegistry(), nil, 0),
		Tickets:  tickets.NewCoordinator(tickets.NewEmbeddedBoard(), memories, "m1"),
	}
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return api, srv
}

func login(t *testing.T, srv *httptest.Server, user, pass string) string {
	t.Helper()
	body := fmt.Sprintf(`{"username":%q,"password":%q}`, user, pass)
	resp, err := http.Post(srv.URL+"/admin/api/login", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.Token
}

func doReq(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, url, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLoginRejectsBadPassword(t *testing.T) {
	_, srv := newTestAPI(t)
	resp, err := http.Post(srv.URL+"/admin/api/login", "application/json",
		bytes.NewBufferString(`{"username":"queen","password":"wrong"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRoutesRequireAdminRole(t *testing.T) {
	_, srv := newTestAPI(t)
	viewer := login(t, srv, "scout", "waggle")

	if resp := doReq(t, http.MethodGet, srv.URL+"/admin/api/agents", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", resp.StatusCode)
	}
	if resp := doReq(t, http.MethodGet, srv.URL+"/admin/api/agents", viewer, ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("viewer token: status = %d", resp.StatusCode)
	}
}

func TestAgentsRoute(t *testing.T) {
	api, srv := newTestAPI(t)
	admin := login(t, srv, "queen", "royal-jelly")

	if _, err := api.Agents.Register(context.Background(), agents.RegisterRequest{
		AgentID: "drone-1", Role: "builder", MachineID: "m1",
	}); err != nil {
		t.Fatal(err)
	}

	resp := doReq(t, http.MethodGet, srv.URL+"/admin/api/agents", admin, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var page agents.RosterPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Agents[0].AgentID != "drone-1" {
		t.Errorf("roster = %+v", page)
	}
}

func TestMemorySearchAndDelete(t *testing.T) {
	api, srv := newTestAPI(t)
	admin := login(t, srv, "queen", "royal-jelly")

	id, err := api.Memories.Store(context.Background(), memory.StoreRequest{
		Content: "nginx reload runbook", Category: "runbooks", MachineID: "m1",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := doReq(t, http.MethodGet, srv.URL+"/admin/api/memories?q=nginx+reload&category=runbooks", admin, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d", resp.StatusCode)
	}
	var page memory.Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) == 0 {
		t.Fatal("search returned nothing")
	}

	if resp := doReq(t, http.MethodDelete, srv.URL+"/admin/api/memories/"+id, admin, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if resp := doReq(t, http.MethodDelete, srv.URL+"/admin/api/memories/"+id, admin, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
}

func TestTicketLifecycleOverAdminAPI(t *testing.T) {
	_, srv := newTestAPI(t)
	admin := login(t, srv, "queen", "royal-jelly")

	resp := doReq(t, http.MethodPost, srv.URL+"/admin/api/tickets", admin,
		`{"project_id":"mesh","title":"replace relay"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var ticket tickets.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatal(err)
	}

	url := srv.URL + "/admin/api/tickets/" + ticket.TicketID + "/status"
	if resp := doReq(t, http.MethodPost, url, admin, `{"status":"in_progress"}`); resp.StatusCode != http.StatusOK {
		t.Errorf("valid transition status = %d", resp.StatusCode)
	}
	if resp := doReq(t, http.MethodPost, url, admin, `{"status":"new"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid transition status = %d", resp.StatusCode)
	}

	// Audit actor comes from the token subject.
	list := doReq(t, http.MethodGet, srv.URL+"/admin/api/tickets?project_id=mesh", admin, "")
	var out struct {
		Tickets []tickets.Ticket `json:"tickets"`
	}
	if err := json.NewDecoder(list.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Tickets) != 1 || len(out.Tickets[0].StatusHistory) != 1 {
		t.Fatalf("tickets = %+v", out.Tickets)
	}
	if out.Tickets[0].StatusHistory[0].Actor != "queen" {
		t.Errorf("actor = %q", out.Tickets[0].StatusHistory[0].Actor)
	}
}
