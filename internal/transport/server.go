package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hivemesh/hivehub/internal/agents"
	"github.com/hivemesh/hivehub/internal/bus"
	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/internal/store/kv"
	"github.com/hivemesh/hivehub/internal/tools"
	"github.com/hivemesh/hivehub/pkg/protocol"
)

const maxInvocationBytes = 1 << 20

// Server is the drone-facing HTTP surface: the SSE stream, the message
// ingress, and the session recovery endpoints.
type Server struct {
	cfg        *config.Config
	arena      *Arena
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	agents     *agents.Registry
	broadcasts *agents.Broadcasts
	events     bus.Publisher

	rateLimiter *RateLimiter
	keepalive   time.Duration
	machineID   string

	// HealthFunc supplies the /health body. Set by the hub composition root.
	HealthFunc func() interface{}

	// Counters is the optional volatile counter cache. Nil means no-op.
	Counters *kv.Counters

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the transport plane.
func NewServer(
	cfg *config.Config,
	registry *tools.Registry,
	dispatcher *tools.Dispatcher,
	agentReg *agents.Registry,
	broadcasts *agents.Broadcasts,
	events bus.Publisher,
) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		agents:     agentReg,
		broadcasts: broadcasts,
		events:     events,
		keepalive:  cfg.Hub.Keepalive(),
		machineID:  cfg.Hub.MachineID,
	}
	s.arena = NewArena(
		cfg.Hub.MaxSessions,
		cfg.Hub.SessionTTL(),
		cfg.Hub.SessionGrace(),
		cfg.Hub.SessionBufferBytes,
	)
	s.arena.OnTerminate(func(sess *Session) {
		dispatcher.ReleaseSession(sess.ID)
	})
	s.rateLimiter = NewRateLimiter(cfg.Hub.RateLimitRPM)
	return s
}

// Arena exposes the session table to the hub for health reporting.
func (s *Server) Arena() *Arena { return s.arena }

// BuildMux creates and caches the mux with every transport route registered.
// Call before Start when additional routes (admin API) must be mounted on the
// same listener.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", s.handleSSE)
	mux.Handle("/messages", s.rateLimiter.Middleware(http.HandlerFunc(s.handleMessages)))
	mux.HandleFunc("/api/session/recover", s.handleRecover)
	mux.HandleFunc("/api/session/info", s.handleSessionInfo)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start subscribes to the broadcast fabric, runs the sweeper, and serves
// until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	if s.events != nil {
		s.events.Subscribe("transport", s.onBusEvent)
		defer s.events.Unsubscribe("transport")
	}

	go s.sweepLoop(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Hub.Host, s.cfg.Hub.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	tlsCfg := s.cfg.Security.TLS
	var err error
	if tlsCfg.Enabled {
		slog.Info("transport.listening", "addr", addr, "tls", true)
		err = s.httpServer.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
	} else {
		slog.Info("transport.listening", "addr", addr, "tls", false)
		err = s.httpServer.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		return fmt.Errorf("transport server: %w", err)
	}
	return nil
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.arena.Sweep()
			s.rateLimiter.Prune()
		}
	}
}

// handleMessages serves POST /messages: accept one invocation, answer 202,
// and deliver the result out-of-band on the session's SSE stream.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	sessionID := r.URL.Query().Get("session_id")
	sess := s.arena.Get(sessionID)
	if sess == nil || !sess.Live() {
		s.writeGone(w, sessionID)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInvocationBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &protocol.ErrorPayload{
			Kind: protocol.KindBadArgument, Message: "unreadable body",
		})
		return
	}
	var inv protocol.Invocation
	if err := json.Unmarshal(body, &inv); err != nil || inv.Tool == "" {
		writeJSON(w, http.StatusBadRequest, &protocol.ErrorPayload{
			Kind: protocol.KindBadArgument, Message: "body must be {id, tool, args}",
		})
		return
	}

	sess.Touch()
	if agentID := sess.AgentID(); agentID != "" && s.agents != nil {
		s.agents.Touch(agentID)
	}

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"accepted":true,"id":%q}`, inv.ID)

	s.Counters.Incr(r.Context(), "tool_calls")
	go s.runInvocation(sess, &inv)
}

// runInvocation dispatches off the request goroutine and writes the result
// frame back on the stream.
func (s *Server) runInvocation(sess *Session, inv *protocol.Invocation) {
	ctx := context.Background()
	if spec := s.registry.Get(inv.Tool); spec != nil && spec.RequiresSession {
		// Session-bound tools die with their session.
		ctx = sess.Context()
	}

	call := &tools.Call{
		SessionID: sess.ID,
		AgentID:   sess.AgentID(),
		MachineID: s.machineID,
	}
	result := s.dispatcher.Dispatch(ctx, inv, call)

	data, err := json.Marshal(result)
	if err != nil {
		slog.Error("transport.result.marshal_failed", "session_id", sess.ID, "id", inv.ID, "error", err)
		return
	}
	sendCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Hub.ToolTimeout())
	defer cancel()
	if err := sess.Send(sendCtx, protocol.EventResult, data); err != nil {
		slog.Warn("transport.result.dropped",
			"session_id", sess.ID, "id", inv.ID, "error", err)
	}
}

// onBusEvent fans live broadcasts out to every matching session.
func (s *Server) onBusEvent(e bus.Event) {
	if e.Name != bus.EventBroadcastSent {
		return
	}
	frame, ok := e.Payload.(*protocol.BroadcastFrame)
	if !ok {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.Counters.Incr(context.Background(), "broadcasts")

	s.arena.mu.RLock()
	targets := make([]*Session, 0, len(s.arena.sessions))
	for _, sess := range s.arena.sessions {
		targets = append(targets, sess)
	}
	s.arena.mu.RUnlock()

	for _, sess := range targets {
		if !sess.Live() || !s.frameTargetsSession(frame, sess) {
			continue
		}
		// Do not block the publisher: a full session drops the live copy and
		// picks the frame up from replay on reconnect.
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		sess.SendBroadcast(ctx, frame.BroadcastID, data)
		cancel()
	}
}

func (s *Server) frameTargetsSession(frame *protocol.BroadcastFrame, sess *Session) bool {
	if len(frame.TargetRoles) == 0 {
		return true
	}
	if s.agents == nil {
		return false
	}
	return agents.Targets(frame, s.agents.Role(sess.AgentID()))
}

// writeGone answers a stale session reference with a machine-readable
// recovery hint, including a freshly minted replacement id.
func (s *Server) writeGone(w http.ResponseWriter, oldID string) {
	payload := &protocol.RecoveryPayload{
		Error:        "session_expired",
		OldSessionID: oldID,
		SSEURL:       "/sse",
	}
	if fresh, err := s.arena.Mint(); err == nil {
		payload.SuggestedNewSessionID = fresh.ID
		s.carryMark(oldID, fresh)
	}
	writeJSON(w, http.StatusGone, payload)
}

// handleRecover serves POST /api/session/recover: mint a fresh session id
// on the unauthenticated ingress plane so a drone with a dead session can
// reconnect.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	var req struct {
		OldSessionID string `json:"old_session_id,omitempty"`
	}
	body, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
	if len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}

	sess, err := s.arena.Mint()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, &protocol.ErrorPayload{
			Kind: protocol.KindResourceExhausted, Message: "session table full",
		})
		return
	}
	s.carryMark(req.OldSessionID, sess)

	slog.Info("transport.session.recovered", "old", req.OldSessionID, "new", sess.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"new_session_id": sess.ID,
		"sse_url":        "/sse?session_id=" + sess.ID,
	})
}

// carryMark copies the broadcast high-water mark and agent binding from a
// lingering old session so replay does not start from zero.
func (s *Server) carryMark(oldID string, fresh *Session) {
	if oldID == "" {
		return
	}
	old := s.arena.Get(oldID)
	if old == nil {
		return
	}
	fresh.SetBroadcastMark(old.BroadcastMark())
	if agentID := old.AgentID(); agentID != "" {
		fresh.BindAgent(agentID)
	}
}

// handleSessionInfo serves GET /api/session/info?session_id=…
func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	sess := s.arena.Get(r.URL.Query().Get("session_id"))
	if sess == nil {
		writeJSON(w, http.StatusNotFound, &protocol.ErrorPayload{
			Kind: protocol.KindSessionExpired, Message: "unknown session",
		})
		return
	}
	info := map[string]interface{}{
		"session_id":        sess.ID,
		"state":             sess.State(),
		"agent_id":          sess.AgentID(),
		"last_broadcast_id": sess.BroadcastMark(),
	}
	if counters := s.Counters.Snapshot(r.Context()); counters != nil {
		info["counters"] = counters
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.HealthFunc != nil {
		writeJSON(w, http.StatusOK, s.HealthFunc())
		return
	}
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
