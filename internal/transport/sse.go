package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hivemesh/hivehub/pkg/protocol"
)

// handleSSE serves GET /sse. A missing or dead session_id mints a fresh
// session; the first frame is always "event: session" carrying the id.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var sess *Session
	if id := r.URL.Query().Get("session_id"); id != "" {
		if existing := s.arena.Get(id); existing != nil && existing.State() == StateNew {
			sess = existing
		}
	}
	if sess == nil {
		minted, err := s.arena.Mint()
		if err != nil {
			http.Error(w, `{"error":"too_many_sessions"}`, http.StatusServiceUnavailable)
			return
		}
		sess = minted
		s.Counters.Incr(r.Context(), "sessions_opened")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// First frame: the session id.
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", protocol.EventSession, sess.ID)
	flusher.Flush()

	slog.Info("transport.sse.open", "session_id", sess.ID, "remote", r.RemoteAddr)

	// Going live and replaying the retained backlog happen atomically; a
	// recovered session carries its mark forward via /api/session/recover.
	s.goLive(sess)

	defer func() {
		sess.Close()
		s.arena.Terminate(sess)
		slog.Info("transport.sse.close", "session_id", sess.ID)
	}()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		for _, f := range sess.drain() {
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data); err != nil {
				return
			}
		}
		flusher.Flush()

		if sess.State() == StateClosing {
			// Drain whatever arrived between the last pop and the close.
			for _, f := range sess.drain() {
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
			}
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-sess.notify:
		case <-ticker.C:
			// Comment frame keeps intermediaries from timing the stream out.
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// goLive marks the session live and replays every retained broadcast newer
// than its mark, filtered by the bound agent's role. Both happen under the
// session's broadcast lock: the fan-out only sees the session once it is
// live, and then blocks behind the replay, so it can never deliver a newer
// id ahead of retained frames the session has not observed.
func (s *Server) goLive(sess *Session) {
	sess.bmu.Lock()
	defer sess.bmu.Unlock()
	sess.markLive()

	if s.broadcasts == nil {
		return
	}
	frames := s.broadcasts.Since(sess.BroadcastMark())
	for _, bf := range frames {
		if !s.frameTargetsSession(bf, sess) {
			continue
		}
		data, err := json.Marshal(bf)
		if err != nil {
			continue
		}
		if err := sess.Send(sess.Context(), protocol.EventBroadcast, data); err != nil {
			return
		}
		sess.SetBroadcastMark(bf.BroadcastID)
	}
	if len(frames) > 0 {
		slog.Debug("transport.broadcast.replayed", "session_id", sess.ID, "count", len(frames))
	}
}
