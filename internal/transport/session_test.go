package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestMintSessionIDShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := MintSessionID()
		if !sessionIDPattern.MatchString(id) {
			t.Fatalf("id %q is not 32 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	s := newSession(MintSessionID(), 1024)
	s.markLive()
	s.Close()

	err := s.Send(context.Background(), "result", []byte("late"))
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("want ErrSessionClosed, got %v", err)
	}
	select {
	case <-s.Context().Done():
	default:
		t.Error("session context not cancelled on close")
	}
}

func TestSendBackpressureClosesSession(t *testing.T) {
	s := newSession(MintSessionID(), 64)
	s.markLive()

	big := bytes.Repeat([]byte("x"), 60)
	if err := s.Send(context.Background(), "result", big); err != nil {
		t.Fatalf("first send: %v", err)
	}

	// No writer drains; the second oversized send must hit its deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Send(ctx, "result", big)
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("want ErrBackpressure, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("send blocked far past its deadline")
	}
	if s.State() != StateClosing {
		t.Errorf("state = %s, want closing after backpressure", s.State())
	}
}

func TestSendUnblocksWhenWriterDrains(t *testing.T) {
	s := newSession(MintSessionID(), 64)
	s.markLive()

	big := bytes.Repeat([]byte("x"), 60)
	if err := s.Send(context.Background(), "result", big); err != nil {
		t.Fatalf("first send: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.drain()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Send(ctx, "result", big); err != nil {
		t.Errorf("send after drain: %v", err)
	}
}

func TestSendBroadcastGatesOnMark(t *testing.T) {
	s := newSession(MintSessionID(), 1024)
	s.markLive()
	ctx := context.Background()
	data := []byte(`{"broadcast_id":5}`)

	if err := s.SendBroadcast(ctx, 5, data); err != nil {
		t.Fatalf("first send: %v", err)
	}
	// Re-delivery of the same id and anything older are skipped silently.
	if err := s.SendBroadcast(ctx, 5, data); err != nil {
		t.Fatalf("duplicate send: %v", err)
	}
	if err := s.SendBroadcast(ctx, 4, data); err != nil {
		t.Fatalf("stale send: %v", err)
	}

	if got := len(s.drain()); got != 1 {
		t.Errorf("queued %d frames, want 1", got)
	}
	if got := s.BroadcastMark(); got != 5 {
		t.Errorf("mark = %d, want 5", got)
	}
}

func TestArenaCapExhaustion(t *testing.T) {
	a := NewArena(2, time.Minute, time.Minute, 1024)
	if _, err := a.Mint(); err != nil {
		t.Fatalf("mint 1: %v", err)
	}
	if _, err := a.Mint(); err != nil {
		t.Fatalf("mint 2: %v", err)
	}
	if _, err := a.Mint(); err == nil {
		t.Fatal("expected cap error on third mint")
	}
}

func TestArenaSweepExpiresAndRemoves(t *testing.T) {
	a := NewArena(10, 10*time.Millisecond, 10*time.Millisecond, 1024)
	s, err := a.Mint()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	s.markLive()

	time.Sleep(20 * time.Millisecond)
	a.Sweep() // idle past TTL: live -> closing
	a.Sweep() // no writer attached: closing -> terminated
	if state := s.State(); state != StateTerminated {
		t.Fatalf("state after sweep = %s", state)
	}

	time.Sleep(20 * time.Millisecond)
	a.Sweep() // grace passed: removed from the table
	if a.Get(s.ID) != nil {
		t.Error("terminated session not removed after grace")
	}
}
