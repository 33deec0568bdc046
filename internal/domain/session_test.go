package domain

import (
	"testing"
	"time"
)

func TestSession_ConnectivityTransitions(t *testing.T) {
	s := NewSession("S1", "10.0.0.1", "15551234567", "/tmp/S1")
	if s.State() != StatePairing {
		t.Fatalf("expected pairing, got %s", s.State())
	}

	wait := s.WaitConnected()
	if !s.MarkConnected() {
		t.Fatal("expected connect transition")
	}
	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("expected waiters to be released on connect")
	}

	s.MarkDisconnected()
	if s.Connected() {
		t.Fatal("expected disconnected")
	}
	select {
	case <-s.WaitConnected():
		t.Fatal("expected a fresh wait channel after disconnect")
	default:
	}

	s.MarkTerminated()
	if s.MarkConnected() {
		t.Error("expected terminated to be absorbing")
	}
	s.MarkDisconnected()
	if s.State() != StateTerminated {
		t.Errorf("expected terminated, got %s", s.State())
	}
}

func TestSession_ReconnectCoalescing(t *testing.T) {
	s := NewSession("S1", "10.0.0.1", "1", "/tmp/S1")

	if !s.BeginReconnect() {
		t.Fatal("expected first demand to start a loop")
	}
	if s.BeginReconnect() {
		t.Fatal("expected second demand to join the running loop")
	}
	s.TakeReconnect()
	if !s.EndReconnect(false) {
		t.Fatal("expected loop to end with no pending demand")
	}

	s.BeginReconnect()
	s.TakeReconnect()
	s.BeginReconnect()
	if s.EndReconnect(false) {
		t.Fatal("expected loop to continue for a demand raised mid-attempt")
	}
	if !s.EndReconnect(true) || s.Reconnecting() {
		t.Fatal("expected forced end to release the loop")
	}
}

func TestSession_CloseDetachesClient(t *testing.T) {
	s := NewSession("S1", "10.0.0.1", "1", "/tmp/S1")
	called := 0
	s.SwapClient(nil, []func(){func() { called++ }})

	_, unsub := s.Close()
	if len(unsub) != 1 {
		t.Fatalf("expected one subscription returned, got %d", len(unsub))
	}
	unsub[0]()
	if called != 1 {
		t.Errorf("expected returned subscription to be callable, got %d calls", called)
	}
	if !s.Closed() {
		t.Error("expected session closed")
	}
	if c, u := s.Close(); c != nil || u != nil {
		t.Error("expected second close to return nothing")
	}
	if s.MarkConnected() {
		t.Error("expected closed session to refuse connect")
	}
	if _, _, ok := s.SwapClient(nil, nil); ok {
		t.Error("expected closed session to refuse a new client")
	}
}
