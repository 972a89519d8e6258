package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestReconnector_ReattachBeforeExpiry(t *testing.T) {
	var expired atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		GraceWindow: 50 * time.Millisecond,
		OnExpire:    func() { expired.Store(true) },
	})

	r.Detach(context.Background(), "tok-1")

	if !r.Reattach("tok-1") {
		t.Fatal("expected reattach with correct token to succeed")
	}

	time.Sleep(100 * time.Millisecond)
	if expired.Load() {
		t.Error("expected OnExpire not to fire after successful reattach")
	}
	if r.Expired() {
		t.Error("expected Expired() to be false after reattach")
	}
}

func TestReconnector_WrongTokenRejected(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{GraceWindow: 50 * time.Millisecond})
	r.Detach(context.Background(), "tok-1")

	if r.Reattach("wrong") {
		t.Fatal("expected reattach with wrong token to fail")
	}
	// Correct token still works after a failed attempt.
	if !r.Reattach("tok-1") {
		t.Fatal("expected reattach with correct token to still succeed")
	}
}

func TestReconnector_ExpiresAfterGraceWindow(t *testing.T) {
	var expired atomic.Bool
	done := make(chan struct{})
	r := NewReconnector(ReconnectorConfig{
		GraceWindow: 10 * time.Millisecond,
		OnExpire: func() {
			expired.Store(true)
			close(done)
		},
	})

	r.Detach(context.Background(), "tok-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnExpire")
	}

	if !expired.Load() {
		t.Error("expected OnExpire to fire after grace window elapses")
	}
	if !r.Expired() {
		t.Error("expected Expired() to report true")
	}
	if r.Reattach("tok-1") {
		t.Error("expected reattach to fail once the grace window has expired")
	}
}

func TestReconnector_CancelPreventsExpiry(t *testing.T) {
	var expired atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		GraceWindow: 10 * time.Millisecond,
		OnExpire:    func() { expired.Store(true) },
	})

	r.Detach(context.Background(), "tok-1")
	r.Cancel()

	time.Sleep(50 * time.Millisecond)
	if expired.Load() {
		t.Error("expected Cancel to suppress OnExpire")
	}
}

func TestReconnector_DetachReplacesPriorWindow(t *testing.T) {
	var expireCount atomic.Int32
	r := NewReconnector(ReconnectorConfig{
		GraceWindow: 10 * time.Millisecond,
		OnExpire:    func() { expireCount.Add(1) },
	})

	r.Detach(context.Background(), "tok-1")
	r.Detach(context.Background(), "tok-2")

	if r.Reattach("tok-1") {
		t.Error("stale token from a superseded Detach should not be accepted")
	}
	if !r.Reattach("tok-2") {
		t.Fatal("expected reattach with the current token to succeed")
	}

	time.Sleep(50 * time.Millisecond)
	if expireCount.Load() != 0 {
		t.Error("expected no expiry after reattaching to the replacement window")
	}
}

func TestReconnector_DefaultGraceWindow(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{})
	if r.graceWindow != defaultGraceWindow {
		t.Errorf("expected default grace window %v, got %v", defaultGraceWindow, r.graceWindow)
	}
}

func TestNewReconnectToken(t *testing.T) {
	a, err := NewReconnectToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := NewReconnectToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == "" || b == "" {
		t.Fatal("expected non-empty tokens")
	}
	if a == b {
		t.Error("expected distinct tokens across calls")
	}
}
