package snapshot

import (
	"sync"
	"testing"
	"time"

	"github.com/relayguard/relayguard/internal/core/domain"
)

func TestCaptureDeepCopiesHistory(t *testing.T) {
	s := NewStore(0, nil)

	history := []domain.Message{
		{Role: "user", Content: "A"},
		{Role: "assistant", Content: "B"},
	}
	params := map[string]any{"temperature": 0.7}
	snap := &domain.RequestSnapshot{
		ID:               "req-1",
		Prompt:           "hello",
		History:          history,
		GenerationParams: params,
	}
	s.Capture(snap)

	// Caller keeps mutating its own structures after capture.
	history[0].Content = "mutated"
	_ = append(history, domain.Message{Role: "user", Content: "C"})
	params["temperature"] = 1.9

	got, ok := s.Retrieve("req-1")
	if !ok {
		t.Fatal("snapshot not found")
	}
	if len(got.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(got.History))
	}
	if got.History[0].Content != "A" {
		t.Errorf("history[0] = %q, want %q (caller mutation leaked)", got.History[0].Content, "A")
	}
	if got.GenerationParams["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want 0.7", got.GenerationParams["temperature"])
	}
}

func TestCaptureFirstWins(t *testing.T) {
	s := NewStore(0, nil)

	s.Capture(&domain.RequestSnapshot{ID: "req-1", Prompt: "first"})
	s.Capture(&domain.RequestSnapshot{ID: "req-1", Prompt: "duplicate"})

	got, _ := s.Retrieve("req-1")
	if got.Prompt != "first" {
		t.Errorf("prompt = %q, want the first capture to win", got.Prompt)
	}
}

func TestReleaseImmediateWithoutGrace(t *testing.T) {
	s := NewStore(0, nil)

	s.Capture(&domain.RequestSnapshot{ID: "req-1"})
	s.Release("req-1")

	if _, ok := s.Retrieve("req-1"); ok {
		t.Error("snapshot should be evicted immediately with zero grace")
	}
}

func TestReleaseGraceWindow(t *testing.T) {
	s := NewStore(20*time.Millisecond, nil)

	s.Capture(&domain.RequestSnapshot{ID: "req-1"})
	s.Release("req-1")

	// Still visible inside the grace window.
	if _, ok := s.Retrieve("req-1"); !ok {
		t.Fatal("snapshot should survive until the grace window expires")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.Retrieve("req-1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot never evicted after grace window")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReleaseUnknownIdentityIsNoop(t *testing.T) {
	s := NewStore(0, nil)
	s.Release("missing")
}

func TestConcurrentCaptureRetrieveRelease(t *testing.T) {
	s := NewStore(time.Millisecond, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := Identity("sender", "session", "prompt", uint64(n%4))
			s.Capture(&domain.RequestSnapshot{ID: id, Prompt: "p"})
			s.Retrieve(id)
			s.Release(id)
		}(i)
	}
	wg.Wait()
}

func TestIdentityStability(t *testing.T) {
	a := Identity("alice", "sess-1", "hello", 7)
	b := Identity("alice", "sess-1", "hello", 7)
	if a != b {
		t.Error("identity must be deterministic")
	}

	if a == Identity("alice", "sess-1", "hello", 8) {
		t.Error("sequence must change the identity")
	}
	if a == Identity("bob", "sess-1", "hello", 7) {
		t.Error("sender must change the identity")
	}
	if len(a) != 32 {
		t.Errorf("identity length = %d, want 32", len(a))
	}
}
