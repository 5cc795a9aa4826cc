package guardian

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relayguard/relayguard/internal/core/domain"
	"github.com/relayguard/relayguard/internal/core/ports"
	"github.com/relayguard/relayguard/internal/fallback"
	"github.com/relayguard/relayguard/internal/scheduler"
	"github.com/relayguard/relayguard/internal/snapshot"
)

// emptinessClassifier retries whitespace-only results and accepts the rest,
// passing tool calls through.
type emptinessClassifier struct{}

func (emptinessClassifier) Evaluate(res *domain.ModelResult) domain.Verdict {
	if res.Kind == domain.ResultToolCall {
		return domain.AcceptToolCall()
	}
	if res.Kind == domain.ResultError {
		return domain.Retry(domain.ReasonErrorKeyword)
	}
	if !res.HasContent() {
		return domain.Retry(domain.ReasonEmpty)
	}
	return domain.Accept()
}

// stopClassifier terminates on everything.
type stopClassifier struct{}

func (stopClassifier) Evaluate(*domain.ModelResult) domain.Verdict {
	return domain.Stop(domain.ReasonNonRetryableStatus)
}

// scriptedCaller replays canned results in order and records the snapshots
// it was handed.
type scriptedCaller struct {
	mu      sync.Mutex
	results []*domain.ModelResult
	calls   int
	seen    []*domain.RequestSnapshot
}

func (c *scriptedCaller) Complete(_ context.Context, snap *domain.RequestSnapshot) (*domain.ModelResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, snap)
	if c.calls >= len(c.results) {
		return nil, errors.New("script exhausted")
	}
	res := c.results[c.calls]
	c.calls++
	return res, nil
}

type recordingSink struct {
	results []string
	cleared bool
	stopped bool
}

func (s *recordingSink) SetResult(text string) { s.results = append(s.results, text) }
func (s *recordingSink) ClearResult()          { s.cleared = true }
func (s *recordingSink) StopProcessing()       { s.stopped = true }

func text(s string) *domain.ModelResult {
	return &domain.ModelResult{Kind: domain.ResultFinalText, Text: s, FinishReason: domain.FinishReasonStop}
}

func empty() *domain.ModelResult {
	return &domain.ModelResult{Kind: domain.ResultFinalText, Text: "  "}
}

func newGuardian(caller ports.ModelCaller, cls ports.Classifier, retries int, fbMessage string, opts ...Option) *Guardian {
	sched := scheduler.New(cls, scheduler.Policy{MaxAttempts: retries, BaseDelay: time.Millisecond, DelayMode: scheduler.DelayFixed}, nil, nil)
	store := snapshot.NewStore(0, nil)
	return New(caller, cls, sched, store, fallback.New(fbMessage, nil), opts...)
}

func TestHandleAcceptsFirstResponse(t *testing.T) {
	caller := &scriptedCaller{results: []*domain.ModelResult{text("all good")}}
	g := newGuardian(caller, emptinessClassifier{}, 3, "fallback")
	sink := &recordingSink{}

	out, err := g.Handle(context.Background(), &Submission{Sender: "u1", Session: "s1", Prompt: "hi"}, sink)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !out.Delivered || out.Text != "all good" || out.FromFallback {
		t.Errorf("outcome = %+v, want direct delivery", out)
	}
	if out.AttemptsUsed != 1 {
		t.Errorf("attempts = %d, want 1", out.AttemptsUsed)
	}
	if len(sink.results) != 1 || sink.results[0] != "all good" {
		t.Errorf("sink results = %v", sink.results)
	}
}

func TestHandleRetriesThenAccepts(t *testing.T) {
	caller := &scriptedCaller{results: []*domain.ModelResult{empty(), empty(), text("recovered")}}
	g := newGuardian(caller, emptinessClassifier{}, 3, "fallback")
	sink := &recordingSink{}

	out, err := g.Handle(context.Background(), &Submission{Sender: "u1", Session: "s1", Prompt: "hi"}, sink)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if out.Text != "recovered" || !out.Delivered {
		t.Errorf("outcome = %+v, want recovered text", out)
	}
	if out.AttemptsUsed != 3 {
		t.Errorf("attempts = %d, want initial + 2 retries", out.AttemptsUsed)
	}
}

func TestHandleExhaustionEmitsFallbackVerbatim(t *testing.T) {
	caller := &scriptedCaller{results: []*domain.ModelResult{empty(), empty(), empty(), empty()}}
	g := newGuardian(caller, emptinessClassifier{}, 3, "sorry, please try again")
	sink := &recordingSink{}

	out, err := g.Handle(context.Background(), &Submission{Sender: "u1", Session: "s1", Prompt: "hi"}, sink)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !out.FromFallback || out.Text != "sorry, please try again" {
		t.Errorf("outcome = %+v, want verbatim fallback", out)
	}
	if out.AttemptsUsed != 4 {
		t.Errorf("attempts = %d, want initial + full retry budget", out.AttemptsUsed)
	}
	if len(sink.results) != 1 || sink.results[0] != "sorry, please try again" {
		t.Errorf("sink results = %v", sink.results)
	}
	if sink.cleared || sink.stopped {
		t.Error("a configured fallback must not clear or stop")
	}
}

func TestHandleExhaustionWithoutFallbackSuppressesOutput(t *testing.T) {
	caller := &scriptedCaller{results: []*domain.ModelResult{empty(), empty(), empty(), empty()}}
	g := newGuardian(caller, emptinessClassifier{}, 3, "")
	sink := &recordingSink{}

	out, err := g.Handle(context.Background(), &Submission{Sender: "u1", Session: "s1", Prompt: "hi"}, sink)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if out.Delivered || out.Text != "" {
		t.Errorf("outcome = %+v, want suppressed output", out)
	}
	if len(sink.results) != 0 {
		t.Errorf("sink results = %v; nothing may be emitted", sink.results)
	}
	if !sink.cleared || !sink.stopped {
		t.Errorf("cleared=%v stopped=%v, want both", sink.cleared, sink.stopped)
	}
}

func TestHandleTerminalInitialResponseSkipsRetries(t *testing.T) {
	caller := &scriptedCaller{results: []*domain.ModelResult{text("forbidden")}}
	g := newGuardian(caller, stopClassifier{}, 3, "cannot help with that")
	sink := &recordingSink{}

	out, err := g.Handle(context.Background(), &Submission{Sender: "u1", Session: "s1", Prompt: "hi"}, sink)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if caller.calls != 1 {
		t.Errorf("calls = %d, want no retries after a terminal verdict", caller.calls)
	}
	if !out.FromFallback || out.Text != "cannot help with that" {
		t.Errorf("outcome = %+v, want fallback", out)
	}
}

func TestHandleToolCallPassesThrough(t *testing.T) {
	caller := &scriptedCaller{results: []*domain.ModelResult{
		{Kind: domain.ResultToolCall, FinishReason: domain.FinishReasonTool},
	}}
	g := newGuardian(caller, emptinessClassifier{}, 3, "fallback")
	sink := &recordingSink{}

	out, err := g.Handle(context.Background(), &Submission{Sender: "u1", Session: "s1", Prompt: "weather?"}, sink)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !out.ToolCall {
		t.Error("outcome should flag the tool call")
	}
	if caller.calls != 1 {
		t.Errorf("calls = %d, tool calls must never trigger retries", caller.calls)
	}
	if len(sink.results) != 0 {
		t.Errorf("sink results = %v; a bodiless tool call must not emit a blank result", sink.results)
	}
	if sink.cleared || sink.stopped {
		t.Error("a tool call must pass through without clearing or stopping")
	}
	if out.Delivered {
		t.Error("outcome must not report delivery when nothing was emitted")
	}
}

func TestHandleToolCallWithTextDeliversIt(t *testing.T) {
	caller := &scriptedCaller{results: []*domain.ModelResult{
		{Kind: domain.ResultToolCall, Text: "checking the weather", FinishReason: domain.FinishReasonTool},
	}}
	g := newGuardian(caller, emptinessClassifier{}, 3, "fallback")
	sink := &recordingSink{}

	out, err := g.Handle(context.Background(), &Submission{Sender: "u1", Session: "s1", Prompt: "weather?"}, sink)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !out.ToolCall || !out.Delivered || out.Text != "checking the weather" {
		t.Errorf("outcome = %+v, want the tool call's text delivered", out)
	}
	if len(sink.results) != 1 || sink.results[0] != "checking the weather" {
		t.Errorf("sink results = %v", sink.results)
	}
}

func TestHandleRepliesFromFrozenSnapshot(t *testing.T) {
	caller := &scriptedCaller{results: []*domain.ModelResult{empty(), text("ok")}}
	g := newGuardian(caller, emptinessClassifier{}, 3, "")

	history := []domain.Message{{Role: "user", Content: "earlier"}}
	g.conversations = &staticConversations{history: history}

	sub := &Submission{Sender: "u1", Session: "s1", Prompt: "hi"}
	if _, err := g.Handle(context.Background(), sub, &recordingSink{}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	// Mutating the source history after submission must not reach replays.
	history[0].Content = "tampered"

	if len(caller.seen) != 2 {
		t.Fatalf("calls = %d, want 2", len(caller.seen))
	}
	for i, snap := range caller.seen {
		if len(snap.History) != 1 || snap.History[0].Content != "earlier" {
			t.Errorf("call %d saw history %v, want the frozen copy", i, snap.History)
		}
	}
}

func TestHandleUsesStaticPersonaOnLookupFailure(t *testing.T) {
	caller := &scriptedCaller{results: []*domain.ModelResult{text("ok")}}
	g := newGuardian(caller, emptinessClassifier{}, 3, "",
		WithPersonaSource(failingPersonas{}, "you are a helpful assistant"))

	sub := &Submission{Sender: "u1", Session: "s1", Prompt: "hi", PersonaID: "missing"}
	if _, err := g.Handle(context.Background(), sub, &recordingSink{}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got := caller.seen[0].SystemPrompt; got != "you are a helpful assistant" {
		t.Errorf("system prompt = %q, want the static persona", got)
	}
}

func TestHandleBackendErrorsAreContained(t *testing.T) {
	// Script has a single entry; every further call errors.
	caller := &scriptedCaller{results: []*domain.ModelResult{}}
	g := newGuardian(caller, emptinessClassifier{}, 2, "fallback")
	sink := &recordingSink{}

	out, err := g.Handle(context.Background(), &Submission{Sender: "u1", Session: "s1", Prompt: "hi"}, sink)
	if err != nil {
		t.Fatalf("backend failures must not propagate, got %v", err)
	}
	if !out.FromFallback {
		t.Errorf("outcome = %+v, want fallback after contained failures", out)
	}
}

type staticConversations struct {
	history []domain.Message
}

func (s *staticConversations) CurrentConversationID(context.Context, string) (string, error) {
	return "conv-1", nil
}

func (s *staticConversations) History(context.Context, string, string) ([]domain.Message, error) {
	return s.history, nil
}

type failingPersonas struct{}

func (failingPersonas) Lookup(context.Context, string) (string, error) {
	return "", errors.New("persona service unavailable")
}
