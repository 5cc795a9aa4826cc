// Package guardian orchestrates one submission end to end: freeze the
// request, call the model, classify, replay from the frozen snapshot until
// resolution, and deliver exactly one terminal outcome to the sink.
package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/relayguard/relayguard/internal/core/domain"
	"github.com/relayguard/relayguard/internal/core/ports"
	"github.com/relayguard/relayguard/internal/scheduler"
	"github.com/relayguard/relayguard/internal/snapshot"
)

// ErrSnapshotMissing reports that the frozen replay parameters for a request
// were evicted before its retry sequence resolved. The run fails closed:
// parameters are never reconstructed from live caller state.
var ErrSnapshotMissing = errors.New("request snapshot missing")

// Submission is one caller request as it enters the relay.
type Submission struct {
	Sender   string
	Session  string
	Sequence uint64

	Prompt      string
	Attachments []string
	PersonaID   string

	ToolSpecs        json.RawMessage
	GenerationParams map[string]any
}

// Outcome reports how a submission resolved.
type Outcome struct {
	// RequestID is the derived snapshot identity.
	RequestID string
	// Text is what was delivered via SetResult, empty when output was
	// suppressed.
	Text string
	// Delivered is true when SetResult was invoked.
	Delivered bool
	// FromFallback is true when Text is the configured fallback message.
	FromFallback bool
	// ToolCall is true when the backend answered with an in-progress tool
	// invocation, which is passed through unvalidated.
	ToolCall bool
	// AttemptsUsed counts model calls, including the initial one.
	AttemptsUsed int
}

// FallbackResponder resolves an unrecoverable run into the terminal sink
// calls. Implemented by the fallback package.
type FallbackResponder interface {
	Respond(sink ports.ResultSink) string
}

// Option configures a Guardian.
type Option func(*Guardian)

// WithConversationStore enables history fetch at capture time.
func WithConversationStore(store ports.ConversationStore) Option {
	return func(g *Guardian) { g.conversations = store }
}

// WithPersonaSource enables persona lookup; static is used when the lookup
// misses or fails.
func WithPersonaSource(source ports.PersonaSource, static string) Option {
	return func(g *Guardian) {
		g.personas = source
		g.staticPersona = static
	}
}

// WithStaticPersona sets the persona text used when no source is configured.
func WithStaticPersona(static string) Option {
	return func(g *Guardian) { g.staticPersona = static }
}

// WithJournal records the initial attempt alongside the scheduler's rows.
func WithJournal(journal ports.AttemptJournal) Option {
	return func(g *Guardian) { g.journal = journal }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guardian) { g.logger = logger }
}

// Guardian drives submissions. It is stateless across requests; all
// per-request state lives in the snapshot store.
type Guardian struct {
	caller     ports.ModelCaller
	classifier ports.Classifier
	scheduler  *scheduler.Scheduler
	snapshots  ports.SnapshotStore
	fallback   FallbackResponder

	conversations ports.ConversationStore
	personas      ports.PersonaSource
	staticPersona string
	journal       ports.AttemptJournal
	logger        *slog.Logger
}

// New creates a guardian from its required collaborators.
func New(caller ports.ModelCaller, classifier ports.Classifier, sched *scheduler.Scheduler, snapshots ports.SnapshotStore, fb FallbackResponder, opts ...Option) *Guardian {
	g := &Guardian{
		caller:     caller,
		classifier: classifier,
		scheduler:  sched,
		snapshots:  snapshots,
		fallback:   fb,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle resolves one submission. Exactly one terminal signal reaches the
// sink: the accepted text, the fallback text, or clear+stop. The returned
// error is non-nil only for context cancellation or a missing snapshot.
func (g *Guardian) Handle(ctx context.Context, sub *Submission, sink ports.ResultSink) (*Outcome, error) {
	snap := g.freeze(ctx, sub)
	id := g.snapshots.Capture(snap)
	defer g.snapshots.Release(id)

	outcome := &Outcome{RequestID: id}

	start := time.Now()
	res, err := g.initialAttempt(ctx, id, snap)
	outcome.AttemptsUsed = 1
	if err != nil {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		res = &domain.ModelResult{Kind: domain.ResultError, Text: err.Error()}
	}

	verdict := g.classifier.Evaluate(res)
	g.record(ctx, id, 0, "initial", res, verdict, time.Since(start))

	switch {
	case verdict.Accepted():
		outcome.ToolCall = res.Kind == domain.ResultToolCall
		if outcome.ToolCall && res.Text == "" {
			// An in-progress tool invocation with no visible text passes
			// through untouched; a blank result is never emitted for it.
			return outcome, nil
		}
		outcome.Text = res.Text
		outcome.Delivered = true
		sink.SetResult(res.Text)
		return outcome, nil
	case verdict.ShouldRetry():
		return g.replay(ctx, id, sink, outcome)
	default:
		// Terminal on the first response: no retry sequence is started.
		g.logger.Warn("initial response not recoverable",
			slog.String("request_id", id),
			slog.String("reason", string(verdict.Reason)))
		g.resolveFallback(sink, outcome)
		return outcome, nil
	}
}

// freeze builds the snapshot from the submission plus fetched history and
// resolved persona. Auxiliary fetch failures degrade to empty values; they
// never block the submission.
func (g *Guardian) freeze(ctx context.Context, sub *Submission) *domain.RequestSnapshot {
	snap := &domain.RequestSnapshot{
		ID:               snapshot.Identity(sub.Sender, sub.Session, sub.Prompt, sub.Sequence),
		Prompt:           sub.Prompt,
		Attachments:      sub.Attachments,
		SystemPrompt:     g.resolvePersona(ctx, sub.PersonaID),
		ToolSpecs:        sub.ToolSpecs,
		GenerationParams: sub.GenerationParams,
		CreatedAt:        time.Now(),
	}

	if g.conversations != nil {
		history, err := g.fetchHistory(ctx, sub.Session)
		if err != nil {
			g.logger.Warn("history fetch failed, continuing without history",
				slog.String("session", sub.Session),
				slog.String("error", err.Error()))
		} else {
			snap.History = history
		}
	}
	return snap
}

func (g *Guardian) fetchHistory(ctx context.Context, session string) ([]domain.Message, error) {
	conversationID, err := g.conversations.CurrentConversationID(ctx, session)
	if err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, nil
	}
	return g.conversations.History(ctx, session, conversationID)
}

func (g *Guardian) resolvePersona(ctx context.Context, personaID string) string {
	if g.personas == nil || personaID == "" {
		return g.staticPersona
	}
	text, err := g.personas.Lookup(ctx, personaID)
	if err != nil || text == "" {
		if err != nil {
			g.logger.Warn("persona lookup failed, using static persona",
				slog.String("persona_id", personaID),
				slog.String("error", err.Error()))
		}
		return g.staticPersona
	}
	return text
}

func (g *Guardian) initialAttempt(ctx context.Context, id string, snap *domain.RequestSnapshot) (*domain.ModelResult, error) {
	frozen, ok := g.snapshots.Retrieve(id)
	if !ok {
		// Capture just succeeded; a miss here means an external evictor.
		frozen = snap
	}
	return g.caller.Complete(ctx, frozen)
}

// replay runs the retry sequence against the frozen snapshot and resolves
// the terminal outcome.
func (g *Guardian) replay(ctx context.Context, id string, sink ports.ResultSink, outcome *Outcome) (*Outcome, error) {
	frozen, ok := g.snapshots.Retrieve(id)
	if !ok {
		g.logger.Error("snapshot evicted before replay", slog.String("request_id", id))
		g.resolveFallback(sink, outcome)
		return outcome, ErrSnapshotMissing
	}

	run, err := g.scheduler.Run(ctx, id, func(ctx context.Context) (*domain.ModelResult, error) {
		return g.caller.Complete(ctx, frozen)
	})
	outcome.AttemptsUsed += run.AttemptsUsed
	if err != nil {
		return outcome, err
	}

	if run.Accepted() {
		outcome.Text = run.Text
		outcome.Delivered = true
		sink.SetResult(run.Text)
		return outcome, nil
	}

	g.logger.Warn("retry sequence unresolved",
		slog.String("request_id", id),
		slog.Int("attempts", outcome.AttemptsUsed),
		slog.Bool("stopped", run.Stopped))
	g.resolveFallback(sink, outcome)
	return outcome, nil
}

func (g *Guardian) resolveFallback(sink ports.ResultSink, outcome *Outcome) {
	text := g.fallback.Respond(sink)
	if text != "" {
		outcome.Text = text
		outcome.Delivered = true
		outcome.FromFallback = true
	}
}

func (g *Guardian) record(ctx context.Context, requestID string, attempt int, mode string, res *domain.ModelResult, verdict domain.Verdict, dur time.Duration) {
	if g.journal == nil {
		return
	}
	rec := &domain.AttemptRecord{
		RequestID: requestID,
		Attempt:   attempt,
		Mode:      mode,
		Decision:  string(verdict.Decision),
		Reason:    string(verdict.Reason),
		Duration:  dur,
		CreatedAt: time.Now(),
	}
	if res != nil && res.StatusCode != 0 {
		rec.Status = strconv.Itoa(res.StatusCode)
	}
	if err := g.journal.RecordAttempt(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.Warn("journal write failed", slog.String("error", err.Error()))
	}
}
