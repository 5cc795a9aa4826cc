// Package ports declares the narrow interfaces through which the relay
// consumes external collaborators and produces results.
package ports

import (
	"context"

	"github.com/relayguard/relayguard/internal/core/domain"
)

// ModelCaller invokes the model service with a frozen snapshot's parameters.
// Implementations must be safe to call repeatedly with identical arguments.
type ModelCaller interface {
	Complete(ctx context.Context, snap *domain.RequestSnapshot) (*domain.ModelResult, error)
}

// Classifier decides whether a model result is acceptable.
type Classifier interface {
	Evaluate(res *domain.ModelResult) domain.Verdict
}

// ConversationStore provides read-only access to conversation history.
// The relay never writes history.
type ConversationStore interface {
	CurrentConversationID(ctx context.Context, session string) (string, error)
	History(ctx context.Context, session, conversationID string) ([]domain.Message, error)
}

// PersonaSource resolves persona/system-prompt text by identifier.
type PersonaSource interface {
	Lookup(ctx context.Context, personaID string) (string, error)
}

// ResultSink receives the single terminal outcome of a request. Exactly one
// of SetResult (accepted or fallback text) or ClearResult+StopProcessing is
// invoked per request.
type ResultSink interface {
	SetResult(text string)
	ClearResult()
	StopProcessing()
}

// SnapshotStore captures and serves frozen replay parameters.
type SnapshotStore interface {
	Capture(snap *domain.RequestSnapshot) string
	Retrieve(id string) (*domain.RequestSnapshot, bool)
	Release(id string)
}

// AttemptJournal records per-attempt outcomes for observability.
type AttemptJournal interface {
	RecordAttempt(ctx context.Context, rec *domain.AttemptRecord) error
	Close() error
}
