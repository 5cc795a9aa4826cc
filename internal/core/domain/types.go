// Package domain holds the value types shared across the relay:
// request snapshots, resolved model results, and classification verdicts.
package domain

import (
	"encoding/json"
	"time"
)

// Message represents a single turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RequestSnapshot is an immutable copy of everything needed to replay one
// model call. It is deep-copied at capture time so later caller-side mutation
// of the original structures cannot leak into an in-flight retry sequence.
type RequestSnapshot struct {
	ID               string
	Prompt           string
	History          []Message
	Attachments      []string
	SystemPrompt     string
	ToolSpecs        json.RawMessage
	GenerationParams map[string]any
	CreatedAt        time.Time
}

// Clone returns a deep copy of the snapshot.
func (s *RequestSnapshot) Clone() *RequestSnapshot {
	if s == nil {
		return nil
	}
	out := &RequestSnapshot{
		ID:           s.ID,
		Prompt:       s.Prompt,
		SystemPrompt: s.SystemPrompt,
		CreatedAt:    s.CreatedAt,
	}
	if s.History != nil {
		out.History = make([]Message, len(s.History))
		copy(out.History, s.History)
	}
	if s.Attachments != nil {
		out.Attachments = make([]string, len(s.Attachments))
		copy(out.Attachments, s.Attachments)
	}
	if s.ToolSpecs != nil {
		out.ToolSpecs = make(json.RawMessage, len(s.ToolSpecs))
		copy(out.ToolSpecs, s.ToolSpecs)
	}
	if s.GenerationParams != nil {
		out.GenerationParams = make(map[string]any, len(s.GenerationParams))
		for k, v := range s.GenerationParams {
			out.GenerationParams[k] = v
		}
	}
	return out
}

// ResultKind discriminates the model-service result union.
type ResultKind string

const (
	// ResultFinalText is a completed text response.
	ResultFinalText ResultKind = "final_text"
	// ResultToolCall is an intermediate tool/function invocation.
	ResultToolCall ResultKind = "tool_call"
	// ResultError is a failed call resolved at the adapter boundary.
	ResultError ResultKind = "error"
)

// Well-known finish reasons reported by the model service.
const (
	FinishReasonStop   = "stop"
	FinishReasonLength = "length"
	FinishReasonTool   = "tool_calls"
)

// ModelResult is the tagged union produced by the model-service adapter.
// The classifier operates on this closed shape; nothing downstream probes
// raw provider payloads.
type ModelResult struct {
	Kind ResultKind

	// Text is the visible completion text (FinalText) or the error text
	// surfaced by the backend (Error).
	Text string

	// Attachments holds non-text payload URIs returned by the model.
	Attachments []string

	// FinishReason is the backend's reported stop reason, when present.
	FinishReason string

	// StatusCode is the HTTP status of the upstream call, when known.
	StatusCode int
}

// HasContent reports whether the result carries any visible payload.
func (r *ModelResult) HasContent() bool {
	if r == nil {
		return false
	}
	return len(r.Attachments) > 0 || len(trimSpace(r.Text)) > 0
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// RetryOutcome is the scheduler's terminal report for one request.
type RetryOutcome struct {
	// Text is the accepted response text, empty unless Accepted.
	Text string
	// AttemptsUsed counts model calls issued by the scheduler.
	AttemptsUsed int
	// Exhausted is true when the attempt budget was spent without an accept.
	Exhausted bool
	// Stopped is true when a non-retryable signal terminated the run early.
	Stopped bool
}

// Accepted reports whether the run produced a usable response.
func (o *RetryOutcome) Accepted() bool {
	return o != nil && !o.Exhausted && !o.Stopped
}

// AttemptRecord is one journal row describing a single model call and its
// classification.
type AttemptRecord struct {
	ID        string
	RequestID string
	Attempt   int
	Mode      string
	Decision  string
	Reason    string
	Status    string
	Duration  time.Duration
	CreatedAt time.Time
}
