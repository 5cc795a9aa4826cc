// Package fallback produces the terminal user-visible outcome when the
// retry budget is exhausted without an acceptable response.
package fallback

import (
	"log/slog"

	"github.com/relayguard/relayguard/internal/core/ports"
)

// Responder resolves exhaustion into exactly one sink call: a configured
// apology message, or clear+stop when no message is configured. A blank
// message is never emitted.
type Responder struct {
	message string
	logger  *slog.Logger
}

// New creates a responder. An empty message means "suppress output".
func New(message string, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{message: message, logger: logger}
}

// Respond delivers the terminal outcome to the sink. It returns the text
// that was emitted, or empty when output was suppressed.
func (r *Responder) Respond(sink ports.ResultSink) string {
	if r.message != "" {
		r.logger.Info("emitting fallback message")
		sink.SetResult(r.message)
		return r.message
	}
	r.logger.Info("no fallback configured, suppressing output")
	sink.ClearResult()
	sink.StopProcessing()
	return ""
}
