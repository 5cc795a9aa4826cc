// Package classifier decides whether a model result is usable or must be
// retried. It is a pure function over the resolved result union; rules run
// in a fixed precedence order and the first match wins.
package classifier

import (
	"log/slog"

	"github.com/relayguard/relayguard/internal/core/domain"
	"github.com/relayguard/relayguard/internal/core/ports"
	"github.com/relayguard/relayguard/internal/truncation"
)

// Options configures the rule set.
type Options struct {
	// Keywords are literal phrases matched case-insensitively.
	Keywords []string
	// Patterns are regular expressions for variant error phrasing.
	Patterns []string
	// RetryableStatuses are status codes worth replaying.
	RetryableStatuses []int
	// NonRetryableStatuses are terminal status codes; they suppress
	// retrying entirely.
	NonRetryableStatuses []int
	// Truncation enables the truncation rule. Nil disables it.
	Truncation truncation.Detector
}

// Classifier evaluates model results against the configured rules.
type Classifier struct {
	keywords     *keywordMatcher
	nonRetryable statusSet
	retryable    statusSet
	trunc        truncation.Detector
	logger       *slog.Logger
}

// New builds a classifier. Invalid regex patterns are rejected here so the
// hot path never compiles anything.
func New(opts Options, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	km, err := newKeywordMatcher(opts.Keywords, opts.Patterns)
	if err != nil {
		return nil, err
	}
	return &Classifier{
		keywords:     km,
		nonRetryable: newStatusSet(opts.NonRetryableStatuses),
		retryable:    newStatusSet(opts.RetryableStatuses),
		trunc:        opts.Truncation,
		logger:       logger,
	}, nil
}

// Evaluate classifies one model result. It is pure and idempotent: the same
// result always yields the same verdict.
func (c *Classifier) Evaluate(res *domain.ModelResult) domain.Verdict {
	// An intermediate tool invocation is never retried, whatever else the
	// payload looks like; retrying mid-tool-chain would corrupt the chain.
	if res != nil && res.Kind == domain.ResultToolCall {
		return domain.AcceptToolCall()
	}

	if res == nil || !res.HasContent() {
		c.logger.Debug("classifier: empty response")
		return domain.Retry(domain.ReasonEmpty)
	}

	// Status signals come from the transport when known, plus any 3-digit
	// codes embedded in the visible text. Non-retryable codes are checked
	// across all of them first: they win over every retry signal, wherever
	// they appear.
	if codes := extractStatuses(res); len(codes) > 0 {
		for _, code := range codes {
			if c.nonRetryable.contains(code) {
				c.logger.Debug("classifier: terminal status", slog.Int("code", code))
				return domain.Stop(domain.ReasonNonRetryableStatus)
			}
		}
		for _, code := range codes {
			if c.retryable.contains(code) {
				c.logger.Debug("classifier: retryable status", slog.Int("code", code))
				return domain.Retry(domain.ReasonRetryableStatus)
			}
		}
	}

	if res.Kind == domain.ResultError {
		c.logger.Debug("classifier: backend error", slog.String("text", res.Text))
		return domain.Retry(domain.ReasonErrorKeyword)
	}

	if c.keywords.matches(res.Text) {
		c.logger.Debug("classifier: error keyword hit")
		return domain.Retry(domain.ReasonErrorKeyword)
	}

	if c.trunc != nil && c.trunc.LooksTruncated(res.Text, res.FinishReason) {
		c.logger.Debug("classifier: suspected truncation")
		return domain.Retry(domain.ReasonTruncated)
	}

	return domain.Accept()
}

var _ ports.Classifier = (*Classifier)(nil)
