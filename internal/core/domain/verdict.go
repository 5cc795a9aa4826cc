package domain

// Decision is the classifier's disposition for a response.
type Decision string

const (
	// DecisionAccept keeps the response as the visible result.
	DecisionAccept Decision = "accept"
	// DecisionRetry discards the response and replays the request.
	DecisionRetry Decision = "retry"
	// DecisionStop terminates retrying entirely; the fallback path fires
	// but no further model calls are made.
	DecisionStop Decision = "stop"
)

// Reason explains a non-accept verdict.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonEmpty              Reason = "empty"
	ReasonNonRetryableStatus Reason = "non_retryable_status"
	ReasonRetryableStatus    Reason = "retryable_status"
	ReasonErrorKeyword       Reason = "error_keyword"
	ReasonTruncated          Reason = "truncated"
	ReasonToolCallInProgress Reason = "tool_call_in_progress"
)

// Verdict is the classifier's typed decision. Precedence among retry
// reasons is total and enforced by rule ordering in the classifier:
// Empty > NonRetryableStatus > RetryableStatus > ErrorKeyword > Truncated.
type Verdict struct {
	Decision Decision
	Reason   Reason
}

// Accept is the verdict for a usable response.
func Accept() Verdict {
	return Verdict{Decision: DecisionAccept}
}

// AcceptToolCall marks an intermediate tool invocation, which is never
// retried regardless of any other signal.
func AcceptToolCall() Verdict {
	return Verdict{Decision: DecisionAccept, Reason: ReasonToolCallInProgress}
}

// Retry is the verdict for a response that must be replayed.
func Retry(reason Reason) Verdict {
	return Verdict{Decision: DecisionRetry, Reason: reason}
}

// Stop is the verdict for a terminal backend error: retries are suppressed
// and the fallback path fires.
func Stop(reason Reason) Verdict {
	return Verdict{Decision: DecisionStop, Reason: reason}
}

// Accepted reports whether the response should be kept.
func (v Verdict) Accepted() bool { return v.Decision == DecisionAccept }

// ShouldRetry reports whether the response should be replayed.
func (v Verdict) ShouldRetry() bool { return v.Decision == DecisionRetry }

// Terminal reports whether the run must end without further attempts.
func (v Verdict) Terminal() bool { return v.Decision == DecisionStop }
