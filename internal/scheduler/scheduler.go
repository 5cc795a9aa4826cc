// Package scheduler replays model calls until an acceptable response is
// obtained or the attempt budget is exhausted.
//
// Three modes: sequential (one attempt at a time with backoff), concurrent
// (batches of parallel attempts, first accepted result wins, siblings
// cancelled), and hybrid (a sequential warm-up followed by concurrent
// escalation for the remaining budget).
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relayguard/relayguard/internal/core/domain"
	"github.com/relayguard/relayguard/internal/core/ports"
)

// AttemptFunc issues one model call from the frozen snapshot.
type AttemptFunc func(ctx context.Context) (*domain.ModelResult, error)

// Policy configures one scheduler.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// DelayMode is DelayFixed or DelayExponential.
	DelayMode  string
	Concurrent ConcurrentPolicy
}

// ConcurrentPolicy configures batch fan-out.
type ConcurrentPolicy struct {
	Enabled bool
	// SequentialThreshold attempts run in series before escalation. Zero
	// means concurrent from the first attempt.
	SequentialThreshold int
	BaseBatch           int
	GrowthFactor        int
	MaxBatch            int
	BatchTimeout        time.Duration
}

// Scheduler drives retry runs. It holds no per-request state; backoff and
// batch sizing are local to each Run call.
type Scheduler struct {
	classifier ports.Classifier
	policy     Policy
	journal    ports.AttemptJournal
	logger     *slog.Logger
}

// New creates a scheduler. journal may be nil.
func New(classifier ports.Classifier, policy Policy, journal ports.AttemptJournal, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Concurrent.BaseBatch < 1 {
		policy.Concurrent.BaseBatch = 1
	}
	if policy.Concurrent.GrowthFactor < 1 {
		policy.Concurrent.GrowthFactor = 1
	}
	return &Scheduler{
		classifier: classifier,
		policy:     policy,
		journal:    journal,
		logger:     logger,
	}
}

// Run replays the request until a verdict accepts, a terminal signal stops
// the run, or the budget is spent. The returned error is non-nil only when
// the caller's context ends the run early.
func (s *Scheduler) Run(ctx context.Context, requestID string, call AttemptFunc) (*domain.RetryOutcome, error) {
	outcome := &domain.RetryOutcome{}
	budget := s.policy.MaxAttempts
	if budget <= 0 {
		outcome.Exhausted = true
		return outcome, nil
	}

	seq := budget
	if s.policy.Concurrent.Enabled {
		seq = s.policy.Concurrent.SequentialThreshold
		if seq > budget {
			seq = budget
		}
	}

	if seq > 0 {
		done, err := s.runSequential(ctx, requestID, call, seq, outcome)
		if err != nil || done {
			return outcome, err
		}
	}

	if remaining := budget - outcome.AttemptsUsed; remaining > 0 {
		if err := s.runConcurrent(ctx, requestID, call, remaining, outcome); err != nil {
			return outcome, err
		}
		return outcome, nil
	}

	outcome.Exhausted = true
	return outcome, nil
}

// runSequential issues up to n attempts in series. It reports done=true when
// the run resolved (accepted or stopped).
func (s *Scheduler) runSequential(ctx context.Context, requestID string, call AttemptFunc, n int, outcome *domain.RetryOutcome) (bool, error) {
	bo := newBackoff(s.policy.BaseDelay, s.policy.MaxDelay, s.policy.DelayMode)

	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		res, verdict := s.attempt(ctx, requestID, call, outcome.AttemptsUsed+1, "sequential")
		outcome.AttemptsUsed++

		switch {
		case verdict.Accepted():
			outcome.Text = res.Text
			s.logger.Info("retry accepted",
				slog.String("request_id", requestID),
				slog.Int("attempt", outcome.AttemptsUsed))
			return true, nil
		case verdict.Terminal():
			outcome.Stopped = true
			s.logger.Warn("retry stopped by terminal signal",
				slog.String("request_id", requestID),
				slog.Int("attempt", outcome.AttemptsUsed))
			return true, nil
		}

		if i < n {
			delay := bo.delay()
			s.logger.Debug("retry attempt failed, backing off",
				slog.String("request_id", requestID),
				slog.Int("attempt", outcome.AttemptsUsed),
				slog.Duration("delay", delay))
			if err := sleep(ctx, delay); err != nil {
				return false, err
			}
		}
	}

	// Budget for this phase spent without resolution.
	if outcome.AttemptsUsed >= s.policy.MaxAttempts {
		outcome.Exhausted = true
		return true, nil
	}
	return false, nil
}

// winnerCell is the single shared slot for a batch's accepted result.
// First writer wins; later writers are told to discard.
type winnerCell struct {
	mu   sync.Mutex
	set  bool
	text string
}

func (w *winnerCell) trySet(text string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.set {
		return false
	}
	w.set = true
	w.text = text
	return true
}

func (w *winnerCell) get() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text, w.set
}

// runConcurrent spends the remaining budget in batches. Batch size starts
// at BaseBatch and multiplies by GrowthFactor per batch, bounded by
// MaxBatch and the remaining budget. Batches are strictly ordered: a later
// batch never starts before the earlier one resolves.
func (s *Scheduler) runConcurrent(ctx context.Context, requestID string, call AttemptFunc, remaining int, outcome *domain.RetryOutcome) error {
	size := s.policy.Concurrent.BaseBatch

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := size
		if s.policy.Concurrent.MaxBatch > 0 && n > s.policy.Concurrent.MaxBatch {
			n = s.policy.Concurrent.MaxBatch
		}
		if n > remaining {
			n = remaining
		}

		text, won, stopped := s.runBatch(ctx, requestID, call, n, outcome.AttemptsUsed)
		outcome.AttemptsUsed += n
		remaining -= n

		if won {
			outcome.Text = text
			s.logger.Info("concurrent batch accepted",
				slog.String("request_id", requestID),
				slog.Int("batch_size", n),
				slog.Int("attempts", outcome.AttemptsUsed))
			return nil
		}
		if stopped {
			outcome.Stopped = true
			return nil
		}

		size *= s.policy.Concurrent.GrowthFactor
	}

	outcome.Exhausted = true
	return nil
}

// runBatch issues n parallel attempts and resolves to at most one winner.
// On a win or a terminal signal all in-flight siblings are cancelled; their
// late results are discarded without classification. The batch also carries
// a wall-clock timeout; expiry without a winner is a unit failure.
func (s *Scheduler) runBatch(ctx context.Context, requestID string, call AttemptFunc, n, attemptOffset int) (string, bool, bool) {
	var bctx context.Context
	var cancel context.CancelFunc
	if s.policy.Concurrent.BatchTimeout > 0 {
		bctx, cancel = context.WithTimeout(ctx, s.policy.Concurrent.BatchTimeout)
	} else {
		bctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var cell winnerCell
	var stopSeen atomic.Bool

	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		attemptNo := attemptOffset + i + 1
		g.Go(func() error {
			start := time.Now()
			res, err := call(bctx)
			if bctx.Err() != nil {
				// Cancelled loser: the result, if any, is discarded
				// without being evaluated.
				return nil
			}
			if err != nil {
				res = &domain.ModelResult{Kind: domain.ResultError, Text: err.Error()}
			}

			verdict := s.evaluateAndRecord(ctx, requestID, res, attemptNo, "concurrent", time.Since(start))
			switch {
			case verdict.Accepted():
				if cell.trySet(res.Text) {
					cancel()
				}
			case verdict.Terminal():
				stopSeen.Store(true)
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	text, won := cell.get()
	// A winner recorded before a timeout or stop still wins.
	if won {
		return text, true, false
	}
	return "", false, stopSeen.Load()
}

// attempt issues one call, contains any transport failure as an error
// result, classifies it, and journals the outcome.
func (s *Scheduler) attempt(ctx context.Context, requestID string, call AttemptFunc, attemptNo int, mode string) (*domain.ModelResult, domain.Verdict) {
	start := time.Now()
	res, err := call(ctx)
	if err != nil {
		// Backend failures never propagate; they count as failed attempts.
		res = &domain.ModelResult{Kind: domain.ResultError, Text: err.Error()}
	}
	verdict := s.evaluateAndRecord(ctx, requestID, res, attemptNo, mode, time.Since(start))
	return res, verdict
}

func (s *Scheduler) evaluateAndRecord(ctx context.Context, requestID string, res *domain.ModelResult, attemptNo int, mode string, dur time.Duration) domain.Verdict {
	verdict := s.classifier.Evaluate(res)

	if s.journal != nil {
		rec := &domain.AttemptRecord{
			RequestID: requestID,
			Attempt:   attemptNo,
			Mode:      mode,
			Decision:  string(verdict.Decision),
			Reason:    string(verdict.Reason),
			Duration:  dur,
			CreatedAt: time.Now(),
		}
		if res.StatusCode != 0 {
			rec.Status = strconv.Itoa(res.StatusCode)
		}
		if err := s.journal.RecordAttempt(context.WithoutCancel(ctx), rec); err != nil {
			s.logger.Warn("journal write failed", slog.String("error", err.Error()))
		}
	}
	return verdict
}
