// Package retry provides the single bounded-backoff executor shared by the
// mover and the consistency manager. Call sites inject one Policy value
// instead of growing bespoke retry loops.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	dErrors "shuttle/pkg/domain-errors"
	"shuttle/pkg/platform/sentinel"
)

// Policy executes an operation with exponential backoff, jitter, a maximum
// attempt count, and a maximum total elapsed time. Non-retryable errors
// short-circuit immediately.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxElapsed  time.Duration
	jitter      float64
	retryable   func(error) bool

	// sleep is swapped in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Policy)

func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.maxAttempts = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) { p.baseDelay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) { p.maxDelay = d }
}

func WithMaxElapsed(d time.Duration) Option {
	return func(p *Policy) { p.maxElapsed = d }
}

// WithJitter sets the jitter fraction in [0, 1]. A fraction of 0.2 spreads
// each delay uniformly across +/-20% of its nominal value.
func WithJitter(fraction float64) Option {
	return func(p *Policy) { p.jitter = fraction }
}

// WithRetryable replaces the default retryable-error predicate.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) { p.retryable = fn }
}

// New builds a Policy with defaults suitable for backend I/O: 4 attempts,
// 50ms base delay doubling up to 2s, 20% jitter, 30s elapsed cap.
func New(opts ...Option) *Policy {
	p := &Policy{
		maxAttempts: 4,
		baseDelay:   50 * time.Millisecond,
		maxDelay:    2 * time.Second,
		maxElapsed:  30 * time.Second,
		jitter:      0.2,
		retryable:   DefaultRetryable,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultRetryable treats context cancellation and errors carrying a
// permanent domain code as non-retryable; everything else is assumed
// transient backend trouble.
func DefaultRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// A missing object stays missing; retrying a lookup only burns the budget.
	if errors.Is(err, sentinel.ErrNotFound) {
		return false
	}
	for _, code := range []dErrors.Code{
		dErrors.CodeAuthorizationDenied,
		dErrors.CodeDecryption,
		dErrors.CodeIntegrityMismatch,
		dErrors.CodeUnknownDomain,
		dErrors.CodeInvalidKeyMaterial,
		dErrors.CodeBadRequest,
		dErrors.CodeValidation,
		dErrors.CodeTransferInProgress,
		dErrors.CodeNotFound,
	} {
		if dErrors.HasCode(err, code) {
			return false
		}
	}
	return true
}

// Do runs op until it succeeds, a non-retryable error occurs, the attempt
// budget is exhausted, or the elapsed budget runs out. The last error is
// returned unwrapped so callers keep its code.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	start := time.Now()
	var err error
	for attempt := 1; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if !p.retryable(err) {
			return err
		}
		if attempt >= p.maxAttempts {
			return err
		}
		delay := p.delayFor(attempt)
		if p.maxElapsed > 0 && time.Since(start)+delay > p.maxElapsed {
			return err
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

func (p *Policy) delayFor(attempt int) time.Duration {
	d := p.baseDelay << (attempt - 1)
	if d > p.maxDelay || d <= 0 {
		d = p.maxDelay
	}
	if p.jitter > 0 {
		spread := 1 - p.jitter + 2*p.jitter*rand.Float64()
		d = time.Duration(float64(d) * spread)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
