package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimeout is returned when a single guarded call exceeds its deadline.
// A timeout counts as a failure for circuit-breaking purposes.
var ErrTimeout = errors.New("call deadline exceeded")

// permanentError marks an error as non-transient: invalid arguments, auth
// failures, and other faults that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that [Wrapper.Do] propagates it immediately instead
// of retrying. Returns nil if err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or any error it wraps) was marked with
// [Permanent].
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// WrapperConfig holds tuning knobs for a [Wrapper].
type WrapperConfig struct {
	// Name identifies the guarded dependency. Used in logs and errors.
	Name string

	// MaxAttempts is the per-call attempt budget including the first try.
	// Default: 3.
	MaxAttempts int

	// Timeout is the hard deadline for a single attempt. Default: 10s.
	Timeout time.Duration

	// Backoff is the delay before the first retry; it doubles per attempt up
	// to MaxBackoff. Default: 250ms.
	Backoff time.Duration

	// MaxBackoff caps the retry delay. Default: 5s.
	MaxBackoff time.Duration
}

// Wrapper guards one external dependency. It enforces a per-attempt deadline,
// retries transient failures with exponential backoff, and routes every
// attempt through the dependency's shared [CircuitBreaker] so that each
// failed attempt contributes to the breaker's failure count even when a later
// retry succeeds.
type Wrapper struct {
	name        string
	breaker     *CircuitBreaker
	maxAttempts int
	timeout     time.Duration
	backoff     time.Duration
	maxBackoff  time.Duration
}

// NewWrapper creates a [Wrapper] around the given breaker. The breaker must
// not be nil; it is shared with every other wrapper guarding the same
// dependency. Zero-value config fields are replaced with defaults.
func NewWrapper(breaker *CircuitBreaker, cfg WrapperConfig) *Wrapper {
	if cfg.Name == "" {
		cfg.Name = breaker.Name()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Wrapper{
		name:        cfg.Name,
		breaker:     breaker,
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.Timeout,
		backoff:     cfg.Backoff,
		maxBackoff:  cfg.MaxBackoff,
	}
}

// Name returns the dependency name this wrapper guards.
func (w *Wrapper) Name() string { return w.name }

// Breaker returns the shared circuit breaker behind this wrapper.
func (w *Wrapper) Breaker() *CircuitBreaker { return w.breaker }

// Do invokes fn under the wrapper's guard rails. fn receives a context with
// the per-attempt deadline applied and must honour its cancellation.
//
// An open breaker fails fast with [ErrCircuitOpen]. An attempt that exceeds
// the deadline fails with [ErrTimeout]. Errors marked [Permanent] propagate
// without further retries; everything else is retried up to the attempt
// budget with exponential backoff.
func (w *Wrapper) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := w.backoff
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.breaker.Execute(func() error {
			return w.attempt(ctx, fn)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			// Fail fast: the dependency is known-bad, retrying locally
			// would only pile on.
			return fmt.Errorf("%s: %w", w.name, err)
		}
		if IsPermanent(err) {
			return fmt.Errorf("%s: %w", w.name, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", w.name, ctx.Err())
		}
		if attempt == w.maxAttempts {
			break
		}

		slog.Debug("transient failure, retrying",
			"dependency", w.name,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", w.name, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}

	return fmt.Errorf("%s: attempts exhausted: %w", w.name, lastErr)
}

// attempt runs fn once under the per-attempt deadline, mapping a deadline
// overrun to [ErrTimeout].
func (w *Wrapper) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("%w after %v", ErrTimeout, w.timeout)
	}
	return err
}

// Call invokes fn under w's guard rails and returns its result. This is a
// package-level function because Go does not support method-level type
// parameters.
func Call[R any](w *Wrapper, ctx context.Context, fn func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := w.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}
