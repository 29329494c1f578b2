// Package retry drives a single remote call through the outcome state
// machine ATTEMPTING -> SUCCESS | NOT_FOUND | CONFLICT | TRANSIENT_ERROR |
// FATAL_ERROR.
//
// Not-found and conflict outcomes are returned to the caller untouched so the
// resolver can run its recovery paths. Transient failures (429, 5xx, transport
// errors) are retried with exponential backoff; once the attempt budget is
// spent they escalate to FATAL_ERROR. Anything else is fatal immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/provisioner/internal/metadata"
)

type Outcome int

const (
	Attempting Outcome = iota
	Success
	NotFound
	Conflict
	TransientError
	FatalError
)

func (o Outcome) String() string {
	switch o {
	case Attempting:
		return "ATTEMPTING"
	case Success:
		return "SUCCESS"
	case NotFound:
		return "NOT_FOUND"
	case Conflict:
		return "CONFLICT"
	case TransientError:
		return "TRANSIENT_ERROR"
	case FatalError:
		return "FATAL_ERROR"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Classify maps an error from the metadata client onto an outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FatalError
	case metadata.IsNotFound(err):
		return NotFound
	case metadata.IsConflict(err):
		return Conflict
	case metadata.IsTransient(err):
		return TransientError
	default:
		return FatalError
	}
}

// TransientExhaustedError is returned once every attempt failed transiently.
type TransientExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientExhaustedError) Unwrap() error {
	return e.Err
}

type Attempt struct {
	Op      string
	Number  int
	Outcome Outcome
	Err     error
	Delay   time.Duration
}

type Observer func(Attempt)

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Observer    Observer
	// Wait replaces the context-aware sleep; tests use it to skip real delays.
	Wait func(ctx context.Context, delay time.Duration) error
}

type Controller struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	observer    Observer
	wait        func(ctx context.Context, delay time.Duration) error
}

func New(opts Options) *Controller {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	wait := opts.Wait
	if wait == nil {
		wait = waitWithContext
	}
	return &Controller{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		observer:    opts.Observer,
		wait:        wait,
	}
}

func (c *Controller) MaxAttempts() int {
	return c.maxAttempts
}

// Do runs fn until it leaves the transient state. The returned error is nil
// only for Success; for NotFound and Conflict it is fn's own error.
func (c *Controller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) (Outcome, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		c.notify(Attempt{Op: op, Number: attempt + 1, Outcome: Attempting})
		err := fn(ctx)
		outcome := Classify(err)
		if outcome != TransientError {
			c.notify(Attempt{Op: op, Number: attempt + 1, Outcome: outcome, Err: err})
			return outcome, err
		}
		lastErr = err
		if attempt+1 >= c.maxAttempts {
			c.notify(Attempt{Op: op, Number: attempt + 1, Outcome: outcome, Err: err})
			break
		}
		delay := c.delay(attempt, metadata.RetryAfter(err))
		c.notify(Attempt{Op: op, Number: attempt + 1, Outcome: outcome, Err: err, Delay: delay})
		if waitErr := c.wait(ctx, delay); waitErr != nil {
			c.notify(Attempt{Op: op, Number: attempt + 1, Outcome: FatalError, Err: waitErr})
			return FatalError, waitErr
		}
	}
	exhausted := &TransientExhaustedError{Op: op, Attempts: c.maxAttempts, Err: lastErr}
	c.notify(Attempt{Op: op, Number: c.maxAttempts, Outcome: FatalError, Err: exhausted})
	return FatalError, exhausted
}

// delay returns base * 2^attempt capped at the maximum; a server-provided
// Retry-After wins when present but is capped the same way.
func (c *Controller) delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func (c *Controller) notify(a Attempt) {
	if c.observer != nil {
		c.observer(a)
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
