// Package client provides the resilient request layer every pipeline stage
// depends on: per-attempt timeouts, retry with exponential backoff, and
// credential rotation over a credpool.Pool.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dshills/deepthink-go/pipeline/credpool"
	"github.com/dshills/deepthink-go/pipeline/model"
)

// ErrAttemptsExhausted is returned when a generation call fails more times
// than the attempt budget allows. Lookup-style calls never surface it; they
// degrade to an empty result instead.
var ErrAttemptsExhausted = errors.New("attempt budget exhausted")

// ErrStreamStall is returned when no chunk arrives within the stall window
// even though the overall per-attempt timeout has not yet elapsed.
var ErrStreamStall = errors.New("stream stalled: no chunk within stall window")

// ErrStopStream can be returned by a ChunkHandler to stop consuming a stream
// early. The accumulated partial text is returned without error.
var ErrStopStream = errors.New("stop stream")

// errEmptyResponse marks a degenerate successful response with no content.
// It is internal to the retry loop and never escapes Call or Stream.
var errEmptyResponse = errors.New("empty response")

// RequestError wraps a terminal client failure with attempt accounting.
type RequestError struct {
	// Op is the failed operation ("call", "stream").
	Op string

	// Attempts is the number of counted attempts consumed.
	Attempts int

	// Err is the last underlying error.
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ChunkHandler observes streamed chunks as they arrive. Returning
// ErrStopStream stops the stream early and accepts the partial result;
// any other error aborts the stream and is surfaced to the caller.
type ChunkHandler func(chunk string) error

// Options configures retry behavior. Zero values select the defaults noted
// per field.
type Options struct {
	// AttemptTimeout bounds each individual attempt. Default 45s.
	AttemptTimeout time.Duration

	// StallTimeout cancels a stream when no chunk arrives within the
	// window, independent of AttemptTimeout. Default 30s.
	StallTimeout time.Duration

	// MaxAttempts is the counted attempt budget for transient failures.
	// Default 6.
	MaxAttempts int

	// MaxRawAttempts is the absolute ceiling on raw attempts including
	// rate-limit rotations, preventing infinite rotation loops. Default 20.
	MaxRawAttempts int

	// RateLimitPenalty is the cooldown applied to a credential that
	// reported rate limiting. Default 60s.
	RateLimitPenalty time.Duration

	// EmptyRetries bounds credential rotations on empty successful
	// responses before the empty result is accepted. Default 2.
	EmptyRetries int

	// BackoffBase is the first backoff delay. Default 1s.
	BackoffBase time.Duration

	// BackoffMax caps backoff growth. Default 12s.
	BackoffMax time.Duration

	// OnRetry, if set, observes every retry decision with a reason tag
	// ("rate_limit", "transient", "network", "empty", "stall",
	// "zero_content_stream"). Used to feed metrics.
	OnRetry func(reason string)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.AttemptTimeout <= 0 {
		out.AttemptTimeout = 45 * time.Second
	}
	if out.StallTimeout <= 0 {
		out.StallTimeout = 30 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 6
	}
	if out.MaxRawAttempts <= 0 {
		out.MaxRawAttempts = 20
	}
	if out.RateLimitPenalty <= 0 {
		out.RateLimitPenalty = 60 * time.Second
	}
	if out.EmptyRetries <= 0 {
		out.EmptyRetries = 2
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 12 * time.Second
	}
	return out
}

// Client wraps single upstream calls and server-streamed calls with timeout,
// retry/backoff, and credential rotation. Every attempt is bound to exactly
// one credential drawn from the pool and one wall-clock timeout.
type Client struct {
	pool    *credpool.Pool
	factory model.Factory
	opts    Options
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Client over the given credential pool and completer factory.
func New(pool *credpool.Pool, factory model.Factory, opts Options) *Client {
	return &Client{
		pool:    pool,
		factory: factory,
		opts:    opts.withDefaults(),
		sleep:   sleepCtx,
	}
}

// Call performs a single non-streaming generation call.
//
// Retry policy:
//   - Rate limited: rotate credential with cooldown penalty; does not count
//     against the attempt budget (bounded by MaxRawAttempts).
//   - Transient 5xx / network failure: exponential backoff with jitter;
//     counts against MaxAttempts.
//   - Non-retriable 4xx: fail immediately.
//   - Empty successful response: rotate up to EmptyRetries times, then
//     accept the empty result.
//
// Exhausting the budget surfaces a *RequestError wrapping ErrAttemptsExhausted.
func (c *Client) Call(ctx context.Context, req model.Request) (string, error) {
	text, err := c.callRetry(ctx, req)
	if err != nil {
		return "", err
	}
	return text, nil
}

// Lookup performs a non-streaming call for pure-lookup style work.
// Exhausting the attempt budget returns a well-defined empty result rather
// than an error, so downstream reasoning can proceed without the input.
// Context cancellation still surfaces.
func (c *Client) Lookup(ctx context.Context, req model.Request) (string, error) {
	text, err := c.callRetry(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", nil
	}
	return text, nil
}

// callRetry is the bounded retry loop shared by Call and Lookup.
// The recursive "call itself again on failure" shape is deliberately
// re-expressed as an explicit loop with an attempt counter so the ceiling
// is a testable invariant.
func (c *Client) callRetry(ctx context.Context, req model.Request) (string, error) {
	var lastErr error
	attempts := 0
	empties := 0

	for raw := 0; raw < c.opts.MaxRawAttempts; raw++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempts >= c.opts.MaxAttempts {
			break
		}

		cred := c.pool.Select()
		text, err := c.attemptCall(ctx, cred, req)

		if err == nil {
			if text == "" && empties < c.opts.EmptyRetries {
				empties++
				c.retry("empty")
				lastErr = errEmptyResponse
				continue
			}
			c.pool.ReportSuccess(cred.ID)
			return text, nil
		}

		lastErr = err
		decision := c.classify(err)
		switch decision {
		case retryRotate:
			c.pool.ReportFailure(cred.ID, c.opts.RateLimitPenalty)
			c.retry("rate_limit")
		case retryBackoff:
			c.pool.ReportFailure(cred.ID, 0)
			attempts++
			c.retry(retryReason(err))
			if attempts < c.opts.MaxAttempts {
				if serr := c.sleep(ctx, backoffDelay(attempts-1, c.opts.BackoffBase, c.opts.BackoffMax)); serr != nil {
					return "", serr
				}
			}
		case failFast:
			return "", err
		}
	}

	return "", &RequestError{Op: "call", Attempts: attempts, Err: errors.Join(ErrAttemptsExhausted, lastErr)}
}

// attemptCall executes exactly one attempt bound to one credential and one
// timeout.
func (c *Client) attemptCall(ctx context.Context, cred credpool.Credential, req model.Request) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()
	return c.factory(cred.Key).Complete(attemptCtx, req)
}

// retryDecision categorizes a failed attempt.
type retryDecision int

const (
	retryRotate  retryDecision = iota // rate limit: rotate, uncounted
	retryBackoff                      // transient/network: backoff, counted
	failFast                          // non-retriable
)

// classify maps an attempt error onto the retry taxonomy. Network-level
// failures (timeouts, resets, unknown errors) are always retriable.
func (c *Client) classify(err error) retryDecision {
	if pe, ok := model.AsProviderError(err); ok {
		switch {
		case pe.RateLimited():
			return retryRotate
		case pe.Fatal():
			return failFast
		default:
			return retryBackoff
		}
	}
	// context.DeadlineExceeded from the attempt timeout lands here too.
	return retryBackoff
}

// retryReason tags a counted retry for observability.
func retryReason(err error) string {
	if pe, ok := model.AsProviderError(err); ok && pe.Transient() {
		return "transient"
	}
	return "network"
}

func (c *Client) retry(reason string) {
	if c.opts.OnRetry != nil {
		c.opts.OnRetry(reason)
	}
}

// backoffDelay computes the counted-retry delay: geometric growth from base
// (1s, 2s, 4s, 8s, ...) capped at maxDelay, with +/-30% jitter to avoid
// synchronized retry storms.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	// Jitter factor in [0.7, 1.3). Timing only, not security sensitive.
	factor := 0.7 + 0.6*rand.Float64() // #nosec G404
	return time.Duration(float64(delay) * factor)
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
