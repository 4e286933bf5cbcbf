package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/dshills/deepthink-go/pipeline/credpool"
	"github.com/dshills/deepthink-go/pipeline/model"
)

// Stream performs a streamed generation call, delivering chunks to handler
// as they arrive and returning the accumulated text.
//
// Each chunk pull is wrapped in a stall watchdog: if no chunk arrives within
// StallTimeout the stream is cancelled and the attempt retried, even though
// the per-attempt timeout has not elapsed. A stream that terminates having
// yielded zero content is treated as a failure and retried via credential
// rotation; when streaming attempts are exhausted the client falls back to
// the non-streaming call form as a last resort before surfacing failure.
//
// A mid-stream failure after content has already been delivered returns the
// accumulated partial text without error: the chunks are already observed
// downstream and re-running the stream would duplicate them.
func (c *Client) Stream(ctx context.Context, req model.Request, handler ChunkHandler) (string, error) {
	var lastErr error
	attempts := 0

	for raw := 0; raw < c.opts.MaxRawAttempts; raw++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempts >= c.opts.MaxAttempts {
			break
		}

		cred := c.pool.Select()
		text, stopped, err := c.attemptStream(ctx, cred, req, handler)

		if err == nil {
			if text == "" && !stopped {
				// Zero-content stream: rotate and count the attempt.
				c.pool.ReportFailure(cred.ID, 0)
				attempts++
				c.retry("zero_content_stream")
				lastErr = errEmptyResponse
				continue
			}
			c.pool.ReportSuccess(cred.ID)
			return text, nil
		}

		var abort *handlerAbort
		if errors.As(err, &abort) {
			// Caller decision, not an upstream failure; surface as-is.
			return text, abort.err
		}

		if text != "" {
			// Partial content already delivered; accept it rather than
			// replaying chunks through the handler.
			c.pool.ReportSuccess(cred.ID)
			return text, nil
		}

		lastErr = err
		switch c.classifyStream(err) {
		case retryRotate:
			c.pool.ReportFailure(cred.ID, c.opts.RateLimitPenalty)
			c.retry("rate_limit")
		case retryBackoff:
			c.pool.ReportFailure(cred.ID, 0)
			attempts++
			c.retry(streamRetryReason(err))
			if attempts < c.opts.MaxAttempts {
				if serr := c.sleep(ctx, backoffDelay(attempts-1, c.opts.BackoffBase, c.opts.BackoffMax)); serr != nil {
					return "", serr
				}
			}
		case failFast:
			return "", err
		}
	}

	// Last resort: the non-streaming call form.
	text, err := c.callRetry(ctx, req)
	if err != nil {
		return "", &RequestError{Op: "stream", Attempts: attempts, Err: errors.Join(ErrAttemptsExhausted, lastErr)}
	}
	if handler != nil && text != "" {
		if herr := handler(text); herr != nil && !errors.Is(herr, ErrStopStream) {
			return text, herr
		}
	}
	return text, nil
}

// attemptStream runs one streaming attempt. It returns the accumulated text,
// whether the handler stopped the stream early, and the attempt error.
// Handler errors other than ErrStopStream abort the attempt and surface
// directly (they are caller decisions, not upstream failures).
func (c *Client) attemptStream(ctx context.Context, cred credpool.Credential, req model.Request, handler ChunkHandler) (string, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	stream, err := c.factory(cred.Key).Stream(attemptCtx, req)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = stream.Close() }()

	var b strings.Builder
	for {
		chunk, err := nextWithStall(attemptCtx, stream, c.opts.StallTimeout)
		if errors.Is(err, io.EOF) {
			return b.String(), false, nil
		}
		if err != nil {
			return b.String(), false, err
		}

		b.WriteString(chunk)
		if handler == nil {
			continue
		}
		if herr := handler(chunk); herr != nil {
			if errors.Is(herr, ErrStopStream) {
				return b.String(), true, nil
			}
			return b.String(), false, &handlerAbort{err: herr}
		}
	}
}

// handlerAbort marks a chunk handler's decision to abort the stream, so the
// retry loop surfaces it instead of treating it as an upstream failure.
type handlerAbort struct {
	err error
}

func (h *handlerAbort) Error() string { return h.err.Error() }

func (h *handlerAbort) Unwrap() error { return h.err }

// classifyStream extends classify with the stall case: a stalled stream is a
// network-level failure and always retriable.
func (c *Client) classifyStream(err error) retryDecision {
	if errors.Is(err, ErrStreamStall) {
		return retryBackoff
	}
	return c.classify(err)
}

func streamRetryReason(err error) string {
	if errors.Is(err, ErrStreamStall) {
		return "stall"
	}
	return retryReason(err)
}

// nextWithStall pulls one chunk with a stall watchdog. On stall or context
// cancellation the stream is closed, which unblocks the underlying pull;
// the abandoned network operation may continue unobserved.
func nextWithStall(ctx context.Context, stream model.ChunkStream, stall time.Duration) (string, error) {
	type pull struct {
		chunk string
		err   error
	}
	done := make(chan pull, 1)
	go func() {
		chunk, err := stream.Next(ctx)
		done <- pull{chunk: chunk, err: err}
	}()

	timer := time.NewTimer(stall)
	defer timer.Stop()

	select {
	case p := <-done:
		return p.chunk, p.err
	case <-ctx.Done():
		_ = stream.Close()
		return "", ctx.Err()
	case <-timer.C:
		_ = stream.Close()
		return "", ErrStreamStall
	}
}
