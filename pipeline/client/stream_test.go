package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/deepthink-go/pipeline/model"
)

func TestStreamAccumulatesChunks(t *testing.T) {
	mock := &model.MockCompleter{
		Responses:    []string{"unused"},
		StreamChunks: [][]string{{"one ", "two ", "three"}},
	}
	c, _ := newTestClient(t, mock, Options{})

	var seen []string
	text, err := c.Stream(context.Background(), model.Request{}, func(chunk string) error {
		seen = append(seen, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "one two three", text)
	assert.Equal(t, []string{"one ", "two ", "three"}, seen)
}

func TestStreamNilHandler(t *testing.T) {
	mock := &model.MockCompleter{
		Responses:    []string{"unused"},
		StreamChunks: [][]string{{"a", "b"}},
	}
	c, _ := newTestClient(t, mock, Options{})

	text, err := c.Stream(context.Background(), model.Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
}

func TestStreamStopEarlyKeepsPartial(t *testing.T) {
	mock := &model.MockCompleter{
		Responses:    []string{"unused"},
		StreamChunks: [][]string{{"keep ", "this", " not this"}},
	}
	c, _ := newTestClient(t, mock, Options{})

	chunks := 0
	text, err := c.Stream(context.Background(), model.Request{}, func(string) error {
		chunks++
		if chunks == 2 {
			return ErrStopStream
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "keep this", text)
}

func TestStreamHandlerAbortSurfaces(t *testing.T) {
	mock := &model.MockCompleter{
		Responses:    []string{"unused"},
		StreamChunks: [][]string{{"chunk"}},
	}
	c, _ := newTestClient(t, mock, Options{})

	abort := errors.New("downstream rejected chunk")
	_, err := c.Stream(context.Background(), model.Request{}, func(string) error {
		return abort
	})
	assert.ErrorIs(t, err, abort)
	assert.Equal(t, 1, mock.CallCount())
}

func TestStreamZeroContentRetriesThenFallsBack(t *testing.T) {
	// Every streaming attempt yields zero content; the client must fall
	// back to the non-streaming call form and deliver its text through the
	// handler exactly once.
	mock := &model.MockCompleter{
		Responses:    []string{"", "", "fallback answer"},
		StreamChunks: [][]string{{}, {}, {}},
	}
	var reasons []string
	c, _ := newTestClient(t, mock, Options{
		MaxAttempts: 2,
		OnRetry:     func(r string) { reasons = append(reasons, r) },
	})

	var seen []string
	text, err := c.Stream(context.Background(), model.Request{}, func(chunk string) error {
		seen = append(seen, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", text)
	assert.Equal(t, []string{"fallback answer"}, seen)
	assert.Equal(t, []string{"zero_content_stream", "zero_content_stream"}, reasons)
}

func TestStreamPartialContentAcceptedOnMidStreamError(t *testing.T) {
	// The upstream dies after two chunks. Re-running would replay chunks
	// already delivered, so the partial text is accepted as the result.
	stream := &failingStream{chunks: []string{"partial ", "answer"}, failWith: serverErr()}
	c, _ := newTestClient(t, &model.MockCompleter{}, Options{})
	c.factory = func(string) model.Completer { return &streamOnlyCompleter{stream: stream} }

	text, err := c.Stream(context.Background(), model.Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "partial answer", text)
}

func TestStreamStallWatchdog(t *testing.T) {
	blocking := &blockingStream{unblock: make(chan struct{})}
	defer close(blocking.unblock)

	start := time.Now()
	chunk, err := nextWithStall(context.Background(), blocking, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrStreamStall)
	assert.Empty(t, chunk)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, blocking.Closed())
}

func TestStreamFatalErrorFailsFast(t *testing.T) {
	mock := &model.MockCompleter{Errs: []error{clientErr()}}
	c, _ := newTestClient(t, mock, Options{})

	_, err := c.Stream(context.Background(), model.Request{}, nil)
	var pe *model.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 400, pe.StatusCode)
	assert.Equal(t, 1, mock.CallCount())
}

// streamOnlyCompleter serves a canned stream; Complete is unused.
type streamOnlyCompleter struct {
	stream model.ChunkStream
}

func (s *streamOnlyCompleter) Complete(context.Context, model.Request) (string, error) {
	return "", errors.New("not implemented")
}

func (s *streamOnlyCompleter) Stream(context.Context, model.Request) (model.ChunkStream, error) {
	return s.stream, nil
}

// failingStream yields its chunks then fails with a fixed error.
type failingStream struct {
	chunks   []string
	failWith error
	pos      int
}

func (f *failingStream) Next(context.Context) (string, error) {
	if f.pos >= len(f.chunks) {
		return "", f.failWith
	}
	chunk := f.chunks[f.pos]
	f.pos++
	return chunk, nil
}

func (f *failingStream) Close() error { return nil }

// blockingStream never yields until unblocked; used to exercise the stall
// watchdog.
type blockingStream struct {
	unblock chan struct{}
	mu      sync.Mutex
	closed  bool
}

func (b *blockingStream) Next(ctx context.Context) (string, error) {
	select {
	case <-b.unblock:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *blockingStream) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *blockingStream) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
