package model

import (
	"context"
	"io"
	"sync"
)

// MockCompleter is a test implementation of Completer.
//
// Use MockCompleter in tests to verify pipeline behavior without making
// actual LLM API calls. It provides:
//   - Configurable response sequence (repeats the last entry when exhausted)
//   - Per-call error injection via the Errs sequence
//   - Call history tracking
//   - Thread-safe operation
//
// Example usage:
//
//	mock := &MockCompleter{
//	    Responses: []string{`{"complexity":"deep"}`, "final answer"},
//	}
//	text, err := mock.Complete(ctx, req)
type MockCompleter struct {
	// Responses contains the sequence of response texts to return.
	// Each call consumes the next entry; the last entry repeats.
	Responses []string

	// Errs contains per-call errors aligned with call order. A nil entry
	// means the call succeeds. When exhausted, calls succeed.
	Errs []error

	// StreamChunks, when non-nil, is used by Stream to emit chunked output
	// instead of splitting the response text.
	StreamChunks [][]string

	// Calls tracks the history of all invocations (Complete and Stream).
	Calls []Request

	mu        sync.Mutex
	callIndex int
}

// Complete implements the Completer interface.
func (m *MockCompleter) Complete(ctx context.Context, req Request) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	text, _, err := m.take(req)
	return text, err
}

// Stream implements the Completer interface.
//
// Chunks come from StreamChunks when configured, otherwise the full
// response text is emitted as a single chunk.
func (m *MockCompleter) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	text, chunks, err := m.take(req)
	if err != nil {
		return nil, err
	}
	if chunks == nil {
		if text == "" {
			chunks = []string{}
		} else {
			chunks = []string{text}
		}
	}
	return &sliceStream{chunks: chunks}, nil
}

// take records the call and returns the scripted response for it.
func (m *MockCompleter) take(req Request) (string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.callIndex
	m.callIndex++
	m.Calls = append(m.Calls, req)

	if idx < len(m.Errs) && m.Errs[idx] != nil {
		return "", nil, m.Errs[idx]
	}

	var chunks []string
	if idx < len(m.StreamChunks) {
		chunks = m.StreamChunks[idx]
	}

	if len(m.Responses) == 0 {
		return "", chunks, nil
	}
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], chunks, nil
}

// CallCount returns the number of calls made so far.
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIndex
}

// Reset clears the call history and response cursor.
func (m *MockCompleter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// sliceStream implements ChunkStream over an in-memory chunk slice.
type sliceStream struct {
	chunks []string
	pos    int
	closed bool
}

func (s *sliceStream) Next(ctx context.Context) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if s.closed || s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}
