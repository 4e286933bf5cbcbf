// Package model provides LLM provider adapters for the pipeline.
package model

import "context"

// Message represents a single message in an LLM conversation.
//
// Messages follow the common chat format used by OpenAI, Anthropic, Google,
// and other providers: an optional system message first, then alternating
// user and assistant turns.
type Message struct {
	// Role identifies the message sender.
	// Standard roles: "system", "user", "assistant".
	Role string

	// Content contains the message text.
	Content string
}

// Standard role constants for LLM conversations.
const (
	// RoleSystem indicates a system message that sets context or instructions.
	RoleSystem = "system"

	// RoleUser indicates a message from the human user.
	RoleUser = "user"

	// RoleAssistant indicates a response from the LLM.
	RoleAssistant = "assistant"
)

// Request describes one completion call to an upstream provider.
//
// The pipeline treats the response as opaque text that may parse as JSON
// per stage contract. Model selection is per-request so cheap and expensive
// models can be mixed within one run.
type Request struct {
	// Model is the provider-specific model identifier.
	// Empty string uses the adapter's default.
	Model string

	// Messages is the conversation history sent to the provider.
	Messages []Message

	// MaxTokens bounds the generated output length. Zero uses the adapter default.
	MaxTokens int64

	// Temperature controls sampling randomness. Zero uses the adapter default.
	Temperature float64
}

// Completer is the minimal interface the resilient client drives.
//
// Implementations wrap one provider SDK bound to a single credential.
// They must:
//   - Respect context cancellation and deadlines
//   - Translate provider errors to *ProviderError where possible
//   - Never retry internally (retry policy lives in pipeline/client)
type Completer interface {
	// Complete sends messages to the provider and returns the full response text.
	Complete(ctx context.Context, req Request) (string, error)

	// Stream sends messages and returns a pull-based chunk stream.
	// The returned stream must be closed by the caller.
	Stream(ctx context.Context, req Request) (ChunkStream, error)
}

// ChunkStream is a pull-based sequence of text chunks from a streamed call.
//
// The explicit Next/Close contract keeps stall detection and cancellation
// visible in the type: the caller wraps each pull in its own timeout and
// calls Close to abandon the underlying network stream.
type ChunkStream interface {
	// Next returns the next text chunk. It returns io.EOF when the stream
	// is exhausted, or the underlying provider error on failure.
	Next(ctx context.Context) (string, error)

	// Close releases the underlying network stream. Safe to call more than once.
	Close() error
}

// Factory builds a Completer bound to a single credential.
//
// The resilient client calls the factory once per attempt with the
// credential selected from the pool, so rotation never reuses a client
// authenticated with an exhausted key.
type Factory func(apiKey string) Completer
