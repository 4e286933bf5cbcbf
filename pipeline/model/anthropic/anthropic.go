// Package anthropic provides a model.Completer backed by the Anthropic
// Messages API, including true server-side streaming.
package anthropic

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/dshills/deepthink-go/pipeline/model"
)

// Options configures the Anthropic adapter (model id, max tokens,
// temperature). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	MaxTokens   int64
	Temperature float64
}

// Completer wraps the Anthropic Messages API behind model.Completer.
// One Completer is bound to exactly one API key; credential rotation is
// handled above this layer by constructing a fresh Completer per attempt.
type Completer struct {
	client anthropic.Client
	opts   Options
}

// New creates an Anthropic Completer bound to the given API key.
func New(apiKey string, optFns ...func(o *Options)) *Completer {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens:   4096,
		Temperature: 0.7,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}

	return &Completer{
		client: anthropic.NewClient(clientOpts...),
		opts:   opts,
	}
}

// Factory returns a model.Factory that binds each credential to a fresh
// Completer sharing the same options.
func Factory(optFns ...func(o *Options)) model.Factory {
	return func(apiKey string) model.Completer {
		return New(apiKey, optFns...)
	}
}

// Complete implements model.Completer.
func (c *Completer) Complete(ctx context.Context, req model.Request) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	resp, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		return "", translateError(err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String(), nil
}

// Stream implements model.Completer using the Messages streaming API.
func (c *Completer) Stream(ctx context.Context, req model.Request) (model.ChunkStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(req))
	return &chunkStream{stream: stream}, nil
}

// buildParams converts a model.Request to Anthropic message parameters.
// Anthropic expects system prompts as a separate parameter, not in the
// messages array.
func (c *Completer) buildParams(req model.Request) anthropic.MessageNewParams {
	modelID := c.opts.Model
	if req.Model != "" {
		modelID = anthropic.Model(req.Model)
	}
	maxTokens := c.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	temperature := c.opts.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}

	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case model.RoleSystem:
			if msg.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: msg.Content})
			}
		case model.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			// Unknown roles are treated as user input.
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       modelID,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
	}
	if len(system) > 0 {
		params.System = system
	}
	return params
}

// chunkStream adapts the SDK's SSE stream to the pull-based ChunkStream
// contract. Non-text events are skipped inside Next.
type chunkStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (s *chunkStream) Next(ctx context.Context) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					return delta.Text, nil
				}
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", translateError(err)
	}
	return "", io.EOF
}

func (s *chunkStream) Close() error {
	return s.stream.Close()
}

// translateError converts Anthropic SDK errors to the common ProviderError
// format used by retry classification.
func translateError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &model.ProviderError{
			Provider:   "anthropic",
			StatusCode: apierr.StatusCode,
			Type:       errorType(apierr.StatusCode),
			Message:    apierr.Error(),
			Cause:      err,
		}
	}
	return err
}

// errorType maps status codes to Anthropic's error type taxonomy.
func errorType(status int) string {
	switch {
	case status == 429:
		return "rate_limit_error"
	case status == 529:
		return "overloaded_error"
	case status >= 500:
		return "api_error"
	case status == 401:
		return "authentication_error"
	case status == 403:
		return "permission_error"
	case status == 404:
		return "not_found_error"
	case status >= 400:
		return "invalid_request_error"
	default:
		return ""
	}
}
