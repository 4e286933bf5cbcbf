// Package openai provides a model.Completer backed by the OpenAI Chat
// Completions API, including streaming.
package openai

import (
	"context"
	"errors"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/dshills/deepthink-go/pipeline/model"
)

// Options configures the OpenAI adapter. Fields mirror a subset of Chat
// Completion parameters intentionally kept minimal.
type Options struct {
	Model               openai.ChatModel
	Temperature         float64
	MaxCompletionTokens int64
}

// Completer wraps the OpenAI Chat Completions API behind model.Completer.
type Completer struct {
	client openai.Client
	opts   Options
}

// New creates an OpenAI Completer bound to the given API key.
func New(apiKey string, optFns ...func(o *Options)) *Completer {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}

	return &Completer{
		client: openai.NewClient(clientOpts...),
		opts:   opts,
	}
}

// Factory returns a model.Factory binding each credential to a fresh Completer.
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

	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(req))
	if err != nil {
		return "", translateError(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream implements model.Completer using the streaming Chat Completions API.
func (c *Completer) Stream(ctx context.Context, req model.Request) (model.ChunkStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(req))
	return &chunkStream{stream: stream}, nil
}

// buildParams converts a model.Request to OpenAI chat parameters.
func (c *Completer) buildParams(req model.Request) openai.ChatCompletionNewParams {
	modelID := c.opts.Model
	if req.Model != "" {
		modelID = openai.ChatModel(req.Model)
	}
	maxTokens := c.opts.MaxCompletionTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	temperature := c.opts.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case model.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               modelID,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}

// chunkStream adapts the SDK's SSE stream to the pull-based ChunkStream contract.
type chunkStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

func (s *chunkStream) Next(ctx context.Context) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			return delta, nil
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

// translateError converts OpenAI SDK errors to the common ProviderError format.
func translateError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &model.ProviderError{
			Provider:   "openai",
			StatusCode: apierr.StatusCode,
			Type:       apierr.Type,
			Message:    apierr.Error(),
			Cause:      err,
		}
	}
	return err
}
