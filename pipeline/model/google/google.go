// Package google provides a model.Completer backed by the Google Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/dshills/deepthink-go/pipeline/model"
)

// Options configures the Gemini adapter.
type Options struct {
	Model       string
	Temperature float32
}

// Completer wraps the Gemini API behind model.Completer.
//
// The genai client is created per call because its constructor requires a
// context; client creation performs no network I/O.
type Completer struct {
	apiKey string
	opts   Options
}

// New creates a Gemini Completer bound to the given API key.
func New(apiKey string, optFns ...func(o *Options)) *Completer {
	opts := Options{
		Model:       "gemini-2.5-flash",
		Temperature: 0.7,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Completer{apiKey: apiKey, opts: opts}
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

	client, genModel, err := c.open(ctx, req)
	if err != nil {
		return "", err
	}
	defer func() { _ = client.Close() }()

	resp, err := genModel.GenerateContent(ctx, buildParts(req.Messages)...)
	if err != nil {
		return "", translateError(err)
	}
	return extractText(resp), nil
}

// Stream implements model.Completer using GenerateContentStream.
func (c *Completer) Stream(ctx context.Context, req model.Request) (model.ChunkStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	client, genModel, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}

	iter := genModel.GenerateContentStream(ctx, buildParts(req.Messages)...)
	return &chunkStream{client: client, iter: iter}, nil
}

// open creates the genai client and configures the generative model.
func (c *Completer) open(ctx context.Context, req model.Request) (*genai.Client, *genai.GenerativeModel, error) {
	if c.apiKey == "" {
		return nil, nil, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Google client: %w", err)
	}

	name := c.opts.Model
	if req.Model != "" {
		name = req.Model
	}
	genModel := client.GenerativeModel(name)

	temperature := c.opts.Temperature
	if req.Temperature > 0 {
		temperature = float32(req.Temperature)
	}
	genModel.SetTemperature(temperature)
	if req.MaxTokens > 0 {
		genModel.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	// Gemini sets system prompts via SystemInstruction, not the content parts.
	if system := systemText(req.Messages); system != "" {
		genModel.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	return client, genModel, nil
}

// systemText concatenates system messages for the SystemInstruction field.
func systemText(messages []model.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		if msg.Role != model.RoleSystem || msg.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(msg.Content)
	}
	return b.String()
}

// buildParts converts non-system messages to Gemini text parts.
func buildParts(messages []model.Message) []genai.Part {
	var parts []genai.Part
	for _, msg := range messages {
		if msg.Role == model.RoleSystem || msg.Content == "" {
			continue
		}
		parts = append(parts, genai.Text(msg.Content))
	}
	return parts
}

// extractText flattens the text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}

// chunkStream adapts the genai response iterator to the pull-based
// ChunkStream contract. Closing releases the underlying client.
type chunkStream struct {
	client *genai.Client
	iter   *genai.GenerateContentResponseIterator
	closed bool
}

func (s *chunkStream) Next(ctx context.Context) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if s.closed {
		return "", io.EOF
	}

	for {
		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		if err != nil {
			return "", translateError(err)
		}
		if text := extractText(resp); text != "" {
			return text, nil
		}
	}
}

func (s *chunkStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// translateError converts googleapi errors to the common ProviderError format.
func translateError(err error) error {
	var apierr *googleapi.Error
	if errors.As(err, &apierr) {
		return &model.ProviderError{
			Provider:   "google",
			StatusCode: apierr.Code,
			Message:    apierr.Message,
			Cause:      err,
		}
	}
	return err
}
