package tool

import "context"

// Vision analyzes and generates images in support of a reasoning run.
//
// Like search, vision is optional: a run whose request carries image inputs
// proceeds without them when no Vision implementation is configured, and an
// analysis failure degrades to an empty description.
type Vision interface {
	// Analyze describes the image at the given URL or data URI. Returns ""
	// on failure; reasoning proceeds without the description.
	Analyze(ctx context.Context, imageRef string, prompt string) string

	// Generate produces an image for the prompt and returns its URL, or ""
	// when generation is unavailable or fails.
	Generate(ctx context.Context, prompt string) string
}

// NullVision is the default Vision used when no backend is configured.
type NullVision struct{}

// Analyze implements Vision by returning "".
func (NullVision) Analyze(context.Context, string, string) string { return "" }

// Generate implements Vision by returning "".
func (NullVision) Generate(context.Context, string) string { return "" }
