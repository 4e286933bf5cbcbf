// Package tool provides optional auxiliary capabilities the pipeline can
// consult during reasoning: web search grounding and image analysis.
//
// Tools are strictly best-effort. A tool that is unavailable, misconfigured,
// or failing must degrade to an empty result so the reasoning stages proceed
// on model knowledge alone.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SearchResult is one hit returned by a search backend.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher retrieves web context for a query.
//
// Implementations never return an error to callers that cannot act on one;
// Search degrades to an empty slice on any failure.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) []SearchResult
}

// HTTPSearcher queries a JSON search API over HTTP.
//
// The endpoint receives POST {"query": ..., "limit": ...} and responds with
// {"results": [{"title", "url", "snippet"}, ...]}. Any transport error,
// non-2xx status, or malformed payload yields an empty result set.
type HTTPSearcher struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSearcher creates a searcher for the given endpoint. The API key is
// sent as a bearer token when non-empty.
func NewHTTPSearcher(endpoint, apiKey string) *HTTPSearcher {
	return &HTTPSearcher{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Search queries the backend. Failures degrade to an empty slice.
func (h *HTTPSearcher) Search(ctx context.Context, query string, limit int) []SearchResult {
	if h.endpoint == "" || strings.TrimSpace(query) == "" {
		return nil
	}
	if limit <= 0 {
		limit = 5
	}

	payload, err := json.Marshal(map[string]interface{}{
		"query": query,
		"limit": limit,
	})
	if err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}

	var decoded struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil
	}
	if len(decoded.Results) > limit {
		decoded.Results = decoded.Results[:limit]
	}
	return decoded.Results
}

// NullSearcher always returns no results. Used when search is not configured.
type NullSearcher struct{}

// Search implements Searcher by returning nil.
func (NullSearcher) Search(context.Context, string, int) []SearchResult { return nil }

// FormatContext renders search results as a context block for inclusion in a
// model prompt. Returns "" when there are no results.
func FormatContext(results []SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant web context:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s (%s)\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return b.String()
}
