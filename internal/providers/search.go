package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/taskweave/taskweave"
)

const defaultSearchURL = "https://api.tavily.com/search"

// SearchProvider serves tavily_search over the Tavily HTTP API.
type SearchProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// SearchOption configures a SearchProvider.
type SearchOption func(*SearchProvider)

// WithSearchClient overrides the HTTP client.
func WithSearchClient(client *http.Client) SearchOption {
	return func(p *SearchProvider) { p.client = client }
}

// WithSearchURL overrides the API endpoint.
func WithSearchURL(baseURL string) SearchOption {
	return func(p *SearchProvider) { p.baseURL = baseURL }
}

// NewSearchProvider creates a SearchProvider.
func NewSearchProvider(apiKey string, options ...SearchOption) *SearchProvider {
	p := &SearchProvider{
		client:  newHTTPClient(),
		baseURL: defaultSearchURL,
		apiKey:  apiKey,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Invoke implements taskweave.Provider.
func (p *SearchProvider) Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	if tool != "tavily_search" {
		return nil, &taskweave.ProviderError{
			Code: "BAD_TOOL", Message: fmt.Sprintf("search provider cannot serve tool '%s'", tool), Retryable: false,
		}
	}

	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}
	maxResults := optionalInt(params, "max_results", 10)

	body, err := json.Marshal(map[string]any{
		"api_key":     p.apiKey,
		"query":       query,
		"max_results": maxResults,
	})
	if err != nil {
		return nil, &taskweave.ProviderError{Code: "BAD_PARAMS", Message: err.Error(), Retryable: false}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Answer  string `json:"answer"`
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := doJSON(p.client, req, &out); err != nil {
		return nil, err
	}

	results := make([]any, 0, len(out.Results))
	for _, r := range out.Results {
		results = append(results, map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"content": r.Content,
		})
	}

	payload := map[string]any{"results": results, "count": len(results)}
	if out.Answer != "" {
		payload["answer"] = out.Answer
	}
	return payload, nil
}
