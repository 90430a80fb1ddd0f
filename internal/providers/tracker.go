package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/taskweave/taskweave"
)

const defaultTrackerURL = "https://api.github.com"

// TrackerProvider serves issue-tracker tools over a GitHub-style REST API:
// create_issue, list_issues and get_file_contents.
type TrackerProvider struct {
	client  *http.Client
	baseURL string
	token   string
}

// TrackerOption configures a TrackerProvider.
type TrackerOption func(*TrackerProvider)

// WithTrackerClient overrides the HTTP client.
func WithTrackerClient(client *http.Client) TrackerOption {
	return func(p *TrackerProvider) { p.client = client }
}

// WithTrackerURL overrides the API base URL.
func WithTrackerURL(baseURL string) TrackerOption {
	return func(p *TrackerProvider) { p.baseURL = baseURL }
}

// WithTrackerToken sets the bearer token sent with every request.
func WithTrackerToken(token string) TrackerOption {
	return func(p *TrackerProvider) { p.token = token }
}

// NewTrackerProvider creates a TrackerProvider.
func NewTrackerProvider(options ...TrackerOption) *TrackerProvider {
	p := &TrackerProvider{
		client:  newHTTPClient(),
		baseURL: defaultTrackerURL,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Invoke implements taskweave.Provider.
func (p *TrackerProvider) Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	owner, err := stringParam(params, "owner")
	if err != nil {
		return nil, err
	}
	repo, err := stringParam(params, "repo")
	if err != nil {
		return nil, err
	}

	switch tool {
	case "create_issue":
		return p.createIssue(ctx, owner, repo, params)
	case "list_issues":
		return p.listIssues(ctx, owner, repo, params)
	case "get_file_contents":
		return p.getFileContents(ctx, owner, repo, params)
	default:
		return nil, &taskweave.ProviderError{
			Code: "BAD_TOOL", Message: fmt.Sprintf("tracker provider cannot serve tool '%s'", tool), Retryable: false,
		}
	}
}

func (p *TrackerProvider) createIssue(ctx context.Context, owner, repo string, params map[string]any) (map[string]any, error) {
	title, err := stringParam(params, "title")
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"title": title}
	if body := optionalString(params, "body", ""); body != "" {
		payload["body"] = body
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &taskweave.ProviderError{Code: "BAD_PARAMS", Message: err.Error(), Retryable: false}
	}

	u := fmt.Sprintf("%s/repos/%s/%s/issues", p.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	p.setHeaders(req)

	var issue struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
		Title   string `json:"title"`
		State   string `json:"state"`
	}
	if err := doJSON(p.client, req, &issue); err != nil {
		return nil, err
	}

	return map[string]any{
		"number": issue.Number,
		"url":    issue.HTMLURL,
		"title":  issue.Title,
		"state":  issue.State,
	}, nil
}

func (p *TrackerProvider) listIssues(ctx context.Context, owner, repo string, params map[string]any) (map[string]any, error) {
	state := optionalString(params, "state", "all")
	perPage := optionalInt(params, "perPage", 100)

	u := fmt.Sprintf("%s/repos/%s/%s/issues?state=%s&per_page=%d",
		p.baseURL, owner, repo, url.QueryEscape(state), perPage)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	p.setHeaders(req)

	var raw []struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
	}
	if err := doJSON(p.client, req, &raw); err != nil {
		return nil, err
	}

	issues := make([]any, 0, len(raw))
	for _, it := range raw {
		issues = append(issues, map[string]any{
			"number": it.Number,
			"title":  it.Title,
			"state":  it.State,
		})
	}
	return map[string]any{"issues": issues, "count": len(issues)}, nil
}

func (p *TrackerProvider) getFileContents(ctx context.Context, owner, repo string, params map[string]any) (map[string]any, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s", p.baseURL, owner, repo, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	p.setHeaders(req)

	var file struct {
		Name    string `json:"name"`
		Path    string `json:"path"`
		Content string `json:"content"`
		SHA     string `json:"sha"`
	}
	if err := doJSON(p.client, req, &file); err != nil {
		return nil, err
	}

	return map[string]any{
		"name":    file.Name,
		"path":    file.Path,
		"content": file.Content,
		"sha":     file.SHA,
	}, nil
}

func (p *TrackerProvider) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}
