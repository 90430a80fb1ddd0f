// Package providers implements the tool backends the dispatcher invokes.
// Every provider returns *taskweave.ProviderError at its HTTP boundary so
// the dispatcher can tell transient faults from permanent ones.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskweave/taskweave"
)

const defaultHTTPTimeout = 10 * time.Second

// maxResponseBody caps how much of an upstream body is read.
const maxResponseBody = 1 << 20

// newHTTPClient returns the shared default client for providers.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// classifyHTTPError maps a transport-level error to a ProviderError.
// Timeouts and connection faults are retryable.
func classifyHTTPError(err error) *taskweave.ProviderError {
	retryable := true
	if errors.Is(err, context.Canceled) {
		retryable = false
	}
	return &taskweave.ProviderError{
		Code:      "NETWORK",
		Message:   err.Error(),
		Retryable: retryable,
	}
}

// classifyStatus maps a non-2xx HTTP status to a ProviderError. Rate
// limits and server errors are retryable; other client errors are not.
func classifyStatus(status int, body []byte) *taskweave.ProviderError {
	msg := http.StatusText(status)
	if len(body) > 0 {
		excerpt := string(body)
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		msg = fmt.Sprintf("%s: %s", msg, excerpt)
	}
	return &taskweave.ProviderError{
		Code:      fmt.Sprintf("%d", status),
		Message:   msg,
		Retryable: status == http.StatusTooManyRequests || status >= 500,
	}
}

// doJSON performs an HTTP request and decodes a JSON response into out.
// All failure paths yield *taskweave.ProviderError.
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return classifyHTTPError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return classifyHTTPError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, body)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &taskweave.ProviderError{
				Code:      "BAD_RESPONSE",
				Message:   fmt.Sprintf("failed to decode response: %v", err),
				Retryable: false,
			}
		}
	}
	return nil
}

// stringParam extracts a required string parameter.
func stringParam(params map[string]any, name string) (string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return "", &taskweave.ProviderError{
			Code:      "BAD_PARAMS",
			Message:   fmt.Sprintf("parameter '%s' is required", name),
			Retryable: false,
		}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &taskweave.ProviderError{
			Code:      "BAD_PARAMS",
			Message:   fmt.Sprintf("parameter '%s' must be a non-empty string", name),
			Retryable: false,
		}
	}
	return s, nil
}

// optionalString extracts an optional string parameter with a default.
func optionalString(params map[string]any, name, fallback string) string {
	if v, ok := params[name]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// optionalInt extracts an optional integer parameter with a default.
// JSON decoding yields float64 for numbers.
func optionalInt(params map[string]any, name string, fallback int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
