package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeoutSeconds = 30

// HTTPExecutor delivers the opaque payload to an external service over HTTP
// and treats the response body as the execution result. Non-2xx responses are
// domain failures.
type HTTPExecutor struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

// NewHTTPExecutor creates an executor posting payloads to url.
func NewHTTPExecutor(url string, headers map[string]string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}

	return &HTTPExecutor{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, payload json.RawMessage) (string, error) {
	body := bytes.NewReader(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, body)
	if err != nil {
		return "", fmt.Errorf("failed to build callback request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range e.Headers {
		req.Header.Set(key, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("callback request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read callback response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("callback returned status %d: %s", resp.StatusCode, string(responseBody))
	}

	return string(responseBody), nil
}
