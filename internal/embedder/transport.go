package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxRetries bounds retries of throttled or failed requests.
const maxRetries = 3

// APIError is a non-2xx response from an embedding API.
type APIError struct {
	Backend string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s embedder: HTTP %d: %s", e.Backend, e.Status, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// apiResponse is implemented by response bodies that carry an error message.
type apiResponse interface {
	apiMessage() string
}

// jsonClient posts JSON to one embedding API and retries transient failures
// with exponential backoff.
type jsonClient struct {
	backend string
	http    *http.Client
	header  http.Header
	// backoff builds the retry policy for one call. Tests shorten it.
	backoff func() backoff.BackOff
}

func newJSONClient(backend string, timeout time.Duration, header http.Header) *jsonClient {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	return &jsonClient{
		backend: backend,
		http:    &http.Client{Timeout: timeout},
		header:  header,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 0
			return backoff.WithMaxRetries(b, maxRetries)
		},
	}
}

// post sends in to url and decodes the response into out. Transport errors,
// 429 and 5xx responses are retried; anything else fails immediately.
func (c *jsonClient) post(ctx context.Context, url string, in any, out apiResponse) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s embedder: marshal request: %w", c.backend, err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s embedder: create request: %w", c.backend, err))
		}
		req.Header = c.header.Clone()
		return c.do(req, out)
	}
	return backoff.Retry(op, backoff.WithContext(c.backoff(), ctx))
}

func (c *jsonClient) do(req *http.Request, out apiResponse) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return backoff.Permanent(fmt.Errorf("%s embedder: %w", c.backend, err))
		}
		return fmt.Errorf("%s embedder: request failed: %w", c.backend, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s embedder: read response: %w", c.backend, err)
	}
	decodeErr := json.Unmarshal(body, out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Backend: c.backend, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && out.apiMessage() != "" {
			apiErr.Message = out.apiMessage()
		}
		if apiErr.Temporary() {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}
	if decodeErr != nil {
		return backoff.Permanent(fmt.Errorf("%s embedder: decode response: %w", c.backend, decodeErr))
	}
	return nil
}
