package oracle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPClient submits requests to an oracle gateway over HTTP.
type HTTPClient struct {
	url   string
	token string
	http  *http.Client
}

// NewHTTPClient creates a gateway client. token, if set, is sent as a
// bearer credential.
func NewHTTPClient(url, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		url:   url,
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

// Submit posts the canonical payload. Any non-2xx status is an error.
func (c *HTTPClient) Submit(ctx context.Context, req Request) error {
	payload, err := req.Payload()
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("submit to gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	slog.Debug("oracle request submitted", "handle", req.Handle, "id", req.PredicateID)
	return nil
}
