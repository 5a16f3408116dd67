// Package upstream calls the text-to-image inference router on behalf of
// clients, injecting the server-side credential.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gaspardpetit/imagerelay/internal/logx"
	"github.com/gaspardpetit/imagerelay/internal/metrics"
)

// ErrNoCredential is returned when no API key was configured.
var ErrNoCredential = errors.New("API key not configured")

// Image is a successful generation result.
type Image struct {
	Data        []byte
	ContentType string
}

// Error is a non-2xx upstream response. Status and Body are relayed to the
// client unchanged.
type Error struct {
	Status      int
	ContentType string
	Body        []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// Config configures a Client.
type Config struct {
	// Endpoint is the full model URL, e.g.
	// https://router.huggingface.co/hf-inference/models/<model-id>.
	Endpoint   string
	Credential string
	// Model labels metrics and logs.
	Model string
	// HTTPClient defaults to a client without a timeout so the caller's
	// context decides how long a call may take.
	HTTPClient *http.Client
}

// Client forwards generation requests to a single upstream endpoint.
type Client struct {
	endpoint   string
	credential string
	model      string
	http       *http.Client
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{endpoint: cfg.Endpoint, credential: cfg.Credential, model: cfg.Model, http: hc}
}

// Configured reports whether a credential is available.
func (c *Client) Configured() bool { return c.credential != "" }

// Model returns the model label of the client.
func (c *Client) Model() string { return c.model }

// Generate posts body unchanged to the endpoint and buffers the full response.
// A non-2xx response is returned as *Error.
func (c *Client) Generate(ctx context.Context, body []byte) (*Image, error) {
	if c.credential == "" {
		return nil, ErrNoCredential
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.credential)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstream(c.model, 0, time.Since(start))
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	metrics.ObserveUpstream(c.model, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		lvl := logx.Log.Warn()
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			lvl = logx.Log.Error()
		}
		lvl.Str("model", c.model).Int("status", resp.StatusCode).Str("body", truncate(data, 512)).Msg("upstream error")
		return nil, &Error{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: data}
	}
	return &Image{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
