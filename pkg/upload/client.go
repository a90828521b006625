// Package upload sends captures to the remote proxy.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/field-capture/pkg/types"
)

// ErrRejected is returned when the proxy answers but refuses the capture
var ErrRejected = errors.New("upload rejected")

// ErrNotConfigured is returned when no proxy URL was set
var ErrNotConfigured = errors.New("upload proxy URL not configured")

// maxResponseSize caps how much of a reply is read
const maxResponseSize = 1 << 20

// Client posts JSON upload requests to the proxy
type Client struct {
	proxyURL   string
	httpClient *http.Client
}

// NewClient creates a client for proxyURL with the given timeout
func NewClient(proxyURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		proxyURL:   strings.TrimSpace(proxyURL),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a proxy URL is set
func (c *Client) Configured() bool {
	return c.proxyURL != ""
}

// Upload sends one capture. Any transport error, non-200 status, unreadable
// reply or success=false is returned as an error.
func (c *Client) Upload(ctx context.Context, req types.UploadRequest) (types.UploadResponse, error) {
	if !c.Configured() {
		return types.UploadResponse{}, ErrNotConfigured
	}

	body, err := json.Marshal(req)
	if err != nil {
		return types.UploadResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.proxyURL, bytes.NewReader(body))
	if err != nil {
		return types.UploadResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return types.UploadResponse{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return types.UploadResponse{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return types.UploadResponse{}, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out types.UploadResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return types.UploadResponse{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "no reason given"
		}
		return out, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return out, nil
}

// Send uploads image data with batch metadata
func (c *Client) Send(ctx context.Context, imageBase64, filename string, md types.Metadata) (types.UploadResponse, error) {
	return c.Upload(ctx, types.UploadRequest{
		Image:    imageBase64,
		Filename: filename,
		Metadata: md.Payload(),
	})
}

// Ping reports whether the proxy host answers at all. Any HTTP status counts
// as reachable.
func (c *Client) Ping(ctx context.Context) bool {
	if !c.Configured() {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.proxyURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
