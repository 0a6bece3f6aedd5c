// Package blob talks to the feature-vector blob store over HTTP. Queue
// messages reference features by key instead of inlining them; this client is
// how the collector and deploy pipeline resolve those keys.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors for blob store failures.
var (
	ErrBlobUnreachable = errors.New("blob store unreachable")
	ErrBlobNotFound    = errors.New("blob not found")
	ErrBlobTimeout     = errors.New("blob store timeout")
)

// Store is the interface for reading and writing feature blobs.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Store against a content-addressed HTTP blob service.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewHTTPClient creates a new blob store HTTP client.
func NewHTTPClient(baseURL, username, password string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Put(ctx context.Context, key string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.blobURL(key), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("put blob %s: status %d", key, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.blobURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get blob %s: status %d", key, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading blob body: %w", err)
	}
	return data, nil
}

func (c *HTTPClient) Exists(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.blobURL(key), nil)
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, classifyError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("head blob %s: status %d", key, resp.StatusCode)
	}
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlobUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: blob store not ready (status %d)", ErrBlobUnreachable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) blobURL(key string) string {
	return fmt.Sprintf("%s/blobs/%s", c.baseURL, url.PathEscape(key))
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrBlobTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrBlobTimeout, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrBlobUnreachable, err)
}
