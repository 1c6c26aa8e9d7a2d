package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Doer executes HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient is the provider-facing client shared by all adapters. Requests
// are rate limited per host and bounded by a finite timeout.
type HTTPClient struct {
	client *http.Client
	rps    float64
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPClient creates a client. Non-positive values fall back to 10s,
// 10 rps and a burst of 20.
func NewHTTPClient(timeout time.Duration, rps float64, burst int) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &HTTPClient{
		client:   &http.Client{Timeout: timeout},
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *HTTPClient) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(c.rps), c.burst)
	c.limiters[host] = l
	return l
}

// Do waits for the host's limiter and sends req.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter(req.URL.Host).Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// Call sends a request with an optional JSON body and decodes a JSON
// response into out when out is non-nil. Transport failures are Transient
// and non-2xx responses are classified with ClassifyHTTP.
func Call(ctx context.Context, d Doer, method, url string, header http.Header, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.Do(req)
	if err != nil {
		return &ProviderError{Kind: Transient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &ProviderError{Kind: Transient, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ClassifyHTTP(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProviderError{Kind: Permanent, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
