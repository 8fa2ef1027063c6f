package source

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

const defaultUserAgent = "pibackend/1.0 (+https://localhost)"

// Client is a shared outbound HTTP client for the external-API adapters.
//
// It applies a per-host rate limit so a burst of simultaneously-due jobs
// cannot hammer one upstream, and maps transport/status failures onto the
// FetchError taxonomy.
type Client struct {
	hc *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewClient(timeout time.Duration, perHostRPS float64) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if perHostRPS <= 0 {
		perHostRPS = 2
	}
	return &Client{
		hc:       &http.Client{Timeout: timeout},
		limiters: map[string]*rate.Limiter{},
		rps:      rate.Limit(perHostRPS),
		burst:    int(perHostRPS) + 1,
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim := c.limiters[host]
	if lim == nil {
		lim = rate.NewLimiter(c.rps, c.burst)
		c.limiters[host] = lim
	}
	return lim
}

// GetJSON fetches url and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	return c.doJSON(ctx, http.MethodGet, url, headers, nil, out)
}

// PostJSON sends body as JSON and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, url, headers, body, out)
}

// PostRaw sends a raw text body (Overpass QL and friends) and decodes the JSON response.
func (c *Client) PostRaw(ctx context.Context, url string, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Wrap(KindUnavailable, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", defaultUserAgent)
	return c.send(req, out)
}

func (c *Client) doJSON(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Wrap(KindMalformed, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return Wrap(KindUnavailable, err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if err := c.limiter(req.URL.Host).Wait(req.Context()); err != nil {
		return Wrap(KindTimeout, err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return Wrap(KindTimeout, req.Context().Err())
		}
		return Wrap(KindUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Errf(KindUnauthorized, "%s: status %d", req.URL.Host, resp.StatusCode)
	case resp.StatusCode >= 400:
		return Errf(KindRemote, "%s: status %d", req.URL.Host, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	// Cap response bodies; none of the upstreams legitimately send more.
	dec := json.NewDecoder(io.LimitReader(resp.Body, 8<<20))
	if err := dec.Decode(out); err != nil {
		return Errf(KindMalformed, "%s: %v", req.URL.Host, err)
	}
	return nil
}

// FmtCoord renders a coordinate the way the upstream query strings expect.
func FmtCoord(v float64) string { return fmt.Sprintf("%.5f", v) }
