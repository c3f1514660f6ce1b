// Package fetch downloads remote spec documents over HTTP(S).
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
)

// Client fetches spec documents with retries on transient failures.
type Client struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	headers   map[string]string
	retrier   *drifterrors.Retrier
	mu        sync.RWMutex
}

// Config holds configuration for the client.
type Config struct {
	Timeout       time.Duration     `yaml:"timeout" json:"timeout"`
	MaxBytes      int64             `yaml:"max_bytes" json:"max_bytes"`
	UserAgent     string            `yaml:"user_agent" json:"user_agent"`
	Headers       map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	SkipTLSVerify bool              `yaml:"skip_tls_verify" json:"skip_tls_verify"`
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		MaxBytes:  10 * 1024 * 1024,
		UserAgent: "SpecWatch/1.0",
	}
}

// NewClient creates a new client.
func NewClient(config Config) *Client {
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultConfig().MaxBytes
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultConfig().UserAgent
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.SkipTLSVerify,
		},
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: config.UserAgent,
		maxBytes:  config.MaxBytes,
		headers:   config.Headers,
		retrier:   drifterrors.NewDefaultRetrier(),
	}
}

// SetHeaders sets custom headers for all requests, e.g. an Authorization header for a
// private spec registry.
func (c *Client) SetHeaders(headers map[string]string) {
	c.mu.Lock()
	c.headers = headers
	c.mu.Unlock()
}

// Document is a downloaded spec document.
type Document struct {
	URL         string
	FinalURL    string
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// Name returns a file name for format detection: the last path segment of the final URL.
func (d *Document) Name() string {
	u, err := url.Parse(d.FinalURL)
	if err != nil || u.Path == "" {
		return ""
	}
	return u.Path[strings.LastIndexByte(u.Path, '/')+1:]
}

// IsURL reports whether s is an http or https URL.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Get downloads one document. 5xx responses and network failures are Unavailable, 404 is
// NotFound and any other non-2xx status is UnprocessableContract.
func (c *Client) Get(ctx context.Context, targetURL string) (*Document, error) {
	start := time.Now()
	if !IsURL(targetURL) {
		return nil, drifterrors.NewUnprocessableError(targetURL, "not an http(s) URL", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, drifterrors.NewUnprocessableError(targetURL, "failed to create request", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, application/yaml, application/x-yaml, text/yaml, */*;q=0.5")

	c.mu.RLock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	c.mu.RUnlock()

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, drifterrors.NewCancelledError("fetch_spec", targetURL)
		}
		return nil, drifterrors.NewUnavailableError("fetch_spec", targetURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, drifterrors.NewNotFoundError("fetch_spec", targetURL)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, drifterrors.NewUnavailableError("fetch_spec", targetURL,
			fmt.Errorf("server returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, drifterrors.NewUnprocessableError(targetURL,
			fmt.Sprintf("server returned %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, drifterrors.NewUnavailableError("fetch_spec", targetURL, err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, drifterrors.NewUnprocessableError(targetURL,
			fmt.Sprintf("document exceeds %d bytes", c.maxBytes), nil)
	}

	return &Document{
		URL:         targetURL,
		FinalURL:    resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Duration:    time.Since(start),
	}, nil
}

// GetWithRetry performs Get with automatic retries for transient errors.
func (c *Client) GetWithRetry(ctx context.Context, targetURL string) (*Document, error) {
	var doc *Document

	res := c.retrier.Do(ctx, "fetch_spec", targetURL, func(ctx context.Context) error {
		var err error
		doc, err = c.Get(ctx, targetURL)
		return err
	})
	if err := res.Err(); err != nil {
		return nil, err
	}
	return doc, nil
}

// SetRetryConfig sets custom retry configuration.
func (c *Client) SetRetryConfig(config drifterrors.RetryConfig) {
	c.retrier = drifterrors.NewRetrier(config)
}

// Close releases idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}
