package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxErrorBody caps how much of a failed response body ends up in an error message
const maxErrorBody = 256

// Options configures a HeaderSettingClient
type Options struct {
	UserAgent             string        // sent on every request
	Timeout               time.Duration // overall request timeout, 0 for streaming clients
	ResponseHeaderTimeout time.Duration // deadline for response headers
	ProxyURL              string        // optional HTTP proxy
	DisableCompression    bool          // never ask for gzip, bodies arrive byte-exact
}

// HeaderSettingClient wraps http.Client to automatically set headers
type HeaderSettingClient struct {
	Client    *http.Client
	userAgent string
}

// StatusError is returned by GetJSON for non-2xx responses
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// NewHeaderSettingClient builds a client with pooled keep-alive connections.
func NewHeaderSettingClient(opts Options) (*HeaderSettingClient, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		DisableCompression:    opts.DisableCompression,
	}

	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &HeaderSettingClient{
		Client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgent: opts.UserAgent,
	}, nil
}

// Do sets the default headers and performs the request
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

// GetJSON fetches url and decodes a JSON body into v
func (hsc *HeaderSettingClient) GetJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return hsc.decode(req, v)
}

func (hsc *HeaderSettingClient) decode(req *http.Request, v any) error {
	resp, err := hsc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// PostJSON sends body encoded as JSON and decodes a JSON response into v
func (hsc *HeaderSettingClient) PostJSON(ctx context.Context, url string, body, v any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return hsc.decode(req, v)
}

// CloseIdleConnections releases pooled connections
func (hsc *HeaderSettingClient) CloseIdleConnections() {
	hsc.Client.CloseIdleConnections()
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if hsc.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
}
