package netx

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client wraps an http.Client with retry behavior for transient transport
// failures.
//
// Only idempotent requests are retried, and HTTP statuses are always handed
// back to the caller untouched: download-manager endpoints encode protocol
// errors in the status code, so the caller owns their classification.
type Client struct {
	httpClient *http.Client
	retry      RetryOptions
}

// NewClient builds a Client with a tuned transport and timeout.
//
// A zero or negative timeout falls back to 30 seconds. Per-call budgets are
// expected to be narrowed further with context deadlines.
func NewClient(timeout time.Duration, retry RetryOptions) *Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: tr},
		retry:      retry,
	}
}

// NewClientWithHTTPClient builds a Client from an existing http.Client.
//
// A nil client is replaced with a default client, and a non-positive timeout is
// normalized to 30 seconds.
func NewClientWithHTTPClient(httpClient *http.Client, retry RetryOptions) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if httpClient.Timeout <= 0 {
		httpClient.Timeout = 30 * time.Second
	}
	return &Client{
		httpClient: httpClient,
		retry:      retry,
	}
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Send issues one logical request and reads the whole body.
//
// A fresh *http.Request is built for every attempt so request bodies can be
// replayed safely. GET and HEAD requests are retried on transient transport
// errors; every other method gets exactly one attempt.
func (c *Client) Send(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (Response, error) {
	opts := c.retry
	if !isIdempotent(method) {
		opts.Retries = 0
	}
	resp, err := RetryOperation(ctx, opts, func() (Response, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
		if err != nil {
			return Response{}, &permanentError{err: err}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		res, err := c.httpClient.Do(req)
		if err != nil {
			if isRetryableError(err) {
				return Response{}, err
			}
			return Response{}, &permanentError{err: err}
		}
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return Response{}, &permanentError{err: err}
		}
		return Response{Status: res.StatusCode, Header: res.Header, Body: b}, nil
	})
	if err != nil {
		return Response{}, unwrapPermanent(err)
	}
	return resp, nil
}

// GetText sends a GET request and returns status code plus UTF-8 text body.
func (c *Client) GetText(ctx context.Context, rawURL string, headers map[string]string) (int, string, error) {
	resp, err := c.Send(ctx, http.MethodGet, rawURL, headers, nil)
	if err != nil {
		return 0, "", err
	}
	return resp.Status, string(resp.Body), nil
}

// PostJSON sends body with a JSON content type and returns status plus raw
// response body.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body []byte) (int, []byte, error) {
	resp, err := c.Send(ctx, http.MethodPost, rawURL, map[string]string{"Content-Type": "application/json"}, body)
	if err != nil {
		return 0, nil, err
	}
	return resp.Status, resp.Body, nil
}

type permanentError struct{ err error }

// permanentError marks failures that should bypass retry logic.
func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func unwrapPermanent(err error) error {
	if p, ok := err.(*permanentError); ok {
		return p.err
	}
	return err
}

func isIdempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection reset") || strings.Contains(s, "timeout") || strings.Contains(s, "eof")
}
