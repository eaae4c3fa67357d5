// Package oagwsdk is the Go client for the gateway: proxied invocations,
// server-sent event streams, and the route admin API.
package oagwsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"oagw/pkg/failure"
	"oagw/pkg/routes"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
	AdminToken string
}

// Response is one completed proxied call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Error is a terminal gateway error with its source attribution.
type Error struct {
	Status     int
	Source     string
	Code       string
	Message    string
	RetryAfter string
	Body       []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("oagw: status=%d source=%s code=%s: %s", e.Status, e.Source, e.Code, e.Message)
}

// Upstream reports whether the failure originated beyond the gateway, which
// usually means the caller should retry against a healthy upstream.
func (e *Error) Upstream() bool {
	return e.Source == string(failure.SourceUpstream)
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Invoke proxies one request through the gateway. A non-2xx answer becomes an
// *Error carrying the gateway's source attribution.
func (c *Client) Invoke(ctx context.Context, method, alias, path string, body []byte) (*Response, error) {
	httpReq, err := c.proxyRequest(ctx, method, alias, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp, respBody)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// StreamEvent is one server-sent event from a streaming invocation.
type StreamEvent struct {
	Event string
	Data  string
}

// Stream opens a streaming invocation and delivers events to handle as they
// arrive. A mid-stream transport error is returned after the events delivered
// so far; the gateway never appends a terminator of its own.
func (c *Client) Stream(ctx context.Context, method, alias, path string, body []byte, handle func(StreamEvent)) error {
	httpReq, err := c.proxyRequest(ctx, method, alias, path, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return decodeError(resp, respBody)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var current StreamEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Data != "" || current.Event != "" {
				handle(current)
				current = StreamEvent{}
			}
		case strings.HasPrefix(line, "event:"):
			current.Event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if current.Data != "" {
				current.Data += "\n"
			}
			current.Data += strings.TrimSpace(line[len("data:"):])
		}
	}
	if current.Data != "" || current.Event != "" {
		handle(current)
	}
	return scanner.Err()
}

func (c *Client) proxyRequest(ctx context.Context, method, alias, path string, body []byte) (*http.Request, error) {
	alias = strings.ToLower(strings.TrimSpace(alias))
	if alias == "" {
		return nil, fmt.Errorf("alias is required")
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/api/oagw/v1/proxy/"+alias+path, reader)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
	}
	return httpReq, nil
}

// RouteConfig mirrors the admin API payload for one route.
type RouteConfig struct {
	Alias              string `json:"alias,omitempty"`
	Upstream           string `json:"upstream"`
	Protocol           string `json:"protocol"`
	TimeoutMS          int64  `json:"timeout_ms"`
	RateLimitPerWindow int    `json:"rate_limit_per_window"`
	RateLimitWindowSec int    `json:"rate_limit_window_sec"`
	RateLimitHeaders   bool   `json:"rate_limit_headers"`
}

func (c *Client) ListRoutes(ctx context.Context) ([]routes.Route, error) {
	respBody, err := c.admin(ctx, http.MethodGet, "/api/oagw/v1/routes", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Routes []routes.Route `json:"routes"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	return out.Routes, nil
}

func (c *Client) UpsertRoute(ctx context.Context, alias string, cfg RouteConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = c.admin(ctx, http.MethodPut, "/api/oagw/v1/routes/"+strings.ToLower(strings.TrimSpace(alias)), body)
	return err
}

func (c *Client) DeleteRoute(ctx context.Context, alias string) error {
	_, err := c.admin(ctx, http.MethodDelete, "/api/oagw/v1/routes/"+strings.ToLower(strings.TrimSpace(alias)), nil)
	return err
}

func (c *Client) ReloadRoutes(ctx context.Context) error {
	_, err := c.admin(ctx, http.MethodPost, "/api/oagw/v1/routes/reload", nil)
	return err
}

func (c *Client) admin(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	token := c.AdminToken
	if token == "" {
		token = c.AuthToken
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("admin %s %s failed status=%d body=%s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func decodeError(resp *http.Response, body []byte) *Error {
	out := &Error{
		Status:     resp.StatusCode,
		Source:     resp.Header.Get(failure.SourceHeader),
		RetryAfter: resp.Header.Get("Retry-After"),
		Body:       body,
	}
	var envelope failure.Envelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Code != "" {
		out.Code = envelope.Code
		out.Message = envelope.Message
	} else {
		out.Message = strings.TrimSpace(string(body))
	}
	return out
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}
