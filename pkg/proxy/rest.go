package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"oagw/pkg/failure"
	"oagw/pkg/routes"
)

// maxErrorBodyBytes caps how much of an upstream error body is buffered for
// passthrough. Success bodies are never capped; a complete response reaches
// the client byte for byte.
const maxErrorBodyBytes = 4 << 20

// hop-by-hop headers are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type RESTAdapter struct {
	Client *http.Client
}

func NewRESTAdapter(client *http.Client) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	return &RESTAdapter{Client: client}
}

func (a *RESTAdapter) Invoke(ctx context.Context, route routes.Route, req *InboundRequest) (*Outcome, *failure.Failure) {
	target := buildURL(route.Upstream, req.Path, req.Query)
	callCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(route.Timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	outbound, err := http.NewRequestWithContext(callCtx, req.Method, target, req.Body)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, failure.Malformed("cannot build upstream request: " + err.Error())
	}
	copyInboundHeaders(outbound.Header, req.Header)

	resp, err := a.Client.Do(outbound)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, classifyTransportError(ctx, route.Alias, err, timedOut.Load())
	}

	filtered := filterUpstreamHeaders(resp.Header)

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		timer.Stop()
		cancel()
		f := failure.UpstreamStatus(resp.StatusCode, resp.Header.Get("Content-Type"), body)
		f.RetryAfter = failure.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, f
	}

	// Stream detection looks at headers only; no body bytes are consumed
	// before the forwarder takes over. Route.Timeout covers connect and
	// response headers; an open stream then lives until either side hangs up.
	if isEventStream(resp.Header.Get("Content-Type")) {
		timer.Stop()
		return &Outcome{
			Status: resp.StatusCode,
			Header: filtered,
			Stream: &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		}, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	timer.Stop()
	cancel()
	if readErr != nil {
		if timedOut.Load() {
			return nil, failure.UpstreamTimeout(route.Alias)
		}
		return nil, failure.UpstreamUnavailable(readErr)
	}
	return &Outcome{Status: resp.StatusCode, Header: filtered, Body: body}, nil
}

// cancelOnClose ties the upstream call context to the stream lifetime.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func classifyTransportError(ctx context.Context, alias string, err error, timedOut bool) *failure.Failure {
	if errors.Is(ctx.Err(), context.Canceled) {
		return failure.Internal(errors.New("inbound request canceled"))
	}
	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		return failure.UpstreamTimeout(alias)
	}
	return failure.UpstreamUnavailable(err)
}

// buildURL joins base and path the way the upstream expects: base loses any
// trailing slash, path gains a leading one, query passes through untouched.
func buildURL(base, path, query string) string {
	u := strings.TrimSuffix(strings.TrimSpace(base), "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u += path
	if query != "" {
		u += "?" + query
	}
	return u
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/event-stream")
}

// copyInboundHeaders forwards inbound headers except hop-by-hop ones and the
// gateway's own Authorization header, which is tenant credentials, not
// upstream credentials.
func copyInboundHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopHeader(k) || strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func filterUpstreamHeaders(src http.Header) http.Header {
	dst := http.Header{}
	for k, vv := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	return dst
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// DefaultClient returns the outbound HTTP client used when none is injected.
// The per-call deadline comes from Route.Timeout, not the client.
func DefaultClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 0,
		},
	}
}
