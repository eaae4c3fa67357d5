package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"oagw/pkg/failure"
	"oagw/pkg/routes"
)

func restRoute(upstream string) routes.Route {
	return routes.Route{Alias: "billing", Upstream: upstream, Protocol: routes.ProtocolREST, Timeout: 2 * time.Second}
}

func TestRESTAdapterPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/invoices" {
			t.Errorf("unexpected upstream path %q", r.URL.Path)
		}
		if r.URL.RawQuery != "page=2" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("inbound Authorization must not reach upstream")
		}
		if r.Header.Get("X-Request-Id") != "req-1" {
			t.Errorf("custom header not forwarded: %q", r.Header.Get("X-Request-Id"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(201)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	adapter := NewRESTAdapter(srv.Client())
	header := http.Header{}
	header.Set("Authorization", "Bearer tenant-token")
	header.Set("X-Request-Id", "req-1")
	out, fail := adapter.Invoke(context.Background(), restRoute(srv.URL+"/"), &InboundRequest{
		Method: http.MethodGet,
		Path:   "v2/invoices",
		Query:  "page=2",
		Header: header,
	})
	if fail != nil {
		t.Fatalf("unexpected failure: %v", fail)
	}
	if out.Streaming() {
		t.Fatal("plain JSON response misdetected as stream")
	}
	if out.Status != 201 || string(out.Body) != `{"ok":true}` {
		t.Fatalf("unexpected outcome: status=%d body=%s", out.Status, out.Body)
	}
	if ct := out.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("upstream header lost: %q", ct)
	}
}

func TestRESTAdapterUpstreamErrorIsUpstreamOrigin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(429)
		_, _ = w.Write([]byte(`{"detail":"upstream throttled"}`))
	}))
	defer srv.Close()

	adapter := NewRESTAdapter(srv.Client())
	out, fail := adapter.Invoke(context.Background(), restRoute(srv.URL), &InboundRequest{Method: http.MethodGet, Path: "/x"})
	if out != nil || fail == nil {
		t.Fatalf("expected failure, got outcome=%v failure=%v", out, fail)
	}
	if fail.Source != failure.SourceUpstream {
		t.Fatalf("upstream 429 must stay upstream-origin, got %s", fail.Source)
	}
	if fail.Status != 429 || string(fail.UpstreamBody) != `{"detail":"upstream throttled"}` {
		t.Fatalf("upstream status/body not preserved: %+v", fail)
	}
	if fail.UpstreamContentType != "application/problem+json" {
		t.Fatalf("upstream content type not preserved: %q", fail.UpstreamContentType)
	}
}

func TestRESTAdapterTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	route := restRoute(srv.URL)
	route.Timeout = 20 * time.Millisecond
	adapter := NewRESTAdapter(srv.Client())
	_, fail := adapter.Invoke(context.Background(), route, &InboundRequest{Method: http.MethodGet, Path: "/"})
	if fail == nil || fail.Code != failure.CodeUpstreamTimeout {
		t.Fatalf("expected upstream timeout, got %v", fail)
	}
	if fail.Source != failure.SourceUpstream {
		t.Fatalf("timeout must be upstream-origin, got %s", fail.Source)
	}
}

func TestRESTAdapterUnreachable(t *testing.T) {
	adapter := NewRESTAdapter(&http.Client{Timeout: 100 * time.Millisecond})
	_, fail := adapter.Invoke(context.Background(), restRoute("http://127.0.0.1:1"), &InboundRequest{Method: http.MethodGet, Path: "/"})
	if fail == nil || fail.Code != failure.CodeUpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %v", fail)
	}
}

func TestRESTAdapterStreamDetectionBeforeBody(t *testing.T) {
	firstEvent := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		w.(http.Flusher).Flush()
		<-firstEvent
		_, _ = w.Write([]byte("data: one\n\n"))
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	adapter := NewRESTAdapter(srv.Client())
	out, fail := adapter.Invoke(context.Background(), restRoute(srv.URL), &InboundRequest{Method: http.MethodGet, Path: "/events"})
	if fail != nil {
		t.Fatalf("unexpected failure: %v", fail)
	}
	// The handle must exist before the upstream has produced any body byte.
	if !out.Streaming() {
		t.Fatal("event-stream response not detected as stream")
	}
	close(firstEvent)
	reader := bufio.NewReader(out.Stream)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.HasPrefix(line, "data: one") {
		t.Fatalf("unexpected first event line %q", line)
	}
	_ = out.Stream.Close()
}

func TestRESTAdapterLargeBodyNotTruncated(t *testing.T) {
	want := maxErrorBodyBytes + 1024
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := bytes.Repeat([]byte("a"), 64<<10)
		written := 0
		for written < want {
			n := len(chunk)
			if want-written < n {
				n = want - written
			}
			_, _ = w.Write(chunk[:n])
			written += n
		}
	}))
	defer srv.Close()

	adapter := NewRESTAdapter(srv.Client())
	out, fail := adapter.Invoke(context.Background(), restRoute(srv.URL), &InboundRequest{Method: http.MethodGet, Path: "/export"})
	if fail != nil {
		t.Fatalf("unexpected failure: %v", fail)
	}
	if len(out.Body) != want {
		t.Fatalf("complete response truncated: got %d bytes, want %d", len(out.Body), want)
	}
}

func TestRESTAdapterRetryAfterPropagated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(429)
		_, _ = w.Write([]byte(`{"detail":"throttled"}`))
	}))
	defer srv.Close()

	adapter := NewRESTAdapter(srv.Client())
	_, fail := adapter.Invoke(context.Background(), restRoute(srv.URL), &InboundRequest{Method: http.MethodGet, Path: "/x"})
	if fail == nil {
		t.Fatal("expected failure")
	}
	if fail.RetryAfter != 7 {
		t.Fatalf("upstream Retry-After hint lost: got %d, want 7", fail.RetryAfter)
	}

	rec := httptest.NewRecorder()
	failure.Write(rec, fail)
	if got := rec.Header().Get("Retry-After"); got != "7" {
		t.Fatalf("rendered Retry-After = %q, want 7", got)
	}
	if rec.Body.String() != `{"detail":"throttled"}` {
		t.Fatalf("upstream body not preserved: %s", rec.Body.String())
	}
}

func TestRESTAdapterStreamOutlivesRouteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("data: one\n\n"))
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("data: two\n\n"))
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	route := restRoute(srv.URL)
	route.Timeout = 50 * time.Millisecond
	adapter := NewRESTAdapter(srv.Client())
	out, fail := adapter.Invoke(context.Background(), route, &InboundRequest{Method: http.MethodGet, Path: "/events"})
	if fail != nil {
		t.Fatalf("unexpected failure: %v", fail)
	}
	if !out.Streaming() {
		t.Fatal("event-stream response not detected as stream")
	}
	defer out.Stream.Close()

	// The second event arrives after the route deadline has passed; the
	// deadline only governs connect and response headers.
	body, err := io.ReadAll(out.Stream)
	if err != nil {
		t.Fatalf("read stream past route deadline: %v", err)
	}
	if !strings.Contains(string(body), "data: two") {
		t.Fatalf("stream cut before second event: %q", body)
	}
}

func TestBuildURL(t *testing.T) {
	cases := []struct {
		base, path, query, want string
	}{
		{"http://up:8080/", "v1/x", "a=1", "http://up:8080/v1/x?a=1"},
		{"http://up:8080", "/v1/x", "", "http://up:8080/v1/x"},
		{"http://up:8080/base/", "", "", "http://up:8080/base"},
	}
	for _, tc := range cases {
		if got := buildURL(tc.base, tc.path, tc.query); got != tc.want {
			t.Fatalf("buildURL(%q,%q,%q)=%q want %q", tc.base, tc.path, tc.query, got, tc.want)
		}
	}
}

func TestDispatcherRejectsUnknownProtocol(t *testing.T) {
	d := NewDispatcher(nil)
	_, fail := d.Invoke(context.Background(), routes.Route{Alias: "x", Protocol: "soap"}, &InboundRequest{})
	if fail == nil || fail.Source != failure.SourceGateway {
		t.Fatalf("unknown protocol must be a gateway failure, got %v", fail)
	}
}
