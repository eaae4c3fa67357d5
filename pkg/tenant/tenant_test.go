package tenant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"oagw/pkg/failure"
	"oagw/pkg/store"
)

func TestMiddlewareResolves(t *testing.T) {
	resolver := &StaticResolver{Tokens: map[string]string{"tok-1": "tenant-a"}}
	var seen string
	handler := Middleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(204)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/oagw/v1/proxy/x/y", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 204 {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if seen != "tenant-a" {
		t.Fatalf("tenant not in context: %q", seen)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	handler := Middleware(&StaticResolver{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a tenant")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != 401 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := rec.Header().Get(failure.SourceHeader); got != "gateway" {
		t.Fatalf("auth failure must be gateway-origin, got %q", got)
	}
}

func TestMiddlewareRejectsUnknownToken(t *testing.T) {
	handler := Middleware(&StaticResolver{Tokens: map[string]string{"tok-1": "tenant-a"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHTTPResolverCachesTenant(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/v1/tenants/resolve" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("token not forwarded: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tenant_id":"tenant-a"}`))
	}))
	defer srv.Close()

	resolver := &HTTPResolver{BaseURL: srv.URL, Cache: store.NewMemoryCache()}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id, err := resolver.ResolveTenant(ctx, "tok-1")
		if err != nil || id != "tenant-a" {
			t.Fatalf("resolve %d: id=%q err=%v", i, id, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one upstream call with caching, got %d", calls)
	}
}

func TestHTTPResolverCheckTargetAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed := r.URL.Query().Get("tenant") == "tenant-a"
		w.Header().Set("Content-Type", "application/json")
		if allowed {
			_, _ = w.Write([]byte(`{"allowed":true}`))
		} else {
			_, _ = w.Write([]byte(`{"allowed":false}`))
		}
	}))
	defer srv.Close()

	resolver := &HTTPResolver{BaseURL: srv.URL}
	ok, err := resolver.CheckTargetAllowed(context.Background(), "tenant-a", "http://up")
	if err != nil || !ok {
		t.Fatalf("expected allowed, got ok=%v err=%v", ok, err)
	}
	ok, err = resolver.CheckTargetAllowed(context.Background(), "tenant-b", "http://up")
	if err != nil || ok {
		t.Fatalf("expected denied, got ok=%v err=%v", ok, err)
	}
}

func TestHTTPResolverUnresolved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
	}))
	defer srv.Close()
	resolver := &HTTPResolver{BaseURL: srv.URL}
	if _, err := resolver.ResolveTenant(context.Background(), "tok"); err == nil {
		t.Fatal("expected error for non-200 resolution")
	}
}
