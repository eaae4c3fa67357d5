// Package tenant consumes the external tenant-resolution service. Token
// formats and the tenant hierarchy live on the other side of this contract;
// the gateway only sees an opaque tenant id and an allowed-target answer.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"oagw/pkg/failure"
	"oagw/pkg/httpx"
	"oagw/pkg/store"
)

var ErrUnresolved = errors.New("tenant not resolved")

type Resolver interface {
	// ResolveTenant maps a bearer credential to an opaque tenant id.
	ResolveTenant(ctx context.Context, token string) (string, error)
	// CheckTargetAllowed reports whether the tenant may call the target.
	// Self-access is always allowed by the collaborator's contract.
	CheckTargetAllowed(ctx context.Context, tenantID, target string) (bool, error)
}

type contextKey string

const tenantContextKey contextKey = "oagw.tenant"

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenantID)
}

func FromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(tenantContextKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// Middleware resolves the caller to a tenant before any gateway work runs.
// Resolution failures are gateway-origin 401s.
func Middleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				failure.Write(w, failure.AuthFailed("missing bearer token"))
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			tenantID, err := resolver.ResolveTenant(r.Context(), token)
			if err != nil || tenantID == "" {
				failure.Write(w, failure.AuthFailed("tenant resolution failed"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
		})
	}
}

// HTTPResolver calls the external tenant service. Successful resolutions are
// cached by token; allowed-target answers are cached by (tenant, target).
type HTTPResolver struct {
	Client   *http.Client
	BaseURL  string
	Cache    store.Cache
	CacheTTL time.Duration
}

func (r *HTTPResolver) ResolveTenant(ctx context.Context, token string) (string, error) {
	if r.Cache != nil {
		if cached, err := r.Cache.Get(ctx, "tenant:tok:"+token); err == nil && cached != "" {
			return cached, nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(r.BaseURL, "/")+"/v1/tenants/resolve", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := r.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", ErrUnresolved
	}
	var out struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.TenantID == "" {
		return "", ErrUnresolved
	}
	if r.Cache != nil {
		_ = r.Cache.Set(ctx, "tenant:tok:"+token, out.TenantID, r.ttl())
	}
	return out.TenantID, nil
}

func (r *HTTPResolver) CheckTargetAllowed(ctx context.Context, tenantID, target string) (bool, error) {
	cacheKey := "tenant:allow:" + tenantID + ":" + target
	if r.Cache != nil {
		if cached, err := r.Cache.Get(ctx, cacheKey); err == nil {
			return cached == "1", nil
		}
	}
	params := url.Values{}
	params.Set("tenant", tenantID)
	params.Set("target", target)
	status, body, err := httpx.RequestJSON(ctx, r.client(), http.MethodGet,
		strings.TrimSuffix(r.BaseURL, "/")+"/v1/tenants/allowed?"+params.Encode(), nil, nil, 1, 50*time.Millisecond)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, ErrUnresolved
	}
	var out struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, err
	}
	if r.Cache != nil {
		val := "0"
		if out.Allowed {
			val = "1"
		}
		_ = r.Cache.Set(ctx, cacheKey, val, r.ttl())
	}
	return out.Allowed, nil
}

func (r *HTTPResolver) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (r *HTTPResolver) ttl() time.Duration {
	if r.CacheTTL > 0 {
		return r.CacheTTL
	}
	return 5 * time.Minute
}

// StaticResolver maps fixed tokens to tenants. Used in development and tests.
type StaticResolver struct {
	Tokens map[string]string
}

func (r *StaticResolver) ResolveTenant(ctx context.Context, token string) (string, error) {
	if id, ok := r.Tokens[token]; ok && id != "" {
		return id, nil
	}
	return "", ErrUnresolved
}

func (r *StaticResolver) CheckTargetAllowed(ctx context.Context, tenantID, target string) (bool, error) {
	return true, nil
}
