package routes

import (
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

type Protocol string

const (
	ProtocolREST Protocol = "rest"
	ProtocolGRPC Protocol = "grpc"
)

var ErrNotFound = errors.New("alias not found")

// RateLimitPolicy is the per-route admission policy. PerWindow <= 0 disables
// admission control for the route.
type RateLimitPolicy struct {
	PerWindow int           `json:"per_window"`
	Window    time.Duration `json:"window"`
	Headers   bool          `json:"headers"`
}

// Route is one configured upstream target. Immutable once loaded; a reload
// installs a fresh table rather than mutating routes in place.
type Route struct {
	Alias     string          `json:"alias"`
	Upstream  string          `json:"upstream"`
	Protocol  Protocol        `json:"protocol"`
	Timeout   time.Duration   `json:"timeout"`
	RateLimit RateLimitPolicy `json:"rate_limit"`
}

func ParseProtocol(raw string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "rest", "http", "http11", "http2":
		return ProtocolREST, nil
	case "grpc":
		return ProtocolGRPC, nil
	default:
		return "", errors.New("unsupported protocol: " + raw)
	}
}

// Registry holds the current route table. Lookups read an immutable snapshot,
// so concurrent Resolve calls never observe a partially applied reload.
type Registry struct {
	snapshot atomic.Pointer[map[string]Route]
}

func NewRegistry(list []Route) *Registry {
	r := &Registry{}
	r.Replace(list)
	return r
}

func (r *Registry) Resolve(alias string) (Route, error) {
	alias = strings.ToLower(strings.TrimSpace(alias))
	table := r.snapshot.Load()
	if table == nil {
		return Route{}, ErrNotFound
	}
	route, ok := (*table)[alias]
	if !ok {
		return Route{}, ErrNotFound
	}
	return route, nil
}

// Replace installs a new table wholesale. In-flight requests keep using the
// Route values they already resolved.
func (r *Registry) Replace(list []Route) {
	table := make(map[string]Route, len(list))
	for _, route := range list {
		alias := strings.ToLower(strings.TrimSpace(route.Alias))
		if alias == "" {
			continue
		}
		route.Alias = alias
		if route.Timeout <= 0 {
			route.Timeout = 30 * time.Second
		}
		table[alias] = route
	}
	r.snapshot.Store(&table)
}

func (r *Registry) Aliases() []string {
	table := r.snapshot.Load()
	if table == nil {
		return nil
	}
	out := make([]string, 0, len(*table))
	for alias := range *table {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	table := r.snapshot.Load()
	if table == nil {
		return 0
	}
	return len(*table)
}
