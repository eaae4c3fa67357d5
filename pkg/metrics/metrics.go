package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	aliasOutcome  map[string]int64
	errorSource   map[string]int64
	rateLimited   map[string]int64
	gauges        map[string]float64
	activeStreams int64
	streamBytes   int64
	upstreamCalls int64
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	AliasOutcomes map[string]int64        `json:"alias_outcomes"`
	ErrorSources  map[string]int64        `json:"error_sources"`
	RateLimited   map[string]int64        `json:"rate_limited"`
	Gauges        map[string]float64      `json:"gauges"`
	ActiveStreams int64                   `json:"active_streams"`
	StreamBytes   int64                   `json:"stream_bytes_total"`
	UpstreamCalls int64                   `json:"upstream_calls_total"`
	Histograms    []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		aliasOutcome: map[string]int64{},
		errorSource:  map[string]int64{},
		rateLimited:  map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncAliasOutcome counts terminal proxy outcomes per alias. Outcome is one of
// completed, streamed, failed.
func (r *Registry) IncAliasOutcome(alias, outcome string) {
	alias = strings.TrimSpace(alias)
	outcome = strings.TrimSpace(outcome)
	if alias == "" || outcome == "" {
		return
	}
	key := alias + "|" + outcome
	r.mu.Lock()
	r.aliasOutcome[key]++
	r.mu.Unlock()
}

// IncErrorSource counts rendered failures by attribution and code.
func (r *Registry) IncErrorSource(source, code string) {
	source = strings.TrimSpace(source)
	code = strings.TrimSpace(code)
	if source == "" {
		return
	}
	if code == "" {
		code = "UNKNOWN"
	}
	key := source + "|" + code
	r.mu.Lock()
	r.errorSource[key]++
	r.mu.Unlock()
}

// IncRateLimited counts admission rejections per alias.
func (r *Registry) IncRateLimited(alias string) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return
	}
	r.mu.Lock()
	r.rateLimited[alias]++
	r.mu.Unlock()
}

func (r *Registry) IncUpstreamCalls() {
	r.mu.Lock()
	r.upstreamCalls++
	r.mu.Unlock()
}

func (r *Registry) StreamStarted() {
	r.mu.Lock()
	r.activeStreams++
	r.mu.Unlock()
}

func (r *Registry) StreamFinished(bytes int64) {
	r.mu.Lock()
	if r.activeStreams > 0 {
		r.activeStreams--
	}
	if bytes > 0 {
		r.streamBytes += bytes
	}
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		AliasOutcomes: make(map[string]int64, len(r.aliasOutcome)),
		ErrorSources:  make(map[string]int64, len(r.errorSource)),
		RateLimited:   make(map[string]int64, len(r.rateLimited)),
		Gauges:        make(map[string]float64, len(r.gauges)),
		ActiveStreams: r.activeStreams,
		StreamBytes:   r.streamBytes,
		UpstreamCalls: r.upstreamCalls,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.aliasOutcome {
		out.AliasOutcomes[k] = v
	}
	for k, v := range r.errorSource {
		out.ErrorSources[k] = v
	}
	for k, v := range r.rateLimited {
		out.RateLimited[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP oagw_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE oagw_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "oagw_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP oagw_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE oagw_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "oagw_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP oagw_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE oagw_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "oagw_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP oagw_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE oagw_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "oagw_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}

		b.WriteString("# HELP oagw_proxy_outcome_total terminal proxy outcomes by alias\n")
		b.WriteString("# TYPE oagw_proxy_outcome_total counter\n")
		for _, key := range SortedKeys(snap.AliasOutcomes) {
			parts := strings.SplitN(key, "|", 2)
			alias := parts[0]
			outcome := "unknown"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "oagw_proxy_outcome_total{alias=%q,outcome=%q} %d\n", alias, outcome, snap.AliasOutcomes[key])
		}

		b.WriteString("# HELP oagw_error_total rendered failures by source and code\n")
		b.WriteString("# TYPE oagw_error_total counter\n")
		for _, key := range SortedKeys(snap.ErrorSources) {
			parts := strings.SplitN(key, "|", 2)
			source := parts[0]
			code := "UNKNOWN"
			if len(parts) == 2 {
				code = parts[1]
			}
			fmt.Fprintf(b, "oagw_error_total{source=%q,code=%q} %d\n", source, code, snap.ErrorSources[key])
		}

		b.WriteString("# HELP oagw_rate_limited_total admission rejections by alias\n")
		b.WriteString("# TYPE oagw_rate_limited_total counter\n")
		for _, alias := range SortedKeys(snap.RateLimited) {
			fmt.Fprintf(b, "oagw_rate_limited_total{alias=%q} %d\n", alias, snap.RateLimited[alias])
		}

		b.WriteString("# HELP oagw_upstream_calls_total upstream invocations attempted\n")
		b.WriteString("# TYPE oagw_upstream_calls_total counter\n")
		fmt.Fprintf(b, "oagw_upstream_calls_total %d\n", snap.UpstreamCalls)

		b.WriteString("# HELP oagw_active_streams currently open passthrough streams\n")
		b.WriteString("# TYPE oagw_active_streams gauge\n")
		fmt.Fprintf(b, "oagw_active_streams %d\n", snap.ActiveStreams)

		b.WriteString("# HELP oagw_stream_bytes_total bytes forwarded on finished streams\n")
		b.WriteString("# TYPE oagw_stream_bytes_total counter\n")
		fmt.Fprintf(b, "oagw_stream_bytes_total %d\n", snap.StreamBytes)

		b.WriteString("# HELP oagw_gauge operational gauge metrics\n")
		b.WriteString("# TYPE oagw_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "oagw_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP oagw_latency_seconds latency histogram\n")
			b.WriteString("# TYPE oagw_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "oagw_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "oagw_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "oagw_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "oagw_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "oagw_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "oagw_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "oagw_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
