package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"oagw/pkg/audit"
	"oagw/pkg/bus"
	"oagw/pkg/failure"
	"oagw/pkg/httpx"
	"oagw/pkg/proxy"
	"oagw/pkg/ratelimit"
	"oagw/pkg/routes"
	"oagw/pkg/stream"
	"oagw/pkg/tenant"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	outcomeCompleted = "completed"
	outcomeStreamed  = "streamed"
	outcomeFailed    = "failed"
)

// handleProxy runs one request through the full pipeline: resolve, admit,
// invoke, respond. Admission always happens before any upstream byte is sent,
// and a rejected or failed request still burns its admission slot.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.New().String()
	w.Header().Set("X-Request-ID", requestID)

	tenantID, ok := tenant.FromContext(r.Context())
	if !ok {
		s.finishFailed(w, r, requestID, "", "", start, failure.AuthFailed("tenant missing from context"))
		return
	}

	alias := chi.URLParam(r, "alias")
	route, err := s.Routes.Resolve(alias)
	if err != nil {
		s.finishFailed(w, r, requestID, tenantID, strings.ToLower(alias), start, failure.AliasNotFound(alias))
		return
	}

	allowed, err := s.Tenants.CheckTargetAllowed(r.Context(), tenantID, route.Alias)
	if err != nil {
		s.finishFailed(w, r, requestID, tenantID, route.Alias, start, failure.Internal(err))
		return
	}
	if !allowed {
		s.finishFailed(w, r, requestID, tenantID, route.Alias, start, failure.TargetForbidden(tenantID, route.Alias))
		return
	}

	if f := s.admit(w, r, tenantID, route); f != nil {
		s.Metrics.IncRateLimited(route.Alias)
		s.finishFailed(w, r, requestID, tenantID, route.Alias, start, f)
		return
	}

	body, f := readProxyBody(r, s.MaxRequestBodyBytes)
	if f != nil {
		s.finishFailed(w, r, requestID, tenantID, route.Alias, start, f)
		return
	}

	inbound := &proxy.InboundRequest{
		Method: r.Method,
		Path:   chi.URLParam(r, "*"),
		Query:  r.URL.RawQuery,
		Header: r.Header,
		Body:   bytes.NewReader(body),
	}
	s.Metrics.IncUpstreamCalls()
	outcome, f := s.Proxy.Invoke(r.Context(), route, inbound)
	if f != nil {
		s.finishFailed(w, r, requestID, tenantID, route.Alias, start, f)
		return
	}

	if outcome.Streaming() {
		s.streamResponse(w, r, requestID, tenantID, route, start, outcome)
		return
	}

	for name, values := range outcome.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(outcome.Status)
	_, _ = w.Write(outcome.Body)
	s.finish(audit.Record{
		RequestID:  requestID,
		Tenant:     tenantID,
		Alias:      route.Alias,
		Method:     r.Method,
		Path:       r.URL.Path,
		Outcome:    outcomeCompleted,
		Status:     outcome.Status,
		DurationMS: time.Since(start).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	})
}

// admit applies the per-route admission policy. A nil return means admitted.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, tenantID string, route routes.Route) *failure.Failure {
	if s.Limiter == nil || route.RateLimit.PerWindow <= 0 {
		return nil
	}
	decision := s.Limiter.Allow(r.Context(), ratelimit.Key(tenantID, route.Alias), route.RateLimit.PerWindow, route.RateLimit.Window)
	if route.RateLimit.Headers {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}
	if decision.Allowed {
		return nil
	}
	return failure.AdmissionRejected(decision)
}

func readProxyBody(r *http.Request, limit int64) ([]byte, *failure.Failure) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) || strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		return nil, failure.PayloadTooLarge(limit)
	}
	return nil, failure.Malformed("unreadable request body")
}

// streamResponse forwards a live upstream stream without buffering. Once the
// status line is out it cannot be retracted, so a mid-stream upstream failure
// aborts the client connection instead of appending a synthetic terminator.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, requestID, tenantID string, route routes.Route, start time.Time, outcome *proxy.Outcome) {
	defer outcome.Stream.Close()
	for name, values := range outcome.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(outcome.Status)
	s.Metrics.StreamStarted()
	written, f := proxy.Forward(w, outcome.Stream)
	s.Metrics.StreamFinished(written)
	rec := audit.Record{
		RequestID:  requestID,
		Tenant:     tenantID,
		Alias:      route.Alias,
		Method:     r.Method,
		Path:       r.URL.Path,
		Outcome:    outcomeStreamed,
		Status:     outcome.Status,
		DurationMS: time.Since(start).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if f != nil {
		rec.Outcome = outcomeFailed
		rec.ErrorSource = string(f.Source)
		rec.ErrorCode = f.Code
		s.Metrics.IncErrorSource(string(f.Source), f.Code)
	}
	s.finish(rec)
	if f != nil {
		panic(http.ErrAbortHandler)
	}
}

// finishFailed renders the terminal error and records the outcome.
func (s *Server) finishFailed(w http.ResponseWriter, r *http.Request, requestID, tenantID, alias string, start time.Time, f *failure.Failure) {
	failure.Write(w, f)
	s.Metrics.IncErrorSource(string(f.Source), f.Code)
	s.finish(audit.Record{
		RequestID:   requestID,
		Tenant:      tenantID,
		Alias:       alias,
		Method:      r.Method,
		Path:        r.URL.Path,
		Outcome:     outcomeFailed,
		Status:      f.Status,
		ErrorSource: string(f.Source),
		ErrorCode:   f.Code,
		DurationMS:  time.Since(start).Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	})
}

// finish fans the terminal record out to the audit log, the event hub, and
// Kafka. None of these may fail the already-answered request.
func (s *Server) finish(rec audit.Record) {
	s.Metrics.IncAliasOutcome(rec.Alias, rec.Outcome)
	if s.Audit != nil {
		// Detached context: the request context is already cancelled when a
		// stream ends with a client disconnect.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.Audit.Append(ctx, rec); err != nil {
			log.Printf("audit append failed: %v", err)
		}
		cancel()
	}
	if s.Events != nil {
		s.Events.Publish(stream.RequestEvent(rec.Tenant, rec.Alias, rec.Outcome, rec.ErrorSource, rec.ErrorCode, rec.Status))
	}
	if s.Outcomes != nil {
		s.publishOutcome(rec)
	}
}

func (s *Server) publishOutcome(rec audit.Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Outcomes.Publish(ctx, bus.Message{Key: []byte(rec.Tenant), Value: payload}); err != nil {
		log.Printf("outcome publish failed: %v", err)
	}
}

// listRequests exposes the audit trail, optionally scoped to one tenant.
func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	records, err := s.Audit.Recent(r.Context(), strings.TrimSpace(r.URL.Query().Get("tenant")), limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "request log unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"requests": records})
}
