package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"oagw/pkg/httpx"
	"oagw/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runUpstreamMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

// handleEcho reflects the request back so proxied calls can be inspected
// end to end: method, path, forwarded headers, and the body verbatim.
func handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}
	headers := map[string]string{}
	for _, k := range []string{"Authorization", "Content-Type", "X-Request-ID", "X-Forwarded-For"} {
		if v := r.Header.Get(k); v != "" {
			headers[k] = v
		}
	}
	resp := map[string]interface{}{
		"method":  r.Method,
		"path":    r.URL.Path,
		"query":   r.URL.RawQuery,
		"headers": headers,
		"body":    string(body),
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// handleFail returns an injected failure so error passthrough can be
// exercised: ?status= picks the code, the body names the injected status.
func handleFail(w http.ResponseWriter, r *http.Request) {
	status := queryInt(r, "status", http.StatusInternalServerError)
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/problem+json")
	if ra := r.URL.Query().Get("retry_after"); ra != "" {
		w.Header().Set("Retry-After", ra)
	}
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"title":"injected failure","status":%d}`, status)
}

// handleSlow sleeps ?delay_ms= before answering, for timeout drills.
func handleSlow(w http.ResponseWriter, r *http.Request) {
	delay := time.Duration(queryInt(r, "delay_ms", 1000)) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-r.Context().Done():
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "slept": delay.String()})
}

// handleSSE emits ?count= events spaced ?interval_ms= apart, flushing each
// one. ?abort_after= closes the connection mid-stream with no terminator,
// which is how a crashing upstream looks to a client.
func handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	count := queryInt(r, "count", 5)
	interval := time.Duration(queryInt(r, "interval_ms", 10)) * time.Millisecond
	abortAfter := queryInt(r, "abort_after", 0)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for i := 1; i <= count; i++ {
		if abortAfter > 0 && i > abortAfter {
			hijackClose(w)
			return
		}
		payload, _ := json.Marshal(map[string]interface{}{"seq": i, "at": time.Now().UTC().Format(time.RFC3339Nano)})
		_, _ = fmt.Fprintf(w, "event: tick\ndata: %s\n\n", payload)
		flusher.Flush()
		select {
		case <-time.After(interval):
		case <-r.Context().Done():
			return
		}
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// hijackClose drops the TCP connection without a clean HTTP finish.
func hijackClose(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runUpstreamMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "upstream-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("upstream-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "upstream-mock"})
	})
	r.HandleFunc("/echo", handleEcho)
	r.HandleFunc("/echo/*", handleEcho)
	r.HandleFunc("/fail", handleFail)
	r.HandleFunc("/slow", handleSlow)
	r.HandleFunc("/sse", handleSSE)

	addr := env("ADDR", ":8095")
	log.Printf("upstream-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		// no WriteTimeout: /sse streams for as long as the caller asks
		IdleTimeout: envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
