package main

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"oagw/pkg/audit"
	"oagw/pkg/bus"
	"oagw/pkg/failure"
	"oagw/pkg/hardening"
	"oagw/pkg/httpx"
	"oagw/pkg/metrics"
	"oagw/pkg/proxy"
	"oagw/pkg/ratelimit"
	"oagw/pkg/routes"
	"oagw/pkg/store"
	"oagw/pkg/stream"
	"oagw/pkg/telemetry"
	"oagw/pkg/tenant"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	HTTPClient          *http.Client
	Routes              *routes.Registry
	RouteStore          routeStore
	Tenants             tenant.Resolver
	Limiter             ratelimit.Limiter
	Proxy               proxyInvoker
	Audit               auditStore
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Outcomes            bus.Publisher
	AdminToken          string
	MaxRequestBodyBytes int64
	ReloadInterval      time.Duration
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Recent(ctx context.Context, tenant string, limit int) ([]audit.Record, error)
}

type routeStore interface {
	Load(ctx context.Context) ([]routes.Route, error)
	Upsert(ctx context.Context, route routes.Route) error
	Delete(ctx context.Context, alias string) error
}

type proxyInvoker interface {
	Invoke(ctx context.Context, route routes.Route, req *proxy.InboundRequest) (*proxy.Outcome, *failure.Failure)
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.routeReloadLoop(context.Background())
		go s.metricsLoop(context.Background())
		if consumer := newReloadConsumer(); consumer != nil {
			go s.kafkaReloadLoop(context.Background(), consumer)
		}
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "oagw")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "oagw",
		Environment:           env("ENVIRONMENT", ""),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:      env("WS_ALLOWED_ORIGINS", ""),
		StaticTenantTokens:    env("TENANT_STATIC_TOKENS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "ADMIN_TOKEN", Value: env("ADMIN_TOKEN", "")},
		},
	}); err != nil {
		return err
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	reloadInterval := envDurationSec("ROUTE_RELOAD_INTERVAL_SEC", 30)
	if reloadInterval <= 0 {
		reloadInterval = 30 * time.Second
	}
	upstreamClient := telemetry.InstrumentClient(proxy.DefaultClient())

	s := &Server{
		DB:         pool,
		Cache:      cache,
		HTTPClient: upstreamClient,
		Routes:     routes.NewRegistry(nil),
		RouteStore: &routes.Store{DB: pool},
		Tenants: &tenant.HTTPResolver{
			Client:   telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("TENANT_TIMEOUT_MS", 3000))}),
			BaseURL:  env("TENANT_SERVICE_URL", "http://localhost:8091"),
			Cache:    cache,
			CacheTTL: envDurationSec("TENANT_CACHE_TTL_SEC", 300),
		},
		Proxy:               proxy.NewDispatcher(upstreamClient),
		Audit:               &audit.Writer{DB: pool},
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		AdminToken:          env("ADMIN_TOKEN", ""),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		ReloadInterval:      reloadInterval,
	}
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		if redisClient != nil {
			s.Limiter = ratelimit.NewRedis(redisClient)
		} else {
			s.Limiter = ratelimit.NewInMemory()
		}
	}
	if env("TENANT_SERVICE_URL", "") == "" && env("TENANT_STATIC_TOKENS", "") != "" {
		s.Tenants = &tenant.StaticResolver{Tokens: parseStaticTokens(env("TENANT_STATIC_TOKENS", ""))}
	}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err := bus.NewKafkaPublisher(bus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_REQUESTS_TOPIC", "oagw.requests"),
		})
		if err != nil {
			log.Printf("kafka publisher disabled: %v", err)
		} else {
			s.Outcomes = publisher
			defer publisher.Close()
		}
	}

	if err := s.reloadRoutes(ctx); err != nil {
		log.Printf("initial route load failed: %v", err)
	}

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("oagw listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routerHandler(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// routerHandler builds the full route tree. Streaming passthrough rules out a
// server-wide write timeout, so slow-client protection stays per-handler.
func (s *Server) routerHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("oagw"))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "oagw"})
	})

	proxyRouter := chi.NewRouter()
	proxyRouter.Use(tenant.Middleware(s.Tenants))
	proxyRouter.Use(s.limitRequestBodyMiddleware)
	proxyRouter.HandleFunc("/{alias}", s.handleProxy)
	proxyRouter.HandleFunc("/{alias}/*", s.handleProxy)
	r.Mount("/api/oagw/v1/proxy", proxyRouter)

	adminRouter := chi.NewRouter()
	adminRouter.Use(httpx.SecurityHeadersMiddleware)
	adminRouter.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	adminRouter.Use(s.requireAdmin)
	adminRouter.Get("/metrics", s.Metrics.Handler())
	adminRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	adminRouter.Get("/api/oagw/v1/routes", s.listRoutes)
	adminRouter.Put("/api/oagw/v1/routes/{alias}", s.upsertRoute)
	adminRouter.Delete("/api/oagw/v1/routes/{alias}", s.deleteRoute)
	adminRouter.Post("/api/oagw/v1/routes/reload", s.triggerReload)
	adminRouter.Get("/api/oagw/v1/requests", s.listRequests)
	adminRouter.Get("/api/oagw/v1/events", s.streamEvents)
	r.Mount("/", adminRouter)
	return r
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + routePattern(r)
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

// routePattern collapses proxied paths so per-alias traffic does not explode
// endpoint cardinality.
func routePattern(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/api/oagw/v1/proxy/") {
		return "/api/oagw/v1/proxy"
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.code = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack must be forwarded explicitly: the websocket upgrade on /events
// asserts http.Hijacker on the writer it receives, and wrappers further down
// the chain only re-expose what this one implements.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken == "" {
			httpx.Error(w, http.StatusServiceUnavailable, "admin api disabled")
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token := ""
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			token = strings.TrimSpace(header[len("Bearer "):])
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminToken)) != 1 {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) reloadRoutes(ctx context.Context) error {
	if s.RouteStore == nil {
		return errors.New("route store not configured")
	}
	list, err := s.RouteStore.Load(ctx)
	if err != nil {
		return err
	}
	s.Routes.Replace(list)
	s.Metrics.SetGauge("routes_loaded", float64(s.Routes.Len()))
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("routes_reloaded", map[string]int{"count": s.Routes.Len()}))
	}
	return nil
}

func (s *Server) routeReloadLoop(ctx context.Context) {
	interval := s.ReloadInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reloadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := s.reloadRoutes(reloadCtx); err != nil {
				log.Printf("route reload failed: %v", err)
			}
			cancel()
		}
	}
}

// kafkaReloadLoop applies config-change signals published by the control
// plane, so every replica converges without waiting for the next tick.
func (s *Server) kafkaReloadLoop(ctx context.Context, consumer bus.Consumer) {
	defer consumer.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := consumer.ReadMessage(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("reload consumer error: %v", err)
			time.Sleep(time.Second)
			continue
		}
		reloadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.reloadRoutes(reloadCtx); err != nil {
			log.Printf("route reload failed: %v", err)
		}
		cancel()
	}
}

func newReloadConsumer() bus.Consumer {
	brokers := env("KAFKA_BROKERS", "")
	if brokers == "" {
		return nil
	}
	consumer, err := bus.NewKafkaConsumer(bus.Config{
		Brokers: strings.Split(brokers, ","),
		Topic:   env("KAFKA_RELOAD_TOPIC", "oagw.config"),
		GroupID: env("KAFKA_GROUP_ID", "oagw-gateway"),
	})
	if err != nil {
		log.Printf("kafka reload consumer disabled: %v", err)
		return nil
	}
	return consumer
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.SetGauge("routes_loaded", float64(s.Routes.Len()))
	if s.DB == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var failedLastHour int
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM oagw_request_log
		WHERE outcome='failed' AND created_at > now() - interval '1 hour'
	`).Scan(&failedLastHour)
	s.Metrics.SetGauge("failed_requests_last_hour", float64(failedLastHour))
}

func parseStaticTokens(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		token := strings.TrimSpace(parts[0])
		tenantID := strings.TrimSpace(parts[1])
		if token != "" && tenantID != "" {
			out[token] = tenantID
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
