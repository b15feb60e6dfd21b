// Command researchhub serves the dataset access API: policy-checked
// downloads, audited mutations, cached statistics, and the per-project
// dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"researchhub/pkg/audit"
	"researchhub/pkg/auth"
	"researchhub/pkg/dashboard"
	"researchhub/pkg/download"
	"researchhub/pkg/eventbus"
	"researchhub/pkg/hardening"
	"researchhub/pkg/httpx"
	"researchhub/pkg/metrics"
	"researchhub/pkg/ratelimit"
	"researchhub/pkg/stats"
	"researchhub/pkg/store"
	"researchhub/pkg/stream"
	"researchhub/pkg/telemetry"
)

// dbPool is the pool surface run() needs. *pgxpool.Pool satisfies it;
// startup tests inject fakes.
type dbPool interface {
	store.DB
	Close()
}

type initTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (dbPool, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(*http.Server) error
type startLoopsFunc func(*Server)

var (
	logFatalf       = log.Fatalf
	initTelemetryFn = initTelemetryFunc(telemetry.Init)
	openDBFn        = openDBFunc(func(ctx context.Context) (dbPool, error) { return store.NewPostgresPool(ctx) })
	openRedisFn     = openRedisFunc(store.NewRedis)
	listenFn        = listenFunc(func(srv *http.Server) error { return srv.ListenAndServe() })
	startLoopsFn    = startLoopsFunc(startLoops)
)

func main() {
	if err := run(initTelemetryFn, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("researchhub: %v", err)
	}
}

// Server carries every collaborator a handler needs. Fields are plain
// so tests can assemble a Server around fakes.
type Server struct {
	DB        store.DB
	Cache     store.Cache
	Datasets  *store.Datasets
	Projects  *store.Projects
	Requests  *store.Requests
	Audit     *audit.Writer
	Stats     *stats.Manager
	Dashboard *dashboard.Aggregator
	Download  *download.Service
	Events    *stream.Hub
	Bus       *eventbus.Publisher
	Metrics   *metrics.Registry

	RateLimiter        ratelimit.Limiter
	RateLimitPerMinute int

	HTTPClient        *http.Client
	WebhookURL        string
	WebhookRetries    int
	WebhookRetryDelay time.Duration

	AuthMode            string
	AuthSecret          string
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	AuditListLimit      int
	SearchLimit         int
}

func run(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "researchhub")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	trustedProxyCIDRs := parseCIDRs(env("TRUSTED_PROXY_CIDRS", ""))
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	statsTTL := envDurationSec("STATS_CACHE_TTL_SEC", 3600)
	if statsTTL <= 0 {
		statsTTL = stats.DefaultTTL
	}
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")

	registry := metrics.NewRegistry()
	hub := stream.NewHub()
	auditWriter := &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact}
	datasets := &store.Datasets{DB: pool}
	statsManager := &stats.Manager{
		Cache:    cache,
		Audit:    auditWriter,
		Datasets: datasets,
		Metrics:  registry,
		TTL:      statsTTL,
	}

	s := &Server{
		DB:        pool,
		Cache:     cache,
		Datasets:  datasets,
		Projects:  &store.Projects{DB: pool},
		Requests:  &store.Requests{DB: pool},
		Audit:     auditWriter,
		Stats:     statsManager,
		Dashboard: &dashboard.Aggregator{DB: pool},
		Events:    hub,
		Metrics:   registry,

		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 240),

		HTTPClient:        telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("WEBHOOK_TIMEOUT_MS", 3000))}),
		WebhookURL:        env("WEBHOOK_URL", ""),
		WebhookRetries:    envInt("WEBHOOK_RETRIES", 1),
		WebhookRetryDelay: time.Millisecond * time.Duration(envInt("WEBHOOK_RETRY_DELAY_MS", 50)),

		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		TrustedProxyCIDRs:   trustedProxyCIDRs,
		MaxRequestBodyBytes: maxRequestBodyBytes,
		AuditListLimit:      envInt("AUDIT_LIST_LIMIT", 50),
		SearchLimit:         envInt("SEARCH_LIMIT", 50),
	}
	s.Download = &download.Service{
		Datasets: datasets,
		Audit:    auditWriter,
		Stats:    statsManager,
		Storage:  &download.FileStorage{Root: env("DATA_ROOT", "./data")},
		Events:   hub,
		Metrics:  registry,
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if hardening.IsProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	var requiredSecrets []hardening.EnvRequirement
	if strings.EqualFold(s.AuthMode, "oidc_hs256") {
		requiredSecrets = append(requiredSecrets, hardening.EnvRequirement{Name: "OIDC_HS256_SECRET", Value: s.AuthSecret})
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "researchhub",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		AuthMode:           s.AuthMode,
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		WebhookURL:         s.WebhookURL,
		RequiredSecrets:    requiredSecrets,
	}); err != nil {
		return err
	}

	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		bus, err := eventbus.NewPublisher(eventbus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_AUDIT_TOPIC", "researchhub.audit"),
		})
		if err != nil {
			return fmt.Errorf("eventbus: %w", err)
		}
		defer func() { _ = bus.Close() }()
		s.Bus = bus
		s.Download.Bus = bus
	}

	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if rateLimitWindow <= 0 {
			rateLimitWindow = time.Minute
		}
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("researchhub listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("researchhub"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "researchhub"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Use(s.rateLimitMiddleware)
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Get("/v1/projects/{project_id}/dashboard", s.withRoles(s.handleDashboard, "researcher", "pi", "admin"))
	authRouter.Post("/v1/datasets", s.withRoles(s.handleCreateDataset, "researcher", "pi", "admin"))
	authRouter.Get("/v1/datasets/search", s.withRoles(s.handleSearchDatasets, "researcher", "pi", "admin"))
	authRouter.Get("/v1/datasets/{dataset_id}/stats", s.withRoles(s.handleDatasetStats, "researcher", "pi", "admin"))
	authRouter.Post("/v1/datasets/{dataset_id}/download", s.withRoles(s.handleDownload, "researcher", "pi", "admin"))
	authRouter.Get("/v1/datasets/{dataset_id}/audit", s.withRoles(s.handleDatasetAudit, "pi", "admin", "auditor"))
	authRouter.Post("/v1/access-requests", s.withRoles(s.handleCreateAccessRequest, "researcher", "pi", "admin"))
	authRouter.Post("/v1/access-requests/{request_id}/approve", s.withRoles(s.handleApproveRequest, "pi", "admin"))
	authRouter.Post("/v1/access-requests/{request_id}/reject", s.withRoles(s.handleRejectRequest, "pi", "admin"))
	authRouter.Post("/v1/access-requests/{request_id}/revoke", s.withRoles(s.handleRevokeRequest, "pi", "admin"))
	authRouter.Get("/v1/events", s.withRoles(s.streamEvents, "researcher", "pi", "admin"))
	r.Mount("/", authRouter)
	return r
}

// startLoops launches the background gauge refresher. Kept behind a
// function variable so handler tests run without goroutines.
func startLoops(s *Server) {
	interval := envDurationSec("GAUGE_REFRESH_SEC", 15)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if s.Events != nil && s.Metrics != nil {
				s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
			}
		}
	}()
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
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

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := s.clientIP(r)
		if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" {
			key = p.Subject
		}
		d := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			retryAfter := int(time.Until(d.ResetAt).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
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

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
