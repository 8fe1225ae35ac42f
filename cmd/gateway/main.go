package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"microtoken/pkg/audit"
	"microtoken/pkg/credentials"
	"microtoken/pkg/envdump"
	"microtoken/pkg/fields"
	"microtoken/pkg/gateway"
	"microtoken/pkg/hardening"
	"microtoken/pkg/health"
	"microtoken/pkg/httpx"
	"microtoken/pkg/metrics"
	"microtoken/pkg/ratelimit"
	"microtoken/pkg/store"
	"microtoken/pkg/telemetry"
	"microtoken/pkg/vault"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

const serviceName = "gateway"

type tokenService interface {
	Tokenize(ctx context.Context, field string, raw []byte) (gateway.Result, error)
	Detokenize(ctx context.Context, field string, raw []byte, reveal fields.RevealMode) (gateway.Result, error)
}

type Server struct {
	Service             tokenService
	Metrics             *metrics.Registry
	Audit               audit.Sink
	AuditSalt           []byte
	Logger              *slog.Logger
	Health              []health.Checker
	RateLimiter         ratelimit.Limiter
	RateLimitPerMinute  int
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  string
	EnvironmentEnabled  bool
	Environ             func() []string
}

type auditDBCloser interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, cfg telemetry.Config, logger *slog.Logger) (func(context.Context) error, error)
type gatewayOpenAuditFunc func(ctx context.Context) (auditDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	logOutput      = io.Writer(os.Stderr)
	initTelemetryG = telemetry.Init
	openAuditFnG   = func(ctx context.Context) (auditDBCloser, error) {
		return store.NewPostgresPool(ctx, store.OSEnv, store.PoolOptions{})
	}
	openRedisFnG = func(ctx context.Context) (*redis.Client, error) { return store.NewRedis(ctx, store.OSEnv) }
	listenFnG    = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openAuditFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openAudit gatewayOpenAuditFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	if listen == nil {
		return errors.New("listen function required")
	}
	ctx := context.Background()
	logger := newLogger(logOutput, env("LOG_LEVEL", "info"))

	registry, err := fields.Default()
	if err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	// Every configuration problem is reported before the process gives up.
	var problems []error
	vaultHost := strings.TrimSpace(env("CTS_IP", ""))
	if vaultHost == "" {
		problems = append(problems, errors.New("missing required configuration CTS_IP"))
	}
	credStore, err := credentials.LoadFromEnv(os.LookupEnv, registry.Selectors())
	if err != nil {
		problems = append(problems, err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("configuration: %w", errors.Join(problems...))
	}
	resolver, err := credentials.NewResolver(credStore, registry)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	vaultSkipVerify := envBool("VAULT_SKIP_TLS_VERIFY", true)
	auditEnabled := envBool("AUDIT_ENABLED", false)
	environmentEnabled := envBool("ENVIRONMENT_ENDPOINT_ENABLED", true)
	corsOrigins := env("CORS_ALLOWED_ORIGINS", "")
	hardeningOpts := hardening.Options{
		Service:                    serviceName,
		Environment:                env("ENVIRONMENT", ""),
		StrictProdSecurity:         env("STRICT_PROD_SECURITY", "true"),
		AuditEnabled:               auditEnabled,
		AuditHashSalt:              env("AUDIT_HASH_SALT", ""),
		DatabaseRequireTLS:         env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:                  env("REDIS_ADDR", ""),
		RedisRequireTLS:            env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:           env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS:      env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:         corsOrigins,
		EnvironmentEndpointEnabled: environmentEnabled,
		VaultSkipTLSVerify:         vaultSkipVerify,
	}
	if err := hardening.ValidateProduction(hardeningOpts); err != nil {
		return err
	}
	for _, w := range hardening.Warnings(hardeningOpts) {
		logger.Warn("hardening", slog.String("warning", w))
	}

	shutdown, err := initTelemetry(ctx, telemetry.ConfigFromEnv(os.LookupEnv), logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	vaultClient, err := vault.New(vault.Options{
		Host:                        vaultHost,
		Timeout:                     envDurationSec("VAULT_TIMEOUT_SEC", 20),
		SkipCertificateVerification: vaultSkipVerify,
		KeepAlive:                   envBool("VAULT_KEEPALIVE", false),
		Wrap:                        telemetry.InstrumentClient,
	})
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	reg := metrics.NewRegistry()
	svc, err := gateway.New(registry, resolver, vaultClient,
		gateway.WithLogger(logger),
		gateway.WithObserver(reg),
	)
	if err != nil {
		return err
	}

	var sink audit.Sink = audit.LogSink{Logger: logger}
	if auditEnabled {
		db, err := openAudit(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer db.Close()
		if err := audit.EnsureSchema(ctx, db); err != nil {
			return err
		}
		sink = &audit.Writer{DB: db}
	}

	var limiter ratelimit.Limiter
	if envBool("RATE_LIMIT_ENABLED", false) {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if window <= 0 {
			window = time.Minute
		}
		limiter = ratelimit.NewInMemory(window)
		if strings.TrimSpace(env("REDIS_ADDR", "")) != "" {
			redisClient, err := openRedis(ctx)
			if err != nil {
				logger.Warn("redis unavailable, falling back to in-memory limits", slog.Any("error", err))
			} else {
				defer redisClient.Close()
				rl := ratelimit.NewRedis(redisClient, window)
				rl.Logger = logger
				limiter = rl
			}
		}
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	s := &Server{
		Service:   svc,
		Metrics:   reg,
		Audit:     sink,
		AuditSalt: []byte(env("AUDIT_HASH_SALT", "")),
		Logger:    logger,
		Health: []health.Checker{health.Probe{
			Client:      telemetry.InstrumentClient(&http.Client{Transport: vault.NewTransport(vaultSkipVerify, false)}),
			URL:         vaultClient.BaseURL(),
			HealthyCode: envInt("HEALTH_HEALTHY_CODE", http.StatusOK),
			Timeout:     envDurationSec("HEALTH_TIMEOUT_SEC", 15),
			Alias:       "cts",
			Tags:        []string{"external"},
		}},
		RateLimiter:         limiter,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 600),
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		CORSAllowedOrigins:  corsOrigins,
		EnvironmentEnabled:  environmentEnabled,
		Environ:             os.Environ,
	}

	addr := env("ADDR", ":8080")
	logger.Info("gateway listening",
		slog.String("addr", addr),
		slog.String("vault", vaultClient.BaseURL()),
		slog.Any("fields", registry.Names()),
		slog.Any("vault_users", credStore.Usernames()),
	)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/", s.handleRoot)
	r.Get("/healthcheck", health.Handler(s.onHealthReport, s.Health...))
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	if s.EnvironmentEnabled {
		r.Get("/environment", envdump.Handler(s.Environ))
	}
	r.Group(func(r chi.Router) {
		if s.RateLimiter != nil {
			r.Use(ratelimit.Middleware(s.RateLimiter, s.RateLimitPerMinute, s.clientIP, func(*http.Request) {
				s.Metrics.IncRateLimited()
			}))
		}
		r.Post("/tokenize/{field}", s.handleTokenize)
		r.Post("/detokenize/{field}", s.handleDetokenize)
	})
	return r
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) onHealthReport(rep health.Report) {
	s.Metrics.SetVaultHealthy(rep.Healthy())
}

// requestIDMiddleware keeps an incoming X-Request-ID or assigns a new one and
// echoes it on the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		// The route pattern is only known once the router has matched.
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		s.Metrics.Observe(r.Method, route, rec.code, elapsed)
		s.logger().LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.code),
			slog.Duration("duration", elapsed),
		)
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

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if candidate := parseIP(first); candidate != "" {
				return candidate
			}
		}
		if realIP := parseIP(r.Header.Get("X-Real-IP")); realIP != "" {
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

// parseCIDRs accepts CIDRs and bare addresses; invalid entries are skipped.
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

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})).With(slog.String("service", serviceName))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
