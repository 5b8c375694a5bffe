/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command limiq-api runs the verification and capability API server.
//
// The server exposes the action verification endpoint, capability
// issuance and revocation, workspace and agent administration, policy
// management, and audit export over HTTP. Prometheus metrics are served
// on a separate listener. Configuration comes from flags with
// environment variable fallbacks.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qurveai/limiq/internal/api"
	"github.com/qurveai/limiq/internal/audit"
	"github.com/qurveai/limiq/internal/cache"
	"github.com/qurveai/limiq/internal/capability"
	"github.com/qurveai/limiq/internal/config"
	"github.com/qurveai/limiq/internal/signing"
	"github.com/qurveai/limiq/internal/store/postgres"
	"github.com/qurveai/limiq/internal/token"
	"github.com/qurveai/limiq/internal/tracing"
	"github.com/qurveai/limiq/internal/verify"
	"github.com/qurveai/limiq/pkg/logging"
)

// flags holds command-line configuration.
type flags struct {
	httpAddr       string
	metricsAddr    string
	databaseURL    string
	redisAddr      string
	signingKeyFile string
	signingKID     string
	bootstrapToken string
	logLevel       string
	tracingEnabled bool
	otlpEndpoint   string
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.httpAddr, "http-addr", ":8000", "API server listen address")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Metrics server listen address")
	flag.StringVar(&f.databaseURL, "database-url", "", "Postgres connection string")
	flag.StringVar(&f.redisAddr, "redis-addr", "localhost:6379", "Redis address")
	flag.StringVar(&f.signingKeyFile, "signing-key-file", "", "Path to the Ed25519 signing key PEM")
	flag.StringVar(&f.signingKID, "signing-kid", "", "Key ID stamped into capability token headers")
	flag.StringVar(&f.bootstrapToken, "bootstrap-token", "", "Shared secret guarding workspace creation")
	flag.StringVar(&f.logLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	flag.BoolVar(&f.tracingEnabled, "tracing", false, "Enable OTLP trace export")
	flag.StringVar(&f.otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP collector endpoint")
	flag.Parse()

	f.applyEnvFallbacks()
	return f
}

// applyEnvFallbacks applies environment variable overrides to flag defaults.
func (f *flags) applyEnvFallbacks() {
	envFallback(&f.databaseURL, "", "DATABASE_URL")
	envFallback(&f.signingKeyFile, "", "JWT_SIGNING_KEY_FILE")
	envFallback(&f.signingKID, "", "JWT_KID")
	envFallback(&f.bootstrapToken, "", "WORKSPACE_BOOTSTRAP_TOKEN")
	envFallback(&f.httpAddr, ":8000", "HTTP_ADDR")
	envFallback(&f.metricsAddr, ":9090", "METRICS_ADDR")
	envFallback(&f.redisAddr, "localhost:6379", "REDIS_ADDR")
	envFallback(&f.logLevel, "info", "LOG_LEVEL")
	envFallback(&f.otlpEndpoint, "localhost:4317", "OTLP_ENDPOINT")

	envBoolFallback(&f.tracingEnabled, "TRACING_ENABLED")
}

// loadSettings builds the service Settings from parsed flags plus the
// environment-only tuning knobs.
func loadSettings(f *flags) config.Settings {
	s := config.DefaultSettings()

	s.HTTPAddr = f.httpAddr
	s.MetricsAddr = f.metricsAddr
	s.DatabaseURL = f.databaseURL
	s.RedisAddr = f.redisAddr
	s.SigningKeyFile = f.signingKeyFile
	s.SigningKeyID = f.signingKID
	s.BootstrapToken = f.bootstrapToken
	s.LogLevel = f.logLevel
	s.TracingEnabled = f.tracingEnabled
	s.OTLPEndpoint = f.otlpEndpoint

	s.SigningKeyPEM = os.Getenv("JWT_SIGNING_KEY_PEM")
	envString(&s.PostgresHost, "POSTGRES_HOST")
	s.PostgresPort = envInt("POSTGRES_PORT", s.PostgresPort)
	envString(&s.PostgresUser, "POSTGRES_USER")
	envString(&s.PostgresPassword, "POSTGRES_PASSWORD")
	envString(&s.PostgresDB, "POSTGRES_DB")
	s.DBPoolMaxConns = envInt32("DB_POOL_MAX_CONNS", s.DBPoolMaxConns)
	envString(&s.RedisPassword, "REDIS_PASSWORD")
	s.RedisDB = envInt("REDIS_DB", s.RedisDB)
	s.JWTLeeway = envSeconds("JWT_LEEWAY_SECONDS", s.JWTLeeway)
	s.CapabilityDefaultTTL = envMinutes("CAPABILITY_DEFAULT_TTL_MINUTES", s.CapabilityDefaultTTL)
	s.CapabilityMinTTL = envMinutes("CAPABILITY_MIN_TTL_MINUTES", s.CapabilityMinTTL)
	s.CapabilityMaxTTL = envMinutes("CAPABILITY_MAX_TTL_MINUTES", s.CapabilityMaxTTL)
	s.RateLimitWindow = envSeconds("RATE_LIMIT_WINDOW_SECONDS", s.RateLimitWindow)
	s.RateLimitKeyTTL = envSeconds("RATE_LIMIT_REDIS_KEY_TTL_SECONDS", s.RateLimitKeyTTL)
	envBoolFallback(&s.RateLimitFailOpen, "RATE_LIMIT_REDIS_FAIL_OPEN")
	s.AuditExportMaxRows = envInt("AUDIT_EXPORT_MAX_ROWS", s.AuditExportMaxRows)

	return s
}

// envFallback sets *dst from the environment variable envKey when *dst still
// equals the default value and the environment variable is non-empty.
func envFallback(dst *string, defaultVal, envKey string) {
	if *dst == defaultVal {
		if v := os.Getenv(envKey); v != "" {
			*dst = v
		}
	}
}

// envBoolFallback enables a boolean flag from an environment variable when the
// flag is still false and the env var is "true".
func envBoolFallback(dst *bool, envKey string) {
	if !*dst && os.Getenv(envKey) == "true" {
		*dst = true
	}
}

// envString overwrites *dst when the environment variable is non-empty.
func envString(dst *string, envKey string) {
	if v := os.Getenv(envKey); v != "" {
		*dst = v
	}
}

// envInt reads an environment variable as int, returning def on missing/invalid values.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envInt32 reads an environment variable as int32, returning def on missing/invalid values.
func envInt32(key string, def int32) int32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return def
	}
	return int32(n)
}

// envSeconds reads an environment variable holding a whole number of seconds.
func envSeconds(key string, def time.Duration) time.Duration {
	if n := envInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

// envMinutes reads an environment variable holding a whole number of minutes.
func envMinutes(key string, def time.Duration) time.Duration {
	if n := envInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Minute
	}
	return def
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()
	settings := loadSettings(f)

	// --- Logger ---
	log, syncLog, err := logging.NewLogger(settings.LogLevel)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	// --- Validate ---
	if err := settings.Validate(); err != nil {
		return err
	}
	signingKey, err := settings.ResolveSigningKey()
	if err != nil {
		return err
	}

	// --- Signal context ---
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	// --- Postgres provider ---
	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnString = settings.PostgresConnString()
	pgCfg.MaxConns = settings.DBPoolMaxConns
	provider, err := postgres.New(pgCfg)
	if err != nil {
		return err
	}
	defer provider.Close()
	log.V(1).Info("postgres pool created", "maxConns", pgCfg.MaxConns)

	// --- Migrations ---
	if err := runMigrations(settings.PostgresConnString(), log); err != nil {
		return err
	}
	log.V(1).Info("migrations complete")

	// --- Redis cache ---
	revocations, err := cache.New(cache.Config{
		Addr:     settings.RedisAddr,
		Password: settings.RedisPassword,
		DB:       settings.RedisDB,
		Window:   settings.RateLimitWindow,
		KeyTTL:   settings.RateLimitKeyTTL,
		FailOpen: settings.RateLimitFailOpen,
		Tracing:  settings.TracingEnabled,
	}, log)
	if err != nil {
		return err
	}
	defer revocations.Close()

	// --- Domain services ---
	codec, err := token.NewCodec(signingKey, settings.SigningKeyID, settings.JWTLeeway, log)
	if err != nil {
		return err
	}
	verifier := signing.NewVerifier(log)
	appender := audit.NewAppender(log)
	engine := verify.NewEngine(provider, revocations, codec, verifier, appender, log)
	issuer := capability.NewIssuer(provider, codec, revocations, appender, capability.Config{
		DefaultTTL: settings.CapabilityDefaultTTL,
		MinTTL:     settings.CapabilityMinTTL,
		MaxTTL:     settings.CapabilityMaxTTL,
	}, log)

	// --- Tracing (optional) ---
	tracer, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:     settings.TracingEnabled,
		Endpoint:    settings.OTLPEndpoint,
		ServiceName: "limiq-api",
		Insecure:    true,
	})
	if err != nil {
		return fmt.Errorf("creating trace provider: %w", err)
	}
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = tracer.Shutdown(shutCtx)
	}()

	// --- Build API mux ---
	handler := api.NewHandler(provider, engine, issuer, appender, revocations, api.Config{
		BootstrapToken:     settings.BootstrapToken,
		AuditExportMaxRows: settings.AuditExportMaxRows,
	}, log)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	httpMetrics := api.NewHTTPMetrics(nil)
	var root http.Handler = api.LoggingMiddleware(log, api.MetricsMiddleware(httpMetrics, mux))
	if settings.TracingEnabled {
		root = tracing.Middleware(tracer, root)
	}

	// --- Servers ---
	apiSrv := &http.Server{Addr: settings.HTTPAddr, Handler: root}
	metricsSrv := newMetricsServer(settings.MetricsAddr)

	startHTTPServer(log, "limiq API", settings.HTTPAddr, apiSrv)
	startHTTPServer(log, "metrics", settings.MetricsAddr, metricsSrv)

	log.Info("limiq-api ready",
		"http", settings.HTTPAddr,
		"metrics", settings.MetricsAddr,
		"failOpen", settings.RateLimitFailOpen,
		"tracing", settings.TracingEnabled,
	)

	// --- Wait for shutdown ---
	<-ctx.Done()
	log.Info("shutting down")

	shutdownServers(log, apiSrv, metricsSrv)
	return nil
}

// startHTTPServer starts an HTTP server in a background goroutine.
func startHTTPServer(log logr.Logger, name, addr string, srv *http.Server) {
	go func() {
		log.Info("starting server", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "server error", "server", name)
		}
	}()
}

// shutdownServers gracefully stops all servers with a 30-second timeout.
func shutdownServers(log logr.Logger, apiSrv, metricsSrv *http.Server) {
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()

	for _, s := range []struct {
		name string
		srv  *http.Server
	}{
		{"metrics", metricsSrv},
		{"API", apiSrv},
	} {
		if s.srv == nil {
			continue
		}
		if err := s.srv.Shutdown(shutCtx); err != nil {
			log.Error(err, "server shutdown error", "server", s.name)
		}
	}
}

// runMigrations applies database schema migrations.
func runMigrations(connStr string, log logr.Logger) error {
	migrator, err := postgres.NewMigrator(connStr, log)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return fmt.Errorf("running migrations: %w", err)
	}
	_ = migrator.Close()
	return nil
}

// newMetricsServer creates the Prometheus metrics endpoint server.
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
