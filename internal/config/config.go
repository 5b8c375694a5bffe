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

// Package config defines the runtime settings for the limiq API service.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Settings holds all runtime configuration for the limiq API service.
// Values are populated from flags and environment variables in cmd/limiq-api;
// Validate must pass before any component is constructed.
type Settings struct {
	// HTTPAddr is the address the API server binds to.
	HTTPAddr string

	// MetricsAddr is the address the Prometheus metrics endpoint binds to.
	MetricsAddr string

	// DatabaseURL is the Postgres connection string. When empty it is
	// composed from the Postgres* fields.
	DatabaseURL string

	// PostgresHost is the Postgres server host, used when DatabaseURL is empty.
	PostgresHost string

	// PostgresPort is the Postgres server port.
	PostgresPort int

	// PostgresUser is the Postgres role name.
	PostgresUser string

	// PostgresPassword is the Postgres role password.
	PostgresPassword string

	// PostgresDB is the Postgres database name.
	PostgresDB string

	// DBPoolMaxConns caps the pgx connection pool size.
	DBPoolMaxConns int32

	// RedisAddr is the host:port of the Redis holding revocation and rate state.
	RedisAddr string

	// RedisPassword authenticates against Redis. Empty means no auth.
	RedisPassword string

	// RedisDB selects the Redis logical database.
	RedisDB int

	// SigningKeyPEM is the PKCS#8 Ed25519 private key that signs capability
	// tokens, as an inline PEM block. Takes precedence over SigningKeyFile.
	SigningKeyPEM string

	// SigningKeyFile is a path to the signing key PEM, read when
	// SigningKeyPEM is empty.
	SigningKeyFile string

	// SigningKeyID is the kid stamped into every capability token header.
	SigningKeyID string

	// BootstrapToken guards workspace creation. Empty disables the guard.
	BootstrapToken string

	// JWTLeeway is the clock skew tolerated when validating token expiry.
	JWTLeeway time.Duration

	// CapabilityDefaultTTL is the capability lifetime when the request
	// does not ask for one.
	CapabilityDefaultTTL time.Duration

	// CapabilityMinTTL is the shortest capability lifetime grantable.
	CapabilityMinTTL time.Duration

	// CapabilityMaxTTL is the longest capability lifetime grantable.
	CapabilityMaxTTL time.Duration

	// RateLimitWindow is the fixed window over which action rates are counted.
	RateLimitWindow time.Duration

	// RateLimitKeyTTL is the expiry set on rate counter keys in Redis.
	// Must be at least RateLimitWindow or counters reset mid-window.
	RateLimitKeyTTL time.Duration

	// RateLimitFailOpen allows actions through when Redis is unreachable
	// during a rate probe. Fail-closed is the default.
	RateLimitFailOpen bool

	// AuditExportMaxRows caps the rows returned by a single audit export.
	AuditExportMaxRows int

	// LogLevel sets the minimum log level (debug, info, warn, error).
	LogLevel string

	// TracingEnabled turns on the OTLP trace exporter.
	TracingEnabled bool

	// OTLPEndpoint is the collector endpoint traces are shipped to.
	OTLPEndpoint string
}

// DefaultSettings returns Settings with production defaults.
func DefaultSettings() Settings {
	return Settings{
		HTTPAddr:             ":8000",
		MetricsAddr:          ":9090",
		PostgresHost:         "localhost",
		PostgresPort:         5432,
		PostgresUser:         "limiq",
		PostgresDB:           "limiq",
		DBPoolMaxConns:       10,
		RedisAddr:            "localhost:6379",
		RedisDB:              0,
		JWTLeeway:            5 * time.Second,
		CapabilityDefaultTTL: 15 * time.Minute,
		CapabilityMinTTL:     5 * time.Minute,
		CapabilityMaxTTL:     30 * time.Minute,
		RateLimitWindow:      60 * time.Second,
		RateLimitKeyTTL:      70 * time.Second,
		RateLimitFailOpen:    false,
		AuditExportMaxRows:   10000,
		LogLevel:             "info",
		OTLPEndpoint:         "localhost:4317",
	}
}

// Validate checks that the Settings can boot a working service.
func (s *Settings) Validate() error {
	if s.SigningKeyPEM == "" && s.SigningKeyFile == "" {
		return fmt.Errorf("config: signing key is required (JWT_SIGNING_KEY_PEM or JWT_SIGNING_KEY_FILE)")
	}
	if s.SigningKeyID == "" {
		return fmt.Errorf("config: signing key id is required (JWT_KID)")
	}
	if s.DatabaseURL == "" && (s.PostgresHost == "" || s.PostgresDB == "") {
		return fmt.Errorf("config: database is required (DATABASE_URL or POSTGRES_HOST and POSTGRES_DB)")
	}
	if s.RedisAddr == "" {
		return fmt.Errorf("config: redis address is required (REDIS_ADDR)")
	}
	if s.CapabilityMinTTL <= 0 || s.CapabilityMaxTTL < s.CapabilityMinTTL {
		return fmt.Errorf("config: capability TTL bounds invalid: min=%s max=%s", s.CapabilityMinTTL, s.CapabilityMaxTTL)
	}
	if s.CapabilityDefaultTTL < s.CapabilityMinTTL || s.CapabilityDefaultTTL > s.CapabilityMaxTTL {
		return fmt.Errorf("config: capability default TTL %s outside [%s, %s]", s.CapabilityDefaultTTL, s.CapabilityMinTTL, s.CapabilityMaxTTL)
	}
	if s.RateLimitWindow <= 0 {
		return fmt.Errorf("config: rate limit window must be positive, got %s", s.RateLimitWindow)
	}
	if s.RateLimitKeyTTL < s.RateLimitWindow {
		return fmt.Errorf("config: rate limit key TTL %s shorter than window %s", s.RateLimitKeyTTL, s.RateLimitWindow)
	}
	if s.AuditExportMaxRows <= 0 {
		return fmt.Errorf("config: audit export max rows must be positive, got %d", s.AuditExportMaxRows)
	}
	return nil
}

// PostgresConnString returns the connection string for the pgx pool.
// DatabaseURL wins when set; otherwise the string is composed from the
// individual Postgres fields.
func (s *Settings) PostgresConnString() string {
	if s.DatabaseURL != "" {
		return s.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(s.PostgresHost, strconv.Itoa(s.PostgresPort)),
		Path:   "/" + s.PostgresDB,
	}
	if s.PostgresUser != "" {
		if s.PostgresPassword != "" {
			u.User = url.UserPassword(s.PostgresUser, s.PostgresPassword)
		} else {
			u.User = url.User(s.PostgresUser)
		}
	}
	return u.String()
}

// ResolveSigningKey returns the PEM bytes of the capability signing key,
// reading SigningKeyFile when no inline PEM is configured.
func (s *Settings) ResolveSigningKey() ([]byte, error) {
	if s.SigningKeyPEM != "" {
		return []byte(s.SigningKeyPEM), nil
	}
	pem, err := os.ReadFile(s.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: read signing key file: %w", err)
	}
	return pem, nil
}
