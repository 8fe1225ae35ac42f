package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisAddr = "localhost:6379"

// RedisOptions reads REDIS_ADDR, REDIS_PASSWORD, REDIS_DB and the REDIS_TLS_*
// variables.
func RedisOptions(env Env) (*redis.Options, error) {
	addr := env.get("REDIS_ADDR")
	if addr == "" {
		addr = defaultRedisAddr
	}
	db := 0
	if raw := env.get("REDIS_DB"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("invalid REDIS_DB %q", raw)
		}
		db = parsed
	}
	tlsConfig, err := redisTLSConfig(env)
	if err != nil {
		return nil, err
	}
	if env.flag("REDIS_REQUIRE_TLS") && tlsConfig == nil {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	return &redis.Options{
		Addr:      addr,
		Username:  env.get("REDIS_USERNAME"),
		Password:  env.raw("REDIS_PASSWORD"),
		DB:        db,
		TLSConfig: tlsConfig,
	}, nil
}

// NewRedis connects and pings within two seconds.
func NewRedis(ctx context.Context, env Env) (*redis.Client, error) {
	opts, err := RedisOptions(env)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func redisTLSConfig(env Env) (*tls.Config, error) {
	if !env.flag("REDIS_TLS") {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: env.get("REDIS_TLS_SERVER_NAME")}
	if env.flag("REDIS_TLS_INSECURE") {
		if !env.flag("REDIS_ALLOW_INSECURE_TLS") {
			return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true //nolint:gosec // explicitly opted in
	}
	if caFile := env.get("REDIS_TLS_CA_CERT_FILE"); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile, keyFile := env.get("REDIS_TLS_CERT_FILE"), env.get("REDIS_TLS_KEY_FILE")
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, errors.New("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
