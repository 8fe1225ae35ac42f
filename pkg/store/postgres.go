package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresPingTimeout  = 2 * time.Second
	postgresSleep        = time.Sleep
)

// PoolOptions bounds connection attempts at startup.
type PoolOptions struct {
	Retries    int
	RetryDelay time.Duration
	MaxConns   int32
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.Retries <= 0 {
		o.Retries = 10
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.MaxConns <= 0 {
		o.MaxConns = 5
	}
	return o
}

// PostgresDSN returns DATABASE_URL, or a URL assembled from DATABASE_USER,
// DATABASE_PASSWORD, DATABASE_HOST, DATABASE_PORT, DATABASE_NAME and
// DATABASE_SSLMODE. With DATABASE_REQUIRE_TLS the sslmode must encrypt.
func PostgresDSN(env Env) (string, error) {
	dsn := env.get("DATABASE_URL")
	if dsn == "" {
		dsn = assemblePostgresURL(env)
	}
	if env.flag("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return "", err
		}
	}
	return dsn, nil
}

func NewPostgresPool(ctx context.Context, env Env, opts PoolOptions) (*pgxpool.Pool, error) {
	opts = opts.withDefaults()
	dsn, err := PostgresDSN(env)
	if err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "microtoken"

	var lastErr error
	for i := 0; i < opts.Retries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(opts.RetryDelay)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(opts.RetryDelay)
	}
	return nil, fmt.Errorf("postgres ping retries exhausted: %w", lastErr)
}

func assemblePostgresURL(env Env) string {
	user := env.get("DATABASE_USER")
	if user == "" {
		user = "microtoken"
	}
	host := env.get("DATABASE_HOST")
	if host == "" {
		host = "localhost"
	}
	port := env.get("DATABASE_PORT")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	dbName := env.get("DATABASE_NAME")
	if dbName == "" {
		dbName = "microtoken"
	}
	sslmode := env.get("DATABASE_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}
	uri := &url.URL{Scheme: "postgres", Host: host + ":" + port, Path: "/" + dbName}
	if password := env.raw("DATABASE_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}
