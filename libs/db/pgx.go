package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/md-rashed-zaman/activitybus/libs/config"
	"github.com/md-rashed-zaman/activitybus/libs/runtime"
)

// Pool wraps pgxpool so callers depend on this package alone.
type Pool struct {
	*pgxpool.Pool
}

type Options struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// StatementTimeout is applied server side to every session; zero leaves
	// the server default.
	StatementTimeout time.Duration
	ApplicationName  string
}

// OptionsFromEnv reads DB_MAX_CONNS, DB_MIN_CONNS, DB_CONN_LIFETIME,
// DB_CONN_IDLE and DB_STATEMENT_TIMEOUT.
func OptionsFromEnv(applicationName string) Options {
	return Options{
		MaxConns:         int32(config.Int("DB_MAX_CONNS", 10)),
		MinConns:         int32(config.Int("DB_MIN_CONNS", 1)),
		MaxConnLifetime:  config.Duration("DB_CONN_LIFETIME", 30*time.Minute),
		MaxConnIdleTime:  config.Duration("DB_CONN_IDLE", 5*time.Minute),
		StatementTimeout: config.Duration("DB_STATEMENT_TIMEOUT", 5*time.Second),
		ApplicationName:  applicationName,
	}
}

func poolConfig(databaseURL string, o Options) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if o.MaxConns > 0 {
		cfg.MaxConns = o.MaxConns
	}
	if o.MinConns > 0 && o.MinConns <= cfg.MaxConns {
		cfg.MinConns = o.MinConns
	}
	if o.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = o.MaxConnLifetime
	}
	if o.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = o.MaxConnIdleTime
	}
	params := cfg.ConnConfig.RuntimeParams
	if o.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(o.StatementTimeout.Milliseconds(), 10)
	}
	if o.ApplicationName != "" {
		if _, set := params["application_name"]; !set {
			params["application_name"] = o.ApplicationName
		}
	}
	return cfg, nil
}

// Open builds a pool from databaseURL and o and pings it once, so a bad DSN
// or unreachable server fails startup.
func Open(ctx context.Context, databaseURL string, o Options) (*Pool, error) {
	cfg, err := poolConfig(databaseURL, o)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

func (p *Pool) Close() {
	if p != nil && p.Pool != nil {
		p.Pool.Close()
	}
}

// Probe reports the pool on the readiness endpoint.
func Probe(pool *Pool) runtime.Probe {
	return runtime.ErrorProbe("postgres", func(ctx context.Context) error {
		if pool == nil || pool.Pool == nil {
			return errors.New("postgres pool not open")
		}
		return pool.Ping(ctx)
	})
}
