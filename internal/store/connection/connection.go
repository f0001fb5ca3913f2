// Package connection manages the pgxpool-backed Postgres connection used by
// internal/store, with a health-check loop and exponential-backoff
// reconnect — adapted from the teacher's internal/litellmdb/connection.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/batchrelay/batchrelay/internal/security"
	"github.com/batchrelay/batchrelay/internal/store/queries"
)

// ErrConnectionFailed is returned by Acquire when the pool is unhealthy or closed.
var ErrConnectionFailed = errors.New("store: connection failed")

// Config configures the pool. Zero values are not defaulted here — callers
// (internal/config) are responsible for filling these in.
type Config struct {
	DatabaseURL         string
	MaxConns            int32
	MinConns            int32
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
}

// Pool manages a PostgreSQL connection pool with auto-reconnect.
type Pool struct {
	pool   *pgxpool.Pool
	config Config
	logger *slog.Logger

	healthy atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	reconnectMu    sync.Mutex
	lastReconnect  time.Time
	reconnectDelay time.Duration
}

// New creates and connects a Pool, starting its background health-check loop.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		config:         cfg,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		reconnectDelay: time.Second,
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("store: invalid database url: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.HealthCheckPeriod = cfg.HealthCheckInterval
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	poolConfig.ConnConfig.OnNotice = func(c *pgconn.PgConn, n *pgconn.Notice) {
		p.logger.Debug("postgres notice", "severity", n.Severity, "message", n.Message)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		cancel()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	p.pool = pool
	p.healthy.Store(true)

	p.wg.Add(1)
	go p.healthCheckLoop()

	p.logger.Info("store connection pool initialized",
		"max_conns", cfg.MaxConns,
		"min_conns", cfg.MinConns,
		"database", security.MaskDatabaseURL(cfg.DatabaseURL),
	)

	return p, nil
}

// Acquire gets a connection from the pool.
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if p.closed.Load() || !p.healthy.Load() {
		return nil, ErrConnectionFailed
	}
	return p.pool.Acquire(ctx)
}

// Pool returns the underlying pgxpool.Pool for direct query execution.
func (p *Pool) Pool() *pgxpool.Pool {
	return p.pool
}

// IsHealthy returns the last-observed connection health.
func (p *Pool) IsHealthy() bool {
	return p.healthy.Load()
}

// Stats returns pool statistics.
func (p *Pool) Stats() *pgxpool.Stat {
	if p.pool == nil {
		return nil
	}
	return p.pool.Stat()
}

// Close stops the health-check loop and closes the pool.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.logger.Warn("store health check goroutine did not stop within timeout")
	}

	if p.pool != nil {
		p.pool.Close()
	}

	p.logger.Info("store connection pool closed")
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.performHealthCheck()
		}
	}
}

func (p *Pool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()

	var result int
	err := p.pool.QueryRow(ctx, queries.QueryHealthCheck).Scan(&result)

	if err != nil {
		wasHealthy := p.healthy.Swap(false)
		if wasHealthy {
			p.logger.Error("store health check failed", "error", err)
		}
		p.tryReconnect()
		return
	}

	wasUnhealthy := !p.healthy.Swap(true)
	if wasUnhealthy {
		p.logger.Info("store connection restored")
		p.reconnectDelay = time.Second
	}
}

func (p *Pool) tryReconnect() {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()

	if time.Since(p.lastReconnect) < p.reconnectDelay {
		return
	}

	p.logger.Info("attempting to reconnect to store", "delay", p.reconnectDelay)

	ctx, cancel := context.WithTimeout(p.ctx, p.config.ConnectTimeout)
	defer cancel()

	err := p.pool.Ping(ctx)
	p.lastReconnect = time.Now().UTC()

	if err != nil {
		p.reconnectDelay = minDuration(p.reconnectDelay*2, 30*time.Second)
		p.logger.Error("store reconnect failed", "error", err, "next_delay", p.reconnectDelay)
		return
	}

	p.healthy.Store(true)
	p.reconnectDelay = time.Second
	p.logger.Info("store reconnect successful")
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
