// Package waitfor blocks bootstrap until external dependencies accept
// connections. Probes are cheap one-shot checks; Wait retries them at a fixed
// interval until success or context cancellation.
package waitfor

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

// Probe is a single readiness check against one dependency.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// Wait retries the probe every interval until it succeeds or ctx is done.
// Each attempt gets its own timeout derived from the interval so a hanging
// dial cannot stall the loop.
func Wait(ctx context.Context, p Probe, interval time.Duration) error {
	attempt := 0
	for {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, interval*2)
		err := p.Check(attemptCtx)
		cancel()
		if err == nil {
			log.Printf("✅ %s is ready (attempt %d)", p.Name(), attempt)
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("giving up waiting for %s after %d attempts: %w (last error: %v)", p.Name(), attempt, ctx.Err(), err)
		default:
		}

		log.Printf("%s is not ready, next try in %v: %v", p.Name(), interval, err)
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return fmt.Errorf("giving up waiting for %s after %d attempts: %w (last error: %v)", p.Name(), attempt, ctx.Err(), err)
		}
	}
}

// PostgresProbe checks that the database accepts connections and answers a ping.
type PostgresProbe struct {
	URL string
}

func (p PostgresProbe) Name() string { return "database" }

func (p PostgresProbe) Check(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.URL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()
	return conn.Ping(ctx)
}

// RedisProbe checks that the cache answers a PING.
type RedisProbe struct {
	Addr     string
	Password string
}

func (p RedisProbe) Name() string { return "cache" }

func (p RedisProbe) Check(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     p.Addr,
		Password: p.Password,
		DB:       0, // use default DB
	})
	defer func() { _ = rdb.Close() }()
	return rdb.Ping(ctx).Err()
}

// TCPProbe checks that a plain TCP endpoint accepts connections. Used for
// dependencies that have no higher-level client wired in.
type TCPProbe struct {
	Addr string
}

func (p TCPProbe) Name() string { return p.Addr }

func (p TCPProbe) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
