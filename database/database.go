package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	neturl "net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var identRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Connect opens a small connection pool used only for the bootstrap sequence.
// The wrapped application opens its own pool after exec, so this one stays
// minimal and tuned for fast startup.
func Connect(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.ConnConfig.ConnectTimeout = 5 * time.Second
	config.ConnConfig.RuntimeParams["jit"] = "off" // Disable JIT for faster startup
	config.ConnConfig.RuntimeParams["application_name"] = "stagedoor"

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// EnsureDatabase creates the target database if it does not exist, using an
// admin connection to the 'postgres' database. Best effort: a racing replica
// or missing CREATEDB privilege is not fatal as long as the database exists.
func EnsureDatabase(dbURL string) {
	adminURL, dbName := AdminURLAndDBName(dbURL)
	if dbName == "" || dbName == "postgres" {
		return
	}

	adminDB, err := sql.Open("pgx", adminURL)
	if err != nil {
		log.Printf("Note: could not open admin connection (continuing): %v", err)
		return
	}
	defer func() { _ = adminDB.Close() }()

	if safe, ok := safePgIdent(dbName); ok {
		if _, err := adminDB.Exec("CREATE DATABASE " + safe); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
			log.Printf("Note: CREATE DATABASE may have failed (continuing if it exists): %v", err)
		}
	} else {
		log.Printf("Warning: Database name '%s' contains unsupported characters; skipping CREATE DATABASE step", dbName)
	}
}

// AdminURLAndDBName builds an admin URL pointing to the 'postgres' database and returns the target db name
func AdminURLAndDBName(dbURL string) (string, string) {
	u, err := neturl.Parse(dbURL)
	if err != nil {
		return dbURL, ""
	}
	// Extract db name from path
	dbName := strings.TrimPrefix(u.Path, "/")
	// Point to 'postgres' db for admin tasks
	u.Path = "/postgres"
	return u.String(), dbName
}

// safePgIdent validates and quotes identifier safely for CREATE DATABASE
func safePgIdent(name string) (string, bool) {
	if identRe.MatchString(name) {
		return name, true
	}
	return "", false
}
