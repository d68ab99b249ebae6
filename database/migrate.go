package database

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2b"
)

// migrationLockKey serializes migration runs across replicas starting at the
// same time. Arbitrary but must be stable across versions.
const migrationLockKey int64 = 7231065002248

// ledgerSchema tracks which migration files have been applied
const ledgerSchema = `
CREATE TABLE IF NOT EXISTS _migrations (
	version TEXT PRIMARY KEY,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	applied_by TEXT
)`

// Migration is one SQL file pending or applied against the database.
type Migration struct {
	Version  string
	Path     string
	SQL      string
	Checksum string
}

// LoadMigrations reads every .sql file in dir, sorted by filename. The file
// name without extension is the version, so the NNN_description.sql convention
// yields lexicographic apply order.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations dir %s: %w", dir, err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", path, err)
		}
		sum := blake2b.Sum256(data)
		migrations = append(migrations, Migration{
			Version:  strings.TrimSuffix(entry.Name(), ".sql"),
			Path:     path,
			SQL:      string(data),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Migrate applies pending migrations from dir in order and records each one in
// the _migrations ledger. Each file runs in its own transaction together with
// its ledger row. A checksum mismatch against an already-applied version
// aborts: the file on disk no longer matches what ran against this database.
// Returns the number of migrations applied.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string, runID string) (int, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return 0, err
	}
	if len(migrations) == 0 {
		log.Printf("No migration files in %s, nothing to apply", dir)
		return 0, nil
	}

	// Lock and unlock must happen on the same session
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire migration connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return 0, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey); err != nil {
			log.Printf("Warning: failed to release migration lock: %v", err)
		}
	}()

	if _, err := conn.Exec(ctx, ledgerSchema); err != nil {
		return 0, fmt.Errorf("failed to create migration ledger: %w", err)
	}

	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range migrations {
		if sum, ok := applied[m.Version]; ok {
			if sum != m.Checksum {
				return count, fmt.Errorf("migration %s was already applied with a different checksum (ledger %.12s, file %.12s)", m.Version, sum, m.Checksum)
			}
			continue
		}

		log.Printf("Applying migration %s...", m.Version)
		start := time.Now()

		tx, err := conn.Begin(ctx)
		if err != nil {
			return count, fmt.Errorf("failed to begin transaction for %s: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("migration %s failed: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO _migrations (version, checksum, applied_by) VALUES ($1, $2, $3)",
			m.Version, m.Checksum, runID,
		); err != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		count++
		log.Printf("✅ Migration %s applied in %v", m.Version, time.Since(start))
	}

	if count == 0 {
		log.Printf("Database schema is up to date (%d migrations already applied)", len(migrations))
	}
	return count, nil
}

// appliedChecksums loads the ledger into a version -> checksum map.
func appliedChecksums(ctx context.Context, conn *pgxpool.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, "SELECT version, checksum FROM _migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration ledger: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan migration ledger: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate migration ledger: %w", err)
	}
	return applied, nil
}
