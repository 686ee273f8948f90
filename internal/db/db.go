// Package db holds the persistent state of both services. It supports
// SQLite (default, no external dependencies) and PostgreSQL (for larger
// deployments). The lookup and verifier keep separate databases; each store
// runs its crash-recovery rewrite as part of opening.
package db

import (
	"database/sql"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// maxQueueID bounds the random sampling key: queue_id ∈ [0, 2^30).
const maxQueueID = 1 << 30

func randQueueID() int64 {
	return rand.Int63n(maxQueueID)
}

// open opens a database connection. The URL can be:
//   - A file path like "lookup.db" → SQLite
//   - "sqlite://path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func open(databaseURL string) (*sql.DB, string, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, "", fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer. WAL with
		// synchronous=NORMAL batches fsyncs, which is the durability level the
		// crawler needs: a lost tail of the queue is re-discovered by crawling.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, "", fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
			return nil, "", fmt.Errorf("set synchronous: %w", err)
		}
	}

	return db, driver, nil
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}

// rebind rewrites ?-placeholders to $n for PostgreSQL. Queries are written
// with ? throughout; SQLite takes them as-is.
func rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// serial returns the auto-incrementing integer primary key column for the
// driver.
func serial(driver string) string {
	if driver == "postgres" {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func runMigrations(db *sql.DB, driver string, migrations []string) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			// Index creation is idempotent on SQLite but can race on Postgres.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
