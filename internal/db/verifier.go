package db

import (
	"database/sql"
	"log/slog"
)

// VerifierQueueRow is one pending re-verification: an actor the verifier
// still owes a signature for, keyed by (lookup, uri). Active rows are held
// by a worker task.
type VerifierQueueRow struct {
	Lookup    string
	URI       string
	NextFetch float64 // epoch seconds
	Fails     int
	JSON      string // cached lookup copy, "" when it must be re-hydrated
	Aux       string
	Active    bool
}

// DifferenceRow records one observed divergence between a lookup's cache
// and the origin document.
type DifferenceRow struct {
	Lookup     string
	URI        string
	LookupJSON string
	ActualJSON string
	Time       float64
}

// VerifierDomainRow is the bounded fetcher's persistent per-domain state.
type VerifierDomainRow struct {
	Domain  string
	NextTry float64
	Fails   int
}

// VerifierStore is the verifier service's database: per-lookup pagination
// cursors, the retry queue, bounded-fetcher domain state, the differences
// ledger, and stats samples.
type VerifierStore struct {
	db     *sql.DB
	driver string
}

// OpenVerifier opens the verifier database, runs migrations, and releases
// rows left active by a crash.
func OpenVerifier(databaseURL string) (*VerifierStore, error) {
	conn, driver, err := open(databaseURL)
	if err != nil {
		return nil, err
	}
	s := &VerifierStore{db: conn, driver: driver}

	slog.Info("running verifier database migrations")
	if err := runMigrations(conn, driver, s.migrations()); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.ResetQueue(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *VerifierStore) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS lookups (
			uri       TEXT PRIMARY KEY,
			next_page INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS domains (
			domain   TEXT PRIMARY KEY,
			next_try REAL,
			fails    INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			lookup     TEXT,
			uri        TEXT,
			next_fetch REAL,
			fails      INTEGER,
			json       TEXT,
			aux        TEXT,
			active     INTEGER DEFAULT 0,
			PRIMARY KEY (lookup, uri)
		)`,
		`CREATE INDEX IF NOT EXISTS queue_next_fetch_idx ON queue(lookup, next_fetch) WHERE active = 0`,
		`CREATE TABLE IF NOT EXISTS differences (
			lookup      TEXT,
			uri         TEXT,
			lookup_json TEXT,
			actual_json TEXT,
			time        REAL,
			PRIMARY KEY (lookup, uri, time)
		)`,
		`CREATE TABLE IF NOT EXISTS stats (
			id   ` + serial(s.driver) + `,
			json TEXT
		)`,
	}
}

// Close closes the database connection.
func (s *VerifierStore) Close() error {
	return s.db.Close()
}

// ResetQueue releases every active row. Run at startup: a crashed worker
// holds nothing.
func (s *VerifierStore) ResetQueue() error {
	_, err := s.db.Exec(`UPDATE queue SET active=0 WHERE active<>0`)
	return err
}

// AddToQueue upserts one pending re-verification.
func (s *VerifierStore) AddToQueue(lookup, uri string, nextFetch float64, fails int, jsonDump, aux string, active bool) error {
	activeInt := 0
	if active {
		activeInt = 1
	}
	var q string
	if s.driver == "sqlite" {
		q = `REPLACE INTO queue(lookup, uri, next_fetch, fails, json, aux, active) VALUES (?, ?, ?, ?, ?, ?, ?)`
	} else {
		q = rebind(s.driver, `INSERT INTO queue(lookup, uri, next_fetch, fails, json, aux, active) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(lookup, uri) DO UPDATE SET next_fetch=EXCLUDED.next_fetch, fails=EXCLUDED.fails,
			json=EXCLUDED.json, aux=EXCLUDED.aux, active=EXCLUDED.active`)
	}
	_, err := s.db.Exec(q, lookup, uri, nextFetch, fails, nullString(jsonDump), nullString(aux), activeInt)
	return err
}

// RemoveFromQueue deletes one row.
func (s *VerifierStore) RemoveFromQueue(lookup, uri string) error {
	q := rebind(s.driver, `DELETE FROM queue WHERE lookup=? AND uri=?`)
	_, err := s.db.Exec(q, lookup, uri)
	return err
}

// GetFromQueue returns up to limit inactive rows due before untilTime.
func (s *VerifierStore) GetFromQueue(lookup string, untilTime float64, limit int) ([]VerifierQueueRow, error) {
	q := rebind(s.driver, `SELECT lookup, uri, next_fetch, fails, json, aux, active FROM queue
		WHERE lookup=? AND next_fetch < ? AND active = 0 LIMIT ?`)
	rows, err := s.db.Query(q, lookup, untilTime, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VerifierQueueRow
	for rows.Next() {
		var r VerifierQueueRow
		var nextFetch sql.NullFloat64
		var fails sql.NullInt64
		var jsonDump, aux sql.NullString
		var active int
		if err := rows.Scan(&r.Lookup, &r.URI, &nextFetch, &fails, &jsonDump, &aux, &active); err != nil {
			return nil, err
		}
		r.NextFetch = nextFetch.Float64
		r.Fails = int(fails.Int64)
		r.JSON = jsonDump.String
		r.Aux = aux.String
		r.Active = active != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetActive marks one row as held by a worker task.
func (s *VerifierStore) SetActive(lookup, uri string) error {
	q := rebind(s.driver, `UPDATE queue SET active=1 WHERE lookup=? AND uri=?`)
	_, err := s.db.Exec(q, lookup, uri)
	return err
}

// GetNextPage returns the persisted pagination cursor for a lookup.
func (s *VerifierStore) GetNextPage(lookup string) (int64, error) {
	q := rebind(s.driver, `SELECT next_page FROM lookups WHERE uri=?`)
	var page int64
	err := s.db.QueryRow(q, lookup).Scan(&page)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return page, err
}

// SetNextPage persists the pagination cursor.
func (s *VerifierStore) SetNextPage(lookup string, page int64) error {
	var q string
	if s.driver == "sqlite" {
		q = `REPLACE INTO lookups(uri, next_page) VALUES (?, ?)`
	} else {
		q = rebind(s.driver, `INSERT INTO lookups(uri, next_page) VALUES (?, ?)
			ON CONFLICT(uri) DO UPDATE SET next_page=EXCLUDED.next_page`)
	}
	_, err := s.db.Exec(q, lookup, page)
	return err
}

// GetDomains returns the bounded fetcher's persisted per-domain state.
func (s *VerifierStore) GetDomains() (map[string]VerifierDomainRow, error) {
	rows, err := s.db.Query(`SELECT domain, next_try, fails FROM domains`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]VerifierDomainRow)
	for rows.Next() {
		var d VerifierDomainRow
		var nextTry sql.NullFloat64
		var fails sql.NullInt64
		if err := rows.Scan(&d.Domain, &nextTry, &fails); err != nil {
			return nil, err
		}
		d.NextTry = nextTry.Float64
		d.Fails = int(fails.Int64)
		out[d.Domain] = d
	}
	return out, rows.Err()
}

// SetDomainState persists one domain's backoff position.
func (s *VerifierStore) SetDomainState(domain string, nextTry float64, fails int) error {
	var q string
	if s.driver == "sqlite" {
		q = `REPLACE INTO domains(domain, next_try, fails) VALUES (?, ?, ?)`
	} else {
		q = rebind(s.driver, `INSERT INTO domains(domain, next_try, fails) VALUES (?, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET next_try=EXCLUDED.next_try, fails=EXCLUDED.fails`)
	}
	_, err := s.db.Exec(q, domain, nextTry, fails)
	return err
}

// InsertDifference records a divergence between cache and origin.
func (s *VerifierStore) InsertDifference(lookup, uri, lookupJSON, actualJSON string, timestamp float64) error {
	q := rebind(s.driver, `INSERT INTO differences(lookup, uri, lookup_json, actual_json, time) VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.Exec(q, lookup, uri, lookupJSON, actualJSON, timestamp)
	return err
}

// GetDifferences returns every recorded divergence for a lookup. Consulted
// offline; never served over HTTP.
func (s *VerifierStore) GetDifferences(lookup string) ([]DifferenceRow, error) {
	q := rebind(s.driver, `SELECT lookup, uri, lookup_json, actual_json, time FROM differences WHERE lookup=? ORDER BY time`)
	rows, err := s.db.Query(q, lookup)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DifferenceRow
	for rows.Next() {
		var r DifferenceRow
		if err := rows.Scan(&r.Lookup, &r.URI, &r.LookupJSON, &r.ActualJSON, &r.Time); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertStats appends one sampled stats row.
func (s *VerifierStore) InsertStats(statsJSON string) error {
	q := rebind(s.driver, `INSERT INTO stats(json) VALUES (?)`)
	_, err := s.db.Exec(q, statsJSON)
	return err
}
