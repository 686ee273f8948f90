package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
)

// DomainState orders domain health: anything above Unknown forbids
// scheduling. The numeric values are part of the storage format.
type DomainState int

const (
	DomainSafe        DomainState = 0
	DomainUnknown     DomainState = 1
	DomainUnreachable DomainState = 2
	DomainAutoBlocked DomainState = 3
	DomainBlocked     DomainState = 4
)

// DomainRow is the persistent part of a domain record.
type DomainRow struct {
	Domain     string
	NextReq    float64 // epoch seconds before which no request may be issued
	FailStreak int
	State      DomainState
}

// LookupStore is the lookup service's database: the URI queue, domain
// records, cached objects, aliases, registered verifiers, their signatures,
// and periodic stats samples.
type LookupStore struct {
	db     *sql.DB
	driver string

	// Registered verifiers, cached in memory and refreshed on insert.
	vmu            sync.RWMutex
	verifiersByID  map[int64]VerifierRow
	verifiersByURI map[string]VerifierRow
}

// OpenLookup opens the lookup database, runs migrations, performs the
// crash-recovery rewrite of in-flight queue rows, and loads the verifier
// cache.
func OpenLookup(databaseURL string) (*LookupStore, error) {
	conn, driver, err := open(databaseURL)
	if err != nil {
		return nil, err
	}
	s := &LookupStore{
		db:             conn,
		driver:         driver,
		verifiersByID:  make(map[int64]VerifierRow),
		verifiersByURI: make(map[string]VerifierRow),
	}

	slog.Info("running lookup database migrations")
	if err := runMigrations(conn, driver, s.migrations()); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.recoverQueue(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.loadVerifiers(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *LookupStore) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS queue (
			queue_id    INTEGER,
			uri         TEXT PRIMARY KEY,
			domain      TEXT,
			found_in    TEXT,
			state       INTEGER,
			next_update INTEGER,
			update_time INTEGER,
			hash        TEXT,
			aux         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS queue_domain_state_id_idx ON queue(domain, state DESC, queue_id)`,
		`CREATE INDEX IF NOT EXISTS queue_state_id_idx ON queue(state DESC, queue_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS queue_uri_idx ON queue(uri)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS queue_next_update_idx ON queue(next_update) WHERE state=%d`, StateFetched),
		`CREATE TABLE IF NOT EXISTS domains (
			domain      TEXT PRIMARY KEY,
			next_req    REAL,
			fail_streak INTEGER,
			state       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS as_objects (
			num         ` + serial(s.driver) + `,
			uri         TEXT UNIQUE,
			type        INTEGER,
			last_update REAL,
			json        TEXT,
			aux         TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS aliases (
			object_uri TEXT UNIQUE,
			object_id  TEXT UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS verifiers (
			id      ` + serial(s.driver) + `,
			uri     TEXT UNIQUE,
			key_pem TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS signatures (
			verifier_id INTEGER,
			object_num  INTEGER,
			signature   TEXT,
			s_time      INTEGER,
			PRIMARY KEY (verifier_id, object_num)
		)`,
		`CREATE TABLE IF NOT EXISTS stats (
			id   ` + serial(s.driver) + `,
			json TEXT
		)`,
	}
}

// recoverQueue rewrites rows left in an in-flight state by a crash back to
// their waiting states.
func (s *LookupStore) recoverQueue() error {
	for _, pair := range [][2]QueueState{
		{StateProcessingPriority, StateWaitingPriority},
		{StateProcessing, StateWaiting},
	} {
		q := rebind(s.driver, `UPDATE queue SET state=? WHERE state=?`)
		if _, err := s.db.Exec(q, pair[1], pair[0]); err != nil {
			return fmt.Errorf("recover queue: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *LookupStore) Close() error {
	return s.db.Close()
}

// ─── Domains ──────────────────────────────────────────────────────────────────

// AllDomains returns every persisted domain record.
func (s *LookupStore) AllDomains() ([]DomainRow, error) {
	rows, err := s.db.Query(`SELECT domain, next_req, fail_streak, state FROM domains`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DomainRow
	for rows.Next() {
		var d DomainRow
		var nextReq sql.NullFloat64
		var failStreak sql.NullInt64
		if err := rows.Scan(&d.Domain, &nextReq, &failStreak, &d.State); err != nil {
			return nil, err
		}
		d.NextReq = nextReq.Float64
		d.FailStreak = int(failStreak.Int64)
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDomainState sets a domain's state, creating the record if absent.
func (s *LookupStore) UpdateDomainState(domain string, state DomainState) error {
	q := rebind(s.driver, `UPDATE domains SET state=? WHERE domain=?`)
	res, err := s.db.Exec(q, state, domain)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var ins string
		if s.driver == "sqlite" {
			ins = `INSERT OR IGNORE INTO domains(domain, fail_streak, next_req, state) VALUES (?, ?, ?, ?)`
		} else {
			ins = rebind(s.driver, `INSERT INTO domains(domain, fail_streak, next_req, state) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`)
		}
		_, err = s.db.Exec(ins, domain, 0, 0, state)
	}
	return err
}

// UpdateDomain records a domain's backoff position. The state stays Unknown;
// transitions out of Unknown go through UpdateDomainState.
func (s *LookupStore) UpdateDomain(domain string, failStreak int, nextReq float64) error {
	var q string
	if s.driver == "sqlite" {
		q = `REPLACE INTO domains(domain, fail_streak, next_req, state) VALUES (?, ?, ?, ?)`
	} else {
		q = rebind(s.driver, `INSERT INTO domains(domain, fail_streak, next_req, state) VALUES (?, ?, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET fail_streak=EXCLUDED.fail_streak, next_req=EXCLUDED.next_req, state=EXCLUDED.state`)
	}
	_, err := s.db.Exec(q, domain, failStreak, nextReq, DomainUnknown)
	return err
}
