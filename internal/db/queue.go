package db

import (
	"database/sql"
	"fmt"
	"time"
)

// QueueState encodes a row's lifecycle. All waiting states are positive;
// a negated waiting state means a fetcher holds the row. Everything else is
// below the processing states.
type QueueState int

const (
	StateBlocked            QueueState = -6
	StateRedirected         QueueState = -5
	StateFetched            QueueState = -4
	StateFailed             QueueState = -3
	StateProcessingPriority QueueState = -2
	StateProcessing         QueueState = -1
	StateWaiting            QueueState = 1
	StateWaitingPriority    QueueState = 2
)

// QueueRow is one persistent queue entry.
type QueueRow struct {
	QueueID    int64
	URI        string
	Domain     string
	FoundIn    string
	State      QueueState
	NextUpdate int64  // epoch seconds of the scheduled refetch, 0 when none
	UpdateTime int64  // current refetch period in seconds
	Hash       string // hex MD5 of the last fetched JSON, "" until first success
	Aux        string // opaque JSON for the object handler, "" when absent
}

const queueColumns = `queue_id, uri, domain, found_in, state, next_update, update_time, hash, aux`

func scanQueueRow(sc interface{ Scan(...interface{}) error }) (QueueRow, error) {
	var r QueueRow
	var nextUpdate sql.NullInt64
	var updateTime sql.NullInt64
	var hash, aux sql.NullString
	err := sc.Scan(&r.QueueID, &r.URI, &r.Domain, &r.FoundIn, &r.State,
		&nextUpdate, &updateTime, &hash, &aux)
	if err != nil {
		return r, err
	}
	r.NextUpdate = nextUpdate.Int64
	r.UpdateTime = updateTime.Int64
	r.Hash = hash.String
	r.Aux = aux.String
	return r, nil
}

func (s *LookupStore) queryQueue(query string, args ...interface{}) ([]QueueRow, error) {
	rows, err := s.db.Query(rebind(s.driver, query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueRow
	for rows.Next() {
		r, err := scanQueueRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertQueue inserts a new URI. Rows are deduplicated by URI: the first
// insert wins and returns true, every later call is a no-op returning false.
func (s *LookupStore) InsertQueue(uri, domain, foundIn string, state QueueState, updateTime int64, aux string) (bool, error) {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO queue(uri, domain, found_in, state, queue_id, aux, next_update, update_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	} else {
		q = rebind(s.driver, `INSERT INTO queue(uri, domain, found_in, state, queue_id, aux, next_update, update_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`)
	}
	res, err := s.db.Exec(q, uri, domain, foundIn, state, randQueueID(),
		nullString(aux), time.Now().Unix()+updateTime, updateTime)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateQueueState moves a row to state and clears any scheduled refetch.
func (s *LookupStore) UpdateQueueState(uri string, state QueueState) error {
	q := rebind(s.driver, `UPDATE queue SET state=?, next_update=NULL WHERE uri=?`)
	_, err := s.db.Exec(q, state, uri)
	return err
}

// UpdateQueueStateTime moves a row to state and schedules its next refetch
// updateTime seconds from now, recording the content hash.
func (s *LookupStore) UpdateQueueStateTime(uri string, state QueueState, updateTime int64, hash string) error {
	q := rebind(s.driver, `UPDATE queue SET state=?, next_update=?, update_time=?, hash=? WHERE uri=?`)
	_, err := s.db.Exec(q, state, time.Now().Unix()+updateTime, updateTime, nullString(hash), uri)
	return err
}

// SetNextToUpdate promotes every Fetched row whose refetch time has passed
// back to WaitingPriority. This is the refresh sweep.
func (s *LookupStore) SetNextToUpdate() error {
	q := rebind(s.driver, fmt.Sprintf(
		`UPDATE queue SET state=%d WHERE state=%d AND next_update <= ?`,
		StateWaitingPriority, StateFetched))
	_, err := s.db.Exec(q, time.Now().Unix())
	return err
}

// GetQueueElement returns the row for uri, or nil when unknown.
func (s *LookupStore) GetQueueElement(uri string) (*QueueRow, error) {
	q := rebind(s.driver, `SELECT `+queueColumns+` FROM queue WHERE uri=?`)
	r, err := scanQueueRow(s.db.QueryRow(q, uri))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRandom samples up to count waiting rows. The sample point is a fresh
// random queue_id; when nothing lies above it the tail of the ordering is
// returned instead, so the expected distribution over many calls is uniform
// over the waiting set.
func (s *LookupStore) GetRandom(count int) ([]QueueRow, error) {
	rows, err := s.queryQueue(fmt.Sprintf(
		`SELECT `+queueColumns+` FROM queue
		WHERE (state = %d OR state = %d) AND queue_id > ?
		ORDER BY state DESC, queue_id LIMIT ?`,
		StateWaitingPriority, StateWaiting), randQueueID(), count)
	if err != nil || len(rows) > 0 {
		return rows, err
	}
	return s.getLast(count)
}

func (s *LookupStore) getLast(count int) ([]QueueRow, error) {
	return s.queryQueue(fmt.Sprintf(
		`SELECT `+queueColumns+` FROM queue
		WHERE (state = %d OR state = %d)
		ORDER BY state DESC, queue_id DESC LIMIT ?`,
		StateWaitingPriority, StateWaiting), count)
}

// GetRandomFromDomain samples like GetRandom but restricted to one domain's
// priority-waiting rows.
func (s *LookupStore) GetRandomFromDomain(domain string, count int) ([]QueueRow, error) {
	rows, err := s.queryQueue(fmt.Sprintf(
		`SELECT `+queueColumns+` FROM queue
		WHERE state = %d AND domain = ? AND queue_id > ?
		ORDER BY state DESC, queue_id LIMIT ?`,
		StateWaitingPriority), domain, randQueueID(), count)
	if err != nil || len(rows) > 0 {
		return rows, err
	}
	return s.getLastFromDomain(domain, count)
}

func (s *LookupStore) getLastFromDomain(domain string, count int) ([]QueueRow, error) {
	return s.queryQueue(fmt.Sprintf(
		`SELECT `+queueColumns+` FROM queue
		WHERE state = %d AND domain = ?
		ORDER BY state DESC, queue_id DESC LIMIT ?`,
		StateWaitingPriority), domain, count)
}

// GetWaitingDomains returns the distinct domains that still have waiting
// rows.
func (s *LookupStore) GetWaitingDomains() ([]string, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT domain FROM queue WHERE (state = %d OR state = %d) GROUP BY domain`,
		StateWaitingPriority, StateWaiting))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountQueueByState returns the number of rows in one state.
func (s *LookupStore) CountQueueByState(state QueueState) (int64, error) {
	q := rebind(s.driver, `SELECT count(*) FROM queue WHERE state=?`)
	var n int64
	err := s.db.QueryRow(q, state).Scan(&n)
	return n, err
}
