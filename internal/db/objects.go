package db

import (
	"database/sql"
	"time"
)

// ObjectType classifies a stored object. The values are part of the
// storage format.
type ObjectType int

const (
	ObjectOther ObjectType = 0
	ObjectFeed  ObjectType = 1
	ObjectActor ObjectType = 2
)

// PageSize is the number of num slots per actors page. Pages may be sparse:
// actors share the numbering with feeds and other objects.
const PageSize = 100

// ObjectRow is one cached object. JSON holds the verbatim fetched document;
// Aux carries handler metadata such as the webfinger binding.
type ObjectRow struct {
	Num        int64      `json:"num"`
	URI        string     `json:"uri"`
	Type       ObjectType `json:"type"`
	LastUpdate float64    `json:"last_update"`
	JSON       string     `json:"json"`
	Aux        string     `json:"aux"`
}

const objectColumns = `num, uri, type, last_update, json, aux`

func scanObjectRow(sc interface{ Scan(...interface{}) error }) (ObjectRow, error) {
	var r ObjectRow
	var lastUpdate sql.NullFloat64
	var aux sql.NullString
	err := sc.Scan(&r.Num, &r.URI, &r.Type, &lastUpdate, &r.JSON, &aux)
	if err != nil {
		return r, err
	}
	r.LastUpdate = lastUpdate.Float64
	r.Aux = aux.String
	return r, nil
}

// UpsertObject stores a fetched object. An updated object gets a fresh num,
// detaching any signatures over the old content so verifiers re-sign it.
func (s *LookupStore) UpsertObject(uri string, objJSON string, typ ObjectType, aux string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(rebind(s.driver, `DELETE FROM as_objects WHERE uri=?`), uri); err != nil {
		return err
	}
	q := rebind(s.driver, `INSERT INTO as_objects(uri, type, json, last_update, aux) VALUES (?, ?, ?, ?, ?)`)
	now := float64(time.Now().UnixNano()) / 1e9
	if _, err := tx.Exec(q, uri, typ, objJSON, now, nullString(aux)); err != nil {
		return err
	}
	return tx.Commit()
}

// GetObject returns the cached object for uri, or nil when unknown.
func (s *LookupStore) GetObject(uri string) (*ObjectRow, error) {
	q := rebind(s.driver, `SELECT `+objectColumns+` FROM as_objects WHERE uri=?`)
	r, err := scanObjectRow(s.db.QueryRow(q, uri))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetObjectByNum returns the object in num slot num, or nil.
func (s *LookupStore) GetObjectByNum(num int64) (*ObjectRow, error) {
	q := rebind(s.driver, `SELECT `+objectColumns+` FROM as_objects WHERE num=?`)
	r, err := scanObjectRow(s.db.QueryRow(q, num))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetObjectsPage returns the typ objects whose num falls in page. The page
// can be empty when its slots belong to other types.
func (s *LookupStore) GetObjectsPage(typ ObjectType, page int64) ([]ObjectRow, error) {
	q := rebind(s.driver, `SELECT `+objectColumns+` FROM as_objects WHERE type=? AND num > ? AND num <= ?`)
	rows, err := s.db.Query(q, typ, page*PageSize, (page+1)*PageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ObjectRow
	for rows.Next() {
		r, err := scanObjectRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPageCount returns ceil(max(num)/PageSize) over all objects.
func (s *LookupStore) GetPageCount() (int64, error) {
	var maxNum sql.NullInt64
	if err := s.db.QueryRow(`SELECT max(num) FROM as_objects`).Scan(&maxNum); err != nil {
		return 0, err
	}
	return (maxNum.Int64 + PageSize - 1) / PageSize, nil
}

// CountObjects returns the number of stored objects of one type.
func (s *LookupStore) CountObjects(typ ObjectType) (int64, error) {
	q := rebind(s.driver, `SELECT count(*) FROM as_objects WHERE type=?`)
	var n int64
	err := s.db.QueryRow(q, typ).Scan(&n)
	return n, err
}

// ─── Aliases ──────────────────────────────────────────────────────────────────

// InsertAlias records that object_uri resolves to object_id (a same-host
// redirect or a webfinger acct binding).
func (s *LookupStore) InsertAlias(uri, oid string) error {
	var q string
	if s.driver == "sqlite" {
		q = `REPLACE INTO aliases(object_uri, object_id) VALUES (?, ?)`
	} else {
		q = rebind(s.driver, `INSERT INTO aliases(object_uri, object_id) VALUES (?, ?)
			ON CONFLICT(object_uri) DO UPDATE SET object_id=EXCLUDED.object_id`)
	}
	_, err := s.db.Exec(q, uri, oid)
	return err
}

// GetAliasID resolves uri through the alias table, returning "" when
// unknown.
func (s *LookupStore) GetAliasID(uri string) (string, error) {
	q := rebind(s.driver, `SELECT object_id FROM aliases WHERE object_uri=?`)
	var oid string
	err := s.db.QueryRow(q, uri).Scan(&oid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return oid, err
}
