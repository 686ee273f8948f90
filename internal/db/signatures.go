package db

import "database/sql"

// VerifierRow is one registered verifier node.
type VerifierRow struct {
	ID     int64
	URI    string
	KeyPEM string
}

// SignatureRow is one verifier's attestation over one object slot.
type SignatureRow struct {
	VerifierID int64
	Signature  string
	SignTime   int64
}

func (s *LookupStore) loadVerifiers() error {
	rows, err := s.db.Query(`SELECT id, uri, key_pem FROM verifiers`)
	if err != nil {
		return err
	}
	defer rows.Close()
	s.vmu.Lock()
	defer s.vmu.Unlock()
	for rows.Next() {
		var v VerifierRow
		if err := rows.Scan(&v.ID, &v.URI, &v.KeyPEM); err != nil {
			return err
		}
		s.verifiersByID[v.ID] = v
		s.verifiersByURI[v.URI] = v
	}
	return rows.Err()
}

// AddVerifier registers a verifier's key, refreshing the in-memory cache.
func (s *LookupStore) AddVerifier(uri, keyPEM string) (VerifierRow, error) {
	q := rebind(s.driver, `INSERT INTO verifiers(uri, key_pem) VALUES (?, ?)`)
	if _, err := s.db.Exec(q, uri, keyPEM); err != nil {
		return VerifierRow{}, err
	}
	var v VerifierRow
	sel := rebind(s.driver, `SELECT id, uri, key_pem FROM verifiers WHERE uri=?`)
	if err := s.db.QueryRow(sel, uri).Scan(&v.ID, &v.URI, &v.KeyPEM); err != nil {
		return VerifierRow{}, err
	}
	s.vmu.Lock()
	s.verifiersByID[v.ID] = v
	s.verifiersByURI[v.URI] = v
	s.vmu.Unlock()
	return v, nil
}

// VerifierByURI returns the registered verifier with the given uri.
func (s *LookupStore) VerifierByURI(uri string) (VerifierRow, bool) {
	s.vmu.RLock()
	defer s.vmu.RUnlock()
	v, ok := s.verifiersByURI[uri]
	return v, ok
}

// VerifierByID returns the registered verifier with the given id.
func (s *LookupStore) VerifierByID(id int64) (VerifierRow, bool) {
	s.vmu.RLock()
	defer s.vmu.RUnlock()
	v, ok := s.verifiersByID[id]
	return v, ok
}

// InsertSignature stores one accepted signature. Keyed by
// (verifier_id, object_num), so duplicate submissions are harmless.
func (s *LookupStore) InsertSignature(verifierID, objectNum int64, signature string, signTime int64) error {
	var q string
	if s.driver == "sqlite" {
		q = `REPLACE INTO signatures(verifier_id, object_num, signature, s_time) VALUES (?, ?, ?, ?)`
	} else {
		q = rebind(s.driver, `INSERT INTO signatures(verifier_id, object_num, signature, s_time) VALUES (?, ?, ?, ?)
			ON CONFLICT(verifier_id, object_num) DO UPDATE SET signature=EXCLUDED.signature, s_time=EXCLUDED.s_time`)
	}
	_, err := s.db.Exec(q, verifierID, objectNum, signature, signTime)
	return err
}

// GetNotSigned returns up to count object nums this verifier has not signed
// yet.
func (s *LookupStore) GetNotSigned(verifierID int64, count int) ([]int64, error) {
	q := rebind(s.driver, `SELECT num FROM as_objects
		LEFT JOIN signatures ON as_objects.num = signatures.object_num AND signatures.verifier_id=?
		WHERE signatures.object_num IS NULL LIMIT ?`)
	rows, err := s.db.Query(q, verifierID, count)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetObjectSignatures returns every signature over one object slot.
func (s *LookupStore) GetObjectSignatures(objectNum int64) ([]SignatureRow, error) {
	q := rebind(s.driver, `SELECT verifier_id, signature, s_time FROM signatures WHERE object_num=?`)
	rows, err := s.db.Query(q, objectNum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SignatureRow
	for rows.Next() {
		var r SignatureRow
		if err := rows.Scan(&r.VerifierID, &r.Signature, &r.SignTime); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// InsertStats appends one sampled stats row (JSON blob per sample).
func (s *LookupStore) InsertStats(statsJSON string) error {
	q := rebind(s.driver, `INSERT INTO stats(json) VALUES (?)`)
	_, err := s.db.Exec(q, statsJSON)
	return err
}

// LastStats returns the newest stats sample, or "" when none recorded.
func (s *LookupStore) LastStats() (string, error) {
	var j string
	err := s.db.QueryRow(`SELECT json FROM stats ORDER BY id DESC LIMIT 1`).Scan(&j)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return j, err
}
