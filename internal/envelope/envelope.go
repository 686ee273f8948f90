// Package envelope builds and signs the canonical actor envelope: the byte
// string that binds an actor document to its webfinger alias and a signing
// time. Lookups and verifiers must produce identical bytes for identical
// inputs, so the serialization here is normative: lexicographically ordered
// keys, minimal separators, explicit nulls for absent fields.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoPublicKey means the actor carries no publicKey subdocument (or a
// malformed one) and therefore cannot be signed.
var ErrNoPublicKey = errors.New("actor has no public key object")

// ErrMismatch is returned by CompareAndSign when the two actor documents do
// not produce byte-identical envelopes.
var ErrMismatch = errors.New("actor envelopes differ")

// Canonical serializes the signing envelope for an actor document. aux
// carries the webfinger binding under "webfinger". Absent actor fields
// serialize as null; "key" is the verbatim publicKey subdocument.
func Canonical(actor, aux map[string]interface{}, signTime int64) ([]byte, error) {
	if actor == nil {
		return nil, ErrNoPublicKey
	}
	key, ok := actor["publicKey"]
	if !ok {
		return nil, ErrNoPublicKey
	}
	keyMap, ok := key.(map[string]interface{})
	if !ok {
		return nil, ErrNoPublicKey
	}

	env := map[string]interface{}{
		"actor_id":        actor["id"],
		"actor_uri":       actor["uri"],
		"actor_type":      actor["type"],
		"actor_following": actor["following"],
		"actor_followers": actor["followers"],
		"actor_inbox":     actor["inbox"],
		"actor_outbox":    actor["outbox"],
		"actor_name":      actor["name"],
		"actor_url":       actor["url"],
		"actor_published": actor["published"],
		"actor_endpoints": actor["endpoints"],
		"webfinger":       aux["webfinger"],
		"key":             keyMap,
		"signature_time":  signTime,
	}

	// encoding/json writes map keys in sorted order, nested maps included,
	// which is exactly the canonical layout. HTML escaping is disabled so
	// URL-bearing fields keep their literal bytes.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
