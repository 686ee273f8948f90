package envelope

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/fedivet/fedivet/internal/ap"
)

// ErrPoolClosed is surfaced to callers whose sign or verify request arrived
// after the worker pool was shut down.
var ErrPoolClosed = errors.New("signing pool is shut down")

// Pool runs CPU-bound RSA work on a fixed set of workers so signing never
// stalls the fetch loops. Shutdown drains queued work before returning.
type Pool struct {
	mu     sync.Mutex
	jobs   chan func()
	closed bool
	wg     sync.WaitGroup
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{jobs: make(chan func())}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for fn := range p.jobs {
				fn()
			}
		}()
	}
	return p
}

// run executes fn on a pool worker and waits for it to finish.
func (p *Pool) run(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	select {
	case p.jobs <- func() { defer close(done); fn() }:
		p.mu.Unlock()
	case <-ctx.Done():
		p.mu.Unlock()
		return ctx.Err()
	}
	// Accepted jobs always complete: workers drain the queue on shutdown.
	<-done
	return nil
}

// Shutdown stops accepting work and waits for in-flight jobs. Cancel the
// callers' contexts first; a blocked submitter holds the accept path open.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Signer produces envelope signatures under one RSA private key. The key is
// parsed once at construction and shared read-only by all pool workers.
type Signer struct {
	pool *Pool
	key  *rsa.PrivateKey
}

func NewSigner(pool *Pool, key *rsa.PrivateKey) *Signer {
	return &Signer{pool: pool, key: key}
}

// Sign canonicalizes and signs one actor document. ErrNoPublicKey when the
// actor cannot be signed at all; pool errors mean cancellation.
func (s *Signer) Sign(ctx context.Context, actor, aux map[string]interface{}, signTime int64) (string, error) {
	data, err := Canonical(actor, aux, signTime)
	if err != nil {
		return "", err
	}
	return s.signBytes(ctx, data)
}

// CompareAndSign signs only when both documents produce byte-identical
// envelopes, so a record that changed between two observations is never
// attested.
func (s *Signer) CompareAndSign(ctx context.Context, actor, actor2, aux map[string]interface{}, signTime int64) (string, error) {
	data, err := Canonical(actor, aux, signTime)
	if err != nil {
		return "", err
	}
	data2, err := Canonical(actor2, aux, signTime)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(data, data2) {
		return "", ErrMismatch
	}
	return s.signBytes(ctx, data)
}

func (s *Signer) signBytes(ctx context.Context, data []byte) (string, error) {
	var (
		sig     []byte
		signErr error
	)
	if err := s.pool.run(ctx, func() {
		h := sha256.Sum256(data)
		sig, signErr = rsa.SignPKCS1v15(nil, s.key, crypto.SHA256, h[:])
	}); err != nil {
		return "", err
	}
	if signErr != nil {
		return "", fmt.Errorf("sign envelope: %w", signErr)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verifier checks envelope signatures under arbitrary public keys (one per
// registered verifier node).
type Verifier struct {
	pool *Pool
}

func NewVerifier(pool *Pool) *Verifier {
	return &Verifier{pool: pool}
}

// Verify reports whether signature attests (actor, aux, signTime) under the
// PEM public key. Malformed inputs verify as false; the error is reserved
// for pool teardown.
func (v *Verifier) Verify(ctx context.Context, actor, aux map[string]interface{}, keyPEM, signature string, signTime int64) (bool, error) {
	data, err := Canonical(actor, aux, signTime)
	if err != nil {
		return false, nil
	}
	pub, err := ap.ParseRSAPublicKeyPEM(keyPEM)
	if err != nil {
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	ok := false
	if err := v.pool.run(ctx, func() {
		h := sha256.Sum256(data)
		ok = rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig) == nil
	}); err != nil {
		return false, err
	}
	return ok, nil
}
