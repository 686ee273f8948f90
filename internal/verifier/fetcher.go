// Package verifier re-fetches actors a lookup has cached, signs the ones
// that match the origin, and ships the signatures back in batches.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/metrics"
)

// infTime parks a domain or an actor effectively forever.
const infTime float64 = 1e16

// ServerDownError rejects a fetch because the target domain is inside a
// down window. NextTry says when it reopens.
type ServerDownError struct {
	URI     string
	NextTry float64
}

func (e *ServerDownError) Error() string {
	return fmt.Sprintf("fetch %s: domain unavailable until %.0f", e.URI, e.NextTry)
}

// domainHealth is the fetcher's in-memory record for one domain.
type domainHealth struct {
	fails        int
	nextTry      float64
	reservedTime float64
	tempFails    float64
}

// Fetcher wraps the ActivityPub client with per-domain health tracking.
// Failures accumulate a weighted score (a transient error weighs 1, a
// terminal one 0.4); once the score reaches the threshold the domain goes
// down for domain_retry_timers[fails] and every request to it is rejected
// up front. Successful fetches reset the domain.
type Fetcher struct {
	client *ap.Client
	store  *db.VerifierStore
	events *metrics.EventCounter

	timers         []time.Duration
	requestTimeout float64

	mu      sync.Mutex
	domains map[string]*domainHealth
}

const tempFailThreshold = 5.0

func NewFetcher(client *ap.Client, store *db.VerifierStore, events *metrics.EventCounter, timers []time.Duration, requestTimeout time.Duration) *Fetcher {
	return &Fetcher{
		client:         client,
		store:          store,
		events:         events,
		timers:         timers,
		requestTimeout: requestTimeout.Seconds(),
		domains:        make(map[string]*domainHealth),
	}
}

// Restore loads persisted domain state. Call once before fetching.
func (f *Fetcher) Restore() error {
	rows, err := f.store.GetDomains()
	if err != nil {
		return err
	}
	f.mu.Lock()
	for name, row := range rows {
		f.domains[name] = &domainHealth{fails: row.Fails, nextTry: row.NextTry}
	}
	f.mu.Unlock()
	return nil
}

// ReserveTime books a future dispatch slot for the domain: at least one
// request timeout from now, after any down window, and after every slot
// already reserved. Stacked reservations therefore never collide.
func (f *Fetcher) ReserveTime(domain string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[domain]
	if !ok {
		return nowSeconds()
	}
	reserved := nowSeconds() + f.requestTimeout
	if d.nextTry > reserved {
		reserved = d.nextTry
	}
	if prior := d.reservedTime + f.requestTimeout; prior > reserved {
		reserved = prior
	}
	d.reservedTime = reserved
	return reserved
}

// Fetch gets one ActivityStreams document, consulting and updating the
// domain's health. Errors are *ServerDownError when the domain is (or just
// went) down, otherwise the client's classified fetch error.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (map[string]interface{}, error) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("fetch %s: invalid URI: %w", uri, ap.ErrFailedFetch)
	}
	domain := parsed.Host

	f.mu.Lock()
	d, ok := f.domains[domain]
	if !ok {
		d = &domainHealth{nextTry: nowSeconds()}
		f.domains[domain] = d
	}
	if now := nowSeconds(); now < d.nextTry {
		nextTry := d.nextTry
		f.mu.Unlock()
		return nil, &ServerDownError{URI: uri, NextTry: nextTry}
	}
	f.mu.Unlock()

	obj, err := f.client.Fetch(ctx, uri)
	if err == nil {
		f.mu.Lock()
		d.tempFails = 0
		persist := d.fails > 0
		if persist {
			d.fails = 0
			d.nextTry = 0
		}
		f.mu.Unlock()
		if persist {
			if dbErr := f.store.SetDomainState(domain, 0, 0); dbErr != nil {
				return nil, dbErr
			}
		}
		metrics.ObserveFetch("verifier", metrics.OutcomeOK)
		return obj, nil
	}
	if !errors.Is(err, ap.ErrFailedFetch) && !errors.Is(err, ap.ErrTemporaryFetch) {
		return nil, err
	}

	weight := 0.4
	if errors.Is(err, ap.ErrTemporaryFetch) {
		weight = 1
		f.events.OnEvent(metrics.EventActorFetchTempError)
		metrics.ObserveFetch("verifier", metrics.OutcomeTemporary)
	} else {
		f.events.OnEvent(metrics.EventActorFetchFailed)
		metrics.ObserveFetch("verifier", metrics.OutcomeFailed)
	}
	slog.Info("request failed", "domain", domain, "error", err)

	f.mu.Lock()
	if now := nowSeconds(); now < d.nextTry {
		nextTry := d.nextTry
		f.mu.Unlock()
		return nil, &ServerDownError{URI: uri, NextTry: nextTry}
	}
	d.tempFails += weight
	if d.tempFails < tempFailThreshold {
		f.mu.Unlock()
		return nil, err
	}
	if d.fails < len(f.timers) {
		d.nextTry = nowSeconds() + f.timers[d.fails].Seconds()
	} else {
		d.nextTry = infTime
	}
	d.fails++
	d.tempFails = 0
	nextTry, fails := d.nextTry, d.fails
	f.mu.Unlock()

	slog.Info("domain marked as down", "domain", domain, "next_try", nextTry)
	if dbErr := f.store.SetDomainState(domain, nextTry, fails); dbErr != nil {
		return nil, dbErr
	}
	return nil, &ServerDownError{URI: uri, NextTry: nextTry}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
