package verifier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/metrics"
)

var testTimers = []time.Duration{2 * time.Second, 10 * time.Second, 50 * time.Second}

func newTestFetcher(t *testing.T) (*Fetcher, *db.VerifierStore) {
	t.Helper()
	store, err := db.OpenVerifier(filepath.Join(t.TempDir(), "verifier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := ap.NewClient(ap.ClientOptions{Limit: 2, Timeout: 2 * time.Second, Insecure: true})
	return NewFetcher(client, store, metrics.NewEventCounter(), testTimers, 500*time.Millisecond), store
}

func TestFetcherDownWindow(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, store := newTestFetcher(t)
	ctx := context.Background()
	uri := srv.URL + "/u/alice"

	// Transient errors weigh 1; the classified error surfaces until the
	// score reaches the threshold.
	for i := 0; i < 4; i++ {
		_, err := f.Fetch(ctx, uri)
		require.ErrorIs(t, err, ap.ErrTemporaryFetch)
	}
	_, err := f.Fetch(ctx, uri)
	var down *ServerDownError
	require.ErrorAs(t, err, &down)
	assert.Equal(t, uri, down.URI)
	assert.InDelta(t, nowSeconds()+testTimers[0].Seconds(), down.NextTry, 1)
	require.Equal(t, int64(5), hits.Load())

	// Inside the window requests are rejected without touching the network.
	_, err = f.Fetch(ctx, srv.URL+"/u/bob")
	require.ErrorAs(t, err, &down)
	assert.Equal(t, int64(5), hits.Load())

	// The down window is persisted for the next run.
	domains, err := store.GetDomains()
	require.NoError(t, err)
	host := mustHostOf(t, srv.URL)
	require.Contains(t, domains, host)
	assert.Equal(t, 1, domains[host].Fails)
}

func TestFetcherTerminalErrorsWeighLess(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f, _ := newTestFetcher(t)
	ctx := context.Background()

	// 0.4 per terminal failure: twelve 404s stay under the threshold...
	for i := 0; i < 12; i++ {
		_, err := f.Fetch(ctx, srv.URL+"/missing")
		require.ErrorIs(t, err, ap.ErrFailedFetch)
		var down *ServerDownError
		require.False(t, errors.As(err, &down))
	}
	// ...the thirteenth crosses it.
	_, err := f.Fetch(ctx, srv.URL+"/missing")
	var down *ServerDownError
	require.ErrorAs(t, err, &down)
}

func TestFetcherSuccessResets(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{"id":"x","type":"Person"}`))
	}))
	defer srv.Close()

	f, store := newTestFetcher(t)
	ctx := context.Background()
	uri := srv.URL + "/u/alice"
	host := mustHostOf(t, srv.URL)

	fail.Store(true)
	for i := 0; i < 4; i++ {
		_, err := f.Fetch(ctx, uri)
		require.Error(t, err)
	}

	fail.Store(false)
	obj, err := f.Fetch(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "Person", obj["type"])

	// A success clears the accumulated score: the next streak starts over.
	fail.Store(true)
	for i := 0; i < 4; i++ {
		_, err := f.Fetch(ctx, uri)
		require.ErrorIs(t, err, ap.ErrTemporaryFetch)
	}

	domains, err := store.GetDomains()
	require.NoError(t, err)
	if row, ok := domains[host]; ok {
		assert.Zero(t, row.Fails)
	}
}

func TestFetcherRestore(t *testing.T) {
	f, store := newTestFetcher(t)
	require.NoError(t, store.SetDomainState("down.example", nowSeconds()+3600, 2))
	require.NoError(t, f.Restore())

	_, err := f.Fetch(context.Background(), "https://down.example/u/alice")
	var down *ServerDownError
	require.ErrorAs(t, err, &down)
	assert.Greater(t, down.NextTry, nowSeconds())
}

func TestFetcherInvalidURI(t *testing.T) {
	f, _ := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), "not a uri")
	assert.ErrorIs(t, err, ap.ErrFailedFetch)
}

func mustHostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}

func TestReserveTime(t *testing.T) {
	f, _ := newTestFetcher(t)

	t.Run("unknown domain dispatches now", func(t *testing.T) {
		assert.InDelta(t, nowSeconds(), f.ReserveTime("fresh.example"), 1)
	})

	t.Run("reservations stack", func(t *testing.T) {
		f.mu.Lock()
		f.domains["busy.example"] = &domainHealth{}
		f.mu.Unlock()

		first := f.ReserveTime("busy.example")
		second := f.ReserveTime("busy.example")
		third := f.ReserveTime("busy.example")
		assert.InDelta(t, nowSeconds()+f.requestTimeout, first, 1)
		assert.InDelta(t, first+f.requestTimeout, second, 0.1)
		assert.InDelta(t, second+f.requestTimeout, third, 0.1)
	})

	t.Run("down window pushes the slot", func(t *testing.T) {
		nextTry := nowSeconds() + 3600
		f.mu.Lock()
		f.domains["down.example"] = &domainHealth{nextTry: nextTry}
		f.mu.Unlock()
		assert.GreaterOrEqual(t, f.ReserveTime("down.example"), nextTry)
	})
}
