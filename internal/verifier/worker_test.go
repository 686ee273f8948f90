package verifier

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/config"
	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/envelope"
	"github.com/fedivet/fedivet/internal/metrics"
)

// workerHarness runs one worker against a fake origin and a fake lookup.
type workerHarness struct {
	store    *db.VerifierStore
	key      *rsa.PrivateKey
	pool     *envelope.Pool
	origin   *httptest.Server
	lookup   *httptest.Server
	batches  chan envelope.SignaturesBatch
	actorURI string

	cachedJSON string // what the lookup serves
	originJSON string // what the origin serves
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	h := &workerHarness{batches: make(chan envelope.SignaturesBatch, 4)}

	store, err := db.OpenVerifier(filepath.Join(t.TempDir(), "verifier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h.store = store

	h.key, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	h.pool = envelope.NewPool(1)
	t.Cleanup(h.pool.Shutdown)

	h.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/u/alice" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(h.originJSON))
	}))
	t.Cleanup(h.origin.Close)
	h.actorURI = h.origin.URL + "/u/alice"

	actor := map[string]interface{}{
		"id":    h.actorURI,
		"type":  "Person",
		"inbox": h.actorURI + "/inbox",
		"publicKey": map[string]interface{}{
			"id":           h.actorURI + "#main-key",
			"owner":        h.actorURI,
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----\nMDEexample\n-----END PUBLIC KEY-----\n",
		},
	}
	doc, err := json.Marshal(actor)
	require.NoError(t, err)
	h.cachedJSON = string(doc)
	h.originJSON = string(doc)

	h.lookup = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/actors":
			json.NewEncoder(w).Encode(ActorsPage{
				Actors:    []db.ObjectRow{{Num: 1, URI: h.actorURI, Type: db.ObjectActor, JSON: h.cachedJSON}},
				PageCount: 1,
			})
		case "/actors/sign":
			var batch envelope.SignaturesBatch
			require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
			h.batches <- batch
			json.NewEncoder(w).Encode(map[string]int{"accepted": len(batch.Signatures)})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(h.lookup.Close)
	return h
}

func (h *workerHarness) run(t *testing.T, ctx context.Context) *Worker {
	t.Helper()
	cfg := &config.Verifier{
		ActorURI:              "https://verifier.example/actor",
		ParallelFetches:       4,
		QueueSize:             8,
		DomainRequestPeriod:   10 * time.Millisecond,
		LookupRequestPeriod:   10 * time.Millisecond,
		RequestTimeout:        2 * time.Second,
		SignatureBatchSize:    1,
		SignatureBatchTimeout: 20 * time.Millisecond,
		ActorRetryTimers:      []time.Duration{time.Second, 5 * time.Second},
		DomainRetryTimers:     []time.Duration{time.Second, 5 * time.Second},
	}
	client := ap.NewClient(ap.ClientOptions{Limit: 4, Timeout: 2 * time.Second, Insecure: true})
	fetcher := NewFetcher(client, h.store, metrics.NewEventCounter(), cfg.DomainRetryTimers, cfg.RequestTimeout)
	lookup := NewLookupClient(h.lookup.URL, cfg.RequestTimeout, nil)
	signer := envelope.NewSigner(h.pool, h.key)
	w := NewWorker(cfg, h.store, lookup, signer, fetcher, ap.NewResolver(client), metrics.NewEventCounter())
	go w.Run(ctx)
	return w
}

func TestWorkerSignsMatchingActor(t *testing.T) {
	h := newWorkerHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.run(t, ctx)

	var batch envelope.SignaturesBatch
	select {
	case batch = <-h.batches:
	case <-time.After(10 * time.Second):
		t.Fatal("no signature batch arrived")
	}

	assert.Equal(t, "https://verifier.example/actor", batch.SignedBy)
	require.Len(t, batch.Signatures, 1)
	sig := batch.Signatures[0]
	assert.Equal(t, h.actorURI, sig.URI)

	// The submitted signature must verify over the cached document.
	var actor map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(h.cachedJSON), &actor))
	der, err := x509.MarshalPKIXPublicKey(&h.key.PublicKey)
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	ok, err := envelope.NewVerifier(h.pool).Verify(ctx, actor, nil, keyPEM, sig.Signature, sig.SignatureTime)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorkerRecordsDivergence(t *testing.T) {
	h := newWorkerHarness(t)

	// The origin now claims a different inbox than the cached copy.
	var actor map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(h.originJSON), &actor))
	actor["inbox"] = h.actorURI + "/other-inbox"
	changed, err := json.Marshal(actor)
	require.NoError(t, err)
	h.originJSON = string(changed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.run(t, ctx)

	require.Eventually(t, func() bool {
		diffs, err := h.store.GetDifferences(h.lookup.URL)
		return err == nil && len(diffs) > 0
	}, 10*time.Second, 20*time.Millisecond)

	diffs, err := h.store.GetDifferences(h.lookup.URL)
	require.NoError(t, err)
	assert.Equal(t, h.actorURI, diffs[0].URI)
	assert.JSONEq(t, h.cachedJSON, diffs[0].LookupJSON)
	assert.JSONEq(t, h.originJSON, diffs[0].ActualJSON)

	select {
	case <-h.batches:
		t.Fatal("a diverged actor must never be signed")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWorkerRequeuesFailedFetch(t *testing.T) {
	h := newWorkerHarness(t)
	// The origin forgot the actor: terminal 404s send it to the retry queue
	// with an incremented fail count.
	h.originJSON = ""
	h.actorURI = h.origin.URL + "/u/ghost"
	h.cachedJSON = `{"id":"` + h.actorURI + `","type":"Person"}`

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.run(t, ctx)

	require.Eventually(t, func() bool {
		rows, err := h.store.GetFromQueue(h.lookup.URL, infTime, 10)
		return err == nil && len(rows) == 1 && rows[0].Fails == 1
	}, 10*time.Second, 20*time.Millisecond)
}
