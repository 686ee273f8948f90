package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/config"
	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/metrics"
)

type foundID struct {
	uri      string
	priority bool
	aux      string
}

// handlerFixture wires an ObjectHandler to a real store and a collector in
// place of the queue.
type handlerFixture struct {
	cfg     *config.Lookup
	store   *db.LookupStore
	handler *ObjectHandler
	found   []foundID
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	store, err := db.OpenLookup(filepath.Join(t.TempDir(), "lookup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Lookup{
		ArchiveNotes:       true,
		ArchiveCollections: true,
		MinUpdatePeriod:    100,
		MaxUpdatePeriod:    1000,
	}
	client := ap.NewClient(ap.ClientOptions{Limit: 2, Timeout: 2 * time.Second, Insecure: true})
	resolver := ap.NewResolver(client)
	resolver.Scheme = "http"

	f := &handlerFixture{cfg: cfg, store: store}
	collect := func(_ context.Context, uri, foundIn string, priority bool, aux string) error {
		f.found = append(f.found, foundID{uri: uri, priority: priority, aux: aux})
		return nil
	}
	f.handler = NewObjectHandler(cfg, store, resolver, collect, metrics.NewEventCounter())
	return f
}

func (f *handlerFixture) uris() []string {
	var out []string
	for _, id := range f.found {
		out = append(out, id.uri)
	}
	return out
}

func TestHandleCrossHostObjectIsLink(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	// An inlined actor must not be archived off the embedding page, no
	// matter what that page claims about it. Only a top-level fetch of the
	// actor's own id counts.
	note := map[string]interface{}{
		"id":   "https://a.example/n/1",
		"type": "Note",
		"attributedTo": map[string]interface{}{
			"id":                "https://a.example/u/mallory",
			"type":              "Person",
			"preferredUsername": "mallory",
		},
	}
	require.NoError(t, f.handler.Handle(ctx, note, "a.example", false, nil))

	assert.Contains(t, f.uris(), "https://a.example/u/mallory")
	row, err := f.store.GetObject("https://a.example/u/mallory")
	require.NoError(t, err)
	assert.Nil(t, row, "nested actor reached only as a link")

	row, err = f.store.GetObject("https://a.example/n/1")
	require.NoError(t, err)
	require.NotNil(t, row, "top-level note belongs to the fetched domain")
	assert.Equal(t, db.ObjectOther, row.Type)
}

func TestHandleOtherDomainTopLevel(t *testing.T) {
	f := newHandlerFixture(t)

	// A top-level document from the wrong host (a redirect target) becomes a
	// plain link too.
	actor := map[string]interface{}{
		"id":   "https://b.example/u/alice",
		"type": "Person",
	}
	require.NoError(t, f.handler.Handle(context.Background(), actor, "a.example", false, nil))
	assert.Equal(t, []string{"https://b.example/u/alice"}, f.uris())
	row, err := f.store.GetObject("https://b.example/u/alice")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestHandleActorWithoutAcct(t *testing.T) {
	f := newHandlerFixture(t)

	actor := map[string]interface{}{
		"id":        "https://a.example/u/alice",
		"type":      "Person",
		"followers": "https://a.example/u/alice/followers",
		"following": "https://a.example/u/alice/following",
		"outbox":    "https://a.example/u/alice/outbox",
	}
	require.NoError(t, f.handler.Handle(context.Background(), actor, "a.example", false, nil))

	row, err := f.store.GetObject("https://a.example/u/alice")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, db.ObjectActor, row.Type)
	assert.JSONEq(t, `{"webfinger":null}`, row.Aux, "no acct, no binding")

	byPriority := map[string]bool{}
	for _, id := range f.found {
		byPriority[id.uri] = id.priority
	}
	assert.True(t, byPriority["https://a.example/u/alice/followers"])
	assert.True(t, byPriority["https://a.example/u/alice/following"])
	assert.False(t, byPriority["https://a.example/u/alice/outbox"])
}

func TestHandleActorWebFingerBinding(t *testing.T) {
	f := newHandlerFixture(t)

	var actorURI string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/webfinger" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/jrd+json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"subject": r.URL.Query().Get("resource"),
			"links": []map[string]interface{}{
				{"rel": "self", "type": "application/activity+json", "href": actorURI},
			},
		})
	}))
	defer srv.Close()
	host := mustHostOf(t, srv.URL)
	actorURI = srv.URL + "/u/alice"

	actor := map[string]interface{}{
		"id":                actorURI,
		"type":              "Person",
		"preferredUsername": "alice",
	}
	require.NoError(t, f.handler.Handle(context.Background(), actor, host, false, nil))

	row, err := f.store.GetObject(actorURI)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.JSONEq(t, fmt.Sprintf(`{"webfinger":%q}`, "acct:alice@"+host), row.Aux)

	alias, err := f.store.GetAliasID("acct:alice@" + host)
	require.NoError(t, err)
	assert.Equal(t, actorURI, alias)
}

func TestMarkFetchedUpdatePeriod(t *testing.T) {
	f := newHandlerFixture(t)
	const uri = "https://a.example/u/alice/followers"
	coll := map[string]interface{}{"id": uri, "type": "OrderedCollection", "totalItems": 1.0}

	_, err := f.store.InsertQueue(uri, "a.example", "a.example", db.StateProcessing, f.cfg.MinUpdatePeriod, "")
	require.NoError(t, err)

	queueRow := func() *db.QueueRow {
		row, err := f.store.GetQueueElement(uri)
		require.NoError(t, err)
		require.NotNil(t, row)
		return row
	}

	t.Run("first fetch doubles", func(t *testing.T) {
		require.NoError(t, f.handler.markFetched(coll, uri, "OrderedCollection", "a.example"))
		row := queueRow()
		assert.Equal(t, db.StateFetched, row.State)
		assert.Equal(t, int64(200), row.UpdateTime)
		assert.NotEmpty(t, row.Hash)
	})

	t.Run("unchanged keeps backing off", func(t *testing.T) {
		require.NoError(t, f.store.UpdateQueueStateTime(uri, db.StateProcessing, 800, hashObject(coll)))
		require.NoError(t, f.handler.markFetched(coll, uri, "OrderedCollection", "a.example"))
		assert.Equal(t, int64(200), queueRow().UpdateTime)
	})

	t.Run("changed content halves", func(t *testing.T) {
		require.NoError(t, f.store.UpdateQueueStateTime(uri, db.StateProcessing, 800, "stale-hash"))
		require.NoError(t, f.handler.markFetched(coll, uri, "OrderedCollection", "a.example"))
		assert.Equal(t, int64(400), queueRow().UpdateTime)
	})

	t.Run("halving floors at the minimum", func(t *testing.T) {
		require.NoError(t, f.store.UpdateQueueStateTime(uri, db.StateProcessing, 100, "stale-hash"))
		require.NoError(t, f.handler.markFetched(coll, uri, "OrderedCollection", "a.example"))
		assert.Equal(t, int64(100), queueRow().UpdateTime)
	})

	t.Run("redirect target gets a fresh entry", func(t *testing.T) {
		const canonical = "https://a.example/u/alice/followers2"
		redirected := map[string]interface{}{"id": canonical, "type": "OrderedCollection"}
		require.NoError(t, f.handler.markFetched(redirected, canonical, "OrderedCollection", "a.example"))
		row, err := f.store.GetQueueElement(canonical)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, db.StateFetched, row.State)
		assert.Equal(t, f.cfg.MinUpdatePeriod, row.UpdateTime)
	})
}

func TestHandleCollection(t *testing.T) {
	ctx := context.Background()

	t.Run("direction locks on first contact", func(t *testing.T) {
		f := newHandlerFixture(t)
		coll := map[string]interface{}{
			"id":    "https://a.example/u/alice/outbox",
			"type":  "OrderedCollection",
			"first": "https://a.example/u/alice/outbox?page=1",
		}
		require.NoError(t, f.handler.Handle(ctx, coll, "a.example", false, nil))
		require.Len(t, f.found, 1)
		assert.Equal(t, "https://a.example/u/alice/outbox?page=1", f.found[0].uri)
		assert.JSONEq(t, `{"colDir":"next","empPag":1}`, f.found[0].aux)

		row, err := f.store.GetObject("https://a.example/u/alice/outbox")
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, db.ObjectFeed, row.Type)
	})

	t.Run("locked direction ignores the back link", func(t *testing.T) {
		f := newHandlerFixture(t)
		page := map[string]interface{}{
			"id":           "https://a.example/u/alice/outbox?page=2",
			"type":         "OrderedCollectionPage",
			"prev":         "https://a.example/u/alice/outbox?page=1",
			"next":         "https://a.example/u/alice/outbox?page=3",
			"orderedItems": []interface{}{"https://a.example/n/1"},
		}
		aux := map[string]interface{}{"colDir": "next"}
		require.NoError(t, f.handler.handleCollection(ctx, page, "a.example", false, aux))
		assert.ElementsMatch(t, []string{"https://a.example/n/1", "https://a.example/u/alice/outbox?page=3"}, f.uris())
	})

	t.Run("empty page streak stops the walk", func(t *testing.T) {
		f := newHandlerFixture(t)
		page := map[string]interface{}{
			"id":   "https://a.example/u/alice/outbox?page=4",
			"type": "OrderedCollectionPage",
			"next": "https://a.example/u/alice/outbox?page=5",
		}
		aux := map[string]interface{}{"colDir": "next", "empPag": 1}
		require.NoError(t, f.handler.handleCollection(ctx, page, "a.example", false, aux))
		require.Len(t, f.found, 1, "second empty page still follows next")

		f.found = nil
		aux["empPag"] = 2
		require.NoError(t, f.handler.handleCollection(ctx, page, "a.example", false, aux))
		assert.Empty(t, f.found, "third empty page gives up")
	})
}

func TestHandleNote(t *testing.T) {
	f := newHandlerFixture(t)
	note := map[string]interface{}{
		"id":      "https://a.example/n/1",
		"type":    "Note",
		"to":      []interface{}{"https://a.example/u/bob", ap.PublicURI},
		"replies": "https://a.example/n/1/replies",
	}
	require.NoError(t, f.handler.Handle(context.Background(), note, "a.example", false, nil))

	byPriority := map[string]bool{}
	for _, id := range f.found {
		byPriority[id.uri] = id.priority
	}
	assert.True(t, byPriority["https://a.example/u/bob"])
	assert.False(t, byPriority["https://a.example/n/1/replies"])
}

func mustHostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}
