package ap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver() (*Resolver, *Client) {
	client := NewClient(ClientOptions{Limit: 4, Timeout: 2 * time.Second, Insecure: true})
	r := NewResolver(client)
	r.Scheme = "http"
	return r, client
}

func writeJRD(w http.ResponseWriter, subject, self string) {
	w.Header().Set("Content-Type", "application/jrd+json")
	json.NewEncoder(w).Encode(WebFingerResponse{
		Subject: subject,
		Links:   []WebFingerLink{{Rel: "self", Type: activityContentType, Href: self}},
	})
}

const activityContentType = "application/activity+json"

func TestSplitAcct(t *testing.T) {
	user, host, ok := SplitAcct("acct:alice@a.example")
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "a.example", host)

	_, _, ok = SplitAcct("alice@a.example")
	assert.False(t, ok)
	_, _, ok = SplitAcct("acct:alice")
	assert.False(t, ok)
}

func TestActorAcct(t *testing.T) {
	acct := ActorAcct(map[string]interface{}{
		"id":                "https://a.example/users/alice",
		"preferredUsername": "alice",
	})
	assert.Equal(t, "acct:alice@a.example", acct)

	assert.Empty(t, ActorAcct(map[string]interface{}{"id": "https://a.example/users/alice"}))
	assert.Empty(t, ActorAcct(map[string]interface{}{"preferredUsername": "alice"}))
}

func TestGetActorWebFinger(t *testing.T) {
	var host string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/webfinger":
			resource := r.URL.Query().Get("resource")
			switch resource {
			case "acct:alice@" + host:
				writeJRD(w, resource, "http://"+host+"/users/alice")
			case "acct:moved@" + host:
				// Canonical subject lives under another name.
				writeJRD(w, "acct:alice@"+host, "")
			case "acct:nolink@" + host:
				json.NewEncoder(w).Encode(WebFingerResponse{Subject: resource})
			default:
				http.NotFound(w, r)
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	host = mustHost(t, srv.URL)

	resolver, _ := testResolver()
	ctx := context.Background()

	t.Run("direct", func(t *testing.T) {
		subject, self, err := resolver.GetActorWebFinger(ctx, "acct:alice@"+host)
		require.NoError(t, err)
		assert.Equal(t, "acct:alice@"+host, subject)
		assert.Equal(t, "http://"+host+"/users/alice", self)
	})

	t.Run("subject rewrite retries once", func(t *testing.T) {
		subject, self, err := resolver.GetActorWebFinger(ctx, "acct:moved@"+host)
		require.NoError(t, err)
		assert.Equal(t, "acct:alice@"+host, subject)
		assert.Equal(t, "http://"+host+"/users/alice", self)
	})

	t.Run("no self link", func(t *testing.T) {
		_, _, err := resolver.GetActorWebFinger(ctx, "acct:nolink@"+host)
		assert.Error(t, err)
	})
}

func TestResolveActorWebFinger(t *testing.T) {
	var host string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get("resource")
		writeJRD(w, resource, "http://"+host+"/users/alice")
	}))
	defer srv.Close()
	host = mustHost(t, srv.URL)

	resolver, _ := testResolver()
	ctx := context.Background()

	subject, err := resolver.ResolveActorWebFinger(ctx, "acct:alice@"+host, "http://"+host+"/users/alice")
	require.NoError(t, err)
	assert.Equal(t, "acct:alice@"+host, subject)

	_, err = resolver.ResolveActorWebFinger(ctx, "acct:alice@"+host, "http://"+host+"/users/bob")
	assert.Error(t, err)
}

func TestHostMetaFallback(t *testing.T) {
	var host string
	var metaFetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/webfinger":
			// This host only answers on its custom lrdd endpoint.
			http.NotFound(w, r)
		case "/.well-known/host-meta":
			metaFetches.Add(1)
			w.Header().Set("Content-Type", "application/xrd+xml")
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="http://%s/custom-wf?resource={uri}"/>
</XRD>`, host)
		case "/custom-wf":
			resource := r.URL.Query().Get("resource")
			writeJRD(w, resource, "http://"+host+"/users/alice")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	host = mustHost(t, srv.URL)

	resolver, _ := testResolver()
	ctx := context.Background()

	subject, self, err := resolver.GetActorWebFinger(ctx, "acct:alice@"+host)
	require.NoError(t, err)
	assert.Equal(t, "acct:alice@"+host, subject)
	assert.Equal(t, "http://"+host+"/users/alice", self)

	// The second resolution reuses the cached lrdd template.
	_, _, err = resolver.GetActorWebFinger(ctx, "acct:alice@"+host)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metaFetches.Load())
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}
