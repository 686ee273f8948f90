package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fedivet/fedivet/internal/ap"
)

// serviceActor publishes the service's own ActivityPub identity: the actor
// document carrying the RSA public key, plus the WebFinger and host-meta
// endpoints remote servers use to discover it before checking our HTTP
// signatures.
type serviceActor struct {
	baseURL  string // scheme://host, no trailing slash
	username string
	name     string
	path     string // route serving the actor document
	keyPair  *ap.KeyPair
}

func newServiceActor(baseURL, username, name, path string, keyPair *ap.KeyPair) *serviceActor {
	return &serviceActor{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		name:     name,
		path:     path,
		keyPair:  keyPair,
	}
}

func (a *serviceActor) actorURI() string { return a.baseURL + a.path }

func (a *serviceActor) host() string {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return a.baseURL
	}
	return u.Host
}

func (a *serviceActor) mount(r chi.Router) {
	r.Get(a.path, a.handleActor)
	r.Get("/.well-known/webfinger", a.handleWebFinger)
	r.Get("/.well-known/host-meta", a.handleHostMeta)
}

func (a *serviceActor) handleActor(w http.ResponseWriter, r *http.Request) {
	uri := a.actorURI()
	actor := &ap.Actor{
		Context:           ap.DefaultContext,
		ID:                uri,
		Type:              "Application",
		PreferredUsername: a.username,
		Name:              a.name,
		PublicKey: &ap.PublicKey{
			ID:           uri + "#main-key",
			Owner:        uri,
			PublicKeyPem: a.keyPair.PublicPEM,
		},
	}
	cacheHeaders(w, 3600)
	apResponse(w, actor)
}

func (a *serviceActor) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}
	if parts[0] != a.username || parts[1] != a.host() {
		http.NotFound(w, r)
		return
	}

	resp := ap.WebFingerResponse{
		Subject: resource,
		Aliases: []string{a.actorURI()},
		Links: []ap.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: a.actorURI()},
		},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (a *serviceActor) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, a.baseURL)
}
