package ap

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	webFingerAccept = "application/jrd+json, application/json"
	hostMetaAccept  = "application/xrd+xml, application/xml, text/xml"
	hostMetaTTL     = time.Hour
)

// SplitAcct splits "acct:user@host" into its parts.
func SplitAcct(acct string) (user, host string, ok bool) {
	if !strings.HasPrefix(acct, "acct:") || !strings.Contains(acct, "@") {
		return "", "", false
	}
	user, host, _ = strings.Cut(acct[5:], "@")
	return user, host, true
}

// ActorAcct derives the "acct:user@host" form from a raw actor document,
// taking the host from the actor id. Empty when preferredUsername is absent.
func ActorAcct(obj map[string]interface{}) string {
	name := GetString(obj, "preferredUsername")
	if name == "" {
		return ""
	}
	id, err := url.Parse(ObjectID(obj))
	if err != nil || id.Host == "" {
		return ""
	}
	return "acct:" + name + "@" + id.Host
}

type hostMetaEntry struct {
	fetched  time.Time
	template string
	ready    chan struct{}
}

// Resolver resolves acct: URIs to actor self links, with the host-meta
// fallback some servers require. Host-meta lookups are cached per host for
// an hour, and concurrent callers share a single in-flight fetch.
type Resolver struct {
	client *Client
	// Scheme for the well-known URLs. Only tests against local fixtures
	// override the default https.
	Scheme string

	mu   sync.Mutex
	meta map[string]*hostMetaEntry
}

func NewResolver(client *Client) *Resolver {
	return &Resolver{
		client: client,
		Scheme: "https",
		meta:   make(map[string]*hostMetaEntry),
	}
}

// GetActorWebFinger resolves acct to its subject and self link. When the
// responding document names a different subject (a cross-domain alias), the
// resolution is retried once under the new subject.
func (r *Resolver) GetActorWebFinger(ctx context.Context, acct string) (subject, self string, err error) {
	for range [2]struct{}{} {
		wf, err := r.resolveWebFinger(ctx, acct, true, "")
		if err != nil {
			return "", "", err
		}
		if wf.Subject == "" {
			return "", "", fmt.Errorf("webfinger for %s: no subject", acct)
		}
		if wf.Subject != acct {
			acct = wf.Subject
			continue
		}
		for _, link := range wf.Links {
			if link.Rel == "self" && link.Href != "" {
				return acct, link.Href, nil
			}
		}
		return "", "", fmt.Errorf("webfinger for %s: no self link", acct)
	}
	return "", "", fmt.Errorf("webfinger for %s: subject kept moving", acct)
}

// ResolveActorWebFinger returns acct (possibly rewritten to the canonical
// subject) iff its webfinger self link equals selfHref. This is the mutual
// binding check between an actor document and its acct alias.
func (r *Resolver) ResolveActorWebFinger(ctx context.Context, acct, selfHref string) (string, error) {
	subject, self, err := r.GetActorWebFinger(ctx, acct)
	if err != nil {
		return "", err
	}
	if self != selfHref {
		return "", fmt.Errorf("webfinger for %s: self link %s does not match %s", acct, self, selfHref)
	}
	return subject, nil
}

func (r *Resolver) webFingerURI(acct string) (string, error) {
	_, host, ok := SplitAcct(acct)
	if !ok {
		return "", fmt.Errorf("not an acct uri: %q", acct)
	}
	return r.Scheme + "://" + host + "/.well-known/webfinger?resource=" + acct, nil
}

func (r *Resolver) hostMetaURI(acct string) (string, error) {
	_, host, ok := SplitAcct(acct)
	if !ok {
		return "", fmt.Errorf("not an acct uri: %q", acct)
	}
	return r.Scheme + "://" + host + "/.well-known/host-meta", nil
}

func (r *Resolver) resolveWebFinger(ctx context.Context, acct string, useMeta bool, overrideURI string) (*WebFingerResponse, error) {
	uri := overrideURI
	if uri == "" {
		var err error
		if uri, err = r.webFingerURI(acct); err != nil {
			return nil, err
		}
	}
	if useMeta {
		// A host that needed host-meta once keeps getting resolved that way
		// until its cache entry expires.
		if metaURI, err := r.hostMetaURI(acct); err == nil && r.hasMetaEntry(metaURI) {
			return r.resolveFromHostMeta(ctx, acct, metaURI)
		}
	}

	status, body, err := r.get(ctx, uri, webFingerAccept)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound && useMeta {
		metaURI, err := r.hostMetaURI(acct)
		if err != nil {
			return nil, err
		}
		return r.resolveFromHostMeta(ctx, acct, metaURI)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("webfinger %s: HTTP %d", uri, status)
	}
	var wf WebFingerResponse
	if err := json.Unmarshal(body, &wf); err != nil {
		return nil, fmt.Errorf("webfinger %s: decode jrd: %w", uri, err)
	}
	return &wf, nil
}

func (r *Resolver) resolveFromHostMeta(ctx context.Context, acct, metaURI string) (*WebFingerResponse, error) {
	template, err := r.lrddTemplate(ctx, metaURI)
	if err != nil {
		return nil, err
	}
	if template == "" {
		return nil, fmt.Errorf("host-meta %s: no lrdd template", metaURI)
	}
	uri := strings.ReplaceAll(template, "{uri}", acct)
	return r.resolveWebFinger(ctx, acct, false, uri)
}

func (r *Resolver) hasMetaEntry(metaURI string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.meta[metaURI]
	return ok
}

// lrddTemplate returns the cached lrdd template for metaURI, fetching it
// when absent or expired. At most one fetch per meta URI is in flight;
// latecomers block until the first caller publishes the entry.
func (r *Resolver) lrddTemplate(ctx context.Context, metaURI string) (string, error) {
	r.mu.Lock()
	if e, ok := r.meta[metaURI]; ok {
		inFlight := true
		select {
		case <-e.ready:
			inFlight = false
		default:
		}
		if inFlight {
			r.mu.Unlock()
			select {
			case <-e.ready:
				return e.template, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if time.Since(e.fetched) < hostMetaTTL {
			r.mu.Unlock()
			return e.template, nil
		}
	}
	e := &hostMetaEntry{ready: make(chan struct{})}
	r.meta[metaURI] = e
	r.mu.Unlock()

	template := r.fetchLrddTemplate(ctx, metaURI)
	r.mu.Lock()
	e.template = template
	e.fetched = time.Now()
	r.mu.Unlock()
	close(e.ready)
	return template, nil
}

func (r *Resolver) fetchLrddTemplate(ctx context.Context, metaURI string) string {
	status, body, err := r.get(ctx, metaURI, hostMetaAccept)
	if err != nil || status != http.StatusOK {
		return ""
	}
	var xrd struct {
		Links []struct {
			Rel      string `xml:"rel,attr"`
			Template string `xml:"template,attr"`
		} `xml:"Link"`
	}
	if err := xml.Unmarshal(body, &xrd); err != nil {
		return ""
	}
	for _, link := range xrd.Links {
		if link.Rel == "lrdd" {
			return link.Template
		}
	}
	return ""
}

func (r *Resolver) get(ctx context.Context, uri, accept string) (int, []byte, error) {
	select {
	case r.client.slots <- struct{}{}:
		defer func() { <-r.client.slots }()
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("webfinger request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", r.client.userAgent)
	resp, err := r.client.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("webfinger fetch: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("webfinger read: %w", err)
	}
	return resp.StatusCode, body, nil
}
