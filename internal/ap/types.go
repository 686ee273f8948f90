// Package ap implements the ActivityPub client side of fedivet: fetching
// and classifying remote objects, WebFinger resolution, and the RSA key
// material used for HTTP signatures and envelope signing.
package ap

import "encoding/json"

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
)

// AcceptHeader is sent on every object fetch. Both JSON-LD profiles are
// advertised so servers on either convention reply with ActivityStreams.
const AcceptHeader = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// DefaultContext is the JSON-LD @context attached to documents we serve.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
}

// Actor is the document each service publishes about itself. Remote actors
// are handled as raw maps; this struct only shapes our own output.
type Actor struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name,omitempty"`
	Summary           string      `json:"summary,omitempty"`
	Inbox             string      `json:"inbox,omitempty"`
	Outbox            string      `json:"outbox,omitempty"`
	URL               string      `json:"url,omitempty"`
	Published         string      `json:"published,omitempty"`
	PublicKey         *PublicKey  `json:"publicKey,omitempty"`
}

// PublicKey is the RSA key subdocument attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// WebFingerResponse is a JRD document (RFC 7033).
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// IsActorType reports whether t names one of the AS actor types.
func IsActorType(t string) bool {
	switch t {
	case "Person", "Service", "Group", "Application":
		return true
	}
	return false
}

// IsCollectionType reports whether t names an AS collection or page.
func IsCollectionType(t string) bool {
	switch t {
	case "Collection", "OrderedCollection", "CollectionPage", "OrderedCollectionPage":
		return true
	}
	return false
}

// ObjectID extracts the identifier of a raw AS object: "id" wins, "uri" is
// accepted as a fallback used by some older servers.
func ObjectID(obj map[string]interface{}) string {
	if id := GetString(obj, "id"); id != "" {
		return id
	}
	return GetString(obj, "uri")
}

// GetString returns m[key] when it is a string, else "".
func GetString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithContext re-encodes v as a map and attaches the default @context.
func WithContext(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}
