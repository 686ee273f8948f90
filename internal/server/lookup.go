// Package server implements the HTTP surfaces of the lookup and verifier
// services: the lookup's query API (object retrieval, actor pages, signature
// ingestion) and the verifier's actor document, plus status and metrics
// endpoints for both.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/config"
	"github.com/fedivet/fedivet/internal/crawler"
	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/envelope"
	"github.com/fedivet/fedivet/internal/metrics"
)

// maxSignBody caps the request body accepted on the signature endpoint.
const maxSignBody = 10 << 20

// keySignature is one verifier attestation attached to a served actor.
type keySignature struct {
	SignedBy      string `json:"signed_by"`
	Signature     string `json:"signature"`
	SignatureTime int64  `json:"signature_time"`
}

// objectDocument is the /get response: the stored row plus, for actors, the
// signatures collected so far.
type objectDocument struct {
	db.ObjectRow
	KeySignatures []keySignature `json:"key_signatures,omitempty"`
}

// actorsPage is one page of the actor enumeration.
type actorsPage struct {
	Actors    []db.ObjectRow `json:"actors"`
	PageCount int64          `json:"page_count"`
}

// Lookup serves the lookup query API.
type Lookup struct {
	cfg      *config.Lookup
	store    *db.LookupStore
	events   *metrics.EventCounter
	verifier *envelope.Verifier
	router   *chi.Mux

	// registry, when set, feeds domain counts to the info page.
	registry *crawler.Registry

	statusMu   sync.Mutex
	statusBody []byte
	statusAt   time.Time
}

// NewLookup creates the lookup HTTP server. keyPair is optional; when set the
// service actor and its discovery endpoints are mounted so remote servers can
// verify our signed fetches.
func NewLookup(cfg *config.Lookup, store *db.LookupStore, events *metrics.EventCounter, verifier *envelope.Verifier, keyPair *ap.KeyPair) *Lookup {
	s := &Lookup{
		cfg:      cfg,
		store:    store,
		events:   events,
		verifier: verifier,
	}
	s.router = s.buildRouter(keyPair)
	return s
}

// SetRegistry attaches the crawler's domain registry for the info page.
// Call before Start.
func (s *Lookup) SetRegistry(reg *crawler.Registry) { s.registry = reg }

// Start runs the HTTP server until ctx is cancelled.
func (s *Lookup) Start(ctx context.Context) {
	serve(ctx, "lookup", s.cfg.Port, s.router)
}

// Handler exposes the router, mainly for tests.
func (s *Lookup) Handler() http.Handler { return s.router }

func (s *Lookup) buildRouter(keyPair *ap.KeyPair) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Get("/get/*", s.handleGet)
	r.Get("/actors", s.handleActors)
	r.Get("/actors/to_sign", s.handleActorsToSign)
	r.Post("/actors/sign", s.handleSignBatch)

	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", s.handleRoot)

	if keyPair != nil && s.cfg.SignFetch {
		actor := newServiceActor(s.cfg.LocalDomain, "lookup", "fedivet lookup", "/actor", keyPair)
		actor.mount(r)
	}

	return r
}

// ─── Query Handlers ───────────────────────────────────────────────────────────

func (s *Lookup) handleGet(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.RequestURI(), "/get/")
	uri, err := url.PathUnescape(raw)
	if err != nil {
		uri = raw
	}

	row, err := s.store.GetObject(uri)
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	if row == nil {
		// The URI may be a known alias (redirect target, webfinger id).
		alias, err := s.store.GetAliasID(uri)
		if err != nil {
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		if alias != "" {
			if row, err = s.store.GetObject(alias); err != nil {
				http.Error(w, "database error", http.StatusInternalServerError)
				return
			}
		}
	}
	if row == nil {
		s.events.OnEvent(metrics.EventGetObjectNotFound)
		http.Error(w, "object not found", http.StatusNotFound)
		return
	}

	doc := objectDocument{ObjectRow: *row}
	if row.Type == db.ObjectActor {
		sigs, err := s.store.GetObjectSignatures(row.Num)
		if err != nil {
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		doc.KeySignatures = make([]keySignature, 0, len(sigs))
		for _, sig := range sigs {
			v, ok := s.store.VerifierByID(sig.VerifierID)
			if !ok {
				continue
			}
			doc.KeySignatures = append(doc.KeySignatures, keySignature{
				SignedBy:      v.URI,
				Signature:     sig.Signature,
				SignatureTime: sig.SignTime,
			})
		}
	}

	s.events.OnEvent(metrics.EventGetObjectServed)
	apResponse(w, doc)
}

func (s *Lookup) handleActors(w http.ResponseWriter, r *http.Request) {
	pageStr := r.URL.Query().Get("page")
	page, err := strconv.ParseInt(pageStr, 10, 64)
	if err != nil || page < 0 {
		http.Error(w, "bad page number", http.StatusBadRequest)
		return
	}

	rows, err := s.store.GetObjectsPage(db.ObjectActor, page)
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	count, err := s.store.GetPageCount()
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []db.ObjectRow{}
	}

	s.events.OnEvent(metrics.EventActorPageServed)
	jsonResponse(w, actorsPage{Actors: rows, PageCount: count}, http.StatusOK)
}

func (s *Lookup) handleActorsToSign(w http.ResponseWriter, r *http.Request) {
	verURI := r.URL.Query().Get("verifier")
	if verURI == "" {
		http.Error(w, "missing verifier", http.StatusBadRequest)
		return
	}
	v, ok := s.store.VerifierByURI(verURI)
	if !ok {
		http.Error(w, "unknown verifier", http.StatusForbidden)
		return
	}

	nums, err := s.store.GetNotSigned(v.ID, 100)
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	actors := make([]db.ObjectRow, 0, len(nums))
	for _, num := range nums {
		row, err := s.store.GetObjectByNum(num)
		if err != nil {
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		if row != nil {
			actors = append(actors, *row)
		}
	}

	s.events.OnEvent(metrics.EventActorsToSignServed)
	jsonResponse(w, map[string]interface{}{"actors": actors}, http.StatusOK)
}

// handleSignBatch ingests a batch of envelope signatures from a registered
// verifier. Each signature is re-verified against the stored object before
// it is persisted; signatures that do not verify are dropped individually.
func (s *Lookup) handleSignBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignBody))
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	var batch envelope.SignaturesBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if batch.SignedBy == "" || batch.Signatures == nil {
		http.Error(w, "missing signed_by or signatures", http.StatusBadRequest)
		return
	}

	v, ok := s.store.VerifierByURI(batch.SignedBy)
	if !ok {
		http.Error(w, "unknown verifier", http.StatusForbidden)
		return
	}

	// Envelope verification below is authoritative; the transport signature
	// is only noted.
	if hdr := r.Header.Get("Signature"); hdr != "" {
		slog.Debug("transport signature present", "verifier", batch.SignedBy)
	}

	accepted := 0
	for _, sig := range batch.Signatures {
		if err := s.ingestSignature(r, v, sig); err != nil {
			s.events.OnEvent(metrics.EventActorSignFailed)
			metrics.ObserveSignature("lookup", "rejected")
			slog.Debug("signature rejected", "uri", sig.URI, "verifier", v.URI, "error", err)
			continue
		}
		s.events.OnEvent(metrics.EventActorSigned)
		metrics.ObserveSignature("lookup", "accepted")
		accepted++
	}

	slog.Info("signature batch processed",
		"verifier", v.URI, "received", len(batch.Signatures), "accepted", accepted)
	jsonResponse(w, map[string]interface{}{"accepted": accepted}, http.StatusOK)
}

var errSignatureInvalid = fmt.Errorf("signature does not verify")

func (s *Lookup) ingestSignature(r *http.Request, v db.VerifierRow, sig envelope.SignedActor) error {
	row, err := s.store.GetObject(sig.URI)
	if err != nil {
		return err
	}
	if row == nil || row.Type != db.ObjectActor {
		return fmt.Errorf("unknown actor %q", sig.URI)
	}

	var actor, aux map[string]interface{}
	if err := json.Unmarshal([]byte(row.JSON), &actor); err != nil {
		return err
	}
	if row.Aux != "" {
		if err := json.Unmarshal([]byte(row.Aux), &aux); err != nil {
			return err
		}
	}

	ok, err := s.verifier.Verify(r.Context(), actor, aux, v.KeyPEM, sig.Signature, sig.SignatureTime)
	if err != nil {
		return err
	}
	if !ok {
		return errSignatureInvalid
	}
	return s.store.InsertSignature(v.ID, row.Num, sig.Signature, sig.SignatureTime)
}

// ─── Status Handlers ──────────────────────────────────────────────────────────

// handleStatus reports event totals, the current sampling window, and the
// last persisted window. The response is cached for a second so an eager
// dashboard cannot hammer the stats table.
func (s *Lookup) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.statusMu.Lock()
	if time.Since(s.statusAt) > time.Second {
		var previous map[string]interface{}
		if last, err := s.store.LastStats(); err == nil && last != "" {
			json.Unmarshal([]byte(last), &previous)
		}
		body, err := json.Marshal(map[string]interface{}{
			"total":    s.events.TotalStats(),
			"current":  s.events.Stats(),
			"previous": previous,
		})
		if err == nil {
			s.statusBody = body
			s.statusAt = time.Now()
		}
	}
	body := s.statusBody
	s.statusMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Lookup) handleRoot(w http.ResponseWriter, r *http.Request) {
	actors := s.events.ActorCount.Load()
	queued := s.events.QueueSize.Load()
	fetched := s.events.AllTimeFetched.Load()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "fedivet lookup — ActivityPub actor directory\n\n")
	fmt.Fprintf(w, "actors archived: %d\n", actors)
	fmt.Fprintf(w, "queue size:      %d\n", queued)
	fmt.Fprintf(w, "all time fetched: %d\n", fetched)

	if s.registry != nil {
		st := s.registry.Stats()
		fmt.Fprintf(w, "\ndomains known:      %d\n", st.Domains)
		fmt.Fprintf(w, "domains waiting:    %d (%d reachable)\n", st.Waiting, st.WaitingReachable)
		fmt.Fprintf(w, "domains in backoff: %d\n", st.Unreachable)
		fmt.Fprintf(w, "domains blocked:    %d\n", st.Blocked)
	}
}
