package crawler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/url"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/config"
	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/metrics"
)

// onIDFound is called for every URI discovered inside a handled document.
type onIDFound func(ctx context.Context, uri, foundIn string, priority bool, aux string) error

// ObjectHandler walks a fetched ActivityStreams document, archives what
// belongs to the fetched domain, and feeds every discovered URI back into
// the queue. Objects whose id lives on another host are treated as links
// regardless of what the document inlined for them: only the origin is
// trusted for its own data.
type ObjectHandler struct {
	cfg       *config.Lookup
	store     *db.LookupStore
	resolver  *ap.Resolver
	onIDFound onIDFound
	events    *metrics.EventCounter
}

func NewObjectHandler(cfg *config.Lookup, store *db.LookupStore, resolver *ap.Resolver, found onIDFound, events *metrics.EventCounter) *ObjectHandler {
	return &ObjectHandler{
		cfg:       cfg,
		store:     store,
		resolver:  resolver,
		onIDFound: found,
		events:    events,
	}
}

// Handle processes one top-level fetched document.
func (h *ObjectHandler) Handle(ctx context.Context, obj map[string]interface{}, trustDomain string, priority bool, aux map[string]interface{}) error {
	return h.handle(ctx, obj, trustDomain, priority, true, aux)
}

func (h *ObjectHandler) handle(ctx context.Context, value interface{}, trustDomain string, priority bool, topLevel bool, aux map[string]interface{}) error {
	switch obj := value.(type) {
	case string:
		return h.onIDFound(ctx, obj, trustDomain, priority, marshalAux(aux))
	case map[string]interface{}:
		return h.handleObject(ctx, obj, trustDomain, priority, topLevel, aux)
	default:
		return nil
	}
}

func (h *ObjectHandler) handleObject(ctx context.Context, obj map[string]interface{}, trustDomain string, priority bool, topLevel bool, aux map[string]interface{}) error {
	h.events.OnEvent(metrics.EventObjectFound)

	oid := ap.ObjectID(obj)
	typ := ap.GetString(obj, "type")
	if oid != "" {
		parsed, err := url.Parse(oid)
		if err != nil {
			parsed = &url.URL{}
		}
		inTrust := parsed.Host == trustDomain &&
			(topLevel || (!ap.IsActorType(typ) && !ap.IsCollectionType(typ)))
		if !inTrust {
			// A link, possibly with unverifiable inlined data attached.
			return h.onIDFound(ctx, oid, trustDomain, priority, "")
		}
		if err := h.markFetched(obj, oid, typ, trustDomain); err != nil {
			return err
		}
	}

	switch {
	case ap.IsActorType(typ):
		return h.handleActor(ctx, obj, trustDomain)
	case ap.IsCollectionType(typ):
		return h.handleCollection(ctx, obj, trustDomain, priority, aux)
	case typ == "Note":
		return h.handleNote(ctx, obj, trustDomain)
	case typ == "Create":
		return h.handleActivity(ctx, obj, trustDomain)
	default:
		slog.Debug("unknown object type", "type", typ, "id", oid)
		return nil
	}
}

// markFetched settles the queue entry for an object we now hold: records the
// content hash, and adjusts the refetch period so frequently-changing pages
// are revisited sooner and stable ones back off.
func (h *ObjectHandler) markFetched(obj map[string]interface{}, oid, typ, trustDomain string) error {
	old, err := h.store.GetQueueElement(oid)
	if err != nil {
		return err
	}
	if old == nil {
		// Reached through a redirect; no queue entry was ever made for the
		// canonical id.
		updateTime := infinityTime
		if ap.IsActorType(typ) || ap.IsCollectionType(typ) {
			updateTime = h.cfg.MinUpdatePeriod
		}
		_, err := h.store.InsertQueue(oid, trustDomain, trustDomain, db.StateFetched, updateTime, "")
		return err
	}

	h.events.AllTimeFetched.Add(1)
	h.events.QueueSize.Add(-1)
	if !ap.IsActorType(typ) && !ap.IsCollectionType(typ) {
		return h.store.UpdateQueueState(oid, db.StateFetched)
	}

	curHash := hashObject(obj)
	updPeriod := h.cfg.MinUpdatePeriod * 2
	if updPeriod > h.cfg.MaxUpdatePeriod {
		updPeriod = h.cfg.MaxUpdatePeriod
	}
	if old.Hash != "" {
		h.events.OnEvent(metrics.EventPageRefetched)
		if old.Hash != curHash {
			h.events.OnEvent(metrics.EventPageUpdated)
			updPeriod = old.UpdateTime / 2
			if updPeriod < h.cfg.MinUpdatePeriod {
				updPeriod = h.cfg.MinUpdatePeriod
			}
		}
	}
	return h.store.UpdateQueueStateTime(oid, db.StateFetched, updPeriod, curHash)
}

func (h *ObjectHandler) handleActor(ctx context.Context, actor map[string]interface{}, trustDomain string) error {
	oid := ap.ObjectID(actor)
	if trustDomain != "" && oid != "" {
		subject := ""
		if acct := ap.ActorAcct(actor); acct != "" {
			resolved, err := h.resolver.ResolveActorWebFinger(ctx, acct, oid)
			if err != nil {
				slog.Debug("webfinger binding failed", "actor", oid, "error", err)
			} else {
				subject = resolved
			}
		}
		h.events.OnEvent(metrics.EventActorFound)
		if subject != "" {
			if err := h.store.InsertAlias(subject, oid); err != nil {
				return err
			}
		}
		auxMap := map[string]interface{}{"webfinger": nil}
		if subject != "" {
			auxMap["webfinger"] = subject
		}
		actorJSON, err := json.Marshal(actor)
		if err != nil {
			return err
		}
		if err := h.store.UpsertObject(oid, string(actorJSON), db.ObjectActor, marshalAux(auxMap)); err != nil {
			return err
		}
		h.events.ActorCount.Add(1)
		metrics.ObserveObjectHandled("actor")
	}
	if err := h.handleFields(ctx, actor, []string{"followers", "following"}, trustDomain, true, nil); err != nil {
		return err
	}
	return h.handleFields(ctx, actor, []string{"outbox"}, trustDomain, false, nil)
}

func (h *ObjectHandler) handleCollection(ctx context.Context, coll map[string]interface{}, trustDomain string, priority bool, aux map[string]interface{}) error {
	oid := ap.ObjectID(coll)
	if trustDomain != "" && h.cfg.ArchiveCollections && oid != "" {
		collJSON, err := json.Marshal(coll)
		if err != nil {
			return err
		}
		if err := h.store.UpsertObject(oid, string(collJSON), db.ObjectFeed, ""); err != nil {
			return err
		}
		metrics.ObserveObjectHandled("collection")
	}

	next := make(map[string]interface{}, len(aux)+2)
	for k, v := range aux {
		next[k] = v
	}
	fields := []string{"items", "orderedItems"}
	if dir, ok := next["colDir"].(string); ok {
		fields = append(fields, dir)
	} else {
		// Lock the paging direction on first contact so a page listing both
		// prev and next cannot bounce the walk back and forth.
		if _, hasFirst := coll["first"]; hasFirst {
			fields = append(fields, "first")
			next["colDir"] = "next"
		} else if _, hasNext := coll["next"]; hasNext {
			fields = append(fields, "next")
			next["colDir"] = "next"
		} else {
			fields = append(fields, "last")
			next["colDir"] = "prev"
		}
	}

	items, _ := firstList(coll, "orderedItems", "items")
	if len(items) == 0 {
		empty := auxInt(next, "empPag") + 1
		next["empPag"] = empty
		if empty > 2 {
			return nil
		}
	}
	return h.handleFields(ctx, coll, fields, trustDomain, priority, next)
}

func (h *ObjectHandler) handleNote(ctx context.Context, note map[string]interface{}, trustDomain string) error {
	oid := ap.ObjectID(note)
	if trustDomain != "" && h.cfg.ArchiveNotes && oid != "" {
		noteJSON, err := json.Marshal(note)
		if err != nil {
			return err
		}
		if err := h.store.UpsertObject(oid, string(noteJSON), db.ObjectOther, ""); err != nil {
			return err
		}
		metrics.ObserveObjectHandled("note")
	}
	if err := h.handleFields(ctx, note, []string{"to", "cc", "attributedTo"}, trustDomain, true, nil); err != nil {
		return err
	}
	return h.handleFields(ctx, note, []string{"replies"}, trustDomain, false, nil)
}

func (h *ObjectHandler) handleActivity(ctx context.Context, activity map[string]interface{}, trustDomain string) error {
	return h.handleFields(ctx, activity, []string{"actor", "object"}, trustDomain, false, nil)
}

func (h *ObjectHandler) handleFields(ctx context.Context, obj map[string]interface{}, fields []string, trustDomain string, priority bool, aux map[string]interface{}) error {
	for _, field := range fields {
		value, ok := obj[field]
		if !ok {
			continue
		}
		if list, isList := value.([]interface{}); isList {
			for _, v := range list {
				if err := h.handle(ctx, v, trustDomain, priority, false, aux); err != nil {
					return err
				}
			}
			continue
		}
		if err := h.handle(ctx, value, trustDomain, priority, false, aux); err != nil {
			return err
		}
	}
	return nil
}

// hashObject digests an object for change detection. json.Marshal writes map
// keys in sorted order, so the digest is stable across refetches.
func hashObject(obj map[string]interface{}) string {
	data, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func marshalAux(aux map[string]interface{}) string {
	if len(aux) == 0 {
		return ""
	}
	data, err := json.Marshal(aux)
	if err != nil {
		return ""
	}
	return string(data)
}

func firstList(obj map[string]interface{}, keys ...string) ([]interface{}, string) {
	for _, key := range keys {
		if list, ok := obj[key].([]interface{}); ok && len(list) > 0 {
			return list, key
		}
	}
	return nil, ""
}

func auxInt(aux map[string]interface{}, key string) int {
	switch v := aux[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
