package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/config"
	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/envelope"
	"github.com/fedivet/fedivet/internal/metrics"
)

// actorItem is one actor moving through the verification pipeline, either
// freshly listed from a lookup page or reloaded from the retry queue.
type actorItem struct {
	uri     string
	json    string
	aux     string
	fails   int
	page    int64
	hasPage bool
	inQueue bool
	domain  string
}

// domainTask chains consecutive fetches of the same domain: the next task
// waits on done and then honors next before dispatching.
//
// next:  > 0 — earliest dispatch time for the domain
//         0  — no wait (the domain is down anyway)
//        < 0 — unknown, wait one politeness period
type domainTask struct {
	done chan struct{}
	next float64
}

type signedPair struct {
	item *actorItem
	sig  envelope.SignedActor
}

// Worker drives one lookup: it pages through the lookup's actor listing and
// its own retry queue, re-fetches every actor at the origin, signs matches,
// and batches the signatures back to the lookup.
type Worker struct {
	cfg      *config.Verifier
	store    *db.VerifierStore
	lookup   *LookupClient
	signer   *envelope.Signer
	fetcher  *Fetcher
	resolver *ap.Resolver
	events   *metrics.EventCounter

	slots chan struct{}

	mu          sync.Mutex
	prevDomain  map[string]*domainTask
	itemsInPage map[int64]map[string]*actorItem
	signed      []signedPair
	nextPage    int64

	enough       *signal
	lookupActive *signal
	tasks        sync.WaitGroup
}

func NewWorker(cfg *config.Verifier, store *db.VerifierStore, lookup *LookupClient, signer *envelope.Signer, fetcher *Fetcher, resolver *ap.Resolver, events *metrics.EventCounter) *Worker {
	w := &Worker{
		cfg:          cfg,
		store:        store,
		lookup:       lookup,
		signer:       signer,
		fetcher:      fetcher,
		resolver:     resolver,
		events:       events,
		slots:        make(chan struct{}, cfg.QueueSize),
		prevDomain:   make(map[string]*domainTask),
		itemsInPage:  make(map[int64]map[string]*actorItem),
		enough:       newSignal(false),
		lookupActive: newSignal(true),
	}
	return w
}

// InFlight returns the number of sign tasks currently running.
func (w *Worker) InFlight() int {
	return len(w.slots)
}

// Run consumes the lookup until ctx is canceled, then waits for in-flight
// sign tasks to finish.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.fetcher.Restore(); err != nil {
		return err
	}
	page, err := w.store.GetNextPage(w.lookup.Base())
	if err != nil {
		return err
	}
	w.nextPage = page

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.crawlAndSign(ctx) })
	g.Go(func() error { return w.pushSigned(ctx) })
	err = g.Wait()
	w.tasks.Wait()
	w.flushRemaining()
	return err
}

// flushRemaining submits whatever the batcher still holds after shutdown so
// finished sign work is not thrown away.
func (w *Worker) flushRemaining() {
	w.mu.Lock()
	batch := w.signed
	w.signed = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := envelope.SignaturesBatch{SignedBy: w.cfg.ActorURI}
	for _, pair := range batch {
		msg.Signatures = append(msg.Signatures, pair.sig)
	}
	if err := w.lookup.SubmitSignatures(ctx, msg); err != nil {
		slog.Error("final signature flush failed",
			"lookup", w.lookup.Base(), "count", len(batch), "error", err)
		return
	}
	slog.Info("final signature batch submitted",
		"lookup", w.lookup.Base(), "count", len(batch))
}

// ─── consuming the lookup ───

func (w *Worker) crawlAndSign(ctx context.Context) error {
	for {
		if err := w.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("lookup consumption pass failed", "lookup", w.lookup.Base(), "error", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) consumeOnce(ctx context.Context) error {
	items, err := w.reloadQueued(ctx)
	if err != nil {
		return err
	}

	page, err := w.lookup.ActorsPage(ctx, w.nextPage)
	if err != nil {
		return err
	}
	w.events.OnEvent(metrics.EventPageFetched)
	for i := range page.Actors {
		row := &page.Actors[i]
		items = append(items, &actorItem{
			uri:     row.URI,
			json:    row.JSON,
			aux:     row.Aux,
			page:    w.nextPage,
			hasPage: true,
		})
	}

	if len(items) > 0 {
		if err := w.dispatch(ctx, items); err != nil {
			return err
		}
		if w.InFlight() > w.cfg.QueueSize/2 {
			if !sleepCtx(ctx, w.cfg.LookupRequestPeriod) {
				return ctx.Err()
			}
		}
	} else if !sleepCtx(ctx, w.cfg.LookupRequestPeriod) {
		return ctx.Err()
	}

	if w.nextPage+1 < page.PageCount {
		w.nextPage++
		w.mu.Lock()
		noLivePages := len(w.itemsInPage) == 0
		w.mu.Unlock()
		if noLivePages {
			if err := w.store.SetNextPage(w.lookup.Base(), w.nextPage); err != nil {
				return err
			}
		}
	} else if !sleepCtx(ctx, time.Minute) {
		// The listing is exhausted; idle until the lookup grows a new page.
		return ctx.Err()
	}
	return nil
}

// reloadQueued pulls due retry-queue rows, rehydrating dropped cached copies
// from the lookup, and marks everything it takes as active.
func (w *Worker) reloadQueued(ctx context.Context) ([]*actorItem, error) {
	rows, err := w.store.GetFromQueue(w.lookup.Base(), nowSeconds(), w.cfg.SignatureBatchSize)
	if err != nil {
		return nil, err
	}
	var items []*actorItem
	for _, row := range rows {
		item := &actorItem{
			uri:     row.URI,
			json:    row.JSON,
			aux:     row.Aux,
			fails:   row.Fails,
			inQueue: true,
		}
		if item.json == "" {
			obj, err := w.lookup.GetObject(ctx, item.uri)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				slog.Warn("rehydrating a queued actor failed", "uri", item.uri, "error", err)
				if dbErr := w.store.AddToQueue(w.lookup.Base(), item.uri, nowSeconds()+60, item.fails, "", "", false); dbErr != nil {
					return nil, dbErr
				}
				continue
			}
			item.json = obj.JSON
			item.aux = obj.Aux
		}
		items = append(items, item)
		if err := w.store.SetActive(w.lookup.Base(), item.uri); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// dispatch launches one sign task per item, chaining tasks that hit the same
// domain so a domain is contacted at most once per politeness period.
func (w *Worker) dispatch(ctx context.Context, items []*actorItem) error {
	if err := w.lookupActive.Wait(ctx); err != nil {
		return err
	}
	for _, item := range items {
		select {
		case w.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		parsed, err := url.Parse(item.uri)
		if err != nil || parsed.Host == "" {
			<-w.slots
			continue
		}
		item.domain = parsed.Host

		cur := &domainTask{done: make(chan struct{}), next: -1}
		w.mu.Lock()
		prev := w.prevDomain[item.domain]
		w.prevDomain[item.domain] = cur
		if item.hasPage {
			pageMap, ok := w.itemsInPage[item.page]
			if !ok {
				pageMap = make(map[string]*actorItem)
				w.itemsInPage[item.page] = pageMap
			}
			pageMap[item.uri] = item
		}
		w.mu.Unlock()

		w.tasks.Add(1)
		go w.signOne(ctx, item, cur, prev)
	}
	return nil
}

// ─── signing one actor ───

func (w *Worker) signOne(ctx context.Context, item *actorItem, cur *domainTask, prev *domainTask) {
	start := time.Now()
	success := false
	defer func() {
		if time.Since(start) > 5*time.Second {
			w.events.OnEvent(metrics.EventLongFetch)
		}
		if item.fails > 0 || item.inQueue {
			if err := w.store.RemoveFromQueue(w.lookup.Base(), item.uri); err != nil {
				slog.Error("releasing a queue row failed", "uri", item.uri, "error", err)
			}
		}
		if !success && item.hasPage {
			w.removeFromPage(item)
		}
		close(cur.done)
		<-w.slots
		w.tasks.Done()
	}()

	if prev != nil {
		select {
		case <-prev.done:
			next := prev.next
			if next < 0 {
				next = nowSeconds() + w.cfg.DomainRequestPeriod.Seconds()
			}
			if wait := next - nowSeconds(); wait > 0 {
				sleepCtx(ctx, time.Duration(wait*float64(time.Second)))
			}
		case <-ctx.Done():
			return
		}
	}

	real, err := w.fetcher.Fetch(ctx, item.uri)
	if err != nil {
		w.onFetchError(item, err)
		var down *ServerDownError
		if errors.As(err, &down) {
			cur.next = 0
		}
		return
	}

	sig, signTime := w.trySign(ctx, item, real)
	cur.next = nowSeconds() + w.cfg.DomainRequestPeriod.Seconds()
	if sig == "" {
		realJSON, _ := json.Marshal(real)
		if err := w.store.InsertDifference(w.lookup.Base(), item.uri, item.json, string(realJSON), nowSeconds()); err != nil {
			slog.Error("recording a divergence failed", "uri", item.uri, "error", err)
		}
		w.events.OnEvent(metrics.EventActorInfoMismatch)
		metrics.ObserveSignature("verifier", "rejected")
		return
	}

	w.events.OnEvent(metrics.EventActorSigned)
	metrics.ObserveSignature("verifier", "submitted")
	w.mu.Lock()
	w.signed = append(w.signed, signedPair{
		item: item,
		sig:  envelope.SignedActor{URI: item.uri, Signature: sig, SignatureTime: signTime},
	})
	ready := len(w.signed) >= w.cfg.SignatureBatchSize
	w.mu.Unlock()
	if ready {
		w.enough.Set()
	}
	success = true
}

// trySign verifies identity and webfinger binding, then signs iff the cached
// and origin documents canonicalize to the same envelope.
func (w *Worker) trySign(ctx context.Context, item *actorItem, real map[string]interface{}) (string, int64) {
	if ap.ObjectID(real) != item.uri {
		return "", 0
	}
	var cached map[string]interface{}
	if err := json.Unmarshal([]byte(item.json), &cached); err != nil {
		return "", 0
	}
	aux := map[string]interface{}{}
	if item.aux != "" {
		if err := json.Unmarshal([]byte(item.aux), &aux); err != nil {
			return "", 0
		}
	}
	if !w.checkAux(ctx, real, aux) {
		return "", 0
	}
	signTime := time.Now().Unix()
	sig, err := w.signer.CompareAndSign(ctx, real, cached, aux, signTime)
	if err != nil {
		if !errors.Is(err, envelope.ErrMismatch) && !errors.Is(err, envelope.ErrNoPublicKey) {
			slog.Error("signing failed", "uri", item.uri, "error", err)
		}
		return "", 0
	}
	return sig, signTime
}

// checkAux re-derives the webfinger binding from the origin document when
// the cached aux claims one. A claim that no longer resolves, or resolves to
// a different subject, fails the actor.
func (w *Worker) checkAux(ctx context.Context, real map[string]interface{}, aux map[string]interface{}) bool {
	claimed, ok := aux["webfinger"].(string)
	if !ok || claimed == "" {
		return true
	}
	acct := ap.ActorAcct(real)
	if acct == "" {
		return false
	}
	subject, err := w.resolver.ResolveActorWebFinger(ctx, acct, ap.ObjectID(real))
	if err != nil {
		return false
	}
	return claimed == subject
}

func (w *Worker) onFetchError(item *actorItem, err error) {
	var serverDown *ServerDownError
	switch {
	case errors.As(err, &serverDown):
		// The domain is down; keep the fails counter and come back when the
		// fetcher reopens it.
		w.events.OnEvent(metrics.EventActorFetchSkipped)
		idx := item.fails - 1
		if idx < 0 {
			idx = 0
		}
		nextFetch := nowSeconds() + w.cfg.ActorRetryTimers[idx].Seconds()
		if reserved := w.fetcher.ReserveTime(item.domain); reserved > nextFetch {
			nextFetch = reserved
		}
		if dbErr := w.store.AddToQueue(w.lookup.Base(), item.uri, nextFetch, item.fails, item.json, item.aux, false); dbErr != nil {
			slog.Error("requeueing a skipped actor failed", "uri", item.uri, "error", dbErr)
		}
	case errors.Is(err, ap.ErrFailedFetch), errors.Is(err, ap.ErrTemporaryFetch):
		nextFetch := infTime
		if item.fails < len(w.cfg.ActorRetryTimers) {
			nextFetch = nowSeconds() + w.cfg.ActorRetryTimers[item.fails].Seconds()
		}
		if dbErr := w.store.AddToQueue(w.lookup.Base(), item.uri, nextFetch, item.fails+1, item.json, item.aux, false); dbErr != nil {
			slog.Error("requeueing a failed actor failed", "uri", item.uri, "error", dbErr)
		}
	default:
		// Context cancellation on shutdown.
	}
}

// ─── page bookkeeping ───

// removeFromPage drops an item from its page map. A page retires when it
// empties, or when only a few stragglers remain while many pages are live;
// stragglers go to the persistent queue so the pagination cursor can move.
func (w *Worker) removeFromPage(item *actorItem) {
	w.mu.Lock()
	pageMap, ok := w.itemsInPage[item.page]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(pageMap, item.uri)
	if len(pageMap) > 0 && (len(pageMap) > 3 || len(w.itemsInPage) < 10) {
		w.mu.Unlock()
		return
	}
	leftovers := make([]*actorItem, 0, len(pageMap))
	for _, a := range pageMap {
		leftovers = append(leftovers, a)
	}
	delete(w.itemsInPage, item.page)
	cursor := w.nextPage
	for p := range w.itemsInPage {
		if p < cursor {
			cursor = p
		}
	}
	w.mu.Unlock()

	for _, a := range leftovers {
		if a.domain == "" {
			continue
		}
		a.inQueue = true
		if err := w.store.AddToQueue(w.lookup.Base(), a.uri, w.fetcher.ReserveTime(a.domain), a.fails, a.json, a.aux, true); err != nil {
			slog.Error("parking a page straggler failed", "uri", a.uri, "error", err)
		}
	}
	if err := w.store.SetNextPage(w.lookup.Base(), cursor); err != nil {
		slog.Error("persisting the page cursor failed", "error", err)
	}
}

// ─── submitting batches ───

func (w *Worker) pushSigned(ctx context.Context) error {
	for {
		if w.lookupActive.IsSet() {
			if err := w.enough.WaitTimeout(ctx, w.cfg.SignatureBatchTimeout); err != nil {
				return err
			}
		} else if !sleepCtx(ctx, w.cfg.SignatureBatchTimeout) {
			return ctx.Err()
		}

		w.mu.Lock()
		take := w.cfg.SignatureBatchSize
		if take > len(w.signed) {
			take = len(w.signed)
		}
		batch := w.signed[:take:take]
		w.signed = w.signed[take:]
		if len(w.signed) < w.cfg.SignatureBatchSize {
			w.enough.Clear()
		}
		w.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		msg := envelope.SignaturesBatch{SignedBy: w.cfg.ActorURI}
		for _, pair := range batch {
			msg.Signatures = append(msg.Signatures, pair.sig)
		}
		batchID := uuid.NewString()
		err := w.lookup.SubmitSignatures(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Hold the signatures and pause consumption until the lookup
			// answers again.
			w.lookupActive.Clear()
			w.enough.Set()
			w.mu.Lock()
			w.signed = append(batch, w.signed...)
			w.mu.Unlock()
			w.events.OnEvent(metrics.EventBatchSubmitFailed)
			metrics.ObserveBatchFlush("failed")
			slog.Error("submitting signatures failed",
				"lookup", w.lookup.Base(), "batch", batchID, "error", err)
		} else {
			w.lookupActive.Set()
			w.events.OnEvent(metrics.EventBatchSubmitted)
			metrics.ObserveBatchFlush("ok")
			slog.Info("signature batch submitted",
				"lookup", w.lookup.Base(), "batch", batchID, "count", len(batch))
		}
		for _, pair := range batch {
			if pair.item.hasPage {
				w.removeFromPage(pair.item)
			}
		}
	}
}

// ─── small helpers ───

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// signal is a settable condition goroutines can wait on.
type signal struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func newSignal(set bool) *signal {
	return &signal{set: set, ch: make(chan struct{})}
}

func (s *signal) Set() {
	s.mu.Lock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
	s.mu.Unlock()
}

func (s *signal) Clear() {
	s.mu.Lock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
	s.mu.Unlock()
}

func (s *signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

func (s *signal) Wait(ctx context.Context) error {
	s.mu.Lock()
	set, ch := s.set, s.ch
	s.mu.Unlock()
	if set {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout waits until the signal is set or the timeout passes. Only a
// canceled context returns an error.
func (s *signal) WaitTimeout(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	set, ch := s.set, s.ch
	s.mu.Unlock()
	if set {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
