// Package crawler walks the fediverse graph: it samples URIs from the
// persistent queue, fetches them politely, archives actor documents, and
// feeds newly discovered URIs back into the queue.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/config"
	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/metrics"
)

const publicAudience = "https://www.w3.org/ns/activitystreams#Public"

// Crawler coordinates the scheduler, the refresh sweeper, the connectivity
// prober, and a pool of fetch workers over one shared store and registry.
type Crawler struct {
	cfg      *config.Lookup
	store    *db.LookupStore
	client   *ap.Client
	resolver *ap.Resolver
	events   *metrics.EventCounter

	reg     *Registry
	queue   *ScheduleQueue
	handler *ObjectHandler
	online  *onlineGate
	active  atomic.Int64
}

func New(cfg *config.Lookup, store *db.LookupStore, client *ap.Client, resolver *ap.Resolver, events *metrics.EventCounter) *Crawler {
	c := &Crawler{
		cfg:      cfg,
		store:    store,
		client:   client,
		resolver: resolver,
		events:   events,
		reg:      NewRegistry(cfg.MaxInQueuePerDomain),
		online:   newOnlineGate(),
	}
	c.queue = NewScheduleQueue(cfg.MaxQueueSize, cfg.DomainRequestPeriod, c.reg)
	c.handler = NewObjectHandler(cfg, store, resolver, c.AddIfNotVisited, events)
	return c
}

// Registry exposes the domain registry for status reporting.
func (c *Crawler) Registry() *Registry { return c.reg }

// Active returns the number of fetches currently in flight.
func (c *Crawler) Active() int64 {
	return c.active.Load()
}

// Run seeds the queue, restores domain state, and drives the crawl until ctx
// is canceled.
func (c *Crawler) Run(ctx context.Context, startURIs []string) error {
	defer c.queue.Stop()

	for _, uri := range startURIs {
		if err := c.seed(ctx, uri); err != nil {
			return err
		}
	}
	if err := c.restoreDomains(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.scheduleLoop(ctx) })
	g.Go(func() error { return c.refreshLoop(ctx) })
	for i := 0; i < c.cfg.ParallelFetches; i++ {
		g.Go(func() error { return c.fetchLoop(ctx) })
	}
	if c.cfg.CheckInternetPeriod > 0 {
		g.Go(func() error { return c.probeLoop(ctx) })
	} else {
		c.online.Set()
	}
	return g.Wait()
}

// seed enqueues one starting point, resolving bare handles over webfinger.
func (c *Crawler) seed(ctx context.Context, uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Host == "" {
		acct := uri
		if !strings.HasPrefix(acct, "acct:") {
			acct = "acct:" + strings.TrimPrefix(acct, "@")
		}
		_, self, wfErr := c.resolver.GetActorWebFinger(ctx, acct)
		if wfErr != nil {
			slog.Warn("start point is neither a URI nor a resolvable handle, skipping",
				"value", uri, "error", wfErr)
			return nil
		}
		uri = self
		parsed, err = url.Parse(uri)
		if err != nil || parsed.Host == "" {
			slog.Warn("webfinger returned an unusable self link, skipping", "value", uri)
			return nil
		}
	}
	return c.AddIfNotVisited(ctx, uri, parsed.Host, true, "")
}

// restoreDomains loads persisted domain state and re-lists every domain that
// still has waiting queue elements.
func (c *Crawler) restoreDomains() error {
	rows, err := c.store.AllDomains()
	if err != nil {
		return err
	}
	for _, row := range rows {
		c.reg.Seed(row.Domain, row.NextReq, row.FailStreak, row.State)
	}
	waiting, err := c.store.GetWaitingDomains()
	if err != nil {
		return err
	}
	for _, name := range waiting {
		c.reg.MarkWaiting(name)
	}
	return nil
}

// AddIfNotVisited inserts a URI into the queue unless it was ever seen
// before. Priority elements get a real refresh schedule; the rest are parked
// effectively forever until something links to them again.
func (c *Crawler) AddIfNotVisited(ctx context.Context, uri, foundIn string, priority bool, aux string) error {
	if uri == publicAudience {
		return nil
	}
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Host == "" {
		return nil
	}
	domainName := parsed.Host
	d := c.reg.Get(domainName)
	domState, _ := c.reg.Status(d)

	state := db.StateWaiting
	if priority {
		state = db.StateWaitingPriority
	}
	if domState >= db.DomainUnreachable {
		state = db.StateBlocked
	}
	updateTime := infinityTime
	if priority {
		updateTime = c.cfg.MinUpdatePeriod
	}
	inserted, err := c.store.InsertQueue(uri, domainName, foundIn, state, updateTime, aux)
	if err != nil {
		return err
	}
	if inserted {
		if domState < db.DomainUnreachable {
			c.reg.MarkWaiting(domainName)
		}
		c.events.OnEvent(metrics.EventNewURIFound)
		c.events.QueueSize.Add(1)
		metrics.IncQueueInsert()
	}
	return nil
}

// ─── scheduling ───

func (c *Crawler) scheduleLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.scheduleRandomItems(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("scheduler pass failed", "error", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return ctx.Err()
			}
			continue
		}
		if c.queue.Len() > c.cfg.MaxQueueSize/2 {
			if !sleepCtx(ctx, 200*time.Millisecond) {
				return ctx.Err()
			}
		}
	}
}

func (c *Crawler) scheduleRandomItems(ctx context.Context) error {
	if rand.Float64() > c.cfg.ProbChooseFromDomain || c.reg.NotScheduledCount() == 0 {
		return c.scheduleFromAll(ctx)
	}
	return c.scheduleFromDomains(ctx)
}

// scheduleFromAll samples a chunk across the whole queue. A thin result
// means the queue is close to drained, so the pass sleeps instead of
// hammering the database.
func (c *Crawler) scheduleFromAll(ctx context.Context) error {
	c.events.OnEvent(metrics.EventScheduleRandom)
	rows, err := c.store.GetRandom(c.cfg.SchedulerChunk)
	if err != nil {
		return err
	}
	low := c.cfg.SchedulerChunk
	if low > 200 {
		low = 200
	}
	if len(rows) < low {
		if len(rows) == 0 {
			slog.Warn("queue is empty, scheduler idling")
		}
		sleepCtx(ctx, c.cfg.DomainRequestPeriod/time.Duration(len(rows)+1))
	}
	return c.scheduleItems(ctx, rows)
}

// scheduleFromDomains samples a handful of elements from each of up to
// DomainChunk starved domains, so a few enormous hosts cannot crowd the
// long tail out of the ready queue.
func (c *Crawler) scheduleFromDomains(ctx context.Context) error {
	names := c.reg.SchedulableDomains(c.cfg.DomainChunk)
	if len(names) == 0 {
		return c.scheduleFromAll(ctx)
	}
	c.events.OnEvent(metrics.EventScheduleFromDomain)
	var items []db.QueueRow
	for _, name := range names {
		rows, err := c.store.GetRandomFromDomain(name, c.cfg.ChooseFromDomain)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			c.reg.DrainWaiting(name)
			continue
		}
		for _, row := range rows {
			if row.State == db.StateWaiting {
				break
			}
			items = append(items, row)
		}
	}
	return c.scheduleItems(ctx, items)
}

func (c *Crawler) scheduleItems(ctx context.Context, rows []db.QueueRow) error {
	for _, row := range rows {
		parsed, err := url.Parse(row.URI)
		if err != nil {
			parsed = &url.URL{}
		}
		verdict, d := c.reg.Admit(parsed.Host)
		switch verdict {
		case blockItem:
			if err := c.store.UpdateQueueState(row.URI, db.StateBlocked); err != nil {
				return err
			}
			c.events.QueueSize.Add(-1)
			continue
		case skipItem:
			continue
		}
		// Flip the sign while the element is in flight; crash recovery flips
		// it back.
		if err := c.store.UpdateQueueState(row.URI, db.QueueState(-int(row.State))); err != nil {
			return err
		}
		if err := c.queue.Put(ctx, row, d); err != nil {
			return err
		}
	}
	return nil
}

// refreshLoop periodically promotes fetched elements whose refresh time has
// come back to waiting-priority.
func (c *Crawler) refreshLoop(ctx context.Context) error {
	for {
		if err := c.store.SetNextToUpdate(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("refresh sweep failed", "error", err)
		}
		if !sleepCtx(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Crawler) probeLoop(ctx context.Context) error {
	for {
		if c.client.CheckConnection(ctx) {
			c.online.Set()
		} else {
			slog.Warn("no internet connection")
			c.online.Clear()
		}
		if !sleepCtx(ctx, c.cfg.CheckInternetPeriod) {
			return ctx.Err()
		}
	}
}

// ─── fetching ───

func (c *Crawler) fetchLoop(ctx context.Context) error {
	for {
		if err := c.online.Wait(ctx); err != nil {
			return err
		}
		row, d, err := c.queue.Pop(ctx)
		if err != nil {
			return err
		}
		parsed, perr := url.Parse(row.URI)
		if perr != nil {
			parsed = &url.URL{}
		}
		c.reg.Release(parsed.Host, d)
		if err := c.fetchOne(ctx, row, d, parsed.Host); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("fetch round failed", "uri", row.URI, "error", err)
			if !sleepCtx(ctx, 3*time.Second) {
				return ctx.Err()
			}
		}
	}
}

func (c *Crawler) fetchOne(ctx context.Context, row db.QueueRow, d *Domain, domainName string) error {
	verdict, oldNextReq, oldFailStreak := c.reg.BeginFetch(d, c.cfg.DomainRequestPeriod.Seconds())
	switch verdict {
	case fetchBlocked:
		if err := c.store.UpdateQueueState(row.URI, db.StateBlocked); err != nil {
			return err
		}
		c.events.QueueSize.Add(-1)
		return nil
	case fetchBackoff:
		// Put it back; the domain entered a failure window while the element
		// sat in the ready queue.
		return c.store.UpdateQueueState(row.URI, row.State)
	}

	c.active.Add(1)
	defer c.active.Add(-1)

	obj, err := c.client.Fetch(ctx, row.URI)
	switch {
	case err == nil:
	case errors.Is(err, ap.ErrTemporaryFetch):
		return c.onTempError(row, d, domainName, oldNextReq, oldFailStreak)
	case errors.Is(err, ap.ErrFailedFetch):
		return c.onFailedFetch(row, d, domainName)
	default:
		return err
	}

	c.events.OnEvent(metrics.EventPageFetched)
	metrics.ObserveFetch("lookup", metrics.OutcomeOK)
	if persist, nextReq := c.reg.EndFetchOK(d); persist {
		if err := c.store.UpdateDomain(domainName, 0, nextReq); err != nil {
			return err
		}
	}

	priority := row.State == db.StateWaitingPriority
	if oid := ap.ObjectID(obj); oid != "" && oid != row.URI {
		// Retire the redirecting URI and continue under the canonical id.
		if err := c.store.UpdateQueueState(row.URI, db.StateRedirected); err != nil {
			return err
		}
		c.events.QueueSize.Add(-1)
		oidHost := ""
		if p, perr := url.Parse(oid); perr == nil {
			oidHost = p.Host
		}
		if oidHost != domainName {
			return c.AddIfNotVisited(ctx, oid, domainName, priority, "")
		}
		if err := c.store.InsertAlias(row.URI, oid); err != nil {
			return err
		}
	}
	return c.handler.Handle(ctx, obj, domainName, priority, parseAux(row.Aux))
}

func (c *Crawler) onTempError(row db.QueueRow, d *Domain, domainName string, oldNextReq float64, oldFailStreak int) error {
	c.events.OnEvent(metrics.EventPageFetchTempError)
	metrics.ObserveFetch("lookup", metrics.OutcomeTemporary)
	outcome, nextReq, failStreak := c.reg.EndFetchTempError(d, oldNextReq, oldFailStreak)
	switch outcome {
	case tempErrIgnored:
		return nil
	case tempErrUnreachable:
		slog.Warn("domain exhausted its retry budget", "domain", domainName)
		if err := c.store.UpdateDomainState(domainName, db.DomainUnreachable); err != nil {
			return err
		}
		if err := c.store.UpdateQueueState(row.URI, db.StateFailed); err != nil {
			return err
		}
		c.events.QueueSize.Add(-1)
		return nil
	default:
		if err := c.store.UpdateDomain(domainName, failStreak, nextReq); err != nil {
			return err
		}
		return c.store.UpdateQueueState(row.URI, row.State)
	}
}

func (c *Crawler) onFailedFetch(row db.QueueRow, d *Domain, domainName string) error {
	c.events.OnEvent(metrics.EventPageFetchFailed)
	metrics.ObserveFetch("lookup", metrics.OutcomeFailed)
	if err := c.store.UpdateQueueState(row.URI, db.StateFailed); err != nil {
		return err
	}
	c.events.QueueSize.Add(-1)
	if c.reg.EndFetchFailed(d) {
		slog.Warn("domain auto-blocked, mostly dead links", "domain", domainName)
		return c.store.UpdateDomainState(domainName, db.DomainAutoBlocked)
	}
	return nil
}

func parseAux(aux string) map[string]interface{} {
	if aux == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(aux), &m); err != nil {
		return nil
	}
	return m
}

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

// onlineGate lets fetch workers block while the connectivity prober says we
// are offline.
type onlineGate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

func newOnlineGate() *onlineGate {
	return &onlineGate{ch: make(chan struct{})}
}

func (g *onlineGate) Set() {
	g.mu.Lock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
	g.mu.Unlock()
}

func (g *onlineGate) Clear() {
	g.mu.Lock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
	g.mu.Unlock()
}

func (g *onlineGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open, ch := g.open, g.ch
	g.mu.Unlock()
	if open {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
