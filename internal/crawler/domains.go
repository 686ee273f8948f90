package crawler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fedivet/fedivet/internal/db"
)

// fetchRetryTimers holds the per-domain backoff after the n-th consecutive
// temporary failure: 10·5^n seconds, capped at a day. The full table sums to
// roughly 50 days before a domain is written off as unreachable.
var fetchRetryTimers = func() []float64 {
	timers := make([]float64, 56)
	for i := range timers {
		t := 10.0
		for j := 0; j < i; j++ {
			t *= 5
			if t >= 24*3600 {
				t = 24 * 3600
				break
			}
		}
		timers[i] = t
	}
	return timers
}()

// infinityTime parks an element far enough in the future that it is never
// refreshed on its own.
const infinityTime int64 = 10 * 365 * 24 * 3600

// Domain is the crawler's in-memory view of one remote host. All fields are
// guarded by the owning Registry's mutex.
type Domain struct {
	NextReq    float64 // earliest epoch second the next request may go out
	FailStreak int
	State      db.DomainState

	tempUnreachable    bool
	scheduledItems     int
	failedItems        int
	fetchedItems       int
	hasWaitingElements bool
	notScheduled       bool
}

// isTempUnreachable reports whether the domain is inside a failure backoff
// window, clearing the flag once the window has passed. Call with the
// registry lock held.
func (d *Domain) isTempUnreachable(now float64) bool {
	if !d.tempUnreachable {
		return false
	}
	if d.NextReq < now {
		d.tempUnreachable = false
		return false
	}
	return true
}

// available reports whether a scheduled element for this domain may be
// fetched right now. Blocked and backing-off domains pass too: their items
// must flow through to the worker so it can park them back in the database.
func (d *Domain) available(now float64) bool {
	return d.NextReq < now || d.tempUnreachable || d.State > db.DomainUnknown
}

// Registry tracks every domain the crawler has seen plus the list of domains
// that have waiting queue elements but nothing currently scheduled. One lock
// covers the whole structure; fetch workers and the scheduler contend on it
// only for short in-memory sections.
type Registry struct {
	mu           sync.Mutex
	domains      map[string]*Domain
	notScheduled []string

	maxPerDomain int
}

func NewRegistry(maxPerDomain int) *Registry {
	return &Registry{
		domains:      make(map[string]*Domain),
		maxPerDomain: maxPerDomain,
	}
}

// Seed installs a domain loaded from the database.
func (r *Registry) Seed(name string, nextReq float64, failStreak int, state db.DomainState) {
	r.mu.Lock()
	r.domains[name] = &Domain{
		NextReq:         nextReq,
		FailStreak:      failStreak,
		State:           state,
		tempUnreachable: failStreak > 0 && nextReq > nowSeconds(),
	}
	r.mu.Unlock()
}

// MarkWaiting records that a domain has queue elements waiting and, when
// nothing for it is scheduled, adds it to the not-scheduled list. Blocked
// domains are left alone.
func (r *Registry) MarkWaiting(name string) {
	r.mu.Lock()
	d := r.ensureLocked(name)
	if d.State <= db.DomainUnknown {
		d.hasWaitingElements = true
		if d.scheduledItems == 0 && !d.notScheduled {
			r.notScheduled = append(r.notScheduled, name)
			d.notScheduled = true
		}
	}
	r.mu.Unlock()
}

// Get returns the domain entry, creating it on first sight.
func (r *Registry) Get(name string) *Domain {
	r.mu.Lock()
	d := r.ensureLocked(name)
	r.mu.Unlock()
	return d
}

func (r *Registry) ensureLocked(name string) *Domain {
	d, ok := r.domains[name]
	if !ok {
		d = &Domain{State: db.DomainUnknown}
		r.domains[name] = d
	}
	return d
}

// okForSchedulingLocked applies the admission rules for handing a domain to
// the per-domain sampler, maintaining the not-scheduled list as a side
// effect. Call with the lock held.
func (r *Registry) okForSchedulingLocked(name string, d *Domain, now float64) bool {
	if d.isTempUnreachable(now) {
		return false
	}
	if d.State > db.DomainUnknown {
		if d.notScheduled {
			r.removeNotScheduledLocked(name)
			d.notScheduled = false
		}
		d.hasWaitingElements = false
		return false
	}
	if d.scheduledItems > 0 && d.notScheduled {
		r.removeNotScheduledLocked(name)
		d.notScheduled = false
	}
	if d.scheduledItems >= r.maxPerDomain {
		return false
	}
	return true
}

func (r *Registry) removeNotScheduledLocked(name string) {
	for i, n := range r.notScheduled {
		if n == name {
			r.notScheduled = append(r.notScheduled[:i], r.notScheduled[i+1:]...)
			return
		}
	}
}

// ChooseRandomDomain samples one schedulable domain from the not-scheduled
// list, giving up after a few tries so a list full of backed-off domains
// cannot spin the scheduler.
func (r *Registry) ChooseRandomDomain() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := nowSeconds()
	for tries := 5; tries > 0; tries-- {
		if len(r.notScheduled) == 0 {
			return "", false
		}
		name := r.notScheduled[rand.Intn(len(r.notScheduled))]
		if r.okForSchedulingLocked(name, r.domains[name], now) {
			return name, true
		}
	}
	return "", false
}

// SchedulableDomains shuffles the not-scheduled list and returns up to limit
// domains that pass admission.
func (r *Registry) SchedulableDomains(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := nowSeconds()
	rand.Shuffle(len(r.notScheduled), func(i, j int) {
		r.notScheduled[i], r.notScheduled[j] = r.notScheduled[j], r.notScheduled[i]
	})
	var out []string
	// okForSchedulingLocked may shrink the list mid-walk, so iterate a copy.
	names := append([]string(nil), r.notScheduled...)
	for _, name := range names {
		if r.okForSchedulingLocked(name, r.domains[name], now) {
			out = append(out, name)
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

// NotScheduledCount returns the length of the not-scheduled list.
func (r *Registry) NotScheduledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notScheduled)
}

// DrainWaiting clears the waiting flag for a domain that turned out to have
// nothing samplable, dropping it from the not-scheduled list.
func (r *Registry) DrainWaiting(name string) {
	r.mu.Lock()
	d := r.ensureLocked(name)
	d.hasWaitingElements = false
	if d.notScheduled {
		d.notScheduled = false
		r.removeNotScheduledLocked(name)
	}
	r.mu.Unlock()
}

// itemAdmission is the scheduler's verdict on one sampled queue element.
type itemAdmission int

const (
	admitItem itemAdmission = iota
	skipItem
	blockItem
)

// Admit decides whether a sampled element may enter the ready queue,
// reserving a scheduling slot on the domain when it may.
func (r *Registry) Admit(name string) (itemAdmission, *Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.ensureLocked(name)
	if d.State > db.DomainUnknown {
		return blockItem, d
	}
	now := nowSeconds()
	if d.isTempUnreachable(now) {
		return skipItem, d
	}
	if d.scheduledItems >= r.maxPerDomain {
		return skipItem, d
	}
	if d.scheduledItems == 0 && d.notScheduled {
		r.removeNotScheduledLocked(name)
		d.notScheduled = false
	}
	d.scheduledItems++
	return admitItem, d
}

// Release returns a domain's scheduling slot after its element left the
// ready queue, re-listing the domain when more of its elements wait in the
// database.
func (r *Registry) Release(name string, d *Domain) {
	r.mu.Lock()
	d.scheduledItems--
	if d.scheduledItems == 0 && !d.notScheduled && d.hasWaitingElements {
		r.notScheduled = append(r.notScheduled, name)
		d.notScheduled = true
	}
	r.mu.Unlock()
}

// fetchVerdict is the pre-flight check a worker runs right before a request.
type fetchVerdict int

const (
	fetchGo fetchVerdict = iota
	fetchBlocked
	fetchBackoff
)

// BeginFetch checks the domain immediately before a request and, when the
// request may proceed, pre-advances next_req so parallel workers respect the
// politeness period even while this fetch is in flight. The returned
// snapshot feeds the failure race check in EndFetchTempError.
func (r *Registry) BeginFetch(d *Domain, period float64) (verdict fetchVerdict, oldNextReq float64, oldFailStreak int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.State > db.DomainUnknown {
		return fetchBlocked, 0, 0
	}
	now := nowSeconds()
	if d.isTempUnreachable(now) {
		return fetchBackoff, 0, 0
	}
	oldNextReq = d.NextReq
	oldFailStreak = d.FailStreak
	if next := now + period; next > d.NextReq {
		d.NextReq = next
	}
	return fetchGo, oldNextReq, oldFailStreak
}

// EndFetchOK records a successful fetch. It reports whether the domain's
// fail streak was just cleared and so must be written back, along with the
// next_req to persist.
func (r *Registry) EndFetchOK(d *Domain) (persist bool, nextReq float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.fetchedItems++
	if d.FailStreak > 0 {
		d.FailStreak = 0
		return true, d.NextReq
	}
	return false, 0
}

// tempErrOutcome tells the worker what a temporary failure did to the domain.
type tempErrOutcome int

const (
	tempErrIgnored tempErrOutcome = iota
	tempErrBackoff
	tempErrUnreachable
)

// EndFetchTempError applies one temporary failure. When another worker
// already handled a failure for this domain (the pre-fetch snapshot no
// longer matches), the failure is ignored so one bad round-trip is counted
// once. Otherwise the domain backs off per the retry table, or becomes
// Unreachable once the table is exhausted.
func (r *Registry) EndFetchTempError(d *Domain, oldNextReq float64, oldFailStreak int) (tempErrOutcome, float64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := nowSeconds()
	if now < oldNextReq || oldFailStreak != d.FailStreak {
		return tempErrIgnored, 0, 0
	}
	if d.FailStreak >= len(fetchRetryTimers) {
		d.State = db.DomainUnreachable
		return tempErrUnreachable, 0, 0
	}
	d.NextReq = now + fetchRetryTimers[d.FailStreak]
	d.FailStreak++
	d.tempUnreachable = true
	return tempErrBackoff, d.NextReq, d.FailStreak
}

// EndFetchFailed counts a terminal failure and reports whether the domain
// just crossed the auto-block threshold: at least 50 failures and more
// failures than successes.
func (r *Registry) EndFetchFailed(d *Domain) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.failedItems++
	if d.failedItems >= 50 &&
		float64(d.failedItems)/float64(d.failedItems+d.fetchedItems) > 0.5 {
		d.State = db.DomainAutoBlocked
		return true
	}
	return false
}

// Status snapshots the fields the worker consults outside a mutation.
func (r *Registry) Status(d *Domain) (state db.DomainState, backingOff bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := nowSeconds()
	return d.State, d.isTempUnreachable(now)
}

// Available reports whether an element of this domain may be handed to a
// worker right now.
func (r *Registry) Available(d *Domain) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return d.available(nowSeconds())
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// RegistryStats is a point-in-time census of the known domains.
type RegistryStats struct {
	Domains          int
	Waiting          int // unblocked domains with waiting elements
	WaitingReachable int // of those, domains with no active fail streak
	Unreachable      int // unblocked domains inside a fail streak
	Blocked          int // Unreachable, AutoBlocked, or Blocked state
}

// Stats counts domains by condition for the info page.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := RegistryStats{Domains: len(r.domains)}
	for _, d := range r.domains {
		if d.State > db.DomainUnknown {
			s.Blocked++
			continue
		}
		if d.hasWaitingElements {
			s.Waiting++
			if d.FailStreak == 0 {
				s.WaitingReachable++
			}
		}
		if d.FailStreak > 0 {
			s.Unreachable++
		}
	}
	return s
}
