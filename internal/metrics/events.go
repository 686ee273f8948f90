package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event names shared by the /status endpoints. The lookup and verifier use
// overlapping subsets.
const (
	EventPageFetched        = "page_fetched"
	EventPageFetchFailed    = "page_fetch_failed"
	EventPageFetchTempError = "page_fetch_temporary_error"
	EventPageRefetched      = "page_refetched"
	EventPageUpdated        = "page_updated"
	EventActorFound         = "actor_found"
	EventObjectFound        = "object_found"
	EventNewURIFound        = "new_uri_found"
	EventGetObjectServed    = "get_object_served"
	EventGetObjectNotFound  = "get_object_not_found"
	EventActorPageServed    = "actor_page_served"
	EventActorsToSignServed = "actors_to_sign_served"
	EventActorSigned        = "actor_signed"
	EventActorSignFailed    = "actor_sign_failed"
	EventScheduleRandom     = "schedule_random"
	EventScheduleFromDomain = "schedule_random_from_domain"

	EventActorFetchFailed    = "actor_fetch_failed"
	EventActorFetchTempError = "actor_fetch_temporary_error"
	EventActorFetchSkipped   = "actor_fetch_skipped"
	EventActorInfoMismatch   = "actor_info_mismatch"
	EventBatchSubmitted      = "batch_submitted"
	EventBatchSubmitFailed   = "batch_submit_failed"
	EventLongFetch           = "long_fetch"
)

// EventCounter accumulates named event counts for the /status endpoint:
// totals since process start plus a current window that a periodic sampler
// flushes into the stats table.
type EventCounter struct {
	mu        sync.Mutex
	counts    map[string]int64
	totals    map[string]int64
	lastFlush time.Time

	// Running gauges surfaced alongside the counters.
	QueueSize      atomic.Int64
	ActorCount     atomic.Int64
	AllTimeFetched atomic.Int64
}

func NewEventCounter() *EventCounter {
	return &EventCounter{
		counts:    make(map[string]int64),
		totals:    make(map[string]int64),
		lastFlush: time.Now(),
	}
}

// OnEvent counts one occurrence of typ.
func (c *EventCounter) OnEvent(typ string) {
	c.mu.Lock()
	c.counts[typ]++
	c.totals[typ]++
	c.mu.Unlock()
}

// Stats snapshots the current window, stamped with the sample time and the
// window length in seconds.
func (c *EventCounter) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *EventCounter) statsLocked() map[string]interface{} {
	now := time.Now()
	stats := make(map[string]interface{}, len(c.counts)+2)
	for k, v := range c.counts {
		stats[k] = v
	}
	stats["time"] = float64(now.UnixNano()) / 1e9
	stats["period"] = now.Sub(c.lastFlush).Seconds()
	return stats
}

// TotalStats snapshots the counters accumulated since process start.
func (c *EventCounter) TotalStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := make(map[string]interface{}, len(c.totals))
	for k, v := range c.totals {
		stats[k] = v
	}
	return stats
}

// ResetStats returns the current window and starts a new one.
func (c *EventCounter) ResetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.statsLocked()
	c.lastFlush = time.Now()
	c.counts = make(map[string]int64)
	return stats
}
