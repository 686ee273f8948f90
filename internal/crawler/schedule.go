package crawler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/metrics"
)

// scheduledItem carries one queue element through the ready/waiting machinery
// together with its enqueue time, which orders the waiting list.
type scheduledItem struct {
	enqueued time.Time
	row      db.QueueRow
	domain   *Domain
}

// ScheduleQueue hands sampled queue elements to fetch workers while honoring
// per-domain politeness. Elements whose domain is inside its request period
// park on a waiting list; a promoter goroutine moves them back once the
// period passes. Total occupancy (ready + waiting + parked by Pop) is capped
// by a slot semaphore so the scheduler cannot outrun the workers.
type ScheduleQueue struct {
	reg   *Registry
	ready chan scheduledItem
	slots chan struct{}

	mu      sync.Mutex
	waiting []scheduledItem

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewScheduleQueue creates the queue and starts its promoter, which wakes at
// a quarter of the politeness period so a freed domain waits at most that
// long before its parked element moves up.
func NewScheduleQueue(size int, period time.Duration, reg *Registry) *ScheduleQueue {
	q := &ScheduleQueue{
		reg:     reg,
		ready:   make(chan scheduledItem, size),
		slots:   make(chan struct{}, size),
		stopped: make(chan struct{}),
	}
	go q.promote(period / 4)
	return q
}

// Stop terminates the promoter.
func (q *ScheduleQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stopped) })
}

// Len returns current occupancy.
func (q *ScheduleQueue) Len() int {
	return len(q.slots)
}

// Put enqueues one admitted element, blocking while the queue is full.
func (q *ScheduleQueue) Put(ctx context.Context, row db.QueueRow, domain *Domain) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	q.ready <- scheduledItem{enqueued: time.Now(), row: row, domain: domain}
	metrics.SetReadyQueueDepth(len(q.slots))
	return nil
}

// Pop returns the next element whose domain may be contacted, parking any
// element it pulls that is still inside its domain's politeness window.
func (q *ScheduleQueue) Pop(ctx context.Context) (db.QueueRow, *Domain, error) {
	for {
		var item scheduledItem
		select {
		case item = <-q.ready:
		case <-ctx.Done():
			return db.QueueRow{}, nil, ctx.Err()
		}
		if q.reg.Available(item.domain) {
			<-q.slots
			metrics.SetReadyQueueDepth(len(q.slots))
			return item.row, item.domain, nil
		}
		q.mu.Lock()
		q.waiting = append(q.waiting, item)
		q.mu.Unlock()
	}
}

func (q *ScheduleQueue) promote(interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopped:
			return
		case <-ticker.C:
		}
		q.mu.Lock()
		parked := q.waiting
		q.waiting = nil
		q.mu.Unlock()

		sort.Slice(parked, func(i, j int) bool {
			return parked[i].enqueued.Before(parked[j].enqueued)
		})
		var still []scheduledItem
		for _, item := range parked {
			if q.reg.Available(item.domain) {
				// Capacity is safe: the item still holds its slot.
				q.ready <- item
			} else {
				still = append(still, item)
			}
		}
		if len(still) > 0 {
			q.mu.Lock()
			q.waiting = append(q.waiting, still...)
			q.mu.Unlock()
		}
	}
}
