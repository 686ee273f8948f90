package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedivet/fedivet/internal/db"
)

func TestScheduleQueueRoundTrip(t *testing.T) {
	reg := NewRegistry(4)
	q := NewScheduleQueue(8, 40*time.Millisecond, reg)
	defer q.Stop()
	ctx := context.Background()

	_, d := reg.Admit("a.example")
	row := db.QueueRow{URI: "https://a.example/u/alice", State: db.StateProcessing}
	require.NoError(t, q.Put(ctx, row, d))
	assert.Equal(t, 1, q.Len())

	got, gotDomain, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, row.URI, got.URI)
	assert.Same(t, d, gotDomain)
	assert.Equal(t, 0, q.Len())
}

func TestScheduleQueueCapacity(t *testing.T) {
	reg := NewRegistry(4)
	q := NewScheduleQueue(1, 40*time.Millisecond, reg)
	defer q.Stop()

	_, d := reg.Admit("a.example")
	require.NoError(t, q.Put(context.Background(), db.QueueRow{URI: "https://a.example/1"}, d))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Put(ctx, db.QueueRow{URI: "https://a.example/2"}, d)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduleQueuePoliteness(t *testing.T) {
	reg := NewRegistry(4)
	q := NewScheduleQueue(8, 40*time.Millisecond, reg)
	defer q.Stop()
	ctx := context.Background()

	_, d := reg.Admit("a.example")
	// First fetch reserves the politeness window, so the second element for
	// the same domain must park until the window passes.
	verdict, _, _ := reg.BeginFetch(d, 0.04)
	require.Equal(t, fetchGo, verdict)

	require.NoError(t, q.Put(ctx, db.QueueRow{URI: "https://a.example/u/bob"}, d))

	start := time.Now()
	got, _, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/u/bob", got.URI)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestScheduleQueuePopCancel(t *testing.T) {
	reg := NewRegistry(4)
	q := NewScheduleQueue(8, 40*time.Millisecond, reg)
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
