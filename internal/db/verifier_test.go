package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLookup = "https://lookup.example"

func newTestVerifierStore(t *testing.T) *VerifierStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "verifier.db")
	s, err := OpenVerifier(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVerifierQueue(t *testing.T) {
	s := newTestVerifierStore(t)

	require.NoError(t, s.AddToQueue(testLookup, "https://a.example/u/alice", 100, 0, `{"id":"x"}`, `{"webfinger":null}`, false))
	require.NoError(t, s.AddToQueue(testLookup, "https://a.example/u/bob", 200, 2, "", "", false))
	require.NoError(t, s.AddToQueue(testLookup, "https://a.example/u/carol", 100, 0, "", "", true))

	t.Run("due rows only", func(t *testing.T) {
		rows, err := s.GetFromQueue(testLookup, 150, 10)
		require.NoError(t, err)
		require.Len(t, rows, 1, "future and active rows stay out")
		assert.Equal(t, "https://a.example/u/alice", rows[0].URI)
		assert.Equal(t, `{"id":"x"}`, rows[0].JSON)
	})

	t.Run("limit respected", func(t *testing.T) {
		rows, err := s.GetFromQueue(testLookup, 1e9, 1)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("upsert replaces", func(t *testing.T) {
		require.NoError(t, s.AddToQueue(testLookup, "https://a.example/u/alice", 300, 1, "", "", false))
		rows, err := s.GetFromQueue(testLookup, 150, 10)
		require.NoError(t, err)
		assert.Empty(t, rows)
		rows, err = s.GetFromQueue(testLookup, 1e9, 10)
		require.NoError(t, err)
		for _, r := range rows {
			if r.URI == "https://a.example/u/alice" {
				assert.Equal(t, 1, r.Fails)
			}
		}
	})

	t.Run("set active hides the row", func(t *testing.T) {
		require.NoError(t, s.SetActive(testLookup, "https://a.example/u/bob"))
		rows, err := s.GetFromQueue(testLookup, 1e9, 10)
		require.NoError(t, err)
		for _, r := range rows {
			assert.NotEqual(t, "https://a.example/u/bob", r.URI)
		}
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, s.RemoveFromQueue(testLookup, "https://a.example/u/alice"))
		rows, err := s.GetFromQueue(testLookup, 1e9, 10)
		require.NoError(t, err)
		for _, r := range rows {
			assert.NotEqual(t, "https://a.example/u/alice", r.URI)
		}
	})

	t.Run("lookups are isolated", func(t *testing.T) {
		rows, err := s.GetFromQueue("https://other.example", 1e9, 10)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestVerifierQueueReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verifier.db")
	s, err := OpenVerifier(path)
	require.NoError(t, err)

	require.NoError(t, s.AddToQueue(testLookup, "https://a.example/u/alice", 10, 0, "", "", true))
	rows, err := s.GetFromQueue(testLookup, 1e9, 10)
	require.NoError(t, err)
	require.Empty(t, rows, "active rows are invisible")
	require.NoError(t, s.Close())

	// Reopening releases rows a crashed worker held.
	s, err = OpenVerifier(path)
	require.NoError(t, err)
	defer s.Close()
	rows, err = s.GetFromQueue(testLookup, 1e9, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Active)
}

func TestVerifierPageCursor(t *testing.T) {
	s := newTestVerifierStore(t)

	page, err := s.GetNextPage(testLookup)
	require.NoError(t, err)
	assert.Zero(t, page, "unknown lookups start at page zero")

	require.NoError(t, s.SetNextPage(testLookup, 7))
	page, err = s.GetNextPage(testLookup)
	require.NoError(t, err)
	assert.Equal(t, int64(7), page)

	require.NoError(t, s.SetNextPage(testLookup, 3))
	page, err = s.GetNextPage(testLookup)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page)
}

func TestVerifierDomains(t *testing.T) {
	s := newTestVerifierStore(t)

	domains, err := s.GetDomains()
	require.NoError(t, err)
	assert.Empty(t, domains)

	require.NoError(t, s.SetDomainState("a.example", 5000, 2))
	require.NoError(t, s.SetDomainState("a.example", 6000, 3))
	domains, err = s.GetDomains()
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, 6000.0, domains["a.example"].NextTry)
	assert.Equal(t, 3, domains["a.example"].Fails)
}

func TestVerifierDifferences(t *testing.T) {
	s := newTestVerifierStore(t)

	require.NoError(t, s.InsertDifference(testLookup, "https://a.example/u/alice", `{"v":1}`, `{"v":2}`, 100))
	require.NoError(t, s.InsertDifference(testLookup, "https://a.example/u/alice", `{"v":2}`, `{"v":3}`, 200))

	diffs, err := s.GetDifferences(testLookup)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, `{"v":1}`, diffs[0].LookupJSON)
	assert.Equal(t, `{"v":2}`, diffs[0].ActualJSON)
	assert.Equal(t, 200.0, diffs[1].Time)

	require.NoError(t, s.InsertStats(`{"n":1}`))
}
