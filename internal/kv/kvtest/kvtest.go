// Package kvtest holds the conformance suite every kv.Store backend runs.
package kvtest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changecontrol/internal/kv"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) kv.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s kv.Store)
	}{
		{"HashRoundTrip", testHashRoundTrip},
		{"HGetAllMissing", testHGetAllMissing},
		{"HMGetPartial", testHMGetPartial},
		{"DelCountsExisting", testDelCountsExisting},
		{"KeysGlob", testKeysGlob},
		{"KeysBracesAreLiteral", testKeysBracesAreLiteral},
		{"IncrMonotonic", testIncrMonotonic},
		{"PipelinedApplies", testPipelinedApplies},
		{"PipelinedDiscardsOnError", testPipelinedDiscardsOnError},
		{"WatchCommits", testWatchCommits},
		{"WatchConflictOnWrite", testWatchConflictOnWrite},
		{"WatchConflictOnDelete", testWatchConflictOnDelete},
		{"WatchIgnoresUnwatchedKeys", testWatchIgnoresUnwatchedKeys},
		{"WatchPropagatesFnError", testWatchPropagatesFnError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func testHashRoundTrip(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, s.HSet(ctx, "h", map[string]string{"b": "3"}))

	got, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, got)
}

func testHGetAllMissing(t *testing.T, s kv.Store) {
	got, err := s.HGetAll(context.Background(), "missing")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func testHMGetPartial(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))

	got, err := s.HMGet(ctx, "h", "a", "c")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1"}, got)

	got, err = s.HMGet(ctx, "missing", "a")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testDelCountsExisting(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.HSet(ctx, "a", map[string]string{"f": "v"}))
	_, err := s.Incr(ctx, "counter")
	require.NoError(t, err)

	n, err := s.Del(ctx, "a", "counter", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.HGetAll(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, got)

	// A deleted counter restarts from zero.
	v, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func testKeysGlob(t *testing.T, s kv.Store) {
	ctx := context.Background()
	for _, k := range []string{
		"p:changelog:change:test:foo:1",
		"p:changelog:change:test:foo:2",
		"p:changelog:change:test:bar",
		"other:changelog:change:test:foo:1",
	} {
		require.NoError(t, s.HSet(ctx, k, map[string]string{"id": k}))
	}
	_, err := s.Incr(ctx, "p:changelog:sequence")
	require.NoError(t, err)

	keys, err := s.Keys(ctx, "p:changelog:change:test:foo:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"p:changelog:change:test:foo:1",
		"p:changelog:change:test:foo:2",
	}, keys)

	keys, err = s.Keys(ctx, "p:changelog:*")
	require.NoError(t, err)
	assert.Len(t, keys, 4)

	keys, err = s.Keys(ctx, "nothing:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testKeysBracesAreLiteral(t *testing.T, s kv.Store) {
	ctx := context.Background()
	for _, k := range []string{"tag{a,b}:1", "tag{a,b}:2", "taga:1", "tagb:1"} {
		require.NoError(t, s.HSet(ctx, k, map[string]string{"id": k}))
	}

	keys, err := s.Keys(ctx, "tag{a,b}:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tag{a,b}:1", "tag{a,b}:2"}, keys)
}

func testIncrMonotonic(t *testing.T, s kv.Store) {
	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		v, err := s.Incr(ctx, "seq")
		require.NoError(t, err)
		assert.Greater(t, v, last)
		last = v
	}
	assert.Equal(t, int64(5), last)
}

func testPipelinedApplies(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.HSet(ctx, "old", map[string]string{"f": "v"}))

	err := s.Pipelined(ctx, func(p kv.Pipe) error {
		p.HSet("new", map[string]string{"f": "v"})
		p.Del("old")
		return nil
	})
	require.NoError(t, err)

	keys, err := s.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, keys)
}

func testPipelinedDiscardsOnError(t *testing.T, s kv.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Pipelined(ctx, func(p kv.Pipe) error {
		p.HSet("k", map[string]string{"f": "v"})
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.HGetAll(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testWatchCommits(t *testing.T, s kv.Store) {
	ctx := context.Background()

	err := s.Watch(ctx, func(tx kv.Tx) error {
		current, err := tx.HGetAll(ctx, "lock")
		if err != nil {
			return err
		}
		assert.Empty(t, current)
		return tx.Pipelined(ctx, func(p kv.Pipe) error {
			p.HSet("lock", map[string]string{"client": "me"})
			return nil
		})
	}, "lock")
	require.NoError(t, err)

	got, err := s.HGetAll(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "me", got["client"])
}

func testWatchConflictOnWrite(t *testing.T, s kv.Store) {
	ctx := context.Background()

	err := s.Watch(ctx, func(tx kv.Tx) error {
		if _, err := tx.HGetAll(ctx, "lock"); err != nil {
			return err
		}
		// Another writer gets in between the read and the commit.
		if err := s.HSet(ctx, "lock", map[string]string{"client": "other"}); err != nil {
			return err
		}
		return tx.Pipelined(ctx, func(p kv.Pipe) error {
			p.HSet("lock", map[string]string{"client": "me"})
			return nil
		})
	}, "lock")
	require.ErrorIs(t, err, kv.ErrTxConflict)

	got, err := s.HGetAll(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "other", got["client"])
}

func testWatchConflictOnDelete(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.HSet(ctx, "lock", map[string]string{"client": "other"}))

	err := s.Watch(ctx, func(tx kv.Tx) error {
		if _, err := s.Del(ctx, "lock"); err != nil {
			return err
		}
		return tx.Pipelined(ctx, func(p kv.Pipe) error {
			p.HSet("lock", map[string]string{"client": "me"})
			return nil
		})
	}, "lock")
	require.ErrorIs(t, err, kv.ErrTxConflict)

	got, err := s.HGetAll(ctx, "lock")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testWatchIgnoresUnwatchedKeys(t *testing.T, s kv.Store) {
	ctx := context.Background()

	err := s.Watch(ctx, func(tx kv.Tx) error {
		if err := s.HSet(ctx, "unrelated", map[string]string{"f": "v"}); err != nil {
			return err
		}
		return tx.Pipelined(ctx, func(p kv.Pipe) error {
			p.HSet("lock", map[string]string{"client": "me"})
			return nil
		})
	}, "lock")
	require.NoError(t, err)

	got, err := s.HGetAll(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "me", got["client"])
}

func testWatchPropagatesFnError(t *testing.T, s kv.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Watch(ctx, func(tx kv.Tx) error {
		return boom
	}, "lock")
	require.ErrorIs(t, err, boom)

	got, err := s.HGetAll(ctx, "lock")
	require.NoError(t, err)
	assert.Empty(t, got)
}
