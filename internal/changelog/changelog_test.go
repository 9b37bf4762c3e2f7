package changelog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changecontrol/internal/kv"
	"github.com/roach88/changecontrol/internal/kv/memkv"
	"github.com/roach88/changecontrol/internal/lock"
	"github.com/roach88/changecontrol/internal/testutil"
)

func newTestLog(t *testing.T, store kv.Store, opts ...Option) *ChangeLog {
	t.Helper()
	base := []Option{
		WithPrefix("test"),
		WithUser("tester"),
		WithOwner("host-a:1"),
		WithClock(testutil.NewClock().Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(store, append(base, opts...)...)
}

func assertGolden(t *testing.T, name string, got []byte) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, got)
}

func TestKeys(t *testing.T) {
	k := Keys{Prefix: "changecontrol"}
	assert.Equal(t, "changecontrol:changelog:lock", k.Lock())
	assert.Equal(t, "changecontrol:changelog:sequence", k.Sequence())
	assert.Equal(t, "changecontrol:changelog:change:init:foo", k.Change("init:foo"))

	id, ok := k.ChangeID("changecontrol:changelog:change:init:foo")
	require.True(t, ok)
	assert.Equal(t, "init:foo", id)

	_, ok = k.ChangeID("other:changelog:change:init:foo")
	assert.False(t, ok)
}

func TestNew_DefaultPrefix(t *testing.T) {
	c := New(memkv.New(), WithPrefix(""))
	assert.Equal(t, DefaultPrefix, c.Keys().Prefix)
}

func TestEntry_Missing(t *testing.T) {
	c := newTestLog(t, memkv.New())

	entry, err := c.Entry(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestAudit_WritesRecord(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	c := newTestLog(t, store)

	audited, err := c.Audit(ctx, "init:foo", "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), audited.Sequence)

	entry, err := c.Entry(ctx, "init:foo")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, audited, *entry)
	assert.Equal(t, "tester", entry.User)
	assert.Equal(t, testutil.Epoch, entry.Timestamp)

	raw, err := store.HGetAll(ctx, "test:changelog:change:init:foo")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"id":        "init:foo",
		"checksum":  "abc",
		"user":      "tester",
		"timestamp": "2024-01-01T00:00:00Z",
		"sequence":  "1",
	}, raw)
}

func TestAudit_SequenceStrictlyIncreases(t *testing.T) {
	ctx := context.Background()
	c := newTestLog(t, memkv.New())

	var last int64
	for _, id := range []string{"a", "b", "c", "a"} {
		entry, err := c.Audit(ctx, id, "sum")
		require.NoError(t, err)
		assert.Greater(t, entry.Sequence, last)
		last = entry.Sequence
	}
}

func TestEntries_OrderedBySequence(t *testing.T) {
	ctx := context.Background()
	c := newTestLog(t, memkv.New())

	// Ids chosen so key order disagrees with audit order.
	for _, id := range []string{"test:c", "test:a", "test:b"} {
		_, err := c.Audit(ctx, id, "sum")
		require.NoError(t, err)
	}

	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "test:c", entries[0].ID)
	assert.Equal(t, "test:a", entries[1].ID)
	assert.Equal(t, "test:b", entries[2].ID)
	assert.Less(t, entries[0].Sequence, entries[1].Sequence)
	assert.Less(t, entries[1].Sequence, entries[2].Sequence)
}

func TestEntries_IgnoresOtherPrefixes(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	ours := newTestLog(t, store)
	theirs := newTestLog(t, store, WithPrefix("other"))

	_, err := ours.Audit(ctx, "a", "sum")
	require.NoError(t, err)
	_, err = theirs.Audit(ctx, "b", "sum")
	require.NoError(t, err)

	entries, err := ours.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)
}

func TestEntries_InvalidSequence(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	c := newTestLog(t, store)
	require.NoError(t, store.HSet(ctx, c.Keys().Change("bad"), map[string]string{
		"checksum": "x",
		"sequence": "not-a-number",
	}))

	_, err := c.Entries(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sequence")
}

func TestDump_CSV(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	c := newTestLog(t, memkv.New(), WithRenderer(NewCSVRenderer(&out)))

	for i, id := range []string{"test:a", "test:b", "test:c"} {
		_, err := c.Audit(ctx, id, "c"+string(rune('1'+i)))
		require.NoError(t, err)
	}

	require.NoError(t, c.Dump(ctx))
	assertGolden(t, "dump_csv", out.Bytes())
}

func TestDump_JSON(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	c := newTestLog(t, memkv.New(), WithRenderer(NewJSONRenderer(&out)))

	for i, id := range []string{"test:a", "test:b", "test:c"} {
		_, err := c.Audit(ctx, id, "c"+string(rune('1'+i)))
		require.NoError(t, err)
	}

	require.NoError(t, c.Dump(ctx))
	assertGolden(t, "dump_json", out.Bytes())
}

func TestDump_Empty(t *testing.T) {
	var csvOut, jsonOut bytes.Buffer
	store := memkv.New()

	require.NoError(t, newTestLog(t, store, WithRenderer(NewCSVRenderer(&csvOut))).Dump(context.Background()))
	assert.Equal(t, "\nsequence,id,checksum,user,timestamp\n\n", csvOut.String())

	require.NoError(t, newTestLog(t, store, WithRenderer(NewJSONRenderer(&jsonOut))).Dump(context.Background()))
	assert.Equal(t, "[]\n", jsonOut.String())
}

func TestDump_RendererError(t *testing.T) {
	boom := errors.New("boom")
	c := newTestLog(t, memkv.New(), WithRenderer(RendererFunc(func([]Entry) error { return boom })))

	assert.ErrorIs(t, c.Dump(context.Background()), boom)
}

func TestClear_Pattern(t *testing.T) {
	ctx := context.Background()
	c := newTestLog(t, memkv.New())
	for _, id := range []string{"test:foo:1", "test:foo:2", "test:bar"} {
		_, err := c.Audit(ctx, id, "sum")
		require.NoError(t, err)
	}

	n, err := c.Clear(ctx, "test:foo:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "test:bar", entries[0].ID)

	holder, err := c.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder, "lock must be released after clear")
}

func TestClear_AllAndNothing(t *testing.T) {
	ctx := context.Background()
	c := newTestLog(t, memkv.New())

	n, err := c.Clear(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, id := range []string{"a", "b"} {
		_, err := c.Audit(ctx, id, "sum")
		require.NoError(t, err)
	}
	n, err = c.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClear_ContendedLock(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	ours := newTestLog(t, store)
	rival := newTestLog(t, store, WithOwner("host-b:2"))

	_, err := ours.Audit(ctx, "a", "sum")
	require.NoError(t, err)

	err = rival.Lock(ctx, func(ctx context.Context) error {
		_, clearErr := ours.Clear(ctx, "*")
		return clearErr
	})
	assert.ErrorIs(t, err, lock.ErrContention)

	entry, err := ours.Entry(ctx, "a")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestUnlock(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	a := newTestLog(t, store)
	b := newTestLog(t, store, WithOwner("host-b:2"))

	// Leave a stale record behind as a crashed run would.
	require.NoError(t, store.HSet(ctx, a.Keys().Lock(), map[string]string{
		"client":    "host-a:1",
		"timestamp": "2024-01-01T00:00:00Z",
	}))

	require.NoError(t, b.Unlock(ctx, false))
	holder, err := b.Holder(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "host-a:1", holder.Owner)

	require.NoError(t, b.Unlock(ctx, true))
	holder, err = b.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)
}
