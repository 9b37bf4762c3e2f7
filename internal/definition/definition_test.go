package definition

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changecontrol/internal/change"
	"github.com/roach88/changecontrol/internal/changelog"
	"github.com/roach88/changecontrol/internal/checksum"
	"github.com/roach88/changecontrol/internal/kv/memkv"
	"github.com/roach88/changecontrol/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLog(store *memkv.Store) *changelog.ChangeLog {
	return changelog.New(store,
		changelog.WithPrefix("test"),
		changelog.WithUser("tester"),
		changelog.WithClock(testutil.NewClock().Now),
		changelog.WithLogger(quietLogger()),
	)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDir_OrderAndFormats(t *testing.T) {
	files, err := LoadDir("testdata/changes")
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "release-1.0", files[0].ID)
	assert.Equal(t, filepath.Join("testdata/changes", "01-release-1.0.yaml"), files[0].Source)
	require.Len(t, files[0].Changes, 2)
	pirates := files[0].Changes[1]
	assert.Equal(t, 2, pirates.Version)
	require.NotNil(t, pirates.Precondition)
	assert.Equal(t, "pirates:seeded", pirates.Precondition.SkipIfExists)
	assert.Equal(t, "Hispaniola", pirates.Actions[0].Fields["Long John Silver"])

	assert.Equal(t, "release-1.1", files[1].ID)
	require.Len(t, files[1].Changes, 2)
	assert.Equal(t, "always", files[1].Changes[0].Frequency)
	assert.Equal(t, "The Black Pearl", files[1].Changes[0].Actions[0].Fields["Captain Jack Sparrow"])
	assert.Equal(t, []string{"foo:bar"}, files[1].Changes[1].Actions[0].Keys)
	assert.Equal(t, "foo:bar", files[1].Changes[1].Precondition.Require)
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorContains(t, err, "read definitions directory")
}

func TestLoadDir_DuplicateSetID(t *testing.T) {
	dir := t.TempDir()
	body := "id: same\nchanges:\n  - id: a\n    actions:\n      - {op: incr, key: k}\n"
	writeFile(t, dir, "a.yaml", body)
	writeFile(t, dir, "b.yml", body)

	_, err := LoadDir(dir)
	assert.ErrorContains(t, err, `change set "same" already defined`)
}

func TestParseYAML_RejectsUnknownFields(t *testing.T) {
	_, err := ParseYAML("bad.yaml", []byte("id: x\nchange: []\n"))
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "bad.yaml", le.File)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseCUE_Errors(t *testing.T) {
	_, err := ParseCUE("missing.cue", []byte(`other: 1`))
	assert.ErrorContains(t, err, "changeset field is required")

	_, err = ParseCUE("syntax.cue", []byte(`changeset: {`))
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)

	_, err = ParseCUE("abstract.cue", []byte(`changeset: {id: string, changes: []}`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no id", "changes: [{id: a, actions: [{op: incr, key: k}]}]", "id is required"},
		{"no changes", "id: s\nchanges: []", "changes list is required"},
		{"no change id", "id: s\nchanges: [{actions: [{op: incr, key: k}]}]", "changes[0]: id is required"},
		{"duplicate change", "id: s\nchanges: [{id: a, actions: [{op: incr, key: k}]}, {id: a, actions: [{op: incr, key: k}]}]", "duplicate id"},
		{"bad frequency", "id: s\nchanges: [{id: a, frequency: hourly, actions: [{op: incr, key: k}]}]", "frequency must be once or always"},
		{"no actions", "id: s\nchanges: [{id: a, actions: []}]", "actions list is required"},
		{"unknown op", "id: s\nchanges: [{id: a, actions: [{op: set, key: k}]}]", `unknown op "set"`},
		{"hset without fields", "id: s\nchanges: [{id: a, actions: [{op: hset, key: k}]}]", "fields are required"},
		{"del without keys", "id: s\nchanges: [{id: a, actions: [{op: del}]}]", "keys are required"},
		{"decomposed set id", "id: \"cafe\u0301\"\nchanges: [{id: a, actions: [{op: incr, key: k}]}]", "is not NFC normalised"},
		{"decomposed change id", "id: s\nchanges: [{id: \"cafe\u0301\", actions: [{op: incr, key: k}]}]", "changes[0]: id \"cafe\u0301\" is not NFC normalised"},
		{"two preconditions", "id: s\nchanges: [{id: a, precondition: {require: x, skip_if_exists: y}, actions: [{op: incr, key: k}]}]", "exactly one"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML("x.yaml", []byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPayload_ChecksumTracksContent(t *testing.T) {
	base := ChangeDef{ID: "a", Actions: []ActionDef{{Op: OpHSet, Key: "k", Fields: map[string]string{"f": "v"}}}}
	bumped := base
	bumped.Version = 1
	edited := ChangeDef{ID: "a", Actions: []ActionDef{{Op: OpHSet, Key: "k", Fields: map[string]string{"f": "w"}}}}
	renamed := base
	renamed.ID = "b"

	sum := checksum.MustSum(base.Payload())
	assert.NotEqual(t, sum, checksum.MustSum(bumped.Payload()))
	assert.NotEqual(t, sum, checksum.MustSum(edited.Payload()))
	assert.Equal(t, sum, checksum.MustSum(renamed.Payload()), "id is not part of the content")
}

func TestBuild_ExecuteAppliesActions(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	log := newTestLog(store)

	files, err := LoadDir("testdata/changes")
	require.NoError(t, err)
	sets, err := BuildAll(files, store, log, change.WithSetLogger(quietLogger()))
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, "release-1.0:init:foo:bar", sets[0].Changes()[0].ID())

	_, err = sets[0].Execute(ctx, "*")
	require.NoError(t, err)

	foo, err := store.HGetAll(ctx, "foo:bar")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"value": "a"}, foo)
	count, err := store.Incr(ctx, "pirates:count")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "incr action ran exactly once")

	report, err := sets[1].Execute(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []change.Outcome{change.OutcomeApplied, change.OutcomeApplied}, outcomesOf(report.Last()))

	foo, err = store.HGetAll(ctx, "foo:bar")
	require.NoError(t, err)
	assert.Empty(t, foo)
	pirates, err := store.HGetAll(ctx, "pirates")
	require.NoError(t, err)
	assert.Equal(t, "The Black Pearl", pirates["Captain Jack Sparrow"])
	assert.Equal(t, "Hispaniola", pirates["Long John Silver"])

	entries, err := log.Entries(ctx)
	require.NoError(t, err)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{
		"release-1.0:init:foo:bar",
		"release-1.0:init:pirates",
		"release-1.1:init:pirates",
		"release-1.1:cleanup:foo",
	}, ids)
}

func TestBuild_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("skip_if_exists aborts", func(t *testing.T) {
		store := memkv.New()
		require.NoError(t, store.HSet(ctx, "seeded", map[string]string{"at": "boot"}))
		f, err := ParseYAML("s.yaml", []byte("id: s\nchanges: [{id: a, precondition: {skip_if_exists: seeded}, actions: [{op: incr, key: n}]}]"))
		require.NoError(t, err)
		set, err := Build(f, store, newTestLog(store), change.WithSetLogger(quietLogger()))
		require.NoError(t, err)

		report, err := set.Execute(ctx, "*")
		require.NoError(t, err)
		assert.Equal(t, []change.Outcome{change.OutcomeAborted}, outcomesOf(report.Last()))
		n, err := store.Incr(ctx, "n")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("require fails when missing", func(t *testing.T) {
		store := memkv.New()
		f, err := ParseYAML("s.yaml", []byte("id: s\nchanges: [{id: a, precondition: {require: needed}, actions: [{op: incr, key: n}]}]"))
		require.NoError(t, err)
		set, err := Build(f, store, newTestLog(store), change.WithSetLogger(quietLogger()))
		require.NoError(t, err)

		_, err = set.Execute(ctx, "*")
		require.Error(t, err)
		var pe *change.PreconditionError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "s:a", pe.ID)
		assert.Contains(t, err.Error(), "required key needed does not exist")
	})
}

func TestBuild_EditedDefinitionIsModified(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	log := newTestLog(store)

	v1, err := ParseYAML("s.yaml", []byte("id: s\nchanges: [{id: a, actions: [{op: hset, key: k, fields: {f: one}}]}]"))
	require.NoError(t, err)
	set, err := Build(v1, store, log, change.WithSetLogger(quietLogger()))
	require.NoError(t, err)
	_, err = set.Execute(ctx, "*")
	require.NoError(t, err)

	v2, err := ParseYAML("s.yaml", []byte("id: s\nchanges: [{id: a, actions: [{op: hset, key: k, fields: {f: two}}]}]"))
	require.NoError(t, err)
	set, err = Build(v2, store, log, change.WithSetLogger(quietLogger()))
	require.NoError(t, err)
	_, err = set.Execute(ctx, "*")
	assert.True(t, change.IsModified(err))

	k, err := store.HGetAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "one", k["f"])
}

func outcomesOf(p *change.Phase) []change.Outcome {
	out := make([]change.Outcome, len(p.Results))
	for i, r := range p.Results {
		out[i] = r.Outcome
	}
	return out
}
