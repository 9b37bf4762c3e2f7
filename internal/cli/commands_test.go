package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changecontrol/internal/changelog"
	"github.com/roach88/changecontrol/internal/kv/boltkv"
)

// cliEnv is an isolated store and definitions directory for one test.
type cliEnv struct {
	dir     string
	dbPath  string
	changes string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		dir:     dir,
		dbPath:  filepath.Join(dir, "cc.db"),
		changes: filepath.Join(dir, "changes"),
	}
	require.NoError(t, os.MkdirAll(env.changes, 0o755))
	for _, name := range []string{"01-release-1.0.yaml", "02-release-1.1.cue"} {
		data, err := os.ReadFile(filepath.Join("testdata", "changes", name))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(env.changes, name), data, 0o644))
	}
	return env
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	global := []string{
		"--config", filepath.Join(e.dir, "none.toml"),
		"--store", "bolt://" + e.dbPath,
		"--prefix", "test",
	}
	cmd.SetArgs(append(global, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *cliEnv) dumpIDs(t *testing.T) []string {
	t.Helper()
	out, err := e.run(t, "--format", "json", "dump")
	require.NoError(t, err)
	var entries []changelog.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return ids
}

func TestExecuteCommand(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "execute", "--dir", env.changes)
	require.NoError(t, err)
	assert.Equal(t, "Done\n", out)

	assert.Equal(t, []string{
		"release-1.0:init:foo:bar",
		"release-1.0:init:pirates",
		"release-1.1:init:pirates",
	}, env.dumpIDs(t))

	store, err := boltkv.Open(env.dbPath)
	require.NoError(t, err)
	pirates, err := store.HGetAll(context.Background(), "pirates")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.Equal(t, "Hispaniola", pirates["Long John Silver"])
	assert.Equal(t, "The Black Pearl", pirates["Captain Jack Sparrow"])

	// Re-running is a no-op.
	out, err = env.run(t, "execute", "--dir", env.changes)
	require.NoError(t, err)
	assert.Equal(t, "Done\n", out)
	assert.Len(t, env.dumpIDs(t), 3)
}

func TestExecuteCommand_Filter(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "execute", "--dir", env.changes, "--change", "*:init:pirates")
	require.NoError(t, err)
	assert.Equal(t, []string{"release-1.0:init:pirates", "release-1.1:init:pirates"}, env.dumpIDs(t))
}

func TestPretendAndSyncCommands(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "pretend", "--dir", env.changes)
	require.NoError(t, err)
	assert.Empty(t, env.dumpIDs(t))

	_, err = env.run(t, "sync", "--dir", env.changes, "-c", "release-1.0:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"release-1.0:init:foo:bar", "release-1.0:init:pirates"}, env.dumpIDs(t))

	store, err := boltkv.Open(env.dbPath)
	require.NoError(t, err)
	foo, err := store.HGetAll(context.Background(), "foo:bar")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.Empty(t, foo, "sync must not run actions")
}

func TestExecuteCommand_JSON(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "--format", "json", "execute", "--dir", env.changes)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	reports, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, reports, 2)
}

func TestExecuteCommand_Modified(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "execute", "--dir", env.changes)
	require.NoError(t, err)

	path := filepath.Join(env.changes, "01-release-1.0.yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(data), "value: a", "value: b", 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	_, err = env.run(t, "execute", "--dir", env.changes)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "release-1.0:init:foo:bar has been modified", err.Error())
}

func TestClearCommand(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "execute", "--dir", env.changes)
	require.NoError(t, err)

	out, err := env.run(t, "clear", "--change", "release-1.0:*")
	require.NoError(t, err)
	assert.Equal(t, "Done\n", out)
	assert.Equal(t, []string{"release-1.1:init:pirates"}, env.dumpIDs(t))

	out, err = env.run(t, "--format", "json", "clear")
	require.NoError(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, map[string]any{"cleared": float64(1)}, resp.Data)
}

func TestUnlockCommand(t *testing.T) {
	env := newCLIEnv(t)

	store, err := boltkv.Open(env.dbPath)
	require.NoError(t, err)
	require.NoError(t, store.HSet(context.Background(), "test:changelog:lock", map[string]string{
		"client":    "crashed-host:42",
		"timestamp": "2024-01-01T00:00:00Z",
	}))
	require.NoError(t, store.Close())

	_, err = env.run(t, "execute", "--dir", env.changes)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "changelog was locked by crashed-host:42 on 2024-01-01T00:00:00Z", err.Error())

	out, err := env.run(t, "unlock")
	require.NoError(t, err)
	assert.Equal(t, "Done\n", out)

	_, err = env.run(t, "execute", "--dir", env.changes)
	require.NoError(t, err)
}

func TestDumpCommand_CSV(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "execute", "--dir", env.changes, "-c", "release-1.1:*")
	require.NoError(t, err)

	out, err := env.run(t, "dump")
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, "", lines[0])
	assert.Equal(t, "sequence,id,checksum,user,timestamp", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "1,release-1.1:init:pirates,"), lines[2])
	assert.Equal(t, "", lines[3])
	assert.Equal(t, "Done", lines[4])
}

func TestDumpCommand_JSONFailure(t *testing.T) {
	env := newCLIEnv(t)

	store, err := boltkv.Open(env.dbPath)
	require.NoError(t, err)
	require.NoError(t, store.HSet(context.Background(), "test:changelog:change:broken", map[string]string{
		"id":       "broken",
		"sequence": "not-a-number",
	}))
	require.NoError(t, store.Close())

	out, err := env.run(t, "--format", "json", "dump")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeGeneric, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, `invalid sequence "not-a-number"`)
}

func TestCommandErrors(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "execute", "--dir", filepath.Join(env.dir, "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(env.dir, "none.toml"), "--store", "ftp://nope", "dump"})
	err = cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "unsupported scheme")

	_, err = env.run(t, "--prefix", "bad*", "dump")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, err := OpenStore(ctx, "memory://")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenStore(ctx, "sqlite://"+filepath.Join(t.TempDir(), "cc.sqlite"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenStore(ctx, "no-scheme")
	assert.ErrorContains(t, err, "missing scheme")
}
