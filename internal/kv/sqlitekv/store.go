// Package sqlitekv implements kv.Store on a SQLite database file.
//
// Hashes, counters and per-key mutation versions live in three tables (see
// schema.sql). Optimistic transactions compare the versions captured when a
// watch began against the versions inside an IMMEDIATE transaction, so two
// processes sharing the file serialise on SQLite's write lock.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for the write lock up to 5 seconds
package sqlitekv

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/changecontrol/internal/kv"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial hash/counter/version tables
const currentSchemaVersion = 1

// Store is a SQLite-backed kv.Store.
type Store struct {
	db *sql.DB
}

var _ kv.Store = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// _txlock=immediate makes every BeginTx take the write lock up front,
	// which the watch commit relies on.
	dsn := "file:" + path + "?" + url.Values{"_txlock": {"immediate"}}.Encode()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the schema version.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out, err := hgetall(ctx, s.db, key)
	return out, kv.Wrap("hgetall", key, err)
}

// HMGet implements kv.Store.
func (s *Store) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	all, err := hgetall(ctx, s.db, key)
	if err != nil {
		return nil, kv.Wrap("hmget", key, err)
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := all[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// HSet implements kv.Store.
func (s *Store) HSet(ctx context.Context, key string, values map[string]string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return hset(ctx, tx, key, values)
	})
	return kv.Wrap("hset", key, err)
}

// Del implements kv.Store.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = del(ctx, tx, keys...)
		return err
	})
	if err != nil {
		return 0, kv.Wrap("del", "", err)
	}
	return n, nil
}

// Keys implements kv.Store.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	match, err := kv.CompileGlob(pattern)
	if err != nil {
		return nil, kv.Wrap("keys", pattern, err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM (
			SELECT DISTINCT key FROM kv_hash
			UNION
			SELECT key FROM kv_counter
		)
		WHERE instr(key, ?) = 1
		ORDER BY key ASC
	`, kv.LiteralPrefix(pattern))
	if err != nil {
		return nil, kv.Wrap("keys", pattern, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, kv.Wrap("keys", pattern, err)
		}
		if match.Match(key) {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, kv.Wrap("keys", pattern, err)
	}
	return keys, nil
}

// Incr implements kv.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var isHash bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM kv_hash WHERE key = ?)`, key,
		).Scan(&isHash); err != nil {
			return err
		}
		if isHash {
			return errors.New("key holds a hash, not a counter")
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO kv_counter (key, value) VALUES (?, 1)
			ON CONFLICT(key) DO UPDATE SET value = value + 1
			RETURNING value
		`, key).Scan(&value); err != nil {
			return err
		}
		return bumpVersion(ctx, tx, key)
	})
	if err != nil {
		return 0, kv.Wrap("incr", key, err)
	}
	return value, nil
}

// Pipelined implements kv.Store.
func (s *Store) Pipelined(ctx context.Context, fn func(kv.Pipe) error) error {
	var ops kv.Ops
	if err := fn(&ops); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return apply(ctx, tx, ops)
	})
	return kv.Wrap("exec", "", err)
}

// Watch implements kv.Store.
func (s *Store) Watch(ctx context.Context, fn func(kv.Tx) error, keys ...string) error {
	seen := make(map[string]int64, len(keys))
	for _, k := range keys {
		v, err := version(ctx, s.db, k)
		if err != nil {
			return kv.Wrap("watch", k, err)
		}
		seen[k] = v
	}
	return fn(&watchTx{store: s, seen: seen})
}

type watchTx struct {
	store *Store
	seen  map[string]int64
}

func (w *watchTx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return w.store.HGetAll(ctx, key)
}

func (w *watchTx) Pipelined(ctx context.Context, fn func(kv.Pipe) error) error {
	var ops kv.Ops
	if err := fn(&ops); err != nil {
		return err
	}
	err := w.store.inTx(ctx, func(tx *sql.Tx) error {
		for k, want := range w.seen {
			got, err := version(ctx, tx, k)
			if err != nil {
				return err
			}
			if got != want {
				return kv.ErrTxConflict
			}
		}
		if err := apply(ctx, tx, ops); err != nil {
			return err
		}
		for k := range w.seen {
			v, err := version(ctx, tx, k)
			if err != nil {
				return err
			}
			w.seen[k] = v
		}
		return nil
	})
	if errors.Is(err, kv.ErrTxConflict) {
		return err
	}
	return kv.Wrap("exec", "", err)
}

// inTx runs fn in a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func hgetall(ctx context.Context, q queryer, key string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT field, value FROM kv_hash WHERE key = ?`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}

func hset(ctx context.Context, q queryer, key string, values map[string]string) error {
	for field, value := range values {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO kv_hash (key, field, value) VALUES (?, ?, ?)
			ON CONFLICT(key, field) DO UPDATE SET value = excluded.value
		`, key, field, value); err != nil {
			return err
		}
	}
	return bumpVersion(ctx, q, key)
}

func del(ctx context.Context, q queryer, keys ...string) (int64, error) {
	var n int64
	for _, key := range keys {
		var exists bool
		if err := q.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM kv_hash WHERE key = ?)
			    OR EXISTS(SELECT 1 FROM kv_counter WHERE key = ?)
		`, key, key).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			continue
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM kv_hash WHERE key = ?`, key); err != nil {
			return 0, err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM kv_counter WHERE key = ?`, key); err != nil {
			return 0, err
		}
		if err := bumpVersion(ctx, q, key); err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func apply(ctx context.Context, q queryer, ops kv.Ops) error {
	for _, op := range ops {
		switch op.Kind {
		case kv.OpHSet:
			if err := hset(ctx, q, op.Key, op.Values); err != nil {
				return err
			}
		case kv.OpDel:
			if _, err := del(ctx, q, op.Keys...); err != nil {
				return err
			}
		}
	}
	return nil
}

func bumpVersion(ctx context.Context, q queryer, key string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO kv_version (key, version) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET version = version + 1
	`, key)
	return err
}

func version(ctx context.Context, q queryer, key string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT version FROM kv_version WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}
