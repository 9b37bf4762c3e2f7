// Package boltkv implements kv.Store on a bbolt database file.
//
// bbolt holds an exclusive file lock, so only one process can open a given
// file at a time; the version bucket still gives Watch its optimistic
// semantics against other goroutines sharing the Store.
package boltkv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/roach88/changecontrol/internal/kv"
)

var (
	hashBucket    = []byte("hash")
	counterBucket = []byte("counter")
	versionBucket = []byte("version")
)

// Store provides a bbolt-backed kv.Store.
type Store struct {
	db *bbolt.DB
}

var _ kv.Store = (*Store)(nil)

// Open opens a bbolt-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{hashBucket, counterBucket, versionBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out map[string]string
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = readHash(tx, key)
		return err
	})
	if err != nil {
		return nil, kv.Wrap("hgetall", key, err)
	}
	return out, nil
}

// HMGet implements kv.Store.
func (s *Store) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	all, err := s.HGetAll(ctx, key)
	if err != nil {
		return nil, err
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
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return writeHash(tx, key, values)
	})
	return kv.Wrap("hset", key, err)
}

// Del implements kv.Store.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		n, err = deleteKeys(tx, keys...)
		return err
	})
	if err != nil {
		return 0, kv.Wrap("del", "", err)
	}
	return n, nil
}

// Keys implements kv.Store.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	match, err := kv.CompileGlob(pattern)
	if err != nil {
		return nil, kv.Wrap("keys", pattern, err)
	}
	prefix := []byte(kv.LiteralPrefix(pattern))
	var keys []string
	err = s.db.View(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{hashBucket, counterBucket} {
			c := tx.Bucket(name).Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if match.Match(string(k)) {
					keys = append(keys, string(k))
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, kv.Wrap("keys", pattern, err)
	}
	return keys, nil
}

// Incr implements kv.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var value int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(hashBucket).Get([]byte(key)) != nil {
			return errors.New("key holds a hash, not a counter")
		}
		counters := tx.Bucket(counterBucket)
		current, err := parseInt(counters.Get([]byte(key)))
		if err != nil {
			return err
		}
		value = current + 1
		if err := counters.Put([]byte(key), []byte(strconv.FormatInt(value, 10))); err != nil {
			return err
		}
		return bumpVersion(tx, key)
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
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return apply(tx, ops)
	})
	return kv.Wrap("exec", "", err)
}

// Watch implements kv.Store.
func (s *Store) Watch(ctx context.Context, fn func(kv.Tx) error, keys ...string) error {
	seen := make(map[string]int64, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, k := range keys {
			v, err := version(tx, k)
			if err != nil {
				return err
			}
			seen[k] = v
		}
		return nil
	})
	if err != nil {
		return kv.Wrap("watch", "", err)
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
	if err := ctx.Err(); err != nil {
		return err
	}
	err := w.store.db.Update(func(tx *bbolt.Tx) error {
		for k, want := range w.seen {
			got, err := version(tx, k)
			if err != nil {
				return err
			}
			if got != want {
				return kv.ErrTxConflict
			}
		}
		if err := apply(tx, ops); err != nil {
			return err
		}
		for k := range w.seen {
			v, err := version(tx, k)
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

func readHash(tx *bbolt.Tx, key string) (map[string]string, error) {
	out := make(map[string]string)
	payload := tx.Bucket(hashBucket).Get([]byte(key))
	if payload == nil {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("unmarshal hash: %w", err)
	}
	return out, nil
}

func writeHash(tx *bbolt.Tx, key string, values map[string]string) error {
	if tx.Bucket(counterBucket).Get([]byte(key)) != nil {
		return errors.New("key holds a counter, not a hash")
	}
	current, err := readHash(tx, key)
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	payload, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal hash: %w", err)
	}
	if err := tx.Bucket(hashBucket).Put([]byte(key), payload); err != nil {
		return err
	}
	return bumpVersion(tx, key)
}

func deleteKeys(tx *bbolt.Tx, keys ...string) (int64, error) {
	hashes := tx.Bucket(hashBucket)
	counters := tx.Bucket(counterBucket)
	var n int64
	for _, key := range keys {
		k := []byte(key)
		if hashes.Get(k) == nil && counters.Get(k) == nil {
			continue
		}
		if err := hashes.Delete(k); err != nil {
			return 0, err
		}
		if err := counters.Delete(k); err != nil {
			return 0, err
		}
		if err := bumpVersion(tx, key); err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func apply(tx *bbolt.Tx, ops kv.Ops) error {
	for _, op := range ops {
		switch op.Kind {
		case kv.OpHSet:
			if err := writeHash(tx, op.Key, op.Values); err != nil {
				return err
			}
		case kv.OpDel:
			if _, err := deleteKeys(tx, op.Keys...); err != nil {
				return err
			}
		}
	}
	return nil
}

func bumpVersion(tx *bbolt.Tx, key string) error {
	v, err := version(tx, key)
	if err != nil {
		return err
	}
	return tx.Bucket(versionBucket).Put([]byte(key), []byte(strconv.FormatInt(v+1, 10)))
}

func version(tx *bbolt.Tx, key string) (int64, error) {
	return parseInt(tx.Bucket(versionBucket).Get([]byte(key)))
}

func parseInt(raw []byte) (int64, error) {
	if raw == nil {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse integer %q: %w", raw, err)
	}
	return v, nil
}
