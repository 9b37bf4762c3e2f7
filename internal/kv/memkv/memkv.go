// Package memkv provides an in-process kv.Store.
//
// It implements the full store contract, including optimistic transactions,
// by keeping a version counter per key. It is used by tests and by the
// "memory://" DSN for dry runs that must not touch a real store.
package memkv

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/roach88/changecontrol/internal/kv"
)

var errClosed = errors.New("memkv: store is closed")

// Store is an in-memory kv.Store. The zero value is not usable; call New.
type Store struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	counters map[string]int64
	versions map[string]uint64
	closed   bool
}

var _ kv.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		hashes:   make(map[string]map[string]string),
		counters: make(map[string]int64),
		versions: make(map[string]uint64),
	}
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.Wrap("hgetall", key, errClosed)
	}
	return s.copyHash(key), nil
}

// HMGet implements kv.Store.
func (s *Store) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.Wrap("hmget", key, errClosed)
	}
	out := make(map[string]string, len(fields))
	h := s.hashes[key]
	for _, f := range fields {
		if v, ok := h[f]; ok {
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.Wrap("hset", key, errClosed)
	}
	s.hset(key, values)
	return nil
}

// Del implements kv.Store.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, kv.Wrap("del", "", errClosed)
	}
	return s.del(keys...), nil
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.Wrap("keys", pattern, errClosed)
	}
	var keys []string
	for k := range s.hashes {
		if match.Match(k) {
			keys = append(keys, k)
		}
	}
	for k := range s.counters {
		if match.Match(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Incr implements kv.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, kv.Wrap("incr", key, errClosed)
	}
	if _, isHash := s.hashes[key]; isHash {
		return 0, kv.Wrap("incr", key, errors.New("key holds a hash, not a counter"))
	}
	s.counters[key]++
	s.versions[key]++
	return s.counters[key], nil
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.Wrap("exec", "", errClosed)
	}
	s.apply(ops)
	return nil
}

// Watch implements kv.Store.
func (s *Store) Watch(ctx context.Context, fn func(kv.Tx) error, keys ...string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return kv.Wrap("watch", "", errClosed)
	}
	seen := make(map[string]uint64, len(keys))
	for _, k := range keys {
		seen[k] = s.versions[k]
	}
	s.mu.Unlock()

	return fn(&tx{store: s, seen: seen})
}

// Close implements kv.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Version returns the mutation counter of key. Exposed for tests.
func (s *Store) Version(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[key]
}

type tx struct {
	store *Store
	seen  map[string]uint64
}

func (t *tx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return t.store.HGetAll(ctx, key)
}

func (t *tx) Pipelined(ctx context.Context, fn func(kv.Pipe) error) error {
	var ops kv.Ops
	if err := fn(&ops); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.Wrap("exec", "", errClosed)
	}
	for k, v := range t.seen {
		if s.versions[k] != v {
			return kv.ErrTxConflict
		}
	}
	s.apply(ops)
	// Further writes in the same Watch see their own commit as the baseline.
	for k := range t.seen {
		t.seen[k] = s.versions[k]
	}
	return nil
}

// Callers must hold s.mu for the helpers below.

func (s *Store) copyHash(key string) map[string]string {
	h := s.hashes[key]
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (s *Store) hset(key string, values map[string]string) {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(values))
		s.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v
	}
	s.versions[key]++
}

func (s *Store) del(keys ...string) int64 {
	var n int64
	for _, k := range keys {
		_, isHash := s.hashes[k]
		_, isCounter := s.counters[k]
		if isHash || isCounter {
			n++
			delete(s.hashes, k)
			delete(s.counters, k)
			s.versions[k]++
		}
	}
	return n
}

func (s *Store) apply(ops kv.Ops) {
	for _, op := range ops {
		switch op.Kind {
		case kv.OpHSet:
			s.hset(op.Key, op.Values)
		case kv.OpDel:
			s.del(op.Keys...)
		}
	}
}
