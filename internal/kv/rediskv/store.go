// Package rediskv implements kv.Store on Redis.
//
// Watch maps directly onto WATCH/MULTI/EXEC; a failed EXEC is reported as
// kv.ErrTxConflict.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/changecontrol/internal/kv"
)

// Store is a Redis-backed kv.Store.
type Store struct {
	client redis.UniversalClient
}

var _ kv.Store = (*Store)(nil)

// New wraps an existing client. Close closes the client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open connects to the Redis server described by a redis:// or rediss:// URL.
func Open(ctx context.Context, rawURL string) (*Store, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client), nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, kv.Wrap("hgetall", key, err)
	}
	if out == nil {
		out = make(map[string]string)
	}
	return out, nil
}

// HMGet implements kv.Store.
func (s *Store) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	values, err := s.client.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, kv.Wrap("hmget", key, err)
	}
	out := make(map[string]string, len(fields))
	for i, v := range values {
		if str, ok := v.(string); ok {
			out[fields[i]] = str
		}
	}
	return out, nil
}

// HSet implements kv.Store.
func (s *Store) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	return kv.Wrap("hset", key, s.client.HSet(ctx, key, pairs(values)...).Err())
}

// Del implements kv.Store.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, kv.Wrap("del", "", err)
	}
	return n, nil
}

// Keys implements kv.Store.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, kv.Wrap("keys", pattern, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Incr implements kv.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, kv.Wrap("incr", key, err)
	}
	return v, nil
}

// Pipelined implements kv.Store.
func (s *Store) Pipelined(ctx context.Context, fn func(kv.Pipe) error) error {
	var ops kv.Ops
	if err := fn(&ops); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queue(ctx, pipe, ops)
		return nil
	})
	return kv.Wrap("exec", "", err)
}

// Watch implements kv.Store.
func (s *Store) Watch(ctx context.Context, fn func(kv.Tx) error, keys ...string) error {
	var fnErr error
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		fnErr = fn(&watchTx{tx: tx})
		return fnErr
	}, keys...)
	switch {
	case err == nil:
		return nil
	case fnErr != nil && errors.Is(err, fnErr):
		return fnErr
	case errors.Is(err, redis.TxFailedErr):
		return kv.ErrTxConflict
	default:
		return kv.Wrap("watch", "", err)
	}
}

type watchTx struct {
	tx *redis.Tx
}

func (w *watchTx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out, err := w.tx.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, kv.Wrap("hgetall", key, err)
	}
	if out == nil {
		out = make(map[string]string)
	}
	return out, nil
}

func (w *watchTx) Pipelined(ctx context.Context, fn func(kv.Pipe) error) error {
	var ops kv.Ops
	if err := fn(&ops); err != nil {
		return err
	}
	_, err := w.tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queue(ctx, pipe, ops)
		return nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		return kv.ErrTxConflict
	}
	return kv.Wrap("exec", "", err)
}

func queue(ctx context.Context, pipe redis.Pipeliner, ops kv.Ops) {
	for _, op := range ops {
		switch op.Kind {
		case kv.OpHSet:
			if len(op.Values) > 0 {
				pipe.HSet(ctx, op.Key, pairs(op.Values)...)
			}
		case kv.OpDel:
			if len(op.Keys) > 0 {
				pipe.Del(ctx, op.Keys...)
			}
		}
	}
}

// pairs flattens a field map into HSET's field/value argument list.
func pairs(values map[string]string) []interface{} {
	fields := make([]string, 0, len(values))
	for f := range values {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	args := make([]interface{}, 0, 2*len(values))
	for _, f := range fields {
		args = append(args, f, values[f])
	}
	return args
}
