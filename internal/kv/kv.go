package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrTxConflict is returned by Watch when a watched key was mutated between
// the start of the watch and the commit of the queued writes.
var ErrTxConflict = errors.New("kv: transaction aborted: watched key changed")

// Store is the capability contract the change log and lock are built on.
//
// Values are organised as hashes (field -> value maps) plus plain counters.
// Every mutation of a key (HSet, Del, Incr, pipelined writes) counts as a
// mutation for the purposes of Watch.
type Store interface {
	// HGetAll returns every field of the hash at key.
	// A missing key yields an empty, non-nil map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HMGet returns the requested fields of the hash at key.
	// Fields that are not present are omitted from the result.
	HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error)

	// HSet writes the given fields into the hash at key, creating it if needed.
	HSet(ctx context.Context, key string, values map[string]string) error

	// Del removes the given keys and reports how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Keys lists keys matching a glob pattern (see Match).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Incr atomically increments the counter at key and returns the new value.
	// A missing counter starts at zero.
	Incr(ctx context.Context, key string) (int64, error)

	// Pipelined applies the writes queued by fn as one atomic batch.
	// Nothing is written if fn returns an error.
	Pipelined(ctx context.Context, fn func(Pipe) error) error

	// Watch runs fn under optimistic concurrency control on keys.
	// Writes queued through Tx.Pipelined commit only if none of the watched
	// keys changed since Watch began; otherwise ErrTxConflict is returned.
	Watch(ctx context.Context, fn func(Tx) error, keys ...string) error

	// Close releases the backend's resources.
	Close() error
}

// Pipe queues writes for an atomic batch.
type Pipe interface {
	HSet(key string, values map[string]string)
	Del(keys ...string)
}

// Tx is the view of the store available inside Watch.
type Tx interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Pipelined(ctx context.Context, fn func(Pipe) error) error
}

// StoreError wraps a failure reported by a backend.
// Store errors are never retried.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *StoreError for op on key.
// Nil errors and errors that are already store errors pass through unchanged.
func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// IsStoreError reports whether err came from a backend.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// Op is a single queued write. Backends without native batching record
// pipelined writes as a slice of Ops and apply them in order.
type Op struct {
	Kind   OpKind
	Key    string
	Keys   []string
	Values map[string]string
}

// OpKind identifies a queued write.
type OpKind int

const (
	// OpHSet writes hash fields.
	OpHSet OpKind = iota + 1
	// OpDel deletes keys.
	OpDel
)

// Ops records writes queued through a Pipe.
type Ops []Op

// HSet implements Pipe.
func (o *Ops) HSet(key string, values map[string]string) {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	*o = append(*o, Op{Kind: OpHSet, Key: key, Values: copied})
}

// Del implements Pipe.
func (o *Ops) Del(keys ...string) {
	*o = append(*o, Op{Kind: OpDel, Keys: append([]string(nil), keys...)})
}

// Touched returns every key the queued writes mutate, in queue order.
func (o Ops) Touched() []string {
	var keys []string
	for _, op := range o {
		switch op.Kind {
		case OpHSet:
			keys = append(keys, op.Key)
		case OpDel:
			keys = append(keys, op.Keys...)
		}
	}
	return keys
}
