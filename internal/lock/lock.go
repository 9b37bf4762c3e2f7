// Package lock provides cross-process mutual exclusion on a kv.Store.
//
// A lock is a single hash record naming its owner (host:pid) and the time it
// was taken. Acquisition uses the store's optimistic transaction: watch the
// key, read the current owner, and write our own record only if nobody else
// holds it and the key was not touched in between. There is no retry; a lost
// race is reported as contention.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/roach88/changecontrol/internal/kv"
)

// Record field names. These match the layout existing change logs use.
const (
	fieldClient    = "client"
	fieldTimestamp = "timestamp"
)

// ErrContention matches any *ContentionError via errors.Is.
var ErrContention = errors.New("lock contention")

// ContentionError reports that the scope is held by a different owner.
type ContentionError struct {
	Key       string
	Owner     string
	Timestamp string
}

func (e *ContentionError) Error() string {
	owner, ts := e.Owner, e.Timestamp
	if owner == "" {
		owner = "unknown owner"
	}
	if ts == "" {
		ts = "unknown time"
	}
	return fmt.Sprintf("changelog was locked by %s on %s", owner, ts)
}

// Is lets errors.Is(err, ErrContention) match.
func (e *ContentionError) Is(target error) bool {
	return target == ErrContention
}

// Record is the persisted lock holder.
type Record struct {
	Owner     string
	Timestamp string
}

// Lock guards one scope key.
type Lock struct {
	store  kv.Store
	key    string
	owner  string
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	depth int // active Do calls
}

// Option configures a Lock.
type Option func(*Lock)

// WithOwner overrides the owner identity (default DefaultOwner()).
func WithOwner(owner string) Option {
	return func(l *Lock) { l.owner = owner }
}

// WithClock overrides the time source used for lock timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lock) { l.logger = logger }
}

// DefaultOwner identifies the current process as host:pid.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// New returns a lock on key.
func New(store kv.Store, key string, opts ...Option) *Lock {
	l := &Lock{
		store:  store,
		key:    key,
		owner:  DefaultOwner(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the store key holding the lock record.
func (l *Lock) Key() string { return l.key }

// Owner returns this lock's owner identity.
func (l *Lock) Owner() string { return l.owner }

// Acquire takes the lock. Re-acquiring a lock this owner already holds
// refreshes its timestamp and succeeds.
func (l *Lock) Acquire(ctx context.Context) error {
	err := l.store.Watch(ctx, func(tx kv.Tx) error {
		current, err := tx.HGetAll(ctx, l.key)
		if err != nil {
			return err
		}
		if len(current) > 0 && current[fieldClient] != l.owner {
			return &ContentionError{
				Key:       l.key,
				Owner:     current[fieldClient],
				Timestamp: current[fieldTimestamp],
			}
		}
		return tx.Pipelined(ctx, func(p kv.Pipe) error {
			p.HSet(l.key, map[string]string{
				fieldClient:    l.owner,
				fieldTimestamp: l.now().UTC().Format(time.RFC3339Nano),
			})
			return nil
		})
	}, l.key)

	if errors.Is(err, kv.ErrTxConflict) {
		// Another process wrote the key between our read and commit.
		contention := &ContentionError{Key: l.key}
		if holder, readErr := l.Holder(ctx); readErr == nil && holder != nil {
			contention.Owner = holder.Owner
			contention.Timestamp = holder.Timestamp
		}
		return contention
	}
	return err
}

// Release deletes the lock record. Without force the record is removed only
// if this owner still holds it; with force it is removed unconditionally.
func (l *Lock) Release(ctx context.Context, force bool) error {
	l.logger.Info("unlocking changelog", "key", l.key, "force", force)

	if force {
		_, err := l.store.Del(ctx, l.key)
		return err
	}

	err := l.store.Watch(ctx, func(tx kv.Tx) error {
		current, err := tx.HGetAll(ctx, l.key)
		if err != nil {
			return err
		}
		if len(current) == 0 || current[fieldClient] != l.owner {
			l.logger.Debug("lock not held by this owner, leaving it", "key", l.key, "holder", current[fieldClient])
			return nil
		}
		return tx.Pipelined(ctx, func(p kv.Pipe) error {
			p.Del(l.key)
			return nil
		})
	}, l.key)

	if errors.Is(err, kv.ErrTxConflict) {
		l.logger.Warn("lock changed while releasing, leaving it", "key", l.key)
		return nil
	}
	return err
}

// Do runs fn while holding the lock. The lock is released on every exit
// path, including a failed acquisition and a panic in fn. A nested Do by the
// same Lock runs fn directly and leaves the release to the outermost call.
//
// When both fn and the release fail, the release error is logged and joined
// after fn's error so errors.Is and errors.As still find the original.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	l.mu.Lock()
	nested := l.depth > 0
	l.depth++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.depth--
		l.mu.Unlock()
	}()
	if nested {
		return fn(ctx)
	}

	l.logger.Info("locking changelog", "key", l.key, "owner", l.owner)

	defer func() {
		releaseErr := l.Release(context.WithoutCancel(ctx), false)
		if releaseErr == nil {
			return
		}
		if err != nil {
			l.logger.Error("failed to release lock", "key", l.key, "error", releaseErr)
			err = errors.Join(err, releaseErr)
			return
		}
		err = releaseErr
	}()

	if err := l.Acquire(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// Holder returns the current lock record, or nil if the scope is free.
func (l *Lock) Holder(ctx context.Context) (*Record, error) {
	current, err := l.store.HGetAll(ctx, l.key)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return nil, nil
	}
	return &Record{Owner: current[fieldClient], Timestamp: current[fieldTimestamp]}, nil
}
