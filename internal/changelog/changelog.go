// Package changelog is the persisted audit ledger of applied changes.
//
// Each applied change is one hash record under {prefix}:changelog:change:{id}
// carrying its checksum, the acting user, the time and a sequence number
// drawn from the {prefix}:changelog:sequence counter. Destructive operations
// run under the scope's lock.
package changelog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"sort"
	"time"

	"github.com/roach88/changecontrol/internal/kv"
	"github.com/roach88/changecontrol/internal/lock"
)

// ChangeLog reads and writes ledger entries for one prefix.
type ChangeLog struct {
	store    kv.Store
	keys     Keys
	renderer Renderer
	user     string
	now      func() time.Time
	owner    string
	logger   *slog.Logger
	lock     *lock.Lock
}

// Option configures a ChangeLog.
type Option func(*ChangeLog)

// WithPrefix scopes all keys under prefix.
func WithPrefix(prefix string) Option {
	return func(c *ChangeLog) { c.keys.Prefix = prefix }
}

// WithRenderer sets the sink used by Dump.
func WithRenderer(r Renderer) Option {
	return func(c *ChangeLog) { c.renderer = r }
}

// WithUser sets the acting user recorded in new entries.
func WithUser(name string) Option {
	return func(c *ChangeLog) { c.user = name }
}

// WithClock overrides the time source for entry and lock timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *ChangeLog) { c.now = now }
}

// WithOwner overrides the lock owner identity.
func WithOwner(owner string) Option {
	return func(c *ChangeLog) { c.owner = owner }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ChangeLog) { c.logger = logger }
}

// New returns a change log over store.
func New(store kv.Store, opts ...Option) *ChangeLog {
	c := &ChangeLog{
		store:    store,
		keys:     Keys{Prefix: DefaultPrefix},
		renderer: NewCSVRenderer(os.Stdout),
		user:     DefaultUser(),
		now:      time.Now,
		owner:    lock.DefaultOwner(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.keys.Prefix == "" {
		c.keys.Prefix = DefaultPrefix
	}
	c.lock = lock.New(store, c.keys.Lock(),
		lock.WithOwner(c.owner),
		lock.WithClock(c.now),
		lock.WithLogger(c.logger),
	)
	return c
}

// DefaultUser returns $USER, falling back to the OS account name.
func DefaultUser() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// Keys returns the key layout of this change log.
func (c *ChangeLog) Keys() Keys { return c.keys }

// Entry returns the ledger entry for id, or nil if the change was never
// applied.
func (c *ChangeLog) Entry(ctx context.Context, id string) (*Entry, error) {
	fields, err := c.store.HMGet(ctx, c.keys.Change(id),
		fieldID, fieldChecksum, fieldUser, fieldTimestamp, fieldSequence)
	if err != nil {
		return nil, err
	}
	if fields[fieldChecksum] == "" {
		return nil, nil
	}
	entry, err := parseEntry(id, fields)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Audit records id as applied with checksum. The sequence number is
// allocated atomically before the record is written.
func (c *ChangeLog) Audit(ctx context.Context, id, checksum string) (Entry, error) {
	seq, err := c.store.Incr(ctx, c.keys.Sequence())
	if err != nil {
		return Entry{}, fmt.Errorf("allocate sequence for %s: %w", id, err)
	}
	entry := Entry{
		ID:        id,
		Checksum:  checksum,
		User:      c.user,
		Timestamp: c.now().UTC().Truncate(time.Second),
		Sequence:  seq,
	}
	err = c.store.Pipelined(ctx, func(p kv.Pipe) error {
		p.HSet(c.keys.Change(id), entry.fields())
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("audit %s: %w", id, err)
	}
	c.logger.Debug("audited change", "id", id, "sequence", seq)
	return entry, nil
}

// Entries returns every ledger entry in ascending sequence order.
func (c *ChangeLog) Entries(ctx context.Context) ([]Entry, error) {
	keys, err := c.store.Keys(ctx, c.keys.Change("*"))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		id, ok := c.keys.ChangeID(key)
		if !ok {
			continue
		}
		fields, err := c.store.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		entry, err := parseEntry(id, fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Sequence != entries[j].Sequence {
			return entries[i].Sequence < entries[j].Sequence
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// Dump hands every entry, in sequence order, to the renderer.
func (c *ChangeLog) Dump(ctx context.Context) error {
	entries, err := c.Entries(ctx)
	if err != nil {
		return err
	}
	return c.renderer.Render(entries)
}

// Clear deletes, under the lock, every entry whose id matches the glob
// pattern and reports how many were removed. An empty pattern matches all.
func (c *ChangeLog) Clear(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	c.logger.Info("clearing changelog", "filter", pattern)

	var cleared int
	err := c.lock.Do(ctx, func(ctx context.Context) error {
		keys, err := c.store.Keys(ctx, c.keys.Change(pattern))
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		for _, key := range keys {
			id, _ := c.keys.ChangeID(key)
			c.logger.Info("clearing change", "id", id)
		}
		n, err := c.store.Del(ctx, keys...)
		if err != nil {
			return err
		}
		cleared = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cleared, nil
}

// Lock runs fn while holding the scope lock.
func (c *ChangeLog) Lock(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.lock.Do(ctx, fn)
}

// Unlock releases the scope lock. With force the record is removed whoever
// holds it.
func (c *ChangeLog) Unlock(ctx context.Context, force bool) error {
	return c.lock.Release(ctx, force)
}

// Holder returns the current lock record, or nil when the scope is free.
func (c *ChangeLog) Holder(ctx context.Context) (*lock.Record, error) {
	return c.lock.Holder(ctx)
}
