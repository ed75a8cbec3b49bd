// Package ledger keeps the per-credential usage counters that back quota
// decisions and writes them through to a Store after every change.
package ledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	// DefaultCooldown is how long an exhausted credential must sit unused
	// before its count is reset.
	DefaultCooldown = 24 * time.Hour

	// DefaultWriteTimeout bounds a single Store.Save call.
	DefaultWriteTimeout = 5 * time.Second
)

// Store persists complete ledger snapshots.
type Store interface {
	// Load returns the persisted snapshot. found is false when nothing has
	// been persisted yet.
	Load(ctx context.Context) (records map[string]Record, found bool, err error)

	// Save replaces the persisted snapshot with records.
	Save(ctx context.Context, records map[string]Record) error
}

// PersistError reports that a mutation was applied in memory but could not
// be written to the Store.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return "ledger: persist: " + e.Err.Error()
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Ledger maps credentials to usage records.
//
// A Ledger is not safe for concurrent use. keypool.Manager owns the ledger
// and serializes every call under its own lock.
type Ledger struct {
	records      map[string]*Record
	store        Store
	quota        int64
	cooldown     time.Duration
	writeTimeout time.Duration
	now          func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCooldown sets the rollover cooldown.
func WithCooldown(d time.Duration) Option {
	return func(l *Ledger) { l.cooldown = d }
}

// WithWriteTimeout sets the timeout applied to each Store.Save.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.writeTimeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger enforcing quota requests per window.
func New(store Store, quota int64, opts ...Option) *Ledger {
	l := &Ledger{
		records:      make(map[string]*Record),
		store:        store,
		quota:        quota,
		cooldown:     DefaultCooldown,
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load replaces the in-memory state with the persisted snapshot. On error
// the ledger is left empty and the next successful save overwrites whatever
// the store holds.
func (l *Ledger) Load(ctx context.Context) error {
	records, found, err := l.store.Load(ctx)
	if err != nil {
		l.records = make(map[string]*Record)
		return errors.Wrap(err, "ledger: load")
	}

	l.records = make(map[string]*Record, len(records))
	if !found {
		return nil
	}
	for key, rec := range records {
		l.records[key] = &rec
	}
	return nil
}

// Quota returns the per-window request limit.
func (l *Ledger) Quota() int64 {
	return l.quota
}

// Cooldown returns the rollover cooldown.
func (l *Ledger) Cooldown() time.Duration {
	return l.cooldown
}

// Len returns the number of records, including ones for credentials that
// are no longer in any source.
func (l *Ledger) Len() int {
	return len(l.records)
}

// Has reports whether key has a record.
func (l *Ledger) Has(key string) bool {
	_, ok := l.records[key]
	return ok
}

// Peek returns the record for key without creating it.
func (l *Ledger) Peek(key string) (Record, bool) {
	rec, ok := l.records[key]
	if !ok {
		return NewRecord(), false
	}
	return *rec, true
}

// Get returns the record for key, creating a default one on first sight.
// Creation is not written on its own: a default record is indistinguishable
// from an absent one and goes out with the next mutation.
func (l *Ledger) Get(key string) Record {
	return *l.ensure(key)
}

// RecordUse charges one request to key.
func (l *Ledger) RecordUse(ctx context.Context, key string) error {
	rec := l.ensure(key)
	rec.Count++
	rec.LastUsedAt = l.now()
	return l.persist(ctx)
}

// MarkInvalid excludes key from selection until Revalidate is called.
func (l *Ledger) MarkInvalid(ctx context.Context, key string) error {
	rec := l.ensure(key)
	if !rec.Valid {
		return nil
	}
	rec.Valid = false
	return l.persist(ctx)
}

// Revalidate makes an invalidated key selectable again. Its count and last
// use are kept.
func (l *Ledger) Revalidate(ctx context.Context, key string) error {
	rec := l.ensure(key)
	if rec.Valid {
		return nil
	}
	rec.Valid = true
	return l.persist(ctx)
}

// RolloverIfDue resets the count of an exhausted key whose last use is more
// than the cooldown in the past. It reports whether a reset happened.
func (l *Ledger) RolloverIfDue(ctx context.Context, key string) (bool, error) {
	rec := l.ensure(key)
	if !l.RolloverDue(*rec) {
		return false, nil
	}
	rec.Count = 0
	return true, l.persist(ctx)
}

// RolloverDue reports whether rec is exhausted and its cooldown has passed.
func (l *Ledger) RolloverDue(rec Record) bool {
	return rec.Count >= l.quota && l.now().Sub(rec.LastUsedAt) > l.cooldown
}

// ResetAt returns the instant after which an exhausted rec may roll over.
func (l *Ledger) ResetAt(rec Record) time.Time {
	return rec.LastUsedAt.Add(l.cooldown)
}

// Snapshot returns a copy of every record.
func (l *Ledger) Snapshot() map[string]Record {
	out := make(map[string]Record, len(l.records))
	for key, rec := range l.records {
		out[key] = *rec
	}
	return out
}

func (l *Ledger) ensure(key string) *Record {
	rec, ok := l.records[key]
	if !ok {
		r := NewRecord()
		rec = &r
		l.records[key] = rec
	}
	return rec
}

func (l *Ledger) persist(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()

	if err := l.store.Save(ctx, l.Snapshot()); err != nil {
		return &PersistError{Err: err}
	}
	return nil
}
