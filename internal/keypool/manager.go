// Package keypool hands out credentials from a shared pool while keeping
// each under its daily quota.
package keypool

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"key_gateway/internal/ledger"
	"key_gateway/internal/logging"
	"key_gateway/internal/metrics"
)

// Loader discovers credentials. *credentials.Loader implements it.
type Loader interface {
	LoadAll(ctx context.Context) []string
	Refresh(ctx context.Context, pool []string) ([]string, int)
}

// Manager owns the pool and the ledger. Every operation runs under one
// mutex, including ledger writes, so persisted snapshots are never
// interleaved.
type Manager struct {
	mu      sync.Mutex
	pool    []string
	members map[string]struct{}

	ledger  *ledger.Ledger
	loader  Loader
	logger  *zap.Logger
	metrics metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(mt metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New loads the pool from loader and the ledger from its store. An
// unreadable ledger is logged and the manager starts with empty counters.
func New(ctx context.Context, led *ledger.Ledger, loader Loader, opts ...Option) *Manager {
	m := &Manager{
		members: make(map[string]struct{}),
		ledger:  led,
		loader:  loader,
		logger:  zap.NewNop(),
		metrics: metrics.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := led.Load(ctx); err != nil {
		m.logger.Error("keypool: ledger unreadable, starting with empty usage", zap.Error(err))
	}

	m.setPool(loader.LoadAll(ctx))
	if len(m.pool) == 0 {
		m.logger.Warn("keypool: no credentials found in any source")
	} else {
		m.logger.Info("keypool: pool loaded",
			zap.Int("total", len(m.pool)),
			zap.Int("ledger_records", led.Len()),
		)
	}
	m.metrics.PoolSize(len(m.pool), 0)

	return m
}

// Acquire returns the eligible credential with the highest count, earliest
// in the pool on ties. When none is eligible the sources are refreshed once
// and selection retried once. Acquire never charges usage.
func (m *Manager) Acquire(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key, ok := m.selectLocked(ctx); ok {
		m.metrics.KeyAcquired()
		return key, nil
	}

	m.logger.Info("keypool: no eligible credential, refreshing sources", zap.Int("total", len(m.pool)))
	m.refreshLocked(ctx)

	if key, ok := m.selectLocked(ctx); ok {
		m.metrics.KeyAcquired()
		return key, nil
	}

	m.metrics.PoolExhausted()
	m.logger.Warn("keypool: pool exhausted", zap.Int("total", len(m.pool)))
	return "", &PoolExhaustedError{Total: len(m.pool)}
}

// RecordUse charges one confirmed use to key.
func (m *Manager) RecordUse(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.knownLocked(key) {
		m.logger.Warn("keypool: usage reported for unknown credential", logging.Key(key))
		return ErrUnknownCredential
	}

	m.checkPersist(m.ledger.RecordUse(ctx, key), key)
	m.metrics.UsageRecorded()
	return nil
}

// MarkInvalid excludes key from selection until Revalidate. Unknown
// credentials are ignored so garbage input cannot grow the ledger.
func (m *Manager) MarkInvalid(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.knownLocked(key) {
		m.logger.Warn("keypool: invalidation reported for unknown credential", logging.Key(key))
		return nil
	}

	m.checkPersist(m.ledger.MarkInvalid(ctx, key), key)
	m.metrics.KeyInvalidated()
	m.logger.Info("keypool: credential marked invalid", logging.Key(key))
	return nil
}

// Revalidate makes an invalidated credential selectable again.
func (m *Manager) Revalidate(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.knownLocked(key) {
		return ErrUnknownCredential
	}

	m.checkPersist(m.ledger.Revalidate(ctx, key), key)
	m.logger.Info("keypool: credential revalidated", logging.Key(key))
	return nil
}

// Refresh re-reads the sources and appends new credentials to the pool. It
// returns how many were added and the pool size right after the refresh.
func (m *Manager) Refresh(ctx context.Context) (added, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	added = m.refreshLocked(ctx)
	return added, len(m.pool)
}

// Pool returns a copy of the pool in selection order.
func (m *Manager) Pool() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.pool))
	copy(out, m.pool)
	return out
}

// Snapshot returns a copy of every ledger record, including those of
// credentials no longer in any source.
func (m *Manager) Snapshot() map[string]ledger.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ledger.Snapshot()
}

func (m *Manager) selectLocked(ctx context.Context) (string, bool) {
	quota := m.ledger.Quota()

	best, bestCount := "", int64(-1)
	eligible := 0
	for _, key := range m.pool {
		reset, err := m.ledger.RolloverIfDue(ctx, key)
		m.checkPersist(err, key)
		if reset {
			m.logger.Info("keypool: quota window rolled over", logging.Key(key))
		}

		rec := m.ledger.Get(key)
		if !rec.Valid || rec.Count >= quota {
			continue
		}
		eligible++
		if rec.Count > bestCount {
			best, bestCount = key, rec.Count
		}
	}

	m.metrics.PoolSize(len(m.pool), eligible)
	return best, bestCount >= 0
}

func (m *Manager) refreshLocked(ctx context.Context) int {
	pool, added := m.loader.Refresh(ctx, m.pool)
	if added > 0 {
		m.setPool(pool)
		m.metrics.KeysAdded(added)
	}
	return added
}

func (m *Manager) setPool(pool []string) {
	m.pool = pool
	for _, key := range pool {
		m.members[key] = struct{}{}
	}
}

func (m *Manager) knownLocked(key string) bool {
	if _, ok := m.members[key]; ok {
		return true
	}
	return m.ledger.Has(key)
}

// checkPersist logs a failed ledger write. The in-memory change stands.
func (m *Manager) checkPersist(err error, key string) {
	if err == nil {
		return
	}
	var persistErr *ledger.PersistError
	if errors.As(err, &persistErr) {
		m.metrics.PersistFailed()
	}
	m.logger.Warn("keypool: ledger write failed, continuing from memory",
		logging.Key(key),
		zap.Error(err),
	)
}
