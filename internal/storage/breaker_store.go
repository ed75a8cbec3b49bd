package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"key_gateway/internal/ledger"
)

// Breaker defaults.
const (
	DefaultBreakerFailures = 3
	DefaultBreakerTimeout  = 30 * time.Second
)

// LedgerStore is a ledger.Store that owns a connection.
type LedgerStore interface {
	ledger.Store
	Close() error
}

// BreakerStore guards a remote store with a circuit breaker. While the
// breaker is open, saves fail at once with ErrBackendUnavailable instead of
// each waiting out the write timeout.
type BreakerStore struct {
	next LedgerStore
	cb   *gobreaker.CircuitBreaker[struct{}]
}

var _ LedgerStore = (*BreakerStore)(nil)

// NewBreakerStore wraps next. The breaker opens after failures consecutive
// failed saves and half-opens after timeout.
func NewBreakerStore(name string, next LedgerStore, failures uint32, timeout time.Duration, logger *zap.Logger) *BreakerStore {
	if failures == 0 {
		failures = DefaultBreakerFailures
	}
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage: breaker state changed",
				zap.String("store", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &BreakerStore{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[struct{}](st),
	}
}

// Load reads through the breaker so a dead backend at startup counts
// towards opening it.
func (s *BreakerStore) Load(ctx context.Context) (map[string]ledger.Record, bool, error) {
	type result struct {
		records map[string]ledger.Record
		found   bool
	}

	var res result
	_, err := s.cb.Execute(func() (struct{}, error) {
		records, found, err := s.next.Load(ctx)
		res = result{records: records, found: found}
		return struct{}{}, err
	})
	if err != nil {
		return nil, false, s.translate(err)
	}
	return res.records, res.found, nil
}

// Save writes through the breaker.
func (s *BreakerStore) Save(ctx context.Context, records map[string]ledger.Record) error {
	_, err := s.cb.Execute(func() (struct{}, error) {
		return struct{}{}, s.next.Save(ctx, records)
	})
	return s.translate(err)
}

// State reports the breaker state, for status output.
func (s *BreakerStore) State() string {
	return s.cb.State().String()
}

// Close closes the wrapped store.
func (s *BreakerStore) Close() error {
	return s.next.Close()
}

func (s *BreakerStore) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Mark(errors.Wrapf(err, "storage: %s", s.cb.Name()), ErrBackendUnavailable)
	}
	return err
}
