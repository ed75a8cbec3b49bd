package storage

import "github.com/cockroachdb/errors"

var (
	// ErrCorruptLedger is returned when persisted ledger data cannot be decoded
	ErrCorruptLedger = errors.New("storage: corrupt ledger data")

	// ErrBackendUnavailable is returned by BreakerStore while its breaker is open
	ErrBackendUnavailable = errors.New("storage: backend unavailable")
)
