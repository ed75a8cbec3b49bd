package keypool

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrPoolExhausted matches every *PoolExhaustedError.
	ErrPoolExhausted = errors.New("keypool: all credentials exhausted or cooling down")

	// ErrUnknownCredential is returned for a credential that is neither
	// pooled nor recorded in the ledger.
	ErrUnknownCredential = errors.New("keypool: unknown credential")
)

// PoolExhaustedError reports that no credential was eligible even after a
// refresh of the sources.
type PoolExhaustedError struct {
	Total int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("keypool: all %d credentials exhausted or cooling down", e.Total)
}

func (e *PoolExhaustedError) Is(target error) bool {
	return target == ErrPoolExhausted
}
