package keypool

import (
	"time"

	"key_gateway/internal/logging"
)

// KeyStatus is the read-only view of one pooled credential.
type KeyStatus struct {
	Position   int        `json:"position"`
	Key        string     `json:"key"`
	Count      int64      `json:"count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Valid      bool       `json:"valid"`
	Exhausted  bool       `json:"exhausted"`
	ResetAt    *time.Time `json:"reset_at,omitempty"`
}

// Status summarizes the pool. Credentials are masked.
type Status struct {
	Quota    int64       `json:"quota"`
	Cooldown string      `json:"cooldown"`
	Total    int         `json:"total"`
	Eligible int         `json:"eligible"`
	Keys     []KeyStatus `json:"keys"`
}

// Status reports the pool without changing it: no records are created and
// no rollover is applied. A credential whose rollover is due counts as
// eligible, since the next Acquire would reset it.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	quota := m.ledger.Quota()
	st := Status{
		Quota:    quota,
		Cooldown: m.ledger.Cooldown().String(),
		Total:    len(m.pool),
		Keys:     make([]KeyStatus, 0, len(m.pool)),
	}

	for i, key := range m.pool {
		rec, _ := m.ledger.Peek(key)
		ks := KeyStatus{
			Position:  i,
			Key:       logging.MaskKey(key),
			Count:     rec.Count,
			Valid:     rec.Valid,
			Exhausted: rec.Count >= quota,
		}
		if !rec.LastUsedAt.IsZero() {
			used := rec.LastUsedAt
			ks.LastUsedAt = &used
		}
		if ks.Exhausted && !rec.LastUsedAt.IsZero() {
			reset := m.ledger.ResetAt(rec)
			ks.ResetAt = &reset
		}
		if rec.Valid && (!ks.Exhausted || m.ledger.RolloverDue(rec)) {
			st.Eligible++
		}
		st.Keys = append(st.Keys, ks)
	}
	return st
}
