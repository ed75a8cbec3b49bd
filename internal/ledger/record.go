package ledger

import (
	"encoding/json"
	"math"
	"time"
)

// Record is the usage state of a single credential.
type Record struct {
	Count      int64
	LastUsedAt time.Time
	Valid      bool
}

// NewRecord returns the state of a credential that has never been used.
func NewRecord() Record {
	return Record{Valid: true}
}

// recordJSON is the persisted shape of a Record. last_used_time is epoch
// seconds with a fractional part; invalid is omitted for valid records so
// ledgers written before validity tracking load unchanged.
type recordJSON struct {
	Count        int64   `json:"count"`
	LastUsedTime float64 `json:"last_used_time"`
	Invalid      bool    `json:"invalid,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Count:        r.Count,
		LastUsedTime: EpochSeconds(r.LastUsedAt),
		Invalid:      !r.Valid,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Count < 0 {
		raw.Count = 0
	}
	r.Count = raw.Count
	r.LastUsedAt = FromEpochSeconds(raw.LastUsedTime)
	r.Valid = !raw.Invalid
	return nil
}

// EpochSeconds converts t to fractional Unix seconds. The zero time maps to 0.
func EpochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// FromEpochSeconds is the inverse of EpochSeconds.
func FromEpochSeconds(s float64) time.Time {
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}
