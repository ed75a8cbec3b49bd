package storage

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"key_gateway/internal/ledger"
)

// DefaultLedgerKey is the Redis hash holding the ledger.
const DefaultLedgerKey = "keygate:ledger"

// RedisStore persists the ledger as one Redis hash: field = credential,
// value = JSON record.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ ledger.Store = (*RedisStore)(nil)

// NewRedisStore creates a store writing to the hash named key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultLedgerKey
	}
	return &RedisStore{client: client, key: key}
}

// Load reads the whole hash. An absent hash is reported as not found.
func (s *RedisStore) Load(ctx context.Context) (map[string]ledger.Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "storage: hgetall %s", s.key)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	records := make(map[string]ledger.Record, len(fields))
	for cred, raw := range fields {
		var rec ledger.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, false, errors.Mark(errors.Wrapf(err, "storage: decode field of %s", s.key), ErrCorruptLedger)
		}
		records[cred] = rec
	}
	return records, true, nil
}

// Save replaces the hash in a single MULTI/EXEC transaction.
func (s *RedisStore) Save(ctx context.Context, records map[string]ledger.Record) error {
	values := make(map[string]interface{}, len(records))
	for cred, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return errors.WithStack(err)
		}
		values[cred] = string(raw)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.HSet(ctx, s.key, values)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "storage: replace %s", s.key)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
