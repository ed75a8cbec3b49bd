package jobs

import (
	"context"

	"go.uber.org/zap"

	"key_gateway/internal/ledger"
)

// Refresher re-reads credential sources.
type Refresher interface {
	Refresh(ctx context.Context) (added, total int)
}

// SnapshotSource yields a copy of the ledger.
type SnapshotSource interface {
	Snapshot() map[string]ledger.Record
}

// Archiver stores a ledger snapshot and returns where it went.
type Archiver interface {
	WriteSnapshot(ctx context.Context, records map[string]ledger.Record) (string, error)
}

// RefreshJob picks up credentials added to the sources since the last run.
func RefreshJob(r Refresher, logger *zap.Logger) Func {
	return func(ctx context.Context) error {
		if added, total := r.Refresh(ctx); added > 0 {
			logger.Info("jobs: refresh added credentials", zap.Int("added", added), zap.Int("total", total))
		}
		return nil
	}
}

// BackupJob archives the current ledger.
func BackupJob(src SnapshotSource, archiver Archiver, logger *zap.Logger) Func {
	return func(ctx context.Context) error {
		records := src.Snapshot()
		location, err := archiver.WriteSnapshot(ctx, records)
		if err != nil {
			return err
		}
		logger.Info("jobs: ledger snapshot archived",
			zap.String("location", location),
			zap.Int("records", len(records)),
		)
		return nil
	}
}
