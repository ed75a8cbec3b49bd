package credentials

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Loader gathers credentials from its sources in order.
type Loader struct {
	sources []Source
	logger  *zap.Logger
}

// NewLoader creates a loader. Earlier sources win when the same credential
// appears more than once.
func NewLoader(logger *zap.Logger, sources ...Source) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{sources: sources, logger: logger}
}

// LoadAll returns every credential currently visible, de-duplicated in
// first-seen order. A failing source is logged and skipped.
func (l *Loader) LoadAll(ctx context.Context) []string {
	var found []string
	for _, src := range l.sources {
		creds, err := src.Load(ctx)
		if err != nil {
			var srcErr *SourceError
			if !errors.As(err, &srcErr) {
				err = &SourceError{Source: src.Name(), Err: err}
			}
			l.logger.Warn("credentials: source failed",
				zap.String("source", src.Name()),
				zap.Error(err),
			)
			continue
		}
		found = append(found, creds...)
	}
	return Merge(nil, found)
}

// Refresh appends credentials not yet in pool and returns the grown pool
// with the number added. Existing entries keep their position.
func (l *Loader) Refresh(ctx context.Context, pool []string) ([]string, int) {
	merged := Merge(pool, l.LoadAll(ctx))
	added := len(merged) - len(pool)
	if added > 0 {
		l.logger.Info("credentials: new credentials loaded",
			zap.Int("added", added),
			zap.Int("total", len(merged)),
		)
	}
	return merged, added
}

// Merge appends the members of found missing from pool, in order, skipping
// duplicates. pool itself is not modified.
func Merge(pool, found []string) []string {
	seen := make(map[string]struct{}, len(pool)+len(found))
	out := make([]string, 0, len(pool)+len(found))
	for _, c := range pool {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, c := range found {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
