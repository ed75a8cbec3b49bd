package storage

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"key_gateway/internal/ledger"
)

// FileStore persists the ledger as a single JSON document.
//
// Saves go to a temporary file in the same directory which is then renamed
// over the target, so readers never observe a partially written ledger.
// Save returns when its context ends even if the disk is stalled; the write
// carries on in the background and is installed only if no newer snapshot
// was installed meanwhile.
type FileStore struct {
	path string

	// write copies the encoded snapshot to the temp file. Replaced in tests.
	write func(w io.Writer, data []byte) error

	mu        sync.Mutex
	gen       uint64 // last generation handed out
	installed uint64 // generation currently at path
}

var _ ledger.Store = (*FileStore)(nil)

// NewFileStore creates a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, write: writeAll}
}

// Path returns the ledger file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the ledger file. A missing file is reported as not found.
func (s *FileStore) Load(ctx context.Context) (map[string]ledger.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	content, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "storage: read %s", s.path)
	}

	records := make(map[string]ledger.Record)
	if len(content) == 0 {
		return records, true, nil
	}
	if err := json.Unmarshal(content, &records); err != nil {
		return nil, false, errors.Mark(errors.Wrapf(err, "storage: decode %s", s.path), ErrCorruptLedger)
	}
	return records, true, nil
}

// Save writes records atomically. records must not be modified after the
// call, since a write outliving ctx still reads them.
func (s *FileStore) Save(ctx context.Context, records map[string]ledger.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.save(gen, records)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "storage: write %s", s.path)
	}
}

func (s *FileStore) save(gen uint64, records map[string]ledger.Record) error {
	content, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return errors.WithStack(err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "storage: create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.WithStack(err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once the rename succeeded
		_ = os.Remove(tmpName)
	}()

	if err := s.write(tmp, content); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "storage: write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return errors.WithStack(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen < s.installed {
		// A newer snapshot is already in place.
		return nil
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrapf(err, "storage: install %s", s.path)
	}
	s.installed = gen
	return nil
}

func writeAll(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}

// Close is a no-op; the file is not held open between calls.
func (s *FileStore) Close() error {
	return nil
}
