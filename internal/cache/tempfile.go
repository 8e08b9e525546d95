package cache

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TempFileFactory hands out uniquely named staging files under the cache's
// tmp directory. Fetchers stream blob bytes into them before the cache
// persists them under the canonical blob path.
type TempFileFactory struct {
	dir string
}

// TempFile creates a new empty staging file.
func (f TempFileFactory) TempFile() (*TempFile, error) {
	path := filepath.Join(f.dir, uuid.NewString())
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create staging file")
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return nil, errors.Wrap(err, "create staging file")
	}
	return &TempFile{path: path}, nil
}

// AdoptTempFile wraps an externally materialised staging file (for example
// one written by the broker's push transfer) so the cache can persist or
// discard it like one of its own.
func AdoptTempFile(path string) *TempFile { return &TempFile{path: path} }

// TempFile is a staging file that removes itself unless persisted.
type TempFile struct {
	path     string
	consumed bool
}

// Path returns the on-disk location to write blob bytes into.
func (t *TempFile) Path() string { return t.path }

// Release removes the staging file if it was never persisted. Safe to call
// more than once.
func (t *TempFile) Release() {
	if t.consumed {
		return
	}
	t.consumed = true
	_ = os.Remove(t.path)
}

// persist renames the staging file to target and consumes it.
func (t *TempFile) persist(target string) error {
	if t.consumed {
		return errors.New("staging file already consumed")
	}
	if err := os.Rename(t.path, target); err != nil {
		return errors.Wrap(err, "persist staging file")
	}
	t.consumed = true
	return nil
}
