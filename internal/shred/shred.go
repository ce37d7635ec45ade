// Package shred implements secure file erasure: overwrite with random bytes,
// flush, then unlink. Spool directories hold plaintext message fragments, so
// an ordinary unlink would leave recoverable bytes on disk.
//
// Erase is idempotent — a path that no longer exists is skipped silently,
// which makes it safe to hand the same batch to two overlapping cleanup
// passes.
package shred

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
)

// Eraser destroys the files at the given paths beyond recovery.
type Eraser interface {
	Erase(paths []string) error
}

// Shredder is the default Eraser. The zero value is not usable; call New.
type Shredder struct {
	passes int
}

// New returns a Shredder that overwrites each file the given number of times
// before unlinking it. passes < 1 is treated as 1.
func New(passes int) *Shredder {
	if passes < 1 {
		passes = 1
	}
	return &Shredder{passes: passes}
}

// Erase overwrites and unlinks every path in the batch. Missing files are
// skipped. The first error is remembered but the batch always runs to the
// end, so one unwritable file cannot shield the rest from erasure.
func (s *Shredder) Erase(paths []string) error {
	var firstErr error
	for _, p := range paths {
		if err := s.eraseOne(p); err != nil {
			slog.Warn("shred: erase failed", "path", p, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Shredder) eraseOne(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("shred: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("shred: stat %s: %w", path, err)
	}
	size := info.Size()

	for i := 0; i < s.passes; i++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			_ = f.Close()
			return fmt.Errorf("shred: seek %s: %w", path, err)
		}
		if _, err := io.CopyN(f, rand.Reader, size); err != nil {
			_ = f.Close()
			return fmt.Errorf("shred: overwrite %s: %w", path, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("shred: sync %s: %w", path, err)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("shred: close %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("shred: unlink %s: %w", path, err)
	}
	return nil
}
