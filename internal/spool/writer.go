package spool

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// putRetries bounds how many fresh handles Put tries before giving up on
// what would have to be an astronomically unlucky run of collisions.
const putRetries = 3

// Writer is an in-progress message. The underlying inp_* file becomes a
// complete message only on Commit; until then a crash leaves trash that the
// next cleanup pass reclaims, never a half-visible message.
type Writer struct {
	s      *Spool
	handle string
	f      *os.File
	done   bool
}

// Create starts a new message and returns a Writer for its payload.
// The inp_* file is created with O_EXCL, so a handle collision fails loudly
// with ErrHandleCollision instead of clobbering another writer.
func (s *Spool) Create() (*Writer, error) {
	handle, err := s.newHandle()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.path(tagInput, handle), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("spool: create %q: %w", handle, ErrHandleCollision)
	}
	if err != nil {
		return nil, fmt.Errorf("spool: create %q: %w", handle, err)
	}
	return &Writer{s: s, handle: handle, f: f}, nil
}

// Handle returns the handle the message will have once committed.
func (w *Writer) Handle() string { return w.handle }

// Write appends payload bytes to the in-progress message.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("spool: write %q: writer already closed", w.handle)
	}
	return w.f.Write(p)
}

// Commit makes the message durable and visible: the payload is flushed and
// the file atomically renamed inp_* → msg_*. This is the only way a message
// becomes complete.
func (w *Writer) Commit() error {
	if err := w.close(); err != nil {
		return err
	}
	return w.s.changeState(w.handle, tagInput, tagMessage)
}

// Abort rejects the message. The partial payload is renamed inp_* → rmv_*
// so the next cleanup erases it securely rather than leaving plaintext
// fragments behind an ordinary unlink.
func (w *Writer) Abort() error {
	if err := w.close(); err != nil {
		return err
	}
	return w.s.changeState(w.handle, tagInput, tagRemoved)
}

func (w *Writer) close() error {
	if w.done {
		return fmt.Errorf("spool: %q: writer already closed", w.handle)
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("spool: sync %q: %w", w.handle, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("spool: close %q: %w", w.handle, err)
	}
	return nil
}

// Put stores contents as a complete message and returns its handle.
// Handle collisions are retried with a fresh handle a bounded number of
// times; any other error aborts the attempt.
func (s *Spool) Put(contents []byte) (string, error) {
	var lastErr error
	for i := 0; i < putRetries; i++ {
		w, err := s.Create()
		if errors.Is(err, ErrHandleCollision) {
			lastErr = err
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := w.Write(contents); err != nil {
			_ = w.Abort()
			return "", err
		}
		if err := w.Commit(); err != nil {
			return "", err
		}
		return w.Handle(), nil
	}
	return "", lastErr
}

// newHandle derives a fresh 12-character handle from 9 random bytes.
// Standard base64 yields [A-Za-z0-9+/]; '/' is replaced with '-' to keep the
// token filesystem-safe.
func (s *Spool) newHandle() (string, error) {
	var raw [handleRandLen]byte
	if err := s.rand.Bytes(raw[:]); err != nil {
		return "", fmt.Errorf("spool: generate handle: %w", err)
	}
	h := base64.StdEncoding.EncodeToString(raw[:])
	return strings.ReplaceAll(h, "/", "-"), nil
}
