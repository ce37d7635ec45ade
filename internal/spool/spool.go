// Package spool implements a crash-safe, directory-backed, unordered message
// store. It is the durable heart of the relay: every payload that arrives is
// held here between arrival and departure.
//
// A spool is a single directory. Each message is one file whose name encodes
// its lifecycle state:
//
//	inp_<handle>  an incomplete message still being written
//	msg_<handle>  a complete message waiting in the spool
//	rmv_<handle>  a logically deleted message awaiting secure erasure
//
// <handle> is a 12-character token drawn from [A-Za-z0-9+-], derived from
// 9 random bytes. At realistic spool sizes the collision probability is
// negligible; an actual collision surfaces as ErrHandleCollision because
// message files are created with O_EXCL.
//
// Every state change is a single atomic rename, so a crash at any point
// leaves each handle in exactly one state. Files are only ever unlinked by
// the secure-erase path driven from Clean — never by a plain delete — so
// deleted message bytes do not survive as recoverable fragments.
//
// One process owns a spool directory at a time. The only cross-process
// coordination is the .cleaning sentinel, which bounds concurrent cleanup
// passes. Within the owning process all methods are safe for concurrent use.
package spool

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmarek/mixspool/internal/csprng"
	"github.com/jmarek/mixspool/internal/shred"
)

// State tags used as filename prefixes.
const (
	tagInput   = "inp"
	tagMessage = "msg"
	tagRemoved = "rmv"
)

// HandleLen is the length of every message handle.
const HandleLen = 12

// handleRandLen is the number of random bytes a handle is derived from.
// 9 bytes base64-encode to exactly 12 characters with no padding.
const handleRandLen = 9

// sentinelName is the advisory cleanup lock file kept inside the spool
// directory. Its mtime is the start of the in-progress cleanup pass.
const sentinelName = ".cleaning"

var (
	// ErrHandleCollision is returned when a freshly generated handle is
	// already taken. Callers may simply retry; Put does so automatically.
	ErrHandleCollision = errors.New("spool: handle already in use")

	// ErrNotFound is returned when no complete message exists for a handle.
	ErrNotFound = errors.New("spool: no such message")
)

// Config holds tunable parameters for a single spool.
// All zero-values are valid; DefaultConfig() supplies production defaults.
type Config struct {
	// Create makes Open create the directory (mode 0700) when it is missing.
	Create bool

	// Scrub runs a cleanup pass as part of Open.
	Scrub bool

	// InputTimeout is how old an inp_* file must be before cleanup treats it
	// as trash left behind by a crashed writer.
	InputTimeout time.Duration

	// CleanTimeout is how old the .cleaning sentinel must be before a new
	// cleanup pass concludes the previous cleaner died and proceeds anyway.
	CleanTimeout time.Duration

	// Rand supplies handle bytes and sampling randomness. Nil selects a
	// fresh csprng.Generator.
	Rand csprng.Source

	// Eraser destroys rmv_* files during cleanup. Nil selects a single-pass
	// shred.Shredder.
	Eraser shred.Eraser
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		InputTimeout: 600 * time.Second,
		CleanTimeout: 60 * time.Second,
	}
}

// Spool is a directory-backed message store. See the package comment for the
// on-disk layout and state machine.
type Spool struct {
	dir    string
	rand   csprng.Source
	eraser shred.Eraser

	inputTimeout time.Duration
	cleanTimeout time.Duration

	mu      sync.Mutex
	entries int // count of msg_* files; -1 = unknown, recount on demand
}

// Open binds a Spool to dir. The directory must exist unless cfg.Create is
// set; a path that exists but is not a directory is a fatal configuration
// error. Group- or world-accessible permissions on the directory are logged
// as a warning, not treated as fatal.
func Open(dir string, cfgs ...Config) (*Spool, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		c := cfgs[0]
		cfg.Create = c.Create
		cfg.Scrub = c.Scrub
		if c.InputTimeout > 0 {
			cfg.InputTimeout = c.InputTimeout
		}
		if c.CleanTimeout > 0 {
			cfg.CleanTimeout = c.CleanTimeout
		}
		cfg.Rand = c.Rand
		cfg.Eraser = c.Eraser
	}

	if cfg.Rand == nil {
		g, err := csprng.New()
		if err != nil {
			return nil, fmt.Errorf("spool: init rng: %w", err)
		}
		cfg.Rand = g
	}
	if cfg.Eraser == nil {
		cfg.Eraser = shred.New(1)
	}

	if !filepath.IsAbs(dir) {
		slog.Warn("spool: path is not absolute", "dir", dir)
	}

	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("spool: %s is not a directory", dir)
	case errors.Is(err, fs.ErrNotExist):
		if !cfg.Create {
			return nil, fmt.Errorf("spool: no directory at %s", dir)
		}
		slog.Info("spool: creating directory", "dir", dir)
		if err := os.Mkdir(dir, 0o700); err != nil {
			return nil, fmt.Errorf("spool: create %s: %w", dir, err)
		}
	case err != nil:
		return nil, fmt.Errorf("spool: stat %s: %w", dir, err)
	}

	if info, err := os.Stat(dir); err == nil {
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			slog.Warn("spool: directory is group/world accessible",
				"dir", dir, "mode", fmt.Sprintf("%04o", mode))
		}
	}

	s := &Spool{
		dir:          dir,
		rand:         cfg.Rand,
		eraser:       cfg.Eraser,
		inputTimeout: cfg.InputTimeout,
		cleanTimeout: cfg.CleanTimeout,
		entries:      -1,
	}

	if cfg.Scrub {
		if _, err := s.Clean(); err != nil {
			return nil, fmt.Errorf("spool: scrub: %w", err)
		}
	}
	return s, nil
}

// Dir returns the directory this spool is bound to.
func (s *Spool) Dir() string { return s.dir }

// ─── Enumeration and counting ─────────────────────────────────────────────────

// Count returns the number of complete messages in the spool. The count is
// cached and maintained incrementally across state transitions; pass
// recount=true to force a directory scan.
func (s *Spool) Count(recount bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries >= 0 && !recount {
		return s.entries, nil
	}
	handles, err := s.handlesLocked()
	if err != nil {
		return 0, err
	}
	s.entries = len(handles)
	return s.entries, nil
}

// Handles returns the handles of all complete messages. The order is
// directory-enumeration order: not stable, not random — callers that need
// unpredictable order must use PickRandom.
func (s *Spool) Handles() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlesLocked()
}

func (s *Spool) handlesLocked() ([]string, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: read dir %s: %w", s.dir, err)
	}
	var handles []string
	for _, e := range ents {
		if h, ok := strings.CutPrefix(e.Name(), tagMessage+"_"); ok {
			handles = append(handles, h)
		}
	}
	return handles, nil
}

// PickRandom returns up to n handles, selected and ordered uniformly at
// random with no repeats. n < 0, or n larger than the population, returns
// every handle in a uniformly random order.
//
// The selection is a partial Fisher-Yates shuffle truncated at n, which makes
// every n-permutation of the population equiprobable. Predictable selection
// order would be a traffic-analysis side channel, so a weaker shuffle is not
// acceptable here.
func (s *Spool) PickRandom(n int) ([]string, error) {
	handles, err := s.Handles()
	if err != nil {
		return nil, err
	}

	pop := len(handles)
	if n < 0 || n > pop {
		n = pop
	}
	for i := 0; i < n; i++ {
		j := i + s.rand.Intn(pop-i)
		handles[i], handles[j] = handles[j], handles[i]
	}
	return handles[:n], nil
}

// ─── Reading ──────────────────────────────────────────────────────────────────

// Open returns a reader over the complete message identified by handle.
// The caller must close it.
func (s *Spool) Open(handle string) (io.ReadCloser, error) {
	if !validHandle(handle) {
		return nil, fmt.Errorf("spool: open %q: %w", handle, ErrNotFound)
	}
	f, err := os.Open(s.path(tagMessage, handle))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("spool: open %q: %w", handle, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("spool: open %q: %w", handle, err)
	}
	return f, nil
}

// Contents returns the full payload of the message identified by handle.
func (s *Spool) Contents(handle string) ([]byte, error) {
	f, err := s.Open(handle)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("spool: read %q: %w", handle, err)
	}
	return data, nil
}

// Contains reports whether a complete message exists for handle.
func (s *Spool) Contains(handle string) bool {
	if !validHandle(handle) {
		return false
	}
	_, err := os.Stat(s.path(tagMessage, handle))
	return err == nil
}

// ─── Removal and movement ─────────────────────────────────────────────────────

// Remove logically deletes the message identified by handle. The bytes stay
// on disk, renamed to rmv_<handle>, until the next cleanup pass erases them
// securely.
func (s *Spool) Remove(handle string) error {
	if !validHandle(handle) {
		return fmt.Errorf("spool: remove %q: %w", handle, ErrNotFound)
	}
	return s.changeState(handle, tagMessage, tagRemoved)
}

// RemoveAll logically deletes every complete and in-progress message, then
// triggers a cleanup pass to erase them.
func (s *Spool) RemoveAll() error {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("spool: read dir %s: %w", s.dir, err)
	}
	for _, e := range ents {
		name := e.Name()
		for _, tag := range []string{tagMessage, tagInput} {
			if h, ok := strings.CutPrefix(name, tag+"_"); ok {
				if err := s.changeState(h, tag, tagRemoved); err != nil {
					return err
				}
			}
		}
	}

	s.mu.Lock()
	s.entries = 0
	s.mu.Unlock()

	_, err = s.Clean()
	return err
}

// Move copies the message identified by handle into dst under a freshly
// generated handle, then removes the original. The message is re-queued
// rather than renamed across directories because handle uniqueness in dst
// must be guaranteed by dst's own generator.
//
// Move is not atomic across the two directories: a crash between the copy
// and the removal leaves the message in both spools (at-least-once). Callers
// needing exactly-once transfer should use relay.Mover, which journals the
// transfer through both phases.
func (s *Spool) Move(handle string, dst *Spool) (string, error) {
	data, err := s.Contents(handle)
	if err != nil {
		return "", err
	}
	newHandle, err := dst.Put(data)
	if err != nil {
		return "", err
	}
	if err := s.Remove(handle); err != nil {
		return "", err
	}
	return newHandle, nil
}

// ─── Cleanup ──────────────────────────────────────────────────────────────────

// Clean reclaims trash: inp_* files older than the input timeout are demoted
// to rmv_*, and every rmv_* file is handed to a background secure-erase
// batch. Clean returns started=false without doing anything when another
// cleanup pass holds a fresh sentinel; a sentinel older than the clean
// timeout is presumed abandoned and is taken over.
//
// Clean does not wait for erasure. The background batch removes the sentinel
// when it finishes, success or not, which is what allows the next pass to
// proceed before the timeout.
func (s *Spool) Clean() (started bool, err error) {
	sentinel := filepath.Join(s.dir, sentinelName)
	now := time.Now()

	if info, err := os.Stat(sentinel); err == nil {
		if now.Sub(info.ModTime()) < s.cleanTimeout {
			return false, nil
		}
		slog.Warn("spool: taking over stale cleanup sentinel",
			"dir", s.dir, "age", now.Sub(info.ModTime()))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("spool: stat sentinel: %w", err)
	}

	stamp := strconv.FormatInt(now.Unix(), 10) + "\n"
	if err := os.WriteFile(sentinel, []byte(stamp), 0o600); err != nil {
		return false, fmt.Errorf("spool: write sentinel: %w", err)
	}

	ents, err := os.ReadDir(s.dir)
	if err != nil {
		s.eraseInBackground(nil, sentinel)
		return true, fmt.Errorf("spool: read dir %s: %w", s.dir, err)
	}

	cutoff := now.Add(-s.inputTimeout)
	var doomed []string
	var demoteErr error
	for _, e := range ents {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, tagRemoved+"_"):
			doomed = append(doomed, filepath.Join(s.dir, name))

		case strings.HasPrefix(name, tagInput+"_"):
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			h := strings.TrimPrefix(name, tagInput+"_")
			if err := s.changeState(h, tagInput, tagRemoved); err != nil {
				// The writer may have finished or aborted while we looked.
				if demoteErr == nil && !errors.Is(err, fs.ErrNotExist) {
					demoteErr = err
				}
				continue
			}
			doomed = append(doomed, s.path(tagRemoved, h))
		}
	}

	s.eraseInBackground(doomed, sentinel)
	return true, demoteErr
}

// eraseInBackground dispatches a secure-erase batch on its own goroutine.
// The goroutine owns the sentinel: it is removed when the batch completes,
// whether or not erasure succeeded. Erase failures are logged and retried
// naturally by the next cleanup pass (erasing a missing file is a no-op).
func (s *Spool) eraseInBackground(paths []string, sentinel string) {
	go func() {
		if err := s.eraser.Erase(paths); err != nil {
			slog.Warn("spool: background erase incomplete", "dir", s.dir, "err", err)
		}
		if err := os.Remove(sentinel); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("spool: remove cleanup sentinel", "dir", s.dir, "err", err)
		}
	}()
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

func (s *Spool) path(tag, handle string) string {
	return filepath.Join(s.dir, tag+"_"+handle)
}

// changeState renames <from>_<handle> to <to>_<handle> and maintains the
// cached entry count. The rename is atomic, so a handle is never observable
// in two states. A failed rename changes nothing.
func (s *Spool) changeState(handle, from, to string) error {
	if err := os.Rename(s.path(from, handle), s.path(to, handle)); err != nil {
		if errors.Is(err, fs.ErrNotExist) && from == tagMessage {
			return fmt.Errorf("spool: %s %q: %w", from, handle, ErrNotFound)
		}
		return fmt.Errorf("spool: rename %s_%s to %s: %w", from, handle, to, err)
	}

	s.mu.Lock()
	if s.entries >= 0 {
		switch {
		case from == tagMessage && to != tagMessage:
			s.entries--
		case from != tagMessage && to == tagMessage:
			s.entries++
		}
	}
	s.mu.Unlock()
	return nil
}

// validHandle reports whether h looks like a handle this spool could have
// generated. It exists to keep attacker-controlled handles from naming paths
// outside the spool directory.
func validHandle(h string) bool {
	if len(h) != HandleLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		case c == '+' || c == '-':
		default:
			return false
		}
	}
	return true
}
