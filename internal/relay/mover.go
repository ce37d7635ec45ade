package relay

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmarek/mixspool/internal/delivery"
	"github.com/jmarek/mixspool/internal/spool"
)

var bucketMoves = []byte("moves") // bucket name inside bbolt

// Mover journals cross-spool moves so that releasing a message from the mix
// pool into the outbound queue is exactly-once across crashes.
//
// The protocol for one move:
//
//  1. record src → dst in the journal (bbolt ACID commit)
//  2. commit the copy under dst in the outbound queue
//  3. remove src from the incoming spool
//  4. clear the journal entry
//
// A crash before step 2 leaves only a journal entry: the destination never
// became visible, so recovery drops the entry and the message is mixed again
// later. A crash after step 2 leaves a visible destination: recovery finishes
// the move by removing src. Either way the message exists exactly once.
//
// bbolt is used for the journal because it is pure Go, single-file, and its
// transactions survive crashes without any repair step.
type Mover struct {
	db *bbolt.DB
}

// OpenMover opens (or creates) the move journal at path.
func OpenMover(path string) (*Mover, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("mover: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMoves)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mover: init bucket: %w", err)
	}

	return &Mover{db: db}, nil
}

// Close closes the underlying journal database.
func (m *Mover) Close() error {
	return m.db.Close()
}

// Move transfers the message under handle from src into dst, journaling the
// destination handle before it becomes visible. Returns the handle the
// message now lives under in dst.
func (m *Mover) Move(src *spool.Spool, handle string, dst *delivery.Queue) (string, error) {
	data, err := src.Contents(handle)
	if err != nil {
		return "", fmt.Errorf("mover: read %q: %w", handle, err)
	}

	dstHandle, err := dst.PutEncoded(data, func(h string) error {
		return m.record(handle, h)
	})
	if err != nil {
		// The destination never committed; the journal entry (if written)
		// must not outlive this attempt or recovery would re-examine it.
		_ = m.clear(handle)
		return "", fmt.Errorf("mover: stage %q: %w", handle, err)
	}

	if err := src.Remove(handle); err != nil {
		return "", fmt.Errorf("mover: remove source %q: %w", handle, err)
	}
	if err := m.clear(handle); err != nil {
		return "", err
	}
	return dstHandle, nil
}

// Recover resolves journal entries left by a crash. Entries whose destination
// is visible in dst have their source removed; entries whose destination
// never committed are dropped so the source message stays eligible for a
// later mix round. Returns the number of moves that were completed.
func (m *Mover) Recover(src *spool.Spool, dst *delivery.Queue) (int, error) {
	type move struct{ src, dst string }
	var stale []move

	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMoves).ForEach(func(k, v []byte) error {
			stale = append(stale, move{src: string(k), dst: string(v)})
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("mover: scan journal: %w", err)
	}

	completed := 0
	for _, mv := range stale {
		if mv.dst != "" && dst.Spool().Contains(mv.dst) {
			if src.Contains(mv.src) {
				if err := src.Remove(mv.src); err != nil {
					return completed, fmt.Errorf("mover: finish move %q: %w", mv.src, err)
				}
			}
			completed++
		}
		if err := m.clear(mv.src); err != nil {
			return completed, err
		}
	}
	return completed, nil
}

// record journals that the message under src is about to commit under dst.
func (m *Mover) record(src, dst string) error {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMoves).Put([]byte(src), []byte(dst))
	})
	if err != nil {
		return fmt.Errorf("mover: journal %q: %w", src, err)
	}
	return nil
}

// clear removes the journal entry for src.
func (m *Mover) clear(src string) error {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMoves).Delete([]byte(src))
	})
	if err != nil {
		return fmt.Errorf("mover: clear %q: %w", src, err)
	}
	return nil
}
