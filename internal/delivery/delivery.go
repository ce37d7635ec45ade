// Package delivery implements the outbound retry queue: a spool whose
// payloads are structured delivery records, plus an in-memory schedule of
// when each message next becomes sendable.
//
// The schedule is rebuilt from disk on startup, so a crash costs nothing but
// the in-flight bookkeeping: anything that was handed to the transport and
// never resolved is simply offered again. Delivery is at-least-once.
package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmarek/mixspool/internal/record"
	"github.com/jmarek/mixspool/internal/spool"
)

// Item is one message in a delivery batch.
type Item struct {
	Handle      string
	Destination []byte
	Body        []byte
	Retries     int
}

// Deliverer is the transport integration. Deliver is invoked with a whole
// batch — never per message — so an implementation can coalesce sends to the
// same destination. For every item it must eventually call exactly one of
// Queue.Succeeded or Queue.Failed; multiple batches may be outstanding at
// once. Deliver may block for as long as the transport needs.
type Deliverer interface {
	Deliver(batch []Item)
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(batch []Item)

func (f DelivererFunc) Deliver(batch []Item) { f(batch) }

// Config holds tunable parameters for a delivery queue.
type Config struct {
	// Spool configures the underlying directory store. Create and Scrub are
	// forced on: a delivery queue always owns its directory and starts with
	// a cleanup pass.
	Spool spool.Config

	// Codec encodes and decodes delivery records. Nil selects the binary
	// codec.
	Codec record.Codec
}

// entry is one scheduled message: the earliest send time and its handle.
// The zero time sorts first, which is exactly "sendable now".
type entry struct {
	at     time.Time
	handle string
}

// Queue is a retry-based delivery queue over a directory spool.
//
// All methods are safe for concurrent use; Succeeded and Failed are expected
// to arrive from transport goroutines while the scheduling loop keeps
// calling SendReady.
type Queue struct {
	spool     *spool.Spool
	codec     record.Codec
	deliverer Deliverer

	mu       sync.Mutex
	sendable []entry             // ascending by (at, handle)
	pending  map[string]struct{} // handles handed to the transport
}

// Open binds a delivery queue to dir, creating and scrubbing the directory,
// and rebuilds the send schedule from the messages already on disk.
func Open(dir string, d Deliverer, cfgs ...Config) (*Queue, error) {
	if d == nil {
		return nil, errors.New("delivery: nil Deliverer")
	}

	cfg := Config{}
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	if cfg.Codec == nil {
		cfg.Codec = record.BinaryCodec{}
	}
	cfg.Spool.Create = true
	cfg.Spool.Scrub = true

	sp, err := spool.Open(dir, cfg.Spool)
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}

	q := &Queue{
		spool:     sp,
		codec:     cfg.Codec,
		deliverer: d,
		pending:   make(map[string]struct{}),
	}
	if err := q.rescan(); err != nil {
		return nil, fmt.Errorf("delivery: rebuild schedule: %w", err)
	}
	return q, nil
}

// rescan rebuilds the sendable schedule from the spool. Messages whose
// records fail to decode are logged and left on disk, unscheduled, for
// manual recovery.
func (q *Queue) rescan() error {
	handles, err := q.spool.Handles()
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.sendable = q.sendable[:0]
	for _, h := range handles {
		r, err := q.readRecord(h)
		if err != nil {
			slog.Warn("delivery: skipping undecodable message", "handle", h, "err", err)
			continue
		}
		q.sendable = append(q.sendable, entry{at: r.NextAttempt, handle: h})
	}
	sort.Slice(q.sendable, func(i, j int) bool { return less(q.sendable[i], q.sendable[j]) })
	return nil
}

// Spool exposes the underlying spool so the owning driver can run cleanup
// passes against it.
func (q *Queue) Spool() *spool.Spool { return q.spool }

// Put schedules a message for delivery and returns its handle. retries is
// how many attempts have already been made; notBefore is the earliest send
// time, with the zero time meaning "sendable immediately".
func (q *Queue) Put(dest, body []byte, retries int, notBefore time.Time) (string, error) {
	data, err := q.codec.Encode(record.Record{
		Retries:     retries,
		NextAttempt: notBefore,
		Destination: dest,
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("delivery: encode record: %w", err)
	}

	handle, err := q.spool.Put(data)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	q.schedule(entry{at: notBefore, handle: handle})
	q.mu.Unlock()
	return handle, nil
}

// PutEncoded stores an already-encoded record and schedules it from the
// record's own NextAttempt. Before the message is committed, staged (if
// non-nil) is called with the handle the message will commit under; an error
// from staged aborts the write. This lets a caller journal a cross-spool move
// so that a crash between the commit here and the removal at the source can
// be resolved on restart.
func (q *Queue) PutEncoded(data []byte, staged func(handle string) error) (string, error) {
	r, err := q.codec.Decode(data)
	if err != nil {
		return "", fmt.Errorf("delivery: encoded record: %w", err)
	}

	var w *spool.Writer
	for attempt := 0; ; attempt++ {
		w, err = q.spool.Create()
		if err == nil {
			break
		}
		if errors.Is(err, spool.ErrHandleCollision) && attempt < 2 {
			continue
		}
		return "", err
	}
	if staged != nil {
		if err := staged(w.Handle()); err != nil {
			_ = w.Abort()
			return "", err
		}
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort()
		return "", err
	}
	if err := w.Commit(); err != nil {
		return "", err
	}

	q.mu.Lock()
	q.schedule(entry{at: r.NextAttempt, handle: w.Handle()})
	q.mu.Unlock()
	return w.Handle(), nil
}

// NextReady returns the earliest scheduled send time. ok is false when
// nothing is scheduled. A returned time at or before now means at least one
// message is sendable immediately.
func (q *Queue) NextReady() (at time.Time, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sendable) == 0 {
		return time.Time{}, false
	}
	return q.sendable[0].at, true
}

// Sendable returns the number of scheduled, not-in-flight messages.
func (q *Queue) Sendable() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sendable)
}

// Pending returns the number of messages currently with the transport.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// SendReady hands every due message to the Deliverer as a single batch and
// moves it from the schedule to the pending set. Messages whose records no
// longer decode are reported in the returned error but do not block the
// rest of the batch. A no-op when nothing is due.
//
// Deliver runs on the calling goroutine and may block; the queue is not
// locked while it runs.
func (q *Queue) SendReady() error {
	now := time.Now()

	q.mu.Lock()
	idx := sort.Search(len(q.sendable), func(i int) bool {
		return q.sendable[i].at.After(now)
	})
	due := make([]entry, idx)
	copy(due, q.sendable)
	q.sendable = q.sendable[idx:]
	for _, e := range due {
		q.pending[e.handle] = struct{}{}
	}
	q.mu.Unlock()

	var errs []error
	batch := make([]Item, 0, len(due))
	for _, e := range due {
		r, err := q.readRecord(e.handle)
		if err != nil {
			// Keep the message on disk for manual recovery; it is no longer
			// scheduled or pending.
			q.mu.Lock()
			delete(q.pending, e.handle)
			q.mu.Unlock()
			errs = append(errs, err)
			continue
		}
		batch = append(batch, Item{
			Handle:      e.handle,
			Destination: r.Destination,
			Body:        r.Body,
			Retries:     r.Retries,
		})
	}

	if len(batch) > 0 {
		q.deliverer.Deliver(batch)
	}
	return errors.Join(errs...)
}

// Succeeded resolves an in-flight delivery: the handle leaves the pending
// set and the underlying message is removed for secure erasure.
func (q *Queue) Succeeded(handle string) error {
	q.mu.Lock()
	delete(q.pending, handle)
	q.mu.Unlock()
	return q.spool.Remove(handle)
}

// Failed resolves an in-flight delivery that did not complete. A non-zero
// retryAt re-queues the message with an incremented retry count; the
// successor is written before the original is removed, so a crash in
// between leaves the original rather than nothing. A zero retryAt gives the
// message up permanently.
func (q *Queue) Failed(handle string, retryAt time.Time) error {
	q.mu.Lock()
	delete(q.pending, handle)
	q.mu.Unlock()

	if !retryAt.IsZero() {
		r, err := q.readRecord(handle)
		if err != nil {
			// Leave the original in place for manual recovery.
			return err
		}
		if _, err := q.Put(r.Destination, r.Body, r.Retries+1, retryAt); err != nil {
			return fmt.Errorf("delivery: requeue %q: %w", handle, err)
		}
	}
	return q.spool.Remove(handle)
}

// readRecord loads and decodes the record stored under handle.
func (q *Queue) readRecord(handle string) (record.Record, error) {
	data, err := q.spool.Contents(handle)
	if err != nil {
		return record.Record{}, err
	}
	r, err := q.codec.Decode(data)
	if err != nil {
		return record.Record{}, fmt.Errorf("delivery: record %q: %w", handle, err)
	}
	return r, nil
}

// schedule inserts e into the sendable list. Immediately sendable entries
// (zero time) go to the front — no ordering is needed among "now" entries —
// and future-dated entries land at their sorted position. Callers hold q.mu.
func (q *Queue) schedule(e entry) {
	if e.at.IsZero() {
		q.sendable = append([]entry{e}, q.sendable...)
		return
	}
	i := sort.Search(len(q.sendable), func(i int) bool { return less(e, q.sendable[i]) })
	q.sendable = append(q.sendable, entry{})
	copy(q.sendable[i+1:], q.sendable[i:])
	q.sendable[i] = e
}

// less orders entries by (at, handle); the zero time sorts before any real
// timestamp, so the "sendable now" block stays at the front.
func less(a, b entry) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.handle < b.handle
}
