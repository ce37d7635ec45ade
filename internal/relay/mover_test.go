package relay

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmarek/mixspool/internal/delivery"
	"github.com/jmarek/mixspool/internal/record"
	"github.com/jmarek/mixspool/internal/spool"
)

func openFixtures(t *testing.T) (*spool.Spool, *delivery.Queue, *Mover) {
	t.Helper()

	src, err := spool.Open(filepath.Join(t.TempDir(), "in"), spool.Config{Create: true})
	if err != nil {
		t.Fatalf("open source spool: %v", err)
	}
	dst, err := delivery.Open(filepath.Join(t.TempDir(), "out"),
		delivery.DelivererFunc(func([]delivery.Item) {}))
	if err != nil {
		t.Fatalf("open outbound queue: %v", err)
	}
	m, err := OpenMover(filepath.Join(t.TempDir(), "moves.db"))
	if err != nil {
		t.Fatalf("open mover: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return src, dst, m
}

func encodedRecord(t *testing.T, body string) []byte {
	t.Helper()
	data, err := record.BinaryCodec{}.Encode(record.Record{
		Destination: []byte("next-hop"),
		Body:        []byte(body),
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestMove_TransfersMessage(t *testing.T) {
	src, dst, m := openFixtures(t)

	h, err := src.Put(encodedRecord(t, "payload"))
	if err != nil {
		t.Fatal(err)
	}

	dstHandle, err := m.Move(src, h, dst)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}

	if src.Contains(h) {
		t.Error("source still contains the moved message")
	}
	if !dst.Spool().Contains(dstHandle) {
		t.Error("destination does not contain the moved message")
	}
	if dst.Sendable() != 1 {
		t.Errorf("outbound sendable = %d, want 1", dst.Sendable())
	}

	// A completed move leaves no journal entry behind.
	n, err := m.Recover(src, dst)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 0 {
		t.Errorf("Recover completed %d moves on a clean journal", n)
	}
}

func TestMove_MissingSource(t *testing.T) {
	src, dst, m := openFixtures(t)

	if _, err := m.Move(src, "AAAAAAAAAAAA", dst); err == nil {
		t.Fatal("expected error moving a nonexistent message")
	}
}

func TestRecover_FinishesMoveWhenDestinationCommitted(t *testing.T) {
	src, dst, m := openFixtures(t)

	// Crash simulation: the destination committed and the journal entry is
	// still present, but the source was never removed.
	srcHandle, err := src.Put(encodedRecord(t, "dup"))
	if err != nil {
		t.Fatal(err)
	}
	dstHandle, err := dst.PutEncoded(encodedRecord(t, "dup"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.record(srcHandle, dstHandle); err != nil {
		t.Fatal(err)
	}

	completed, err := m.Recover(src, dst)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if completed != 1 {
		t.Fatalf("Recover completed %d moves, want 1", completed)
	}
	if src.Contains(srcHandle) {
		t.Error("source copy survived recovery; message now exists twice")
	}
	if !dst.Spool().Contains(dstHandle) {
		t.Error("destination copy missing after recovery")
	}
}

func TestRecover_DropsEntryWhenDestinationNeverCommitted(t *testing.T) {
	src, dst, m := openFixtures(t)

	// Crash simulation: the journal entry was written but the destination
	// write never committed. The source message must stay.
	srcHandle, err := src.Put(encodedRecord(t, "keep"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.record(srcHandle, "BBBBBBBBBBBB"); err != nil {
		t.Fatal(err)
	}

	completed, err := m.Recover(src, dst)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if completed != 0 {
		t.Fatalf("Recover completed %d moves, want 0", completed)
	}
	if !src.Contains(srcHandle) {
		t.Error("source message lost during recovery")
	}

	// The entry is cleared either way; a second pass finds nothing.
	if n, _ := m.Recover(src, dst); n != 0 {
		t.Errorf("second Recover completed %d moves, want 0", n)
	}
}

func TestPutEncoded_SchedulesFromRecordTime(t *testing.T) {
	_, dst, _ := openFixtures(t)

	future := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	data, err := record.BinaryCodec{}.Encode(record.Record{
		Retries:     1,
		NextAttempt: future,
		Destination: []byte("hop"),
		Body:        []byte("later"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := dst.PutEncoded(data, nil); err != nil {
		t.Fatalf("PutEncoded: %v", err)
	}

	at, ok := dst.NextReady()
	if !ok || !at.Equal(future) {
		t.Fatalf("NextReady = %v %v, want %v true", at, ok, future)
	}
}
