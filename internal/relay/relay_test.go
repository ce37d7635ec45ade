package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmarek/mixspool/internal/metrics"
	"github.com/jmarek/mixspool/internal/relay"
	"github.com/jmarek/mixspool/internal/spool"
)

// captureSender records every send and fails while failing is set.
type captureSender struct {
	mu      sync.Mutex
	sent    [][]byte
	failing bool
}

func (c *captureSender) Send(_ context.Context, _, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("link down")
	}
	c.sent = append(c.sent, append([]byte(nil), body...))
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *captureSender) setFailing(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = v
}

// testConfig keeps one message in the pool (the smallest allowed minimum)
// and releases everything above it each tick, so tests can reason about
// exact release counts.
func testConfig() relay.Config {
	cfg := relay.DefaultConfig()
	cfg.Spool = spool.DefaultConfig()
	cfg.MixInterval = 10 * time.Millisecond
	cfg.MinPool = 1
	cfg.MaxReplacementRate = 1.0
	cfg.CleanInterval = time.Hour
	cfg.SendRate = 1000
	cfg.SendBurst = 1000
	cfg.RetryDelays = []time.Duration{time.Hour}
	return cfg
}

func openRelay(t *testing.T, sender relay.Sender, cfg relay.Config) *relay.Relay {
	t.Helper()
	r, err := relay.Open(t.TempDir(), sender, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpen_NilSender(t *testing.T) {
	if _, err := relay.Open(t.TempDir(), nil); err == nil {
		t.Fatal("expected error for nil sender")
	}
}

func TestOpen_EmptyDataDir(t *testing.T) {
	if _, err := relay.Open("", &captureSender{}); err == nil {
		t.Fatal("expected error for empty dataDir")
	}
}

func TestEnqueue_LandsInIncomingPool(t *testing.T) {
	r := openRelay(t, &captureSender{}, testConfig())

	for i := 0; i < 3; i++ {
		if _, err := r.Enqueue([]byte("next-hop"), []byte("payload")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	n, err := r.Incoming().Spool().Count(false)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("incoming pool has %d messages, want 3", n)
	}
	if r.Outbound().Sendable() != 0 {
		t.Fatal("nothing should be sendable before a mixing tick")
	}
}

func TestMixOnce_ReleasesEverythingAboveMinimum(t *testing.T) {
	r := openRelay(t, &captureSender{}, testConfig())

	for i := 0; i < 4; i++ {
		if _, err := r.Enqueue([]byte("hop"), []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	released, err := r.MixOnce()
	if err != nil {
		t.Fatalf("MixOnce: %v", err)
	}
	if released != 3 {
		t.Fatalf("released %d, want 3", released)
	}

	n, _ := r.Incoming().Spool().Count(true)
	if n != 1 {
		t.Fatalf("incoming pool has %d messages, want the retained minimum of 1", n)
	}
	if got := r.Outbound().Sendable(); got != 3 {
		t.Fatalf("outbound sendable = %d, want 3", got)
	}
}

func TestMixOnce_RespectsMinimumPool(t *testing.T) {
	cfg := testConfig()
	cfg.MinPool = 5
	r := openRelay(t, &captureSender{}, cfg)

	for i := 0; i < 5; i++ {
		if _, err := r.Enqueue([]byte("hop"), []byte("m")); err != nil {
			t.Fatal(err)
		}
	}

	released, err := r.MixOnce()
	if err != nil {
		t.Fatalf("MixOnce: %v", err)
	}
	if released != 0 {
		t.Fatalf("released %d from a pool at the minimum, want 0", released)
	}
}

func TestSendPass_DeliversAndRemoves(t *testing.T) {
	sender := &captureSender{}
	r := openRelay(t, sender, testConfig())

	for i := 0; i < 2; i++ {
		if _, err := r.Enqueue([]byte("hop"), []byte("hello")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.MixOnce(); err != nil {
		t.Fatal(err)
	}

	if err := r.Outbound().SendReady(); err != nil {
		t.Fatalf("SendReady: %v", err)
	}

	if sender.count() != 1 {
		t.Fatalf("sender saw %d messages, want 1", sender.count())
	}
	if got := r.Outbound().Sendable(); got != 0 {
		t.Fatalf("outbound sendable = %d after delivery, want 0", got)
	}
	n, _ := r.Outbound().Spool().Count(true)
	if n != 0 {
		t.Fatalf("outbound spool still has %d messages", n)
	}
}

func TestSendPass_FailureRequeuesWithBackoff(t *testing.T) {
	sender := &captureSender{}
	sender.setFailing(true)
	r := openRelay(t, sender, testConfig())

	for i := 0; i < 2; i++ {
		if _, err := r.Enqueue([]byte("hop"), []byte("hello")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.MixOnce(); err != nil {
		t.Fatal(err)
	}
	if err := r.Outbound().SendReady(); err != nil {
		t.Fatalf("SendReady: %v", err)
	}

	// The failed message must be rescheduled into the future, not dropped.
	if got := r.Outbound().Sendable(); got != 1 {
		t.Fatalf("outbound sendable = %d after failure, want 1", got)
	}
	at, ok := r.Outbound().NextReady()
	if !ok {
		t.Fatal("expected a scheduled retry")
	}
	if !at.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("retry scheduled too soon: %v", at)
	}
}

func TestSendPass_ExhaustedRetriesDropsMessage(t *testing.T) {
	sender := &captureSender{}
	sender.setFailing(true)
	cfg := testConfig()
	cfg.RetryDelays = nil
	r := openRelay(t, sender, cfg)

	for i := 0; i < 2; i++ {
		if _, err := r.Enqueue([]byte("hop"), []byte("doomed")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.MixOnce(); err != nil {
		t.Fatal(err)
	}
	if err := r.Outbound().SendReady(); err != nil {
		t.Fatalf("SendReady: %v", err)
	}

	if got := r.Outbound().Sendable(); got != 0 {
		t.Fatalf("outbound sendable = %d after drop, want 0", got)
	}
	n, _ := r.Outbound().Spool().Count(true)
	if n != 0 {
		t.Fatalf("outbound spool still has %d messages after drop", n)
	}
}

func TestRelay_EndToEnd(t *testing.T) {
	sender := &captureSender{}
	r := openRelay(t, sender, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	for i := 0; i < 4; i++ {
		if _, err := r.Enqueue([]byte("hop"), []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	// Ticks keep the pool minimum back, so 3 of the 4 messages flow through.
	waitFor(t, "messages delivered", func() bool { return sender.count() == 3 })
}

func TestRelay_MetricsCounters(t *testing.T) {
	reg := &metrics.Registry{}
	sender := &captureSender{}
	cfg := testConfig()
	cfg.Metrics = reg
	r := openRelay(t, sender, cfg)

	for i := 0; i < 2; i++ {
		if _, err := r.Enqueue([]byte("hop"), []byte("m")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.MixOnce(); err != nil {
		t.Fatal(err)
	}
	if err := r.Outbound().SendReady(); err != nil {
		t.Fatal(err)
	}

	var queued, mixed, delivered int64
	reg.Queued.Each(func(_ string, v int64) { queued += v })
	reg.MixedOut.Each(func(_ string, v int64) { mixed += v })
	reg.Delivered.Each(func(_ string, v int64) { delivered += v })

	if queued != 2 || mixed != 1 || delivered != 1 {
		t.Fatalf("queued=%d mixed=%d delivered=%d, want 2/1/1", queued, mixed, delivered)
	}
}
