// Package relay wires the spools into a running mix node: an incoming pool
// that accumulates messages, a timed mixing loop that releases a random
// subset of the pool into the outbound queue, and a send loop that drains the
// outbound queue through a rate-limited transport with retry backoff.
//
// The relay owns a data directory laid out as:
//
//	<dataDir>/incoming/   mix pool spool
//	<dataDir>/outbound/   delivery queue spool
//	<dataDir>/moves.db    journal for pool → outbound moves
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmarek/mixspool/internal/delivery"
	"github.com/jmarek/mixspool/internal/metrics"
	"github.com/jmarek/mixspool/internal/mix"
	"github.com/jmarek/mixspool/internal/record"
	"github.com/jmarek/mixspool/internal/shred"
	"github.com/jmarek/mixspool/internal/spool"
)

// Sender is the outbound transport. Send blocks until the message is
// delivered to the next hop or the attempt fails; the relay handles retries.
type Sender interface {
	Send(ctx context.Context, destination, body []byte) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, destination, body []byte) error

func (f SenderFunc) Send(ctx context.Context, destination, body []byte) error {
	return f(ctx, destination, body)
}

// Config holds tunable parameters for a relay.
type Config struct {
	// Spool is the base tuning shared by both spools (timeouts, eraser,
	// random source). Create and Scrub are managed by the relay.
	Spool spool.Config

	// Codec encodes and decodes delivery records. Nil selects the binary
	// codec.
	Codec record.Codec

	// MixInterval is the mixing tick period.
	MixInterval time.Duration
	// MinPool and MaxReplacementRate parameterise the pool release rule.
	MinPool            int
	MaxReplacementRate float64

	// CleanInterval is how often cleanup passes run on both spools.
	CleanInterval time.Duration

	// SendRate and SendBurst parameterise the outbound token bucket.
	SendRate  float64
	SendBurst int

	// RetryDelays is the backoff schedule: a message whose Nth attempt fails
	// is retried after RetryDelays[N]. When the schedule is exhausted the
	// message is dropped.
	RetryDelays []time.Duration

	// Metrics receives relay counters and gauges when non-nil.
	Metrics *metrics.Registry
}

// DefaultConfig returns the relay tuning used when Open is given no Config.
func DefaultConfig() Config {
	return Config{
		Spool:              spool.DefaultConfig(),
		MixInterval:        30 * time.Second,
		MinPool:            5,
		MaxReplacementRate: 0.3,
		CleanInterval:      120 * time.Second,
		SendRate:           64,
		SendBurst:          128,
		RetryDelays: []time.Duration{
			60 * time.Second,
			300 * time.Second,
			1800 * time.Second,
		},
	}
}

// Relay drives a mix pool and an outbound delivery queue.
type Relay struct {
	incoming *mix.Pool
	outbound *delivery.Queue
	mover    *Mover
	sender   Sender
	limiter  *rate.Limiter
	reg      *metrics.Registry
	codec    record.Codec

	mixInterval   time.Duration
	cleanInterval time.Duration
	retryDelays   []time.Duration

	// notify is a buffered channel of capacity 1. The mixing loop signals it
	// whenever the outbound schedule gains entries, prompting the send loop
	// to re-evaluate its sleep duration.
	notify chan struct{}

	runCtx context.Context
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open builds a relay over dataDir and recovers any move that a previous
// process left half finished. Call Start to begin the loops.
func Open(dataDir string, sender Sender, cfgs ...Config) (*Relay, error) {
	if sender == nil {
		return nil, errors.New("relay: nil Sender")
	}
	if dataDir == "" {
		return nil, errors.New("relay: dataDir must not be empty")
	}

	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	if cfg.Codec == nil {
		cfg.Codec = record.BinaryCodec{}
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("relay: create data dir: %w", err)
	}

	r := &Relay{
		sender:        sender,
		limiter:       rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		reg:           cfg.Metrics,
		codec:         cfg.Codec,
		mixInterval:   cfg.MixInterval,
		cleanInterval: cfg.CleanInterval,
		retryDelays:   cfg.RetryDelays,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	spoolCfg := cfg.Spool
	if r.reg != nil {
		if spoolCfg.Eraser == nil {
			spoolCfg.Eraser = shred.New(1)
		}
		spoolCfg.Eraser = &countingEraser{next: spoolCfg.Eraser, reg: r.reg}
	}

	incoming, err := mix.Open(filepath.Join(dataDir, "incoming"), mix.Config{
		Spool:              spoolCfg,
		MinPool:            cfg.MinPool,
		MaxReplacementRate: cfg.MaxReplacementRate,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: open incoming pool: %w", err)
	}
	r.incoming = incoming

	outbound, err := delivery.Open(filepath.Join(dataDir, "outbound"),
		delivery.DelivererFunc(r.deliver),
		delivery.Config{Spool: spoolCfg, Codec: cfg.Codec})
	if err != nil {
		return nil, fmt.Errorf("relay: open outbound queue: %w", err)
	}
	r.outbound = outbound

	mover, err := OpenMover(filepath.Join(dataDir, "moves.db"))
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	r.mover = mover

	completed, err := mover.Recover(incoming.Spool(), outbound)
	if err != nil {
		_ = mover.Close()
		return nil, fmt.Errorf("relay: recover moves: %w", err)
	}
	if completed > 0 {
		slog.Info("relay: completed interrupted moves", "count", completed)
	}

	r.registerGauges()
	return r, nil
}

// Incoming exposes the mix pool, mainly for tests and status reporting.
func (r *Relay) Incoming() *mix.Pool { return r.incoming }

// Outbound exposes the delivery queue, mainly for tests and status reporting.
func (r *Relay) Outbound() *delivery.Queue { return r.outbound }

// Enqueue accepts a message for onward delivery. The message lands in the
// mix pool and leaves it only when a mixing tick releases it.
func (r *Relay) Enqueue(destination, body []byte) (string, error) {
	data, err := r.codec.Encode(record.Record{
		Destination: destination,
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("relay: encode message: %w", err)
	}
	handle, err := r.incoming.Spool().Put(data)
	if err != nil {
		return "", err
	}
	if r.reg != nil {
		r.reg.Queued.Inc("incoming")
	}
	return handle, nil
}

// Start launches the mixing, sending, and cleanup loops.
// Start must be called exactly once.
func (r *Relay) Start(ctx context.Context) {
	r.runCtx = ctx
	r.wg.Add(3)
	go r.mixLoop(ctx)
	go r.sendLoop(ctx)
	go r.cleanLoop(ctx)
}

// Stop shuts down the background loops and waits for them to exit, then
// closes the move journal. Messages in flight with the transport are left on
// disk and offered again on the next start.
func (r *Relay) Stop() {
	select {
	case <-r.done:
		// already stopped
	default:
		close(r.done)
	}
	r.wg.Wait()
	if err := r.mover.Close(); err != nil {
		slog.Warn("relay: close move journal", "err", err)
	}
}

// MixOnce runs a single mixing tick: pick a random release set from the pool
// and move every member into the outbound queue. Returns the number of
// messages released.
func (r *Relay) MixOnce() (int, error) {
	handles, err := r.incoming.Pick()
	if err != nil {
		return 0, fmt.Errorf("relay: pick release set: %w", err)
	}

	released := 0
	var errs []error
	for _, h := range handles {
		if _, err := r.mover.Move(r.incoming.Spool(), h, r.outbound); err != nil {
			errs = append(errs, err)
			continue
		}
		released++
		if r.reg != nil {
			r.reg.MixedOut.Inc("incoming")
		}
	}
	if released > 0 {
		r.wake()
	}
	return released, errors.Join(errs...)
}

// CleanOnce runs one cleanup pass over both spools.
func (r *Relay) CleanOnce() {
	for name, sp := range map[string]*spool.Spool{
		"incoming": r.incoming.Spool(),
		"outbound": r.outbound.Spool(),
	} {
		started, err := sp.Clean()
		if err != nil {
			slog.Warn("relay: cleanup pass", "spool", name, "err", err)
			continue
		}
		if started && r.reg != nil {
			r.reg.CleanPasses.Inc("")
		}
	}
}

// ─── background loops ─────────────────────────────────────────────────────────

func (r *Relay) mixLoop(ctx context.Context) {
	defer r.wg.Done()

	t := time.NewTicker(r.mixInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-t.C:
			if n, err := r.MixOnce(); err != nil {
				slog.Error("relay: mixing tick", "released", n, "err", err)
			}
		}
	}
}

// sendLoop sleeps until the earliest scheduled send time, then drains every
// due message through the transport. New schedule entries (from mixing ticks
// or retry requeues) wake it early via notify.
func (r *Relay) sendLoop(ctx context.Context) {
	defer r.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		at, ok := r.outbound.NextReady()
		if !ok {
			// Nothing scheduled — wait for a mixing tick or shutdown.
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-r.notify:
			}
			continue
		}

		delay := time.Until(at)
		if delay <= 0 {
			if err := r.outbound.SendReady(); err != nil {
				slog.Warn("relay: send pass", "err", err)
			}
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.notify:
			// A new entry may be due sooner — re-evaluate from the top.
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t = nil
		case <-t.C:
			t = nil
		}
	}
}

func (r *Relay) cleanLoop(ctx context.Context) {
	defer r.wg.Done()

	t := time.NewTicker(r.cleanInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-t.C:
			r.CleanOnce()
		}
	}
}

// ─── transport integration ────────────────────────────────────────────────────

// deliver resolves a batch item by item: rate-limit, send, then report the
// outcome back to the queue. On context cancellation the remaining items are
// left pending; they are still on disk and get rescheduled on the next start.
func (r *Relay) deliver(batch []delivery.Item) {
	ctx := r.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	for _, it := range batch {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-r.done:
			return
		default:
		}

		err := r.sender.Send(ctx, it.Destination, it.Body)
		if err == nil {
			if err := r.outbound.Succeeded(it.Handle); err != nil {
				slog.Warn("relay: resolve delivered message", "handle", it.Handle, "err", err)
			}
			if r.reg != nil {
				r.reg.Delivered.Inc("outbound")
			}
			continue
		}

		if r.reg != nil {
			r.reg.Failed.Inc("outbound")
		}

		if it.Retries >= len(r.retryDelays) {
			slog.Warn("relay: dropping message, retries exhausted",
				"handle", it.Handle, "attempts", it.Retries+1, "err", err)
			if err := r.outbound.Failed(it.Handle, time.Time{}); err != nil {
				slog.Warn("relay: drop message", "handle", it.Handle, "err", err)
			}
			if r.reg != nil {
				r.reg.Discarded.Inc("outbound")
			}
			continue
		}

		retryAt := time.Now().Add(r.retryDelays[it.Retries])
		slog.Info("relay: delivery failed, will retry",
			"handle", it.Handle, "attempt", it.Retries+1, "retry_at", retryAt, "err", err)
		if err := r.outbound.Failed(it.Handle, retryAt); err != nil {
			slog.Warn("relay: requeue message", "handle", it.Handle, "err", err)
		}
		if r.reg != nil {
			r.reg.Retried.Inc("outbound")
		}
		r.wake()
	}
}

// wake signals the send loop to re-evaluate its sleep. Non-blocking: if a
// signal is already pending, no-op.
func (r *Relay) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// ─── metrics plumbing ─────────────────────────────────────────────────────────

func (r *Relay) registerGauges() {
	if r.reg == nil {
		return
	}

	spoolGauge := func(sp *spool.Spool) metrics.GaugeFunc {
		return func() int64 {
			n, err := sp.Count(false)
			if err != nil {
				return -1
			}
			return int64(n)
		}
	}
	r.reg.RegisterGauge("mixspool_spool_messages", "Messages currently spooled",
		`spool="incoming"`, spoolGauge(r.incoming.Spool()))
	r.reg.RegisterGauge("mixspool_spool_messages", "Messages currently spooled",
		`spool="outbound"`, spoolGauge(r.outbound.Spool()))
	r.reg.RegisterGauge("mixspool_sendable_messages", "Outbound messages scheduled for delivery",
		"", func() int64 { return int64(r.outbound.Sendable()) })
	r.reg.RegisterGauge("mixspool_pending_messages", "Outbound messages in flight with the transport",
		"", func() int64 { return int64(r.outbound.Pending()) })
}

// countingEraser forwards to the configured eraser and counts erased files.
type countingEraser struct {
	next shred.Eraser
	reg  *metrics.Registry
}

func (c *countingEraser) Erase(paths []string) error {
	err := c.next.Erase(paths)
	c.reg.ErasedFiles.Add("", int64(len(paths)))
	return err
}
