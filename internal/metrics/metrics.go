// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for mixspool. It deliberately avoids the prometheus/client_golang
// package so the relay binary stays small with no additional dependencies.
//
// # Counter naming convention
//
// Message counters are keyed by the spool they concern ("incoming" or
// "outbound"); maintenance counters carry no labels and use the empty key.
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all
// counters and gauges in the Prometheus exposition format
// (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// GaugeFunc is sampled at scrape time. Returning a negative value hides the
// gauge from the exposition output.
type GaugeFunc func() int64

// Registry holds all mixspool application metrics.
type Registry struct {
	// Message-level counters.  key = spool name ("incoming", "outbound")
	Queued    labelCounter
	Delivered labelCounter
	Failed    labelCounter
	Retried   labelCounter
	MixedOut  labelCounter
	Discarded labelCounter

	// Maintenance counters.  key = "" (no labels)
	ErasedFiles labelCounter
	CleanPasses labelCounter

	mu     sync.Mutex
	gauges map[string]gauge // "name\tlabels" → sampled gauge
}

type gauge struct {
	name   string
	help   string
	labels string
	fn     GaugeFunc
}

// RegisterGauge makes fn's value appear under name at every scrape.
// labels may be empty; otherwise it is rendered verbatim inside the braces.
// Registering the same name with different labels adds another series to the
// same family; registering the same name and labels replaces the sampler.
func (r *Registry) RegisterGauge(name, help, labels string, fn GaugeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gauges == nil {
		r.gauges = make(map[string]gauge)
	}
	r.gauges[name+"\t"+labels] = gauge{name: name, help: help, labels: labels, fn: fn}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── message counters ──────────────────────────────────────────────────
		writeSpoolFamily(&b, "mixspool_messages_queued_total",
			"Total messages accepted into a spool", &r.Queued)
		writeSpoolFamily(&b, "mixspool_messages_delivered_total",
			"Total messages successfully delivered", &r.Delivered)
		writeSpoolFamily(&b, "mixspool_messages_failed_total",
			"Total delivery attempts that failed", &r.Failed)
		writeSpoolFamily(&b, "mixspool_messages_retried_total",
			"Total messages requeued for a later attempt", &r.Retried)
		writeSpoolFamily(&b, "mixspool_messages_mixed_out_total",
			"Total messages released from the mix pool", &r.MixedOut)
		writeSpoolFamily(&b, "mixspool_messages_discarded_total",
			"Total messages dropped after exhausting retries", &r.Discarded)

		// ── maintenance counters ──────────────────────────────────────────────
		writeBareFamily(&b, "mixspool_erased_files_total",
			"Total spool files securely erased", &r.ErasedFiles)
		writeBareFamily(&b, "mixspool_clean_passes_total",
			"Total cleanup passes started", &r.CleanPasses)

		// ── gauges ────────────────────────────────────────────────────────────
		r.mu.Lock()
		gauges := make(map[string]gauge, len(r.gauges))
		keys := make([]string, 0, len(r.gauges))
		for key, g := range r.gauges {
			gauges[key] = g
			keys = append(keys, key)
		}
		r.mu.Unlock()

		// Sorted keys group series of the same family together so the HELP
		// and TYPE headers are emitted once per family.
		sort.Strings(keys)
		lastName := ""
		for _, key := range keys {
			g := gauges[key]
			v := g.fn()
			if v < 0 {
				continue
			}
			if g.name != lastName {
				fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
				fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
				lastName = g.name
			}
			if g.labels == "" {
				fmt.Fprintf(&b, "%s %d\n", g.name, v)
			} else {
				fmt.Fprintf(&b, "%s{%s} %d\n", g.name, g.labels, v)
			}
		}

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeSpoolFamily renders a counter family whose keys are spool names.
func writeSpoolFamily(b *strings.Builder, name, help string, lc *labelCounter) {
	writeFamily(b, name, help, "counter", func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			fn(fmt.Sprintf(`spool=%q`, key), fmt.Sprintf("%d", val))
		})
	})
}

// writeBareFamily renders a counter family with no labels. Only the empty key
// is expected; any other key is rendered with a spool label so a mistaken
// call site still shows up in the output rather than vanishing.
func writeBareFamily(b *strings.Builder, name, help string, lc *labelCounter) {
	writeFamily(b, name, help, "counter", func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			if key == "" {
				fn("", fmt.Sprintf("%d", val))
				return
			}
			fn(fmt.Sprintf(`spool=%q`, key), fmt.Sprintf("%d", val))
		})
	})
}

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		if labels == "" {
			lines = append(lines, fmt.Sprintf("%s %s\n", name, val))
			return
		}
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}
