// Package metrics renders relay counters in the Prometheus text exposition
// format without pulling in client_golang.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry used by the relay components.
var Collector = NewCollector("relaybot")

// Registry holds counters, callback gauges and histograms.
type Registry struct {
	namespace  string
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*GaugeFunc
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewCollector(namespace string) *Registry {
	return &Registry{
		namespace:  namespace,
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*GaugeFunc),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// GaugeFunc reads its value from a callback at scrape time.
type GaugeFunc struct {
	name string
	help string
	fn   func() int64
}

func (g *GaugeFunc) Value() int64 {
	if g.fn == nil {
		return 0
	}
	return g.fn()
}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// Counter returns or creates the counter identified by name and labels
// (rendered verbatim, e.g. `reason="paused"`).
func (r *Registry) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := &Counter{name: r.fullName(name), help: help, labels: labels}
	r.counters[key] = c
	return c
}

// SetGauge registers or replaces a callback gauge.
func (r *Registry) SetGauge(name, help string, fn func() int64) *GaugeFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := &GaugeFunc{name: r.fullName(name), help: help, fn: fn}
	r.gauges[name] = g
	return g
}

func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: r.fullName(name), help: help, buckets: hb}
	r.histograms[name] = h
	return h
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Render writes all metrics in Prometheus text format, sorted by name.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	uptime := r.fullName("uptime_seconds")
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n", uptime)
	fmt.Fprintf(&sb, "# TYPE %s gauge\n", uptime)
	fmt.Fprintf(&sb, "%s %d\n", uptime, int64(r.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, key := range sortedKeys(r.counters) {
		c := r.counters[key]
		if !helpWritten[c.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", c.name, c.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", c.name)
			helpWritten[c.name] = true
		}
		if c.labels != "" {
			fmt.Fprintf(&sb, "%s{%s} %d\n", c.name, c.labels, c.Value())
		} else {
			fmt.Fprintf(&sb, "%s %d\n", c.name, c.Value())
		}
	}

	for _, key := range sortedKeys(r.gauges) {
		g := r.gauges[key]
		fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(&sb, "%s %d\n", g.name, g.Value())
	}

	for _, key := range sortedKeys(r.histograms) {
		h := r.histograms[key]
		h.mu.Lock()
		fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
		fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%s_bucket{le=\"%s\"} %d\n", h.name, le, b.count)
		}
		fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
		fmt.Fprintf(&sb, "%s_sum %f\n", h.name, h.sum)
		fmt.Fprintf(&sb, "%s_count %d\n", h.name, h.count)
		h.mu.Unlock()
	}

	return sb.String()
}

// Handler serves Render over HTTP.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

// Metrics shared across the relay.
var (
	MessagesReceived = Collector.Counter("messages_received_total", "Inbound chat messages seen by the relay", "")
	NLURequests      = Collector.Counter("nlu_requests_total", "Interpretation requests issued", "")
	NLUErrors        = Collector.Counter("nlu_errors_total", "Interpretation requests that failed", "")
	RepliesText      = Collector.Counter("replies_total", "Replies delivered", `kind="text"`)
	RepliesData      = Collector.Counter("replies_total", "Replies delivered", `kind="data"`)
	ReplyErrors      = Collector.Counter("reply_errors_total", "Replies that failed to send", "")
	Reconnects       = Collector.Counter("reconnect_attempts_total", "Real-time connection restart attempts", "")
	HandlerPanics    = Collector.Counter("handler_panics_total", "Recovered panics in message handling", "")

	NLULatency = Collector.Histogram("nlu_latency_seconds", "Interpretation request latency in seconds",
		[]float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30})
)

// Skipped returns the counter for messages dropped before interpretation.
func Skipped(reason string) *Counter {
	return Collector.Counter("messages_skipped_total", "Inbound messages not relayed", `reason="`+reason+`"`)
}
