// Package metrics provides Prometheus-compatible metrics for petnames.
//
// The daemon does not serve HTTP. It periodically writes the registry in
// Prometheus text format to a file for node_exporter's textfile collector.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels.
type Labels map[string]string

// String returns the labels in exposition form, sorted by key.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	return "{" + l.pairs() + "}"
}

func (l Labels) pairs() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.Quote(l[k]))
	}
	return strings.Join(parts, ",")
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

// Value returns the current value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// DurationBuckets are buckets for duration histograms (in seconds).
var DurationBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

func newHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1), // +1 for +Inf
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++

	// counts are per bucket; WritePrometheus accumulates them.
	idx := sort.SearchFloat64s(h.buckets, v)
	h.counts[idx]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the count of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Registry holds all registered metrics. Metrics are keyed by full name and
// labels, so one name may carry several label sets.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	help       map[string]string
	types      map[string]MetricType

	namespace string
}

// NewRegistry creates a new Registry. Every metric name gets the
// namespace as a prefix.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		help:       make(map[string]string),
		types:      make(map[string]MetricType),
		namespace:  namespace,
	}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// claim records the help and type of a metric family. Registering the same
// name with a different type panics, as it would produce invalid output.
func (r *Registry) claim(full, help string, t MetricType) {
	if prev, ok := r.types[full]; ok && prev != t {
		panic(fmt.Sprintf("metrics: %s registered as %s and %s", full, prev, t))
	}
	r.types[full] = t
	r.help[full] = help
}

// Counter registers a counter, or returns the existing one with the same
// name and labels.
func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := full + labels.String()
	if c, ok := r.counters[key]; ok {
		return c
	}
	r.claim(full, help, TypeCounter)
	c := &Counter{name: full, help: help, labels: labels}
	r.counters[key] = c
	return c
}

// Gauge registers a gauge, or returns the existing one.
func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := full + labels.String()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	r.claim(full, help, TypeGauge)
	g := &Gauge{name: full, help: help, labels: labels}
	r.gauges[key] = g
	return g
}

// Histogram registers a histogram, or returns the existing one. Nil
// buckets means DurationBuckets.
func (r *Registry) Histogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := full + labels.String()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	r.claim(full, help, TypeHistogram)
	h := newHistogram(full, help, labels, buckets)
	r.histograms[key] = h
	return h
}

// WritePrometheus writes metrics in Prometheus text format, one family per
// name, sorted.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lines := make(map[string][]string)
	for _, c := range r.counters {
		lines[c.name] = append(lines[c.name], fmt.Sprintf("%s%s %d", c.name, c.labels.String(), c.Value()))
	}
	for _, g := range r.gauges {
		lines[g.name] = append(lines[g.name], fmt.Sprintf("%s%s %d", g.name, g.labels.String(), g.Value()))
	}
	for _, h := range r.histograms {
		lines[h.name] = append(lines[h.name], h.exposition()...)
	}

	families := make([]string, 0, len(lines))
	for name := range lines {
		families = append(families, name)
	}
	sort.Strings(families)

	bw := bufio.NewWriter(w)
	for _, name := range families {
		fmt.Fprintf(bw, "# HELP %s %s\n", name, r.help[name])
		fmt.Fprintf(bw, "# TYPE %s %s\n", name, r.types[name])
		family := lines[name]
		sort.Strings(family)
		for _, line := range family {
			bw.WriteString(line)
			bw.WriteByte('\n')
		}
	}
	return bw.Flush()
}

func (h *Histogram) exposition() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix := "{"
	if len(h.labels) > 0 {
		prefix = "{" + h.labels.pairs() + ","
	}

	out := make([]string, 0, len(h.buckets)+3)
	cumulative := uint64(0)
	for i, bucket := range h.buckets {
		cumulative += h.counts[i]
		le := strconv.FormatFloat(bucket, 'g', -1, 64)
		out = append(out, fmt.Sprintf("%s_bucket%sle=%q} %d", h.name, prefix, le, cumulative))
	}
	cumulative += h.counts[len(h.buckets)]
	out = append(out,
		fmt.Sprintf("%s_bucket%sle=\"+Inf\"} %d", h.name, prefix, cumulative),
		fmt.Sprintf("%s_count%s %d", h.name, h.labels.String(), h.count),
		fmt.Sprintf("%s_sum%s %s", h.name, h.labels.String(), strconv.FormatFloat(h.sum, 'g', -1, 64)),
	)
	return out
}

// WriteFile writes the registry to path atomically, so a collector never
// reads a partial file.
func (r *Registry) WriteFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".metrics-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := r.WritePrometheus(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metrics: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod metrics: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Snapshot returns counter and gauge values and histogram counts keyed by
// name and labels.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]any)
	for key, c := range r.counters {
		snapshot[key] = c.Value()
	}
	for key, g := range r.gauges {
		snapshot[key] = g.Value()
	}
	for _, h := range r.histograms {
		snapshot[h.name+"_count"+h.labels.String()] = h.Count()
		snapshot[h.name+"_sum"+h.labels.String()] = h.Sum()
	}
	return snapshot
}
