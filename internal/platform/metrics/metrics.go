package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Opts struct {
	Name string
	Help string
}

type collector interface {
	name() string
	writePrometheus(*strings.Builder)
}

type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: map[string]collector{}}
}

func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		name := item.name()
		if _, exists := r.collectors[name]; exists {
			panic("metrics collector already registered: " + name)
		}
		r.collectors[name] = item
	}
}

// Render writes every registered collector in the Prometheus text format,
// sorted by metric name.
func (r *Registry) Render() string {
	r.mu.RLock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	collectors := make([]collector, 0, len(names))
	for _, name := range names {
		collectors = append(collectors, r.collectors[name])
	}
	r.mu.RUnlock()

	var sb strings.Builder
	for _, c := range collectors {
		c.writePrometheus(&sb)
	}
	return sb.String()
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

var Default = NewRegistry()
var processStart = time.Now()

func DefaultHandler() http.Handler {
	return Default.Handler()
}

type Gauge struct {
	opts  Opts
	mu    sync.RWMutex
	value float64
}

func NewGauge(opts Opts) *Gauge {
	return &Gauge{opts: opts}
}

func (g *Gauge) name() string { return g.opts.Name }

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) Value() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

func (g *Gauge) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, floatToString(g.Value()))
}

type GaugeFunc struct {
	opts Opts
	fn   func() float64
}

func NewGaugeFunc(opts Opts, fn func() float64) *GaugeFunc {
	return &GaugeFunc{opts: opts, fn: fn}
}

func (g *GaugeFunc) name() string { return g.opts.Name }

func (g *GaugeFunc) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	v := 0.0
	if g.fn != nil {
		v = g.fn()
	}
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, floatToString(v))
}

// labelled stores one series per label-value combination.
type labelled[T any] struct {
	labelNames []string
	newSeries  func() *T

	mu     sync.Mutex
	series map[string]*T
}

func newLabelled[T any](labelNames []string, newSeries func() *T) *labelled[T] {
	return &labelled[T]{
		labelNames: append([]string(nil), labelNames...),
		newSeries:  newSeries,
		series:     map[string]*T{},
	}
}

// update runs fn on the series for values, creating it on first use.
// Calls with the wrong number of label values are ignored.
func (l *labelled[T]) update(values []string, fn func(*T)) {
	if len(values) != len(l.labelNames) {
		return
	}
	key := strings.Join(values, "\xff")
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.series[key]
	if !ok {
		s = l.newSeries()
		l.series[key] = s
	}
	fn(s)
}

func (l *labelled[T]) read(values []string, fn func(*T)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.series[strings.Join(values, "\xff")]
	if ok {
		fn(s)
	}
	return ok
}

// each visits series in label order while holding the lock.
func (l *labelled[T]) each(fn func(labels string, s *T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.series))
	for key := range l.series {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fn(l.formatLabels(strings.Split(key, "\xff")), l.series[key])
	}
}

func (l *labelled[T]) formatLabels(values []string) string {
	if len(l.labelNames) == 0 {
		return ""
	}
	var sb strings.Builder
	for idx, labelName := range l.labelNames {
		if idx > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(labelName)
		sb.WriteString(`="`)
		sb.WriteString(escapeLabelValue(values[idx]))
		sb.WriteString(`"`)
	}
	return sb.String()
}

type CounterVec struct {
	opts Opts
	vec  *labelled[float64]
}

func NewCounterVec(opts Opts, labelNames []string) *CounterVec {
	return &CounterVec{
		opts: opts,
		vec:  newLabelled(labelNames, func() *float64 { return new(float64) }),
	}
}

func (c *CounterVec) name() string { return c.opts.Name }

func (c *CounterVec) WithLabelValues(values ...string) *Counter {
	return &Counter{parent: c, labelValues: values}
}

func (c *CounterVec) add(labelValues []string, delta float64) {
	c.vec.update(labelValues, func(v *float64) { *v += delta })
}

// Value returns the current count for one label combination.
func (c *CounterVec) Value(labelValues ...string) float64 {
	var out float64
	c.vec.read(labelValues, func(v *float64) { out = *v })
	return out
}

func (c *CounterVec) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, c.opts.Name, "counter", c.opts.Help)
	c.vec.each(func(labels string, v *float64) {
		fmt.Fprintf(sb, "%s{%s} %s\n", c.opts.Name, labels, floatToString(*v))
	})
}

type Counter struct {
	parent      *CounterVec
	labelValues []string
}

func (c *Counter) Add(v float64) {
	if c == nil || c.parent == nil || v < 0 {
		return
	}
	c.parent.add(c.labelValues, v)
}

func (c *Counter) Inc() { c.Add(1) }

// DefBuckets are latency buckets in seconds.
var DefBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

type histogramSeries struct {
	counts []uint64
	sum    float64
	count  uint64
}

type HistogramVec struct {
	opts    Opts
	buckets []float64
	vec     *labelled[histogramSeries]
}

func NewHistogramVec(opts Opts, buckets []float64, labelNames []string) *HistogramVec {
	if len(buckets) == 0 {
		buckets = DefBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &HistogramVec{
		opts:    opts,
		buckets: sorted,
		vec: newLabelled(labelNames, func() *histogramSeries {
			return &histogramSeries{counts: make([]uint64, len(sorted))}
		}),
	}
}

func (h *HistogramVec) name() string { return h.opts.Name }

func (h *HistogramVec) Observe(v float64, labelValues ...string) {
	h.vec.update(labelValues, func(s *histogramSeries) {
		for i, upper := range h.buckets {
			if v <= upper {
				s.counts[i]++
			}
		}
		s.sum += v
		s.count++
	})
}

// ObserveSince records the seconds elapsed since start.
func (h *HistogramVec) ObserveSince(start time.Time, labelValues ...string) {
	h.Observe(time.Since(start).Seconds(), labelValues...)
}

func (h *HistogramVec) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, h.opts.Name, "histogram", h.opts.Help)
	h.vec.each(func(labels string, s *histogramSeries) {
		sep := ""
		if labels != "" {
			sep = ","
		}
		for i, upper := range h.buckets {
			fmt.Fprintf(sb, "%s_bucket{%s%sle=\"%s\"} %d\n", h.opts.Name, labels, sep, floatToString(upper), s.counts[i])
		}
		fmt.Fprintf(sb, "%s_bucket{%s%sle=\"+Inf\"} %d\n", h.opts.Name, labels, sep, s.count)
		fmt.Fprintf(sb, "%s_sum{%s} %s\n", h.opts.Name, labels, floatToString(s.sum))
		fmt.Fprintf(sb, "%s_count{%s} %d\n", h.opts.Name, labels, s.count)
	})
}

func writeMetricHead(sb *strings.Builder, name, metricType, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, metricType)
}

func floatToString(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func init() {
	Default.MustRegister(
		NewGaugeFunc(Opts{
			Name: "process_uptime_seconds",
			Help: "Seconds since process start.",
		}, func() float64 {
			return time.Since(processStart).Seconds()
		}),
		NewGaugeFunc(Opts{
			Name: "go_goroutines",
			Help: "Number of goroutines.",
		}, func() float64 {
			return float64(runtime.NumGoroutine())
		}),
		NewGaugeFunc(Opts{
			Name: "go_memstats_heap_inuse_bytes",
			Help: "Heap in-use bytes.",
		}, func() float64 {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return float64(mem.HeapInuse)
		}),
	)
}
