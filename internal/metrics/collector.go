// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for dispatch runs. It renders the text exposition format directly.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wasender/internal/domain"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // series key -> *Counter
	gauges     sync.Map // series key -> *Gauge
	histograms sync.Map // series key -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// desc identifies one series: a metric family name plus an optional label set.
type desc struct {
	name   string
	help   string
	labels string // rendered label pairs, e.g. `status="sent"`
}

// series renders the sample name for suffix, with extra appended to the
// series labels.
func (d desc) series(suffix, extra string) string {
	labels := d.labels
	if extra != "" {
		if labels != "" {
			labels += ","
		}
		labels += extra
	}
	if labels == "" {
		return d.name + suffix
	}
	return d.name + suffix + "{" + labels + "}"
}

func (d desc) key() string { return d.name + "{" + d.labels + "}" }

// Counter is a monotonically increasing counter.
type Counter struct {
	desc
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	desc
	value atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values. Bucket counts are cumulative.
type Histogram struct {
	desc
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
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

// Counter returns or creates the counter series name{labels}.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	d := desc{name: name, help: help, labels: labels}
	if v, ok := c.counters.Load(d.key()); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(d.key(), &Counter{desc: d})
	return actual.(*Counter)
}

// Gauge returns or creates the gauge series name{labels}.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	d := desc{name: name, help: help, labels: labels}
	if v, ok := c.gauges.Load(d.key()); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(d.key(), &Gauge{desc: d})
	return actual.(*Gauge)
}

// Histogram returns or creates the histogram series name{labels}. An
// existing series keeps its original buckets.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	d := desc{name: name, help: help, labels: labels}
	if v, ok := c.histograms.Load(d.key()); ok {
		return v.(*Histogram)
	}
	les := append([]float64(nil), buckets...)
	sort.Float64s(les)
	hb := make([]histBucket, len(les))
	for i, le := range les {
		hb[i] = histBucket{le: le}
	}
	actual, _ := c.histograms.LoadOrStore(d.key(), &Histogram{desc: d, buckets: hb})
	return actual.(*Histogram)
}

// Handler renders every series in the Prometheus text format. Series are
// sorted by name and labels so each family is written as one block.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		uptime := desc{name: "wasender_uptime_seconds", help: "Time since start in seconds"}
		writeFamily(&sb, uptime, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", uptime.series("", ""), int64(c.Uptime().Seconds()))

		var last string
		for _, ctr := range sortedSeries[*Counter](&c.counters) {
			if ctr.name != last {
				writeFamily(&sb, ctr.desc, "counter")
				last = ctr.name
			}
			fmt.Fprintf(&sb, "%s %d\n", ctr.series("", ""), ctr.Value())
		}

		last = ""
		for _, g := range sortedSeries[*Gauge](&c.gauges) {
			if g.name != last {
				writeFamily(&sb, g.desc, "gauge")
				last = g.name
			}
			fmt.Fprintf(&sb, "%s %d\n", g.series("", ""), g.Value())
		}

		last = ""
		for _, h := range sortedSeries[*Histogram](&c.histograms) {
			if h.name != last {
				writeFamily(&sb, h.desc, "histogram")
				last = h.name
			}
			h.write(&sb)
		}

		fmt.Fprint(w, sb.String())
	}
}

func (h *Histogram) write(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.buckets {
		le := strconv.FormatFloat(b.le, 'g', -1, 64)
		if math.IsInf(b.le, 1) {
			le = "+Inf"
		}
		fmt.Fprintf(sb, "%s %d\n", h.series("_bucket", `le="`+le+`"`), b.count)
	}
	fmt.Fprintf(sb, "%s %s\n", h.series("_sum", ""), strconv.FormatFloat(h.sum, 'g', -1, 64))
	fmt.Fprintf(sb, "%s %d\n", h.series("_count", ""), h.count)
}

func writeFamily(sb *strings.Builder, d desc, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", d.name, d.help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", d.name, kind)
}

// sortedSeries snapshots m ordered by series key.
func sortedSeries[T interface{ key() string }](m *sync.Map) []T {
	var out []T
	m.Range(func(_, v any) bool {
		out = append(out, v.(T))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// --- Dispatch metrics ---

var (
	RunsTotal        = Collector.Counter("wasender_runs_total", "Dispatch runs started", "")
	ConfigErrors     = Collector.Counter("wasender_config_errors_total", "Runs rejected before a session opened", "")
	RecipientsSent   = Collector.Counter("wasender_recipients_total", "Recipients processed by outcome", `status="sent"`)
	RecipientsFailed = Collector.Counter("wasender_recipients_total", "Recipients processed by outcome", `status="failed"`)
	RecipientsUnconf = Collector.Counter("wasender_recipients_total", "Recipients processed by outcome", `status="unconfirmed"`)
	ImagesPasted     = Collector.Counter("wasender_images_pasted_total", "Images pasted into conversations", "")
	DocumentsSent    = Collector.Counter("wasender_documents_attached_total", "Documents attached to conversations", "")
	RunInProgress    = Collector.Gauge("wasender_run_in_progress", "1 while a dispatch run is active", "")
	SessionState     = Collector.Gauge("wasender_session_state", "Current session state (0=LoggedOut .. 4=SigningOut)", "")
	MonitorClients   = Collector.Gauge("wasender_monitor_clients", "Connected progress feed clients", "")

	DeliveryLatency = Collector.Histogram("wasender_delivery_seconds", "Time spent on one recipient in seconds", "",
		[]float64{2, 5, 10, 20, 30, 60, 120, math.Inf(1)})
	ConfirmPolls = Collector.Histogram("wasender_confirm_polls", "Delivery confirmation polls per recipient", "",
		[]float64{1, 2, 3, 5, 10, 20, math.Inf(1)})
)

// ObserveOutcome updates the per-recipient metrics.
func ObserveOutcome(o domain.Outcome) {
	switch o.Status {
	case domain.StatusSent:
		RecipientsSent.Inc()
	case domain.StatusFailed:
		RecipientsFailed.Inc()
	case domain.StatusUnconfirmed:
		RecipientsUnconf.Inc()
	}
	if o.Status != domain.StatusFailed {
		ImagesPasted.Add(int64(o.Images))
		if o.Document {
			DocumentsSent.Inc()
		}
	}
	if o.PollAttempts > 0 {
		ConfirmPolls.Observe(float64(o.PollAttempts))
	}
	DeliveryLatency.Observe(o.Duration.Seconds())
}
