package bitmap

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "writeintent"

// Collector exposes engine gauges and counters in the prometheus
// collect-on-scrape style. Register it with a prometheus.Registerer:
//
//	prometheus.MustRegister(bitmap.NewCollector(b))
type Collector struct {
	b *Bitmap

	behindWrites     *prometheus.Desc
	behindWritesUsed *prometheus.Desc
	counterPages     *prometheus.Desc
	missingPages     *prometheus.Desc
	pageWrites       *prometheus.Desc
	writeErrors      *prometheus.Desc
	daemonRuns       *prometheus.Desc
	stale            *prometheus.Desc
}

// NewCollector returns a collector reading from b.
func NewCollector(b *Bitmap) *Collector {
	return &Collector{
		b: b,
		behindWrites: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "behind_writes"),
			"In-flight write-behind requests.", nil, nil),
		behindWritesUsed: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "behind_writes_used"),
			"High-water mark of in-flight write-behind requests.", nil, nil),
		counterPages: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "counter_pages"),
			"Allocated counter pages.", nil, nil),
		missingPages: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "counter_pages_missing"),
			"Counter page slots without an allocated page.", nil, nil),
		pageWrites: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "page_writes_total"),
			"Storage page writeouts issued.", nil, nil),
		writeErrors: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "write_errors_total"),
			"Failed storage page writeouts.", nil, nil),
		daemonRuns: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "daemon_runs_total"),
			"Daemon ticks that did work.", nil, nil),
		stale: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "stale"),
			"Whether the image has been kicked or is stale.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.behindWrites
	ch <- c.behindWritesUsed
	ch <- c.counterPages
	ch <- c.missingPages
	ch <- c.pageWrites
	ch <- c.writeErrors
	ch <- c.daemonRuns
	ch <- c.stale
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	b := c.b

	b.counts.mu.Lock()
	allocated := b.counts.allocatedPages()
	missing := b.counts.missingPages
	b.counts.mu.Unlock()

	stale := 0.0
	if b.Stale() {
		stale = 1.0
	}

	ch <- prometheus.MustNewConstMetric(c.behindWrites, prometheus.GaugeValue,
		float64(b.behindWrites.Load()))
	ch <- prometheus.MustNewConstMetric(c.behindWritesUsed, prometheus.GaugeValue,
		float64(b.behindWritesUsed.Load()))
	ch <- prometheus.MustNewConstMetric(c.counterPages, prometheus.GaugeValue,
		float64(allocated))
	ch <- prometheus.MustNewConstMetric(c.missingPages, prometheus.GaugeValue,
		float64(missing))
	ch <- prometheus.MustNewConstMetric(c.pageWrites, prometheus.CounterValue,
		float64(b.stats.pageWrites.Load()))
	ch <- prometheus.MustNewConstMetric(c.writeErrors, prometheus.CounterValue,
		float64(b.stats.writeErrors.Load()))
	ch <- prometheus.MustNewConstMetric(c.daemonRuns, prometheus.CounterValue,
		float64(b.stats.daemonRuns.Load()))
	ch <- prometheus.MustNewConstMetric(c.stale, prometheus.GaugeValue, stale)
}

// Compile-time interface check.
var _ prometheus.Collector = (*Collector)(nil)
