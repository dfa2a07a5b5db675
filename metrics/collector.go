// Package metrics exposes runtime counters to Prometheus.
//
// Usage:
//
//	collector := metrics.NewCollector(gmc, "modhub")
//	prometheus.MustRegister(collector)
package metrics

import (
	"fmt"

	"github.com/GoCodeAlone/modhub"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes metric names when no namespace is given.
const DefaultNamespace = "modhub"

// StatsSource is implemented by *modhub.GlobalModuleContext.
type StatsSource interface {
	Stats() modhub.ContextStats
}

// Collector implements prometheus.Collector over a stats snapshot taken on
// every scrape. Counters are emitted as ConstMetrics.
type Collector struct {
	source StatsSource

	modules         *prometheus.Desc
	triggered       *prometheus.Desc
	dispatched      *prometheus.Desc
	skipped         *prometheus.Desc
	unrouted        *prometheus.Desc
	handlerFailures *prometheus.Desc

	runnerPending   *prometheus.Desc
	runnerExecuted  *prometheus.Desc
	runnerFailed    *prometheus.Desc
	runnerCancelled *prometheus.Desc
}

// NewCollector creates a collector for source.
func NewCollector(source StatsSource, namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(fmt.Sprintf("%s_%s", namespace, name), help, labels, nil)
	}
	return &Collector{
		source:          source,
		modules:         desc("modules", "Registered modules by state", "state"),
		triggered:       desc("events_triggered_total", "Events accepted by TriggerEvent"),
		dispatched:      desc("events_dispatched_total", "Dispatch jobs posted to module runners"),
		skipped:         desc("events_skipped_total", "Interested modules passed over as inactive or on another channel"),
		unrouted:        desc("events_unrouted_total", "Triggered events that reached no module"),
		handlerFailures: desc("handler_failures_total", "Handlers that returned an error or panicked"),
		runnerPending:   desc("runner_pending_tasks", "Tasks queued on a runner", "runner"),
		runnerExecuted:  desc("runner_executed_total", "Tasks a runner has executed", "runner"),
		runnerFailed:    desc("runner_failed_total", "Tasks that failed on a runner", "runner"),
		runnerCancelled: desc("runner_cancelled_total", "Tasks discarded from a runner queue", "runner"),
	}
}

// Describe sends metric descriptors.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.modules
	ch <- c.triggered
	ch <- c.dispatched
	ch <- c.skipped
	ch <- c.unrouted
	ch <- c.handlerFailures
	ch <- c.runnerPending
	ch <- c.runnerExecuted
	ch <- c.runnerFailed
	ch <- c.runnerCancelled
}

// Collect gathers current stats and emits ConstMetrics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	ch <- prometheus.MustNewConstMetric(c.modules, prometheus.GaugeValue, float64(s.Active), "active")
	ch <- prometheus.MustNewConstMetric(c.modules, prometheus.GaugeValue, float64(s.Modules-s.Active), "inactive")
	ch <- prometheus.MustNewConstMetric(c.triggered, prometheus.CounterValue, float64(s.Triggered))
	ch <- prometheus.MustNewConstMetric(c.dispatched, prometheus.CounterValue, float64(s.Dispatched))
	ch <- prometheus.MustNewConstMetric(c.skipped, prometheus.CounterValue, float64(s.Skipped))
	ch <- prometheus.MustNewConstMetric(c.unrouted, prometheus.CounterValue, float64(s.Unrouted))
	ch <- prometheus.MustNewConstMetric(c.handlerFailures, prometheus.CounterValue, float64(s.HandlerFailures))

	c.collectRunner(ch, s.Global)
	for _, runner := range s.Runners {
		c.collectRunner(ch, runner)
	}
}

func (c *Collector) collectRunner(ch chan<- prometheus.Metric, r modhub.RunnerStats) {
	ch <- prometheus.MustNewConstMetric(c.runnerPending, prometheus.GaugeValue, float64(r.Pending), r.Name)
	ch <- prometheus.MustNewConstMetric(c.runnerExecuted, prometheus.CounterValue, float64(r.Executed), r.Name)
	ch <- prometheus.MustNewConstMetric(c.runnerFailed, prometheus.CounterValue, float64(r.Failed), r.Name)
	ch <- prometheus.MustNewConstMetric(c.runnerCancelled, prometheus.CounterValue, float64(r.Cancelled), r.Name)
}
