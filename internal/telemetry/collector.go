// Package telemetry exports engine state as Prometheus metrics.
//
// Values are read from the counter and hub at scrape time, so nothing on the
// request path touches a Prometheus type.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dgnsrekt/livetraffic/internal/hub"
	"github.com/dgnsrekt/livetraffic/internal/window"
)

const namespace = "livetraffic"

// Collector implements prometheus.Collector over a Counter and a Hub.
type Collector struct {
	counter *window.Counter
	hub     *hub.Hub

	requests    *prometheus.Desc
	arrivals    *prometheus.Desc
	subscribers *prometheus.Desc
	ticks       *prometheus.Desc
	deliveries  *prometheus.Desc
	broadcast   *prometheus.Desc
}

// NewCollector creates a Collector. Register it with a prometheus.Registerer.
func NewCollector(counter *window.Counter, h *hub.Hub) *Collector {
	return &Collector{
		counter: counter,
		hub:     h,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "requests_total"),
			"Observed requests since process start.",
			nil, nil,
		),
		arrivals: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "window", "arrivals"),
			"Arrivals currently held in the rolling window.",
			nil, nil,
		),
		subscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "subscribers"),
			"Live stream subscribers.",
			nil, nil,
		),
		ticks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "ticks_total"),
			"Broadcast ticks fired.",
			nil, nil,
		),
		deliveries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "deliveries_total"),
			"Snapshot deliveries by result.",
			[]string{"result"}, nil,
		),
		broadcast: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "broadcast", "duration_seconds"),
			"Fan-out duration of one broadcast.",
			[]string{"quantile"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.arrivals
	ch <- c.subscribers
	ch <- c.ticks
	ch <- c.deliveries
	ch <- c.broadcast
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.hub.Stats()

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(c.counter.Total()))
	ch <- prometheus.MustNewConstMetric(c.arrivals, prometheus.GaugeValue, float64(c.counter.Len()))
	ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(st.Subscribers))
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(st.Ticks))

	ch <- prometheus.MustNewConstMetric(c.deliveries, prometheus.CounterValue, float64(st.Delivered), hub.Delivered.String())
	ch <- prometheus.MustNewConstMetric(c.deliveries, prometheus.CounterValue, float64(st.Full), hub.Full.String())
	ch <- prometheus.MustNewConstMetric(c.deliveries, prometheus.CounterValue, float64(st.Closed), hub.Closed.String())

	ch <- prometheus.MustNewConstMetric(c.broadcast, prometheus.GaugeValue, st.BroadcastP50.Seconds(), "0.5")
	ch <- prometheus.MustNewConstMetric(c.broadcast, prometheus.GaugeValue, st.BroadcastP99.Seconds(), "0.99")
}
