package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xlttj/pbiproxy/pkg/controller"
	"github.com/xlttj/pbiproxy/pkg/proxy"
	"github.com/xlttj/pbiproxy/pkg/reconcile"
)

const namespace = "pbiproxy"

// Source is what the collector reads on every scrape. Implemented by
// *controller.Controller.
type Source interface {
	Snapshot() []proxy.ForwarderStatus
	Rows() []reconcile.Row
	Stats() controller.Stats
	Bus() *proxy.Bus
}

// Collector exports proxy and reconciliation state. Values are read from
// the source at scrape time, nothing is cached.
type Collector struct {
	source Source

	proxyUp          *prometheus.Desc
	activeConns      *prometheus.Desc
	totalConns       *prometheus.Desc
	failedConns      *prometheus.Desc
	bytes            *prometheus.Desc
	rows             *prometheus.Desc
	passes           *prometheus.Desc
	failedPasses     *prometheus.Desc
	autoConnects     *prometheus.Desc
	conflicts        *prometheus.Desc
	lastPass         *prometheus.Desc
	busEvents        *prometheus.Desc
	busSubscriptions *prometheus.Desc
}

func NewCollector(source Source) *Collector {
	portLabels := []string{"port", "target"}
	return &Collector{
		source: source,
		proxyUp: prometheus.NewDesc(namespace+"_proxy_up",
			"Running forwarders by listen port.", append(portLabels, "network"), nil),
		activeConns: prometheus.NewDesc(namespace+"_proxy_active_connections",
			"Client connections currently relayed.", portLabels, nil),
		totalConns: prometheus.NewDesc(namespace+"_proxy_connections_total",
			"Client connections accepted since the forwarder started.", portLabels, nil),
		failedConns: prometheus.NewDesc(namespace+"_proxy_connect_failures_total",
			"Connections dropped because the target could not be reached.", portLabels, nil),
		bytes: prometheus.NewDesc(namespace+"_proxy_bytes_total",
			"Bytes relayed, by direction.", append(portLabels, "direction"), nil),
		rows: prometheus.NewDesc(namespace+"_rows",
			"Rows by status.", []string{"status"}, nil),
		passes: prometheus.NewDesc(namespace+"_reconcile_passes_total",
			"Completed reconciliation passes.", nil, nil),
		failedPasses: prometheus.NewDesc(namespace+"_reconcile_failed_passes_total",
			"Passes skipped because detection failed.", nil, nil),
		autoConnects: prometheus.NewDesc(namespace+"_autoconnect_total",
			"Auto-connect attempts by result.", []string{"result"}, nil),
		conflicts: prometheus.NewDesc(namespace+"_reconcile_conflicts_total",
			"Rules not applied because another instance of the same name holds the port.", nil, nil),
		lastPass: prometheus.NewDesc(namespace+"_reconcile_last_pass_timestamp_seconds",
			"Unix time of the last completed pass.", nil, nil),
		busEvents: prometheus.NewDesc(namespace+"_events_total",
			"Event bus traffic.", []string{"outcome"}, nil),
		busSubscriptions: prometheus.NewDesc(namespace+"_event_subscriptions",
			"Open event bus subscriptions.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.proxyUp
	ch <- c.activeConns
	ch <- c.totalConns
	ch <- c.failedConns
	ch <- c.bytes
	ch <- c.rows
	ch <- c.passes
	ch <- c.failedPasses
	ch <- c.autoConnects
	ch <- c.conflicts
	ch <- c.lastPass
	ch <- c.busEvents
	ch <- c.busSubscriptions
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, fw := range c.source.Snapshot() {
		port, target := strconv.Itoa(fw.ListenPort), strconv.Itoa(fw.TargetPort)
		ch <- prometheus.MustNewConstMetric(c.proxyUp, prometheus.GaugeValue, 1, port, target, strconv.FormatBool(fw.AllowNetworkAccess))
		ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(fw.ActiveConnections), port, target)
		ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.CounterValue, float64(fw.TotalConnections), port, target)
		ch <- prometheus.MustNewConstMetric(c.failedConns, prometheus.CounterValue, float64(fw.FailedConnections), port, target)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(fw.BytesIn), port, target, "in")
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(fw.BytesOut), port, target, "out")
	}

	counts := map[reconcile.Status]int{reconcile.Offline: 0, reconcile.Ready: 0, reconcile.Running: 0}
	for _, r := range c.source.Rows() {
		counts[r.Status]++
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.rows, prometheus.GaugeValue, float64(n), status.String())
	}

	s := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.passes, prometheus.CounterValue, float64(s.Passes))
	ch <- prometheus.MustNewConstMetric(c.failedPasses, prometheus.CounterValue, float64(s.FailedPasses))
	ch <- prometheus.MustNewConstMetric(c.autoConnects, prometheus.CounterValue, float64(s.AutoStarted), "started")
	ch <- prometheus.MustNewConstMetric(c.autoConnects, prometheus.CounterValue, float64(s.AutoFailed), "failed")
	ch <- prometheus.MustNewConstMetric(c.conflicts, prometheus.CounterValue, float64(s.Conflicts))
	if !s.LastPass.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastPass, prometheus.GaugeValue, float64(s.LastPass.UnixNano())/1e9)
	}

	b := c.source.Bus().Stats()
	ch <- prometheus.MustNewConstMetric(c.busEvents, prometheus.CounterValue, float64(b.Published), "published")
	ch <- prometheus.MustNewConstMetric(c.busEvents, prometheus.CounterValue, float64(b.Delivered), "delivered")
	ch <- prometheus.MustNewConstMetric(c.busEvents, prometheus.CounterValue, float64(b.Dropped), "dropped")
	ch <- prometheus.MustNewConstMetric(c.busSubscriptions, prometheus.GaugeValue, float64(b.Subscriptions))
}

// NewRegistry returns a registry with the collector plus the Go runtime
// and process collectors.
func NewRegistry(source Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
