package node

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const metricsNamespace = "nodeagent"

type metricSpec struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(Metrics) float64
}

// Collector exposes the /metrics counters to Prometheus. Each scrape takes
// one snapshot on the loop.
type Collector struct {
	node    *Node
	timeout time.Duration
	specs   []metricSpec
	up      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for n. A scrape waits at most timeout
// for the loop.
func NewCollector(n *Node, timeout time.Duration) *Collector {
	labels := prometheus.Labels{"node_id": n.nodeID}
	counter := func(name, help string, f func(Metrics) float64) metricSpec {
		return metricSpec{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, labels),
			kind:  prometheus.CounterValue,
			value: f,
		}
	}
	gauge := func(name, help string, f func(Metrics) float64) metricSpec {
		s := counter(name, help, f)
		s.kind = prometheus.GaugeValue
		return s
	}

	return &Collector{
		node:    n,
		timeout: timeout,
		up: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "loop_up"),
			"Whether the node loop answered the scrape.", nil, labels),
		specs: []metricSpec{
			gauge("event_queue_depth", "Events waiting for delivery.",
				func(m Metrics) float64 { return float64(m.EventQueueDepth) }),
			gauge("event_queue_capacity", "Event queue capacity.",
				func(m Metrics) float64 { return float64(m.EventQueueCap) }),
			counter("event_drops_total", "Events rejected by a full queue.",
				func(m Metrics) float64 { return float64(m.EventDropCount) }),
			counter("event_invalid_total", "Events rejected by validation.",
				func(m Metrics) float64 { return float64(m.EventInvalidCount) }),
			counter("ingest_ok_total", "Successful ingest deliveries.",
				func(m Metrics) float64 { return float64(m.IngestOKCount) }),
			counter("ingest_err_total", "Failed ingest deliveries.",
				func(m Metrics) float64 { return float64(m.IngestErrCount) }),
			counter("ble_seen_total", "BLE reports admitted past the rate cap.",
				func(m Metrics) float64 { return float64(m.BLESeenCount) }),
			counter("ble_dedupe_total", "BLE reports collapsed by the dedup window.",
				func(m Metrics) float64 { return float64(m.BLEDedupeCount) }),
			counter("ble_ring_overwrite_total", "BLE observations evicted from the ring.",
				func(m Metrics) float64 { return float64(m.BLERingOverwrite) }),
			counter("ble_scan_restarts_total", "BLE scan restarts.",
				func(m Metrics) float64 { return float64(m.BLEScanRestarts) }),
			counter("ble_scan_stalls_total", "BLE scans restarted after going quiet.",
				func(m Metrics) float64 { return float64(m.BLEScanStalls) }),
			counter("wifi_ap_seen_total", "wifi.ap_seen events admitted.",
				func(m Metrics) float64 { return float64(m.WiFiAPSeenCount) }),
			counter("wifi_ap_dedupe_total", "Access points suppressed by the AP cache.",
				func(m Metrics) float64 { return float64(m.WiFiAPDedupeCount) }),
			counter("wifi_ap_drops_total", "wifi.ap_seen events not admitted.",
				func(m Metrics) float64 { return float64(m.WiFiAPDropCount) }),
			counter("wifi_ap_scans_total", "Passive scans started.",
				func(m Metrics) float64 { return float64(m.WiFiAPScanCount) }),
			counter("wifi_ap_scan_timeouts_total", "Passive scans abandoned without a completion.",
				func(m Metrics) float64 { return float64(m.WiFiAPScanTimeout) }),
			counter("inbox_drops_total", "BLE advertisements lost to a full inbox.",
				func(m Metrics) float64 { return float64(m.InboxDropCount) }),
			gauge("loop_max_ms", "Longest loop iteration in milliseconds.",
				func(m Metrics) float64 { return float64(m.LoopMaxMs) }),
			gauge("heap_min_bytes", "Lowest free heap observed.",
				func(m Metrics) float64 { return float64(m.BLEMinHeap) }),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	for _, s := range c.specs {
		ch <- s.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	m, err := c.node.Metrics(ctx)
	if err != nil {
		c.node.logger.Debug("metrics scrape missed the loop", zap.Error(err))
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	for _, s := range c.specs {
		ch <- prometheus.MustNewConstMetric(s.desc, s.kind, s.value(m))
	}
}
