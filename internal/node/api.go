package node

import (
	"context"

	"github.com/strangelab/nodeagent/internal/ble"
	"github.com/strangelab/nodeagent/internal/ingest"
	"github.com/strangelab/nodeagent/internal/locallog"
	"github.com/strangelab/nodeagent/internal/version"
	"github.com/strangelab/nodeagent/internal/wifi"
)

// DefaultBLELimit is the /ble/latest page size when none is given.
const DefaultBLELimit = 50

// Health is the GET /health document.
type Health struct {
	OK       bool          `json:"ok"`
	NodeID   string        `json:"node_id"`
	UptimeMs uint64        `json:"uptime_ms"`
	HeapFree uint64        `json:"heap_free"`
	WiFi     WiFiHealth    `json:"wifi"`
	Ingest   ingest.Status `json:"ingest"`
	BLE      BLEHealth     `json:"ble"`
	Build    BuildInfo     `json:"build"`
	Time     TimeInfo      `json:"time"`
}

type WiFiHealth struct {
	Connected bool       `json:"connected"`
	State     wifi.State `json:"state"`
	IP        string     `json:"ip"`
	RSSI      int        `json:"rssi"`
	SSID      string     `json:"ssid"`
	FailCount int        `json:"fail_count"`
	Portal    bool       `json:"portal"`
	Reason    *int       `json:"reason,omitempty"`
	Auth      string     `json:"auth,omitempty"`
}

type BLEHealth struct {
	Enabled     bool   `json:"enabled"`
	SeenCount   uint64 `json:"seen_count"`
	DropCount   uint64 `json:"drop_count"`
	DedupeCount uint64 `json:"dedupe_count"`
}

type BuildInfo struct {
	FWVersion string `json:"fw_version"`
	Chip      string `json:"chip"`
	Rev       string `json:"rev"`
	SDK       string `json:"sdk"`
	Agent     string `json:"agent"`
}

type TimeInfo struct {
	TsMs uint64 `json:"ts_ms"`
}

// Metrics is the GET /metrics document. Several counters appear under both
// their short and long names for older dashboards.
type Metrics struct {
	QueueDepth        int    `json:"queue_depth"`
	Drops             uint64 `json:"drops"`
	BLESeen           uint64 `json:"ble_seen"`
	IngestOK          uint64 `json:"ingest_ok"`
	IngestErr         uint64 `json:"ingest_err"`
	EventQueueDepth   int    `json:"event_queue_depth"`
	EventQueueCap     int    `json:"event_queue_capacity"`
	EventDropCount    uint64 `json:"event_drop_count"`
	EventInvalidCount uint64 `json:"event_invalid_count"`
	EventSeq          uint64 `json:"event_seq"`
	IngestOKCount     uint64 `json:"ingest_ok_count"`
	IngestErrCount    uint64 `json:"ingest_err_count"`
	LastIngestOKMs    uint64 `json:"last_ingest_ok_ms"`
	LastIngestErrMs   uint64 `json:"last_ingest_err_ms"`
	BLESeenCount      uint64 `json:"ble_seen_count"`
	BLEDedupeCount    uint64 `json:"ble_dedupe_count"`
	BLERingOverwrite  uint64 `json:"ble_ring_overwrite"`
	BLEScanRestarts   uint64 `json:"ble_scan_restarts"`
	BLEScanStalls     uint64 `json:"ble_scan_stalls"`
	LoopMaxMs         uint64 `json:"loop_max_ms"`
	BLEMinHeap        uint64 `json:"ble_min_heap"`
	WiFiAPSeenCount   uint64 `json:"wifi_ap_seen_count"`
	WiFiAPDedupeCount uint64 `json:"wifi_ap_dedupe_count"`
	WiFiAPDropCount   uint64 `json:"wifi_ap_drop_count"`
	WiFiAPScanCount   uint64 `json:"wifi_ap_scan_count"`
	WiFiAPScanErrors  uint64 `json:"wifi_ap_scan_errors"`
	WiFiAPScanTimeout uint64 `json:"wifi_ap_scan_timeouts"`
	InboxDropCount    uint64 `json:"inbox_drop_count"`
	LocalLogWritten   uint64 `json:"local_log_written"`
}

// ConfigView is the GET /config document. The Wi-Fi password is masked.
type ConfigView struct {
	NodeID             string `json:"node_id"`
	FWVersion          string `json:"fw_version"`
	IngestURL          string `json:"ingest_url"`
	IngestTransport    string `json:"ingest_transport"`
	WiFiSSID           string `json:"wifi_ssid"`
	WiFiPassMasked     string `json:"wifi_pass_masked"`
	Hostname           string `json:"hostname"`
	EventSchemaVersion int    `json:"event_schema_version"`
	EventQueueCapacity int    `json:"event_queue_capacity"`
	IngestBatchSize    int    `json:"ingest_batch_size"`
	IngestTimeoutMs    int64  `json:"ingest_timeout_ms"`
	AnnounceIntervalMs int64  `json:"announce_interval_ms"`
	WiFiPassiveScan    bool   `json:"wifi_passive_scan"`
	WiFiScanIntervalMs int64  `json:"wifi_scan_interval_ms"`
	WiFiScanPassiveMs  int64  `json:"wifi_scan_passive_ms"`
	BLEEnabled         bool   `json:"ble_enabled"`
	BLEScanInterval    int64  `json:"ble_scan_interval"`
	BLEScanWindow      int64  `json:"ble_scan_window"`
}

// WhoAmI is the GET /whoami document.
type WhoAmI struct {
	OK         bool       `json:"ok"`
	NodeID     string     `json:"node_id"`
	IP         string     `json:"ip"`
	Gateway    string     `json:"gw"`
	Mask       string     `json:"mask"`
	DNS        [2]string  `json:"dns"`
	RSSI       int        `json:"rssi"`
	MAC        string     `json:"mac"`
	Hostname   string     `json:"hostname"`
	Chip       string     `json:"chip"`
	FWVersion  string     `json:"fw_version"`
	BootID     string     `json:"boot_id"`
	WiFiState  wifi.State `json:"wifi_state"`
	WiFiReason *int       `json:"wifi_reason,omitempty"`
	WiFiAuth   string     `json:"wifi_auth,omitempty"`
	TsMs       uint64     `json:"ts_ms"`
	UptimeMs   uint64     `json:"uptime_ms"`
}

// WiFiView is the GET /wifi document.
type WiFiView struct {
	OK        bool           `json:"ok"`
	Connected bool           `json:"connected"`
	State     wifi.State     `json:"state"`
	SSID      string         `json:"ssid"`
	IP        string         `json:"ip"`
	Gateway   string         `json:"gw"`
	Mask      string         `json:"mask"`
	DNS       [2]string      `json:"dns"`
	RSSI      int            `json:"rssi"`
	MAC       string         `json:"mac"`
	FailCount int            `json:"fail_count"`
	NextTryMs uint64         `json:"next_attempt_ms"`
	Reason    *int           `json:"reason,omitempty"`
	Auth      string         `json:"auth,omitempty"`
	Scan      wifi.ScanStats `json:"scan"`
}

// BLELatest is the GET /ble/latest document.
type BLELatest struct {
	Items []ble.Observation `json:"items"`
}

// RecentLog is the GET /log/recent document.
type RecentLog struct {
	Written  uint64          `json:"written"`
	Capacity int             `json:"capacity"`
	Items    []locallog.Line `json:"items"`
}

// Health snapshots /health on the loop.
func (n *Node) Health(ctx context.Context) (Health, error) {
	var h Health
	err := n.Do(ctx, func() { h = n.health() })
	return h, err
}

func (n *Node) health() Health {
	now := n.clk.NowMs()
	link := n.radio.Link()
	st := n.station.Status(n.hostname)

	h := Health{
		OK:       n.station.Connected() && n.serving.Load(),
		NodeID:   n.nodeID,
		UptimeMs: now,
		HeapFree: n.sys.FreeHeap(),
		WiFi: WiFiHealth{
			Connected: st.Connected,
			State:     st.State,
			RSSI:      link.RSSI,
			SSID:      link.SSID,
			FailCount: n.station.FailCount(),
			Portal:    n.portalMode,
			Reason:    st.Reason,
			Auth:      st.Auth,
		},
		Ingest: n.ingest.Status(),
		Build:  n.build(),
		Time:   TimeInfo{TsMs: now},
	}
	if st.IP != nil {
		h.WiFi.IP = *st.IP
	}
	if n.bleScan != nil {
		s := n.bleScan.Stats()
		h.BLE = BLEHealth{Enabled: true, SeenCount: s.SeenCount, DropCount: s.RingOverwrite, DedupeCount: s.DedupeCount}
	}
	return h
}

func (n *Node) build() BuildInfo {
	return BuildInfo{
		FWVersion: n.cfg.Node.FWVersion,
		Chip:      n.sys.ChipModel(),
		Rev:       n.sys.ChipRevision(),
		SDK:       n.sys.SDKVersion(),
		Agent:     version.Short(),
	}
}

// Metrics snapshots /metrics on the loop.
func (n *Node) Metrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	err := n.Do(ctx, func() { m = n.metrics() })
	return m, err
}

func (n *Node) metrics() Metrics {
	ing := n.ingest.Status()
	ap := n.apScan.Stats()
	var bs ble.Stats
	if n.bleScan != nil {
		bs = n.bleScan.Stats()
	}
	return Metrics{
		QueueDepth:        n.queue.Len(),
		Drops:             n.admitter.Dropped(),
		BLESeen:           bs.SeenCount,
		IngestOK:          ing.OKCount,
		IngestErr:         ing.ErrCount,
		EventQueueDepth:   n.queue.Len(),
		EventQueueCap:     n.queue.Cap(),
		EventDropCount:    n.admitter.Dropped(),
		EventInvalidCount: n.admitter.Invalid(),
		EventSeq:          n.pipeline.Builder.Seq(),
		IngestOKCount:     ing.OKCount,
		IngestErrCount:    ing.ErrCount,
		LastIngestOKMs:    ing.LastOKMs,
		LastIngestErrMs:   ing.LastErrMs,
		BLESeenCount:      bs.SeenCount,
		BLEDedupeCount:    bs.DedupeCount,
		BLERingOverwrite:  bs.RingOverwrite,
		BLEScanRestarts:   bs.ScanRestarts,
		BLEScanStalls:     bs.ScanStalls,
		LoopMaxMs:         n.loopMaxMs,
		BLEMinHeap:        n.minHeap,
		WiFiAPSeenCount:   ap.Seen,
		WiFiAPDedupeCount: ap.Dedupe,
		WiFiAPDropCount:   ap.Drops,
		WiFiAPScanCount:   ap.Scans,
		WiFiAPScanErrors:  ap.Errors,
		WiFiAPScanTimeout: ap.Timeouts,
		InboxDropCount:    n.inbox.Dropped(),
		LocalLogWritten:   n.sink.Written(),
	}
}

// Config echoes the effective configuration.
func (n *Node) Config(ctx context.Context) (ConfigView, error) {
	var c ConfigView
	err := n.Do(ctx, func() { c = n.configView() })
	return c, err
}

func (n *Node) configView() ConfigView {
	creds := n.station.Credentials()
	masked := ""
	if creds.Pass != "" {
		masked = "***"
	}
	cfg := n.cfg
	return ConfigView{
		NodeID:             n.nodeID,
		FWVersion:          cfg.Node.FWVersion,
		IngestURL:          n.ingest.Transport().Target(),
		IngestTransport:    cfg.Ingest.Transport,
		WiFiSSID:           creds.SSID,
		WiFiPassMasked:     masked,
		Hostname:           n.hostname,
		EventSchemaVersion: cfg.Event.SchemaVersion,
		EventQueueCapacity: n.queue.Cap(),
		IngestBatchSize:    n.ingest.BatchSize(),
		IngestTimeoutMs:    cfg.Ingest.Timeout.Milliseconds(),
		AnnounceIntervalMs: cfg.Node.AnnounceInterval.Milliseconds(),
		WiFiPassiveScan:    cfg.WiFi.PassiveScan,
		WiFiScanIntervalMs: cfg.WiFi.ScanInterval.Milliseconds(),
		WiFiScanPassiveMs:  cfg.WiFi.ScanDwell.Milliseconds(),
		BLEEnabled:         n.bleScan != nil,
		BLEScanInterval:    cfg.BLE.ScanInterval.Milliseconds(),
		BLEScanWindow:      cfg.BLE.ScanWindow.Milliseconds(),
	}
}

// WhoAmI snapshots the node's network identity.
func (n *Node) WhoAmI(ctx context.Context) (WhoAmI, error) {
	var w WhoAmI
	err := n.Do(ctx, func() { w = n.whoami() })
	return w, err
}

func (n *Node) whoami() WhoAmI {
	now := n.clk.NowMs()
	link := n.radio.Link()
	st := n.station.Status(n.hostname)
	w := WhoAmI{
		OK:         true,
		NodeID:     n.nodeID,
		Gateway:    st.Gateway,
		Mask:       st.Mask,
		DNS:        st.DNS,
		RSSI:       link.RSSI,
		MAC:        n.mac,
		Hostname:   n.hostname,
		Chip:       n.sys.ChipModel(),
		FWVersion:  n.cfg.Node.FWVersion,
		BootID:     n.bootID,
		WiFiState:  st.State,
		WiFiReason: st.Reason,
		WiFiAuth:   st.Auth,
		TsMs:       now,
		UptimeMs:   now,
	}
	if st.IP != nil {
		w.IP = *st.IP
	}
	return w
}

// WiFi snapshots the station and the passive scanner.
func (n *Node) WiFi(ctx context.Context) (WiFiView, error) {
	var v WiFiView
	err := n.Do(ctx, func() { v = n.wifiView() })
	return v, err
}

func (n *Node) wifiView() WiFiView {
	st := n.station.Status(n.hostname)
	v := WiFiView{
		OK:        true,
		Connected: st.Connected,
		State:     st.State,
		SSID:      st.SSID,
		Gateway:   st.Gateway,
		Mask:      st.Mask,
		DNS:       st.DNS,
		RSSI:      st.RSSI,
		MAC:       st.MAC,
		FailCount: n.station.FailCount(),
		NextTryMs: n.station.NextAttemptMs(),
		Reason:    st.Reason,
		Auth:      st.Auth,
		Scan:      n.apScan.Stats(),
	}
	if st.IP != nil {
		v.IP = *st.IP
	}
	return v
}

// BLELatest returns up to limit observations, newest first. limit <= 0
// means DefaultBLELimit; larger values are clamped to the ring capacity.
func (n *Node) BLELatest(ctx context.Context, limit int) (BLELatest, error) {
	out := BLELatest{Items: []ble.Observation{}}
	err := n.Do(ctx, func() {
		if n.bleScan == nil {
			return
		}
		if limit <= 0 {
			limit = DefaultBLELimit
		}
		limit = min(limit, n.bleScan.Capacity())
		out.Items = n.bleScan.Latest(limit)
	})
	return out, err
}

// BLEStats snapshots the BLE scanner counters.
func (n *Node) BLEStats(ctx context.Context) (ble.Stats, error) {
	var s ble.Stats
	err := n.Do(ctx, func() {
		if n.bleScan != nil {
			s = n.bleScan.Stats()
		}
	})
	return s, err
}

// RecentLog returns up to limit local log lines, newest first. The sink is
// safe for concurrent use so this does not go through the loop.
func (n *Node) RecentLog(_ context.Context, limit int) (RecentLog, error) {
	if limit <= 0 || limit > n.sink.Capacity() {
		limit = n.sink.Capacity()
	}
	return RecentLog{Written: n.sink.Written(), Capacity: n.sink.Capacity(), Items: n.sink.Recent(limit)}, nil
}
