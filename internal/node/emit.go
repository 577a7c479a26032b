package node

import (
	"go.uber.org/zap"

	"github.com/strangelab/nodeagent/internal/ble"
	"github.com/strangelab/nodeagent/internal/event"
	"github.com/strangelab/nodeagent/internal/probe"
	"github.com/strangelab/nodeagent/internal/wifi"
)

// BootData is the node.boot payload.
type BootData struct {
	BootID     string  `json:"boot_id"`
	FWVersion  string  `json:"fw_version"`
	ChipModel  string  `json:"chip_model"`
	ChipRev    string  `json:"chip_rev"`
	MAC        string  `json:"mac"`
	Hostname   string  `json:"hostname"`
	HeapFree   uint64  `json:"heap_free"`
	SDKVersion string  `json:"sdk_version"`
	IngestURL  string  `json:"ingest_url"`
	IP         *string `json:"ip"`
}

// HeartbeatData is the node.heartbeat payload.
type HeartbeatData struct {
	UptimeMs     uint64  `json:"uptime_ms"`
	MAC          string  `json:"mac"`
	Hostname     string  `json:"hostname"`
	WiFiRSSI     int     `json:"wifi_rssi"`
	IP           *string `json:"ip"`
	HeapFree     uint64  `json:"heap_free"`
	QueueDepth   int     `json:"queue_depth"`
	BLESeenTotal uint64  `json:"ble_seen_total"`
}

// AnnounceData is the node.announce payload.
type AnnounceData struct {
	NodeID    string    `json:"node_id"`
	IP        string    `json:"ip"`
	MAC       string    `json:"mac"`
	RSSI      int       `json:"rssi"`
	Hostname  string    `json:"hostname"`
	SSID      string    `json:"ssid"`
	Gateway   string    `json:"gw"`
	Mask      string    `json:"mask"`
	DNS       [2]string `json:"dns"`
	UptimeMs  uint64    `json:"uptime_ms"`
	FWVersion string    `json:"fw_version"`
	Chip      string    `json:"chip"`
	HTTPPort  int       `json:"http_port"`
}

func (n *Node) emit(typ event.Type, data any, extra ...event.Field) bool {
	out := n.pipeline.Emit(typ, data, extra...)
	if out != event.Accepted {
		n.logger.Debug("event not admitted",
			zap.String("type", string(typ)),
			zap.Stringer("outcome", out),
			zap.Int("queue_depth", n.queue.Len()),
		)
		return false
	}
	return true
}

// currentIP is the station address, or nil while offline.
func (n *Node) currentIP() *string {
	if ip := n.station.IP(); ip != "" {
		return &ip
	}
	return nil
}

func (n *Node) bleSeen() uint64 {
	if n.bleScan == nil {
		return 0
	}
	return n.bleScan.Seen()
}

func (n *Node) emitBoot() {
	n.emit(event.TypeBoot, BootData{
		BootID:     n.bootID,
		FWVersion:  n.cfg.Node.FWVersion,
		ChipModel:  n.sys.ChipModel(),
		ChipRev:    n.sys.ChipRevision(),
		MAC:        n.mac,
		Hostname:   n.hostname,
		HeapFree:   n.sys.FreeHeap(),
		SDKVersion: n.sys.SDKVersion(),
		IngestURL:  n.ingest.Transport().Target(),
		IP:         n.currentIP(),
	})
}

func (n *Node) emitHeartbeat() {
	n.emit(event.TypeHeartbeat, HeartbeatData{
		UptimeMs:     n.clk.NowMs(),
		MAC:          n.mac,
		Hostname:     n.hostname,
		WiFiRSSI:     n.radio.Link().RSSI,
		IP:           n.currentIP(),
		HeapFree:     n.sys.FreeHeap(),
		QueueDepth:   n.queue.Len(),
		BLESeenTotal: n.bleSeen(),
	})
}

func (n *Node) emitWiFiStatus() {
	n.emit(event.TypeWiFi, n.station.Status(n.hostname))
}

// emitAnnounce is a no-op while offline.
func (n *Node) emitAnnounce() {
	if !n.station.Connected() {
		return
	}
	link := n.radio.Link()
	n.emit(event.TypeAnnounce, AnnounceData{
		NodeID:    n.nodeID,
		IP:        wifi.IPString(link.IP),
		MAC:       n.mac,
		RSSI:      link.RSSI,
		Hostname:  n.hostname,
		SSID:      link.SSID,
		Gateway:   wifi.IPString(link.Gateway),
		Mask:      wifi.MaskString(link.Mask),
		DNS:       [2]string{wifi.IPString(link.DNS[0]), wifi.IPString(link.DNS[1])},
		UptimeMs:  n.clk.NowMs(),
		FWVersion: n.cfg.Node.FWVersion,
		Chip:      n.sys.ChipModel(),
		HTTPPort:  n.cfg.Server.Port,
	})
	n.lastAnnounce = n.clk.NowMs()
}

func (n *Node) emitAPSeen(d wifi.APSeenData) bool {
	return n.emit(event.TypeAPSeen, d)
}

func (n *Node) emitBLESeen(adv ble.Advertisement) {
	n.emit(event.TypeBLESeen, ble.SeenPayload(adv),
		event.Field{Key: "mac", Value: adv.MAC},
		event.Field{Key: "rssi", Value: adv.RSSI},
	)
}

func (n *Node) emitProbe(res probe.Result) {
	if d, ok := res.NetEvent(); ok {
		n.emit(event.TypeProbeNet, d)
	}
	if d, ok := res.HTTPEvent(); ok {
		n.emit(event.TypeProbeHTTP, d)
	}
}
