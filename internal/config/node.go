package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// NodeConfig is the typed view of every setting the node reads.
type NodeConfig struct {
	Node     NodeSection     `mapstructure:"node"`
	Event    EventSection    `mapstructure:"event"`
	Ingest   IngestSection   `mapstructure:"ingest"`
	WiFi     WiFiSection     `mapstructure:"wifi"`
	BLE      BLESection      `mapstructure:"ble"`
	Probe    ProbeSection    `mapstructure:"probe"`
	Server   ServerSection   `mapstructure:"server"`
	Store    StoreSection    `mapstructure:"store"`
	Platform PlatformSection `mapstructure:"platform"`
	Loop     LoopSection     `mapstructure:"loop"`
	LocalLog LocalLogSection `mapstructure:"locallog"`
	Logging  LoggingSection  `mapstructure:"logging"`
}

type NodeSection struct {
	ID                string        `mapstructure:"id"`
	FWVersion         string        `mapstructure:"fw_version"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	AnnounceInterval  time.Duration `mapstructure:"announce_interval"`
}

type EventSection struct {
	SchemaVersion int  `mapstructure:"schema_version"`
	QueueCapacity int  `mapstructure:"queue_capacity"`
	Validate      bool `mapstructure:"validate"`
}

type IngestSection struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
	RetryBase    time.Duration `mapstructure:"retry_base"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
	EmitInterval time.Duration `mapstructure:"emit_interval"`
	Transport    string        `mapstructure:"transport"`
	MQTT         MQTTSection   `mapstructure:"mqtt"`
}

type MQTTSection struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	QoS      byte   `mapstructure:"qos"`
}

type WiFiSection struct {
	SSID           string        `mapstructure:"ssid"`
	Pass           string        `mapstructure:"pass"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PassiveScan    bool          `mapstructure:"passive_scan"`
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	ScanDwell      time.Duration `mapstructure:"scan_dwell"`
	ScanTimeout    time.Duration `mapstructure:"scan_timeout"`
	APCacheSize    int           `mapstructure:"ap_cache_size"`
	APDedupeWindow time.Duration `mapstructure:"ap_dedupe_window"`
	APEmitPerScan  int           `mapstructure:"ap_emit_per_scan"`
}

type BLESection struct {
	Enabled          bool          `mapstructure:"enabled"`
	Capacity         int           `mapstructure:"capacity"`
	DedupeWindow     time.Duration `mapstructure:"dedupe_window"`
	MaxPerSecond     int           `mapstructure:"max_per_second"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	ScanWindow       time.Duration `mapstructure:"scan_window"`
	RestartThreshold time.Duration `mapstructure:"restart_threshold"`
}

type ProbeSection struct {
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	PingCount   int           `mapstructure:"ping_count"`
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
}

type ServerSection struct {
	Host      string  `mapstructure:"host"`
	Port      int     `mapstructure:"port"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// Addr returns the listen address as host:port.
func (s ServerSection) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type StoreSection struct {
	Path string `mapstructure:"path"`
}

type PlatformSection struct {
	Kind         string        `mapstructure:"kind"`
	Interface    string        `mapstructure:"interface"`
	Associate    bool          `mapstructure:"associate"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Demo         DemoSection   `mapstructure:"demo"`
}

type DemoSection struct {
	Enabled     bool          `mapstructure:"enabled"`
	SSID        string        `mapstructure:"ssid"`
	Pass        string        `mapstructure:"pass"`
	Devices     int           `mapstructure:"devices"`
	APs         int           `mapstructure:"aps"`
	AdvInterval time.Duration `mapstructure:"adv_interval"`
	ScanTime    time.Duration `mapstructure:"scan_time"`
}

type LoopSection struct {
	Yield     time.Duration `mapstructure:"yield"`
	InboxSize int           `mapstructure:"inbox_size"`
}

type LocalLogSection struct {
	Capacity int `mapstructure:"capacity"`
}

type LoggingSection struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Platform kinds.
const (
	PlatformSim   = "sim"
	PlatformLinux = "linux"
)

// Ingest transports.
const (
	TransportHTTP = "http"
	TransportMQTT = "mqtt"
)

// Validate rejects settings the node cannot run with.
func (c NodeConfig) Validate() error {
	var errs []error
	if c.Event.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("event.queue_capacity must be >= 1, got %d", c.Event.QueueCapacity))
	}
	if c.Ingest.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("ingest.batch_size must be >= 1, got %d", c.Ingest.BatchSize))
	}
	if c.Ingest.BatchSize > c.Event.QueueCapacity && c.Event.QueueCapacity >= 1 {
		errs = append(errs, fmt.Errorf("ingest.batch_size %d exceeds event.queue_capacity %d",
			c.Ingest.BatchSize, c.Event.QueueCapacity))
	}
	switch c.Ingest.Transport {
	case TransportHTTP:
	case TransportMQTT:
		if c.Ingest.MQTT.Broker == "" {
			errs = append(errs, errors.New("ingest.mqtt.broker is required for the mqtt transport"))
		}
		if c.Ingest.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("ingest.mqtt.qos must be 0, 1 or 2, got %d", c.Ingest.MQTT.QoS))
		}
	default:
		errs = append(errs, fmt.Errorf("ingest.transport %q: must be %q or %q",
			c.Ingest.Transport, TransportHTTP, TransportMQTT))
	}
	if c.Ingest.RetryBase <= 0 || c.Ingest.RetryMax < c.Ingest.RetryBase {
		errs = append(errs, errors.New("ingest.retry_base must be > 0 and <= ingest.retry_max"))
	}
	if c.WiFi.RetryBase <= 0 || c.WiFi.RetryMax < c.WiFi.RetryBase {
		errs = append(errs, errors.New("wifi.retry_base must be > 0 and <= wifi.retry_max"))
	}
	if c.WiFi.APCacheSize < 1 {
		errs = append(errs, fmt.Errorf("wifi.ap_cache_size must be >= 1, got %d", c.WiFi.APCacheSize))
	}
	if c.BLE.Capacity < 1 {
		errs = append(errs, fmt.Errorf("ble.capacity must be >= 1, got %d", c.BLE.Capacity))
	}
	if c.Node.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("node.heartbeat_interval must be > 0"))
	}
	switch c.Platform.Kind {
	case PlatformSim, PlatformLinux:
	default:
		errs = append(errs, fmt.Errorf("platform.kind %q: must be %q or %q",
			c.Platform.Kind, PlatformSim, PlatformLinux))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}
