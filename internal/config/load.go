package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment variables. A missing
// config file is not an error; every key has a default.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("nodeagent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/nodeagent")
	}

	// Environment variable support: NODE_INGEST_URL=http://...
	v.SetEnvPrefix("NODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}

// SetDefaults installs the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("node.fw_version", "0.1.0")
	v.SetDefault("node.heartbeat_interval", "10s")
	v.SetDefault("node.announce_interval", "60s")

	v.SetDefault("event.schema_version", 1)
	v.SetDefault("event.queue_capacity", 300)
	v.SetDefault("event.validate", true)

	v.SetDefault("ingest.url", "http://pi-logger.local:8088/v1/ingest")
	v.SetDefault("ingest.timeout", "2s")
	v.SetDefault("ingest.batch_size", 1)
	v.SetDefault("ingest.retry_base", "1s")
	v.SetDefault("ingest.retry_max", "30s")
	v.SetDefault("ingest.emit_interval", "60s")
	v.SetDefault("ingest.transport", "http")
	v.SetDefault("ingest.mqtt.broker", "")
	v.SetDefault("ingest.mqtt.topic", "strangelab/ingest")
	v.SetDefault("ingest.mqtt.client_id", "")
	v.SetDefault("ingest.mqtt.username", "")
	v.SetDefault("ingest.mqtt.password", "")
	v.SetDefault("ingest.mqtt.qos", 1)

	v.SetDefault("wifi.ssid", "")
	v.SetDefault("wifi.pass", "")
	v.SetDefault("wifi.retry_base", "1s")
	v.SetDefault("wifi.retry_max", "30s")
	v.SetDefault("wifi.connect_timeout", "15s")
	v.SetDefault("wifi.passive_scan", true)
	v.SetDefault("wifi.scan_interval", "0s")
	v.SetDefault("wifi.scan_dwell", "200ms")
	v.SetDefault("wifi.scan_timeout", "10s")
	v.SetDefault("wifi.ap_cache_size", 100)
	v.SetDefault("wifi.ap_dedupe_window", "0s")
	v.SetDefault("wifi.ap_emit_per_scan", 100)

	v.SetDefault("ble.enabled", true)
	v.SetDefault("ble.capacity", 128)
	v.SetDefault("ble.dedupe_window", "5s")
	v.SetDefault("ble.max_per_second", 10)
	v.SetDefault("ble.scan_interval", "45ms")
	v.SetDefault("ble.scan_window", "15ms")
	v.SetDefault("ble.restart_threshold", "60s")

	v.SetDefault("probe.http_timeout", "1500ms")
	v.SetDefault("probe.ping_count", 3)
	v.SetDefault("probe.ping_timeout", "2s")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 80)
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("store.path", "./data/node.db")

	v.SetDefault("platform.kind", "sim")
	v.SetDefault("platform.interface", "")
	v.SetDefault("platform.associate", false)
	v.SetDefault("platform.poll_interval", "1s")
	v.SetDefault("platform.demo.enabled", true)
	v.SetDefault("platform.demo.ssid", "StrangeLab")
	v.SetDefault("platform.demo.pass", "")
	v.SetDefault("platform.demo.devices", 24)
	v.SetDefault("platform.demo.aps", 8)
	v.SetDefault("platform.demo.adv_interval", "250ms")
	v.SetDefault("platform.demo.scan_time", "2600ms")

	v.SetDefault("loop.yield", "1ms")
	v.SetDefault("loop.inbox_size", 256)

	v.SetDefault("locallog.capacity", 200)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
