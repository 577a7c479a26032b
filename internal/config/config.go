// Package config loads node settings through Viper and exposes them both as
// a key/value accessor and as the typed NodeConfig.
package config

import (
	"github.com/spf13/viper"
)

// Config is the key/value view of the settings that NodeConfig does not
// carry, such as the logging keys read before a logger exists.
type Config interface {
	Unmarshal(target any) error
	GetString(key string) string
}

var _ Config = (*ViperConfig)(nil)

// ViperConfig wraps a Viper instance to implement Config.
type ViperConfig struct {
	v *viper.Viper
}

// New creates a Config backed by the given Viper instance.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

func (c *ViperConfig) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}

func (c *ViperConfig) GetString(key string) string {
	return c.v.GetString(key)
}

// Node decodes the whole tree into NodeConfig and validates it.
func (c *ViperConfig) Node() (NodeConfig, error) {
	var nc NodeConfig
	if err := c.Unmarshal(&nc); err != nil {
		return NodeConfig{}, err
	}
	if err := nc.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return nc, nil
}
