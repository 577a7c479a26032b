// Package mdns advertises the node's HTTP surface over multicast DNS.
package mdns

import (
	"fmt"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	Service = "_http._tcp"
	Domain  = "local."
)

// State of the advertiser within one boot.
const (
	StatePending = "pending"
	StateStarted = "started"
	StateFailed  = "failed"
)

// Registration is everything needed to publish one service record.
type Registration struct {
	Instance string
	Host     string
	Port     int
	IPs      []string
	TXT      []string
}

// Server is a live advertisement.
type Server interface {
	Shutdown()
}

// Registrar publishes a registration.
type Registrar func(r Registration) (Server, error)

// ZeroconfRegistrar publishes via grandcat/zeroconf, answering for
// <host>.local with the given addresses.
func ZeroconfRegistrar(r Registration) (Server, error) {
	srv, err := zeroconf.RegisterProxy(r.Instance, Service, Domain, r.Port, r.Host, r.IPs, r.TXT, nil)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// Config describes what to advertise.
type Config struct {
	Hostname  string
	Port      int
	NodeID    string
	FWVersion string
	Chip      string
}

// Advertiser registers the service once the station is connected. A failed
// registration is not retried until the next boot.
type Advertiser struct {
	cfg      Config
	register Registrar
	logger   *zap.Logger

	state  string
	server Server
	err    error
}

// New returns an advertiser. A nil register uses ZeroconfRegistrar.
func New(cfg Config, register Registrar, logger *zap.Logger) *Advertiser {
	if register == nil {
		register = ZeroconfRegistrar
	}
	return &Advertiser{cfg: cfg, register: register, logger: logger, state: StatePending}
}

// Ensure registers the service if connected and no attempt has been made
// yet. It reports whether an attempt was made on this call.
func (a *Advertiser) Ensure(connected bool, ip string) bool {
	if !connected || a.state != StatePending {
		return false
	}
	reg := Registration{
		Instance: a.cfg.Hostname,
		Host:     a.cfg.Hostname,
		Port:     a.cfg.Port,
		IPs:      []string{ip},
		TXT: []string{
			"node_id=" + a.cfg.NodeID,
			"fw_version=" + a.cfg.FWVersion,
			"chip=" + a.cfg.Chip,
		},
	}
	srv, err := a.register(reg)
	if err != nil {
		a.state = StateFailed
		a.err = fmt.Errorf("mdns register %s: %w", a.cfg.Hostname, err)
		a.logger.Warn("mdns start failed", zap.Error(a.err))
		return true
	}
	a.state = StateStarted
	a.server = srv
	a.logger.Info("mdns advertised",
		zap.String("host", a.cfg.Hostname+"."+Domain),
		zap.String("service", Service),
		zap.Int("port", a.cfg.Port),
	)
	return true
}

func (a *Advertiser) State() string { return a.state }

// Err is the registration failure, if any.
func (a *Advertiser) Err() error { return a.err }

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
