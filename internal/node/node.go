// Package node is the sensor-node runtime: a single cooperative loop that
// owns every piece of mutable node state and services the radios, the
// event pipeline, ingest and the introspection surface in a fixed order.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strangelab/nodeagent/internal/backoff"
	"github.com/strangelab/nodeagent/internal/ble"
	"github.com/strangelab/nodeagent/internal/clock"
	"github.com/strangelab/nodeagent/internal/config"
	"github.com/strangelab/nodeagent/internal/event"
	"github.com/strangelab/nodeagent/internal/identity"
	"github.com/strangelab/nodeagent/internal/ingest"
	"github.com/strangelab/nodeagent/internal/locallog"
	"github.com/strangelab/nodeagent/internal/mdns"
	"github.com/strangelab/nodeagent/internal/platform"
	"github.com/strangelab/nodeagent/internal/portal"
	"github.com/strangelab/nodeagent/internal/probe"
	"github.com/strangelab/nodeagent/internal/wifi"
)

var (
	// ErrRestartRequested is returned by Run when the node asked to be
	// rebooted, after a credential save.
	ErrRestartRequested = errors.New("node restart requested")

	// ErrStopped is returned by Do once the loop has exited.
	ErrStopped = errors.New("node loop stopped")
)

// Prefs is the persistent key/value store the node reads credentials from
// and the portal writes them to.
type Prefs interface {
	wifi.Prefs
	portal.Saver
}

// Options wires a node to its board and collaborators. Clock, Registrar
// and Jitter may be left nil.
type Options struct {
	Config    config.NodeConfig
	Backend   platform.Backend
	Inbox     *platform.Inbox
	Prefs     Prefs
	Transport ingest.Transport
	Clock     clock.Clock
	Registrar mdns.Registrar
	Jitter    backoff.Jitter
	Logger    *zap.Logger
}

type call struct {
	fn   func()
	done chan struct{}
}

// Node is the runtime aggregate. Everything except Do, RequestRestart,
// SetServerStarted, SetSelfURL, the NodeAPI methods and Probe must be called
// from the loop goroutine.
type Node struct {
	cfg    config.NodeConfig
	clk    clock.Clock
	logger *zap.Logger
	inbox  *platform.Inbox
	radio  wifi.Radio
	sys    platform.System

	nodeID   string
	hostname string
	mac      string
	bootID   string

	queue    *event.Queue
	admitter *event.Admitter
	pipeline *event.Pipeline
	sink     *locallog.Sink
	station  *wifi.Station
	apScan   *wifi.Scanner
	bleScan  *ble.Scanner
	ingest   *ingest.Client
	mdns     *mdns.Advertiser
	portal   *portal.Portal
	prober   *probe.Prober

	calls   chan call
	kick    chan struct{}
	stopped chan struct{}

	restartReq atomic.Bool
	serving    atomic.Bool
	selfURL    atomic.Pointer[string]

	booted        bool
	portalMode    bool
	lastConnected bool
	lastIP        string
	lastHeartbeat uint64
	lastAnnounce  uint64
	loopMaxMs     uint64
	minHeap       uint64
	ticks         uint64
}

// New assembles a node. Credentials are read from prefs here; a read
// failure is logged and treated as no credentials.
func New(ctx context.Context, opts Options) (*Node, error) {
	if opts.Backend.WiFi == nil {
		return nil, errors.New("node: backend has no wifi radio")
	}
	if opts.Inbox == nil {
		return nil, errors.New("node: inbox is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("node: ingest transport is required")
	}
	if opts.Prefs == nil {
		return nil, errors.New("node: prefs store is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewMonotonic()
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = backoff.RandomJitter
	}
	sys := opts.Backend.System
	if sys == nil {
		sys = platform.HostSystem{}
	}

	radio := opts.Backend.WiFi
	hwaddr := radio.MAC()
	nodeID := identity.NodeID(cfg.Node.ID, hwaddr)
	hostname := identity.SanitizeHostname(nodeID)

	n := &Node{
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		inbox:    opts.Inbox,
		radio:    radio,
		sys:      sys,
		nodeID:   nodeID,
		hostname: hostname,
		mac:      identity.FormatMAC(hwaddr),
		bootID:   uuid.NewString(),
		calls:    make(chan call),
		kick:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}

	n.queue = event.NewQueue(cfg.Event.QueueCapacity)
	n.admitter = event.NewAdmitter(n.queue, cfg.Event.Validate)
	n.pipeline = &event.Pipeline{
		Builder:  event.NewBuilder(cfg.Event.SchemaVersion, nodeID, clk),
		Admitter: n.admitter,
	}
	n.sink = locallog.New(logger.Named("local"), cfg.LocalLog.Capacity)

	creds, err := wifi.LoadCredentials(ctx, opts.Prefs, wifi.Credentials{SSID: cfg.WiFi.SSID, Pass: cfg.WiFi.Pass})
	switch {
	case errors.Is(err, wifi.ErrNoCredentials):
		logger.Info("no wifi credentials stored")
	case err != nil:
		logger.Warn("wifi credentials unreadable, starting provisioning", zap.Error(err))
	}
	n.station = wifi.NewStation(wifi.StationConfig{
		RetryBase:      cfg.WiFi.RetryBase,
		RetryMax:       cfg.WiFi.RetryMax,
		ConnectTimeout: cfg.WiFi.ConnectTimeout,
		Jitter:         jitter,
	}, radio, creds, logger.Named("wifi"))
	n.station.OnStatus(n.emitWiFiStatus)

	n.apScan = wifi.NewScanner(wifi.ScanConfig{
		Enabled:      cfg.WiFi.PassiveScan,
		Interval:     cfg.WiFi.ScanInterval,
		Dwell:        cfg.WiFi.ScanDwell,
		MaxResults:   cfg.WiFi.APCacheSize,
		DedupeWindow: cfg.WiFi.APDedupeWindow,
		EmitPerScan:  cfg.WiFi.APEmitPerScan,
		Timeout:      cfg.WiFi.ScanTimeout,
	}, radio, logger.Named("apscan"))

	if cfg.BLE.Enabled && opts.Backend.BLE != nil {
		n.bleScan = ble.NewScanner(ble.Config{
			Capacity:         cfg.BLE.Capacity,
			DedupeWindow:     cfg.BLE.DedupeWindow,
			MaxPerSecond:     cfg.BLE.MaxPerSecond,
			ScanInterval:     cfg.BLE.ScanInterval,
			ScanWindow:       cfg.BLE.ScanWindow,
			RestartThreshold: cfg.BLE.RestartThreshold,
		}, opts.Backend.BLE, logger.Named("ble"))
	}

	n.ingest = ingest.NewClient(n.queue, opts.Transport, n.sink, clk, ingest.Config{
		BatchSize:    cfg.Ingest.BatchSize,
		EmitInterval: cfg.Ingest.EmitInterval,
		Backoff:      backoff.Policy{Base: cfg.Ingest.RetryBase, Max: cfg.Ingest.RetryMax, Jitter: jitter},
	}, logger.Named("ingest"))

	n.mdns = mdns.New(mdns.Config{
		Hostname:  hostname,
		Port:      cfg.Server.Port,
		NodeID:    nodeID,
		FWVersion: cfg.Node.FWVersion,
		Chip:      sys.ChipModel(),
	}, opts.Registrar, logger.Named("mdns"))

	n.portal = portal.New(identity.PortalSSID(identity.EfuseFromMAC(hwaddr)), radio, opts.Prefs,
		n.RequestRestart, portal.DefaultRestartDelay, logger.Named("portal"))

	n.prober = probe.New(probe.Config{
		IngestURL:   cfg.Ingest.URL,
		HTTPTimeout: cfg.Probe.HTTPTimeout,
		PingCount:   cfg.Probe.PingCount,
		PingTimeout: cfg.Probe.PingTimeout,
	}, logger.Named("probe"))

	host := cfg.Server.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	n.SetSelfURL("http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)) + "/health")

	return n, nil
}

// OnEvent registers fn to receive every admitted event. fn runs on the loop
// and must not block. Register before Run.
func (n *Node) OnEvent(fn func(raw []byte)) { n.admitter.OnAccept(fn) }

// Portal is the provisioning portal, active only without credentials.
func (n *Node) Portal() *portal.Portal { return n.portal }

func (n *Node) NodeID() string   { return n.nodeID }
func (n *Node) Hostname() string { return n.hostname }

// SetServerStarted records whether the introspection server is listening;
// it feeds the ok flag of /health.
func (n *Node) SetServerStarted(v bool) { n.serving.Store(v) }

// SetSelfURL overrides the URL the http_self probe fetches.
func (n *Node) SetSelfURL(u string) { n.selfURL.Store(&u) }

// RequestRestart asks the loop to return ErrRestartRequested at the end of
// the current tick. Safe for concurrent use.
func (n *Node) RequestRestart() {
	n.restartReq.Store(true)
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// Boot performs the one-time start sequence: associate or raise the
// provisioning portal, start BLE scanning, and emit node.boot.
func (n *Node) Boot() {
	if n.booted {
		return
	}
	n.booted = true
	now := n.clk.NowMs()
	n.lastHeartbeat = now

	if n.station.NeedsPortal() {
		n.portalMode = true
		if err := n.portal.Start(); err != nil {
			n.logger.Error("provisioning portal failed to start", zap.Error(err))
		}
	} else {
		n.station.Ensure(now)
	}

	if n.bleScan != nil {
		n.bleScan.Start(now)
	}

	n.emitBoot()
	n.logger.Info("node booted",
		zap.String("hostname", n.hostname),
		zap.String("mac", n.mac),
		zap.String("boot_id", n.bootID),
		zap.Bool("portal", n.portalMode),
		zap.String("ingest", n.ingest.Transport().Target()),
	)
}

// Tick runs one ordered iteration of the loop. It returns
// ErrRestartRequested once a restart has been asked for.
func (n *Node) Tick(ctx context.Context) error {
	start := n.clk.NowMs()
	n.ticks++

	n.serveCalls()
	n.inbox.Drain(n.handle)

	now := n.clk.NowMs()
	if !n.portalMode {
		n.station.Ensure(now)
	}
	if n.bleScan != nil {
		n.bleScan.Watchdog(now)
	}
	n.mdns.Ensure(n.station.Connected(), n.station.IP())
	n.apScan.MaybeStart(now, n.station.Connected())
	n.station.CheckTimeout(now)

	n.detectLink()

	now = n.clk.NowMs()
	if now-n.lastHeartbeat >= durMs(n.cfg.Node.HeartbeatInterval) {
		n.lastHeartbeat = now
		n.emitHeartbeat()
	}
	if n.station.Connected() && now-n.lastAnnounce >= durMs(n.cfg.Node.AnnounceInterval) {
		n.emitAnnounce()
	}

	res := n.ingest.Drain(ctx, n.station.Connected())
	if res.OK != nil {
		n.emit(event.TypeIngestOK, res.OK)
	}
	if res.Failure != nil {
		n.emit(event.TypeIngestErr, res.Failure, event.Field{Key: "err", Value: res.Failure.Err})
	}

	if heap := n.sys.FreeHeap(); n.minHeap == 0 || heap < n.minHeap {
		n.minHeap = heap
	}
	if took := n.clk.NowMs() - start; took > n.loopMaxMs {
		n.loopMaxMs = took
	}

	if n.restartReq.Load() {
		return ErrRestartRequested
	}
	return nil
}

// detectLink emits wifi.status and node.announce when the station comes up
// or its address changes.
func (n *Node) detectLink() {
	connected := n.station.Connected()
	ip := n.station.IP()
	if connected == n.lastConnected && (!connected || ip == n.lastIP) {
		return
	}
	n.lastConnected = connected
	n.lastIP = ip
	if connected {
		n.emitWiFiStatus()
		n.emitAnnounce()
	}
}

func (n *Node) handle(m platform.Message) {
	now := n.clk.NowMs()
	switch m.Kind {
	case platform.WiFiAssociated:
		n.station.OnAssociated(now)
	case platform.WiFiGotIP:
		n.station.OnGotIP(now)
	case platform.WiFiDisconnected:
		n.station.OnDisconnected(now, m.Reason)
	case platform.WiFiScanDone:
		n.apScan.HandleScanDone(now, n.emitAPSeen)
	case platform.BLEAdvertisement:
		if n.bleScan != nil && n.bleScan.HandleAdvertisement(m.Adv, now) {
			n.emitBLESeen(m.Adv)
		}
	default:
		n.logger.Debug("unknown radio message", zap.Stringer("kind", m.Kind))
	}
}

// Run boots the node and loops until ctx is done or a restart is requested.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.stopped)
	defer n.mdns.Shutdown()

	n.Boot()
	for {
		if err := n.Tick(ctx); err != nil {
			n.logger.Info("node loop exiting", zap.Error(err))
			return err
		}
		if err := n.yield(ctx); err != nil {
			return err
		}
	}
}

// yield waits up to loop.yield, returning early when a radio message, a
// restart request or an API call arrives. Calls are served in place.
func (n *Node) yield(ctx context.Context) error {
	d := n.cfg.Loop.Yield
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	case <-n.inbox.Wake():
	case <-n.kick:
	case c := <-n.calls:
		n.serve(c)
	}
	return nil
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (n *Node) Do(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case n.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopped:
		return ErrStopped
	}
	// Accepted calls always run to completion; fn may write into the
	// caller's variables.
	<-c.done
	return nil
}

func (n *Node) serveCalls() {
	for {
		select {
		case c := <-n.calls:
			n.serve(c)
		default:
			return
		}
	}
}

func (n *Node) serve(c call) {
	defer close(c.done)
	defer func() {
		if rec := recover(); rec != nil {
			n.logger.Error("panic in loop call", zap.Any("panic", rec))
		}
	}()
	c.fn()
}

// Probe runs req off the loop and, when req.Emit is set, enqueues probe.net
// and probe.http from the loop.
func (n *Node) Probe(ctx context.Context, req probe.Request) (probe.Result, error) {
	if !req.Any() {
		return probe.Result{}, nil
	}
	res := n.prober.Run(ctx, req, *n.selfURL.Load())
	if !req.Emit {
		return res, nil
	}
	if err := n.Do(ctx, func() { n.emitProbe(res) }); err != nil {
		return res, fmt.Errorf("emit probe events: %w", err)
	}
	return res, nil
}

func durMs(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}
