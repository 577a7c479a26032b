package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/strangelab/nodeagent/internal/config"
	"github.com/strangelab/nodeagent/internal/identity"
	"github.com/strangelab/nodeagent/internal/ingest"
	"github.com/strangelab/nodeagent/internal/node"
	"github.com/strangelab/nodeagent/internal/platform"
	"github.com/strangelab/nodeagent/internal/platform/linux"
	"github.com/strangelab/nodeagent/internal/platform/sim"
	"github.com/strangelab/nodeagent/internal/server"
	"github.com/strangelab/nodeagent/internal/store"
	"github.com/strangelab/nodeagent/internal/version"
	"github.com/strangelab/nodeagent/internal/ws"
)

// restartPause separates a soft reboot from the next boot.
const restartPause = 250 * time.Millisecond

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	v, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	settings := config.New(v)
	cfg, err := settings.Node()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(settings, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("nodeagent starting", zap.String("version", version.Short()))
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prefs, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		logger.Fatal("failed to open preferences store", zap.Error(err))
	}
	defer prefs.Close()
	if err := prefs.CheckVersion(ctx, version.Short()); err != nil {
		logger.Fatal("preferences store version check failed", zap.Error(err))
	}
	logger.Info("preferences store opened", zap.String("component", "store"), zap.String("path", cfg.Store.Path))

	for boot := 1; ; boot++ {
		err := runBoot(ctx, settings, cfg, prefs, logger)
		switch {
		case errors.Is(err, node.ErrRestartRequested):
			logger.Info("soft reboot", zap.Int("boot", boot))
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartPause):
			}
			continue
		case err == nil || errors.Is(err, context.Canceled):
			logger.Info("nodeagent stopped")
			return
		default:
			logger.Fatal("node failed", zap.Error(err))
		}
	}
}

// runBoot brings up one node lifetime: board, transport, node, event stream
// and HTTP server. It returns when ctx is done or the node asks to restart.
func runBoot(ctx context.Context, settings config.Config, cfg config.NodeConfig, prefs *store.Store, bootLogger *zap.Logger) error {
	bootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := platform.NewInbox(cfg.Loop.InboxSize)
	backend, err := openBackend(bootCtx, cfg, inbox, bootLogger)
	if err != nil {
		return fmt.Errorf("open platform backend: %w", err)
	}
	defer func() {
		if backend.Close != nil {
			_ = backend.Close()
		}
	}()

	nodeID := identity.NodeID(cfg.Node.ID, backend.WiFi.MAC())
	logger, err := config.NewLogger(settings, nodeID)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	transport, closeTransport, err := openTransport(cfg, nodeID, logger.Named("ingest"))
	if err != nil {
		return fmt.Errorf("open ingest transport: %w", err)
	}
	defer closeTransport()

	n, err := node.New(bootCtx, node.Options{
		Config:    cfg,
		Backend:   backend,
		Inbox:     inbox,
		Prefs:     prefs,
		Transport: transport,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	hub := ws.NewHub(logger.Named("ws"))
	defer hub.CloseAll()
	n.OnEvent(hub.Broadcast)

	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr(),
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		CallTimeout: 2 * time.Second,
		Collectors:  []prometheus.Collector{node.NewCollector(n, time.Second)},
	}, n, logger.Named("server"), ws.NewHandler(hub, logger.Named("ws")), n.Portal())

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		logger.Error("HTTP server failed to listen; continuing without it", zap.Error(err))
	} else {
		n.SetServerStarted(true)
		go func() {
			if err := srv.Serve(ln); err != nil {
				logger.Error("HTTP server stopped", zap.Error(err))
				n.SetServerStarted(false)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server shutdown", zap.Error(err))
			}
		}()
	}

	return n.Run(bootCtx)
}

func openBackend(ctx context.Context, cfg config.NodeConfig, inbox *platform.Inbox, logger *zap.Logger) (platform.Backend, error) {
	switch cfg.Platform.Kind {
	case config.PlatformLinux:
		return linux.NewBackend(ctx, linux.Config{
			Interface:    cfg.Platform.Interface,
			Associate:    cfg.Platform.Associate,
			PollInterval: cfg.Platform.PollInterval,
		}, inbox, logger.Named("platform"))
	default:
		board := sim.NewBoard(inbox)
		if d := cfg.Platform.Demo; d.Enabled {
			board.StartDemo(ctx, sim.DemoConfig{
				SSID:        d.SSID,
				Pass:        d.Pass,
				Devices:     d.Devices,
				APs:         d.APs,
				AdvInterval: d.AdvInterval,
				ScanTime:    d.ScanTime,
				Seed:        uint64(time.Now().UnixNano()),
			})
			logger.Info("simulated board running demo traffic",
				zap.String("component", "platform"),
				zap.String("ssid", d.SSID),
				zap.Int("devices", d.Devices),
				zap.Int("aps", d.APs),
			)
		}
		return board.Backend(), nil
	}
}

func openTransport(cfg config.NodeConfig, nodeID string, logger *zap.Logger) (ingest.Transport, func(), error) {
	if cfg.Ingest.Transport == config.TransportMQTT {
		m := cfg.Ingest.MQTT
		if m.ClientID == "" {
			m.ClientID = nodeID
		}
		t, err := ingest.NewMQTTTransport(ingest.MQTTConfig{
			Broker:   m.Broker,
			Topic:    m.Topic,
			ClientID: m.ClientID,
			Username: m.Username,
			Password: m.Password,
			QoS:      m.QoS,
			Timeout:  cfg.Ingest.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	}
	t, err := ingest.NewHTTPTransport(cfg.Ingest.URL, cfg.Ingest.Timeout)
	if err != nil {
		return nil, nil, err
	}
	return t, func() {}, nil
}
