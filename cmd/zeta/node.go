package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kabili207/zeta-go/config"
	"github.com/kabili207/zeta-go/core/identity"
	"github.com/kabili207/zeta-go/device/node"
	"github.com/kabili207/zeta-go/device/relay"
	"github.com/kabili207/zeta-go/httpapi"
	"github.com/kabili207/zeta-go/metrics"
	"github.com/kabili207/zeta-go/transport/mdns"
	"github.com/kabili207/zeta-go/transport/memory"
	"github.com/kabili207/zeta-go/transport/mqtt"
	"github.com/kabili207/zeta-go/transport/serial"
)

const shutdownTimeout = 5 * time.Second

func nodeCmd() *cobra.Command {
	cfg, loadErr := config.Load()
	if cfg == nil {
		cfg = config.Default()
	}

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a feed node",
		Long: `Start a feed node serving the REST API on --listen. With --relay the
node also accepts relay clients on /ws.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := setupLogger(verbose || cfg.Verbose)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runNode(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&cfg.Relay, "relay", cfg.Relay, "accept relay clients on /ws")
	f.BoolVar(&cfg.NoMDNS, "no-mdns", cfg.NoMDNS, "disable mDNS discovery")
	f.StringVar(&cfg.RelayAddr, "relay-addr", cfg.RelayAddr, "upstream rendezvous broker, used when --mqtt-broker is not set")
	f.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	f.StringVar(&cfg.KeyFile, "key-file", cfg.KeyFile, "node identity key file")
	f.IntVar(&cfg.FeedCapacity, "feed-capacity", cfg.FeedCapacity, "maximum number of posts kept")
	f.StringVar(&cfg.Mesh, "mesh", cfg.Mesh, "extra mesh substrate (none or memory)")
	f.IntVar(&cfg.SimPeers, "sim-peers", cfg.SimPeers, "in-process peers joined to the memory mesh")
	f.StringVar(&cfg.MQTTBroker, "mqtt-broker", cfg.MQTTBroker, "MQTT broker URL")
	f.StringVar(&cfg.MQTTUsername, "mqtt-username", cfg.MQTTUsername, "MQTT username")
	f.StringVar(&cfg.MQTTPassword, "mqtt-password", cfg.MQTTPassword, "MQTT password")
	f.StringVar(&cfg.MQTTMesh, "mqtt-mesh", cfg.MQTTMesh, "MQTT mesh name")
	f.StringVar(&cfg.SerialPort, "serial-port", cfg.SerialPort, "serial device carrying mesh frames")
	f.IntVar(&cfg.SerialBaud, "serial-baud", cfg.SerialBaud, "serial baud rate")
	f.BoolVar(&cfg.Bridge, "bridge", cfg.Bridge, "re-broadcast mesh posts across substrates")
	f.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "mesh heartbeat interval (0 disables)")
	f.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "directory of static web client files")

	return cmd
}

func runNode(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	id, created, err := identity.LoadOrGenerate(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if created {
		logger.Info("generated new identity", zap.String("key_file", cfg.KeyFile))
	}
	peerID := id.PeerID().String()

	m := metrics.New(prometheus.NewRegistry())
	n := node.New(node.Config{
		Identity:          id,
		FeedCapacity:      cfg.FeedCapacity,
		BridgeSubstrates:  cfg.Bridge,
		HeartbeatInterval: cfg.Heartbeat,
		Metrics:           m,
		Logger:            logger,
	})
	defer n.Close()

	if err := attachSubstrates(ctx, cfg, n, peerID, logger); err != nil {
		return err
	}

	var bridge *relay.Bridge
	if cfg.Relay {
		bridge, err = relay.New(relay.Config{Core: n, Metrics: m, Logger: logger})
		if err != nil {
			return fmt.Errorf("create relay bridge: %w", err)
		}
		defer bridge.Close()
	}

	srv, err := httpapi.NewServer(httpapi.Config{
		Addr:      cfg.Listen,
		Core:      n,
		Relay:     bridge,
		Metrics:   m,
		StaticDir: cfg.StaticDir,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	logger.Info("starting zeta node",
		zap.String("peer_id", peerID),
		zap.Bool("relay", cfg.Relay),
		zap.String("listen", cfg.Listen))

	g, gctx := errgroup.WithContext(ctx)

	if err := n.Start(gctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down zeta node")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if bridge != nil {
			_ = bridge.Close()
		}
		return srv.Stop(shutdownCtx)
	})

	return g.Wait()
}

// attachSubstrates registers every configured mesh and discovery substrate
// with n.
func attachSubstrates(ctx context.Context, cfg *config.Config, n *node.Node, peerID string, logger *zap.Logger) error {
	if broker := cfg.Broker(); broker != "" {
		t := mqtt.New(mqtt.Config{
			Broker:      broker,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			MeshID:      cfg.MQTTMesh,
			PeerID:      peerID,
			Addresses:   []string{cfg.Listen},
			Logger:      logger,
		})
		n.AddMesh(t)
		n.AddDiscovery(t)
	}

	if cfg.SerialPort != "" {
		n.AddMesh(serial.New(serial.Config{
			Port:     cfg.SerialPort,
			BaudRate: cfg.SerialBaud,
			Logger:   logger,
		}))
	}

	if !cfg.NoMDNS {
		port, err := listenPort(cfg.Listen)
		if err != nil {
			return fmt.Errorf("mdns: %w", err)
		}
		n.AddDiscovery(mdns.New(mdns.Config{
			PeerID: peerID,
			Port:   port,
			Logger: logger,
		}))
	}

	if cfg.Mesh == config.MeshMemory {
		return attachMemoryMesh(ctx, cfg.SimPeers, n, peerID, logger)
	}
	return nil
}

// attachMemoryMesh joins n to an in-process network shared with count
// simulated peers. The peers live until ctx is done.
func attachMemoryMesh(ctx context.Context, count int, n *node.Node, peerID string, logger *zap.Logger) error {
	network := memory.NewNetwork()
	ep := network.Endpoint(peerID, "memory:"+peerID)
	n.AddMesh(ep)
	n.AddDiscovery(ep)

	for i := 0; i < count; i++ {
		id, err := identity.Generate()
		if err != nil {
			return fmt.Errorf("simulated peer: %w", err)
		}
		pid := id.PeerID().String()
		sim := node.New(node.Config{
			Identity: id,
			Logger:   logger.Named("sim").With(zap.String("peer", id.PeerID().ShortString())),
		})
		simEp := network.Endpoint(pid, "memory:"+pid)
		sim.AddMesh(simEp)
		sim.AddDiscovery(simEp)
		if err := sim.Start(ctx); err != nil {
			return fmt.Errorf("start simulated peer: %w", err)
		}
		go func() {
			<-ctx.Done()
			_ = sim.Close()
		}()
	}
	return nil
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, errors.New("invalid listen port " + strconv.Quote(p))
	}
	return port, nil
}
