package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tactlink/tactlink/internal/config"
	"github.com/tactlink/tactlink/internal/coordinator"
	"github.com/tactlink/tactlink/internal/discovery"
	"github.com/tactlink/tactlink/internal/election"
	"github.com/tactlink/tactlink/internal/health"
	"github.com/tactlink/tactlink/internal/metrics"
	"github.com/tactlink/tactlink/internal/model"
	"github.com/tactlink/tactlink/internal/pattern"
	"github.com/tactlink/tactlink/internal/power"
	"github.com/tactlink/tactlink/internal/server"
	"github.com/tactlink/tactlink/internal/store"
	"github.com/tactlink/tactlink/internal/timesync"
	"github.com/tactlink/tactlink/internal/transport"
	"github.com/tactlink/tactlink/internal/wire"
)

func main() {
	// Initialize logger
	logger, err := initLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	if os.Getenv("LOG_LEVEL") == "" && cfg.Logging.Level != "" {
		if replaced, err := initLogger(cfg.Logging.Level); err == nil {
			logger = replaced
		}
	}

	zone, _ := model.ParseZone(cfg.Node.Zone)
	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Node.NodeID),
		zap.String("zone", zone.String()),
		zap.Int("port", cfg.Transport.Port))

	// Metrics registry
	m := metrics.NewMetrics(cfg.Node.NodeID)

	// Bond store
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	// Beacon transport
	tr, err := transport.NewUDPTransport(cfg.Transport.BindAddr, cfg.Transport.AdvertiseAddr, cfg.Transport.Port, logger)
	if err != nil {
		logger.Fatal("Failed to bind transport", zap.Error(err))
	}
	defer tr.Close()

	// Capacity monitor
	monitor := power.NewModelMonitor(power.ModelConfig{
		InitialCapacity: cfg.Power.InitialCapacity,
		DrainPerHour:    cfg.Power.DrainPerHour,
		ReadInterval:    cfg.Power.ReadInterval,
	}, m, logger)

	// Peer discovery
	var disco *discovery.Service
	if cfg.Discovery.Enabled {
		disco, err = discovery.NewService(&discovery.Config{
			Enabled:        cfg.Discovery.Enabled,
			BindPort:       cfg.Discovery.BindPort,
			SeedNodes:      cfg.Discovery.SeedNodes,
			GossipInterval: cfg.Discovery.GossipInterval,
			ProbeTimeout:   cfg.Discovery.ProbeTimeout,
			ProbeInterval:  cfg.Discovery.ProbeInterval,
		}, cfg.Node.NodeID, zone, tr.LocalAddr(), logger)
		if err != nil {
			logger.Fatal("Failed to initialize discovery", zap.Error(err))
		}
		defer disco.Shutdown()
	}

	peers := func() []model.NodeInfo {
		if disco == nil {
			return nil
		}
		return disco.Peers()
	}
	setSoliciting := func(v bool) error {
		if disco == nil {
			return nil
		}
		return disco.SetSoliciting(v)
	}

	// The wiring below has a cycle (sync service -> elector/coordinator
	// callbacks -> sync service broadcast), broken with late-bound vars.
	var syncSvc *timesync.Service
	var elector *election.Elector
	var coord *coordinator.Coordinator
	var engine *pattern.Engine

	syncSvc = timesync.NewService(timesync.ServiceConfig{
		NodeID: cfg.Node.NodeID,
		Clock: timesync.ClockConfig{
			SlewRatePPM:      cfg.Sync.SlewRatePPM,
			StepThresholdUs:  cfg.Sync.StepThreshold.Microseconds(),
			RegressionWindow: cfg.Sync.RegressionWindow,
		},
		Selector: timesync.SelectorConfig{
			NoiseMarginUs: cfg.Sync.NoiseMargin.Microseconds(),
			Tracker: timesync.TrackerConfig{
				MinIntervalUs:  cfg.Sync.MinInterval.Microseconds(),
				MaxIntervalUs:  cfg.Sync.MaxInterval.Microseconds(),
				TrustThreshold: cfg.Sync.TrustThreshold,
				GoodQuality:    cfg.Sync.GoodQuality,
				MaxDelayUs:     cfg.Transport.MaxDelay.Microseconds(),
			},
		},
		MaxDelayUs:      cfg.Transport.MaxDelay.Microseconds(),
		ExchangeTimeout: cfg.Transport.ExchangeTimeout,
		HoldoverCeiling: cfg.Sync.HoldoverCeiling,
	}, tr, timesync.Deps{
		Peers:     peers,
		Capacity:  monitor.Capacity,
		CycleIdle: func() bool { return engine.CycleIdle() },
		OnGeneration: func(g model.Generation) {
			if err := coord.Adopt(context.Background(), g); err != nil {
				logger.Debug("generation not adopted", zap.Error(err))
			}
		},
		OnElection: func(capacity uint8, nodeID string) {
			elector.HandleAnnouncement(context.Background(), capacity, nodeID)
			elector.Touch()
		},
		OnDegraded:  func() { engine.Halt() },
		OnRecovered: func() { engine.Resume() },
	}, m, logger)

	elector = election.NewElector(election.Config{
		HandoffThreshold: cfg.Election.HandoffThreshold,
		SurvivorTimeout:  cfg.Election.SurvivorTimeout,
		DecisionTimeout:  cfg.Election.DecisionTimeout,
	}, cfg.Node.NodeID, election.Deps{
		Capacity: monitor.Capacity,
		Announce: func(ctx context.Context, capacity uint8) {
			payload, err := wire.EncodeElection(capacity, cfg.Node.NodeID)
			if err != nil {
				logger.Error("failed to encode election frame", zap.Error(err))
				return
			}
			syncSvc.Broadcast(ctx, payload)
		},
		SetSoliciting: setSoliciting,
		OnRole: func(role model.Role) {
			engine.Wake()
			if role == model.RoleServer {
				// A fresh server establishes the pattern clock, or
				// republishes the surviving one after a handoff.
				ctx := context.Background()
				if coord.Current().Valid() {
					coord.Rebroadcast(ctx)
				} else if err := coord.SetCycle(ctx, cfg.Pattern.DefaultCycle); err != nil {
					logger.Warn("failed to establish default cycle", zap.Error(err))
				}
			}
		},
	}, m, logger)

	coord = coordinator.New(cfg.Node.NodeID, coordinator.Deps{
		Now:       func() int64 { return syncSvc.Now() },
		Role:      elector.Role,
		Broadcast: syncSvc.Broadcast,
		OnForeignServer: func(ctx context.Context, peerID string) {
			elector.PeerClaimsServer(ctx, peerID)
		},
	}, m, logger)
	coord.OnGeneration = func(g model.Generation) {
		engine.Wake()
		if err := st.SaveGeneration(g); err != nil {
			logger.Warn("failed to persist generation", zap.Error(err))
		}
	}

	engine = pattern.NewEngine(pattern.Config{
		DutyPercent: cfg.Pattern.DutyPercent,
	}, &pattern.LogActuator{Logger: logger}, pattern.Deps{
		Now:       func() int64 { return syncSvc.Now() },
		Role:      elector.Role,
		NextEpoch: coord.NextEpoch,
		Cycle:     func() int64 { return coord.Current().CycleMicros },
	}, m, logger)

	// Restore the persisted generation so a restart mid-session does not
	// accept an older pattern clock from a stale rebroadcast.
	if g, err := st.LoadGeneration(); err != nil {
		logger.Warn("failed to load persisted generation", zap.Error(err))
	} else if g.Valid() {
		if err := coord.Adopt(context.Background(), g); err != nil {
			logger.Debug("persisted generation not restored", zap.Error(err))
		}
	}

	// Health checks and metrics endpoint
	checker := health.NewHealthChecker(cfg.Node.NodeID, logger)
	checker.Snapshot = syncSvc.Snapshot
	checker.Role = elector.Role
	checker.PeerCount = func() int { return len(peers()) }
	checker.Capacity = monitor.Capacity

	var metricsSrv *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsSrv = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
		}, m, checker, logger)
		metricsSrv.Capacity = monitor.Capacity
		if err := metricsSrv.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
		defer metricsSrv.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persist the bond when the peer first appears.
	if disco != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-disco.Events():
					if ev.Kind == "leave" {
						continue
					}
					elector.Touch()
					if err := st.SaveBond(ev.Peer.ID, ev.Peer.Zone); err != nil {
						logger.Warn("failed to persist bond", zap.Error(err))
					}
				}
			}
		}()
	}

	// Drain diagnostic events into the log.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-syncSvc.Events():
				logger.Info("diagnostic", zap.String("kind", string(ev.Kind)),
					zap.String("peer", ev.NodeID), zap.String("detail", ev.Detail))
			case ev := <-elector.Events():
				logger.Info("diagnostic", zap.String("kind", string(ev.Kind)),
					zap.String("peer", ev.NodeID), zap.String("detail", ev.Detail))
			}
		}
	}()

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down gracefully...")
		checker.SetReadiness(false)
		cancel()
	}()

	logger.Info("tactlink node starting",
		zap.String("node_id", cfg.Node.NodeID),
		zap.String("sync_addr", tr.LocalAddr()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syncSvc.Run(gctx) })
	g.Go(func() error { return elector.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { monitor.Start(gctx); return nil })
	g.Go(func() error { checker.Start(gctx); return nil })

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatal("node exited", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

// initLogger initializes the zap logger
func initLogger(level string) (*zap.Logger, error) {
	lvl := zap.InfoLevel
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		lvl = parsed.Level()
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	return config.Build()
}
