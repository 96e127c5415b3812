package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cosmosconfig "cosmos-core/pkg/config"

	"cosmos-core/core"
	"cosmos-core/internal/statushttp"
)

func main() {
	rootCmd := &cobra.Command{Use: "cosmos-server"}
	rootCmd.AddCommand(runCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the authoritative world server",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(env); err != nil {
				logrus.Fatalf("cosmos-server: %v", err)
			}
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay (e.g. bootstrap)")
	return cmd
}

func serve(env string) error {
	log := logrus.StandardLogger()

	cfg, err := cosmosconfig.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	node, err := core.NewNode(core.NodeConfig{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	}, log)
	if err != nil {
		return fmt.Errorf("start network node: %w", err)
	}
	defer node.Close()

	store, err := core.OpenStore(cfg.Persistence.DBPath, log)
	if err != nil {
		return fmt.Errorf("open persistence store: %w", err)
	}
	defer store.Close()

	registry := core.NewRegistry(log)
	if cfg.Assets.BlockDefsPath != "" {
		if err := registry.LoadDefinitionFile(cfg.Assets.BlockDefsPath); err != nil {
			log.WithError(err).Warn("cosmos-server: block definitions not loaded, continuing with built-ins only")
		}
	}
	registry.Freeze()

	events := core.NewEventBus()
	world := core.NewDynamicStructure(registry, events)

	blockData := core.NewBlockDataStore(world)
	logic := core.NewLogicGraph(world)
	lod := core.NewLODTree(world)
	hub := core.NewReplicationHub(log)
	sync := core.NewStructureSync()
	sched := core.NewScheduler(log)

	registerSystems(sched, node, world, blockData, logic, lod, hub, sync)

	status := statushttp.NewServer(":9090", func() statushttp.Status {
		return statushttp.Status{
			TickRateHz:   cfg.Tick.RateHz,
			PeerCount:    len(node.Peers()),
			EntityCount:  registry.Len(),
			LoadFailures: store.LoadFailCount(),
		}
	})
	go func() {
		if err := status.Start(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("cosmos-server: status server stopped")
		}
	}()
	defer status.Close()

	log.WithFields(logrus.Fields{
		"listen_addr": cfg.Network.ListenAddr,
		"tick_hz":     cfg.Tick.RateHz,
	}).Info("cosmos-server: serving")

	return runTickLoop(sched, cfg.Tick.RateHz, cfg.Persistence.AutosaveSecs, store, node, log)
}

func registerSystems(
	sched *core.Scheduler,
	node *core.Node,
	world *core.Structure,
	blockData *core.BlockDataStore,
	logic *core.LogicGraph,
	lod *core.LODTree,
	hub *core.ReplicationHub,
	sync *core.StructureSync,
) {
	sched.Register(core.PhaseNettyReceive, core.System{
		Name: "replication.flush_buffered",
		Run: func(ctx context.Context) error {
			hub.FlushBuffered(func(core.EntityID) bool { return true }, func(core.ComponentUpdate) {})
			return nil
		},
	})
	sched.Register(core.PhaseMain, core.System{
		Name:   "blockdata.observe",
		Writes: []string{"blockdata"},
		Run: func(ctx context.Context) error {
			blockData.ObserveBlockChanges()
			return nil
		},
	})
	sched.Register(core.PhaseMain, core.System{
		Name:   "logic.tick",
		Writes: []string{"logic"},
		Run: func(ctx context.Context) error {
			logic.ObserveBlockChanges()
			logic.Tick()
			return nil
		},
	})
	sched.Register(core.PhasePostPhysics, core.System{
		Name:   "lod.recompute",
		Writes: []string{"lod"},
		Run: func(ctx context.Context) error {
			lod.ObserveBlockChanges()
			deltas := lod.Recompute()
			// Queue for drip-feed delivery: send_lods.rs dequeues exactly
			// one delta per connected player per tick, never a burst.
			lod.QueueForClients(deltas)
			return nil
		},
	})
	sched.Register(core.PhaseNettySend, core.System{
		Name: "replication.drain",
		Run: func(ctx context.Context) error {
			hub.DrainOutbound()
			return nil
		},
	})
	sched.Register(core.PhaseNettySend, core.System{
		Name: "lod.send",
		Run: func(ctx context.Context) error {
			for _, peer := range node.Peers() {
				lod.DequeueOne(string(peer))
			}
			return nil
		},
	})
}

func runTickLoop(sched *core.Scheduler, rateHz, autosaveSecs int, store *core.Store, node *core.Node, log *logrus.Logger) error {
	if rateHz <= 0 {
		rateHz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(rateHz))
	defer ticker.Stop()

	if autosaveSecs <= 0 {
		autosaveSecs = 300
	}
	autosave := time.NewTicker(time.Duration(autosaveSecs) * time.Second)
	defer autosave.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-ticker.C:
			if err := sched.RunTick(ctx); err != nil {
				logrus.WithError(err).Warn("cosmos-server: tick returned error")
			}
		case <-autosave.C:
			// Skip entirely if nobody is connected to save for.
			if len(node.Peers()) == 0 {
				continue
			}
			log.Info("cosmos-server: triggering autosave")
			if err := store.DoneSaving(store.DoSaving()); err != nil {
				log.WithError(err).Warn("cosmos-server: autosave failed")
			}
		case <-stop:
			blobs := store.DoSaving()
			return store.DoneSaving(blobs)
		}
	}
}
