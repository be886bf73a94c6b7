package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/agent"
	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/pipeline"
	"github.com/cuemby/burrow/pkg/provider"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/tunnel"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker daemon",
	Long: `Run the broker daemon: state manager, pool reconciler, assignment
scheduler, task pipeline, actor callbacks, tunnel listener and control API.

Without --bootstrap or --join the broker runs standalone on its local
store. --bootstrap forms a new single-node raft cluster that other
brokers can join; --join starts raft and waits for the leader to add
this node (see "burrow cluster join").`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "path to config file")
	serveCmd.Flags().Bool("bootstrap", false, "bootstrap a new raft cluster")
	serveCmd.Flags().Bool("join", false, "start raft in join mode")
	serveCmd.Flags().Bool("no-tunnel", false, "disable the embedded tunnel listener")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	join, _ := cmd.Flags().GetBool("join")
	noTunnel, _ := cmd.Flags().GetBool("no-tunnel")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("serve")

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.RaftAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	switch {
	case bootstrap && join:
		return fmt.Errorf("--bootstrap and --join are mutually exclusive")
	case bootstrap:
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
		logger.Info().Str("node_id", cfg.NodeID).Msg("raft cluster bootstrapped")
	case join:
		if err := mgr.Join(); err != nil {
			return fmt.Errorf("failed to start raft: %w", err)
		}
		logger.Info().Str("node_id", cfg.NodeID).Msg("raft started, waiting for leader to add this node")
	default:
		logger.Info().Str("node_id", cfg.NodeID).Msg("running standalone")
	}

	providers := provider.NewRegistry()

	engine := pipeline.NewEngine(mgr, providers, pipeline.Config{
		Workers:      cfg.Pipeline.Workers,
		MaxRetries:   cfg.Pipeline.MaxRetries,
		BackoffBase:  cfg.Pipeline.BackoffBase,
		BackoffCap:   cfg.Pipeline.BackoffCap,
		TaskDeadline: cfg.Pipeline.TaskDeadline,
	})
	engine.Start()

	recon := reconciler.NewReconciler(mgr, engine, reconciler.Config{
		Interval:    cfg.Reconciler.Interval,
		GCGrace:     cfg.Reconciler.GCGrace,
		MaxParallel: cfg.Reconciler.MaxParallel,
	})
	recon.Start()

	sched := scheduler.NewScheduler(mgr, engine, scheduler.Config{
		SweepInterval:      cfg.Scheduler.SweepInterval,
		DefaultIdleTimeout: cfg.Scheduler.DefaultIdleTimeout,
	})
	sched.Start()

	collector := manager.NewMetricsCollector(mgr)
	collector.Start()

	tickets := tunnel.NewBroker(mgr, cfg.Tunnel.TicketTTL)

	var tunnelSrv *tunnel.Server
	if !noTunnel {
		tunnelSrv = tunnel.NewServer(tunnel.ServerConfig{
			ListenAddr:  cfg.Tunnel.ListenAddr,
			CertFile:    cfg.Tunnel.CertFile,
			KeyFile:     cfg.Tunnel.KeyFile,
			IdleTimeout: cfg.Tunnel.IdleTimeout,
		}, tickets)
		if err := tunnelSrv.Start(); err != nil {
			return err
		}
	}

	apiSrv := api.NewServer(mgr, sched, engine, tickets)
	actorSrv := agent.NewServer(mgr, sched)

	// The actor callbacks share the API listener
	if err := apiSrv.StartWith(cfg.APIAddr, actorSrv.Routes); err != nil {
		return err
	}

	logger.Info().Str("api_addr", cfg.APIAddr).Msg("broker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	apiSrv.Stop(shutdownCtx)
	if tunnelSrv != nil {
		tunnelSrv.Stop()
	}
	sched.Stop()
	recon.Stop()
	engine.Stop()
	collector.Stop()
	return mgr.Shutdown()
}
