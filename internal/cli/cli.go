// ============================================================================
// Edge Orchestrator CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for the orchestrator, the edge agent and remote
//          inspection.
//
// Command Structure:
//   orchestrator                   # Root command
//   ├── run                        # Start the orchestrator (gRPC + HTTP)
//   ├── agent                      # Start an edge agent against a remote orchestrator
//   │   ├── --id                  # Agent id
//   │   └── --capability k=v      # Repeatable capability
//   ├── status --agent <id>        # Publisher status of one agent
//   ├── sync                       # Run one placement tick remotely
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --env-file                 # Env file loaded before config expansion
//
// Configuration:
//   YAML with ${VAR} expansion. Sections: orchestrator, store, writer_groups,
//   matching, server, agent, log. See configs/default.yaml.
//
// Signal Handling:
//   run and agent stop on SIGINT/SIGTERM. run shuts down in order:
//   1. Stop accepting gRPC calls (graceful)
//   2. Shut the diagnostics HTTP server down
//   3. Stop the controller (final snapshot)
//   4. Close the job store
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/edge-orchestrator/internal/agent"
	"github.com/ChuLiYu/edge-orchestrator/internal/controller"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobconfig"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobmanager"
	"github.com/ChuLiYu/edge-orchestrator/internal/metrics"
	"github.com/ChuLiYu/edge-orchestrator/internal/placement"
	"github.com/ChuLiYu/edge-orchestrator/internal/server"
)

const remoteTimeout = 10 * time.Second

var (
	configFile string
	envFile    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Edge publisher job orchestrator",
		Long: `Places writer groups on edge publisher agents:
- Capability demand matching
- Active/passive lease allocation with redundancy
- Heartbeat-driven activation state
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", defaultEnvFile, "env file loaded before config expansion")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildAgentCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildSyncCommand())

	return rootCmd
}

// setup loads env, config and the logger shared by every command.
func setup(w io.Writer) (*Config, *slog.Logger, error) {
	if err := loadEnv(envFile); err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg, w)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator",
		Long:  "Start the placement reconciler, the gRPC lease service and the diagnostics HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runOrchestrator(ctx, cfg, logger)
		},
	}
	return cmd
}

// newOrchestrator wires the controller from cfg. The returned close function
// releases the job store.
func newOrchestrator(ctx context.Context, cfg *Config, logger *slog.Logger, collector *metrics.Collector) (*controller.Controller, *placement.FileSource, func() error, error) {
	if cfg.Store.SnapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SnapshotPath), 0755); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	source := placement.NewFileSource(cfg.WriterGroups.File)
	identities := jobconfig.NewLocalIdentities()

	ctrl, err := controller.New(controller.Config{
		StaleAfter:              cfg.Orchestrator.StaleAfter,
		HookTimeout:             cfg.Orchestrator.HookTimeout,
		ConflictRetries:         cfg.Orchestrator.LeaseRetryLimit,
		UpdatePlacementInterval: cfg.Orchestrator.UpdatePlacementInterval,
		SnapshotInterval:        cfg.Store.SnapshotInterval,
		SnapshotPath:            cfg.Store.SnapshotPath,
		CaseInsensitiveDemands:  cfg.Matching.CaseInsensitive,
		PushPlacement:           cfg.Orchestrator.PushPlacement,
	}, controller.Deps{
		Store:   store,
		Source:  source,
		Hooks:   []jobmanager.RegistrationHook{jobconfig.IdentityHook{Provider: identities}},
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		closeStore()
		return nil, nil, nil, err
	}
	return ctrl, source, closeStore, nil
}

func runOrchestrator(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	collector := metrics.NewCollector(prometheus.NewRegistry())

	ctrl, source, closeStore, err := newOrchestrator(ctx, cfg, logger, collector)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer closeStore()

	logger.Info("Starting orchestrator",
		"config", configFile,
		"store", cfg.Store.Driver,
		"writerGroups", source.Path(),
		"updatePlacementInterval", cfg.Orchestrator.UpdatePlacementInterval)

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	if cfg.WriterGroups.Watch {
		go func() {
			if err := source.Watch(ctx, ctrl.Trigger); err != nil {
				logger.Error("Writer group watch stopped", "error", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := server.NewServer(ctrl).NewGRPCServer()
	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()
	defer grpcServer.GracefulStop()

	if cfg.Server.HTTPPort > 0 {
		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
			Handler:           server.Router(ctrl, collector.Handler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server failed: %w", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("System started successfully")

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
		return nil
	case err := <-errCh:
		return err
	}
}

// ============================================================================
// agent
// ============================================================================

func buildAgentCommand() *cobra.Command {
	var (
		id           string
		orchestrator string
		capabilities map[string]string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start an edge publisher agent",
		Long:  "Pull writer group leases from a remote orchestrator and keep them alive with heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			applyAgentFlags(cfg, id, orchestrator, capabilities)
			if cfg.Agent.ID == "" {
				host, _ := os.Hostname()
				cfg.Agent.ID = host
			}

			client, conn, err := agent.Dial(cfg.Agent.Orchestrator)
			if err != nil {
				return err
			}
			defer conn.Close()

			a, err := agent.New(client, agent.Config{
				ID:                cfg.Agent.ID,
				Capabilities:      cfg.Agent.Capabilities,
				PollInterval:      cfg.Agent.PollInterval,
				HeartbeatInterval: cfg.Agent.HeartbeatInterval,
				Logger:            logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("Connecting to orchestrator", "addr", cfg.Agent.Orchestrator, "agentID", a.ID())
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "agent id (default: config agent.id or hostname)")
	cmd.Flags().StringVar(&orchestrator, "orchestrator", "", "orchestrator gRPC address")
	cmd.Flags().StringToStringVar(&capabilities, "capability", nil, "agent capability key=value (repeatable)")

	return cmd
}

// applyAgentFlags overrides the agent section with non-empty flags. Flag
// capabilities are merged over configured ones.
func applyAgentFlags(cfg *Config, id, orchestrator string, capabilities map[string]string) {
	if id != "" {
		cfg.Agent.ID = id
	}
	if orchestrator != "" {
		cfg.Agent.Orchestrator = orchestrator
	}
	if len(capabilities) == 0 {
		return
	}
	if cfg.Agent.Capabilities == nil {
		cfg.Agent.Capabilities = make(map[string]string, len(capabilities))
	}
	for k, v := range capabilities {
		cfg.Agent.Capabilities[k] = v
	}
}

// ============================================================================
// status / sync
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var (
		agentID      string
		orchestrator string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show publisher status of an agent",
		Long:  "Display the activation state of every writer group assigned to one agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			applyAgentFlags(cfg, "", orchestrator, nil)

			client, conn, err := agent.Dial(cfg.Agent.Orchestrator)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
			defer cancel()
			status, err := client.GetPublisherStatus(ctx, agentID)
			if err != nil {
				return fmt.Errorf("failed to get publisher status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Agent: %s\n", status.AgentID)
			if len(status.Entities) == 0 {
				fmt.Fprintln(out, "  └─ no writer groups assigned")
				return nil
			}
			for i, e := range status.Entities {
				branch := "├─"
				if i == len(status.Entities)-1 {
					branch = "└─"
				}
				fmt.Fprintf(out, "  %s %-24s %s\n", branch, e.ID, e.ActivationState)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&orchestrator, "orchestrator", "", "orchestrator gRPC address")
	cmd.MarkFlagRequired("agent")

	return cmd
}

func buildSyncCommand() *cobra.Command {
	var orchestrator string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize writer group placements now",
		Long:  "Run one placement reconciliation tick on a remote orchestrator and print what changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			applyAgentFlags(cfg, "", orchestrator, nil)

			client, conn, err := agent.Dial(cfg.Agent.Orchestrator)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
			defer cancel()
			res, err := client.SynchronizeWriterGroupPlacements(ctx)
			if err != nil {
				return fmt.Errorf("failed to synchronize placements: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created:    %v\n", res.Created)
			fmt.Fprintf(out, "Updated:    %v\n", res.Updated)
			fmt.Fprintf(out, "Deleted:    %v\n", res.Deleted)
			fmt.Fprintf(out, "Evicted:    %d\n", res.Evicted)
			fmt.Fprintf(out, "Rebalanced: %d\n", res.Rebalanced)
			ids := make([]string, 0, len(res.Failed))
			for id := range res.Failed {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(out, "Failed:     %s: %s\n", id, res.Failed[id])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&orchestrator, "orchestrator", "", "orchestrator gRPC address")

	return cmd
}
