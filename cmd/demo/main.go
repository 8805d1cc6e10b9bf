package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ChuLiYu/edge-orchestrator/internal/agent"
	"github.com/ChuLiYu/edge-orchestrator/internal/controller"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobconfig"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobmanager"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobstore"
	"github.com/ChuLiYu/edge-orchestrator/internal/placement"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

const (
	staleAfter        = 2 * time.Second
	placementInterval = 500 * time.Millisecond
	pollInterval      = 300 * time.Millisecond
	heartbeatInterval = 500 * time.Millisecond
)

// In-process failover demo: three agents on two sites, two writer groups.
// The active agent of the redundant group is killed and its passive peer
// takes over once the lease goes stale.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	source := placement.NewStaticSource(
		placement.DesiredWriterGroup{
			ID:         "line-1",
			Name:       "Packaging line 1",
			Redundancy: types.RedundancyConfig{DesiredActiveAgents: 1, DesiredPassiveAgents: 1},
			Demands:    []types.Demand{{Key: "site", Operator: types.OpEquals, Value: "plant-1"}},
			Configuration: jobconfig.WriterGroupConfig{
				MessagingMode:      jobconfig.ModeDataSetMessages,
				PublishingInterval: time.Second,
			},
		},
		placement.DesiredWriterGroup{
			ID:         "boiler",
			Name:       "Boiler house",
			Redundancy: types.RedundancyConfig{DesiredActiveAgents: 1},
			Demands:    []types.Demand{{Key: "site", Operator: types.OpEquals, Value: "plant-2"}},
			Configuration: jobconfig.WriterGroupConfig{
				MessagingMode:      jobconfig.ModeSamples,
				PublishingInterval: 5 * time.Second,
			},
		},
	)

	ctrl, err := controller.New(controller.Config{
		StaleAfter:              staleAfter,
		UpdatePlacementInterval: placementInterval,
	}, controller.Deps{
		Store:  jobstore.NewMemoryStore(),
		Source: source,
		Hooks:  []jobmanager.RegistrationHook{jobconfig.IdentityHook{Provider: jobconfig.NewLocalIdentities()}},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	defer ctrl.Stop()
	fmt.Println("✓ Controller started")

	agents := map[string]map[string]string{
		"edge-a": {"site": "plant-1"},
		"edge-b": {"site": "plant-1"},
		"edge-c": {"site": "plant-2"},
	}
	cancels := make(map[string]context.CancelFunc, len(agents))
	for id, caps := range agents {
		a, err := agent.New(ctrl, agent.Config{
			ID:                id,
			Capabilities:      caps,
			PollInterval:      pollInterval,
			HeartbeatInterval: heartbeatInterval,
			Logger:            logger,
		})
		if err != nil {
			log.Fatalf("Failed to create agent %s: %v", id, err)
		}
		agentCtx, cancel := context.WithCancel(ctx)
		cancels[id] = cancel
		go a.Run(agentCtx)
	}
	fmt.Printf("✓ Started %d agents\n", len(agents))

	if !pause(ctx, 2*time.Second) {
		return
	}
	fmt.Println("\n📊 Publisher status:")
	printStatus(ctx, ctrl, agents)

	active := activeAgent(ctx, ctrl, "line-1")
	if active == "" {
		fmt.Println("\n⚠️  line-1 has no active agent yet")
		return
	}
	fmt.Printf("\n⚡ Killing %s, the active publisher of line-1...\n", active)
	cancels[active]()

	if !pause(ctx, staleAfter+3*placementInterval+heartbeatInterval) {
		return
	}
	fmt.Println("\n📊 Publisher status after failover:")
	printStatus(ctx, ctrl, agents)
	if next := activeAgent(ctx, ctrl, "line-1"); next != "" && next != active {
		fmt.Printf("\n✓ %s took over line-1\n", next)
	}

	fmt.Println("\n💡 Press Ctrl+C to stop")
	<-ctx.Done()
	fmt.Println("\nReceived shutdown signal, stopping gracefully...")
}

func pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func printStatus(ctx context.Context, ctrl *controller.Controller, agents map[string]map[string]string) {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		status, err := ctrl.GetPublisherStatus(ctx, id)
		if err != nil {
			fmt.Printf("  %s: %v\n", id, err)
			continue
		}
		fmt.Printf("  %s (%s)\n", id, agents[id]["site"])
		if len(status.Entities) == 0 {
			fmt.Println("    └─ idle")
		}
		for _, e := range status.Entities {
			mode := ""
			if job, err := ctrl.GetJob(ctx, e.ID); err == nil {
				mode = string(job.LifetimeData.ProcessingStatus[id].ProcessMode)
			}
			fmt.Printf("    └─ %-8s %-7s %s\n", e.ID, mode, e.ActivationState)
		}
	}
}

func activeAgent(ctx context.Context, ctrl *controller.Controller, jobID string) string {
	job, err := ctrl.GetJob(ctx, jobID)
	if err != nil {
		return ""
	}
	for id, entry := range job.LifetimeData.ProcessingStatus {
		if entry.ProcessMode == types.ModeActive {
			return id
		}
	}
	return ""
}
