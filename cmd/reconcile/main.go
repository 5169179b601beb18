package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/nestassociates/agent-platform/internal/config"
	"github.com/nestassociates/agent-platform/internal/models"
	"github.com/nestassociates/agent-platform/internal/queue"
	"github.com/nestassociates/agent-platform/internal/store"
)

// reconcile is a one-shot binary run on a schedule. It queues a low-priority
// rebuild for every active agent so sites that missed an event-driven build
// converge back to current data. Coalescing keeps this a no-op for agents
// that already have an open build.
func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	builds := queue.New(st, cfg.MaxAttempts)

	agentIDs, err := st.ListAgentIDsByStatus(ctx, models.AgentActive)
	if err != nil {
		log.Fatalf("list active agents: %v", err)
	}

	var queued, coalesced, errored int
	for _, agentID := range agentIDs {
		_, wasCoalesced, err := builds.Enqueue(ctx, queue.EnqueueRequest{
			AgentID:  agentID,
			Priority: models.PriorityLow,
			Trigger:  models.TriggerReconciliation,
			Actor:    "reconciler",
		})
		if err != nil {
			log.Printf("[reconcile] enqueue failed for agent %s: %v", agentID, err)
			errored++
			continue
		}
		if wasCoalesced {
			coalesced++
		} else {
			queued++
		}
	}

	log.Printf("[reconcile] agents=%d queued=%d coalesced=%d errors=%d", len(agentIDs), queued, coalesced, errored)
	if errored > 0 {
		os.Exit(1)
	}
}
