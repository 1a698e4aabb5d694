package queue

import (
	"context"
	"time"

	"github.com/agentmemory/memoryd/pkg/memory"
)

// Enqueue inserts a new pending job for stage with the given payload,
// generating CreatedAt/UpdatedAt/AvailableAt as now.
func Enqueue(ctx context.Context, q memory.JobQueue, id string, stage memory.JobStage, payload map[string]any) error {
	now := time.Now()
	return q.Enqueue(ctx, memory.Job{
		ID:          id,
		Stage:       stage,
		Payload:     payload,
		Status:      memory.JobStatusPending,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}
