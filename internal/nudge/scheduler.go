// Package nudge implements the Nudge Scheduler (spec.md §4.12): a thin
// named wrapper over the Outbound Queue's scheduled-enqueue and
// pattern-cancel primitives, grounded on the ticker-scheduling shape of
// internal/worker/messaging/retry_sender.go.
package nudge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const followUpTemplate = "Hi, just checking in — still interested in booking? Reply here anytime."

// Queue is the subset of the Outbound Queue the scheduler needs — satisfied
// directly by *outbound.Queue's EnqueueNudge/CancelNudges convenience
// methods.
type Queue interface {
	EnqueueNudge(ctx context.Context, tenantID uuid.UUID, caller, body string, scheduledFor time.Time) error
	CancelNudges(ctx context.Context, caller string) (int, error)
}

// Scheduler schedules and cancels nudge follow-ups.
type Scheduler struct {
	queue Queue
}

func New(queue Queue) *Scheduler {
	return &Scheduler{queue: queue}
}

// Schedule enqueues a delayed follow-up keyed by caller, per spec.md §4.12.
func (s *Scheduler) Schedule(ctx context.Context, tenantID uuid.UUID, caller string, delay time.Duration) error {
	if err := s.queue.EnqueueNudge(ctx, tenantID, caller, followUpTemplate, time.Now().Add(delay)); err != nil {
		return fmt.Errorf("nudge: schedule: %w", err)
	}
	return nil
}

// Cancel cancels all pending/processing nudge rows for caller.
func (s *Scheduler) Cancel(ctx context.Context, caller string) error {
	if _, err := s.queue.CancelNudges(ctx, caller); err != nil {
		return fmt.Errorf("nudge: cancel: %w", err)
	}
	return nil
}
