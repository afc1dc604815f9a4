package outbound

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/lead-capture-engine/internal/observability/metrics"
	"github.com/wolfman30/lead-capture-engine/internal/safety"
	"github.com/wolfman30/lead-capture-engine/internal/telephony"
)

// SafetyReauthorizer re-evaluates the Safety Gate at claim time, since
// opt-out can race between enqueue and send (spec.md §4.8 step 2).
type SafetyReauthorizer interface {
	Authorize(ctx context.Context, d safety.Draft) (safety.Decision, error)
}

// LeadAdvancer advances a lead's status/consent on successful send.
type LeadAdvancer interface {
	AdvanceOnSent(ctx context.Context, tenantID uuid.UUID, to string) error
}

const (
	minPollInterval = 10 * time.Millisecond
	maxPollInterval = 2 * time.Second
)

// Dispatcher runs N≥2 cooperating workers claiming and delivering rows
// (spec.md §4.8, §5). Grounded on internal/events/outbox.go's Deliverer
// ticker-loop shape, generalized with adaptive polling and stuck recovery.
type Dispatcher struct {
	queue   *Queue
	gateway telephony.Gateway
	safety  SafetyReauthorizer
	leads   LeadAdvancer
	logger  *slog.Logger

	workers   int
	batchSize int
	sendTimeout time.Duration

	// Metrics is optional; nil-safe Observe methods make it a no-op when unset.
	Metrics *metrics.Metrics
}

func NewDispatcher(queue *Queue, gateway telephony.Gateway, safetyGate SafetyReauthorizer, leads LeadAdvancer, logger *slog.Logger, workers, batchSize int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 2 {
		workers = 2
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Dispatcher{
		queue: queue, gateway: gateway, safety: safetyGate, leads: leads, logger: logger,
		workers: workers, batchSize: batchSize, sendTimeout: telephony.DefaultTimeout,
	}
}

// Run launches the worker pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	done := make(chan struct{}, d.workers)
	for i := 0; i < d.workers; i++ {
		go func(id int) {
			d.workerLoop(ctx, id)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < d.workers; i++ {
		<-done
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID int) {
	interval := minPollInterval
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := d.queue.ClaimBatch(ctx, d.batchSize)
		if err != nil {
			d.logger.Error("outbound: claim failed", "worker", workerID, "error", err)
			d.sleep(ctx, interval)
			interval = backoffPoll(interval)
			continue
		}
		if len(claimed) == 0 {
			d.sleep(ctx, interval)
			interval = backoffPoll(interval)
			continue
		}
		interval = minPollInterval

		for _, msg := range claimed {
			d.process(ctx, msg)
		}
	}
}

func backoffPoll(current time.Duration) time.Duration {
	next := current * 2
	if next > maxPollInterval {
		return maxPollInterval
	}
	return next
}

func (d *Dispatcher) sleep(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (d *Dispatcher) process(ctx context.Context, msg Message) {
	decision, err := d.safety.Authorize(ctx, safety.Draft{
		TenantID: msg.TenantID, To: msg.ToNumber, Body: msg.Body,
		IsInternal: msg.IsInternal, IsEmergencyAck: msg.IsEmergencyAck,
	})
	if err != nil {
		d.logger.Error("outbound: re-authorization failed", "message_id", msg.ID, "error", err)
		if _, ferr := d.queue.FinalizeTransient(ctx, msg.ID, msg.Attempts); ferr != nil {
			d.logger.Error("outbound: finalize after auth error failed", "message_id", msg.ID, "error", ferr)
		}
		return
	}
	if !decision.Authorized {
		switch decision.Reason {
		case safety.RejectOptOut:
			d.finalize(ctx, d.queue.FinalizeOptOut(ctx, msg.ID), msg.ID, "opt_out")
		case safety.RejectQuietHours:
			d.finalize(ctx, d.queue.FinalizeQuietHours(ctx, msg.ID), msg.ID, "quiet_hours")
		default:
			d.finalize(ctx, d.queue.FinalizeSafety(ctx, msg.ID), msg.ID, string(decision.Reason))
		}
		return
	}
	if decision.Body != msg.Body {
		if err := d.queue.UpdateBody(ctx, msg.ID, decision.Body); err != nil {
			d.logger.Error("outbound: persist footer body failed", "message_id", msg.ID, "error", err)
		}
		msg.Body = decision.Body
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	providerID, err := d.gateway.Send(sendCtx, msg.ToNumber, msg.Body)
	cancel()
	if err != nil {
		if errors.Is(err, telephony.ErrPermanentReject) {
			d.finalize(ctx, d.queue.FinalizePermanent(ctx, msg.ID), msg.ID, "permanent_reject")
			return
		}
		exhausted, ferr := d.queue.FinalizeTransient(ctx, msg.ID, msg.Attempts)
		if ferr != nil {
			d.logger.Error("outbound: finalize transient failed", "message_id", msg.ID, "error", ferr)
			return
		}
		if exhausted {
			d.logger.Error("outbound: CRITICAL retries exhausted", "message_id", msg.ID, "to", msg.ToNumber)
			d.Metrics.ObserveDispatchOutcome("retries_exhausted")
			return
		}
		d.Metrics.ObserveDispatchOutcome("transient_failure")
		return
	}

	if err := d.queue.FinalizeSent(ctx, msg.ID, providerID); err != nil {
		d.logger.Error("outbound: finalize sent failed", "message_id", msg.ID, "error", err)
		return
	}
	d.Metrics.ObserveDispatchOutcome("sent")
	if d.leads != nil {
		if err := d.leads.AdvanceOnSent(ctx, msg.TenantID, msg.ToNumber); err != nil {
			d.logger.Warn("outbound: advance lead on sent failed", "message_id", msg.ID, "error", err)
		}
	}
}

func (d *Dispatcher) finalize(ctx context.Context, err error, id uuid.UUID, reason string) {
	if err != nil {
		d.logger.Error("outbound: finalize failed", "message_id", id, "reason", reason, "error", err)
		return
	}
	d.Metrics.ObserveDispatchOutcome(reason)
}
