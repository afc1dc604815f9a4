// Package sms implements the SMS Router (spec.md §4.11): the inbound
// message classifier that drives STOP/HELP/START compliance handling and
// urgency-based auto-replies. Grounded on the teacher's
// internal/messaging/compliance/stop_detector.go word-boundary keyword
// matching, generalized from three keyword sets into the full eight-step
// priority chain spec.md requires.
package sms

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/lead-capture-engine/internal/alertbuffer"
	"github.com/wolfman30/lead-capture-engine/internal/compliance"
	"github.com/wolfman30/lead-capture-engine/internal/consent"
	"github.com/wolfman30/lead-capture-engine/internal/idempotency"
	"github.com/wolfman30/lead-capture-engine/internal/nudge"
	"github.com/wolfman30/lead-capture-engine/internal/outbound"
	"github.com/wolfman30/lead-capture-engine/internal/store"
)

// Params is the normalized /sms webhook body.
type Params struct {
	MessageSid string
	From       string
	To         string
	Body       string
	SmsStatus  string // non-empty on a provider delivery-lifecycle echo
}

// Outcome names which branch of the priority chain handled the message, for
// logging/metrics.
type Outcome string

const (
	OutcomeStatusEcho   Outcome = "status_echo"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnknownTo    Outcome = "unknown_tenant"
	OutcomeStop         Outcome = "stop"
	OutcomeAutoReply    Outcome = "auto_reply_ignored"
	OutcomeHelp         Outcome = "help"
	OutcomeStart        Outcome = "start"
	OutcomeKillSwitch   Outcome = "kill_switch_forward"
	OutcomePositive     Outcome = "review_positive"
	OutcomeNegative     Outcome = "review_negative"
	OutcomeEmergency    Outcome = "emergency"
	OutcomeStandard     Outcome = "standard"
)

var (
	stopPattern = regexp.MustCompile(`(?i)\b(stop|unsubscribe|cancel|end|quit|opt[\s-]?out|arr[eê]t|arreter)\b`)

	autoReplyPattern = regexp.MustCompile(`(?i)\b(out of office|auto[\s-]?reply|automatic reply|currently driving|driving and will respond|do not reply to this (?:automated )?message)\b`)

	helpPattern = regexp.MustCompile(`(?i)\b(help|info|aide)\b`)

	startPattern = regexp.MustCompile(`(?i)\b(start|unstop)\b`)

	positivePattern = regexp.MustCompile(`(?i)\b(good|great|awesome|excellent|yes)\b`)
	negativePattern = regexp.MustCompile(`(?i)\b(bad|poor|terrible|horrible|no|worst)\b`)

	notUrgentPattern = regexp.MustCompile(`(?i)\b(not urgent|no rush|no hurry|whenever)\b`)
)

// emergencyKeywords is a weighted keyword scoring table (spec.md §4.11 step
// 8: "keyword + weighted scoring"). A message crosses into emergency
// classification once its matched weights sum to emergencyThreshold or more.
var emergencyKeywords = map[string]int{
	"emergency": 5, "urgent": 3, "asap": 2, "right now": 2, "flooding": 4,
	"flood": 4, "fire": 5, "burst pipe": 4, "no water": 3, "no power": 3,
	"gas leak": 5, "can't wait": 2, "cannot wait": 2, "help now": 3,
}

const emergencyThreshold = 4

func classifyUrgency(body string) bool {
	lower := strings.ToLower(body)
	if notUrgentPattern.MatchString(lower) {
		return false
	}
	score := 0
	for kw, weight := range emergencyKeywords {
		if strings.Contains(lower, kw) {
			score += weight
		}
	}
	return score >= emergencyThreshold
}

const (
	stopConfirmation  = "You have been unsubscribed and will not receive further messages. Reply START to resubscribe."
	helpReply         = "For help, call us directly. Reply STOP to unsubscribe at any time."
	startConfirmation = "You're resubscribed and will receive messages again. Reply STOP to unsubscribe."
	positiveReply     = "So glad to hear it! We'd love a review: %s"
	negativeApology   = "We're sorry to hear that. Someone from our team will reach out shortly."
	emergencyAck      = "We've received your message and are treating it as urgent — a team member will reach out right away."
	standardAck       = "Thanks for your message! We'll get back to you shortly."
)

// TenantResolver resolves a tenant by inbound number.
type TenantResolver interface {
	GetByInboundNumber(ctx context.Context, number string) (store.Tenant, error)
}

// Router drives the SMS classification state machine.
type Router struct {
	tenants TenantResolver
	guard   *idempotency.Guard
	leads   *store.LeadStore
	ledger  *consent.Ledger
	queue   *outbound.Queue
	alerts  *alertbuffer.Debouncer
	nudges  *nudge.Scheduler
	logger  *slog.Logger
}

func New(tenants TenantResolver, guard *idempotency.Guard, leads *store.LeadStore, ledger *consent.Ledger, queue *outbound.Queue, alerts *alertbuffer.Debouncer, nudges *nudge.Scheduler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{tenants: tenants, guard: guard, leads: leads, ledger: ledger, queue: queue, alerts: alerts, nudges: nudges, logger: logger}
}

// Handle classifies and processes one inbound SMS per spec.md §4.11's
// eight-step priority chain, returning the branch taken for observability.
func (r *Router) Handle(ctx context.Context, p Params) (Outcome, error) {
	// Step 1: provider status-update echo — ignore outright, before tenant
	// resolution or idempotency bookkeeping, to prevent echo loops cheaply.
	if p.SmsStatus != "" {
		return OutcomeStatusEcho, nil
	}

	tenant, err := r.tenants.GetByInboundNumber(ctx, p.To)
	if err != nil {
		r.logger.Warn("sms: unknown inbound number", "to", p.To, "error", err)
		return OutcomeUnknownTo, nil
	}

	outcome, _, err := r.guard.Check(ctx, "telephony", "sms", p.MessageSid, &tenant.ID)
	if err != nil {
		return "", fmt.Errorf("sms: idempotency check: %w", err)
	}
	if outcome == idempotency.Duplicate {
		return OutcomeDuplicate, nil
	}

	body := strings.ToLower(strings.TrimSpace(p.Body))
	lead, _, err := r.leads.GetOrCreateByPhone(ctx, nil, tenant.ID, p.From)
	if err != nil {
		return "", fmt.Errorf("sms: get or create lead: %w", err)
	}

	// Step 2: STOP variants — set opt-out, revoke consent globally, confirm,
	// short-circuit before the "every non-STOP branch" consent/reply/cancel
	// bookkeeping below.
	if stopPattern.MatchString(body) {
		if err := r.leads.SetOptOut(ctx, nil, lead.ID); err != nil {
			r.logger.Error("sms: set opt-out failed", "lead_id", lead.ID, "error", err)
		}
		if err := r.ledger.Revoke(ctx, nil, p.From, "stop_keyword"); err != nil {
			r.logger.Error("sms: revoke consent failed", "phone", p.From, "error", err)
		}
		if _, _, err := r.queue.Enqueue(ctx, nil, tenant.ID, p.From, stopConfirmation, strPtr(p.MessageSid+"_stop_confirm"), nil, false); err != nil {
			r.logger.Error("sms: enqueue stop confirmation failed", "error", err)
		}
		r.logger.Info("sms: opt-out processed", "tenant", tenant.ID, "phone", p.From)
		return OutcomeStop, nil
	}

	defer r.afterNonStop(ctx, tenant.ID, lead.ID, p.From)

	// Step 3: auto-reply markers — log only, no reply, to avoid bot loops.
	if autoReplyPattern.MatchString(body) {
		r.logger.Info("sms: auto-reply marker detected, not replying", "tenant", tenant.ID, "phone", p.From)
		return OutcomeAutoReply, nil
	}

	// Step 4: HELP variants.
	if helpPattern.MatchString(body) {
		r.enqueueAck(ctx, tenant.ID, p.From, helpReply, p.MessageSid+"_help")
		return OutcomeHelp, nil
	}

	// Step 5: START/UNSTOP.
	if startPattern.MatchString(body) {
		if err := r.leads.ClearOptOut(ctx, nil, lead.ID); err != nil {
			r.logger.Error("sms: clear opt-out failed", "lead_id", lead.ID, "error", err)
		}
		if err := r.ledger.Record(ctx, nil, tenant.ID, &lead.ID, p.From, consent.Express, consent.SourceInboundSMS, nil); err != nil {
			r.logger.Error("sms: record express consent failed", "error", err)
		}
		r.enqueueAck(ctx, tenant.ID, p.From, startConfirmation, p.MessageSid+"_start")
		return OutcomeStart, nil
	}

	// Step 6: AI kill-switch — forward raw body, no auto-reply.
	if !tenant.AIActive {
		r.forwardToOperator(ctx, tenant, p.From, p.Body, p.MessageSid)
		return OutcomeKillSwitch, nil
	}

	// Step 7: review feedback.
	if positivePattern.MatchString(body) {
		reply := fmt.Sprintf(positiveReply, tenant.ReviewLink)
		r.enqueueAck(ctx, tenant.ID, p.From, reply, p.MessageSid+"_review_positive")
		r.bumpAlert(ctx, tenant, p.From, "Positive feedback: "+p.Body)
		return OutcomePositive, nil
	}
	if negativePattern.MatchString(body) {
		r.enqueueAck(ctx, tenant.ID, p.From, negativeApology, p.MessageSid+"_review_negative")
		r.enqueueUrgentAlert(ctx, tenant, p.From, "Negative feedback: "+p.Body, p.MessageSid)
		return OutcomeNegative, nil
	}

	// Step 8: urgency classification.
	if classifyUrgency(body) {
		if err := r.leads.SetIntent(ctx, nil, lead.ID, store.IntentEmergency); err != nil {
			r.logger.Error("sms: set intent failed", "lead_id", lead.ID, "error", err)
		}
		r.enqueueEmergencyAck(ctx, tenant.ID, p.From, emergencyAck, p.MessageSid+"_emergency_ack")
		r.enqueueUrgentAlert(ctx, tenant, p.From, "Urgent message: "+p.Body, p.MessageSid)
		return OutcomeEmergency, nil
	}

	if err := r.leads.SetIntent(ctx, nil, lead.ID, store.IntentService); err != nil {
		r.logger.Error("sms: set intent failed", "lead_id", lead.ID, "error", err)
	}
	r.enqueueAck(ctx, tenant.ID, p.From, standardAck, p.MessageSid+"_standard_ack")
	r.bumpAlert(ctx, tenant, p.From, p.Body)
	return OutcomeStandard, nil
}

// afterNonStop is the bookkeeping every non-STOP branch performs (spec.md
// §4.11: "implied-consent record, log the inbound event, set lead to
// replied, cancel any outstanding nudge").
func (r *Router) afterNonStop(ctx context.Context, tenantID, leadID uuid.UUID, phone string) {
	if err := r.ledger.Record(ctx, nil, tenantID, &leadID, phone, consent.Implied, consent.SourceInboundSMS, nil); err != nil {
		r.logger.Error("sms: record implied consent failed", "lead_id", leadID, "error", err)
	}
	if err := r.leads.AdvanceStatus(ctx, nil, leadID, store.LeadReplied); err != nil {
		r.logger.Error("sms: advance lead to replied failed", "lead_id", leadID, "error", err)
	}
	if err := r.nudges.Cancel(ctx, phone); err != nil {
		r.logger.Error("sms: cancel nudge failed", "phone", phone, "error", err)
	}
}

func (r *Router) enqueueAck(ctx context.Context, tenantID uuid.UUID, to, body, externalID string) {
	if _, _, err := r.queue.Enqueue(ctx, nil, tenantID, to, body, &externalID, nil, false); err != nil {
		r.logger.Error("sms: enqueue ack failed", "to", to, "error", err)
	}
}

// enqueueEmergencyAck is the one reply in this router that must bypass quiet
// hours (spec.md §4.7: classification = emergency-response skips the window).
func (r *Router) enqueueEmergencyAck(ctx context.Context, tenantID uuid.UUID, to, body, externalID string) {
	if _, _, err := r.queue.EnqueueEmergencyAck(ctx, nil, tenantID, to, body, &externalID); err != nil {
		r.logger.Error("sms: enqueue emergency ack failed", "to", to, "error", err)
	}
}

func (r *Router) forwardToOperator(ctx context.Context, tenant store.Tenant, from, body, messageSid string) {
	redacted, _ := compliance.RedactPAN(body)
	r.logger.Info("sms: forwarding to operator", "tenant", tenant.ID, "from", from, "body", redacted)
	for _, recipient := range tenant.NotificationPrefs.Recipients(tenant.OperatorNumber) {
		extID := messageSid + "_forward_" + recipient
		forwarded := fmt.Sprintf("Message from %s (AI off): %s", from, body)
		if _, _, err := r.queue.Enqueue(ctx, nil, tenant.ID, recipient, forwarded, &extID, nil, true); err != nil {
			r.logger.Error("sms: forward to operator failed", "error", err)
		}
	}
}

// enqueueUrgentAlert bypasses the Alert Debouncer per spec.md §4.11 step 8.
func (r *Router) enqueueUrgentAlert(ctx context.Context, tenant store.Tenant, from, body, messageSid string) {
	redacted, _ := compliance.RedactPAN(body)
	r.logger.Info("sms: enqueuing urgent alert", "tenant", tenant.ID, "from", from, "body", redacted)
	for _, recipient := range tenant.NotificationPrefs.Recipients(tenant.OperatorNumber) {
		extID := messageSid + "_urgent_" + recipient
		alertBody := fmt.Sprintf("URGENT — %s: %s", from, body)
		if _, _, err := r.queue.Enqueue(ctx, nil, tenant.ID, recipient, alertBody, &extID, nil, true); err != nil {
			r.logger.Error("sms: enqueue urgent alert failed", "error", err)
		}
	}
}

// bumpAlert routes a standard-priority notification through the Alert
// Debouncer (spec.md §4.9), coalescing bursts from the same caller. One
// buffer per (tenant, customer_phone) holds a single operator destination,
// so unlike the direct urgent/forward paths this does not fan out across
// every configured NotificationPrefs recipient.
func (r *Router) bumpAlert(ctx context.Context, tenant store.Tenant, from, body string) {
	redacted, _ := compliance.RedactPAN(body)
	r.logger.Debug("sms: bumping alert buffer", "tenant", tenant.ID, "from", from, "body", redacted)
	if err := r.alerts.Bump(ctx, tenant.ID, from, tenant.OperatorNumber, body); err != nil {
		r.logger.Error("sms: bump alert buffer failed", "error", err)
	}
}

func strPtr(s string) *string { return &s }
