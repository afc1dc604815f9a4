// Package voice implements the Voice Router (spec.md §4.10): the state
// machine that turns a provider voice webhook into a TwiML-style call
// control response plus side effects (lead, consent, outbound acks,
// operator alerts, nudges). Grounded on the teacher's
// internal/messaging/handler.go (TwilioWebhook/TwilioVoiceWebhook XML
// response shape, ensureLead pattern), generalized from the teacher's
// single ring-or-reject branch into the full
// daytime/evening/sleep × emergency_mode × line_type decision table.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/wolfman30/lead-capture-engine/internal/clock"
	"github.com/wolfman30/lead-capture-engine/internal/consent"
	"github.com/wolfman30/lead-capture-engine/internal/idempotency"
	"github.com/wolfman30/lead-capture-engine/internal/nudge"
	"github.com/wolfman30/lead-capture-engine/internal/outbound"
	"github.com/wolfman30/lead-capture-engine/internal/store"
	"github.com/wolfman30/lead-capture-engine/internal/telephony"
)

const ringSeconds = 15
const nudgeDelaySeconds = 120

const operatorTimeoutDigit = "1"

// missedCallTemplates are chosen uniformly at random per inbound missed
// call (spec.md §4.10) to improve SMS deliverability. Each already carries
// the compliance footer so the pending row matches it verbatim (the Safety
// Gate's footer-append is a no-op once an opt-out token is already present).
var missedCallTemplates = []string{
	"Hi, thanks for calling %s! We missed you but we'll follow up shortly. Reply STOP to unsubscribe.",
	"Sorry we missed your call to %s. Text us here anytime and we'll get right back to you. Reply STOP to unsubscribe.",
	"Thanks for reaching out to %s! We're unable to answer right now — reply here and we'll help. Reply STOP to unsubscribe.",
}

// TenantResolver resolves a tenant by the number a webhook reports.
type TenantResolver interface {
	GetByInboundNumber(ctx context.Context, number string) (store.Tenant, error)
	GetByOperatorNumber(ctx context.Context, number string) (store.Tenant, error)
}

// VoiceParams is the normalized /voice webhook body.
type VoiceParams struct {
	From    string
	To      string
	CallSid string
	Digits  string
}

// StatusParams is the normalized /voice/status webhook body.
type StatusParams struct {
	CallSid        string
	DialCallStatus string
	AnsweredBy     string
	From           string
	To             string
}

// VoicemailParams is the normalized /voice/voicemail webhook body.
type VoicemailParams struct {
	CallSid      string
	From         string
	To           string
	RecordingURL string
}

// missedCallStatuses are the dial-status values that trigger the missed-call
// branch (spec.md §4.10).
var missedCallStatuses = map[string]bool{
	"busy": true, "no-answer": true, "failed": true, "canceled": true,
	"machine_start": true,
}

func isMissedCallStatus(status string) bool {
	if missedCallStatuses[status] {
		return true
	}
	return strings.HasPrefix(status, "machine_end_")
}

// Router drives the voice state machine.
type Router struct {
	tenants TenantResolver
	guard   *idempotency.Guard
	leads   *store.LeadStore
	ledger  *consent.Ledger
	queue   *outbound.Queue
	nudges  *nudge.Scheduler
	gateway telephony.Gateway
	clock   *clock.Clock
	logger  *slog.Logger
}

func New(tenants TenantResolver, guard *idempotency.Guard, leads *store.LeadStore, ledger *consent.Ledger, queue *outbound.Queue, nudges *nudge.Scheduler, gateway telephony.Gateway, c *clock.Clock, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{tenants: tenants, guard: guard, leads: leads, ledger: ledger, queue: queue, nudges: nudges, gateway: gateway, clock: c, logger: logger}
}

// emptyResponse is the TwiML returned when the inbound number does not resolve to
// a tenant, or the event is a duplicate — provider still gets a 200 with a
// valid, side-effect-free response.
const emptyResponse = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

func dial(number string, seconds int, actionURL string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Dial timeout="%d" action="%s">%s</Dial></Response>`,
		seconds, actionURL, number,
	)
}

func sayAndRecord(message, recordAction string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Say>%s</Say><Record action="%s" maxLength="120"/></Response>`,
		message, recordAction,
	)
}

func sayAndGatherDigit(message, gatherAction string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Say>%s</Say><Gather numDigits="1" timeout="8" action="%s"><Say>%s</Say></Gather></Response>`,
		message, gatherAction, message,
	)
}

// HandleVoice handles POST /voice: the initial ring decision.
func (r *Router) HandleVoice(ctx context.Context, p VoiceParams, statusActionURL string) (string, error) {
	tenant, err := r.tenants.GetByInboundNumber(ctx, p.To)
	if err != nil {
		r.logger.Warn("voice: unknown inbound number", "to", p.To, "error", err)
		return emptyResponse, nil
	}

	// A digit re-POST to the same CallSid (the Gather callback) is a
	// distinct disposition of the same call, not a duplicate of the initial
	// ring decision — key it separately so the idempotency guard doesn't
	// collapse the two.
	idKind, idSuffix := "voice", ""
	if p.Digits != "" {
		idKind, idSuffix = "voice_digit", "_digit_"+p.Digits
	}
	outcome, _, err := r.guard.Check(ctx, "telephony", idKind, p.CallSid+idSuffix, &tenant.ID)
	if err != nil {
		r.logger.Error("voice: idempotency check failed", "call_sid", p.CallSid, "error", err)
		return emptyResponse, nil
	}
	if outcome == idempotency.Duplicate {
		return emptyResponse, nil
	}

	classification := r.clock.ClassifyTenant(tenant.Timezone, tenant.DayStart, tenant.DayEnd, tenant.EveningEnd)

	if classification == clock.Sleep && tenant.EmergencyMode && p.Digits != "" {
		if p.Digits == operatorTimeoutDigit {
			return dial(tenant.OperatorNumber, ringSeconds, statusActionURL), nil
		}
		return r.afterHoursFallback(ctx, tenant, p.From, p.CallSid, statusActionURL), nil
	}

	switch {
	case classification == clock.Daytime || classification == clock.Evening:
		return dial(tenant.OperatorNumber, ringSeconds, statusActionURL), nil

	case classification == clock.Sleep && tenant.EmergencyMode:
		// No digit yet: prompt, with the Gather posting the pressed digit
		// back to /voice. The response has no verb after the Gather, so a
		// caller who presses nothing gets neither the voicemail prompt nor
		// the missed-call follow-up.
		return sayAndGatherDigit("Thanks for calling. For an emergency, press 1 to be connected now.", strings.TrimSuffix(statusActionURL, "/status")), nil

	default: // sleep, emergency off
		return r.afterHoursFallback(ctx, tenant, p.From, p.CallSid, statusActionURL), nil
	}
}

// afterHoursFallback is the shared sleep/emergency-off branch: after-hours
// voicemail for landlines, missed-call SMS branch otherwise. Also used when
// a sleep+emergency-on caller presses a digit other than 1.
func (r *Router) afterHoursFallback(ctx context.Context, tenant store.Tenant, from, callSid, recordActionURL string) string {
	lookup, lerr := r.gateway.Lookup(ctx, from)
	if lerr != nil {
		r.logger.Warn("voice: number lookup failed", "from", from, "error", lerr)
		lookup = telephony.LookupResult{LineType: telephony.LineUnknown}
	}
	if lookup.LineType == telephony.LineLandline {
		return sayAndRecord(afterHoursMessage(tenant.DisplayName), recordActionURL)
	}
	if err := r.handleMissedCall(ctx, tenant, from, callSid); err != nil {
		r.logger.Error("voice: missed-call branch failed", "call_sid", callSid, "error", err)
	}
	return emptyResponse
}

// HandleVoiceStatus handles POST /voice/status: dial outcomes. Only the
// missed-call statuses run the missed-call branch; any other status gets an
// empty response.
func (r *Router) HandleVoiceStatus(ctx context.Context, p StatusParams) (string, error) {
	tenant, err := r.tenants.GetByInboundNumber(ctx, p.To)
	if err != nil {
		tenant, err = r.tenants.GetByOperatorNumber(ctx, p.To)
		if err != nil {
			r.logger.Warn("voice: status callback unknown number", "to", p.To, "error", err)
			return emptyResponse, nil
		}
	}

	idKey := p.CallSid + "_status_" + p.DialCallStatus
	outcome, _, err := r.guard.Check(ctx, "telephony", "voice_status", idKey, &tenant.ID)
	if err != nil {
		r.logger.Error("voice: status idempotency check failed", "key", idKey, "error", err)
		return emptyResponse, nil
	}
	if outcome == idempotency.Duplicate {
		return emptyResponse, nil
	}

	if !isMissedCallStatus(strings.ToLower(p.DialCallStatus)) {
		return emptyResponse, nil
	}
	if err := r.handleMissedCall(ctx, tenant, p.From, p.CallSid); err != nil {
		r.logger.Error("voice: missed-call branch failed", "call_sid", p.CallSid, "error", err)
	}
	return emptyResponse, nil
}

// HandleVoicemail handles POST /voice/voicemail: record lead/consent and
// alert the operator with the recording link; transcription dispatch is out
// of scope here (spec.md §4.10).
func (r *Router) HandleVoicemail(ctx context.Context, p VoicemailParams) (string, error) {
	tenant, err := r.tenants.GetByInboundNumber(ctx, p.To)
	if err != nil {
		r.logger.Warn("voice: voicemail unknown inbound number", "to", p.To, "error", err)
		return emptyResponse, nil
	}

	outcome, _, err := r.guard.Check(ctx, "telephony", "voicemail", p.CallSid+"_voicemail", &tenant.ID)
	if err != nil {
		r.logger.Error("voice: voicemail idempotency check failed", "call_sid", p.CallSid, "error", err)
		return emptyResponse, nil
	}
	if outcome == idempotency.Duplicate {
		return emptyResponse, nil
	}

	lead, _, err := r.leads.GetOrCreateByPhone(ctx, nil, tenant.ID, p.From)
	if err != nil {
		return emptyResponse, fmt.Errorf("voice: get or create lead: %w", err)
	}
	if err := r.ledger.Record(ctx, nil, tenant.ID, &lead.ID, p.From, consent.Implied, consent.SourceInboundCall, nil); err != nil {
		r.logger.Error("voice: record consent failed", "lead_id", lead.ID, "error", err)
	}

	alertBody := fmt.Sprintf("Voicemail from %s: %s", p.From, p.RecordingURL)
	if _, _, err := r.queue.Enqueue(ctx, nil, tenant.ID, tenant.OperatorNumber, alertBody, strPtr(p.CallSid+"_voicemail_alert"), nil, true); err != nil {
		r.logger.Error("voice: enqueue voicemail alert failed", "call_sid", p.CallSid, "error", err)
	}
	return emptyResponse, nil
}

// handleMissedCall implements the shared missed-call branch (spec.md §4.10):
// lead upsert, implied consent, randomized SMS ack, operator alert, nudge.
func (r *Router) handleMissedCall(ctx context.Context, tenant store.Tenant, caller, callSid string) error {
	lead, _, err := r.leads.GetOrCreateByPhone(ctx, nil, tenant.ID, caller)
	if err != nil {
		return fmt.Errorf("get or create lead: %w", err)
	}

	if err := r.ledger.Record(ctx, nil, tenant.ID, &lead.ID, caller, consent.Implied, consent.SourceInboundCall, nil); err != nil {
		r.logger.Error("voice: record implied consent failed", "lead_id", lead.ID, "error", err)
	}

	template := missedCallTemplates[rand.IntN(len(missedCallTemplates))]
	ackBody := fmt.Sprintf(template, tenant.DisplayName)
	if _, _, err := r.queue.Enqueue(ctx, nil, tenant.ID, caller, ackBody, strPtr(callSid+"_missed_ack"), nil, false); err != nil {
		r.logger.Error("voice: enqueue missed-call ack failed", "call_sid", callSid, "error", err)
	}

	for _, recipient := range tenant.NotificationPrefs.Recipients(tenant.OperatorNumber) {
		alertBody := fmt.Sprintf("Missed call from %s", caller)
		extID := callSid + "_missed_alert_" + recipient
		if _, _, err := r.queue.Enqueue(ctx, nil, tenant.ID, recipient, alertBody, &extID, nil, true); err != nil {
			r.logger.Error("voice: enqueue missed-call operator alert failed", "call_sid", callSid, "error", err)
		}
	}

	if err := r.nudges.Schedule(ctx, tenant.ID, caller, nudgeDelaySeconds*time.Second); err != nil {
		r.logger.Error("voice: schedule nudge failed", "caller", caller, "error", err)
	}
	return nil
}

func afterHoursMessage(displayName string) string {
	return fmt.Sprintf("Thanks for calling %s. We are currently closed. Please leave a message after the tone.", displayName)
}

func strPtr(s string) *string { return &s }
