// Package safety implements the Safety Gate (spec.md §4.7): the single
// entrypoint authorizing every outbound message. Grounded on the teacher's
// internal/messaging/compliance/quiet_hours.go (quiet-hours rejection) and
// internal/compliance/disclaimer.go (footer injection pattern), with the
// opt-out-token regex grounded on
// internal/messaging/compliance/stop_detector.go. Every rejection is
// mirrored to the compliance audit trail (internal/compliance.AuditService).
package safety

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/lead-capture-engine/internal/clock"
	"github.com/wolfman30/lead-capture-engine/internal/compliance"
)

// Reason enumerates why a draft was rejected, in the priority order spec.md
// §4.7 specifies.
type Reason string

const (
	RejectOptOut           Reason = "opt_out"
	RejectInvalidTenant    Reason = "invalid_tenant"
	RejectInvalidNumber    Reason = "invalid_number"
	RejectQuietHours       Reason = "quiet_hours"
	RejectMissingFooter    Reason = "" // not a rejection; body is mutated instead
)

// Decision is the Gate's verdict on a draft.
type Decision struct {
	Authorized bool
	Reason     Reason
	Body       string // possibly mutated (footer appended)
	Warning    string // non-rejecting warning, e.g. known URL shortener present
}

// Draft is the outbound message the Gate authorizes.
type Draft struct {
	TenantID       uuid.UUID
	To             string
	Body           string
	IsInternal     bool // internal alerts (operator/admin) bypass footer/quiet-hours
	IsEmergencyAck bool // the emergency-response acknowledgement itself bypasses quiet-hours
}

// TenantInfo is the subset of tenant state the Gate needs.
type TenantInfo struct {
	Valid          bool
	Timezone       string
	OperatorNumber string
	AdminNumber    string
	Classification clock.Classification
}

// OptOutChecker answers whether a phone is currently opted out, checking a
// fast cache before the Store, per spec.md §4.7 ("opt_out (cache then
// store)").
type OptOutChecker interface {
	IsOptedOut(ctx context.Context, phone string) (bool, error)
}

// TenantResolver loads the tenant context the Gate needs to evaluate
// quiet-hours and internal-recipient bypass.
type TenantResolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID) (TenantInfo, error)
}

var numberPattern = regexp.MustCompile(`^\+?[1-9]\d{6,14}$`)

var optOutTokenPattern = regexp.MustCompile(`(?i)stop`)

var shortenerPattern = regexp.MustCompile(`(?i)\b(bit\.ly|tinyurl\.com|goo\.gl|t\.co|ow\.ly)\b`)

const footerText = "\n\nReply STOP to unsubscribe."

// Gate authorizes outbound drafts.
type Gate struct {
	optOut  OptOutChecker
	tenants TenantResolver
	clock   *clock.Clock
	quiet   clock.QuietHours

	// Audit is optional; a nil value disables audit logging.
	Audit *compliance.AuditService
}

func New(optOut OptOutChecker, tenants TenantResolver, c *clock.Clock, quiet clock.QuietHours) *Gate {
	return &Gate{optOut: optOut, tenants: tenants, clock: c, quiet: quiet}
}

// Authorize evaluates a draft against the rejection order in spec.md §4.7.
func (g *Gate) Authorize(ctx context.Context, d Draft) (Decision, error) {
	optedOut, err := g.optOut.IsOptedOut(ctx, d.To)
	if err != nil {
		return Decision{}, fmt.Errorf("safety: check opt-out: %w", err)
	}
	if optedOut {
		return g.reject(ctx, d, RejectOptOut), nil
	}

	tenant, err := g.tenants.Resolve(ctx, d.TenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("safety: resolve tenant: %w", err)
	}
	if !tenant.Valid {
		return g.reject(ctx, d, RejectInvalidTenant), nil
	}

	if !numberPattern.MatchString(strings.TrimSpace(d.To)) {
		return g.reject(ctx, d, RejectInvalidNumber), nil
	}

	isInternal := d.IsInternal || d.To == tenant.OperatorNumber || d.To == tenant.AdminNumber

	if !isInternal && !d.IsEmergencyAck && g.clock.InQuietHours(tenant.Timezone, g.quiet) {
		return g.reject(ctx, d, RejectQuietHours), nil
	}

	body := d.Body
	if !isInternal && !optOutTokenPattern.MatchString(body) {
		body += footerText
	}

	decision := Decision{Authorized: true, Body: body}
	if shortenerPattern.MatchString(body) {
		decision.Warning = "body contains a known URL shortener"
	}
	return decision, nil
}

// reject builds a rejection Decision and best-effort mirrors it to the audit
// trail; an audit write failure never overrides the rejection itself.
func (g *Gate) reject(ctx context.Context, d Draft, reason Reason) Decision {
	_ = g.Audit.LogSafetyRejection(ctx, d.TenantID, d.To, string(reason), d.Body)
	return Decision{Authorized: false, Reason: reason}
}
