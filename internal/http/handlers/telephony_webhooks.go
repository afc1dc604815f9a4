package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/lead-capture-engine/internal/config"
	"github.com/wolfman30/lead-capture-engine/internal/consent"
	"github.com/wolfman30/lead-capture-engine/internal/outbound"
	"github.com/wolfman30/lead-capture-engine/internal/ratelimit"
	"github.com/wolfman30/lead-capture-engine/internal/sms"
	"github.com/wolfman30/lead-capture-engine/internal/store"
	"github.com/wolfman30/lead-capture-engine/internal/telephony"
	"github.com/wolfman30/lead-capture-engine/internal/voice"
)

// TelephonyWebhookHandler binds the Voice and SMS Routers to the provider's
// HTTP webhook contract (spec.md §6). Grounded on the teacher's
// messaging.Handler (TwilioWebhook/TwilioVoiceWebhook): always-200-unless-
// bad-signature, r.ParseForm() field extraction, XML content type for voice
// responses.
type TelephonyWebhookHandler struct {
	gateway telephony.Gateway
	voice   *voice.Router
	sms     *sms.Router
	leads   *store.LeadStore
	ledger  *consent.Ledger
	queue   *outbound.Queue
	limiter *ratelimit.Limiter
	cfg     *config.Config
	logger  *slog.Logger

	publicBaseURL string
}

func NewTelephonyWebhookHandler(gateway telephony.Gateway, voiceRouter *voice.Router, smsRouter *sms.Router, leads *store.LeadStore, ledger *consent.Ledger, queue *outbound.Queue, limiter *ratelimit.Limiter, cfg *config.Config, publicBaseURL string, logger *slog.Logger) *TelephonyWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelephonyWebhookHandler{
		gateway: gateway, voice: voiceRouter, sms: smsRouter,
		leads: leads, ledger: ledger, queue: queue, limiter: limiter,
		cfg: cfg, publicBaseURL: strings.TrimSpace(publicBaseURL), logger: logger,
	}
}

const formReadLimit = 1 << 20 // 1 MiB, generous for a webhook form body

// verify checks the provider signature and kill-switch, returning false
// (after writing the response) when the request should not proceed.
func (h *TelephonyWebhookHandler) verify(w http.ResponseWriter, r *http.Request) bool {
	if h.cfg != nil && h.cfg.KillSwitch {
		h.logger.Warn("webhook: kill switch active, rejecting inbound", "path", r.URL.Path)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, formReadLimit))
	if err != nil {
		h.logger.Error("webhook: read body failed", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return false
	}
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	if err := h.gateway.VerifySignature(r, body); err != nil {
		h.logger.Warn("webhook: signature verification failed", "path", r.URL.Path, "error", err)
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return false
	}
	if err := r.ParseForm(); err != nil {
		h.logger.Error("webhook: parse form failed", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return false
	}
	if h.limiter != nil {
		to := r.FormValue("To")
		if !h.limiter.Allow(r.Context(), "inbound:"+to) {
			h.logger.Warn("webhook: rate limited", "to", to, "path", r.URL.Path)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return false
		}
	}
	return true
}

func (h *TelephonyWebhookHandler) writeXML(w http.ResponseWriter, twiml string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(twiml))
}

func (h *TelephonyWebhookHandler) statusActionURL() string {
	return h.publicBaseURL + "/voice/status"
}

// HandleVoice serves POST /voice.
func (h *TelephonyWebhookHandler) HandleVoice(w http.ResponseWriter, r *http.Request) {
	if !h.verify(w, r) {
		return
	}
	p := voice.VoiceParams{
		From:    r.FormValue("From"),
		To:      r.FormValue("To"),
		CallSid: r.FormValue("CallSid"),
		Digits:  r.FormValue("Digits"),
	}
	twiml, err := h.voice.HandleVoice(r.Context(), p, h.statusActionURL())
	if err != nil {
		h.logger.Error("voice: handle voice failed", "call_sid", p.CallSid, "error", err)
	}
	h.writeXML(w, twiml)
}

// HandleVoiceStatus serves POST /voice/status.
func (h *TelephonyWebhookHandler) HandleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	if !h.verify(w, r) {
		return
	}
	p := voice.StatusParams{
		CallSid:        r.FormValue("CallSid"),
		DialCallStatus: r.FormValue("DialCallStatus"),
		AnsweredBy:     r.FormValue("AnsweredBy"),
		From:           r.FormValue("From"),
		To:             r.FormValue("To"),
	}
	twiml, err := h.voice.HandleVoiceStatus(r.Context(), p)
	if err != nil {
		h.logger.Error("voice: handle status failed", "call_sid", p.CallSid, "error", err)
	}
	h.writeXML(w, twiml)
}

// HandleVoicemail serves POST /voice/voicemail.
func (h *TelephonyWebhookHandler) HandleVoicemail(w http.ResponseWriter, r *http.Request) {
	if !h.verify(w, r) {
		return
	}
	p := voice.VoicemailParams{
		CallSid:      r.FormValue("CallSid"),
		From:         r.FormValue("From"),
		To:           r.FormValue("To"),
		RecordingURL: r.FormValue("RecordingUrl"),
	}
	twiml, err := h.voice.HandleVoicemail(r.Context(), p)
	if err != nil {
		h.logger.Error("voice: handle voicemail failed", "call_sid", p.CallSid, "error", err)
	}
	h.writeXML(w, twiml)
}

// HandleSMS serves POST /sms.
func (h *TelephonyWebhookHandler) HandleSMS(w http.ResponseWriter, r *http.Request) {
	if !h.verify(w, r) {
		return
	}
	p := sms.Params{
		MessageSid: r.FormValue("MessageSid"),
		From:       r.FormValue("From"),
		To:         r.FormValue("To"),
		Body:       r.FormValue("Body"),
		SmsStatus:  r.FormValue("SmsStatus"),
	}
	outcome, err := h.sms.Handle(r.Context(), p)
	if err != nil {
		h.logger.Error("sms: handle failed", "message_sid", p.MessageSid, "error", err)
	} else {
		h.logger.Info("sms: handled", "message_sid", p.MessageSid, "outcome", outcome)
	}
	h.writeXML(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
}

// deliveryStatusMap translates the provider's delivery-lifecycle vocabulary
// into the internal {sent, delivered, failed, pending} taxonomy (spec.md §6).
var deliveryStatusMap = map[string]outbound.Status{
	"queued":      outbound.StatusPending,
	"accepted":    outbound.StatusPending,
	"sending":     outbound.StatusPending,
	"sent":        outbound.StatusSent,
	"delivered":   outbound.StatusDelivered,
	"undelivered": outbound.StatusFailed,
	"failed":      outbound.StatusFailed,
}

// HandleSMSStatus serves POST /sms/status.
func (h *TelephonyWebhookHandler) HandleSMSStatus(w http.ResponseWriter, r *http.Request) {
	if !h.verify(w, r) {
		return
	}
	messageSid := r.FormValue("MessageSid")
	providerStatus := strings.ToLower(strings.TrimSpace(r.FormValue("MessageStatus")))
	status, ok := deliveryStatusMap[providerStatus]
	if !ok {
		h.logger.Warn("sms: unrecognized delivery status", "message_sid", messageSid, "status", providerStatus)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.queue.UpdateDeliveryStatus(r.Context(), messageSid, status); err != nil {
		h.logger.Error("sms: update delivery status failed", "message_sid", messageSid, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// HealthCheck serves GET /health per spec.md §6.
func (h *TelephonyWebhookHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	killSwitch := h.cfg != nil && h.cfg.KillSwitch
	telephonyConfigured := h.cfg == nil || len(h.cfg.TelephonyIssues()) == 0
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":               "ok",
		"kill_switch":          killSwitch,
		"telephony_configured": telephonyConfigured,
	})
}

// UnsubscribeToken mints and verifies the HMAC-signed JWT carried on
// one-click unsubscribe links, grounded on the teacher's AdminJWT shape
// (internal/http/middleware/admin_auth.go's jwt.RegisteredClaims +
// SigningMethodHMAC), binding the token to one phone number (Subject) with
// an expiry so an intercepted link eventually stops working.
type UnsubscribeToken struct {
	secret []byte
	ttl    time.Duration
}

func NewUnsubscribeToken(secret string, ttl time.Duration) UnsubscribeToken {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return UnsubscribeToken{secret: []byte(secret), ttl: ttl}
}

// Generate produces the token for an unsubscribe link sent to phone.
func (t UnsubscribeToken) Generate(phone string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   phone,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(t.ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

func (t UnsubscribeToken) verify(phone, tokenString string) bool {
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return false
	}
	return claims.Subject == phone
}

// HandleUnsubscribe serves GET /unsubscribe?phone=&token= (spec.md §6): an
// HMAC-token-gated one-click opt-out, performing the same opt-out and
// consent-revocation side effects as the SMS Router's STOP path.
func (h *TelephonyWebhookHandler) HandleUnsubscribe(unsub UnsubscribeToken) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phone := strings.TrimSpace(r.URL.Query().Get("phone"))
		token := r.URL.Query().Get("token")
		if phone == "" || token == "" || !unsub.verify(phone, token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		if err := h.leads.SetOptOutAnyTenant(ctx, phone); err != nil {
			h.logger.Error("unsubscribe: set opt-out failed", "phone", phone, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if err := h.ledger.Revoke(ctx, nil, phone, "unsubscribe_link"); err != nil {
			h.logger.Error("unsubscribe: revoke consent failed", "phone", phone, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "You have been unsubscribed and will not receive further messages.")
	}
}
