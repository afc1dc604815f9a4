// Package router wires the HTTP surface: the provider webhook handlers
// (spec.md §6), health/unsubscribe, and metrics, behind the teacher's
// middleware stack.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/lead-capture-engine/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/lead-capture-engine/internal/http/middleware"
	"github.com/wolfman30/lead-capture-engine/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger             *logging.Logger
	Telephony          *handlers.TelephonyWebhookHandler
	Unsubscribe        handlers.UnsubscribeToken
	CORSAllowedOrigins []string
	ExposeMetrics      bool
}

// New creates a chi router with every route spec.md §6 names.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", cfg.Telephony.HealthCheck)
	r.Get("/unsubscribe", cfg.Telephony.HandleUnsubscribe(cfg.Unsubscribe))

	r.Route("/voice", func(voice chi.Router) {
		voice.Post("/", cfg.Telephony.HandleVoice)
		voice.Post("/status", cfg.Telephony.HandleVoiceStatus)
		voice.Post("/voicemail", cfg.Telephony.HandleVoicemail)
	})
	r.Route("/sms", func(sms chi.Router) {
		sms.Post("/", cfg.Telephony.HandleSMS)
		sms.Post("/status", cfg.Telephony.HandleSMSStatus)
	})

	if cfg.ExposeMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}
