package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration, loaded once at startup and passed
// explicitly to every component that needs it.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	CORSAllowedOrigins []string

	DatabaseURL string
	RedisAddr   string
	RedisPass   string
	RedisTLS    bool

	TelephonyProvider     string // "telnyx" (default) or "fake"
	TelnyxAPIKey          string
	TelnyxWebhookSecret   string
	TelnyxMessagingFromID string

	AdminOperatorNumber string // fallback operator number for tenants without one configured
	DefaultTimezone     string

	SafeMode   bool // when true, Telephony Gateway never performs a real send
	KillSwitch bool // when true, all inbound processing is rejected

	UnsubscribeHMACSecret string
	UnsubscribeTokenTTL   time.Duration

	RateLimitPerMinute int
	RateLimitWindow    time.Duration

	DispatcherWorkerCount int
	ClaimBatchSize        int
	StuckClaimTimeout     time.Duration
	MaxRetries            int
	AlertDebounceWindow   time.Duration
	NudgeDelay            time.Duration

	QuietHoursStart string // "08:00" tenant-local, default unless tenant overrides
	QuietHoursEnd   string // "21:00" tenant-local
}

// Load reads configuration from the environment. Missing optional values
// fall back to sane defaults; missing required telephony credentials while
// SafeMode is off is a startup-fatal condition the caller must check.
func Load() *Config {
	corsAllowedOrigins := []string{}
	if raw := strings.TrimSpace(getEnv("CORS_ALLOWED_ORIGINS", "")); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			origin = strings.TrimSpace(origin)
			if origin == "" {
				continue
			}
			corsAllowedOrigins = append(corsAllowedOrigins, origin)
		}
	}

	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CORSAllowedOrigins: corsAllowedOrigins,

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		RedisPass:   getEnv("REDIS_PASSWORD", ""),
		RedisTLS:    getEnvAsBool("REDIS_TLS", false),

		TelephonyProvider:     getEnv("TELEPHONY_PROVIDER", "telnyx"),
		TelnyxAPIKey:          getEnv("TELNYX_API_KEY", ""),
		TelnyxWebhookSecret:   getEnv("TELNYX_WEBHOOK_SECRET", ""),
		TelnyxMessagingFromID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),

		AdminOperatorNumber: getEnv("ADMIN_OPERATOR_NUMBER", ""),
		DefaultTimezone:     getEnv("DEFAULT_TIMEZONE", "America/New_York"),

		SafeMode:   getEnvAsBool("SAFE_MODE", false),
		KillSwitch: getEnvAsBool("KILL_SWITCH", false),

		UnsubscribeHMACSecret: getEnv("UNSUBSCRIBE_HMAC_SECRET", ""),
		UnsubscribeTokenTTL:   getEnvAsDuration("UNSUBSCRIBE_TOKEN_TTL", 30*24*time.Hour),

		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 20),
		RateLimitWindow:    getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),

		DispatcherWorkerCount: getEnvAsInt("DISPATCHER_WORKER_COUNT", 2),
		ClaimBatchSize:        getEnvAsInt("DISPATCHER_CLAIM_BATCH_SIZE", 20),
		StuckClaimTimeout:     getEnvAsDuration("DISPATCHER_STUCK_TIMEOUT", 5*time.Minute),
		MaxRetries:            getEnvAsInt("DISPATCHER_MAX_RETRIES", 5),
		AlertDebounceWindow:   getEnvAsDuration("ALERT_DEBOUNCE_WINDOW", 30*time.Second),
		NudgeDelay:            getEnvAsDuration("NUDGE_DELAY", 120*time.Second),

		QuietHoursStart: getEnv("QUIET_HOURS_START", "08:00"),
		QuietHoursEnd:   getEnv("QUIET_HOURS_END", "21:00"),
	}
}

// TelephonyIssues reports configuration problems that would make outbound
// sends fail at runtime, without being fatal when SafeMode is on.
func (c *Config) TelephonyIssues() []string {
	var issues []string
	if strings.EqualFold(c.TelephonyProvider, "telnyx") {
		if c.TelnyxAPIKey == "" {
			issues = append(issues, "TELNYX_API_KEY is not set")
		}
		if c.TelnyxWebhookSecret == "" {
			issues = append(issues, "TELNYX_WEBHOOK_SECRET is not set; inbound signature verification will fail closed")
		}
	}
	return issues
}

// RequireTelephonyCredentials returns an error when safe-mode is off and
// credentials are missing — a fatal startup condition per the error model.
func (c *Config) RequireTelephonyCredentials() error {
	if c.SafeMode {
		return nil
	}
	if issues := c.TelephonyIssues(); len(issues) > 0 {
		return fmt.Errorf("config: telephony misconfigured with safe mode off: %s", strings.Join(issues, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
