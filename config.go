package goThreeDS

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/goThreeDS/card"
	"github.com/MrEthical07/goThreeDS/internal/payload"
)

// Config defines a public type used by goThreeDS APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Server       ServerConfig
	Merchant     MerchantConfig
	Fingerprint  FingerprintConfig
	Challenge    ChallengeConfig
	Notification NotificationConfig
	Store        StoreConfig
	RateLimit    RateLimitConfig
	Audit        AuditConfig
	Metrics      MetricsConfig
	// Debug exposes upstream and internal error detail to clients.
	Debug bool
}

/*
====================================
3DS SERVER CONFIG
====================================
*/

// ServerConfig describes the remote 3DS server.
type ServerConfig struct {
	BaseURL             string
	InitPath            string
	ResultPath          string
	ChallengeStatusPath string
	Timeout             time.Duration

	// Mutual TLS. CertFile and KeyFile go together; CAFile is optional.
	CertFile string
	KeyFile  string
	CAFile   string

	// AlreadyCompletedCodes are provider error codes meaning the challenge
	// status was already recorded. Matching errors count as success.
	AlreadyCompletedCodes []string
}

/*
====================================
MERCHANT CONFIG
====================================
*/

// MerchantConfig holds the per-deployment purchase defaults.
type MerchantConfig struct {
	ID              string
	Country         string // ISO 3166 alpha-2/alpha-3/name, optional
	DefaultAmount   string
	DefaultCurrency string // ISO 4217 alphabetic or numeric
	DefaultExpiry   string // MM/YY, optional
	PhoneRegion     string // region for cardholder numbers without a + prefix
}

/*
====================================
FLOW CONFIG
====================================
*/

// FingerprintConfig bounds the wait for the 3DS method to report back.
type FingerprintConfig struct {
	Timeout time.Duration
}

// ChallengeConfig controls the challenge wait. A zero Timeout waits until
// the caller's context ends.
type ChallengeConfig struct {
	Timeout       time.Duration
	DefaultStatus string
}

// NotificationConfig configures the event callback URL and its tokens.
type NotificationConfig struct {
	CallbackURL    string
	TokenTTL       time.Duration
	SigningMethod  string // "ed25519" (default), "hs256" optional
	PrivateKey     []byte
	PublicKey      []byte
	Issuer         string
	ListenerBuffer int
}

// StoreConfig configures the Redis snapshot store and notification relay.
type StoreConfig struct {
	RedisPrefix  string
	ContextTTL   time.Duration
	RelayEnabled bool
}

// RateLimitConfig sets per-IP budgets. Zero disables a budget.
type RateLimitConfig struct {
	MaxActionsPerWindow int
	ActionWindow        time.Duration
	MaxNotifications    int
	NotificationWindow  time.Duration
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			InitPath:              "/api/v2/auth/brw/init/pa",
			ResultPath:            "/api/v2/auth/brw/result",
			ChallengeStatusPath:   "/api/v2/auth/challenge/status",
			Timeout:               30 * time.Second,
			AlreadyCompletedCodes: []string{"1040"},
		},
		Merchant: MerchantConfig{
			DefaultAmount:   "0",
			DefaultCurrency: "EUR",
		},
		Fingerprint: FingerprintConfig{
			Timeout: 6 * time.Second,
		},
		Challenge: ChallengeConfig{
			Timeout:       0,
			DefaultStatus: "01",
		},
		Notification: NotificationConfig{
			TokenTTL:       15 * time.Minute,
			SigningMethod:  "ed25519",
			Issuer:         "goThreeDS",
			ListenerBuffer: 8,
		},
		Store: StoreConfig{
			RedisPrefix:  "tds",
			ContextTTL:   30 * time.Minute,
			RelayEnabled: false,
		},
		RateLimit: RateLimitConfig{
			MaxActionsPerWindow: 60,
			ActionWindow:        time.Minute,
			MaxNotifications:    120,
			NotificationWindow:  time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

// DefaultConfig returns the baseline configuration. Server.BaseURL,
// Merchant.ID, Notification.CallbackURL and signing keys must still be set.
func DefaultConfig() Config {
	return defaultConfig()
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Notification.PrivateKey = cloneBytes(cfg.Notification.PrivateKey)
	out.Notification.PublicKey = cloneBytes(cfg.Notification.PublicKey)
	out.Server.AlreadyCompletedCodes = append([]string(nil), cfg.Server.AlreadyCompletedCodes...)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
// Validate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Config) Validate() error {
	// Server
	if !absoluteURL(c.Server.BaseURL) {
		return errors.New("Server BaseURL must be an absolute URL")
	}
	for _, p := range []string{c.Server.InitPath, c.Server.ResultPath, c.Server.ChallengeStatusPath} {
		if !strings.HasPrefix(p, "/") {
			return errors.New("Server endpoint paths must start with /")
		}
	}
	if c.Server.Timeout <= 0 {
		return errors.New("Server Timeout must be > 0")
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return errors.New("Server CertFile and KeyFile must be set together")
	}

	// Merchant
	if strings.TrimSpace(c.Merchant.ID) == "" {
		return errors.New("Merchant ID must be set")
	}
	currency, err := payload.ResolveCurrency(c.Merchant.DefaultCurrency)
	if err != nil {
		return errors.New("Merchant DefaultCurrency is not a known ISO 4217 code")
	}
	if _, err := payload.MinorUnits(c.Merchant.DefaultAmount, currency.Exponent); err != nil {
		return errors.New("Merchant DefaultAmount is invalid")
	}
	if c.Merchant.Country != "" {
		if _, err := payload.ResolveCountry(c.Merchant.Country); err != nil {
			return errors.New("Merchant Country is not a known ISO 3166 country")
		}
	}
	if c.Merchant.DefaultExpiry != "" {
		if _, err := card.ParseExpiry(c.Merchant.DefaultExpiry); err != nil {
			return errors.New("Merchant DefaultExpiry must be MM/YY")
		}
	}

	// Flow
	if c.Fingerprint.Timeout <= 0 {
		return errors.New("Fingerprint Timeout must be > 0")
	}
	if c.Challenge.Timeout < 0 {
		return errors.New("Challenge Timeout must be >= 0")
	}
	if c.Challenge.DefaultStatus == "" {
		return errors.New("Challenge DefaultStatus must be set")
	}

	// Notification
	if !absoluteURL(c.Notification.CallbackURL) {
		return errors.New("Notification CallbackURL must be an absolute URL")
	}
	if c.Notification.TokenTTL <= 0 {
		return errors.New("Notification TokenTTL must be > 0")
	}
	switch c.Notification.SigningMethod {
	case "ed25519":
		if len(c.Notification.PrivateKey) == 0 || len(c.Notification.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.Notification.PrivateKey) == 0 {
			return errors.New("hs256 requires PrivateKey")
		}
	default:
		return errors.New("unsupported notification signing method")
	}
	if c.Notification.ListenerBuffer <= 0 {
		return errors.New("Notification ListenerBuffer must be > 0")
	}

	// Store
	if c.Store.RedisPrefix == "" {
		return errors.New("Store RedisPrefix must be set")
	}
	if c.Store.ContextTTL <= 0 {
		return errors.New("Store ContextTTL must be > 0")
	}
	if c.Store.ContextTTL < c.Fingerprint.Timeout {
		return errors.New("Store ContextTTL must cover the fingerprint timeout")
	}

	// Rate limits
	if c.RateLimit.MaxActionsPerWindow < 0 || c.RateLimit.MaxNotifications < 0 {
		return errors.New("RateLimit budgets must be >= 0")
	}
	if c.RateLimit.MaxActionsPerWindow > 0 && c.RateLimit.ActionWindow <= 0 {
		return errors.New("RateLimit ActionWindow must be > 0")
	}
	if c.RateLimit.MaxNotifications > 0 && c.RateLimit.NotificationWindow <= 0 {
		return errors.New("RateLimit NotificationWindow must be > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}

func absoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
