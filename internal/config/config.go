package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// WebhookSecret is the shared secret used to verify payment gateway callbacks.
	// When empty the webhook endpoint runs unverified and logs a warning per request.
	WebhookSecret string

	// GatewayAllowedCIDRs restricts which source networks may call the webhook
	// endpoint. Empty means any source is accepted.
	GatewayAllowedCIDRs []string

	Gateway  GatewayConfig
	Registry RegistryConfig
	Checkout CheckoutConfig

	// RedisURL enables worker heartbeat publication when set (redis://host:port/db).
	RedisURL string

	// WorkerEnabled starts the background job worker with the HTTP server.
	WorkerEnabled bool
}

// GatewayConfig holds credentials for the payment gateway REST API.
type GatewayConfig struct {
	APIURL string
	APIKey string
}

// RegistryConfig holds the enrollment registry endpoint, credentials and retry policy.
type RegistryConfig struct {
	BaseURL       string
	APIKey        string
	APIKeyHeader  string
	SuccessMarker string
	Timeout       time.Duration
	MaxAttempts   int
	Backoff       time.Duration

	// Async hands the registry call to the job worker instead of running it
	// inside the webhook request.
	Async bool
}

// CheckoutConfig controls checkout link issuance.
type CheckoutConfig struct {
	BaseURL string
	LinkTTL time.Duration
}

const (
	defaultServerAddress     = ":18111"
	defaultGatewayAPIURL     = "https://api.gateway.example.com/v1"
	defaultRegistryKeyHeader = "X-Api-Key"
	defaultRegistryMarker    = "success"
	defaultRegistryTimeout   = 10 * time.Second
	defaultRegistryAttempts  = 3
	defaultRegistryBackoff   = time.Second
	defaultCheckoutBaseURL   = "http://localhost:18111"
	defaultCheckoutLinkTTL   = 24 * time.Hour

	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envWebhookSecret       = "WEBHOOK_SECRET"
	envGatewayAllowedCIDRs = "GATEWAY_ALLOWED_CIDRS"
	envGatewayAPIURL       = "GATEWAY_API_URL"
	envGatewayAPIKey       = "GATEWAY_API_KEY"
	envRegistryURL         = "REGISTRY_URL"
	envRegistryAPIKey      = "REGISTRY_API_KEY"
	envRegistryKeyHeader   = "REGISTRY_API_KEY_HEADER"
	envRegistryMarker      = "REGISTRY_SUCCESS_MARKER"
	envRegistryTimeout     = "REGISTRY_TIMEOUT"
	envRegistryAttempts    = "REGISTRY_MAX_ATTEMPTS"
	envRegistryBackoff     = "REGISTRY_BACKOFF"
	envRegistryAsync       = "REGISTRY_ASYNC"
	envCheckoutBaseURL     = "CHECKOUT_BASE_URL"
	envCheckoutLinkTTL     = "CHECKOUT_LINK_TTL"
	envRedisURL            = "REDIS_URL"
	envWorkerEnabled       = "WORKER_ENABLED"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         strings.TrimSpace(os.Getenv(envDatabaseURL)),
		WebhookSecret:       strings.TrimSpace(os.Getenv(envWebhookSecret)),
		GatewayAllowedCIDRs: splitList(os.Getenv(envGatewayAllowedCIDRs)),
		Gateway: GatewayConfig{
			APIURL: firstNonEmpty(os.Getenv(envGatewayAPIURL), defaultGatewayAPIURL),
			APIKey: os.Getenv(envGatewayAPIKey),
		},
		Registry: RegistryConfig{
			BaseURL:       strings.TrimRight(os.Getenv(envRegistryURL), "/"),
			APIKey:        os.Getenv(envRegistryAPIKey),
			APIKeyHeader:  firstNonEmpty(os.Getenv(envRegistryKeyHeader), defaultRegistryKeyHeader),
			SuccessMarker: firstNonEmpty(os.Getenv(envRegistryMarker), defaultRegistryMarker),
		},
		Checkout: CheckoutConfig{
			BaseURL: strings.TrimRight(firstNonEmpty(os.Getenv(envCheckoutBaseURL), defaultCheckoutBaseURL), "/"),
		},
		RedisURL: os.Getenv(envRedisURL),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if _, err := url.Parse(cfg.DatabaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envDatabaseURL, err)
	}

	var err error
	if cfg.Registry.Timeout, err = durationEnv(envRegistryTimeout, defaultRegistryTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Registry.Backoff, err = durationEnv(envRegistryBackoff, defaultRegistryBackoff); err != nil {
		return Config{}, err
	}
	if cfg.Checkout.LinkTTL, err = durationEnv(envCheckoutLinkTTL, defaultCheckoutLinkTTL); err != nil {
		return Config{}, err
	}
	if cfg.Registry.MaxAttempts, err = intEnv(envRegistryAttempts, defaultRegistryAttempts); err != nil {
		return Config{}, err
	}
	if cfg.Registry.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("%s must be at least 1", envRegistryAttempts)
	}
	if cfg.Registry.Async, err = boolEnv(envRegistryAsync, false); err != nil {
		return Config{}, err
	}
	if cfg.WorkerEnabled, err = boolEnv(envWorkerEnabled, true); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// WebhookVerificationEnabled reports whether callbacks are authenticated.
func (c Config) WebhookVerificationEnabled() bool {
	return c.WebhookSecret != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
