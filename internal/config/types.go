package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Mpesa          MpesaConfig          `yaml:"mpesa"`
	Treasury       TreasuryConfig       `yaml:"treasury"`
	Quote          QuoteConfig          `yaml:"quote"`
	Limits         LimitsConfig         `yaml:"limits"`
	Signature      SignatureConfig      `yaml:"signature"`
	Refund         RefundConfig         `yaml:"refund"`
	Storage        StorageConfig        `yaml:"storage"`
	Callbacks      CallbacksConfig      `yaml:"callbacks"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Auth           AuthConfig           `yaml:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	BaseURL            string   `yaml:"base_url"` // used to build mpesa webhook callback URLs
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"`
}

// AuthConfig holds bearer JWT and internal API key secrets.
type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret"`        // DOTPAY_BACKEND_JWT_SECRET
	InternalAPIKey  string `yaml:"internal_api_key"`   // DOTPAY_INTERNAL_API_KEY
	RequiredScope   string `yaml:"required_scope"`     // default "mpesa"
}

// MpesaConfig holds Safaricom Daraja mobile-money integration configuration.
type MpesaConfig struct {
	Env                      string   `yaml:"env"` // sandbox | production
	BaseURL                  string   `yaml:"base_url"`
	ConsumerKey              string   `yaml:"consumer_key"`
	ConsumerSecret           string   `yaml:"consumer_secret"`
	Passkey                  string   `yaml:"passkey"`
	Shortcode                string   `yaml:"shortcode"`
	STKShortcode             string   `yaml:"stk_shortcode"`
	B2CShortcode             string   `yaml:"b2c_shortcode"`
	B2BShortcode             string   `yaml:"b2b_shortcode"`
	InitiatorName            string   `yaml:"initiator_name"`
	SecurityCredential       string   `yaml:"security_credential"`
	InitiatorPassword        string   `yaml:"initiator_password"` // used with CertPath to derive SecurityCredential
	CertPath                 string   `yaml:"cert_path"`
	ResultBaseURL            string   `yaml:"result_base_url"`
	TimeoutBaseURL           string   `yaml:"timeout_base_url"`
	WebhookSecret            string   `yaml:"webhook_secret"`
	RequestTimeout           Duration `yaml:"request_timeout"` // default 30s
	PaybillReceiverType      string   `yaml:"paybill_receiver_type"`   // default "4"
	BuygoodsReceiverType     string   `yaml:"buygoods_receiver_type"`  // default "2"
	Disabled                 bool     `yaml:"disabled"`
}

// TreasuryConfig holds the platform EVM wallet and stablecoin contract configuration.
type TreasuryConfig struct {
	RPCURL                  string   `yaml:"rpc_url"`
	ChainID                 int64    `yaml:"chain_id"`
	USDCContract            string   `yaml:"usdc_contract"`
	USDCDecimals            uint8    `yaml:"usdc_decimals"`
	PlatformAddress         string   `yaml:"platform_address"`
	PrivateKey              string   `yaml:"private_key"`
	RefundEnabled           bool     `yaml:"refund_enabled"`
	WaitConfirmations       uint64   `yaml:"wait_confirmations"`
	MinFundingConfirmations uint64   `yaml:"min_funding_confirmations"`
	RequireOnchainFunding   bool     `yaml:"require_onchain_funding"`
	RPCTimeout              Duration `yaml:"rpc_timeout"`
}

// QuoteConfig holds quote engine configuration.
type QuoteConfig struct {
	TTL        Duration `yaml:"ttl"`          // MPESA_QUOTE_TTL_SECONDS, default 300s
	KesPerUSD  float64  `yaml:"kes_per_usd"`  // KES_PER_USD, default 130
}

// LimitsConfig holds per-transaction and daily spend caps.
type LimitsConfig struct {
	MaxTxnKes  float64 `yaml:"max_txn_kes"`  // default 150000
	MaxDailyKes float64 `yaml:"max_daily_kes"` // default 500000
}

// SignatureConfig holds PIN and wallet-signature authorization configuration.
type SignatureConfig struct {
	PinMinLength          int      `yaml:"pin_min_length"`           // default 6
	SignatureMaxAge       Duration `yaml:"signature_max_age"`        // default 600s
}

// RefundConfig holds auto-refund behavior configuration.
type RefundConfig struct {
	AutoRefund bool `yaml:"auto_refund"` // default true
}

// CallbacksConfig holds outbound downstream notification configuration (ledger/partner systems).
type CallbacksConfig struct {
	PaymentSuccessURL string            `yaml:"payment_success_url"`
	Headers           map[string]string `yaml:"headers"`
	Body              string            `yaml:"body"`
	BodyTemplate      string            `yaml:"body_template"`
	Timeout           Duration          `yaml:"timeout"`
	Retry             RetryConfig       `yaml:"retry"`
	DLQEnabled        bool              `yaml:"dlq_enabled"`
	DLQPath           string            `yaml:"dlq_path"`
}

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings (unused directly; kept for storage parity).
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string         `yaml:"backend"` // "memory" or "mongodb"
	MongoDBURL      string         `yaml:"mongodb_url"`
	MongoDBDatabase string         `yaml:"mongodb_database"`
	Archival        ArchivalConfig `yaml:"archival"`
	CleanupInterval Duration       `yaml:"cleanup_interval"`
	ReconcileMaxAge Duration       `yaml:"reconcile_max_age"` // default 30m
	ReconcilePageSize int          `yaml:"reconcile_page_size"` // default 100
}

// ArchivalConfig bounds how long terminal transactions stay in the hot
// collection; the reconciler (internal/reconcile) uses the same "older than
// cutoff" scan pattern.
type ArchivalConfig struct {
	Enabled         bool     `yaml:"enabled"`
	RetentionPeriod Duration `yaml:"retention_period"`
	RunInterval     Duration `yaml:"run_interval"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
}

// RateLimitConfig holds the global, per-wallet and per-IP rate limiting
// configuration used by internal/ratelimit.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerWalletEnabled bool     `yaml:"per_wallet_enabled"`
	PerWalletLimit   int      `yaml:"per_wallet_limit"`
	PerWalletWindow  Duration `yaml:"per_wallet_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// APIKeyConfig holds API key authentication and tier configuration.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled bool                 `yaml:"enabled"`
	EVMRPC  BreakerServiceConfig `yaml:"evm_rpc"`
	Daraja  BreakerServiceConfig `yaml:"daraja"`
	Webhook BreakerServiceConfig `yaml:"webhook"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
