package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
// A .env file in the working directory, if present, is loaded first so local
// development doesn't require exporting secrets into the shell.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}

	cfg := defaultConfig()

	if path != "" {
		// A missing file is fine: env-only deployments run without one.
		if err := cfg.parseFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			BaseURL:      "http://localhost:8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Auth: AuthConfig{
			RequiredScope: "mpesa",
		},
		Mpesa: MpesaConfig{
			Env:                  "sandbox",
			RequestTimeout:       Duration{Duration: 30 * time.Second},
			PaybillReceiverType:  "4",
			BuygoodsReceiverType: "2",
		},
		Treasury: TreasuryConfig{
			USDCDecimals:            6,
			WaitConfirmations:       1,
			MinFundingConfirmations: 1,
			RequireOnchainFunding:   true,
			RPCTimeout:              Duration{Duration: 30 * time.Second},
		},
		Quote: QuoteConfig{
			TTL:       Duration{Duration: 300 * time.Second},
			KesPerUSD: 130,
		},
		Limits: LimitsConfig{
			MaxTxnKes:   150000,
			MaxDailyKes: 500000,
		},
		Signature: SignatureConfig{
			PinMinLength:    6,
			SignatureMaxAge: Duration{Duration: 600 * time.Second},
		},
		Refund: RefundConfig{
			AutoRefund: true,
		},
		Callbacks: CallbacksConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 3 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
			DLQEnabled: false,
			DLQPath:    "./data/webhook-dlq.json",
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:    true,
			GlobalLimit:      1000,
			GlobalWindow:     Duration{Duration: 1 * time.Minute},
			PerWalletEnabled: true,
			PerWalletLimit:   60,
			PerWalletWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:     true,
			PerIPLimit:       120,
			PerIPWindow:      Duration{Duration: 1 * time.Minute},
		},
		APIKey: APIKeyConfig{
			Enabled: false,
			Keys:    make(map[string]string),
		},
		Storage: StorageConfig{
			Backend:           "memory",
			CleanupInterval:   Duration{Duration: 5 * time.Minute},
			ReconcileMaxAge:   Duration{Duration: 30 * time.Minute},
			ReconcilePageSize: 100,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			EVMRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Daraja: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
