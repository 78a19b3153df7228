package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides_ServerConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "DOTPAY_SERVER_ADDRESS overrides default",
			envVars: map[string]string{
				"DOTPAY_SERVER_ADDRESS": ":3000",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("Expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name: "DOTPAY_ROUTE_PREFIX override",
			envVars: map[string]string{
				"DOTPAY_ROUTE_PREFIX": "/api",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/api" {
					t.Errorf("Expected /api, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_MpesaConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "MPESA_BASE_URL override",
			envVars: map[string]string{
				"MPESA_BASE_URL": "https://custom.safaricom.co.ke",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Mpesa.BaseURL != "https://custom.safaricom.co.ke" {
					t.Errorf("Expected custom base url, got %s", cfg.Mpesa.BaseURL)
				}
			},
		},
		{
			name: "MPESA_CONSUMER_KEY override",
			envVars: map[string]string{
				"MPESA_CONSUMER_KEY": "test-consumer-key",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Mpesa.ConsumerKey != "test-consumer-key" {
					t.Errorf("Expected test-consumer-key, got %s", cfg.Mpesa.ConsumerKey)
				}
			},
		},
		{
			name: "MPESA_DISABLED boolean (true)",
			envVars: map[string]string{
				"MPESA_DISABLED": "true",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.Mpesa.Disabled {
					t.Error("Expected Mpesa.Disabled to be true")
				}
			},
		},
		{
			name: "MPESA_DISABLED boolean (1)",
			envVars: map[string]string{
				"MPESA_DISABLED": "1",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.Mpesa.Disabled {
					t.Error("Expected Mpesa.Disabled to be true with '1'")
				}
			},
		},
		{
			name: "MPESA_DISABLED boolean (false)",
			envVars: map[string]string{
				"MPESA_DISABLED": "false",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Mpesa.Disabled {
					t.Error("Expected Mpesa.Disabled to be false")
				}
			},
		},
		{
			name: "MPESA_B2B_PAYBILL_RECEIVER_TYPE override",
			envVars: map[string]string{
				"MPESA_B2B_PAYBILL_RECEIVER_TYPE": "4",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Mpesa.PaybillReceiverType != "4" {
					t.Errorf("Expected 4, got %s", cfg.Mpesa.PaybillReceiverType)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_QuoteConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "MPESA_QUOTE_TTL_SECONDS bare seconds",
			envVars: map[string]string{
				"MPESA_QUOTE_TTL_SECONDS": "120",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				expected := 120 * time.Second
				if cfg.Quote.TTL.Duration != expected {
					t.Errorf("Expected %v, got %v", expected, cfg.Quote.TTL.Duration)
				}
			},
		},
		{
			name: "KES_PER_USD override",
			envVars: map[string]string{
				"KES_PER_USD": "155",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Quote.KesPerUSD != 155 {
					t.Errorf("Expected 155, got %v", cfg.Quote.KesPerUSD)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_TreasuryConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "TREASURY_CHAIN_ID override",
			envVars: map[string]string{
				"TREASURY_CHAIN_ID": "8453",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Treasury.ChainID != 8453 {
					t.Errorf("Expected 8453, got %d", cfg.Treasury.ChainID)
				}
			},
		},
		{
			name: "TREASURY_USDC_DECIMALS override",
			envVars: map[string]string{
				"TREASURY_USDC_DECIMALS": "18",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Treasury.USDCDecimals != 18 {
					t.Errorf("Expected 18, got %d", cfg.Treasury.USDCDecimals)
				}
			},
		},
		{
			name: "TREASURY_REFUND_ENABLED boolean",
			envVars: map[string]string{
				"TREASURY_REFUND_ENABLED": "true",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.Treasury.RefundEnabled {
					t.Error("Expected RefundEnabled to be true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_APIKeyConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "DOTPAY_API_KEY_ENABLED boolean (true)",
			envVars: map[string]string{
				"DOTPAY_API_KEY_ENABLED": "true",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.APIKey.Enabled {
					t.Error("Expected APIKey.Enabled to be true")
				}
			},
		},
		{
			name: "DOTPAY_API_KEY_* env vars create key-tier mappings",
			envVars: map[string]string{
				"DOTPAY_API_KEY_ENABLED":        "true",
				"DOTPAY_API_KEY_PARTNER_ABC123": "partner",
				"DOTPAY_API_KEY_ENTERPRISE_XYZ": "enterprise",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.APIKey.Enabled {
					t.Error("Expected APIKey.Enabled to be true")
				}
				if len(cfg.APIKey.Keys) != 2 {
					t.Errorf("Expected 2 API keys, got %d", len(cfg.APIKey.Keys))
				}
				if cfg.APIKey.Keys["partner_abc123"] != "partner" {
					t.Errorf("Expected partner_abc123=partner, got %s", cfg.APIKey.Keys["partner_abc123"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

// TestNormalizeRoutePrefix already exists in config_test.go
