package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv()
	defer clearEnv()

	// Onchain funding is required by default, so Load needs a USDC contract.
	os.Setenv("TREASURY_USDC_CONTRACT", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error with defaults, got: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default address :8080, got %s", cfg.Server.Address)
	}
	if cfg.Quote.TTL.Duration != 300*time.Second {
		t.Errorf("expected default quote TTL 300s, got %v", cfg.Quote.TTL.Duration)
	}
	if cfg.Quote.KesPerUSD != 130 {
		t.Errorf("expected default KES/USD rate 130, got %v", cfg.Quote.KesPerUSD)
	}
	if cfg.Mpesa.Env != "sandbox" {
		t.Errorf("expected default mpesa env sandbox, got %s", cfg.Mpesa.Env)
	}
}

func TestLoadConfig_RequiresUSDCContractWhenFundingRequired(t *testing.T) {
	clearEnv()
	defer clearEnv()

	os.Setenv("TREASURY_USDC_CONTRACT", "")
	os.Setenv("MPESA_REQUIRE_ONCHAIN_FUNDING", "true")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when onchain funding required without usdc contract")
	}
	if !contains(err.Error(), "treasury.usdc_contract") {
		t.Errorf("expected error about treasury.usdc_contract, got: %v", err)
	}
}

func TestLoadConfig_ValidMinimal(t *testing.T) {
	clearEnv()
	defer clearEnv()

	os.Setenv("TREASURY_USDC_CONTRACT", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	os.Setenv("MPESA_ENV", "production")
	os.Setenv("MPESA_QUOTE_TTL_SECONDS", "120")
	os.Setenv("KES_PER_USD", "155")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Mpesa.Env != "production" {
		t.Errorf("expected mpesa env production, got %s", cfg.Mpesa.Env)
	}
	if cfg.Mpesa.BaseURL != "https://api.safaricom.co.ke" {
		t.Errorf("expected production base url to be auto-derived, got %s", cfg.Mpesa.BaseURL)
	}
	if cfg.Quote.TTL.Duration != 120*time.Second {
		t.Errorf("expected quote TTL 120s, got %v", cfg.Quote.TTL.Duration)
	}
	if cfg.Quote.KesPerUSD != 155 {
		t.Errorf("expected KES/USD rate 155, got %v", cfg.Quote.KesPerUSD)
	}
}

func TestLoadConfig_InvalidStorageBackend(t *testing.T) {
	clearEnv()
	defer clearEnv()

	os.Setenv("DOTPAY_STORAGE_BACKEND", "postgres")
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for unsupported storage backend")
	}
	if !contains(err.Error(), "storage.backend") {
		t.Errorf("expected error about storage.backend, got: %v", err)
	}
}

func TestNormalizeRoutePrefix(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"  /api/  ", "/api"},
		{"mpesa", "/mpesa"},
		{"/v1/mpesa", "/v1/mpesa"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := normalizeRoutePrefix(tt.input)
			if got != tt.want {
				t.Errorf("normalizeRoutePrefix(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Test helpers

func clearEnv() {
	envVars := []string{
		"DOTPAY_SERVER_ADDRESS", "DOTPAY_ROUTE_PREFIX", "DOTPAY_BASE_URL",
		"DOTPAY_BACKEND_JWT_SECRET", "DOTPAY_INTERNAL_API_KEY", "DOTPAY_REQUIRED_SCOPE",
		"MPESA_ENV", "MPESA_BASE_URL", "MPESA_CONSUMER_KEY", "MPESA_CONSUMER_SECRET",
		"MPESA_PASSKEY", "MPESA_SHORTCODE", "MPESA_WEBHOOK_SECRET",
		"MPESA_QUOTE_TTL_SECONDS", "KES_PER_USD",
		"MPESA_MAX_TXN_KES", "MPESA_MAX_DAILY_KES",
		"MPESA_PIN_MIN_LENGTH", "MPESA_SIGNATURE_MAX_AGE_SECONDS",
		"MPESA_AUTO_REFUND", "MPESA_REQUIRE_ONCHAIN_FUNDING", "MPESA_MIN_FUNDING_CONFIRMATIONS",
		"TREASURY_RPC_URL", "TREASURY_CHAIN_ID", "TREASURY_USDC_CONTRACT", "TREASURY_USDC_DECIMALS",
		"TREASURY_PLATFORM_ADDRESS", "TREASURY_PRIVATE_KEY", "TREASURY_REFUND_ENABLED",
		"TREASURY_WAIT_CONFIRMATIONS",
		"DOTPAY_STORAGE_BACKEND", "DOTPAY_MONGODB_URL", "DOTPAY_MONGODB_DATABASE",
		"DOTPAY_LOG_LEVEL", "DOTPAY_LOG_FORMAT", "DOTPAY_ENVIRONMENT",
	}
	for _, key := range envVars {
		os.Unsetenv(key)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > len(substr) && containsAny(s, substr))
}

func containsAny(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
