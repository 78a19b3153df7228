package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
func (c *Config) applyEnvOverrides() {
	// Server
	setIfEnv(&c.Server.Address, "DOTPAY_SERVER_ADDRESS")
	setIfEnv(&c.Server.BaseURL, "DOTPAY_BASE_URL")
	setIfEnv(&c.Server.RoutePrefix, "DOTPAY_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "DOTPAY_ADMIN_METRICS_API_KEY")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Auth
	setIfEnv(&c.Auth.JWTSecret, "DOTPAY_BACKEND_JWT_SECRET")
	setIfEnv(&c.Auth.InternalAPIKey, "DOTPAY_INTERNAL_API_KEY")
	setIfEnv(&c.Auth.RequiredScope, "DOTPAY_REQUIRED_SCOPE")

	// Mpesa / Daraja
	setIfEnv(&c.Mpesa.Env, "MPESA_ENV")
	setIfEnv(&c.Mpesa.BaseURL, "MPESA_BASE_URL")
	setIfEnv(&c.Mpesa.ConsumerKey, "MPESA_CONSUMER_KEY")
	setIfEnv(&c.Mpesa.ConsumerSecret, "MPESA_CONSUMER_SECRET")
	setIfEnv(&c.Mpesa.Passkey, "MPESA_PASSKEY")
	setIfEnv(&c.Mpesa.Shortcode, "MPESA_SHORTCODE")
	setIfEnv(&c.Mpesa.STKShortcode, "MPESA_STK_SHORTCODE")
	setIfEnv(&c.Mpesa.B2CShortcode, "MPESA_B2C_SHORTCODE")
	setIfEnv(&c.Mpesa.B2BShortcode, "MPESA_B2B_SHORTCODE")
	setIfEnv(&c.Mpesa.InitiatorName, "MPESA_INITIATOR_NAME")
	setIfEnv(&c.Mpesa.SecurityCredential, "MPESA_SECURITY_CREDENTIAL")
	setIfEnv(&c.Mpesa.InitiatorPassword, "MPESA_INITIATOR_PASSWORD")
	setIfEnv(&c.Mpesa.CertPath, "MPESA_CERT_PATH")
	setIfEnv(&c.Mpesa.ResultBaseURL, "MPESA_RESULT_BASE_URL")
	setIfEnv(&c.Mpesa.TimeoutBaseURL, "MPESA_TIMEOUT_BASE_URL")
	setIfEnv(&c.Mpesa.WebhookSecret, "MPESA_WEBHOOK_SECRET")
	setIfEnv(&c.Mpesa.PaybillReceiverType, "MPESA_B2B_PAYBILL_RECEIVER_TYPE")
	setIfEnv(&c.Mpesa.BuygoodsReceiverType, "MPESA_B2B_BUYGOODS_RECEIVER_TYPE")
	setBoolIfEnv(&c.Mpesa.Disabled, "MPESA_DISABLED")

	// Quote / limits / signature / refund
	setDurationSecondsIfEnv(&c.Quote.TTL, "MPESA_QUOTE_TTL_SECONDS")
	setFloatIfEnv(&c.Quote.KesPerUSD, "KES_PER_USD")
	setFloatIfEnv(&c.Limits.MaxTxnKes, "MPESA_MAX_TXN_KES")
	setFloatIfEnv(&c.Limits.MaxDailyKes, "MPESA_MAX_DAILY_KES")
	setIntIfEnv(&c.Signature.PinMinLength, "MPESA_PIN_MIN_LENGTH")
	setDurationSecondsIfEnv(&c.Signature.SignatureMaxAge, "MPESA_SIGNATURE_MAX_AGE_SECONDS")
	setBoolIfEnv(&c.Refund.AutoRefund, "MPESA_AUTO_REFUND")
	setBoolIfEnv(&c.Treasury.RequireOnchainFunding, "MPESA_REQUIRE_ONCHAIN_FUNDING")
	setUint64IfEnv(&c.Treasury.MinFundingConfirmations, "MPESA_MIN_FUNDING_CONFIRMATIONS")

	// Treasury
	setIfEnv(&c.Treasury.RPCURL, "TREASURY_RPC_URL")
	setInt64IfEnv(&c.Treasury.ChainID, "TREASURY_CHAIN_ID")
	setIfEnv(&c.Treasury.USDCContract, "TREASURY_USDC_CONTRACT")
	if v := os.Getenv("TREASURY_USDC_DECIMALS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 255 {
			c.Treasury.USDCDecimals = uint8(n)
		}
	}
	setIfEnv(&c.Treasury.PlatformAddress, "TREASURY_PLATFORM_ADDRESS")
	setIfEnv(&c.Treasury.PrivateKey, "TREASURY_PRIVATE_KEY")
	setBoolIfEnv(&c.Treasury.RefundEnabled, "TREASURY_REFUND_ENABLED")
	setUint64IfEnv(&c.Treasury.WaitConfirmations, "TREASURY_WAIT_CONFIRMATIONS")

	// Storage
	setIfEnv(&c.Storage.Backend, "DOTPAY_STORAGE_BACKEND")
	setIfEnv(&c.Storage.MongoDBURL, "DOTPAY_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "DOTPAY_MONGODB_DATABASE")

	// Logging
	setIfEnv(&c.Logging.Level, "DOTPAY_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "DOTPAY_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "DOTPAY_ENVIRONMENT")

	// API Key config
	setBoolIfEnv(&c.APIKey.Enabled, "DOTPAY_API_KEY_ENABLED")
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "DOTPAY_API_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "DOTPAY_API_KEY_")
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]string)
		}
		key := strings.ToLower(name)
		tier := strings.TrimSpace(parts[1])
		c.APIKey.Keys[key] = tier
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setFloatIfEnv sets a float64 pointer from an environment variable.
func setFloatIfEnv(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setUint64IfEnv sets a uint64 pointer from an environment variable.
func setUint64IfEnv(target *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setDurationSecondsIfEnv sets a Duration pointer from a bare-seconds environment variable,
// falling back to Go duration string parsing (e.g. "5m").
func setDurationSecondsIfEnv(target *Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*target = Duration{Duration: time.Duration(secs) * time.Second}
		return
	}
	if dur, err := time.ParseDuration(v); err == nil {
		*target = Duration{Duration: dur}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
