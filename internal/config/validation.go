package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Auth.RequiredScope == "" {
		c.Auth.RequiredScope = "mpesa"
	}

	if c.Mpesa.Env == "" {
		c.Mpesa.Env = "sandbox"
	}
	if c.Mpesa.BaseURL == "" {
		switch c.Mpesa.Env {
		case "production":
			c.Mpesa.BaseURL = "https://api.safaricom.co.ke"
		default:
			c.Mpesa.BaseURL = "https://sandbox.safaricom.co.ke"
		}
	}
	if c.Mpesa.STKShortcode == "" {
		c.Mpesa.STKShortcode = c.Mpesa.Shortcode
	}
	if c.Mpesa.B2CShortcode == "" {
		c.Mpesa.B2CShortcode = c.Mpesa.Shortcode
	}
	if c.Mpesa.B2BShortcode == "" {
		c.Mpesa.B2BShortcode = c.Mpesa.Shortcode
	}
	if c.Mpesa.PaybillReceiverType == "" {
		c.Mpesa.PaybillReceiverType = "4"
	}
	if c.Mpesa.BuygoodsReceiverType == "" {
		c.Mpesa.BuygoodsReceiverType = "2"
	}
	if c.Mpesa.RequestTimeout.Duration <= 0 {
		c.Mpesa.RequestTimeout = Duration{Duration: 30 * time.Second}
	}

	if c.Quote.TTL.Duration <= 0 {
		c.Quote.TTL = Duration{Duration: 300 * time.Second}
	}
	if c.Quote.KesPerUSD <= 0 {
		c.Quote.KesPerUSD = 130
	}
	if c.Limits.MaxTxnKes <= 0 {
		c.Limits.MaxTxnKes = 150000
	}
	if c.Limits.MaxDailyKes <= 0 {
		c.Limits.MaxDailyKes = 500000
	}
	if c.Signature.PinMinLength <= 0 {
		c.Signature.PinMinLength = 6
	}
	if c.Signature.SignatureMaxAge.Duration <= 0 {
		c.Signature.SignatureMaxAge = Duration{Duration: 600 * time.Second}
	}
	if c.Treasury.USDCDecimals > 18 {
		c.Treasury.USDCDecimals = 18
	}
	if c.Treasury.RPCTimeout.Duration <= 0 {
		c.Treasury.RPCTimeout = Duration{Duration: 30 * time.Second}
	}
	if c.Treasury.MinFundingConfirmations == 0 {
		c.Treasury.MinFundingConfirmations = 1
	}
	if c.Treasury.WaitConfirmations == 0 {
		c.Treasury.WaitConfirmations = 1
	}

	if c.Callbacks.Timeout.Duration == 0 {
		c.Callbacks.Timeout = Duration{Duration: 3 * time.Second}
	}
	if c.Callbacks.Headers == nil {
		c.Callbacks.Headers = make(map[string]string)
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.CleanupInterval.Duration <= 0 {
		c.Storage.CleanupInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Storage.ReconcileMaxAge.Duration <= 0 {
		c.Storage.ReconcileMaxAge = Duration{Duration: 30 * time.Minute}
	}
	if c.Storage.ReconcilePageSize <= 0 {
		c.Storage.ReconcilePageSize = 100
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
// Provider credentials are not checked here because sandbox/test environments
// run with partial configuration; missing credentials surface as a ConfigError
// on first use. Load fails on an unsupported storage backend or mpesa env, a
// mongodb backend without a URL, and required onchain funding without a
// treasury USDC contract.
func (c *Config) validate() error {
	var errs []string

	if c.Storage.Backend != "memory" && c.Storage.Backend != "mongodb" {
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory|mongodb)", c.Storage.Backend))
	}
	if c.Storage.Backend == "mongodb" && c.Storage.MongoDBURL == "" {
		errs = append(errs, "storage.mongodb_url is required when storage.backend is 'mongodb'")
	}
	if c.Mpesa.Env != "sandbox" && c.Mpesa.Env != "production" {
		errs = append(errs, fmt.Sprintf("mpesa.env %q is not supported (sandbox|production)", c.Mpesa.Env))
	}
	if c.Treasury.RequireOnchainFunding && c.Treasury.USDCContract == "" {
		errs = append(errs, "treasury.usdc_contract is required when onchain funding is required")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
