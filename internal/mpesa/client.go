// Package mpesa is the Safaricom Daraja client: OAuth token caching,
// STK/B2C/B2B payload construction, SecurityCredential encryption, and
// synchronous response classification. Daraja has no first-party Go SDK, so
// the HTTP plumbing is net/http + encoding/json, wrapped in
// internal/circuitbreaker.
package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dotpay/backend/internal/circuitbreaker"
	"github.com/dotpay/backend/internal/config"
	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/metrics"
)

// Client talks to the Safaricom Daraja API: OAuth, STK push, B2C, B2B.
type Client struct {
	cfg        config.MpesaConfig
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient constructs a Daraja client bound to cfg.
func NewClient(cfg config.MpesaConfig, breakers *circuitbreaker.Manager, metricsCollector *metrics.Metrics) *Client {
	timeout := cfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		breakers:   breakers,
		metrics:    metricsCollector,
	}
}

// Disabled reports whether the Daraja integration is feature-flagged off.
func (c *Client) Disabled() bool {
	return c.cfg.Disabled
}

const tokenExpiryFloor = 60 * time.Second
const tokenExpirySkew = 30 * time.Second

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken returns a cached bearer token, refreshing it if expired or
// absent.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	return c.refreshTokenLocked(ctx)
}

// refreshTokenLocked fetches a new bearer token. Caller must hold tokenMu.
func (c *Client) refreshTokenLocked(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/oauth/v1/generate?grant_type=client_credentials", strings.TrimRight(c.cfg.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("mpesa: build oauth request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	start := time.Now()
	resp, err := c.do(req)
	if c.metrics != nil {
		c.metrics.ObserveRPCCall("oauth", "daraja", time.Since(start), err)
	}
	if err != nil {
		return "", apperrors.External(apperrors.ErrCodeOAuthFailure, "failed to reach Daraja OAuth endpoint").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.External(apperrors.ErrCodeOAuthFailure, fmt.Sprintf("Daraja OAuth returned HTTP %d", resp.StatusCode))
	}

	var parsed oauthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperrors.External(apperrors.ErrCodeOAuthFailure, "failed to decode Daraja OAuth response").WithCause(err)
	}
	if parsed.AccessToken == "" {
		return "", apperrors.External(apperrors.ErrCodeOAuthFailure, "Daraja OAuth response missing access_token")
	}

	expiresInSec := 3600
	if parsed.ExpiresIn != "" {
		fmt.Sscanf(parsed.ExpiresIn, "%d", &expiresInSec)
	}
	ttl := time.Duration(expiresInSec)*time.Second - tokenExpirySkew
	if ttl < tokenExpiryFloor {
		ttl = tokenExpiryFloor
	}

	c.token = parsed.AccessToken
	c.tokenExpiry = time.Now().Add(ttl)
	return c.token, nil
}

// invalidateToken drops the cached token, forcing a refresh on next use.
// Called after a 401 from a non-OAuth endpoint.
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}

// do executes req wrapped in the Daraja circuit breaker.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	result, err := c.breakers.Execute(circuitbreaker.ServiceDaraja, func() (interface{}, error) {
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// postJSON sends an authenticated JSON POST to path, retrying once after
// refreshing the token on a 401.
func (c *Client) postJSON(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	resp, err := c.postJSONOnce(ctx, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.invalidateToken()
		return c.postJSONOnce(ctx, path, body)
	}
	return resp, nil
}

func (c *Client) postJSONOnce(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("mpesa: marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("mpesa: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.do(req)
	duration := time.Since(start)
	log := logger.FromContext(ctx)
	log.Debug().Str("path", path).Dur("duration", duration).Msg("daraja request")
	if c.metrics != nil {
		c.metrics.ObserveRPCCall(path, "daraja", duration, err)
	}
	if err != nil {
		return nil, apperrors.External(apperrors.ErrCodeProviderHTTP, "Daraja request failed").WithCause(err)
	}
	return resp, nil
}

// SyncResponse is the shared shape of Daraja's synchronous acknowledgement.
type SyncResponse struct {
	ConversationID           string `json:"ConversationID,omitempty"`
	OriginatorConversationID string `json:"OriginatorConversationID,omitempty"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
	CustomerMessage          string `json:"CustomerMessage,omitempty"`
	MerchantRequestID        string `json:"MerchantRequestID,omitempty"`
	CheckoutRequestID        string `json:"CheckoutRequestID,omitempty"`
}

// Accepted reports whether the synchronous response counts as accepted:
// HTTP 2xx and ResponseCode == "0".
func Accepted(httpStatus int, resp SyncResponse) bool {
	return httpStatus >= 200 && httpStatus < 300 && resp.ResponseCode == "0"
}

func decodeSyncResponse(resp *http.Response) (SyncResponse, error) {
	defer resp.Body.Close()
	var parsed SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return SyncResponse{}, apperrors.External(apperrors.ErrCodeProviderHTTP, "failed to decode Daraja response").WithCause(err)
	}
	return parsed, nil
}

func classify(httpStatus int, resp SyncResponse) error {
	if Accepted(httpStatus, resp) {
		return nil
	}
	msg := resp.ResponseDescription
	if msg == "" {
		msg = fmt.Sprintf("Daraja rejected request (http=%d, code=%s)", httpStatus, resp.ResponseCode)
	}
	return apperrors.External(apperrors.ErrCodeProviderRejected, msg)
}
