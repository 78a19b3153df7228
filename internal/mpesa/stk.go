package mpesa

import (
	"context"
	"encoding/base64"
	"math"
	"time"

	apperrors "github.com/dotpay/backend/internal/errors"
)

const (
	dateTimeLayout         = "20060102150405"
	maxAccountReferenceLen = 12
	maxTransactionDescLen  = 182
)

// STKRequest is the input to an STK (Lipa na M-Pesa online / C2B push)
// submission.
type STKRequest struct {
	Phone            string // MSISDN, 2547XXXXXXXX
	AmountKes        float64
	AccountReference string
	TransactionDesc  string
	CallbackURL      string
}

// stkPayload is the exact wire shape Daraja expects for STK push.
type stkPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKResult is the synchronous outcome of an STK submission.
type STKResult struct {
	Accepted          bool
	MerchantRequestID string
	CheckoutRequestID string
	ResponseCode      string
	ResponseDesc      string
}

// BuildSTKPassword constructs Password = base64(shortcode || passkey ||
// timestamp).
func BuildSTKPassword(shortcode, passkey, timestamp string) string {
	raw := shortcode + passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// SubmitSTK builds and sends an STK push request.
func (c *Client) SubmitSTK(ctx context.Context, req STKRequest) (STKResult, error) {
	if c.Disabled() {
		return STKResult{}, apperrors.Disabled("mpesa integration is disabled")
	}
	shortcode := c.cfg.STKShortcode
	if shortcode == "" {
		shortcode = c.cfg.Shortcode
	}
	if shortcode == "" || c.cfg.Passkey == "" {
		return STKResult{}, apperrors.Config(apperrors.ErrCodeConfigMissing, "mpesa shortcode and passkey must be configured")
	}

	timestamp := time.Now().Format(dateTimeLayout)
	amount := int64(math.Ceil(req.AmountKes))
	if amount <= 0 {
		return STKResult{}, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "stk amount must be positive")
	}

	accountRef := truncate(req.AccountReference, maxAccountReferenceLen)
	desc := truncate(req.TransactionDesc, maxTransactionDescLen)

	payload := stkPayload{
		BusinessShortCode: shortcode,
		Password:          BuildSTKPassword(shortcode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            req.Phone,
		PartyB:            shortcode,
		PhoneNumber:       req.Phone,
		CallBackURL:       req.CallbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   desc,
	}

	resp, err := c.postJSON(ctx, "/mpesa/stkpush/v1/processrequest", payload)
	if err != nil {
		return STKResult{}, err
	}
	parsed, err := decodeSyncResponse(resp)
	if err != nil {
		return STKResult{}, err
	}

	result := STKResult{
		Accepted:          Accepted(resp.StatusCode, parsed),
		MerchantRequestID: parsed.MerchantRequestID,
		CheckoutRequestID: parsed.CheckoutRequestID,
		ResponseCode:      parsed.ResponseCode,
		ResponseDesc:      parsed.ResponseDescription,
	}
	if !result.Accepted {
		return result, classify(resp.StatusCode, parsed)
	}
	return result, nil
}
