package mpesa

import (
	"context"
	"math"

	apperrors "github.com/dotpay/backend/internal/errors"
)

// B2CRequest is the input to a Business-to-Customer disbursement (the
// offramp cashout leg).
type B2CRequest struct {
	OriginatorConversationID string
	Phone                    string
	AmountKes                float64
	CommandID                string // default "BusinessPayment"
	Remarks                  string
	Occasion                 string
	QueueTimeoutURL          string
	ResultURL                string
}

type b2cPayload struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	InitiatorName            string `json:"InitiatorName"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	Amount                   int64  `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
	Occasion                 string `json:"Occasion"`
}

// B2CResult is the synchronous outcome of a B2C submission.
type B2CResult struct {
	Accepted                 bool
	ConversationID           string
	OriginatorConversationID string
	ResponseCode             string
	ResponseDesc             string
}

// SubmitB2C builds and sends a B2C disbursement request.
func (c *Client) SubmitB2C(ctx context.Context, req B2CRequest) (B2CResult, error) {
	if c.Disabled() {
		return B2CResult{}, apperrors.Disabled("mpesa integration is disabled")
	}
	if c.cfg.B2CShortcode == "" || c.cfg.InitiatorName == "" {
		return B2CResult{}, apperrors.Config(apperrors.ErrCodeConfigMissing, "mpesa b2c_shortcode and initiator_name must be configured")
	}
	securityCredential, err := DeriveSecurityCredential(c.cfg)
	if err != nil {
		return B2CResult{}, err
	}

	amount := int64(math.Ceil(req.AmountKes))
	if amount <= 0 {
		return B2CResult{}, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "b2c amount must be positive")
	}

	commandID := req.CommandID
	if commandID == "" {
		commandID = "BusinessPayment"
	}

	resultURL := req.ResultURL
	if resultURL == "" {
		resultURL = c.cfg.ResultBaseURL
	}
	timeoutURL := req.QueueTimeoutURL
	if timeoutURL == "" {
		timeoutURL = c.cfg.TimeoutBaseURL
	}

	payload := b2cPayload{
		OriginatorConversationID: req.OriginatorConversationID,
		InitiatorName:            c.cfg.InitiatorName,
		SecurityCredential:       securityCredential,
		CommandID:                commandID,
		Amount:                   amount,
		PartyA:                   c.cfg.B2CShortcode,
		PartyB:                   req.Phone,
		Remarks:                  req.Remarks,
		QueueTimeOutURL:          timeoutURL,
		ResultURL:                resultURL,
		Occasion:                 req.Occasion,
	}

	resp, err := c.postJSON(ctx, "/mpesa/b2c/v1/paymentrequest", payload)
	if err != nil {
		return B2CResult{}, err
	}
	parsed, err := decodeSyncResponse(resp)
	if err != nil {
		return B2CResult{}, err
	}

	result := B2CResult{
		Accepted:                 Accepted(resp.StatusCode, parsed),
		ConversationID:           parsed.ConversationID,
		OriginatorConversationID: parsed.OriginatorConversationID,
		ResponseCode:             parsed.ResponseCode,
		ResponseDesc:             parsed.ResponseDescription,
	}
	if !result.Accepted {
		return result, classify(resp.StatusCode, parsed)
	}
	return result, nil
}
