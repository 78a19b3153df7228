package mpesa

import (
	"context"
	"math"

	apperrors "github.com/dotpay/backend/internal/errors"
)

// B2BTargetKind distinguishes a paybill merchant target from a till
// (buygoods) target, since their receiver identifier types differ.
type B2BTargetKind string

const (
	B2BTargetPaybill  B2BTargetKind = "paybill"
	B2BTargetBuygoods B2BTargetKind = "buygoods"
)

// B2BRequest is the input to a Business-to-Business disbursement (paybill
// or buygoods flow).
type B2BRequest struct {
	OriginatorConversationID string
	Target                   B2BTargetKind
	PartyB                   string // paybill number or till number
	AccountReference         string
	AmountKes                float64
	Remarks                  string
	Requester                string
	QueueTimeoutURL          string
	ResultURL                string
}

type b2bPayload struct {
	Initiator                string `json:"Initiator"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	SenderIdentifierType     string `json:"SenderIdentifierType"`
	RecieverIdentifierType   string `json:"RecieverIdentifierType"`
	Amount                   int64  `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	AccountReference         string `json:"AccountReference"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
	Requester                string `json:"Requester,omitempty"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
}

// B2BResult is the synchronous outcome of a B2B submission.
type B2BResult struct {
	Accepted                 bool
	ConversationID           string
	OriginatorConversationID string
	ResponseCode             string
	ResponseDesc             string
}

// receiverIdentifierType resolves the Daraja RecieverIdentifierType for the
// target kind, honoring the operator-configurable overrides so deployments
// are not locked to the sandbox defaults.
func (c *Client) receiverIdentifierType(target B2BTargetKind) string {
	switch target {
	case B2BTargetPaybill:
		if c.cfg.PaybillReceiverType != "" {
			return c.cfg.PaybillReceiverType
		}
		return "4"
	case B2BTargetBuygoods:
		if c.cfg.BuygoodsReceiverType != "" {
			return c.cfg.BuygoodsReceiverType
		}
		return "2"
	default:
		return "4"
	}
}

// SubmitB2B builds and sends a B2B disbursement request.
func (c *Client) SubmitB2B(ctx context.Context, req B2BRequest) (B2BResult, error) {
	if c.Disabled() {
		return B2BResult{}, apperrors.Disabled("mpesa integration is disabled")
	}
	if c.cfg.B2BShortcode == "" || c.cfg.InitiatorName == "" {
		return B2BResult{}, apperrors.Config(apperrors.ErrCodeConfigMissing, "mpesa b2b_shortcode and initiator_name must be configured")
	}
	securityCredential, err := DeriveSecurityCredential(c.cfg)
	if err != nil {
		return B2BResult{}, err
	}

	amount := int64(math.Ceil(req.AmountKes))
	if amount <= 0 {
		return B2BResult{}, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "b2b amount must be positive")
	}

	resultURL := req.ResultURL
	if resultURL == "" {
		resultURL = c.cfg.ResultBaseURL
	}
	timeoutURL := req.QueueTimeoutURL
	if timeoutURL == "" {
		timeoutURL = c.cfg.TimeoutBaseURL
	}

	commandID := "BusinessPayBill"
	if req.Target == B2BTargetBuygoods {
		commandID = "BusinessBuyGoods"
	}

	payload := b2bPayload{
		Initiator:                c.cfg.InitiatorName,
		SecurityCredential:       securityCredential,
		CommandID:                commandID,
		SenderIdentifierType:     "4",
		RecieverIdentifierType:   c.receiverIdentifierType(req.Target),
		Amount:                   amount,
		PartyA:                   c.cfg.B2BShortcode,
		PartyB:                   req.PartyB,
		AccountReference:         req.AccountReference,
		Remarks:                  req.Remarks,
		QueueTimeOutURL:          timeoutURL,
		ResultURL:                resultURL,
		Requester:                req.Requester,
		OriginatorConversationID: req.OriginatorConversationID,
	}

	resp, err := c.postJSON(ctx, "/mpesa/b2b/v1/paymentrequest", payload)
	if err != nil {
		return B2BResult{}, err
	}
	parsed, err := decodeSyncResponse(resp)
	if err != nil {
		return B2BResult{}, err
	}

	result := B2BResult{
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
