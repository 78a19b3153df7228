package mpesa

import (
	"context"

	apperrors "github.com/dotpay/backend/internal/errors"
)

// TransactionStatusQueryRequest is the input to a Daraja TransactionStatus
// query.
type TransactionStatusQueryRequest struct {
	TransactionID    string // CheckoutRequestID or provider transaction ID
	OriginatorConvID string
	Remarks          string
	Occasion         string
	QueueTimeoutURL  string
	ResultURL        string
}

type transactionStatusPayload struct {
	Initiator                string `json:"Initiator"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	TransactionID            string `json:"TransactionID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	PartyA                   string `json:"PartyA"`
	IdentifierType           string `json:"IdentifierType"`
	ResultURL                string `json:"ResultURL"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	Remarks                  string `json:"Remarks"`
	Occasion                 string `json:"Occasion"`
}

// TransactionStatusQueryResult is the synchronous acknowledgement of a
// TransactionStatus query; the actual outcome arrives later on ResultURL,
// which the reconciler routes back through the same webhook demultiplexer
// as any other B2C/B2B result callback.
type TransactionStatusQueryResult struct {
	Accepted                 bool
	ConversationID           string
	OriginatorConversationID string
	ResponseCode             string
	ResponseDesc             string
}

// TransactionStatusQuery asks Daraja for the current status of a previously
// submitted transaction.
func (c *Client) TransactionStatusQuery(ctx context.Context, req TransactionStatusQueryRequest) (TransactionStatusQueryResult, error) {
	if c.Disabled() {
		return TransactionStatusQueryResult{}, apperrors.Disabled("mpesa integration is disabled")
	}
	if c.cfg.InitiatorName == "" || c.cfg.B2BShortcode == "" {
		return TransactionStatusQueryResult{}, apperrors.Config(apperrors.ErrCodeConfigMissing, "mpesa initiator_name and b2b_shortcode must be configured")
	}
	securityCredential, err := DeriveSecurityCredential(c.cfg)
	if err != nil {
		return TransactionStatusQueryResult{}, err
	}

	resultURL := req.ResultURL
	if resultURL == "" {
		resultURL = c.cfg.ResultBaseURL
	}
	timeoutURL := req.QueueTimeoutURL
	if timeoutURL == "" {
		timeoutURL = c.cfg.TimeoutBaseURL
	}

	payload := transactionStatusPayload{
		Initiator:                c.cfg.InitiatorName,
		SecurityCredential:       securityCredential,
		CommandID:                "TransactionStatusQuery",
		TransactionID:            req.TransactionID,
		OriginatorConversationID: req.OriginatorConvID,
		PartyA:                   c.cfg.B2BShortcode,
		IdentifierType:           "4",
		ResultURL:                resultURL,
		QueueTimeOutURL:          timeoutURL,
		Remarks:                  req.Remarks,
		Occasion:                 req.Occasion,
	}

	resp, err := c.postJSON(ctx, "/mpesa/transactionstatus/v1/query", payload)
	if err != nil {
		return TransactionStatusQueryResult{}, err
	}
	parsed, err := decodeSyncResponse(resp)
	if err != nil {
		return TransactionStatusQueryResult{}, err
	}

	result := TransactionStatusQueryResult{
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
