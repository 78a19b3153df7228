// Package webhook implements the Webhook Demultiplexer: the
// five Daraja callback endpoints (STK, B2C result/timeout, B2B
// result/timeout) that locate the owning transaction, dedup the event,
// tolerantly parse the provider's duck-typed result shape, and drive the
// state machine. Daraja retries callbacks it considers unacknowledged, so
// every handler acks 200 and logs internal errors instead of surfacing them.
package webhook

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind identifies which of the five callback endpoints received the payload.
type Kind string

const (
	KindSTK        Kind = "stk"
	KindB2CResult  Kind = "b2c_result"
	KindB2CTimeout Kind = "b2c_timeout"
	KindB2BResult  Kind = "b2b_result"
	KindB2BTimeout Kind = "b2b_timeout"
)

// Ack is the acknowledgement body Daraja expects. Always sent with HTTP
// 200, even on internal failure.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Accepted is the canonical ack body for both the success and the
// log-and-swallow-internal-error paths.
var Accepted = Ack{ResultCode: 0, ResultDesc: "Accepted"}

// stkEnvelope is Daraja's STK callback wire shape.
type stkEnvelope struct {
	Body struct {
		STKCallback struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        json.RawMessage `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// resultEnvelope is Daraja's shared B2C/B2B result (and timeout) wire shape.
type resultEnvelope struct {
	Result struct {
		ResultType               int             `json:"ResultType"`
		ResultCode               json.RawMessage `json:"ResultCode"`
		ResultDesc               string          `json:"ResultDesc"`
		OriginatorConversationID string          `json:"OriginatorConversationID"`
		ConversationID           string          `json:"ConversationID"`
		TransactionID            string          `json:"TransactionID"`
		ResultParameters         *struct {
			ResultParameter []struct {
				Key   string          `json:"Key"`
				Value json.RawMessage `json:"Value"`
			} `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// parsedCallback is the tolerant, kind-agnostic projection of either wire
// envelope, carrying both the raw and parsed result code. Providers return
// numeric and string codes interchangeably across sandbox and production.
type parsedCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ConversationID    string
	OriginatorConvID  string
	ResultCodeRaw     string
	ResultCodeInt     int
	ResultDesc        string
	ReceiptNumber     string
}

// rawCodeString renders a json.RawMessage ResultCode (string or number) as a
// trimmed string, tolerating either wire representation.
func rawCodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber.String()
	}
	return strings.Trim(string(raw), `"`)
}

func rawCodeInt(raw json.RawMessage) int {
	s := rawCodeString(raw)
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

// parseSTK decodes a raw STK callback body into a parsedCallback, pulling
// MpesaReceiptNumber out of CallbackMetadata.Item when present.
func parseSTK(body []byte) (parsedCallback, error) {
	var env stkEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return parsedCallback{}, err
	}
	cb := env.Body.STKCallback
	pc := parsedCallback{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCodeRaw:     rawCodeString(cb.ResultCode),
		ResultCodeInt:     rawCodeInt(cb.ResultCode),
		ResultDesc:        cb.ResultDesc,
	}
	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			if item.Name == "MpesaReceiptNumber" {
				pc.ReceiptNumber = rawCodeString(item.Value)
			}
		}
	}
	return pc, nil
}

// parseResult decodes a raw B2C/B2B result (or timeout) callback body into a
// parsedCallback, pulling a settlement receipt out of ResultParameters when
// present.
func parseResult(body []byte) (parsedCallback, error) {
	var env resultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return parsedCallback{}, err
	}
	r := env.Result
	pc := parsedCallback{
		ConversationID:   r.ConversationID,
		OriginatorConvID: r.OriginatorConversationID,
		ResultCodeRaw:    rawCodeString(r.ResultCode),
		ResultCodeInt:    rawCodeInt(r.ResultCode),
		ResultDesc:       r.ResultDesc,
	}
	if r.ResultParameters != nil {
		for _, p := range r.ResultParameters.ResultParameter {
			switch p.Key {
			case "TransactionReceipt", "TransactionID", "B2CTransactionReceipt":
				if pc.ReceiptNumber == "" {
					pc.ReceiptNumber = rawCodeString(p.Value)
				}
			}
		}
	}
	if pc.ReceiptNumber == "" {
		pc.ReceiptNumber = r.TransactionID
	}
	return pc, nil
}

// isSuccess reports whether the raw result code is the Daraja success
// sentinel.
func (p parsedCallback) isSuccess() bool {
	return p.ResultCodeRaw == "0"
}
