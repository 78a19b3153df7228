package storage

import (
	"encoding/json"
	"time"
)

// FlowType identifies which of the four DotPay flows a transaction belongs to.
type FlowType string

const (
	FlowOnramp   FlowType = "onramp"
	FlowOfframp  FlowType = "offramp"
	FlowPaybill  FlowType = "paybill"
	FlowBuygoods FlowType = "buygoods"
)

// Status is the transaction lifecycle state. Transitions are enforced by
// internal/statemachine.
type Status string

const (
	StatusCreated                    Status = "created"
	StatusQuoted                     Status = "quoted"
	StatusAwaitingUserAuthorization  Status = "awaiting_user_authorization"
	StatusAwaitingOnchainFunding     Status = "awaiting_onchain_funding"
	StatusMpesaSubmitted             Status = "mpesa_submitted"
	StatusMpesaProcessing            Status = "mpesa_processing"
	StatusSucceeded                  Status = "succeeded"
	StatusFailed                     Status = "failed"
	StatusRefundPending              Status = "refund_pending"
	StatusRefunded                   Status = "refunded"
)

// VerificationStatus tracks the on-chain funding verification outcome.
type VerificationStatus string

const (
	VerificationNotRequired VerificationStatus = "not_required"
	VerificationPending     VerificationStatus = "pending"
	VerificationVerified    VerificationStatus = "verified"
	VerificationFailed      VerificationStatus = "failed"
)

// RefundState tracks the compensating-transfer outcome for a transaction.
type RefundState string

const (
	RefundStateNone      RefundState = "none"
	RefundStatePending   RefundState = "pending"
	RefundStateCompleted RefundState = "completed"
	RefundStateFailed    RefundState = "failed"
)

// Quote is the embedded, time-bounded priced snapshot bound to a transaction once it
// reaches StatusQuoted.
type Quote struct {
	QuoteID            string    `json:"quoteId" bson:"quoteId"`
	Currency           string    `json:"currency" bson:"currency"` // "KES" | "USD"
	AmountRequested    float64   `json:"amountRequested" bson:"amountRequested"`
	AmountKes          float64   `json:"amountKes" bson:"amountKes"`
	AmountUsd          float64   `json:"amountUsd" bson:"amountUsd"`
	RateKesPerUsd      float64   `json:"rateKesPerUsd" bson:"rateKesPerUsd"`
	FeeAmountKes       float64   `json:"feeAmountKes" bson:"feeAmountKes"`
	NetworkFeeKes      float64   `json:"networkFeeKes" bson:"networkFeeKes"`
	TotalDebitKes      float64   `json:"totalDebitKes" bson:"totalDebitKes"`
	ExpectedReceiveKes float64   `json:"expectedReceiveKes" bson:"expectedReceiveKes"`
	SnapshotAt         time.Time `json:"snapshotAt" bson:"snapshotAt"`
	ExpiresAt          time.Time `json:"expiresAt" bson:"expiresAt"`
}

// IsExpiredAt reports whether the quote is no longer usable at the given instant.
func (q Quote) IsExpiredAt(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// Targets holds the flow-specific destination fields; exactly one set is populated
// depending on FlowType.
type Targets struct {
	Phone            string `json:"phone,omitempty" bson:"phone,omitempty"`
	PaybillNumber    string `json:"paybillNumber,omitempty" bson:"paybillNumber,omitempty"`
	TillNumber       string `json:"tillNumber,omitempty" bson:"tillNumber,omitempty"`
	AccountReference string `json:"accountReference,omitempty" bson:"accountReference,omitempty"`
}

// Authorization captures the PIN/wallet-signature proof collected for funded flows.
type Authorization struct {
	PinProvided   bool   `json:"pinProvided" bson:"pinProvided"`
	SignerAddress string `json:"signerAddress,omitempty" bson:"signerAddress,omitempty"`
	Signature     string `json:"signature,omitempty" bson:"signature,omitempty"`
	SignedAt      string `json:"signedAt,omitempty" bson:"signedAt,omitempty"` // raw string as provided by the client
	Nonce         string `json:"nonce,omitempty" bson:"nonce,omitempty"`
}

// Onchain captures the funding verification request/result for funded flows.
type Onchain struct {
	Required            bool                `json:"required" bson:"required"`
	TxHash              string              `json:"txHash,omitempty" bson:"txHash,omitempty"`
	ChainID             int64               `json:"chainId" bson:"chainId"`
	TokenContract       string              `json:"tokenContract,omitempty" bson:"tokenContract,omitempty"`
	TreasuryAddress     string              `json:"treasuryAddress,omitempty" bson:"treasuryAddress,omitempty"`
	ExpectedAmountUnits uint64              `json:"expectedAmountUnits" bson:"expectedAmountUnits"`
	ExpectedAmountUsd   float64             `json:"expectedAmountUsd" bson:"expectedAmountUsd"`
	FundedAmountUnits   uint64              `json:"fundedAmountUnits,omitempty" bson:"fundedAmountUnits,omitempty"`
	FundedAmountUsd     float64             `json:"fundedAmountUsd,omitempty" bson:"fundedAmountUsd,omitempty"`
	FromAddress         string              `json:"fromAddress,omitempty" bson:"fromAddress,omitempty"`
	ToAddress           string              `json:"toAddress,omitempty" bson:"toAddress,omitempty"`
	LogIndex            uint                `json:"logIndex,omitempty" bson:"logIndex,omitempty"`
	BlockNumber         uint64              `json:"blockNumber,omitempty" bson:"blockNumber,omitempty"`
	VerificationStatus  VerificationStatus  `json:"verificationStatus" bson:"verificationStatus"`
	VerificationError   string              `json:"verificationError,omitempty" bson:"verificationError,omitempty"`
}

// Daraja captures the mobile-money provider's request/response/callback state.
// Raw payloads are opaque JSON blobs: the provider's
// callback shapes vary (numeric vs. string result codes, present/absent metadata
// arrays), so only the known fields are parsed and the rest is preserved verbatim.
type Daraja struct {
	MerchantRequestID        string          `json:"merchantRequestId,omitempty" bson:"merchantRequestId,omitempty"`
	CheckoutRequestID        string          `json:"checkoutRequestId,omitempty" bson:"checkoutRequestId,omitempty"`
	ConversationID           string          `json:"conversationId,omitempty" bson:"conversationId,omitempty"`
	OriginatorConversationID string          `json:"originatorConversationId,omitempty" bson:"originatorConversationId,omitempty"`
	ResponseCode             string          `json:"responseCode,omitempty" bson:"responseCode,omitempty"`
	ResponseCodeInt          int             `json:"responseCodeInt" bson:"responseCodeInt"`
	ResultCode               string          `json:"resultCode,omitempty" bson:"resultCode,omitempty"`
	ResultCodeInt            int             `json:"resultCodeInt" bson:"resultCodeInt"`
	ResultDesc               string          `json:"resultDesc,omitempty" bson:"resultDesc,omitempty"`
	ReceiptNumber            string          `json:"receiptNumber,omitempty" bson:"receiptNumber,omitempty"`
	RawRequest               json.RawMessage `json:"rawRequest,omitempty" bson:"rawRequest,omitempty"`
	RawResponse              json.RawMessage `json:"rawResponse,omitempty" bson:"rawResponse,omitempty"`
	RawCallback              json.RawMessage `json:"rawCallback,omitempty" bson:"rawCallback,omitempty"`
	CallbackReceivedAt       *time.Time      `json:"callbackReceivedAt,omitempty" bson:"callbackReceivedAt,omitempty"`
}

// Refund captures the compensating-transfer state for a transaction.
type Refund struct {
	Status      RefundState `json:"status" bson:"status"`
	Reason      string      `json:"reason,omitempty" bson:"reason,omitempty"`
	TxHash      string      `json:"txHash,omitempty" bson:"txHash,omitempty"`
	InitiatedAt *time.Time  `json:"initiatedAt,omitempty" bson:"initiatedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
}

// HistoryEntry is one append-only record of an applied state transition.
type HistoryEntry struct {
	From   Status    `json:"from" bson:"from"`
	To     Status    `json:"to" bson:"to"`
	Reason string    `json:"reason" bson:"reason"`
	Source string    `json:"source" bson:"source"`
	At     time.Time `json:"at" bson:"at"`
}

// Metadata carries request provenance and freeform extras. Extra is an opaque map:
// it is allowed to hold the canonical signed message and other blobs the
// core logic never inspects structurally.
type Metadata struct {
	Source    string            `json:"source,omitempty" bson:"source,omitempty"`
	IP        string            `json:"ip,omitempty" bson:"ip,omitempty"`
	UserAgent string            `json:"userAgent,omitempty" bson:"userAgent,omitempty"`
	Extra     map[string]string `json:"extra,omitempty" bson:"extra,omitempty"`
}

// Transaction is the central entity of the system, unique by TransactionID.
// Version supports optimistic concurrency: UpdateTransaction rejects a stale write
// instead of last-writer-wins full-document replace.
type Transaction struct {
	ID             string        `json:"transactionId" bson:"_id"`
	FlowType       FlowType      `json:"flowType" bson:"flowType"`
	Status         Status        `json:"status" bson:"status"`
	UserAddress    string        `json:"userAddress" bson:"userAddress"`
	BusinessID     string        `json:"businessId,omitempty" bson:"businessId,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty" bson:"idempotencyKey,omitempty"`
	Quote          *Quote        `json:"quote,omitempty" bson:"quote,omitempty"`
	Targets        Targets       `json:"targets" bson:"targets"`
	Authorization  Authorization `json:"authorization" bson:"authorization"`
	Onchain        Onchain       `json:"onchain" bson:"onchain"`
	Daraja         Daraja        `json:"daraja" bson:"daraja"`
	Refund         Refund        `json:"refund" bson:"refund"`
	History        []HistoryEntry `json:"history" bson:"history"`
	Metadata       Metadata      `json:"metadata" bson:"metadata"`
	Version        int64         `json:"version" bson:"version"`
	CreatedAt      time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt" bson:"updatedAt"`
}

// IsTerminal reports whether the transaction's status allows no further transitions.
func (t Transaction) IsTerminal() bool {
	return t.Status == StatusSucceeded || t.Status == StatusRefunded
}

// RequiresFunding reports whether this flow requires on-chain funding
// verification (every flow except onramp).
func (f FlowType) RequiresFunding() bool {
	return f != FlowOnramp
}

// DedupEvent uniquely identifies an applied webhook callback.
type DedupEvent struct {
	EventKey      string          `json:"eventKey" bson:"_id"`
	TransactionID string          `json:"transactionId" bson:"transactionId"`
	Source        string          `json:"source" bson:"source"` // "webhook" | "reconcile" | "system"
	EventType     string          `json:"eventType" bson:"eventType"`
	Payload       json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"`
	ReceivedAt    time.Time       `json:"receivedAt" bson:"receivedAt"`
}
