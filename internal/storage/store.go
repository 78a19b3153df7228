package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/dotpay/backend/internal/config"
	"github.com/dotpay/backend/internal/metrics"
)

// ProviderIDKind selects which Daraja provider identifier
// GetTransactionByProviderID looks up by: checkoutRequestId and
// merchantRequestId for STK, conversationId and originatorConversationId for
// B2C/B2B.
type ProviderIDKind string

const (
	ProviderIDCheckoutRequest        ProviderIDKind = "checkout_request_id"
	ProviderIDMerchantRequest        ProviderIDKind = "merchant_request_id"
	ProviderIDConversation           ProviderIDKind = "conversation_id"
	ProviderIDOriginatorConversation ProviderIDKind = "originator_conversation_id"
)

// TransactionFilter scopes ListTransactions (GET /api/mpesa/transactions).
type TransactionFilter struct {
	UserAddress string
	FlowType    FlowType
	Status      Status
	Limit       int
}

// TransactionStore is the repository interface for the central Transaction entity.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, userAddress string, flowType FlowType, key string) (Transaction, error)
	GetTransactionByOnchainTxHash(ctx context.Context, txHash string) (Transaction, error)
	GetTransactionByQuoteID(ctx context.Context, quoteID string) (Transaction, error)
	GetTransactionByProviderID(ctx context.Context, kind ProviderIDKind, id string) (Transaction, error)
	// UpdateTransaction persists tx, rejecting the write with ErrVersionConflict if
	// tx.Version does not match the currently stored version. On success the stored
	// version is incremented.
	UpdateTransaction(ctx context.Context, tx Transaction) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	ListProcessingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error)
	// SumTodayAmountKes sums quote.amountKes across today's transactions for
	// userAddress, excluding failed ones when excludeFailed is true. "Today"
	// starts at UTC wall-clock midnight.
	SumTodayAmountKes(ctx context.Context, userAddress string, excludeFailed bool) (float64, error)
}

// DedupStore is the repository interface for webhook dedup records.
type DedupStore interface {
	InsertEvent(ctx context.Context, event DedupEvent) error
	ListEvents(ctx context.Context, transactionID string) ([]DedupEvent, error)
}

// Store aggregates the transaction/dedup repositories plus the outbound
// webhook delivery queue (internal/notify's egress, distinct from the
// inbound Daraja webhooks handled by internal/webhook).
type Store interface {
	TransactionStore
	DedupStore

	EnqueueWebhook(ctx context.Context, webhook PendingWebhook) (string, error)
	DequeueWebhooks(ctx context.Context, limit int) ([]PendingWebhook, error)
	MarkWebhookProcessing(ctx context.Context, webhookID string) error
	MarkWebhookSuccess(ctx context.Context, webhookID string) error
	MarkWebhookFailed(ctx context.Context, webhookID string, errorMsg string, nextAttemptAt time.Time) error
	GetWebhook(ctx context.Context, webhookID string) (PendingWebhook, error)
	ListWebhooks(ctx context.Context, status WebhookStatus, limit int) ([]PendingWebhook, error)
	RetryWebhook(ctx context.Context, webhookID string) error
	DeleteWebhook(ctx context.Context, webhookID string) error

	Close() error
}

// NewStore constructs a Store from storage configuration: "memory" for tests/dev,
// "mongodb" for production. m may be nil; when set, the mongodb backend reports
// per-query durations through it.
func NewStore(cfg config.StorageConfig, m *metrics.Metrics) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		database := cfg.MongoDBDatabase
		if database == "" {
			database = "dotpay"
		}
		store, err := NewMongoDBStore(cfg.MongoDBURL, database)
		if err != nil {
			return nil, err
		}
		return store.WithMetrics(m), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
