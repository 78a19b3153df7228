package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance deployments: mutex-guarded maps with secondary indices
// mirroring the MongoDB backend's unique constraints.
type MemoryStore struct {
	mu sync.RWMutex

	transactions map[string]Transaction // id -> transaction

	idempotencyIndex map[string]string            // userAddress|flowType|key -> id
	onchainTxIndex   map[string]string            // lowercase tx hash -> id
	quoteIndex       map[string]string            // quote id -> transaction id
	providerIndex    map[ProviderIDKind]map[string]string // kind -> provider id -> transaction id

	dedupEvents map[string]DedupEvent // eventKey -> event

	webhookQueue map[string]PendingWebhook // webhookID -> webhook

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewMemoryStore constructs a MemoryStore and starts background cleanup.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		transactions:     make(map[string]Transaction),
		idempotencyIndex: make(map[string]string),
		onchainTxIndex:   make(map[string]string),
		quoteIndex:       make(map[string]string),
		providerIndex: map[ProviderIDKind]map[string]string{
			ProviderIDCheckoutRequest:        make(map[string]string),
			ProviderIDMerchantRequest:        make(map[string]string),
			ProviderIDConversation:           make(map[string]string),
			ProviderIDOriginatorConversation: make(map[string]string),
		},
		dedupEvents:  make(map[string]DedupEvent),
		webhookQueue: make(map[string]PendingWebhook),
		stopCleanup:  make(chan struct{}),
		cleanupDone:  make(chan struct{}),
	}
	go m.runCleanup()
	return m
}

// runCleanup periodically drops expired webhook-queue entries that have already
// completed; transactions and dedup events are never deleted (append-only ledger).
func (m *MemoryStore) runCleanup() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	defer close(m.cleanupDone)

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.pruneCompletedWebhooks()
		}
	}
}

func (m *MemoryStore) pruneCompletedWebhooks() {
	cutoff := time.Now().Add(-24 * time.Hour)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, wh := range m.webhookQueue {
		if wh.CompletedAt != nil && wh.CompletedAt.Before(cutoff) {
			delete(m.webhookQueue, id)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (m *MemoryStore) Stop() {
	close(m.stopCleanup)
	<-m.cleanupDone
}

// Close implements the Store interface by calling Stop.
func (m *MemoryStore) Close() error {
	m.Stop()
	return nil
}

func idempotencyIndexKey(userAddress string, flowType FlowType, key string) string {
	return userAddress + "|" + string(flowType) + "|" + key
}

func providerIDIndexKeys(tx Transaction) map[ProviderIDKind]string {
	keys := make(map[ProviderIDKind]string, 4)
	if tx.Daraja.CheckoutRequestID != "" {
		keys[ProviderIDCheckoutRequest] = tx.Daraja.CheckoutRequestID
	}
	if tx.Daraja.MerchantRequestID != "" {
		keys[ProviderIDMerchantRequest] = tx.Daraja.MerchantRequestID
	}
	if tx.Daraja.ConversationID != "" {
		keys[ProviderIDConversation] = tx.Daraja.ConversationID
	}
	if tx.Daraja.OriginatorConversationID != "" {
		keys[ProviderIDOriginatorConversation] = tx.Daraja.OriginatorConversationID
	}
	return keys
}

// CreateTransaction inserts a new transaction, enforcing the idempotency-key and
// onchain-tx-hash uniqueness invariants.
func (m *MemoryStore) CreateTransaction(_ context.Context, tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transactions[tx.ID]; exists {
		return ErrVersionConflict
	}

	if tx.IdempotencyKey != "" {
		idxKey := idempotencyIndexKey(tx.UserAddress, tx.FlowType, tx.IdempotencyKey)
		if _, exists := m.idempotencyIndex[idxKey]; exists {
			return ErrDuplicateIdempotencyKey
		}
		m.idempotencyIndex[idxKey] = tx.ID
	}

	if tx.Onchain.TxHash != "" {
		if _, exists := m.onchainTxIndex[tx.Onchain.TxHash]; exists {
			return ErrDuplicateOnchainTxHash
		}
		m.onchainTxIndex[tx.Onchain.TxHash] = tx.ID
	}

	for kind, id := range providerIDIndexKeys(tx) {
		m.providerIndex[kind][id] = tx.ID
	}

	if tx.Quote != nil && tx.Quote.QuoteID != "" {
		m.quoteIndex[tx.Quote.QuoteID] = tx.ID
	}

	if tx.Version == 0 {
		tx.Version = 1
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	m.transactions[tx.ID] = tx
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (m *MemoryStore) GetTransaction(_ context.Context, id string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

// GetTransactionByIdempotencyKey enforces the (userAddress, flowType, idempotencyKey)
// uniqueness invariant.
func (m *MemoryStore) GetTransactionByIdempotencyKey(_ context.Context, userAddress string, flowType FlowType, key string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.idempotencyIndex[idempotencyIndexKey(userAddress, flowType, key)]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	tx, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

// GetTransactionByOnchainTxHash enforces the one-funding-tx-per-payout invariant.
func (m *MemoryStore) GetTransactionByOnchainTxHash(_ context.Context, txHash string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.onchainTxIndex[txHash]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	tx, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

// GetTransactionByQuoteID locates the transaction carrying the given quote.
func (m *MemoryStore) GetTransactionByQuoteID(_ context.Context, quoteID string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.quoteIndex[quoteID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	tx, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

// GetTransactionByProviderID locates a transaction by a Daraja callback identifier.
func (m *MemoryStore) GetTransactionByProviderID(_ context.Context, kind ProviderIDKind, id string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	index, ok := m.providerIndex[kind]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	txID, ok := index[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	tx, ok := m.transactions[txID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

// UpdateTransaction persists tx with an optimistic version check: the write is
// rejected with ErrVersionConflict unless tx.Version matches the currently stored
// version.
func (m *MemoryStore) UpdateTransaction(_ context.Context, tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.transactions[tx.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != tx.Version {
		return ErrVersionConflict
	}

	if tx.Onchain.TxHash != "" && tx.Onchain.TxHash != existing.Onchain.TxHash {
		if otherID, exists := m.onchainTxIndex[tx.Onchain.TxHash]; exists && otherID != tx.ID {
			return ErrDuplicateOnchainTxHash
		}
		m.onchainTxIndex[tx.Onchain.TxHash] = tx.ID
	}

	if tx.IdempotencyKey != "" && tx.IdempotencyKey != existing.IdempotencyKey {
		idxKey := idempotencyIndexKey(tx.UserAddress, tx.FlowType, tx.IdempotencyKey)
		if otherID, exists := m.idempotencyIndex[idxKey]; exists && otherID != tx.ID {
			return ErrDuplicateIdempotencyKey
		}
		m.idempotencyIndex[idxKey] = tx.ID
	}

	for kind, id := range providerIDIndexKeys(tx) {
		m.providerIndex[kind][id] = tx.ID
	}

	tx.Version = existing.Version + 1
	tx.CreatedAt = existing.CreatedAt
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[tx.ID] = tx
	return nil
}

// ListTransactions returns transactions matching filter, newest first.
func (m *MemoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Transaction
	for _, tx := range m.transactions {
		if filter.UserAddress != "" && tx.UserAddress != filter.UserAddress {
			continue
		}
		if filter.FlowType != "" && tx.FlowType != filter.FlowType {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		matches = append(matches, tx)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

// ListProcessingOlderThan selects mpesa_processing transactions whose UpdatedAt
// precedes cutoff, bounded by limit.
func (m *MemoryStore) ListProcessingOlderThan(_ context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Transaction
	for _, tx := range m.transactions {
		if tx.Status != StatusMpesaProcessing {
			continue
		}
		if tx.UpdatedAt.After(cutoff) {
			continue
		}
		matches = append(matches, tx)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.Before(matches[j].UpdatedAt)
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// SumTodayAmountKes sums quote.amountKes across today's (UTC) transactions for
// userAddress, optionally excluding failed ones.
func (m *MemoryStore) SumTodayAmountKes(_ context.Context, userAddress string, excludeFailed bool) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var sum float64
	for _, tx := range m.transactions {
		if tx.UserAddress != userAddress {
			continue
		}
		if tx.CreatedAt.Before(midnight) {
			continue
		}
		if excludeFailed && tx.Status == StatusFailed {
			continue
		}
		if tx.Quote != nil {
			sum += tx.Quote.AmountKes
		}
	}
	return sum, nil
}

// InsertEvent records a webhook dedup event, surfacing ErrDuplicateEvent on replay.
func (m *MemoryStore) InsertEvent(_ context.Context, event DedupEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.dedupEvents[event.EventKey]; exists {
		return ErrDuplicateEvent
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	m.dedupEvents[event.EventKey] = event
	return nil
}

// ListEvents returns all dedup events recorded for a transaction, oldest first.
func (m *MemoryStore) ListEvents(_ context.Context, transactionID string) ([]DedupEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []DedupEvent
	for _, e := range m.dedupEvents {
		if e.TransactionID == transactionID {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].ReceivedAt.Before(events[j].ReceivedAt)
	})
	return events, nil
}
