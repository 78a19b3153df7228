package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dotpay/backend/internal/metrics"
)

const (
	transactionsCollection = "transactions"
	dedupEventsCollection  = "dedup_events"
)

// MongoDBStore is the production Store backend.
type MongoDBStore struct {
	client  *mongo.Client
	db      *mongo.Database
	metrics *metrics.Metrics
}

// WithMetrics attaches a metrics collector so every query reports its
// duration, returning s for chaining at construction time.
func (s *MongoDBStore) WithMetrics(m *metrics.Metrics) *MongoDBStore {
	s.metrics = m
	return s
}

// NewMongoDBStore connects to MongoDB, verifies reachability, and creates
// the indices the repositories rely on for uniqueness and query patterns.
func NewMongoDBStore(connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	store := &MongoDBStore{
		client: client,
		db:     client.Database(database),
	}

	if err := store.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	return store, nil
}

// createIndexes sets up the unique and query-support indices:
// transactionId unique (the _id, implicit), userAddress+createdAt, flowType+status+
// createdAt, onchain.txHash partial-unique, (userAddress,flowType,idempotencyKey)
// partial-unique on transactions; eventKey unique (the _id, implicit) and
// (transactionId,receivedAt) on dedup_events.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	txColl := s.db.Collection(transactionsCollection)

	txIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "userAddress", Value: 1}, {Key: "createdAt", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "flowType", Value: 1}, {Key: "status", Value: 1}, {Key: "createdAt", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "onchain.txHash", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"onchain.txHash": bson.M{"$exists": true, "$gt": ""}}),
		},
		{
			Keys: bson.D{{Key: "userAddress", Value: 1}, {Key: "flowType", Value: 1}, {Key: "idempotencyKey", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"idempotencyKey": bson.M{"$exists": true, "$gt": ""}}),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "quote.quoteId", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "daraja.checkoutRequestId", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "daraja.merchantRequestId", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "daraja.conversationId", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "daraja.originatorConversationId", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	}
	if _, err := txColl.Indexes().CreateMany(ctx, txIndexes); err != nil {
		return fmt.Errorf("transaction indexes: %w", err)
	}

	dedupColl := s.db.Collection(dedupEventsCollection)
	dedupIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "transactionId", Value: 1}, {Key: "receivedAt", Value: 1}},
		},
	}
	if _, err := dedupColl.Indexes().CreateMany(ctx, dedupIndexes); err != nil {
		return fmt.Errorf("dedup event indexes: %w", err)
	}

	whColl := s.db.Collection(webhookQueueCollection)
	whIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextattemptat", Value: 1}}},
	}
	if _, err := whColl.Indexes().CreateMany(ctx, whIndexes); err != nil {
		return fmt.Errorf("webhook queue indexes: %w", err)
	}

	return nil
}

// Close disconnects the underlying MongoDB client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// CreateTransaction inserts a new transaction document. Mongo's unique partial
// indices enforce the idempotency-key and onchain-tx-hash invariants.
func (s *MongoDBStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "create_transaction", "mongodb")()

	if tx.Version == 0 {
		tx.Version = 1
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	coll := s.db.Collection(transactionsCollection)
	_, err := coll.InsertOne(ctx, tx)
	if mongo.IsDuplicateKeyError(err) {
		return classifyDuplicateKeyError(err)
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// classifyDuplicateKeyError maps a generic Mongo duplicate-key error to the
// specific sentinel the caller can act on. Without inspecting the raw write
// error's index name, the idempotency-key collision is assumed, since it is
// the invariant callers check for first.
func classifyDuplicateKeyError(err error) error {
	return fmt.Errorf("%w: %v", ErrDuplicateIdempotencyKey, err)
}

// GetTransaction retrieves a transaction by ID.
func (s *MongoDBStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_transaction", "mongodb")()

	coll := s.db.Collection(transactionsCollection)
	var tx Transaction
	err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&tx)
	if err == mongo.ErrNoDocuments {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("query transaction: %w", err)
	}
	return tx, nil
}

// GetTransactionByIdempotencyKey enforces the (userAddress, flowType, idempotencyKey)
// uniqueness invariant.
func (s *MongoDBStore) GetTransactionByIdempotencyKey(ctx context.Context, userAddress string, flowType FlowType, key string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_transaction_by_idempotency_key", "mongodb")()

	coll := s.db.Collection(transactionsCollection)
	var tx Transaction
	filter := bson.M{"userAddress": userAddress, "flowType": flowType, "idempotencyKey": key}
	err := coll.FindOne(ctx, filter).Decode(&tx)
	if err == mongo.ErrNoDocuments {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("query transaction by idempotency key: %w", err)
	}
	return tx, nil
}

// GetTransactionByOnchainTxHash looks up a transaction by its funding tx hash.
func (s *MongoDBStore) GetTransactionByOnchainTxHash(ctx context.Context, txHash string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_transaction_by_onchain_tx_hash", "mongodb")()

	coll := s.db.Collection(transactionsCollection)
	var tx Transaction
	err := coll.FindOne(ctx, bson.M{"onchain.txHash": txHash}).Decode(&tx)
	if err == mongo.ErrNoDocuments {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("query transaction by onchain tx hash: %w", err)
	}
	return tx, nil
}

// GetTransactionByQuoteID locates the transaction carrying the given quote.
func (s *MongoDBStore) GetTransactionByQuoteID(ctx context.Context, quoteID string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_transaction_by_quote_id", "mongodb")()

	coll := s.db.Collection(transactionsCollection)
	var tx Transaction
	err := coll.FindOne(ctx, bson.M{"quote.quoteId": quoteID}).Decode(&tx)
	if err == mongo.ErrNoDocuments {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("query transaction by quote id: %w", err)
	}
	return tx, nil
}

// providerIDField maps a ProviderIDKind to its document field path.
func providerIDField(kind ProviderIDKind) string {
	switch kind {
	case ProviderIDCheckoutRequest:
		return "daraja.checkoutRequestId"
	case ProviderIDMerchantRequest:
		return "daraja.merchantRequestId"
	case ProviderIDConversation:
		return "daraja.conversationId"
	case ProviderIDOriginatorConversation:
		return "daraja.originatorConversationId"
	default:
		return ""
	}
}

// GetTransactionByProviderID locates a transaction by a Daraja callback identifier.
func (s *MongoDBStore) GetTransactionByProviderID(ctx context.Context, kind ProviderIDKind, id string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_transaction_by_provider_id", "mongodb")()

	field := providerIDField(kind)
	if field == "" {
		return Transaction{}, ErrNotFound
	}

	coll := s.db.Collection(transactionsCollection)
	var tx Transaction
	err := coll.FindOne(ctx, bson.M{field: id}).Decode(&tx)
	if err == mongo.ErrNoDocuments {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("query transaction by provider id: %w", err)
	}
	return tx, nil
}

// UpdateTransaction persists tx with an optimistic version check: the write only
// applies if the stored document's version still matches tx.Version.
func (s *MongoDBStore) UpdateTransaction(ctx context.Context, tx Transaction) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "update_transaction", "mongodb")()

	coll := s.db.Collection(transactionsCollection)

	currentVersion := tx.Version
	tx.Version = currentVersion + 1
	tx.UpdatedAt = time.Now().UTC()

	filter := bson.M{"_id": tx.ID, "version": currentVersion}
	result, err := coll.ReplaceOne(ctx, filter, tx)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateOnchainTxHash
	}
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if result.MatchedCount == 0 {
		if _, getErr := s.GetTransaction(ctx, tx.ID); getErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// ListTransactions returns transactions matching filter, newest first.
func (s *MongoDBStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "list_transactions", "mongodb")()

	coll := s.db.Collection(transactionsCollection)

	query := bson.M{}
	if filter.UserAddress != "" {
		query["userAddress"] = filter.UserAddress
	}
	if filter.FlowType != "" {
		query["flowType"] = filter.FlowType
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := coll.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var results []Transaction
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}
	return results, nil
}

// ListProcessingOlderThan selects mpesa_processing transactions whose UpdatedAt
// precedes cutoff, bounded by limit.
func (s *MongoDBStore) ListProcessingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "list_processing_older_than", "mongodb")()

	coll := s.db.Collection(transactionsCollection)

	query := bson.M{
		"status":    StatusMpesaProcessing,
		"updatedAt": bson.M{"$lte": cutoff},
	}

	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := coll.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("query processing transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var results []Transaction
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode processing transactions: %w", err)
	}
	return results, nil
}

// SumTodayAmountKes sums quote.amountKes across today's (UTC) transactions for
// userAddress, optionally excluding failed ones.
func (s *MongoDBStore) SumTodayAmountKes(ctx context.Context, userAddress string, excludeFailed bool) (float64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "sum_today_amount_kes", "mongodb")()

	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	query := bson.M{
		"userAddress": userAddress,
		"createdAt":   bson.M{"$gte": midnight},
	}
	if excludeFailed {
		query["status"] = bson.M{"$ne": StatusFailed}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: query}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$quote.amountKes"}}}},
	}

	coll := s.db.Collection(transactionsCollection)
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("aggregate daily sum: %w", err)
	}
	defer cursor.Close(ctx)

	var result []struct {
		Total float64 `bson:"total"`
	}
	if err := cursor.All(ctx, &result); err != nil {
		return 0, fmt.Errorf("decode daily sum: %w", err)
	}
	if len(result) == 0 {
		return 0, nil
	}
	return result[0].Total, nil
}

// InsertEvent records a webhook dedup event, surfacing ErrDuplicateEvent on replay.
func (s *MongoDBStore) InsertEvent(ctx context.Context, event DedupEvent) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "insert_event", "mongodb")()

	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	coll := s.db.Collection(dedupEventsCollection)
	_, err := coll.InsertOne(ctx, event)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("insert dedup event: %w", err)
	}
	return nil
}

// ListEvents returns all dedup events recorded for a transaction, oldest first.
func (s *MongoDBStore) ListEvents(ctx context.Context, transactionID string) ([]DedupEvent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "list_events", "mongodb")()

	coll := s.db.Collection(dedupEventsCollection)

	opts := options.Find().SetSort(bson.D{{Key: "receivedAt", Value: 1}})
	cursor, err := coll.Find(ctx, bson.M{"transactionId": transactionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("query dedup events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []DedupEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode dedup events: %w", err)
	}
	return events, nil
}
