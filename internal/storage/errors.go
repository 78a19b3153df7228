package storage

import "errors"

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateIdempotencyKey is returned when (userAddress, flowType, idempotencyKey)
// already identifies another transaction.
var ErrDuplicateIdempotencyKey = errors.New("storage: duplicate idempotency key")

// ErrDuplicateOnchainTxHash is returned when onchain.txHash is already linked to
// another transaction.
var ErrDuplicateOnchainTxHash = errors.New("storage: duplicate onchain tx hash")

// ErrDuplicateEvent is returned by InsertEvent when eventKey already exists; the
// webhook demultiplexer treats this as "already applied, ack and drop".
var ErrDuplicateEvent = errors.New("storage: duplicate dedup event")

// ErrVersionConflict is returned by UpdateTransaction when the caller's Version does
// not match the currently stored version (optimistic concurrency).
var ErrVersionConflict = errors.New("storage: version conflict")
