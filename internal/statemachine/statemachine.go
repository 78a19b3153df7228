// Package statemachine is the authoritative transition table over the
// transaction lifecycle, with an append-only history. Callers assert
// legality, then persist the appended history entry and new status
// atomically with any other mutation in the same persistence call.
package statemachine

import (
	"time"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/storage"
)

// allowed is the transition table. A status absent from this map
// (succeeded, refunded) has no outbound transitions.
var allowed = map[storage.Status]map[storage.Status]bool{
	storage.StatusCreated: {
		storage.StatusQuoted:                    true,
		storage.StatusAwaitingUserAuthorization: true,
		storage.StatusFailed:                    true,
	},
	storage.StatusQuoted: {
		storage.StatusAwaitingUserAuthorization: true,
		storage.StatusMpesaSubmitted:            true,
		storage.StatusFailed:                    true,
	},
	storage.StatusAwaitingUserAuthorization: {
		storage.StatusAwaitingOnchainFunding: true,
		storage.StatusMpesaSubmitted:         true,
		storage.StatusFailed:                 true,
	},
	storage.StatusAwaitingOnchainFunding: {
		storage.StatusMpesaSubmitted: true,
		storage.StatusFailed:         true,
	},
	storage.StatusMpesaSubmitted: {
		storage.StatusMpesaProcessing: true,
		storage.StatusSucceeded:       true,
		storage.StatusFailed:          true,
	},
	storage.StatusMpesaProcessing: {
		storage.StatusSucceeded: true,
		storage.StatusFailed:    true,
	},
	storage.StatusFailed: {
		storage.StatusRefundPending: true,
		storage.StatusRefunded:      true,
	},
	storage.StatusRefundPending: {
		storage.StatusRefunded: true,
		storage.StatusFailed:   true,
	},
	// storage.StatusSucceeded and storage.StatusRefunded are terminal: no entry, no outbound edges.
}

// IsAllowed reports whether (from, to) is a legal transition per the table above.
// A same-state pair is always legal (AssertTransition treats it as a no-op).
func IsAllowed(from, to storage.Status) bool {
	if from == to {
		return true
	}
	edges, ok := allowed[from]
	if !ok {
		return false
	}
	return edges[to]
}

// AssertTransition validates and applies a transition on tx in place: on a real
// transition (from != to) it appends a history entry and sets the new status.
// A same-state call is a no-op. An illegal call returns a StateError
// and leaves tx unmodified. Callers persist tx afterward in the same call that
// applies any other mutation, so the status change and its cause land atomically.
func AssertTransition(tx *storage.Transaction, to storage.Status, reason, source string) error {
	return AssertTransitionAt(tx, to, reason, source, time.Now().UTC())
}

// AssertTransitionAt is AssertTransition with an explicit clock, for deterministic tests.
func AssertTransitionAt(tx *storage.Transaction, to storage.Status, reason, source string, at time.Time) error {
	from := tx.Status
	if from == to {
		return nil
	}
	if !IsAllowed(from, to) {
		return apperrors.State(apperrors.ErrCodeIllegalTransition, illegalTransitionMessage(from, to)).
			WithDetails(map[string]interface{}{"from": string(from), "to": string(to)})
	}

	tx.History = append(tx.History, storage.HistoryEntry{
		From:   from,
		To:     to,
		Reason: reason,
		Source: source,
		At:     at,
	})
	tx.Status = to
	tx.UpdatedAt = at
	return nil
}

func illegalTransitionMessage(from, to storage.Status) string {
	return "illegal transition: " + string(from) + " -> " + string(to)
}
