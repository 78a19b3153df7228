package pinauth

import (
	"context"
	"strings"
	"sync"

	apperrors "github.com/dotpay/backend/internal/errors"
)

// MemoryVerifier is a reference implementation of orchestrator.PINVerifier.
// Production deployments are expected to supply their own implementation
// backed by whatever holds the user's PIN hash. This one
// exists so cmd/server has something concrete to wire, and so tests and
// local/sandbox runs can seed a hash without standing up an external system.
type MemoryVerifier struct {
	mu     sync.RWMutex
	hashes map[string]string // lowercased userAddress -> pinauth.Hash() output
}

// NewMemoryVerifier constructs an empty MemoryVerifier.
func NewMemoryVerifier() *MemoryVerifier {
	return &MemoryVerifier{hashes: make(map[string]string)}
}

// SetPIN hashes and stores pin for userAddress, overwriting any existing hash.
func (m *MemoryVerifier) SetPIN(userAddress, pin string) error {
	hash, err := Hash(pin)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[strings.ToLower(userAddress)] = hash
	return nil
}

// VerifyPIN implements orchestrator.PINVerifier.
func (m *MemoryVerifier) VerifyPIN(_ context.Context, userAddress, pin string) (bool, error) {
	m.mu.RLock()
	hash, ok := m.hashes[strings.ToLower(userAddress)]
	m.mu.RUnlock()
	if !ok {
		return false, apperrors.Auth(apperrors.ErrCodeInvalidPIN, "no pin is registered for this address")
	}
	if err := Verify(pin, hash); err != nil {
		return false, nil
	}
	return true, nil
}
