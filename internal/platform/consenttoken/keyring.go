package consenttoken

import (
	"errors"
	"fmt"
	"sync"
)

// MinKeyLength is the minimum accepted HMAC key size in bytes.
const MinKeyLength = 32

var (
	// ErrKeyringClosed is returned by every operation once Close has run.
	ErrKeyringClosed = errors.New("consent token keyring is closed")

	// ErrUnknownKey indicates a token header referenced a kid the keyring does not hold.
	ErrUnknownKey = errors.New("unknown consent token key id")
)

// Keyring holds the process-wide signing material for consent tokens. One
// key is active and used for signing; legacy keys are accepted for
// verification only so that tokens issued before a rotation stay valid until
// they expire.
//
// A Keyring is built once at startup and is read-only afterwards. Close
// zeroes the key bytes.
type Keyring struct {
	mu       sync.RWMutex
	activeID string
	keys     map[string][]byte
	closed   bool
}

// NewKeyring creates a keyring whose active signing key is activeKey under
// the identifier activeID. legacy maps kid to verify-only key bytes.
func NewKeyring(activeID string, activeKey []byte, legacy map[string][]byte) (*Keyring, error) {
	if activeID == "" {
		return nil, fmt.Errorf("consent token keyring: active key id is required")
	}
	if len(activeKey) < MinKeyLength {
		return nil, fmt.Errorf("consent token keyring: active key must be at least %d bytes, got %d", MinKeyLength, len(activeKey))
	}

	keys := make(map[string][]byte, len(legacy)+1)
	for kid, key := range legacy {
		if kid == activeID {
			return nil, fmt.Errorf("consent token keyring: legacy key id %q collides with active key id", kid)
		}
		if len(key) < MinKeyLength {
			return nil, fmt.Errorf("consent token keyring: legacy key %q must be at least %d bytes", kid, MinKeyLength)
		}
		keys[kid] = append([]byte(nil), key...)
	}
	keys[activeID] = append([]byte(nil), activeKey...)

	return &Keyring{activeID: activeID, keys: keys}, nil
}

// signingKey returns the active key id and key bytes.
func (k *Keyring) signingKey() (string, []byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return "", nil, ErrKeyringClosed
	}
	return k.activeID, k.keys[k.activeID], nil
}

// verificationKey returns the key registered under kid, active or legacy.
func (k *Keyring) verificationKey(kid string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, ErrKeyringClosed
	}
	key, ok := k.keys[kid]
	if !ok {
		return nil, ErrUnknownKey
	}
	return key, nil
}

// ActiveKeyID returns the identifier of the signing key.
func (k *Keyring) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeID
}

// Close wipes all key material. It is safe to call more than once.
func (k *Keyring) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	for kid, key := range k.keys {
		for i := range key {
			key[i] = 0
		}
		delete(k.keys, kid)
	}
	k.closed = true
}
