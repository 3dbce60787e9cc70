package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// AlgorithmEd25519 is the only signature algorithm shipped out of the box.
// The algorithm travels with every signature so keys can rotate to a new
// scheme without invalidating stored chains.
const AlgorithmEd25519 = "ed25519"

// SignatureInfo is the result of signing a payload.
type SignatureInfo struct {
	KeyID     string    `json:"keyId"`
	Algorithm string    `json:"algorithm"`
	Value     string    `json:"value"` // base64
	SignedAt  time.Time `json:"signedAt"`
}

// Signer produces and verifies detached signatures over raw bytes.
// Mandate hashes are the only payload signed by this system.
type Signer interface {
	Sign(data []byte) (SignatureInfo, error)
	Verify(data []byte, signature string, keyID string, algorithm string) bool
	KeyID() string
}

// Ed25519Signer signs with a single ed25519 private key and verifies against
// a keyring so chains signed by rotated keys still verify.
type Ed25519Signer struct {
	keyID   string
	private ed25519.PrivateKey
	keyring *StaticKeyring
	clock   Clock
}

// NewEd25519Signer wraps an existing private key. The signer's own public key
// is added to the keyring automatically.
func NewEd25519Signer(keyID string, private ed25519.PrivateKey, keyring *StaticKeyring) *Ed25519Signer {
	if keyring == nil {
		keyring = NewStaticKeyring()
	}
	keyring.Add(keyID, private.Public().(ed25519.PublicKey))
	return &Ed25519Signer{
		keyID:   keyID,
		private: private,
		keyring: keyring,
		clock:   SystemClock{},
	}
}

// GenerateEd25519Signer creates a signer with a fresh key pair. Used by the
// factory default and by tests.
func GenerateEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewEd25519Signer(keyID, private, nil), nil
}

func (s *Ed25519Signer) Sign(data []byte) (SignatureInfo, error) {
	if len(s.private) != ed25519.PrivateKeySize {
		return SignatureInfo{}, NewFrameworkError("signer.Sign", KindSignatureInvalid, ErrSignatureInvalid)
	}
	sig := ed25519.Sign(s.private, data)
	return SignatureInfo{
		KeyID:     s.keyID,
		Algorithm: AlgorithmEd25519,
		Value:     base64.StdEncoding.EncodeToString(sig),
		SignedAt:  s.clock.Now().UTC(),
	}, nil
}

func (s *Ed25519Signer) Verify(data []byte, signature, keyID, algorithm string) bool {
	if algorithm != AlgorithmEd25519 {
		return false
	}
	public, ok := s.keyring.Get(keyID)
	if !ok {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(public, data, raw)
}

func (s *Ed25519Signer) KeyID() string {
	return s.keyID
}

// Keyring returns the keyring used for verification so additional public
// keys (e.g. a rotated-out signing key) can be registered.
func (s *Ed25519Signer) Keyring() *StaticKeyring {
	return s.keyring
}

// StaticKeyring is a concurrency-safe keyID -> public key map.
type StaticKeyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewStaticKeyring() *StaticKeyring {
	return &StaticKeyring{keys: make(map[string]ed25519.PublicKey)}
}

func (k *StaticKeyring) Add(keyID string, public ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = public
}

func (k *StaticKeyring) Get(keyID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	public, ok := k.keys[keyID]
	return public, ok
}
