package orchestration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandflow/strand/core"
)

// MandateKind classifies what a mandate authorizes.
type MandateKind string

const (
	MandateIntent       MandateKind = "INTENT"
	MandateCart         MandateKind = "CART"
	MandatePayment      MandateKind = "PAYMENT"
	MandateApproval     MandateKind = "APPROVAL"
	MandateCancellation MandateKind = "CANCELLATION"
)

// MandateStatus is the lifecycle state of a mandate.
type MandateStatus string

const (
	MandatePending   MandateStatus = "PENDING"
	MandateSigned    MandateStatus = "SIGNED"
	MandateApproved  MandateStatus = "APPROVED"
	MandateExecuted  MandateStatus = "EXECUTED"
	MandateRejected  MandateStatus = "REJECTED"
	MandateCancelled MandateStatus = "CANCELLED"
	MandateExpired   MandateStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s MandateStatus) Terminal() bool {
	switch s {
	case MandateExecuted, MandateRejected, MandateCancelled, MandateExpired:
		return true
	}
	return false
}

// CanTransitionTo enforces the mandate status machine:
// PENDING → SIGNED → (APPROVED → EXECUTED) | REJECTED | CANCELLED | EXPIRED.
// A signed mandate may execute directly when no approval step applies.
func (s MandateStatus) CanTransitionTo(next MandateStatus) bool {
	switch s {
	case MandatePending:
		switch next {
		case MandateSigned, MandateRejected, MandateCancelled, MandateExpired:
			return true
		}
	case MandateSigned:
		switch next {
		case MandateApproved, MandateExecuted, MandateRejected, MandateCancelled, MandateExpired:
			return true
		}
	case MandateApproved:
		switch next {
		case MandateExecuted, MandateCancelled, MandateExpired:
			return true
		}
	}
	return false
}

// Mandate is one signed authorization record in a hash-linked chain.
// Content, sequence, and linkage are immutable once the record is appended;
// only status and signatures change afterwards. JSON field names follow the
// audit wire format, which is also what the canonical hash covers.
type Mandate struct {
	ID         string                 `json:"mandateId"`
	ChainID    string                 `json:"chainId"`
	Sequence   int                    `json:"sequence"`
	Kind       MandateKind            `json:"kind"`
	Status     MandateStatus          `json:"status"`
	Content    map[string]interface{} `json:"content"`
	PrevHash   string                 `json:"prevHash,omitempty"`
	Hash       string                 `json:"hash"`
	Signatures []core.SignatureInfo   `json:"signatures,omitempty"`
	UpdatedBy  string                 `json:"updatedBy,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	ExpiresAt  time.Time              `json:"expiresAt,omitempty"`
}

// canonicalMandate fixes the field order of the canonical form. Map keys
// inside Content come out sorted because encoding/json sorts map keys.
type canonicalMandate struct {
	ChainID  string                 `json:"chainId"`
	Sequence int                    `json:"sequence"`
	Kind     MandateKind            `json:"kind"`
	Content  map[string]interface{} `json:"content"`
	PrevHash string                 `json:"prevHash"`
}

// CanonicalBytes returns the byte form that hashing and signing cover:
// sorted-key JSON with fields in the fixed order
// chainId, sequence, kind, content, prevHash.
func (m *Mandate) CanonicalBytes() ([]byte, error) {
	data, err := json.Marshal(canonicalMandate{
		ChainID:  m.ChainID,
		Sequence: m.Sequence,
		Kind:     m.Kind,
		Content:  m.Content,
		PrevHash: m.PrevHash,
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalizing mandate %s: %w", m.ID, err)
	}
	return data, nil
}

// ComputeHash returns hex(SHA-256(CanonicalBytes)).
func (m *Mandate) ComputeHash() (string, error) {
	data, err := m.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Expired reports whether the per-kind TTL has lapsed. Mandates without an
// expiry (cancellations) never expire.
func (m *Mandate) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// SignedBy reports whether the mandate carries a signature from the key.
func (m *Mandate) SignedBy(keyID string) bool {
	for _, sig := range m.Signatures {
		if sig.KeyID == keyID {
			return true
		}
	}
	return false
}

// TTLForKind returns the retention window of a mandate kind. Cancellations
// compensate something that already happened, so they never expire.
func TTLForKind(kind MandateKind, cfg core.MandateConfig) time.Duration {
	switch kind {
	case MandateIntent:
		if cfg.IntentTTL > 0 {
			return cfg.IntentTTL
		}
		return 24 * time.Hour
	case MandateCart:
		if cfg.CartTTL > 0 {
			return cfg.CartTTL
		}
		return time.Hour
	case MandatePayment:
		if cfg.PaymentTTL > 0 {
			return cfg.PaymentTTL
		}
		return 15 * time.Minute
	case MandateApproval:
		if cfg.ApprovalTTL > 0 {
			return cfg.ApprovalTTL
		}
		return 72 * time.Hour
	}
	return 0
}

// VerifyResult is the outcome of a chain integrity check.
type VerifyResult struct {
	OK       bool            `json:"ok"`
	ChainID  string          `json:"chainId"`
	Length   int             `json:"length"`
	Failures []VerifyFailure `json:"failures,omitempty"`
}

// VerifyFailure pinpoints one integrity violation inside a chain.
type VerifyFailure struct {
	Sequence int    `json:"sequence"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

func (r *VerifyResult) addFailure(sequence int, kind, format string, args ...interface{}) {
	r.OK = false
	r.Failures = append(r.Failures, VerifyFailure{
		Sequence: sequence,
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
	})
}
