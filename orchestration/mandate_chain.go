package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/strandflow/strand/core"
)

// ChainManager maintains hash-linked mandate chains. Appends and status
// transitions within one chain are serialized by a per-chain lock so
// sequence contiguity and prevHash linkage survive concurrent executions;
// verification only reads and may run in parallel with anything.
type ChainManager struct {
	store     Store
	verifier  core.Signer
	config    core.MandateConfig
	clock     core.Clock
	logger    core.Logger
	telemetry core.Telemetry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ChainManagerDependencies holds the collaborators of a ChainManager.
// Store is required; the rest default to production-safe implementations.
type ChainManagerDependencies struct {
	Store     Store
	Verifier  core.Signer
	Clock     core.Clock
	Logger    core.Logger
	Telemetry core.Telemetry
}

// NewChainManager creates a ChainManager. The verifier's keyring decides
// which signatures Verify accepts; a manager without a verifier treats
// every signature as invalid rather than guessing.
func NewChainManager(config core.MandateConfig, deps ChainManagerDependencies) (*ChainManager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("chain manager requires a store: %w", core.ErrMissingConfiguration)
	}
	if deps.Clock == nil {
		deps.Clock = core.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if deps.Telemetry == nil {
		deps.Telemetry = &core.NoOpTelemetry{}
	}
	return &ChainManager{
		store:     deps.Store,
		verifier:  deps.Verifier,
		config:    config,
		clock:     deps.Clock,
		logger:    deps.Logger,
		telemetry: deps.Telemetry,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

func (m *ChainManager) chainLock(chainID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[chainID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[chainID] = l
	}
	return l
}

// Create appends a mandate to the chain, or starts a new chain when chainID
// is empty. When a signer is supplied the mandate is committed as SIGNED;
// without one it stays PENDING until Sign. Signing failures abort the
// append entirely, nothing half-signed reaches the store.
func (m *ChainManager) Create(ctx context.Context, kind MandateKind, content map[string]interface{}, chainID string, signer core.Signer) (*Mandate, error) {
	newChain := chainID == ""
	if newChain {
		chainID = uuid.New().String()
	}

	lock := m.chainLock(chainID)
	lock.Lock()
	defer lock.Unlock()

	sequence := 0
	prevHash := ""
	if !newChain {
		chain, err := m.store.LoadChain(ctx, chainID)
		if err != nil {
			if !core.IsNotFound(err) {
				return nil, err
			}
			// First append under a caller-chosen chain id.
		} else if len(chain) > 0 {
			tail := chain[len(chain)-1]
			sequence = tail.Sequence + 1
			prevHash = tail.Hash
		}
	}

	now := m.clock.Now().UTC()
	mandate := &Mandate{
		ID:        uuid.New().String(),
		ChainID:   chainID,
		Sequence:  sequence,
		Kind:      kind,
		Status:    MandatePending,
		Content:   content,
		PrevHash:  prevHash,
		CreatedAt: now,
	}
	if ttl := TTLForKind(kind, m.config); ttl > 0 {
		mandate.ExpiresAt = now.Add(ttl)
	}

	hash, err := mandate.ComputeHash()
	if err != nil {
		return nil, core.NewFrameworkError("mandate.Create", core.KindValidation, err)
	}
	mandate.Hash = hash

	if signer != nil {
		sig, err := signer.Sign([]byte(mandate.Hash))
		if err != nil {
			return nil, core.NewFrameworkError("mandate.Create", core.KindSignatureInvalid, err)
		}
		mandate.Signatures = append(mandate.Signatures, sig)
		mandate.Status = MandateSigned
	}

	if err := m.store.AppendMandate(ctx, mandate); err != nil {
		return nil, err
	}

	m.logger.InfoWithContext(ctx, "Mandate appended", map[string]interface{}{
		"operation":  "mandate_create",
		"mandate_id": mandate.ID,
		"chain_id":   mandate.ChainID,
		"sequence":   mandate.Sequence,
		"kind":       string(mandate.Kind),
		"status":     string(mandate.Status),
	})
	m.telemetry.RecordMetric("mandate.appended", 1, map[string]string{"kind": string(kind)})

	return mandate, nil
}

// Verify recomputes every hash in the chain and checks sequence contiguity,
// prevHash linkage, and signatures. Terminal mandates verify like any
// other; integrity is independent of lifecycle state.
func (m *ChainManager) Verify(ctx context.Context, chainID string) (*VerifyResult, error) {
	chain, err := m.store.LoadChain(ctx, chainID)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{OK: true, ChainID: chainID, Length: len(chain)}
	prevRecomputed := ""

	for i, mandate := range chain {
		if mandate.Sequence != i {
			result.addFailure(mandate.Sequence, core.KindSequenceGap,
				"expected sequence %d, found %d", i, mandate.Sequence)
		}

		recomputed, err := mandate.ComputeHash()
		if err != nil {
			result.addFailure(mandate.Sequence, core.KindChainMismatch,
				"cannot canonicalize mandate %s: %v", mandate.ID, err)
			continue
		}
		if recomputed != mandate.Hash {
			result.addFailure(mandate.Sequence, core.KindChainMismatch,
				"stored hash %s does not match recomputed %s", mandate.Hash, recomputed)
		}

		if i == 0 {
			if mandate.PrevHash != "" {
				result.addFailure(mandate.Sequence, core.KindChainMismatch,
					"chain head carries prevHash %s", mandate.PrevHash)
			}
		} else if mandate.PrevHash != prevRecomputed {
			result.addFailure(mandate.Sequence, core.KindChainMismatch,
				"prevHash %s does not match predecessor hash %s", mandate.PrevHash, prevRecomputed)
		}
		prevRecomputed = recomputed

		m.verifySignatures(mandate, result)
	}

	if !result.OK {
		m.logger.WarnWithContext(ctx, "Mandate chain failed verification", map[string]interface{}{
			"operation": "mandate_verify",
			"chain_id":  chainID,
			"length":    len(chain),
			"failures":  len(result.Failures),
		})
		m.telemetry.RecordMetric("mandate.tamper_events", float64(len(result.Failures)), map[string]string{"chain_id": chainID})
	}
	m.telemetry.RecordMetric("mandate.verifications", 1, nil)

	return result, nil
}

func (m *ChainManager) verifySignatures(mandate *Mandate, result *VerifyResult) {
	needsSignature := mandate.Status != MandatePending
	if needsSignature && len(mandate.Signatures) == 0 {
		result.addFailure(mandate.Sequence, core.KindSignatureInvalid,
			"status %s requires at least one signature", mandate.Status)
		return
	}

	for _, sig := range mandate.Signatures {
		if m.verifier == nil {
			result.addFailure(mandate.Sequence, core.KindSignatureInvalid,
				"no verifier configured for key %s", sig.KeyID)
			continue
		}
		if !m.verifier.Verify([]byte(mandate.Hash), sig.Value, sig.KeyID, sig.Algorithm) {
			result.addFailure(mandate.Sequence, core.KindSignatureInvalid,
				"signature by %s (%s) does not verify", sig.KeyID, sig.Algorithm)
		}
	}
}

// Sign attaches a signature to a PENDING mandate and promotes it to SIGNED.
func (m *ChainManager) Sign(ctx context.Context, mandateID string, signer core.Signer) (*Mandate, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is required: %w", core.ErrMissingConfiguration)
	}

	mandate, err := m.store.GetMandate(ctx, mandateID)
	if err != nil {
		return nil, err
	}

	lock := m.chainLock(mandate.ChainID)
	lock.Lock()
	defer lock.Unlock()

	mandate, err = m.expireIfLapsed(ctx, mandate)
	if err != nil {
		return nil, err
	}
	if mandate.Status == MandateExpired {
		return nil, fmt.Errorf("mandate %s: %w", mandateID, core.ErrMandateExpired)
	}
	if !mandate.Status.CanTransitionTo(MandateSigned) {
		return nil, fmt.Errorf("mandate %s is %s: %w", mandateID, mandate.Status, core.ErrInvalidTransition)
	}

	sig, err := signer.Sign([]byte(mandate.Hash))
	if err != nil {
		return nil, core.NewFrameworkError("mandate.Sign", core.KindSignatureInvalid, err)
	}
	mandate.Signatures = append(mandate.Signatures, sig)
	mandate.Status = MandateSigned
	mandate.UpdatedBy = signer.KeyID()

	if err := m.store.UpdateMandate(ctx, mandate); err != nil {
		return nil, err
	}
	return mandate, nil
}

// Approve transitions a SIGNED mandate to APPROVED.
func (m *ChainManager) Approve(ctx context.Context, mandateID, actor string) (*Mandate, error) {
	return m.transition(ctx, mandateID, actor, MandateApproved)
}

// Reject transitions a mandate to REJECTED.
func (m *ChainManager) Reject(ctx context.Context, mandateID, actor string) (*Mandate, error) {
	return m.transition(ctx, mandateID, actor, MandateRejected)
}

// Cancel transitions a mandate to CANCELLED.
func (m *ChainManager) Cancel(ctx context.Context, mandateID, actor string) (*Mandate, error) {
	return m.transition(ctx, mandateID, actor, MandateCancelled)
}

// MarkExecuted transitions a mandate to EXECUTED, recording that the
// authorized action actually ran.
func (m *ChainManager) MarkExecuted(ctx context.Context, mandateID, actor string) (*Mandate, error) {
	return m.transition(ctx, mandateID, actor, MandateExecuted)
}

func (m *ChainManager) transition(ctx context.Context, mandateID, actor string, next MandateStatus) (*Mandate, error) {
	mandate, err := m.store.GetMandate(ctx, mandateID)
	if err != nil {
		return nil, err
	}

	lock := m.chainLock(mandate.ChainID)
	lock.Lock()
	defer lock.Unlock()

	mandate, err = m.expireIfLapsed(ctx, mandate)
	if err != nil {
		return nil, err
	}
	if mandate.Status == MandateExpired && next != MandateExpired {
		return nil, fmt.Errorf("mandate %s: %w", mandateID, core.ErrMandateExpired)
	}
	if !mandate.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("mandate %s cannot go %s -> %s: %w",
			mandateID, mandate.Status, next, core.ErrInvalidTransition)
	}

	mandate.Status = next
	mandate.UpdatedBy = actor
	if err := m.store.UpdateMandate(ctx, mandate); err != nil {
		return nil, err
	}

	m.logger.InfoWithContext(ctx, "Mandate transitioned", map[string]interface{}{
		"operation":  "mandate_transition",
		"mandate_id": mandate.ID,
		"chain_id":   mandate.ChainID,
		"status":     string(next),
		"actor":      actor,
	})
	return mandate, nil
}

// expireIfLapsed applies the lazy TTL check: a live mandate past its
// ExpiresAt becomes EXPIRED and the transition is persisted.
func (m *ChainManager) expireIfLapsed(ctx context.Context, mandate *Mandate) (*Mandate, error) {
	if mandate.Status.Terminal() || !mandate.Expired(m.clock.Now()) {
		return mandate, nil
	}

	mandate.Status = MandateExpired
	if err := m.store.UpdateMandate(ctx, mandate); err != nil {
		return nil, err
	}
	m.logger.InfoWithContext(ctx, "Mandate expired", map[string]interface{}{
		"operation":  "mandate_expire",
		"mandate_id": mandate.ID,
		"chain_id":   mandate.ChainID,
		"kind":       string(mandate.Kind),
	})
	return mandate, nil
}

// CancellationFor appends a CANCELLATION mandate compensating a prior
// record in the same chain. The compensated mandate keeps its status; the
// cancellation entry is the durable evidence the action was unwound.
func (m *ChainManager) CancellationFor(ctx context.Context, compensated *Mandate, reason string, signer core.Signer) (*Mandate, error) {
	content := map[string]interface{}{
		"compensates": compensated.ID,
		"sequence":    compensated.Sequence,
		"kind":        string(compensated.Kind),
		"reason":      reason,
	}
	return m.Create(ctx, MandateCancellation, content, compensated.ChainID, signer)
}

// HasApproval reports whether the chain carries a live APPROVAL mandate.
// Used by the approval-threshold constraint before high-value payments.
func (m *ChainManager) HasApproval(ctx context.Context, chainID string) (bool, error) {
	chain, err := m.store.LoadChain(ctx, chainID)
	if err != nil {
		if core.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	now := m.clock.Now()
	for _, mandate := range chain {
		if mandate.Kind != MandateApproval || mandate.Expired(now) {
			continue
		}
		switch mandate.Status {
		case MandateSigned, MandateApproved, MandateExecuted:
			return true, nil
		}
	}
	return false, nil
}
