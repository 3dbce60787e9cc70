// Execution storage for the orchestrator. The Store persists agents,
// execution records, and mandate chains behind a narrow StorageProvider
// interface so the backend stays swappable (redis in production, in-memory
// for tests and zero-config setups).
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandflow/strand/core"
)

// Store persists the orchestrator's durable state. Implementations must be
// safe for concurrent use. Mandates are append-only: AppendMandate commits
// a new chain entry, UpdateMandate changes status and signatures on an
// existing entry, nothing is ever removed from a chain.
type Store interface {
	// LoadAgent returns the agent owning a workflow definition.
	LoadAgent(ctx context.Context, agentID string) (*Agent, error)

	// SaveAgent creates or replaces an agent record.
	SaveAgent(ctx context.Context, agent *Agent) error

	// SaveExecution persists a new execution record and indexes it under
	// its agent for recency listing.
	SaveExecution(ctx context.Context, execution *Execution) error

	// UpdateExecution replaces an existing execution record.
	UpdateExecution(ctx context.Context, execution *Execution) error

	// GetExecution returns an execution by id.
	GetExecution(ctx context.Context, executionID string) (*Execution, error)

	// ListExecutions returns an agent's executions, most recent first.
	ListExecutions(ctx context.Context, agentID string, limit int) ([]*Execution, error)

	// UpdateAgentMetrics folds a finished execution into the agent's
	// aggregate counters.
	UpdateAgentMetrics(ctx context.Context, agentID string, finished *Execution) error

	// AppendMandate commits a mandate as the next entry of its chain.
	// The mandate's sequence must equal the current chain length.
	AppendMandate(ctx context.Context, mandate *Mandate) error

	// GetMandate returns a mandate by id.
	GetMandate(ctx context.Context, mandateID string) (*Mandate, error)

	// UpdateMandate replaces an existing mandate record. Only status and
	// signature transitions are legitimate; content is immutable once
	// appended.
	UpdateMandate(ctx context.Context, mandate *Mandate) error

	// LoadChain returns every mandate of a chain in sequence order.
	LoadChain(ctx context.Context, chainID string) ([]*Mandate, error)
}

// StorageProvider abstracts the underlying storage backend.
//
// Method names are intentionally storage-agnostic. The sorted index
// operations map onto redis as ZADD / ZREVRANGEBYSCORE / ZREM and onto SQL
// as an indexed score column. Get returns an empty string and nil error
// for missing keys; provider failures wrap core.ErrStoreUnavailable.
type StorageProvider interface {
	// Get retrieves a value by key. Returns "" and nil error if not found.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with TTL. Use 0 for no expiration.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// SetNX stores a value only if the key does not exist yet. Returns
	// true when the write happened.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// AddToIndex adds a member with score to a sorted index.
	AddToIndex(ctx context.Context, key string, score float64, member string) error

	// ListByScoreDesc returns index members, highest score first.
	ListByScoreDesc(ctx context.Context, key string, limit int64) ([]string, error)

	// RemoveFromIndex removes members from a sorted index.
	RemoveFromIndex(ctx context.Context, key string, members ...string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// storeImpl is the default Store backed by a StorageProvider.
type storeImpl struct {
	provider StorageProvider
	config   core.StoreConfig
	logger   core.Logger
}

// NewStore creates a Store on top of the given provider. Zero config
// fields fall back to the defaults from core.DefaultConfig.
func NewStore(provider StorageProvider, config core.StoreConfig, logger core.Logger) Store {
	if config.KeyPrefix == "" {
		config.KeyPrefix = core.DefaultKeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.ErrorTTL <= 0 {
		config.ErrorTTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &storeImpl{
		provider: provider,
		config:   config,
		logger:   logger,
	}
}

var _ Store = (*storeImpl)(nil)

func (s *storeImpl) agentKey(id string) string {
	return s.config.KeyPrefix + "agent:" + id
}

func (s *storeImpl) executionKey(id string) string {
	return s.config.KeyPrefix + "execution:" + id
}

func (s *storeImpl) executionIndexKey(agentID string) string {
	return s.config.KeyPrefix + "execution:index:" + agentID
}

func (s *storeImpl) mandateKey(id string) string {
	return s.config.KeyPrefix + "mandate:" + id
}

func (s *storeImpl) chainKey(chainID string) string {
	return s.config.KeyPrefix + "chain:" + chainID
}

// executionTTL picks the retention period: failed and cancelled executions
// stick around longer for investigation.
func (s *storeImpl) executionTTL(x *Execution) time.Duration {
	switch x.Status {
	case ExecutionFailed, ExecutionCancelled:
		return s.config.ErrorTTL
	}
	return s.config.TTL
}

func (s *storeImpl) LoadAgent(ctx context.Context, agentID string) (*Agent, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	data, err := s.provider.Get(ctx, s.agentKey(agentID))
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", agentID, err)
	}
	if data == "" {
		return nil, fmt.Errorf("agent %s: %w", agentID, core.ErrAgentNotFound)
	}

	var agent Agent
	if err := json.Unmarshal([]byte(data), &agent); err != nil {
		return nil, fmt.Errorf("unmarshaling agent %s: %w", agentID, err)
	}
	return &agent, nil
}

func (s *storeImpl) SaveAgent(ctx context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent with id is required")
	}

	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshaling agent %s: %w", agent.ID, err)
	}
	if err := s.provider.Set(ctx, s.agentKey(agent.ID), string(data), 0); err != nil {
		return fmt.Errorf("saving agent %s: %w", agent.ID, err)
	}
	return nil
}

func (s *storeImpl) SaveExecution(ctx context.Context, execution *Execution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution with id is required")
	}

	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("marshaling execution %s: %w", execution.ID, err)
	}
	if err := s.provider.Set(ctx, s.executionKey(execution.ID), string(data), s.executionTTL(execution)); err != nil {
		return fmt.Errorf("saving execution %s: %w", execution.ID, err)
	}

	// Index by start time for recency listing. The record is committed;
	// a failed index write only degrades ListExecutions.
	score := float64(execution.StartedAt.UnixNano())
	if err := s.provider.AddToIndex(ctx, s.executionIndexKey(execution.AgentID), score, execution.ID); err != nil {
		s.logger.Warn("Failed to index execution", map[string]interface{}{
			"operation":    "execution_store_index",
			"execution_id": execution.ID,
			"agent_id":     execution.AgentID,
			"error":        err.Error(),
		})
	}
	return nil
}

func (s *storeImpl) UpdateExecution(ctx context.Context, execution *Execution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution with id is required")
	}

	key := s.executionKey(execution.ID)
	exists, err := s.provider.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("checking execution %s: %w", execution.ID, err)
	}
	if !exists {
		return fmt.Errorf("execution %s: %w", execution.ID, core.ErrExecutionNotFound)
	}

	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("marshaling execution %s: %w", execution.ID, err)
	}
	if err := s.provider.Set(ctx, key, string(data), s.executionTTL(execution)); err != nil {
		return fmt.Errorf("updating execution %s: %w", execution.ID, err)
	}
	return nil
}

func (s *storeImpl) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution id is required")
	}

	data, err := s.provider.Get(ctx, s.executionKey(executionID))
	if err != nil {
		return nil, fmt.Errorf("getting execution %s: %w", executionID, err)
	}
	if data == "" {
		return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
	}

	var execution Execution
	if err := json.Unmarshal([]byte(data), &execution); err != nil {
		return nil, fmt.Errorf("unmarshaling execution %s: %w", executionID, err)
	}
	return &execution, nil
}

func (s *storeImpl) ListExecutions(ctx context.Context, agentID string, limit int) ([]*Execution, error) {
	const maxLimit = 1000
	if limit <= 0 {
		limit = 50
	} else if limit > maxLimit {
		limit = maxLimit
	}

	indexKey := s.executionIndexKey(agentID)
	ids, err := s.provider.ListByScoreDesc(ctx, indexKey, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("listing executions for agent %s: %w", agentID, err)
	}

	executions := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		execution, err := s.GetExecution(ctx, id)
		if err != nil {
			// Expired records leave stale index entries behind.
			if core.IsNotFound(err) {
				_ = s.provider.RemoveFromIndex(ctx, indexKey, id)
				continue
			}
			return nil, err
		}
		executions = append(executions, execution)
	}
	return executions, nil
}

func (s *storeImpl) UpdateAgentMetrics(ctx context.Context, agentID string, finished *Execution) error {
	agent, err := s.LoadAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.Metrics.Apply(finished)
	agent.UpdatedAt = time.Now()
	return s.SaveAgent(ctx, agent)
}

func (s *storeImpl) AppendMandate(ctx context.Context, mandate *Mandate) error {
	if mandate == nil || mandate.ID == "" {
		return fmt.Errorf("mandate with id is required")
	}
	if mandate.ChainID == "" {
		return fmt.Errorf("mandate %s has no chain id", mandate.ID)
	}

	data, err := json.Marshal(mandate)
	if err != nil {
		return fmt.Errorf("marshaling mandate %s: %w", mandate.ID, err)
	}
	if err := s.provider.Set(ctx, s.mandateKey(mandate.ID), string(data), 0); err != nil {
		return fmt.Errorf("saving mandate %s: %w", mandate.ID, err)
	}

	if err := s.appendToChain(ctx, mandate); err != nil {
		// The record is invisible until it joins the chain list, so a
		// failed append leaves nothing committed. Clean up best effort.
		_ = s.provider.Del(ctx, s.mandateKey(mandate.ID))
		return err
	}
	return nil
}

// appendToChain links a mandate id into its chain's ordered id list. The
// chain head is claimed with SetNX so two concurrent creators cannot both
// open sequence 0.
func (s *storeImpl) appendToChain(ctx context.Context, mandate *Mandate) error {
	key := s.chainKey(mandate.ChainID)

	if mandate.Sequence == 0 {
		ids, err := json.Marshal([]string{mandate.ID})
		if err != nil {
			return fmt.Errorf("marshaling chain %s: %w", mandate.ChainID, err)
		}
		ok, err := s.provider.SetNX(ctx, key, string(ids), 0)
		if err != nil {
			return fmt.Errorf("creating chain %s: %w", mandate.ChainID, err)
		}
		if !ok {
			return fmt.Errorf("chain %s already has a head mandate: %w", mandate.ChainID, core.ErrChainMismatch)
		}
		return nil
	}

	data, err := s.provider.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("loading chain %s: %w", mandate.ChainID, err)
	}
	if data == "" {
		return fmt.Errorf("chain %s missing for sequence %d: %w", mandate.ChainID, mandate.Sequence, core.ErrSequenceGap)
	}

	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return fmt.Errorf("unmarshaling chain %s: %w", mandate.ChainID, err)
	}
	if len(ids) != mandate.Sequence {
		return fmt.Errorf("chain %s has %d entries, mandate claims sequence %d: %w",
			mandate.ChainID, len(ids), mandate.Sequence, core.ErrSequenceGap)
	}

	ids = append(ids, mandate.ID)
	updated, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshaling chain %s: %w", mandate.ChainID, err)
	}
	if err := s.provider.Set(ctx, key, string(updated), 0); err != nil {
		return fmt.Errorf("updating chain %s: %w", mandate.ChainID, err)
	}
	return nil
}

func (s *storeImpl) GetMandate(ctx context.Context, mandateID string) (*Mandate, error) {
	if mandateID == "" {
		return nil, fmt.Errorf("mandate id is required")
	}

	data, err := s.provider.Get(ctx, s.mandateKey(mandateID))
	if err != nil {
		return nil, fmt.Errorf("getting mandate %s: %w", mandateID, err)
	}
	if data == "" {
		return nil, fmt.Errorf("mandate %s: %w", mandateID, core.ErrMandateNotFound)
	}

	var mandate Mandate
	if err := json.Unmarshal([]byte(data), &mandate); err != nil {
		return nil, fmt.Errorf("unmarshaling mandate %s: %w", mandateID, err)
	}
	return &mandate, nil
}

func (s *storeImpl) UpdateMandate(ctx context.Context, mandate *Mandate) error {
	if mandate == nil || mandate.ID == "" {
		return fmt.Errorf("mandate with id is required")
	}

	key := s.mandateKey(mandate.ID)
	exists, err := s.provider.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("checking mandate %s: %w", mandate.ID, err)
	}
	if !exists {
		return fmt.Errorf("mandate %s: %w", mandate.ID, core.ErrMandateNotFound)
	}

	data, err := json.Marshal(mandate)
	if err != nil {
		return fmt.Errorf("marshaling mandate %s: %w", mandate.ID, err)
	}
	if err := s.provider.Set(ctx, key, string(data), 0); err != nil {
		return fmt.Errorf("updating mandate %s: %w", mandate.ID, err)
	}
	return nil
}

func (s *storeImpl) LoadChain(ctx context.Context, chainID string) ([]*Mandate, error) {
	if chainID == "" {
		return nil, fmt.Errorf("chain id is required")
	}

	data, err := s.provider.Get(ctx, s.chainKey(chainID))
	if err != nil {
		return nil, fmt.Errorf("loading chain %s: %w", chainID, err)
	}
	if data == "" {
		return nil, fmt.Errorf("chain %s: %w", chainID, core.ErrMandateNotFound)
	}

	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshaling chain %s: %w", chainID, err)
	}

	mandates := make([]*Mandate, 0, len(ids))
	for _, id := range ids {
		mandate, err := s.GetMandate(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				return nil, fmt.Errorf("chain %s references missing mandate %s: %w", chainID, id, core.ErrSequenceGap)
			}
			return nil, err
		}
		mandates = append(mandates, mandate)
	}
	return mandates, nil
}
