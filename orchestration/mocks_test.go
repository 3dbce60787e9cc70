package orchestration

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strandflow/strand/core"
)

// fakeClock implements core.Clock for deterministic tests. Sleep never
// blocks; it records the requested duration and advances the clock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// stubTool is a configurable Tool implementation for orchestrator tests.
type stubTool struct {
	meta ToolMeta
	fn   func(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error)

	mu    sync.Mutex
	calls int
}

func (s *stubTool) Meta() ToolMeta {
	return s.meta
}

func (s *stubTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, params, rc)
	}
	return map[string]interface{}{"ok": true}, nil
}

func (s *stubTool) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// rollbackCall records one compensation invocation.
type rollbackCall struct {
	params map[string]interface{}
	output map[string]interface{}
	rc     RunContext
}

// rollbackStub is a stubTool that also implements RollbackableTool.
type rollbackStub struct {
	stubTool
	rollbackErr error

	rbMu      sync.Mutex
	rollbacks []rollbackCall
}

func (s *rollbackStub) Rollback(ctx context.Context, params, output map[string]interface{}, rc RunContext) error {
	s.rbMu.Lock()
	s.rollbacks = append(s.rollbacks, rollbackCall{params: params, output: output, rc: rc})
	s.rbMu.Unlock()
	return s.rollbackErr
}

func (s *rollbackStub) Rollbacks() []rollbackCall {
	s.rbMu.Lock()
	defer s.rbMu.Unlock()
	return append([]rollbackCall(nil), s.rollbacks...)
}

// triggerStub returns the trigger tool used by most test workflows.
func triggerStub() *stubTool {
	return &stubTool{
		meta: ToolMeta{ID: "test_trigger", Description: "test trigger", Idempotent: true},
		fn: func(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
			return map[string]interface{}{"triggered": true}, nil
		},
	}
}

// flakyProvider wraps the in-memory provider and fails the first failSets
// Set calls with a store-unavailable error.
type flakyProvider struct {
	*MemoryStorageProvider
	mu       sync.Mutex
	failSets int
	setCalls int
}

func newFlakyProvider(failSets int) *flakyProvider {
	return &flakyProvider{
		MemoryStorageProvider: NewMemoryStorageProvider(),
		failSets:              failSets,
	}
}

func (p *flakyProvider) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	p.mu.Lock()
	p.setCalls++
	fail := p.setCalls <= p.failSets
	p.mu.Unlock()
	if fail {
		return core.ErrStoreUnavailable
	}
	return p.MemoryStorageProvider.Set(ctx, key, value, ttl)
}

// arm makes the next n Set calls fail, regardless of how many already ran.
func (p *flakyProvider) arm(n int) {
	p.mu.Lock()
	p.failSets = p.setCalls + n
	p.mu.Unlock()
}

// testHarness bundles an orchestrator with its collaborators.
type testHarness struct {
	orch     *AgentOrchestrator
	store    Store
	bus      *InMemoryEventBus
	registry *ToolRegistry
	clock    *fakeClock
	signer   *core.Ed25519Signer
	chains   *ChainManager
}

// newTestHarness builds an orchestrator over in-memory storage and events,
// a fake clock, and the given tools. A trigger stub is always registered.
func newTestHarness(t *testing.T, config core.OrchestratorConfig, tools ...Tool) *testHarness {
	t.Helper()

	clock := newFakeClock()
	store := NewStore(NewMemoryStorageProvider(), core.StoreConfig{}, nil)
	bus := NewInMemoryEventBus(nil)
	registry := NewToolRegistry(nil)

	if err := registry.Register(triggerStub()); err != nil {
		t.Fatalf("Failed to register trigger stub: %v", err)
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Failed to register tool %s: %v", tool.Meta().ID, err)
		}
	}

	signer, err := core.GenerateEd25519Signer("test-key")
	if err != nil {
		t.Fatalf("Failed to generate signer: %v", err)
	}
	chains, err := NewChainManager(core.MandateConfig{}, ChainManagerDependencies{
		Store:    store,
		Verifier: signer,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("Failed to create chain manager: %v", err)
	}

	orch, err := NewAgentOrchestrator(config, Dependencies{
		Store:    store,
		EventBus: bus,
		Registry: registry,
		Chains:   chains,
		Signer:   signer,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	return &testHarness{
		orch:     orch,
		store:    store,
		bus:      bus,
		registry: registry,
		clock:    clock,
		signer:   signer,
		chains:   chains,
	}
}

// saveAgent persists an agent without engine validation, so tests can plant
// invalid workflows directly.
func (h *testHarness) saveAgent(t *testing.T, agent *Agent) {
	t.Helper()
	if err := h.store.SaveAgent(context.Background(), agent); err != nil {
		t.Fatalf("Failed to save agent: %v", err)
	}
}

// subscribe opens an agent-wide event subscription scoped to the test.
func (h *testHarness) subscribe(t *testing.T, agentID string) <-chan Event {
	t.Helper()
	ch, cancel, err := h.orch.Subscribe(context.Background(), agentID)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	t.Cleanup(cancel)
	return ch
}

// drainEvents returns every event already buffered on the channel. The
// in-memory bus publishes synchronously, so after Execute returns the full
// event history is buffered.
func drainEvents(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

// waitForEvent blocks until an event of the given type arrives or the
// timeout lapses.
func waitForEvent(t *testing.T, ch <-chan Event, eventType EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("Event channel closed while waiting for %s", eventType)
			}
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for event %s", eventType)
		}
	}
}

func containsStr(s, substr string) bool {
	return strings.Contains(s, substr)
}
