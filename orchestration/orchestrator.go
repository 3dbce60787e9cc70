package orchestration

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/strandflow/strand/core"
	"github.com/strandflow/strand/resilience"
)

// AgentOrchestrator drives workflow executions to a terminal state. It owns
// the traversal loop: ordering, per-step tool invocation, error policies,
// constraint enforcement before payments, mandate chain bookkeeping, and
// event publication.
//
// Every status change is written to the store before the matching event is
// published, so a subscriber that reads the store after an event always
// observes at least that state.
type AgentOrchestrator struct {
	config    core.OrchestratorConfig
	store     Store
	events    EventBus
	registry  *ToolRegistry
	engine    *WorkflowEngine
	chains    *ChainManager
	signer    core.Signer
	clock     core.Clock
	logger    core.Logger
	telemetry core.Telemetry
	prom      *PrometheusMetrics
	metrics   *OrchestratorMetrics
	limiter   *TenantLimiter

	mu      sync.Mutex
	running map[string]*executionHandle
}

var _ Orchestrator = (*AgentOrchestrator)(nil)

// executionHandle tracks one in-flight execution so Cancel can reach it.
type executionHandle struct {
	execution *Execution
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled atomic.Bool
}

func (h *executionHandle) requestCancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// NewAgentOrchestrator wires an orchestrator from explicit dependencies.
// Store, EventBus, and Registry are required; the rest default to no-op or
// system implementations. Most callers should use CreateOrchestrator, which
// assembles the dependencies from configuration.
func NewAgentOrchestrator(config core.OrchestratorConfig, deps Dependencies) (*AgentOrchestrator, error) {
	if deps.Store == nil {
		return nil, &core.FrameworkError{
			Op:      "NewAgentOrchestrator",
			Kind:    core.KindValidation,
			Message: "store is required",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if deps.EventBus == nil {
		return nil, &core.FrameworkError{
			Op:      "NewAgentOrchestrator",
			Kind:    core.KindValidation,
			Message: "event bus is required",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if deps.Registry == nil {
		return nil, &core.FrameworkError{
			Op:      "NewAgentOrchestrator",
			Kind:    core.KindValidation,
			Message: "tool registry is required",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if deps.Telemetry == nil {
		deps.Telemetry = &core.NoOpTelemetry{}
	}
	if deps.Clock == nil {
		deps.Clock = core.SystemClock{}
	}
	if deps.Engine == nil {
		deps.Engine = NewWorkflowEngine(deps.Registry, deps.Logger)
	}

	return &AgentOrchestrator{
		config:    config,
		store:     deps.Store,
		events:    deps.EventBus,
		registry:  deps.Registry,
		engine:    deps.Engine,
		chains:    deps.Chains,
		signer:    deps.Signer,
		clock:     deps.Clock,
		logger:    deps.Logger,
		telemetry: deps.Telemetry,
		prom:      deps.Prometheus,
		metrics:   NewOrchestratorMetrics(),
		limiter:   NewTenantLimiter(config.MaxConcurrentPerTenant),
		running:   make(map[string]*executionHandle),
	}, nil
}

// runState bundles everything one traversal needs. It lives for the duration
// of a single Execute call and is never shared across executions.
type runState struct {
	agent     *Agent
	workflow  *Workflow
	execution *Execution
	vars      *VariableStore
	handle    *executionHandle
	warnings  []string
	loopBound int
	visits    map[string]int

	// resolved keeps the last resolved parameters per step so rollback can
	// hand them back to the tool's compensation.
	resolved map[string]map[string]interface{}

	// mandates maps step IDs to the PAYMENT mandates they appended, so
	// rollback can issue the compensating CANCELLATION entries.
	mandates map[string]*Mandate

	// carts tracks which steps already appended a CART mandate, so retries
	// do not duplicate chain entries.
	carts map[string]bool

	// baseCtx is the caller's context without the run's cancellation or
	// deadline. Store writes and event publishes use it so a cancelled
	// execution can still persist its terminal state.
	baseCtx context.Context
}

// Execute runs the agent's workflow to a terminal state. See the
// Orchestrator interface for the contract.
func (o *AgentOrchestrator) Execute(ctx context.Context, agentID string, execCtx ExecutionContext, initialVariables map[string]interface{}) (*ExecutionResult, error) {
	ctx, span := o.telemetry.StartSpan(ctx, "orchestrator.Execute")
	defer span.End()
	span.SetAttribute("agent_id", agentID)

	agent, err := o.store.LoadAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	workflow := agent.Workflow
	if workflow == nil {
		return nil, &core.FrameworkError{
			Op:      "orchestrator.Execute",
			Kind:    core.KindValidation,
			ID:      agentID,
			Message: "agent has no workflow",
			Err:     core.ErrWorkflowNotFound,
		}
	}

	validation := o.engine.Validate(workflow)
	if !validation.OK {
		return nil, &core.FrameworkError{
			Op:      "orchestrator.Execute",
			Kind:    core.KindValidation,
			ID:      workflow.ID,
			Message: "workflow validation failed: " + strings.Join(validation.Errors, "; "),
			Err:     core.ErrInvalidWorkflow,
		}
	}
	warnings := append([]string(nil), validation.Warnings...)

	plan, err := o.engine.Plan(workflow)
	if err != nil {
		return nil, err
	}

	tenantID := execCtx.TenantID
	if tenantID == "" {
		tenantID = agent.TenantID
	}
	execCtx.TenantID = tenantID
	if execCtx.AgentID == "" {
		execCtx.AgentID = agent.ID
	}
	if execCtx.WorkflowID == "" {
		execCtx.WorkflowID = workflow.ID
	}

	release, err := o.limiter.Acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := o.clock.Now().UTC()
	execution := &Execution{
		ID:         uuid.New().String(),
		AgentID:    agent.ID,
		TenantID:   tenantID,
		WorkflowID: workflow.ID,
		Status:     ExecutionRunning,
		Context:    execCtx,
		Metrics:    ExecutionMetrics{TotalSteps: len(workflow.Steps)},
		StartedAt:  now,
	}
	span.SetAttribute("execution_id", execution.ID)

	// Later layers override earlier ones: workflow defaults, then the
	// execution context, then caller-supplied variables.
	vars := NewVariableStore(workflow.Variables, contextVariables(execCtx), initialVariables)

	if err := o.infraRetry(ctx, func() error {
		return o.store.SaveExecution(ctx, execution)
	}); err != nil {
		return nil, err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	if workflow.Constraints != nil && workflow.Constraints.TimeLimit != nil && workflow.Constraints.TimeLimit.MaxExecutionTimeMS > 0 {
		cancelRun()
		runCtx, cancelRun = context.WithTimeout(ctx, time.Duration(workflow.Constraints.TimeLimit.MaxExecutionTimeMS)*time.Millisecond)
	}
	handle := &executionHandle{
		execution: execution,
		cancel:    cancelRun,
		done:      make(chan struct{}),
	}
	o.mu.Lock()
	o.running[execution.ID] = handle
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, execution.ID)
		o.mu.Unlock()
		cancelRun()
		close(handle.done)
	}()

	o.prom.ExecutionStarted()

	st := &runState{
		agent:     agent,
		workflow:  workflow,
		execution: execution,
		vars:      vars,
		handle:    handle,
		warnings:  warnings,
		loopBound: workflow.EffectiveLoopBound(o.config.LoopBound),
		visits:    make(map[string]int),
		resolved:  make(map[string]map[string]interface{}),
		mandates:  make(map[string]*Mandate),
		carts:     make(map[string]bool),
		baseCtx:   ctx,
	}

	o.publish(ctx, Event{
		Topic:       TopicExecutionStarted(agent.ID),
		Type:        EventExecutionStarted,
		AgentID:     agent.ID,
		ExecutionID: execution.ID,
		Status:      string(ExecutionRunning),
	})
	o.logger.InfoWithContext(ctx, "Execution started", map[string]interface{}{
		"operation":    "execute",
		"agent_id":     agent.ID,
		"execution_id": execution.ID,
		"workflow_id":  workflow.ID,
		"tenant_id":    tenantID,
		"steps":        len(workflow.Steps),
		"sequence":     strings.Join(plan.Sequence, ","),
	})

	o.run(runCtx, st)

	result := &ExecutionResult{Execution: execution, Warnings: st.warnings}
	switch execution.Status {
	case ExecutionCompleted:
		return result, nil
	case ExecutionCancelled:
		return result, &core.FrameworkError{
			Op:   "orchestrator.Execute",
			Kind: core.KindCancelled,
			ID:   execution.ID,
			Err:  core.ErrExecutionCancelled,
		}
	default:
		fe := &core.FrameworkError{
			Op:      "orchestrator.Execute",
			Kind:    core.KindToolExecution,
			ID:      execution.ID,
			Message: "execution failed",
		}
		if execution.Failure != nil {
			fe.Kind = execution.Failure.Kind
			fe.Message = execution.Failure.Message
		}
		span.RecordError(fe)
		return result, fe
	}
}

// Cancel requests cooperative cancellation and blocks until the execution
// reaches a terminal state. Once Cancel returns, no further step events are
// published for that execution.
func (o *AgentOrchestrator) Cancel(ctx context.Context, executionID string) error {
	o.mu.Lock()
	handle, ok := o.running[executionID]
	o.mu.Unlock()

	if ok {
		handle.requestCancel()
		select {
		case <-handle.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if handle.execution.Status != ExecutionCancelled {
			// The run finished on its own before the signal landed.
			return &core.FrameworkError{
				Op:      "orchestrator.Cancel",
				Kind:    core.KindValidation,
				ID:      executionID,
				Message: fmt.Sprintf("execution already %s", handle.execution.Status),
				Err:     core.ErrAlreadyTerminal,
			}
		}
		return nil
	}

	execution, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return &core.FrameworkError{
			Op:      "orchestrator.Cancel",
			Kind:    core.KindValidation,
			ID:      executionID,
			Message: fmt.Sprintf("execution already %s", execution.Status),
			Err:     core.ErrAlreadyTerminal,
		}
	}

	// A non-terminal record with no live handle was stranded, most likely
	// by a crash. Flip it to CANCELLED directly.
	now := o.clock.Now().UTC()
	execution.Status = ExecutionCancelled
	execution.EndedAt = &now
	execution.Failure = &FailureReason{Kind: core.KindCancelled, Message: "execution cancelled"}
	if err := o.infraRetry(ctx, func() error {
		return o.store.UpdateExecution(ctx, execution)
	}); err != nil {
		return err
	}
	o.publish(ctx, Event{
		Topic:       TopicExecutionFailed(execution.AgentID),
		Type:        EventExecutionFailed,
		AgentID:     execution.AgentID,
		ExecutionID: execution.ID,
		Status:      string(ExecutionCancelled),
		Error:       "execution cancelled",
	})
	o.logger.Warn("Cancelled stranded execution", map[string]interface{}{
		"operation":    "cancel",
		"execution_id": executionID,
	})
	return nil
}

// GetExecution loads an execution record from the store.
func (o *AgentOrchestrator) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	return o.store.GetExecution(ctx, executionID)
}

// ListExecutions returns the most recent executions for an agent.
func (o *AgentOrchestrator) ListExecutions(ctx context.Context, agentID string, limit int) ([]*Execution, error) {
	return o.store.ListExecutions(ctx, agentID, limit)
}

// Subscribe streams lifecycle and step events for one agent.
func (o *AgentOrchestrator) Subscribe(ctx context.Context, agentID string) (<-chan Event, func(), error) {
	return o.events.Subscribe(ctx, TopicAgentAll(agentID))
}

// SaveAgent validates the agent's workflow and persists it.
func (o *AgentOrchestrator) SaveAgent(ctx context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return &core.FrameworkError{
			Op:      "orchestrator.SaveAgent",
			Kind:    core.KindValidation,
			Message: "agent id is required",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if agent.Workflow != nil {
		if v := o.engine.Validate(agent.Workflow); !v.OK {
			return &core.FrameworkError{
				Op:      "orchestrator.SaveAgent",
				Kind:    core.KindValidation,
				ID:      agent.ID,
				Message: "workflow validation failed: " + strings.Join(v.Errors, "; "),
				Err:     core.ErrInvalidWorkflow,
			}
		}
	}
	now := o.clock.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	return o.infraRetry(ctx, func() error {
		return o.store.SaveAgent(ctx, agent)
	})
}

// Registry exposes the tool registry for callers that register custom tools.
func (o *AgentOrchestrator) Registry() *ToolRegistry {
	return o.registry
}

// Engine exposes the workflow engine for pre-flight validation.
func (o *AgentOrchestrator) Engine() *WorkflowEngine {
	return o.engine
}

// Chains exposes the mandate chain manager, nil when mandates are disabled.
func (o *AgentOrchestrator) Chains() *ChainManager {
	return o.chains
}

// Metrics returns a snapshot of the in-memory execution aggregates.
func (o *AgentOrchestrator) Metrics() MetricsSnapshot {
	return o.metrics.GetMetrics()
}

// run walks the workflow graph from the trigger until no successor remains
// or a policy halts the traversal. The planned sequence is a hint; the real
// path comes from each step's successors and conditions.
func (o *AgentOrchestrator) run(runCtx context.Context, st *runState) {
	trigger := st.workflow.TriggerStep()
	if trigger == nil {
		o.finalize(st, ExecutionFailed, &FailureReason{
			Kind:    core.KindValidation,
			Message: "workflow has no trigger step",
		})
		return
	}

	current := trigger.ID
	for current != "" {
		if st.handle.cancelled.Load() {
			o.finalizeCancelled(st, nil)
			return
		}
		if runCtx.Err() != nil {
			o.finalize(st, ExecutionFailed, &FailureReason{
				Kind:    core.KindExecutionDeadline,
				Message: "execution deadline exceeded",
			})
			return
		}

		step := st.workflow.Step(current)
		if step == nil {
			o.finalize(st, ExecutionFailed, &FailureReason{
				Kind:    core.KindValidation,
				StepID:  current,
				Message: fmt.Sprintf("successor step %q does not exist", current),
			})
			return
		}

		st.visits[current]++
		if st.visits[current] > st.loopBound {
			o.finalize(st, ExecutionFailed, &FailureReason{
				Kind:    core.KindLoopBound,
				StepID:  current,
				Message: fmt.Sprintf("step %q exceeded loop bound %d", current, st.loopBound),
			})
			return
		}

		outcome := o.executeStep(runCtx, st, step)
		switch outcome.kind {
		case stepSucceeded:
			current = o.nextAfterSuccess(st, step)
		case stepFailedContinue:
			next := step.Successors.OnFailure
			if next == "" {
				next = step.Successors.OnSuccess
			}
			current = next
		case stepFailedRollback:
			o.rollback(st, outcome.failure)
			o.finalize(st, ExecutionFailed, outcome.failure)
			return
		case stepCancelled:
			o.finalizeCancelled(st, outcome.failure)
			return
		case stepDeadlineExceeded:
			o.finalize(st, ExecutionFailed, outcome.failure)
			return
		default:
			o.finalize(st, ExecutionFailed, outcome.failure)
			return
		}
	}

	o.finalize(st, ExecutionCompleted, nil)
}

type outcomeKind int

const (
	stepSucceeded outcomeKind = iota
	stepFailedStop
	stepFailedContinue
	stepFailedRollback
	stepCancelled
	stepDeadlineExceeded
)

type stepOutcome struct {
	kind    outcomeKind
	failure *FailureReason
}

// executeStep runs one step through parameter resolution, validation, the
// attempt loop with the step's error policy, and event publication. The
// returned outcome tells the traversal how to proceed.
func (o *AgentOrchestrator) executeStep(runCtx context.Context, st *runState, step *Step) stepOutcome {
	stepCtx, span := o.telemetry.StartSpan(runCtx, "orchestrator.step")
	defer span.End()
	span.SetAttribute("step_id", step.ID)
	span.SetAttribute("tool_id", step.ToolID)

	started := o.clock.Now().UTC()
	result := StepResult{
		StepID:    step.ID,
		ToolID:    step.ToolID,
		Status:    StepRunning,
		StartedAt: started,
	}

	resolved, warns := ResolveParameters(step.Parameters, st.vars)
	for _, w := range warns {
		st.warnings = append(st.warnings, fmt.Sprintf("step %s: %s", step.ID, w))
	}
	st.resolved[step.ID] = resolved

	validation, err := o.registry.ValidateParameters(step.ToolID, resolved)
	if err != nil {
		return o.failStep(st, step, &result, started, err)
	}
	if !validation.OK {
		return o.failStep(st, step, &result, started, &core.FrameworkError{
			Op:      "orchestrator.step",
			Kind:    core.KindValidation,
			ID:      step.ID,
			Message: "invalid parameters: " + strings.Join(validation.Errors, "; "),
			Err:     core.ErrInvalidParameters,
		})
	}
	params := validation.Normalized

	tool, err := o.registry.Get(step.ToolID)
	if err != nil {
		return o.failStep(st, step, &result, started, err)
	}
	meta := tool.Meta()

	maxAttempts := 1
	if step.ErrorPolicy == PolicyRetry {
		retries := step.MaxRetries
		if retries < 0 {
			retries = 0
		}
		if o.config.MaxRetryAttempts > 0 && retries > o.config.MaxRetryAttempts {
			retries = o.config.MaxRetryAttempts
		}
		maxAttempts = retries + 1
	}

	var attemptErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		if attempt > 1 {
			if attempt == 2 {
				st.execution.Metrics.RetriedSteps++
			}
			o.prom.StepRetried(step.ToolID)
			delay := o.retryDelay(attempt)
			o.logger.DebugWithContext(stepCtx, "Retrying step", map[string]interface{}{
				"operation":    "step_retry",
				"execution_id": st.execution.ID,
				"step_id":      step.ID,
				"attempt":      attempt,
				"delay_ms":     delay.Milliseconds(),
			})
			if err := o.clock.Sleep(runCtx, delay); err != nil {
				return o.interruptedOutcome(st, step, &result, started, err)
			}
		}

		// The step stays RUNNING across attempts; only the attempt count
		// moves. Persist before publishing.
		result.Status = StepRunning
		st.execution.upsertStepResult(result)
		if perr := o.persistExecution(st); perr != nil {
			outcome, _ := o.recordStepFailure(st, step, &result, started, perr)
			return outcome
		}
		o.publishStepUpdate(st, &result, "")

		attemptErr = nil
		var output map[string]interface{}
		if meta.PaymentClass {
			attemptErr = o.checkPaymentConstraints(st, step, params, meta)
			if attemptErr == nil {
				attemptErr = o.ensurePaymentMandates(st, step, params)
			}
		}
		if attemptErr == nil {
			output, attemptErr = o.invokeTool(stepCtx, st, step, tool, params, attempt)
		}

		if attemptErr == nil {
			ended := o.clock.Now().UTC()
			result.Status = StepCompleted
			result.Output = output
			result.Error = ""
			result.EndedAt = &ended
			st.vars.Set("steps."+step.ID, output)
			st.execution.Metrics.CompletedSteps++
			st.execution.Metrics.CostAccumulated += meta.CostPerCall
			if meta.PaymentClass {
				o.recordPayment(st, step, params, output)
			}
			if step.Kind == StepApproval {
				o.recordApproval(st, step, output)
			}
			st.execution.upsertStepResult(result)
			if perr := o.persistExecution(st); perr != nil {
				// The tool ran but the outcome cannot be committed, so the
				// step cannot count as completed.
				st.execution.Metrics.CompletedSteps--
				outcome, _ := o.recordStepFailure(st, step, &result, started, perr)
				return outcome
			}
			o.publishStepUpdate(st, &result, "")
			o.prom.StepObserved(step.ToolID, ended.Sub(started), StepCompleted)
			o.telemetry.RecordMetric("orchestrator.step.duration_ms", float64(ended.Sub(started).Milliseconds()), map[string]string{
				"tool":   step.ToolID,
				"status": string(StepCompleted),
			})
			o.logger.DebugWithContext(stepCtx, "Step completed", map[string]interface{}{
				"operation":    "step_complete",
				"execution_id": st.execution.ID,
				"step_id":      step.ID,
				"tool_id":      step.ToolID,
				"attempts":     attempt,
				"duration_ms":  ended.Sub(started).Milliseconds(),
			})
			return stepOutcome{kind: stepSucceeded}
		}

		span.RecordError(attemptErr)
		result.Error = attemptErr.Error()

		if st.handle.cancelled.Load() || core.ErrorKind(attemptErr) == core.KindCancelled {
			return o.interruptedOutcome(st, step, &result, started, attemptErr)
		}
		if core.ErrorKind(attemptErr) == core.KindExecutionDeadline {
			return o.interruptedOutcome(st, step, &result, started, attemptErr)
		}
		o.logger.WarnWithContext(stepCtx, "Step attempt failed", map[string]interface{}{
			"operation":    "step_attempt",
			"execution_id": st.execution.ID,
			"step_id":      step.ID,
			"tool_id":      step.ToolID,
			"attempt":      attempt,
			"error":        attemptErr.Error(),
		})
	}

	return o.failStep(st, step, &result, started, attemptErr)
}

// failStep records a FAILED step result, publishes the update when the
// write committed, and routes the failure through the step's error policy.
func (o *AgentOrchestrator) failStep(st *runState, step *Step, result *StepResult, started time.Time, cause error) stepOutcome {
	outcome, persisted := o.recordStepFailure(st, step, result, started, cause)
	if persisted {
		o.publishStepUpdate(st, result, result.Error)
	}
	return outcome
}

// recordStepFailure marks the step FAILED in the record and reports whether
// the store write committed. No event is published here.
func (o *AgentOrchestrator) recordStepFailure(st *runState, step *Step, result *StepResult, started time.Time, cause error) (stepOutcome, bool) {
	ended := o.clock.Now().UTC()
	result.Status = StepFailed
	result.Error = cause.Error()
	result.EndedAt = &ended
	if result.Attempts == 0 {
		result.Attempts = 1
	}
	st.execution.Metrics.FailedSteps++
	st.execution.upsertStepResult(*result)
	persisted := true
	if perr := o.persistExecution(st); perr != nil {
		persisted = false
		o.logger.Error("Failed to persist step failure", map[string]interface{}{
			"operation":    "step_fail",
			"execution_id": st.execution.ID,
			"step_id":      step.ID,
			"error":        perr.Error(),
		})
	}
	o.prom.StepObserved(step.ToolID, ended.Sub(started), StepFailed)
	o.telemetry.RecordMetric("orchestrator.step.duration_ms", float64(ended.Sub(started).Milliseconds()), map[string]string{
		"tool":   step.ToolID,
		"status": string(StepFailed),
	})

	failure := &FailureReason{
		Kind:     core.ErrorKind(cause),
		Message:  cause.Error(),
		StepID:   step.ID,
		Attempts: result.Attempts,
	}
	switch step.ErrorPolicy {
	case PolicyContinue:
		return stepOutcome{kind: stepFailedContinue, failure: failure}, persisted
	case PolicyRollback:
		return stepOutcome{kind: stepFailedRollback, failure: failure}, persisted
	default:
		// STOP, and RETRY once its attempts are spent.
		return stepOutcome{kind: stepFailedStop, failure: failure}, persisted
	}
}

// interruptedOutcome classifies a cancellation or execution-deadline
// interruption of the current step. Cancelled steps keep their RUNNING
// record here; finalizeCancelled flips them to SKIPPED in one pass.
func (o *AgentOrchestrator) interruptedOutcome(st *runState, step *Step, result *StepResult, started time.Time, cause error) stepOutcome {
	if st.handle.cancelled.Load() {
		st.execution.upsertStepResult(*result)
		return stepOutcome{kind: stepCancelled, failure: &FailureReason{
			Kind:     core.KindCancelled,
			Message:  "execution cancelled",
			StepID:   step.ID,
			Attempts: result.Attempts,
		}}
	}

	ended := o.clock.Now().UTC()
	result.Status = StepFailed
	if cause != nil {
		result.Error = cause.Error()
	}
	result.EndedAt = &ended
	st.execution.Metrics.FailedSteps++
	st.execution.upsertStepResult(*result)
	if perr := o.persistExecution(st); perr == nil {
		o.publishStepUpdate(st, result, result.Error)
	}
	o.prom.StepObserved(step.ToolID, ended.Sub(started), StepFailed)
	return stepOutcome{kind: stepDeadlineExceeded, failure: &FailureReason{
		Kind:     core.KindExecutionDeadline,
		Message:  "execution deadline exceeded",
		StepID:   step.ID,
		Attempts: result.Attempts,
	}}
}

// invokeTool calls the tool in its own goroutine under a deadline that is
// the smaller of the step timeout and whatever remains of the execution
// deadline. A panicking tool is contained and reported as a step failure.
func (o *AgentOrchestrator) invokeTool(ctx context.Context, st *runState, step *Step, tool Tool, params map[string]interface{}, attempt int) (map[string]interface{}, error) {
	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = o.config.DefaultStepTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rc := RunContext{
		ExecutionID: st.execution.ID,
		AgentID:     st.execution.AgentID,
		TenantID:    st.execution.TenantID,
		UserID:      st.execution.Context.UserID,
		StepID:      step.ID,
		Variables:   st.vars,
		Attempt:     attempt,
	}

	type toolReturn struct {
		output map[string]interface{}
		err    error
	}
	ret := make(chan toolReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("Tool panicked", map[string]interface{}{
					"operation":    "tool_execute",
					"execution_id": st.execution.ID,
					"step_id":      step.ID,
					"tool_id":      step.ToolID,
					"panic":        fmt.Sprintf("%v", r),
					"stack":        string(debug.Stack()),
				})
				ret <- toolReturn{err: &core.FrameworkError{
					Op:      "orchestrator.invokeTool",
					Kind:    core.KindToolExecution,
					ID:      step.ToolID,
					Message: fmt.Sprintf("tool %s panicked: %v", step.ToolID, r),
				}}
			}
		}()
		output, err := tool.Execute(callCtx, params, rc)
		ret <- toolReturn{output: output, err: err}
	}()

	select {
	case r := <-ret:
		if r.err != nil && st.handle.cancelled.Load() {
			return r.output, o.cancelledError(step)
		}
		return r.output, r.err
	case <-callCtx.Done():
		if st.handle.cancelled.Load() {
			return nil, o.cancelledError(step)
		}
		if ctx.Err() != nil {
			return nil, &core.FrameworkError{
				Op:   "orchestrator.invokeTool",
				Kind: core.KindExecutionDeadline,
				ID:   step.ID,
				Err:  core.ErrTimeout,
			}
		}
		return nil, &core.FrameworkError{
			Op:      "orchestrator.invokeTool",
			Kind:    core.KindTimeout,
			ID:      step.ID,
			Message: fmt.Sprintf("tool %s timed out after %s", step.ToolID, timeout),
			Err:     core.ErrTimeout,
		}
	}
}

func (o *AgentOrchestrator) cancelledError(step *Step) error {
	return &core.FrameworkError{
		Op:   "orchestrator.invokeTool",
		Kind: core.KindCancelled,
		ID:   step.ID,
		Err:  core.ErrExecutionCancelled,
	}
}

// retryDelay computes the backoff before the given attempt. Attempt 2 waits
// the base delay, each further attempt doubles it up to the cap, and jitter
// spreads concurrent retries apart.
func (o *AgentOrchestrator) retryDelay(attempt int) time.Duration {
	base := o.config.RetryBaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	factor := o.config.RetryFactor
	if factor < 1 {
		factor = 2.0
	}
	maxDelay := o.config.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	delay := float64(base) * math.Pow(factor, float64(attempt-2))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter := o.config.RetryJitter; jitter > 0 {
		delay += delay * ((rand.Float64() * 2 * jitter) - jitter)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// nextAfterSuccess picks the next step id. CONDITION steps evaluate their
// conditional edges in authoring order and take the first match, falling
// back to onSuccess when nothing matches.
func (o *AgentOrchestrator) nextAfterSuccess(st *runState, step *Step) string {
	if step.Kind == StepCondition && len(step.Successors.Conditional) > 0 {
		for _, edge := range step.Successors.Conditional {
			match, warns, err := EvaluateCondition(edge.When, st.vars)
			for _, w := range warns {
				st.warnings = append(st.warnings, fmt.Sprintf("step %s: %s", step.ID, w))
			}
			if err != nil {
				st.warnings = append(st.warnings, fmt.Sprintf("step %s: condition %q: %v", step.ID, edge.When, err))
				continue
			}
			if match {
				return edge.Target
			}
		}
		return step.Successors.OnSuccess
	}
	return step.Successors.OnSuccess
}

// checkPaymentConstraints enforces budget, geo, and approval-threshold
// constraints before a payment-class tool runs. A violation is a step
// failure with kind constraint_violation, routed through the error policy.
func (o *AgentOrchestrator) checkPaymentConstraints(st *runState, step *Step, params map[string]interface{}, meta ToolMeta) error {
	c := st.workflow.Constraints
	if c == nil {
		return nil
	}
	amount, _ := toNumber(params["amount"])

	if c.Budget != nil && c.Budget.MaxTotalCost > 0 {
		projected := st.execution.Metrics.CostAccumulated + amount + meta.CostPerCall
		if projected > c.Budget.MaxTotalCost {
			return &core.FrameworkError{
				Op:      "orchestrator.constraints",
				Kind:    core.KindConstraintViolation,
				ID:      step.ID,
				Message: fmt.Sprintf("budget constraint: projected cost %.2f exceeds limit %.2f", projected, c.Budget.MaxTotalCost),
				Err:     core.ErrConstraintViolation,
			}
		}
	}

	if c.Geo != nil && len(c.Geo.AllowedRegions) > 0 {
		region := st.execution.Context.Metadata["region"]
		allowed := false
		for _, r := range c.Geo.AllowedRegions {
			if strings.EqualFold(r, region) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &core.FrameworkError{
				Op:      "orchestrator.constraints",
				Kind:    core.KindConstraintViolation,
				ID:      step.ID,
				Message: fmt.Sprintf("geo constraint: region %q is not allowed for payments", region),
				Err:     core.ErrConstraintViolation,
			}
		}
	}

	if c.Approval != nil && amount > c.Approval.RequireForPaymentsAbove {
		approved := false
		if o.chains != nil && st.execution.MandateChainID != "" {
			var err error
			approved, err = o.chains.HasApproval(st.baseCtx, st.execution.MandateChainID)
			if err != nil {
				return err
			}
		}
		if !approved {
			return &core.FrameworkError{
				Op:      "orchestrator.constraints",
				Kind:    core.KindConstraintViolation,
				ID:      step.ID,
				Message: fmt.Sprintf("approval constraint: amount %.2f requires an approval mandate for payments above %.2f", amount, c.Approval.RequireForPaymentsAbove),
				Err:     core.ErrConstraintViolation,
			}
		}
	}

	return nil
}

// ensureChain creates the chain with its INTENT mandate on first use and
// persists the chain id on the execution record.
func (o *AgentOrchestrator) ensureChain(st *runState) error {
	if o.chains == nil || st.execution.MandateChainID != "" {
		return nil
	}
	e := st.execution
	intent, err := o.chains.Create(st.baseCtx, MandateIntent, map[string]interface{}{
		"execution_id": e.ID,
		"agent_id":     e.AgentID,
		"workflow_id":  e.WorkflowID,
		"tenant_id":    e.TenantID,
		"user_id":      e.Context.UserID,
	}, "", o.signer)
	if err != nil {
		return err
	}
	e.MandateChainID = intent.ChainID
	o.prom.MandateAppended(MandateIntent)
	return o.persistExecution(st)
}

// ensurePaymentMandates guarantees the chain prerequisites before a charge:
// an INTENT mandate opens the chain, and a CART mandate captures the
// resolved cart parameter when the step carries one.
func (o *AgentOrchestrator) ensurePaymentMandates(st *runState, step *Step, params map[string]interface{}) error {
	if o.chains == nil {
		return nil
	}
	if err := o.ensureChain(st); err != nil {
		return err
	}
	cart, ok := params["cart"].(map[string]interface{})
	if !ok || st.carts[step.ID] {
		return nil
	}
	_, err := o.chains.Create(st.baseCtx, MandateCart, map[string]interface{}{
		"execution_id": st.execution.ID,
		"step_id":      step.ID,
		"cart":         cart,
	}, st.execution.MandateChainID, o.signer)
	if err != nil {
		return err
	}
	o.prom.MandateAppended(MandateCart)
	st.carts[step.ID] = true
	return nil
}

// recordPayment runs after a successful charge: the amount counts toward
// the budget, and a PAYMENT mandate with the gateway's payment id is
// appended and marked executed. The charge already happened, so bookkeeping
// failures are logged rather than failing the step.
func (o *AgentOrchestrator) recordPayment(st *runState, step *Step, params, output map[string]interface{}) {
	if amount, ok := toNumber(params["amount"]); ok {
		st.execution.Metrics.CostAccumulated += amount
	}
	if o.chains == nil || st.execution.MandateChainID == "" {
		return
	}

	content := map[string]interface{}{
		"execution_id": st.execution.ID,
		"step_id":      step.ID,
	}
	for _, key := range []string{"amount", "currency", "customer"} {
		if v, ok := params[key]; ok {
			content[key] = v
		}
	}
	for _, key := range []string{"payment_id", "provider", "status"} {
		if v, ok := output[key]; ok {
			content[key] = v
		}
	}

	mandate, err := o.chains.Create(st.baseCtx, MandatePayment, content, st.execution.MandateChainID, o.signer)
	if err != nil {
		o.logger.Error("Payment mandate append failed", map[string]interface{}{
			"operation":    "mandate_payment",
			"execution_id": st.execution.ID,
			"step_id":      step.ID,
			"error":        err.Error(),
		})
		return
	}
	o.prom.MandateAppended(MandatePayment)
	if executed, err := o.chains.MarkExecuted(st.baseCtx, mandate.ID, "orchestrator"); err != nil {
		o.logger.Error("Payment mandate transition failed", map[string]interface{}{
			"operation":    "mandate_payment",
			"execution_id": st.execution.ID,
			"mandate_id":   mandate.ID,
			"error":        err.Error(),
		})
	} else {
		mandate = executed
	}
	st.mandates[step.ID] = mandate
}

// recordApproval appends an APPROVAL mandate after an approval step
// succeeds, so later payment constraints can find it in the chain.
func (o *AgentOrchestrator) recordApproval(st *runState, step *Step, output map[string]interface{}) {
	if o.chains == nil {
		return
	}
	if err := o.ensureChain(st); err != nil {
		o.logger.Error("Approval mandate chain setup failed", map[string]interface{}{
			"operation":    "mandate_approval",
			"execution_id": st.execution.ID,
			"step_id":      step.ID,
			"error":        err.Error(),
		})
		return
	}

	approver, _ := output["approver"].(string)
	content := map[string]interface{}{
		"execution_id": st.execution.ID,
		"step_id":      step.ID,
	}
	for _, key := range []string{"approver", "comment", "approved"} {
		if v, ok := output[key]; ok {
			content[key] = v
		}
	}

	mandate, err := o.chains.Create(st.baseCtx, MandateApproval, content, st.execution.MandateChainID, o.signer)
	if err != nil {
		o.logger.Error("Approval mandate append failed", map[string]interface{}{
			"operation":    "mandate_approval",
			"execution_id": st.execution.ID,
			"step_id":      step.ID,
			"error":        err.Error(),
		})
		return
	}
	o.prom.MandateAppended(MandateApproval)
	if approver == "" {
		approver = "orchestrator"
	}
	if _, err := o.chains.Approve(st.baseCtx, mandate.ID, approver); err != nil {
		o.logger.Error("Approval mandate transition failed", map[string]interface{}{
			"operation":    "mandate_approval",
			"execution_id": st.execution.ID,
			"mandate_id":   mandate.ID,
			"error":        err.Error(),
		})
	}
}

// rollback compensates completed steps in reverse completion order. Each
// compensation runs under its own deadline. Failures are logged and the
// walk continues; a half-finished rollback is still better than none.
func (o *AgentOrchestrator) rollback(st *runState, cause *FailureReason) {
	completed := st.execution.CompletedStepsInOrder()
	if len(completed) == 0 {
		return
	}
	o.prom.RollbackStarted()

	timeout := o.config.RollbackTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reason := "rollback"
	if cause != nil {
		reason = "rollback: " + cause.Message
	}
	o.logger.WarnWithContext(st.baseCtx, "Rolling back completed steps", map[string]interface{}{
		"operation":    "rollback",
		"execution_id": st.execution.ID,
		"steps":        len(completed),
		"cause":        reason,
	})

	for i := len(completed) - 1; i >= 0; i-- {
		sr := completed[i]
		tool, err := o.registry.Get(sr.ToolID)
		if err != nil {
			continue
		}
		rollbackable, ok := tool.(RollbackableTool)
		if !ok {
			continue
		}

		rc := RunContext{
			ExecutionID: st.execution.ID,
			AgentID:     st.execution.AgentID,
			TenantID:    st.execution.TenantID,
			UserID:      st.execution.Context.UserID,
			StepID:      sr.StepID,
			Variables:   st.vars,
			Attempt:     1,
		}
		if err := o.runCompensation(st.baseCtx, rollbackable, st.resolved[sr.StepID], sr.Output, rc, timeout); err != nil {
			o.logger.Error("Rollback failed for step", map[string]interface{}{
				"operation":    "rollback",
				"execution_id": st.execution.ID,
				"step_id":      sr.StepID,
				"tool_id":      sr.ToolID,
				"error":        err.Error(),
			})
			continue
		}
		o.logger.Info("Rolled back step", map[string]interface{}{
			"operation":    "rollback",
			"execution_id": st.execution.ID,
			"step_id":      sr.StepID,
			"tool_id":      sr.ToolID,
		})

		if mandate, ok := st.mandates[sr.StepID]; ok && o.chains != nil {
			if _, err := o.chains.CancellationFor(st.baseCtx, mandate, reason, o.signer); err != nil {
				o.logger.Error("Cancellation mandate append failed", map[string]interface{}{
					"operation":    "rollback",
					"execution_id": st.execution.ID,
					"step_id":      sr.StepID,
					"mandate_id":   mandate.ID,
					"error":        err.Error(),
				})
			} else {
				o.prom.MandateAppended(MandateCancellation)
			}
		}
	}
}

// runCompensation invokes a tool's Rollback under a fresh deadline and
// contains panics the same way forward execution does.
func (o *AgentOrchestrator) runCompensation(ctx context.Context, tool RollbackableTool, params, output map[string]interface{}, rc RunContext, timeout time.Duration) (err error) {
	rbCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Rollback panicked", map[string]interface{}{
				"operation":    "rollback",
				"execution_id": rc.ExecutionID,
				"step_id":      rc.StepID,
				"panic":        fmt.Sprintf("%v", r),
				"stack":        string(debug.Stack()),
			})
			err = fmt.Errorf("rollback panicked: %v", r)
		}
	}()
	return tool.Rollback(rbCtx, params, output, rc)
}

// finalizeCancelled marks unfinished steps SKIPPED and closes the record as
// CANCELLED. Completed steps keep their results; cancellation never rolls
// back finished work.
func (o *AgentOrchestrator) finalizeCancelled(st *runState, failure *FailureReason) {
	now := o.clock.Now().UTC()
	for i := range st.execution.StepResults {
		sr := &st.execution.StepResults[i]
		if sr.Status == StepRunning || sr.Status == StepPending {
			sr.Status = StepSkipped
			ended := now
			sr.EndedAt = &ended
		}
	}
	for i := range st.workflow.Steps {
		step := &st.workflow.Steps[i]
		if st.execution.StepResult(step.ID) == nil {
			st.execution.upsertStepResult(StepResult{
				StepID: step.ID,
				ToolID: step.ToolID,
				Status: StepSkipped,
			})
		}
	}
	if failure == nil {
		failure = &FailureReason{Kind: core.KindCancelled, Message: "execution cancelled"}
	}
	o.finalize(st, ExecutionCancelled, failure)
}

// finalize closes the execution record, persists it, folds the run into the
// aggregate metrics, and publishes the terminal event last.
func (o *AgentOrchestrator) finalize(st *runState, status ExecutionStatus, failure *FailureReason) {
	e := st.execution
	now := o.clock.Now().UTC()
	e.Status = status
	e.EndedAt = &now
	e.Failure = failure
	e.Variables = st.vars.Snapshot()
	e.Metrics.DurationMs = now.Sub(e.StartedAt).Milliseconds()

	skipped := 0
	for _, sr := range e.StepResults {
		if sr.Status == StepSkipped {
			skipped++
		}
	}
	if unreached := e.Metrics.TotalSteps - len(e.StepResults); unreached > 0 {
		skipped += unreached
	}
	e.Metrics.SkippedSteps = skipped

	persistErr := o.infraRetry(st.baseCtx, func() error {
		return o.store.UpdateExecution(st.baseCtx, e)
	})
	if persistErr != nil {
		o.logger.Error("Failed to persist terminal execution state", map[string]interface{}{
			"operation":    "finalize_execution",
			"execution_id": e.ID,
			"status":       string(status),
			"error":        persistErr.Error(),
		})
	}
	if err := o.infraRetry(st.baseCtx, func() error {
		return o.store.UpdateAgentMetrics(st.baseCtx, e.AgentID, e)
	}); err != nil {
		o.logger.Error("Failed to update agent metrics", map[string]interface{}{
			"operation":    "finalize_execution",
			"execution_id": e.ID,
			"agent_id":     e.AgentID,
			"error":        err.Error(),
		})
	}

	o.metrics.RecordExecution(e)
	o.prom.ExecutionFinished(status)
	o.telemetry.RecordMetric("orchestrator.execution.duration_ms", float64(e.Metrics.DurationMs), map[string]string{
		"status": string(status),
	})

	if persistErr == nil {
		if status == ExecutionCancelled {
			// Interrupted steps already emitted RUNNING; give subscribers
			// closure before the terminal event. Never-started steps emit
			// nothing.
			for i := range e.StepResults {
				sr := &e.StepResults[i]
				if sr.Status == StepSkipped && sr.Attempts > 0 {
					o.publishStepUpdate(st, sr, sr.Error)
				}
			}
		}
		topic := TopicExecutionCompleted(e.AgentID)
		eventType := EventExecutionCompleted
		errMsg := ""
		if status != ExecutionCompleted {
			topic = TopicExecutionFailed(e.AgentID)
			eventType = EventExecutionFailed
			if failure != nil {
				errMsg = failure.Message
			}
		}
		o.publish(st.baseCtx, Event{
			Topic:       topic,
			Type:        eventType,
			AgentID:     e.AgentID,
			ExecutionID: e.ID,
			Status:      string(status),
			Error:       errMsg,
		})
	}

	fields := map[string]interface{}{
		"operation":    "finalize_execution",
		"execution_id": e.ID,
		"agent_id":     e.AgentID,
		"status":       string(status),
		"duration_ms":  e.Metrics.DurationMs,
		"completed":    e.Metrics.CompletedSteps,
		"failed":       e.Metrics.FailedSteps,
		"skipped":      e.Metrics.SkippedSteps,
		"cost":         e.Metrics.CostAccumulated,
	}
	if failure != nil {
		fields["failure_kind"] = failure.Kind
		fields["failure"] = failure.Message
	}
	if status == ExecutionCompleted {
		o.logger.InfoWithContext(st.baseCtx, "Execution completed", fields)
	} else {
		o.logger.WarnWithContext(st.baseCtx, "Execution finished without completing", fields)
	}
}

// persistExecution writes the current execution record with infrastructure
// retries. Callers publish only after it returns nil.
func (o *AgentOrchestrator) persistExecution(st *runState) error {
	return o.infraRetry(st.baseCtx, func() error {
		return o.store.UpdateExecution(st.baseCtx, st.execution)
	})
}

// infraRetry wraps store and bus writes with the configured infrastructure
// retry policy. Validation and not-found errors fail immediately.
func (o *AgentOrchestrator) infraRetry(ctx context.Context, fn func() error) error {
	attempts := o.config.InfraRetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := o.config.InfraRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return resilience.Retry(ctx, &resilience.RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  delay,
		MaxDelay:      o.config.RetryMaxDelay,
		BackoffFactor: 2.0,
		JitterEnabled: true,
		Classifier:    core.IsRetryable,
	}, fn)
}

func (o *AgentOrchestrator) publishStepUpdate(st *runState, result *StepResult, errMsg string) {
	o.publish(st.baseCtx, Event{
		Topic:       TopicStepUpdate(st.execution.AgentID),
		Type:        EventStepUpdate,
		AgentID:     st.execution.AgentID,
		ExecutionID: st.execution.ID,
		StepID:      result.StepID,
		Status:      string(result.Status),
		Attempts:    result.Attempts,
		Output:      result.Output,
		Error:       errMsg,
	})
}

// publish stamps and sends an event. Delivery is best effort: a failed
// publish is logged, never escalated, because the store already holds the
// state the event describes.
func (o *AgentOrchestrator) publish(ctx context.Context, event Event) {
	event.ID = uuid.New().String()
	event.Timestamp = o.clock.Now().UTC()
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Error("Event publish failed", map[string]interface{}{
			"operation": "publish_event",
			"topic":     event.Topic,
			"type":      string(event.Type),
			"error":     err.Error(),
		})
	}
}

// contextVariables exposes the execution context to templates under the
// "context" and "trigger" roots.
func contextVariables(execCtx ExecutionContext) map[string]interface{} {
	ctxMap := map[string]interface{}{
		"agent_id":  execCtx.AgentID,
		"tenant_id": execCtx.TenantID,
	}
	if execCtx.UserID != "" {
		ctxMap["user_id"] = execCtx.UserID
	}
	if execCtx.WorkflowID != "" {
		ctxMap["workflow_id"] = execCtx.WorkflowID
	}
	if len(execCtx.Metadata) > 0 {
		meta := make(map[string]interface{}, len(execCtx.Metadata))
		for k, v := range execCtx.Metadata {
			meta[k] = v
		}
		ctxMap["metadata"] = meta
	}
	out := map[string]interface{}{"context": ctxMap}
	if execCtx.TriggerPayload != nil {
		out["trigger"] = execCtx.TriggerPayload
	}
	return out
}
