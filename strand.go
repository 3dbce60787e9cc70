// Package strand is a lightweight meta-module that re-exports from the
// Strand submodules. Most programs should import the specific modules they
// need:
//   - github.com/strandflow/strand/core - configuration, errors, logging
//   - github.com/strandflow/strand/orchestration - workflows, tools, mandates
//   - github.com/strandflow/strand/telemetry - OpenTelemetry integration
//   - github.com/strandflow/strand/resilience - retries and circuit breakers
//
// The aliases here let small programs get a working orchestrator from a
// single import path.
package strand

import (
	"github.com/strandflow/strand/core"
	"github.com/strandflow/strand/orchestration"
)

// Re-export configuration types.
type (
	Config             = core.Config
	Option             = core.Option
	StoreConfig        = core.StoreConfig
	EventBusConfig     = core.EventBusConfig
	OrchestratorConfig = core.OrchestratorConfig
	MandateConfig      = core.MandateConfig
	TelemetryConfig    = core.TelemetryConfig
	LoggingConfig      = core.LoggingConfig
	DevelopmentConfig  = core.DevelopmentConfig

	// Ambient interfaces
	Logger    = core.Logger
	Telemetry = core.Telemetry
	Span      = core.Span
	Clock     = core.Clock
	Signer    = core.Signer

	// Errors
	FrameworkError = core.FrameworkError
)

// Re-export workflow and execution types.
type (
	Workflow        = orchestration.Workflow
	Step            = orchestration.Step
	Successors      = orchestration.Successors
	ConditionalEdge = orchestration.ConditionalEdge
	Constraints     = orchestration.Constraints

	Agent            = orchestration.Agent
	Execution        = orchestration.Execution
	ExecutionContext = orchestration.ExecutionContext
	ExecutionStatus  = orchestration.ExecutionStatus
	ExecutionResult  = orchestration.ExecutionResult
	StepResult       = orchestration.StepResult
	StepStatus       = orchestration.StepStatus
	FailureReason    = orchestration.FailureReason

	Orchestrator      = orchestration.Orchestrator
	AgentOrchestrator = orchestration.AgentOrchestrator
	Dependencies      = orchestration.Dependencies
	WorkflowEngine    = orchestration.WorkflowEngine
	ValidationResult  = orchestration.ValidationResult

	Tool         = orchestration.Tool
	ToolMeta     = orchestration.ToolMeta
	ParamSpec    = orchestration.ParamSpec
	RunContext   = orchestration.RunContext
	ToolRegistry = orchestration.ToolRegistry
	BuiltinDeps  = orchestration.BuiltinDeps

	Event    = orchestration.Event
	EventBus = orchestration.EventBus

	Mandate       = orchestration.Mandate
	MandateKind   = orchestration.MandateKind
	MandateStatus = orchestration.MandateStatus
	ChainManager  = orchestration.ChainManager
	VerifyResult  = orchestration.VerifyResult

	Store           = orchestration.Store
	StorageProvider = orchestration.StorageProvider
)

// Re-export status and kind constants.
const (
	ExecutionPending   = orchestration.ExecutionPending
	ExecutionRunning   = orchestration.ExecutionRunning
	ExecutionCompleted = orchestration.ExecutionCompleted
	ExecutionFailed    = orchestration.ExecutionFailed
	ExecutionCancelled = orchestration.ExecutionCancelled

	StepTrigger   = orchestration.StepTrigger
	StepAction    = orchestration.StepAction
	StepCondition = orchestration.StepCondition
	StepApproval  = orchestration.StepApproval

	PolicyStop     = orchestration.PolicyStop
	PolicyContinue = orchestration.PolicyContinue
	PolicyRetry    = orchestration.PolicyRetry
	PolicyRollback = orchestration.PolicyRollback

	MandateIntent       = orchestration.MandateIntent
	MandateCart         = orchestration.MandateCart
	MandatePayment      = orchestration.MandatePayment
	MandateApproval     = orchestration.MandateApproval
	MandateCancellation = orchestration.MandateCancellation
)

// Re-export constructors and helpers.
var (
	DefaultConfig = core.DefaultConfig
	NewConfig     = core.NewConfig

	NewProductionLogger   = core.NewProductionLogger
	GenerateEd25519Signer = core.GenerateEd25519Signer

	CreateOrchestrator   = orchestration.CreateOrchestrator
	NewAgentOrchestrator = orchestration.NewAgentOrchestrator
	NewToolRegistry      = orchestration.NewToolRegistry
	NewWorkflowEngine    = orchestration.NewWorkflowEngine
	NewChainManager      = orchestration.NewChainManager
	RegisterBuiltins     = orchestration.RegisterBuiltins

	ParseWorkflowYAML = orchestration.ParseWorkflowYAML
	ParseWorkflowJSON = orchestration.ParseWorkflowJSON

	NewMemoryStorageProvider = orchestration.NewMemoryStorageProvider
	NewRedisStorageProvider  = orchestration.NewRedisStorageProvider
	NewInMemoryEventBus      = orchestration.NewInMemoryEventBus
	NewRedisEventBus         = orchestration.NewRedisEventBus
	NewStore                 = orchestration.NewStore
	NewPrometheusMetrics     = orchestration.NewPrometheusMetrics

	// Configuration options
	WithName              = core.WithName
	WithNamespace         = core.WithNamespace
	WithRedisURL          = core.WithRedisURL
	WithStoreProvider     = core.WithStoreProvider
	WithKeyPrefix         = core.WithKeyPrefix
	WithLoopBound         = core.WithLoopBound
	WithTenantConcurrency = core.WithTenantConcurrency
	WithRollbackTimeout   = core.WithRollbackTimeout
	WithMandateTTLs       = core.WithMandateTTLs
	WithSigningKeyID      = core.WithSigningKeyID
	WithTelemetry         = core.WithTelemetry
	WithLogLevel          = core.WithLogLevel
	WithLogFormat         = core.WithLogFormat
	WithDevelopmentMode   = core.WithDevelopmentMode
	WithConfigFile        = core.WithConfigFile

	// Factory options
	WithoutBuiltins = orchestration.WithoutBuiltins
	WithBuiltinDeps = orchestration.WithBuiltinDeps
	WithTools       = orchestration.WithTools
	WithPrometheus  = orchestration.WithPrometheus
	WithoutSigning  = orchestration.WithoutSigning
)

// New builds a fully wired orchestrator from functional options. With no
// options it runs on in-memory storage and events, suitable for tests and
// single-process deployments.
func New(opts ...Option) (*AgentOrchestrator, error) {
	config, err := core.NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return orchestration.CreateOrchestrator(config, Dependencies{})
}
