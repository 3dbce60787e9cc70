package orchestration

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/strandflow/strand/core"
	"github.com/strandflow/strand/telemetry"
)

// FactoryOption adjusts how CreateOrchestrator assembles its dependencies.
type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	builtins     bool
	builtinDeps  BuiltinDeps
	extraTools   []Tool
	promRegistry prometheus.Registerer
	prometheus   bool
	signing      bool
}

// WithoutBuiltins skips registration of the built-in tool catalog. The
// caller registers every tool the workflows reference.
func WithoutBuiltins() FactoryOption {
	return func(o *factoryOptions) { o.builtins = false }
}

// WithBuiltinDeps supplies real integrations for the built-in tools: an
// HTTP client, a database query runner, an email sender, a payment gateway,
// an approval decider.
func WithBuiltinDeps(deps BuiltinDeps) FactoryOption {
	return func(o *factoryOptions) { o.builtinDeps = deps }
}

// WithTools registers additional tools after the built-ins.
func WithTools(tools ...Tool) FactoryOption {
	return func(o *factoryOptions) { o.extraTools = append(o.extraTools, tools...) }
}

// WithPrometheus enables prometheus instrumentation on the given registry.
// A nil registry uses prometheus.DefaultRegisterer.
func WithPrometheus(registry prometheus.Registerer) FactoryOption {
	return func(o *factoryOptions) {
		o.prometheus = true
		o.promRegistry = registry
	}
}

// WithoutSigning disables mandate signing. Mandates are still appended and
// hash-linked, but stay in PENDING status until signed out of band.
func WithoutSigning() FactoryOption {
	return func(o *factoryOptions) { o.signing = false }
}

// CreateOrchestrator assembles a ready-to-run orchestrator from
// configuration, filling in every dependency left nil:
//
//   - storage provider and event bus per config.Store and config.EventBus
//     (memory or redis)
//   - a production logger per config.Logging
//   - an OpenTelemetry provider when config.Telemetry.Enabled
//   - an Ed25519 signer keyed by config.Mandate.SigningKeyID
//   - a chain manager over the same store
//   - a tool registry preloaded with the built-in catalog
func CreateOrchestrator(config *core.Config, deps Dependencies, opts ...FactoryOption) (*AgentOrchestrator, error) {
	if config == nil {
		config = core.DefaultConfig()
	}
	options := factoryOptions{builtins: true, signing: true}
	for _, opt := range opts {
		opt(&options)
	}

	logger := deps.Logger
	if logger == nil {
		logger = core.NewProductionLogger(config.Logging, config.Development, "orchestration")
		deps.Logger = logger
	}
	logger.Info("Creating orchestrator", map[string]interface{}{
		"operation":      "orchestrator_creation",
		"store_provider": config.Store.Provider,
		"bus_provider":   config.EventBus.Provider,
		"telemetry":      config.Telemetry.Enabled,
		"builtins":       options.builtins,
	})

	if deps.Telemetry == nil && config.Telemetry.Enabled {
		provider, err := telemetry.NewOTelProvider(telemetry.FromCoreConfig(config.Telemetry, config.Name))
		if err != nil {
			// Telemetry is optional at runtime; the orchestrator works
			// without it.
			logger.Warn("Telemetry initialization failed, continuing without", map[string]interface{}{
				"operation": "orchestrator_creation",
				"error":     err.Error(),
			})
		} else {
			deps.Telemetry = provider
		}
	}

	if deps.Clock == nil {
		deps.Clock = core.SystemClock{}
	}

	if deps.Store == nil {
		provider, err := newStorageProvider(config, logger)
		if err != nil {
			return nil, err
		}
		deps.Store = NewStore(provider, config.Store, logger)
	}

	if deps.EventBus == nil {
		bus, err := newEventBus(config, logger)
		if err != nil {
			return nil, err
		}
		deps.EventBus = bus
	}

	if deps.Signer == nil && options.signing {
		signer, err := core.GenerateEd25519Signer(config.Mandate.SigningKeyID)
		if err != nil {
			return nil, fmt.Errorf("generating mandate signer: %w", err)
		}
		deps.Signer = signer
	}

	if deps.Chains == nil {
		chains, err := NewChainManager(config.Mandate, ChainManagerDependencies{
			Store:     deps.Store,
			Verifier:  deps.Signer,
			Clock:     deps.Clock,
			Logger:    logger,
			Telemetry: deps.Telemetry,
		})
		if err != nil {
			return nil, err
		}
		deps.Chains = chains
	}

	if deps.Registry == nil {
		deps.Registry = NewToolRegistry(logger)
		if options.builtins {
			builtinDeps := options.builtinDeps
			if builtinDeps.Logger == nil {
				builtinDeps.Logger = logger
			}
			if builtinDeps.Clock == nil {
				builtinDeps.Clock = deps.Clock
			}
			if err := RegisterBuiltins(deps.Registry, builtinDeps); err != nil {
				return nil, err
			}
		}
	}
	for _, tool := range options.extraTools {
		if err := deps.Registry.Register(tool); err != nil {
			return nil, err
		}
	}

	if deps.Engine == nil {
		deps.Engine = NewWorkflowEngine(deps.Registry, logger)
	}

	if deps.Prometheus == nil && options.prometheus {
		deps.Prometheus = NewPrometheusMetrics(options.promRegistry)
	}

	orchestrator, err := NewAgentOrchestrator(config.Orchestrator, deps)
	if err != nil {
		return nil, err
	}

	logger.Info("Orchestrator created", map[string]interface{}{
		"operation": "orchestrator_creation_complete",
		"tools":     len(deps.Registry.List()),
	})
	return orchestrator, nil
}

func newStorageProvider(config *core.Config, logger core.Logger) (StorageProvider, error) {
	switch config.Store.Provider {
	case "redis":
		return NewRedisStorageProvider(config.Store.RedisURL, logger)
	case "", "memory":
		return NewMemoryStorageProvider(), nil
	default:
		return nil, &core.FrameworkError{
			Op:      "CreateOrchestrator",
			Kind:    core.KindValidation,
			Message: fmt.Sprintf("unknown store provider %q", config.Store.Provider),
			Err:     core.ErrInvalidConfiguration,
		}
	}
}

func newEventBus(config *core.Config, logger core.Logger) (EventBus, error) {
	switch config.EventBus.Provider {
	case "redis":
		return NewRedisEventBus(RedisEventBusOptions{
			RedisURL:   config.EventBus.RedisURL,
			BufferSize: config.EventBus.BufferSize,
			Logger:     logger,
		})
	case "", "memory":
		return NewInMemoryEventBus(logger), nil
	default:
		return nil, &core.FrameworkError{
			Op:      "CreateOrchestrator",
			Kind:    core.KindValidation,
			Message: fmt.Sprintf("unknown event bus provider %q", config.EventBus.Provider),
			Err:     core.ErrInvalidConfiguration,
		}
	}
}
