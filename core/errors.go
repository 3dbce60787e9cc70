package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Agent and workflow errors
	ErrAgentNotFound    = errors.New("agent not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrInvalidWorkflow  = errors.New("invalid workflow")

	// Execution errors
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrExecutionCancelled = errors.New("execution cancelled")
	ErrAlreadyTerminal    = errors.New("execution already terminal")
	ErrLoopBoundExceeded  = errors.New("loop bound exceeded")

	// Tool errors
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolConflict      = errors.New("tool already registered")
	ErrInvalidParameters = errors.New("invalid parameters")

	// Mandate integrity errors
	ErrMandateNotFound   = errors.New("mandate not found")
	ErrMandateExpired    = errors.New("mandate expired")
	ErrChainMismatch     = errors.New("mandate chain hash mismatch")
	ErrSequenceGap       = errors.New("mandate sequence gap")
	ErrSignatureInvalid  = errors.New("mandate signature invalid")
	ErrInvalidTransition = errors.New("invalid mandate status transition")

	// Constraint errors
	ErrConstraintViolation = errors.New("constraint violation")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Infrastructure errors
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrEventBusUnavailable = errors.New("event bus unavailable")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
)

// Error kinds carried by FrameworkError.Kind and FailureReason.Kind.
// These are stable strings surfaced to API layers and event payloads.
const (
	KindValidation          = "validation"
	KindToolNotFound        = "tool_not_found"
	KindToolConflict        = "tool_conflict"
	KindToolExecution       = "tool_execution"
	KindTimeout             = "timeout"
	KindExecutionDeadline   = "execution_deadline"
	KindChainMismatch       = "chain_mismatch"
	KindSequenceGap         = "sequence_gap"
	KindSignatureInvalid    = "signature_invalid"
	KindConstraintViolation = "constraint_violation"
	KindCancelled           = "cancelled"
	KindLoopBound           = "loop_bound"
	KindStoreUnavailable    = "store_unavailable"
	KindEventBusUnavailable = "event_bus_unavailable"
)

// FrameworkError provides structured error information with context
// It implements the error interface and supports error wrapping
type FrameworkError struct {
	Op      string // Operation that failed (e.g., "orchestrator.Execute")
	Kind    string // Error kind (e.g., "timeout", "tool_execution")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// ErrorKind extracts the structured kind from an error chain, falling back
// to classification by sentinel when no FrameworkError is present.
func ErrorKind(err error) string {
	var fe *FrameworkError
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrExecutionCancelled):
		return KindCancelled
	case errors.Is(err, ErrToolNotFound):
		return KindToolNotFound
	case errors.Is(err, ErrInvalidWorkflow), errors.Is(err, ErrInvalidParameters):
		return KindValidation
	case errors.Is(err, ErrConstraintViolation):
		return KindConstraintViolation
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrEventBusUnavailable):
		return KindEventBusUnavailable
	default:
		return KindToolExecution
	}
}

// IsRetryable checks if an error is retryable
// Retryable errors are typically transient infrastructure issues
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrEventBusUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrToolNotFound) ||
		errors.Is(err, ErrMandateNotFound)
}

// IsIntegrityError checks if an error indicates mandate chain corruption
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrChainMismatch) ||
		errors.Is(err, ErrSequenceGap) ||
		errors.Is(err, ErrSignatureInvalid)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
