package core

import (
	"errors"
	"fmt"
	"testing"
)

// Test IsRetryable function
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "ErrStoreUnavailable is retryable",
			err:      ErrStoreUnavailable,
			expected: true,
		},
		{
			name:     "ErrEventBusUnavailable is retryable",
			err:      ErrEventBusUnavailable,
			expected: true,
		},
		{
			name:     "ErrTimeout is retryable",
			err:      ErrTimeout,
			expected: true,
		},
		{
			name:     "wrapped retryable error is retryable",
			err:      fmt.Errorf("operation failed: %w", ErrStoreUnavailable),
			expected: true,
		},
		{
			name:     "ErrToolNotFound is not retryable",
			err:      ErrToolNotFound,
			expected: false,
		},
		{
			name:     "ErrChainMismatch is not retryable",
			err:      ErrChainMismatch,
			expected: false,
		},
		{
			name:     "custom error is not retryable",
			err:      errors.New("custom error"),
			expected: false,
		},
		{
			name:     "nil error is not retryable",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsRetryable(tt.err)
			if result != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

// Test IsNotFound function
func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "ErrAgentNotFound", err: ErrAgentNotFound, expected: true},
		{name: "ErrWorkflowNotFound", err: ErrWorkflowNotFound, expected: true},
		{name: "ErrExecutionNotFound", err: ErrExecutionNotFound, expected: true},
		{name: "ErrToolNotFound", err: ErrToolNotFound, expected: true},
		{name: "ErrMandateNotFound", err: ErrMandateNotFound, expected: true},
		{
			name:     "wrapped not-found error",
			err:      &FrameworkError{Op: "store.GetExecution", Kind: "store", Err: ErrExecutionNotFound},
			expected: true,
		},
		{name: "ErrTimeout is not a not-found", err: ErrTimeout, expected: false},
		{name: "nil error", err: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsNotFound(tt.err)
			if result != tt.expected {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

// Test IsIntegrityError function
func TestIsIntegrityError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "ErrChainMismatch", err: ErrChainMismatch, expected: true},
		{name: "ErrSequenceGap", err: ErrSequenceGap, expected: true},
		{name: "ErrSignatureInvalid", err: ErrSignatureInvalid, expected: true},
		{
			name:     "wrapped integrity error",
			err:      fmt.Errorf("verify chain: %w", ErrSequenceGap),
			expected: true,
		},
		{name: "ErrMandateExpired is not integrity", err: ErrMandateExpired, expected: false},
		{name: "nil error", err: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsIntegrityError(tt.err)
			if result != tt.expected {
				t.Errorf("IsIntegrityError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

// Test FrameworkError string formats
func TestFrameworkErrorFormats(t *testing.T) {
	tests := []struct {
		name     string
		err      *FrameworkError
		expected string
	}{
		{
			name: "op with id and wrapped error",
			err: &FrameworkError{
				Op:  "orchestrator.Execute",
				ID:  "exec-1",
				Err: ErrTimeout,
			},
			expected: "orchestrator.Execute [exec-1]: operation timeout",
		},
		{
			name: "op without id",
			err: &FrameworkError{
				Op:  "registry.Get",
				Err: ErrToolNotFound,
			},
			expected: "registry.Get: tool not found",
		},
		{
			name: "message only",
			err: &FrameworkError{
				Kind:    KindValidation,
				Message: "workflow has no trigger step",
			},
			expected: "workflow has no trigger step",
		},
		{
			name: "kind fallback",
			err: &FrameworkError{
				Kind: KindTimeout,
			},
			expected: "timeout error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFrameworkErrorUnwrap(t *testing.T) {
	fe := NewFrameworkError("chain.Append", KindChainMismatch, ErrChainMismatch)
	if !errors.Is(fe, ErrChainMismatch) {
		t.Error("errors.Is should find the wrapped sentinel")
	}

	var target *FrameworkError
	wrapped := fmt.Errorf("outer: %w", fe)
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find the FrameworkError")
	}
	if target.Op != "chain.Append" {
		t.Errorf("Op = %q, want %q", target.Op, "chain.Append")
	}
}

// Test ErrorKind classification
func TestErrorKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "explicit kind wins",
			err:      &FrameworkError{Op: "x", Kind: KindExecutionDeadline, Err: ErrTimeout},
			expected: KindExecutionDeadline,
		},
		{name: "bare timeout", err: ErrTimeout, expected: KindTimeout},
		{name: "cancellation", err: ErrExecutionCancelled, expected: KindCancelled},
		{name: "tool missing", err: ErrToolNotFound, expected: KindToolNotFound},
		{name: "bad parameters", err: ErrInvalidParameters, expected: KindValidation},
		{name: "constraint", err: ErrConstraintViolation, expected: KindConstraintViolation},
		{name: "store down", err: ErrStoreUnavailable, expected: KindStoreUnavailable},
		{name: "unknown defaults to tool execution", err: errors.New("boom"), expected: KindToolExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorKind(tt.err); got != tt.expected {
				t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}
