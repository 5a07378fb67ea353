package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is checks across package boundaries.
var (
	// ErrNoActiveModel means the tenant has never trained (or activated) a
	// model. Scoring must fail cleanly on it, never fabricate a score.
	ErrNoActiveModel = errors.New("no active model for tenant")

	// ErrArtifactMissing means a version is registered but its files are
	// absent, an inconsistent store state.
	ErrArtifactMissing = errors.New("model artifacts missing")
)

// ValidationError covers bad uploads: unsupported file types, missing
// columns, degenerate labels. Never retried automatically.
type ValidationError struct {
	Msg            string
	MissingColumns []string
}

func (e *ValidationError) Error() string {
	if len(e.MissingColumns) > 0 {
		return fmt.Sprintf("%s: missing columns [%s]", e.Msg, strings.Join(e.MissingColumns, ", "))
	}
	return e.Msg
}

// NewValidationError builds a plain validation error.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// DomainLimitError rejects a transaction that would breach a spending bound.
// Available tells the caller how much credit remains.
type DomainLimitError struct {
	Limit     float64
	Balance   float64
	Requested float64
	Available float64
	Reason    string // "credit_limit" or "spend_cap"
}

func (e *DomainLimitError) Error() string {
	return fmt.Sprintf("transaction of %.2f exceeds %s: %.2f available", e.Requested, e.Reason, e.Available)
}

// ModelStateError wraps ErrNoActiveModel / ErrArtifactMissing with the tenant
// and version context; surfaced as a client-actionable "train a model first".
type ModelStateError struct {
	TenantID string
	Version  int
	Err      error
}

func (e *ModelStateError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("model state for tenant %q v%d: %v", e.TenantID, e.Version, e.Err)
	}
	return fmt.Sprintf("model state for tenant %q: %v", e.TenantID, e.Err)
}

func (e *ModelStateError) Unwrap() error { return e.Err }

// StoreInconsistencyError reports a broken "exactly one active version"
// invariant. The scoring path tolerates it by picking the most recent active
// row; the invariant check surfaces it.
type StoreInconsistencyError struct {
	TenantID    string
	ActiveCount int
}

func (e *StoreInconsistencyError) Error() string {
	return fmt.Sprintf("tenant %q has %d active model versions, want exactly 1", e.TenantID, e.ActiveCount)
}
