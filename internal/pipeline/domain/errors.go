// Package domain defines the run model and error taxonomy shared by the
// pipeline runner, validation layer, and loader.
package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError wraps failures worth retrying without human intervention:
// storage or network unavailability. The orchestrator owns the retry policy.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError describes one rejected record. It never aborts a batch.
type ValidationError struct {
	Entity  string
	Key     string
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s %q: %v", e.Entity, e.Key, e.Reasons)
}

// SchemaViolation means a whole batch is structurally unusable. The batch is
// quarantined; other sources are unaffected.
type SchemaViolation struct {
	Entity string
	Err    error
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("schema violation in %s batch: %v", e.Entity, e.Err)
}
func (e *SchemaViolation) Unwrap() error { return e.Err }

// IntegrityBug means an internal invariant broke, such as a duplicate natural
// key surviving dedup. It is an engine defect and halts the run.
type IntegrityBug struct {
	Detail string
}

func (e *IntegrityBug) Error() string { return "integrity bug: " + e.Detail }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth an automatic retry: an explicit
// TransientError, a context deadline, or a storage-unavailability SQLSTATE.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "55P03":
			return true
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
	}
	return false
}
