package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/vecsync/internal/resilience"
	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for database operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTransactionConflict indicates a SurrealDB transaction conflict.
	// This occurs when concurrent upserts touch the same records; it also
	// matches resilience.ErrTransient so callers retry it.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrDimensionMismatch indicates an embedding whose width differs from
	// the HNSW index dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// wrapQueryError maps known SurrealDB query failures onto the sentinels above
// and the resilience taxonomy. Anything else passes through unchanged.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		if strings.Contains(msg, "Transaction conflict") {
			return fmt.Errorf("%w: %w: %s", ErrTransactionConflict, resilience.ErrTransient, msg)
		}
		if strings.Contains(msg, "dimension") {
			return fmt.Errorf("%w: %w: %s", ErrDimensionMismatch, resilience.ErrPermanent, msg)
		}
	}

	return err
}
