package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes the platform cares about.
const (
	codeUniqueViolation      = "23505"
	codeNumericOutOfRange    = "22003"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

var (
	// ErrLockTimeout marks lock waits that gave up or transactions the server
	// aborted to resolve a conflict. Callers may retry.
	ErrLockTimeout = errors.New("platform/db: lock not available")
	// ErrUniqueViolation marks inserts rejected by a unique constraint.
	ErrUniqueViolation = errors.New("platform/db: unique violation")
	// ErrNumericOutOfRange marks values that overflow a numeric column.
	ErrNumericOutOfRange = errors.New("platform/db: numeric value out of range")
)

// Classify wraps PostgreSQL errors with the platform sentinels while keeping
// the original error in the chain.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected:
		return errors.Join(ErrLockTimeout, err)
	case codeUniqueViolation:
		return errors.Join(ErrUniqueViolation, err)
	case codeNumericOutOfRange:
		return errors.Join(ErrNumericOutOfRange, err)
	default:
		return err
	}
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrUniqueViolation) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
