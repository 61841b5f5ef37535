package escrow

import (
	"errors"
	"fmt"
)

type (
	// VersionConflictError is returned when an append loses the race for
	// an account's next sequence. NewEvents holds whatever the winner
	// committed past the expected sequence
	VersionConflictError struct {
		NewEvents        []*Event
		ExpectedSequence int64
		ActualSequence   int64
	}
)

var (
	// ErrAlreadyReleased indicates the account was settled to the payee
	ErrAlreadyReleased = errors.New("escrow already released")

	// ErrAlreadyRefunded indicates the account was settled to the payer
	ErrAlreadyRefunded = errors.New("escrow already refunded")

	// ErrUnauthorized covers an authorization that is not bound to the
	// account, a refund by anyone but the payer, and custody transfers by
	// anyone but the current holder
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDeadlineNotReached indicates a refund at or before the deadline
	ErrDeadlineNotReached = errors.New("deadline not reached")

	// ErrAccountNotFound indicates no account exists with the given ID
	ErrAccountNotFound = errors.New("escrow account not found")

	// ErrAccountExists indicates an account ID collision on create
	ErrAccountExists = errors.New("escrow account already exists")

	// ErrAuthorizationNotFound indicates the authorization was consumed or
	// never existed
	ErrAuthorizationNotFound = errors.New("release authorization not found")

	// ErrAlreadyPublished indicates the account was already shared
	ErrAlreadyPublished = errors.New("escrow account already published")

	// ErrInvalidInput indicates a malformed request
	ErrInvalidInput = errors.New("invalid input")

	// ErrAccountActive indicates an operation that requires a settled
	// account was attempted on an active one
	ErrAccountActive = errors.New("escrow account still active")

	// ErrMaxRetriesExceeded indicates the executor kept losing the append
	// race
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrUnexpectedLuaResult indicates a script returned a malformed reply
	ErrUnexpectedLuaResult = errors.New("unexpected result from Lua script")
)

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf(
		"version conflict: expected sequence %d, but at %d (%d new events)",
		e.ExpectedSequence, e.ActualSequence, len(e.NewEvents),
	)
}

// reason classifies an error for metrics and logs
func reason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyReleased):
		return "already_released"
	case errors.Is(err, ErrAlreadyRefunded):
		return "already_refunded"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrDeadlineNotReached):
		return "deadline_not_reached"
	case errors.Is(err, ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, ErrAuthorizationNotFound):
		return "authorization_not_found"
	case errors.Is(err, ErrAlreadyPublished):
		return "already_published"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrAccountExists):
		return "account_exists"
	case errors.Is(err, ErrAccountActive):
		return "account_active"
	case errors.Is(err, ErrMaxRetriesExceeded):
		return "max_retries"
	default:
		return "internal"
	}
}
