package domain

import "errors"

// Domain errors
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrInvalidRequest = errors.New("invalid request")

	// Validation failures (sync reconciliation)
	ErrStaleSyncTimestamp  = errors.New("sync timestamp is not newer than the last update")
	ErrSyncTimestampFuture = errors.New("sync timestamp is in the future")
	ErrPointsExceedLimit   = errors.New("claimed points exceed the maximum possible")
	ErrUnknownUpgradeTrack = errors.New("unknown upgrade track")

	// Business rule rejections
	ErrInsufficientBalance = errors.New("insufficient points balance for upgrade")
	ErrNoRefillsLeft       = errors.New("no energy refills left for today")
	ErrRefillOnCooldown    = errors.New("energy refill is still on cooldown")

	// Concurrency
	ErrVersionConflict        = errors.New("progress record was modified concurrently")
	ErrConflictRetryExhausted = errors.New("too many concurrent updates, try again")

	ErrInternalError = errors.New("internal server error")
)

// IsValidationError reports whether the error is a malformed or
// out-of-bound input that must be rejected before any write.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrStaleSyncTimestamp) ||
		errors.Is(err, ErrSyncTimestampFuture) ||
		errors.Is(err, ErrPointsExceedLimit) ||
		errors.Is(err, ErrUnknownUpgradeTrack)
}

// IsBusinessRuleError reports whether the error is a legal request rejected
// by game rules. These never trigger a retry.
func IsBusinessRuleError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNoRefillsLeft) ||
		errors.Is(err, ErrRefillOnCooldown)
}
