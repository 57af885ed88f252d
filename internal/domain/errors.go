package domain

import "errors"

// Kind classifies an error for callers that need to react to it without
// matching individual sentinels (transports, metrics).
type Kind string

const (
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindRateLimited  Kind = "rate_limited"
	KindInternal     Kind = "internal"
)

// Error is a typed domain error. Sentinels below are *Error values so that
// errors.Is matches by identity while errors.As exposes the kind.
type Error struct {
	Kind    Kind
	Message string
	base    *Error
}

func (e *Error) Error() string { return e.Message }

// Is lets a detailed error built by Detail match its sentinel.
func (e *Error) Is(target error) bool {
	return e.base != nil && target == error(e.base)
}

var (
	ErrNotFound      = &Error{Kind: KindNotFound, Message: "not found"}
	ErrAlreadyExists = &Error{Kind: KindConflict, Message: "already exists"}
	ErrRateLimited   = &Error{Kind: KindRateLimited, Message: "rate limited"}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrForbidden     = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrLockHeld      = &Error{Kind: KindConflict, Message: "resource busy, retry"}

	ErrInvalidSide    = &Error{Kind: KindValidation, Message: "side must be YES or NO"}
	ErrInvalidAction  = &Error{Kind: KindValidation, Message: "action must be buy or sell"}
	ErrInvalidAmount  = &Error{Kind: KindValidation, Message: "amount must be > 0"}
	ErrBelowMinimum   = &Error{Kind: KindValidation, Message: "amount is below the minimum stake"}
	ErrInvalidOutcome = &Error{Kind: KindValidation, Message: "outcome must be YES or NO"}

	ErrInsufficientFunds  = &Error{Kind: KindConflict, Message: "insufficient balance"}
	ErrInsufficientShares = &Error{Kind: KindConflict, Message: "insufficient shares"}
	ErrMarketClosed       = &Error{Kind: KindConflict, Message: "market is closed"}
	ErrMarketResolved     = &Error{Kind: KindConflict, Message: "market already resolved"}
	ErrMarketNotResolved  = &Error{Kind: KindConflict, Message: "market is not resolved"}
	ErrWrongMarketMode    = &Error{Kind: KindConflict, Message: "market does not accept this kind of order"}
	ErrOrderNotPending    = &Error{Kind: KindConflict, Message: "order is not pending"}
	ErrVersionConflict    = &Error{Kind: KindConflict, Message: "concurrent update, retry"}
	ErrDuplicateRequest   = &Error{Kind: KindConflict, Message: "duplicate request"}

	ErrTradeFailed    = &Error{Kind: KindInternal, Message: "trade failed"}
	ErrRollbackFailed = &Error{Kind: KindInternal, Message: "trade failed, rollback incomplete"}
)

// Invalid returns a validation error carrying a caller-visible message.
func Invalid(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

// Conflict returns a state-conflict error carrying a caller-visible message.
func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Message: msg}
}

// Detail returns an error that matches base with errors.Is but carries a
// more specific caller-visible message.
func Detail(base *Error, msg string) error {
	return &Error{Kind: base.Kind, Message: msg, base: base}
}

// KindOf reports the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// PublicMessage returns the message that may be shown to a caller. Internal
// errors collapse to a generic text so wrapped detail never leaks.
func PublicMessage(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}
