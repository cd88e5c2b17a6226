package escrow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so transports can map them onto
// their own status codes.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindAuthorization
	KindState
	KindArithmetic
	KindPolicy
	KindTransfer
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindArithmetic:
		return "arithmetic"
	case KindPolicy:
		return "policy"
	case KindTransfer:
		return "transfer"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a named engine failure. Two errors are equal under errors.Is when
// their codes match, so wrapped variants carrying extra context still match
// the package sentinels.
type Error struct {
	Kind  ErrorKind
	Code  string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return "escrow: " + e.Msg + ": " + e.Cause.Error()
	}
	return "escrow: " + e.Msg
}

// Unwrap exposes the underlying collaborator failure, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return e.Code == other.Code
}

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// withDetail returns a copy of base with additional context in the message.
func withDetail(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Msg: base.Msg + ": " + fmt.Sprintf(format, args...)}
}

// withCause returns a copy of base wrapping cause.
func withCause(base *Error, cause error, format string, args ...any) *Error {
	out := withDetail(base, format, args...)
	out.Cause = cause
	return out
}

var (
	ErrInvalidAmount         = newError(KindValidation, "invalid_amount", "amount must be positive")
	ErrInvalidFeeBps         = newError(KindValidation, "invalid_fee_bps", "fee bps out of range")
	ErrInvalidFeeDestination = newError(KindValidation, "invalid_fee_destination", "invalid fee destination")
	ErrAssetMismatch         = newError(KindValidation, "asset_mismatch", "account asset does not match escrow asset")
	ErrOwnerMismatch         = newError(KindValidation, "owner_mismatch", "account owner does not match expected party")
	ErrInvalidParty          = newError(KindValidation, "invalid_party", "party address required")
	ErrContractExists        = newError(KindValidation, "contract_exists", "contract identifier already in use")
	ErrAccountMissing        = newError(KindValidation, "account_missing", "referenced account not provisioned")
	ErrInsufficientFunds     = newError(KindValidation, "insufficient_funds", "source account balance too low")

	ErrUnauthorized = newError(KindAuthorization, "unauthorized", "caller not permitted for operation")

	ErrBadStatus          = newError(KindState, "bad_status", "operation not allowed in current status")
	ErrAlreadyFinalized   = newError(KindState, "already_finalized", "contract already finalized")
	ErrNotBothApproved    = newError(KindState, "not_both_approved", "completion not approved by both parties")
	ErrAlreadyVoted       = newError(KindState, "already_voted", "admin already voted this cycle")
	ErrNotEnoughVotes     = newError(KindState, "not_enough_votes", "both admins must vote before resolution")
	ErrVoteNotForWorker   = newError(KindState, "vote_not_for_worker", "vote does not favour the worker")
	ErrVoteNotForEmployer = newError(KindState, "vote_not_for_employer", "vote does not favour the employer")
	ErrDisputeExhausted   = newError(KindState, "dispute_exhausted", "dispute cycle already used")
	ErrSettlementPending  = newError(KindState, "settlement_pending", "an interrupted settlement must complete first")
	ErrTransferConflict   = newError(KindState, "transfer_conflict", "transfer leg already applied with different terms")

	ErrMath = newError(KindArithmetic, "math_error", "arithmetic overflow or underflow")

	ErrRefundDisabled = newError(KindPolicy, "refund_disabled", "refund disabled by deployment policy")
	ErrModulePaused   = newError(KindPolicy, "module_paused", "escrow module paused")

	ErrLegFailed = newError(KindTransfer, "leg_failed", "transfer leg failed")

	ErrContractNotFound = newError(KindNotFound, "not_found", "contract not found")
)

// KindOf returns the classification of err or KindUnknown when err did not
// originate from the engine.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable error code for err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return "internal"
}
