// Package errorkinds enumerates the pipeline's terminal error conditions as
// sentinel errors, mirroring the source's per-subsystem sentinel error files.
package errorkinds

import stderrors "errors"

var (
	// ErrBadSignature covers a malformed signature or a recovery failure.
	ErrBadSignature = stderrors.New("auth: bad signature")
	// ErrStaleOrFuture covers a request timestamp outside the skew window.
	ErrStaleOrFuture = stderrors.New("auth: timestamp stale or in the future")
	// ErrReplay covers a signature already observed within the skew window.
	ErrReplay = stderrors.New("auth: signature replay")
	// ErrNoAuth covers a request missing its signature or timestamp header,
	// including one whose payment header was already settled.
	ErrNoAuth = stderrors.New("auth: missing signature headers")
	// ErrInsufficientBalance covers a debit attempted against an exhausted balance.
	ErrInsufficientBalance = stderrors.New("balance: insufficient funds")
	// ErrPaymentInvalid covers a facilitator verification rejection.
	ErrPaymentInvalid = stderrors.New("payment: invalid payment")
	// ErrPaymentSettleFailed covers a facilitator settlement failure or timeout.
	ErrPaymentSettleFailed = stderrors.New("payment: settlement failed")
	// ErrUpstreamUnavailable covers a transport-level failure to reach the upstream node.
	ErrUpstreamUnavailable = stderrors.New("upstream: unavailable")
	// ErrInternal covers storage corruption and other unexpected local failures.
	ErrInternal = stderrors.New("internal error")
)
