package fly402

import (
	"errors"
	"net/http"
	"time"
)

// ErrorKind is the category of a payment failure.
type ErrorKind string

const (
	PaymentRequired            ErrorKind = "payment_required"             // Challenge present but not paid.
	PaymentExpired             ErrorKind = "payment_expired"              // Challenge expired before settlement.
	InsufficientFunds          ErrorKind = "insufficient_funds"           // Payer balance or spend ceiling below the amount.
	PaymentVerificationFailed  ErrorKind = "payment_verification_failed"  // Ledger state does not match the authorization.
	TransactionBroadcastFailed ErrorKind = "transaction_broadcast_failed" // Submission or confirmation failed.
	InvalidPaymentRequest      ErrorKind = "invalid_payment_request"      // Malformed challenge or authorization.
	PaymentTimeout             ErrorKind = "payment_timeout"              // Overall deadline of an automatic payment elapsed.
)

// Reason narrows an [ErrorKind] to the specific check that failed.
type Reason string

const (
	ReasonWrongAmount         Reason = "wrong_amount"
	ReasonWrongRecipient      Reason = "wrong_recipient"
	ReasonWrongAsset          Reason = "wrong_asset"
	ReasonWrongNetwork        Reason = "wrong_network"
	ReasonExpired             Reason = "expired"
	ReasonAlreadyUsed         Reason = "already_used"
	ReasonNotFound            Reason = "not_found"
	ReasonUnknownReference    Reason = "unknown_reference"
	ReasonReferenceMismatch   Reason = "reference_mismatch"
	ReasonTransactionFailed   Reason = "transaction_failed"
	ReasonNotConfirmed        Reason = "not_confirmed"
	ReasonMalformed           Reason = "malformed"
	ReasonCeilingExceeded     Reason = "ceiling_exceeded"
	ReasonBalanceTooLow       Reason = "balance_too_low"
	ReasonRejected            Reason = "rejected"
	ReasonUnavailable         Reason = "unavailable"
	ReasonConfirmationTimeout Reason = "confirmation_timeout"
	ReasonRepeatedChallenge   Reason = "repeated_challenge"
)

// Remediation tells a caller what to do after a failure.
type Remediation string

const (
	// RebuildAndRetry means obtain a fresh challenge and pay again.
	RebuildAndRetry Remediation = "rebuild_and_retry"
	// Abort means paying again would fail the same way.
	Abort Remediation = "abort"
	// NeverResend means the authorization was already spent.
	NeverResend Remediation = "never_resend"
	// InspectTransaction means funds may have moved; check the ledger
	// before deciding anything.
	InspectTransaction Remediation = "inspect_transaction"
)

// Sentinels for errors.Is. A sentinel without a reason matches every
// reason of its kind.
var (
	ErrPaymentRequired       = &Error{Kind: PaymentRequired}
	ErrPaymentExpired        = &Error{Kind: PaymentExpired}
	ErrInsufficientFunds     = &Error{Kind: InsufficientFunds}
	ErrVerificationFailed    = &Error{Kind: PaymentVerificationFailed}
	ErrBroadcastFailed       = &Error{Kind: TransactionBroadcastFailed}
	ErrInvalidPaymentRequest = &Error{Kind: InvalidPaymentRequest}
	ErrPaymentTimeout        = &Error{Kind: PaymentTimeout}

	ErrAlreadyConsumed   = &Error{Kind: PaymentVerificationFailed, Reason: ReasonAlreadyUsed}
	ErrCeilingExceeded   = &Error{Kind: InsufficientFunds, Reason: ReasonCeilingExceeded}
	ErrRepeatedChallenge = &Error{Kind: PaymentRequired, Reason: ReasonRepeatedChallenge}
)

// Error is a categorized payment failure with enough detail to decide
// programmatically whether to retry, abort or escalate.
type Error struct {
	Kind    ErrorKind `json:"error"`
	Reason  Reason    `json:"reason,omitempty"`
	Message string    `json:"message"`

	Reference            string `json:"reference,omitempty"`
	Expected             string `json:"expected,omitempty"`
	Actual               string `json:"actual,omitempty"`
	TransactionSignature string `json:"transactionSignature,omitempty"`
	// ExpiryDelta is how far past (positive) or before (negative) the
	// challenge expiry the failing event happened.
	ExpiryDelta time.Duration `json:"-"`

	cause error
}

// Error makes *Error satisfy the stdlib error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
		if e.Reason != "" {
			msg += ": " + string(e.Reason)
		}
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying ledger or transport error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error by kind, and by reason when the target sets
// one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Remediation classifies the failure for the caller.
func (e *Error) Remediation() Remediation {
	if e == nil {
		return Abort
	}
	switch e.Kind {
	case PaymentExpired:
		return RebuildAndRetry
	case PaymentRequired:
		if e.Reason == ReasonRepeatedChallenge {
			return Abort
		}
		return RebuildAndRetry
	case PaymentVerificationFailed:
		switch e.Reason {
		case ReasonAlreadyUsed:
			return NeverResend
		case ReasonExpired, ReasonUnknownReference:
			return RebuildAndRetry
		case ReasonNotFound, ReasonNotConfirmed, ReasonUnavailable:
			return InspectTransaction
		default:
			return Abort
		}
	case TransactionBroadcastFailed:
		switch e.Reason {
		case ReasonRejected:
			return RebuildAndRetry
		case ReasonTransactionFailed:
			return Abort
		default:
			return InspectTransaction
		}
	case PaymentTimeout:
		if e.TransactionSignature != "" {
			return InspectTransaction
		}
		return RebuildAndRetry
	default:
		return Abort
	}
}

// reasonOf extracts the most specific classification of err.
func reasonOf(err error) Reason {
	var perr *Error
	if !errors.As(err, &perr) {
		return "internal"
	}
	if perr.Reason != "" {
		return perr.Reason
	}
	return Reason(perr.Kind)
}

func (e *Error) httpStatus() int {
	switch e.Kind {
	case InvalidPaymentRequest:
		return http.StatusBadRequest
	case TransactionBroadcastFailed:
		return http.StatusBadGateway
	case PaymentTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusPaymentRequired
	}
}

type errorOption func(*Error)

// WithReference records the challenge reference involved.
func WithReference(reference string) errorOption {
	return func(er *Error) {
		er.Reference = reference
	}
}

// WithExpectedActual records the mismatching values.
func WithExpectedActual(expected, actual string) errorOption {
	return func(er *Error) {
		er.Expected = expected
		er.Actual = actual
	}
}

// WithTransactionSignature records the ledger transaction involved.
func WithTransactionSignature(signature string) errorOption {
	return func(er *Error) {
		er.TransactionSignature = signature
	}
}

// WithExpiryDelta records the distance from the challenge expiry.
func WithExpiryDelta(d time.Duration) errorOption {
	return func(er *Error) {
		er.ExpiryDelta = d
	}
}

// WithCause attaches the underlying error for errors.Is and errors.As.
func WithCause(err error) errorOption {
	return func(er *Error) {
		er.cause = err
	}
}

// NewPaymentRequiredError reports an unpaid challenge.
func NewPaymentRequiredError(reason Reason, message string, opts ...errorOption) *Error {
	return newError(PaymentRequired, reason, message, opts...)
}

// NewPaymentExpiredError reports a challenge that expired before it was paid.
func NewPaymentExpiredError(message string, opts ...errorOption) *Error {
	return newError(PaymentExpired, ReasonExpired, message, opts...)
}

// NewInsufficientFundsError reports a low balance or an exceeded spend ceiling.
func NewInsufficientFundsError(reason Reason, message string, opts ...errorOption) *Error {
	return newError(InsufficientFunds, reason, message, opts...)
}

// NewVerificationError reports an authorization the ledger does not back.
func NewVerificationError(reason Reason, message string, opts ...errorOption) *Error {
	return newError(PaymentVerificationFailed, reason, message, opts...)
}

// NewBroadcastError reports a failed submission or confirmation.
func NewBroadcastError(reason Reason, message string, opts ...errorOption) *Error {
	return newError(TransactionBroadcastFailed, reason, message, opts...)
}

// NewInvalidPaymentRequestError reports a malformed challenge or authorization.
func NewInvalidPaymentRequestError(message string, opts ...errorOption) *Error {
	return newError(InvalidPaymentRequest, ReasonMalformed, message, opts...)
}

// NewPaymentTimeoutError reports an elapsed payment deadline.
func NewPaymentTimeoutError(message string, opts ...errorOption) *Error {
	return newError(PaymentTimeout, "", message, opts...)
}

func newError(kind ErrorKind, reason Reason, message string, opts ...errorOption) *Error {
	errPayload := &Error{
		Kind:    kind,
		Reason:  reason,
		Message: message,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(errPayload)
	}
	return errPayload
}
