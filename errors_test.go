package fly402

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/fly402/fly402-go/ledger"
)

func TestErrorIs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("pay: %w", NewVerificationError(ReasonAlreadyUsed, "reference already settled a payment"))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected kind sentinel to match")
	}
	if !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("expected reason sentinel to match")
	}
	if errors.Is(err, ErrBroadcastFailed) {
		t.Fatalf("unexpected match on another kind")
	}
	if errors.Is(NewVerificationError(ReasonExpired, "late"), ErrAlreadyConsumed) {
		t.Fatalf("unexpected match on another reason")
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	t.Parallel()

	err := NewBroadcastError(ReasonRejected, "ledger did not accept the transaction", WithCause(ledger.ErrRejected))
	if !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected cause to be reachable")
	}
	if got := err.Error(); got != "ledger did not accept the transaction: ledger: transaction rejected" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestErrorMessageFallback(t *testing.T) {
	t.Parallel()

	err := &Error{Kind: PaymentVerificationFailed, Reason: ReasonWrongAmount}
	if got := err.Error(); got != "payment_verification_failed: wrong_amount" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestErrorRemediation(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err  *Error
		want Remediation
	}{
		"expired challenge": {
			err:  NewPaymentExpiredError("late"),
			want: RebuildAndRetry,
		},
		"already used": {
			err:  NewVerificationError(ReasonAlreadyUsed, "spent"),
			want: NeverResend,
		},
		"wrong amount": {
			err:  NewVerificationError(ReasonWrongAmount, "short"),
			want: Abort,
		},
		"not yet visible": {
			err:  NewVerificationError(ReasonNotFound, "missing"),
			want: InspectTransaction,
		},
		"broadcast rejected": {
			err:  NewBroadcastError(ReasonRejected, "stale blockhash"),
			want: RebuildAndRetry,
		},
		"confirmation timeout": {
			err:  NewBroadcastError(ReasonConfirmationTimeout, "slow"),
			want: InspectTransaction,
		},
		"repeated challenge": {
			err:  NewPaymentRequiredError(ReasonRepeatedChallenge, "again"),
			want: Abort,
		},
		"ceiling": {
			err:  NewInsufficientFundsError(ReasonCeilingExceeded, "too expensive"),
			want: Abort,
		},
		"timeout before broadcast": {
			err:  NewPaymentTimeoutError("slow"),
			want: RebuildAndRetry,
		},
		"timeout after broadcast": {
			err:  NewPaymentTimeoutError("slow", WithTransactionSignature("sig-1")),
			want: InspectTransaction,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if got := tt.err.Remediation(); got != tt.want {
				t.Fatalf("expected %s got %s", tt.want, got)
			}
		})
	}
}

func TestErrorHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := map[ErrorKind]int{
		InvalidPaymentRequest:      http.StatusBadRequest,
		TransactionBroadcastFailed: http.StatusBadGateway,
		PaymentTimeout:             http.StatusGatewayTimeout,
		PaymentVerificationFailed:  http.StatusPaymentRequired,
		PaymentRequired:            http.StatusPaymentRequired,
	}
	for kind, want := range tests {
		if got := (&Error{Kind: kind}).httpStatus(); got != want {
			t.Fatalf("%s: expected %d got %d", kind, want, got)
		}
	}
}

func TestErrorJSON(t *testing.T) {
	t.Parallel()

	err := NewVerificationError(ReasonWrongAmount, "transfer amount differs from the requested amount",
		WithReference("ref-1"), WithExpectedActual("0.01", "0.009999"))
	raw, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("marshal: %v", marshalErr)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["error"] != "payment_verification_failed" || got["reason"] != "wrong_amount" || got["expected"] != "0.01" || got["actual"] != "0.009999" {
		t.Fatalf("unexpected body %s", raw)
	}
}
