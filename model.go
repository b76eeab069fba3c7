package fly402

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProtocolVersion is the version of the challenge envelope.
const ProtocolVersion = 1

const (
	// HeaderAuthorization carries the base64-encoded JSON
	// [PaymentAuthorization] on a retried request.
	HeaderAuthorization = "X-Payment-Authorization"
	// HeaderTransaction echoes the settling transaction signature on a
	// paid response.
	HeaderTransaction = "X-Payment-Transaction"
	// HeaderVersion is set on every challenge response.
	HeaderVersion = "X402-Version"
)

// MaxAmountScale is the largest number of fractional digits an amount
// may carry before the asset's own decimals are considered.
const MaxAmountScale = 18

// PaymentRequest is a server-issued demand for payment.
type PaymentRequest struct {
	// Amount in whole asset units.
	//
	// Example: "0.01"
	Amount decimal.Decimal `json:"amount" validate:"positive_decimal"`
	// Ledger account that receives the payment.
	RecipientAddress string `json:"recipientAddress" validate:"required,max=128"`
	// Ledger-native identifier of the asset (mint).
	//
	// Example: USD-stable
	AssetID string `json:"assetId" validate:"required,max=128"`
	// Ledger network identifier.
	//
	// Example: devnet
	Network string `json:"network" validate:"required,max=64"`
	// Server-generated single-use correlation token.
	Reference string `json:"reference" validate:"required,max=128"`
	// Formatted as an RFC 3339 string.
	//
	// Example: 2025-09-25T10:30:00Z
	ExpiresAt time.Time `json:"expiresAt" validate:"required"`
	// Opaque resource description.
	Description string `json:"description" validate:"max=512"`
	// Method and path of the protected request the challenge was issued
	// for. A reference only pays for this resource.
	//
	// Example: GET /weather
	Resource string `json:"resource,omitempty" validate:"max=2048"`
}

// Expired reports whether the request can no longer be paid at now.
func (r PaymentRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// PaymentAuthorization is the client's proof of an attempted payment.
type PaymentAuthorization struct {
	TransactionSignature string          `json:"transactionSignature" validate:"required,max=256"`
	PayerAddress         string          `json:"payerAddress" validate:"required,max=128"`
	Reference            string          `json:"reference" validate:"required,max=128"`
	Amount               decimal.Decimal `json:"amount" validate:"positive_decimal"`
	AssetID              string          `json:"assetId" validate:"required,max=128"`
	Network              string          `json:"network" validate:"required,max=64"`
	// Client-side creation time.
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// Challenge is the body of a 402 response.
type Challenge struct {
	Version int       `json:"x402Version"`
	Error   ErrorKind `json:"error"`
	// Reason is set when a previous authorization was rejected.
	Reason         Reason         `json:"reason,omitempty"`
	Message        string         `json:"message,omitempty"`
	PaymentRequest PaymentRequest `json:"paymentRequest"`
}

// VerifiedPayment is the ledger-derived result of a successful
// verification. Payer and amount come from the chain, not from the
// authorization.
type VerifiedPayment struct {
	Reference            string          `json:"reference"`
	TransactionSignature string          `json:"transactionSignature"`
	PayerAddress         string          `json:"payerAddress"`
	Amount               decimal.Decimal `json:"amount"`
	AssetID              string          `json:"assetId"`
	Network              string          `json:"network"`
	Slot                 uint64          `json:"slot"`
	BlockTime            time.Time       `json:"blockTime"`
	// Unverified is true only for payments accepted by a guard built with
	// WithUnverifiedPaymentsForTesting.
	Unverified bool `json:"unverified,omitempty"`
}
