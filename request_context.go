package fly402

import (
	"context"
	"net/http"
	"strings"
)

// PaymentContext is what a protected handler learns about the request
// that paid for it.
type PaymentContext struct {
	// Payment is the ledger-verified settlement.
	Payment *VerifiedPayment
	// Authorization is the decoded header as the client sent it.
	Authorization PaymentAuthorization
	// The preferred locale of the client.
	//
	// Example: en-US
	AcceptLanguage string
	// Information about the paying agent.
	//
	// Example: fly402-agent/1.0
	UserAgent string
	// Unique key for each request for tracing purposes.
	//
	// Example: request_id_123
	RequestID string
}

func paymentContextFromRequest(r *http.Request, auth PaymentAuthorization, payment *VerifiedPayment) *PaymentContext {
	return &PaymentContext{
		Payment:        payment,
		Authorization:  auth,
		AcceptLanguage: strings.TrimSpace(r.Header.Get("Accept-Language")),
		UserAgent:      strings.TrimSpace(r.Header.Get("User-Agent")),
		RequestID:      strings.TrimSpace(r.Header.Get("Request-Id")),
	}
}

type paymentContextKey struct{}

func contextWithPayment(ctx context.Context, paymentCtx *PaymentContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if paymentCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, paymentContextKey{}, paymentCtx)
}

// PaymentContextFromContext returns the payment details a [Guard]
// attached to a paid request, or nil.
func PaymentContextFromContext(ctx context.Context) *PaymentContext {
	if ctx == nil {
		return nil
	}
	if paymentCtx, ok := ctx.Value(paymentContextKey{}).(*PaymentContext); ok {
		return paymentCtx
	}
	return nil
}

// PaymentFromContext returns the verified payment of a paid request, or
// nil.
func PaymentFromContext(ctx context.Context) *VerifiedPayment {
	if paymentCtx := PaymentContextFromContext(ctx); paymentCtx != nil {
		return paymentCtx.Payment
	}
	return nil
}
