package fly402

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// Price is what a [PricingPolicy] charges for one request.
type Price struct {
	Amount      decimal.Decimal
	Description string
}

// PricingPolicy prices protected requests. Recipient, asset and network
// always come from the guard's [Config].
type PricingPolicy interface {
	Price(r *http.Request) (Price, error)
}

// PricingFunc lifts bare functions into [PricingPolicy].
type PricingFunc func(r *http.Request) (Price, error)

// Price implements [PricingPolicy].
func (f PricingFunc) Price(r *http.Request) (Price, error) {
	return f(r)
}

// FixedPrice charges the same amount for every request.
type FixedPrice Price

// Price implements [PricingPolicy].
func (p FixedPrice) Price(*http.Request) (Price, error) {
	return Price(p), nil
}

// Guard enforces payment in front of protected handlers.
type Guard struct {
	cfg       Config
	processor *Processor
	opts      config
}

// NewGuard builds a guard for the deployment described by cfg. The
// processor's reference store is the single-use registry.
func NewGuard(cfg Config, processor *Processor, opts ...Option) (*Guard, error) {
	if processor == nil {
		return nil, errors.New("fly402: processor is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&o)
	}
	if o.unverifiedPayments && cfg.Environment != Development {
		return nil, fmt.Errorf("fly402: unverified payments are only allowed in the %s environment", Development)
	}
	if !cfg.AutoVerify && !o.unverifiedPayments {
		return nil, errors.New("fly402: autoVerify=false requires WithUnverifiedPaymentsForTesting")
	}
	if o.webhook != nil && (o.webhook.endpoint == "" || len(o.webhook.secret) == 0) {
		return nil, errors.New("fly402: webhook endpoint and secret key are required")
	}
	if o.unverifiedPayments {
		o.logger.Warn("guard accepts payments WITHOUT ledger verification; development use only")
	}
	return &Guard{cfg: cfg, processor: processor, opts: o}, nil
}

// DefaultPricing charges the configured default amount.
func (g *Guard) DefaultPricing() PricingPolicy {
	return FixedPrice{Amount: g.cfg.DefaultAmount, Description: g.cfg.Description}
}

// Protect wraps handler so it only runs for paid requests. A nil
// pricing uses [Guard.DefaultPricing].
func (g *Guard) Protect(handler http.Handler, pricing PricingPolicy) http.Handler {
	if handler == nil {
		panic("fly402: handler is required")
	}
	if pricing == nil {
		pricing = g.DefaultPricing()
	}
	h := func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, handler, pricing)
	}
	return applyMiddleware(h, g.opts.middleware...)
}

// Middleware adapts [Guard.Protect] to routers that take
// func(http.Handler) http.Handler.
func (g *Guard) Middleware(pricing PricingPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.Protect(next, pricing)
	}
}

func (g *Guard) serve(w http.ResponseWriter, r *http.Request, handler http.Handler, pricing PricingPolicy) {
	if g.opts.exempt(r.URL.Path) {
		handler.ServeHTTP(w, r)
		return
	}
	logger := g.opts.logger.With("method", r.Method, "path", r.URL.Path)

	header := strings.TrimSpace(r.Header.Get(HeaderAuthorization))
	if header == "" {
		g.challenge(w, r, pricing, nil)
		return
	}

	auth, err := DecodeAuthorization(header)
	if err != nil {
		logger.Info("malformed payment authorization", "error", err)
		g.challenge(w, r, pricing, err)
		return
	}

	rec, err := g.processor.References().Lookup(r.Context(), auth.Reference)
	if err != nil {
		if !errors.Is(err, ErrReferenceNotFound) {
			logger.Error("reference lookup failed", "reference", auth.Reference, "error", err)
			writeServerError(w, http.StatusServiceUnavailable, "payment registry unavailable")
			return
		}
		logger.Info("payment for unknown reference", "reference", auth.Reference)
		g.challenge(w, r, pricing, NewVerificationError(ReasonUnknownReference,
			"reference was not issued or has been purged", WithReference(auth.Reference)))
		return
	}

	price, err := pricing.Price(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := matchResource(r, rec.Request, price); err != nil {
		logger.Info("payment for another resource", "reference", auth.Reference, "error", err)
		g.notify(r.Context(), rejectionEvent(auth, err))
		g.challenge(w, r, pricing, err)
		return
	}

	var payment *VerifiedPayment
	if g.opts.unverifiedPayments {
		payment, err = g.processor.ConsumeUnverified(r.Context(), auth, rec.Request)
	} else {
		payment, err = g.processor.VerifyPayment(r.Context(), auth, rec.Request)
	}
	if err != nil {
		g.notify(r.Context(), rejectionEvent(auth, err))
		g.challenge(w, r, pricing, err)
		return
	}
	g.notify(r.Context(), PaymentVerified{Payment: *payment})

	logger.Info("payment accepted",
		"reference", payment.Reference, "transaction", payment.TransactionSignature, "amount", payment.Amount.String())
	w.Header().Set(HeaderTransaction, payment.TransactionSignature)
	ctx := contextWithPayment(r.Context(), paymentContextFromRequest(r, auth, payment))
	handler.ServeHTTP(w, r.WithContext(ctx))
}

// challenge issues a fresh reference and answers 402. cause, when set,
// is the rejection of the previous authorization.
func (g *Guard) challenge(w http.ResponseWriter, r *http.Request, pricing PricingPolicy, cause error) {
	price, err := pricing.Price(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	now := g.opts.clock()
	req := PaymentRequest{
		Amount:           price.Amount,
		RecipientAddress: g.cfg.PaymentAddress,
		AssetID:          g.cfg.AssetID,
		Network:          g.cfg.Network,
		Reference:        g.opts.newReference(),
		ExpiresAt:        now.Add(g.cfg.PaymentTimeout).UTC(),
		Description:      price.Description,
		Resource:         resourceOf(r),
	}
	if err := req.ValidateIssuance(now, g.cfg.PaymentTimeout); err != nil {
		g.opts.logger.Error("pricing produced an invalid payment request", "error", err)
		writeServerError(w, http.StatusInternalServerError, "invalid price configuration")
		return
	}
	if err := g.processor.References().Issue(r.Context(), req); err != nil {
		g.opts.logger.Error("reference issue failed", "reference", req.Reference, "error", err)
		writeServerError(w, http.StatusServiceUnavailable, "payment registry unavailable")
		return
	}
	g.opts.metrics.challengeIssued()

	challenge := Challenge{Error: PaymentRequired, PaymentRequest: req}
	var payErr *Error
	if errors.As(cause, &payErr) {
		challenge.Reason = payErr.Reason
		challenge.Message = payErr.Message
	}
	g.opts.logger.Debug("payment challenge issued",
		"reference", req.Reference, "amount", req.Amount.String(), "reason", challenge.Reason)
	writeChallenge(w, challenge)
}

func resourceOf(r *http.Request) string {
	return r.Method + " " + r.URL.Path
}

// matchResource rejects a reference issued for another resource or
// below the price r currently carries.
func matchResource(r *http.Request, req PaymentRequest, price Price) error {
	if resource := resourceOf(r); req.Resource != resource {
		return NewVerificationError(ReasonReferenceMismatch, "reference was issued for a different resource",
			WithReference(req.Reference), WithExpectedActual(resource, req.Resource))
	}
	if req.Amount.LessThan(price.Amount) {
		return NewVerificationError(ReasonWrongAmount, "reference was issued below the current price",
			WithReference(req.Reference), WithExpectedActual(price.Amount.String(), req.Amount.String()))
	}
	return nil
}
