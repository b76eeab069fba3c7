package fly402

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fly402/fly402-go/ledger"
)

const (
	defaultConfirmationTimeout = 30 * time.Second
	defaultPollInterval        = 250 * time.Millisecond
)

// Processor is the ledger-facing engine. Clients use it to build and
// submit payments; servers use it to verify them. A Processor owns the
// [ReferenceStore] that enforces single use of references.
type Processor struct {
	ledger              ledger.Client
	network             string
	references          ReferenceStore
	clock               func() time.Time
	confirmationTimeout time.Duration
	minConfirmations    uint64
	pollInterval        time.Duration
	logger              *slog.Logger
	metrics             *Metrics
}

// ProcessorOption customizes a [Processor].
type ProcessorOption func(*Processor)

// ProcessorWithReferenceStore replaces the default in-memory registry.
func ProcessorWithReferenceStore(store ReferenceStore) ProcessorOption {
	return func(p *Processor) {
		if store != nil {
			p.references = store
		}
	}
}

// ProcessorWithNetwork pins the network the ledger client serves.
// Requests for any other network are refused before touching the ledger.
func ProcessorWithNetwork(network string) ProcessorOption {
	return func(p *Processor) {
		p.network = network
	}
}

// ProcessorWithConfirmationTimeout bounds the wait after broadcast.
func ProcessorWithConfirmationTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.confirmationTimeout = d
	}
}

// ProcessorWithMinConfirmations sets the settlement depth. It must be at
// least 1.
func ProcessorWithMinConfirmations(n uint64) ProcessorOption {
	return func(p *Processor) {
		p.minConfirmations = n
	}
}

// ProcessorWithPollInterval sets how often signature status is polled.
func ProcessorWithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.pollInterval = d
	}
}

// ProcessorWithClock provides deterministic time in tests.
func ProcessorWithClock(fn func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.clock = fn
	}
}

// ProcessorWithLogger sets the structured logger.
func ProcessorWithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// ProcessorWithMetrics records verification and broadcast metrics.
func ProcessorWithMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor creates a processor over client.
func NewProcessor(client ledger.Client, opts ...ProcessorOption) (*Processor, error) {
	if client == nil {
		return nil, errors.New("fly402: ledger client is required")
	}
	p := &Processor{
		ledger:              client,
		clock:               time.Now,
		confirmationTimeout: defaultConfirmationTimeout,
		minConfirmations:    1,
		pollInterval:        defaultPollInterval,
		logger:              slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(p)
	}
	var errs []error
	if p.confirmationTimeout <= 0 {
		errs = append(errs, errors.New("confirmation timeout must be positive"))
	}
	if p.minConfirmations == 0 {
		errs = append(errs, errors.New("min confirmations must be at least 1"))
	}
	if p.pollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("fly402: invalid processor options: %w", errors.Join(errs...))
	}
	if p.references == nil {
		p.references = NewMemoryReferenceStore(MemoryStoreWithClock(p.clock))
	}
	return p, nil
}

// NewProcessorFromConfig applies the network and confirmation settings
// of cfg before opts.
func NewProcessorFromConfig(cfg Config, client ledger.Client, opts ...ProcessorOption) (*Processor, error) {
	base := []ProcessorOption{
		ProcessorWithNetwork(cfg.Network),
		ProcessorWithConfirmationTimeout(cfg.ConfirmationTimeout),
		ProcessorWithMinConfirmations(cfg.MinConfirmations),
	}
	return NewProcessor(client, append(base, opts...)...)
}

// References returns the registry this processor consumes references in.
func (p *Processor) References() ReferenceStore {
	return p.references
}

// Network returns the pinned network, or "" when none was set.
func (p *Processor) Network() string {
	return p.network
}

// BuildTransferTransaction builds the unsigned payment for req: one
// transfer of the exact base-unit amount from payer to the recipient and
// one memo carrying the reference, bound to a recent block hash.
func (p *Processor) BuildTransferTransaction(ctx context.Context, req PaymentRequest, payer string) (*ledger.Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if payer == "" {
		return nil, NewInvalidPaymentRequestError("payer address is required", WithReference(req.Reference))
	}
	if now := p.clock(); req.Expired(now) {
		return nil, newError(InvalidPaymentRequest, ReasonExpired, "payment request expired",
			WithReference(req.Reference), WithExpiryDelta(now.Sub(req.ExpiresAt)))
	}
	if p.network != "" && req.Network != p.network {
		return nil, newError(InvalidPaymentRequest, ReasonWrongNetwork, "payment request targets another network",
			WithReference(req.Reference), WithExpectedActual(p.network, req.Network))
	}

	mint, err := p.ledger.Mint(ctx, req.AssetID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, newError(InvalidPaymentRequest, ReasonWrongAsset, "asset is unknown to the ledger",
				WithReference(req.Reference), WithCause(err))
		}
		return nil, p.ledgerUnavailable("read mint", req.Reference, err)
	}
	units, err := toBaseUnits(req.Amount, mint.Decimals)
	if err != nil {
		return nil, NewInvalidPaymentRequestError(err.Error(), WithReference(req.Reference))
	}

	balance, err := p.ledger.Balance(ctx, payer, req.AssetID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, p.ledgerUnavailable("read balance", req.Reference, err)
	}
	if balance < units {
		return nil, NewInsufficientFundsError(ReasonBalanceTooLow, "payer balance is below the requested amount",
			WithReference(req.Reference),
			WithExpectedActual(req.Amount.String(), fromBaseUnits(balance, mint.Decimals).String()))
	}

	blockhash, err := p.ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, p.ledgerUnavailable("read blockhash", req.Reference, err)
	}
	transfer, err := ledger.NewTransferInstruction(ledger.TransferInstruction{
		Source:      payer,
		Destination: req.RecipientAddress,
		Asset:       req.AssetID,
		Amount:      units,
	})
	if err != nil {
		return nil, err
	}
	memo, err := ledger.NewMemoInstruction(req.Reference)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("payment transaction built",
		"reference", req.Reference, "amount", req.Amount.String(), "payer", payer)
	return &ledger.Transaction{
		Network:         req.Network,
		FeePayer:        payer,
		RecentBlockhash: blockhash,
		Instructions:    []ledger.Instruction{transfer, memo},
	}, nil
}

// SubmitSignedTransaction broadcasts tx and waits until it reaches the
// minimum confirmation depth or the confirmation timeout elapses. It
// never retries: resending a broadcast payment risks paying twice. On
// failure after broadcast the returned error carries the signature.
func (p *Processor) SubmitSignedTransaction(ctx context.Context, tx ledger.SignedTransaction) (string, error) {
	start := p.clock()
	sig, err := p.ledger.SendTransaction(ctx, tx)
	if err != nil {
		reason := ReasonUnavailable
		if errors.Is(err, ledger.ErrRejected) {
			reason = ReasonRejected
		}
		p.logger.Warn("payment broadcast failed", "reason", reason, "error", err)
		return "", NewBroadcastError(reason, "ledger did not accept the transaction",
			WithTransactionSignature(tx.Signature), WithCause(err))
	}
	p.logger.Debug("payment broadcast", "transaction", sig)

	if err := p.awaitConfirmation(ctx, sig); err != nil {
		return "", err
	}
	p.metrics.broadcast(p.clock().Sub(start))
	p.logger.Info("payment confirmed", "transaction", sig)
	return sig, nil
}

func (p *Processor) awaitConfirmation(ctx context.Context, sig string) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		status, err := p.ledger.SignatureStatus(waitCtx, sig)
		switch {
		case err == nil && status.Err != "":
			return NewBroadcastError(ReasonTransactionFailed, "transaction failed on the ledger: "+status.Err,
				WithTransactionSignature(sig))
		case err == nil && status.Confirmations >= p.minConfirmations:
			return nil
		case err != nil && !errors.Is(err, ledger.ErrNotFound):
			lastErr = err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return NewBroadcastError(ReasonUnavailable, "confirmation wait interrupted",
					WithTransactionSignature(sig), WithCause(ctx.Err()))
			}
			msg := fmt.Sprintf("transaction not confirmed within %s", p.confirmationTimeout)
			if lastErr != nil {
				msg += ": " + lastErr.Error()
			}
			return NewBroadcastError(ReasonConfirmationTimeout, msg, WithTransactionSignature(sig))
		case <-ticker.C:
		}
	}
}

// VerifyPayment checks auth against req using ledger state only and, on
// success, consumes the reference. Checks run in order: authorization
// shape, reference, network, prior consumption, transaction existence,
// success and depth, transfer recipient, asset and amount, memo, block
// time against expiry, and finally the atomic consume.
func (p *Processor) VerifyPayment(ctx context.Context, auth PaymentAuthorization, req PaymentRequest) (verified *VerifiedPayment, err error) {
	start := p.clock()
	defer func() {
		p.metrics.verification(err, p.clock().Sub(start))
		if err != nil {
			p.logger.Info("payment rejected",
				"reference", req.Reference, "transaction", auth.TransactionSignature, "reason", reasonOf(err))
		}
	}()

	ref := req.Reference
	if err := auth.Validate(); err != nil {
		return nil, NewVerificationError(ReasonMalformed, "authorization is malformed", WithReference(ref), WithCause(err))
	}
	sig := auth.TransactionSignature
	if auth.Reference != ref {
		return nil, NewVerificationError(ReasonReferenceMismatch, "authorization answers another challenge",
			WithReference(ref), WithExpectedActual(ref, auth.Reference), WithTransactionSignature(sig))
	}
	if auth.Network != req.Network {
		return nil, NewVerificationError(ReasonWrongNetwork, "authorization targets another network",
			WithReference(ref), WithExpectedActual(req.Network, auth.Network), WithTransactionSignature(sig))
	}

	status, err := p.references.Status(ctx, ref)
	switch {
	case errors.Is(err, ErrReferenceNotFound):
		return nil, NewVerificationError(ReasonUnknownReference, "reference was not issued or has been purged",
			WithReference(ref), WithTransactionSignature(sig))
	case err != nil:
		return nil, NewVerificationError(ReasonUnavailable, "reference registry unavailable",
			WithReference(ref), WithCause(err))
	case status == ReferenceConsumed:
		return nil, NewVerificationError(ReasonAlreadyUsed, "reference already settled a payment",
			WithReference(ref), WithTransactionSignature(sig))
	}

	rec, err := p.ledger.Transaction(ctx, sig)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, NewVerificationError(ReasonNotFound, "transaction not found on the ledger",
				WithReference(ref), WithTransactionSignature(sig), WithCause(err))
		}
		return nil, NewVerificationError(ReasonUnavailable, "ledger unavailable",
			WithReference(ref), WithTransactionSignature(sig), WithCause(err))
	}
	if !rec.Succeeded() {
		return nil, NewVerificationError(ReasonTransactionFailed, "transaction failed on the ledger: "+rec.Err,
			WithReference(ref), WithTransactionSignature(sig))
	}
	if rec.Confirmations < p.minConfirmations {
		return nil, NewVerificationError(ReasonNotConfirmed, "transaction has not reached the confirmation depth",
			WithReference(ref), WithTransactionSignature(sig),
			WithExpectedActual(fmt.Sprint(p.minConfirmations), fmt.Sprint(rec.Confirmations)))
	}
	if rec.Transaction.Network != req.Network {
		return nil, NewVerificationError(ReasonWrongNetwork, "transaction settled on another network",
			WithReference(ref), WithTransactionSignature(sig), WithExpectedActual(req.Network, rec.Transaction.Network))
	}

	transfer, err := p.singleTransfer(rec, ref)
	if err != nil {
		return nil, err
	}
	if transfer.Destination != req.RecipientAddress {
		return nil, NewVerificationError(ReasonWrongRecipient, "transfer pays another recipient",
			WithReference(ref), WithTransactionSignature(sig), WithExpectedActual(req.RecipientAddress, transfer.Destination))
	}
	if transfer.Asset != req.AssetID {
		return nil, NewVerificationError(ReasonWrongAsset, "transfer moves another asset",
			WithReference(ref), WithTransactionSignature(sig), WithExpectedActual(req.AssetID, transfer.Asset))
	}
	mint, err := p.ledger.Mint(ctx, req.AssetID)
	if err != nil {
		return nil, NewVerificationError(ReasonUnavailable, "asset decimals unavailable",
			WithReference(ref), WithTransactionSignature(sig), WithCause(err))
	}
	expected, err := toBaseUnits(req.Amount, mint.Decimals)
	if err != nil {
		return nil, NewVerificationError(ReasonWrongAmount, err.Error(), WithReference(ref), WithTransactionSignature(sig))
	}
	paid := fromBaseUnits(transfer.Amount, mint.Decimals)
	if transfer.Amount != expected {
		return nil, NewVerificationError(ReasonWrongAmount, "transfer amount differs from the requested amount",
			WithReference(ref), WithTransactionSignature(sig), WithExpectedActual(req.Amount.String(), paid.String()))
	}

	memos, err := rec.Transaction.Memos()
	if err != nil || len(memos) != 1 || memos[0] != ref {
		actual := ""
		if len(memos) > 0 {
			actual = memos[0]
		}
		return nil, NewVerificationError(ReasonReferenceMismatch, "transaction memo does not carry the reference",
			WithReference(ref), WithTransactionSignature(sig), WithExpectedActual(ref, actual))
	}

	if !rec.BlockTime.Before(req.ExpiresAt) {
		return nil, NewVerificationError(ReasonExpired, "transaction settled after the challenge expired",
			WithReference(ref), WithTransactionSignature(sig), WithExpiryDelta(rec.BlockTime.Sub(req.ExpiresAt)))
	}

	if err := p.references.Consume(ctx, ref, sig); err != nil {
		switch {
		case errors.Is(err, ErrReferenceConsumed):
			return nil, NewVerificationError(ReasonAlreadyUsed, "reference already settled a payment",
				WithReference(ref), WithTransactionSignature(sig))
		case errors.Is(err, ErrReferenceNotFound):
			return nil, NewVerificationError(ReasonUnknownReference, "reference was not issued or has been purged",
				WithReference(ref), WithTransactionSignature(sig))
		default:
			return nil, NewVerificationError(ReasonUnavailable, "reference registry unavailable",
				WithReference(ref), WithTransactionSignature(sig), WithCause(err))
		}
	}

	p.logger.Info("payment verified", "reference", ref, "transaction", sig, "amount", paid.String())
	return &VerifiedPayment{
		Reference:            ref,
		TransactionSignature: sig,
		PayerAddress:         transfer.Source,
		Amount:               paid,
		AssetID:              transfer.Asset,
		Network:              rec.Transaction.Network,
		Slot:                 rec.Slot,
		BlockTime:            rec.BlockTime,
	}, nil
}

// ConsumeUnverified accepts auth without consulting the ledger. It still
// enforces reference match and single use. Only a guard built with
// WithUnverifiedPaymentsForTesting calls it.
func (p *Processor) ConsumeUnverified(ctx context.Context, auth PaymentAuthorization, req PaymentRequest) (*VerifiedPayment, error) {
	if err := auth.Validate(); err != nil {
		return nil, NewVerificationError(ReasonMalformed, "authorization is malformed", WithReference(req.Reference), WithCause(err))
	}
	if auth.Reference != req.Reference {
		return nil, NewVerificationError(ReasonReferenceMismatch, "authorization answers another challenge",
			WithReference(req.Reference), WithExpectedActual(req.Reference, auth.Reference))
	}
	if err := p.references.Consume(ctx, req.Reference, auth.TransactionSignature); err != nil {
		if errors.Is(err, ErrReferenceConsumed) {
			return nil, NewVerificationError(ReasonAlreadyUsed, "reference already settled a payment", WithReference(req.Reference))
		}
		return nil, NewVerificationError(ReasonUnknownReference, "reference was not issued or has been purged",
			WithReference(req.Reference), WithCause(err))
	}
	p.logger.Warn("payment accepted WITHOUT ledger verification",
		"reference", req.Reference, "transaction", auth.TransactionSignature, "amount", auth.Amount.String())
	return &VerifiedPayment{
		Reference:            req.Reference,
		TransactionSignature: auth.TransactionSignature,
		PayerAddress:         auth.PayerAddress,
		Amount:               auth.Amount,
		AssetID:              auth.AssetID,
		Network:              auth.Network,
		Unverified:           true,
	}, nil
}

func (p *Processor) singleTransfer(rec *ledger.TransactionRecord, ref string) (ledger.TransferInstruction, error) {
	transfers, err := rec.Transaction.Transfers()
	if err != nil {
		return ledger.TransferInstruction{}, NewVerificationError(ReasonMalformed, "transaction instructions are malformed",
			WithReference(ref), WithTransactionSignature(rec.Signature), WithCause(err))
	}
	if len(transfers) != 1 {
		return ledger.TransferInstruction{}, NewVerificationError(ReasonMalformed, "transaction must carry exactly one transfer",
			WithReference(ref), WithTransactionSignature(rec.Signature),
			WithExpectedActual("1", fmt.Sprint(len(transfers))))
	}
	return transfers[0], nil
}

func (p *Processor) ledgerUnavailable(op, ref string, err error) *Error {
	return NewBroadcastError(ReasonUnavailable, op+" failed", WithReference(ref), WithCause(err))
}
