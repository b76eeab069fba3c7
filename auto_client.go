package fly402

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fly402/fly402-go/signer"
)

// DefaultAutoClientTimeout bounds one automatic paid call end to end.
const DefaultAutoClientTimeout = 60 * time.Second

// ErrClientClosed is returned by calls on a closed [AutoClient].
var ErrClientClosed = errors.New("fly402: client closed")

// AutoClient pays challenges automatically within a spend ceiling. Each
// call makes at most one payment and runs under a single wall-clock
// deadline covering sign, submit, confirm and retry.
type AutoClient struct {
	client     *Client
	signer     signer.Signer
	maxPayment decimal.Decimal
	timeout    time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type autoClientConfig struct {
	maxPayment    decimal.Decimal
	timeout       time.Duration
	clientOptions []ClientOption
}

// AutoClientOption customizes an [AutoClient].
type AutoClientOption func(*autoClientConfig)

// AutoClientWithMaxPaymentAmount sets the spend ceiling per call. It is
// required.
func AutoClientWithMaxPaymentAmount(amount decimal.Decimal) AutoClientOption {
	return func(cfg *autoClientConfig) {
		cfg.maxPayment = amount
	}
}

// AutoClientWithTimeout overrides [DefaultAutoClientTimeout].
func AutoClientWithTimeout(d time.Duration) AutoClientOption {
	return func(cfg *autoClientConfig) {
		cfg.timeout = d
	}
}

// AutoClientWithClientOptions configures the wrapped [Client].
func AutoClientWithClientOptions(opts ...ClientOption) AutoClientOption {
	return func(cfg *autoClientConfig) {
		cfg.clientOptions = append(cfg.clientOptions, opts...)
	}
}

// NewAutoClient creates a client that pays with s through processor.
func NewAutoClient(processor *Processor, s signer.Signer, opts ...AutoClientOption) (*AutoClient, error) {
	if processor == nil {
		return nil, errors.New("fly402: processor is required")
	}
	if s == nil {
		return nil, errors.New("fly402: signer is required")
	}
	cfg := autoClientConfig{timeout: DefaultAutoClientTimeout}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.maxPayment.Sign() <= 0 {
		return nil, errors.New("fly402: a positive max payment amount is required")
	}
	if cfg.timeout <= 0 {
		return nil, errors.New("fly402: auto client timeout must be positive")
	}
	return &AutoClient{
		client:     NewClient(processor, cfg.clientOptions...),
		signer:     s,
		maxPayment: cfg.maxPayment,
		timeout:    cfg.timeout,
	}, nil
}

// Get issues a GET for url.
func (a *AutoClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return a.Do(req)
}

// Do sends req and pays a challenge if one comes back. The returned
// response body must be closed; closing it ends the call's deadline.
func (a *AutoClient) Do(req *http.Request) (*http.Response, error) {
	if a.closed.Load() {
		return nil, ErrClientClosed
	}
	ctx, cancel := context.WithTimeout(req.Context(), a.timeout)
	resp, err := a.do(ctx, req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (a *AutoClient) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	c := a.client
	resp, pr, err := c.Do(req)
	if err != nil {
		return nil, a.timeoutOr(ctx, err, "")
	}
	if pr == nil {
		return resp, nil
	}

	if pr.Amount.GreaterThan(a.maxPayment) {
		c.metrics.payment("refused_ceiling")
		c.logger.Warn("payment refused: amount above ceiling",
			"reference", pr.Reference, "amount", pr.Amount.String(), "ceiling", a.maxPayment.String())
		return nil, NewInsufficientFundsError(ReasonCeilingExceeded, "requested amount exceeds the payment ceiling",
			WithReference(pr.Reference), WithExpectedActual(a.maxPayment.String(), pr.Amount.String()))
	}
	if now := c.clock(); pr.Expired(now) {
		c.metrics.payment("refused_expired")
		return nil, NewPaymentExpiredError("challenge expired before payment",
			WithReference(pr.Reference), WithExpiryDelta(now.Sub(pr.ExpiresAt)))
	}
	if network := c.processor.Network(); network != "" && pr.Network != network {
		c.metrics.payment("refused_network")
		return nil, newError(InvalidPaymentRequest, ReasonWrongNetwork, "challenge targets another network",
			WithReference(pr.Reference), WithExpectedActual(network, pr.Network))
	}

	retryResp, auth, err := c.payAndRetry(ctx, req, *pr, a.signer)
	if err != nil {
		sig := ""
		var payErr *Error
		if errors.As(err, &payErr) {
			sig = payErr.TransactionSignature
		}
		if auth != nil {
			sig = auth.TransactionSignature
		}
		return nil, a.timeoutOr(ctx, err, sig)
	}

	if retryResp.StatusCode == http.StatusPaymentRequired {
		var reason Reason
		if challenge, _, err := readChallenge(retryResp); err == nil {
			reason = challenge.Reason
		}
		c.metrics.payment("rejected")
		c.logger.Warn("server challenged again after payment",
			"reference", pr.Reference, "transaction", auth.TransactionSignature, "reason", reason)
		return nil, NewPaymentRequiredError(ReasonRepeatedChallenge,
			fmt.Sprintf("server demanded payment again after paying (reason %q)", reason),
			WithReference(pr.Reference), WithTransactionSignature(auth.TransactionSignature))
	}
	c.metrics.payment("paid")
	return retryResp, nil
}

// timeoutOr converts err into a [PaymentTimeout] error when the call's
// deadline caused it, and returns err unchanged otherwise.
func (a *AutoClient) timeoutOr(ctx context.Context, err error, sig string) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	a.client.metrics.payment("timeout")
	return NewPaymentTimeoutError(fmt.Sprintf("payment did not complete within %s", a.timeout),
		WithTransactionSignature(sig), WithCause(err))
}

// Close releases the signer and idle connections. It runs once; later
// calls return the first result.
func (a *AutoClient) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.client.CloseIdleConnections()
		if idle, ok := a.client.processor.ledger.(interface{ CloseIdleConnections() }); ok {
			idle.CloseIdleConnections()
		}
		if closer, ok := a.signer.(io.Closer); ok {
			a.closeErr = closer.Close()
		}
	})
	return a.closeErr
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
