package fly402

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fly402/fly402-go/signer"
)

const maxChallengeBytes = 64 << 10

// State is a step of one paid call.
type State int

const (
	StateIdle State = iota
	StateRequestSent
	StateChallengeReceived
	StatePaymentBuilt
	StatePaymentSigned
	StatePaymentSubmitted
	StateRetrySent
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateRequestSent:       "request_sent",
	StateChallengeReceived: "challenge_received",
	StatePaymentBuilt:      "payment_built",
	StatePaymentSigned:     "payment_signed",
	StatePaymentSubmitted:  "payment_submitted",
	StateRetrySent:         "retry_sent",
	StateCompleted:         "completed",
	StateFailed:            "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// StateObserver is told about every state transition of a call.
type StateObserver func(from, to State, reference string)

// Client is the explicit paying client: it surfaces challenges and pays
// only when asked to.
type Client struct {
	httpClient *http.Client
	processor  *Processor
	clock      func() time.Time
	logger     *slog.Logger
	metrics    *Metrics
	observer   StateObserver
}

// ClientOption customizes a [Client].
type ClientOption func(*Client)

// ClientWithHTTPClient replaces http.DefaultClient.
func ClientWithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// ClientWithClock provides deterministic time in tests.
func ClientWithClock(fn func() time.Time) ClientOption {
	return func(c *Client) {
		c.clock = fn
	}
}

// ClientWithLogger sets the structured logger.
func ClientWithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// ClientWithMetrics records payment outcomes.
func ClientWithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// ClientWithObserver reports state transitions.
func ClientWithObserver(fn StateObserver) ClientOption {
	return func(c *Client) {
		c.observer = fn
	}
}

// NewClient creates an explicit client paying through processor.
func NewClient(processor *Processor, opts ...ClientOption) *Client {
	if processor == nil {
		panic("fly402: processor is required")
	}
	c := &Client{
		httpClient: http.DefaultClient,
		processor:  processor,
		clock:      time.Now,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

type call struct {
	client    *Client
	state     State
	reference string
}

func (c *Client) newCall(state State, reference string) *call {
	return &call{client: c, state: state, reference: reference}
}

func (cl *call) advance(to State) {
	from := cl.state
	cl.state = to
	cl.client.logger.Debug("payment state", "from", from.String(), "state", to.String(), "reference", cl.reference)
	if cl.client.observer != nil {
		cl.client.observer(from, to, cl.reference)
	}
}

func (cl *call) fail(err error) error {
	cl.advance(StateFailed)
	return err
}

// Do sends req. When the server answers 402 with a well-formed challenge
// the response is consumed and the payment request returned instead. Any
// other response, including a 402 with an unparseable body, is returned
// untouched. The request body is buffered so it can be replayed by
// [Client.PayAndRetry].
func (c *Client) Do(req *http.Request) (*http.Response, *PaymentRequest, error) {
	cl := c.newCall(StateIdle, "")
	if err := bufferBody(req); err != nil {
		return nil, nil, cl.fail(err)
	}
	cl.advance(StateRequestSent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, cl.fail(err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		cl.advance(StateCompleted)
		return resp, nil, nil
	}

	challenge, raw, err := readChallenge(resp)
	if err != nil {
		c.logger.Debug("402 without a usable challenge", "error", err)
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		cl.advance(StateCompleted)
		return resp, nil, nil
	}
	cl.reference = challenge.PaymentRequest.Reference
	cl.advance(StateChallengeReceived)
	return nil, &challenge.PaymentRequest, nil
}

// CreateAuthorization builds, signs and submits a payment for req and
// returns the authorization to attach to the retry.
func (c *Client) CreateAuthorization(ctx context.Context, req PaymentRequest, s signer.Signer) (*PaymentAuthorization, error) {
	return c.createAuthorization(ctx, c.newCall(StateChallengeReceived, req.Reference), req, s)
}

func (c *Client) createAuthorization(ctx context.Context, cl *call, req PaymentRequest, s signer.Signer) (*PaymentAuthorization, error) {
	if s == nil {
		return nil, cl.fail(errors.New("fly402: signer is required"))
	}
	tx, err := c.processor.BuildTransferTransaction(ctx, req, s.Address())
	if err != nil {
		return nil, cl.fail(err)
	}
	cl.advance(StatePaymentBuilt)

	signed, err := s.SignTransaction(ctx, *tx)
	if err != nil {
		return nil, cl.fail(fmt.Errorf("fly402: sign payment: %w", err))
	}
	cl.advance(StatePaymentSigned)

	sig, err := c.processor.SubmitSignedTransaction(ctx, signed)
	if err != nil {
		c.metrics.payment("broadcast_failed")
		return nil, cl.fail(err)
	}
	cl.advance(StatePaymentSubmitted)
	c.metrics.payment("submitted")

	return &PaymentAuthorization{
		TransactionSignature: sig,
		PayerAddress:         s.Address(),
		Reference:            req.Reference,
		Amount:               req.Amount,
		AssetID:              req.AssetID,
		Network:              req.Network,
		Timestamp:            c.clock().UTC(),
	}, nil
}

// PayAndRetry pays req with s and reissues original with the
// authorization attached. Errors from building, signing or submitting
// are returned unchanged. The retried response is returned whatever its
// status.
func (c *Client) PayAndRetry(ctx context.Context, original *http.Request, req PaymentRequest, s signer.Signer) (*http.Response, error) {
	resp, _, err := c.payAndRetry(ctx, original, req, s)
	return resp, err
}

func (c *Client) payAndRetry(ctx context.Context, original *http.Request, req PaymentRequest, s signer.Signer) (*http.Response, *PaymentAuthorization, error) {
	cl := c.newCall(StateChallengeReceived, req.Reference)
	auth, err := c.createAuthorization(ctx, cl, req, s)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.retry(ctx, cl, original, *auth)
	return resp, auth, err
}

func (c *Client) retry(ctx context.Context, cl *call, original *http.Request, auth PaymentAuthorization) (*http.Response, error) {
	header, err := EncodeAuthorization(auth)
	if err != nil {
		return nil, cl.fail(err)
	}
	retry := original.Clone(ctx)
	if original.GetBody != nil {
		body, err := original.GetBody()
		if err != nil {
			return nil, cl.fail(fmt.Errorf("fly402: replay request body: %w", err))
		}
		retry.Body = body
	}
	retry.Header.Set(HeaderAuthorization, header)

	cl.advance(StateRetrySent)
	resp, err := c.httpClient.Do(retry)
	if err != nil {
		return nil, cl.fail(err)
	}
	cl.advance(StateCompleted)
	return resp, nil
}

// CloseIdleConnections releases pooled connections of the HTTP client.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func readChallenge(resp *http.Response) (*Challenge, []byte, error) {
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBytes))
	if err != nil {
		return nil, raw, err
	}
	challenge, err := ParseChallenge(bytes.NewReader(raw))
	if err != nil {
		return nil, raw, err
	}
	return challenge, raw, nil
}

func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("fly402: buffer request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(raw))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	return nil
}
