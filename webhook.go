package fly402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fly402/fly402-go/signature"
)

// WebhookEventType enumerates the settlement notifications a [Guard]
// emits.
type WebhookEventType string

const (
	WebhookEventTypePaymentVerified WebhookEventType = "payment_verified"
	WebhookEventTypePaymentRejected WebhookEventType = "payment_rejected"
)

// DefaultWebhookTimeout bounds one delivery.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookOptions configures settlement notifications.
type WebhookOptions struct {
	// Endpoint receives POSTed events.
	Endpoint string
	// SecretKey signs each delivery, see package signature.
	SecretKey []byte
	// Client defaults to a client with [DefaultWebhookTimeout].
	Client *http.Client
}

type webhookConfig struct {
	endpoint string
	secret   []byte
	client   *http.Client
}

// WithWebhookOptions makes the guard notify Endpoint after every
// verification decision. Deliveries are asynchronous and failures are
// logged, never surfaced to the paying client.
func WithWebhookOptions(opts WebhookOptions) Option {
	return func(cfg *config) {
		client := opts.Client
		if client == nil {
			client = &http.Client{Timeout: DefaultWebhookTimeout}
		}
		cfg.webhook = &webhookConfig{
			endpoint: strings.TrimSpace(opts.Endpoint),
			secret:   append([]byte(nil), opts.SecretKey...),
			client:   client,
		}
	}
}

// EventData is implemented by webhook payloads.
type EventData interface {
	eventType() WebhookEventType
}

// PaymentVerified is emitted after a payment settled a reference.
type PaymentVerified struct {
	Payment VerifiedPayment `json:"payment"`
}

func (PaymentVerified) eventType() WebhookEventType { return WebhookEventTypePaymentVerified }

// PaymentRejected is emitted when an authorization was refused.
type PaymentRejected struct {
	Reference            string `json:"reference"`
	TransactionSignature string `json:"transactionSignature,omitempty"`
	Reason               Reason `json:"reason"`
	Message              string `json:"message,omitempty"`
}

func (PaymentRejected) eventType() WebhookEventType { return WebhookEventTypePaymentRejected }

type webhookEvent struct {
	Type WebhookEventType `json:"type"`
	Data any              `json:"data"`
}

// SendWebhook posts one event to the endpoint configured via
// [WithWebhookOptions].
func (g *Guard) SendWebhook(ctx context.Context, data EventData) error {
	hook := g.opts.webhook
	if hook == nil {
		return errors.New("fly402: webhook options must be configured")
	}
	body, err := json.Marshal(webhookEvent{
		Type: data.eventType(),
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("fly402: marshal webhook payload: %w", err)
	}
	now := g.opts.clock()
	sig, err := signature.Sign(hook.secret, now, body)
	if err != nil {
		return fmt.Errorf("fly402: sign webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fly402: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderVersion, protocolVersion)
	req.Header.Set(signature.HeaderTimestamp, signature.FormatTimestamp(now))
	req.Header.Set(signature.HeaderSignature, sig)

	resp, err := hook.client.Do(req)
	if err != nil {
		return fmt.Errorf("fly402: send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("fly402: webhook endpoint %s returned %s: %s", hook.endpoint, resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// notify delivers data in the background when webhooks are configured.
func (g *Guard) notify(ctx context.Context, data EventData) {
	if g.opts.webhook == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := g.SendWebhook(ctx, data); err != nil {
			g.opts.logger.Warn("webhook delivery failed", "event", data.eventType(), "error", err)
		}
	}()
}

func rejectionEvent(auth PaymentAuthorization, err error) PaymentRejected {
	ev := PaymentRejected{
		Reference:            auth.Reference,
		TransactionSignature: auth.TransactionSignature,
		Reason:               reasonOf(err),
	}
	var payErr *Error
	if errors.As(err, &payErr) {
		ev.Message = payErr.Message
	}
	return ev
}
