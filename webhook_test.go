package fly402

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fly402/fly402-go/signature"
)

type receivedEvent struct {
	Type WebhookEventType `json:"type"`
	Data json.RawMessage  `json:"data"`
}

func newWebhookReceiver(t *testing.T, secret []byte) (*httptest.Server, <-chan receivedEvent) {
	t.Helper()
	events := make(chan receivedEvent, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := signature.VerifyRequest(r, secret, testNow, 5*time.Minute); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		var ev receivedEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		events <- ev
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, events
}

func awaitEvent(t *testing.T, events <-chan receivedEvent) receivedEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("no webhook delivered")
		return receivedEvent{}
	}
}

func TestGuardNotifiesSettlement(t *testing.T) {
	t.Parallel()

	secret := []byte("whsec")
	receiver, events := newWebhookReceiver(t, secret)

	env := newTestEnv(t)
	srv := newGuardServer(t, env, testConfig(), nil,
		WithWebhookOptions(WebhookOptions{Endpoint: receiver.URL, SecretKey: secret}))

	challenge := expectChallenge(t, send(t, srv.URL, ""))
	header := encodeHeader(t, env.pay(t, challenge.PaymentRequest))

	resp := send(t, srv.URL, header)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}

	ev := awaitEvent(t, events)
	if ev.Type != WebhookEventTypePaymentVerified {
		t.Fatalf("unexpected event type %q", ev.Type)
	}
	var verified PaymentVerified
	if err := json.Unmarshal(ev.Data, &verified); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if verified.Payment.Reference != "ref-1" || verified.Payment.PayerAddress != env.payer.Address() {
		t.Fatalf("unexpected payment %+v", verified.Payment)
	}

	_ = expectChallenge(t, send(t, srv.URL, header))
	ev = awaitEvent(t, events)
	if ev.Type != WebhookEventTypePaymentRejected {
		t.Fatalf("unexpected event type %q", ev.Type)
	}
	var rejected PaymentRejected
	if err := json.Unmarshal(ev.Data, &rejected); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if rejected.Reason != ReasonAlreadyUsed || rejected.Reference != "ref-1" {
		t.Fatalf("unexpected rejection %+v", rejected)
	}
}

func TestSendWebhookErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	guard, err := NewGuard(testConfig(), env.processor)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if err := guard.SendWebhook(context.Background(), PaymentRejected{Reference: "ref-1"}); err == nil {
		t.Fatalf("expected error without webhook options")
	}

	if _, err := NewGuard(testConfig(), env.processor, WithWebhookOptions(WebhookOptions{Endpoint: "http://example.invalid"})); err == nil {
		t.Fatalf("expected error without secret key")
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)

	guard, err = NewGuard(testConfig(), env.processor,
		WithClock(fixedClock(testNow)),
		WithWebhookOptions(WebhookOptions{Endpoint: failing.URL, SecretKey: []byte("whsec")}))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	err = guard.SendWebhook(context.Background(), PaymentRejected{Reference: "ref-1", Reason: ReasonExpired})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status error got %v", err)
	}
}
