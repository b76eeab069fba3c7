package fly402

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func (e *testEnv) clientProcessor(t *testing.T, opts ...ProcessorOption) *Processor {
	t.Helper()
	base := []ProcessorOption{
		ProcessorWithClock(fixedClock(testNow)),
		ProcessorWithNetwork(testNetwork),
		ProcessorWithPollInterval(time.Millisecond),
	}
	p, err := NewProcessor(e.ledger, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return p
}

func TestClientPaysExplicitly(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	srv := newGuardServer(t, env, testConfig(), nil)

	var (
		mu     sync.Mutex
		states []string
	)
	client := NewClient(env.clientProcessor(t),
		ClientWithHTTPClient(srv.Client()),
		ClientWithClock(fixedClock(testNow)),
		ClientWithObserver(func(_, to State, _ string) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, to.String())
		}))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/weather", strings.NewReader(" with body"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, pr, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp != nil || pr == nil {
		t.Fatalf("expected a payment request, got response %v", resp)
	}
	if pr.Reference != "ref-1" || pr.Amount.String() != "0.01" {
		t.Fatalf("unexpected payment request %+v", pr)
	}

	resp, err = client.PayAndRetry(context.Background(), req, *pr, env.payer)
	if err != nil {
		t.Fatalf("pay and retry: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.StatusCode, body)
	}
	if want := "paid 0.01 by " + env.payer.Address() + " with body"; string(body) != want {
		t.Fatalf("expected %q got %q", want, body)
	}

	want := []string{
		"request_sent", "challenge_received",
		"payment_built", "payment_signed", "payment_submitted", "retry_sent", "completed",
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("unexpected state sequence %v", states)
	}
}

func TestClientPassesThroughOtherResponses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/odd" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = io.WriteString(w, "pay me somehow")
			return
		}
		_, _ = io.WriteString(w, "free")
	}))
	t.Cleanup(srv.Close)

	env := newTestEnv(t)
	client := NewClient(env.clientProcessor(t), ClientWithHTTPClient(srv.Client()))

	tests := map[string]struct {
		path   string
		status int
		body   string
	}{
		"free resource":      {path: "/", status: http.StatusOK, body: "free"},
		"malformed 402 body": {path: "/odd", status: http.StatusPaymentRequired, body: "pay me somehow"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
			resp, pr, err := client.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			if pr != nil {
				t.Fatalf("unexpected payment request %+v", pr)
			}
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode != tt.status || string(body) != tt.body {
				t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
			}
		})
	}
}

func TestClientCreateAuthorization(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	client := NewClient(env.clientProcessor(t), ClientWithClock(fixedClock(testNow)))
	req := testRequest("ref-1", "0.01")

	auth, err := client.CreateAuthorization(context.Background(), req, env.payer)
	if err != nil {
		t.Fatalf("create authorization: %v", err)
	}
	if auth.Reference != "ref-1" || auth.PayerAddress != env.payer.Address() || auth.TransactionSignature == "" {
		t.Fatalf("unexpected authorization %+v", auth)
	}
	if err := auth.Validate(); err != nil {
		t.Fatalf("authorization must be valid: %v", err)
	}

	rec, err := env.ledger.Transaction(context.Background(), auth.TransactionSignature)
	if err != nil || !rec.Succeeded() {
		t.Fatalf("expected settled transaction: %v", err)
	}
}

func TestClientCreateAuthorizationSurfacesBuildErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	client := NewClient(env.clientProcessor(t), ClientWithClock(fixedClock(testNow)))

	_, err := client.CreateAuthorization(context.Background(), testRequest("ref-1", "5"), env.payer)
	requireReason(t, err, InsufficientFunds, ReasonBalanceTooLow)
}
