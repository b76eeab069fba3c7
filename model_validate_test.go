package fly402

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPaymentRequestValidate(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		mutate  func(*PaymentRequest)
		wantErr string
	}{
		"valid": {
			mutate: func(*PaymentRequest) {},
		},
		"zero amount": {
			mutate:  func(r *PaymentRequest) { r.Amount = decimal.Zero },
			wantErr: "amount must be a positive decimal",
		},
		"negative amount": {
			mutate:  func(r *PaymentRequest) { r.Amount = decimal.RequireFromString("-1") },
			wantErr: "amount must be a positive decimal",
		},
		"too many fractional digits": {
			mutate:  func(r *PaymentRequest) { r.Amount = decimal.RequireFromString("0.0000000000000000001") },
			wantErr: "amount must be a positive decimal",
		},
		"missing recipient": {
			mutate:  func(r *PaymentRequest) { r.RecipientAddress = "" },
			wantErr: "recipientAddress is required",
		},
		"missing asset": {
			mutate:  func(r *PaymentRequest) { r.AssetID = "" },
			wantErr: "assetId is required",
		},
		"description too long": {
			mutate:  func(r *PaymentRequest) { r.Description = strings.Repeat("x", 513) },
			wantErr: "description cannot exceed 512 characters",
		},
		"missing expiry": {
			mutate:  func(r *PaymentRequest) { r.ExpiresAt = time.Time{} },
			wantErr: "expiresAt is required",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			req := testRequest("ref-1", "0.01")
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			payErr := requireReason(t, err, InvalidPaymentRequest, ReasonMalformed)
			if !strings.Contains(payErr.Message, tt.wantErr) {
				t.Fatalf("expected %q in %q", tt.wantErr, payErr.Message)
			}
		})
	}
}

func TestPaymentRequestValidateIssuance(t *testing.T) {
	t.Parallel()

	req := testRequest("ref-1", "0.01")
	if err := req.ValidateIssuance(testNow, 5*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := req.ValidateIssuance(testNow, time.Minute); err == nil {
		t.Fatalf("expected error for expiry beyond the payment timeout")
	}
	if err := req.ValidateIssuance(req.ExpiresAt, 5*time.Minute); err == nil {
		t.Fatalf("expected error for expiry not in the future")
	}
}

func TestPaymentRequestJSONPreservesAmount(t *testing.T) {
	t.Parallel()

	req := testRequest("ref-1", "0.01")
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"amount":"0.01"`) {
		t.Fatalf("amount must travel as a decimal string: %s", raw)
	}
	if !strings.Contains(string(raw), `"expiresAt":"2026-01-01T12:05:00Z"`) {
		t.Fatalf("unexpected expiry encoding: %s", raw)
	}

	var got PaymentRequest
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Amount.String() != "0.01" {
		t.Fatalf("amount lost precision: %s", got.Amount)
	}
}

func TestToBaseUnits(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		amount   string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		"cent of six decimal asset": {amount: "0.01", decimals: 6, want: 10_000},
		"whole units":               {amount: "3", decimals: 2, want: 300},
		"smallest unit":             {amount: "0.000001", decimals: 6, want: 1},
		"zero decimals":             {amount: "7", decimals: 0, want: 7},
		"finer than asset":          {amount: "0.0000001", decimals: 6, wantErr: true},
		"overflow":                  {amount: "18446744073709551616", decimals: 0, wantErr: true},
		"max uint64":                {amount: "18446744073709551615", decimals: 0, want: 18446744073709551615},
		"zero":                      {amount: "0", decimals: 6, wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := toBaseUnits(decimal.RequireFromString(tt.amount), tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %d got %d", tt.want, got)
			}
			if back := fromBaseUnits(got, tt.decimals); !back.Equal(decimal.RequireFromString(tt.amount)) {
				t.Fatalf("round trip lost value: %s", back)
			}
		})
	}
}

func TestAuthorizationHeader(t *testing.T) {
	t.Parallel()

	auth := PaymentAuthorization{
		TransactionSignature: "sig-1",
		PayerAddress:         "payer",
		Reference:            "ref-1",
		Amount:               decimal.RequireFromString("0.01"),
		AssetID:              testAsset,
		Network:              testNetwork,
		Timestamp:            testNow,
	}
	header, err := EncodeAuthorization(auth)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeAuthorization(header)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TransactionSignature != "sig-1" || got.Reference != "ref-1" || !got.Amount.Equal(auth.Amount) || !got.Timestamp.Equal(testNow) {
		t.Fatalf("unexpected authorization %+v", got)
	}
}

func TestDecodeAuthorizationRejects(t *testing.T) {
	t.Parallel()

	encode := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	tests := map[string]string{
		"not base64":    "%%%",
		"not json":      encode("hello"),
		"unknown field": encode(`{"transactionSignature":"s","payerAddress":"p","reference":"r","amount":"1","assetId":"a","network":"n","timestamp":"2026-01-01T00:00:00Z","tip":"1"}`),
		"missing field": encode(`{"transactionSignature":"s","payerAddress":"p","amount":"1","assetId":"a","network":"n","timestamp":"2026-01-01T00:00:00Z"}`),
		"trailing data": encode(`{"transactionSignature":"s","payerAddress":"p","reference":"r","amount":"1","assetId":"a","network":"n","timestamp":"2026-01-01T00:00:00Z"} {}`),
	}

	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := DecodeAuthorization(header)
			requireReason(t, err, InvalidPaymentRequest, ReasonMalformed)
		})
	}
}

func TestParseChallenge(t *testing.T) {
	t.Parallel()

	valid := `{"x402Version":1,"error":"payment_required","paymentRequest":{"amount":"0.01","recipientAddress":"merchant","assetId":"USD-stable","network":"devnet","reference":"ref-1","expiresAt":"2026-01-01T12:05:00Z","description":"weather"}}`
	challenge, err := ParseChallenge(strings.NewReader(valid))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if challenge.PaymentRequest.Reference != "ref-1" || challenge.PaymentRequest.Amount.String() != "0.01" {
		t.Fatalf("unexpected challenge %+v", challenge)
	}

	tests := map[string]string{
		"wrong version":  strings.Replace(valid, `"x402Version":1`, `"x402Version":2`, 1),
		"unknown member": strings.Replace(valid, `"error"`, `"extra":true,"error"`, 1),
		"invalid amount": strings.Replace(valid, `"0.01"`, `"-0.01"`, 1),
		"empty":          "",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if _, err := ParseChallenge(strings.NewReader(body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
