package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/fly402/fly402-go/ledger"
)

func TestEd25519SignsVerifiableTransactions(t *testing.T) {
	t.Parallel()

	s, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	tx := sampleTransaction(t, s.Address())

	signed, err := s.SignTransaction(context.Background(), tx)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := ledger.VerifySignature(signed); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestEd25519RefusesForeignFeePayer(t *testing.T) {
	t.Parallel()

	s, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	other, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := s.SignTransaction(context.Background(), sampleTransaction(t, other.Address())); err == nil {
		t.Fatal("expected error signing for another account")
	}
}

func TestEd25519CloseWipesKey(t *testing.T) {
	t.Parallel()

	s, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = s.SignTransaction(context.Background(), sampleTransaction(t, s.Address()))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestParseEd25519AcceptsSeedAndKey(t *testing.T) {
	t.Parallel()

	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	key := ed25519.NewKeyFromSeed(seed)

	fromSeed, err := ParseEd25519(base64.RawURLEncoding.EncodeToString(seed))
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	fromKey, err := ParseEd25519(base64.RawURLEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if fromSeed.Address() != fromKey.Address() {
		t.Fatalf("addresses differ: %s vs %s", fromSeed.Address(), fromKey.Address())
	}
	if _, err := ParseEd25519("c2hvcnQ"); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDelegatedChecksFeePayer(t *testing.T) {
	t.Parallel()

	called := false
	d := Delegated{
		Account: "payer",
		Sign: func(ctx context.Context, tx ledger.Transaction) (ledger.SignedTransaction, error) {
			called = true
			return ledger.SignedTransaction{Transaction: tx, Signature: "sig"}, nil
		},
	}

	if _, err := d.SignTransaction(context.Background(), ledger.Transaction{FeePayer: "someone-else"}); err == nil {
		t.Fatal("expected fee payer mismatch")
	}
	if called {
		t.Fatal("sign function must not run for a foreign fee payer")
	}
	signed, err := d.SignTransaction(context.Background(), ledger.Transaction{FeePayer: "payer"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Signature != "sig" {
		t.Fatalf("unexpected signature %q", signed.Signature)
	}
}

func sampleTransaction(t *testing.T, payer string) ledger.Transaction {
	t.Helper()

	transfer, err := ledger.NewTransferInstruction(ledger.TransferInstruction{
		Source:      payer,
		Destination: "recipient",
		Asset:       "USD-stable",
		Amount:      10_000,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	memo, err := ledger.NewMemoInstruction("ref-1")
	if err != nil {
		t.Fatalf("memo: %v", err)
	}
	return ledger.Transaction{
		Network:         "devnet",
		FeePayer:        payer,
		RecentBlockhash: "hash",
		Instructions:    []ledger.Instruction{transfer, memo},
	}
}
