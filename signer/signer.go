// Package signer holds the signing capability of a paying agent. The
// protocol core depends only on the [Signer] contract: given an unsigned
// transaction, return a signed transaction, or fail. Key material never
// leaves the implementation.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fly402/fly402-go/ledger"
)

// ErrClosed is returned by a signer whose key material was released.
var ErrClosed = errors.New("signer: closed")

// Signer signs ledger transactions on behalf of a single account.
type Signer interface {
	// Address is the ledger account the signer pays from.
	Address() string
	// SignTransaction signs tx. Implementations refuse transactions whose
	// fee payer is not Address.
	SignTransaction(ctx context.Context, tx ledger.Transaction) (ledger.SignedTransaction, error)
}

// SignFunc lifts bare functions into a signing step, typically a call to
// a remote key service.
type SignFunc func(ctx context.Context, tx ledger.Transaction) (ledger.SignedTransaction, error)

// Delegated adapts a [SignFunc] for a known account into a [Signer].
type Delegated struct {
	Account string
	Sign    SignFunc
}

// Address implements [Signer].
func (d Delegated) Address() string {
	return d.Account
}

// SignTransaction implements [Signer] by delegating to Sign.
func (d Delegated) SignTransaction(ctx context.Context, tx ledger.Transaction) (ledger.SignedTransaction, error) {
	if d.Sign == nil {
		return ledger.SignedTransaction{}, errors.New("signer: delegated signer has no sign function")
	}
	if tx.FeePayer != d.Account {
		return ledger.SignedTransaction{}, fmt.Errorf("signer: fee payer %s is not %s", tx.FeePayer, d.Account)
	}
	return d.Sign(ctx, tx)
}

// Ed25519 signs with an in-memory Ed25519 key. Close wipes the key.
type Ed25519 struct {
	mu      sync.Mutex
	key     ed25519.PrivateKey
	address string
}

// NewEd25519 wraps an existing private key. The key is copied.
func NewEd25519(key ed25519.PrivateKey) (*Ed25519, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: private key must be %d bytes", ed25519.PrivateKeySize)
	}
	owned := make(ed25519.PrivateKey, len(key))
	copy(owned, key)
	return &Ed25519{
		key:     owned,
		address: ledger.EncodeAddress(owned.Public().(ed25519.PublicKey)),
	}, nil
}

// GenerateEd25519 creates a signer with a fresh random key.
func GenerateEd25519() (*Ed25519, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	return NewEd25519(key)
}

// ParseEd25519 decodes a base64url (unpadded) 32-byte seed or 64-byte
// private key.
func ParseEd25519(encoded string) (*Ed25519, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("signer: decode key: %w", err)
	}
	defer clear(raw)
	switch len(raw) {
	case ed25519.SeedSize:
		return NewEd25519(ed25519.NewKeyFromSeed(raw))
	case ed25519.PrivateKeySize:
		return NewEd25519(ed25519.PrivateKey(raw))
	default:
		return nil, fmt.Errorf("signer: key must be a %d-byte seed or %d-byte private key", ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// Address implements [Signer].
func (s *Ed25519) Address() string {
	return s.address
}

// SignTransaction implements [Signer].
func (s *Ed25519) SignTransaction(ctx context.Context, tx ledger.Transaction) (ledger.SignedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.SignedTransaction{}, err
	}
	if tx.FeePayer != s.address {
		return ledger.SignedTransaction{}, fmt.Errorf("signer: fee payer %s is not %s", tx.FeePayer, s.address)
	}
	msg, err := tx.Message()
	if err != nil {
		return ledger.SignedTransaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return ledger.SignedTransaction{}, ErrClosed
	}
	return ledger.SignedTransaction{
		Transaction: tx,
		Signature:   ledger.EncodeSignature(ed25519.Sign(s.key, msg)),
	}, nil
}

// Close wipes the private key. Subsequent signing fails with [ErrClosed].
func (s *Ed25519) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.key)
	s.key = nil
	return nil
}
