// Package ledger defines the ledger access contract used by fly402: the
// transfer transaction model, its canonical signing message, account
// addresses and the [Client] interface a network binding implements.
//
// The model is deliberately narrow. A payment is a transaction whose fee
// payer signs one transfer instruction and one memo instruction carrying
// the challenge reference; nothing else in the ledger is modelled.
package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	canonicaljson "github.com/gibson042/canonicaljson-go"
)

var (
	// ErrNotFound reports an unknown transaction, signature, account or mint.
	ErrNotFound = errors.New("ledger: not found")
	// ErrRejected reports a transaction the network refused to accept.
	ErrRejected = errors.New("ledger: transaction rejected")
	// ErrUnavailable reports a node that could not be reached or answered
	// with a transport-level failure.
	ErrUnavailable = errors.New("ledger: node unavailable")
)

// Client is the capability fly402 needs from a ledger network: read
// chain state and submit signed transactions. Implementations must honour
// context cancellation on every call.
type Client interface {
	// LatestBlockhash returns a recent block hash that new transactions
	// must reference to be accepted.
	LatestBlockhash(ctx context.Context) (string, error)
	// Mint describes the fungible asset identified by asset.
	Mint(ctx context.Context, asset string) (MintInfo, error)
	// Balance returns the owner's balance of asset in base units.
	Balance(ctx context.Context, owner, asset string) (uint64, error)
	// SendTransaction broadcasts tx and returns its signature.
	SendTransaction(ctx context.Context, tx SignedTransaction) (string, error)
	// SignatureStatus reports the inclusion depth of a broadcast transaction.
	SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error)
	// Transaction fetches an included transaction by signature.
	Transaction(ctx context.Context, signature string) (*TransactionRecord, error)
}

// MintInfo describes a fungible asset.
type MintInfo struct {
	Asset    string `json:"asset"`
	Decimals uint8  `json:"decimals"`
}

// SignatureStatus is the inclusion state of a broadcast transaction.
type SignatureStatus struct {
	Slot          uint64 `json:"slot"`
	Confirmations uint64 `json:"confirmations"`
	// Err is empty when the transaction executed successfully.
	Err string `json:"err,omitempty"`
}

// TransactionRecord is a transaction as observed on the ledger.
type TransactionRecord struct {
	Signature     string      `json:"signature"`
	Transaction   Transaction `json:"transaction"`
	Slot          uint64      `json:"slot"`
	BlockTime     time.Time   `json:"blockTime"`
	Confirmations uint64      `json:"confirmations"`
	// Err is empty when the transaction executed successfully.
	Err string `json:"err,omitempty"`
}

// Succeeded reports whether the transaction executed without error.
func (r TransactionRecord) Succeeded() bool {
	return r.Err == ""
}

// Transaction is an unsigned ledger transaction.
type Transaction struct {
	Network         string        `json:"network"`
	FeePayer        string        `json:"feePayer"`
	RecentBlockhash string        `json:"recentBlockhash"`
	Instructions    []Instruction `json:"instructions"`
}

// Message returns the canonical JSON encoding of the transaction. This is
// the exact byte string a signer signs and a node verifies.
func (t Transaction) Message() ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal transaction: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("ledger: decode transaction: %w", err)
	}
	msg, err := canonicaljson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize transaction: %w", err)
	}
	return msg, nil
}

// Transfers returns every transfer instruction in order.
func (t Transaction) Transfers() ([]TransferInstruction, error) {
	var out []TransferInstruction
	for i, ins := range t.Instructions {
		typ, err := ins.Discriminator()
		if err != nil {
			return nil, fmt.Errorf("ledger: instruction %d: %w", i, err)
		}
		if typ != InstructionTransfer {
			continue
		}
		transfer, err := ins.AsTransfer()
		if err != nil {
			return nil, fmt.Errorf("ledger: instruction %d: %w", i, err)
		}
		out = append(out, transfer)
	}
	return out, nil
}

// Memos returns the text of every memo instruction in order.
func (t Transaction) Memos() ([]string, error) {
	var out []string
	for i, ins := range t.Instructions {
		typ, err := ins.Discriminator()
		if err != nil {
			return nil, fmt.Errorf("ledger: instruction %d: %w", i, err)
		}
		if typ != InstructionMemo {
			continue
		}
		memo, err := ins.AsMemo()
		if err != nil {
			return nil, fmt.Errorf("ledger: instruction %d: %w", i, err)
		}
		out = append(out, memo.Memo)
	}
	return out, nil
}

// SignedTransaction is a transaction together with the fee payer's
// signature over [Transaction.Message]. The signature doubles as the
// transaction identifier.
type SignedTransaction struct {
	Transaction Transaction `json:"transaction"`
	Signature   string      `json:"signature"`
}

// VerifySignature checks the fee payer's signature.
func VerifySignature(tx SignedTransaction) error {
	pub, err := DecodeAddress(tx.Transaction.FeePayer)
	if err != nil {
		return err
	}
	sig, err := base64.RawURLEncoding.DecodeString(tx.Signature)
	if err != nil {
		return fmt.Errorf("ledger: decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("ledger: signature must be %d bytes", ed25519.SignatureSize)
	}
	msg, err := tx.Transaction.Message()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return errors.New("ledger: invalid signature")
	}
	return nil
}

// EncodeSignature renders a raw signature in the ledger's text form.
func EncodeSignature(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}

// EncodeAddress renders an Ed25519 public key as a ledger address.
func EncodeAddress(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodeAddress parses a ledger address back into its public key.
func DecodeAddress(addr string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(addr)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode address %q: %w", addr, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ledger: address %q must encode %d bytes", addr, ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
