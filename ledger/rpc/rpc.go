// Package rpc binds [ledger.Client] to JSON-RPC 2.0 over HTTP. [Client]
// talks to a remote ledger node; [NewServer] exposes any ledger.Client
// (typically a memledger) to such clients.
//
// Methods and their params:
//
//	getLatestBlockhash  {}                         -> {"blockhash"}
//	getMint             {"asset"}                  -> ledger.MintInfo
//	getBalance          {"owner","asset"}          -> {"amount"}
//	sendTransaction     ledger.SignedTransaction   -> {"signature"}
//	getSignatureStatus  {"signature"}              -> ledger.SignatureStatus
//	getTransaction      {"signature"}              -> ledger.TransactionRecord
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/fly402/fly402-go/ledger"
)

const jsonRPCVersion = "2.0"

const (
	MethodLatestBlockhash = "getLatestBlockhash"
	MethodMint            = "getMint"
	MethodBalance         = "getBalance"
	MethodSendTransaction = "sendTransaction"
	MethodSignatureStatus = "getSignatureStatus"
	MethodTransaction     = "getTransaction"
)

// Error codes. The -320xx range carries ledger outcomes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeNotFound       = -32001
	CodeRejected       = -32002
	CodeUnavailable    = -32003
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. Ledger outcome codes unwrap to the
// matching ledger sentinel so callers can use errors.Is.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap maps ledger outcome codes to [ledger.ErrNotFound],
// [ledger.ErrRejected] and [ledger.ErrUnavailable].
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeNotFound:
		return ledger.ErrNotFound
	case CodeRejected:
		return ledger.ErrRejected
	case CodeUnavailable, CodeInternal:
		return ledger.ErrUnavailable
	default:
		return nil
	}
}

type assetParams struct {
	Asset string `json:"asset"`
}

type balanceParams struct {
	Owner string `json:"owner"`
	Asset string `json:"asset"`
}

type signatureParams struct {
	Signature string `json:"signature"`
}

type blockhashResult struct {
	Blockhash string `json:"blockhash"`
}

type balanceResult struct {
	Amount uint64 `json:"amount,string"`
}

type signatureResult struct {
	Signature string `json:"signature"`
}
