package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fly402/fly402-go/ledger"
)

const maxRequestBytes = 1 << 20

// Authenticator validates Authorization header API keys before a call
// reaches the ledger.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) error
}

// AuthenticatorFunc lifts bare functions into [Authenticator].
type AuthenticatorFunc func(ctx context.Context, apiKey string) error

// Authenticate validates the API key using the wrapped function.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, apiKey string) error {
	return f(ctx, apiKey)
}

type serverConfig struct {
	authenticator Authenticator
	logger        *slog.Logger
}

// ServerOption customizes the handler returned by [NewServer].
type ServerOption func(*serverConfig)

// ServerWithAuthenticator requires a bearer API key on every call.
func ServerWithAuthenticator(auth Authenticator) ServerOption {
	return func(cfg *serverConfig) {
		cfg.authenticator = auth
	}
}

// ServerWithLogger sets the logger for rejected calls.
func ServerWithLogger(logger *slog.Logger) ServerOption {
	return func(cfg *serverConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

type server struct {
	backend ledger.Client
	cfg     serverConfig
}

// NewServer exposes backend over JSON-RPC 2.0. Only POST is accepted;
// batches are not supported.
func NewServer(backend ledger.Client, opts ...ServerOption) http.Handler {
	if backend == nil {
		panic("rpc: backend is required")
	}
	cfg := serverConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	s := &server{backend: backend, cfg: cfg}
	var h http.HandlerFunc = s.handle
	if cfg.authenticator != nil {
		h = s.authenticationMiddleware(h)
	}
	return h
}

func (s *server) authenticationMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}
		schema, apiKey, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(schema, "Bearer") || apiKey == "" {
			http.Error(w, "Authorization header must be in the format 'Bearer <api_key>'", http.StatusUnauthorized)
			return
		}
		if err := s.cfg.authenticator.Authenticate(r.Context(), apiKey); err != nil {
			http.Error(w, "invalid API key", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeResponse(w, response{ID: json.RawMessage("null"), Error: &Error{Code: CodeParseError, Message: err.Error()}})
		return
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		writeResponse(w, response{ID: req.ID, Error: &Error{Code: CodeInvalidRequest, Message: "invalid request"}})
		return
	}

	result, err := s.dispatch(r.Context(), req.Method, req.Params)
	if err != nil {
		rpcErr := toError(err)
		s.cfg.logger.Debug("rpc call failed", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
		writeResponse(w, response{ID: req.ID, Error: rpcErr})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		writeResponse(w, response{ID: req.ID, Error: &Error{Code: CodeInternal, Message: err.Error()}})
		return
	}
	writeResponse(w, response{ID: req.ID, Result: raw})
}

func (s *server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodLatestBlockhash:
		hash, err := s.backend.LatestBlockhash(ctx)
		if err != nil {
			return nil, err
		}
		return blockhashResult{Blockhash: hash}, nil
	case MethodMint:
		var p assetParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.backend.Mint(ctx, p.Asset)
	case MethodBalance:
		var p balanceParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		amount, err := s.backend.Balance(ctx, p.Owner, p.Asset)
		if err != nil {
			return nil, err
		}
		return balanceResult{Amount: amount}, nil
	case MethodSendTransaction:
		var p ledger.SignedTransaction
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		sig, err := s.backend.SendTransaction(ctx, p)
		if err != nil {
			return nil, err
		}
		return signatureResult{Signature: sig}, nil
	case MethodSignatureStatus:
		var p signatureParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.backend.SignatureStatus(ctx, p.Signature)
	case MethodTransaction:
		var p signatureParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.backend.Transaction(ctx, p.Signature)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: "method not found: " + method}
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, ledger.ErrRejected):
		return &Error{Code: CodeRejected, Message: err.Error()}
	case errors.Is(err, ledger.ErrUnavailable):
		return &Error{Code: CodeUnavailable, Message: err.Error()}
	default:
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
}

func writeResponse(w http.ResponseWriter, resp response) {
	resp.JSONRPC = jsonRPCVersion
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
