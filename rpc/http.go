package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/core/state"
	"escrowd/native/escrow"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// Server exposes the escrow registry over a JSON-RPC HTTP endpoint. Caller
// identity and attached value are explicit request parameters; the transport
// never injects an ambient identity.
type Server struct {
	engine *escrow.Engine
	ledger *state.Ledger
	auth   *Authenticator
	logger *slog.Logger
}

func NewServer(engine *escrow.Engine, ledger *state.Ledger, auth *Authenticator, logger *slog.Logger) *Server {
	if auth == nil {
		auth = NewAuthenticator("", "")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, ledger: ledger, auth: auth, logger: logger}
}

// Router assembles the HTTP surface: the RPC endpoint plus health and metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handle)
	r.Post("/rpc", s.handle)
	return r
}

// Start serves the router on addr and blocks until the listener fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	return http.ListenAndServe(addr, s.Router())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	switch req.Method {
	case "escrow_create":
		s.withScope(w, r, req, ScopeWrite, s.handleEscrowCreate)
	case "escrow_fund":
		s.withScope(w, r, req, ScopeWrite, s.handleEscrowFund)
	case "escrow_release":
		s.withScope(w, r, req, ScopeWrite, s.handleEscrowRelease)
	case "escrow_refund":
		s.withScope(w, r, req, ScopeWrite, s.handleEscrowRefund)
	case "escrow_resolve":
		s.withScope(w, r, req, ScopeWrite, s.handleEscrowResolve)
	case "escrow_pause":
		s.withScope(w, r, req, ScopeAdmin, s.handleEscrowPause)
	case "escrow_unpause":
		s.withScope(w, r, req, ScopeAdmin, s.handleEscrowUnpause)
	case "escrow_get":
		s.handleEscrowGet(w, r, req)
	case "escrow_getBalance":
		s.handleGetBalance(w, r, req)
	case "escrow_listEvents":
		s.handleListEvents(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

type rpcHandler func(http.ResponseWriter, *http.Request, *RPCRequest)

func (s *Server) withScope(w http.ResponseWriter, r *http.Request, req *RPCRequest, scope string, next rpcHandler) {
	if authErr := s.auth.Require(r, scope); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	next(w, r, req)
}
