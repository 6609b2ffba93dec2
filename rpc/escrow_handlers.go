package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"escrowd/crypto"
	"escrowd/native/escrow"
	"escrowd/observability/metrics"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

type escrowCreateParams struct {
	Caller          string `json:"caller"`
	Seller          string `json:"seller"`
	Arbiter         string `json:"arbiter"`
	Amount          string `json:"amount"`
	DurationSeconds int64  `json:"durationSeconds"`
	Description     string `json:"description,omitempty"`
}

type escrowFundParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	Value  string `json:"value"`
}

type escrowActorParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type escrowResolveParams struct {
	ID       uint64 `json:"id"`
	Caller   string `json:"caller"`
	ToSeller bool   `json:"toSeller"`
}

type escrowIDParams struct {
	ID uint64 `json:"id"`
}

type addressParams struct {
	Address string `json:"address"`
}

type listEventsParams struct {
	Prefix string `json:"prefix,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type pauseParams struct {
	Caller string `json:"caller"`
}

type escrowCreateResult struct {
	ID uint64 `json:"id"`
}

// escrowJSON is the full record snapshot returned by escrow_get.
type escrowJSON struct {
	ID          uint64 `json:"id"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Arbiter     string `json:"arbiter"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"`
	CreatedAt   int64  `json:"createdAt"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Funded      bool   `json:"funded"`
	Released    bool   `json:"released"`
	Refunded    bool   `json:"refunded"`
}

func formatEscrowJSON(esc *escrow.Escrow) escrowJSON {
	return escrowJSON{
		ID:          esc.ID,
		Buyer:       formatAddress(esc.Buyer),
		Seller:      formatAddress(esc.Seller),
		Arbiter:     formatAddress(esc.Arbiter),
		Amount:      esc.Amount.String(),
		Deadline:    esc.Deadline,
		CreatedAt:   esc.CreatedAt,
		Description: esc.Description,
		Status:      esc.Status.String(),
		Funded:      esc.Status == escrow.StatusFunded || esc.Status.Terminal(),
		Released:    esc.Status == escrow.StatusReleased,
		Refunded:    esc.Status == escrow.StatusRefunded,
	}
}

func formatAddress(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.EscrowPrefix, addr[:]).String()
}

func parseAddress(raw string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return out, err
	}
	if addr.Prefix() != crypto.EscrowPrefix {
		return out, fmt.Errorf("address prefix must be %q, got %q", crypto.EscrowPrefix, addr.Prefix())
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func parsePositiveBigInt(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New("amount must be a base-10 integer")
	}
	if value.Sign() <= 0 {
		return nil, errors.New("amount must be positive")
	}
	return value, nil
}

func decodeSingleParam(req *RPCRequest, dest interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], dest)
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseAddress(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	arbiter, err := parseAddress(params.Arbiter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.DurationSeconds <= 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "durationSeconds must be positive")
		return
	}
	esc, err := s.engine.Create(caller, seller, arbiter, amount, params.DurationSeconds, params.Description)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowCreateResult{ID: esc.ID})
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowFundParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	value, err := parsePositiveBigInt(params.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.Fund(params.ID, caller, value); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowTransition(w, r, req, s.engine.Release)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowTransition(w, r, req, s.engine.Refund)
}

func (s *Server) handleEscrowTransition(w http.ResponseWriter, _ *http.Request, req *RPCRequest, fn func(uint64, [20]byte) error) {
	var params escrowActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := fn(params.ID, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowResolveParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.Resolve(params.ID, caller, params.ToSeller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.engine.Get(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(esc))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.ledger.BalanceOf(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeEscrowInternal, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]string{
		"address": params.Address,
		"balance": balance.String(),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	params := listEventsParams{Limit: 100}
	if len(req.Params) > 0 {
		if err := decodeSingleParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	evts, err := s.ledger.ListEvents(params.Prefix, params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeEscrowInternal, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, evts)
}

func (s *Server) handleEscrowPause(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handlePauseSwitch(w, req, s.engine.Pause)
}

func (s *Server) handleEscrowUnpause(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handlePauseSwitch(w, req, s.engine.Unpause)
}

func (s *Server) handlePauseSwitch(w http.ResponseWriter, req *RPCRequest, fn func([20]byte) error) {
	var params pauseParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := fn(caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

// writeEscrowError maps engine failures onto the RPC error taxonomy.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	kind := "internal"
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
		kind = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
		kind = "unauthorized"
	case errors.Is(err, escrow.ErrPaused):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "paused"
		kind = "paused"
	case errors.Is(err, escrow.ErrInvalidState):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
		kind = "state"
	case errors.Is(err, escrow.ErrDeadlineNotReached):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "deadline_not_reached"
		kind = "timing"
	case errors.Is(err, escrow.ErrValueMismatch), errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrInvalidDuration):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
		kind = "value"
	case errors.Is(err, escrow.ErrTransferFailed):
		status = http.StatusBadGateway
		code = codeEscrowConflict
		message = "transfer_failed"
		kind = "transfer"
	}
	metrics.Escrow().ObserveRejection(kind)
	writeError(w, status, id, code, message, err.Error())
}
