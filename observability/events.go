package observability

import (
	"log/slog"

	"escrowd/core/events"
	"escrowd/core/state"
	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/observability/metrics"
)

// LedgerEmitter fans every engine event out to the structured log, the
// prometheus counters, and the ledger's append-only event log, preserving the
// causal order of the calls that emitted them.
type LedgerEmitter struct {
	ledger *state.Ledger
	logger *slog.Logger
}

// NewLedgerEmitter wires an emitter to the given ledger and logger. A nil
// logger falls back to the process default.
func NewLedgerEmitter(ledger *state.Ledger, logger *slog.Logger) *LedgerEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerEmitter{ledger: ledger, logger: logger}
}

var _ events.Emitter = (*LedgerEmitter)(nil)

// Emit implements events.Emitter.
func (e *LedgerEmitter) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}

	m := metrics.Escrow()
	m.ObserveTransition(payload.Type)
	switch payload.Type {
	case escrow.EventTypeCreated:
		m.AddOpenRecords(1)
	case escrow.EventTypeReleased, escrow.EventTypeRefundRequested, escrow.EventTypeDisputeResolved:
		m.AddOpenRecords(-1)
		m.ObserveCustodyTransfer()
	case escrow.EventTypeFunded:
		m.ObserveCustodyTransfer()
	case escrow.EventTypePaused:
		m.SetPaused(true)
	case escrow.EventTypeUnpaused:
		m.SetPaused(false)
	}

	seq, err := e.ledger.AppendEvent(payload)
	if err != nil {
		e.logger.Error("append event", "type", payload.Type, "err", err)
		return
	}

	attrs := make([]any, 0, 2*len(payload.Attributes)+4)
	attrs = append(attrs, "seq", seq)
	for k, v := range payload.Attributes {
		attrs = append(attrs, k, v)
	}
	e.logger.Info(payload.Type, attrs...)
}
