package escrow

import (
	"fmt"
	"math/big"
)

// Status represents the lifecycle state of a single escrow record.
type Status uint8

const (
	StatusCreated  Status = iota // record exists, deposit not yet received
	StatusFunded                 // deposit held in custody
	StatusReleased               // terminal: deposit paid out to the seller
	StatusRefunded               // terminal: deposit returned to the buyer
)

// String returns the lowercase status name used in events and RPC payloads.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Escrow captures the parties, terms, and runtime status of a single escrow
// agreement. Identifiers are assigned from a strictly increasing registry
// counter starting at 1; id 0 is never valid. The buyer is always the creator.
type Escrow struct {
	ID          uint64   `json:"id"`
	Buyer       [20]byte `json:"buyer"`
	Seller      [20]byte `json:"seller"`
	Arbiter     [20]byte `json:"arbiter"`
	Amount      *big.Int `json:"amount"`
	Deadline    int64    `json:"deadline"`
	CreatedAt   int64    `json:"createdAt"`
	Description string   `json:"description"`
	Status      Status   `json:"status"`
}

// Clone returns a deep copy of the escrow record so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Sanitize validates the supplied escrow record and returns a cloned instance
// with a non-nil amount field. The function does not mutate the original
// value.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil record")
	}
	clone := e.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("escrow: id must be positive")
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status: %d", clone.Status)
	}
	return clone, nil
}
