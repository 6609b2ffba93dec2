package escrow

import (
	"encoding/hex"
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeCreated         = "escrow.created"
	EventTypeFunded          = "escrow.funded"
	EventTypeReleased        = "escrow.released"
	EventTypeRefundRequested = "escrow.refund_requested"
	EventTypeDisputeResolved = "escrow.dispute_resolved"
	EventTypePaused          = "escrow.paused"
	EventTypeUnpaused        = "escrow.unpaused"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeCreated, e) }

// NewFundedEvent returns the canonical event payload emitted when an escrow is
// funded by the buyer.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeFunded, e) }

// NewReleasedEvent returns the canonical event payload for a release of escrow
// funds to the seller.
func NewReleasedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeReleased, e) }

// NewRefundRequestedEvent returns the canonical event payload for a
// post-deadline refund to the buyer.
func NewRefundRequestedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeRefundRequested, e)
}

// NewDisputeResolvedEvent returns the canonical event payload emitted when the
// arbiter settles a funded escrow in either direction.
func NewDisputeResolvedEvent(e *Escrow, toSeller bool) *types.Event {
	evt := newEscrowEvent(EventTypeDisputeResolved, e)
	outcome := "refund"
	if toSeller {
		outcome = "release"
	}
	evt.Attributes["outcome"] = outcome
	return evt
}

// NewPausedEvent returns the event payload emitted when the owner pauses the
// registry.
func NewPausedEvent(owner [20]byte) *types.Event { return newPauseEvent(EventTypePaused, owner) }

// NewUnpausedEvent returns the event payload emitted when the owner lifts the
// pause.
func NewUnpausedEvent(owner [20]byte) *types.Event { return newPauseEvent(EventTypeUnpaused, owner) }

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(e.ID, 10)
	attrs["buyer"] = hex.EncodeToString(e.Buyer[:])
	attrs["seller"] = hex.EncodeToString(e.Seller[:])
	attrs["arbiter"] = hex.EncodeToString(e.Arbiter[:])
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	attrs["deadline"] = strconv.FormatInt(e.Deadline, 10)
	attrs["status"] = e.Status.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newPauseEvent(eventType string, owner [20]byte) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"owner": hex.EncodeToString(owner[:]),
	}}
}
