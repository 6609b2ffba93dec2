package escrow

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/events"
	"escrowd/core/types"
)

// State is the durable registry view the engine mutates. Implementations must
// apply each call atomically; the engine serializes its own mutating
// operations, so a State never sees two engine calls in flight at once.
type State interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool, error)
	EscrowNextID() (uint64, error)
	SetPaused(bool) error
	Paused() (bool, error)
}

// ValueMover is the settlement capability injected into the engine. A transfer
// either completes fully or returns an error with no effect; the engine treats
// any error as an instruction to abort the whole call.
type ValueMover interface {
	Transfer(from, to [20]byte, amount *big.Int) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine is the escrow registry: it owns identifier assignment, routes every
// mutating operation through its authorization guards, and drives the value
// mover as the final effect of each transition. The mutex is held across each
// operation end to end, so the guards, the store, and the value transfer of
// one call are never interleaved with another.
type Engine struct {
	mu      sync.Mutex
	state   State
	mover   ValueMover
	emitter events.Emitter
	owner   [20]byte
	nowFn   func() int64
}

// NewEngine creates an engine with a no-op emitter. Callers can override the
// emitter via SetEmitter and install the pause owner via SetOwner.
func NewEngine(state State, mover ValueMover) *Engine {
	return &Engine{
		state:   state,
		mover:   mover,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetOwner installs the administrative identity allowed to pause and unpause
// the registry. The zero address disables the overlay entirely.
func (e *Engine) SetOwner(owner [20]byte) { e.owner = owner }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// VaultAddress derives the custody account for an escrow id. Each record holds
// its deposit in its own account so a settled record can never touch another
// record's funds.
func VaultAddress(id uint64) [20]byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], id)
	hash := ethcrypto.Keccak256([]byte("escrow/vault"), seq[:])
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// guard is a single precondition over the caller and the targeted record.
// Guards run in order and the first failure determines the reported error
// kind; no state is touched until every guard has passed.
type guard func() error

func runGuards(guards ...guard) error {
	for _, g := range guards {
		if err := g(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) notPaused() guard {
	return func() error {
		paused, err := e.state.Paused()
		if err != nil {
			return fmt.Errorf("escrow: read pause flag: %w", err)
		}
		if paused {
			return ErrPaused
		}
		return nil
	}
}

func callerIs(caller, want [20]byte, role string) guard {
	return func() error {
		if caller != want {
			return fmt.Errorf("%w: %s required", ErrUnauthorized, role)
		}
		return nil
	}
}

func statusIs(esc *Escrow, want Status) guard {
	return func() error {
		if esc.Status != want {
			return fmt.Errorf("%w: status is %s, want %s", ErrInvalidState, esc.Status, want)
		}
		return nil
	}
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, fmt.Errorf("escrow: load %d: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	sanitized, err := Sanitize(esc)
	if err != nil {
		return err
	}
	return e.state.EscrowPut(sanitized)
}

// Create initialises and persists a new escrow agreement. The caller becomes
// the buyer; the parties need not be pairwise distinct. The deadline is the
// creation time plus the supplied duration in seconds.
func (e *Engine) Create(caller, seller, arbiter [20]byte, amount *big.Int, durationSeconds int64, description string) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := runGuards(e.notPaused()); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if durationSeconds <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidDuration)
	}
	now := e.now()
	if durationSeconds > math.MaxInt64-now {
		// now + durationSeconds would wrap negative, leaving a deadline
		// that is already in the past.
		return nil, fmt.Errorf("%w: duration overflows deadline", ErrInvalidDuration)
	}
	id, err := e.state.EscrowNextID()
	if err != nil {
		return nil, fmt.Errorf("escrow: acquire id: %w", err)
	}
	esc := &Escrow{
		ID:          id,
		Buyer:       caller,
		Seller:      seller,
		Arbiter:     arbiter,
		Amount:      new(big.Int).Set(amount),
		Deadline:    now + durationSeconds,
		CreatedAt:   now,
		Description: description,
		Status:      StatusCreated,
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Fund moves the attached value from the buyer into the record's custody
// account and marks the escrow funded. The attached value must equal the
// escrow amount exactly.
func (e *Engine) Fund(id uint64, caller [20]byte, value *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := runGuards(
		e.notPaused(),
		statusIs(esc, StatusCreated),
		callerIs(caller, esc.Buyer, "buyer"),
	); err != nil {
		return err
	}
	if value == nil || value.Cmp(esc.Amount) != 0 {
		return fmt.Errorf("%w: need exactly %s", ErrValueMismatch, esc.Amount)
	}
	if err := e.mover.Transfer(esc.Buyer, VaultAddress(id), esc.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	esc.Status = StatusFunded
	if err := e.storeEscrow(esc); err != nil {
		// Undo the deposit so a persistence failure leaves no net effect.
		if undoErr := e.mover.Transfer(VaultAddress(id), esc.Buyer, esc.Amount); undoErr != nil {
			return fmt.Errorf("escrow: store after deposit: %v (undo failed: %v)", err, undoErr)
		}
		return err
	}
	e.emit(NewFundedEvent(esc))
	return nil
}

// Release settles the escrow in favour of the seller. Only the seller may
// trigger the normal release path, and only while the escrow is funded.
func (e *Engine) Release(id uint64, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := runGuards(
		e.notPaused(),
		statusIs(esc, StatusFunded),
		callerIs(caller, esc.Seller, "seller"),
	); err != nil {
		return err
	}
	return e.settle(esc, StatusReleased, esc.Seller, NewReleasedEvent)
}

// Refund returns the deposit to the buyer once the deadline has elapsed. Only
// the buyer may reclaim, and only strictly after the deadline; the condition
// is evaluated lazily here, no timer watches the record.
func (e *Engine) Refund(id uint64, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := runGuards(
		e.notPaused(),
		statusIs(esc, StatusFunded),
		callerIs(caller, esc.Buyer, "buyer"),
	); err != nil {
		return err
	}
	if e.now() <= esc.Deadline {
		return fmt.Errorf("%w: deadline %d", ErrDeadlineNotReached, esc.Deadline)
	}
	return e.settle(esc, StatusRefunded, esc.Buyer, NewRefundRequestedEvent)
}

// Resolve settles a funded escrow according to the arbiter's decision, in
// either direction and independent of the deadline.
func (e *Engine) Resolve(id uint64, caller [20]byte, toSeller bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := runGuards(
		e.notPaused(),
		statusIs(esc, StatusFunded),
		callerIs(caller, esc.Arbiter, "arbiter"),
	); err != nil {
		return err
	}
	recipient := esc.Buyer
	status := StatusRefunded
	if toSeller {
		recipient = esc.Seller
		status = StatusReleased
	}
	eventFn := func(settled *Escrow) *types.Event {
		return NewDisputeResolvedEvent(settled, toSeller)
	}
	return e.settle(esc, status, recipient, eventFn)
}

// Get returns a snapshot of the record. Queries bypass the pause overlay and
// never mutate state; terminal records remain queryable indefinitely.
func (e *Engine) Get(id uint64) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// Pause blocks every mutating entry point until Unpause. Owner only; queries
// stay available. Pausing an already paused registry is a no-op.
func (e *Engine) Pause(caller [20]byte) error {
	return e.setPaused(caller, true)
}

// Unpause lifts the pause flag. Owner only.
func (e *Engine) Unpause(caller [20]byte) error {
	return e.setPaused(caller, false)
}

func (e *Engine) setPaused(caller [20]byte, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner == ([20]byte{}) || caller != e.owner {
		return fmt.Errorf("%w: owner required", ErrUnauthorized)
	}
	current, err := e.state.Paused()
	if err != nil {
		return fmt.Errorf("escrow: read pause flag: %w", err)
	}
	if current == paused {
		return nil
	}
	if err := e.state.SetPaused(paused); err != nil {
		return fmt.Errorf("escrow: persist pause flag: %w", err)
	}
	if paused {
		e.emit(NewPausedEvent(e.owner))
	} else {
		e.emit(NewUnpausedEvent(e.owner))
	}
	return nil
}

// settle commits the terminal status before moving funds out of custody. A
// reentrant call made by the transfer recipient therefore observes the
// terminal state and fails its status guard; a mover failure restores the
// prior record so the call has no net effect.
func (e *Engine) settle(esc *Escrow, status Status, recipient [20]byte, eventFn func(*Escrow) *types.Event) error {
	prev := esc.Clone()
	esc.Status = status
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if err := e.mover.Transfer(VaultAddress(esc.ID), recipient, esc.Amount); err != nil {
		if restoreErr := e.storeEscrow(prev); restoreErr != nil {
			return fmt.Errorf("%w: %v (restore failed: %v)", ErrTransferFailed, err, restoreErr)
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	e.emit(eventFn(esc))
	return nil
}
