package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"testing"

	"escrowd/core/events"
	"escrowd/core/types"
)

type mockState struct {
	escrows map[uint64]*Escrow
	seq     uint64
	paused  bool
}

func newMockState() *mockState {
	return &mockState{escrows: make(map[uint64]*Escrow)}
}

func (m *mockState) EscrowPut(e *Escrow) error {
	sanitized, err := Sanitize(e)
	if err != nil {
		return err
	}
	m.escrows[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) EscrowGet(id uint64) (*Escrow, bool, error) {
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}

func (m *mockState) EscrowNextID() (uint64, error) {
	m.seq++
	return m.seq, nil
}

func (m *mockState) SetPaused(paused bool) error {
	m.paused = paused
	return nil
}

func (m *mockState) Paused() (bool, error) {
	return m.paused, nil
}

type transferCall struct {
	from, to [20]byte
	amount   *big.Int
}

type mockMover struct {
	balances map[[20]byte]*big.Int
	calls    []transferCall
	failWith error
}

func newMockMover() *mockMover {
	return &mockMover{balances: make(map[[20]byte]*big.Int)}
}

func (m *mockMover) credit(addr [20]byte, amount int64) {
	m.balances[addr] = big.NewInt(amount)
}

func (m *mockMover) balance(addr [20]byte) *big.Int {
	bal, ok := m.balances[addr]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

func (m *mockMover) Transfer(from, to [20]byte, amount *big.Int) error {
	if m.failWith != nil {
		return m.failWith
	}
	fromBal := m.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	m.balances[from] = fromBal.Sub(fromBal, amount)
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
	m.calls = append(m.calls, transferCall{from: from, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

type recordingEmitter struct {
	emitted []*types.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	r.emitted = append(r.emitted, carrier.Event())
}

func (r *recordingEmitter) eventTypes() []string {
	out := make([]string, 0, len(r.emitted))
	for _, evt := range r.emitted {
		out = append(out, evt.Type)
	}
	return out
}

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type testEnv struct {
	engine  *Engine
	state   *mockState
	mover   *mockMover
	emitter *recordingEmitter
	now     int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:   newMockState(),
		mover:   newMockMover(),
		emitter: &recordingEmitter{},
		now:     1_700_000_000,
	}
	env.engine = NewEngine(env.state, env.mover)
	env.engine.SetEmitter(env.emitter)
	env.engine.SetNowFunc(func() int64 { return env.now })
	return env
}

var (
	buyer   = testAddress(0x01)
	seller  = testAddress(0x02)
	arbiter = testAddress(0x03)
	owner   = testAddress(0x0F)
)

func (env *testEnv) create(t *testing.T, amount int64, duration int64) *Escrow {
	t.Helper()
	esc, err := env.engine.Create(buyer, seller, arbiter, big.NewInt(amount), duration, "x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return esc
}

func (env *testEnv) fund(t *testing.T, id uint64, value int64) {
	t.Helper()
	env.mover.credit(buyer, value)
	if err := env.engine.Fund(id, buyer, big.NewInt(value)); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func TestCreateAssignsSequentialIDsAndDeadline(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, 5, 3600)
	second := env.create(t, 7, 60)
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
	if first.Deadline != env.now+3600 {
		t.Fatalf("expected deadline %d, got %d", env.now+3600, first.Deadline)
	}
	if first.CreatedAt != env.now {
		t.Fatalf("expected createdAt %d, got %d", env.now, first.CreatedAt)
	}
	if first.Status != StatusCreated {
		t.Fatalf("expected created status, got %s", first.Status)
	}
}

func TestCreateRejectsBadTerms(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Create(buyer, seller, arbiter, big.NewInt(0), 3600, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.engine.Create(buyer, seller, arbiter, nil, 3600, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil amount, got %v", err)
	}
	if _, err := env.engine.Create(buyer, seller, arbiter, big.NewInt(1), 0, ""); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
}

func TestCreateAllowsOverlappingRoles(t *testing.T) {
	env := newTestEnv(t)
	esc, err := env.engine.Create(buyer, buyer, buyer, big.NewInt(1), 60, "self-dealing")
	if err != nil {
		t.Fatalf("create with overlapping roles: %v", err)
	}
	if esc.Seller != buyer || esc.Arbiter != buyer {
		t.Fatalf("expected roles preserved verbatim")
	}
}

func TestFundRequiresExactValue(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 10, 3600)
	env.mover.credit(buyer, 100)
	for _, value := range []int64{9, 11, 0} {
		if err := env.engine.Fund(esc.ID, buyer, big.NewInt(value)); !errors.Is(err, ErrValueMismatch) {
			t.Fatalf("value %d: expected ErrValueMismatch, got %v", value, err)
		}
	}
	if err := env.engine.Fund(esc.ID, buyer, nil); !errors.Is(err, ErrValueMismatch) {
		t.Fatalf("nil value: expected ErrValueMismatch")
	}
	stored, _, _ := env.state.EscrowGet(esc.ID)
	if stored.Status != StatusCreated {
		t.Fatalf("rejected funding must leave state unchanged, got %s", stored.Status)
	}
	if len(env.mover.calls) != 0 {
		t.Fatalf("rejected funding must not move value")
	}

	if err := env.engine.Fund(esc.ID, buyer, big.NewInt(10)); err != nil {
		t.Fatalf("exact funding: %v", err)
	}
	stored, _, _ = env.state.EscrowGet(esc.ID)
	if stored.Status != StatusFunded {
		t.Fatalf("expected funded, got %s", stored.Status)
	}
	if got := env.mover.balance(VaultAddress(esc.ID)); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected 10 in custody, got %s", got)
	}
	if got := env.mover.balance(buyer); got.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("expected buyer debited to 90, got %s", got)
	}
}

func TestFundAuthorizationAndReplay(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 10, 3600)
	env.mover.credit(seller, 10)
	if err := env.engine.Fund(esc.ID, seller, big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-buyer, got %v", err)
	}
	env.fund(t, esc.ID, 10)
	env.mover.credit(buyer, 10)
	if err := env.engine.Fund(esc.ID, buyer, big.NewInt(10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double funding, got %v", err)
	}
}

func TestFundUnknownID(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Fund(42, buyer, big.NewInt(1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.engine.Get(0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("id 0 must never resolve, got %v", err)
	}
}

// Scenario A: create, fund, release by the seller; repeated release fails.
func TestReleaseHappyPath(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 1, 86400)
	if esc.ID != 1 {
		t.Fatalf("expected id 1, got %d", esc.ID)
	}
	env.fund(t, esc.ID, 1)

	if err := env.engine.Release(esc.ID, buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("buyer must not release, got %v", err)
	}
	if err := env.engine.Release(esc.ID, seller); err != nil {
		t.Fatalf("release: %v", err)
	}
	stored, _, _ := env.state.EscrowGet(esc.ID)
	if stored.Status != StatusReleased {
		t.Fatalf("expected released, got %s", stored.Status)
	}
	if got := env.mover.balance(seller); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected seller paid 1, got %s", got)
	}
	if err := env.engine.Release(esc.ID, seller); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("repeated release must fail, got %v", err)
	}
}

// Scenario B: after the deadline the buyer reclaims; the seller can no longer
// release.
func TestRefundAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 5, 86400)
	env.fund(t, esc.ID, 5)

	if err := env.engine.Refund(esc.ID, buyer); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("refund before deadline must fail, got %v", err)
	}
	env.now = esc.Deadline
	if err := env.engine.Refund(esc.ID, buyer); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("refund at the deadline must fail, got %v", err)
	}
	env.now = esc.Deadline + 86400
	if err := env.engine.Refund(esc.ID, seller); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller must not reclaim, got %v", err)
	}
	if err := env.engine.Refund(esc.ID, buyer); err != nil {
		t.Fatalf("refund: %v", err)
	}
	stored, _, _ := env.state.EscrowGet(esc.ID)
	if stored.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", stored.Status)
	}
	if got := env.mover.balance(buyer); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected deposit back with the buyer, got %s", got)
	}
	if err := env.engine.Release(esc.ID, seller); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("release after refund must fail, got %v", err)
	}
}

// Scenario C: the arbiter settles toward the seller; a second resolution
// fails because the record is terminal.
func TestResolveBothBranches(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 3, 3600)
	env.fund(t, esc.ID, 3)

	if err := env.engine.Resolve(esc.ID, buyer, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the arbiter may resolve, got %v", err)
	}
	if err := env.engine.Resolve(esc.ID, arbiter, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	stored, _, _ := env.state.EscrowGet(esc.ID)
	if stored.Status != StatusReleased {
		t.Fatalf("expected released, got %s", stored.Status)
	}
	if got := env.mover.balance(seller); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("expected seller paid, got %s", got)
	}
	if err := env.engine.Resolve(esc.ID, arbiter, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resolve on terminal record must fail, got %v", err)
	}

	second := env.create(t, 4, 3600)
	env.fund(t, second.ID, 4)
	if err := env.engine.Resolve(second.ID, arbiter, false); err != nil {
		t.Fatalf("resolve to buyer: %v", err)
	}
	stored, _, _ = env.state.EscrowGet(second.ID)
	if stored.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", stored.Status)
	}
	if got := env.mover.balance(buyer); got.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("expected buyer refunded, got %s", got)
	}
}

// Scenario D: an unfunded escrow cannot be released, refunded, or disputed.
func TestUnfundedRecordRejectsSettlement(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 2, 3600)
	if err := env.engine.Release(esc.ID, seller); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	env.now += 7200
	if err := env.engine.Refund(esc.ID, buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := env.engine.Resolve(esc.ID, arbiter, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if len(env.mover.calls) != 0 {
		t.Fatalf("no transfer may occur for an unfunded record")
	}
}

func TestTerminalStatesAreExclusive(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 1, 60)
	env.fund(t, esc.ID, 1)
	if err := env.engine.Release(esc.ID, seller); err != nil {
		t.Fatalf("release: %v", err)
	}
	env.now += 120
	for name, call := range map[string]func() error{
		"release": func() error { return env.engine.Release(esc.ID, seller) },
		"refund":  func() error { return env.engine.Refund(esc.ID, buyer) },
		"resolve": func() error { return env.engine.Resolve(esc.ID, arbiter, false) },
	} {
		if err := call(); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s on terminal record: expected ErrInvalidState, got %v", name, err)
		}
	}
	stored, _, _ := env.state.EscrowGet(esc.ID)
	if stored.Status != StatusReleased {
		t.Fatalf("terminal status must never change, got %s", stored.Status)
	}
	if len(env.mover.calls) != 2 {
		t.Fatalf("expected exactly one deposit and one payout, got %d transfers", len(env.mover.calls))
	}
}

func TestTransferFailureAbortsCall(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 8, 3600)
	env.fund(t, esc.ID, 8)

	env.mover.failWith = fmt.Errorf("recipient rejects")
	if err := env.engine.Release(esc.ID, seller); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	stored, _, _ := env.state.EscrowGet(esc.ID)
	if stored.Status != StatusFunded {
		t.Fatalf("failed transfer must restore funded status, got %s", stored.Status)
	}
	if got := env.mover.balance(VaultAddress(esc.ID)); got.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("custody balance must be untouched, got %s", got)
	}

	env.mover.failWith = nil
	if err := env.engine.Release(esc.ID, seller); err != nil {
		t.Fatalf("release after recovery: %v", err)
	}
	if got := env.mover.balance(seller); got.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("expected seller paid after retry, got %s", got)
	}
}

func TestFundTransferFailureLeavesRecordCreated(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 8, 3600)
	env.mover.failWith = fmt.Errorf("settlement offline")
	if err := env.engine.Fund(esc.ID, buyer, big.NewInt(8)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	stored, _, _ := env.state.EscrowGet(esc.ID)
	if stored.Status != StatusCreated {
		t.Fatalf("expected record still created, got %s", stored.Status)
	}
}

func TestPauseOverlay(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetOwner(owner)
	esc := env.create(t, 2, 3600)

	if err := env.engine.Pause(buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the owner may pause, got %v", err)
	}
	if err := env.engine.Pause(owner); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := env.engine.Pause(owner); err != nil {
		t.Fatalf("repeated pause must be a no-op, got %v", err)
	}

	env.mover.credit(buyer, 2)
	if _, err := env.engine.Create(buyer, seller, arbiter, big.NewInt(1), 60, ""); !errors.Is(err, ErrPaused) {
		t.Fatalf("create while paused: expected ErrPaused, got %v", err)
	}
	if err := env.engine.Fund(esc.ID, buyer, big.NewInt(2)); !errors.Is(err, ErrPaused) {
		t.Fatalf("fund while paused: expected ErrPaused, got %v", err)
	}
	if err := env.engine.Release(esc.ID, seller); !errors.Is(err, ErrPaused) {
		t.Fatalf("release while paused: expected ErrPaused, got %v", err)
	}
	if _, err := env.engine.Get(esc.ID); err != nil {
		t.Fatalf("queries stay available while paused: %v", err)
	}

	if err := env.engine.Unpause(owner); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := env.engine.Fund(esc.ID, buyer, big.NewInt(2)); err != nil {
		t.Fatalf("fund after unpause: %v", err)
	}
}

func TestPauseDisabledWithoutOwner(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Pause(owner); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("pause without configured owner must fail, got %v", err)
	}
}

func TestEventOrderMatchesCalls(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetOwner(owner)
	esc := env.create(t, 1, 60)
	env.fund(t, esc.ID, 1)
	if err := env.engine.Release(esc.ID, seller); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := env.engine.Pause(owner); err != nil {
		t.Fatalf("pause: %v", err)
	}
	want := []string{EventTypeCreated, EventTypeFunded, EventTypeReleased, EventTypePaused}
	got := env.emitter.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	released := env.emitter.emitted[2]
	if released.Attributes["id"] != "1" || released.Attributes["status"] != "released" {
		t.Fatalf("released event attributes wrong: %v", released.Attributes)
	}
}

func TestResolveEventCarriesOutcome(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 1, 60)
	env.fund(t, esc.ID, 1)
	if err := env.engine.Resolve(esc.ID, arbiter, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	last := env.emitter.emitted[len(env.emitter.emitted)-1]
	if last.Type != EventTypeDisputeResolved || last.Attributes["outcome"] != "refund" {
		t.Fatalf("expected refund outcome on dispute event, got %v", last)
	}
}

func TestVaultAddressesAreDistinctPerRecord(t *testing.T) {
	seen := make(map[[20]byte]uint64)
	for id := uint64(1); id <= 64; id++ {
		addr := VaultAddress(id)
		if prior, ok := seen[addr]; ok {
			t.Fatalf("vault collision between ids %d and %d", prior, id)
		}
		seen[addr] = id
	}
}

func TestCreateRejectsOverflowingDuration(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Create(buyer, seller, arbiter, big.NewInt(5), math.MaxInt64, ""); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration for wrapping deadline, got %v", err)
	}
	// The largest duration that still fits is accepted.
	esc, err := env.engine.Create(buyer, seller, arbiter, big.NewInt(5), math.MaxInt64-env.now, "")
	if err != nil {
		t.Fatalf("create at deadline ceiling: %v", err)
	}
	if esc.Deadline != math.MaxInt64 {
		t.Fatalf("expected deadline %d, got %d", int64(math.MaxInt64), esc.Deadline)
	}
	env.fund(t, esc.ID, 5)
	if err := env.engine.Refund(esc.ID, buyer); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("expected ErrDeadlineNotReached right after funding, got %v", err)
	}
}

func TestConcurrentFundDepositsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 10, 3600)
	env.mover.credit(buyer, 100)

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.engine.Fund(esc.ID, buyer, big.NewInt(10))
		}()
	}
	wg.Wait()
	close(errs)

	funded, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			funded++
		case errors.Is(err, ErrInvalidState):
			conflicts++
		default:
			t.Fatalf("unexpected fund error: %v", err)
		}
	}
	if funded != 1 || conflicts != workers-1 {
		t.Fatalf("expected exactly one deposit, got %d funded / %d conflicts", funded, conflicts)
	}
	if got := env.mover.balance(VaultAddress(esc.ID)); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected vault balance 10, got %s", got)
	}
	if len(env.mover.calls) != 1 {
		t.Fatalf("expected a single transfer, got %d", len(env.mover.calls))
	}
}

func TestConcurrentReleasePaysOutOnce(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 10, 3600)
	env.fund(t, esc.ID, 10)

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.engine.Release(esc.ID, seller)
		}()
	}
	wg.Wait()
	close(errs)

	released, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			released++
		case errors.Is(err, ErrInvalidState):
			conflicts++
		default:
			t.Fatalf("unexpected release error: %v", err)
		}
	}
	if released != 1 || conflicts != workers-1 {
		t.Fatalf("expected exactly one payout, got %d released / %d conflicts", released, conflicts)
	}
	if got := env.mover.balance(seller); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected seller balance 10, got %s", got)
	}
	if got := env.mover.balance(VaultAddress(esc.ID)); got.Sign() != 0 {
		t.Fatalf("expected empty vault, got %s", got)
	}
	// Deposit plus one payout; the losing callers never reach the mover.
	if len(env.mover.calls) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(env.mover.calls))
	}
	stored, ok, err := env.state.EscrowGet(esc.ID)
	if err != nil || !ok {
		t.Fatalf("load settled escrow: ok=%v err=%v", ok, err)
	}
	if stored.Status != StatusReleased {
		t.Fatalf("expected released status, got %s", stored.Status)
	}
}
