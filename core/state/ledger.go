package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

// Key layout. Records are append-style: escrows are immutable once terminal
// and identifiers are never reused, so no migration concerns arise.
const (
	escrowKeyPrefix  = "escrow/"
	accountKeyPrefix = "account/"
	eventKeyPrefix   = "events/"
	escrowSeqKey     = "meta/escrow-seq"
	eventSeqKey      = "meta/event-seq"
	pausedKey        = "meta/paused"
)

// StoredEvent is one entry of the append-only event log, ordered by sequence.
type StoredEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Ledger is the authoritative registry state over a durable key-value store:
// escrow records, settlement accounts, the pause flag, and the event log. It
// implements both the engine's State contract and its ValueMover capability,
// and serializes all mutations so each engine call is atomic with respect to
// the store.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

// NewLedger wraps the given database. The caller retains ownership of the
// database handle and is responsible for closing it.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func escrowKey(id uint64) []byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], id)
	return append([]byte(escrowKeyPrefix), seq[:]...)
}

func accountKey(addr [20]byte) []byte {
	return append([]byte(accountKeyPrefix), addr[:]...)
}

func eventKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append([]byte(eventKeyPrefix), buf[:]...)
}

// EscrowPut persists an escrow record.
func (l *Ledger) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.Sanitize(e)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("state: encode escrow %d: %w", sanitized.ID, err)
	}
	return l.db.Put(escrowKey(sanitized.ID), raw)
}

// EscrowGet loads an escrow record by id.
func (l *Ledger) EscrowGet(id uint64) (*escrow.Escrow, bool, error) {
	raw, err := l.db.Get(escrowKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var esc escrow.Escrow
	if err := json.Unmarshal(raw, &esc); err != nil {
		return nil, false, fmt.Errorf("state: decode escrow %d: %w", id, err)
	}
	return &esc, true, nil
}

// EscrowNextID returns the next identifier from the strictly increasing
// registry counter. The first id issued is 1; id 0 never exists, so it safely
// signals "not found" in query paths.
func (l *Ledger) EscrowNextID() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next, err := l.readCounter(escrowSeqKey)
	if err != nil {
		return 0, err
	}
	next++
	if err := l.writeCounter(escrowSeqKey, next); err != nil {
		return 0, err
	}
	return next, nil
}

// SetPaused persists the administrative pause flag so a restart does not
// silently resume a halted registry.
func (l *Ledger) SetPaused(paused bool) error {
	value := []byte{0}
	if paused {
		value[0] = 1
	}
	return l.db.Put([]byte(pausedKey), value)
}

// Paused reports the persisted pause flag.
func (l *Ledger) Paused() (bool, error) {
	raw, err := l.db.Get([]byte(pausedKey))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(raw) == 1 && raw[0] == 1, nil
}

// Transfer moves value between settlement accounts. It is the ledger-backed
// ValueMover: the debit and credit are applied under one lock so no partial
// movement is ever visible, and any failure leaves both accounts untouched.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid transfer amount")
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fromAcc, err := l.getAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("state: insufficient balance")
	}
	toAcc, err := l.getAccount(to)
	if err != nil {
		return err
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := l.putAccount(from, fromAcc); err != nil {
		return err
	}
	if err := l.putAccount(to, toAcc); err != nil {
		// Put back the debit; MemDB and LevelDB writes only fail on a broken
		// store, but the caller must still observe all or nothing.
		fromAcc.Balance = new(big.Int).Add(fromAcc.Balance, amount)
		if undoErr := l.putAccount(from, fromAcc); undoErr != nil {
			return fmt.Errorf("state: credit failed: %v (undo failed: %v)", err, undoErr)
		}
		return err
	}
	return nil
}

// Credit adds value to an account. This is the deposit path from the external
// settlement layer; the engine itself never mints.
func (l *Ledger) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: credit amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.getAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return l.putAccount(addr, acc)
}

// BalanceOf returns the current balance of an account, zero if it has never
// been touched.
func (l *Ledger) BalanceOf(addr [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.getAccount(addr)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

// AppendEvent stores an emitted event at the next log sequence. Sequences
// strictly increase in call order, giving external indexers a causal order.
func (l *Ledger) AppendEvent(evt *types.Event) (uint64, error) {
	if evt == nil {
		return 0, fmt.Errorf("state: nil event")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, err := l.readCounter(eventSeqKey)
	if err != nil {
		return 0, err
	}
	seq++
	stored := StoredEvent{Sequence: seq, Type: evt.Type, Attributes: evt.Attributes}
	raw, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("state: encode event: %w", err)
	}
	if err := l.db.Put(eventKey(seq), raw); err != nil {
		return 0, err
	}
	if err := l.writeCounter(eventSeqKey, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// ListEvents returns up to limit events whose type carries the given prefix,
// oldest first. An empty prefix matches everything.
func (l *Ledger) ListEvents(prefix string, limit int) ([]StoredEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, err := l.readCounter(eventSeqKey)
	if err != nil {
		return nil, err
	}
	out := make([]StoredEvent, 0)
	for seq := uint64(1); seq <= last; seq++ {
		raw, err := l.db.Get(eventKey(seq))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var stored StoredEvent
		if err := json.Unmarshal(raw, &stored); err != nil {
			return nil, fmt.Errorf("state: decode event %d: %w", seq, err)
		}
		if prefix != "" && !strings.HasPrefix(stored.Type, prefix) {
			continue
		}
		out = append(out, stored)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) getAccount(addr [20]byte) (*types.Account, error) {
	raw, err := l.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return types.NewAccount(), nil
	}
	if err != nil {
		return nil, err
	}
	var acc types.Account
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return &acc, nil
}

func (l *Ledger) putAccount(addr [20]byte, acc *types.Account) error {
	raw, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	return l.db.Put(accountKey(addr), raw)
}

func (l *Ledger) readCounter(key string) (uint64, error) {
	raw, err := l.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("state: malformed counter %q", key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (l *Ledger) writeCounter(key string, value uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	return l.db.Put([]byte(key), buf[:])
}
