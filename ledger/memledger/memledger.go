// Package memledger is an in-process ledger that implements
// [ledger.Client]. It keeps balances per asset, advances one slot per
// accepted transaction, verifies fee-payer signatures and recent block
// hashes, and records failed executions the way a real network does.
// Fault hooks let tests simulate rejected broadcasts and slow
// confirmation.
package memledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fly402/fly402-go/ledger"
)

// blockhashWindow is how many slots a block hash stays valid for new
// transactions.
const blockhashWindow = 150

// Ledger is a goroutine-safe in-memory ledger.
type Ledger struct {
	mu sync.Mutex

	network  string
	slot     uint64
	clock    func() time.Time
	mints    map[string]ledger.MintInfo
	balances map[string]map[string]uint64
	txs      map[string]*ledger.TransactionRecord
	hashes   map[string]uint64

	sendHook     func(ledger.SignedTransaction) error
	confirmDepth func(slotsSince uint64) uint64
}

// Option customizes a [Ledger].
type Option func(*Ledger)

// WithClock sets the source of block times.
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		l.clock = fn
	}
}

// New creates an empty ledger for network.
func New(network string, opts ...Option) *Ledger {
	l := &Ledger{
		network:  network,
		slot:     1,
		clock:    time.Now,
		mints:    make(map[string]ledger.MintInfo),
		balances: make(map[string]map[string]uint64),
		txs:      make(map[string]*ledger.TransactionRecord),
		hashes:   make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(l)
	}
	l.hashes[l.blockhashLocked(l.slot)] = l.slot
	return l
}

// Network returns the network identifier transactions must carry.
func (l *Ledger) Network() string {
	return l.network
}

// CreateMint registers an asset with the given number of decimals.
func (l *Ledger) CreateMint(asset string, decimals uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mints[asset] = ledger.MintInfo{Asset: asset, Decimals: decimals}
}

// Fund credits owner with amount base units of asset. The balance
// saturates at math.MaxUint64.
func (l *Ledger) Fund(owner, asset string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditLocked(owner, asset, amount)
}

// FailSends makes SendTransaction consult hook before accepting a
// transaction; a non-nil error is returned to the caller unchanged.
// Pass nil to clear.
func (l *Ledger) FailSends(hook func(ledger.SignedTransaction) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendHook = hook
}

// SetConfirmationDepth overrides how confirmations are reported. fn
// receives the number of slots produced since inclusion. Pass nil to
// restore the default of slotsSince+1.
func (l *Ledger) SetConfirmationDepth(fn func(slotsSince uint64) uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmDepth = fn
}

// AdvanceSlots produces n empty slots.
func (l *Ledger) AdvanceSlots(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for range n {
		l.nextSlotLocked()
	}
}

// Record inserts an already-executed transaction, bypassing signature
// and balance checks. Tests use it to stage ledger history such as a
// transfer settled at a chosen block time.
func (l *Ledger) Record(rec ledger.TransactionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.Slot == 0 {
		rec.Slot = l.slot
	}
	if rec.BlockTime.IsZero() {
		rec.BlockTime = l.clock()
	}
	l.txs[rec.Signature] = &rec
}

// LatestBlockhash implements [ledger.Client].
func (l *Ledger) LatestBlockhash(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockhashLocked(l.slot), nil
}

// Mint implements [ledger.Client].
func (l *Ledger) Mint(ctx context.Context, asset string) (ledger.MintInfo, error) {
	if err := ctx.Err(); err != nil {
		return ledger.MintInfo{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.mints[asset]
	if !ok {
		return ledger.MintInfo{}, fmt.Errorf("%w: mint %s", ledger.ErrNotFound, asset)
	}
	return info, nil
}

// Balance implements [ledger.Client].
func (l *Ledger) Balance(ctx context.Context, owner, asset string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.mints[asset]; !ok {
		return 0, fmt.Errorf("%w: mint %s", ledger.ErrNotFound, asset)
	}
	return l.balances[asset][owner], nil
}

// SendTransaction implements [ledger.Client]. Malformed, badly signed,
// stale or duplicate transactions are rejected outright. Well-formed
// transactions that fail during execution (unknown asset, insufficient
// balance) are included with a non-empty Err and move no funds.
func (l *Ledger) SendTransaction(ctx context.Context, stx ledger.SignedTransaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ledger.VerifySignature(stx); err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrRejected, err)
	}
	transfers, err := stx.Transaction.Transfers()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrRejected, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sendHook != nil {
		if err := l.sendHook(stx); err != nil {
			return "", err
		}
	}
	if stx.Transaction.Network != l.network {
		return "", fmt.Errorf("%w: network %q, node serves %q", ledger.ErrRejected, stx.Transaction.Network, l.network)
	}
	hashSlot, ok := l.hashes[stx.Transaction.RecentBlockhash]
	if !ok || l.slot-hashSlot > blockhashWindow {
		return "", fmt.Errorf("%w: blockhash not found", ledger.ErrRejected)
	}
	if _, dup := l.txs[stx.Signature]; dup {
		return "", fmt.Errorf("%w: transaction already processed", ledger.ErrRejected)
	}

	l.nextSlotLocked()
	rec := &ledger.TransactionRecord{
		Signature:   stx.Signature,
		Transaction: stx.Transaction,
		Slot:        l.slot,
		BlockTime:   l.clock(),
		Err:         l.executeLocked(stx.Transaction.FeePayer, transfers),
	}
	l.txs[stx.Signature] = rec
	return stx.Signature, nil
}

// SignatureStatus implements [ledger.Client].
func (l *Ledger) SignatureStatus(ctx context.Context, signature string) (ledger.SignatureStatus, error) {
	if err := ctx.Err(); err != nil {
		return ledger.SignatureStatus{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.txs[signature]
	if !ok {
		return ledger.SignatureStatus{}, fmt.Errorf("%w: signature %s", ledger.ErrNotFound, signature)
	}
	return ledger.SignatureStatus{
		Slot:          rec.Slot,
		Confirmations: l.confirmationsLocked(rec.Slot),
		Err:           rec.Err,
	}, nil
}

// Transaction implements [ledger.Client].
func (l *Ledger) Transaction(ctx context.Context, signature string) (*ledger.TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.txs[signature]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ledger.ErrNotFound, signature)
	}
	out := *rec
	out.Confirmations = l.confirmationsLocked(rec.Slot)
	return &out, nil
}

func (l *Ledger) executeLocked(feePayer string, transfers []ledger.TransferInstruction) string {
	debits := make(map[[2]string]uint64)
	credits := make(map[[2]string]uint64)
	for _, tr := range transfers {
		if tr.Source != feePayer {
			return fmt.Sprintf("transfer source %s is not the fee payer", tr.Source)
		}
		if _, ok := l.mints[tr.Asset]; !ok {
			return fmt.Sprintf("unknown mint %s", tr.Asset)
		}
		key := [2]string{tr.Asset, tr.Source}
		if debits[key] > math.MaxUint64-tr.Amount {
			return "transfer amount overflow"
		}
		debits[key] += tr.Amount
		if debits[key] > l.balances[tr.Asset][tr.Source] {
			return "insufficient funds"
		}
		dest := [2]string{tr.Asset, tr.Destination}
		if credits[dest] > math.MaxUint64-tr.Amount {
			return "transfer amount overflow"
		}
		credits[dest] += tr.Amount
	}
	for key, amount := range credits {
		if l.balances[key[0]][key[1]] > math.MaxUint64-amount {
			return fmt.Sprintf("balance of %s would overflow", key[1])
		}
	}
	for _, tr := range transfers {
		l.creditLocked(tr.Source, tr.Asset, 0)
		l.balances[tr.Asset][tr.Source] -= tr.Amount
		l.creditLocked(tr.Destination, tr.Asset, tr.Amount)
	}
	return ""
}

func (l *Ledger) creditLocked(owner, asset string, amount uint64) {
	accounts, ok := l.balances[asset]
	if !ok {
		accounts = make(map[string]uint64)
		l.balances[asset] = accounts
	}
	if accounts[owner] > math.MaxUint64-amount {
		accounts[owner] = math.MaxUint64
		return
	}
	accounts[owner] += amount
}

func (l *Ledger) nextSlotLocked() {
	l.slot++
	l.hashes[l.blockhashLocked(l.slot)] = l.slot
}

func (l *Ledger) confirmationsLocked(slot uint64) uint64 {
	var since uint64
	if l.slot > slot {
		since = l.slot - slot
	}
	if l.confirmDepth != nil {
		return l.confirmDepth(since)
	}
	return since + 1
}

func (l *Ledger) blockhashLocked(slot uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], slot)
	h := blake3.New()
	_, _ = h.Write([]byte(l.network))
	_, _ = h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}
