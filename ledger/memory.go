package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/monpay/types"
)

// InMemoryLedger implements Ledger with the same semantics as the Postgres
// store but without durability. Suitable for tests and single-instance
// keyless demos; production deployments use *Store.
type InMemoryLedger struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	records  map[recordKey]*types.SettlementRecord
}

type recordKey struct {
	payer  common.Address
	txHash common.Hash
}

var _ Ledger = (*InMemoryLedger)(nil)

func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		balances: make(map[common.Address]*big.Int),
		records:  make(map[recordKey]*types.SettlementRecord),
	}
}

func (l *InMemoryLedger) CreditOnce(_ context.Context, payer common.Address, txHash common.Hash, amountWei *big.Int, payTo common.Address, source types.SourceTag) (*big.Int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := recordKey{payer: payer, txHash: txHash}
	if rec, ok := l.records[key]; ok && rec.Status == types.RecordSuccess {
		return l.balanceLocked(payer), true, nil
	}

	balance := l.balanceLocked(payer)
	balance.Add(balance, amountWei)
	l.balances[payer] = balance

	l.records[key] = &types.SettlementRecord{
		Payer:     payer,
		TxHash:    txHash,
		Amount:    new(big.Int).Set(amountWei),
		PayTo:     payTo,
		Source:    source,
		Status:    types.RecordSuccess,
		CreatedAt: time.Now(),
	}

	return new(big.Int).Set(balance), false, nil
}

func (l *InMemoryLedger) Debit(_ context.Context, payer common.Address, amountWei *big.Int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balanceLocked(payer)
	if balance.Cmp(amountWei) < 0 {
		return false, nil
	}
	balance.Sub(balance, amountWei)
	l.balances[payer] = balance
	return true, nil
}

func (l *InMemoryLedger) Balance(_ context.Context, payer common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(payer), nil
}

// balanceLocked returns a copy of the payer's balance. Callers hold l.mu.
func (l *InMemoryLedger) balanceLocked(payer common.Address) *big.Int {
	if b, ok := l.balances[payer]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// Record returns the settlement record for (payer, txHash), if any. Test
// introspection helper.
func (l *InMemoryLedger) Record(payer common.Address, txHash common.Hash) (*types.SettlementRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[recordKey{payer: payer, txHash: txHash}]
	return rec, ok
}

// InMemoryReplayGuard tracks consumed authorization ids in process memory.
// Replay protection does not survive restarts or span instances; use the
// Postgres store for that.
type InMemoryReplayGuard struct {
	mu       sync.Mutex
	consumed map[string]struct{}
}

var _ ReplayGuard = (*InMemoryReplayGuard)(nil)

func NewInMemoryReplayGuard() *InMemoryReplayGuard {
	return &InMemoryReplayGuard{consumed: make(map[string]struct{})}
}

func (g *InMemoryReplayGuard) Reserve(_ context.Context, authorizationID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.consumed[authorizationID]; ok {
		return false, nil
	}
	g.consumed[authorizationID] = struct{}{}
	return true, nil
}
