package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/monpay/types"
)

var (
	payer  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payee  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	txHash = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
)

func wei(n int64) *big.Int { return big.NewInt(n) }

func TestCreditOnceFirstCredit(t *testing.T) {
	l := NewInMemoryLedger()

	balance, already, err := l.CreditOnce(context.Background(), payer, txHash, wei(100), payee, types.SourceExternal)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Zero(t, balance.Cmp(wei(100)))

	rec, ok := l.Record(payer, txHash)
	require.True(t, ok)
	assert.Equal(t, types.RecordSuccess, rec.Status)
	assert.Equal(t, types.SourceExternal, rec.Source)
	assert.Equal(t, payee, rec.PayTo)
}

func TestCreditOnceIsIdempotent(t *testing.T) {
	l := NewInMemoryLedger()

	_, _, err := l.CreditOnce(context.Background(), payer, txHash, wei(100), payee, types.SourceExternal)
	require.NoError(t, err)

	balance, already, err := l.CreditOnce(context.Background(), payer, txHash, wei(100), payee, types.SourceExternal)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Zero(t, balance.Cmp(wei(100)), "replayed credit changed the balance")
}

func TestCreditOnceDistinctHashesAccumulate(t *testing.T) {
	l := NewInMemoryLedger()
	other := common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	_, _, err := l.CreditOnce(context.Background(), payer, txHash, wei(100), payee, types.SourceExternal)
	require.NoError(t, err)
	balance, already, err := l.CreditOnce(context.Background(), payer, other, wei(50), payee, types.SourceFacilitator)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Zero(t, balance.Cmp(wei(150)))
}

func TestCreditOnceConcurrentCallersCreditExactlyOnce(t *testing.T) {
	l := NewInMemoryLedger()

	const callers = 32
	var wg sync.WaitGroup
	duplicates := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, already, err := l.CreditOnce(context.Background(), payer, txHash, wei(100), payee, types.SourceExternal)
			assert.NoError(t, err)
			duplicates <- already
		}()
	}
	wg.Wait()
	close(duplicates)

	fresh := 0
	for already := range duplicates {
		if !already {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one caller performs the credit")

	balance, err := l.Balance(context.Background(), payer)
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(wei(100)))
}

func TestDebitSufficientBalance(t *testing.T) {
	l := NewInMemoryLedger()
	_, _, err := l.CreditOnce(context.Background(), payer, txHash, wei(100), payee, types.SourceExternal)
	require.NoError(t, err)

	ok, err := l.Debit(context.Background(), payer, wei(40))
	require.NoError(t, err)
	assert.True(t, ok)

	balance, _ := l.Balance(context.Background(), payer)
	assert.Zero(t, balance.Cmp(wei(60)))
}

func TestDebitNeverGoesNegative(t *testing.T) {
	l := NewInMemoryLedger()
	_, _, err := l.CreditOnce(context.Background(), payer, txHash, wei(50), payee, types.SourceExternal)
	require.NoError(t, err)

	ok, err := l.Debit(context.Background(), payer, wei(51))
	require.NoError(t, err)
	assert.False(t, ok)

	balance, _ := l.Balance(context.Background(), payer)
	assert.Zero(t, balance.Cmp(wei(50)), "failed debit mutated the balance")
}

func TestDebitConcurrentSpendersNeverOverdraw(t *testing.T) {
	l := NewInMemoryLedger()
	_, _, err := l.CreditOnce(context.Background(), payer, txHash, wei(10), payee, types.SourceExternal)
	require.NoError(t, err)

	const spenders = 32
	var wg sync.WaitGroup
	results := make(chan bool, spenders)
	for i := 0; i < spenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Debit(context.Background(), payer, wei(1))
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 10, succeeded)

	balance, _ := l.Balance(context.Background(), payer)
	assert.Zero(t, balance.Sign())
}

func TestBalanceUnknownPayerIsZero(t *testing.T) {
	l := NewInMemoryLedger()
	balance, err := l.Balance(context.Background(), payer)
	require.NoError(t, err)
	assert.Zero(t, balance.Sign())
}

func TestReplayGuardReserveOnce(t *testing.T) {
	g := NewInMemoryReplayGuard()

	fresh, err := g.Reserve(context.Background(), "auth-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = g.Reserve(context.Background(), "auth-1")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestReplayGuardConcurrentReserve(t *testing.T) {
	g := NewInMemoryReplayGuard()

	const callers = 32
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := g.Reserve(context.Background(), "auth-1")
			assert.NoError(t, err)
			results <- fresh
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for fresh := range results {
		if fresh {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
