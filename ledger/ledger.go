// Package ledger is the durable record of payer balances and settlement
// attempts. Credits are idempotent per (payer, transaction hash); debits are
// conditional and can never drive a balance negative.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/monpay/types"
)

// Ledger exposes the balance mutations the settlement engine is allowed to
// perform. Implementations must be safe for concurrent use.
type Ledger interface {
	// CreditOnce credits amountWei to payer for txHash, at most once per
	// (payer, txHash) no matter how many times it is called or by how many
	// concurrent callers. payTo and source are recorded on the settlement
	// record for audit. It returns the post-credit balance and whether the
	// credit had already been applied by an earlier call.
	CreditOnce(ctx context.Context, payer common.Address, txHash common.Hash, amountWei *big.Int, payTo common.Address, source types.SourceTag) (balance *big.Int, alreadyProcessed bool, err error)

	// Debit atomically decrements payer's balance by amountWei if and only
	// if the balance is sufficient. It returns false, without mutating
	// state, when it is not.
	Debit(ctx context.Context, payer common.Address, amountWei *big.Int) (bool, error)

	// Balance returns payer's current balance; zero for unknown payers.
	Balance(ctx context.Context, payer common.Address) (*big.Int, error)
}

// ReplayGuard tracks consumed authorization ids. Reserve returns true and
// consumes the id iff it has never been reserved before; check-then-reserve
// is atomic with respect to concurrent callers.
type ReplayGuard interface {
	Reserve(ctx context.Context, authorizationID string) (bool, error)
}
