// Package clients provides chain RPC access for the settlement engine.
package clients

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is the engine's view of the chain. The settlement executor and
// transfer verifier consume this interface; EVMClient implements it over
// go-ethereum's ethclient. Implementations must be safe for concurrent use.
type ChainClient interface {
	// ChainID returns the configured chain id.
	ChainID() *big.Int

	// BalanceAt returns the native-token balance of addr at the latest block.
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)

	// SuggestGasPrice returns the current suggested gas price.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// BlockNumber returns the latest block number. Liveness checks use this
	// as the cheapest call that proves the node is synced and answering.
	BlockNumber(ctx context.Context) (uint64, error)

	// PendingNonceAt returns the next transaction sequence number for addr,
	// including pending transactions.
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)

	// SendTransaction broadcasts a signed transaction.
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error

	// TransactionByHash fetches a transaction. isPending reports whether it
	// has not yet been mined.
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *ethtypes.Transaction, isPending bool, err error)

	// TransactionReceipt fetches the receipt of a mined transaction. Returns
	// ethereum.NotFound if the transaction is unknown or not yet mined.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)

	// WaitForReceipt polls for the receipt of hash until it is mined or the
	// timeout elapses.
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*ethtypes.Receipt, error)

	Close()
}
