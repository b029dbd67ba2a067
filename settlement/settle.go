// Package settlement broadcasts and confirms on-chain transfers on behalf of
// the paying account (facilitator, service, or the payer itself).
package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/monpay/clients"
	"github.com/vitwit/monpay/logger"
	"github.com/vitwit/monpay/types"
)

const (
	// transferGasLimit is the gas cost of a plain value transfer with no
	// contract call.
	transferGasLimit = uint64(21000)

	// DefaultConfirmTimeout bounds the wait for a broadcast transaction to
	// be mined.
	DefaultConfirmTimeout = 120 * time.Second
)

// Executor constructs, signs, submits and confirms native-token transfers.
// Submissions from the same funding account are serialized so that two
// concurrent settlements never reuse a stale nonce.
type Executor struct {
	chain          clients.ChainClient
	confirmTimeout time.Duration
	log            logger.Logger

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

// NewExecutor creates an executor over the given chain client.
func NewExecutor(chain clients.ChainClient, confirmTimeout time.Duration, log logger.Logger) *Executor {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Executor{
		chain:          chain,
		confirmTimeout: confirmTimeout,
		log:            log,
		locks:          make(map[common.Address]*sync.Mutex),
	}
}

// Transfer moves amountWei from the account holding key to payTo and blocks
// until the transaction is confirmed or the confirmation timeout elapses.
//
// On confirmation it returns the transaction hash. A receipt with a failed
// status yields TRANSACTION_REVERTED. A confirmation timeout yields
// CONFIRMATION_TIMEOUT carrying the hash: the transfer may still land, so the
// caller can re-poll rather than resubmit. The broadcast itself is
// irreversible and consumes a nonce regardless of what happens afterwards.
func (e *Executor) Transfer(ctx context.Context, key *ecdsa.PrivateKey, payTo common.Address, amountWei *big.Int) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	signed, err := e.submit(ctx, key, from, payTo, amountWei)
	if err != nil {
		return common.Hash{}, err
	}
	txHash := signed.Hash()

	e.log.Info("transfer submitted", map[string]any{
		"from":   from.Hex(),
		"payTo":  payTo.Hex(),
		"amount": amountWei.String(),
		"txHash": txHash.Hex(),
	})

	receipt, err := e.chain.WaitForReceipt(ctx, txHash, e.confirmTimeout)
	if err != nil {
		if types.CodeOf(err) == types.ErrConfirmationTimeout {
			e.log.Warn("confirmation timed out", map[string]any{"txHash": txHash.Hex()})
		}
		return txHash, err
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return txHash, &types.Error{
			Code:    types.ErrTransactionReverted,
			Message: fmt.Sprintf("transaction %s reverted", txHash.Hex()),
			Data:    map[string]string{"txHash": txHash.Hex()},
		}
	}

	e.log.Info("transfer confirmed", map[string]any{
		"txHash": txHash.Hex(),
		"block":  receipt.BlockNumber.Uint64(),
	})
	return txHash, nil
}

// submit performs the funds check, nonce fetch, signing and broadcast while
// holding the funding account's lock.
func (e *Executor) submit(ctx context.Context, key *ecdsa.PrivateKey, from, payTo common.Address, amountWei *big.Int) (*ethtypes.Transaction, error) {
	lock := e.accountLock(from)
	lock.Lock()
	defer lock.Unlock()

	balance, err := e.chain.BalanceAt(ctx, from)
	if err != nil {
		return nil, err
	}
	gasPrice, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(transferGasLimit))
	required := new(big.Int).Add(amountWei, gasCost)
	if balance.Cmp(required) < 0 {
		return nil, &types.Error{
			Code:    types.ErrInsufficientFunds,
			Message: fmt.Sprintf("account %s needs %s wei (amount + gas), has %s wei", from.Hex(), required, balance),
			Data: map[string]string{
				"account":   from.Hex(),
				"required":  required.String(),
				"available": balance.String(),
			},
		}
	}

	nonce, err := e.chain.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, err
	}

	tx := ethtypes.NewTransaction(nonce, payTo, amountWei, transferGasLimit, gasPrice, nil)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(e.chain.ChainID()), key)
	if err != nil {
		return nil, fmt.Errorf("sign tx failed: %w", err)
	}

	if err := e.chain.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func (e *Executor) accountLock(addr common.Address) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[addr]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[addr] = lock
	}
	return lock
}
