// Package clienttest provides an in-memory ChainClient for tests.
package clienttest

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vitwit/monpay/clients"
	"github.com/vitwit/monpay/types"
)

// FakeChain is a deterministic in-memory chain. Transactions sent through
// SendTransaction are mined immediately with a success receipt unless
// HoldReceipts is set; helpers pre-mine transfers for the verification paths.
type FakeChain struct {
	mu sync.Mutex

	chainID  *big.Int
	gasPrice *big.Int

	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	txs      map[common.Hash]*ethtypes.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*ethtypes.Receipt

	// HoldReceipts keeps sent transactions unmined so WaitForReceipt times
	// out. SendErr, when set, fails every broadcast. BlockNumberErr makes
	// BlockNumber fail, simulating an unreachable node.
	HoldReceipts   bool
	SendErr        error
	BlockNumberErr error
}

var _ clients.ChainClient = (*FakeChain)(nil)

func NewFakeChain(chainID uint64) *FakeChain {
	return &FakeChain{
		chainID:  new(big.Int).SetUint64(chainID),
		gasPrice: big.NewInt(1_000_000_000),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		txs:      make(map[common.Hash]*ethtypes.Transaction),
		pending:  make(map[common.Hash]bool),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
	}
}

func (c *FakeChain) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *FakeChain) BalanceAt(_ context.Context, addr common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (c *FakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *FakeChain) BlockNumber(context.Context) (uint64, error) {
	if c.BlockNumberErr != nil {
		return 0, c.BlockNumberErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.receipts)) + 1, nil
}

func (c *FakeChain) PendingNonceAt(_ context.Context, addr common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[addr], nil
}

func (c *FakeChain) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	if c.SendErr != nil {
		return c.SendErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return err
	}
	c.nonces[sender] = tx.Nonce() + 1
	c.txs[tx.Hash()] = tx

	if c.HoldReceipts {
		c.pending[tx.Hash()] = true
		return nil
	}
	c.receipts[tx.Hash()] = &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(1),
	}
	return nil
}

func (c *FakeChain) TransactionByHash(_ context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, c.pending[hash], nil
}

func (c *FakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *FakeChain) WaitForReceipt(ctx context.Context, hash common.Hash, _ time.Duration) (*ethtypes.Receipt, error) {
	receipt, err := c.TransactionReceipt(ctx, hash)
	if err == nil {
		return receipt, nil
	}
	return nil, &types.Error{
		Code:    types.ErrConfirmationTimeout,
		Message: "transaction not confirmed before timeout",
		Data:    map[string]string{"txHash": hash.Hex()},
	}
}

func (c *FakeChain) Close() {}

// SetBalance funds an account.
func (c *FakeChain) SetBalance(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(wei)
}

// MineTransfer signs and mines a native value transfer from key's account,
// returning its hash. The transaction is real, so sender recovery works.
func (c *FakeChain) MineTransfer(key *ecdsa.PrivateKey, to common.Address, value *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := ethtypes.NewTransaction(uint64(len(c.txs)), to, value, 21000, c.gasPrice, nil)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return common.Hash{}, err
	}

	c.txs[signed.Hash()] = signed
	c.receipts[signed.Hash()] = &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		TxHash:      signed.Hash(),
		BlockNumber: big.NewInt(1),
	}
	return signed.Hash(), nil
}

// MineReverted mines a transfer whose receipt carries a failed status.
func (c *FakeChain) MineReverted(key *ecdsa.PrivateKey, to common.Address, value *big.Int) (common.Hash, error) {
	hash, err := c.MineTransfer(key, to, value)
	if err != nil {
		return common.Hash{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[hash].Status = ethtypes.ReceiptStatusFailed
	return hash, nil
}

// MineTokenTransfer mines a receipt carrying an ERC-20 Transfer event from
// the given token contract. No underlying transaction is recorded, matching a
// contract call the engine never parses directly.
func (c *FakeChain) MineTokenTransfer(token, from, to common.Address, amount *big.Int) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := common.BigToHash(new(big.Int).SetUint64(uint64(len(c.receipts) + 1)))
	transferTopic := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	c.receipts[hash] = &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: big.NewInt(1),
		Logs: []*ethtypes.Log{{
			Address: token,
			Topics: []common.Hash{
				transferTopic,
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(to.Bytes()),
			},
			Data: common.BigToHash(amount).Bytes(),
		}},
	}
	return hash
}

// Tx returns a broadcast transaction for inspection.
func (c *FakeChain) Tx(hash common.Hash) (*ethtypes.Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[hash]
	return tx, ok
}
