package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vitwit/monpay/types"
)

// EVMClient wraps an ethclient connection to a single EVM chain.
type EVMClient struct {
	eth     *ethclient.Client
	chainID *big.Int
	rpcURL  string
}

var _ ChainClient = (*EVMClient)(nil)

// NewEVMClient dials the RPC endpoint and checks that the node reports the
// expected chain id.
func NewEVMClient(ctx context.Context, rpcURL string, chainID *big.Int) (*EVMClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrChainUnavailable,
			Message: fmt.Sprintf("ethereum rpc dial: %v", err),
		}
	}

	reported, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, &types.Error{
			Code:    types.ErrChainUnavailable,
			Message: fmt.Sprintf("chain id fetch failed: %v", err),
		}
	}
	if chainID != nil && reported.Cmp(chainID) != 0 {
		eth.Close()
		return nil, fmt.Errorf("chain id mismatch: configured %s, node reports %s", chainID, reported)
	}

	return &EVMClient{eth: eth, chainID: reported, rpcURL: rpcURL}, nil
}

func (c *EVMClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *EVMClient) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, chainErr("balance fetch failed", err)
	}
	return balance, nil
}

func (c *EVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, chainErr("gas price fetch failed", err)
	}
	return price, nil
}

func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, chainErr("block number fetch failed", err)
	}
	return n, nil
}

func (c *EVMClient) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, chainErr("pending nonce fetch failed", err)
	}
	return nonce, nil
}

func (c *EVMClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return chainErr("send transaction failed", err)
	}
	return nil
}

func (c *EVMClient) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	tx, isPending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, err
		}
		return nil, false, chainErr("transaction fetch failed", err)
	}
	return tx, isPending, nil
}

func (c *EVMClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		return nil, chainErr("receipt fetch failed", err)
	}
	return receipt, nil
}

// WaitForReceipt polls once a second until the transaction is mined or the
// timeout elapses. A timeout does not mean the transfer failed; the caller
// keeps the hash and may re-poll.
func (c *EVMClient) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, chainErr("receipt fetch failed", err)
		}

		select {
		case <-ctx.Done():
			return nil, &types.Error{
				Code:    types.ErrConfirmationTimeout,
				Message: fmt.Sprintf("transaction %s not confirmed within %s", hash.Hex(), timeout),
				Data:    map[string]string{"txHash": hash.Hex()},
			}
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) Close() {
	c.eth.Close()
}

func chainErr(msg string, err error) error {
	return &types.Error{
		Code:    types.ErrChainUnavailable,
		Message: fmt.Sprintf("%s: %v", msg, err),
	}
}
