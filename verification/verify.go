// Package verification inspects confirmed transactions to decide whether a
// matching on-chain payment occurred.
package verification

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/monpay/clients"
)

// Outcome is the result of a transfer check.
type Outcome int

const (
	// Unverified means the transaction is unknown or not yet mined; a
	// legitimate transient state the caller may retry.
	Unverified Outcome = iota
	// Match means a transfer satisfying the expectation was found.
	Match
	// NoMatch means the transaction is mined but no satisfying transfer
	// exists in it.
	NoMatch
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), topic 0 of
// the canonical ERC-20 Transfer event.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferVerifier checks a transaction hash against an expected
// (from, to, minimum amount) triple. Amount semantics are "at least":
// over-payment is accepted. Direction is strict: a transfer from the wrong
// sender never verifies, whatever the amount.
type TransferVerifier struct {
	chain clients.ChainClient

	// token, when set, is the ERC-20 contract whose Transfer events are
	// recognized alongside native value transfers.
	token *common.Address
}

// NewTransferVerifier creates a verifier over the given chain client. token
// may be nil for native-only verification.
func NewTransferVerifier(chain clients.ChainClient, token *common.Address) *TransferVerifier {
	return &TransferVerifier{chain: chain, token: token}
}

// Verify fetches the receipt for txHash and reports whether it contains a
// transfer of at least minAmount from `from` to `to`, either as direct
// native value or as a recognized token Transfer event.
func (v *TransferVerifier) Verify(ctx context.Context, txHash common.Hash, from, to common.Address, minAmount *big.Int) (Outcome, error) {
	receipt, err := v.chain.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Unverified, nil
		}
		return Unverified, err
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return NoMatch, nil
	}

	ok, err := v.matchesNative(ctx, txHash, from, to, minAmount)
	if err != nil {
		return Unverified, err
	}
	if ok {
		return Match, nil
	}

	if v.token != nil && v.matchesTokenTransfer(receipt, from, to, minAmount) {
		return Match, nil
	}

	return NoMatch, nil
}

// matchesNative checks the transaction's direct value transfer.
func (v *TransferVerifier) matchesNative(ctx context.Context, txHash common.Hash, from, to common.Address, minAmount *big.Int) (bool, error) {
	tx, isPending, err := v.chain.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, err
	}
	if isPending || tx.To() == nil {
		return false, nil
	}

	if tx.Value().Cmp(minAmount) < 0 || *tx.To() != to {
		return false, nil
	}

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(v.chain.ChainID()), tx)
	if err != nil {
		return false, nil
	}

	return sender == from, nil
}

// matchesTokenTransfer scans the receipt's logs for a Transfer event emitted
// by the configured token contract with matching direction and amount.
func (v *TransferVerifier) matchesTokenTransfer(receipt *ethtypes.Receipt, from, to common.Address, minAmount *big.Int) bool {
	for _, lg := range receipt.Logs {
		if lg.Address != *v.token {
			continue
		}
		if len(lg.Topics) < 3 || lg.Topics[0] != transferTopic {
			continue
		}

		logFrom := common.BytesToAddress(lg.Topics[1].Bytes())
		logTo := common.BytesToAddress(lg.Topics[2].Bytes())
		if logFrom != from || logTo != to {
			continue
		}

		transferred := new(big.Int).SetBytes(lg.Data)
		if transferred.Cmp(minAmount) >= 0 {
			return true
		}
	}
	return false
}
