// Package auth builds and verifies off-chain payment authorizations. A payer
// signs a canonical message naming themselves, the payee, the base-unit
// amount and the chain id using the standard personal-message scheme
// (EIP-191); the verifier recovers the signer and matches it against the
// claimed payer.
package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/vitwit/monpay/types"
)

// CanonicalMessage renders the message a payer signs. Field order and
// formatting are fixed: changing either invalidates every previously issued
// signature. Addresses are EIP-55 checksummed, the amount is the base-unit
// integer in decimal, the chain id is decimal.
func CanonicalMessage(payer, payTo common.Address, amountWei *big.Int, chainID uint64) string {
	return fmt.Sprintf("x402 Payment\nUser: %s\nPayTo: %s\nAmount: %s\nChain: %d",
		payer.Hex(), payTo.Hex(), amountWei.String(), chainID)
}

// NewAuthorizationID returns a fresh unique authorization id for replay
// protection.
func NewAuthorizationID() string {
	return uuid.NewString()
}

// Verify checks a PaymentAuthorization against the given chain id. It is a
// pure function: a bad signature yields (false, nil), not an error; only a
// structurally unusable authorization yields an error.
func Verify(a *types.PaymentAuthorization, chainID uint64) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, err
	}
	if a.ChainID != chainID {
		return false, nil
	}

	amountWei, ok := new(big.Int).SetString(a.AmountWei, 10)
	if !ok || amountWei.Sign() < 0 {
		return false, &types.Error{
			Code:    types.ErrInvalidAmount,
			Message: fmt.Sprintf("invalid authorization amount: %s", a.AmountWei),
		}
	}

	payer := common.HexToAddress(a.Payer)
	payTo := common.HexToAddress(a.PayTo)
	message := CanonicalMessage(payer, payTo, amountWei, chainID)

	recovered, err := RecoverSigner(message, a.Signature)
	if err != nil {
		// Malformed signature bytes are a verification failure, not a fault.
		return false, nil
	}

	return recovered == payer, nil
}

// RecoverSigner recovers the address that personal-signed message. It
// accepts both 27/28 and 0/1 recovery ids, matching what browser wallets and
// go-ethereum produce respectively.
func RecoverSigner(message, signature string) (common.Address, error) {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	hash := accounts.TextHash([]byte(message))
	pubKey, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// Sign produces a PaymentAuthorization for the given terms, signed with the
// payer's key. Used by clients and tests; the service itself only verifies.
func Sign(key *ecdsa.PrivateKey, payTo common.Address, amountWei *big.Int, chainID uint64, authorizationID string) (*types.PaymentAuthorization, error) {
	payer := crypto.PubkeyToAddress(key.PublicKey)
	message := CanonicalMessage(payer, payTo, amountWei, chainID)

	hash := accounts.TextHash([]byte(message))
	signature, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	return &types.PaymentAuthorization{
		Payer:           payer.Hex(),
		PayTo:           payTo.Hex(),
		AmountWei:       amountWei.String(),
		ChainID:         chainID,
		Signature:       hexutil.Encode(signature),
		AuthorizationID: authorizationID,
	}, nil
}
