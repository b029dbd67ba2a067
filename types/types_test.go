package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProofPriority(t *testing.T) {
	authz := &PaymentAuthorization{Payer: "0x1", Signature: "0x2"}
	hash := "0xabcdef0000000000000000000000000000000000000000000000000000000001"
	require.Len(t, hash, 66)

	tests := []struct {
		name string
		req  SettleRequest
		want ProofKind
	}{
		{"authorization wins over everything", SettleRequest{Authorization: authz, PayerPrivateKey: "key", TxHash: hash}, ProofAuthorization},
		{"payer key wins over tx hash", SettleRequest{PayerPrivateKey: "key", TxHash: hash}, ProofPayerKey},
		{"tx hash alone", SettleRequest{TxHash: hash}, ProofTxHash},
		{"nothing", SettleRequest{}, ProofNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Proof().Kind)
		})
	}
}

func TestSettleRequestValidate(t *testing.T) {
	valid := SettleRequest{
		Payer:  "0x5555555555555555555555555555555555555555",
		Amount: "1.0",
	}
	require.NoError(t, valid.Validate())

	missing := SettleRequest{Amount: "1.0"}
	err := missing.Validate()
	require.Error(t, err)

	badAddr := SettleRequest{Payer: "nope", Amount: "1.0"}
	err = badAddr.Validate()
	require.Error(t, err)
	assert.Equal(t, ErrInvalidAddress, CodeOf(err))

	badHash := valid
	badHash.TxHash = "0x123"
	err = badHash.Validate()
	require.Error(t, err)
}

func TestAuthorizationValidate(t *testing.T) {
	valid := PaymentAuthorization{
		Payer:     "0x5555555555555555555555555555555555555555",
		PayTo:     "0x2222222222222222222222222222222222222222",
		AmountWei: "1000",
		ChainID:   1,
		Signature: "0xabcd",
	}
	require.NoError(t, valid.Validate())

	incomplete := valid
	incomplete.Signature = ""
	require.Error(t, incomplete.Validate())

	badPayer := valid
	badPayer.Payer = "not-hex"
	err := badPayer.Validate()
	require.Error(t, err)
	assert.Equal(t, ErrInvalidAddress, CodeOf(err))
}

func TestCodeOfUnwraps(t *testing.T) {
	base := &Error{Code: ErrStorageFailure, Message: "boom"}
	wrapped := fmt.Errorf("credit failed: %w", base)

	assert.Equal(t, ErrStorageFailure, CodeOf(wrapped))
	assert.Empty(t, CodeOf(errors.New("plain")))
	assert.Empty(t, CodeOf(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&Error{Code: ErrConfirmationTimeout}))
	assert.True(t, IsRetryable(&Error{Code: ErrChainUnavailable}))
	assert.True(t, IsRetryable(&Error{Code: ErrStorageFailure}))
	assert.False(t, IsRetryable(&Error{Code: ErrInvalidSignature}))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Code: ErrInvalidAmount, Message: "amount cannot be empty"}
	assert.Equal(t, "amount cannot be empty", err.Error())
}

func TestProofTxHashParses(t *testing.T) {
	hash := common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	req := SettleRequest{TxHash: hash.Hex()}
	assert.Equal(t, hash, req.Proof().TxHash)
}
