package monpay

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/monpay/amount"
	"github.com/vitwit/monpay/auth"
	"github.com/vitwit/monpay/clients/clienttest"
	"github.com/vitwit/monpay/ledger"
	"github.com/vitwit/monpay/types"
)

const chainID = uint64(10143)

var payTo = common.HexToAddress("0x2222222222222222222222222222222222222222")

type engineFixture struct {
	engine *Facilitator
	chain  *clienttest.FakeChain
	ledger *ledger.InMemoryLedger
}

func newEngine(t *testing.T) *engineFixture {
	t.Helper()

	chain := clienttest.NewFakeChain(chainID)
	store := ledger.NewInMemoryLedger()

	facilitatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	chain.SetBalance(crypto.PubkeyToAddress(facilitatorKey.PublicKey), amount.MustBaseUnits("1000"))

	engine, err := New(Config{
		Chain:          chain,
		Ledger:         store,
		ReplayGuard:    ledger.NewInMemoryReplayGuard(),
		ChainID:        chainID,
		PayTo:          payTo,
		TokenSymbol:    "MON",
		FacilitatorKey: facilitatorKey,
	})
	require.NoError(t, err)

	return &engineFixture{engine: engine, chain: chain, ledger: store}
}

func TestQuote(t *testing.T) {
	fx := newEngine(t)

	quote, err := fx.engine.Quote("1.0")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", quote.AmountWei)
	assert.Equal(t, chainID, quote.ChainID)
	assert.Equal(t, "MON", quote.Token)
	assert.Equal(t, payTo.Hex(), quote.PayTo)

	_, err = fx.engine.Quote("-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidAmount, types.CodeOf(err))
}

func TestSettleWithoutProofReturnsQuote(t *testing.T) {
	fx := newEngine(t)
	payer := common.HexToAddress("0x5555555555555555555555555555555555555555")

	result, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:  payer.Hex(),
		Amount: "2.5",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateQuoted, result.State)
	require.NotNil(t, result.Quote)
	assert.Equal(t, "2500000000000000000", result.Quote.AmountWei)

	balance, err := fx.engine.GetBalance(context.Background(), payer.Hex())
	require.NoError(t, err)
	assert.Zero(t, balance.Sign(), "no credit without payment")
}

func TestSettleWithAuthorization(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	authz, err := auth.Sign(payerKey, payTo, amount.MustBaseUnits("1"), chainID, auth.NewAuthorizationID())
	require.NoError(t, err)

	result, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:         payer.Hex(),
		Amount:        "1.0",
		Authorization: authz,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateCredited, result.State)
	assert.Equal(t, types.SourceFacilitator, result.Source)
	assert.False(t, result.AlreadyProcessed)
	assert.Equal(t, "1000000000000000000", result.BalanceWei)
	assert.NotEmpty(t, result.TxHash)

	// The settlement record carries the receiving address for audit.
	rec, ok := fx.ledger.Record(payer, common.HexToHash(result.TxHash))
	require.True(t, ok)
	assert.Equal(t, payTo, rec.PayTo)
}

func TestSettleRejectsReplayedAuthorization(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	authz, err := auth.Sign(payerKey, payTo, amount.MustBaseUnits("1"), chainID, auth.NewAuthorizationID())
	require.NoError(t, err)

	req := &types.SettleRequest{Payer: payer.Hex(), Amount: "1.0", Authorization: authz}

	_, err = fx.engine.Settle(context.Background(), req)
	require.NoError(t, err)

	result, err := fx.engine.Settle(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.ErrReplayedAuthorization, types.CodeOf(err))
	assert.Equal(t, types.StateRejected, result.State)

	// The first settlement's credit stands untouched.
	balance, _ := fx.engine.GetBalance(context.Background(), payer.Hex())
	assert.Equal(t, "1000000000000000000", balance.String())
}

func TestSettleRejectsForgedAuthorization(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	forger, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	// Signed by someone else but claiming the payer's address.
	authz, err := auth.Sign(forger, payTo, amount.MustBaseUnits("1"), chainID, "")
	require.NoError(t, err)
	authz.Payer = payer.Hex()

	result, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:         payer.Hex(),
		Amount:        "1.0",
		Authorization: authz,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidSignature, types.CodeOf(err))
	assert.Equal(t, types.StateRejected, result.State)
}

func TestSettleRejectsAuthorizationBelowQuote(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	authz, err := auth.Sign(payerKey, payTo, amount.MustBaseUnits("0.5"), chainID, "")
	require.NoError(t, err)

	_, err = fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:         payer.Hex(),
		Amount:        "1.0",
		Authorization: authz,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidAmount, types.CodeOf(err))
}

func TestSettleSelfPaid(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)
	fx.chain.SetBalance(payer, amount.MustBaseUnits("10"))

	result, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:           payer.Hex(),
		Amount:          "1.0",
		PayerPrivateKey: hex.EncodeToString(crypto.FromECDSA(payerKey)),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateCredited, result.State)
	assert.Equal(t, types.SourceSelfPaid, result.Source)
	assert.Equal(t, "1000000000000000000", result.BalanceWei)
}

func TestSettleSelfPaidRejectsForeignKey(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	result, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:           payer.Hex(),
		Amount:          "1.0",
		PayerPrivateKey: hex.EncodeToString(crypto.FromECDSA(other)),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidSignature, types.CodeOf(err))
	assert.Equal(t, types.StateRejected, result.State)
}

func TestSettleSelfPaidInsufficientFunds(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	result, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:           payer.Hex(),
		Amount:          "1.0",
		PayerPrivateKey: hex.EncodeToString(crypto.FromECDSA(payerKey)),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrInsufficientFunds, types.CodeOf(err))
	assert.Equal(t, types.StatePaymentFailed, result.State)
}

func TestSettleWithTransactionHash(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	hash, err := fx.chain.MineTransfer(payerKey, payTo, amount.MustBaseUnits("1"))
	require.NoError(t, err)

	result, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:  payer.Hex(),
		Amount: "1.0",
		TxHash: hash.Hex(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateCredited, result.State)
	assert.Equal(t, types.SourceExternal, result.Source)
	assert.Equal(t, "1000000000000000000", result.BalanceWei)
}

func TestSettleOverPaymentCreditsQuotedAmount(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	// Paid 5 on chain, settling a 1.0 quote: the ledger gets exactly 1.0.
	hash, err := fx.chain.MineTransfer(payerKey, payTo, amount.MustBaseUnits("5"))
	require.NoError(t, err)

	result, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:  payer.Hex(),
		Amount: "1.0",
		TxHash: hash.Hex(),
	})
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", result.BalanceWei)
}

func TestSettleDuplicateTransactionHash(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	hash, err := fx.chain.MineTransfer(payerKey, payTo, amount.MustBaseUnits("1"))
	require.NoError(t, err)

	req := &types.SettleRequest{Payer: payer.Hex(), Amount: "1.0", TxHash: hash.Hex()}

	first, err := fx.engine.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StateCredited, first.State)

	second, err := fx.engine.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StateAlreadyCredited, second.State)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.BalanceWei, second.BalanceWei, "duplicate settle changed the balance")
}

func TestSettleRejectsUnrelatedTransaction(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	stranger, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	// Someone else's payment cannot be claimed.
	hash, err := fx.chain.MineTransfer(stranger, payTo, amount.MustBaseUnits("1"))
	require.NoError(t, err)

	result, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:  payer.Hex(),
		Amount: "1.0",
		TxHash: hash.Hex(),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrTransferVerificationFailed, types.CodeOf(err))
	assert.Equal(t, types.StateRejected, result.State)
}

func TestSettleConfirmationTimeoutReturnsHash(t *testing.T) {
	fx := newEngine(t)
	fx.chain.HoldReceipts = true
	payerKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	authz, err := auth.Sign(payerKey, payTo, amount.MustBaseUnits("1"), chainID, "")
	require.NoError(t, err)

	result, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:         payer.Hex(),
		Amount:        "1.0",
		Authorization: authz,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfirmationTimeout, types.CodeOf(err))
	assert.Equal(t, types.StatePaymentFailed, result.State)
	assert.NotEmpty(t, result.TxHash, "timeout must surface the hash for later retry")
	assert.True(t, types.IsRetryable(err))

	// Nothing was credited.
	balance, _ := fx.engine.GetBalance(context.Background(), payer.Hex())
	assert.Zero(t, balance.Sign())
}

func TestSettleRejectsZeroAmount(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	hash, err := fx.chain.MineTransfer(payerKey, payTo, amount.MustBaseUnits("1"))
	require.NoError(t, err)

	// A zero-amount settle against a real transfer must be rejected before
	// it can consume the (payer, tx hash) idempotency key with a 0 credit.
	result, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:  payer.Hex(),
		Amount: "0",
		TxHash: hash.Hex(),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidAmount, types.CodeOf(err))
	assert.Equal(t, types.StateRejected, result.State)

	// The real settlement for the same hash still credits in full.
	result, err = fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:  payer.Hex(),
		Amount: "1.0",
		TxHash: hash.Hex(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateCredited, result.State)
	assert.False(t, result.AlreadyProcessed)
	assert.Equal(t, "1000000000000000000", result.BalanceWei)
}

func TestQuoteRejectsZeroAmount(t *testing.T) {
	fx := newEngine(t)

	for _, amt := range []string{"0", "0.0"} {
		_, err := fx.engine.Quote(amt)
		require.Error(t, err)
		assert.Equal(t, types.ErrInvalidAmount, types.CodeOf(err))
	}
}

func TestSettleValidatesRequest(t *testing.T) {
	fx := newEngine(t)

	_, err := fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:  "not-an-address",
		Amount: "1.0",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidAddress, types.CodeOf(err))

	_, err = fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:  payTo.Hex(),
		Amount: "",
	})
	require.Error(t, err)
}

func TestDebit(t *testing.T) {
	fx := newEngine(t)
	payerKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	hash, err := fx.chain.MineTransfer(payerKey, payTo, amount.MustBaseUnits("2"))
	require.NoError(t, err)
	_, err = fx.engine.Settle(context.Background(), &types.SettleRequest{
		Payer:  payer.Hex(),
		Amount: "2.0",
		TxHash: hash.Hex(),
	})
	require.NoError(t, err)

	balance, err := fx.engine.Debit(context.Background(), payer.Hex(), "0.5")
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", balance.String())

	_, err = fx.engine.Debit(context.Background(), payer.Hex(), "10")
	require.Error(t, err)
	assert.Equal(t, types.ErrInsufficientBalance, types.CodeOf(err))

	// The failed debit left the balance alone.
	balance, err = fx.engine.GetBalance(context.Background(), payer.Hex())
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", balance.String())
}

func TestHealthy(t *testing.T) {
	fx := newEngine(t)
	require.NoError(t, fx.engine.Healthy(context.Background()))

	fx.chain.BlockNumberErr = errors.New("node unreachable")
	require.Error(t, fx.engine.Healthy(context.Background()))
}

func TestNewRequiresWiring(t *testing.T) {
	chain := clienttest.NewFakeChain(chainID)

	_, err := New(Config{Ledger: ledger.NewInMemoryLedger(), ChainID: chainID, PayTo: payTo})
	require.Error(t, err)

	_, err = New(Config{Chain: chain, ChainID: chainID, PayTo: payTo})
	require.Error(t, err)

	_, err = New(Config{Chain: chain, Ledger: ledger.NewInMemoryLedger(), ChainID: chainID})
	require.Error(t, err)
}
