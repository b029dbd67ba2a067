// Package monpay is a payment settlement and ledger reconciliation engine for
// x402-style micropayments. A Facilitator turns payment proofs, off-chain
// signed authorizations, payer keys, or bare transaction hashes, into verified
// on-chain transfers and exactly-once ledger credits.
package monpay

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/monpay/amount"
	"github.com/vitwit/monpay/auth"
	"github.com/vitwit/monpay/clients"
	"github.com/vitwit/monpay/ledger"
	"github.com/vitwit/monpay/logger"
	"github.com/vitwit/monpay/metrics"
	"github.com/vitwit/monpay/settlement"
	"github.com/vitwit/monpay/types"
	"github.com/vitwit/monpay/verification"
)

// Config wires a Facilitator. Chain and Ledger are required. FacilitatorKey
// enables the signature-relay path; ServiceKey enables settling proof-less
// requests out of the service's own funds. Either key may be nil, disabling
// that path. ReplayGuard may be nil when no authorization carries an id.
type Config struct {
	Chain       clients.ChainClient
	Ledger      ledger.Ledger
	ReplayGuard ledger.ReplayGuard

	ChainID uint64
	PayTo   common.Address

	TokenSymbol  string
	TokenAddress *common.Address

	FacilitatorKey *ecdsa.PrivateKey
	ServiceKey     *ecdsa.PrivateKey
}

// Facilitator is the settlement orchestrator. All methods are safe for
// concurrent use.
type Facilitator struct {
	cfg      Config
	executor *settlement.Executor
	verifier *verification.TransferVerifier

	confirmTimeout time.Duration
	log            logger.Logger
	metrics        metrics.Recorder
}

// New creates a Facilitator from the given configuration.
func New(cfg Config, opts ...Option) (*Facilitator, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.PayTo == (common.Address{}) {
		return nil, &types.Error{Code: types.ErrInvalidAddress, Message: "payTo address is required"}
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain id is required")
	}

	f := &Facilitator{
		cfg:            cfg,
		confirmTimeout: settlement.DefaultConfirmTimeout,
		log:            logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(f)
	}

	f.executor = settlement.NewExecutor(cfg.Chain, f.confirmTimeout, f.log)
	f.verifier = verification.NewTransferVerifier(cfg.Chain, cfg.TokenAddress)
	return f, nil
}

// Quote renders the payment terms for a human-readable decimal amount. The
// quote is the single source of truth for what the payment means; settlement
// always credits the quoted amount, never what a proof happens to carry.
func (f *Facilitator) Quote(amountStr string) (*types.PaymentQuote, error) {
	wei, err := amount.ToBaseUnits(amountStr)
	if err != nil {
		return nil, err
	}
	return &types.PaymentQuote{
		Amount:      wei,
		AmountWei:   wei.String(),
		ChainID:     f.cfg.ChainID,
		Token:       f.cfg.TokenSymbol,
		PayTo:       f.cfg.PayTo.Hex(),
		Description: fmt.Sprintf("Pay %s %s to %s", amountStr, f.cfg.TokenSymbol, f.cfg.PayTo.Hex()),
	}, nil
}

// Settle drives one payment through the settlement state machine. The payment
// path is decided once from the request's proof: a signed authorization is
// relayed by the facilitator account, a payer key funds the transfer itself, a
// transaction hash is verified as-is, and a proof-less request is either
// settled from the service account or answered with a quote.
//
// Settle is idempotent per (payer, transaction hash): re-settling an already
// credited transfer reports ALREADY_CREDITED and leaves the balance unchanged.
func (f *Facilitator) Settle(ctx context.Context, req *types.SettleRequest) (*types.SettleResult, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return f.rejected(req, err)
	}
	quote, err := f.Quote(req.Amount)
	if err != nil {
		return f.rejected(req, err)
	}
	payer := common.HexToAddress(req.Payer)

	var result *types.SettleResult
	proof := req.Proof()
	switch proof.Kind {
	case types.ProofAuthorization:
		result, err = f.settleAuthorized(ctx, payer, quote, proof.Authorization)
	case types.ProofPayerKey:
		result, err = f.settleSelfPaid(ctx, payer, quote, proof.PayerKeyHex)
	case types.ProofTxHash:
		result, err = f.settleExternal(ctx, payer, quote, proof.TxHash)
	default:
		result, err = f.settleUnproven(ctx, payer, quote)
	}
	f.observe("settle", string(result.State), start)
	return result, err
}

// settleAuthorized relays a transfer on behalf of a payer who signed an
// off-chain authorization. The facilitator account funds the transfer; the
// payer's signature is their consent.
func (f *Facilitator) settleAuthorized(ctx context.Context, payer common.Address, quote *types.PaymentQuote, authz *types.PaymentAuthorization) (*types.SettleResult, error) {
	if err := f.checkAuthorization(ctx, payer, quote, authz); err != nil {
		return &types.SettleResult{State: types.StateRejected}, err
	}

	if f.cfg.FacilitatorKey == nil {
		return &types.SettleResult{State: types.StateRejected}, &types.Error{
			Code:    types.ErrInsufficientFunds,
			Message: "no facilitator account configured to relay this payment",
		}
	}

	return f.transferAndCredit(ctx, payer, quote, f.cfg.FacilitatorKey, types.SourceFacilitator)
}

// checkAuthorization verifies the authorization's terms, signature and replay
// freshness against the quote. Any failure is a rejection; no chain state has
// been touched yet.
func (f *Facilitator) checkAuthorization(ctx context.Context, payer common.Address, quote *types.PaymentQuote, authz *types.PaymentAuthorization) error {
	if err := authz.Validate(); err != nil {
		return err
	}
	if common.HexToAddress(authz.Payer) != payer {
		return &types.Error{
			Code:    types.ErrInvalidSignature,
			Message: "authorization payer does not match settling payer",
		}
	}
	if common.HexToAddress(authz.PayTo) != f.cfg.PayTo {
		return &types.Error{
			Code:    types.ErrInvalidSignature,
			Message: fmt.Sprintf("authorization pays %s, expected %s", authz.PayTo, f.cfg.PayTo.Hex()),
		}
	}

	authorized, ok := new(big.Int).SetString(authz.AmountWei, 10)
	if !ok {
		return &types.Error{
			Code:    types.ErrInvalidAmount,
			Message: fmt.Sprintf("invalid authorization amount: %s", authz.AmountWei),
		}
	}
	if authorized.Cmp(quote.Amount) < 0 {
		return &types.Error{
			Code:    types.ErrInvalidAmount,
			Message: fmt.Sprintf("authorization covers %s wei, quote requires %s wei", authorized, quote.Amount),
		}
	}

	valid, err := auth.Verify(authz, f.cfg.ChainID)
	if err != nil {
		return err
	}
	if !valid {
		return &types.Error{
			Code:    types.ErrInvalidSignature,
			Message: "authorization signature does not recover to payer",
		}
	}

	if authz.AuthorizationID != "" {
		if f.cfg.ReplayGuard == nil {
			return &types.Error{
				Code:    types.ErrReplayedAuthorization,
				Message: "authorization carries an id but no replay guard is configured",
			}
		}
		fresh, err := f.cfg.ReplayGuard.Reserve(ctx, authz.AuthorizationID)
		if err != nil {
			return err
		}
		if !fresh {
			return &types.Error{
				Code:    types.ErrReplayedAuthorization,
				Message: fmt.Sprintf("authorization %s was already used", authz.AuthorizationID),
			}
		}
	}
	return nil
}

// settleSelfPaid funds the transfer from the payer's own key. The key must
// actually belong to the settling payer.
func (f *Facilitator) settleSelfPaid(ctx context.Context, payer common.Address, quote *types.PaymentQuote, keyHex string) (*types.SettleResult, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return &types.SettleResult{State: types.StateRejected}, &types.Error{
			Code:    types.ErrInvalidSignature,
			Message: fmt.Sprintf("invalid payer private key: %v", err),
		}
	}
	if crypto.PubkeyToAddress(key.PublicKey) != payer {
		return &types.SettleResult{State: types.StateRejected}, &types.Error{
			Code:    types.ErrInvalidSignature,
			Message: "payer private key does not belong to payer",
		}
	}

	return f.transferAndCredit(ctx, payer, quote, key, types.SourceSelfPaid)
}

// settleExternal verifies a transfer the payer claims to have already made.
func (f *Facilitator) settleExternal(ctx context.Context, payer common.Address, quote *types.PaymentQuote, txHash common.Hash) (*types.SettleResult, error) {
	outcome, err := f.verifier.Verify(ctx, txHash, payer, f.cfg.PayTo, quote.Amount)
	if err != nil {
		return &types.SettleResult{State: types.StateVerifying, TxHash: txHash.Hex()}, err
	}
	if outcome != verification.Match {
		return &types.SettleResult{State: types.StateRejected, TxHash: txHash.Hex()}, &types.Error{
			Code:    types.ErrTransferVerificationFailed,
			Message: fmt.Sprintf("transaction %s does not pay %s at least %s wei from %s", txHash.Hex(), f.cfg.PayTo.Hex(), quote.Amount, payer.Hex()),
			Data:    map[string]string{"txHash": txHash.Hex()},
		}
	}

	return f.credit(ctx, payer, quote, txHash, types.SourceExternal)
}

// settleUnproven handles a request with no payment proof: settle from the
// service account when one is configured, otherwise answer with the quote.
func (f *Facilitator) settleUnproven(ctx context.Context, payer common.Address, quote *types.PaymentQuote) (*types.SettleResult, error) {
	if f.cfg.ServiceKey == nil {
		f.log.Info("payment required", map[string]any{
			"payer":  payer.Hex(),
			"amount": quote.AmountWei,
		})
		return &types.SettleResult{State: types.StateQuoted, Quote: quote}, nil
	}
	return f.transferAndCredit(ctx, payer, quote, f.cfg.ServiceKey, types.SourceServiceRelayed)
}

// transferAndCredit executes the on-chain transfer from the funding key, then
// verifies it and credits the payer. A confirmation timeout or revert leaves
// the attempt in PAYMENT_FAILED with the transaction hash attached so the
// caller can retry settlement with the hash as proof once it lands.
func (f *Facilitator) transferAndCredit(ctx context.Context, payer common.Address, quote *types.PaymentQuote, key *ecdsa.PrivateKey, source types.SourceTag) (*types.SettleResult, error) {
	txHash, err := f.executor.Transfer(ctx, key, f.cfg.PayTo, quote.Amount)
	if err != nil {
		result := &types.SettleResult{State: types.StatePaymentFailed}
		if txHash != (common.Hash{}) {
			result.TxHash = txHash.Hex()
		}
		return result, err
	}

	// The transfer was funded by key's account, not necessarily the payer.
	sender := crypto.PubkeyToAddress(key.PublicKey)
	outcome, err := f.verifier.Verify(ctx, txHash, sender, f.cfg.PayTo, quote.Amount)
	if err != nil {
		return &types.SettleResult{State: types.StateVerifying, TxHash: txHash.Hex()}, err
	}
	if outcome != verification.Match {
		return &types.SettleResult{State: types.StatePaymentFailed, TxHash: txHash.Hex()}, &types.Error{
			Code:    types.ErrTransferVerificationFailed,
			Message: fmt.Sprintf("confirmed transaction %s failed verification", txHash.Hex()),
			Data:    map[string]string{"txHash": txHash.Hex()},
		}
	}

	return f.credit(ctx, payer, quote, txHash, source)
}

// credit applies the exactly-once ledger credit for a verified transfer. The
// credited amount is always the quoted amount; over-payment on chain does not
// inflate the balance.
func (f *Facilitator) credit(ctx context.Context, payer common.Address, quote *types.PaymentQuote, txHash common.Hash, source types.SourceTag) (*types.SettleResult, error) {
	balance, already, err := f.cfg.Ledger.CreditOnce(ctx, payer, txHash, quote.Amount, f.cfg.PayTo, source)
	if err != nil {
		return &types.SettleResult{State: types.StateVerifying, TxHash: txHash.Hex()}, err
	}

	state := types.StateCredited
	if already {
		state = types.StateAlreadyCredited
	}
	f.log.Info("settlement credited", map[string]any{
		"payer":   payer.Hex(),
		"txHash":  txHash.Hex(),
		"amount":  quote.AmountWei,
		"source":  string(source),
		"already": already,
	})

	return &types.SettleResult{
		State:            state,
		Balance:          balance,
		BalanceWei:       balance.String(),
		TxHash:           txHash.Hex(),
		AlreadyProcessed: already,
		Source:           source,
	}, nil
}

// Debit consumes amountStr from the payer's balance, failing with
// INSUFFICIENT_BALANCE when the balance cannot cover it. On success the new
// balance is returned.
func (f *Facilitator) Debit(ctx context.Context, payerHex, amountStr string) (*big.Int, error) {
	payer, err := parseAddress(payerHex)
	if err != nil {
		return nil, err
	}
	wei, err := amount.ToBaseUnits(amountStr)
	if err != nil {
		return nil, err
	}

	ok, err := f.cfg.Ledger.Debit(ctx, payer, wei)
	if err != nil {
		return nil, err
	}
	if !ok {
		balance, berr := f.cfg.Ledger.Balance(ctx, payer)
		if berr != nil {
			return nil, berr
		}
		return nil, &types.Error{
			Code:    types.ErrInsufficientBalance,
			Message: fmt.Sprintf("payer %s has %s wei, debit requires %s wei", payer.Hex(), balance, wei),
			Data: map[string]string{
				"balance":  balance.String(),
				"required": wei.String(),
			},
		}
	}

	return f.cfg.Ledger.Balance(ctx, payer)
}

// GetBalance returns the payer's ledger balance in base units.
func (f *Facilitator) GetBalance(ctx context.Context, payerHex string) (*big.Int, error) {
	payer, err := parseAddress(payerHex)
	if err != nil {
		return nil, err
	}
	return f.cfg.Ledger.Balance(ctx, payer)
}

// Healthy reports whether the chain endpoint is reachable, verified by
// fetching the latest block number. The chain id is checked once at dial.
func (f *Facilitator) Healthy(ctx context.Context) error {
	_, err := f.cfg.Chain.BlockNumber(ctx)
	return err
}

// Close releases the chain connection.
func (f *Facilitator) Close() {
	f.cfg.Chain.Close()
}

func (f *Facilitator) rejected(req *types.SettleRequest, err error) (*types.SettleResult, error) {
	f.log.Warn("settle request rejected", map[string]any{
		"payer": req.Payer,
		"error": err.Error(),
	})
	return &types.SettleResult{State: types.StateRejected}, err
}

func (f *Facilitator) observe(op, outcome string, start time.Time) {
	if f.metrics == nil {
		return
	}
	labels := map[string]string{"outcome": outcome}
	f.metrics.IncCounter(op, labels)
	f.metrics.ObserveLatency(op, time.Since(start), labels)
}

func parseAddress(hex string) (common.Address, error) {
	if !common.IsHexAddress(hex) {
		return common.Address{}, &types.Error{
			Code:    types.ErrInvalidAddress,
			Message: fmt.Sprintf("invalid address: %s", hex),
		}
	}
	return common.HexToAddress(hex), nil
}
