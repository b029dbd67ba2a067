// Package types defines the request, response and record types shared by the
// monpay settlement engine, plus the typed error taxonomy.
package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// SourceTag records which account actually funded a settlement.
type SourceTag string

const (
	SourceFacilitator    SourceTag = "facilitator"
	SourceSelfPaid       SourceTag = "self-paid"
	SourceServiceRelayed SourceTag = "service-relayed"
	SourceExternal       SourceTag = "external"
)

// RecordStatus is the lifecycle status of a settlement record.
type RecordStatus string

const (
	RecordPending RecordStatus = "pending"
	RecordSuccess RecordStatus = "success"
	RecordFailed  RecordStatus = "failed"
)

// SettlementState is the orchestrator state machine position. Terminal states
// are Credited, AlreadyCredited, Rejected and PaymentFailed; Quoted is
// terminal for a request that carried no payment proof.
type SettlementState string

const (
	StateQuoted          SettlementState = "QUOTED"
	StateAuthorizing     SettlementState = "AUTHORIZING"
	StateSettling        SettlementState = "SETTLING"
	StateVerifying       SettlementState = "VERIFYING"
	StateCredited        SettlementState = "CREDITED"
	StateAlreadyCredited SettlementState = "ALREADY_CREDITED"
	StateRejected        SettlementState = "REJECTED"
	StatePaymentFailed   SettlementState = "PAYMENT_FAILED"
)

// PaymentQuote is the single source of truth for what "this payment" means.
// It is produced per request and never persisted.
type PaymentQuote struct {
	// Amount in base units (wei, 18 decimals).
	Amount *big.Int `json:"-"`

	AmountWei   string `json:"amountWei"`
	ChainID     uint64 `json:"chainId"`
	Token       string `json:"token"`
	PayTo       string `json:"payTo"`
	Description string `json:"description"`
}

// PaymentAuthorization is a payer's off-chain consent to pay. The signature
// covers the canonical message over {payer, payTo, amount, chain id}; see the
// auth package for the exact format. AuthorizationID is optional and, when
// present, is the replay-protection key.
type PaymentAuthorization struct {
	Payer           string `json:"payer" validate:"required"`
	PayTo           string `json:"payTo" validate:"required"`
	AmountWei       string `json:"amountWei" validate:"required"`
	ChainID         uint64 `json:"chainId" validate:"required"`
	Signature       string `json:"signature" validate:"required"`
	AuthorizationID string `json:"authorizationId,omitempty"`
}

// Validate checks the wire-level shape of the authorization.
func (a *PaymentAuthorization) Validate() error {
	if err := validate.Struct(a); err != nil {
		return &Error{Code: ErrInvalidSignature, Message: fmt.Sprintf("incomplete authorization: %v", err)}
	}
	if !common.IsHexAddress(a.Payer) {
		return &Error{Code: ErrInvalidAddress, Message: fmt.Sprintf("invalid payer address: %s", a.Payer)}
	}
	if !common.IsHexAddress(a.PayTo) {
		return &Error{Code: ErrInvalidAddress, Message: fmt.Sprintf("invalid payTo address: %s", a.PayTo)}
	}
	return nil
}

// SettleRequest is the settlement API entry point. Amount is the
// human-readable decimal amount being credited. At most one payment proof is
// honored, in priority order: Authorization, PayerPrivateKey, TxHash. A
// request with none of the three yields a payment-required response.
type SettleRequest struct {
	Payer  string `json:"payer" validate:"required"`
	Amount string `json:"amount" validate:"required"`

	Authorization   *PaymentAuthorization `json:"authorization,omitempty"`
	PayerPrivateKey string                `json:"payerPrivateKey,omitempty"`
	TxHash          string                `json:"txHash,omitempty"`
}

// Validate checks required fields and address shape.
func (r *SettleRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return &Error{Code: ErrInvalidAmount, Message: fmt.Sprintf("invalid settle request: %v", err)}
	}
	if !common.IsHexAddress(r.Payer) {
		return &Error{Code: ErrInvalidAddress, Message: fmt.Sprintf("invalid payer address: %s", r.Payer)}
	}
	if r.TxHash != "" {
		if len(r.TxHash) != 66 || r.TxHash[:2] != "0x" {
			return &Error{Code: ErrInvalidAddress, Message: fmt.Sprintf("invalid transaction hash: %s", r.TxHash)}
		}
	}
	return nil
}

// ProofKind tags the payment path a request selected. The decision is made
// once at the API boundary; the orchestrator dispatches on it.
type ProofKind int

const (
	ProofNone ProofKind = iota
	ProofAuthorization
	ProofPayerKey
	ProofTxHash
)

// PaymentProof is the tagged variant decided from a SettleRequest.
type PaymentProof struct {
	Kind          ProofKind
	Authorization *PaymentAuthorization
	PayerKeyHex   string
	TxHash        common.Hash
}

// Proof classifies the request into exactly one payment path.
func (r *SettleRequest) Proof() PaymentProof {
	switch {
	case r.Authorization != nil:
		return PaymentProof{Kind: ProofAuthorization, Authorization: r.Authorization}
	case r.PayerPrivateKey != "":
		return PaymentProof{Kind: ProofPayerKey, PayerKeyHex: r.PayerPrivateKey}
	case r.TxHash != "":
		return PaymentProof{Kind: ProofTxHash, TxHash: common.HexToHash(r.TxHash)}
	default:
		return PaymentProof{Kind: ProofNone}
	}
}

// SettleResult is the outcome of a Settle call. When State is Quoted the
// Quote field carries the payment-required details and no credit occurred.
type SettleResult struct {
	State            SettlementState `json:"state"`
	Balance          *big.Int        `json:"-"`
	BalanceWei       string          `json:"balanceWei,omitempty"`
	TxHash           string          `json:"txHash,omitempty"`
	AlreadyProcessed bool            `json:"alreadyProcessed"`
	Source           SourceTag       `json:"source,omitempty"`
	Quote            *PaymentQuote   `json:"quote,omitempty"`
}

// SettlementRecord is one append-only row of the settlement ledger, keyed by
// (payer, tx hash).
type SettlementRecord struct {
	Payer     common.Address
	TxHash    common.Hash
	Amount    *big.Int
	PayTo     common.Address
	Source    SourceTag
	Status    RecordStatus
	CreatedAt time.Time
}
