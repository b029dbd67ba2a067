// Package recharge keeps a payer's ledger balance topped up. A one-shot
// Recharge runs the full quote, pay, confirm flow with the payer's own key; a
// Monitor repeats it whenever the balance drops below a threshold.
package recharge

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/monpay/logger"
	"github.com/vitwit/monpay/types"
)

// Settler is the slice of the facilitator the recharge flow needs.
type Settler interface {
	Quote(amount string) (*types.PaymentQuote, error)
	Settle(ctx context.Context, req *types.SettleRequest) (*types.SettleResult, error)
	GetBalance(ctx context.Context, payer string) (*big.Int, error)
}

// Recharge credits amountStr to the payer behind key by paying on-chain from
// that same account and settling the confirmed transfer. It returns the
// post-credit balance.
func Recharge(ctx context.Context, s Settler, key *ecdsa.PrivateKey, amountStr string) (*big.Int, error) {
	payer := crypto.PubkeyToAddress(key.PublicKey)

	result, err := s.Settle(ctx, &types.SettleRequest{
		Payer:           payer.Hex(),
		Amount:          amountStr,
		PayerPrivateKey: fmt.Sprintf("%x", crypto.FromECDSA(key)),
	})
	if err != nil {
		return nil, err
	}
	return result.Balance, nil
}

// Monitor watches one payer's balance and recharges when it falls below the
// threshold. Cooldown bounds how often a top-up fires, so a slow credit (or a
// confirmation timeout whose transfer later lands) cannot trigger a second
// payment immediately.
type Monitor struct {
	settler Settler
	key     *ecdsa.PrivateKey
	log     logger.Logger

	// Threshold in base units; TopUp is the decimal amount to settle.
	Threshold *big.Int
	TopUp     string
	Interval  time.Duration
	Cooldown  time.Duration

	lastTopUp time.Time
}

// NewMonitor builds a monitor for the payer behind key.
func NewMonitor(s Settler, key *ecdsa.PrivateKey, threshold *big.Int, topUp string, interval, cooldown time.Duration, log logger.Logger) *Monitor {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Monitor{
		settler:   s,
		key:       key,
		log:       log,
		Threshold: threshold,
		TopUp:     topUp,
		Interval:  interval,
		Cooldown:  cooldown,
	}
}

// Run blocks until ctx is canceled, checking the balance every Interval.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				m.log.Error("recharge check failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Check runs one balance inspection and tops up if needed. Exported so
// callers can drive the monitor from their own scheduler.
func (m *Monitor) Check(ctx context.Context) error {
	payer := crypto.PubkeyToAddress(m.key.PublicKey)

	balance, err := m.settler.GetBalance(ctx, payer.Hex())
	if err != nil {
		return err
	}
	if balance.Cmp(m.Threshold) >= 0 {
		return nil
	}
	if time.Since(m.lastTopUp) < m.Cooldown {
		m.log.Debug("balance low but top-up in cooldown", map[string]any{
			"payer":   payer.Hex(),
			"balance": balance.String(),
		})
		return nil
	}

	m.log.Info("balance below threshold, recharging", map[string]any{
		"payer":     payer.Hex(),
		"balance":   balance.String(),
		"threshold": m.Threshold.String(),
		"topUp":     m.TopUp,
	})

	newBalance, err := Recharge(ctx, m.settler, m.key, m.TopUp)
	if err != nil {
		return err
	}
	m.lastTopUp = time.Now()

	m.log.Info("recharge complete", map[string]any{
		"payer":   payer.Hex(),
		"balance": newBalance.String(),
	})
	return nil
}
