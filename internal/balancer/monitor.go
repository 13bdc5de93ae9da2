package balancer

import (
	"math/big"

	"lnflock/internal/lightning"
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// outOfBalance reports whether the channel's local share sits below
// clamp(balancePoint - deadzone, 0, 1). The fraction is compared as a
// rational; balances never pass through floating point.
func outOfBalance(ch lightning.Channel, balancePoint, deadzone float64) bool {
	if ch.LocalBalance == nil || ch.Capacity == nil || ch.Capacity.Sign() <= 0 {
		return false
	}
	threshold := new(big.Rat).SetFloat64(clamp01(balancePoint - deadzone))
	if threshold == nil {
		return false
	}
	fraction := new(big.Rat).SetFrac(ch.LocalBalance, ch.Capacity)
	return fraction.Cmp(threshold) < 0
}

// rebalanceAmount is the invoice size that brings the local balance to
// (local+remote) * balancePoint, rounded down and capped at maxTx.
// Returns nil when the result is not strictly positive.
func rebalanceAmount(ch lightning.Channel, balancePoint float64, maxTx *big.Int) *big.Int {
	if ch.LocalBalance == nil || ch.RemoteBalance == nil {
		return nil
	}
	point := new(big.Rat).SetFloat64(balancePoint)
	if point == nil || point.Sign() <= 0 {
		return nil
	}
	sum := new(big.Int).Add(ch.LocalBalance, ch.RemoteBalance)
	target := new(big.Rat).Mul(new(big.Rat).SetInt(sum), point)
	amount := new(big.Int).Quo(target.Num(), target.Denom())
	amount.Sub(amount, ch.LocalBalance)
	if maxTx != nil && amount.Cmp(maxTx) > 0 {
		amount.Set(maxTx)
	}
	if amount.Sign() <= 0 {
		return nil
	}
	return amount
}
