package fees

import (
	"fmt"
	"math/big"
	"strings"
)

// MaxBps is the basis point denominator.
const MaxBps = 10_000

// Policy controls how fee inflows are split between destruction and the
// rewards target.
type Policy struct {
	// BurnShareBps is the share of every inflow queued for destruction.
	BurnShareBps uint32
	// RewardsTarget receives the remainder as a deposit for the next epoch.
	RewardsTarget string
}

// Normalized returns the policy with a canonical target name.
func (p Policy) Normalized() Policy {
	p.RewardsTarget = strings.ToLower(strings.TrimSpace(p.RewardsTarget))
	return p
}

// Validate ensures the basis points stay within range and that the remainder
// has somewhere to go.
func (p Policy) Validate() error {
	if p.BurnShareBps > MaxBps {
		return fmt.Errorf("fees: burn share %d bps exceeds %d", p.BurnShareBps, MaxBps)
	}
	if p.BurnShareBps < MaxBps && strings.TrimSpace(p.RewardsTarget) == "" {
		return fmt.Errorf("fees: rewards target required when burn share is below %d bps", MaxBps)
	}
	return nil
}

// SplitResult captures the computed allocation of a gross amount.
type SplitResult struct {
	Burn    *big.Int
	Rewards *big.Int
}

// Split divides gross by bps. Rounding favours the rewards share so the two
// parts always add up to gross.
func Split(gross *big.Int, bps uint32) SplitResult {
	result := SplitResult{Burn: big.NewInt(0), Rewards: big.NewInt(0)}
	if gross == nil || gross.Sign() <= 0 {
		return result
	}
	if bps >= MaxBps {
		result.Burn = new(big.Int).Set(gross)
		return result
	}
	burn := new(big.Int).Mul(gross, big.NewInt(int64(bps)))
	burn.Div(burn, big.NewInt(MaxBps))
	result.Burn = burn
	result.Rewards = new(big.Int).Sub(gross, burn)
	return result
}

// Totals aggregates routed fees per asset.
type Totals struct {
	Asset   string
	Gross   *big.Int
	Burned  *big.Int
	Rewards *big.Int
}

// Clone returns a copy of the totals structure with duplicated big.Int values.
func (t Totals) Clone() Totals {
	clone := Totals{Asset: t.Asset}
	if t.Gross != nil {
		clone.Gross = new(big.Int).Set(t.Gross)
	}
	if t.Burned != nil {
		clone.Burned = new(big.Int).Set(t.Burned)
	}
	if t.Rewards != nil {
		clone.Rewards = new(big.Int).Set(t.Rewards)
	}
	return clone
}
