package events

import (
	"math/big"

	"tidepool/core/types"
)

// TypeFeeRouted marks a fee inflow that was split between burn and rewards.
const TypeFeeRouted = "fees.routed"

// FeeRouted records how an inflow was allocated.
type FeeRouted struct {
	Payer        [20]byte
	Asset        string
	Gross        *big.Int
	Burned       *big.Int
	Rewards      *big.Int
	RewardTarget string
	RewardEpoch  uint64
}

func (FeeRouted) EventType() string { return TypeFeeRouted }

func (e FeeRouted) Event() *types.Event {
	attrs := map[string]string{
		"payer":   identity(e.Payer),
		"asset":   normalizeAsset(e.Asset),
		"gross":   formatAmount(e.Gross),
		"burn":    formatAmount(e.Burned),
		"rewards": formatAmount(e.Rewards),
	}
	if e.RewardTarget != "" {
		attrs["rewardTarget"] = e.RewardTarget
		attrs["rewardEpoch"] = uintToString(e.RewardEpoch)
	}
	return &types.Event{Type: TypeFeeRouted, Attributes: attrs}
}
