package events

import (
	"math/big"

	"tidepool/core/types"
)

const (
	TypeDistributionDeposited = "distribution.deposited"
	TypeDistributionClaimed   = "distribution.claimed"
	TypeDistributionRefunded  = "distribution.refunded"
	TypeDistributionSwept     = "distribution.swept"
)

// DistributionDeposited records value earmarked for a future epoch.
type DistributionDeposited struct {
	Target    string
	Asset     string
	Epoch     uint64
	Depositor [20]byte
	Amount    *big.Int
	Total     *big.Int
}

func (DistributionDeposited) EventType() string { return TypeDistributionDeposited }

func (e DistributionDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeDistributionDeposited,
		Attributes: map[string]string{
			"target":    e.Target,
			"asset":     normalizeAsset(e.Asset),
			"epoch":     uintToString(e.Epoch),
			"depositor": identity(e.Depositor),
			"amount":    formatAmount(e.Amount),
			"total":     formatAmount(e.Total),
		},
	}
}

// DistributionClaimed records a pro-rata payout.
type DistributionClaimed struct {
	Target   string
	Asset    string
	Epoch    uint64
	Identity [20]byte
	Amount   *big.Int
	Weight   *big.Int
	Total    *big.Int
}

func (DistributionClaimed) EventType() string { return TypeDistributionClaimed }

func (e DistributionClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeDistributionClaimed,
		Attributes: map[string]string{
			"target":      e.Target,
			"asset":       normalizeAsset(e.Asset),
			"epoch":       uintToString(e.Epoch),
			"identity":    identity(e.Identity),
			"amount":      formatAmount(e.Amount),
			"weight":      formatAmount(e.Weight),
			"totalWeight": formatAmount(e.Total),
		},
	}
}

// DistributionRefunded records a zero-weight refund to the original depositor.
type DistributionRefunded struct {
	Target    string
	Asset     string
	Epoch     uint64
	Depositor [20]byte
	Amount    *big.Int
}

func (DistributionRefunded) EventType() string { return TypeDistributionRefunded }

func (e DistributionRefunded) Event() *types.Event {
	return &types.Event{
		Type: TypeDistributionRefunded,
		Attributes: map[string]string{
			"target":    e.Target,
			"asset":     normalizeAsset(e.Asset),
			"epoch":     uintToString(e.Epoch),
			"depositor": identity(e.Depositor),
			"amount":    formatAmount(e.Amount),
		},
	}
}

// DistributionSwept records an administrative recovery to the treasury.
type DistributionSwept struct {
	Target   string
	Asset    string
	Epoch    uint64
	Caller   [20]byte
	Treasury [20]byte
	Amount   *big.Int
}

func (DistributionSwept) EventType() string { return TypeDistributionSwept }

func (e DistributionSwept) Event() *types.Event {
	return &types.Event{
		Type: TypeDistributionSwept,
		Attributes: map[string]string{
			"target":   e.Target,
			"asset":    normalizeAsset(e.Asset),
			"epoch":    uintToString(e.Epoch),
			"caller":   identity(e.Caller),
			"treasury": identity(e.Treasury),
			"amount":   formatAmount(e.Amount),
		},
	}
}
