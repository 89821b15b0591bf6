package events

import (
	"math/big"

	"tidepool/core/types"
)

const (
	TypeBurnQueued    = "burn.queued"
	TypeBurnStarted   = "burn.started"
	TypeBurnDripped   = "burn.dripped"
	TypeBurnCompleted = "burn.completed"
)

// BurnQueued records value staged for a future burn epoch.
type BurnQueued struct {
	Asset        string
	Amount       *big.Int
	PendingTotal *big.Int
	PendingEpoch uint64
}

func (BurnQueued) EventType() string { return TypeBurnQueued }

func (e BurnQueued) Event() *types.Event {
	return &types.Event{
		Type: TypeBurnQueued,
		Attributes: map[string]string{
			"asset":        normalizeAsset(e.Asset),
			"amount":       formatAmount(e.Amount),
			"pendingTotal": formatAmount(e.PendingTotal),
			"pendingEpoch": uintToString(e.PendingEpoch),
		},
	}
}

// BurnStarted records the promotion of a pending cycle to the active stream.
type BurnStarted struct {
	Asset  string
	Epoch  uint64
	Amount *big.Int
}

func (BurnStarted) EventType() string { return TypeBurnStarted }

func (e BurnStarted) Event() *types.Event {
	return &types.Event{
		Type: TypeBurnStarted,
		Attributes: map[string]string{
			"asset":  normalizeAsset(e.Asset),
			"epoch":  uintToString(e.Epoch),
			"amount": formatAmount(e.Amount),
		},
	}
}

// BurnDripped records a single destruction step of the active stream.
type BurnDripped struct {
	Asset     string
	Epoch     uint64
	Amount    *big.Int
	Destroyed *big.Int
	Active    *big.Int
}

func (BurnDripped) EventType() string { return TypeBurnDripped }

func (e BurnDripped) Event() *types.Event {
	return &types.Event{
		Type: TypeBurnDripped,
		Attributes: map[string]string{
			"asset":     normalizeAsset(e.Asset),
			"epoch":     uintToString(e.Epoch),
			"amount":    formatAmount(e.Amount),
			"destroyed": formatAmount(e.Destroyed),
			"active":    formatAmount(e.Active),
		},
	}
}

// BurnCompleted records that an active stream was fully destroyed.
type BurnCompleted struct {
	Asset  string
	Epoch  uint64
	Amount *big.Int
}

func (BurnCompleted) EventType() string { return TypeBurnCompleted }

func (e BurnCompleted) Event() *types.Event {
	return &types.Event{
		Type: TypeBurnCompleted,
		Attributes: map[string]string{
			"asset":  normalizeAsset(e.Asset),
			"epoch":  uintToString(e.Epoch),
			"amount": formatAmount(e.Amount),
		},
	}
}
