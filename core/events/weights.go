package events

import (
	"math/big"

	"tidepool/core/types"
)

// TypeWeightRecorded is emitted whenever the oracle reports an identity weight.
const TypeWeightRecorded = "weights.recorded"

// WeightRecorded captures an accepted weight report.
type WeightRecorded struct {
	Target   string
	Epoch    uint64
	Identity [20]byte
	Weight   *big.Int
	Total    *big.Int
}

func (WeightRecorded) EventType() string { return TypeWeightRecorded }

func (e WeightRecorded) Event() *types.Event {
	return &types.Event{
		Type: TypeWeightRecorded,
		Attributes: map[string]string{
			"target":      e.Target,
			"epoch":       uintToString(e.Epoch),
			"identity":    identity(e.Identity),
			"weight":      formatAmount(e.Weight),
			"totalWeight": formatAmount(e.Total),
		},
	}
}
