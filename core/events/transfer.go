package events

import (
	"math/big"

	"tidepool/core/types"
)

// TypeTransfer is emitted for every balance movement between two accounts.
const TypeTransfer = "bank.transfer"

// Transfer captures a ledger movement. Module accounts render with the module
// prefix so indexers can tell vaults from participants.
type Transfer struct {
	Asset      string
	From       [20]byte
	To         [20]byte
	Amount     *big.Int
	FromModule bool
	ToModule   bool
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	from := identity(e.From)
	if e.FromModule {
		from = module(e.From)
	}
	to := identity(e.To)
	if e.ToModule {
		to = module(e.To)
	}
	return &types.Event{
		Type: TypeTransfer,
		Attributes: map[string]string{
			"asset":  normalizeAsset(e.Asset),
			"from":   from,
			"to":     to,
			"amount": formatAmount(e.Amount),
		},
	}
}
