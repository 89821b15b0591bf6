package state

import (
	"math/big"

	"tidepool/native/fees"
)

var feeTotalsPrefix = []byte("fees/totals/")

type storedFeeTotals struct {
	Asset   string
	Gross   *big.Int
	Burned  *big.Int
	Rewards *big.Int
}

func feeTotalsKey(asset string) []byte {
	return joinKey(feeTotalsPrefix, []byte(normalizeAsset(asset)))
}

// FeeTotalsGet loads the running fee routing totals for asset.
func (m *Manager) FeeTotalsGet(asset string) (*fees.Totals, bool, error) {
	var stored storedFeeTotals
	ok, err := m.KVGet(feeTotalsKey(asset), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &fees.Totals{
		Asset:   stored.Asset,
		Gross:   stored.Gross,
		Burned:  stored.Burned,
		Rewards: stored.Rewards,
	}, true, nil
}

// FeeTotalsPut persists the running fee routing totals.
func (m *Manager) FeeTotalsPut(totals *fees.Totals) error {
	clone := totals.Clone()
	return m.KVPut(feeTotalsKey(clone.Asset), &storedFeeTotals{
		Asset:   clone.Asset,
		Gross:   nonNil(clone.Gross),
		Burned:  nonNil(clone.Burned),
		Rewards: nonNil(clone.Rewards),
	})
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
