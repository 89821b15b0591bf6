package state

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

var (
	balancePrefix     = []byte("bank/balance/")
	tokenSupplyPrefix = []byte("bank/supply/")
	assetIndexKey     = []byte("bank/assets")
)

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func balanceKey(asset string, addr [20]byte) []byte {
	return joinKey(balancePrefix, []byte(normalizeAsset(asset)), addr[:])
}

func tokenSupplyKey(asset string) []byte {
	return joinKey(tokenSupplyPrefix, []byte(normalizeAsset(asset)))
}

func (m *Manager) bigGet(key []byte) (*big.Int, error) {
	value := new(big.Int)
	ok, err := m.KVGet(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

func (m *Manager) bigPut(key []byte, value *big.Int) error {
	if value == nil || value.Sign() == 0 {
		return m.KVDelete(key)
	}
	if value.Sign() < 0 {
		return fmt.Errorf("state: negative value for %q", key)
	}
	return m.KVPut(key, value)
}

// BankBalanceGet returns the balance held by addr. Missing entries default to
// zero.
func (m *Manager) BankBalanceGet(asset string, addr [20]byte) (*big.Int, error) {
	return m.bigGet(balanceKey(asset, addr))
}

// BankBalancePut overwrites the balance held by addr.
func (m *Manager) BankBalancePut(asset string, addr [20]byte, amount *big.Int) error {
	if err := m.indexAsset(asset); err != nil {
		return err
	}
	return m.bigPut(balanceKey(asset, addr), amount)
}

// TokenSupply returns the persisted total supply for asset.
func (m *Manager) TokenSupply(asset string) (*big.Int, error) {
	if normalizeAsset(asset) == "" {
		return nil, fmt.Errorf("state: asset required")
	}
	return m.bigGet(tokenSupplyKey(asset))
}

// SetTokenSupply overwrites the stored total supply for asset.
func (m *Manager) SetTokenSupply(asset string, amount *big.Int) error {
	if normalizeAsset(asset) == "" {
		return fmt.Errorf("state: asset required")
	}
	if err := m.indexAsset(asset); err != nil {
		return err
	}
	return m.bigPut(tokenSupplyKey(asset), amount)
}

func (m *Manager) indexAsset(asset string) error {
	normalized := normalizeAsset(asset)
	if normalized == "" {
		return fmt.Errorf("state: asset required")
	}
	return m.KVAppend(assetIndexKey, []byte(normalized))
}

// Assets lists every asset that ever held a balance or supply, sorted.
func (m *Manager) Assets() ([]string, error) {
	var raw [][]byte
	if err := m.KVGetList(assetIndexKey, &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		out = append(out, string(entry))
	}
	sort.Strings(out)
	return out, nil
}
