package weights

import (
	"math/big"

	lru "github.com/hashicorp/golang-lru/v2"

	"tidepool/core/epoch"
)

// DefaultCacheSize bounds the number of memoised answers.
const DefaultCacheSize = 4096

type totalKey struct {
	epoch  uint64
	target string
}

type identityKey struct {
	epoch    uint64
	target   string
	identity [20]byte
}

// Cache memoises oracle answers for elapsed epochs. Answers for the current
// or future epochs always go to the wrapped oracle since they may change.
type Cache struct {
	oracle     Oracle
	clock      *epoch.Clock
	totals     *lru.Cache[totalKey, *big.Int]
	identities *lru.Cache[identityKey, *big.Int]
}

// NewCache wraps oracle. A non-positive size selects DefaultCacheSize.
func NewCache(oracle Oracle, clock *epoch.Clock, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	totals, err := lru.New[totalKey, *big.Int](size)
	if err != nil {
		return nil, err
	}
	identities, err := lru.New[identityKey, *big.Int](size)
	if err != nil {
		return nil, err
	}
	return &Cache{oracle: oracle, clock: clock, totals: totals, identities: identities}, nil
}

// TotalWeight implements Oracle.
func (c *Cache) TotalWeight(epochStart uint64, target string) (*big.Int, error) {
	key := totalKey{epoch: epochStart, target: normalizeTarget(target)}
	if cached, ok := c.totals.Get(key); ok {
		return new(big.Int).Set(cached), nil
	}
	total, err := c.oracle.TotalWeight(epochStart, target)
	if err != nil {
		return nil, err
	}
	total = orZero(total)
	if c.clock.Elapsed(epochStart) {
		c.totals.Add(key, new(big.Int).Set(total))
	}
	return total, nil
}

// IdentityWeight implements Oracle.
func (c *Cache) IdentityWeight(epochStart uint64, target string, identity [20]byte) (*big.Int, error) {
	key := identityKey{epoch: epochStart, target: normalizeTarget(target), identity: identity}
	if cached, ok := c.identities.Get(key); ok {
		return new(big.Int).Set(cached), nil
	}
	weight, err := c.oracle.IdentityWeight(epochStart, target, identity)
	if err != nil {
		return nil, err
	}
	weight = orZero(weight)
	if c.clock.Elapsed(epochStart) {
		c.identities.Add(key, new(big.Int).Set(weight))
	}
	return weight, nil
}

// Purge drops every memoised answer.
func (c *Cache) Purge() {
	c.totals.Purge()
	c.identities.Purge()
}

// Len returns the number of memoised answers.
func (c *Cache) Len() int {
	return c.totals.Len() + c.identities.Len()
}
