package state

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"tidepool/native/distribution"
)

var (
	distributionPoolPrefix         = []byte("distribution/pool/")
	distributionPoolIndexPrefix    = []byte("distribution/pools/")
	distributionClaimedPrefix      = []byte("distribution/claimed/")
	distributionContributionPrefix = []byte("distribution/contribution/")
)

type storedPool struct {
	Target    string
	Asset     string
	Epoch     uint64
	Deposited *big.Int
	Claimed   *big.Int
	Refunded  *big.Int
	Swept     *big.Int
}

func epochBytes(epoch uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	return buf[:]
}

func normalizeTarget(target string) string {
	return strings.ToLower(strings.TrimSpace(target))
}

func poolKey(target string, epoch uint64, asset string) []byte {
	return joinKey(distributionPoolPrefix, []byte(normalizeTarget(target)), epochBytes(epoch), []byte(normalizeAsset(asset)))
}

func poolIndexKey(target string) []byte {
	return joinKey(distributionPoolIndexPrefix, []byte(normalizeTarget(target)))
}

func claimedKey(target string, epoch uint64, asset string, identity [20]byte) []byte {
	return joinKey(distributionClaimedPrefix, []byte(normalizeTarget(target)), epochBytes(epoch), []byte(normalizeAsset(asset)), identity[:])
}

func contributionKey(target string, epoch uint64, asset string, depositor [20]byte) []byte {
	return joinKey(distributionContributionPrefix, []byte(normalizeTarget(target)), epochBytes(epoch), []byte(normalizeAsset(asset)), depositor[:])
}

func encodePoolRef(epoch uint64, asset string) []byte {
	return append(epochBytes(epoch), []byte(normalizeAsset(asset))...)
}

func decodePoolRef(raw []byte) (distribution.PoolRef, error) {
	if len(raw) < 8 {
		return distribution.PoolRef{}, fmt.Errorf("state: malformed pool index entry")
	}
	return distribution.PoolRef{Epoch: binary.BigEndian.Uint64(raw[:8]), Asset: string(raw[8:])}, nil
}

// DistributionPoolGet loads the pool for (target, epoch, asset).
func (m *Manager) DistributionPoolGet(target string, epoch uint64, asset string) (*distribution.Pool, bool, error) {
	var stored storedPool
	ok, err := m.KVGet(poolKey(target, epoch, asset), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &distribution.Pool{
		Target:    stored.Target,
		Asset:     stored.Asset,
		Epoch:     stored.Epoch,
		Deposited: stored.Deposited,
		Claimed:   stored.Claimed,
		Refunded:  stored.Refunded,
		Swept:     stored.Swept,
	}, true, nil
}

// DistributionPoolPut persists pool and records it in the target's index.
func (m *Manager) DistributionPoolPut(pool *distribution.Pool) error {
	if pool == nil {
		return fmt.Errorf("state: nil pool")
	}
	clone := pool.Clone()
	if err := m.KVPut(poolKey(clone.Target, clone.Epoch, clone.Asset), &storedPool{
		Target:    clone.Target,
		Asset:     clone.Asset,
		Epoch:     clone.Epoch,
		Deposited: clone.Deposited,
		Claimed:   clone.Claimed,
		Refunded:  clone.Refunded,
		Swept:     clone.Swept,
	}); err != nil {
		return err
	}
	return m.KVAppend(poolIndexKey(clone.Target), encodePoolRef(clone.Epoch, clone.Asset))
}

// DistributionPools lists the pools recorded for target ordered by epoch and
// asset.
func (m *Manager) DistributionPools(target string) ([]distribution.PoolRef, error) {
	var raw [][]byte
	if err := m.KVGetList(poolIndexKey(target), &raw); err != nil {
		return nil, err
	}
	refs := make([]distribution.PoolRef, 0, len(raw))
	for _, entry := range raw {
		ref, err := decodePoolRef(entry)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Epoch != refs[j].Epoch {
			return refs[i].Epoch < refs[j].Epoch
		}
		return refs[i].Asset < refs[j].Asset
	})
	return refs, nil
}

// DistributionClaimedGet reports whether identity claimed from the pool.
func (m *Manager) DistributionClaimedGet(target string, epoch uint64, asset string, identity [20]byte) (bool, error) {
	var flag bool
	ok, err := m.KVGet(claimedKey(target, epoch, asset, identity), &flag)
	if err != nil {
		return false, err
	}
	return ok && flag, nil
}

// DistributionClaimedSet marks identity as having claimed from the pool.
func (m *Manager) DistributionClaimedSet(target string, epoch uint64, asset string, identity [20]byte) error {
	return m.KVPut(claimedKey(target, epoch, asset, identity), true)
}

// DistributionContributionGet returns the refundable deposit of depositor.
func (m *Manager) DistributionContributionGet(target string, epoch uint64, asset string, depositor [20]byte) (*big.Int, error) {
	return m.bigGet(contributionKey(target, epoch, asset, depositor))
}

// DistributionContributionPut overwrites the refundable deposit of depositor.
func (m *Manager) DistributionContributionPut(target string, epoch uint64, asset string, depositor [20]byte, amount *big.Int) error {
	return m.bigPut(contributionKey(target, epoch, asset, depositor), amount)
}
