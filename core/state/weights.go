package state

import "math/big"

var (
	weightPrefix      = []byte("weights/identity/")
	weightTotalPrefix = []byte("weights/total/")
)

func weightKey(target string, epoch uint64, identity [20]byte) []byte {
	return joinKey(weightPrefix, []byte(normalizeTarget(target)), epochBytes(epoch), identity[:])
}

func weightTotalKey(target string, epoch uint64) []byte {
	return joinKey(weightTotalPrefix, []byte(normalizeTarget(target)), epochBytes(epoch))
}

// WeightGet returns identity's weight for target in epoch.
func (m *Manager) WeightGet(target string, epoch uint64, identity [20]byte) (*big.Int, error) {
	return m.bigGet(weightKey(target, epoch, identity))
}

// WeightPut stores identity's weight. A zero weight removes the entry.
func (m *Manager) WeightPut(target string, epoch uint64, identity [20]byte, weight *big.Int) error {
	return m.bigPut(weightKey(target, epoch, identity), weight)
}

// WeightTotalGet returns the total weight for target in epoch.
func (m *Manager) WeightTotalGet(target string, epoch uint64) (*big.Int, error) {
	return m.bigGet(weightTotalKey(target, epoch))
}

// WeightTotalPut stores the total weight for target in epoch.
func (m *Manager) WeightTotalPut(target string, epoch uint64, total *big.Int) error {
	return m.bigPut(weightTotalKey(target, epoch), total)
}
