package state

import (
	"math/big"

	"tidepool/native/burn"
)

var burnStreamPrefix = []byte("burn/stream/")

type storedStream struct {
	Asset           string
	PendingAmount   *big.Int
	PendingEpoch    uint64
	ActiveAmount    *big.Int
	ActiveEpoch     uint64
	Destroyed       *big.Int
	TotalDestroyed  *big.Int
	CompletedCycles uint64
}

func burnStreamKey(asset string) []byte {
	return joinKey(burnStreamPrefix, []byte(normalizeAsset(asset)))
}

// BurnStreamGet loads the stream record for asset.
func (m *Manager) BurnStreamGet(asset string) (*burn.Stream, bool, error) {
	var stored storedStream
	ok, err := m.KVGet(burnStreamKey(asset), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &burn.Stream{
		Asset:           stored.Asset,
		PendingAmount:   stored.PendingAmount,
		PendingEpoch:    stored.PendingEpoch,
		ActiveAmount:    stored.ActiveAmount,
		ActiveEpoch:     stored.ActiveEpoch,
		Destroyed:       stored.Destroyed,
		TotalDestroyed:  stored.TotalDestroyed,
		CompletedCycles: stored.CompletedCycles,
	}, true, nil
}

// BurnStreamPut persists the stream record.
func (m *Manager) BurnStreamPut(stream *burn.Stream) error {
	clone := stream.Clone()
	return m.KVPut(burnStreamKey(clone.Asset), &storedStream{
		Asset:           clone.Asset,
		PendingAmount:   clone.PendingAmount,
		PendingEpoch:    clone.PendingEpoch,
		ActiveAmount:    clone.ActiveAmount,
		ActiveEpoch:     clone.ActiveEpoch,
		Destroyed:       clone.Destroyed,
		TotalDestroyed:  clone.TotalDestroyed,
		CompletedCycles: clone.CompletedCycles,
	})
}
