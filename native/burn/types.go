package burn

import "math/big"

// Stream is the persisted state of a burn stream for a single asset.
//
// PendingEpoch and ActiveEpoch use zero as the "no cycle" sentinel; a real
// epoch start is always at least one epoch length past the unix epoch.
type Stream struct {
	Asset           string
	PendingAmount   *big.Int
	PendingEpoch    uint64
	ActiveAmount    *big.Int
	ActiveEpoch     uint64
	Destroyed       *big.Int
	TotalDestroyed  *big.Int
	CompletedCycles uint64
}

// NewStream returns an empty stream for asset.
func NewStream(asset string) *Stream {
	return &Stream{
		Asset:          asset,
		PendingAmount:  big.NewInt(0),
		ActiveAmount:   big.NewInt(0),
		Destroyed:      big.NewInt(0),
		TotalDestroyed: big.NewInt(0),
	}
}

// Clone returns a deep copy of the stream.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	clone := *s
	clone.PendingAmount = copyBigInt(s.PendingAmount)
	clone.ActiveAmount = copyBigInt(s.ActiveAmount)
	clone.Destroyed = copyBigInt(s.Destroyed)
	clone.TotalDestroyed = copyBigInt(s.TotalDestroyed)
	return &clone
}

// HasPending reports whether a cycle is queued for a future epoch.
func (s *Stream) HasPending() bool {
	return s.PendingEpoch != 0 && s.PendingAmount.Sign() > 0
}

// IsActive reports whether a stream is currently being destroyed.
func (s *Stream) IsActive() bool {
	return s.ActiveAmount.Sign() > 0
}

// RemainingActive returns the portion of the active stream not yet destroyed.
func (s *Stream) RemainingActive() *big.Int {
	return new(big.Int).Sub(s.ActiveAmount, s.Destroyed)
}

// Accounted returns the value the stream has claimed from the held balance.
func (s *Stream) Accounted() *big.Int {
	return new(big.Int).Add(s.PendingAmount, s.RemainingActive())
}

func (s *Stream) normalize() {
	if s.PendingAmount == nil {
		s.PendingAmount = big.NewInt(0)
	}
	if s.ActiveAmount == nil {
		s.ActiveAmount = big.NewInt(0)
	}
	if s.Destroyed == nil {
		s.Destroyed = big.NewInt(0)
	}
	if s.TotalDestroyed == nil {
		s.TotalDestroyed = big.NewInt(0)
	}
}

// CheckpointResult summarises what a single Checkpoint call advanced.
type CheckpointResult struct {
	Synced    *big.Int
	Started   bool
	Destroyed *big.Int
}

func copyBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
