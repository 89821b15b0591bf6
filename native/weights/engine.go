package weights

import (
	"errors"
	"math/big"
	"strings"

	ledgererrors "tidepool/core/errors"
	"tidepool/core/epoch"
	"tidepool/core/events"
)

var (
	ErrNilState        = errors.New("weights: state not configured")
	ErrEpochFrozen     = errors.New("weights: epoch already elapsed")
	ErrEpochMisaligned = errors.New("weights: epoch is not an epoch start")
	ErrNegativeWeight  = errors.New("weights: weight must not be negative")
	ErrTargetEmpty     = errors.New("weights: target must not be empty")
)

// Oracle reports the weight snapshot of a target for an epoch. Answers for an
// elapsed epoch never change.
type Oracle interface {
	TotalWeight(epoch uint64, target string) (*big.Int, error)
	IdentityWeight(epoch uint64, target string, identity [20]byte) (*big.Int, error)
}

type engineState interface {
	WeightGet(target string, epoch uint64, identity [20]byte) (*big.Int, error)
	WeightPut(target string, epoch uint64, identity [20]byte, weight *big.Int) error
	WeightTotalGet(target string, epoch uint64) (*big.Int, error)
	WeightTotalPut(target string, epoch uint64, total *big.Int) error
}

// Engine is a persisted weight store fed by the voting system. Reports are
// accepted while an epoch is current or upcoming and frozen once it elapses.
type Engine struct {
	state   engineState
	clock   *epoch.Clock
	emitter events.Emitter
}

// NewEngine constructs a weight store bound to the shared epoch clock.
func NewEngine(clock *epoch.Clock) *Engine {
	return &Engine{clock: clock, emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func normalizeTarget(target string) string {
	return strings.ToLower(strings.TrimSpace(target))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// Record sets identity's weight for target in the given epoch and returns the
// updated total. A zero weight removes the identity.
func (e *Engine) Record(epochStart uint64, target string, identity [20]byte, weight *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	target = normalizeTarget(target)
	if target == "" {
		return nil, ErrTargetEmpty
	}
	if identity == ([20]byte{}) {
		return nil, ledgererrors.ErrZeroAddress
	}
	if weight == nil {
		weight = big.NewInt(0)
	}
	if weight.Sign() < 0 {
		return nil, ErrNegativeWeight
	}
	if !e.clock.IsBoundary(epochStart) {
		return nil, ErrEpochMisaligned
	}
	if e.clock.Elapsed(epochStart) {
		return nil, ErrEpochFrozen
	}

	previous, err := e.state.WeightGet(target, epochStart, identity)
	if err != nil {
		return nil, err
	}
	total, err := e.state.WeightTotalGet(target, epochStart)
	if err != nil {
		return nil, err
	}
	updated := new(big.Int).Sub(orZero(total), orZero(previous))
	updated.Add(updated, weight)
	if err := e.state.WeightPut(target, epochStart, identity, weight); err != nil {
		return nil, err
	}
	if err := e.state.WeightTotalPut(target, epochStart, updated); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.WeightRecorded{
		Target:   target,
		Epoch:    epochStart,
		Identity: identity,
		Weight:   new(big.Int).Set(weight),
		Total:    new(big.Int).Set(updated),
	})
	return updated, nil
}

// TotalWeight implements Oracle.
func (e *Engine) TotalWeight(epochStart uint64, target string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	total, err := e.state.WeightTotalGet(normalizeTarget(target), epochStart)
	if err != nil {
		return nil, err
	}
	return orZero(total), nil
}

// IdentityWeight implements Oracle.
func (e *Engine) IdentityWeight(epochStart uint64, target string, identity [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	weight, err := e.state.WeightGet(normalizeTarget(target), epochStart, identity)
	if err != nil {
		return nil, err
	}
	return orZero(weight), nil
}
