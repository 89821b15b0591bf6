package burn

import (
	"errors"
	"fmt"
	"math/big"

	ledgererrors "tidepool/core/errors"
	"tidepool/core/epoch"
	"tidepool/core/events"
	"tidepool/crypto"
	"tidepool/native/bank"
)

var (
	ErrNilState             = errors.New("burn: state not configured")
	ErrNilBank              = errors.New("burn: bank not configured")
	ErrInsufficientNewValue = errors.New("burn: queued amount exceeds unaccounted balance")
	ErrNothingToSync        = errors.New("burn: no unaccounted balance to sync")
	ErrNothingToStart       = errors.New("burn: no pending cycle")
	ErrNotReady             = errors.New("burn: pending epoch has not begun")
	ErrAlreadyActive        = errors.New("burn: active stream still running")
)

type engineState interface {
	BurnStreamGet(asset string) (*Stream, bool, error)
	BurnStreamPut(stream *Stream) error
}

// Bank is the subset of the asset ledger the stream needs.
type Bank interface {
	Balance(asset string, addr [20]byte) (*big.Int, error)
	Transfer(asset string, from, to [20]byte, amount *big.Int) error
	Burn(asset string, from [20]byte, amount *big.Int) error
}

// Engine streams queued value into destruction, one epoch at a time. Every
// mutating method is permissionless.
type Engine struct {
	state   engineState
	bank    Bank
	clock   *epoch.Clock
	emitter events.Emitter
	asset   string
	account [20]byte
}

// NewEngine constructs a stream for asset. The stream holds its balance in a
// module account derived from the asset name.
func NewEngine(asset string, clock *epoch.Clock) *Engine {
	normalized := bank.NormalizeAsset(asset)
	return &Engine{
		clock:   clock,
		emitter: events.NoopEmitter{},
		asset:   normalized,
		account: AccountFor(normalized),
	}
}

// AccountFor returns the module account holding the stream balance for asset.
func AccountFor(asset string) [20]byte {
	return crypto.ModuleAddress("burn/" + bank.NormalizeAsset(asset))
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetBank configures the asset ledger used for balances and destruction.
func (e *Engine) SetBank(b Bank) { e.bank = b }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Asset returns the streamed asset.
func (e *Engine) Asset() string { return e.asset }

// Account returns the module account holding the stream balance.
func (e *Engine) Account() [20]byte { return e.account }

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.bank == nil {
		return ErrNilBank
	}
	return nil
}

func (e *Engine) load() (*Stream, error) {
	stream, ok, err := e.state.BurnStreamGet(e.asset)
	if err != nil {
		return nil, err
	}
	if !ok || stream == nil {
		return NewStream(e.asset), nil
	}
	stream.normalize()
	return stream, nil
}

func (e *Engine) heldBalance() (*big.Int, error) {
	return e.bank.Balance(e.asset, e.account)
}

// Stream returns a copy of the current stream state.
func (e *Engine) Stream() (*Stream, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.load()
}

// Queue stages amount of newly arrived value for the next epoch. The caller
// asserts the value already sits in the stream account; the claim is checked
// against the held balance so the same inflow cannot be queued twice.
func (e *Engine) Queue(amount *big.Int) (*Stream, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ledgererrors.ErrZeroAmount
	}
	stream, err := e.load()
	if err != nil {
		return nil, err
	}
	balance, err := e.heldBalance()
	if err != nil {
		return nil, err
	}
	required := new(big.Int).Add(stream.Accounted(), amount)
	if balance.Cmp(required) < 0 {
		return nil, fmt.Errorf("%w: held %s, accounted %s, queued %s", ErrInsufficientNewValue, balance, stream.Accounted(), amount)
	}
	if err := e.queue(stream, amount); err != nil {
		return nil, err
	}
	return stream.Clone(), nil
}

// Fund transfers amount from the supplied account into the stream and queues
// it in one step.
func (e *Engine) Fund(from [20]byte, amount *big.Int) (*Stream, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ledgererrors.ErrZeroAmount
	}
	if err := e.bank.Transfer(e.asset, from, e.account, amount); err != nil {
		return nil, err
	}
	return e.Queue(amount)
}

func (e *Engine) queue(stream *Stream, amount *big.Int) error {
	stream.PendingAmount = new(big.Int).Add(stream.PendingAmount, amount)
	if stream.PendingEpoch == 0 {
		stream.PendingEpoch = e.clock.Next(e.clock.Timestamp())
	}
	if err := e.state.BurnStreamPut(stream); err != nil {
		return err
	}
	e.emitter.Emit(events.BurnQueued{
		Asset:        e.asset,
		Amount:       new(big.Int).Set(amount),
		PendingTotal: new(big.Int).Set(stream.PendingAmount),
		PendingEpoch: stream.PendingEpoch,
	})
	return nil
}

// SyncUnaccounted queues any held balance not yet attributed to a cycle and
// returns the queued amount.
func (e *Engine) SyncUnaccounted() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	stream, err := e.load()
	if err != nil {
		return nil, err
	}
	balance, err := e.heldBalance()
	if err != nil {
		return nil, err
	}
	diff := new(big.Int).Sub(balance, stream.Accounted())
	if diff.Sign() <= 0 {
		return nil, ErrNothingToSync
	}
	if err := e.queue(stream, diff); err != nil {
		return nil, err
	}
	return diff, nil
}

// Start promotes the pending cycle to the active stream and immediately
// drips, returning the amount destroyed by that first drip. An active stream
// whose epoch has fully elapsed is drained before the hand-off.
func (e *Engine) Start() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	stream, err := e.load()
	if err != nil {
		return nil, err
	}
	if !stream.HasPending() {
		return nil, ErrNothingToStart
	}
	now := e.clock.Timestamp()
	if now < stream.PendingEpoch {
		return nil, ErrNotReady
	}
	settled := big.NewInt(0)
	if stream.IsActive() {
		if now >= stream.ActiveEpoch+e.clock.Length() {
			if settled, err = e.drip(stream, now); err != nil {
				return nil, err
			}
		}
		if stream.IsActive() {
			return nil, ErrAlreadyActive
		}
	}

	stream.ActiveAmount = stream.PendingAmount
	stream.ActiveEpoch = stream.PendingEpoch
	stream.Destroyed = big.NewInt(0)
	stream.PendingAmount = big.NewInt(0)
	stream.PendingEpoch = 0
	e.emitter.Emit(events.BurnStarted{Asset: e.asset, Epoch: stream.ActiveEpoch, Amount: new(big.Int).Set(stream.ActiveAmount)})

	burned, err := e.drip(stream, now)
	if err != nil {
		return nil, err
	}
	if err := e.state.BurnStreamPut(stream); err != nil {
		return nil, err
	}
	return burned.Add(burned, settled), nil
}

// Drip destroys the portion of the active stream that has vested since the
// last call and returns the amount destroyed.
func (e *Engine) Drip() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	stream, err := e.load()
	if err != nil {
		return nil, err
	}
	cycles := stream.CompletedCycles
	burned, err := e.drip(stream, e.clock.Timestamp())
	if err != nil {
		return nil, err
	}
	if burned.Sign() == 0 && stream.CompletedCycles == cycles {
		return burned, nil
	}
	if err := e.state.BurnStreamPut(stream); err != nil {
		return nil, err
	}
	return burned, nil
}

func (e *Engine) drip(stream *Stream, now uint64) (*big.Int, error) {
	if !stream.IsActive() || now < stream.ActiveEpoch {
		return big.NewInt(0), nil
	}
	length := e.clock.Length()
	elapsed := now - stream.ActiveEpoch
	if elapsed > length {
		elapsed = length
	}
	burnable := new(big.Int).Mul(stream.ActiveAmount, new(big.Int).SetUint64(elapsed))
	burnable.Quo(burnable, new(big.Int).SetUint64(length))
	delta := new(big.Int).Sub(burnable, stream.Destroyed)
	if delta.Sign() > 0 {
		if err := e.bank.Burn(e.asset, e.account, delta); err != nil {
			return nil, err
		}
		stream.Destroyed = burnable
		stream.TotalDestroyed = new(big.Int).Add(stream.TotalDestroyed, delta)
		e.emitter.Emit(events.BurnDripped{
			Asset:     e.asset,
			Epoch:     stream.ActiveEpoch,
			Amount:    new(big.Int).Set(delta),
			Destroyed: new(big.Int).Set(stream.Destroyed),
			Active:    new(big.Int).Set(stream.ActiveAmount),
		})
	} else {
		delta = big.NewInt(0)
	}
	if elapsed == length && stream.Destroyed.Cmp(stream.ActiveAmount) == 0 {
		e.emitter.Emit(events.BurnCompleted{Asset: e.asset, Epoch: stream.ActiveEpoch, Amount: new(big.Int).Set(stream.ActiveAmount)})
		stream.CompletedCycles++
		stream.ActiveAmount = big.NewInt(0)
		stream.ActiveEpoch = 0
		stream.Destroyed = big.NewInt(0)
	}
	return delta, nil
}

// Checkpoint syncs unaccounted value, starts a ready cycle and drips, so a
// single call advances the stream as far as currently possible.
func (e *Engine) Checkpoint() (*CheckpointResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	result := &CheckpointResult{Synced: big.NewInt(0), Destroyed: big.NewInt(0)}

	synced, err := e.SyncUnaccounted()
	switch {
	case err == nil:
		result.Synced = synced
	case !errors.Is(err, ErrNothingToSync):
		return nil, err
	}

	burned, err := e.Start()
	switch {
	case err == nil:
		result.Started = true
		result.Destroyed.Add(result.Destroyed, burned)
	case errors.Is(err, ErrNothingToStart), errors.Is(err, ErrNotReady), errors.Is(err, ErrAlreadyActive):
	default:
		return nil, err
	}

	burned, err = e.Drip()
	if err != nil {
		return nil, err
	}
	result.Destroyed.Add(result.Destroyed, burned)
	return result, nil
}
