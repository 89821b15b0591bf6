package distribution

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	ledgererrors "tidepool/core/errors"
	"tidepool/core/epoch"
	"tidepool/core/events"
	"tidepool/crypto"
	"tidepool/native/bank"
)

var (
	ErrNilState               = errors.New("distribution: state not configured")
	ErrNilBank                = errors.New("distribution: bank not configured")
	ErrNilOracle              = errors.New("distribution: weight oracle not configured")
	ErrInvalidTarget          = errors.New("distribution: invalid target")
	ErrUnknownTarget          = errors.New("distribution: unknown target")
	ErrDuplicateTarget        = errors.New("distribution: target already registered")
	ErrEpochNotFuture         = errors.New("distribution: epoch is not in the future")
	ErrEpochNotEnded          = errors.New("distribution: epoch has not ended")
	ErrEpochMisaligned        = errors.New("distribution: epoch is not an epoch start")
	ErrTargetHadWeight        = errors.New("distribution: target had weight in epoch")
	ErrNotZeroWeightEpoch     = errors.New("distribution: epoch had weight")
	ErrGracePeriodNotElapsed  = errors.New("distribution: grace period not elapsed")
	ErrRecoveryDisabled       = errors.New("distribution: recovery path disabled for target")
	ErrUnauthorized           = errors.New("distribution: caller not authorized")
	ErrNothingToSweep         = errors.New("distribution: nothing to sweep")
	ErrInconsistentAccounting = errors.New("distribution: pool accounting inconsistent")
)

type engineState interface {
	DistributionPoolGet(target string, epoch uint64, asset string) (*Pool, bool, error)
	DistributionPoolPut(pool *Pool) error
	DistributionPools(target string) ([]PoolRef, error)
	DistributionClaimedGet(target string, epoch uint64, asset string, identity [20]byte) (bool, error)
	DistributionClaimedSet(target string, epoch uint64, asset string, identity [20]byte) error
	DistributionContributionGet(target string, epoch uint64, asset string, depositor [20]byte) (*big.Int, error)
	DistributionContributionPut(target string, epoch uint64, asset string, depositor [20]byte, amount *big.Int) error
}

// Bank moves value between accounts.
type Bank interface {
	Transfer(asset string, from, to [20]byte, amount *big.Int) error
}

// WeightOracle answers weight queries for elapsed epochs. The identity weight
// never exceeds the total for the same epoch and target.
type WeightOracle interface {
	TotalWeight(epoch uint64, target string) (*big.Int, error)
	IdentityWeight(epoch uint64, target string, identity [20]byte) (*big.Int, error)
}

// Engine is the per-target pro-rata distribution ledger.
type Engine struct {
	state   engineState
	bank    Bank
	oracle  WeightOracle
	clock   *epoch.Clock
	emitter events.Emitter
	admin   [20]byte
	targets map[string]Target
}

// NewEngine constructs a ledger bound to the shared epoch clock.
func NewEngine(clock *epoch.Clock) *Engine {
	return &Engine{
		clock:   clock,
		emitter: events.NoopEmitter{},
		targets: make(map[string]Target),
	}
}

// AccountFor returns the module account holding the deposits of target.
func AccountFor(target string) [20]byte {
	return crypto.ModuleAddress("distribution/" + NormalizeTarget(target))
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetBank configures the asset ledger.
func (e *Engine) SetBank(b Bank) { e.bank = b }

// SetOracle configures the weight source.
func (e *Engine) SetOracle(o WeightOracle) { e.oracle = o }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetAdmin configures the identity allowed to sweep.
func (e *Engine) SetAdmin(admin [20]byte) { e.admin = admin }

// Admin returns the sweep administrator.
func (e *Engine) Admin() [20]byte { return e.admin }

// RegisterTarget adds a distribution target.
func (e *Engine) RegisterTarget(target Target) error {
	if err := target.Validate(); err != nil {
		return err
	}
	name := NormalizeTarget(target.Name)
	if _, exists := e.targets[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, name)
	}
	target.Name = name
	e.targets[name] = target
	return nil
}

// Target returns the configuration of a registered target.
func (e *Engine) Target(name string) (Target, error) {
	target, ok := e.targets[NormalizeTarget(name)]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	return target, nil
}

// Targets lists every registered target ordered by name.
func (e *Engine) Targets() []Target {
	out := make([]Target, 0, len(e.targets))
	for _, target := range e.targets {
		out = append(out, target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.bank == nil {
		return ErrNilBank
	}
	if e.oracle == nil {
		return ErrNilOracle
	}
	return nil
}

func (e *Engine) loadPool(target string, epochStart uint64, asset string) (*Pool, error) {
	pool, ok, err := e.state.DistributionPoolGet(target, epochStart, asset)
	if err != nil {
		return nil, err
	}
	if !ok || pool == nil {
		return NewPool(target, epochStart, asset), nil
	}
	pool.normalize()
	return pool, nil
}

func (e *Engine) totalWeight(target string, epochStart uint64) (*big.Int, error) {
	total, err := e.oracle.TotalWeight(epochStart, target)
	if err != nil {
		return nil, err
	}
	if total == nil {
		return big.NewInt(0), nil
	}
	return total, nil
}

// Pool returns the ledger entry for (target, epoch, asset).
func (e *Engine) Pool(target string, epochStart uint64, asset string) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	t, err := e.Target(target)
	if err != nil {
		return nil, err
	}
	return e.loadPool(t.Name, epochStart, bank.NormalizeAsset(asset))
}

// Pools lists the pools that ever received a deposit for target.
func (e *Engine) Pools(target string) ([]*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	t, err := e.Target(target)
	if err != nil {
		return nil, err
	}
	refs, err := e.state.DistributionPools(t.Name)
	if err != nil {
		return nil, err
	}
	out := make([]*Pool, 0, len(refs))
	for _, ref := range refs {
		pool, err := e.loadPool(t.Name, ref.Epoch, ref.Asset)
		if err != nil {
			return nil, err
		}
		out = append(out, pool)
	}
	return out, nil
}

// Contribution returns the refundable amount depositor placed into a pool.
func (e *Engine) Contribution(target string, epochStart uint64, asset string, depositor [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	t, err := e.Target(target)
	if err != nil {
		return nil, err
	}
	return e.contribution(t.Name, epochStart, bank.NormalizeAsset(asset), depositor)
}

func (e *Engine) contribution(target string, epochStart uint64, asset string, depositor [20]byte) (*big.Int, error) {
	amount, err := e.state.DistributionContributionGet(target, epochStart, asset, depositor)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// HasClaimed reports whether identity already claimed from a pool.
func (e *Engine) HasClaimed(target string, epochStart uint64, asset string, identity [20]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, ErrNilState
	}
	t, err := e.Target(target)
	if err != nil {
		return false, err
	}
	return e.state.DistributionClaimedGet(t.Name, epochStart, bank.NormalizeAsset(asset), identity)
}

// Deposit earmarks amount of asset for participants of a future epoch.
func (e *Engine) Deposit(target string, depositor [20]byte, asset string, epochStart uint64, amount *big.Int) (*Pool, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	t, err := e.Target(target)
	if err != nil {
		return nil, err
	}
	if epochStart <= e.clock.Current() {
		return nil, ErrEpochNotFuture
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ledgererrors.ErrZeroAmount
	}
	if depositor == ([20]byte{}) {
		return nil, ledgererrors.ErrZeroAddress
	}
	if !e.clock.IsBoundary(epochStart) {
		return nil, ErrEpochMisaligned
	}
	asset = bank.NormalizeAsset(asset)
	if asset == "" {
		return nil, ledgererrors.ErrAssetEmpty
	}

	pool, err := e.loadPool(t.Name, epochStart, asset)
	if err != nil {
		return nil, err
	}
	if err := e.bank.Transfer(asset, depositor, AccountFor(t.Name), amount); err != nil {
		return nil, err
	}
	pool.Deposited = new(big.Int).Add(pool.Deposited, amount)
	contributed, err := e.contribution(t.Name, epochStart, asset, depositor)
	if err != nil {
		return nil, err
	}
	contributed = new(big.Int).Add(contributed, amount)
	if err := e.state.DistributionContributionPut(t.Name, epochStart, asset, depositor, contributed); err != nil {
		return nil, err
	}
	if err := e.state.DistributionPoolPut(pool); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.DistributionDeposited{
		Target:    t.Name,
		Asset:     asset,
		Epoch:     epochStart,
		Depositor: depositor,
		Amount:    new(big.Int).Set(amount),
		Total:     new(big.Int).Set(pool.Deposited),
	})
	return pool.Clone(), nil
}

type payout struct {
	amount *big.Int
	weight *big.Int
	total  *big.Int
}

// entitlement computes floor(deposited * w / W), bounded by what the pool
// still holds.
func (e *Engine) entitlement(target string, identity [20]byte, pool *Pool) (*payout, error) {
	result := &payout{amount: big.NewInt(0), weight: big.NewInt(0), total: big.NewInt(0)}
	if pool.Deposited.Sign() == 0 {
		return result, nil
	}
	total, err := e.totalWeight(target, pool.Epoch)
	if err != nil {
		return nil, err
	}
	result.total = total
	if total.Sign() <= 0 {
		return result, nil
	}
	weight, err := e.oracle.IdentityWeight(pool.Epoch, target, identity)
	if err != nil {
		return nil, err
	}
	if weight == nil || weight.Sign() <= 0 {
		return result, nil
	}
	result.weight = weight
	share := new(big.Int).Mul(pool.Deposited, weight)
	share.Quo(share, total)
	if outstanding := pool.Outstanding(); share.Cmp(outstanding) > 0 {
		share = outstanding
	}
	result.amount = share
	return result, nil
}

// PreviewClaim returns what Claim would pay right now without mutating state.
func (e *Engine) PreviewClaim(target string, identity [20]byte, asset string, epochStart uint64) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	t, err := e.Target(target)
	if err != nil {
		return nil, err
	}
	if epochStart >= e.clock.Current() {
		return big.NewInt(0), nil
	}
	asset = bank.NormalizeAsset(asset)
	claimed, err := e.state.DistributionClaimedGet(t.Name, epochStart, asset, identity)
	if err != nil {
		return nil, err
	}
	if claimed {
		return big.NewInt(0), nil
	}
	pool, err := e.loadPool(t.Name, epochStart, asset)
	if err != nil {
		return nil, err
	}
	result, err := e.entitlement(t.Name, identity, pool)
	if err != nil {
		return nil, err
	}
	return result.amount, nil
}

// Claim pays identity its pro-rata share of an elapsed epoch. A repeated claim
// returns zero.
func (e *Engine) Claim(target string, identity [20]byte, asset string, epochStart uint64) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	t, err := e.Target(target)
	if err != nil {
		return nil, err
	}
	if epochStart >= e.clock.Current() {
		return nil, ErrEpochNotEnded
	}
	if identity == ([20]byte{}) {
		return nil, ledgererrors.ErrZeroAddress
	}
	asset = bank.NormalizeAsset(asset)
	claimed, err := e.state.DistributionClaimedGet(t.Name, epochStart, asset, identity)
	if err != nil {
		return nil, err
	}
	if claimed {
		return big.NewInt(0), nil
	}
	if err := e.state.DistributionClaimedSet(t.Name, epochStart, asset, identity); err != nil {
		return nil, err
	}

	pool, err := e.loadPool(t.Name, epochStart, asset)
	if err != nil {
		return nil, err
	}
	result, err := e.entitlement(t.Name, identity, pool)
	if err != nil {
		return nil, err
	}
	if result.amount.Sign() == 0 {
		return result.amount, nil
	}
	if err := e.bank.Transfer(asset, AccountFor(t.Name), identity, result.amount); err != nil {
		return nil, err
	}
	pool.Claimed = new(big.Int).Add(pool.Claimed, result.amount)
	if err := e.state.DistributionPoolPut(pool); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.DistributionClaimed{
		Target:   t.Name,
		Asset:    asset,
		Epoch:    epochStart,
		Identity: identity,
		Amount:   new(big.Int).Set(result.amount),
		Weight:   new(big.Int).Set(result.weight),
		Total:    new(big.Int).Set(result.total),
	})
	return result.amount, nil
}

// RefundZeroWeightDeposit returns depositor's contribution to an elapsed epoch
// in which the target earned no weight. A repeated refund returns zero.
func (e *Engine) RefundZeroWeightDeposit(target string, depositor [20]byte, asset string, epochStart uint64) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	t, err := e.Target(target)
	if err != nil {
		return nil, err
	}
	if epochStart >= e.clock.Current() {
		return nil, ErrEpochNotEnded
	}
	if t.Policy != RecoveryRefund {
		return nil, ErrRecoveryDisabled
	}
	total, err := e.totalWeight(t.Name, epochStart)
	if err != nil {
		return nil, err
	}
	if total.Sign() != 0 {
		return nil, ErrTargetHadWeight
	}
	asset = bank.NormalizeAsset(asset)
	amount, err := e.contribution(t.Name, epochStart, asset, depositor)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	pool, err := e.loadPool(t.Name, epochStart, asset)
	if err != nil {
		return nil, err
	}
	if pool.Deposited.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: deposited %s, contribution %s", ErrInconsistentAccounting, pool.Deposited, amount)
	}
	if err := e.state.DistributionContributionPut(t.Name, epochStart, asset, depositor, big.NewInt(0)); err != nil {
		return nil, err
	}
	pool.Deposited = new(big.Int).Sub(pool.Deposited, amount)
	pool.Refunded = new(big.Int).Add(pool.Refunded, amount)
	if err := e.bank.Transfer(asset, AccountFor(t.Name), depositor, amount); err != nil {
		return nil, err
	}
	if err := e.state.DistributionPoolPut(pool); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.DistributionRefunded{
		Target:    t.Name,
		Asset:     asset,
		Epoch:     epochStart,
		Depositor: depositor,
		Amount:    new(big.Int).Set(amount),
	})
	return amount, nil
}

// Sweep moves the stranded balance of a zero-weight epoch to the target's
// treasury once the grace period has passed. The grace period is checked
// before any weight lookup so the oracle is only asked about elapsed epochs.
func (e *Engine) Sweep(target string, caller [20]byte, asset string, epochStart uint64) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	t, err := e.Target(target)
	if err != nil {
		return nil, err
	}
	if t.Policy != RecoverySweep {
		return nil, ErrRecoveryDisabled
	}
	if e.admin == ([20]byte{}) || caller != e.admin {
		return nil, ErrUnauthorized
	}
	if e.clock.Current() < e.clock.Add(epochStart, t.GraceEpochs+1) {
		return nil, ErrGracePeriodNotElapsed
	}
	total, err := e.totalWeight(t.Name, epochStart)
	if err != nil {
		return nil, err
	}
	if total.Sign() != 0 {
		return nil, ErrNotZeroWeightEpoch
	}
	asset = bank.NormalizeAsset(asset)
	pool, err := e.loadPool(t.Name, epochStart, asset)
	if err != nil {
		return nil, err
	}
	amount := pool.Outstanding()
	if amount.Sign() == 0 {
		return nil, ErrNothingToSweep
	}
	if err := e.bank.Transfer(asset, AccountFor(t.Name), t.Treasury, amount); err != nil {
		return nil, err
	}
	pool.Deposited = new(big.Int).Sub(pool.Deposited, amount)
	pool.Swept = new(big.Int).Add(pool.Swept, amount)
	if err := e.state.DistributionPoolPut(pool); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.DistributionSwept{
		Target:   t.Name,
		Asset:    asset,
		Epoch:    epochStart,
		Caller:   caller,
		Treasury: t.Treasury,
		Amount:   new(big.Int).Set(amount),
	})
	return amount, nil
}
