package fees

import (
	"errors"
	"math/big"

	ledgererrors "tidepool/core/errors"
	"tidepool/core/epoch"
	"tidepool/core/events"
	"tidepool/native/bank"
	"tidepool/native/burn"
	"tidepool/native/distribution"
)

var (
	ErrNoRoute        = errors.New("fees: no burn stream or rewards target for asset")
	ErrNilDistributor = errors.New("fees: distribution ledger not configured")
	ErrNilState       = errors.New("fees: state not configured")
)

type engineState interface {
	FeeTotalsGet(asset string) (*Totals, bool, error)
	FeeTotalsPut(totals *Totals) error
}

// BurnFunder queues value into an asset's burn stream.
type BurnFunder interface {
	Fund(from [20]byte, amount *big.Int) (*burn.Stream, error)
}

// Distributor deposits value into a distribution target.
type Distributor interface {
	Deposit(target string, depositor [20]byte, asset string, epochStart uint64, amount *big.Int) (*distribution.Pool, error)
}

// RouteResult reports how a single inflow was allocated.
type RouteResult struct {
	Asset        string
	Gross        *big.Int
	Burned       *big.Int
	Rewards      *big.Int
	RewardTarget string
	RewardEpoch  uint64
}

// Router splits fee inflows between the burn streams and the rewards target.
type Router struct {
	policy      Policy
	clock       *epoch.Clock
	state       engineState
	streams     map[string]BurnFunder
	distributor Distributor
	emitter     events.Emitter
}

// NewRouter constructs a router. The policy is validated by the caller.
func NewRouter(policy Policy, clock *epoch.Clock) *Router {
	return &Router{
		policy:  policy.Normalized(),
		clock:   clock,
		streams: make(map[string]BurnFunder),
		emitter: events.NoopEmitter{},
	}
}

// Policy returns the active split policy.
func (r *Router) Policy() Policy { return r.policy }

// SetState configures the state backend holding the running totals.
func (r *Router) SetState(state engineState) { r.state = state }

// SetBurnStream registers the burn stream funded for asset.
func (r *Router) SetBurnStream(asset string, stream BurnFunder) {
	r.streams[bank.NormalizeAsset(asset)] = stream
}

// SetDistributor configures the ledger receiving the rewards share.
func (r *Router) SetDistributor(d Distributor) { r.distributor = d }

// SetEmitter configures the event emitter used by the router.
func (r *Router) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// Route allocates amount paid by payer. The burn share is funded into the
// asset's stream; the rest is deposited into the rewards target for the next
// epoch. A missing leg folds its share into the other one. The asset's running
// totals are updated in the same state write set as the legs.
func (r *Router) Route(asset string, payer [20]byte, amount *big.Int) (*RouteResult, error) {
	if r.state == nil {
		return nil, ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ledgererrors.ErrZeroAmount
	}
	if payer == ([20]byte{}) {
		return nil, ledgererrors.ErrZeroAddress
	}
	asset = bank.NormalizeAsset(asset)
	if asset == "" {
		return nil, ledgererrors.ErrAssetEmpty
	}
	stream := r.streams[asset]
	hasRewards := r.policy.RewardsTarget != ""

	bps := r.policy.BurnShareBps
	switch {
	case stream == nil && !hasRewards:
		return nil, ErrNoRoute
	case stream == nil:
		bps = 0
	case !hasRewards:
		bps = MaxBps
	}
	split := Split(amount, bps)
	result := &RouteResult{
		Asset:   asset,
		Gross:   new(big.Int).Set(amount),
		Burned:  split.Burn,
		Rewards: split.Rewards,
	}

	if split.Burn.Sign() > 0 {
		if _, err := stream.Fund(payer, split.Burn); err != nil {
			return nil, err
		}
	}
	if split.Rewards.Sign() > 0 {
		if r.distributor == nil {
			return nil, ErrNilDistributor
		}
		result.RewardTarget = r.policy.RewardsTarget
		result.RewardEpoch = r.clock.Next(r.clock.Timestamp())
		if _, err := r.distributor.Deposit(result.RewardTarget, payer, asset, result.RewardEpoch, split.Rewards); err != nil {
			return nil, err
		}
	}

	if err := r.accumulate(result); err != nil {
		return nil, err
	}

	r.emitter.Emit(events.FeeRouted{
		Payer:        payer,
		Asset:        asset,
		Gross:        new(big.Int).Set(result.Gross),
		Burned:       new(big.Int).Set(result.Burned),
		Rewards:      new(big.Int).Set(result.Rewards),
		RewardTarget: result.RewardTarget,
		RewardEpoch:  result.RewardEpoch,
	})
	return result, nil
}

func (r *Router) accumulate(result *RouteResult) error {
	current, ok, err := r.state.FeeTotalsGet(result.Asset)
	if err != nil {
		return err
	}
	if !ok || current == nil {
		current = &Totals{Asset: result.Asset, Gross: big.NewInt(0), Burned: big.NewInt(0), Rewards: big.NewInt(0)}
	}
	next := current.Clone()
	next.Asset = result.Asset
	next.Gross = addAmount(next.Gross, result.Gross)
	next.Burned = addAmount(next.Burned, result.Burned)
	next.Rewards = addAmount(next.Rewards, result.Rewards)
	return r.state.FeeTotalsPut(&next)
}

func addAmount(total, delta *big.Int) *big.Int {
	out := new(big.Int)
	if total != nil {
		out.Set(total)
	}
	return out.Add(out, delta)
}

// Totals returns the running totals for asset as currently visible in state.
func (r *Router) Totals(asset string) (Totals, bool, error) {
	if r.state == nil {
		return Totals{}, false, ErrNilState
	}
	current, ok, err := r.state.FeeTotalsGet(bank.NormalizeAsset(asset))
	if err != nil || !ok || current == nil {
		return Totals{}, false, err
	}
	return current.Clone(), true, nil
}
