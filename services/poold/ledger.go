package poold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"tidepool/core/epoch"
	"tidepool/core/events"
	"tidepool/core/state"
	"tidepool/native/bank"
	"tidepool/native/burn"
	"tidepool/native/distribution"
	"tidepool/native/fees"
	"tidepool/native/weights"
	"tidepool/observability"
	"tidepool/services/poold/history"
	"tidepool/storage"
)

// ErrUnknownStream reports an asset without a configured burn stream.
var ErrUnknownStream = errors.New("poold: no burn stream for asset")

// LedgerOptions configures the engines hosted by a Ledger.
type LedgerOptions struct {
	Clock     *epoch.Clock
	Assets    []string
	Targets   []distribution.Target
	Admin     [20]byte
	FeePolicy fees.Policy
	CacheSize int
	History   *history.Store
	Metrics   *observability.PooldMetrics
	Logger    *slog.Logger
}

// Ledger hosts the engines behind a single mutation gate. Each operation runs
// against the buffered state overlay and is committed atomically on success
// or discarded on error. Events are published only once their state commits.
type Ledger struct {
	mu sync.Mutex

	clock   *epoch.Clock
	state   *state.Manager
	buffer  *events.Buffer
	bank    *bank.Engine
	streams map[string]*burn.Engine
	dist    *distribution.Engine
	weights *weights.Engine
	cache   *weights.Cache
	router  *fees.Router

	sink    events.Emitter
	history *history.Store
	metrics *observability.PooldMetrics
	logger  *slog.Logger
}

// NewLedger wires the engines over db.
func NewLedger(db storage.Database, opts LedgerOptions) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("poold: database required")
	}
	if opts.Clock == nil {
		return nil, errors.New("poold: epoch clock required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		clock:   opts.Clock,
		state:   state.NewManager(db),
		buffer:  &events.Buffer{},
		streams: make(map[string]*burn.Engine),
		sink:    events.NoopEmitter{},
		history: opts.History,
		metrics: opts.Metrics,
		logger:  logger,
	}

	l.bank = bank.NewEngine()
	l.bank.SetState(l.state)
	l.bank.SetEmitter(l.buffer)

	l.weights = weights.NewEngine(opts.Clock)
	l.weights.SetState(l.state)
	l.weights.SetEmitter(l.buffer)
	cache, err := weights.NewCache(l.weights, opts.Clock, opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("weight cache: %w", err)
	}
	l.cache = cache

	l.dist = distribution.NewEngine(opts.Clock)
	l.dist.SetState(l.state)
	l.dist.SetBank(l.bank)
	l.dist.SetOracle(l.cache)
	l.dist.SetEmitter(l.buffer)
	l.dist.SetAdmin(opts.Admin)
	for _, target := range opts.Targets {
		if err := l.dist.RegisterTarget(target); err != nil {
			return nil, err
		}
		l.bank.RegisterModule(distribution.AccountFor(target.Name))
	}

	policy := opts.FeePolicy.Normalized()
	if policy.RewardsTarget != "" {
		if _, err := l.dist.Target(policy.RewardsTarget); err != nil {
			return nil, fmt.Errorf("fee rewards target: %w", err)
		}
	}
	l.router = fees.NewRouter(policy, opts.Clock)
	l.router.SetState(l.state)
	l.router.SetDistributor(l.dist)
	l.router.SetEmitter(l.buffer)

	for _, asset := range opts.Assets {
		normalized := bank.NormalizeAsset(asset)
		if normalized == "" {
			continue
		}
		if _, ok := l.streams[normalized]; ok {
			return nil, fmt.Errorf("duplicate burn stream %s", normalized)
		}
		stream := burn.NewEngine(normalized, opts.Clock)
		stream.SetState(l.state)
		stream.SetBank(l.bank)
		stream.SetEmitter(l.buffer)
		l.streams[normalized] = stream
		l.bank.RegisterModule(stream.Account())
		l.router.SetBurnStream(normalized, stream)
	}
	return l, nil
}

// SetSink configures where committed events are published.
func (l *Ledger) SetSink(sink events.Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sink == nil {
		l.sink = events.NoopEmitter{}
		return
	}
	l.sink = sink
}

// Clock returns the shared epoch clock.
func (l *Ledger) Clock() *epoch.Clock { return l.clock }

// apply runs fn under the gate and commits its writes. On any error the
// overlay and the buffered events are discarded.
func (l *Ledger) apply(ctx context.Context, op string, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := fn()
	if err == nil {
		err = l.state.Commit()
	}
	if l.metrics != nil {
		l.metrics.RecordOperation(op, err)
	}
	if err != nil {
		l.state.Discard()
		l.buffer.Reset()
		return err
	}
	l.publish(ctx, op, l.buffer.Drain())
	return nil
}

// view runs a read under the gate so it only ever observes committed state.
func (l *Ledger) view(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}

func (l *Ledger) publish(ctx context.Context, op string, evts []events.Event) {
	if len(evts) == 0 {
		return
	}
	if l.history != nil {
		if _, err := l.history.Append(ctx, evts); err != nil {
			l.logger.Error("history append failed", "op", op, "events", len(evts), "error", err)
		}
	}
	for _, evt := range evts {
		rendered := evt.Event()
		if rendered != nil {
			l.logger.Info("ledger event", "op", op, "type", rendered.Type, "attributes", rendered.Attributes)
		}
		l.sink.Emit(evt)
	}
}

func (l *Ledger) stream(asset string) (*burn.Engine, error) {
	stream, ok := l.streams[bank.NormalizeAsset(asset)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, asset)
	}
	return stream, nil
}

// Assets returns the assets that carry a burn stream.
func (l *Ledger) Assets() []string {
	out := make([]string, 0, len(l.streams))
	for asset := range l.streams {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// Targets returns the configured distribution targets.
func (l *Ledger) Targets() []distribution.Target { return l.dist.Targets() }

// Admin returns the sweep administrator.
func (l *Ledger) Admin() [20]byte { return l.dist.Admin() }

// Stream returns the state of the burn stream for asset.
func (l *Ledger) Stream(asset string) (*burn.Stream, error) {
	stream, err := l.stream(asset)
	if err != nil {
		return nil, err
	}
	var out *burn.Stream
	err = l.view(func() error {
		var err error
		out, err = stream.Stream()
		return err
	})
	return out, err
}

// StreamHeld returns the balance held by the stream account for asset.
func (l *Ledger) StreamHeld(asset string) (*big.Int, error) {
	stream, err := l.stream(asset)
	if err != nil {
		return nil, err
	}
	return l.Balance(stream.Asset(), stream.Account())
}

// SyncStream queues any unattributed stream balance.
func (l *Ledger) SyncStream(ctx context.Context, asset string) (*big.Int, error) {
	stream, err := l.stream(asset)
	if err != nil {
		return nil, err
	}
	var synced *big.Int
	err = l.apply(ctx, "burn.sync", func() error {
		var err error
		synced, err = stream.SyncUnaccounted()
		return err
	})
	return synced, err
}

// StartStream promotes the pending cycle for asset.
func (l *Ledger) StartStream(ctx context.Context, asset string) (*big.Int, error) {
	stream, err := l.stream(asset)
	if err != nil {
		return nil, err
	}
	var burned *big.Int
	err = l.apply(ctx, "burn.start", func() error {
		var err error
		burned, err = stream.Start()
		return err
	})
	return burned, err
}

// DripStream destroys the vested part of the active cycle for asset.
func (l *Ledger) DripStream(ctx context.Context, asset string) (*big.Int, error) {
	stream, err := l.stream(asset)
	if err != nil {
		return nil, err
	}
	var burned *big.Int
	err = l.apply(ctx, "burn.drip", func() error {
		var err error
		burned, err = stream.Drip()
		return err
	})
	return burned, err
}

// CheckpointStream advances the stream for asset as far as possible.
func (l *Ledger) CheckpointStream(ctx context.Context, asset string) (*burn.CheckpointResult, error) {
	stream, err := l.stream(asset)
	if err != nil {
		return nil, err
	}
	var result *burn.CheckpointResult
	err = l.apply(ctx, "burn.checkpoint", func() error {
		var err error
		result, err = stream.Checkpoint()
		return err
	})
	return result, err
}

// Balance returns the ledger balance of addr in asset.
func (l *Ledger) Balance(asset string, addr [20]byte) (*big.Int, error) {
	var out *big.Int
	err := l.view(func() error {
		var err error
		out, err = l.bank.Balance(asset, addr)
		return err
	})
	return out, err
}

// Supply returns the circulating supply of asset.
func (l *Ledger) Supply(asset string) (*big.Int, error) {
	var out *big.Int
	err := l.view(func() error {
		var err error
		out, err = l.bank.Supply(asset)
		return err
	})
	return out, err
}

// Mint credits an external inflow of asset to addr.
func (l *Ledger) Mint(ctx context.Context, asset string, to [20]byte, amount *big.Int) error {
	return l.apply(ctx, "bank.mint", func() error {
		return l.bank.Mint(asset, to, amount)
	})
}

// Bootstrap applies genesis credits when the ledger holds no assets yet. It
// reports whether any credit was applied.
func (l *Ledger) Bootstrap(ctx context.Context, mints []GenesisMint) (bool, error) {
	if len(mints) == 0 {
		return false, nil
	}
	applied := false
	err := l.apply(ctx, "bank.genesis", func() error {
		known, err := l.state.Assets()
		if err != nil {
			return err
		}
		if len(known) > 0 {
			return nil
		}
		for _, mint := range mints {
			to, amount, err := mint.parse()
			if err != nil {
				return err
			}
			if err := l.bank.Mint(mint.Asset, to, amount); err != nil {
				return fmt.Errorf("genesis %s: %w", mint.Asset, err)
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

// RouteFee mints a fee inflow to payer and routes it through the fee policy.
func (l *Ledger) RouteFee(ctx context.Context, asset string, payer [20]byte, amount *big.Int) (*fees.RouteResult, error) {
	var result *fees.RouteResult
	err := l.apply(ctx, "fees.route", func() error {
		if err := l.bank.Mint(asset, payer, amount); err != nil {
			return err
		}
		var err error
		result, err = l.router.Route(asset, payer, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FeeTotals returns the committed fee routing totals for asset.
func (l *Ledger) FeeTotals(asset string) (fees.Totals, bool, error) {
	var (
		totals fees.Totals
		ok     bool
	)
	err := l.view(func() error {
		var err error
		totals, ok, err = l.router.Totals(asset)
		return err
	})
	return totals, ok, err
}

// FeePolicy returns the active fee split.
func (l *Ledger) FeePolicy() fees.Policy { return l.router.Policy() }

// Deposit earmarks amount from depositor for a future epoch of target.
func (l *Ledger) Deposit(ctx context.Context, target string, depositor [20]byte, asset string, epochStart uint64, amount *big.Int) (*distribution.Pool, error) {
	var pool *distribution.Pool
	err := l.apply(ctx, "distribution.deposit", func() error {
		var err error
		pool, err = l.dist.Deposit(target, depositor, asset, epochStart, amount)
		return err
	})
	return pool, err
}

// Claim pays identity its share of an elapsed pool.
func (l *Ledger) Claim(ctx context.Context, target string, identity [20]byte, asset string, epochStart uint64) (*big.Int, error) {
	var paid *big.Int
	err := l.apply(ctx, "distribution.claim", func() error {
		var err error
		paid, err = l.dist.Claim(target, identity, asset, epochStart)
		return err
	})
	return paid, err
}

// Refund returns depositor's contribution to a zero-weight epoch.
func (l *Ledger) Refund(ctx context.Context, target string, depositor [20]byte, asset string, epochStart uint64) (*big.Int, error) {
	var refunded *big.Int
	err := l.apply(ctx, "distribution.refund", func() error {
		var err error
		refunded, err = l.dist.RefundZeroWeightDeposit(target, depositor, asset, epochStart)
		return err
	})
	return refunded, err
}

// Sweep moves a stranded zero-weight pool to the target treasury.
func (l *Ledger) Sweep(ctx context.Context, target string, caller [20]byte, asset string, epochStart uint64) (*big.Int, error) {
	var swept *big.Int
	err := l.apply(ctx, "distribution.sweep", func() error {
		var err error
		swept, err = l.dist.Sweep(target, caller, asset, epochStart)
		return err
	})
	return swept, err
}

// PreviewClaim computes what Claim would pay without mutating state.
func (l *Ledger) PreviewClaim(target string, identity [20]byte, asset string, epochStart uint64) (*big.Int, error) {
	var out *big.Int
	err := l.view(func() error {
		var err error
		out, err = l.dist.PreviewClaim(target, identity, asset, epochStart)
		return err
	})
	return out, err
}

// Pool returns a single pool.
func (l *Ledger) Pool(target string, epochStart uint64, asset string) (*distribution.Pool, error) {
	var out *distribution.Pool
	err := l.view(func() error {
		var err error
		out, err = l.dist.Pool(target, epochStart, asset)
		return err
	})
	return out, err
}

// Pools lists every pool of target.
func (l *Ledger) Pools(target string) ([]*distribution.Pool, error) {
	var out []*distribution.Pool
	err := l.view(func() error {
		var err error
		out, err = l.dist.Pools(target)
		return err
	})
	return out, err
}

// Contribution returns depositor's outstanding contribution to a pool.
func (l *Ledger) Contribution(target string, epochStart uint64, asset string, depositor [20]byte) (*big.Int, error) {
	var out *big.Int
	err := l.view(func() error {
		var err error
		out, err = l.dist.Contribution(target, epochStart, asset, depositor)
		return err
	})
	return out, err
}

// HasClaimed reports whether identity has claimed a pool.
func (l *Ledger) HasClaimed(target string, epochStart uint64, asset string, identity [20]byte) (bool, error) {
	var out bool
	err := l.view(func() error {
		var err error
		out, err = l.dist.HasClaimed(target, epochStart, asset, identity)
		return err
	})
	return out, err
}

// RecordWeight stores an identity's weight for a current or future epoch.
func (l *Ledger) RecordWeight(ctx context.Context, epochStart uint64, target string, identity [20]byte, weight *big.Int) (*big.Int, error) {
	if _, err := l.dist.Target(target); err != nil {
		return nil, err
	}
	var total *big.Int
	err := l.apply(ctx, "weights.record", func() error {
		var err error
		total, err = l.weights.Record(epochStart, target, identity, weight)
		return err
	})
	return total, err
}

// Weights returns the total weight and, when identity is set, the identity
// weight recorded for target in an epoch.
func (l *Ledger) Weights(epochStart uint64, target string, identity *[20]byte) (total, weight *big.Int, err error) {
	err = l.view(func() error {
		total, err = l.cache.TotalWeight(epochStart, target)
		if err != nil || identity == nil {
			return err
		}
		weight, err = l.cache.IdentityWeight(epochStart, target, *identity)
		return err
	})
	return total, weight, err
}
