package distribution

import (
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	ledgererrors "tidepool/core/errors"
	"tidepool/core/epoch"
	"tidepool/core/events"
)

const testLength = 1000

type claimKey struct {
	target   string
	epoch    uint64
	asset    string
	identity [20]byte
}

type mockState struct {
	pools         map[string]map[PoolRef]*Pool
	claimed       map[claimKey]bool
	contributions map[claimKey]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		pools:         make(map[string]map[PoolRef]*Pool),
		claimed:       make(map[claimKey]bool),
		contributions: make(map[claimKey]*big.Int),
	}
}

func (m *mockState) DistributionPoolGet(target string, epoch uint64, asset string) (*Pool, bool, error) {
	pool, ok := m.pools[target][PoolRef{Epoch: epoch, Asset: asset}]
	if !ok {
		return nil, false, nil
	}
	return pool.Clone(), true, nil
}

func (m *mockState) DistributionPoolPut(pool *Pool) error {
	if m.pools[pool.Target] == nil {
		m.pools[pool.Target] = make(map[PoolRef]*Pool)
	}
	m.pools[pool.Target][PoolRef{Epoch: pool.Epoch, Asset: pool.Asset}] = pool.Clone()
	return nil
}

func (m *mockState) DistributionPools(target string) ([]PoolRef, error) {
	refs := make([]PoolRef, 0, len(m.pools[target]))
	for ref := range m.pools[target] {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Epoch < refs[j].Epoch })
	return refs, nil
}

func (m *mockState) DistributionClaimedGet(target string, epoch uint64, asset string, identity [20]byte) (bool, error) {
	return m.claimed[claimKey{target, epoch, asset, identity}], nil
}

func (m *mockState) DistributionClaimedSet(target string, epoch uint64, asset string, identity [20]byte) error {
	m.claimed[claimKey{target, epoch, asset, identity}] = true
	return nil
}

func (m *mockState) DistributionContributionGet(target string, epoch uint64, asset string, depositor [20]byte) (*big.Int, error) {
	if v, ok := m.contributions[claimKey{target, epoch, asset, depositor}]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) DistributionContributionPut(target string, epoch uint64, asset string, depositor [20]byte, amount *big.Int) error {
	m.contributions[claimKey{target, epoch, asset, depositor}] = new(big.Int).Set(amount)
	return nil
}

type fakeBank struct {
	balances map[[20]byte]*big.Int
}

func (b *fakeBank) balance(addr [20]byte) *big.Int {
	if v, ok := b.balances[addr]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (b *fakeBank) credit(addr [20]byte, amount int64) {
	b.balances[addr] = new(big.Int).Add(b.balance(addr), big.NewInt(amount))
}

func (b *fakeBank) Transfer(_ string, from, to [20]byte, amount *big.Int) error {
	fromBal := b.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return errors.New("insufficient")
	}
	b.balances[from] = new(big.Int).Sub(fromBal, amount)
	b.balances[to] = new(big.Int).Add(b.balance(to), amount)
	return nil
}

type weightKey struct {
	epoch  uint64
	target string
}

type fakeOracle struct {
	identities map[weightKey]map[[20]byte]*big.Int
	queried    []uint64
}

func (o *fakeOracle) set(epoch uint64, target string, identity [20]byte, weight int64) {
	key := weightKey{epoch, target}
	if o.identities[key] == nil {
		o.identities[key] = make(map[[20]byte]*big.Int)
	}
	o.identities[key][identity] = big.NewInt(weight)
}

func (o *fakeOracle) TotalWeight(epoch uint64, target string) (*big.Int, error) {
	o.queried = append(o.queried, epoch)
	total := big.NewInt(0)
	for _, w := range o.identities[weightKey{epoch, target}] {
		total.Add(total, w)
	}
	return total, nil
}

func (o *fakeOracle) IdentityWeight(epoch uint64, target string, identity [20]byte) (*big.Int, error) {
	if w, ok := o.identities[weightKey{epoch, target}][identity]; ok {
		return new(big.Int).Set(w), nil
	}
	return big.NewInt(0), nil
}

type harness struct {
	engine   *Engine
	state    *mockState
	bank     *fakeBank
	oracle   *fakeOracle
	clock    *clockwork.FakeClock
	events   *events.Buffer
	admin    [20]byte
	treasury [20]byte
}

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func epochAt(n uint64) uint64 { return n * testLength }

// newHarness starts at epoch 8 with a refund target "bribes" and a sweep
// target "rewards" with a two epoch grace period.
func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := clockwork.NewFakeClockAt(time.Unix(int64(epochAt(8))+50, 0))
	clock, err := epoch.NewClock(epoch.Config{Length: testLength * time.Second}, fake)
	require.NoError(t, err)
	h := &harness{
		engine:   NewEngine(clock),
		state:    newMockState(),
		bank:     &fakeBank{balances: make(map[[20]byte]*big.Int)},
		oracle:   &fakeOracle{identities: make(map[weightKey]map[[20]byte]*big.Int)},
		clock:    fake,
		events:   &events.Buffer{},
		admin:    addr(0xad),
		treasury: addr(0x7e),
	}
	h.engine.SetState(h.state)
	h.engine.SetBank(h.bank)
	h.engine.SetOracle(h.oracle)
	h.engine.SetEmitter(h.events)
	h.engine.SetAdmin(h.admin)
	require.NoError(t, h.engine.RegisterTarget(Target{Name: "Bribes", Policy: RecoveryRefund}))
	require.NoError(t, h.engine.RegisterTarget(Target{Name: "rewards", Policy: RecoverySweep, GraceEpochs: 2, Treasury: h.treasury}))
	return h
}

func (h *harness) toEpoch(n uint64) {
	h.clock.Advance(time.Unix(int64(epochAt(n))+1, 0).Sub(h.clock.Now()))
}

// at moves the clock to the exact unix second ts.
func (h *harness) at(ts uint64) {
	h.clock.Advance(time.Unix(int64(ts), 0).Sub(h.clock.Now()))
}

func (h *harness) deposit(t *testing.T, target string, depositor [20]byte, epochStart uint64, amount int64) {
	t.Helper()
	h.bank.credit(depositor, amount)
	_, err := h.engine.Deposit(target, depositor, "usdc", epochStart, big.NewInt(amount))
	require.NoError(t, err)
}

func TestClaimProRataScenario(t *testing.T) {
	h := newHarness(t)
	depositor, voter := addr(1), addr(2)
	h.deposit(t, "bribes", depositor, epochAt(10), 100)
	h.oracle.set(epochAt(10), "bribes", voter, 30)
	h.oracle.set(epochAt(10), "bribes", addr(3), 70)

	h.toEpoch(9)
	_, err := h.engine.Claim("bribes", voter, "usdc", epochAt(10))
	require.ErrorIs(t, err, ErrEpochNotEnded)
	preview, err := h.engine.PreviewClaim("bribes", voter, "usdc", epochAt(10))
	require.NoError(t, err)
	require.Zero(t, preview.Sign())

	h.toEpoch(11)
	preview, err = h.engine.PreviewClaim("bribes", voter, "USDC", epochAt(10))
	require.NoError(t, err)
	require.Equal(t, int64(30), preview.Int64())

	paid, err := h.engine.Claim("bribes", voter, "usdc", epochAt(10))
	require.NoError(t, err)
	require.Equal(t, int64(30), paid.Int64())
	require.Equal(t, int64(30), h.bank.balance(voter).Int64())

	paid, err = h.engine.Claim("bribes", voter, "usdc", epochAt(10))
	require.NoError(t, err)
	require.Zero(t, paid.Sign())
	preview, err = h.engine.PreviewClaim("bribes", voter, "usdc", epochAt(10))
	require.NoError(t, err)
	require.Zero(t, preview.Sign())

	pool, err := h.engine.Pool("bribes", epochAt(10), "usdc")
	require.NoError(t, err)
	require.Equal(t, int64(100), pool.Deposited.Int64())
	require.Equal(t, int64(30), pool.Claimed.Int64())
	require.Equal(t, int64(70), h.bank.balance(AccountFor("bribes")).Int64())
}

func TestDepositValidation(t *testing.T) {
	h := newHarness(t)
	depositor := addr(1)
	h.bank.credit(depositor, 1000)

	_, err := h.engine.Deposit("bribes", depositor, "usdc", epochAt(8), big.NewInt(1))
	require.ErrorIs(t, err, ErrEpochNotFuture)
	_, err = h.engine.Deposit("bribes", depositor, "usdc", epochAt(7), big.NewInt(1))
	require.ErrorIs(t, err, ErrEpochNotFuture)
	_, err = h.engine.Deposit("bribes", depositor, "usdc", epochAt(9), big.NewInt(0))
	require.ErrorIs(t, err, ledgererrors.ErrZeroAmount)
	_, err = h.engine.Deposit("bribes", [20]byte{}, "usdc", epochAt(9), big.NewInt(1))
	require.ErrorIs(t, err, ledgererrors.ErrZeroAddress)
	_, err = h.engine.Deposit("bribes", depositor, "usdc", epochAt(9)+1, big.NewInt(1))
	require.ErrorIs(t, err, ErrEpochMisaligned)
	_, err = h.engine.Deposit("gauges", depositor, "usdc", epochAt(9), big.NewInt(1))
	require.ErrorIs(t, err, ErrUnknownTarget)

	pool, err := h.engine.Deposit("bribes", depositor, "usdc", epochAt(9), big.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, int64(10), pool.Deposited.Int64())
	pool, err = h.engine.Deposit("bribes", depositor, "usdc", epochAt(9), big.NewInt(15))
	require.NoError(t, err)
	require.Equal(t, int64(25), pool.Deposited.Int64())

	contributed, err := h.engine.Contribution("bribes", epochAt(9), "usdc", depositor)
	require.NoError(t, err)
	require.Equal(t, int64(25), contributed.Int64())

	drained := h.events.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, events.TypeDistributionDeposited, drained[1].EventType())
	require.Equal(t, "25", drained[1].Event().Attributes["total"])
}

func TestRefundZeroWeightDeposit(t *testing.T) {
	h := newHarness(t)
	depositor := addr(1)
	h.deposit(t, "bribes", depositor, epochAt(10), 50)

	_, err := h.engine.RefundZeroWeightDeposit("bribes", depositor, "usdc", epochAt(10))
	require.ErrorIs(t, err, ErrEpochNotEnded)

	h.toEpoch(11)
	refunded, err := h.engine.RefundZeroWeightDeposit("bribes", depositor, "usdc", epochAt(10))
	require.NoError(t, err)
	require.Equal(t, int64(50), refunded.Int64())
	require.Equal(t, int64(50), h.bank.balance(depositor).Int64())

	refunded, err = h.engine.RefundZeroWeightDeposit("bribes", depositor, "usdc", epochAt(10))
	require.NoError(t, err)
	require.Zero(t, refunded.Sign())

	pool, err := h.engine.Pool("bribes", epochAt(10), "usdc")
	require.NoError(t, err)
	require.Zero(t, pool.Deposited.Sign())
	require.Equal(t, int64(50), pool.Refunded.Int64())

	stranger, err := h.engine.RefundZeroWeightDeposit("bribes", addr(9), "usdc", epochAt(10))
	require.NoError(t, err)
	require.Zero(t, stranger.Sign())
}

func TestEpochEndBoundary(t *testing.T) {
	h := newHarness(t)
	depositor, voter := addr(1), addr(2)
	h.deposit(t, "bribes", depositor, epochAt(10), 100)
	h.deposit(t, "bribes", addr(4), epochAt(10)+testLength, 60)
	h.oracle.set(epochAt(10), "bribes", voter, 1)
	h.oracle.set(epochAt(10), "bribes", addr(3), 1)
	h.oracle.set(epochAt(10), "bribes", addr(5), 1)

	h.at(epochAt(10))
	h.bank.credit(depositor, 1)
	_, err := h.engine.Deposit("bribes", depositor, "usdc", epochAt(10), big.NewInt(1))
	require.ErrorIs(t, err, ErrEpochNotFuture)

	for _, ts := range []uint64{epochAt(10), epochAt(10) + 1, epochAt(11) - 1} {
		h.at(ts)
		_, err := h.engine.Claim("bribes", voter, "usdc", epochAt(10))
		require.ErrorIs(t, err, ErrEpochNotEnded, "claim at %d", ts)
		_, err = h.engine.RefundZeroWeightDeposit("bribes", depositor, "usdc", epochAt(10))
		require.ErrorIs(t, err, ErrEpochNotEnded, "refund at %d", ts)
	}

	h.at(epochAt(11))
	_, err = h.engine.Deposit("bribes", depositor, "usdc", epochAt(11), big.NewInt(1))
	require.ErrorIs(t, err, ErrEpochNotFuture)
	_, err = h.engine.RefundZeroWeightDeposit("bribes", addr(4), "usdc", epochAt(11))
	require.ErrorIs(t, err, ErrEpochNotEnded)

	total := big.NewInt(0)
	for _, id := range [][20]byte{voter, addr(3), addr(5)} {
		paid, err := h.engine.Claim("bribes", id, "usdc", epochAt(10))
		require.NoError(t, err)
		require.Equal(t, int64(33), paid.Int64())
		total.Add(total, paid)
	}
	require.Equal(t, int64(99), total.Int64())
	require.Equal(t, int64(61), h.bank.balance(AccountFor("bribes")).Int64())

	h.at(epochAt(12))
	refunded, err := h.engine.RefundZeroWeightDeposit("bribes", addr(4), "usdc", epochAt(11))
	require.NoError(t, err)
	require.Equal(t, int64(60), refunded.Int64())
}

func TestRefundRejectedWhenTargetHadWeight(t *testing.T) {
	h := newHarness(t)
	depositor, voter := addr(1), addr(2)
	h.deposit(t, "bribes", depositor, epochAt(10), 50)
	h.oracle.set(epochAt(10), "bribes", voter, 1)
	h.toEpoch(11)

	_, err := h.engine.RefundZeroWeightDeposit("bribes", depositor, "usdc", epochAt(10))
	require.ErrorIs(t, err, ErrTargetHadWeight)

	paid, err := h.engine.Claim("bribes", voter, "usdc", epochAt(10))
	require.NoError(t, err)
	require.Equal(t, int64(50), paid.Int64())
}

func TestZeroWeightClaimPaysNothing(t *testing.T) {
	h := newHarness(t)
	voter := addr(2)
	h.deposit(t, "bribes", addr(1), epochAt(10), 50)
	h.toEpoch(11)

	paid, err := h.engine.Claim("bribes", voter, "usdc", epochAt(10))
	require.NoError(t, err)
	require.Zero(t, paid.Sign())
	claimed, err := h.engine.HasClaimed("bribes", epochAt(10), "usdc", voter)
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestSweepGracePeriod(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "rewards", addr(1), epochAt(10), 80)

	h.toEpoch(11)
	_, err := h.engine.Sweep("rewards", addr(5), "usdc", epochAt(10))
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.engine.Sweep("rewards", h.admin, "usdc", epochAt(10))
	require.ErrorIs(t, err, ErrGracePeriodNotElapsed)
	_, err = h.engine.RefundZeroWeightDeposit("rewards", addr(1), "usdc", epochAt(10))
	require.ErrorIs(t, err, ErrRecoveryDisabled)

	h.toEpoch(12)
	_, err = h.engine.Sweep("rewards", h.admin, "usdc", epochAt(10))
	require.ErrorIs(t, err, ErrGracePeriodNotElapsed)

	h.toEpoch(13)
	swept, err := h.engine.Sweep("rewards", h.admin, "usdc", epochAt(10))
	require.NoError(t, err)
	require.Equal(t, int64(80), swept.Int64())
	require.Equal(t, int64(80), h.bank.balance(h.treasury).Int64())
	require.Zero(t, h.bank.balance(AccountFor("rewards")).Sign())

	_, err = h.engine.Sweep("rewards", h.admin, "usdc", epochAt(10))
	require.ErrorIs(t, err, ErrNothingToSweep)

	_, err = h.engine.Sweep("bribes", h.admin, "usdc", epochAt(10))
	require.ErrorIs(t, err, ErrRecoveryDisabled)
}

func TestSweepRejectsWeightedEpoch(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "rewards", addr(1), epochAt(10), 80)
	h.oracle.set(epochAt(10), "rewards", addr(2), 5)

	h.toEpoch(11)
	_, err := h.engine.Sweep("rewards", h.admin, "usdc", epochAt(10))
	require.ErrorIs(t, err, ErrGracePeriodNotElapsed)
	require.Empty(t, h.oracle.queried, "weights of unsettled grace windows are not consulted")

	h.toEpoch(20)
	_, err = h.engine.Sweep("rewards", h.admin, "usdc", epochAt(10))
	require.ErrorIs(t, err, ErrNotZeroWeightEpoch)
}

func TestClaimsNeverExceedDeposits(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "bribes", addr(1), epochAt(10), 1_000_003)
	weights := []int64{7, 13, 1, 29, 3, 47}
	for i, w := range weights {
		h.oracle.set(epochAt(10), "bribes", addr(byte(10+i)), w)
	}
	h.toEpoch(11)

	total := big.NewInt(0)
	for i := range weights {
		paid, err := h.engine.Claim("bribes", addr(byte(10+i)), "usdc", epochAt(10))
		require.NoError(t, err)
		total.Add(total, paid)
	}
	require.LessOrEqual(t, total.Int64(), int64(1_000_003))
	require.Equal(t, new(big.Int).Sub(big.NewInt(1_000_003), total).Int64(), h.bank.balance(AccountFor("bribes")).Int64())

	pools, err := h.engine.Pools("bribes")
	require.NoError(t, err)
	require.Len(t, pools, 1)
	require.Equal(t, total.Int64(), pools[0].Claimed.Int64())
}

func TestClaimIsolatedPerAsset(t *testing.T) {
	h := newHarness(t)
	voter := addr(2)
	h.deposit(t, "bribes", addr(1), epochAt(10), 100)
	h.bank.credit(addr(1), 10)
	_, err := h.engine.Deposit("bribes", addr(1), "wtide", epochAt(10), big.NewInt(10))
	require.NoError(t, err)
	h.oracle.set(epochAt(10), "bribes", voter, 1)
	h.oracle.set(epochAt(10), "bribes", addr(3), 1)
	h.toEpoch(11)

	paid, err := h.engine.Claim("bribes", voter, "usdc", epochAt(10))
	require.NoError(t, err)
	require.Equal(t, int64(50), paid.Int64())
	paid, err = h.engine.Claim("bribes", voter, "wtide", epochAt(10))
	require.NoError(t, err)
	require.Equal(t, int64(5), paid.Int64())
}

func TestRegisterTargetValidation(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.engine.RegisterTarget(Target{Name: "bribes", Policy: RecoveryRefund}), ErrDuplicateTarget)
	require.ErrorIs(t, h.engine.RegisterTarget(Target{Name: " ", Policy: RecoveryRefund}), ErrInvalidTarget)
	require.ErrorIs(t, h.engine.RegisterTarget(Target{Name: "fees", Policy: RecoverySweep}), ErrInvalidTarget)

	policy, err := ParseRecoveryPolicy(" SWEEP ")
	require.NoError(t, err)
	require.Equal(t, RecoverySweep, policy)
	_, err = ParseRecoveryPolicy("burn")
	require.Error(t, err)

	names := make([]string, 0)
	for _, target := range h.engine.Targets() {
		names = append(names, target.Name)
	}
	require.Equal(t, []string{"bribes", "rewards"}, names)
}

func TestMissingDependencies(t *testing.T) {
	clock, err := epoch.NewClock(epoch.DefaultConfig(), clockwork.NewFakeClock())
	require.NoError(t, err)
	engine := NewEngine(clock)
	_, err = engine.Claim("x", addr(1), "usdc", 0)
	require.ErrorIs(t, err, ErrNilState)
	engine.SetState(newMockState())
	_, err = engine.Claim("x", addr(1), "usdc", 0)
	require.ErrorIs(t, err, ErrNilBank)
	engine.SetBank(&fakeBank{balances: map[[20]byte]*big.Int{}})
	_, err = engine.Claim("x", addr(1), "usdc", 0)
	require.ErrorIs(t, err, ErrNilOracle)
}
