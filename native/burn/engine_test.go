package burn

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	ledgererrors "tidepool/core/errors"
	"tidepool/core/epoch"
	"tidepool/core/events"
)

const testLength = 1000

type mockState struct {
	streams map[string]*Stream
}

func (m *mockState) BurnStreamGet(asset string) (*Stream, bool, error) {
	stream, ok := m.streams[asset]
	if !ok {
		return nil, false, nil
	}
	return stream.Clone(), true, nil
}

func (m *mockState) BurnStreamPut(stream *Stream) error {
	m.streams[stream.Asset] = stream.Clone()
	return nil
}

type fakeBank struct {
	balances map[[20]byte]*big.Int
	burned   *big.Int
}

func newFakeBank() *fakeBank {
	return &fakeBank{balances: make(map[[20]byte]*big.Int), burned: big.NewInt(0)}
}

func (b *fakeBank) credit(addr [20]byte, amount int64) {
	current, ok := b.balances[addr]
	if !ok {
		current = big.NewInt(0)
	}
	b.balances[addr] = new(big.Int).Add(current, big.NewInt(amount))
}

func (b *fakeBank) Balance(_ string, addr [20]byte) (*big.Int, error) {
	if v, ok := b.balances[addr]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (b *fakeBank) Transfer(_ string, from, to [20]byte, amount *big.Int) error {
	fromBal, _ := b.Balance("", from)
	if fromBal.Cmp(amount) < 0 {
		return errors.New("insufficient")
	}
	b.balances[from] = new(big.Int).Sub(fromBal, amount)
	toBal, _ := b.Balance("", to)
	b.balances[to] = new(big.Int).Add(toBal, amount)
	return nil
}

func (b *fakeBank) Burn(_ string, from [20]byte, amount *big.Int) error {
	bal, _ := b.Balance("", from)
	if bal.Cmp(amount) < 0 {
		return errors.New("insufficient")
	}
	b.balances[from] = new(big.Int).Sub(bal, amount)
	b.burned.Add(b.burned, amount)
	return nil
}

type harness struct {
	engine *Engine
	state  *mockState
	bank   *fakeBank
	clock  *clockwork.FakeClock
	events *events.Buffer
	funder [20]byte
}

// newHarness starts the clock 100s into the epoch beginning at 1_000_000.
func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := clockwork.NewFakeClockAt(time.Unix(1_000_100, 0))
	clock, err := epoch.NewClock(epoch.Config{Length: testLength * time.Second}, fake)
	require.NoError(t, err)
	h := &harness{
		engine: NewEngine("tide", clock),
		state:  &mockState{streams: make(map[string]*Stream)},
		bank:   newFakeBank(),
		clock:  fake,
		events: &events.Buffer{},
	}
	h.funder[0] = 0xaa
	h.engine.SetState(h.state)
	h.engine.SetBank(h.bank)
	h.engine.SetEmitter(h.events)
	return h
}

func (h *harness) advanceTo(ts int64) {
	h.clock.Advance(time.Unix(ts, 0).Sub(h.clock.Now()))
}

func (h *harness) fund(t *testing.T, amount int64) *Stream {
	t.Helper()
	h.bank.credit(h.funder, amount)
	stream, err := h.engine.Fund(h.funder, big.NewInt(amount))
	require.NoError(t, err)
	return stream
}

func (h *harness) stream(t *testing.T) *Stream {
	t.Helper()
	stream, err := h.engine.Stream()
	require.NoError(t, err)
	return stream
}

func TestQueueStartDripHalfEpoch(t *testing.T) {
	h := newHarness(t)
	stream := h.fund(t, 1000)
	require.Equal(t, uint64(1_001_000), stream.PendingEpoch)
	require.Equal(t, int64(1000), stream.PendingAmount.Int64())

	_, err := h.engine.Start()
	require.ErrorIs(t, err, ErrNotReady)

	h.advanceTo(1_001_000)
	burned, err := h.engine.Start()
	require.NoError(t, err)
	require.Zero(t, burned.Sign())

	h.advanceTo(1_001_500)
	burned, err = h.engine.Drip()
	require.NoError(t, err)
	require.Equal(t, int64(500), burned.Int64())
	require.Equal(t, int64(500), h.stream(t).Destroyed.Int64())

	h.advanceTo(1_002_600)
	burned, err = h.engine.Drip()
	require.NoError(t, err)
	require.Equal(t, int64(500), burned.Int64())

	final := h.stream(t)
	require.False(t, final.IsActive())
	require.Zero(t, final.ActiveEpoch)
	require.Equal(t, int64(1000), final.TotalDestroyed.Int64())
	require.Equal(t, uint64(1), final.CompletedCycles)
	require.Equal(t, int64(1000), h.bank.burned.Int64())

	burned, err = h.engine.Drip()
	require.NoError(t, err)
	require.Zero(t, burned.Sign())
}

func TestQueueRejectsDoubleCountedInflow(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 100)

	_, err := h.engine.Queue(big.NewInt(1))
	require.ErrorIs(t, err, ErrInsufficientNewValue)

	_, err = h.engine.Queue(big.NewInt(0))
	require.ErrorIs(t, err, ledgererrors.ErrZeroAmount)

	h.bank.credit(h.engine.Account(), 40)
	stream, err := h.engine.Queue(big.NewInt(40))
	require.NoError(t, err)
	require.Equal(t, int64(140), stream.PendingAmount.Int64())
	require.Equal(t, uint64(1_001_000), stream.PendingEpoch, "pending epoch is fixed by the first queue")
}

func TestSyncUnaccounted(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.SyncUnaccounted()
	require.ErrorIs(t, err, ErrNothingToSync)

	h.bank.credit(h.engine.Account(), 50)
	synced, err := h.engine.SyncUnaccounted()
	require.NoError(t, err)
	require.Equal(t, int64(50), synced.Int64())

	_, err = h.engine.SyncUnaccounted()
	require.ErrorIs(t, err, ErrNothingToSync)
}

func TestStartWithoutPending(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start()
	require.ErrorIs(t, err, ErrNothingToStart)
}

func TestStartRejectsWhileActive(t *testing.T) {
	h := newHarness(t)
	h.bank.credit(h.engine.Account(), 30)
	h.state.streams["TIDE"] = &Stream{
		Asset:          "TIDE",
		PendingAmount:  big.NewInt(10),
		PendingEpoch:   1_000_000,
		ActiveAmount:   big.NewInt(20),
		ActiveEpoch:    1_000_000,
		Destroyed:      big.NewInt(0),
		TotalDestroyed: big.NewInt(0),
	}
	_, err := h.engine.Start()
	require.ErrorIs(t, err, ErrAlreadyActive)
	require.Equal(t, int64(20), h.stream(t).ActiveAmount.Int64(), "failed start must not mutate state")
}

func TestBoundaryHandOffSettlesPreviousStream(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	h.advanceTo(1_001_000)
	_, err := h.engine.Start()
	require.NoError(t, err)

	h.advanceTo(1_001_300)
	burned, err := h.engine.Drip()
	require.NoError(t, err)
	require.Equal(t, int64(300), burned.Int64())

	stream := h.fund(t, 400)
	require.Equal(t, uint64(1_002_000), stream.PendingEpoch)

	h.advanceTo(1_002_000)
	burned, err = h.engine.Start()
	require.NoError(t, err)
	require.Equal(t, int64(700), burned.Int64(), "remaining 700 of the previous stream is settled")

	current := h.stream(t)
	require.Equal(t, int64(400), current.ActiveAmount.Int64())
	require.Equal(t, uint64(1_002_000), current.ActiveEpoch)
	require.Equal(t, uint64(1), current.CompletedCycles)
	require.False(t, current.HasPending())
}

func TestLateStartBurnsElapsedPortion(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	h.advanceTo(1_001_250)
	burned, err := h.engine.Start()
	require.NoError(t, err)
	require.Equal(t, int64(250), burned.Int64())

	h2 := newHarness(t)
	h2.fund(t, 1000)
	h2.advanceTo(1_003_500)
	burned, err = h2.engine.Start()
	require.NoError(t, err)
	require.Equal(t, int64(1000), burned.Int64())
	require.False(t, h2.stream(t).IsActive())
}

func TestCheckpointAdvancesAsFarAsPossible(t *testing.T) {
	h := newHarness(t)
	h.bank.credit(h.engine.Account(), 300)

	result, err := h.engine.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, int64(300), result.Synced.Int64())
	require.False(t, result.Started)
	require.Zero(t, result.Destroyed.Sign())

	h.advanceTo(1_001_250)
	result, err = h.engine.Checkpoint()
	require.NoError(t, err)
	require.True(t, result.Started)
	require.Zero(t, result.Synced.Sign())
	require.Equal(t, int64(75), result.Destroyed.Int64())

	h.advanceTo(1_002_000)
	result, err = h.engine.Checkpoint()
	require.NoError(t, err)
	require.False(t, result.Started)
	require.Equal(t, int64(225), result.Destroyed.Int64())
	require.False(t, h.stream(t).IsActive())
}

func TestDripMonotonicAndConserving(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 997)
	h.advanceTo(1_001_000)
	_, err := h.engine.Start()
	require.NoError(t, err)

	prev := big.NewInt(0)
	for step := int64(1); step <= 12; step++ {
		h.advanceTo(1_001_000 + step*97)
		_, err := h.engine.Drip()
		require.NoError(t, err)

		stream := h.stream(t)
		held, _ := h.bank.Balance("TIDE", h.engine.Account())
		require.LessOrEqual(t, stream.Accounted().Cmp(held), 0, "accounted value never exceeds held balance")
		require.GreaterOrEqual(t, stream.TotalDestroyed.Cmp(prev), 0, "destroyed value never decreases")
		if stream.IsActive() {
			require.LessOrEqual(t, stream.Destroyed.Cmp(stream.ActiveAmount), 0)
		}
		prev = stream.TotalDestroyed
	}
	require.Equal(t, int64(997), prev.Int64())
	require.Equal(t, int64(997), h.bank.burned.Int64())
}

func TestEngineRequiresDependencies(t *testing.T) {
	clock, err := epoch.NewClock(epoch.DefaultConfig(), clockwork.NewFakeClock())
	require.NoError(t, err)
	engine := NewEngine("tide", clock)
	_, err = engine.Drip()
	require.ErrorIs(t, err, ErrNilState)
	engine.SetState(&mockState{streams: map[string]*Stream{}})
	_, err = engine.Drip()
	require.ErrorIs(t, err, ErrNilBank)
}
