package poold

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tidepool/observability"
	"tidepool/storage"
)

func TestKeeperCheckpointsEveryStream(t *testing.T) {
	ledger, fake, _ := newTestLedger(t, storage.NewMemDB())
	ctx := context.Background()
	_, err := ledger.RouteFee(ctx, "tide", identityN(7), big.NewInt(1_000))
	require.NoError(t, err)

	keeper := NewKeeper(ledger, time.Minute, observability.Poold(), nil)
	results := keeper.RunOnce(ctx)
	require.Len(t, results, 2)
	require.False(t, results["tide"].Started)

	fake.Advance(1_450 * time.Second)
	results = keeper.RunOnce(ctx)
	require.True(t, results["tide"].Started)
	require.Equal(t, "500", results["tide"].Destroyed.String())
	require.False(t, results["usdc"].Started)

	fake.Advance(250 * time.Second)
	results = keeper.RunOnce(ctx)
	require.Equal(t, "250", results["tide"].Destroyed.String())
}

func TestKeeperRunStopsOnCancel(t *testing.T) {
	ledger, _, _ := newTestLedger(t, storage.NewMemDB())
	keeper := NewKeeper(ledger, time.Minute, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		keeper.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keeper did not stop")
	}
}
