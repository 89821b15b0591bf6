package history

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tidepool/core/events"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAssignsSequences(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	var voter [20]byte
	voter[0] = 7

	records, err := store.Append(ctx, []events.Event{
		events.DistributionDeposited{Target: "bribes", Asset: "usdc", Epoch: 2000, Depositor: voter, Amount: big.NewInt(10), Total: big.NewInt(10)},
		events.DistributionClaimed{Target: "bribes", Asset: "usdc", Epoch: 2000, Identity: voter, Amount: big.NewInt(4), Weight: big.NewInt(1), Total: big.NewInt(2)},
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, uint64(1), records[0].Sequence)
	require.Equal(t, uint64(2), records[1].Sequence)
	require.Equal(t, "USDC", records[1].Asset)
	require.Equal(t, uint64(2000), records[1].Epoch)
	require.NotEmpty(t, records[1].Account)
	require.Equal(t, uint64(2), store.LastSequence())

	listed, err := store.List(ctx, Filter{Types: []string{events.TypeDistributionClaimed}})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "4", listed[0].Amount)

	after, err := store.List(ctx, Filter{AfterSeq: 1})
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, uint64(2), after[0].Sequence)
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), []events.Event{events.BurnCompleted{Asset: "tide", Epoch: 1000, Amount: big.NewInt(3)}})
	require.NoError(t, err)

	again, err := NewStore(db)
	require.NoError(t, err)
	require.Equal(t, uint64(1), again.LastSequence())
}

func TestPayoutsProjectRecoveries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	var depositor, treasury [20]byte
	depositor[0], treasury[0] = 1, 2
	_, err := store.Append(ctx, []events.Event{
		events.BurnDripped{Asset: "tide", Epoch: 1000, Amount: big.NewInt(1), Destroyed: big.NewInt(1), Active: big.NewInt(5)},
		events.DistributionRefunded{Target: "bribes", Asset: "tide", Epoch: 1000, Depositor: depositor, Amount: big.NewInt(9)},
		events.DistributionSwept{Target: "rewards", Asset: "tide", Epoch: 1000, Treasury: treasury, Amount: big.NewInt(5)},
	})
	require.NoError(t, err)

	rows, err := store.Payouts(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "refund", rows[0].Kind)
	require.Equal(t, "sweep", rows[1].Kind)
	require.Equal(t, "rewards", rows[1].Target)

	rows, err = store.Payouts(ctx, Filter{Target: "Bribes"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestIdempotencyFingerprint(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, found, err := store.LookupIdempotency(ctx, "k1", "aa")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.SaveIdempotency(ctx, IdempotencyKey{Key: "k1", Fingerprint: "aa", Status: 200, Response: `{"ok":true}`}))
	record, found, err := store.LookupIdempotency(ctx, "k1", "aa")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 200, record.Status)

	_, _, err = store.LookupIdempotency(ctx, "k1", "bb")
	require.True(t, errors.Is(err, ErrIdempotencyConflict))
}
