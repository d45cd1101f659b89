package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgarden/session-ledger/ledger"
	"github.com/mindgarden/session-ledger/store/memory"
)

func mapping(id string, remaining int) *ledger.Mapping {
	return &ledger.Mapping{
		ID: id, ConsultantID: "c-1", ClientID: "cl-1",
		TotalSessions: remaining, RemainingSessions: remaining,
		Status: ledger.MappingActive, StartDate: time.Now(),
	}
}

func TestMemory_CompareAndSwap(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.InsertMapping(ctx, mapping("m-1", 3)))

	a, _ := store.GetMapping(ctx, "m-1")
	b, _ := store.GetMapping(ctx, "m-1")

	a.RemainingSessions = 2
	require.NoError(t, store.UpdateMapping(ctx, a))

	b.RemainingSessions = 1
	assert.ErrorIs(t, store.UpdateMapping(ctx, b), ledger.ErrConcurrentModification)

	got, _ := store.GetMapping(ctx, "m-1")
	assert.Equal(t, 2, got.RemainingSessions)
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.InsertMapping(ctx, mapping("m-1", 3)))

	m, _ := store.GetMapping(ctx, "m-1")
	m.RemainingSessions = 0

	got, _ := store.GetMapping(ctx, "m-1")
	assert.Equal(t, 3, got.RemainingSessions)
}

func TestMemory_WithTxRollback(t *testing.T) {
	// GIVEN: A transaction that writes a mapping and an extension, then fails
	// THEN: The snapshot is restored

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.InsertMapping(ctx, mapping("m-1", 3)))

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		m, err := tx.GetMapping(ctx, "m-1")
		if err != nil {
			return err
		}
		m.TotalSessions += 4
		m.RemainingSessions += 4
		if err := tx.UpdateMapping(ctx, m); err != nil {
			return err
		}
		if err := tx.SaveExtension(ctx, &ledger.ExtensionRequest{ID: "e-1", MappingID: "m-1"}); err != nil {
			return err
		}
		return errors.New("notification exploded mid-transaction")
	})
	require.Error(t, err)

	got, _ := store.GetMapping(ctx, "m-1")
	assert.Equal(t, 3, got.RemainingSessions)
	assert.Equal(t, int64(1), got.Version)

	_, err = store.GetExtension(ctx, "e-1")
	assert.ErrorIs(t, err, ledger.ErrRequestNotFound)
}

func TestMemory_ListRunsLimit(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveRun(ctx, ledger.ConsistencyRun{
			ID: string(rune('a' + i)), Kind: ledger.RunValidate,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	runs, err := store.ListRuns(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "e", runs[0].ID)
}
