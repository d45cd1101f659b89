package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgarden/session-ledger/ledger"
	"github.com/mindgarden/session-ledger/lock"
	"github.com/mindgarden/session-ledger/store/postgres"
)

// These tests need a disposable database:
//
//	SESSION_LEDGER_TEST_POSTGRES_DSN="host=localhost user=postgres dbname=ledger_test sslmode=disable" go test ./store/postgres/

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *postgres.Store {
	dsn := os.Getenv("SESSION_LEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SESSION_LEDGER_TEST_POSTGRES_DSN not set")
	}
	store, err := postgres.New(dsn, nil)
	require.NoError(t, err)
	require.NoError(t, store.Reset(context.Background()))
	t.Cleanup(func() {
		store.Reset(context.Background())
		store.Close()
	})
	return store
}

func testMapping(id string, total, used, remaining int) *ledger.Mapping {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &ledger.Mapping{
		ID:                id,
		ConsultantID:      "consultant-1",
		ClientID:          "client-1",
		TotalSessions:     total,
		UsedSessions:      used,
		RemainingSessions: remaining,
		Status:            ledger.MappingActive,
		PackageName:       "기본 10회기",
		PackagePrice:      500000,
		PaymentStatus:     ledger.PaymentApproved,
		StartDate:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// =============================================================================
// MAPPINGS
// =============================================================================

func TestMapping_RoundTripAndCompareAndSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := testMapping("m-1", 10, 0, 10)
	require.NoError(t, store.InsertMapping(ctx, m))

	got, err := store.GetMapping(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.RemainingSessions)
	assert.Nil(t, got.PaymentReference)
	assert.True(t, got.StartDate.Equal(m.StartDate))

	// GIVEN: Two copies at version 1
	a, b := *got, *got
	a.UsedSessions, a.RemainingSessions = 1, 9
	require.NoError(t, store.UpdateMapping(ctx, &a))
	assert.Equal(t, int64(2), a.Version)

	// THEN: The stale copy loses
	b.UsedSessions, b.RemainingSessions = 1, 9
	err = store.UpdateMapping(ctx, &b)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	missing := testMapping("nope", 1, 0, 1)
	missing.Version = 1
	assert.ErrorIs(t, store.UpdateMapping(ctx, missing), ledger.ErrMappingNotFound)
}

func TestMapping_ListByPairOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := testMapping("m-old", 5, 0, 5)
	newer := testMapping("m-new", 5, 0, 5)
	newer.StartDate = older.StartDate.Add(24 * time.Hour)
	other := testMapping("m-other", 5, 0, 5)
	other.ClientID = "client-2"
	for _, m := range []*ledger.Mapping{newer, other, older} {
		require.NoError(t, store.InsertMapping(ctx, m))
	}

	got, err := store.ListMappings(ctx, ledger.MappingFilter{ConsultantID: "consultant-1", ClientID: "client-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m-old", got[0].ID)
	assert.Equal(t, "m-new", got[1].ID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertMapping(ctx, testMapping("m-1", 10, 0, 10)))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		m, err := tx.GetMapping(ctx, "m-1")
		require.NoError(t, err)
		m.UsedSessions, m.RemainingSessions = 1, 9
		require.NoError(t, tx.UpdateMapping(ctx, m))
		require.NoError(t, tx.SaveExtension(ctx, &ledger.ExtensionRequest{
			ID: "ext-1", MappingID: "m-1", RequesterID: "c", AdditionalSessions: 4,
			Status: ledger.ExtensionCompleted,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetMapping(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.RemainingSessions)
	_, err = store.GetExtension(ctx, "ext-1")
	assert.ErrorIs(t, err, ledger.ErrRequestNotFound)
}

func TestLedger_ConcurrentConsumesAcrossLedgers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertMapping(ctx, testMapping("m-1", 20, 0, 20)))

	// Two ledgers with separate in-process locks: only the row lock and
	// version check keep them apart.
	ledgers := []*ledger.Ledger{
		ledger.NewLedger(store, lock.NewLocal(), nil),
		ledger.NewLedger(store, lock.NewLocal(), nil),
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(l *ledger.Ledger) {
			defer wg.Done()
			_, err := l.Consume(ctx, "m-1")
			assert.NoError(t, err)
		}(ledgers[i%2])
	}
	wg.Wait()

	got, err := store.GetMapping(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 20, got.UsedSessions)
	assert.Equal(t, 0, got.RemainingSessions)
	assert.Equal(t, ledger.MappingSessionsExhausted, got.Status)
}

// =============================================================================
// REQUESTS AND RUNS
// =============================================================================

func TestRefund_UpsertAndErpFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := &ledger.RefundRequest{
		ID: "r-1", MappingID: "m-1", RequesterID: "c",
		RefundSessions: 3, RefundAmount: decimal.RequireFromString("150000.00"),
		Status: ledger.RefundApproved, ErpStatus: ledger.ErpFailed,
		CreatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveRefund(ctx, r))
	r.ErpAttempts = 2
	require.NoError(t, store.SaveRefund(ctx, r))

	got, err := store.ListRefunds(ctx, ledger.RefundFilter{ErpStatuses: []ledger.ErpStatus{ledger.ErpFailed, ledger.ErpRetry}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].ErpAttempts)
	assert.True(t, got[0].RefundAmount.Equal(decimal.NewFromInt(150000)))
}

func TestWithTx_RequestRowTransitionsSerialize(t *testing.T) {
	// GIVEN: A REQUESTED refund
	// WHEN: Two transactions run a guarded REQUESTED -> X transition at once
	// THEN: The row lock makes the second one see the first one's status

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveRefund(ctx, &ledger.RefundRequest{
		ID: "r-1", MappingID: "m-1", RequesterID: "c",
		RefundSessions: 3, RefundAmount: decimal.NewFromInt(150000),
		Status: ledger.RefundRequested, ErpStatus: ledger.ErpPending,
		CreatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}))

	errStale := errors.New("not requested")
	transition := func(to ledger.RefundStatus) error {
		return store.WithTx(ctx, func(tx ledger.Tx) error {
			r, err := tx.GetRefund(ctx, "r-1")
			if err != nil {
				return err
			}
			if r.Status != ledger.RefundRequested {
				return errStale
			}
			time.Sleep(50 * time.Millisecond)
			r.Status = to
			return tx.SaveRefund(ctx, r)
		})
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, to := range []ledger.RefundStatus{ledger.RefundApproved, ledger.RefundRejected} {
		wg.Add(1)
		go func(i int, to ledger.RefundStatus) {
			defer wg.Done()
			results[i] = transition(to)
		}(i, to)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, errStale)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestRuns_MostRecentFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveRun(ctx, ledger.ConsistencyRun{ID: "run-1", Kind: ledger.RunValidate, Status: "completed", StartedAt: start}))
	require.NoError(t, store.SaveRun(ctx, ledger.ConsistencyRun{ID: "run-2", Kind: ledger.RunRepair, Status: "running", StartedAt: start.Add(time.Minute)}))

	runs, err := store.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)
}
