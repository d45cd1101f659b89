package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgarden/session-ledger/ledger"
)

var testNow = time.Date(2026, 10, 19, 14, 5, 0, 0, time.UTC)

func balanced(m ledger.Mapping) bool {
	return m.TotalSessions == m.UsedSessions+m.RemainingSessions && m.RemainingSessions >= 0
}

// =============================================================================
// CONSUME
// =============================================================================

func TestConsumeOne_DecrementsAndExhausts(t *testing.T) {
	// GIVEN: A mapping with 2 sessions left
	// WHEN: Consuming twice
	// THEN: used +2, remaining -2, status SESSIONS_EXHAUSTED with end date

	m := &ledger.Mapping{ID: "m", TotalSessions: 10, UsedSessions: 8, RemainingSessions: 2, Status: ledger.MappingActive}

	require.NoError(t, ledger.ConsumeOne(m, testNow))
	assert.Equal(t, ledger.MappingActive, m.Status)

	require.NoError(t, ledger.ConsumeOne(m, testNow))
	assert.Equal(t, 10, m.UsedSessions)
	assert.Equal(t, 0, m.RemainingSessions)
	assert.Equal(t, ledger.MappingSessionsExhausted, m.Status)
	require.NotNil(t, m.EndDate)
	assert.True(t, balanced(*m))
}

func TestConsumeOne_NeverSucceedsAtZero(t *testing.T) {
	m := &ledger.Mapping{ID: "m", TotalSessions: 10, UsedSessions: 10, RemainingSessions: 0, Status: ledger.MappingActive}

	err := ledger.ConsumeOne(m, testNow)

	var insufficient *ledger.InsufficientSessionsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "m", insufficient.MappingID)
	assert.ErrorIs(t, err, ledger.ErrInsufficientSessions)
	assert.Equal(t, 10, m.UsedSessions, "no state change on failure")
}

func TestConsumeOne_TerminatedMapping(t *testing.T) {
	m := &ledger.Mapping{ID: "m", TotalSessions: 10, UsedSessions: 2, RemainingSessions: 5, Status: ledger.MappingTerminated}

	err := ledger.ConsumeOne(m, testNow)
	assert.ErrorIs(t, err, ledger.ErrMappingTerminated)
}

// =============================================================================
// ADD SESSIONS
// =============================================================================

func TestScenarioA_ExhaustedThenExtended(t *testing.T) {
	// GIVEN: {total:10, used:10, remaining:0, status:ACTIVE}
	// WHEN: consumeOne, then addSessions(5, "추가패키지", 250000)
	// THEN: consume fails; mapping becomes {15, 10, 5, ACTIVE}

	m := &ledger.Mapping{ID: "m-a", TotalSessions: 10, UsedSessions: 10, RemainingSessions: 0, Status: ledger.MappingActive}

	err := ledger.ConsumeOne(m, testNow)
	require.ErrorIs(t, err, ledger.ErrInsufficientSessions)

	require.NoError(t, ledger.AddSessions(m, 5, "추가패키지", 250000, testNow))

	assert.Equal(t, 15, m.TotalSessions)
	assert.Equal(t, 10, m.UsedSessions)
	assert.Equal(t, 5, m.RemainingSessions)
	assert.Equal(t, ledger.MappingActive, m.Status)
	assert.Equal(t, "추가패키지", m.PackageName)
	assert.Equal(t, int64(250000), m.PackagePrice)
	assert.Equal(t, []string{"[2026-10-19 14:05 회기 추가] 5회기 추가 - 추가패키지 (250000원)"}, m.NoteLines())
}

func TestAddSessions_ReactivatesExhausted(t *testing.T) {
	end := testNow.Add(-time.Hour)
	m := &ledger.Mapping{ID: "m", TotalSessions: 4, UsedSessions: 4, Status: ledger.MappingSessionsExhausted, EndDate: &end}

	require.NoError(t, ledger.AddSessions(m, 2, "", 0, testNow))

	assert.Equal(t, ledger.MappingActive, m.Status)
	assert.Nil(t, m.EndDate)
	assert.True(t, balanced(*m))
}

func TestAddSessions_Rejections(t *testing.T) {
	m := &ledger.Mapping{ID: "m", TotalSessions: 4, RemainingSessions: 4, Status: ledger.MappingActive}

	assert.ErrorIs(t, ledger.AddSessions(m, 0, "x", 1, testNow), ledger.ErrInvalidSessionCount)
	assert.ErrorIs(t, ledger.AddSessions(m, -3, "x", 1, testNow), ledger.ErrInvalidSessionCount)

	m.Status = ledger.MappingTerminated
	assert.ErrorIs(t, ledger.AddSessions(m, 1, "x", 1, testNow), ledger.ErrMappingTerminated)
	assert.Equal(t, 4, m.TotalSessions)
}

// =============================================================================
// REFUND DEBIT
// =============================================================================

func TestDebitForRefund_KeepsHistory(t *testing.T) {
	m := &ledger.Mapping{ID: "m", TotalSessions: 10, UsedSessions: 2, RemainingSessions: 8, Status: ledger.MappingActive}

	require.NoError(t, ledger.DebitForRefund(m, 3))

	assert.Equal(t, 10, m.TotalSessions, "total keeps history")
	assert.Equal(t, 2, m.UsedSessions)
	assert.Equal(t, 5, m.RemainingSessions)
}

func TestDebitForRefund_Bounds(t *testing.T) {
	m := &ledger.Mapping{ID: "m", TotalSessions: 10, UsedSessions: 8, RemainingSessions: 2}

	err := ledger.DebitForRefund(m, 3)
	var exceeds *ledger.RefundExceedsBalanceError
	require.ErrorAs(t, err, &exceeds)
	assert.Equal(t, 3, exceeds.Requested)
	assert.Equal(t, 2, exceeds.Remaining)

	assert.ErrorIs(t, ledger.DebitForRefund(m, 0), ledger.ErrInvalidSessionCount)
	assert.Equal(t, 2, m.RemainingSessions)
}

// =============================================================================
// STATUS + RECONCILE
// =============================================================================

func TestRecomputeStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    ledger.MappingStatus
		remaining int
		want      ledger.MappingStatus
		changed   bool
	}{
		{"active with sessions", ledger.MappingActive, 3, ledger.MappingActive, false},
		{"active at zero", ledger.MappingActive, 0, ledger.MappingSessionsExhausted, true},
		{"exhausted refilled", ledger.MappingSessionsExhausted, 2, ledger.MappingActive, true},
		{"exhausted at zero", ledger.MappingSessionsExhausted, 0, ledger.MappingSessionsExhausted, false},
		{"terminated untouched", ledger.MappingTerminated, 0, ledger.MappingTerminated, false},
		{"terminated with leftovers", ledger.MappingTerminated, 5, ledger.MappingTerminated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &ledger.Mapping{Status: tt.status, RemainingSessions: tt.remaining}
			assert.Equal(t, tt.changed, ledger.RecomputeStatus(m, testNow))
			assert.Equal(t, tt.want, m.Status)

			// idempotent
			assert.False(t, ledger.RecomputeStatus(m, testNow))
		})
	}
}

func TestReconcileBalance_UsedIsSourceOfTruth(t *testing.T) {
	// GIVEN: total=10, used=7, remaining=5 (drifted)
	// THEN: remaining=3, total and used untouched

	m := &ledger.Mapping{ID: "m", TotalSessions: 10, UsedSessions: 7, RemainingSessions: 5, Status: ledger.MappingActive}

	assert.True(t, ledger.ReconcileBalance(m, 0, testNow))
	assert.Equal(t, 10, m.TotalSessions)
	assert.Equal(t, 7, m.UsedSessions)
	assert.Equal(t, 3, m.RemainingSessions)
	assert.Len(t, m.NoteLines(), 1)

	assert.False(t, ledger.ReconcileBalance(m, 0, testNow), "second pass is a no-op")
}

func TestReconcileBalance_ClampsAtZero(t *testing.T) {
	m := &ledger.Mapping{ID: "m", TotalSessions: 5, UsedSessions: 7, RemainingSessions: 1, Status: ledger.MappingActive}

	assert.True(t, ledger.ReconcileBalance(m, 0, testNow))
	assert.Equal(t, 0, m.RemainingSessions)
	assert.Equal(t, ledger.MappingSessionsExhausted, m.Status)
}

func TestReconcileBalance_RefundedTerminatedIsConsistent(t *testing.T) {
	// refunded: total 10, used 2, remaining debited from 8 to 0
	m := &ledger.Mapping{ID: "m", TotalSessions: 10, UsedSessions: 2, RemainingSessions: 0, Status: ledger.MappingTerminated}

	assert.False(t, ledger.ReconcileBalance(m, 8, testNow))
	assert.Equal(t, 0, m.RemainingSessions)
	assert.Empty(t, m.Notes)
}

func TestReconcileBalance_RepairsTerminatedKeepingStatus(t *testing.T) {
	tests := []struct {
		name      string
		used      int
		remaining int
		refunded  int
		want      int
	}{
		{"cancelled without refund", 7, 5, 0, 3},
		{"partial refund then drift", 2, 9, 3, 5},
		{"negative remaining", 10, -2, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &ledger.Mapping{ID: "m", TotalSessions: 10, UsedSessions: tt.used, RemainingSessions: tt.remaining, Status: ledger.MappingTerminated}

			assert.True(t, ledger.ReconcileBalance(m, tt.refunded, testNow))
			assert.Equal(t, tt.want, m.RemainingSessions)
			assert.Equal(t, ledger.MappingTerminated, m.Status)
			assert.Len(t, m.NoteLines(), 1)
		})
	}
}

func TestPerSessionPrice_HalfUp(t *testing.T) {
	assert.True(t, (ledger.Mapping{PackagePrice: 500000, TotalSessions: 10}).PerSessionPrice().Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, "33333.33", (ledger.Mapping{PackagePrice: 100000, TotalSessions: 3}).PerSessionPrice().StringFixed(2))
	assert.Equal(t, "66666.67", (ledger.Mapping{PackagePrice: 200000, TotalSessions: 3}).PerSessionPrice().StringFixed(2))
	assert.True(t, (ledger.Mapping{PackagePrice: 1000}).PerSessionPrice().IsZero())
}

// =============================================================================
// ERRORS
// =============================================================================

func TestClassify(t *testing.T) {
	assert.Equal(t, ledger.OutcomeSuccess, ledger.Classify(nil))
	assert.Equal(t, ledger.OutcomeRejected, ledger.Classify(&ledger.InsufficientSessionsError{}))
	assert.Equal(t, ledger.OutcomeRejected, ledger.Classify(&ledger.MappingNotActiveError{}))
	assert.Equal(t, ledger.OutcomeNotFound, ledger.Classify(ledger.ErrMappingNotFound))
	assert.Equal(t, ledger.OutcomeStateViolation, ledger.Classify(&ledger.InvalidStateTransitionError{}))
	assert.Equal(t, ledger.OutcomeConflict, ledger.Classify(ledger.ErrConcurrentModification))
	assert.Equal(t, ledger.OutcomeInternal, ledger.Classify(errors.New("disk on fire")))
}

func TestInvalidStateTransitionError_Message(t *testing.T) {
	err := &ledger.InvalidStateTransitionError{Kind: "extension", RequestID: "e-1", Current: "COMPLETED", Attempted: "complete"}
	assert.Equal(t, "extension request e-1: cannot complete, current status: COMPLETED", err.Error())
}
