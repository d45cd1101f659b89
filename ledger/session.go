/*
session.go - Balance mutators for a Mapping

PURPOSE:
  The only code allowed to change TotalSessions, UsedSessions,
  RemainingSessions and the derived Status. Each function is pure: it
  mutates the Mapping value it is given and touches no storage. Ledger
  (ledger.go) runs them inside a locked store transaction.

OPERATIONS:
  ConsumeOne:       used+1, remaining-1, exhausts at zero
  AddSessions:      total+n, remaining+n, reactivates an exhausted mapping
  DebitForRefund:   remaining-n (total and used keep their history)
  RecomputeStatus:  re-derives SESSIONS_EXHAUSTED from remaining
  Terminate:        explicit end of the relationship
  ReconcileBalance: remaining = max(0, total-used-refunded), used is trusted

SEE ALSO:
  - ledger.go: Transactional wrapper
  - consistency/engine.go: Uses ReconcileBalance for repairs
*/
package ledger

import (
	"fmt"
	"time"
)

const noteTimeLayout = "2006-01-02 15:04"

// FormatNote renders one audit line: "[2026-10-19 14:05 label] body".
func FormatNote(at time.Time, label, body string) string {
	return fmt.Sprintf("[%s %s] %s", at.Format(noteTimeLayout), label, body)
}

// ConsumeOne records one completed session.
func ConsumeOne(m *Mapping, now time.Time) error {
	if m.IsTerminated() {
		return fmt.Errorf("consume session on %s: %w", m.ID, ErrMappingTerminated)
	}
	if m.RemainingSessions <= 0 {
		return &InsufficientSessionsError{MappingID: m.ID, Remaining: m.RemainingSessions}
	}

	m.UsedSessions++
	m.RemainingSessions--
	RecomputeStatus(m, now)
	return nil
}

// AddSessions adds purchased sessions. Package metadata is overwritten with
// the latest purchase (last write wins).
func AddSessions(m *Mapping, count int, packageName string, packagePrice int64, now time.Time) error {
	if count <= 0 {
		return fmt.Errorf("add %d sessions: %w", count, ErrInvalidSessionCount)
	}
	if m.IsTerminated() {
		return fmt.Errorf("add sessions on %s: %w", m.ID, ErrMappingTerminated)
	}

	m.TotalSessions += count
	m.RemainingSessions += count
	if packageName != "" {
		m.PackageName = packageName
	}
	if packagePrice > 0 {
		m.PackagePrice = packagePrice
	}
	RecomputeStatus(m, now)

	m.AppendNote(FormatNote(now, "회기 추가",
		fmt.Sprintf("%d회기 추가 - %s (%d원)", count, m.PackageName, packagePrice)))
	return nil
}

// DebitForRefund removes unused sessions. Total and used are unchanged.
func DebitForRefund(m *Mapping, count int) error {
	if count <= 0 {
		return fmt.Errorf("refund %d sessions: %w", count, ErrInvalidSessionCount)
	}
	if count > m.RemainingSessions {
		return &RefundExceedsBalanceError{
			MappingID: m.ID,
			Requested: count,
			Remaining: m.RemainingSessions,
		}
	}
	m.RemainingSessions -= count
	return nil
}

// RecomputeStatus re-derives SESSIONS_EXHAUSTED from the remaining count.
// TERMINATED is never changed. Returns true if the status changed.
func RecomputeStatus(m *Mapping, now time.Time) bool {
	if m.IsTerminated() {
		return false
	}

	switch {
	case m.RemainingSessions <= 0 && m.Status != MappingSessionsExhausted:
		m.Status = MappingSessionsExhausted
		end := now
		m.EndDate = &end
		return true
	case m.RemainingSessions > 0 && m.Status == MappingSessionsExhausted:
		m.Status = MappingActive
		m.EndDate = nil
		return true
	case !m.Status.Valid():
		m.Status = MappingActive
		return true
	}
	return false
}

// Terminate ends the relationship. Remaining sessions are left as they are.
func Terminate(m *Mapping, reason string, now time.Time) error {
	if m.IsTerminated() {
		return fmt.Errorf("terminate %s: %w", m.ID, ErrMappingTerminated)
	}
	m.Status = MappingTerminated
	at := now
	m.TerminatedAt = &at
	m.EndDate = &at
	if reason != "" {
		m.AppendNote(FormatNote(now, "매핑 종료", reason))
	}
	return nil
}

// ReconcileBalance recomputes remaining from total, used and the sessions
// returned by approved refunds, treating used as the source of truth, then
// re-derives the status. A TERMINATED mapping gets its remaining count
// fixed and stays TERMINATED. Returns true if any field changed.
func ReconcileBalance(m *Mapping, refunded int, now time.Time) bool {
	changed := false

	expected := m.TotalSessions - m.UsedSessions - refunded
	if expected < 0 {
		expected = 0
	}
	if m.TotalSessions != m.UsedSessions+m.RemainingSessions+refunded || m.RemainingSessions < 0 {
		if m.RemainingSessions != expected {
			m.AppendNote(FormatNote(now, "정합성 복구",
				fmt.Sprintf("잔여 회기 %d -> %d (총 %d, 사용 %d, 환불 %d)",
					m.RemainingSessions, expected, m.TotalSessions, m.UsedSessions, refunded)))
			m.RemainingSessions = expected
			changed = true
		}
	}

	if RecomputeStatus(m, now) {
		changed = true
	}
	return changed
}
