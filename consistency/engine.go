/*
engine.go - Consistency Engine: balance drift detection and repair

PURPOSE:
  Every mutation goes through the ledger, so drift should not happen. The
  engine exists for what the ledger cannot see: rows edited by legacy
  writers, restored backups, bugs. It detects invariant violations, queues
  the affected mappings and repairs them through the ledger's locked path.

INVARIANTS CHECKED:
  balance_mismatch:   total == used + remaining + refunded
  negative_remaining: remaining >= 0
  status_mismatch:    SESSIONS_EXHAUSTED <=> remaining <= 0 (unless TERMINATED)

  "refunded" is the sum of sessions of APPROVED/COMPLETED refunds on the
  mapping; a refund debits remaining and leaves total/used as history.

REPAIR:
  remaining = max(0, total - used - refunded), used is the source of truth.
  The violation is re-checked inside the ledger transaction with refunds
  counted under the mapping lock. TERMINATED mappings keep their status.
  A failing record never aborts a sweep.

OBSERVER:
  The engine is the ledger's Observer. After each committed mutation it
  validates the mapping and its open siblings (same consultant/client) and
  queues what is invalid. It never fails the mutation.

SEE ALSO:
  - ledger/session.go: ReconcileBalance
  - api/sweeper.go: Periodic RepairQueued / RepairAll
*/
package consistency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindgarden/session-ledger/ledger"
	"github.com/mindgarden/session-ledger/metrics"
	"github.com/mindgarden/session-ledger/notify"
)

// =============================================================================
// VALIDATION RESULT
// =============================================================================

type ViolationCode string

const (
	BalanceMismatch   ViolationCode = "balance_mismatch"
	NegativeRemaining ViolationCode = "negative_remaining"
	StatusMismatch    ViolationCode = "status_mismatch"
)

type Violation struct {
	Code    ViolationCode `json:"code"`
	Message string        `json:"message"`
}

type Result struct {
	MappingID string               `json:"mapping_id"`
	Valid     bool                 `json:"valid"`
	Total     int                  `json:"total_sessions"`
	Used      int                  `json:"used_sessions"`
	Remaining int                  `json:"remaining_sessions"`
	Refunded  int                  `json:"refunded_sessions"`
	Expected  int                  `json:"expected_remaining"`
	Status    ledger.MappingStatus `json:"status"`

	Violations []Violation `json:"violations,omitempty"`
}

// ValidateOne checks m without changing it. refunded is the number of
// sessions returned by approved refunds.
func ValidateOne(m ledger.Mapping, refunded int) Result {
	expected := m.TotalSessions - m.UsedSessions - refunded
	if expected < 0 {
		expected = 0
	}
	r := Result{
		MappingID: m.ID,
		Total:     m.TotalSessions,
		Used:      m.UsedSessions,
		Remaining: m.RemainingSessions,
		Refunded:  refunded,
		Expected:  expected,
		Status:    m.Status,
	}

	if m.TotalSessions != m.UsedSessions+m.RemainingSessions+refunded {
		r.Violations = append(r.Violations, Violation{
			Code: BalanceMismatch,
			Message: fmt.Sprintf("total %d != used %d + remaining %d + refunded %d",
				m.TotalSessions, m.UsedSessions, m.RemainingSessions, refunded),
		})
	}
	if m.RemainingSessions < 0 {
		r.Violations = append(r.Violations, Violation{
			Code:    NegativeRemaining,
			Message: fmt.Sprintf("remaining %d is negative", m.RemainingSessions),
		})
	}
	if !m.IsTerminated() {
		exhausted := m.Status == ledger.MappingSessionsExhausted
		if exhausted != (m.RemainingSessions <= 0) || !m.Status.Valid() {
			r.Violations = append(r.Violations, Violation{
				Code:    StatusMismatch,
				Message: fmt.Sprintf("status %s with %d remaining", m.Status, m.RemainingSessions),
			})
		}
	}

	r.Valid = len(r.Violations) == 0
	return r
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Ledger   *ledger.Ledger
	Notifier notify.Notifier
	Log      *zap.Logger
	Now      func() time.Time

	mu    sync.Mutex
	queue map[string]time.Time
}

func NewEngine(l *ledger.Ledger, n notify.Notifier, log *zap.Logger) *Engine {
	if n == nil {
		n = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		Ledger:   l,
		Notifier: n,
		Log:      log,
		Now:      time.Now,
		queue:    make(map[string]time.Time),
	}
}

// ValidateMapping loads and validates one mapping.
func (e *Engine) ValidateMapping(ctx context.Context, id string) (Result, error) {
	m, err := e.Ledger.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	refunded, err := e.refundedFor(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return ValidateOne(*m, refunded), nil
}

// Summary aggregates a full validation pass. Session sums cover valid
// mappings only.
type Summary struct {
	RunID             string   `json:"run_id"`
	Checked           int      `json:"checked"`
	Valid             int      `json:"valid"`
	Invalid           int      `json:"invalid"`
	TotalSessions     int      `json:"total_sessions"`
	UsedSessions      int      `json:"used_sessions"`
	RemainingSessions int      `json:"remaining_sessions"`
	ValidationRate    float64  `json:"validation_rate"`
	InvalidMappings   []Result `json:"invalid_mappings,omitempty"`
}

// ValidateAll is read-only apart from the run record and the repair queue.
func (e *Engine) ValidateAll(ctx context.Context) (Summary, error) {
	run := e.startRun(ctx, ledger.RunValidate)

	all, refunded, err := e.snapshot(ctx)
	if err != nil {
		e.finishRun(ctx, run, err)
		return Summary{}, err
	}

	s := Summary{RunID: run.ID, Checked: len(all)}
	for _, m := range all {
		r := ValidateOne(m, refunded[m.ID])
		if !r.Valid {
			s.Invalid++
			s.InvalidMappings = append(s.InvalidMappings, r)
			e.report(ctx, r)
			continue
		}
		s.Valid++
		s.TotalSessions += m.TotalSessions
		s.UsedSessions += m.UsedSessions
		s.RemainingSessions += m.RemainingSessions
	}
	s.ValidationRate = 100
	if s.Checked > 0 {
		s.ValidationRate = float64(s.Valid) * 100 / float64(s.Checked)
	}
	metrics.ValidationRate.Set(s.ValidationRate)

	run.Checked, run.Invalid = s.Checked, s.Invalid
	e.finishRun(ctx, run, nil)

	e.Log.Info("consistency: validation finished",
		zap.Int("checked", s.Checked),
		zap.Int("invalid", s.Invalid),
		zap.Float64("validation_rate", s.ValidationRate),
	)
	return s, nil
}

// Report describes a repair pass.
type Report struct {
	RunID        string   `json:"run_id"`
	Checked      int      `json:"checked"`
	Fixed        int      `json:"fixed"`
	Unrepairable int      `json:"unrepairable"`
	Failed       int      `json:"failed"`
	FixedIDs     []string `json:"fixed_ids,omitempty"`
}

// RepairAll scans every mapping and repairs the invalid ones.
func (e *Engine) RepairAll(ctx context.Context) (Report, error) {
	run := e.startRun(ctx, ledger.RunRepair)

	all, refunded, err := e.snapshot(ctx)
	if err != nil {
		e.finishRun(ctx, run, err)
		return Report{}, err
	}

	rep := Report{RunID: run.ID, Checked: len(all)}
	for _, m := range all {
		if ctx.Err() != nil {
			break
		}
		if ValidateOne(m, refunded[m.ID]).Valid {
			continue
		}
		e.repair(ctx, m, refunded[m.ID], &rep)
	}

	run.Checked, run.Invalid, run.Fixed = rep.Checked, rep.Fixed+rep.Unrepairable+rep.Failed, rep.Fixed
	e.finishRun(ctx, run, ctx.Err())
	e.logReport("consistency: repair finished", rep)
	return rep, ctx.Err()
}

// RepairQueued repairs only the mappings queued by AfterMutation or by a
// validation pass.
func (e *Engine) RepairQueued(ctx context.Context) (Report, error) {
	ids := e.Pending()
	if len(ids) == 0 {
		return Report{}, nil
	}
	run := e.startRun(ctx, ledger.RunRepairQueued)

	rep := Report{RunID: run.ID}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++
		m, err := e.Ledger.Get(ctx, id)
		if err != nil {
			rep.Failed++
			e.Log.Error("consistency: queued mapping unreadable", zap.String("mapping_id", id), zap.Error(err))
			if ledger.IsNotFound(err) {
				e.dequeue(id)
			}
			continue
		}
		refunded, err := e.refundedFor(ctx, id)
		if err != nil {
			rep.Failed++
			continue
		}
		if ValidateOne(*m, refunded).Valid {
			e.dequeue(id)
			continue
		}
		e.repair(ctx, *m, refunded, &rep)
	}

	run.Checked, run.Invalid, run.Fixed = rep.Checked, rep.Fixed+rep.Unrepairable+rep.Failed, rep.Fixed
	e.finishRun(ctx, run, ctx.Err())
	e.logReport("consistency: queued repair finished", rep)
	return rep, ctx.Err()
}

// repair fixes one invalid mapping through the ledger and updates rep.
func (e *Engine) repair(ctx context.Context, m ledger.Mapping, refunded int, rep *Report) {
	fixed, changed, err := e.Ledger.Reconcile(ctx, m.ID)
	if err != nil {
		rep.Failed++
		metrics.ObserveRepair("failed")
		e.enqueue(m.ID)
		e.Log.Error("consistency: repair failed", zap.String("mapping_id", m.ID), zap.Error(err))
		return
	}

	if fixed.IsTerminated() {
		if refunded, err = e.refundedFor(ctx, m.ID); err != nil {
			rep.Failed++
			e.enqueue(m.ID)
			return
		}
	}
	after := ValidateOne(*fixed, refunded)
	switch {
	case !after.Valid:
		// used > total cannot be fixed from used alone
		rep.Unrepairable++
		metrics.ObserveRepair("unrepairable")
		e.Log.Warn("consistency: mapping still invalid after repair",
			zap.String("mapping_id", m.ID),
			zap.Any("violations", after.Violations),
		)
	case changed:
		rep.Fixed++
		rep.FixedIDs = append(rep.FixedIDs, m.ID)
		metrics.ObserveRepair("fixed")
		e.Log.Info("consistency: mapping repaired",
			zap.String("mapping_id", m.ID),
			zap.Int("remaining_before", m.RemainingSessions),
			zap.Int("remaining_after", fixed.RemainingSessions),
		)
	default:
		metrics.ObserveRepair("unchanged")
	}
	e.dequeue(m.ID)
}

func (e *Engine) logReport(msg string, rep Report) {
	e.Log.Info(msg,
		zap.Int("checked", rep.Checked),
		zap.Int("fixed", rep.Fixed),
		zap.Int("unrepairable", rep.Unrepairable),
		zap.Int("failed", rep.Failed),
	)
}

// =============================================================================
// OBSERVER
// =============================================================================

// AfterMutation validates a freshly committed mapping and its siblings.
func (e *Engine) AfterMutation(ctx context.Context, m ledger.Mapping) {
	refunded := 0
	if m.IsTerminated() {
		var err error
		if refunded, err = e.refundedFor(ctx, m.ID); err != nil {
			e.Log.Error("consistency: cannot load refunds", zap.String("mapping_id", m.ID), zap.Error(err))
			return
		}
	}
	if r := ValidateOne(m, refunded); !r.Valid {
		e.report(ctx, r)
	}
	e.PropagateToSiblings(ctx, m)
}

// PropagateToSiblings validates the other open mappings of the same
// consultant/client pair and queues the invalid ones. It returns them.
func (e *Engine) PropagateToSiblings(ctx context.Context, m ledger.Mapping) []Result {
	siblings, err := e.Ledger.List(ctx, ledger.MappingFilter{ConsultantID: m.ConsultantID, ClientID: m.ClientID})
	if err != nil {
		e.Log.Error("consistency: sibling lookup failed", zap.String("mapping_id", m.ID), zap.Error(err))
		return nil
	}

	var invalid []Result
	for _, s := range siblings {
		if s.ID == m.ID || s.IsTerminated() {
			continue
		}
		if r := ValidateOne(s, 0); !r.Valid {
			invalid = append(invalid, r)
			e.report(ctx, r)
		}
	}
	return invalid
}

// report records a violation: metrics, log, queue and an admin notification.
func (e *Engine) report(ctx context.Context, r Result) {
	for _, v := range r.Violations {
		metrics.ObserveViolation(string(v.Code))
	}
	e.Log.Warn("consistency: invariant violation",
		zap.String("mapping_id", r.MappingID),
		zap.Int("total", r.Total),
		zap.Int("used", r.Used),
		zap.Int("remaining", r.Remaining),
		zap.Int("expected", r.Expected),
		zap.Any("violations", r.Violations),
	)
	if !e.enqueue(r.MappingID) {
		return
	}
	err := e.Notifier.Notify(ctx, notify.Event{
		Type:       notify.ConsistencyViolation,
		MappingID:  r.MappingID,
		Message:    fmt.Sprintf("회기 정합성 오류: 총 %d, 사용 %d, 잔여 %d", r.Total, r.Used, r.Remaining),
		OccurredAt: e.Now(),
	})
	if err != nil {
		metrics.ObserveCollaboratorFailure("notifier", string(notify.ConsistencyViolation))
		e.Log.Error("consistency: notification failed", zap.String("mapping_id", r.MappingID), zap.Error(err))
	}
}

// =============================================================================
// REPAIR QUEUE
// =============================================================================

// enqueue returns true if id was not queued yet.
func (e *Engine) enqueue(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.queue[id]; ok {
		return false
	}
	e.queue[id] = e.Now()
	metrics.RepairQueueDepth.Set(float64(len(e.queue)))
	return true
}

func (e *Engine) dequeue(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.queue, id)
	metrics.RepairQueueDepth.Set(float64(len(e.queue)))
}

// Pending returns the queued mapping ids, oldest first.
func (e *Engine) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.queue))
	for id := range e.queue {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := e.queue[ids[i]], e.queue[ids[j]]
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})
	return ids
}

// =============================================================================
// STATUS AND RUNS
// =============================================================================

type SyncStatus struct {
	TotalMappings              int                          `json:"total_mappings"`
	MappingsByStatus           map[ledger.MappingStatus]int `json:"mappings_by_status"`
	ExtensionsAwaitingPayment  int                          `json:"extensions_awaiting_payment"`
	ExtensionsAwaitingApproval int                          `json:"extensions_awaiting_approval"`
	RepairQueueDepth           int                          `json:"repair_queue_depth"`
	LastRun                    *ledger.ConsistencyRun       `json:"last_run,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (SyncStatus, error) {
	all, err := e.Ledger.List(ctx, ledger.MappingFilter{})
	if err != nil {
		return SyncStatus{}, err
	}
	s := SyncStatus{
		TotalMappings:    len(all),
		MappingsByStatus: make(map[ledger.MappingStatus]int),
		RepairQueueDepth: len(e.Pending()),
	}
	for _, m := range all {
		s.MappingsByStatus[m.Status]++
	}

	awaitingPayment, err := e.Ledger.Store.ListExtensions(ctx, ledger.ExtensionFilter{Status: ledger.ExtensionPending})
	if err != nil {
		return SyncStatus{}, err
	}
	awaitingApproval, err := e.Ledger.Store.ListExtensions(ctx, ledger.ExtensionFilter{Status: ledger.ExtensionPaymentConfirmed})
	if err != nil {
		return SyncStatus{}, err
	}
	s.ExtensionsAwaitingPayment = len(awaitingPayment)
	s.ExtensionsAwaitingApproval = len(awaitingApproval)

	runs, err := e.Ledger.Store.ListRuns(ctx, 1)
	if err != nil {
		return SyncStatus{}, err
	}
	if len(runs) > 0 {
		s.LastRun = &runs[0]
	}
	return s, nil
}

// Runs returns the most recent consistency runs.
func (e *Engine) Runs(ctx context.Context, limit int) ([]ledger.ConsistencyRun, error) {
	return e.Ledger.Store.ListRuns(ctx, limit)
}

func (e *Engine) startRun(ctx context.Context, kind ledger.RunKind) *ledger.ConsistencyRun {
	run := &ledger.ConsistencyRun{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    "running",
		StartedAt: e.Now(),
	}
	if err := e.Ledger.Store.SaveRun(ctx, *run); err != nil {
		e.Log.Error("consistency: failed to record run", zap.String("kind", string(kind)), zap.Error(err))
	}
	return run
}

func (e *Engine) finishRun(ctx context.Context, run *ledger.ConsistencyRun, runErr error) {
	done := e.Now()
	run.CompletedAt = &done
	run.Status = "completed"
	if runErr != nil {
		run.Status = "failed"
		run.Error = runErr.Error()
	}
	// the run record outlives a cancelled request context
	if err := e.Ledger.Store.SaveRun(context.WithoutCancel(ctx), *run); err != nil {
		e.Log.Error("consistency: failed to record run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// =============================================================================
// SNAPSHOT READS
// =============================================================================

// snapshot reads all mappings and the refunded session count per mapping.
func (e *Engine) snapshot(ctx context.Context) ([]ledger.Mapping, map[string]int, error) {
	all, err := e.Ledger.List(ctx, ledger.MappingFilter{})
	if err != nil {
		return nil, nil, fmt.Errorf("list mappings: %w", err)
	}
	refunded := make(map[string]int)
	for _, status := range []ledger.RefundStatus{ledger.RefundApproved, ledger.RefundCompleted} {
		refunds, err := e.Ledger.Store.ListRefunds(ctx, ledger.RefundFilter{Status: status})
		if err != nil {
			return nil, nil, fmt.Errorf("list refunds: %w", err)
		}
		for _, r := range refunds {
			refunded[r.MappingID] += r.RefundSessions
		}
	}
	return all, refunded, nil
}

func (e *Engine) refundedFor(ctx context.Context, mappingID string) (int, error) {
	return e.Ledger.RefundedSessions(ctx, mappingID)
}
