/*
workflow.go - Refund request lifecycle (returning unused sessions)

PURPOSE:
  Drives one RefundRequest through its state machine. Approval debits the
  refunded sessions and ends the mapping; the cash-out is then registered
  with the ERP, whose outcome is tracked on the request.

STATE MACHINE:
  REQUESTED ──reject──▶ REJECTED
      │
      └──approve──▶ APPROVED ──complete (ERP confirmed)──▶ COMPLETED
                   (debit, TERMINATED)

AMOUNT:
  refundAmount = round_half_up(packagePrice / totalSessions, 2) * refundSessions

  The per-session price comes from the package price and total session
  count on the mapping at request time.

ERP STATUS:
  PENDING ──send ok──▶ SENT ──callback──▶ CONFIRMED
     │
     └──send failed──▶ FAILED / RETRY ──RetryERP──▶ SENT

  ERP failures never undo an approval. RetryERP is driven by the sweeper,
  not by the workflow.

SEE ALSO:
  - ledger/session.go: DebitForRefund, Terminate
  - erp/erp.go: Client
*/
package refund

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mindgarden/session-ledger/erp"
	"github.com/mindgarden/session-ledger/ledger"
	"github.com/mindgarden/session-ledger/metrics"
	"github.com/mindgarden/session-ledger/notify"
)

const kind = "refund"

type Workflow struct {
	Ledger   *ledger.Ledger
	Notifier notify.Notifier
	ERP      erp.Client
	Log      *zap.Logger
	Now      func() time.Time
}

func NewWorkflow(l *ledger.Ledger, n notify.Notifier, e erp.Client, log *zap.Logger) *Workflow {
	if n == nil {
		n = notify.Nop{}
	}
	if e == nil {
		e = erp.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Workflow{Ledger: l, Notifier: n, ERP: e, Log: log, Now: time.Now}
}

// Amount returns the refund amount for sessions on m.
func Amount(m ledger.Mapping, sessions int) decimal.Decimal {
	return m.PerSessionPrice().Mul(decimal.NewFromInt(int64(sessions)))
}

// =============================================================================
// CREATE
// =============================================================================

type CreateInput struct {
	MappingID      string
	RequesterID    string
	RefundSessions int
	Reason         string
	ReasonCode     string
}

// Create validates the refund against the mapping as it is now. Nothing
// changes on the mapping until approval.
func (w *Workflow) Create(ctx context.Context, in CreateInput) (*ledger.RefundRequest, error) {
	if strings.TrimSpace(in.MappingID) == "" || strings.TrimSpace(in.RequesterID) == "" {
		return nil, fmt.Errorf("create refund: mapping and requester are required: %w", ledger.ErrInvalidInput)
	}
	if in.RefundSessions <= 0 {
		return nil, fmt.Errorf("create refund with %d sessions: %w", in.RefundSessions, ledger.ErrInvalidSessionCount)
	}

	m, err := w.Ledger.Get(ctx, in.MappingID)
	if err != nil {
		return nil, fmt.Errorf("create refund: %w", err)
	}
	if m.Status != ledger.MappingActive {
		return nil, &ledger.MappingNotActiveError{MappingID: m.ID, Status: m.Status}
	}
	if in.RefundSessions > m.RemainingSessions {
		return nil, &ledger.RefundExceedsBalanceError{
			MappingID: m.ID,
			Requested: in.RefundSessions,
			Remaining: m.RemainingSessions,
		}
	}

	now := w.Now()
	r := &ledger.RefundRequest{
		ID:             uuid.NewString(),
		MappingID:      m.ID,
		RequesterID:    in.RequesterID,
		RefundSessions: in.RefundSessions,
		RefundAmount:   Amount(*m, in.RefundSessions),
		Reason:         in.Reason,
		ReasonCode:     in.ReasonCode,
		Status:         ledger.RefundRequested,
		ErpStatus:      ledger.ErpPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.Ledger.Store.SaveRefund(ctx, r); err != nil {
		return nil, fmt.Errorf("create refund: %w", err)
	}

	metrics.ObserveTransition(kind, string(r.Status))
	w.Log.Info("refund: request created",
		zap.String("request_id", r.ID),
		zap.String("mapping_id", r.MappingID),
		zap.Int("sessions", r.RefundSessions),
		zap.String("amount", r.RefundAmount.StringFixed(2)),
	)
	w.notify(ctx, notify.RefundRequested, r, "",
		fmt.Sprintf("환불 요청: %d회기, %s원", r.RefundSessions, r.RefundAmount.StringFixed(0)))
	return r, nil
}

// =============================================================================
// APPROVE
// =============================================================================

// Approve debits the sessions, terminates the mapping and sends the cash-out
// to the ERP. The returned request carries the ERP outcome.
func (w *Workflow) Approve(ctx context.Context, id, adminID string) (*ledger.RefundRequest, error) {
	if strings.TrimSpace(adminID) == "" {
		return nil, fmt.Errorf("approve refund %s: admin is required: %w", id, ledger.ErrInvalidInput)
	}
	current, err := w.Ledger.Store.GetRefund(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("approve refund %s: %w", id, err)
	}

	var approved *ledger.RefundRequest
	m, err := w.Ledger.Mutate(ctx, current.MappingID, "refund_approve", func(ctx context.Context, tx ledger.Tx, m *ledger.Mapping) error {
		r, err := tx.GetRefund(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != ledger.RefundRequested {
			return stateError(r, "approve")
		}
		if m.Status != ledger.MappingActive {
			return &ledger.MappingNotActiveError{MappingID: m.ID, Status: m.Status}
		}

		now := w.Now()
		if err := ledger.DebitForRefund(m, r.RefundSessions); err != nil {
			return err
		}
		m.AppendNote(ledger.FormatNote(now, "환불 승인", fmt.Sprintf("%d회기 환불 - %s", r.RefundSessions, r.Reason)))
		// Any approved refund ends the mapping, partial or not.
		if err := ledger.Terminate(m, "", now); err != nil {
			return err
		}
		m.PaymentStatus = ledger.PaymentRefunded

		r.Status = ledger.RefundApproved
		r.ApproverID = adminID
		r.ApprovedAt = &now
		r.UpdatedAt = now
		if err := tx.SaveRefund(ctx, r); err != nil {
			return err
		}
		approved = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ObserveTransition(kind, string(ledger.RefundApproved))
	w.Log.Info("refund: approved",
		zap.String("request_id", approved.ID),
		zap.String("mapping_id", m.ID),
		zap.Int("sessions", approved.RefundSessions),
		zap.Int("remaining", m.RemainingSessions),
	)
	w.notify(ctx, notify.RefundApproved, approved, approved.RequesterID,
		fmt.Sprintf("환불이 승인되었습니다: %d회기, %s원", approved.RefundSessions, approved.RefundAmount.StringFixed(0)))
	w.notify(ctx, notify.RefundApproved, approved, m.ConsultantID,
		fmt.Sprintf("내담자 %s의 매핑이 환불로 종료되었습니다", m.ClientID))

	return w.sendToERP(ctx, approved, m)
}

// sendToERP registers the cash-out and records the outcome on the request.
// Only a failure to record the outcome is returned; the ERP error itself
// ends up in ErpStatus/ErpMessage.
func (w *Workflow) sendToERP(ctx context.Context, r *ledger.RefundRequest, m *ledger.Mapping) (*ledger.RefundRequest, error) {
	entry := erp.RefundEntry{
		RefundID:     r.ID,
		MappingID:    r.MappingID,
		ConsultantID: m.ConsultantID,
		ClientID:     m.ClientID,
		Sessions:     r.RefundSessions,
		Amount:       r.RefundAmount,
		Reason:       r.Reason,
		ReasonCode:   r.ReasonCode,
		ApprovedBy:   r.ApproverID,
	}
	if r.ApprovedAt != nil {
		entry.ApprovedAt = *r.ApprovedAt
	}

	receipt, sendErr := w.ERP.SendRefund(ctx, entry)
	if sendErr != nil {
		metrics.ObserveCollaboratorFailure("erp", "refund")
		w.Log.Error("refund: erp send failed",
			zap.String("request_id", r.ID),
			zap.Int("attempt", r.ErpAttempts+1),
			zap.Error(sendErr),
		)
	}

	var out *ledger.RefundRequest
	err := w.Ledger.Store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetRefund(ctx, r.ID)
		if err != nil {
			return err
		}
		if cur.Status != ledger.RefundApproved && cur.Status != ledger.RefundCompleted {
			return stateError(cur, "record erp outcome")
		}
		cur.ErpAttempts++
		if sendErr != nil {
			cur.ErpStatus = ledger.ErpFailed
			cur.ErpMessage = sendErr.Error()
		} else {
			cur.ErpStatus = ledger.ErpSent
			cur.ErpReference = receipt.Reference
			cur.ErpMessage = receipt.Message
		}
		cur.UpdatedAt = w.Now()
		if err := tx.SaveRefund(ctx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		// The approval is committed; report it with the stale ERP status.
		w.Log.Error("refund: failed to record erp outcome",
			zap.String("request_id", r.ID),
			zap.Error(err),
		)
		return r, nil
	}
	return out, nil
}

// =============================================================================
// OTHER TRANSITIONS
// =============================================================================

func (w *Workflow) Reject(ctx context.Context, id, adminID, reason string) (*ledger.RefundRequest, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("reject refund %s: reason is required: %w", id, ledger.ErrInvalidInput)
	}
	r, err := w.transition(ctx, id, "reject", []ledger.RefundStatus{ledger.RefundRequested}, func(r *ledger.RefundRequest, now time.Time) error {
		r.Status = ledger.RefundRejected
		r.ApproverID = adminID
		r.RejectionReason = reason
		r.RejectedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveTransition(kind, string(r.Status))
	w.notify(ctx, notify.RefundRejected, r, r.RequesterID, "환불 요청이 거부되었습니다: "+reason)
	return r, nil
}

// Complete closes an approved refund once the ERP has confirmed the payout.
func (w *Workflow) Complete(ctx context.Context, id string) (*ledger.RefundRequest, error) {
	r, err := w.transition(ctx, id, "complete", []ledger.RefundStatus{ledger.RefundApproved}, func(r *ledger.RefundRequest, now time.Time) error {
		r.Status = ledger.RefundCompleted
		r.ErpStatus = ledger.ErpConfirmed
		r.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveTransition(kind, string(r.Status))
	w.notify(ctx, notify.RefundCompleted, r, r.RequesterID, "환불 처리가 완료되었습니다")
	return r, nil
}

// UpdateErpStatus is the ERP status callback. Empty reference or message
// keep the stored value.
func (w *Workflow) UpdateErpStatus(ctx context.Context, id string, status ledger.ErpStatus, reference, message string) (*ledger.RefundRequest, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("update erp status %s: unknown status %q: %w", id, status, ledger.ErrInvalidInput)
	}
	return w.transition(ctx, id, "update erp status",
		[]ledger.RefundStatus{ledger.RefundApproved, ledger.RefundCompleted},
		func(r *ledger.RefundRequest, _ time.Time) error {
			r.ErpStatus = status
			if reference != "" {
				r.ErpReference = reference
			}
			if message != "" {
				r.ErpMessage = message
			}
			return nil
		})
}

func (w *Workflow) transition(ctx context.Context, id, attempted string, from []ledger.RefundStatus, apply func(r *ledger.RefundRequest, now time.Time) error) (*ledger.RefundRequest, error) {
	var out *ledger.RefundRequest
	err := w.Ledger.Store.WithTx(ctx, func(tx ledger.Tx) error {
		r, err := tx.GetRefund(ctx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, s := range from {
			if r.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return stateError(r, attempted)
		}
		now := w.Now()
		if err := apply(r, now); err != nil {
			return err
		}
		r.UpdatedAt = now
		if err := tx.SaveRefund(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s refund %s: %w", attempted, id, err)
	}

	w.Log.Info("refund: updated",
		zap.String("request_id", out.ID),
		zap.String("status", string(out.Status)),
		zap.String("erp_status", string(out.ErpStatus)),
	)
	return out, nil
}

func stateError(r *ledger.RefundRequest, attempted string) error {
	return &ledger.InvalidStateTransitionError{
		Kind:      kind,
		RequestID: r.ID,
		Current:   string(r.Status),
		Attempted: attempted,
	}
}

// =============================================================================
// ERP RETRY
// =============================================================================

type RetryReport struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// RetryERP resends approved refunds whose ERP status is FAILED or RETRY.
func (w *Workflow) RetryERP(ctx context.Context) (RetryReport, error) {
	pending, err := w.Ledger.Store.ListRefunds(ctx, ledger.RefundFilter{
		Status:      ledger.RefundApproved,
		ErpStatuses: []ledger.ErpStatus{ledger.ErpFailed, ledger.ErpRetry},
	})
	if err != nil {
		return RetryReport{}, fmt.Errorf("list refunds for erp retry: %w", err)
	}

	var report RetryReport
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r := &pending[i]
		m, err := w.Ledger.Get(ctx, r.MappingID)
		if err != nil {
			w.Log.Error("refund: erp retry skipped", zap.String("request_id", r.ID), zap.Error(err))
			report.Failed++
			continue
		}
		report.Attempted++
		out, _ := w.sendToERP(ctx, r, m)
		if out.ErpStatus == ledger.ErpSent {
			report.Sent++
		} else {
			report.Failed++
		}
	}

	if report.Attempted > 0 {
		w.Log.Info("refund: erp retry finished",
			zap.Int("attempted", report.Attempted),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Refundable describes what a refund on a mapping could return right now.
type Refundable struct {
	MappingID       string          `json:"mapping_id"`
	Sessions        int             `json:"refundable_sessions"`
	PerSessionPrice decimal.Decimal `json:"per_session_price"`
	MaxAmount       decimal.Decimal `json:"max_refund_amount"`
}

func (w *Workflow) Refundable(ctx context.Context, mappingID string) (Refundable, error) {
	m, err := w.Ledger.Get(ctx, mappingID)
	if err != nil {
		return Refundable{}, err
	}
	sessions := 0
	if m.Status == ledger.MappingActive {
		sessions = m.RemainingSessions
	}
	return Refundable{
		MappingID:       m.ID,
		Sessions:        sessions,
		PerSessionPrice: m.PerSessionPrice(),
		MaxAmount:       Amount(*m, sessions),
	}, nil
}

func (w *Workflow) Get(ctx context.Context, id string) (*ledger.RefundRequest, error) {
	return w.Ledger.Store.GetRefund(ctx, id)
}

func (w *Workflow) List(ctx context.Context, filter ledger.RefundFilter) ([]ledger.RefundRequest, error) {
	return w.Ledger.Store.ListRefunds(ctx, filter)
}

type Stats struct {
	Total       int                         `json:"total"`
	ByStatus    map[ledger.RefundStatus]int `json:"by_status"`
	ByErpStatus map[ledger.ErpStatus]int    `json:"by_erp_status"`
	// Sessions and amount of approved or completed refunds.
	RefundedSessions int             `json:"refunded_sessions"`
	RefundedAmount   decimal.Decimal `json:"refunded_amount"`
}

func (w *Workflow) Stats(ctx context.Context) (Stats, error) {
	all, err := w.Ledger.Store.ListRefunds(ctx, ledger.RefundFilter{})
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Total:          len(all),
		ByStatus:       make(map[ledger.RefundStatus]int),
		ByErpStatus:    make(map[ledger.ErpStatus]int),
		RefundedAmount: decimal.Zero,
	}
	for _, r := range all {
		s.ByStatus[r.Status]++
		s.ByErpStatus[r.ErpStatus]++
		if r.Status == ledger.RefundApproved || r.Status == ledger.RefundCompleted {
			s.RefundedSessions += r.RefundSessions
			s.RefundedAmount = s.RefundedAmount.Add(r.RefundAmount)
		}
	}
	return s, nil
}

func (w *Workflow) notify(ctx context.Context, t notify.EventType, r *ledger.RefundRequest, recipient, msg string) {
	e := notify.Event{
		Type:        t,
		MappingID:   r.MappingID,
		RequestID:   r.ID,
		RecipientID: recipient,
		Message:     msg,
		Data: map[string]string{
			"status":        string(r.Status),
			"refund_amount": r.RefundAmount.StringFixed(2),
		},
		OccurredAt: w.Now(),
	}
	if err := w.Notifier.Notify(ctx, e); err != nil {
		metrics.ObserveCollaboratorFailure("notifier", string(t))
		w.Log.Error("refund: notification failed",
			zap.String("request_id", r.ID),
			zap.String("event", string(t)),
			zap.Error(err),
		)
	}
}
