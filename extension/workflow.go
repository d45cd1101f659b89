/*
workflow.go - Extension request lifecycle (buying more sessions)

PURPOSE:
  Drives one ExtensionRequest through its state machine and adds the
  purchased sessions to the mapping exactly once.

STATE MACHINE:
  PENDING ──reject──▶ REJECTED
     │
     └─confirmPayment─▶ PAYMENT_CONFIRMED ──approve──▶ ADMIN_APPROVED ──complete──▶ COMPLETED
                                                                          (sessions added)

ENTRY PROTOCOLS:
  Fast path (AutoApprove = true):
    ConfirmPayment confirms, approves as "system", completes and adds the
    sessions in one ledger mutation. The mapping also becomes
    paymentStatus APPROVED and takes over the payment method/reference.

  Manual path (AutoApprove = false):
    ConfirmPayment, Approve and Complete are separate calls, each
    committed on its own.

ATOMICITY:
  Completion runs inside ledger.Mutate on the owning mapping. The request
  row is re-read and guarded inside the same transaction, so the COMPLETED
  status and the session addition commit together and a second Complete
  fails with InvalidStateTransitionError without adding anything.

  Notifications and the ERP payment registration happen after commit and
  are best-effort.

SEE ALSO:
  - ledger/ledger.go: Mutate
  - refund/workflow.go: The other workflow
*/
package extension

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindgarden/session-ledger/catalog"
	"github.com/mindgarden/session-ledger/erp"
	"github.com/mindgarden/session-ledger/ledger"
	"github.com/mindgarden/session-ledger/metrics"
	"github.com/mindgarden/session-ledger/notify"
)

const (
	// SystemActor approves fast-path requests.
	SystemActor        = "system"
	AutoApproveComment = "auto-approved after payment confirmation"

	kind = "extension"
)

type Workflow struct {
	Ledger   *ledger.Ledger
	Catalog  *catalog.Catalog
	Notifier notify.Notifier
	ERP      erp.Client
	Log      *zap.Logger

	// AutoApprove selects the fast path in ConfirmPayment.
	AutoApprove bool
	Now         func() time.Time
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
	return &Workflow{
		Ledger:      l,
		Notifier:    n,
		ERP:         e,
		Log:         log,
		AutoApprove: true,
		Now:         time.Now,
	}
}

// =============================================================================
// CREATE
// =============================================================================

// CreateInput describes a purchase. PackageID, when set, fills any of
// AdditionalSessions/PackageName/PackagePrice left empty.
type CreateInput struct {
	MappingID          string
	RequesterID        string
	AdditionalSessions int
	PackageName        string
	PackagePrice       int64
	PackageID          string
	Reason             string
}

func (w *Workflow) Create(ctx context.Context, in CreateInput) (*ledger.ExtensionRequest, error) {
	if in.PackageID != "" && w.Catalog != nil {
		pkg, err := w.Catalog.Lookup(in.PackageID)
		if err != nil {
			return nil, err
		}
		if in.AdditionalSessions == 0 {
			in.AdditionalSessions = pkg.Sessions
		}
		if in.PackageName == "" {
			in.PackageName = pkg.Name
		}
		if in.PackagePrice == 0 {
			in.PackagePrice = pkg.Price
		}
	}

	if strings.TrimSpace(in.MappingID) == "" || strings.TrimSpace(in.RequesterID) == "" {
		return nil, fmt.Errorf("create extension: mapping and requester are required: %w", ledger.ErrInvalidInput)
	}
	if in.AdditionalSessions <= 0 {
		return nil, fmt.Errorf("create extension with %d sessions: %w", in.AdditionalSessions, ledger.ErrInvalidSessionCount)
	}
	if in.PackagePrice < 0 {
		return nil, fmt.Errorf("create extension: negative package price: %w", ledger.ErrInvalidInput)
	}

	m, err := w.Ledger.Get(ctx, in.MappingID)
	if err != nil {
		return nil, fmt.Errorf("create extension: %w", err)
	}
	if m.IsTerminated() {
		return nil, fmt.Errorf("create extension on %s: %w", m.ID, ledger.ErrMappingTerminated)
	}

	now := w.Now()
	r := &ledger.ExtensionRequest{
		ID:                 uuid.NewString(),
		MappingID:          in.MappingID,
		RequesterID:        in.RequesterID,
		AdditionalSessions: in.AdditionalSessions,
		PackageName:        in.PackageName,
		PackagePrice:       in.PackagePrice,
		Reason:             in.Reason,
		Status:             ledger.ExtensionPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := w.Ledger.Store.SaveExtension(ctx, r); err != nil {
		return nil, fmt.Errorf("create extension: %w", err)
	}

	metrics.ObserveTransition(kind, string(r.Status))
	w.Log.Info("extension: request created",
		zap.String("request_id", r.ID),
		zap.String("mapping_id", r.MappingID),
		zap.Int("additional_sessions", r.AdditionalSessions),
	)
	w.notify(ctx, notify.ExtensionRequested, r, "",
		fmt.Sprintf("회기 추가 요청이 등록되었습니다: %d회기 (%d원)", r.AdditionalSessions, r.PackagePrice))
	return r, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// ConfirmPayment records the payment. With AutoApprove the request is also
// approved and completed and the sessions are added. A CASH payment never
// carries a reference.
func (w *Workflow) ConfirmPayment(ctx context.Context, id, method, reference string) (*ledger.ExtensionRequest, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, fmt.Errorf("confirm payment on %s: payment method is required: %w", id, ledger.ErrInvalidInput)
	}
	var ref *string
	if method != ledger.PaymentMethodCash && reference != "" {
		ref = &reference
	}

	if !w.AutoApprove {
		r, err := w.transition(ctx, id, "confirm payment", ledger.ExtensionPending, func(r *ledger.ExtensionRequest, now time.Time) {
			r.Status = ledger.ExtensionPaymentConfirmed
			r.PaymentMethod = method
			r.PaymentReference = ref
			r.ConfirmedAt = &now
		})
		if err != nil {
			return nil, err
		}
		w.notify(ctx, notify.ExtensionPaymentConfirmed, r, "", "입금이 확인되었습니다. 관리자 승인 대기 중입니다")
		return r, nil
	}

	return w.fastPath(ctx, id, method, ref)
}

func (w *Workflow) fastPath(ctx context.Context, id, method string, ref *string) (*ledger.ExtensionRequest, error) {
	current, err := w.Ledger.Store.GetExtension(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("confirm payment %s: %w", id, err)
	}

	var done *ledger.ExtensionRequest
	m, err := w.Ledger.Mutate(ctx, current.MappingID, "extension_fast_path", func(ctx context.Context, tx ledger.Tx, m *ledger.Mapping) error {
		r, err := tx.GetExtension(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != ledger.ExtensionPending {
			return stateError(r, "confirm payment")
		}

		now := w.Now()
		r.PaymentMethod = method
		r.PaymentReference = ref
		r.ConfirmedAt = &now
		r.AdminID = SystemActor
		r.AdminComment = AutoApproveComment
		r.ApprovedAt = &now
		r.Status = ledger.ExtensionCompleted
		r.CompletedAt = &now
		r.UpdatedAt = now

		if err := ledger.AddSessions(m, r.AdditionalSessions, r.PackageName, r.PackagePrice, now); err != nil {
			return err
		}
		m.PaymentStatus = ledger.PaymentApproved
		m.PaymentMethod = method
		m.PaymentReference = ref
		if err := tx.SaveExtension(ctx, r); err != nil {
			return err
		}
		done = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, s := range []ledger.ExtensionStatus{ledger.ExtensionPaymentConfirmed, ledger.ExtensionAdminApproved, ledger.ExtensionCompleted} {
		metrics.ObserveTransition(kind, string(s))
	}
	w.Log.Info("extension: completed via payment confirmation",
		zap.String("request_id", done.ID),
		zap.String("mapping_id", m.ID),
		zap.Int("added", done.AdditionalSessions),
		zap.Int("remaining", m.RemainingSessions),
	)
	w.afterCompletion(ctx, done, m)
	return done, nil
}

// Approve records the admin approval on the manual path.
func (w *Workflow) Approve(ctx context.Context, id, adminID, comment string) (*ledger.ExtensionRequest, error) {
	if strings.TrimSpace(adminID) == "" {
		return nil, fmt.Errorf("approve extension %s: admin is required: %w", id, ledger.ErrInvalidInput)
	}
	r, err := w.transition(ctx, id, "approve", ledger.ExtensionPaymentConfirmed, func(r *ledger.ExtensionRequest, now time.Time) {
		r.Status = ledger.ExtensionAdminApproved
		r.AdminID = adminID
		r.AdminComment = comment
		r.ApprovedAt = &now
	})
	if err != nil {
		return nil, err
	}
	w.notify(ctx, notify.ExtensionApproved, r, "", "회기 추가 요청이 승인되었습니다")
	return r, nil
}

// Complete adds the sessions of an approved request.
func (w *Workflow) Complete(ctx context.Context, id string) (*ledger.ExtensionRequest, error) {
	current, err := w.Ledger.Store.GetExtension(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("complete extension %s: %w", id, err)
	}

	var done *ledger.ExtensionRequest
	m, err := w.Ledger.Mutate(ctx, current.MappingID, "extension_complete", func(ctx context.Context, tx ledger.Tx, m *ledger.Mapping) error {
		r, err := tx.GetExtension(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != ledger.ExtensionAdminApproved {
			return stateError(r, "complete")
		}
		now := w.Now()
		if err := ledger.AddSessions(m, r.AdditionalSessions, r.PackageName, r.PackagePrice, now); err != nil {
			return err
		}
		r.Status = ledger.ExtensionCompleted
		r.CompletedAt = &now
		r.UpdatedAt = now
		if err := tx.SaveExtension(ctx, r); err != nil {
			return err
		}
		done = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ObserveTransition(kind, string(ledger.ExtensionCompleted))
	w.Log.Info("extension: completed",
		zap.String("request_id", done.ID),
		zap.String("mapping_id", m.ID),
		zap.Int("added", done.AdditionalSessions),
		zap.Int("remaining", m.RemainingSessions),
	)
	w.afterCompletion(ctx, done, m)
	return done, nil
}

// Reject closes a PENDING request.
func (w *Workflow) Reject(ctx context.Context, id, adminID, reason string) (*ledger.ExtensionRequest, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("reject extension %s: reason is required: %w", id, ledger.ErrInvalidInput)
	}
	r, err := w.transition(ctx, id, "reject", ledger.ExtensionPending, func(r *ledger.ExtensionRequest, now time.Time) {
		r.Status = ledger.ExtensionRejected
		r.AdminID = adminID
		r.RejectionReason = reason
		r.RejectedAt = &now
	})
	if err != nil {
		return nil, err
	}
	w.notify(ctx, notify.ExtensionRejected, r, r.RequesterID, "회기 추가 요청이 거부되었습니다: "+reason)
	return r, nil
}

// transition applies a status change that does not touch the mapping. The
// guard and the write happen in one store transaction.
func (w *Workflow) transition(ctx context.Context, id, attempted string, from ledger.ExtensionStatus, apply func(r *ledger.ExtensionRequest, now time.Time)) (*ledger.ExtensionRequest, error) {
	var out *ledger.ExtensionRequest
	err := w.Ledger.Store.WithTx(ctx, func(tx ledger.Tx) error {
		r, err := tx.GetExtension(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != from {
			return stateError(r, attempted)
		}
		now := w.Now()
		apply(r, now)
		r.UpdatedAt = now
		if err := tx.SaveExtension(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s extension %s: %w", attempted, id, err)
	}

	metrics.ObserveTransition(kind, string(out.Status))
	w.Log.Info("extension: status changed",
		zap.String("request_id", out.ID),
		zap.String("mapping_id", out.MappingID),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

func stateError(r *ledger.ExtensionRequest, attempted string) error {
	return &ledger.InvalidStateTransitionError{
		Kind:      kind,
		RequestID: r.ID,
		Current:   string(r.Status),
		Attempted: attempted,
	}
}

// =============================================================================
// AFTER COMMIT (best-effort)
// =============================================================================

func (w *Workflow) afterCompletion(ctx context.Context, r *ledger.ExtensionRequest, m *ledger.Mapping) {
	w.notify(ctx, notify.ExtensionCompleted, r, r.RequesterID,
		fmt.Sprintf("%d회기가 추가되었습니다. 잔여 회기: %d", r.AdditionalSessions, m.RemainingSessions))
	w.notify(ctx, notify.ExtensionCompleted, r, m.ConsultantID,
		fmt.Sprintf("내담자 %s의 회기가 %d회기 추가되었습니다", m.ClientID, r.AdditionalSessions))

	entry := erp.ExtensionEntry{
		ExtensionID:   r.ID,
		MappingID:     r.MappingID,
		ClientID:      m.ClientID,
		Sessions:      r.AdditionalSessions,
		Amount:        r.PackagePrice,
		PaymentMethod: r.PaymentMethod,
		CompletedAt:   w.Now(),
	}
	if r.PaymentReference != nil {
		entry.PaymentReference = *r.PaymentReference
	}
	receipt, err := w.ERP.SendExtensionPayment(ctx, entry)
	if err != nil {
		metrics.ObserveCollaboratorFailure("erp", "extension_payment")
		w.Log.Error("extension: erp registration failed",
			zap.String("request_id", r.ID),
			zap.String("mapping_id", r.MappingID),
			zap.Error(err),
		)
		return
	}
	w.Log.Info("extension: registered with erp",
		zap.String("request_id", r.ID),
		zap.String("erp_reference", receipt.Reference),
	)
}

func (w *Workflow) notify(ctx context.Context, t notify.EventType, r *ledger.ExtensionRequest, recipient, msg string) {
	e := notify.Event{
		Type:        t,
		MappingID:   r.MappingID,
		RequestID:   r.ID,
		RecipientID: recipient,
		Message:     msg,
		Data: map[string]string{
			"status":              string(r.Status),
			"additional_sessions": strconv.Itoa(r.AdditionalSessions),
		},
		OccurredAt: w.Now(),
	}
	if err := w.Notifier.Notify(ctx, e); err != nil {
		metrics.ObserveCollaboratorFailure("notifier", string(t))
		w.Log.Error("extension: notification failed",
			zap.String("request_id", r.ID),
			zap.String("event", string(t)),
			zap.Error(err),
		)
	}
}

// =============================================================================
// QUERIES
// =============================================================================

func (w *Workflow) Get(ctx context.Context, id string) (*ledger.ExtensionRequest, error) {
	return w.Ledger.Store.GetExtension(ctx, id)
}

func (w *Workflow) List(ctx context.Context, filter ledger.ExtensionFilter) ([]ledger.ExtensionRequest, error) {
	return w.Ledger.Store.ListExtensions(ctx, filter)
}

// Stats counts requests per status.
type Stats struct {
	Total    int                            `json:"total"`
	ByStatus map[ledger.ExtensionStatus]int `json:"by_status"`
	// Sessions and revenue of COMPLETED requests.
	CompletedSessions int   `json:"completed_sessions"`
	CompletedRevenue  int64 `json:"completed_revenue"`
}

func (w *Workflow) Stats(ctx context.Context) (Stats, error) {
	all, err := w.Ledger.Store.ListExtensions(ctx, ledger.ExtensionFilter{})
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Total: len(all), ByStatus: make(map[ledger.ExtensionStatus]int)}
	for _, r := range all {
		s.ByStatus[r.Status]++
		if r.Status == ledger.ExtensionCompleted {
			s.CompletedSessions += r.AdditionalSessions
			s.CompletedRevenue += r.PackagePrice
		}
	}
	return s, nil
}
