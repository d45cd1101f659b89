/*
types.go - Core entities of the session ledger

PURPOSE:
  Defines the persisted entities: the consultant/client Mapping that owns a
  pool of purchased sessions, the ExtensionRequest that buys more sessions,
  and the RefundRequest that returns unused sessions for money.

KEY TYPES:
  Mapping:          Session balance + lifecycle for one consultant/client package
  ExtensionRequest: Paid "buy more sessions" request (own state machine)
  RefundRequest:    Refund of unused sessions (own state machine + ERP status)
  ConsistencyRun:   Audit record of a validate/repair sweep

BALANCE INVARIANTS (at rest, between mutating calls):
  1. TotalSessions == UsedSessions + RemainingSessions
  2. RemainingSessions >= 0
  3. Status == SESSIONS_EXHAUSTED  <=>  RemainingSessions <= 0 and not TERMINATED

  Only the functions in session.go change the balance fields. Everything
  else reads them.

MONEY:
  Package prices are integer currency units (KRW). Derived amounts such as
  refund amounts use shopspring/decimal so rounding is explicit.

SEE ALSO:
  - session.go: Balance mutators
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MAPPING - Consultant/client session package
// =============================================================================

type MappingStatus string

const (
	MappingActive            MappingStatus = "ACTIVE"
	MappingSessionsExhausted MappingStatus = "SESSIONS_EXHAUSTED"
	MappingTerminated        MappingStatus = "TERMINATED"
)

func (s MappingStatus) Valid() bool {
	switch s {
	case MappingActive, MappingSessionsExhausted, MappingTerminated:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentApproved  PaymentStatus = "APPROVED"
	PaymentRejected  PaymentStatus = "REJECTED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// PaymentMethodCash never carries a payment reference.
const PaymentMethodCash = "CASH"

// Mapping is the consultant/client relationship and its session balance.
// A pair may own several mappings over time; each is soft-deleted only
// (TERMINATED), never removed.
type Mapping struct {
	ID           string
	ConsultantID string
	ClientID     string

	TotalSessions     int
	UsedSessions      int
	RemainingSessions int

	Status MappingStatus

	PackageName      string
	PackagePrice     int64
	PaymentStatus    PaymentStatus
	PaymentMethod    string
	PaymentReference *string

	// Notes is an append-only log of balance-affecting events, one per line.
	Notes string

	StartDate    time.Time
	EndDate      *time.Time
	TerminatedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Version is bumped on every successful save and checked on update.
	Version int64
}

// AppendNote adds one line to the audit notes.
func (m *Mapping) AppendNote(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if m.Notes == "" {
		m.Notes = line
		return
	}
	m.Notes += "\n" + line
}

// NoteLines returns the audit notes split into lines.
func (m Mapping) NoteLines() []string {
	if m.Notes == "" {
		return nil
	}
	return strings.Split(m.Notes, "\n")
}

// IsTerminated reports whether the mapping was ended by explicit action.
func (m Mapping) IsTerminated() bool {
	return m.Status == MappingTerminated
}

// PerSessionPrice is the package price divided by the total session count,
// rounded half-up to two decimal places. Zero when there are no sessions.
func (m Mapping) PerSessionPrice() decimal.Decimal {
	if m.TotalSessions <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(m.PackagePrice).
		DivRound(decimal.NewFromInt(int64(m.TotalSessions)), 2)
}

// =============================================================================
// EXTENSION REQUEST - Purchase of additional sessions
// =============================================================================

type ExtensionStatus string

const (
	ExtensionPending          ExtensionStatus = "PENDING"
	ExtensionPaymentConfirmed ExtensionStatus = "PAYMENT_CONFIRMED"
	ExtensionAdminApproved    ExtensionStatus = "ADMIN_APPROVED"
	ExtensionCompleted        ExtensionStatus = "COMPLETED"
	ExtensionRejected         ExtensionStatus = "REJECTED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExtensionStatus) IsTerminal() bool {
	return s == ExtensionCompleted || s == ExtensionRejected
}

type ExtensionRequest struct {
	ID          string
	MappingID   string
	RequesterID string

	AdditionalSessions int
	PackageName        string
	PackagePrice       int64
	Reason             string

	Status ExtensionStatus

	// Recorded at payment confirmation. Reference is nil for cash.
	PaymentMethod    string
	PaymentReference *string
	ConfirmedAt      *time.Time

	// Recorded at approval.
	AdminID      string
	AdminComment string
	ApprovedAt   *time.Time

	RejectionReason string
	RejectedAt      *time.Time
	CompletedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// REFUND REQUEST - Return of unused sessions
// =============================================================================

type RefundStatus string

const (
	RefundRequested RefundStatus = "REQUESTED"
	RefundApproved  RefundStatus = "APPROVED"
	RefundCompleted RefundStatus = "COMPLETED"
	RefundRejected  RefundStatus = "REJECTED"
)

// ErpStatus tracks settlement in the external ERP. It moves independently of
// the refund status and is owned by the ERP collaborator.
type ErpStatus string

const (
	ErpPending   ErpStatus = "PENDING"
	ErpSent      ErpStatus = "SENT"
	ErpRetry     ErpStatus = "RETRY"
	ErpFailed    ErpStatus = "FAILED"
	ErpConfirmed ErpStatus = "CONFIRMED"
)

func (s ErpStatus) Valid() bool {
	switch s {
	case ErpPending, ErpSent, ErpRetry, ErpFailed, ErpConfirmed:
		return true
	}
	return false
}

type RefundRequest struct {
	ID          string
	MappingID   string
	RequesterID string
	ApproverID  string

	RefundSessions int
	RefundAmount   decimal.Decimal
	Reason         string
	ReasonCode     string

	Status          RefundStatus
	RejectionReason string

	ErpStatus    ErpStatus
	ErpReference string
	ErpMessage   string
	ErpAttempts  int

	CreatedAt   time.Time
	ApprovedAt  *time.Time
	RejectedAt  *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// CONSISTENCY RUN - Audit of validate/repair sweeps
// =============================================================================

type RunKind string

const (
	RunValidate     RunKind = "validate"
	RunRepair       RunKind = "repair"
	RunRepairQueued RunKind = "repair_queued"
)

type ConsistencyRun struct {
	ID          string
	Kind        RunKind
	Status      string // running, completed, failed
	Checked     int
	Invalid     int
	Fixed       int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// =============================================================================
// FILTERS
// =============================================================================

type MappingFilter struct {
	ConsultantID string
	ClientID     string
	Status       MappingStatus
}

type ExtensionFilter struct {
	MappingID string
	Status    ExtensionStatus
}

type RefundFilter struct {
	MappingID   string
	Status      RefundStatus
	ErpStatuses []ErpStatus
}
