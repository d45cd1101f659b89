/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger entities from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required fields, signs, enums). Business rules (remaining balance,
  state machine) stay in the workflows.

TIME FORMAT:
  RFC3339 strings, empty/omitted when unset.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mindgarden/session-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateMappingRequest struct {
	ConsultantID  string `json:"consultant_id" validate:"required"`
	ClientID      string `json:"client_id" validate:"required"`
	PackageID     string `json:"package_id"`
	PackageName   string `json:"package_name"`
	TotalSessions int    `json:"total_sessions" validate:"gte=0"`
	PackagePrice  int64  `json:"package_price" validate:"gte=0"`
	PaymentStatus string `json:"payment_status" validate:"omitempty,oneof=PENDING CONFIRMED APPROVED REJECTED REFUNDED"`
	PaymentMethod string `json:"payment_method"`
	StartDate     string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
}

type TerminateMappingRequest struct {
	Reason string `json:"reason"`
}

type CompleteConsultationRequest struct {
	ConsultantID string `json:"consultant_id" validate:"required"`
	ClientID     string `json:"client_id" validate:"required"`
}

type CreateExtensionRequest struct {
	MappingID          string `json:"mapping_id" validate:"required"`
	RequesterID        string `json:"requester_id" validate:"required"`
	PackageID          string `json:"package_id"`
	AdditionalSessions int    `json:"additional_sessions" validate:"gte=0"`
	PackageName        string `json:"package_name"`
	PackagePrice       int64  `json:"package_price" validate:"gte=0"`
	Reason             string `json:"reason"`
}

type ConfirmPaymentRequest struct {
	PaymentMethod    string `json:"payment_method" validate:"required"`
	PaymentReference string `json:"payment_reference"`
}

type ApproveExtensionRequest struct {
	AdminID string `json:"admin_id" validate:"required"`
	Comment string `json:"comment"`
}

type RejectRequest struct {
	AdminID string `json:"admin_id" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
}

type CreateRefundRequest struct {
	MappingID      string `json:"mapping_id" validate:"required"`
	RequesterID    string `json:"requester_id" validate:"required"`
	RefundSessions int    `json:"refund_sessions" validate:"gt=0"`
	Reason         string `json:"reason"`
	ReasonCode     string `json:"reason_code"`
}

type ApproveRefundRequest struct {
	AdminID string `json:"admin_id" validate:"required"`
}

type ErpStatusRequest struct {
	Status    string `json:"status" validate:"required,oneof=PENDING SENT RETRY FAILED CONFIRMED"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type MappingDTO struct {
	ID                string   `json:"id"`
	ConsultantID      string   `json:"consultant_id"`
	ClientID          string   `json:"client_id"`
	TotalSessions     int      `json:"total_sessions"`
	UsedSessions      int      `json:"used_sessions"`
	RemainingSessions int      `json:"remaining_sessions"`
	Status            string   `json:"status"`
	PackageName       string   `json:"package_name"`
	PackagePrice      int64    `json:"package_price"`
	PaymentStatus     string   `json:"payment_status"`
	PaymentMethod     string   `json:"payment_method,omitempty"`
	PaymentReference  *string  `json:"payment_reference"`
	Notes             []string `json:"notes"`
	StartDate         string   `json:"start_date"`
	EndDate           string   `json:"end_date,omitempty"`
	TerminatedAt      string   `json:"terminated_at,omitempty"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
	Version           int64    `json:"version"`
}

func toMappingDTO(m *ledger.Mapping) MappingDTO {
	notes := m.NoteLines()
	if notes == nil {
		notes = []string{}
	}
	return MappingDTO{
		ID:                m.ID,
		ConsultantID:      m.ConsultantID,
		ClientID:          m.ClientID,
		TotalSessions:     m.TotalSessions,
		UsedSessions:      m.UsedSessions,
		RemainingSessions: m.RemainingSessions,
		Status:            string(m.Status),
		PackageName:       m.PackageName,
		PackagePrice:      m.PackagePrice,
		PaymentStatus:     string(m.PaymentStatus),
		PaymentMethod:     m.PaymentMethod,
		PaymentReference:  m.PaymentReference,
		Notes:             notes,
		StartDate:         formatTime(m.StartDate),
		EndDate:           formatTimePtr(m.EndDate),
		TerminatedAt:      formatTimePtr(m.TerminatedAt),
		CreatedAt:         formatTime(m.CreatedAt),
		UpdatedAt:         formatTime(m.UpdatedAt),
		Version:           m.Version,
	}
}

type ExtensionDTO struct {
	ID                 string  `json:"id"`
	MappingID          string  `json:"mapping_id"`
	RequesterID        string  `json:"requester_id"`
	AdditionalSessions int     `json:"additional_sessions"`
	PackageName        string  `json:"package_name"`
	PackagePrice       int64   `json:"package_price"`
	Reason             string  `json:"reason,omitempty"`
	Status             string  `json:"status"`
	PaymentMethod      string  `json:"payment_method,omitempty"`
	PaymentReference   *string `json:"payment_reference"`
	ConfirmedAt        string  `json:"confirmed_at,omitempty"`
	AdminID            string  `json:"admin_id,omitempty"`
	AdminComment       string  `json:"admin_comment,omitempty"`
	ApprovedAt         string  `json:"approved_at,omitempty"`
	RejectionReason    string  `json:"rejection_reason,omitempty"`
	RejectedAt         string  `json:"rejected_at,omitempty"`
	CompletedAt        string  `json:"completed_at,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

func toExtensionDTO(r *ledger.ExtensionRequest) ExtensionDTO {
	return ExtensionDTO{
		ID:                 r.ID,
		MappingID:          r.MappingID,
		RequesterID:        r.RequesterID,
		AdditionalSessions: r.AdditionalSessions,
		PackageName:        r.PackageName,
		PackagePrice:       r.PackagePrice,
		Reason:             r.Reason,
		Status:             string(r.Status),
		PaymentMethod:      r.PaymentMethod,
		PaymentReference:   r.PaymentReference,
		ConfirmedAt:        formatTimePtr(r.ConfirmedAt),
		AdminID:            r.AdminID,
		AdminComment:       r.AdminComment,
		ApprovedAt:         formatTimePtr(r.ApprovedAt),
		RejectionReason:    r.RejectionReason,
		RejectedAt:         formatTimePtr(r.RejectedAt),
		CompletedAt:        formatTimePtr(r.CompletedAt),
		CreatedAt:          formatTime(r.CreatedAt),
		UpdatedAt:          formatTime(r.UpdatedAt),
	}
}

type RefundDTO struct {
	ID              string          `json:"id"`
	MappingID       string          `json:"mapping_id"`
	RequesterID     string          `json:"requester_id"`
	ApproverID      string          `json:"approver_id,omitempty"`
	RefundSessions  int             `json:"refund_sessions"`
	RefundAmount    decimal.Decimal `json:"refund_amount"`
	Reason          string          `json:"reason,omitempty"`
	ReasonCode      string          `json:"reason_code,omitempty"`
	Status          string          `json:"status"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	ErpStatus       string          `json:"erp_status"`
	ErpReference    string          `json:"erp_reference,omitempty"`
	ErpMessage      string          `json:"erp_message,omitempty"`
	ErpAttempts     int             `json:"erp_attempts"`
	CreatedAt       string          `json:"created_at"`
	ApprovedAt      string          `json:"approved_at,omitempty"`
	RejectedAt      string          `json:"rejected_at,omitempty"`
	CompletedAt     string          `json:"completed_at,omitempty"`
	UpdatedAt       string          `json:"updated_at"`
}

func toRefundDTO(r *ledger.RefundRequest) RefundDTO {
	return RefundDTO{
		ID:              r.ID,
		MappingID:       r.MappingID,
		RequesterID:     r.RequesterID,
		ApproverID:      r.ApproverID,
		RefundSessions:  r.RefundSessions,
		RefundAmount:    r.RefundAmount,
		Reason:          r.Reason,
		ReasonCode:      r.ReasonCode,
		Status:          string(r.Status),
		RejectionReason: r.RejectionReason,
		ErpStatus:       string(r.ErpStatus),
		ErpReference:    r.ErpReference,
		ErpMessage:      r.ErpMessage,
		ErpAttempts:     r.ErpAttempts,
		CreatedAt:       formatTime(r.CreatedAt),
		ApprovedAt:      formatTimePtr(r.ApprovedAt),
		RejectedAt:      formatTimePtr(r.RejectedAt),
		CompletedAt:     formatTimePtr(r.CompletedAt),
		UpdatedAt:       formatTime(r.UpdatedAt),
	}
}

type RunDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Checked     int    `json:"checked"`
	Invalid     int    `json:"invalid"`
	Fixed       int    `json:"fixed"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func toRunDTO(run ledger.ConsistencyRun) RunDTO {
	return RunDTO{
		ID:          run.ID,
		Kind:        string(run.Kind),
		Status:      run.Status,
		Checked:     run.Checked,
		Invalid:     run.Invalid,
		Fixed:       run.Fixed,
		Error:       run.Error,
		StartedAt:   formatTime(run.StartedAt),
		CompletedAt: formatTimePtr(run.CompletedAt),
	}
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
