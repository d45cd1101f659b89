package postgres

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mindgarden/session-ledger/ledger"
)

// Row types are kept apart from the ledger entities so gorm tags and
// timestamp handling stay out of the domain package. Timestamps are set by
// the ledger's clock, never by gorm.

type mappingRow struct {
	ID           string `gorm:"type:varchar(64);primaryKey"`
	ConsultantID string `gorm:"type:varchar(64);not null;index:idx_mappings_pair"`
	ClientID     string `gorm:"type:varchar(64);not null;index:idx_mappings_pair"`

	TotalSessions     int `gorm:"not null"`
	UsedSessions      int `gorm:"not null"`
	RemainingSessions int `gorm:"not null"`

	Status string `gorm:"type:varchar(32);not null;index"`

	PackageName      string `gorm:"type:varchar(255)"`
	PackagePrice     int64  `gorm:"not null"`
	PaymentStatus    string `gorm:"type:varchar(32)"`
	PaymentMethod    string `gorm:"type:varchar(32)"`
	PaymentReference *string
	Notes            string `gorm:"type:text"`

	StartDate    time.Time `gorm:"not null"`
	EndDate      *time.Time
	TerminatedAt *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`

	Version int64 `gorm:"not null;default:1"`
}

func (mappingRow) TableName() string { return "mappings" }

func mappingToRow(m *ledger.Mapping) *mappingRow {
	return &mappingRow{
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
		Notes:             m.Notes,
		StartDate:         m.StartDate.UTC(),
		EndDate:           m.EndDate,
		TerminatedAt:      m.TerminatedAt,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
		Version:           m.Version,
	}
}

func (r *mappingRow) toMapping() *ledger.Mapping {
	return &ledger.Mapping{
		ID:                r.ID,
		ConsultantID:      r.ConsultantID,
		ClientID:          r.ClientID,
		TotalSessions:     r.TotalSessions,
		UsedSessions:      r.UsedSessions,
		RemainingSessions: r.RemainingSessions,
		Status:            ledger.MappingStatus(r.Status),
		PackageName:       r.PackageName,
		PackagePrice:      r.PackagePrice,
		PaymentStatus:     ledger.PaymentStatus(r.PaymentStatus),
		PaymentMethod:     r.PaymentMethod,
		PaymentReference:  r.PaymentReference,
		Notes:             r.Notes,
		StartDate:         r.StartDate,
		EndDate:           r.EndDate,
		TerminatedAt:      r.TerminatedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		Version:           r.Version,
	}
}

type extensionRow struct {
	ID          string `gorm:"type:varchar(64);primaryKey"`
	MappingID   string `gorm:"type:varchar(64);not null;index"`
	RequesterID string `gorm:"type:varchar(64);not null"`

	AdditionalSessions int    `gorm:"not null"`
	PackageName        string `gorm:"type:varchar(255)"`
	PackagePrice       int64  `gorm:"not null"`
	Reason             string `gorm:"type:text"`

	Status string `gorm:"type:varchar(32);not null;index"`

	PaymentMethod    string `gorm:"type:varchar(32)"`
	PaymentReference *string
	ConfirmedAt      *time.Time

	AdminID      string `gorm:"type:varchar(64)"`
	AdminComment string `gorm:"type:text"`
	ApprovedAt   *time.Time

	RejectionReason string `gorm:"type:text"`
	RejectedAt      *time.Time
	CompletedAt     *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime:false;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (extensionRow) TableName() string { return "extension_requests" }

func extensionToRow(r *ledger.ExtensionRequest) *extensionRow {
	return &extensionRow{
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
		ConfirmedAt:        r.ConfirmedAt,
		AdminID:            r.AdminID,
		AdminComment:       r.AdminComment,
		ApprovedAt:         r.ApprovedAt,
		RejectionReason:    r.RejectionReason,
		RejectedAt:         r.RejectedAt,
		CompletedAt:        r.CompletedAt,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
}

func (r *extensionRow) toExtension() *ledger.ExtensionRequest {
	return &ledger.ExtensionRequest{
		ID:                 r.ID,
		MappingID:          r.MappingID,
		RequesterID:        r.RequesterID,
		AdditionalSessions: r.AdditionalSessions,
		PackageName:        r.PackageName,
		PackagePrice:       r.PackagePrice,
		Reason:             r.Reason,
		Status:             ledger.ExtensionStatus(r.Status),
		PaymentMethod:      r.PaymentMethod,
		PaymentReference:   r.PaymentReference,
		ConfirmedAt:        r.ConfirmedAt,
		AdminID:            r.AdminID,
		AdminComment:       r.AdminComment,
		ApprovedAt:         r.ApprovedAt,
		RejectionReason:    r.RejectionReason,
		RejectedAt:         r.RejectedAt,
		CompletedAt:        r.CompletedAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

type refundRow struct {
	ID          string `gorm:"type:varchar(64);primaryKey"`
	MappingID   string `gorm:"type:varchar(64);not null;index"`
	RequesterID string `gorm:"type:varchar(64);not null"`
	ApproverID  string `gorm:"type:varchar(64)"`

	RefundSessions int             `gorm:"not null"`
	RefundAmount   decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Reason         string          `gorm:"type:text"`
	ReasonCode     string          `gorm:"type:varchar(64)"`

	Status          string `gorm:"type:varchar(32);not null;index"`
	RejectionReason string `gorm:"type:text"`

	ErpStatus    string `gorm:"type:varchar(32);not null;index"`
	ErpReference string `gorm:"type:varchar(255)"`
	ErpMessage   string `gorm:"type:text"`
	ErpAttempts  int    `gorm:"not null;default:0"`

	CreatedAt   time.Time `gorm:"autoCreateTime:false;index"`
	ApprovedAt  *time.Time
	RejectedAt  *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

func (refundRow) TableName() string { return "refund_requests" }

func refundToRow(r *ledger.RefundRequest) *refundRow {
	return &refundRow{
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
		CreatedAt:       r.CreatedAt.UTC(),
		ApprovedAt:      r.ApprovedAt,
		RejectedAt:      r.RejectedAt,
		CompletedAt:     r.CompletedAt,
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func (r *refundRow) toRefund() *ledger.RefundRequest {
	return &ledger.RefundRequest{
		ID:              r.ID,
		MappingID:       r.MappingID,
		RequesterID:     r.RequesterID,
		ApproverID:      r.ApproverID,
		RefundSessions:  r.RefundSessions,
		RefundAmount:    r.RefundAmount,
		Reason:          r.Reason,
		ReasonCode:      r.ReasonCode,
		Status:          ledger.RefundStatus(r.Status),
		RejectionReason: r.RejectionReason,
		ErpStatus:       ledger.ErpStatus(r.ErpStatus),
		ErpReference:    r.ErpReference,
		ErpMessage:      r.ErpMessage,
		ErpAttempts:     r.ErpAttempts,
		CreatedAt:       r.CreatedAt,
		ApprovedAt:      r.ApprovedAt,
		RejectedAt:      r.RejectedAt,
		CompletedAt:     r.CompletedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type runRow struct {
	ID          string `gorm:"type:varchar(64);primaryKey"`
	Kind        string `gorm:"type:varchar(32);not null"`
	Status      string `gorm:"type:varchar(32);not null"`
	Checked     int
	Invalid     int
	Fixed       int
	Error       string    `gorm:"type:text"`
	StartedAt   time.Time `gorm:"not null;index"`
	CompletedAt *time.Time
}

func (runRow) TableName() string { return "consistency_runs" }

func runToRow(run ledger.ConsistencyRun) *runRow {
	return &runRow{
		ID:          run.ID,
		Kind:        string(run.Kind),
		Status:      run.Status,
		Checked:     run.Checked,
		Invalid:     run.Invalid,
		Fixed:       run.Fixed,
		Error:       run.Error,
		StartedAt:   run.StartedAt.UTC(),
		CompletedAt: run.CompletedAt,
	}
}

func (r *runRow) toRun() ledger.ConsistencyRun {
	return ledger.ConsistencyRun{
		ID:          r.ID,
		Kind:        ledger.RunKind(r.Kind),
		Status:      r.Status,
		Checked:     r.Checked,
		Invalid:     r.Invalid,
		Fixed:       r.Fixed,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}
