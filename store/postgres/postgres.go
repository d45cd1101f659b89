/*
Package postgres provides a PostgreSQL implementation of ledger.Store on gorm.

PURPOSE:
  Production store for deployments running more than one process. Same
  schema as store/sqlite, migrated with gorm's AutoMigrate.

ROW LOCKS:
  Inside WithTx, GetMapping, GetExtension and GetRefund issue
  SELECT ... FOR UPDATE. Two processes mutating the same mapping serialize
  on the row even without the redis lock, and two transitions of the same
  request (reject vs approve) serialize on the request row, the loser
  re-reading the winner's status. Outside a transaction reads are plain.

COMPARE-AND-SWAP:
  UpdateMapping issues
    UPDATE mappings SET ..., version = version + 1 WHERE id = ? AND version = ?
  Zero affected rows means the row is gone (ErrMappingNotFound) or someone
  else saved first (ErrConcurrentModification).

USAGE:
  store, err := postgres.New(dsn, logger)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite: Single-node implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mindgarden/session-ledger/ledger"
)

// Store implements ledger.Store over a gorm connection.
type Store struct {
	handle
}

// New opens a connection pool for dsn and migrates the schema.
func New(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger:                 newGormLogger(log),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewFromDB(db)
}

// NewFromDB wraps an existing gorm connection and migrates the schema.
func NewFromDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&mappingRow{}, &extensionRow{}, &refundRow{}, &runRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &Store{handle{db: db}}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in a database transaction with row locking on reads.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&handle{db: tx, forUpdate: true})
	})
}

// =============================================================================
// ROW OPERATIONS (ledger.Tx)
// =============================================================================

// handle serves both the pool and a transaction.
type handle struct {
	db        *gorm.DB
	forUpdate bool
}

// query starts a read, locking the selected rows inside a transaction.
func (h *handle) query(ctx context.Context) *gorm.DB {
	q := h.db.WithContext(ctx)
	if h.forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (h *handle) GetMapping(ctx context.Context, id string) (*ledger.Mapping, error) {
	q := h.query(ctx)
	var row mappingRow
	if err := q.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("mapping %s: %w", id, ledger.ErrMappingNotFound)
		}
		return nil, err
	}
	return row.toMapping(), nil
}

func (h *handle) InsertMapping(ctx context.Context, m *ledger.Mapping) error {
	m.Version = 1
	if err := h.db.WithContext(ctx).Create(mappingToRow(m)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("mapping %s already exists: %w", m.ID, ledger.ErrInvalidInput)
		}
		return err
	}
	return nil
}

func (h *handle) UpdateMapping(ctx context.Context, m *ledger.Mapping) error {
	row := mappingToRow(m)
	res := h.db.WithContext(ctx).Model(&mappingRow{}).
		Where("id = ? AND version = ?", m.ID, m.Version).
		Updates(map[string]any{
			"total_sessions":     row.TotalSessions,
			"used_sessions":      row.UsedSessions,
			"remaining_sessions": row.RemainingSessions,
			"status":             row.Status,
			"package_name":       row.PackageName,
			"package_price":      row.PackagePrice,
			"payment_status":     row.PaymentStatus,
			"payment_method":     row.PaymentMethod,
			"payment_reference":  row.PaymentReference,
			"notes":              row.Notes,
			"end_date":           row.EndDate,
			"terminated_at":      row.TerminatedAt,
			"updated_at":         row.UpdatedAt,
			"version":            gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := h.db.WithContext(ctx).Model(&mappingRow{}).Where("id = ?", m.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("mapping %s: %w", m.ID, ledger.ErrMappingNotFound)
		}
		return fmt.Errorf("mapping %s version %d: %w", m.ID, m.Version, ledger.ErrConcurrentModification)
	}
	m.Version++
	return nil
}

func (h *handle) ListMappings(ctx context.Context, filter ledger.MappingFilter) ([]ledger.Mapping, error) {
	q := h.db.WithContext(ctx).Model(&mappingRow{})
	if filter.ConsultantID != "" {
		q = q.Where("consultant_id = ?", filter.ConsultantID)
	}
	if filter.ClientID != "" {
		q = q.Where("client_id = ?", filter.ClientID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	var rows []mappingRow
	if err := q.Order("start_date ASC, created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Mapping, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toMapping())
	}
	return out, nil
}

func (h *handle) GetExtension(ctx context.Context, id string) (*ledger.ExtensionRequest, error) {
	var row extensionRow
	if err := h.query(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("extension request %s: %w", id, ledger.ErrRequestNotFound)
		}
		return nil, err
	}
	return row.toExtension(), nil
}

func (h *handle) SaveExtension(ctx context.Context, r *ledger.ExtensionRequest) error {
	return h.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(extensionToRow(r)).Error
}

func (h *handle) GetRefund(ctx context.Context, id string) (*ledger.RefundRequest, error) {
	var row refundRow
	if err := h.query(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("refund request %s: %w", id, ledger.ErrRequestNotFound)
		}
		return nil, err
	}
	return row.toRefund(), nil
}

func (h *handle) SaveRefund(ctx context.Context, r *ledger.RefundRequest) error {
	return h.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(refundToRow(r)).Error
}

// =============================================================================
// LISTINGS AND RUNS
// =============================================================================

func (s *Store) ListExtensions(ctx context.Context, filter ledger.ExtensionFilter) ([]ledger.ExtensionRequest, error) {
	q := s.db.WithContext(ctx).Model(&extensionRow{})
	if filter.MappingID != "" {
		q = q.Where("mapping_id = ?", filter.MappingID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	var rows []extensionRow
	if err := q.Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.ExtensionRequest, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toExtension())
	}
	return out, nil
}

func (s *Store) ListRefunds(ctx context.Context, filter ledger.RefundFilter) ([]ledger.RefundRequest, error) {
	q := s.db.WithContext(ctx).Model(&refundRow{})
	if filter.MappingID != "" {
		q = q.Where("mapping_id = ?", filter.MappingID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if len(filter.ErpStatuses) > 0 {
		statuses := make([]string, len(filter.ErpStatuses))
		for i, st := range filter.ErpStatuses {
			statuses[i] = string(st)
		}
		q = q.Where("erp_status IN ?", statuses)
	}

	var rows []refundRow
	if err := q.Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.RefundRequest, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toRefund())
	}
	return out, nil
}

func (s *Store) SaveRun(ctx context.Context, run ledger.ConsistencyRun) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(runToRow(run)).Error
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]ledger.ConsistencyRun, error) {
	q := s.db.WithContext(ctx).Model(&runRow{}).Order("started_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []runRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.ConsistencyRun, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRun())
	}
	return out, nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&refundRow{}, &extensionRow{}, &runRow{}, &mappingRow{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
