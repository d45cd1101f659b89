/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists mappings, extension requests, refund requests and consistency
  runs. The postgres store (store/postgres) follows the same schema.

KEY TABLES:
  mappings:           Session balance + lifecycle per consultant/client package
  extension_requests: Extension workflow rows
  refund_requests:    Refund workflow rows, including ERP settlement status
  consistency_runs:   Audit of validate/repair sweeps

COMPARE-AND-SWAP:
  UpdateMapping issues
    UPDATE mappings SET ..., version = version + 1 WHERE id = ? AND version = ?
  Zero affected rows means either the row is gone (ErrMappingNotFound) or
  someone else saved first (ErrConcurrentModification).

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; WithTx holds the write lock for the
  whole transaction, so SQLite sees a single writer. With PostgreSQL,
  row locks (SELECT ... FOR UPDATE) handle this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.NewLedger(store, lock.NewLocal(), logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/mindgarden/session-ledger/ledger"
)

const timeLayout = time.RFC3339Nano

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Mappings (consultant/client session packages)
	CREATE TABLE IF NOT EXISTS mappings (
		id TEXT PRIMARY KEY,
		consultant_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		total_sessions INTEGER NOT NULL DEFAULT 0,
		used_sessions INTEGER NOT NULL DEFAULT 0,
		remaining_sessions INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		package_name TEXT NOT NULL DEFAULT '',
		package_price INTEGER NOT NULL DEFAULT 0,
		payment_status TEXT NOT NULL DEFAULT 'PENDING',
		payment_method TEXT NOT NULL DEFAULT '',
		payment_reference TEXT,
		notes TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL,
		end_date TEXT,
		terminated_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	-- Pair lookups (consume by pair, sibling propagation)
	CREATE INDEX IF NOT EXISTS idx_mappings_pair
		ON mappings(consultant_id, client_id, status);
	CREATE INDEX IF NOT EXISTS idx_mappings_status
		ON mappings(status);

	-- Extension requests
	CREATE TABLE IF NOT EXISTS extension_requests (
		id TEXT PRIMARY KEY,
		mapping_id TEXT NOT NULL REFERENCES mappings(id),
		requester_id TEXT NOT NULL,
		additional_sessions INTEGER NOT NULL,
		package_name TEXT NOT NULL DEFAULT '',
		package_price INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		payment_reference TEXT,
		confirmed_at TEXT,
		admin_id TEXT NOT NULL DEFAULT '',
		admin_comment TEXT NOT NULL DEFAULT '',
		approved_at TEXT,
		rejection_reason TEXT NOT NULL DEFAULT '',
		rejected_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_extension_requests_mapping
		ON extension_requests(mapping_id);
	CREATE INDEX IF NOT EXISTS idx_extension_requests_status
		ON extension_requests(status);

	-- Refund requests
	CREATE TABLE IF NOT EXISTS refund_requests (
		id TEXT PRIMARY KEY,
		mapping_id TEXT NOT NULL REFERENCES mappings(id),
		requester_id TEXT NOT NULL,
		approver_id TEXT NOT NULL DEFAULT '',
		refund_sessions INTEGER NOT NULL,
		refund_amount TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		reason_code TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		rejection_reason TEXT NOT NULL DEFAULT '',
		erp_status TEXT NOT NULL DEFAULT 'PENDING',
		erp_reference TEXT NOT NULL DEFAULT '',
		erp_message TEXT NOT NULL DEFAULT '',
		erp_attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		approved_at TEXT,
		rejected_at TEXT,
		completed_at TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refund_requests_mapping
		ON refund_requests(mapping_id);
	CREATE INDEX IF NOT EXISTS idx_refund_requests_status
		ON refund_requests(status, erp_status);

	-- Consistency runs (validate/repair sweeps)
	CREATE TABLE IF NOT EXISTS consistency_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		checked INTEGER NOT NULL DEFAULT 0,
		invalid INTEGER NOT NULL DEFAULT 0,
		fixed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_consistency_runs_started
		ON consistency_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// MAPPINGS
// =============================================================================

const mappingColumns = `id, consultant_id, client_id, total_sessions, used_sessions,
	remaining_sessions, status, package_name, package_price, payment_status,
	payment_method, payment_reference, notes, start_date, end_date, terminated_at,
	created_at, updated_at, version`

func (s *Store) GetMapping(ctx context.Context, id string) (*ledger.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMapping(ctx, s.db, id)
}

func (s *Store) InsertMapping(ctx context.Context, m *ledger.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertMapping(ctx, s.db, m)
}

func (s *Store) UpdateMapping(ctx context.Context, m *ledger.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateMapping(ctx, s.db, m)
}

func (s *Store) ListMappings(ctx context.Context, filter ledger.MappingFilter) ([]ledger.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listMappings(ctx, s.db, filter)
}

func getMapping(ctx context.Context, q querier, id string) (*ledger.Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings WHERE id = ?`
	m, err := scanMapping(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mapping %s: %w", id, ledger.ErrMappingNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

func insertMapping(ctx context.Context, q querier, m *ledger.Mapping) error {
	query := `INSERT INTO mappings (` + mappingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	m.Version = 1
	_, err := q.ExecContext(ctx, query,
		m.ID, m.ConsultantID, m.ClientID,
		m.TotalSessions, m.UsedSessions, m.RemainingSessions,
		m.Status, m.PackageName, m.PackagePrice, m.PaymentStatus,
		m.PaymentMethod, m.PaymentReference, m.Notes,
		formatTime(m.StartDate), formatTimePtr(m.EndDate), formatTimePtr(m.TerminatedAt),
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt), m.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("mapping %s already exists: %w", m.ID, ledger.ErrInvalidInput)
		}
		return fmt.Errorf("failed to insert mapping: %w", err)
	}
	return nil
}

func updateMapping(ctx context.Context, q querier, m *ledger.Mapping) error {
	query := `
		UPDATE mappings SET
			consultant_id = ?, client_id = ?,
			total_sessions = ?, used_sessions = ?, remaining_sessions = ?,
			status = ?, package_name = ?, package_price = ?, payment_status = ?,
			payment_method = ?, payment_reference = ?, notes = ?,
			start_date = ?, end_date = ?, terminated_at = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`

	res, err := q.ExecContext(ctx, query,
		m.ConsultantID, m.ClientID,
		m.TotalSessions, m.UsedSessions, m.RemainingSessions,
		m.Status, m.PackageName, m.PackagePrice, m.PaymentStatus,
		m.PaymentMethod, m.PaymentReference, m.Notes,
		formatTime(m.StartDate), formatTimePtr(m.EndDate), formatTimePtr(m.TerminatedAt),
		formatTime(m.UpdatedAt),
		m.ID, m.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
	}
	if n == 0 {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM mappings WHERE id = ?`, m.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to update mapping: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("mapping %s: %w", m.ID, ledger.ErrMappingNotFound)
		}
		return fmt.Errorf("mapping %s version %d: %w", m.ID, m.Version, ledger.ErrConcurrentModification)
	}

	m.Version++
	return nil
}

func listMappings(ctx context.Context, q querier, filter ledger.MappingFilter) ([]ledger.Mapping, error) {
	var where []string
	var args []any
	if filter.ConsultantID != "" {
		where = append(where, "consultant_id = ?")
		args = append(args, filter.ConsultantID)
	}
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + mappingColumns + ` FROM mappings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_date ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []ledger.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(row scanner) (*ledger.Mapping, error) {
	var m ledger.Mapping
	var paymentRef, endDate, terminatedAt sql.NullString
	var startDate, createdAt, updatedAt string

	if err := row.Scan(
		&m.ID, &m.ConsultantID, &m.ClientID,
		&m.TotalSessions, &m.UsedSessions, &m.RemainingSessions,
		&m.Status, &m.PackageName, &m.PackagePrice, &m.PaymentStatus,
		&m.PaymentMethod, &paymentRef, &m.Notes,
		&startDate, &endDate, &terminatedAt,
		&createdAt, &updatedAt, &m.Version,
	); err != nil {
		return nil, err
	}

	m.PaymentReference = stringPtr(paymentRef)
	m.StartDate = parseTime(startDate)
	m.EndDate = parseTimePtr(endDate)
	m.TerminatedAt = parseTimePtr(terminatedAt)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// =============================================================================
// EXTENSION REQUESTS
// =============================================================================

const extensionColumns = `id, mapping_id, requester_id, additional_sessions, package_name,
	package_price, reason, status, payment_method, payment_reference, confirmed_at,
	admin_id, admin_comment, approved_at, rejection_reason, rejected_at, completed_at,
	created_at, updated_at`

func (s *Store) GetExtension(ctx context.Context, id string) (*ledger.ExtensionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getExtension(ctx, s.db, id)
}

func (s *Store) SaveExtension(ctx context.Context, r *ledger.ExtensionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveExtension(ctx, s.db, r)
}

// ListExtensions returns extension requests, newest first.
func (s *Store) ListExtensions(ctx context.Context, filter ledger.ExtensionFilter) ([]ledger.ExtensionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if filter.MappingID != "" {
		where = append(where, "mapping_id = ?")
		args = append(args, filter.MappingID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + extensionColumns + ` FROM extension_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list extension requests: %w", err)
	}
	defer rows.Close()

	var requests []ledger.ExtensionRequest
	for rows.Next() {
		r, err := scanExtension(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

func getExtension(ctx context.Context, q querier, id string) (*ledger.ExtensionRequest, error) {
	query := `SELECT ` + extensionColumns + ` FROM extension_requests WHERE id = ?`
	r, err := scanExtension(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("extension request %s: %w", id, ledger.ErrRequestNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get extension request: %w", err)
	}
	return r, nil
}

func saveExtension(ctx context.Context, q querier, r *ledger.ExtensionRequest) error {
	query := `
		INSERT INTO extension_requests (` + extensionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			additional_sessions = excluded.additional_sessions,
			package_name = excluded.package_name,
			package_price = excluded.package_price,
			reason = excluded.reason,
			status = excluded.status,
			payment_method = excluded.payment_method,
			payment_reference = excluded.payment_reference,
			confirmed_at = excluded.confirmed_at,
			admin_id = excluded.admin_id,
			admin_comment = excluded.admin_comment,
			approved_at = excluded.approved_at,
			rejection_reason = excluded.rejection_reason,
			rejected_at = excluded.rejected_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err := q.ExecContext(ctx, query,
		r.ID, r.MappingID, r.RequesterID, r.AdditionalSessions, r.PackageName,
		r.PackagePrice, r.Reason, r.Status, r.PaymentMethod, r.PaymentReference,
		formatTimePtr(r.ConfirmedAt), r.AdminID, r.AdminComment, formatTimePtr(r.ApprovedAt),
		r.RejectionReason, formatTimePtr(r.RejectedAt), formatTimePtr(r.CompletedAt),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save extension request: %w", err)
	}
	return nil
}

func scanExtension(row scanner) (*ledger.ExtensionRequest, error) {
	var r ledger.ExtensionRequest
	var paymentRef, confirmedAt, approvedAt, rejectedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&r.ID, &r.MappingID, &r.RequesterID, &r.AdditionalSessions, &r.PackageName,
		&r.PackagePrice, &r.Reason, &r.Status, &r.PaymentMethod, &paymentRef,
		&confirmedAt, &r.AdminID, &r.AdminComment, &approvedAt,
		&r.RejectionReason, &rejectedAt, &completedAt,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	r.PaymentReference = stringPtr(paymentRef)
	r.ConfirmedAt = parseTimePtr(confirmedAt)
	r.ApprovedAt = parseTimePtr(approvedAt)
	r.RejectedAt = parseTimePtr(rejectedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// =============================================================================
// REFUND REQUESTS
// =============================================================================

const refundColumns = `id, mapping_id, requester_id, approver_id, refund_sessions,
	refund_amount, reason, reason_code, status, rejection_reason, erp_status,
	erp_reference, erp_message, erp_attempts, created_at, approved_at, rejected_at,
	completed_at, updated_at`

func (s *Store) GetRefund(ctx context.Context, id string) (*ledger.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRefund(ctx, s.db, id)
}

func (s *Store) SaveRefund(ctx context.Context, r *ledger.RefundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRefund(ctx, s.db, r)
}

// ListRefunds returns refund requests, newest first.
func (s *Store) ListRefunds(ctx context.Context, filter ledger.RefundFilter) ([]ledger.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if filter.MappingID != "" {
		where = append(where, "mapping_id = ?")
		args = append(args, filter.MappingID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(filter.ErpStatuses) > 0 {
		placeholders := make([]string, len(filter.ErpStatuses))
		for i, st := range filter.ErpStatuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "erp_status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + refundColumns + ` FROM refund_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list refund requests: %w", err)
	}
	defer rows.Close()

	var requests []ledger.RefundRequest
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

func getRefund(ctx context.Context, q querier, id string) (*ledger.RefundRequest, error) {
	query := `SELECT ` + refundColumns + ` FROM refund_requests WHERE id = ?`
	r, err := scanRefund(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("refund request %s: %w", id, ledger.ErrRequestNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund request: %w", err)
	}
	return r, nil
}

func saveRefund(ctx context.Context, q querier, r *ledger.RefundRequest) error {
	query := `
		INSERT INTO refund_requests (` + refundColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			approver_id = excluded.approver_id,
			refund_sessions = excluded.refund_sessions,
			refund_amount = excluded.refund_amount,
			reason = excluded.reason,
			reason_code = excluded.reason_code,
			status = excluded.status,
			rejection_reason = excluded.rejection_reason,
			erp_status = excluded.erp_status,
			erp_reference = excluded.erp_reference,
			erp_message = excluded.erp_message,
			erp_attempts = excluded.erp_attempts,
			approved_at = excluded.approved_at,
			rejected_at = excluded.rejected_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err := q.ExecContext(ctx, query,
		r.ID, r.MappingID, r.RequesterID, r.ApproverID, r.RefundSessions,
		r.RefundAmount.String(), r.Reason, r.ReasonCode, r.Status, r.RejectionReason,
		r.ErpStatus, r.ErpReference, r.ErpMessage, r.ErpAttempts,
		formatTime(r.CreatedAt), formatTimePtr(r.ApprovedAt), formatTimePtr(r.RejectedAt),
		formatTimePtr(r.CompletedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save refund request: %w", err)
	}
	return nil
}

func scanRefund(row scanner) (*ledger.RefundRequest, error) {
	var r ledger.RefundRequest
	var amount, createdAt, updatedAt string
	var approvedAt, rejectedAt, completedAt sql.NullString

	if err := row.Scan(
		&r.ID, &r.MappingID, &r.RequesterID, &r.ApproverID, &r.RefundSessions,
		&amount, &r.Reason, &r.ReasonCode, &r.Status, &r.RejectionReason,
		&r.ErpStatus, &r.ErpReference, &r.ErpMessage, &r.ErpAttempts,
		&createdAt, &approvedAt, &rejectedAt, &completedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	refundAmount, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("refund %s: bad amount %q: %w", r.ID, amount, err)
	}
	r.RefundAmount = refundAmount
	r.CreatedAt = parseTime(createdAt)
	r.ApprovedAt = parseTimePtr(approvedAt)
	r.RejectedAt = parseTimePtr(rejectedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// =============================================================================
// CONSISTENCY RUNS
// =============================================================================

// SaveRun inserts or updates a consistency run.
func (s *Store) SaveRun(ctx context.Context, run ledger.ConsistencyRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO consistency_runs (id, kind, status, checked, invalid, fixed, error,
			started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			checked = excluded.checked,
			invalid = excluded.invalid,
			fixed = excluded.fixed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Kind, run.Status, run.Checked, run.Invalid, run.Fixed, run.Error,
		formatTime(run.StartedAt), formatTimePtr(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save consistency run: %w", err)
	}
	return nil
}

// ListRuns returns consistency runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]ledger.ConsistencyRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, status, checked, invalid, fixed, error, started_at, completed_at
		FROM consistency_runs
		ORDER BY started_at DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list consistency runs: %w", err)
	}
	defer rows.Close()

	var runs []ledger.ConsistencyRun
	for rows.Next() {
		var r ledger.ConsistencyRun
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(
			&r.ID, &r.Kind, &r.Status, &r.Checked, &r.Invalid, &r.Fixed, &r.Error,
			&startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseTimePtr(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetMapping(ctx context.Context, id string) (*ledger.Mapping, error) {
	return getMapping(ctx, ts.tx, id)
}

func (ts *txStore) InsertMapping(ctx context.Context, m *ledger.Mapping) error {
	return insertMapping(ctx, ts.tx, m)
}

func (ts *txStore) UpdateMapping(ctx context.Context, m *ledger.Mapping) error {
	return updateMapping(ctx, ts.tx, m)
}

func (ts *txStore) ListMappings(ctx context.Context, filter ledger.MappingFilter) ([]ledger.Mapping, error) {
	return listMappings(ctx, ts.tx, filter)
}

func (ts *txStore) GetExtension(ctx context.Context, id string) (*ledger.ExtensionRequest, error) {
	return getExtension(ctx, ts.tx, id)
}

func (ts *txStore) SaveExtension(ctx context.Context, r *ledger.ExtensionRequest) error {
	return saveExtension(ctx, ts.tx, r)
}

func (ts *txStore) GetRefund(ctx context.Context, id string) (*ledger.RefundRequest, error) {
	return getRefund(ctx, ts.tx, id)
}

func (ts *txStore) SaveRefund(ctx context.Context, r *ledger.RefundRequest) error {
	return saveRefund(ctx, ts.tx, r)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"refund_requests", "extension_requests", "consistency_runs", "mappings"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
