/*
store.go - Persistence interface for mappings and workflow requests

PURPOSE:
  Defines the interface between the ledger/workflows and the database.
  Different implementations use SQLite, PostgreSQL (gorm), or memory.

KEY INTERFACES:
  Tx:    Operations available inside a transaction (row reads + writes)
  Store: Tx operations outside a transaction, plus WithTx, listings and
         consistency run records

COMPARE-AND-SWAP:
  UpdateMapping checks Mapping.Version against the stored row. On mismatch
  it returns ErrConcurrentModification and writes nothing. On success the
  caller's Version is incremented to match the stored row.

ATOMICITY:
  WithTx commits only when fn returns nil. A ledger mutation together with
  the request row that triggered it (e.g. extension COMPLETED + sessions
  added) is written in one WithTx call, so a failure never leaves the
  balance half-applied.

SNAPSHOT READS:
  ListMappings outside a transaction is a plain scan. The consistency sweep
  uses it and then re-reads each suspect row inside its own transaction.

IMPLEMENTATIONS:
  - store/sqlite: database/sql + go-sqlite3
  - store/postgres: gorm, SELECT ... FOR UPDATE inside WithTx
  - store/memory: snapshot rollback, for tests and demos

SEE ALSO:
  - ledger.go: Locked, retried mutation path using Store
*/
package ledger

import "context"

// =============================================================================
// TX - Row operations
// =============================================================================

// Tx is the set of row operations available both inside and outside a
// transaction. Get* return ErrMappingNotFound / ErrRequestNotFound.
type Tx interface {
	GetMapping(ctx context.Context, id string) (*Mapping, error)
	InsertMapping(ctx context.Context, m *Mapping) error
	// UpdateMapping saves m if m.Version matches the stored version.
	UpdateMapping(ctx context.Context, m *Mapping) error
	// ListMappings returns mappings ordered by start date, oldest first.
	ListMappings(ctx context.Context, filter MappingFilter) ([]Mapping, error)

	GetExtension(ctx context.Context, id string) (*ExtensionRequest, error)
	SaveExtension(ctx context.Context, r *ExtensionRequest) error

	GetRefund(ctx context.Context, id string) (*RefundRequest, error)
	SaveRefund(ctx context.Context, r *RefundRequest) error
}

// =============================================================================
// STORE - Transactional store
// =============================================================================

type Store interface {
	Tx

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// ListExtensions returns requests newest first.
	ListExtensions(ctx context.Context, filter ExtensionFilter) ([]ExtensionRequest, error)
	// ListRefunds returns requests newest first.
	ListRefunds(ctx context.Context, filter RefundFilter) ([]RefundRequest, error)

	SaveRun(ctx context.Context, run ConsistencyRun) error
	// ListRuns returns the most recent runs first. limit <= 0 means all.
	ListRuns(ctx context.Context, limit int) ([]ConsistencyRun, error)
}
