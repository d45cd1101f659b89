/*
ledger.go - Session Ledger: the single authoritative mutation path

PURPOSE:
  Runs the balance mutators from session.go against the Store so that
  concurrent callers (consultation completion, extension completion, refund
  approval, repair) never lose an update.

MUTATION PROTOCOL:
  1. Acquire the per-mapping lock (in-process mutex or redis token lock)
  2. Open a store transaction, re-read the mapping inside it
  3. Apply the mutation (plus any request-row writes by the caller)
  4. Compare-and-swap save on Mapping.Version
  5. Commit, release the lock
  6. Notify the observer (consistency engine) with the committed state

  A version conflict rolls the transaction back and retries from step 2,
  at most MaxRetries times. The lock makes conflicts rare within one
  process; the version check catches writers outside it.

OBSERVER:
  After every committed mutation except repairs, the Observer is called
  synchronously. The consistency engine validates the mapping there and
  queues it for repair if the balance invariants fail.

EXAMPLE:
  l := ledger.NewLedger(store, lock.NewLocal(), logger)
  m, err := l.Consume(ctx, "mapping-123")
  if errors.Is(err, ledger.ErrInsufficientSessions) {
      // exhausted
  }

SEE ALSO:
  - session.go: Pure balance mutators
  - store.go: Store / Tx interfaces
  - lock/: Locker implementations
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindgarden/session-ledger/metrics"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Locker serializes mutations of one mapping across goroutines (and, for
// the redis implementation, across processes).
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned
	// function releases the lock.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Observer is notified after a mutation commits.
type Observer interface {
	AfterMutation(ctx context.Context, m Mapping)
}

// MutateFunc applies a change to m inside a transaction. It may also write
// request rows through tx; they commit or roll back with the mapping.
type MutateFunc func(ctx context.Context, tx Tx, m *Mapping) error

const defaultMaxRetries = 3

// errNoChange lets a MutateFunc skip the save without failing the call.
var errNoChange = errors.New("no change")

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store      Store
	Locker     Locker
	Log        *zap.Logger
	MaxRetries int
	Now        func() time.Time

	observer Observer
}

// NewLedger creates a ledger over store. locker must not be nil.
func NewLedger(store Store, locker Locker, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		Store:      store,
		Locker:     locker,
		Log:        log,
		MaxRetries: defaultMaxRetries,
		Now:        time.Now,
	}
}

// SetObserver registers the post-commit observer.
func (l *Ledger) SetObserver(o Observer) {
	l.observer = o
}

// Mutate runs fn against the mapping under the full mutation protocol and
// returns the committed mapping.
func (l *Ledger) Mutate(ctx context.Context, mappingID, op string, fn MutateFunc) (*Mapping, error) {
	return l.mutate(ctx, mappingID, op, true, nil, fn)
}

// mutate runs the protocol. locked, when set, runs once after the lock is
// taken and before the first transaction.
func (l *Ledger) mutate(ctx context.Context, mappingID, op string, observe bool, locked func(context.Context) error, fn MutateFunc) (*Mapping, error) {
	if strings.TrimSpace(mappingID) == "" {
		return nil, fmt.Errorf("%s: empty mapping id: %w", op, ErrInvalidInput)
	}

	unlock, err := l.Locker.Lock(ctx, lockKey(mappingID))
	if err != nil {
		metrics.ObserveMutation(op, string(OutcomeConflict))
		return nil, fmt.Errorf("%s %s: %w", op, mappingID, err)
	}
	defer unlock()

	if locked != nil {
		if err := locked(ctx); err != nil {
			metrics.ObserveMutation(op, string(Classify(err)))
			return nil, fmt.Errorf("%s %s: %w", op, mappingID, err)
		}
	}

	var committed *Mapping
	unchanged := false
	for attempt := 0; ; attempt++ {
		err = l.Store.WithTx(ctx, func(tx Tx) error {
			m, err := tx.GetMapping(ctx, mappingID)
			if err != nil {
				return err
			}
			if err := fn(ctx, tx, m); err != nil {
				return err
			}
			m.UpdatedAt = l.Now()
			if err := tx.UpdateMapping(ctx, m); err != nil {
				return err
			}
			committed = m
			return nil
		})
		if errors.Is(err, errNoChange) {
			unchanged = true
			err = nil
		}
		if err == nil || !errors.Is(err, ErrConcurrentModification) || attempt >= l.MaxRetries {
			break
		}
		l.Log.Warn("ledger: version conflict, retrying",
			zap.String("mapping_id", mappingID),
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
		)
	}

	metrics.ObserveMutation(op, string(Classify(err)))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, mappingID, err)
	}
	if unchanged {
		m, err := l.Store.GetMapping(ctx, mappingID)
		return m, err
	}

	l.Log.Info("ledger: mapping updated",
		zap.String("mapping_id", committed.ID),
		zap.String("operation", op),
		zap.Int("total", committed.TotalSessions),
		zap.Int("used", committed.UsedSessions),
		zap.Int("remaining", committed.RemainingSessions),
		zap.String("status", string(committed.Status)),
		zap.Int64("version", committed.Version),
	)

	if observe && l.observer != nil {
		l.observer.AfterMutation(ctx, *committed)
	}
	return committed, nil
}

func lockKey(mappingID string) string {
	return "mapping:" + mappingID
}

// =============================================================================
// MAPPING LIFECYCLE
// =============================================================================

// NewMapping describes an initial package purchase.
type NewMapping struct {
	ConsultantID  string
	ClientID      string
	PackageName   string
	TotalSessions int
	PackagePrice  int64
	PaymentStatus PaymentStatus
	PaymentMethod string
	StartDate     time.Time
}

// CreateMapping creates an ACTIVE mapping with nothing used.
func (l *Ledger) CreateMapping(ctx context.Context, in NewMapping) (*Mapping, error) {
	if strings.TrimSpace(in.ConsultantID) == "" || strings.TrimSpace(in.ClientID) == "" {
		return nil, fmt.Errorf("create mapping: consultant and client are required: %w", ErrInvalidInput)
	}
	if in.TotalSessions <= 0 {
		return nil, fmt.Errorf("create mapping with %d sessions: %w", in.TotalSessions, ErrInvalidSessionCount)
	}
	if in.PackagePrice < 0 {
		return nil, fmt.Errorf("create mapping: negative package price: %w", ErrInvalidInput)
	}

	now := l.Now()
	start := in.StartDate
	if start.IsZero() {
		start = now
	}
	payment := in.PaymentStatus
	if payment == "" {
		payment = PaymentPending
	}

	m := &Mapping{
		ID:                uuid.NewString(),
		ConsultantID:      in.ConsultantID,
		ClientID:          in.ClientID,
		TotalSessions:     in.TotalSessions,
		UsedSessions:      0,
		RemainingSessions: in.TotalSessions,
		Status:            MappingActive,
		PackageName:       in.PackageName,
		PackagePrice:      in.PackagePrice,
		PaymentStatus:     payment,
		PaymentMethod:     in.PaymentMethod,
		StartDate:         start,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.AppendNote(FormatNote(now, "매핑 생성",
		fmt.Sprintf("%s %d회기 (%d원)", in.PackageName, in.TotalSessions, in.PackagePrice)))

	if err := l.Store.InsertMapping(ctx, m); err != nil {
		return nil, fmt.Errorf("create mapping: %w", err)
	}

	l.Log.Info("ledger: mapping created",
		zap.String("mapping_id", m.ID),
		zap.String("consultant_id", m.ConsultantID),
		zap.String("client_id", m.ClientID),
		zap.Int("total", m.TotalSessions),
	)
	return m, nil
}

// Get returns one mapping.
func (l *Ledger) Get(ctx context.Context, id string) (*Mapping, error) {
	return l.Store.GetMapping(ctx, id)
}

// List returns mappings matching filter.
func (l *Ledger) List(ctx context.Context, filter MappingFilter) ([]Mapping, error) {
	return l.Store.ListMappings(ctx, filter)
}

// Terminate ends a mapping by explicit action.
func (l *Ledger) Terminate(ctx context.Context, id, reason string) (*Mapping, error) {
	return l.Mutate(ctx, id, "terminate", func(_ context.Context, _ Tx, m *Mapping) error {
		return Terminate(m, reason, l.Now())
	})
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// Consume records one completed consultation on the mapping.
func (l *Ledger) Consume(ctx context.Context, id string) (*Mapping, error) {
	return l.Mutate(ctx, id, "consume", func(_ context.Context, _ Tx, m *Mapping) error {
		return ConsumeOne(m, l.Now())
	})
}

// ConsumeForPair consumes one session from the oldest ACTIVE mapping of the
// consultant/client pair that still has sessions.
func (l *Ledger) ConsumeForPair(ctx context.Context, consultantID, clientID string) (*Mapping, error) {
	all, err := l.Store.ListMappings(ctx, MappingFilter{ConsultantID: consultantID, ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("consume for pair: %w", err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("consume for pair %s/%s: %w", consultantID, clientID, ErrMappingNotFound)
	}

	for _, c := range all {
		if c.Status != MappingActive || c.RemainingSessions <= 0 {
			continue
		}
		m, err := l.Consume(ctx, c.ID)
		if err == nil {
			return m, nil
		}
		// Lost a race for the last session; try the next mapping.
		if errors.Is(err, ErrInsufficientSessions) || errors.Is(err, ErrMappingTerminated) {
			continue
		}
		return nil, err
	}

	return nil, &InsufficientSessionsError{MappingID: all[0].ID, Remaining: 0}
}

// AddSessions adds purchased sessions outside any workflow (admin top-up).
func (l *Ledger) AddSessions(ctx context.Context, id string, count int, packageName string, packagePrice int64) (*Mapping, error) {
	return l.Mutate(ctx, id, "add_sessions", func(_ context.Context, _ Tx, m *Mapping) error {
		return AddSessions(m, count, packageName, packagePrice, l.Now())
	})
}

// Reconcile repairs the balance of one mapping through the locked path.
// Sessions returned by approved refunds are counted under the mapping lock,
// which refund approval also takes. The violation is re-checked inside the
// transaction; when the mapping is already consistent nothing is written
// and changed is false. The observer is not notified.
func (l *Ledger) Reconcile(ctx context.Context, id string) (m *Mapping, changed bool, err error) {
	refunded := 0
	countRefunds := func(ctx context.Context) error {
		n, err := l.RefundedSessions(ctx, id)
		refunded = n
		return err
	}
	m, err = l.mutate(ctx, id, "repair", false, countRefunds, func(_ context.Context, _ Tx, m *Mapping) error {
		changed = ReconcileBalance(m, refunded, l.Now())
		if !changed {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return m, changed, nil
}

// RefundedSessions sums the sessions of APPROVED and COMPLETED refunds on
// the mapping.
func (l *Ledger) RefundedSessions(ctx context.Context, mappingID string) (int, error) {
	refunds, err := l.Store.ListRefunds(ctx, RefundFilter{MappingID: mappingID})
	if err != nil {
		return 0, fmt.Errorf("list refunds of %s: %w", mappingID, err)
	}
	total := 0
	for _, r := range refunds {
		if r.Status == RefundApproved || r.Status == RefundCompleted {
			total += r.RefundSessions
		}
	}
	return total, nil
}
