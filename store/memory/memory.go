// Package memory provides an in-memory ledger.Store (for tests and demos).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mindgarden/session-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu         sync.RWMutex
	mappings   map[string]ledger.Mapping
	extensions map[string]ledger.ExtensionRequest
	refunds    map[string]ledger.RefundRequest
	runs       map[string]ledger.ConsistencyRun
}

var _ ledger.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		mappings:   make(map[string]ledger.Mapping),
		extensions: make(map[string]ledger.ExtensionRequest),
		refunds:    make(map[string]ledger.RefundRequest),
		runs:       make(map[string]ledger.ConsistencyRun),
	}
}

func (s *Store) GetMapping(_ context.Context, id string) (*ledger.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMapping(id)
}

func (s *Store) InsertMapping(_ context.Context, m *ledger.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertMapping(m)
}

func (s *Store) UpdateMapping(_ context.Context, m *ledger.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateMapping(m)
}

func (s *Store) ListMappings(_ context.Context, filter ledger.MappingFilter) ([]ledger.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listMappings(filter), nil
}

func (s *Store) GetExtension(_ context.Context, id string) (*ledger.ExtensionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getExtension(id)
}

func (s *Store) SaveExtension(_ context.Context, r *ledger.ExtensionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extensions[r.ID] = *r
	return nil
}

func (s *Store) GetRefund(_ context.Context, id string) (*ledger.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRefund(id)
}

func (s *Store) SaveRefund(_ context.Context, r *ledger.RefundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds[r.ID] = *r
	return nil
}

func (s *Store) ListExtensions(_ context.Context, filter ledger.ExtensionFilter) ([]ledger.ExtensionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ledger.ExtensionRequest
	for _, r := range s.extensions {
		if filter.MappingID != "" && r.MappingID != filter.MappingID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) ListRefunds(_ context.Context, filter ledger.RefundFilter) ([]ledger.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ledger.RefundRequest
	for _, r := range s.refunds {
		if filter.MappingID != "" && r.MappingID != filter.MappingID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if len(filter.ErpStatuses) > 0 && !containsErp(filter.ErpStatuses, r.ErpStatus) {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) SaveRun(_ context.Context, run ledger.ConsistencyRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *Store) ListRuns(_ context.Context, limit int) ([]ledger.ConsistencyRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]ledger.ConsistencyRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Reset clears all data (for demos).
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = make(map[string]ledger.Mapping)
	s.extensions = make(map[string]ledger.ExtensionRequest)
	s.refunds = make(map[string]ledger.RefundRequest)
	s.runs = make(map[string]ledger.ConsistencyRun)
	return nil
}

// =============================================================================
// UNLOCKED HELPERS - callers hold s.mu
// =============================================================================

func (s *Store) getMapping(id string) (*ledger.Mapping, error) {
	m, ok := s.mappings[id]
	if !ok {
		return nil, fmt.Errorf("mapping %s: %w", id, ledger.ErrMappingNotFound)
	}
	return &m, nil
}

func (s *Store) insertMapping(m *ledger.Mapping) error {
	if _, exists := s.mappings[m.ID]; exists {
		return fmt.Errorf("mapping %s already exists: %w", m.ID, ledger.ErrInvalidInput)
	}
	m.Version = 1
	s.mappings[m.ID] = *m
	return nil
}

func (s *Store) updateMapping(m *ledger.Mapping) error {
	stored, ok := s.mappings[m.ID]
	if !ok {
		return fmt.Errorf("mapping %s: %w", m.ID, ledger.ErrMappingNotFound)
	}
	if stored.Version != m.Version {
		return fmt.Errorf("mapping %s at version %d, have %d: %w",
			m.ID, stored.Version, m.Version, ledger.ErrConcurrentModification)
	}
	m.Version++
	s.mappings[m.ID] = *m
	return nil
}

func (s *Store) listMappings(filter ledger.MappingFilter) []ledger.Mapping {
	var result []ledger.Mapping
	for _, m := range s.mappings {
		if filter.ConsultantID != "" && m.ConsultantID != filter.ConsultantID {
			continue
		}
		if filter.ClientID != "" && m.ClientID != filter.ClientID {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartDate.Equal(result[j].StartDate) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartDate.Before(result[j].StartDate)
	})
	return result
}

func (s *Store) getExtension(id string) (*ledger.ExtensionRequest, error) {
	r, ok := s.extensions[id]
	if !ok {
		return nil, fmt.Errorf("extension request %s: %w", id, ledger.ErrRequestNotFound)
	}
	return &r, nil
}

func (s *Store) getRefund(id string) (*ledger.RefundRequest, error) {
	r, ok := s.refunds[id]
	if !ok {
		return nil, fmt.Errorf("refund request %s: %w", id, ledger.ErrRequestNotFound)
	}
	return &r, nil
}

func containsErp(list []ledger.ErpStatus, s ledger.ErpStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on error.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()

	if err := fn(&txView{parent: s}); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	mappings   map[string]ledger.Mapping
	extensions map[string]ledger.ExtensionRequest
	refunds    map[string]ledger.RefundRequest
}

func (s *Store) snapshot() memorySnapshot {
	snap := memorySnapshot{
		mappings:   make(map[string]ledger.Mapping, len(s.mappings)),
		extensions: make(map[string]ledger.ExtensionRequest, len(s.extensions)),
		refunds:    make(map[string]ledger.RefundRequest, len(s.refunds)),
	}
	for k, v := range s.mappings {
		snap.mappings[k] = v
	}
	for k, v := range s.extensions {
		snap.extensions[k] = v
	}
	for k, v := range s.refunds {
		snap.refunds[k] = v
	}
	return snap
}

func (s *Store) restore(snap memorySnapshot) {
	s.mappings = snap.mappings
	s.extensions = snap.extensions
	s.refunds = snap.refunds
}

// txView reads and writes the parent directly; the parent lock is held by WithTx.
type txView struct {
	parent *Store
}

func (tv *txView) GetMapping(_ context.Context, id string) (*ledger.Mapping, error) {
	return tv.parent.getMapping(id)
}

func (tv *txView) InsertMapping(_ context.Context, m *ledger.Mapping) error {
	return tv.parent.insertMapping(m)
}

func (tv *txView) UpdateMapping(_ context.Context, m *ledger.Mapping) error {
	return tv.parent.updateMapping(m)
}

func (tv *txView) ListMappings(_ context.Context, filter ledger.MappingFilter) ([]ledger.Mapping, error) {
	return tv.parent.listMappings(filter), nil
}

func (tv *txView) GetExtension(_ context.Context, id string) (*ledger.ExtensionRequest, error) {
	return tv.parent.getExtension(id)
}

func (tv *txView) SaveExtension(_ context.Context, r *ledger.ExtensionRequest) error {
	tv.parent.extensions[r.ID] = *r
	return nil
}

func (tv *txView) GetRefund(_ context.Context, id string) (*ledger.RefundRequest, error) {
	return tv.parent.getRefund(id)
}

func (tv *txView) SaveRefund(_ context.Context, r *ledger.RefundRequest) error {
	tv.parent.refunds[r.ID] = *r
	return nil
}
