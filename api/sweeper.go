/*
sweeper.go - Periodic consistency sweep

PURPOSE:
  Runs the consistency engine and the ERP retry on a fixed interval, so
  drift found by the ledger observer is repaired without an admin call.

EACH TICK:
  1. Repair the queued mappings (auto-repair only)
  2. Full pass: RepairAll with auto-repair, otherwise ValidateAll
  3. Resend failed ERP submissions (when enabled)

  A failing step is logged and the next step still runs. Ticks never
  overlap: a slow sweep delays the next one.

CONFIGURATION:
  - Interval:   How often to sweep (default: 5 minutes; <= 0 disables)
  - AutoRepair: Repair instead of only validating
  - RetryERP:   Resend FAILED/RETRY refunds to the ERP

USAGE:
  sweeper := NewSweeper(engine, refunds, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - consistency/engine.go: RepairQueued, RepairAll, ValidateAll
  - refund/workflow.go: RetryERP
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mindgarden/session-ledger/consistency"
	"github.com/mindgarden/session-ledger/refund"
)

// Sweeper drives the periodic consistency and ERP retry work.
type Sweeper struct {
	Engine     *consistency.Engine
	Refunds    *refund.Workflow
	Log        *zap.Logger
	Interval   time.Duration
	AutoRepair bool
	RetryERP   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper with a 5 minute interval, auto-repair and
// ERP retry enabled.
func NewSweeper(engine *consistency.Engine, refunds *refund.Workflow, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		Engine:     engine,
		Refunds:    refunds,
		Log:        log,
		Interval:   5 * time.Minute,
		AutoRepair: true,
		RetryERP:   true,
	}
}

// Start begins sweeping. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.Log.Info("sweeper: disabled")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.Log.Info("sweeper: started",
		zap.Duration("interval", s.Interval),
		zap.Bool("auto_repair", s.AutoRepair),
		zap.Bool("retry_erp", s.RetryERP),
	)
}

// Stop cancels a running sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.Log.Info("sweeper: stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass. Exported for tests and manual triggering.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.AutoRepair {
		if rep, err := s.Engine.RepairQueued(ctx); err != nil {
			s.Log.Error("sweeper: queued repair failed", zap.Error(err))
		} else if rep.Checked > 0 {
			s.Log.Info("sweeper: queued repair", zap.Int("checked", rep.Checked), zap.Int("fixed", rep.Fixed))
		}
		if _, err := s.Engine.RepairAll(ctx); err != nil {
			s.Log.Error("sweeper: repair failed", zap.Error(err))
		}
	} else if _, err := s.Engine.ValidateAll(ctx); err != nil {
		s.Log.Error("sweeper: validation failed", zap.Error(err))
	}

	if s.RetryERP && s.Refunds != nil && ctx.Err() == nil {
		rep, err := s.Refunds.RetryERP(ctx)
		if err != nil {
			s.Log.Error("sweeper: erp retry failed", zap.Error(err))
		} else if rep.Attempted > 0 {
			s.Log.Info("sweeper: erp retry",
				zap.Int("attempted", rep.Attempted),
				zap.Int("sent", rep.Sent),
				zap.Int("failed", rep.Failed),
			)
		}
	}
}
