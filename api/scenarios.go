/*
scenarios.go - Demo scenarios for the admin frontend

PURPOSE:
  Loads a known ledger state so the workflows can be walked through by
  hand. Loading a scenario wipes the store first.

SCENARIOS:
  exhausted-then-extended  10 sessions fully used, then 5 added (15/10/5)
  fast-path-extension      Exhausted mapping with a PENDING 4-session
                           extension; confirm-payment completes it
  partial-refund           10/2/8 mapping at 500,000 with a 3-session
                           refund awaiting approval
  drifted-balance          Mapping whose remaining count disagrees with
                           total-used, plus a healthy sibling for the pair

SEE ALSO:
  - handlers.go: Handler context
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mindgarden/session-ledger/extension"
	"github.com/mindgarden/session-ledger/ledger"
	"github.com/mindgarden/session-ledger/refund"
)

var scenarios = []ScenarioDTO{
	{
		ID:          "exhausted-then-extended",
		Name:        "Exhausted, then extended",
		Description: "A 10-session package used up, then topped up with a 5-session 추가패키지 at 250,000.",
	},
	{
		ID:          "fast-path-extension",
		Name:        "Fast-path extension",
		Description: "An exhausted mapping with a PENDING 4-session extension at 200,000. Confirming payment completes it in one call.",
	},
	{
		ID:          "partial-refund",
		Name:        "Partial refund",
		Description: "A 500,000 package with 2 of 10 sessions used and a 3-session refund (150,000) awaiting approval.",
	},
	{
		ID:          "drifted-balance",
		Name:        "Drifted balance",
		Description: "A mapping whose remaining count disagrees with total minus used. Run a repair to fix it.",
	},
}

// ScenarioResult lists what a loaded scenario created.
type ScenarioResult struct {
	Status       string   `json:"status"`
	Scenario     string   `json:"scenario"`
	MappingIDs   []string `json:"mapping_ids"`
	ExtensionIDs []string `json:"extension_ids"`
	RefundIDs    []string `json:"refund_ids"`
}

type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns all available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the loaded scenario, or null.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario wipes the store and loads a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var load func(ctx context.Context, res *ScenarioResult) error
	switch req.ScenarioID {
	case "exhausted-then-extended":
		load = h.loadExhaustedThenExtended
	case "fast-path-extension":
		load = h.loadFastPathExtension
	case "partial-refund":
		load = h.loadPartialRefund
	case "drifted-balance":
		load = h.loadDriftedBalance
	default:
		writeError(w, http.StatusBadRequest, "unknown_scenario", "Unknown scenario", req.ScenarioID)
		return
	}

	store, ok := h.Ledger.Store.(resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "reset_unsupported", "Store cannot be reset", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := store.Reset(ctx); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("reset store: %w", err))
		return
	}
	h.currentScenario = ""

	res := ScenarioResult{
		Status:       "loaded",
		Scenario:     req.ScenarioID,
		MappingIDs:   []string{},
		ExtensionIDs: []string{},
		RefundIDs:    []string{},
	}
	if err := load(ctx, &res); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) createScenarioMapping(ctx context.Context, consultant, client string, total int, price int64, used int) (*ledger.Mapping, error) {
	m, err := h.Ledger.CreateMapping(ctx, ledger.NewMapping{
		ConsultantID:  consultant,
		ClientID:      client,
		PackageName:   fmt.Sprintf("기본 %d회기 패키지", total),
		TotalSessions: total,
		PackagePrice:  price,
		PaymentStatus: ledger.PaymentApproved,
		PaymentMethod: "CARD",
	})
	if err != nil {
		return nil, err
	}
	for range used {
		if m, err = h.Ledger.Consume(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (h *Handler) loadExhaustedThenExtended(ctx context.Context, res *ScenarioResult) error {
	m, err := h.createScenarioMapping(ctx, "consultant-kim", "client-park", 10, 500000, 10)
	if err != nil {
		return err
	}
	if _, err := h.Ledger.Consume(ctx, m.ID); !errors.Is(err, ledger.ErrInsufficientSessions) {
		return fmt.Errorf("consume on exhausted mapping: got %v", err)
	}
	if _, err := h.Ledger.AddSessions(ctx, m.ID, 5, "추가패키지", 250000); err != nil {
		return err
	}
	res.MappingIDs = append(res.MappingIDs, m.ID)
	return nil
}

func (h *Handler) loadFastPathExtension(ctx context.Context, res *ScenarioResult) error {
	m, err := h.createScenarioMapping(ctx, "consultant-choi", "client-jung", 10, 500000, 10)
	if err != nil {
		return err
	}
	ext, err := h.Extensions.Create(ctx, extension.CreateInput{
		MappingID:          m.ID,
		RequesterID:        "client-jung",
		AdditionalSessions: 4,
		PackageName:        "추가 4회기",
		PackagePrice:       200000,
		Reason:             "상담 연장",
	})
	if err != nil {
		return err
	}
	res.MappingIDs = append(res.MappingIDs, m.ID)
	res.ExtensionIDs = append(res.ExtensionIDs, ext.ID)
	return nil
}

func (h *Handler) loadPartialRefund(ctx context.Context, res *ScenarioResult) error {
	m, err := h.createScenarioMapping(ctx, "consultant-han", "client-yoon", 10, 500000, 2)
	if err != nil {
		return err
	}
	rf, err := h.Refunds.Create(ctx, refund.CreateInput{
		MappingID:      m.ID,
		RequesterID:    "client-yoon",
		RefundSessions: 3,
		Reason:         "개인 사정",
		ReasonCode:     "PERSONAL",
	})
	if err != nil {
		return err
	}
	res.MappingIDs = append(res.MappingIDs, m.ID)
	res.RefundIDs = append(res.RefundIDs, rf.ID)
	return nil
}

func (h *Handler) loadDriftedBalance(ctx context.Context, res *ScenarioResult) error {
	drifted, err := h.createScenarioMapping(ctx, "consultant-lim", "client-kang", 10, 500000, 7)
	if err != nil {
		return err
	}
	healthy, err := h.createScenarioMapping(ctx, "consultant-lim", "client-kang", 5, 250000, 1)
	if err != nil {
		return err
	}

	// Written behind the ledger's back so no observer sees it.
	stored, err := h.Ledger.Store.GetMapping(ctx, drifted.ID)
	if err != nil {
		return err
	}
	stored.RemainingSessions = 5
	if err := h.Ledger.Store.UpdateMapping(ctx, stored); err != nil {
		return err
	}

	res.MappingIDs = append(res.MappingIDs, drifted.ID, healthy.ID)
	return nil
}
