/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Mapping creation, consumption and termination over HTTP
- Error mapping (400/404/409/422)
- Extension fast path and refund approval end to end
- Consistency admin endpoints
*/
package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgarden/session-ledger/catalog"
	"github.com/mindgarden/session-ledger/consistency"
	"github.com/mindgarden/session-ledger/erp"
	"github.com/mindgarden/session-ledger/extension"
	"github.com/mindgarden/session-ledger/ledger"
	"github.com/mindgarden/session-ledger/lock"
	"github.com/mindgarden/session-ledger/notify"
	"github.com/mindgarden/session-ledger/refund"
	"github.com/mindgarden/session-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, 10, 19, 14, 5, 0, 0, time.UTC)

type testServer struct {
	handler *Handler
	router  *chi.Mux
	store   *sqlite.Store
	notes   *notify.Recorder
}

func setupTestHandler(t *testing.T) *Handler {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := ledger.NewLedger(store, lock.NewLocal(), nil)
	l.Now = func() time.Time { return testNow }

	rec := &notify.Recorder{}
	engine := consistency.NewEngine(l, rec, nil)
	engine.Now = l.Now
	l.SetObserver(engine)

	ext := extension.NewWorkflow(l, rec, erp.Nop{}, nil)
	ext.Catalog = catalog.Default()
	ext.Now = l.Now
	ref := refund.NewWorkflow(l, rec, erp.Nop{}, nil)
	ref.Now = l.Now

	return NewHandler(l, ext, ref, engine, catalog.Default(), nil)
}

func setupServer(t *testing.T) *testServer {
	h := setupTestHandler(t)
	return &testServer{
		handler: h,
		router:  NewRouter(h, RouterOptions{RateLimitPerMinute: 10000}),
		store:   h.Ledger.Store.(*sqlite.Store),
		notes:   h.Extensions.Notifier.(*notify.Recorder),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) createMapping(t *testing.T, total int, price int64) MappingDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/mappings", CreateMappingRequest{
		ConsultantID:  "consultant-1",
		ClientID:      "client-1",
		PackageName:   "기본 패키지",
		TotalSessions: total,
		PackagePrice:  price,
		PaymentStatus: "APPROVED",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[MappingDTO](t, rec)
}

// =============================================================================
// MAPPINGS
// =============================================================================

func TestCreateMapping_FromPackage(t *testing.T) {
	// GIVEN: The default catalog
	s := setupServer(t)

	// WHEN: Creating a mapping from the basic-10 package
	rec := s.do(t, http.MethodPost, "/api/mappings", CreateMappingRequest{
		ConsultantID: "consultant-1",
		ClientID:     "client-1",
		PackageID:    "basic-10",
		StartDate:    "2026-10-01",
	})

	// THEN: Sessions, name and price come from the catalog
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	m := decodeBody[MappingDTO](t, rec)
	assert.Equal(t, 10, m.TotalSessions)
	assert.Equal(t, 10, m.RemainingSessions)
	assert.Equal(t, "기본 10회기", m.PackageName)
	assert.Equal(t, int64(500000), m.PackagePrice)
	assert.Equal(t, "ACTIVE", m.Status)
	assert.Equal(t, "PENDING", m.PaymentStatus)
	assert.Equal(t, "2026-10-01T00:00:00Z", m.StartDate)
	assert.Len(t, m.Notes, 1)
}

func TestCreateMapping_ValidationErrors(t *testing.T) {
	s := setupServer(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"missing client", CreateMappingRequest{ConsultantID: "c", TotalSessions: 5}, "validation_failed"},
		{"bad date", CreateMappingRequest{ConsultantID: "c", ClientID: "k", TotalSessions: 5, StartDate: "19/10/2026"}, "validation_failed"},
		{"bad payment status", CreateMappingRequest{ConsultantID: "c", ClientID: "k", TotalSessions: 5, PaymentStatus: "PAID"}, "validation_failed"},
		{"zero sessions", CreateMappingRequest{ConsultantID: "c", ClientID: "k"}, "invalid_input"},
		{"unknown package", CreateMappingRequest{ConsultantID: "c", ClientID: "k", PackageID: "nope"}, "invalid_input"},
		{"not json", "{", "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/mappings", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestCreateMapping_ValidationReportsJSONFieldNames(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/api/mappings", map[string]any{"consultant_id": "c"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[struct {
		Details map[string]string `json:"details"`
	}](t, rec)
	assert.Equal(t, "required", resp.Details["client_id"])
}

func TestConsumeSession_UntilExhausted(t *testing.T) {
	// GIVEN: A 2-session mapping
	s := setupServer(t)
	m := s.createMapping(t, 2, 100000)
	path := "/api/mappings/" + m.ID + "/consume"

	// WHEN: Consuming three times
	first := s.do(t, http.MethodPost, path, nil)
	second := s.do(t, http.MethodPost, path, nil)
	third := s.do(t, http.MethodPost, path, nil)

	// THEN: The third call is a 422 and the mapping is SESSIONS_EXHAUSTED
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	got := decodeBody[MappingDTO](t, second)
	assert.Equal(t, 2, got.UsedSessions)
	assert.Equal(t, 0, got.RemainingSessions)
	assert.Equal(t, "SESSIONS_EXHAUSTED", got.Status)

	require.Equal(t, http.StatusUnprocessableEntity, third.Code)
	assert.Equal(t, "insufficient_sessions", decodeBody[ErrorResponse](t, third).Code)
}

func TestMapping_NotFound(t *testing.T) {
	s := setupServer(t)

	for _, path := range []string{"/api/mappings/missing", "/api/mappings/missing/validate", "/api/mappings/missing/refundable"} {
		rec := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "not_found", decodeBody[ErrorResponse](t, rec).Code, path)
	}
	rec := s.do(t, http.MethodPost, "/api/mappings/missing/consume", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminateMapping_EmptyBody(t *testing.T) {
	// GIVEN: An active mapping
	s := setupServer(t)
	m := s.createMapping(t, 5, 250000)

	// WHEN: Terminating without a body
	rec := s.do(t, http.MethodPost, "/api/mappings/"+m.ID+"/terminate", nil)

	// THEN: The mapping is TERMINATED and further consumption is rejected
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[MappingDTO](t, rec)
	assert.Equal(t, "TERMINATED", got.Status)
	assert.NotEmpty(t, got.TerminatedAt)

	rec = s.do(t, http.MethodPost, "/api/mappings/"+m.ID+"/consume", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "mapping_not_active", decodeBody[ErrorResponse](t, rec).Code)
}

func TestCompleteConsultation_PicksOldestActive(t *testing.T) {
	// GIVEN: Two mappings for the pair, the first one exhausted
	s := setupServer(t)
	first := s.createMapping(t, 1, 50000)
	second := s.createMapping(t, 3, 150000)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/mappings/"+first.ID+"/consume", nil).Code)

	// WHEN: The scheduling system reports a completed consultation
	rec := s.do(t, http.MethodPost, "/api/consultations/complete", CompleteConsultationRequest{
		ConsultantID: "consultant-1",
		ClientID:     "client-1",
	})

	// THEN: The session comes off the second mapping
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[MappingDTO](t, rec)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, 2, got.RemainingSessions)
}

func TestListMappings_Filters(t *testing.T) {
	s := setupServer(t)
	a := s.createMapping(t, 1, 50000)
	s.createMapping(t, 5, 250000)
	s.do(t, http.MethodPost, "/api/mappings/"+a.ID+"/consume", nil)

	rec := s.do(t, http.MethodGet, "/api/mappings?status=SESSIONS_EXHAUSTED", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[struct {
		Mappings []MappingDTO `json:"mappings"`
	}](t, rec)
	require.Len(t, resp.Mappings, 1)
	assert.Equal(t, a.ID, resp.Mappings[0].ID)

	rec = s.do(t, http.MethodGet, "/api/mappings?client_id=client-1", nil)
	resp = decodeBody[struct {
		Mappings []MappingDTO `json:"mappings"`
	}](t, rec)
	assert.Len(t, resp.Mappings, 2)
}

// =============================================================================
// EXTENSIONS
// =============================================================================

func TestExtension_FastPath(t *testing.T) {
	// GIVEN: An exhausted mapping and a PENDING 4-session extension at 200,000
	s := setupServer(t)
	m := s.createMapping(t, 1, 50000)
	s.do(t, http.MethodPost, "/api/mappings/"+m.ID+"/consume", nil)

	rec := s.do(t, http.MethodPost, "/api/extensions", CreateExtensionRequest{
		MappingID:          m.ID,
		RequesterID:        "client-1",
		AdditionalSessions: 4,
		PackageName:        "추가 4회기",
		PackagePrice:       200000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ext := decodeBody[ExtensionDTO](t, rec)
	assert.Equal(t, "PENDING", ext.Status)

	// WHEN: Payment is confirmed in cash
	rec = s.do(t, http.MethodPost, "/api/extensions/"+ext.ID+"/confirm-payment", ConfirmPaymentRequest{
		PaymentMethod:    "CASH",
		PaymentReference: "ignored-for-cash",
	})

	// THEN: The request completes and the sessions land on the mapping
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decodeBody[ExtensionDTO](t, rec)
	assert.Equal(t, "COMPLETED", done.Status)
	assert.Nil(t, done.PaymentReference)

	got := decodeBody[MappingDTO](t, s.do(t, http.MethodGet, "/api/mappings/"+m.ID, nil))
	assert.Equal(t, 5, got.TotalSessions)
	assert.Equal(t, 4, got.RemainingSessions)
	assert.Equal(t, "ACTIVE", got.Status)
	assert.Equal(t, "APPROVED", got.PaymentStatus)

	// AND: Confirming again is a state violation
	rec = s.do(t, http.MethodPost, "/api/extensions/"+ext.ID+"/confirm-payment", ConfirmPaymentRequest{PaymentMethod: "CASH"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state_transition", decodeBody[ErrorResponse](t, rec).Code)
}

func TestExtension_ManualPathAndReject(t *testing.T) {
	// GIVEN: Auto-approval turned off
	s := setupServer(t)
	s.handler.Extensions.AutoApprove = false
	m := s.createMapping(t, 5, 250000)

	create := func() ExtensionDTO {
		rec := s.do(t, http.MethodPost, "/api/extensions", CreateExtensionRequest{
			MappingID:   m.ID,
			RequesterID: "client-1",
			PackageID:   "extension-5",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return decodeBody[ExtensionDTO](t, rec)
	}

	// WHEN: One request walks confirm, approve, complete
	ext := create()
	assert.Equal(t, 5, ext.AdditionalSessions)
	assert.Equal(t, "추가패키지", ext.PackageName)

	rec := s.do(t, http.MethodPost, "/api/extensions/"+ext.ID+"/confirm-payment", ConfirmPaymentRequest{PaymentMethod: "CARD", PaymentReference: "pg-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "PAYMENT_CONFIRMED", decodeBody[ExtensionDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/extensions/"+ext.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "complete before approval")

	rec = s.do(t, http.MethodPost, "/api/extensions/"+ext.ID+"/approve", ApproveExtensionRequest{AdminID: "admin-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, "/api/extensions/"+ext.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "COMPLETED", decodeBody[ExtensionDTO](t, rec).Status)

	// AND: Another is rejected
	other := create()
	rec = s.do(t, http.MethodPost, "/api/extensions/"+other.ID+"/reject", RejectRequest{AdminID: "admin-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")
	rec = s.do(t, http.MethodPost, "/api/extensions/"+other.ID+"/reject", RejectRequest{AdminID: "admin-1", Reason: "중복 요청"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "REJECTED", decodeBody[ExtensionDTO](t, rec).Status)

	// THEN: Only the completed request added sessions
	got := decodeBody[MappingDTO](t, s.do(t, http.MethodGet, "/api/mappings/"+m.ID, nil))
	assert.Equal(t, 10, got.TotalSessions)

	list := decodeBody[struct {
		Extensions []ExtensionDTO `json:"extensions"`
	}](t, s.do(t, http.MethodGet, "/api/mappings/"+m.ID+"/extensions", nil))
	assert.Len(t, list.Extensions, 2)
}

func TestExtension_ConfirmPaymentRequiresMethod(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/api/extensions/any/confirm-payment", ConfirmPaymentRequest{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// REFUNDS
// =============================================================================

func TestRefund_ApproveTerminatesMapping(t *testing.T) {
	// GIVEN: 10/2/8 at 500,000
	s := setupServer(t)
	m := s.createMapping(t, 10, 500000)
	for range 2 {
		require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/mappings/"+m.ID+"/consume", nil).Code)
	}

	refundable := decodeBody[refund.Refundable](t, s.do(t, http.MethodGet, "/api/mappings/"+m.ID+"/refundable", nil))
	assert.Equal(t, 8, refundable.Sessions)
	assert.True(t, decimal.NewFromInt(400000).Equal(refundable.MaxAmount))

	// WHEN: A 3-session refund is requested and approved
	rec := s.do(t, http.MethodPost, "/api/refunds", CreateRefundRequest{
		MappingID:      m.ID,
		RequesterID:    "client-1",
		RefundSessions: 3,
		Reason:         "이사",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rf := decodeBody[RefundDTO](t, rec)
	assert.True(t, decimal.NewFromInt(150000).Equal(rf.RefundAmount), rf.RefundAmount.String())

	rec = s.do(t, http.MethodPost, "/api/refunds/"+rf.ID+"/approve", ApproveRefundRequest{AdminID: "admin-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPROVED", decodeBody[RefundDTO](t, rec).Status)

	// THEN: The mapping keeps 5 sessions and is TERMINATED
	got := decodeBody[MappingDTO](t, s.do(t, http.MethodGet, "/api/mappings/"+m.ID, nil))
	assert.Equal(t, 5, got.RemainingSessions)
	assert.Equal(t, "TERMINATED", got.Status)
	assert.Equal(t, "REFUNDED", got.PaymentStatus)

	// AND: The terminated mapping validates as consistent
	res := decodeBody[consistency.Result](t, s.do(t, http.MethodGet, "/api/mappings/"+m.ID+"/validate", nil))
	assert.True(t, res.Valid, res.Violations)
	assert.Equal(t, 3, res.Refunded)
}

func TestRefund_ExceedsBalance(t *testing.T) {
	s := setupServer(t)
	m := s.createMapping(t, 3, 150000)

	rec := s.do(t, http.MethodPost, "/api/refunds", CreateRefundRequest{
		MappingID:      m.ID,
		RequesterID:    "client-1",
		RefundSessions: 4,
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "refund_exceeds_balance", decodeBody[ErrorResponse](t, rec).Code)
}

func TestRefund_RejectThenApproveIsStateViolation(t *testing.T) {
	s := setupServer(t)
	m := s.createMapping(t, 3, 150000)
	rf := decodeBody[RefundDTO](t, s.do(t, http.MethodPost, "/api/refunds", CreateRefundRequest{
		MappingID:      m.ID,
		RequesterID:    "client-1",
		RefundSessions: 1,
	}))

	rec := s.do(t, http.MethodPost, "/api/refunds/"+rf.ID+"/reject", RejectRequest{AdminID: "admin-1", Reason: "정책 외"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/refunds/"+rf.ID+"/approve", ApproveRefundRequest{AdminID: "admin-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state_transition", decodeBody[ErrorResponse](t, rec).Code)

	got := decodeBody[MappingDTO](t, s.do(t, http.MethodGet, "/api/mappings/"+m.ID, nil))
	assert.Equal(t, "ACTIVE", got.Status)
	assert.Equal(t, 3, got.RemainingSessions)
}

func TestRefund_ErpStatusCallbackValidation(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/api/refunds/any/erp-status", ErpStatusRequest{Status: "LOST"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CONSISTENCY
// =============================================================================

func TestConsistency_ValidateAndRepair(t *testing.T) {
	// GIVEN: One healthy and one drifted mapping
	s := setupServer(t)
	s.createMapping(t, 5, 250000)
	bad := s.createMapping(t, 10, 500000)

	ctx := context.Background()
	stored, err := s.store.GetMapping(ctx, bad.ID)
	require.NoError(t, err)
	stored.UsedSessions = 7
	stored.RemainingSessions = 5
	require.NoError(t, s.store.UpdateMapping(ctx, stored))

	// WHEN: Validating
	rec := s.do(t, http.MethodGet, "/api/admin/consistency/validate", nil)

	// THEN: One invalid mapping is reported
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[consistency.Summary](t, rec)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 1, summary.Invalid)
	require.Len(t, summary.InvalidMappings, 1)
	assert.Equal(t, bad.ID, summary.InvalidMappings[0].MappingID)

	// WHEN: Repairing
	rec = s.do(t, http.MethodPost, "/api/admin/consistency/repair", nil)

	// THEN: Remaining is rewritten to total-used
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[consistency.Report](t, rec)
	assert.Equal(t, 1, report.Fixed)
	assert.Equal(t, []string{bad.ID}, report.FixedIDs)

	got := decodeBody[MappingDTO](t, s.do(t, http.MethodGet, "/api/mappings/"+bad.ID, nil))
	assert.Equal(t, 3, got.RemainingSessions)

	// AND: Both runs are in the history
	runs := decodeBody[struct {
		Runs []RunDTO `json:"runs"`
	}](t, s.do(t, http.MethodGet, "/api/admin/consistency/runs?limit=10", nil))
	require.Len(t, runs.Runs, 2)
	assert.ElementsMatch(t,
		[]string{string(ledger.RunValidate), string(ledger.RunRepair)},
		[]string{runs.Runs[0].Kind, runs.Runs[1].Kind})
}

func TestConsistency_RunsLimitValidation(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodGet, "/api/admin/consistency/runs?limit=-1", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsistency_Status(t *testing.T) {
	s := setupServer(t)
	s.createMapping(t, 5, 250000)

	rec := s.do(t, http.MethodGet, "/api/admin/consistency/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[consistency.SyncStatus](t, rec)
	assert.Equal(t, 1, status.TotalMappings)
	assert.Equal(t, 1, status.MappingsByStatus[ledger.MappingActive])
	assert.Equal(t, 0, status.RepairQueueDepth)
}

// =============================================================================
// MISC
// =============================================================================

func TestHealthzAndPackages(t *testing.T) {
	s := setupServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := s.do(t, http.MethodGet, "/api/packages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[struct {
		Packages []catalog.Package `json:"packages"`
	}](t, rec)
	assert.Len(t, resp.Packages, len(catalog.Default().List()))
}

func TestRateLimit_WriteRoutes(t *testing.T) {
	// GIVEN: A limit of 2 writes per minute
	h := setupTestHandler(t)
	s := &testServer{handler: h, router: NewRouter(h, RouterOptions{RateLimitPerMinute: 2})}

	// WHEN: Sending three writes from the same address
	codes := make([]int, 3)
	for i := range codes {
		codes[i] = s.do(t, http.MethodPost, "/api/consultations/complete", CompleteConsultationRequest{
			ConsultantID: "consultant-1",
			ClientID:     "client-1",
		}).Code
	}

	// THEN: The third is throttled but reads still pass
	assert.Equal(t, http.StatusNotFound, codes[0])
	assert.Equal(t, http.StatusNotFound, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/mappings", nil).Code)
}
