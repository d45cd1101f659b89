/*
handlers.go - HTTP API handlers for the session ledger

PURPOSE:
  Exposes the ledger, the extension/refund workflows and the consistency
  engine via REST. Handlers parse and validate the request, call exactly
  one domain operation and serialize its result.

ENDPOINTS:
  Mappings:
    GET    /api/mappings                    List (consultant_id, client_id, status)
    POST   /api/mappings                    Create (explicit or package_id)
    GET    /api/mappings/{id}               Get
    POST   /api/mappings/{id}/consume       Consume one session
    POST   /api/mappings/{id}/terminate     Terminate
    GET    /api/mappings/{id}/validate      Validate one mapping
    GET    /api/mappings/{id}/refundable    Refundable sessions and amount
    GET    /api/mappings/{id}/extensions    Extension requests of the mapping
    GET    /api/mappings/{id}/refunds       Refund requests of the mapping
    POST   /api/consultations/complete      Consume for a consultant/client pair

  Extensions:  /api/extensions[/{id}[/confirm-payment|approve|complete|reject]]
  Refunds:     /api/refunds[/{id}[/approve|reject|complete|erp-status]]
  Consistency: /api/admin/consistency/{validate,repair,repair-queued,status,runs}

ERROR HANDLING:
  Domain errors are classified with ledger.Classify:
  - 400: Malformed body, validation errors, invalid input
  - 404: Mapping or request not found
  - 409: Invalid state transition, concurrent modification
  - 422: Business rule (insufficient sessions, refund too large, not active)
  - 500: Internal errors (details logged, not returned)

SECURITY NOTE:
  No authentication. Actor ids (admin_id, requester_id) are taken from the
  request body.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mindgarden/session-ledger/catalog"
	"github.com/mindgarden/session-ledger/consistency"
	"github.com/mindgarden/session-ledger/extension"
	"github.com/mindgarden/session-ledger/ledger"
	"github.com/mindgarden/session-ledger/refund"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      *ledger.Ledger
	Extensions  *extension.Workflow
	Refunds     *refund.Workflow
	Consistency *consistency.Engine
	Catalog     *catalog.Catalog
	Log         *zap.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. The workflows and engine must share l.
func NewHandler(l *ledger.Ledger, ext *extension.Workflow, ref *refund.Workflow, eng *consistency.Engine, cat *catalog.Catalog, log *zap.Logger) *Handler {
	if cat == nil {
		cat = catalog.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Ledger:      l,
		Extensions:  ext,
		Refunds:     ref,
		Consistency: eng,
		Catalog:     cat,
		Log:         log,
		validate:    newValidator(),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// MAPPING HANDLERS
// =============================================================================

// ListMappings returns mappings, optionally filtered by pair and status.
// GET /api/mappings?consultant_id=&client_id=&status=
func (h *Handler) ListMappings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mappings, err := h.Ledger.List(r.Context(), ledger.MappingFilter{
		ConsultantID: q.Get("consultant_id"),
		ClientID:     q.Get("client_id"),
		Status:       ledger.MappingStatus(q.Get("status")),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]MappingDTO, len(mappings))
	for i := range mappings {
		dtos[i] = toMappingDTO(&mappings[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": dtos})
}

// CreateMapping creates a mapping from explicit values or a catalog package.
// POST /api/mappings
func (h *Handler) CreateMapping(w http.ResponseWriter, r *http.Request) {
	var req CreateMappingRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := ledger.NewMapping{
		ConsultantID:  req.ConsultantID,
		ClientID:      req.ClientID,
		PackageName:   req.PackageName,
		TotalSessions: req.TotalSessions,
		PackagePrice:  req.PackagePrice,
		PaymentStatus: ledger.PaymentStatus(req.PaymentStatus),
		PaymentMethod: req.PaymentMethod,
	}
	if req.PackageID != "" {
		pkg, err := h.Catalog.Lookup(req.PackageID)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		if in.PackageName == "" {
			in.PackageName = pkg.Name
		}
		if in.TotalSessions == 0 {
			in.TotalSessions = pkg.Sessions
		}
		if in.PackagePrice == 0 {
			in.PackagePrice = pkg.Price
		}
	}
	if req.StartDate != "" {
		// already checked by the datetime validator
		in.StartDate, _ = time.Parse("2006-01-02", req.StartDate)
	}

	m, err := h.Ledger.CreateMapping(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMappingDTO(m))
}

// GetMapping returns one mapping.
// GET /api/mappings/{id}
func (h *Handler) GetMapping(w http.ResponseWriter, r *http.Request) {
	m, err := h.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMappingDTO(m))
}

// ConsumeSession records one delivered session.
// POST /api/mappings/{id}/consume
func (h *Handler) ConsumeSession(w http.ResponseWriter, r *http.Request) {
	m, err := h.Ledger.Consume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMappingDTO(m))
}

// CompleteConsultation consumes one session from the pair's oldest active
// mapping. Entry point for the scheduling system.
// POST /api/consultations/complete
func (h *Handler) CompleteConsultation(w http.ResponseWriter, r *http.Request) {
	var req CompleteConsultationRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.Ledger.ConsumeForPair(r.Context(), req.ConsultantID, req.ClientID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMappingDTO(m))
}

// TerminateMapping ends a mapping.
// POST /api/mappings/{id}/terminate
func (h *Handler) TerminateMapping(w http.ResponseWriter, r *http.Request) {
	var req TerminateMappingRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	m, err := h.Ledger.Terminate(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMappingDTO(m))
}

// ValidateMapping checks one mapping without changing it.
// GET /api/mappings/{id}/validate
func (h *Handler) ValidateMapping(w http.ResponseWriter, r *http.Request) {
	res, err := h.Consistency.ValidateMapping(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetRefundable returns what a refund could return right now.
// GET /api/mappings/{id}/refundable
func (h *Handler) GetRefundable(w http.ResponseWriter, r *http.Request) {
	res, err := h.Refunds.Refundable(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListMappingExtensions returns the extension requests of one mapping.
// GET /api/mappings/{id}/extensions
func (h *Handler) ListMappingExtensions(w http.ResponseWriter, r *http.Request) {
	h.listExtensions(w, r, ledger.ExtensionFilter{MappingID: chi.URLParam(r, "id")})
}

// ListMappingRefunds returns the refund requests of one mapping.
// GET /api/mappings/{id}/refunds
func (h *Handler) ListMappingRefunds(w http.ResponseWriter, r *http.Request) {
	h.listRefunds(w, r, ledger.RefundFilter{MappingID: chi.URLParam(r, "id")})
}

// ListPackages returns the session package catalog.
// GET /api/packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"packages": h.Catalog.List()})
}

// =============================================================================
// EXTENSION HANDLERS
// =============================================================================

// CreateExtension registers a PENDING extension request.
// POST /api/extensions
func (h *Handler) CreateExtension(w http.ResponseWriter, r *http.Request) {
	var req CreateExtensionRequest
	if !h.decode(w, r, &req) {
		return
	}
	ext, err := h.Extensions.Create(r.Context(), extension.CreateInput{
		MappingID:          req.MappingID,
		RequesterID:        req.RequesterID,
		AdditionalSessions: req.AdditionalSessions,
		PackageName:        req.PackageName,
		PackagePrice:       req.PackagePrice,
		PackageID:          req.PackageID,
		Reason:             req.Reason,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExtensionDTO(ext))
}

// ListExtensions returns extension requests.
// GET /api/extensions?status=&mapping_id=
func (h *Handler) ListExtensions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.listExtensions(w, r, ledger.ExtensionFilter{
		MappingID: q.Get("mapping_id"),
		Status:    ledger.ExtensionStatus(q.Get("status")),
	})
}

func (h *Handler) listExtensions(w http.ResponseWriter, r *http.Request, filter ledger.ExtensionFilter) {
	list, err := h.Extensions.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]ExtensionDTO, len(list))
	for i := range list {
		dtos[i] = toExtensionDTO(&list[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"extensions": dtos})
}

// GetExtension returns one extension request.
// GET /api/extensions/{id}
func (h *Handler) GetExtension(w http.ResponseWriter, r *http.Request) {
	ext, err := h.Extensions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExtensionDTO(ext))
}

// ExtensionStats returns request counts per status.
// GET /api/extensions/stats
func (h *Handler) ExtensionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Extensions.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ConfirmPayment records the payment, and with auto-approval completes
// the extension.
// POST /api/extensions/{id}/confirm-payment
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req ConfirmPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	ext, err := h.Extensions.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), req.PaymentMethod, req.PaymentReference)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExtensionDTO(ext))
}

// ApproveExtension approves a payment-confirmed request.
// POST /api/extensions/{id}/approve
func (h *Handler) ApproveExtension(w http.ResponseWriter, r *http.Request) {
	var req ApproveExtensionRequest
	if !h.decode(w, r, &req) {
		return
	}
	ext, err := h.Extensions.Approve(r.Context(), chi.URLParam(r, "id"), req.AdminID, req.Comment)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExtensionDTO(ext))
}

// CompleteExtension adds the sessions of an approved request.
// POST /api/extensions/{id}/complete
func (h *Handler) CompleteExtension(w http.ResponseWriter, r *http.Request) {
	ext, err := h.Extensions.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExtensionDTO(ext))
}

// RejectExtension rejects a pending request.
// POST /api/extensions/{id}/reject
func (h *Handler) RejectExtension(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	ext, err := h.Extensions.Reject(r.Context(), chi.URLParam(r, "id"), req.AdminID, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExtensionDTO(ext))
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

// CreateRefund registers a refund request.
// POST /api/refunds
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req CreateRefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	ref, err := h.Refunds.Create(r.Context(), refund.CreateInput{
		MappingID:      req.MappingID,
		RequesterID:    req.RequesterID,
		RefundSessions: req.RefundSessions,
		Reason:         req.Reason,
		ReasonCode:     req.ReasonCode,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRefundDTO(ref))
}

// ListRefunds returns refund requests.
// GET /api/refunds?status=&mapping_id=&erp_status=
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.RefundFilter{
		MappingID: q.Get("mapping_id"),
		Status:    ledger.RefundStatus(q.Get("status")),
	}
	for _, s := range q["erp_status"] {
		filter.ErpStatuses = append(filter.ErpStatuses, ledger.ErpStatus(s))
	}
	h.listRefunds(w, r, filter)
}

func (h *Handler) listRefunds(w http.ResponseWriter, r *http.Request, filter ledger.RefundFilter) {
	list, err := h.Refunds.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]RefundDTO, len(list))
	for i := range list {
		dtos[i] = toRefundDTO(&list[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunds": dtos})
}

// GetRefund returns one refund request.
// GET /api/refunds/{id}
func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	ref, err := h.Refunds.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(ref))
}

// RefundStats returns refund counts and totals.
// GET /api/refunds/stats
func (h *Handler) RefundStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Refunds.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ApproveRefund debits the sessions and terminates the mapping.
// POST /api/refunds/{id}/approve
func (h *Handler) ApproveRefund(w http.ResponseWriter, r *http.Request) {
	var req ApproveRefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	ref, err := h.Refunds.Approve(r.Context(), chi.URLParam(r, "id"), req.AdminID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(ref))
}

// RejectRefund rejects a requested refund.
// POST /api/refunds/{id}/reject
func (h *Handler) RejectRefund(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	ref, err := h.Refunds.Reject(r.Context(), chi.URLParam(r, "id"), req.AdminID, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(ref))
}

// CompleteRefund marks the cash-out as settled.
// POST /api/refunds/{id}/complete
func (h *Handler) CompleteRefund(w http.ResponseWriter, r *http.Request) {
	ref, err := h.Refunds.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(ref))
}

// UpdateErpStatus is the ERP callback.
// POST /api/refunds/{id}/erp-status
func (h *Handler) UpdateErpStatus(w http.ResponseWriter, r *http.Request) {
	var req ErpStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	ref, err := h.Refunds.UpdateErpStatus(r.Context(), chi.URLParam(r, "id"), ledger.ErpStatus(req.Status), req.Reference, req.Message)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(ref))
}

// RetryERP resends failed ERP submissions.
// POST /api/refunds/erp-retry
func (h *Handler) RetryERP(w http.ResponseWriter, r *http.Request) {
	report, err := h.Refunds.RetryERP(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// CONSISTENCY HANDLERS
// =============================================================================

// ValidateAll checks every mapping.
// GET /api/admin/consistency/validate
func (h *Handler) ValidateAll(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Consistency.ValidateAll(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// RepairAll repairs every invalid mapping.
// POST /api/admin/consistency/repair
func (h *Handler) RepairAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.Consistency.RepairAll(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RepairQueued repairs the mappings queued by mutations and validations.
// POST /api/admin/consistency/repair-queued
func (h *Handler) RepairQueued(w http.ResponseWriter, r *http.Request) {
	report, err := h.Consistency.RepairQueued(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SyncStatus returns mapping and request counts plus queue depth.
// GET /api/admin/consistency/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Consistency.Status(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListRuns returns consistency run history.
// GET /api/admin/consistency/runs?limit=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	runs, err := h.Consistency.Runs(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// Healthz reports liveness.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// decode reads a JSON body into dst and validates it. On failure the
// response has been written and false is returned.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid request body", err.Error())
		return false
	}
	return h.check(w, dst)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid request body", err.Error())
		return false
	}
	return h.check(w, dst)
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeError(w, http.StatusBadRequest, "validation_failed", "Request validation failed", fields)
		return false
	}
	writeError(w, http.StatusBadRequest, "validation_failed", "Request validation failed", err.Error())
	return false
}

// writeDomainError maps a workflow or ledger error onto an HTTP response.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch ledger.Classify(err) {
	case ledger.OutcomeNotFound:
		writeError(w, http.StatusNotFound, "not_found", "Resource not found", err.Error())
	case ledger.OutcomeStateViolation:
		writeError(w, http.StatusConflict, "invalid_state_transition", "Invalid state transition", err.Error())
	case ledger.OutcomeConflict:
		writeError(w, http.StatusConflict, "concurrent_modification", "Concurrent modification, retry", err.Error())
	case ledger.OutcomeRejected:
		status, code := http.StatusUnprocessableEntity, "business_rule"
		switch {
		case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, ledger.ErrInvalidSessionCount):
			status, code = http.StatusBadRequest, "invalid_input"
		case errors.Is(err, ledger.ErrInsufficientSessions):
			code = "insufficient_sessions"
		case errors.Is(err, ledger.ErrRefundExceedsBalance):
			code = "refund_exceeds_balance"
		case errors.Is(err, ledger.ErrMappingNotActive), errors.Is(err, ledger.ErrMappingTerminated):
			code = "mapping_not_active"
		}
		writeError(w, status, code, "Request rejected", err.Error())
	default:
		h.Log.Error("api: internal error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal", "Internal server error", nil)
	}
}
