// Package handlers provides HTTP handlers for the audit API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/renacare/renaudit/internal/api/middleware"
	"github.com/renacare/renaudit/internal/catalog"
	"github.com/renacare/renaudit/internal/domain/audit"
	"github.com/renacare/renaudit/internal/domain/renal"
	"github.com/renacare/renaudit/internal/infrastructure/postgres"
	"github.com/renacare/renaudit/internal/observability/metrics"
	"github.com/renacare/renaudit/pkg/idempotency"
)

const birthDateLayout = "2006-01-02"

// AuditHandler handles audit submission and history endpoints
type AuditHandler struct {
	auditor  *audit.Auditor
	store    *postgres.Store
	catalog  *catalog.Catalog
	inbox    *idempotency.Inbox
	metrics  *metrics.Metrics
	validate *validator.Validate
	logger   *zap.Logger
}

// NewAuditHandler creates a new handler. The inbox may be nil, which
// disables duplicate-submission detection.
func NewAuditHandler(auditor *audit.Auditor, store *postgres.Store, cat *catalog.Catalog, inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{
		auditor:  auditor,
		store:    store,
		catalog:  cat,
		inbox:    inbox,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *AuditHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/audits", h.Create)
	r.Get("/audits", h.History)
	r.Get("/drugs", h.SearchDrugs)
	return r
}

// PatientInput is the patient portion of an audit submission
type PatientInput struct {
	Name       string  `json:"name" validate:"required"`
	Sex        string  `json:"sex" validate:"required,oneof=M F"`
	BirthDate  string  `json:"birth_date" validate:"required,datetime=2006-01-02"`
	WeightKg   float64 `json:"weight_kg" validate:"required,gt=0,lte=500"`
	HeightCm   float64 `json:"height_cm" validate:"required,gt=0,lte=300"`
	SCrMgDl    float64 `json:"scr_mg_dl" validate:"gte=0,lte=50"`
	OnDialysis bool    `json:"on_dialysis"`
}

// MedicationInput is one prescription line as submitted
type MedicationInput struct {
	ProductName  string  `json:"product_name" validate:"required"`
	DoseAmount   float64 `json:"dose_amount" validate:"required,gt=0"`
	DoseUnit     string  `json:"dose_unit"`
	DosesPerDay  int     `json:"doses_per_day" validate:"gte=0,lte=24"`
	DurationDays int     `json:"duration_days" validate:"gte=0"`
}

// AuditRequest is the request body for submitting an audit
type AuditRequest struct {
	Patient     PatientInput      `json:"patient" validate:"required"`
	Medications []MedicationInput `json:"medications" validate:"required,min=1,dive"`
}

// LineResult is the audit outcome for one submitted medication
type LineResult struct {
	ProductName string `json:"product_name"`
	Ingredient  string `json:"ingredient,omitempty"`
	Category    string `json:"category"`
	Rationale   string `json:"rationale"`
}

// MetricResult carries one derived metric with its applicability
type MetricResult struct {
	Value      float64 `json:"value"`
	Applicable bool    `json:"applicable"`
}

// AuditResponse is the response for a completed audit
type AuditResponse struct {
	OrderID        int64        `json:"order_id,omitempty"`
	Summary        string       `json:"summary"`
	AgeYears       int          `json:"age_years"`
	BSA            float64      `json:"bsa_m2"`
	CrCl           MetricResult `json:"crcl"`
	CrClNormalized MetricResult `json:"crcl_normalized"`
	EGFR           MetricResult `json:"egfr"`
	Lines          []LineResult `json:"lines"`
	SubmittedAt    time.Time    `json:"submitted_at"`
}

// Create handles POST /audits
func (h *AuditHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("audit-handler")
	ctx, span := tracer.Start(ctx, "create_audit")
	defer span.End()

	start := time.Now()

	var req AuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		h.metrics.AuditsFailed.Inc()
		h.jsonError(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.Int("medication_count", len(req.Medications)),
		attribute.Bool("on_dialysis", req.Patient.OnDialysis),
	)

	submittedAt := time.Now().UTC()

	if h.inbox != nil {
		drugNames := make([]string, len(req.Medications))
		for i, med := range req.Medications {
			drugNames[i] = med.ProductName
		}
		key := idempotency.SubmissionKey(req.Patient.Name, req.Patient.BirthDate, drugNames, submittedAt)
		payload, _ := json.Marshal(req)

		result, err := h.inbox.Process(ctx, key, "create_audit", payload, func(ctx context.Context) (json.RawMessage, error) {
			resp, err := h.runAudit(ctx, &req, submittedAt)
			if err != nil {
				return nil, err
			}
			return json.Marshal(resp)
		})
		if err != nil {
			h.writeAuditError(w, err)
			return
		}

		if !result.IsNew {
			h.metrics.DuplicateSubmissions.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(http.StatusOK)
			w.Write(result.Result)
			return
		}

		h.observeCompleted(ctx, result.Result, start)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(result.Result)
		return
	}

	resp, err := h.runAudit(ctx, &req, submittedAt)
	if err != nil {
		h.writeAuditError(w, err)
		return
	}

	h.metrics.AuditsTotal.Inc()
	h.metrics.AuditDuration.Observe(time.Since(start).Seconds())
	for _, line := range resp.Lines {
		h.metrics.LineOutcomes.WithLabelValues(line.Category).Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// runAudit resolves the submission against the catalog, evaluates every
// line, and persists the run. It is the unit of work the idempotency
// inbox wraps.
func (h *AuditHandler) runAudit(ctx context.Context, req *AuditRequest, submittedAt time.Time) (*AuditResponse, error) {
	birthDate, err := time.Parse(birthDateLayout, req.Patient.BirthDate)
	if err != nil {
		return nil, &renal.InvalidInputError{Field: "birth_date", Reason: "not a valid date"}
	}

	sex := renal.SexMale
	if req.Patient.Sex == "F" {
		sex = renal.SexFemale
	}

	scr := req.Patient.SCrMgDl
	if req.Patient.OnDialysis && scr <= 0 {
		scr = renal.DialysisSentinelSCr
	}

	biometrics := renal.PatientBiometrics{
		Sex:                 sex,
		BirthDate:           birthDate,
		WeightKg:            req.Patient.WeightKg,
		HeightCm:            req.Patient.HeightCm,
		SerumCreatinineMgDl: scr,
		OnDialysis:          req.Patient.OnDialysis,
	}

	lines := make([]audit.PrescriptionLine, len(req.Medications))
	entries := make([]catalog.Entry, len(req.Medications))
	for i, med := range req.Medications {
		line := audit.PrescriptionLine{
			DoseAmount:   med.DoseAmount,
			DoseUnit:     med.DoseUnit,
			DosesPerDay:  med.DosesPerDay,
			DurationDays: med.DurationDays,
		}
		// Unknown products keep code zero; the rule lookup then misses
		// and the line reports no constraint on record.
		if ref, entry, ok := h.catalog.Resolve(med.ProductName); ok {
			line.Drug = ref
			line.RealAmount = entry.RealAmount(med.DoseAmount)
			entries[i] = entry
		} else {
			line.Drug.Name = med.ProductName
		}
		lines[i] = line
	}

	result, err := h.auditor.AuditOrder(ctx, biometrics, lines, submittedAt)
	if err != nil {
		return nil, err
	}

	resp := &AuditResponse{
		Summary:        string(result.Summary),
		AgeYears:       result.Metrics.AgeYears,
		BSA:            result.Metrics.BodySurfaceAreaM2,
		CrCl:           MetricResult{result.Metrics.CrCl.Value, result.Metrics.CrCl.Valid},
		CrClNormalized: MetricResult{result.Metrics.CrClNormalized.Value, result.Metrics.CrClNormalized.Valid},
		EGFR:           MetricResult{result.Metrics.EGFR.Value, result.Metrics.EGFR.Valid},
		Lines:          make([]LineResult, len(lines)),
		SubmittedAt:    submittedAt,
	}
	for i, out := range result.Outcomes {
		resp.Lines[i] = LineResult{
			ProductName: req.Medications[i].ProductName,
			Ingredient:  entries[i].Ingredient,
			Category:    string(out.Category),
			Rationale:   out.Rationale,
		}
	}

	if h.store != nil {
		rec := h.buildRecord(req, lines, result, submittedAt)
		orderID, _, err := h.store.SaveAuditRun(ctx, rec)
		if err != nil {
			return nil, err
		}
		resp.OrderID = orderID
	}

	return resp, nil
}

func (h *AuditHandler) buildRecord(req *AuditRequest, lines []audit.PrescriptionLine, result *audit.Result, submittedAt time.Time) *postgres.AuditRecord {
	rec := &postgres.AuditRecord{
		PatientName: req.Patient.Name,
		Sex:         req.Patient.Sex,
		BirthDate:   req.Patient.BirthDate,
		SubmittedAt: submittedAt,
		Summary:     string(result.Summary),
		Measurement: postgres.MeasurementRow{
			WeightKg:       req.Patient.WeightKg,
			HeightCm:       req.Patient.HeightCm,
			SCrMgDl:        req.Patient.SCrMgDl,
			EGFR:           result.Metrics.EGFR.Value,
			CrCl:           result.Metrics.CrCl.Value,
			CrClNormalized: result.Metrics.CrClNormalized.Value,
			BSA:            result.Metrics.BodySurfaceAreaM2,
			OnDialysis:     req.Patient.OnDialysis,
			MeasuredAt:     submittedAt,
		},
		Lines: make([]postgres.PrescriptionRow, len(lines)),
	}
	if req.Patient.OnDialysis && req.Patient.SCrMgDl <= 0 {
		rec.Measurement.SCrMgDl = renal.DialysisSentinelSCr
	}
	for i, line := range lines {
		rec.Lines[i] = postgres.PrescriptionRow{
			DrugCode:     line.Drug.ItemCode,
			ProductName:  req.Medications[i].ProductName,
			DoseAmount:   line.DoseAmount,
			DoseUnit:     line.DoseUnit,
			RealAmount:   line.RealAmount,
			DosesPerDay:  line.DosesPerDay,
			DurationDays: line.DurationDays,
			Category:     string(result.Outcomes[i].Category),
			Rationale:    result.Outcomes[i].Rationale,
		}
		if _, entry, ok := h.catalog.Resolve(req.Medications[i].ProductName); ok {
			rec.Lines[i].Ingredient = entry.Ingredient
		}
	}
	return rec
}

// observeCompleted records completion metrics from an encoded response
func (h *AuditHandler) observeCompleted(ctx context.Context, raw json.RawMessage, start time.Time) {
	h.metrics.AuditsTotal.Inc()
	h.metrics.AuditDuration.Observe(time.Since(start).Seconds())

	var resp AuditResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}
	for _, line := range resp.Lines {
		h.metrics.LineOutcomes.WithLabelValues(line.Category).Inc()
	}

	h.logger.Info("audit completed",
		zap.Int64("order_id", resp.OrderID),
		zap.String("summary", resp.Summary),
		zap.Int("lines", len(resp.Lines)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
}

func (h *AuditHandler) writeAuditError(w http.ResponseWriter, err error) {
	h.metrics.AuditsFailed.Inc()

	var inputErr *renal.InvalidInputError
	switch {
	case errors.As(err, &inputErr):
		h.jsonError(w, inputErr.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, idempotency.ErrSubmissionInProgress):
		h.jsonError(w, "identical submission already in progress", http.StatusConflict)
	default:
		h.logger.Error("audit failed", zap.Error(err))
		h.jsonError(w, "audit failed", http.StatusInternalServerError)
	}
}

// History handles GET /audits
func (h *AuditHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.store == nil {
		h.jsonError(w, "history not available", http.StatusNotImplemented)
		return
	}

	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}

	orders, err := h.store.History(ctx, skip, limit)
	if err != nil {
		h.logger.Error("history query failed", zap.Error(err))
		h.jsonError(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"orders": orders,
		"skip":   skip,
		"limit":  limit,
	})
}

// SearchDrugs handles GET /drugs
func (h *AuditHandler) SearchDrugs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		h.jsonError(w, "query parameter is required", http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 20)

	names := h.catalog.Search(query, limit)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"query":   query,
		"results": names,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (h *AuditHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
