package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/modelstore"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// maxUploadBytes caps training uploads.
const maxUploadBytes = 64 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	orchestrator *lifecycle.Orchestrator
	engine       *scoring.Engine
	store        *modelstore.Store
	rules        *rules.Engine
	trainer      *worker.Trainer
	models       domain.ModelConfig
	version      string
}

// NewHandler creates an API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, orchestrator *lifecycle.Orchestrator, engine *scoring.Engine, store *modelstore.Store, ruleEngine *rules.Engine, trainer *worker.Trainer, models domain.ModelConfig, version string) *Handler {
	return &Handler{
		repo:         repo,
		cache:        cache,
		bus:          bus,
		orchestrator: orchestrator,
		engine:       engine,
		store:        store,
		rules:        ruleEngine,
		trainer:      trainer,
		models:       models,
		version:      version,
	}
}

// PostTransaction handles POST /transactions: the full lifecycle for one
// spend event.
func (h *Handler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": UserIDHeader + " header is required",
		})
		return
	}

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	result, err := h.orchestrator.ProcessTransaction(ctx, tenantID, userID, &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ListTransactions handles GET /transactions: the recent window for a
// customer, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	customerID, err := h.resolveCustomerID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	limit := queryInt(r, "limit", 20)
	txs, err := h.repo.GetTransactionsByCustomer(ctx, tenantID, customerID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// RiskSummary handles GET /risk/summary: score-on-read. The live snapshot
// is refreshed, scored, and persisted before the summary is returned.
func (h *Handler) RiskSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var result *lifecycle.Result
	var err error
	if customerID := r.URL.Query().Get("customerId"); customerID != "" {
		var c *domain.Customer
		c, err = h.repo.GetCustomer(ctx, tenantID, customerID)
		if err == nil {
			result, err = h.orchestrator.RescoreCustomer(ctx, tenantID, c)
		}
	} else if userID := r.Header.Get(UserIDHeader); userID != "" {
		result, err = h.orchestrator.Rescore(ctx, tenantID, userID)
	} else {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "customerId query parameter or " + UserIDHeader + " header is required",
		})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	if !result.Scored {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":    "no active model, train one first",
			"customer": result.Customer.Summary(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"customer": result.Customer.Summary(),
		"summary":  result.Summary,
	})
}

// TrainModel handles POST /models/train: multipart upload of a labeled
// dataset. Synchronous mode trains inline and returns metrics; otherwise
// the job is queued on the bus and the allocated version returned with 202.
func (h *Handler) TrainModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid multipart form: " + err.Error(),
		})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "file field is required",
		})
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	switch ext {
	case ".csv", ".xlsx", ".json":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unsupported file type %q, expected csv, xlsx or json", ext),
		})
		return
	}

	uploadPath, err := h.persistUpload(file, ext)
	if err != nil {
		slog.Error("failed to persist upload", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to persist upload",
		})
		return
	}

	version, err := h.store.NextVersion(ctx, tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	req := &domain.TrainRequest{
		TenantID:   tenantID,
		UploadPath: uploadPath,
		Version:    version,
		TraceID:    GetTraceID(ctx),
	}

	if h.models.SyncTrain {
		_, metrics, err := h.trainer.TrainNow(ctx, req)
		if err != nil {
			os.Remove(uploadPath)
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version": version,
			"active":  true,
			"metrics": metrics,
		})
		return
	}

	payload, _ := json.Marshal(req)
	if err := h.bus.Publish(ctx, tenantID, domain.TopicTrainRequest, payload); err != nil {
		os.Remove(uploadPath)
		slog.Error("failed to queue training job", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to queue training job",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"version": version,
		"status":  "queued",
	})
}

func (h *Handler) persistUpload(file io.Reader, ext string) (string, error) {
	if err := os.MkdirAll(h.models.UploadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(h.models.UploadDir, uuid.New().String()+ext)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(file, maxUploadBytes)); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// ListModels handles GET /models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	versions, err := h.store.List(ctx, tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": versions,
		"count":  len(versions),
	})
}

// ActiveModel handles GET /models/active.
func (h *Handler) ActiveModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	mv, _, err := h.store.Active(ctx, tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mv)
}

// ModelBaseline handles GET /models/baseline: the active model's
// training-time feature distribution, used by drift dashboards.
func (h *Handler) ModelBaseline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	stats, err := h.engine.Baseline(ctx, tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ModelInvariant handles GET /models/invariant: the store health check.
func (h *Handler) ModelInvariant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	report, err := h.store.CheckInvariant(ctx, tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusOK
	if !report.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// ScoreRequest is one ad-hoc feature row.
type ScoreRequest struct {
	CreditLimit          float64 `json:"creditLimit"`
	UtilisationPct       float64 `json:"utilisationPct"`
	AvgPaymentRatio      float64 `json:"avgPaymentRatio"`
	MinDuePaidFrequency  float64 `json:"minDuePaidFrequency"`
	MerchantMixIndex     float64 `json:"merchantMixIndex"`
	CashWithdrawalPct    float64 `json:"cashWithdrawalPct"`
	RecentSpendChangePct float64 `json:"recentSpendChangePct"`
}

// Vector builds the model input row.
func (s *ScoreRequest) Vector() domain.FeatureVector {
	return domain.FeatureVector{
		s.CreditLimit,
		s.UtilisationPct,
		s.AvgPaymentRatio,
		s.MinDuePaidFrequency,
		s.MerchantMixIndex,
		s.CashWithdrawalPct,
		s.RecentSpendChangePct,
	}
}

// ScoreResponse is one ad-hoc scoring result.
type ScoreResponse struct {
	LinearProbability   float64               `json:"linearProbability"`
	TreeProbability     float64               `json:"treeProbability"`
	NNProbability       float64               `json:"nnProbability"`
	EnsembleProbability float64               `json:"ensembleProbability"`
	RiskBand            string                `json:"riskBand"`
	ModelVersion        int                   `json:"modelVersion"`
	TopFeatures         []domain.FeatureValue `json:"topFeatures,omitempty"`
	Rules               []domain.RuleTrigger  `json:"rules,omitempty"`
}

// Score handles POST /score: single-row analyst scoring with the 3-way
// ensemble, five-band scheme, attribution and outreach rules.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	vec := req.Vector()
	res, err := h.engine.ScoreLab(ctx, tenantID, vec, 3)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := scoreResponse(res)
	if h.rules != nil {
		resp.Rules = h.rules.EvaluateAll(ctx, &rules.Input{
			Features:            vec,
			MLProbability:       res.PLinear,
			EnsembleProbability: res.Ensemble,
			RiskBand:            res.RiskBand,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// BatchScoreRequest is the POST /score/batch payload.
type BatchScoreRequest struct {
	Rows []ScoreRequest `json:"rows"`
}

// ScoreBatch handles POST /score/batch. Batch scoring keeps the two-model
// linear+tree ensemble.
func (h *Handler) ScoreBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BatchScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Rows) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rows must not be empty",
		})
		return
	}

	vectors := make([]domain.FeatureVector, len(req.Rows))
	for i, row := range req.Rows {
		vectors[i] = row.Vector()
	}

	results, err := h.engine.ScoreBatch(ctx, tenantID, vectors)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]*ScoreResponse, len(results))
	for i, res := range results {
		out[i] = scoreResponse(res)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": out,
		"count":   len(out),
	})
}

func scoreResponse(res *scoring.Result) *ScoreResponse {
	return &ScoreResponse{
		LinearProbability:   res.PLinear,
		TreeProbability:     res.PTree,
		NNProbability:       res.PNN,
		EnsembleProbability: res.Ensemble,
		RiskBand:            res.RiskBand,
		ModelVersion:        res.ModelVer,
		TopFeatures:         res.TopN,
	}
}

// ListCustomers handles GET /customers: admin dashboard summaries.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	customers, err := h.repo.ListCustomers(ctx, tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	summaries := make([]domain.CustomerSummary, len(customers))
	for i, c := range customers {
		summaries[i] = c.Summary()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customers": summaries,
		"count":     len(summaries),
	})
}

// TopCustomers handles GET /customers/top?kind=&limit=.
func (h *Handler) TopCustomers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = domain.TopKindLatest
	}
	limit := queryInt(r, "limit", 10)

	customers, err := h.repo.TopCustomers(ctx, tenantID, kind, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	summaries := make([]domain.CustomerSummary, len(customers))
	for i, c := range customers {
		summaries[i] = c.Summary()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":      kind,
		"customers": summaries,
	})
}

// GetCustomer handles GET /customers/{id}: the full record plus recent
// score history.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "id")

	c, err := h.repo.GetCustomer(ctx, tenantID, customerID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	scores, err := h.repo.ListRiskScores(ctx, tenantID, customerID, 10)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"customer": c,
		"scores":   scores,
	})
}

// CustomerSnapshot handles GET /customers/{id}/snapshot: a cheap polling
// view for dashboards. Served from cache when a lifecycle event has
// populated it, otherwise rebuilt from the stored customer row.
func (h *Handler) CustomerSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "id")

	if h.cache != nil {
		if snap, err := h.cache.GetSnapshot(ctx, tenantID, customerID); err == nil && snap != nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}

	c, err := h.repo.GetCustomer(ctx, tenantID, customerID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	snap := &domain.CustomerSnapshot{
		CustomerID:     c.ID,
		RiskBand:       c.RiskBand,
		UtilisationPct: c.UtilisationPct,
		UpdatedAt:      c.UpdatedAt.Format(time.RFC3339),
	}
	if c.LastScore != nil {
		snap.LastScore = *c.LastScore
	}
	writeJSON(w, http.StatusOK, snap)
}

// CustomerTransactions handles GET /customers/{id}/transactions: the full
// append-only log.
func (h *Handler) CustomerTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "id")

	if _, err := h.repo.GetCustomer(ctx, tenantID, customerID); err != nil {
		h.writeError(w, err)
		return
	}

	txs, err := h.repo.GetTransactionsByCustomer(ctx, tenantID, customerID, 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// UpdateCreditLimit handles PATCH /customers/{id}/credit-limit. The edit
// re-scores through the lifecycle path.
func (h *Handler) UpdateCreditLimit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "id")

	var req struct {
		CreditLimit float64 `json:"creditLimit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.CreditLimit <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "creditLimit must be positive",
		})
		return
	}

	c, err := h.repo.GetCustomer(ctx, tenantID, customerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	c.CreditLimit = req.CreditLimit

	result, err := h.orchestrator.RescoreCustomer(ctx, tenantID, c)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// UpdateControls handles PATCH /customers/{id}/controls: spend cap,
// category blocks and alert opt-out.
func (h *Handler) UpdateControls(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "id")

	var req domain.ControlsUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.SpendCap != nil && *req.SpendCap <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "spendCap must be positive",
		})
		return
	}

	c, err := h.repo.GetCustomer(ctx, tenantID, customerID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if req.SpendCap != nil {
		c.SpendCap = req.SpendCap
	}
	if req.CategoryBlocks != nil {
		blocks := make([]string, 0, len(*req.CategoryBlocks))
		for _, b := range *req.CategoryBlocks {
			blocks = append(blocks, domain.NormalizeCategory(b))
		}
		c.CategoryBlocks = blocks
	}
	if req.AlertsEnabled != nil {
		c.AlertsEnabled = *req.AlertsEnabled
	}

	result, err := h.orchestrator.RescoreCustomer(ctx, tenantID, c)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// UpdateFeatures handles PATCH /customers/{id}/features: direct feature
// overrides, then a re-score.
func (h *Handler) UpdateFeatures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "id")

	var req domain.FeatureUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	c, err := h.repo.GetCustomer(ctx, tenantID, customerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	req.Apply(c)

	result, err := h.orchestrator.RescoreCustomer(ctx, tenantID, c)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListRules handles GET /rules: the rules currently loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.rules.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// CreateRule handles POST /rules: validate the CEL expression, persist,
// and load into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rule domain.RuleConfig
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if rule.ID == "" || rule.Name == "" || rule.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	rule.TenantID = tenantID

	if err := h.rules.LoadRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRuleConfig(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to save rule config", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, &rule)
}

// ReloadRules handles POST /rules/reload: rebuild the engine from the
// persisted tenant rules plus the built-in defaults.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	stored, err := h.repo.ListRuleConfigs(ctx, tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	configs := append(rules.BuiltinRules(), stored...)
	if err := h.rules.ReloadRules(configs); err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded",
		"count":   len(configs),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// resolveCustomerID resolves the target customer from the customerId query
// parameter, falling back to the authenticated user.
func (h *Handler) resolveCustomerID(r *http.Request) (string, error) {
	if customerID := r.URL.Query().Get("customerId"); customerID != "" {
		return customerID, nil
	}
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		return "", domain.NewValidationError("customerId query parameter or %s header is required", UserIDHeader)
	}
	c, err := h.repo.GetCustomerByUser(r.Context(), GetTenantID(r.Context()), userID)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		body := map[string]any{"error": verr.Msg}
		if len(verr.MissingColumns) > 0 {
			body["missingColumns"] = verr.MissingColumns
		}
		writeJSON(w, http.StatusBadRequest, body)
		return
	}

	var lerr *domain.DomainLimitError
	if errors.As(err, &lerr) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     lerr.Error(),
			"reason":    lerr.Reason,
			"limit":     lerr.Limit,
			"requested": lerr.Requested,
			"available": lerr.Available,
		})
		return
	}

	var merr *domain.ModelStateError
	if errors.As(err, &merr) {
		status := http.StatusConflict
		if errors.Is(err, domain.ErrNoActiveModel) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": merr.Error()})
		return
	}

	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if errors.Is(err, repository.ErrInvalidInput) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	slog.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal server error",
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

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
