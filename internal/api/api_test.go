package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/modelstore"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const testGoverningTenant = "admin"

// createTestServer wires a full synchronous-training stack over a temp
// sqlite file.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	tmpFile, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := modelstore.New(repo, t.TempDir(), nil)

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	ruleEngine, err := rules.NewEngine(4, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := ruleEngine.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	engine := scoring.NewEngine(store)
	lru := cache.NewLRUCache(100)
	orchestrator := lifecycle.New(lifecycle.Config{
		Repo:            repo,
		Extractor:       features.NewExtractor(repo),
		Engine:          engine,
		Rules:           ruleEngine,
		Bus:             eventBus,
		Cache:           lru,
		GoverningTenant: testGoverningTenant,
	})

	trainer := worker.NewTrainer(eventBus, store, 4, nil)

	models := domain.ModelConfig{
		ArtifactDir:     t.TempDir(),
		UploadDir:       t.TempDir(),
		SyncTrain:       true,
		GoverningTenant: testGoverningTenant,
	}

	return NewServer(cfg, repo, lru, eventBus, orchestrator, engine, store, ruleEngine, trainer, models, "test-v1")
}

// trainingCSV produces a separable labeled dataset.
func trainingCSV(rows int) string {
	rng := rand.New(rand.NewSource(7))
	var b strings.Builder
	b.WriteString("CreditLimit,UtilisationPct,AvgPaymentRatio,MinDuePaidFrequency,MerchantMixIndex,CashWithdrawalPct,RecentSpendChangePct,DPDBucketNextMonthBinary\n")
	for i := 0; i < rows; i++ {
		if i%2 == 0 {
			fmt.Fprintf(&b, "%.1f,%.1f,%.1f,%.1f,%.3f,%.1f,%.1f,0\n",
				80000+rng.Float64()*40000, rng.Float64()*25, 80+rng.Float64()*20,
				rng.Float64()*20, 0.5+rng.Float64()*0.5, rng.Float64()*10, rng.Float64()*10)
		} else {
			fmt.Fprintf(&b, "%.1f,%.1f,%.1f,%.1f,%.3f,%.1f,%.1f,1\n",
				20000+rng.Float64()*20000, 75+rng.Float64()*25, 5+rng.Float64()*25,
				75+rng.Float64()*25, 0.1+rng.Float64()*0.2, 40+rng.Float64()*20, -50+rng.Float64()*20)
		}
	}
	return b.String()
}

// trainViaAPI uploads a dataset for a tenant and waits for the inline
// training response.
func trainViaAPI(t *testing.T, server *Server, tenantID string) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "dataset.csv")
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := part.Write([]byte(trainingCSV(200))); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/models/train", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Tenant-ID", tenantID)

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 from training, got %d: %s", rr.Code, rr.Body.String())
	}
}

func doJSON(t *testing.T, server *Server, method, path, tenantID, userID string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Buffer
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestTransactionLifecycle(t *testing.T) {
	server := createTestServer(t)
	trainViaAPI(t, server, testGoverningTenant)
	tenantID := "tenant-app"

	t.Run("FirstTransactionCreatesAndScores", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/transactions", tenantID, "user-001", map[string]any{
			"amount":   1200.50,
			"category": "groceries",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var res lifecycle.Result
		if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if res.Customer == nil || res.Customer.CreditLimit != 100000 {
			t.Fatalf("expected default customer, got %+v", res.Customer)
		}
		if !res.Scored || res.Score == nil {
			t.Error("expected a scored event")
		}
		if res.Transaction == nil || res.Transaction.Amount != 1200.50 {
			t.Errorf("expected persisted transaction, got %+v", res.Transaction)
		}
	})

	t.Run("MissingUserID", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/transactions", tenantID, "", map[string]any{
			"amount": 100.0,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/transactions", "", "user-001", map[string]any{
			"amount": 100.0,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader("not-json"))
		req.Header.Set("X-Tenant-ID", tenantID)
		req.Header.Set(UserIDHeader, "user-001")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NonPositiveAmountRejected", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/transactions", tenantID, "user-001", map[string]any{
			"amount": -50.0,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("CreditLimitExhaustionReturns402", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/transactions", tenantID, "user-maxed", map[string]any{
			"amount":   99500.0,
			"category": "travel",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodPost, "/transactions", tenantID, "user-maxed", map[string]any{
			"amount":   1000.0,
			"category": "travel",
		})
		if rr.Code != http.StatusPaymentRequired {
			t.Fatalf("expected status 402, got %d: %s", rr.Code, rr.Body.String())
		}

		var payload map[string]any
		json.Unmarshal(rr.Body.Bytes(), &payload)
		if payload["reason"] != "credit_limit" {
			t.Errorf("expected credit_limit reason, got %v", payload["reason"])
		}
		if payload["available"] != 500.0 {
			t.Errorf("expected 500 available, got %v", payload["available"])
		}
	})

	t.Run("ListTransactions", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/transactions", tenantID, "user-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var payload struct {
			Transactions []*domain.Transaction `json:"transactions"`
			Count        int                   `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if payload.Count != 1 {
			t.Errorf("expected 1 transaction, got %d", payload.Count)
		}
	})

	t.Run("RiskSummary", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/risk/summary", tenantID, "user-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var payload struct {
			Customer domain.CustomerSummary `json:"customer"`
			Summary  *domain.RiskSummary    `json:"summary"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if payload.Summary == nil {
			t.Fatal("expected a risk summary")
		}
		if payload.Customer.RiskBand == "" {
			t.Error("expected a banded customer")
		}
		if len(payload.Summary.TopFeatures) != 3 {
			t.Errorf("expected 3 top features, got %d", len(payload.Summary.TopFeatures))
		}
	})

	t.Run("RiskSummaryRequiresIdentity", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/risk/summary", tenantID, "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestModelEndpoints(t *testing.T) {
	server := createTestServer(t)
	tenantID := "tenant-models"

	t.Run("ActiveBeforeTraining", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/models/active", tenantID, "", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("BaselineBeforeTraining", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/models/baseline", tenantID, "", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("InvariantBeforeTraining", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/models/invariant", tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var report modelstore.InvariantReport
		json.Unmarshal(rr.Body.Bytes(), &report)
		if !report.OK || report.VersionCount != 0 {
			t.Errorf("unexpected report: %+v", report)
		}
	})

	t.Run("SyncTrainActivates", func(t *testing.T) {
		trainViaAPI(t, server, tenantID)

		rr := doJSON(t, server, http.MethodGet, "/models/active", tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var mv domain.ModelVersion
		if err := json.Unmarshal(rr.Body.Bytes(), &mv); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if mv.Version != 1 || !mv.IsActive {
			t.Errorf("expected active v1, got %+v", mv)
		}
	})

	t.Run("BaselineAfterTraining", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/models/baseline", tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var stats domain.BaselineStats
		if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if len(stats.FeatureMeans) != domain.FeatureCount {
			t.Errorf("expected %d feature means, got %d", domain.FeatureCount, len(stats.FeatureMeans))
		}
		if stats.TargetRate <= 0 || stats.TargetRate >= 1 {
			t.Errorf("implausible target rate %v", stats.TargetRate)
		}
	})

	t.Run("RetrainSupersedes", func(t *testing.T) {
		trainViaAPI(t, server, tenantID)

		rr := doJSON(t, server, http.MethodGet, "/models", tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var payload struct {
			Models []*domain.ModelVersion `json:"models"`
			Count  int                    `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if payload.Count != 2 {
			t.Fatalf("expected 2 versions, got %d", payload.Count)
		}

		active := 0
		for _, mv := range payload.Models {
			if mv.IsActive {
				active++
				if mv.Version != 2 {
					t.Errorf("expected v2 active, got v%d", mv.Version)
				}
			}
		}
		if active != 1 {
			t.Errorf("expected exactly one active version, got %d", active)
		}
	})

	t.Run("InvariantAfterTraining", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/models/invariant", tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var report modelstore.InvariantReport
		json.Unmarshal(rr.Body.Bytes(), &report)
		if !report.OK || !report.ArtifactsPresent {
			t.Errorf("unexpected report: %+v", report)
		}
	})

	t.Run("UnsupportedFileType", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, _ := mw.CreateFormFile("file", "dataset.parquet")
		part.Write([]byte("binary"))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/models/train", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("X-Tenant-ID", tenantID)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("BadDatasetReturnsMissingColumns", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, _ := mw.CreateFormFile("file", "dataset.csv")
		part.Write([]byte("CreditLimit,UtilisationPct\n1000,50\n"))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/models/train", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("X-Tenant-ID", tenantID)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}

		var payload struct {
			MissingColumns []string `json:"missingColumns"`
		}
		json.Unmarshal(rr.Body.Bytes(), &payload)
		if len(payload.MissingColumns) == 0 {
			t.Error("expected missingColumns in response")
		}
	})
}

func TestScoreEndpoints(t *testing.T) {
	server := createTestServer(t)
	tenantID := "tenant-lab"

	riskyRow := map[string]any{
		"creditLimit":          25000.0,
		"utilisationPct":       92.0,
		"avgPaymentRatio":      10.0,
		"minDuePaidFrequency":  90.0,
		"merchantMixIndex":     0.15,
		"cashWithdrawalPct":    55.0,
		"recentSpendChangePct": -40.0,
	}
	safeRow := map[string]any{
		"creditLimit":          100000.0,
		"utilisationPct":       10.0,
		"avgPaymentRatio":      95.0,
		"minDuePaidFrequency":  5.0,
		"merchantMixIndex":     0.8,
		"cashWithdrawalPct":    2.0,
		"recentSpendChangePct": 5.0,
	}

	t.Run("NoActiveModelReturns404", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/score", tenantID, "", riskyRow)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	trainViaAPI(t, server, tenantID)

	t.Run("SingleRowWithAttribution", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/score", tenantID, "", riskyRow)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ScoreResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.EnsembleProbability <= 0.5 {
			t.Errorf("expected a risky score, got %v", resp.EnsembleProbability)
		}
		if resp.RiskBand == "" {
			t.Error("expected a risk band")
		}
		if len(resp.TopFeatures) != 3 {
			t.Errorf("expected top-3 attribution, got %d entries", len(resp.TopFeatures))
		}
		if resp.ModelVersion != 1 {
			t.Errorf("expected model version 1, got %d", resp.ModelVersion)
		}
	})

	t.Run("RulesFireOnHotUtilisation", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/score", tenantID, "", riskyRow)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp ScoreResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)

		found := false
		for _, trig := range resp.Rules {
			if trig.RuleName == "high_utilisation" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected high_utilisation trigger at 92%% utilisation, got %+v", resp.Rules)
		}
	})

	t.Run("BatchOrdersAndBands", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/score/batch", tenantID, "", map[string]any{
			"rows": []map[string]any{safeRow, riskyRow},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var payload struct {
			Results []*ScoreResponse `json:"results"`
			Count   int              `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if payload.Count != 2 {
			t.Fatalf("expected 2 results, got %d", payload.Count)
		}
		if payload.Results[0].EnsembleProbability >= payload.Results[1].EnsembleProbability {
			t.Errorf("expected safe row below risky row: %v vs %v",
				payload.Results[0].EnsembleProbability, payload.Results[1].EnsembleProbability)
		}
		// Batch scoring skips the NN leg
		if payload.Results[0].NNProbability != 0 {
			t.Errorf("expected no nn probability in batch, got %v", payload.Results[0].NNProbability)
		}
	})

	t.Run("EmptyBatchRejected", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/score/batch", tenantID, "", map[string]any{
			"rows": []map[string]any{},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestCustomerEndpoints(t *testing.T) {
	server := createTestServer(t)
	trainViaAPI(t, server, testGoverningTenant)
	tenantID := "tenant-admin"

	rr := doJSON(t, server, http.MethodPost, "/transactions", tenantID, "user-admin-1", map[string]any{
		"amount":   2000.0,
		"category": "shopping",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created lifecycle.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	customerID := created.Customer.ID

	t.Run("ListCustomers", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/customers", tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var payload struct {
			Customers []domain.CustomerSummary `json:"customers"`
			Count     int                      `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &payload)
		if payload.Count != 1 {
			t.Errorf("expected 1 customer, got %d", payload.Count)
		}
	})

	t.Run("GetCustomerWithHistory", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/customers/"+customerID, tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var payload struct {
			Customer *domain.Customer    `json:"customer"`
			Scores   []*domain.RiskScore `json:"scores"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if payload.Customer == nil || payload.Customer.ID != customerID {
			t.Fatalf("unexpected customer: %+v", payload.Customer)
		}
		if len(payload.Scores) != 1 {
			t.Errorf("expected 1 history row, got %d", len(payload.Scores))
		}
	})

	t.Run("UnknownCustomerReturns404", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/customers/no-such-id", tenantID, "", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("SnapshotView", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/customers/"+customerID+"/snapshot", tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var snap domain.CustomerSnapshot
		if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if snap.CustomerID != customerID {
			t.Errorf("snapshot for wrong customer: %q", snap.CustomerID)
		}
		if snap.RiskBand == "" {
			t.Error("snapshot missing a risk band")
		}
		if snap.UpdatedAt == "" {
			t.Error("snapshot missing updatedAt")
		}
		// The cached view reflects the latest scoring event, not the
		// pre-score state
		if created.Score != nil && snap.LastScore != created.Score.EnsembleProbability {
			t.Errorf("snapshot score %v, latest event %v", snap.LastScore, created.Score.EnsembleProbability)
		}
		if created.Customer.RiskBand != "" && snap.RiskBand != created.Customer.RiskBand {
			t.Errorf("snapshot band %q, scored record %q", snap.RiskBand, created.Customer.RiskBand)
		}
	})

	t.Run("SnapshotForUnknownCustomer", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/customers/no-such-id/snapshot", tenantID, "", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/customers/"+customerID, "tenant-other", "", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 across tenants, got %d", rr.Code)
		}
	})

	t.Run("UpdateCreditLimit", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPatch, "/customers/"+customerID+"/credit-limit", tenantID, "", map[string]any{
			"creditLimit": 50000.0,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res lifecycle.Result
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.Customer.CreditLimit != 50000 {
			t.Errorf("expected limit 50000, got %v", res.Customer.CreditLimit)
		}
		// 2000 spent of the new 50000 limit
		if res.Customer.UtilisationPct != 4 {
			t.Errorf("expected utilisation 4, got %v", res.Customer.UtilisationPct)
		}
	})

	t.Run("RejectsNonPositiveLimit", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPatch, "/customers/"+customerID+"/credit-limit", tenantID, "", map[string]any{
			"creditLimit": 0.0,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UpdateControls", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPatch, "/customers/"+customerID+"/controls", tenantID, "", map[string]any{
			"spendCap":       300.0,
			"categoryBlocks": []string{"withdrawal", "gambling"},
			"alertsEnabled":  false,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res lifecycle.Result
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.Customer.SpendCap == nil || *res.Customer.SpendCap != 300 {
			t.Errorf("expected spend cap 300, got %+v", res.Customer.SpendCap)
		}
		// Blocked categories are stored normalized
		if len(res.Customer.CategoryBlocks) != 2 || res.Customer.CategoryBlocks[0] != "cash" {
			t.Errorf("expected normalized blocks, got %v", res.Customer.CategoryBlocks)
		}
		if res.Customer.AlertsEnabled {
			t.Error("expected alerts disabled")
		}

		// The cap now rejects further spend in the window
		rr = doJSON(t, server, http.MethodPost, "/transactions", tenantID, "user-admin-1", map[string]any{
			"amount":   400.0,
			"category": "dining",
		})
		if rr.Code != http.StatusPaymentRequired {
			t.Errorf("expected status 402 under the cap, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("UpdateFeatures", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPatch, "/customers/"+customerID+"/features", tenantID, "", map[string]any{
			"avgPaymentRatio":  20.0,
			"merchantMixIndex": 0.3,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res lifecycle.Result
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.Customer.AvgPaymentRatio != 20 {
			t.Errorf("expected payment ratio 20, got %v", res.Customer.AvgPaymentRatio)
		}
		if res.Customer.MerchantMixIndex != 0.3 {
			t.Errorf("expected mix index 0.3, got %v", res.Customer.MerchantMixIndex)
		}
	})

	t.Run("TopCustomers", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/customers/top?kind=latest&limit=5", tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var payload struct {
			Kind      string                   `json:"kind"`
			Customers []domain.CustomerSummary `json:"customers"`
		}
		json.Unmarshal(rr.Body.Bytes(), &payload)
		if payload.Kind != "latest" || len(payload.Customers) != 1 {
			t.Errorf("unexpected payload: %+v", payload)
		}
	})

	t.Run("UnknownTopKind", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/customers/top?kind=bogus", tenantID, "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("FullTransactionLog", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/customers/"+customerID+"/transactions", tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var payload struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &payload)
		if payload.Count != 1 {
			t.Errorf("expected 1 transaction, got %d", payload.Count)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t)
	tenantID := "tenant-rules"

	t.Run("ListBuiltins", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/rules", tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var payload struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &payload)
		if payload.Count != len(rules.BuiltinRules()) {
			t.Errorf("expected %d builtin rules, got %d", len(rules.BuiltinRules()), payload.Count)
		}
	})

	t.Run("CreateRule", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules", tenantID, "", map[string]any{
			"id":         "rule-cash-heavy",
			"name":       "cash_heavy",
			"expression": "cash_withdrawal_pct > 50.0",
			"reason":     "Cash withdrawals dominate recent spend",
			"outreach":   "Suggest a budgeting review call",
			"enabled":    true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/rules", tenantID, "", nil)
		var payload struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &payload)
		if payload.Count != len(rules.BuiltinRules())+1 {
			t.Errorf("expected %d rules after create, got %d", len(rules.BuiltinRules())+1, payload.Count)
		}
	})

	t.Run("RejectsInvalidExpression", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules", tenantID, "", map[string]any{
			"id":         "rule-broken",
			"name":       "broken",
			"expression": "this is not CEL )(",
			"enabled":    true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("RejectsMissingFields", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules", tenantID, "", map[string]any{
			"name": "no-id",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ReloadKeepsPersistedRules", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules/reload", tenantID, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/rules", tenantID, "", nil)
		var payload struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &payload)
		if payload.Count != len(rules.BuiltinRules())+1 {
			t.Errorf("expected %d rules after reload, got %d", len(rules.BuiltinRules())+1, payload.Count)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
