//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel credit risk
// scoring engine.
//
// These tests verify the COMPLETE scoring pipeline:
//
//	Transaction → Controls → Feature Refresh → Ensemble Score → Band → Alert
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TRANSACTION: A card spend event by an app user. Appending one refreshes
//    the customer's behavioural features and re-scores them.
//
// 2. MODEL: Three classifiers trained on a labeled portfolio upload
//    (logistic regression, random forest, MLP). Customers are scored with
//    the mean of the three.
//
// 3. BAND: Probability-to-band mapping on the lifecycle path:
//   - p > 0.7  → High
//   - p > 0.4  → Medium
//   - else     → Low
//
// 4. GOVERNING TENANT: The "admin" tenant owns the production model. App
//    users in any tenant are scored against it; their rows stay in their
//    own tenant.
//
// 5. CONTROLS: Per-customer spend cap, category blocks, and alert opt-out.
//    Control rejections never touch the transaction log.
//
// REQUIRED SETUP (before running tests):
//
// A model must be trained for the governing tenant, e.g.:
//
//	curl -X POST -H "X-Tenant-ID: admin" -F file=@portfolio.csv \
//	    http://localhost:8080/models/train
//
// These tests train one themselves from a generated dataset, so a fresh
// server works too.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL         string
	TenantID        string
	GoverningTenant string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	governing := os.Getenv("KESTREL_GOVERNING_TENANT")
	if governing == "" {
		governing = "admin"
	}
	return TestConfig{
		BaseURL:         baseURL,
		TenantID:        "test-tenant",
		GoverningTenant: governing,
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// TransactionRequest is the spend event sent to POST /transactions
type TransactionRequest struct {
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
	Description string  `json:"description,omitempty"`
}

// Customer is the live risk snapshot embedded in lifecycle responses
type Customer struct {
	ID             string   `json:"id"`
	CreditLimit    float64  `json:"creditLimit"`
	UtilisationPct float64  `json:"utilisationPct"`
	RiskBand       string   `json:"riskBand"`
	LastScore      *float64 `json:"lastScore"`
	AlertsEnabled  bool     `json:"alertsEnabled"`
}

// LifecycleResponse is what POST /transactions returns
type LifecycleResponse struct {
	Customer *Customer `json:"customer"`
	Scored   bool      `json:"scored"`
	Score    *struct {
		EnsembleProbability float64 `json:"ensembleProbability"`
		RiskBand            string  `json:"riskBand"`
		ModelVersion        int     `json:"modelVersion"`
	} `json:"score"`
}

// ScoreResponse is what POST /score returns
type ScoreResponse struct {
	EnsembleProbability float64 `json:"ensembleProbability"`
	RiskBand            string  `json:"riskBand"`
	ModelVersion        int     `json:"modelVersion"`
	TopFeatures         []struct {
		Feature string  `json:"feature"`
		Value   float64 `json:"value"`
	} `json:"topFeatures"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// ensureModel trains a model for the governing tenant if none is active.
// Every lifecycle scenario depends on this.
func ensureModel(t *testing.T, config TestConfig) {
	t.Helper()

	req, _ := http.NewRequest("GET", config.BaseURL+"/models/active", nil)
	req.Header.Set("X-Tenant-ID", config.GoverningTenant)
	resp, err := httpClient().Do(req)
	if err != nil {
		t.Fatalf("Failed to reach server: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return
	}

	// Generate a separable dataset: small hot-limit borrowers who skip
	// payments go delinquent; comfortable payers do not.
	rng := rand.New(rand.NewSource(11))
	var b strings.Builder
	b.WriteString("CreditLimit,UtilisationPct,AvgPaymentRatio,MinDuePaidFrequency,MerchantMixIndex,CashWithdrawalPct,RecentSpendChangePct,DPDBucketNextMonthBinary\n")
	for i := 0; i < 300; i++ {
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

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "portfolio.csv")
	part.Write([]byte(b.String()))
	mw.Close()

	trainReq, _ := http.NewRequest("POST", config.BaseURL+"/models/train", &body)
	trainReq.Header.Set("Content-Type", mw.FormDataContentType())
	trainReq.Header.Set("X-Tenant-ID", config.GoverningTenant)

	client := &http.Client{Timeout: 5 * time.Minute}
	trainResp, err := client.Do(trainReq)
	if err != nil {
		t.Fatalf("Training request failed: %v", err)
	}
	defer trainResp.Body.Close()

	switch trainResp.StatusCode {
	case http.StatusOK:
		return
	case http.StatusAccepted:
		// Async tier: wait for the version to go active
		deadline := time.Now().Add(5 * time.Minute)
		for time.Now().Before(deadline) {
			check, _ := http.NewRequest("GET", config.BaseURL+"/models/active", nil)
			check.Header.Set("X-Tenant-ID", config.GoverningTenant)
			r, err := httpClient().Do(check)
			if err == nil {
				r.Body.Close()
				if r.StatusCode == http.StatusOK {
					return
				}
			}
			time.Sleep(2 * time.Second)
		}
		t.Fatal("Queued training never activated a model")
	default:
		raw, _ := io.ReadAll(trainResp.Body)
		t.Fatalf("Training failed with status %d: %s", trainResp.StatusCode, raw)
	}
}

func postTransaction(t *testing.T, config TestConfig, userID string, req TransactionRequest) (*LifecycleResponse, int) {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)
	httpReq.Header.Set("X-User-ID", userID)

	resp, err := httpClient().Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusCreated {
		return nil, resp.StatusCode
	}

	var result LifecycleResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}
	return &result, resp.StatusCode
}

// uniqueUser avoids state bleeding between runs against a persistent server.
func uniqueUser(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// ============================================================================
// SCENARIO 1: First Transaction Creates and Scores a Customer
// ============================================================================

func TestFirstTransaction_CreatesAndScores(t *testing.T) {
	/*
	   SCENARIO: A brand-new app user makes their first $1,000 purchase

	   EXPECTED BEHAVIOR:
	   - A customer record is created with the default profile
	     (limit $100,000, utilisation recomputed from the log)
	   - The event is scored against the governing tenant's model
	   - The live snapshot mirrors the newest history row

	   FINAL STATE: customer exists, scored=true, utilisation = 1%
	*/
	config := getTestConfig()
	ensureModel(t, config)

	result, status := postTransaction(t, config, uniqueUser("user-first"), TransactionRequest{
		Amount:   1000.00,
		Category: "groceries",
	})
	if status != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", status)
	}

	// ASSERTIONS
	if result.Customer == nil {
		t.Fatal("Expected a customer in the response")
	}
	if result.Customer.CreditLimit != 100000 {
		t.Errorf("Expected default limit 100000, got %.0f", result.Customer.CreditLimit)
	}
	if !result.Scored || result.Score == nil {
		t.Fatal("Expected a scored event")
	}
	if result.Customer.UtilisationPct != 1 {
		t.Errorf("Expected utilisation 1%% (1000 of 100000), got %.2f", result.Customer.UtilisationPct)
	}
	if result.Customer.RiskBand != result.Score.RiskBand {
		t.Errorf("Live band %q does not mirror history band %q",
			result.Customer.RiskBand, result.Score.RiskBand)
	}

	t.Logf("✓ First transaction scored: band=%s, p=%.3f, model=v%d",
		result.Score.RiskBand, result.Score.EnsembleProbability, result.Score.ModelVersion)
}

// ============================================================================
// SCENARIO 2: Credit Limit Enforcement
// ============================================================================

func TestCreditLimitExceeded_Rejected(t *testing.T) {
	/*
	   SCENARIO: A customer nearly exhausts their limit, then tries to spend
	   past the remainder

	   EXPECTED BEHAVIOR:
	   - First transaction ($99,500 of $100,000) succeeds
	   - Second transaction ($1,000 with only $500 left) is rejected with
	     HTTP 402 and reason "credit_limit"
	   - The rejected transaction never enters the log

	   WHY THIS MATTERS:
	   Control rejections must not mutate state; otherwise retries would
	   double-count spend.
	*/
	config := getTestConfig()
	ensureModel(t, config)
	userID := uniqueUser("user-maxed")

	if _, status := postTransaction(t, config, userID, TransactionRequest{
		Amount:   99500.00,
		Category: "travel",
	}); status != http.StatusCreated {
		t.Fatalf("Expected 201 for the first spend, got %d", status)
	}

	body, _ := json.Marshal(TransactionRequest{Amount: 1000.00, Category: "travel"})
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/transactions", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)
	httpReq.Header.Set("X-User-ID", userID)

	resp, err := httpClient().Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("Expected 402 for exceeding the limit, got %d", resp.StatusCode)
	}

	var payload struct {
		Reason    string  `json:"reason"`
		Available float64 `json:"available"`
	}
	json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Reason != "credit_limit" {
		t.Errorf("Expected reason credit_limit, got %q", payload.Reason)
	}
	if payload.Available != 500 {
		t.Errorf("Expected 500 available, got %.2f", payload.Available)
	}

	t.Logf("✓ Over-limit spend rejected: reason=%s, available=%.0f", payload.Reason, payload.Available)
}

// ============================================================================
// SCENARIO 3: Spend Cap Control
// ============================================================================

func TestSpendCap_Enforced(t *testing.T) {
	/*
	   SCENARIO: A customer sets a $800 monthly spend cap after spending $500

	   EXPECTED BEHAVIOR:
	   - PATCH /customers/{id}/controls stores the cap and re-scores
	   - A further $400 spend breaches the cap ($900 > $800 in the window)
	     and is rejected with HTTP 402 and reason "spend_cap"
	*/
	config := getTestConfig()
	ensureModel(t, config)
	userID := uniqueUser("user-capped")

	result, status := postTransaction(t, config, userID, TransactionRequest{
		Amount:   500.00,
		Category: "shopping",
	})
	if status != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", status)
	}

	patch, _ := json.Marshal(map[string]any{"spendCap": 800.0})
	patchReq, _ := http.NewRequest("PATCH",
		config.BaseURL+"/customers/"+result.Customer.ID+"/controls", bytes.NewReader(patch))
	patchReq.Header.Set("Content-Type", "application/json")
	patchReq.Header.Set("X-Tenant-ID", config.TenantID)

	patchResp, err := httpClient().Do(patchReq)
	if err != nil {
		t.Fatalf("Controls request failed: %v", err)
	}
	patchResp.Body.Close()
	if patchResp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from controls patch, got %d", patchResp.StatusCode)
	}

	_, status = postTransaction(t, config, userID, TransactionRequest{
		Amount:   400.00,
		Category: "shopping",
	})
	if status != http.StatusPaymentRequired {
		t.Errorf("Expected 402 under the spend cap, got %d", status)
	}

	t.Logf("✓ Spend cap enforced at $800 with $500 already spent")
}

// ============================================================================
// SCENARIO 4: Analyst Scoring (/score)
// ============================================================================

func TestAnalystScore_RiskySafeSeparation(t *testing.T) {
	/*
	   SCENARIO: An analyst scores two hand-built profiles in the governing
	   tenant: a maxed-out cash-heavy borrower and a comfortable payer

	   EXPECTED BEHAVIOR:
	   - Both rows return the 3-model ensemble with top-3 attribution
	   - The risky profile scores clearly above the safe one

	   WHY THIS MATTERS:
	   Model sanity: if these two profiles are not separated, training went
	   wrong regardless of the reported AUC.
	*/
	config := getTestConfig()
	ensureModel(t, config)

	score := func(row map[string]any) ScoreResponse {
		body, _ := json.Marshal(row)
		req, _ := http.NewRequest("POST", config.BaseURL+"/score", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", config.GoverningTenant)

		resp, err := httpClient().Do(req)
		if err != nil {
			t.Fatalf("Score request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			t.Fatalf("Expected 200 from /score, got %d: %s", resp.StatusCode, raw)
		}

		var out ScoreResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("Failed to decode score response: %v", err)
		}
		return out
	}

	risky := score(map[string]any{
		"creditLimit": 25000.0, "utilisationPct": 92.0, "avgPaymentRatio": 10.0,
		"minDuePaidFrequency": 90.0, "merchantMixIndex": 0.15,
		"cashWithdrawalPct": 55.0, "recentSpendChangePct": -40.0,
	})
	safe := score(map[string]any{
		"creditLimit": 100000.0, "utilisationPct": 10.0, "avgPaymentRatio": 95.0,
		"minDuePaidFrequency": 5.0, "merchantMixIndex": 0.8,
		"cashWithdrawalPct": 2.0, "recentSpendChangePct": 5.0,
	})

	if risky.EnsembleProbability <= safe.EnsembleProbability {
		t.Errorf("Risky profile (%.3f) should outscore safe profile (%.3f)",
			risky.EnsembleProbability, safe.EnsembleProbability)
	}
	if len(risky.TopFeatures) != 3 {
		t.Errorf("Expected top-3 attribution, got %d entries", len(risky.TopFeatures))
	}

	t.Logf("✓ Separation holds: risky=%.3f (%s) vs safe=%.3f (%s)",
		risky.EnsembleProbability, risky.RiskBand, safe.EnsembleProbability, safe.RiskBand)
}

// ============================================================================
// SCENARIO 5: Risk Summary (score-on-read)
// ============================================================================

func TestRiskSummary_RefreshesBeforeReturning(t *testing.T) {
	/*
	   SCENARIO: Read the risk summary right after a spend

	   EXPECTED BEHAVIOR:
	   - GET /risk/summary re-derives features, re-scores, and returns the
	     band with explanation payload
	   - HTTP 200 with a summary body keyed by the live customer snapshot
	*/
	config := getTestConfig()
	ensureModel(t, config)
	userID := uniqueUser("user-summary")

	if _, status := postTransaction(t, config, userID, TransactionRequest{
		Amount:   2500.00,
		Category: "dining",
	}); status != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", status)
	}

	req, _ := http.NewRequest("GET", config.BaseURL+"/risk/summary", nil)
	req.Header.Set("X-Tenant-ID", config.TenantID)
	req.Header.Set("X-User-ID", userID)

	resp, err := httpClient().Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 200 from /risk/summary, got %d: %s", resp.StatusCode, raw)
	}

	var payload struct {
		Customer struct {
			RiskBand string `json:"riskBand"`
		} `json:"customer"`
		Summary map[string]any `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("Failed to decode summary: %v", err)
	}
	if payload.Customer.RiskBand == "" {
		t.Error("Expected a banded customer in the summary")
	}
	if payload.Summary == nil {
		t.Error("Expected a summary body")
	}

	t.Logf("✓ Risk summary returned: band=%s", payload.Customer.RiskBand)
}

// ============================================================================
// SCENARIO 6: Input Validation
// ============================================================================

func TestZeroAmount_Error(t *testing.T) {
	/*
	   SCENARIO: Spend event with zero amount

	   EXPECTED: HTTP 400 Bad Request (amount must be positive)
	*/
	config := getTestConfig()
	ensureModel(t, config)

	_, status := postTransaction(t, config, uniqueUser("user-zero"), TransactionRequest{
		Amount:   0,
		Category: "misc",
	})
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400 for zero amount, got %d", status)
	}

	t.Logf("✓ Validation test passed: zero amount → HTTP %d", status)
}

func TestMissingTenantHeader_Error(t *testing.T) {
	/*
	   SCENARIO: Request without X-Tenant-ID header

	   ACTUAL BEHAVIOR: Returns HTTP 400 Bad Request (not 401).
	   Tenant ID is validated as a required field; authentication happens at
	   the gateway upstream of this service.
	*/
	config := getTestConfig()

	body, _ := json.Marshal(TransactionRequest{Amount: 100, Category: "misc"})
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/transactions", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-User-ID", "user-001")
	// NO X-Tenant-ID header!

	resp, err := httpClient().Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 400 or 401 for missing tenant, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing tenant → HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 7: Model Store Invariant
// ============================================================================

func TestModelInvariant_ExactlyOneActive(t *testing.T) {
	/*
	   SCENARIO: Verify the governing tenant's model store health

	   EXPECTED BEHAVIOR:
	   - GET /models/invariant reports OK with exactly one active version
	     and loadable artifacts, no matter how many times training ran
	*/
	config := getTestConfig()
	ensureModel(t, config)

	req, _ := http.NewRequest("GET", config.BaseURL+"/models/invariant", nil)
	req.Header.Set("X-Tenant-ID", config.GoverningTenant)

	resp, err := httpClient().Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 200 from invariant check, got %d: %s", resp.StatusCode, raw)
	}

	var report struct {
		ActiveCount      int    `json:"activeCount"`
		ArtifactsPresent bool   `json:"artifactsPresent"`
		OK               bool   `json:"ok"`
		Detail           string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if !report.OK {
		t.Errorf("Store invariant broken: %s", report.Detail)
	}
	if report.ActiveCount != 1 {
		t.Errorf("Expected exactly one active version, got %d", report.ActiveCount)
	}
	if !report.ArtifactsPresent {
		t.Error("Expected loadable artifacts for the active version")
	}

	t.Logf("✓ Model store healthy: active=%d, artifacts=%v", report.ActiveCount, report.ArtifactsPresent)
}
