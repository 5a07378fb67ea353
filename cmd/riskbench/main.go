// Benchmark tool for testing Kestrel against labeled delinquency data.
//
// Usage:
//   go run cmd/riskbench/main.go -csv /path/to/portfolio.csv -url http://localhost:8080
//
// This tool:
//   1. Reads a labeled credit portfolio CSV (the training upload format)
//   2. Optionally trains a model from the same file first (-train)
//   3. Scores each row through POST /score
//   4. Compares the ensemble probability against the actual delinquency
//      labels and reports precision, recall, F1-score and a confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PortfolioRow is one labeled customer row from the benchmark CSV.
type PortfolioRow struct {
	CreditLimit          float64
	UtilisationPct       float64
	AvgPaymentRatio      float64
	MinDuePaidFrequency  float64
	MerchantMixIndex     float64
	CashWithdrawalPct    float64
	RecentSpendChangePct float64
	Delinquent           bool
}

// ScoreRequest is the Kestrel /score request format.
type ScoreRequest struct {
	CreditLimit          float64 `json:"creditLimit"`
	UtilisationPct       float64 `json:"utilisationPct"`
	AvgPaymentRatio      float64 `json:"avgPaymentRatio"`
	MinDuePaidFrequency  float64 `json:"minDuePaidFrequency"`
	MerchantMixIndex     float64 `json:"merchantMixIndex"`
	CashWithdrawalPct    float64 `json:"cashWithdrawalPct"`
	RecentSpendChangePct float64 `json:"recentSpendChangePct"`
}

// ScoreResponse is the Kestrel /score response format.
type ScoreResponse struct {
	EnsembleProbability float64 `json:"ensembleProbability"`
	RiskBand            string  `json:"riskBand"`
	ModelVersion        int     `json:"modelVersion"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Delinquent scored above threshold
	FalsePositives int64 // Current scored above threshold
	TrueNegatives  int64 // Current scored below threshold
	FalseNegatives int64 // Delinquent scored below threshold (missed!)

	TotalProcessed  int64
	TotalDelinquent int64
	TotalCurrent    int64
	TotalErrors     int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled portfolio CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum rows to score (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	threshold := flag.Float64("threshold", 0.5, "Probability cutoff for a positive call")
	train := flag.Bool("train", false, "Upload the CSV and train before scoring")
	verbose := flag.Bool("verbose", false, "Print each row result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: riskbench -csv /path/to/portfolio.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║       KESTREL BENCHMARK - Delinquency Risk Scoring            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Threshold:   %.2f\n", *threshold)
	fmt.Printf("Train First: %v\n", *train)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Train a model from the same file first if asked
	if *train {
		fmt.Printf("\nTraining a model for tenant %s...\n", *tenantID)
		version, err := trainModel(*baseURL, *tenantID, *csvPath)
		if err != nil {
			fmt.Printf("ERROR: Training failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Model v%d trained and activated\n", version)
	}

	// Read portfolio data
	fmt.Printf("\nReading portfolio data from %s...\n", *csvPath)
	rows, err := readPortfolioCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d rows\n", len(rows))

	// Count labels
	delinquentCount := 0
	for _, row := range rows {
		if row.Delinquent {
			delinquentCount++
		}
	}
	fmt.Printf("  - Delinquent: %d (%.2f%%)\n", delinquentCount, 100*float64(delinquentCount)/float64(len(rows)))
	fmt.Printf("  - Current:    %d (%.2f%%)\n", len(rows)-delinquentCount, 100*float64(len(rows)-delinquentCount)/float64(len(rows)))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(rows, *baseURL, *tenantID, *workers, *threshold, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func trainModel(baseURL, tenantID, csvPath string) (int, error) {
	file, err := os.Open(csvPath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "portfolio.csv")
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return 0, err
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, baseURL+"/models/train", &body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Tenant-ID", tenantID)

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}

	var result struct {
		Version int `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}

	// Async training: poll until the version goes active
	if resp.StatusCode == http.StatusAccepted {
		if err := awaitActive(client, baseURL, tenantID, result.Version); err != nil {
			return 0, err
		}
	}
	return result.Version, nil
}

func awaitActive(client *http.Client, baseURL, tenantID string, version int) error {
	deadline := time.Now().Add(5 * time.Minute)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/models/active", nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Tenant-ID", tenantID)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}

		var mv struct {
			Version int `json:"version"`
		}
		if resp.StatusCode == http.StatusOK {
			json.NewDecoder(resp.Body).Decode(&mv)
		}
		resp.Body.Close()

		if mv.Version >= version {
			return nil
		}
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("model v%d not active after 5 minutes", version)
}

func readPortfolioCSV(path string, limit int) ([]PortfolioRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	required := []string{
		"creditlimit", "utilisationpct", "avgpaymentratio", "minduepaidfrequency",
		"merchantmixindex", "cashwithdrawalpct", "recentspendchangepct",
		"dpdbucketnextmonthbinary",
	}
	for _, col := range required {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var rows []PortfolioRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		field := func(name string) float64 {
			v, _ := strconv.ParseFloat(strings.TrimSpace(record[colIndex[name]]), 64)
			return v
		}

		rows = append(rows, PortfolioRow{
			CreditLimit:          field("creditlimit"),
			UtilisationPct:       field("utilisationpct"),
			AvgPaymentRatio:      field("avgpaymentratio"),
			MinDuePaidFrequency:  field("minduepaidfrequency"),
			MerchantMixIndex:     field("merchantmixindex"),
			CashWithdrawalPct:    field("cashwithdrawalpct"),
			RecentSpendChangePct: field("recentspendchangepct"),
			Delinquent:           field("dpdbucketnextmonthbinary") >= 0.5,
		})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

func runBenchmark(rows []PortfolioRow, baseURL, tenantID string, numWorkers int, threshold float64, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan PortfolioRow, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				start := time.Now()
				result, err := scoreRow(client, baseURL, tenantID, row)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %v\n", err)
					}
					continue
				}

				// Track actual labels
				if row.Delinquent {
					atomic.AddInt64(&metrics.TotalDelinquent, 1)
				} else {
					atomic.AddInt64(&metrics.TotalCurrent, 1)
				}

				// Calculate confusion matrix
				predicted := result.EnsembleProbability >= threshold
				actual := row.Delinquent

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if (predicted && !actual) || (!predicted && actual) {
						status = "✗"
					}
					fmt.Printf("%s Limit: $%9.0f | Util: %5.1f%% | Pay: %5.1f%% | Delinquent: %-5v | Kestrel: %.3f %-9s\n",
						status,
						row.CreditLimit,
						row.UtilisationPct,
						row.AvgPaymentRatio,
						row.Delinquent,
						result.EnsembleProbability,
						result.RiskBand,
					)
				}
			}
		}()
	}

	// Send work
	for _, row := range rows {
		work <- row
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func scoreRow(client *http.Client, baseURL, tenantID string, row PortfolioRow) (*ScoreResponse, error) {
	req := ScoreRequest{
		CreditLimit:          row.CreditLimit,
		UtilisationPct:       row.UtilisationPct,
		AvgPaymentRatio:      row.AvgPaymentRatio,
		MinDuePaidFrequency:  row.MinDuePaidFrequency,
		MerchantMixIndex:     row.MerchantMixIndex,
		CashWithdrawalPct:    row.CashWithdrawalPct,
		RecentSpendChangePct: row.RecentSpendChangePct,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Delinquent: %d\n", m.TotalDelinquent)
	fmt.Printf("   Total Current:    %d\n", m.TotalCurrent)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    RISK        SAFE")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  D  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged rows, how many went delinquent)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of delinquents, how many did we flag)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	// Detection rate analysis
	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalDelinquent > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalDelinquent) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalDelinquent) * 100
		fmt.Printf("   Delinquents Flagged: %d / %d (%.2f%%)\n", m.TruePositives, m.TotalDelinquent, detectionRate)
		fmt.Printf("   Delinquents Missed:  %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalDelinquent, missRate)
	}
	if m.TotalCurrent > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalCurrent) * 100
		fmt.Printf("   False Alarms:        %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalCurrent, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f rows/sec\n", rps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most delinquencies early")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but some delinquents slip through")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant delinquency being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most delinquency is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
