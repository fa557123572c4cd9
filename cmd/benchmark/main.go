// Benchmark tool for replaying labeled splits against SplitGuard.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/splits.csv -url http://localhost:8000
//
// The CSV needs a header row with the columns split_id, creator_id,
// total_amount, participant_count, created_at (RFC 3339) and is_fraud, and
// may carry creator_wallet and preferred_currency. Each split is scored
// through POST /api/v1/analyze/split and the verdict is compared with the
// label. With -feedback the labels are posted back as review feedback, which
// feeds the next training run.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// LabeledSplit is one row of the benchmark CSV.
type LabeledSplit struct {
	SplitID           string
	CreatorID         string
	CreatorWallet     string
	TotalAmount       float64
	ParticipantCount  int
	PreferredCurrency string
	CreatedAt         time.Time
	IsFraud           bool
}

// SplitRequest is the SplitGuard analyze request format.
type SplitRequest struct {
	SplitID              string        `json:"split_id"`
	CreatorID            string        `json:"creator_id"`
	TotalAmount          float64       `json:"total_amount"`
	ParticipantCount     int           `json:"participant_count"`
	PreferredCurrency    string        `json:"preferred_currency,omitempty"`
	CreatorWalletAddress string        `json:"creator_wallet_address,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	Participants         []Participant `json:"participants"`
}

type Participant struct {
	AmountOwed float64 `json:"amount_owed"`
}

// AnalysisResponse is the SplitGuard analyze response format.
type AnalysisResponse struct {
	RiskScore    float64  `json:"risk_score"`
	RiskLevel    string   `json:"risk_level"`
	Flags        []string `json:"flags"`
	ModelVersion string   `json:"model_version"`
	AlertID      string   `json:"alert_id"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64
	FeedbackPosted int64

	ProcessingTimeMs int64
}

type options struct {
	baseURL    string
	workers    int
	alertLevel string
	feedback   bool
	verbose    bool
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labeled splits CSV")
	baseURL := flag.String("url", "http://localhost:8000", "SplitGuard base URL")
	limit := flag.Int("limit", 10000, "Maximum splits to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	alertLevel := flag.String("alert-level", "high", "Lowest risk level counted as a fraud verdict (medium or high)")
	postFeedback := flag.Bool("feedback", false, "Post each label back as review feedback")
	verbose := flag.Bool("verbose", false, "Print each split result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/splits.csv [-url http://localhost:8000]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *alertLevel != "medium" && *alertLevel != "high" {
		fmt.Printf("ERROR: -alert-level must be medium or high, got %q\n", *alertLevel)
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            SPLITGUARD BENCHMARK - Labeled Splits              ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("SplitGuard:   %s\n", *baseURL)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Limit:        %d\n", *limit)
	fmt.Printf("Alert Level:  %s\n", *alertLevel)
	fmt.Printf("Feedback:     %v\n", *postFeedback)
	fmt.Println()

	if err := checkReady(*baseURL); err != nil {
		fmt.Printf("ERROR: SplitGuard not ready at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure SplitGuard is running with a trained ensemble:")
		fmt.Println("  go run ./cmd/splitguard train && go run ./cmd/splitguard serve")
		os.Exit(1)
	}
	fmt.Println("✓ SplitGuard is ready")

	fmt.Printf("\nReading splits from %s...\n", *csvPath)
	splits, err := readSplitsCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(splits) == 0 {
		fmt.Println("ERROR: no rows to replay")
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d splits\n", len(splits))

	fraudCount := 0
	for _, s := range splits {
		if s.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(splits)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(splits)-fraudCount, 100*float64(len(splits)-fraudCount)/float64(len(splits)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(context.Background(), splits, options{
		baseURL:    *baseURL,
		workers:    *workers,
		alertLevel: *alertLevel,
		feedback:   *postFeedback,
		verbose:    *verbose,
	})
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkReady(baseURL string) error {
	resp, err := http.Get(baseURL + "/api/v1/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

func readSplitsCSV(path string, limit int) ([]LabeledSplit, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"split_id", "creator_id", "total_amount", "participant_count", "created_at", "is_fraud"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	col := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var splits []LabeledSplit
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := strconv.ParseFloat(col(record, "total_amount"), 64)
		if err != nil {
			continue
		}
		count, err := strconv.Atoi(col(record, "participant_count"))
		if err != nil {
			continue
		}
		created, err := time.Parse(time.RFC3339, col(record, "created_at"))
		if err != nil {
			continue
		}
		label := strings.ToLower(col(record, "is_fraud"))

		splits = append(splits, LabeledSplit{
			SplitID:           col(record, "split_id"),
			CreatorID:         col(record, "creator_id"),
			CreatorWallet:     col(record, "creator_wallet"),
			TotalAmount:       amount,
			ParticipantCount:  count,
			PreferredCurrency: col(record, "preferred_currency"),
			CreatedAt:         created,
			IsFraud:           label == "1" || label == "true",
		})

		if limit > 0 && len(splits) >= limit {
			break
		}
	}

	return splits, nil
}

func runBenchmark(ctx context.Context, splits []LabeledSplit, opts options) *Metrics {
	metrics := &Metrics{}
	client := &http.Client{Timeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.workers, 1))

	for _, s := range splits {
		g.Go(func() error {
			start := time.Now()
			result, err := analyzeSplit(ctx, client, opts.baseURL, s)
			atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
			atomic.AddInt64(&metrics.TotalProcessed, 1)

			if err != nil {
				atomic.AddInt64(&metrics.TotalErrors, 1)
				if opts.verbose {
					fmt.Printf("ERROR: %s -> %v\n", s.SplitID, err)
				}
				return nil
			}

			if s.IsFraud {
				atomic.AddInt64(&metrics.TotalFraud, 1)
			} else {
				atomic.AddInt64(&metrics.TotalNonFraud, 1)
			}

			predicted := result.RiskLevel == "high" || (opts.alertLevel == "medium" && result.RiskLevel == "medium")
			actual := s.IsFraud
			switch {
			case predicted && actual:
				atomic.AddInt64(&metrics.TruePositives, 1)
			case predicted && !actual:
				atomic.AddInt64(&metrics.FalsePositives, 1)
			case !predicted && !actual:
				atomic.AddInt64(&metrics.TrueNegatives, 1)
			default:
				atomic.AddInt64(&metrics.FalseNegatives, 1)
			}

			if opts.feedback && result.AlertID != "" {
				if err := postFeedback(ctx, client, opts.baseURL, result.AlertID, predicted, actual); err == nil {
					atomic.AddInt64(&metrics.FeedbackPosted, 1)
				} else if opts.verbose {
					fmt.Printf("ERROR: feedback for %s -> %v\n", s.SplitID, err)
				}
			}

			if opts.verbose {
				status := "✓"
				if predicted != actual {
					status = "✗"
				}
				fmt.Printf("%s %-12.12s | Amount: %12.2f | Participants: %3d | Fraud: %-5v | SplitGuard: %-6s (%.2f) %v\n",
					status, s.SplitID, s.TotalAmount, s.ParticipantCount, s.IsFraud,
					result.RiskLevel, result.RiskScore, result.Flags)
			}
			return nil
		})
	}
	_ = g.Wait()

	return metrics
}

func analyzeSplit(ctx context.Context, client *http.Client, baseURL string, s LabeledSplit) (*AnalysisResponse, error) {
	req := SplitRequest{
		SplitID:              s.SplitID,
		CreatorID:            s.CreatorID,
		TotalAmount:          s.TotalAmount,
		ParticipantCount:     s.ParticipantCount,
		PreferredCurrency:    s.PreferredCurrency,
		CreatorWalletAddress: s.CreatorWallet,
		CreatedAt:            s.CreatedAt,
	}
	share := s.TotalAmount / float64(s.ParticipantCount)
	for i := 0; i < s.ParticipantCount; i++ {
		req.Participants = append(req.Participants, Participant{AmountOwed: share})
	}

	var result AnalysisResponse
	if err := postJSON(ctx, client, baseURL+"/api/v1/analyze/split", req, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func postFeedback(ctx context.Context, client *http.Client, baseURL, alertID string, predicted, actual bool) error {
	feedbackType := "true_negative"
	switch {
	case predicted && actual:
		feedbackType = "true_positive"
	case predicted && !actual:
		feedbackType = "false_positive"
	case !predicted && actual:
		feedbackType = "false_negative"
	}
	return postJSON(ctx, client, baseURL+"/api/v1/feedback", map[string]any{
		"alert_id":      alertID,
		"is_fraud":      actual,
		"feedback_type": feedbackType,
		"reviewed_by":   "benchmark",
	}, http.StatusCreated, nil)
}

func postJSON(ctx context.Context, client *http.Client, url string, body any, want int, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	if m.FeedbackPosted > 0 {
		fmt.Printf("   Feedback Posted:  %d\n", m.FeedbackPosted)
	}

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   FRAUD       LEGIT")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

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
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f splits/sec\n", tps)
	}

	fmt.Println()
}
