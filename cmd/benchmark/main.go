// Benchmark tool for load testing a running Kestrel instance.
//
// Usage:
//
//	go run ./cmd/benchmark -mode risk -csv /path/to/paysim.csv -url http://localhost:8080
//	go run ./cmd/benchmark -mode tokens -n 5000
//	go run ./cmd/benchmark -mode payments -n 500
//
// In risk mode with a PaySim CSV, each row is scored through
// POST /v1/risk/transactions and the recommendation is compared with the
// fraud label. Without a CSV every mode sends synthetic requests and reports
// latency, throughput and status codes.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PaySimTransaction represents a row from the PaySim dataset
type PaySimTransaction struct {
	Step     int
	Type     string
	Amount   float64
	NameOrig string
	IsFraud  bool
}

// RiskRequest is the POST /v1/risk/transactions body.
type RiskRequest struct {
	Amount   float64 `json:"amount"`
	DeviceID string  `json:"deviceId"`
}

// RiskResponse is the risk assessment returned by Kestrel.
type RiskResponse struct {
	Score          int      `json:"score"`
	Level          string   `json:"level"`
	Flags          []string `json:"flags"`
	Recommendation string   `json:"recommendation"`
}

// TokenRequest is the POST /v1/tokens body.
type TokenRequest struct {
	PAN         string `json:"pan"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
}

// PaymentRequest is the POST /v1/contactless/payments body.
type PaymentRequest struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// job is one request to send; label is set for labelled risk rows.
type job struct {
	path    string
	body    any
	label   bool
	labeled bool
	device  string
	amount  float64
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged for review or decline
	FalsePositives int64 // Non-fraud flagged
	TrueNegatives  int64 // Non-fraud approved
	FalseNegatives int64 // Fraud approved (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	mu        sync.Mutex
	latencies []time.Duration
	statuses  map[int]int64
}

func (m *Metrics) record(status int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, d)
	m.statuses[status]++
}

func main() {
	mode := flag.String("mode", "risk", "Endpoint to exercise: risk, tokens or payments")
	csvPath := flag.String("csv", "", "Path to PaySim CSV file (risk mode)")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	count := flag.Int("n", 1000, "Synthetic requests to send when no CSV is given")
	limit := flag.Int("limit", 10000, "Maximum CSV rows to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	devices := flag.Int("devices", 50, "Distinct synthetic device ids")
	verbose := flag.Bool("verbose", false, "Print each result")
	flag.Parse()

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|                    KESTREL LOAD BENCHMARK                     |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nMode:        %s\n", *mode)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  KESTREL_VAULT_MASTER_KEY=... go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	var jobs []job
	switch {
	case *mode == "risk" && *csvPath != "":
		fmt.Printf("\nReading PaySim data from %s...\n", *csvPath)
		transactions, err := readPaySimCSV(*csvPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
		for _, tx := range transactions {
			jobs = append(jobs, job{
				path:    "/v1/risk/transactions",
				body:    RiskRequest{Amount: tx.Amount, DeviceID: tx.NameOrig},
				label:   tx.IsFraud,
				labeled: true,
				device:  tx.NameOrig,
				amount:  tx.Amount,
			})
		}
	case *mode == "risk", *mode == "tokens", *mode == "payments":
		jobs = syntheticJobs(*mode, *count, *devices)
	default:
		fmt.Printf("ERROR: unknown mode %q\n", *mode)
		os.Exit(1)
	}
	fmt.Printf("Prepared %d requests\n", len(jobs))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(jobs, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

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

func readPaySimCSV(path string, limit int) ([]PaySimTransaction, error) {
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
		colIndex[strings.ToLower(col)] = i
	}
	for _, col := range []string{"step", "type", "amount", "nameorig", "isfraud"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var transactions []PaySimTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		step, _ := strconv.Atoi(record[colIndex["step"]])
		amount, _ := strconv.ParseFloat(record[colIndex["amount"]], 64)

		transactions = append(transactions, PaySimTransaction{
			Step:     step,
			Type:     record[colIndex["type"]],
			Amount:   amount,
			NameOrig: record[colIndex["nameorig"]],
			IsFraud:  record[colIndex["isfraud"]] == "1",
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

// Luhn-valid test numbers used for tokenization load.
var testPANs = []string{
	"4111111111111111",
	"5555555555554444",
	"378282246310005",
	"6011111111111117",
}

func syntheticJobs(mode string, n, devices int) []job {
	if devices <= 0 {
		devices = 1
	}
	jobs := make([]job, 0, n)
	for i := 0; i < n; i++ {
		device := fmt.Sprintf("bench-device-%03d", i%devices)
		switch mode {
		case "tokens":
			jobs = append(jobs, job{
				path: "/v1/tokens",
				body: TokenRequest{PAN: testPANs[i%len(testPANs)], ExpiryMonth: "12", ExpiryYear: "2030"},
			})
		case "payments":
			amount := float64(1+rand.IntN(20000)) / 100
			jobs = append(jobs, job{
				path:   "/v1/contactless/payments",
				body:   PaymentRequest{Amount: amount, Currency: "USD"},
				amount: amount,
			})
		default:
			amount := float64(rand.IntN(2000000)) / 100
			jobs = append(jobs, job{
				path:   "/v1/risk/transactions",
				body:   RiskRequest{Amount: amount, DeviceID: device},
				device: device,
				amount: amount,
			})
		}
	}
	return jobs
}

func runBenchmark(jobs []job, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{statuses: make(map[int]int64)}

	work := make(chan job, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 45 * time.Second}

			for j := range work {
				start := time.Now()
				status, body, err := post(client, baseURL+j.path, j.body)
				metrics.record(status, time.Since(start))
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil || status >= http.StatusInternalServerError {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> status %d %v\n", j.path, status, err)
					}
					continue
				}

				if !j.labeled {
					if verbose {
						fmt.Printf("%s -> %d\n", j.path, status)
					}
					continue
				}

				var result RiskResponse
				if err := json.Unmarshal(body, &result); err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					continue
				}

				if j.label {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := result.Recommendation != "approve"
				actual := j.label

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else {
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					mark := "ok"
					if predicted != actual {
						mark = "MISS"
					}
					name := j.device
					if len(name) > 10 {
						name = name[:10]
					}
					fmt.Printf("%-4s %-10s | Amount: $%12.2f | Fraud: %-5v | Kestrel: %-7s (%d) %v\n",
						mark, name, j.amount, j.label, result.Recommendation, result.Score, result.Flags)
				}
			}
		}()
	}

	for _, j := range jobs {
		work <- j
	}
	close(work)

	wg.Wait()

	return metrics
}

func post(client *http.Client, url string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kestrel-benchmark/1.0 (Linux; Mobile) AppleWebKit/537.36")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                       BENCHMARK RESULTS                       |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nREQUESTS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	codes := make([]int, 0, len(m.statuses))
	for code := range m.statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("   HTTP %3d:         %d\n", code, m.statuses[code])
	}

	if m.TotalFraud+m.TotalNonFraud > 0 {
		fmt.Printf("\nCONFUSION MATRIX\n")
		fmt.Println("                        Predicted")
		fmt.Println("                   FLAGGED    APPROVED")
		fmt.Println("              +----------+----------+")
		fmt.Printf("   Actual  F  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
		fmt.Println("              +----------+----------+")
		fmt.Printf("          NF  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
		fmt.Println("              +----------+----------+")

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

		fmt.Printf("\nDETECTION METRICS\n")
		fmt.Printf("   Precision:  %.4f\n", precision)
		fmt.Printf("   Recall:     %.4f\n", recall)
		fmt.Printf("   F1-Score:   %.4f\n", f1)
	}

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   p50 Latency:      %v\n", percentile(m.latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(m.latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(m.latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f req/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}

	fmt.Println()
}
