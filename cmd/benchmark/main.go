// Benchmark tool for replaying a labelled document set against Vigil.
//
// Usage:
//
//	go run ./cmd/benchmark -manifest /path/to/manifest.csv -url http://localhost:8080
//
// The manifest is a CSV with a header row and the columns
// path,assureId,sinisterNumber,amount,isFraud. Paths are resolved relative
// to the manifest. Each document is uploaded to POST /documents and the band
// returned by the workflow is compared with the label: a fraudulent band is
// a positive prediction, suspicious and safe are negatives.
package main

import (
	"bytes"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Sample is one row of the manifest.
type Sample struct {
	Path           string
	AssureID       string
	SinisterNumber string
	Amount         string
	IsFraud        bool
}

// UploadResponse is the subset of the processing result the tool reads.
type UploadResponse struct {
	EventID  string   `json:"eventId"`
	Band     string   `json:"band"`
	Status   string   `json:"status"`
	AlertIDs []string `json:"alertIds"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	Suspicious int64
	Pending    int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	manifest := flag.String("manifest", "", "Path to the labelled manifest CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Vigil base URL")
	userID := flag.String("user", "benchmark", "Value of the X-User-ID header")
	limit := flag.Int("limit", 1000, "Maximum documents to upload (0 = all)")
	workers := flag.Int("workers", 4, "Number of concurrent uploads")
	verbose := flag.Bool("verbose", false, "Print each document result")
	flag.Parse()

	if *manifest == "" {
		fmt.Println("Usage: benchmark -manifest /path/to/manifest.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("VIGIL BENCHMARK - labelled document replay")
	fmt.Printf("\nManifest:  %s\n", *manifest)
	fmt.Printf("Vigil URL: %s\n", *baseURL)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Printf("Limit:     %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Vigil not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Vigil is running:")
		fmt.Println("  go run ./cmd/vigil")
		os.Exit(1)
	}
	fmt.Println("Vigil is healthy")

	samples, err := readManifest(*manifest, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read manifest: %v\n", err)
		os.Exit(1)
	}
	if len(samples) == 0 {
		fmt.Println("ERROR: manifest has no usable rows")
		os.Exit(1)
	}

	fraudCount := 0
	for _, s := range samples {
		if s.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d documents (%d labelled fraud)\n", len(samples), fraudCount)

	fmt.Printf("\nUploading with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(samples, *baseURL, *userID, *workers, *verbose)
	printResults(metrics, time.Since(startTime))
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

func readManifest(path string, limit int) ([]Sample, error) {
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
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"path", "assureid", "isfraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	dir := filepath.Dir(path)
	var samples []Sample
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		p := field(record, "path")
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		label := strings.ToLower(field(record, "isfraud"))
		samples = append(samples, Sample{
			Path:           p,
			AssureID:       field(record, "assureid"),
			SinisterNumber: field(record, "sinisternumber"),
			Amount:         field(record, "amount"),
			IsFraud:        label == "1" || label == "true",
		})
		if limit > 0 && len(samples) >= limit {
			break
		}
	}
	return samples, nil
}

func runBenchmark(samples []Sample, baseURL, userID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	work := make(chan Sample, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 60 * time.Second}

			for s := range work {
				start := time.Now()
				result, err := uploadDocument(client, baseURL, userID, s)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", filepath.Base(s.Path), err)
					}
					continue
				}
				if result.Status == "pending" {
					atomic.AddInt64(&metrics.Pending, 1)
					continue
				}

				if s.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}
				if result.Band == "suspicious" {
					atomic.AddInt64(&metrics.Suspicious, 1)
				}

				predicted := result.Band == "fraudulent"
				switch {
				case predicted && s.IsFraud:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !s.IsFraud:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !s.IsFraud:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					mark := "ok"
					if predicted != s.IsFraud {
						mark = "!!"
					}
					fmt.Printf("%s %-30s | assure: %-12s | fraud: %-5v | band: %-10s | alerts: %d\n",
						mark,
						filepath.Base(s.Path),
						s.AssureID,
						s.IsFraud,
						result.Band,
						len(result.AlertIDs),
					)
				}
			}
		}()
	}

	for _, s := range samples {
		work <- s
	}
	close(work)
	wg.Wait()

	return metrics
}

func uploadDocument(client *http.Client, baseURL, userID string, s Sample) (*UploadResponse, error) {
	content, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(s.Path))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	fields := map[string]string{
		"assureId":       s.AssureID,
		"sinisterNumber": s.SinisterNumber,
		"amount":         s.Amount,
		"source":         "external_api",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/documents", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", userID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDataset\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Labelled Fraud:   %d\n", m.TotalFraud)
	fmt.Printf("   Labelled Clean:   %d\n", m.TotalNonFraud)
	fmt.Printf("   Left Pending:     %d\n", m.Pending)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nConfusion matrix (fraudulent band = positive)\n")
	fmt.Println("                    fraudulent   other")
	fmt.Printf("   labelled fraud   %10d %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("   labelled clean   %10d %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Printf("   suspicious band  %10d\n", m.Suspicious)

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	accuracy := ratio(m.TruePositives+m.TrueNegatives, total)

	fmt.Printf("\nDetection\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPerformance\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f docs/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
