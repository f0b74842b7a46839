// Package benchmark - Throughput and latency measurements of the screening pipeline.
package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/nvr-ai/derm-screen/classify"
	"github.com/nvr-ai/derm-screen/errs"
	"github.com/nvr-ai/derm-screen/pipeline"
)

// Classifier runs one image through the pipeline. *pipeline.Orchestrator
// implements it.
type Classifier interface {
	Run(ctx context.Context, data []byte, observe pipeline.Observer) (*classify.Verdict, error)
}

// Scenario describes one benchmark run.
type Scenario struct {
	// Name identifies the scenario in reports.
	Name string `json:"name"`
	// Iterations is the number of measured runs.
	Iterations int `json:"iterations"`
	// WarmupRuns are executed first and not measured.
	WarmupRuns int `json:"warmup_runs"`
	// Concurrency is the number of runs in flight.
	Concurrency int `json:"concurrency"`
}

// PerformanceMetrics captures the outcome of one scenario.
type PerformanceMetrics struct {
	Scenario         Scenario       `json:"scenario"`
	Timestamp        time.Time      `json:"timestamp"`
	TotalDuration    time.Duration  `json:"total_duration"`
	LatencyP50       time.Duration  `json:"latency_p50"`
	LatencyP95       time.Duration  `json:"latency_p95"`
	LatencyMax       time.Duration  `json:"latency_max"`
	RunsPerSecond    float64        `json:"runs_per_second"`
	RiskCounts       map[string]int `json:"risk_counts"`
	ErrorCounts      map[string]int `json:"error_counts"`
	ErrorRate        float64        `json:"error_rate"`
	MemoryStats      MemoryMetrics  `json:"memory_stats"`
	NumCPU           int            `json:"num_cpu"`
	ImagesInRotation int            `json:"images_in_rotation"`
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
}

// Suite runs scenarios against a classifier over a fixed set of images.
type Suite struct {
	classifier Classifier
	images     [][]byte
	outputDir  string

	mu        sync.RWMutex
	scenarios []Scenario
	results   []PerformanceMetrics
}

// NewSuite creates a suite.
//
// Arguments:
//   - c: The classifier under test.
//   - images: Encoded images, used round-robin.
//   - outputDir: Where SaveResults writes; empty disables saving.
//
// Returns:
//   - *Suite: The suite.
func NewSuite(c Classifier, images [][]byte, outputDir string) *Suite {
	return &Suite{classifier: c, images: images, outputDir: outputDir}
}

// AddScenario queues a scenario for RunAll.
func (s *Suite) AddScenario(sc Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios = append(s.scenarios, sc)
}

// RunScenario executes a single scenario.
//
// Order of operations:
//  1. Warmup runs, errors ignored; the first one loads the model.
//  2. Measured runs, round-robin over the images, Concurrency at a time.
//  3. Latency percentiles, verdict and error tallies, memory deltas.
//
// Arguments:
//   - ctx: Bounds the scenario.
//   - sc: The scenario.
//
// Returns:
//   - *PerformanceMetrics: The measurements.
//   - error: If the scenario is invalid or ctx ends early.
func (s *Suite) RunScenario(ctx context.Context, sc Scenario) (*PerformanceMetrics, error) {
	if len(s.images) == 0 {
		return nil, errors.New("benchmark: no images")
	}
	if sc.Iterations <= 0 {
		return nil, errors.Errorf("benchmark: scenario %q needs at least one iteration", sc.Name)
	}
	if sc.Concurrency <= 0 {
		sc.Concurrency = 1
	}

	for i := 0; i < sc.WarmupRuns; i++ {
		_, _ = s.classifier.Run(ctx, s.images[i%len(s.images)], nil)
	}

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	latencies := make([]time.Duration, sc.Iterations)
	verdicts := make([]*classify.Verdict, sc.Iterations)
	failures := make([]error, sc.Iterations)

	start := time.Now()
	sem := make(chan struct{}, sc.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < sc.Iterations; i++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, errors.Wrapf(ctx.Err(), "benchmark: scenario %q interrupted", sc.Name)
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			t := time.Now()
			verdicts[idx], failures[idx] = s.classifier.Run(ctx, s.images[idx%len(s.images)], nil)
			latencies[idx] = time.Since(t)
		}(i)
	}
	wg.Wait()
	total := time.Since(start)

	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	m := &PerformanceMetrics{
		Scenario:         sc,
		Timestamp:        start,
		TotalDuration:    total,
		RunsPerSecond:    float64(sc.Iterations) / total.Seconds(),
		RiskCounts:       map[string]int{},
		ErrorCounts:      map[string]int{},
		NumCPU:           runtime.NumCPU(),
		ImagesInRotation: len(s.images),
		MemoryStats: MemoryMetrics{
			AllocBytes:      endMem.Alloc,
			TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
			SysBytes:        endMem.Sys,
			NumGC:           endMem.NumGC - startMem.NumGC,
			HeapAllocBytes:  endMem.HeapAlloc,
		},
	}
	errCount := 0
	for i := range verdicts {
		if failures[i] != nil {
			errCount++
			m.ErrorCounts[errs.KindOf(failures[i]).String()]++
			continue
		}
		m.RiskCounts[string(verdicts[i].RiskLevel)]++
	}
	m.ErrorRate = float64(errCount) / float64(sc.Iterations)

	slices.Sort(latencies)
	m.LatencyP50 = Percentile(latencies, 50)
	m.LatencyP95 = Percentile(latencies, 95)
	m.LatencyMax = latencies[len(latencies)-1]
	return m, nil
}

// Percentile returns the nearest-rank percentile of sorted durations.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	rank = min(max(rank, 0), len(sorted)-1)
	return sorted[rank]
}

// RunAll executes every queued scenario and saves the results. A failing
// scenario is logged and skipped.
func (s *Suite) RunAll(ctx context.Context) error {
	s.mu.RLock()
	scenarios := slices.Clone(s.scenarios)
	s.mu.RUnlock()

	for _, sc := range scenarios {
		m, err := s.RunScenario(ctx, sc)
		if err != nil {
			log.Error().Err(err).Str("scenario", sc.Name).Msg("scenario failed")
			continue
		}

		s.mu.Lock()
		s.results = append(s.results, *m)
		s.mu.Unlock()

		log.Info().Str("scenario", sc.Name).Float64("runs_per_second", m.RunsPerSecond).
			Dur("p95", m.LatencyP95).Float64("error_rate", m.ErrorRate).Msg("scenario completed")
	}

	if s.outputDir == "" {
		return nil
	}
	_, _, err := s.SaveResults()
	return err
}

// SaveResults writes the results as JSON and a CSV summary.
//
// Returns:
//   - string: The JSON file.
//   - string: The CSV file.
//   - error: If the directory or files cannot be written.
func (s *Suite) SaveResults() (string, string, error) {
	results := s.Results()

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", "", errors.Wrap(err, "failed to create output directory")
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(s.outputDir, fmt.Sprintf("benchmark_results_%s.json", timestamp))
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", "", errors.Wrap(err, "failed to marshal results")
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return "", "", errors.Wrap(err, "failed to write results file")
	}

	summaryFile := filepath.Join(s.outputDir, fmt.Sprintf("benchmark_summary_%s.csv", timestamp))
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return "", "", errors.Wrap(err, "failed to save summary CSV")
	}

	log.Info().Str("results", resultsFile).Str("summary", summaryFile).Msg("benchmark results saved")
	return resultsFile, summaryFile, nil
}

func saveSummaryCSV(filename string, results []PerformanceMetrics) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	header := "Scenario,Iterations,Concurrency,Runs_Per_Second,P50_ms,P95_ms,Max_ms,Alloc_MB,Error_Rate\n"
	if _, err := file.WriteString(header); err != nil {
		return err
	}
	for _, r := range results {
		line := fmt.Sprintf("%s,%d,%d,%.2f,%.2f,%.2f,%.2f,%.2f,%.4f\n",
			r.Scenario.Name,
			r.Scenario.Iterations,
			r.Scenario.Concurrency,
			r.RunsPerSecond,
			ms(r.LatencyP50),
			ms(r.LatencyP95),
			ms(r.LatencyMax),
			float64(r.MemoryStats.AllocBytes)/(1024*1024),
			r.ErrorRate,
		)
		if _, err := file.WriteString(line); err != nil {
			return err
		}
	}
	return nil
}

func ms(d time.Duration) float64 { return float64(d.Nanoseconds()) / 1e6 }

// Results returns all results so far.
func (s *Suite) Results() []PerformanceMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.results)
}
