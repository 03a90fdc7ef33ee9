// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ScenarioReport is the outcome of one scenario run.
type ScenarioReport struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Duration    string         `json:"duration"`
	Status      string         `json:"status"` // running|passed|failed
	Error       string         `json:"error,omitempty"`
	Metrics     map[string]any `json:"metrics"`
}

// Reporter collects scenario reports and writes them as JSON on Close.
type Reporter struct {
	outputFile string
	logger     *slog.Logger

	mu      sync.Mutex
	reports []*ScenarioReport
}

// NewReporter creates a new reporter
func NewReporter(outputFile string, logger *slog.Logger) *Reporter {
	return &Reporter{outputFile: outputFile, logger: logger}
}

// StartScenario starts tracking a new scenario
func (r *Reporter) StartScenario(name, description string) *ScenarioReport {
	report := &ScenarioReport{
		Name:        name,
		Description: description,
		StartTime:   time.Now(),
		Status:      "running",
		Metrics:     make(map[string]any),
	}
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
	return report
}

// FinishScenario records the scenario's outcome.
func (r *Reporter) FinishScenario(report *ScenarioReport, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime).String()
	if err != nil {
		report.Status = "failed"
		report.Error = err.Error()
		r.logger.Error("Scenario failed", "name", report.Name, "error", err)
		return
	}
	report.Status = "passed"
	r.logger.Info("Scenario passed", "name", report.Name, "duration", report.Duration)
}

// Reports returns the reports collected so far.
func (r *Reporter) Reports() []ScenarioReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ScenarioReport, len(r.reports))
	for i, rep := range r.reports {
		out[i] = *rep
	}
	return out
}

// Close finalizes the reporter and writes output if configured
func (r *Reporter) Close() error {
	if r.outputFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(map[string]any{
		"generated_at": time.Now().UTC(),
		"scenarios":    r.Reports(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(r.outputFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	r.logger.Info("Report written", "file", r.outputFile)
	return nil
}
