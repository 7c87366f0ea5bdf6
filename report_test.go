package devicecheck

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func sampleResults() []Result {
	now := time.Now()
	return []Result{
		{TestType: "camera", Status: StatusPassed, Duration: 1200 * time.Millisecond, Attempts: 1, Timestamp: now},
		{TestType: "microphone", Status: StatusFailed, Duration: 300 * time.Millisecond, Attempts: 2, Timestamp: now,
			Error: "Microphone access was denied. Check your browser settings.", Code: CodePermissionDenied},
		{TestType: "speaker", Status: StatusSkipped, Duration: 10 * time.Millisecond, Attempts: 0, Timestamp: now},
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		results []Result
		want    Summary
	}{
		{"empty", nil, Summary{}},
		{"mixed", sampleResults(), Summary{Total: 3, Passed: 1, Failed: 1, Skipped: 1}},
		{"all passed", []Result{
			{Status: StatusPassed}, {Status: StatusPassed},
		}, Summary{Total: 2, Passed: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.results); got != tt.want {
				t.Errorf("Summarize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReport_Passed(t *testing.T) {
	failed := NewReport("synthetic", nil, sampleResults())
	if failed.Passed() {
		t.Error("Passed() = true with a failing result")
	}

	// Skips do not count against the session.
	clean := NewReport("synthetic", nil, []Result{
		{TestType: "camera", Status: StatusPassed},
		{TestType: "speaker", Status: StatusSkipped},
	})
	if !clean.Passed() {
		t.Error("Passed() = false although nothing failed")
	}
}

func TestNewReport(t *testing.T) {
	syn := NewSyntheticEnvironment(SyntheticConfig{Devices: DefaultSyntheticDevices()})
	caps := DetectCapabilities(syn.Environment())

	report := NewReport("synthetic", caps, sampleResults())

	if _, err := uuid.Parse(report.SessionID); err != nil {
		t.Errorf("SessionID %q is not a UUID: %v", report.SessionID, err)
	}
	if report.GeneratedAt.Location() != time.UTC {
		t.Errorf("GeneratedAt zone = %v, want UTC", report.GeneratedAt.Location())
	}
	if time.Since(report.GeneratedAt) > time.Minute {
		t.Errorf("GeneratedAt = %v, want roughly now", report.GeneratedAt)
	}
	if report.Environment != "synthetic" {
		t.Errorf("Environment = %q, want synthetic", report.Environment)
	}
	if report.Capabilities == nil {
		t.Error("Capabilities missing from the report")
	}
	if report.Host.CPUs <= 0 {
		t.Errorf("Host.CPUs = %d, want > 0", report.Host.CPUs)
	}
	if report.Summary.Total != 3 {
		t.Errorf("Summary.Total = %d, want 3", report.Summary.Total)
	}
}

func TestReport_JSONFieldNames(t *testing.T) {
	report := NewReport("synthetic", nil, sampleResults())

	data, err := report.JSON()
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report does not round-trip: %v", err)
	}
	for _, key := range []string{"sessionId", "generatedAt", "environment", "host", "results", "summary"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("report JSON missing %q", key)
		}
	}

	results, ok := decoded["results"].([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("results = %v, want 3 entries", decoded["results"])
	}
	passed := results[0].(map[string]any)
	for _, key := range []string{"testType", "status", "durationMs", "attempts", "timestamp"} {
		if _, ok := passed[key]; !ok {
			t.Errorf("result JSON missing %q", key)
		}
	}
	if passed["durationMs"] != float64(1200) {
		t.Errorf("durationMs = %v, want 1200", passed["durationMs"])
	}
	if _, ok := passed["error"]; ok {
		t.Error("passing result carries an error field")
	}

	failed := results[1].(map[string]any)
	if failed["code"] != CodePermissionDenied.String() {
		t.Errorf("failed result code = %v, want %v", failed["code"], CodePermissionDenied)
	}
}

func TestReport_WriteFile(t *testing.T) {
	report := NewReport("synthetic", nil, sampleResults())
	path := filepath.Join(t.TempDir(), "report.json")

	if err := report.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		t.Error("report file is not newline-terminated")
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("written report does not parse: %v", err)
	}
	if decoded.SessionID != report.SessionID {
		t.Errorf("SessionID = %q, want %q", decoded.SessionID, report.SessionID)
	}
	if decoded.Summary != report.Summary {
		t.Errorf("Summary = %+v, want %+v", decoded.Summary, report.Summary)
	}
	if len(decoded.Results) != len(report.Results) {
		t.Fatalf("Results len = %d, want %d", len(decoded.Results), len(report.Results))
	}
	if got := decoded.Results[0].Duration; got != 1200*time.Millisecond {
		t.Errorf("decoded Duration = %v, want 1.2s", got)
	}
	if got := decoded.Results[1].Code; got != CodePermissionDenied {
		t.Errorf("decoded Code = %v, want %v", got, CodePermissionDenied)
	}
}

func TestCollectHostInfo(t *testing.T) {
	info := CollectHostInfo()
	if info.CPUs <= 0 {
		t.Errorf("CPUs = %d, want > 0", info.CPUs)
	}
}
