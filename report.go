package devicecheck

import (
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo describes the machine a diagnostic session ran on.
type HostInfo struct {
	Hostname        string `json:"hostname,omitempty"`
	OS              string `json:"os,omitempty"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platformVersion,omitempty"`
	KernelVersion   string `json:"kernelVersion,omitempty"`
	KernelArch      string `json:"kernelArch,omitempty"`
	UptimeSeconds   uint64 `json:"uptimeSeconds,omitempty"`
	CPUs            int    `json:"cpus,omitempty"`
	TotalMemMB      uint64 `json:"totalMemMb,omitempty"`
}

// CollectHostInfo gathers host metadata, best effort. Fields that cannot
// be read stay empty.
func CollectHostInfo() HostInfo {
	info := HostInfo{CPUs: runtime.NumCPU()}
	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		info.CPUs = counts
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemMB = vm.Total / (1 << 20)
	}
	stat, err := host.Info()
	if err != nil {
		return info
	}
	info.Hostname = stat.Hostname
	info.OS = stat.OS
	info.Platform = stat.Platform
	info.PlatformVersion = stat.PlatformVersion
	info.KernelVersion = stat.KernelVersion
	info.KernelArch = stat.KernelArch
	info.UptimeSeconds = stat.Uptime
	return info
}

// Summary counts results by status.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Summarize tallies results by status.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// Report is the full record of one diagnostic session.
type Report struct {
	SessionID    string            `json:"sessionId"`
	GeneratedAt  time.Time         `json:"generatedAt"`
	Environment  string            `json:"environment"`
	Capabilities *CapabilityReport `json:"capabilities,omitempty"`
	Host         HostInfo          `json:"host"`
	Results      []Result          `json:"results"`
	Summary      Summary           `json:"summary"`
}

// NewReport assembles a report from a finished session.
func NewReport(envName string, caps *CapabilityReport, results []Result) *Report {
	return &Report{
		SessionID:    uuid.NewString(),
		GeneratedAt:  time.Now().UTC(),
		Environment:  envName,
		Capabilities: caps,
		Host:         CollectHostInfo(),
		Results:      results,
		Summary:      Summarize(results),
	}
}

// Passed reports whether the session had no failing tests. Skipped tests
// do not count against it.
func (r *Report) Passed() bool {
	return r.Summary.Failed == 0
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// WriteFile writes the JSON report to path.
func (r *Report) WriteFile(path string) error {
	data, err := r.JSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
