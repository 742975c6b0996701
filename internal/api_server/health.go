package apiserver

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/mackerelio/go-osstat/loadavg"
	"github.com/mackerelio/go-osstat/memory"
	"github.com/steambundleapi/bundleapi/internal/api_server/middleware"
)

type HealthStatus string

const (
	StatusUp       HealthStatus = "UP"
	StatusDegraded HealthStatus = "DEGRADED"
	StatusWarning  HealthStatus = "WARNING"
)

type MemoryReport struct {
	HeapUsed    uint64 `json:"heapUsed"`
	HeapTotal   uint64 `json:"heapTotal"`
	HeapLimit   uint64 `json:"heapLimit"`
	SystemTotal uint64 `json:"systemTotal"`
	SystemFree  uint64 `json:"systemFree"`
}

type CPUReport struct {
	LoadAverage [3]float64 `json:"loadAverage"`
	Cores       int        `json:"cores"`
}

type HealthReport struct {
	Status    HealthStatus    `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Uptime    float64         `json:"uptime"`
	Memory    MemoryReport    `json:"memory"`
	CPU       CPUReport       `json:"cpu"`
	Files     map[string]bool `json:"files"`
}

// HealthReporter answers GET /health. A missing data file makes the service
// DEGRADED; heap use above the ceiling makes it WARNING. DEGRADED wins.
type HealthReporter struct {
	dataDir string
	files   []string
	ceiling uint64
	started time.Time

	now     func() time.Time
	heap    func() (used, total uint64)
	system  func() (total, free uint64, err error)
	loadavg func() ([3]float64, error)
}

func NewHealthReporter(dataDir string, files []string, heapCeiling uint64) *HealthReporter {
	return &HealthReporter{
		dataDir: dataDir,
		files:   files,
		ceiling: heapCeiling,
		started: time.Now(),
		now:     time.Now,
		heap:    runtimeHeap,
		system:  systemMemory,
		loadavg: systemLoad,
	}
}

func (h *HealthReporter) Report() HealthReport {
	now := h.now()
	report := HealthReport{
		Status:    StatusUp,
		Timestamp: now.UTC(),
		Uptime:    now.Sub(h.started).Seconds(),
		Files:     make(map[string]bool, len(h.files)),
		CPU:       CPUReport{Cores: runtime.NumCPU()},
	}

	report.Memory.HeapUsed, report.Memory.HeapTotal = h.heap()
	report.Memory.HeapLimit = h.ceiling
	if total, free, err := h.system(); err == nil {
		report.Memory.SystemTotal = total
		report.Memory.SystemFree = free
	}
	if load, err := h.loadavg(); err == nil {
		report.CPU.LoadAverage = load
	}

	missing := false
	for _, name := range h.files {
		_, err := os.Stat(filepath.Join(h.dataDir, name))
		report.Files[name] = err == nil
		if err != nil {
			missing = true
		}
	}

	switch {
	case missing:
		report.Status = StatusDegraded
	case h.ceiling > 0 && report.Memory.HeapUsed > h.ceiling:
		report.Status = StatusWarning
	}
	return report
}

func (h *HealthReporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.Report())
}

func runtimeHeap() (uint64, uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse, ms.HeapSys
}

func systemMemory() (uint64, uint64, error) {
	stats, err := memory.Get()
	if err != nil {
		return 0, 0, err
	}
	return stats.Total, stats.Free, nil
}

func systemLoad() ([3]float64, error) {
	stats, err := loadavg.Get()
	if err != nil {
		return [3]float64{}, err
	}
	return [3]float64{stats.Loadavg1, stats.Loadavg5, stats.Loadavg15}, nil
}

// HealthChecker is a minimal contract for readiness checks.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// ReadyzHandler runs every check within timeout and answers 503 on the first
// failure. The response body is empty.
func ReadyzHandler(timeout time.Duration, checks ...HealthChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		to := timeout
		if to <= 0 {
			to = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), to)
		defer cancel()

		for _, c := range checks {
			if c == nil {
				continue
			}
			if err := c.CheckHealth(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
	})
}

// HealthzHandler always answers 200. The response body is empty.
func HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
