package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/cpu"

	"github.com/23skdu/longbow-pagedattn/internal/logger"
	"github.com/23skdu/longbow-pagedattn/internal/metrics"
	"github.com/23skdu/longbow-pagedattn/internal/tensor"
)

const (
	maxRuns   = 1000
	maxAlerts = 100
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Kernel      KernelInfo      `json:"kernel"`
	Performance PerformanceInfo `json:"performance"`
	Recent      []Run           `json:"recent_runs"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string   `json:"go_version"`
	OS           string   `json:"os"`
	Arch         string   `json:"arch"`
	NumCPU       int      `json:"num_cpu"`
	CPUFeatures  []string `json:"cpu_features"`
	MemoryMB     int      `json:"memory_mb"`
	MemoryUsedMB int      `json:"memory_used_mb"`
}

// KernelInfo describes the launch configuration being served.
type KernelInfo struct {
	PagesPerComputeBlock int    `json:"pages_per_compute_block"`
	Megacore             string `json:"megacore"`
	InlineSeqDim         bool   `json:"inline_seq_dim"`
	ChainCells           bool   `json:"chain_cells"`
	BlocksProcessed      int64  `json:"blocks_processed"`
	ScratchBytes         int64  `json:"scratch_bytes"`
}

// PerformanceInfo contains performance metrics
type PerformanceInfo struct {
	Runs          int       `json:"runs"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	P95LatencyMs  float64   `json:"p95_latency_ms"`
	ErrorRate     float64   `json:"error_rate"`
	LastExecution time.Time `json:"last_execution"`
}

// Run is one attention call seen by the monitor.
type Run struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	Batch     int           `json:"batch"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // kernel, flight, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HealthMonitor tracks recent runs and alerts and serves them over HTTP.
type HealthMonitor struct {
	startTime time.Time
	version   string
	kernel    KernelInfo

	// SlowRun is the latency above which a run raises a warning.
	SlowRun time.Duration

	mu     sync.RWMutex
	alerts []Alert
	runs   []Run
}

func NewHealthMonitor(version string, kernel KernelInfo) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		version:   version,
		kernel:    kernel,
		SlowRun:   5 * time.Second,
	}
}

// Handler builds the echo instance serving the monitor endpoints.
func (hm *HealthMonitor) Handler() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())

	e.GET("/health", hm.handleHealth)
	e.GET("/healthz", hm.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/status", hm.handleDetailedStatus)
	e.GET("/admin/alerts", hm.handleAlerts)
	e.POST("/admin/clear-alerts", hm.handleClearAlerts)
	return e
}

// Start serves the monitor on addr until ctx is canceled.
func (hm *HealthMonitor) Start(ctx context.Context, addr string) error {
	logger.Log.Info("health monitor starting", "addr", addr)
	sc := echo.StartConfig{Address: addr, HideBanner: true}
	return sc.Start(ctx, hm.Handler())
}

// RecordRun adds a completed call to the history and checks it for
// alerts. An empty ID is replaced with a fresh one, which is returned.
func (hm *HealthMonitor) RecordRun(r Run) string {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	hm.mu.Lock()
	hm.runs = append(hm.runs, r)
	if len(hm.runs) > maxRuns {
		hm.runs = hm.runs[1:]
	}
	hm.mu.Unlock()

	if r.Error != "" {
		hm.AddAlert("warning", r.Source, fmt.Sprintf("run %s failed: %s", r.ID, r.Error))
	} else if hm.SlowRun > 0 && r.Duration > hm.SlowRun {
		hm.AddAlert("warning", r.Source, fmt.Sprintf("slow run %s: %.2f ms", r.ID, float64(r.Duration.Nanoseconds())/1e6))
	}
	return r.ID
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert resolves an alert
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(c *echo.Context) error {
	status := hm.Status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(c *echo.Context) error {
	hm.mu.RLock()
	alerts := append([]Alert{}, hm.alerts...)
	hm.mu.RUnlock()
	return c.JSON(http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(c *echo.Context) error {
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	kernel := hm.kernel
	kernel.BlocksProcessed = metrics.TotalBlocks()
	kernel.ScratchBytes = tensor.ScratchBytes()

	recent := hm.runs
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Kernel:      kernel,
		Performance: hm.performance(),
		Recent:      append([]Run{}, recent...),
		Alerts:      append([]Alert{}, hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		CPUFeatures:  CPUFeatures(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

// CPUFeatures lists the vector extensions of the host relevant to the
// dot-product kernels.
func CPUFeatures() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(cpu.X86.HasSSE41, "sse4.1")
	add(cpu.X86.HasAVX, "avx")
	add(cpu.X86.HasAVX2, "avx2")
	add(cpu.X86.HasFMA, "fma")
	add(cpu.X86.HasAVX512F, "avx512f")
	add(cpu.ARM64.HasASIMD, "asimd")
	add(cpu.ARM64.HasFPHP, "fphp")
	return out
}

// performance must be called with hm.mu held.
func (hm *HealthMonitor) performance() PerformanceInfo {
	if len(hm.runs) == 0 {
		return PerformanceInfo{}
	}

	var total time.Duration
	latencies := make([]float64, 0, len(hm.runs))
	errorCount := 0
	for _, r := range hm.runs {
		total += r.Duration
		latencies = append(latencies, float64(r.Duration.Nanoseconds())/1e6)
		if r.Error != "" {
			errorCount++
		}
	}
	sort.Float64s(latencies)

	p95Index := int(float64(len(latencies)) * 0.95)
	if p95Index >= len(latencies) {
		p95Index = len(latencies) - 1
	}

	return PerformanceInfo{
		Runs:          len(hm.runs),
		AvgLatencyMs:  float64(total.Nanoseconds()) / float64(len(hm.runs)) / 1e6,
		P95LatencyMs:  latencies[p95Index],
		ErrorRate:     float64(errorCount) / float64(len(hm.runs)),
		LastExecution: hm.runs[len(hm.runs)-1].Timestamp,
	}
}
