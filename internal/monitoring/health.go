package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/metrics"
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Sampling    SamplingInfo    `json:"sampling"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// SamplingInfo describes the sampler the process runs.
type SamplingInfo struct {
	Sampler    string `json:"sampler,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Steps      int    `json:"steps,omitempty"`
	TotalSteps int64  `json:"total_steps"`
}

// PerformanceInfo summarizes recent batches.
type PerformanceInfo struct {
	Batches         int       `json:"batches"`
	Images          int       `json:"images"`
	ImagesPerMinute float64   `json:"images_per_minute"`
	AvgBatchMs      float64   `json:"avg_batch_ms"`
	P95BatchMs      float64   `json:"p95_batch_ms"`
	NonFinite       int       `json:"non_finite"`
	LastBatch       time.Time `json:"last_batch"`
}

// Alert represents a process alert
type Alert struct {
	Level     string    `json:"level"`     // info, warning, error, critical
	Component string    `json:"component"` // sampler, model, output
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchPoint is one sampled batch.
type BatchPoint struct {
	Timestamp time.Time
	Images    int
	Duration  time.Duration
	NonFinite int
}

const (
	maxHistory = 1000
	maxAlerts  = 100

	// SlowBatch raises a warning alert.
	SlowBatch = 5 * time.Minute
)

// HealthMonitor serves health, status and metrics endpoints.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	log       *logger.Logger

	mu       sync.RWMutex
	info     SamplingInfo
	alerts   []Alert
	history  []BatchPoint
	lastSeen time.Time
}

func NewHealthMonitor(log *logger.Logger) *HealthMonitor {
	if log == nil {
		log = logger.Log
	}
	return &HealthMonitor{startTime: time.Now(), log: log}
}

// SetSampling records what the process is sampling with.
func (hm *HealthMonitor) SetSampling(sampler, checkpoint string, steps int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.info = SamplingInfo{Sampler: sampler, Checkpoint: checkpoint, Steps: steps}
}

// Handler routes /health, /healthz, /status, /admin/alerts and /metrics.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves Handler on addr in the background until Stop.
func (hm *HealthMonitor) Start(addr string) {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		hm.log.Info("health monitor serving", "addr", addr)
		if err := hm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hm.log.Error("health monitor error", "error", err.Error())
		}
	}()
}

// Stop stops health monitoring
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordBatch records a finished batch and raises alerts for slow or
// non-finite results.
func (hm *HealthMonitor) RecordBatch(images int, duration time.Duration, nonFinite int) {
	now := time.Now()
	hm.mu.Lock()
	hm.lastSeen = now
	hm.history = append(hm.history, BatchPoint{Timestamp: now, Images: images, Duration: duration, NonFinite: nonFinite})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.mu.Unlock()

	if nonFinite > 0 {
		hm.AddAlert("error", "sampler", fmt.Sprintf("%d non-finite latent values", nonFinite))
	}
	if duration > SlowBatch {
		hm.AddAlert("warning", "sampler", fmt.Sprintf("slow batch: %s for %d images", duration, images))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{Level: level, Component: component, Message: message, Timestamp: time.Now()})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	hm.log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		hm.mu.RLock()
		alerts := append([]Alert(nil), hm.alerts...)
		hm.mu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(alerts)
	case http.MethodDelete:
		hm.mu.Lock()
		hm.alerts = hm.alerts[:0]
		hm.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Status computes the current health. Any error alert degrades it; a
// critical one makes it critical.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	info := hm.info
	info.TotalSteps = metrics.TotalSteps()

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime).Round(time.Second).String(),
		System:      systemInfo(),
		Sampling:    info,
		Performance: hm.performance(),
		Alerts:      append([]Alert(nil), hm.alerts...),
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
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

// performance must be called with mu held.
func (hm *HealthMonitor) performance() PerformanceInfo {
	p := PerformanceInfo{Batches: len(hm.history), LastBatch: hm.lastSeen}
	if len(hm.history) == 0 {
		return p
	}

	var total time.Duration
	latencies := make([]float64, len(hm.history))
	for i, b := range hm.history {
		p.Images += b.Images
		p.NonFinite += b.NonFinite
		total += b.Duration
		latencies[i] = float64(b.Duration.Nanoseconds()) / 1e6
	}
	p.AvgBatchMs = stat.Mean(latencies, nil)
	sort.Float64s(latencies)
	p.P95BatchMs = stat.Quantile(0.95, stat.Empirical, latencies, nil)
	if total > 0 {
		p.ImagesPerMinute = float64(p.Images) / total.Minutes()
	}
	return p
}
