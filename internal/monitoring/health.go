// Package monitoring serves per-rank health, status and Prometheus metrics
// over HTTP.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/parallel"
)

// Version is reported by /status.
var Version = "0.1.0"

// HealthStatus represents the health status of the rank
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Rank        RankInfo        `json:"rank"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains process-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`

	// AllocatorBytes is what the host allocators currently hand out.
	AllocatorBytes int64 `json:"allocator_bytes"`
}

// RankInfo places this process in the parallel grid.
type RankInfo struct {
	GlobalRank   int    `json:"global_rank"`
	WorldSize    int    `json:"world_size"`
	TensorRank   int    `json:"tensor_rank"`
	TensorSize   int    `json:"tensor_size"`
	PipelineRank int    `json:"pipeline_rank"`
	PipelineSize int    `json:"pipeline_size"`
	FirstLayer   int    `json:"first_layer"`
	EndLayer     int    `json:"end_layer"`
	NumLayers    int    `json:"num_layers"`
	DataType     string `json:"data_type"`
}

// ModeStats counts forward calls of one decoder mode.
type ModeStats struct {
	Forwards     int       `json:"forwards"`
	Failures     int       `json:"failures"`
	Layers       int       `json:"layers"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	P95LatencyMs float64   `json:"p95_latency_ms"`
	LastForward  time.Time `json:"last_forward"`
}

// PerformanceInfo contains forward call statistics
type PerformanceInfo struct {
	Modes     map[string]ModeStats `json:"modes"`
	ErrorRate float64              `json:"error_rate"`
	LastError string               `json:"last_error,omitempty"`
}

// Alert represents a rank alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // decoder, comm, memory
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PerfPoint is one observed forward call
type PerfPoint struct {
	Timestamp time.Time
	Mode      string
	Layers    int
	Duration  time.Duration
	Err       error
}

const (
	maxHistory = 1000
	maxAlerts  = 100

	// SlowForward raises a warning alert.
	SlowForward = 5 * time.Second
)

// HealthMonitor tracks one rank. It implements the decoder Observer hook.
type HealthMonitor struct {
	startTime time.Time
	rank      RankInfo
	server    *http.Server
	listener  net.Listener

	mu          sync.RWMutex
	alerts      []Alert
	perfHistory []PerfPoint
	lastError   string
}

func NewHealthMonitor(cfg config.Config) *HealthMonitor {
	p := cfg.Parallel
	part, _ := parallel.NewPartition(cfg.NumLayers, p.PipelineRank, p.PipelineSize)
	first, end := part.Layers()
	return &HealthMonitor{
		startTime: time.Now(),
		rank: RankInfo{
			GlobalRank:   p.GlobalRank(),
			WorldSize:    p.WorldSize(),
			TensorRank:   p.TensorRank,
			TensorSize:   p.TensorSize,
			PipelineRank: p.PipelineRank,
			PipelineSize: p.PipelineSize,
			FirstLayer:   first,
			EndLayer:     end,
			NumLayers:    cfg.NumLayers,
			DataType:     cfg.DataType.String(),
		},
		alerts:      make([]Alert, 0),
		perfHistory: make([]PerfPoint, 0),
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/status", hm.handleDetailedStatus)

	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start listens on addr and serves in the background.
func (hm *HealthMonitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", addr, err)
	}
	hm.listener = ln
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("Health monitor starting", "addr", ln.Addr().String(), "rank", hm.rank.GlobalRank)
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Health monitor stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound listen address once started.
func (hm *HealthMonitor) Addr() string {
	if hm.listener == nil {
		return ""
	}
	return hm.listener.Addr().String()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// ObserveForward records one decoder forward call.
func (hm *HealthMonitor) ObserveForward(mode string, layers int, duration time.Duration, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	point := PerfPoint{Timestamp: time.Now(), Mode: mode, Layers: layers, Duration: duration, Err: err}
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}

	if err != nil {
		hm.lastError = err.Error()
		hm.addAlertLocked("critical", "decoder", fmt.Sprintf("%s forward failed: %v", mode, err))
		return
	}
	if duration > SlowForward {
		hm.addAlertLocked("warning", "decoder", fmt.Sprintf("slow %s forward: %s", mode, duration))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("Alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

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
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health. A rank whose decoder failed is
// critical: its stream is poisoned until the process rebuilds it.
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

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     Version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Rank:        hm.rank,
		Performance: hm.performanceLocked(),
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

		AllocatorBytes: device.AllocatedBytes(),
	}
}

func (hm *HealthMonitor) performanceLocked() PerformanceInfo {
	info := PerformanceInfo{Modes: make(map[string]ModeStats), LastError: hm.lastError}
	if len(hm.perfHistory) == 0 {
		return info
	}

	latencies := make(map[string][]float64)
	failures := 0
	for _, p := range hm.perfHistory {
		s := info.Modes[p.Mode]
		s.Forwards++
		s.Layers += p.Layers
		if p.Err != nil {
			s.Failures++
			failures++
		}
		if p.Timestamp.After(s.LastForward) {
			s.LastForward = p.Timestamp
		}
		info.Modes[p.Mode] = s
		latencies[p.Mode] = append(latencies[p.Mode], float64(p.Duration.Nanoseconds())/1e6)
	}
	for mode, l := range latencies {
		sort.Float64s(l)
		var total float64
		for _, v := range l {
			total += v
		}
		p95 := int(float64(len(l)) * 0.95)
		if p95 >= len(l) {
			p95 = len(l) - 1
		}
		s := info.Modes[mode]
		s.AvgLatencyMs = total / float64(len(l))
		s.P95LatencyMs = l[p95]
		info.Modes[mode] = s
	}
	info.ErrorRate = float64(failures) / float64(len(hm.perfHistory))
	return info
}
