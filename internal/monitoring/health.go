package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/engine"
	"github.com/23skdu/longbow-decoding/internal/logger"
)

// Version is reported on /status.
var Version = "dev"

const (
	maxPerfHistory = 1000
	maxAlerts      = 100
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      *EngineInfo     `json:"engine,omitempty"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// EngineInfo is the engine's configuration and lifetime counters.
type EngineInfo struct {
	State         string `json:"state"`
	Precision     string `json:"precision"`
	BatchSize     int    `json:"batch_size"`
	MaxSeqLen     int    `json:"max_seq_len"`
	Layers        int    `json:"decoder_layers"`
	Strategy      string `json:"strategy"`
	ArenaBytes    int    `json:"arena_bytes"`
	Generations   int64  `json:"generations"`
	StepsRun      int64  `json:"steps_run"`
	LastSteps     int    `json:"last_steps"`
	LastEarlyExit int    `json:"last_early_exit"`
}

type PerformanceInfo struct {
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	AvgSteps        float64   `json:"avg_steps"`
	LastGeneration  time.Time `json:"last_generation"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // engine, memory, performance
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// EngineSource is what the monitor reads from a running engine.
type EngineSource interface {
	Config() config.Config
	State() engine.State
	Stats() engine.Stats
}

// Thresholds control when generation and memory records raise alerts.
type Thresholds struct {
	MinTokensPerSecond float64
	MaxLatency         time.Duration
	// MemoryFraction of max_memory in use above which a warning is raised.
	MemoryFraction float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinTokensPerSecond: 1, MaxLatency: 5 * time.Second, MemoryFraction: 0.9}
}

type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Steps     int
	Duration  time.Duration
}

// HealthMonitor serves health, status and Prometheus metrics.
type HealthMonitor struct {
	startTime  time.Time
	thresholds Thresholds
	source     EngineSource
	server     *http.Server

	mu             sync.RWMutex
	alerts         []Alert
	lastGeneration time.Time
	perfHistory    []PerfPoint
}

func NewHealthMonitor(source EngineSource, t Thresholds) *HealthMonitor {
	return &HealthMonitor{
		startTime:  time.Now(),
		thresholds: t,
		source:     source,
	}
}

// Handler exposes /health, /healthz, /status, /metrics and the alert admin
// endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr until Stop. It returns http.ErrServerClosed
// after a clean stop.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	hm.server = srv
	hm.mu.Unlock()

	logger.Log.Info("Health monitor starting", "addr", addr)
	return srv.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordGeneration adds one finished generation to the performance history.
func (hm *HealthMonitor) RecordGeneration(tokens, steps int, duration time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.lastGeneration = now
	point := PerfPoint{Timestamp: now, Tokens: tokens, Steps: steps, Duration: duration}
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.checkPerformanceAlerts(point)
}

// RecordGenerationError raises an error alert for an aborted generation.
func (hm *HealthMonitor) RecordGenerationError(err error) {
	hm.AddAlert("error", "engine", fmt.Sprintf("Generation failed: %v", err))
}

// RecordDeviceMemory checks used against the configured limit. A limit of 0
// is unlimited and never alerts.
func (hm *HealthMonitor) RecordDeviceMemory(used, limit int64) {
	if limit <= 0 || hm.thresholds.MemoryFraction <= 0 {
		return
	}
	if float64(used) > hm.thresholds.MemoryFraction*float64(limit) {
		hm.AddAlert("warning", "memory",
			fmt.Sprintf("Device memory at %d of %d bytes", used, limit))
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
	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
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

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("Encode response failed", "error", err)
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	hm.mu.RUnlock()
	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health. Any unresolved error alert degrades
// it; an unresolved critical alert makes it critical.
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
		Engine:      hm.engineInfo(),
		Performance: hm.performanceInfo(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func (hm *HealthMonitor) engineInfo() *EngineInfo {
	if hm.source == nil {
		return nil
	}
	cfg := hm.source.Config()
	st := hm.source.Stats()
	strategy := "top-p"
	if cfg.IsTopK() {
		strategy = "top-k"
	}
	return &EngineInfo{
		State:         hm.source.State().String(),
		Precision:     string(cfg.Precision),
		BatchSize:     cfg.BatchSize,
		MaxSeqLen:     cfg.MaxSeqLen,
		Layers:        cfg.DecoderLayers,
		Strategy:      strategy,
		ArenaBytes:    st.ArenaBytes,
		Generations:   st.Generations,
		StepsRun:      st.StepsRun,
		LastSteps:     st.LastSteps,
		LastEarlyExit: st.LastEarlyExit,
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

func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{LastGeneration: hm.lastGeneration}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalTokens, totalSteps int
	var totalDuration time.Duration
	latencies := make([]float64, len(hm.perfHistory))
	for i, point := range hm.perfHistory {
		totalTokens += point.Tokens
		totalSteps += point.Steps
		totalDuration += point.Duration
		latencies[i] = float64(point.Duration.Nanoseconds()) / 1e6
	}
	slices.Sort(latencies)

	n := float64(len(hm.perfHistory))
	info.AvgLatencyMs = stat.Mean(latencies, nil)
	info.P95LatencyMs = stat.Quantile(0.95, stat.Empirical, latencies, nil)
	info.AvgSteps = float64(totalSteps) / n
	if totalDuration > 0 {
		info.TokensPerSecond = float64(totalTokens) / totalDuration.Seconds()
	}
	return info
}

func (hm *HealthMonitor) checkPerformanceAlerts(point PerfPoint) {
	if point.Duration <= 0 {
		return
	}
	tps := float64(point.Tokens) / point.Duration.Seconds()
	if hm.thresholds.MinTokensPerSecond > 0 && tps < hm.thresholds.MinTokensPerSecond {
		hm.addAlertLocked("warning", "performance",
			fmt.Sprintf("Low throughput: %.2f tokens/sec", tps))
	}
	if hm.thresholds.MaxLatency > 0 && point.Duration > hm.thresholds.MaxLatency {
		hm.addAlertLocked("error", "performance",
			fmt.Sprintf("High latency: %.2f ms", float64(point.Duration.Nanoseconds())/1e6))
	}
}
