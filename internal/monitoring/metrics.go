package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// Metrics counts HTTP traffic. One instance is created at startup and shared
// by the middleware and the metrics endpoint.
type Metrics struct {
	mu             sync.RWMutex
	requestCount   int64
	activeRequests int64
	errorCount     int64
	statusCodes    map[string]int64
	endpoints      map[string]int64
	totalDuration  time.Duration
	startTime      time.Time
	lastRequest    time.Time
}

type MetricsSnapshot struct {
	RequestCount   int64            `json:"requestCount"`
	AvgDurationMS  float64          `json:"avgRequestDurationMs"`
	ActiveRequests int64            `json:"activeRequests"`
	ErrorCount     int64            `json:"errorCount"`
	StatusCodes    map[string]int64 `json:"statusCodes"`
	Endpoints      map[string]int64 `json:"endpointCalls"`
	StartTime      time.Time        `json:"startTime"`
	LastRequest    *time.Time       `json:"lastRequest"`
	UptimeSeconds  int64            `json:"uptime"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		statusCodes: make(map[string]int64),
		endpoints:   make(map[string]int64),
		startTime:   time.Now(),
	}
}

func (m *Metrics) StartTime() time.Time {
	return m.startTime
}

func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		m.mu.Lock()
		m.activeRequests++
		m.mu.Unlock()

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		endpoint := c.Request.Method + " " + route

		m.mu.Lock()
		defer m.mu.Unlock()
		m.requestCount++
		m.activeRequests--
		m.totalDuration += duration
		m.lastRequest = time.Now()
		if statusCode >= 400 {
			m.errorCount++
		}
		m.statusCodes[http.StatusText(statusCode)]++
		m.endpoints[endpoint]++
	}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		RequestCount:   m.requestCount,
		ActiveRequests: m.activeRequests,
		ErrorCount:     m.errorCount,
		StatusCodes:    make(map[string]int64, len(m.statusCodes)),
		Endpoints:      make(map[string]int64, len(m.endpoints)),
		StartTime:      m.startTime,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
	}
	if m.requestCount > 0 {
		snap.AvgDurationMS = float64(m.totalDuration.Microseconds()) / float64(m.requestCount) / 1000
	}
	if !m.lastRequest.IsZero() {
		last := m.lastRequest
		snap.LastRequest = &last
	}
	for k, v := range m.statusCodes {
		snap.StatusCodes[k] = v
	}
	for k, v := range m.endpoints {
		snap.Endpoints[k] = v
	}
	return snap
}

type SystemMetrics struct {
	UptimeSeconds  int64       `json:"uptime"`
	Memory         MemoryStats `json:"memory"`
	GoroutineCount int         `json:"goroutines"`
	CPUCount       int         `json:"cpuCount"`
	GoVersion      string      `json:"version"`
	Platform       string      `json:"platform"`
	Arch           string      `json:"arch"`
}

type MemoryStats struct {
	Alloc        uint64 `json:"allocMb"`
	TotalAlloc   uint64 `json:"totalAllocMb"`
	Sys          uint64 `json:"sysMb"`
	HeapInuse    uint64 `json:"heapInuseMb"`
	NumGC        uint32 `json:"numGc"`
	GCPauseTotal string `json:"gcPauseTotal"`
}

func GetSystemMetrics(start time.Time) SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemMetrics{
		UptimeSeconds: int64(time.Since(start).Seconds()),
		Memory: MemoryStats{
			Alloc:        bToMb(m.Alloc),
			TotalAlloc:   bToMb(m.TotalAlloc),
			Sys:          bToMb(m.Sys),
			HeapInuse:    bToMb(m.HeapInuse),
			NumGC:        m.NumGC,
			GCPauseTotal: time.Duration(m.PauseTotalNs).String(),
		},
		GoroutineCount: runtime.NumGoroutine(),
		CPUCount:       runtime.NumCPU(),
		GoVersion:      runtime.Version(),
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
	}
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}

type HealthCheckFunc func(ctx context.Context) error

type HealthCheck struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latencyMs"`
	LastRun   time.Time `json:"lastRun"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker runs named dependency probes concurrently, each under its own
// timeout.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheckFunc
	timeout time.Duration
}

func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{checks: make(map[string]HealthCheckFunc), timeout: timeout}
}

func (h *HealthChecker) Register(name string, fn HealthCheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes every check and reports whether all of them passed.
func (h *HealthChecker) Run(ctx context.Context) (map[string]HealthCheck, bool) {
	h.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]HealthCheck, len(checks))
		healthy = true
	)
	var g errgroup.Group
	for name, fn := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := fn(cctx)
			check := HealthCheck{
				Name:      name,
				Status:    StatusHealthy,
				LatencyMS: time.Since(start).Milliseconds(),
				LastRun:   start,
			}
			if err != nil {
				check.Status = StatusUnhealthy
				check.Message = err.Error()
			}

			mu.Lock()
			results[name] = check
			if err != nil {
				healthy = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, healthy
}
