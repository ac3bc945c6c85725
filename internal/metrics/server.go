// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 指标与探针服务 - /metrics、仿真健康状态与就绪进度
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrcgq/tokenbus/internal/config"
)

// Version 健康检查中报告的版本，由 main 设置
var Version = "dev"

// HealthStatus 健康状态
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     time.Duration              `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ReadyStatus 就绪探针返回的仿真进度
type ReadyStatus struct {
	Ready    bool    `json:"ready"`
	State    string  `json:"state"`
	SimTime  float64 `json:"sim_time"`
	Target   float64 `json:"target"`
	Fraction float64 `json:"fraction"`
}

// MetricsServer 仿真的 HTTP 观测面，探针结果全部来自 Progress
type MetricsServer struct {
	cfg      config.MetricsConfig
	progress *Progress
	registry *prometheus.Registry

	httpServer *http.Server
}

// NewMetricsServer 创建服务；registry 独立于全局默认注册表
func NewMetricsServer(cfg config.MetricsConfig, progress *Progress) *MetricsServer {
	if progress == nil {
		progress = NewProgress(0)
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &MetricsServer{
		cfg:      cfg,
		progress: progress,
		registry: registry,
	}
}

// Registry 仿真指标注册到这里
func (s *MetricsServer) Registry() *prometheus.Registry { return s.registry }

// Register 注册收集器，名称冲突时返回错误
func (s *MetricsServer) Register(c prometheus.Collector) error {
	if err := s.registry.Register(c); err != nil {
		return fmt.Errorf("注册收集器失败: %w", err)
	}
	return nil
}

// Handler 构建路由
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))
	mux.HandleFunc(s.cfg.HealthPath, s.handleHealth)
	mux.HandleFunc(s.cfg.HealthPath+"/live", s.handleLive)
	mux.HandleFunc(s.cfg.HealthPath+"/ready", s.handleReady)

	if s.cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Start 监听并服务，直到 ctx 取消；监听失败立即返回错误
func (s *MetricsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("metrics 监听 %s 失败: %w", s.cfg.Listen, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics 服务错误: %w", err)
	}
	return nil
}

// handleHealth 仿真失败时返回 503
func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.progress.Health()
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleLive 进程能响应即存活
func (s *MetricsServer) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReady 仿真运行中或已结束时就绪
func (s *MetricsServer) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.progress.State()
	rs := ReadyStatus{
		Ready:    state == StateRunning || state == StateFinished,
		State:    StateName(state),
		SimTime:  s.progress.SimTime(),
		Target:   s.progress.Target(),
		Fraction: s.progress.Fraction(),
	}
	code := http.StatusOK
	if !rs.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
