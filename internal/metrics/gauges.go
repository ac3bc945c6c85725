// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram）
// =============================================================================
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/tokenbus/internal/nnls"
	"github.com/mrcgq/tokenbus/internal/ranging"
)

// 解算结果标签
const (
	ResultOK           = "ok"
	ResultInsufficient = "insufficient"
	ResultTimeout      = "timeout"
	ResultError        = "error"
)

// SimMetrics 仿真过程中推送的指标
type SimMetrics struct {
	// 令牌轮转
	TokenRotation *prometheus.HistogramVec

	// 距离解算
	ResolveResults  *prometheus.CounterVec
	ResolveResidual *prometheus.HistogramVec

	// 仿真时钟
	SimTime prometheus.Gauge
}

// NewSimMetrics 创建指标集合并注册
func NewSimMetrics(registry prometheus.Registerer) *SimMetrics {
	m := &SimMetrics{
		TokenRotation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tokenbus",
			Subsystem: "ring",
			Name:      "token_rotation_seconds",
			Help:      "Simulated time between two consecutive token grants at a node",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"node"}),

		ResolveResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenbus",
			Subsystem: "ranging",
			Name:      "resolve_results_total",
			Help:      "Periodic distance resolutions by outcome",
		}, []string{"node", "result"}),

		ResolveResidual: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tokenbus",
			Subsystem: "ranging",
			Name:      "resolve_residual",
			Help:      "Residual norm of the last accepted least squares solution",
			Buckets:   prometheus.ExponentialBuckets(1e-9, 10, 10),
		}, []string{"node"}),

		SimTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokenbus",
			Name:      "sim_time_seconds",
			Help:      "Current simulated time",
		}),
	}

	registry.MustRegister(
		m.TokenRotation,
		m.ResolveResults,
		m.ResolveResidual,
		m.SimTime,
	)

	return m
}

// ObserveRotation 记录令牌轮转时间
func (m *SimMetrics) ObserveRotation(node int, seconds float64) {
	m.TokenRotation.WithLabelValues(strconv.Itoa(node)).Observe(seconds)
}

// ObserveResolve 记录一次解算结果
func (m *SimMetrics) ObserveResolve(node int, residual float64, err error) {
	label := strconv.Itoa(node)
	result := ResolveResult(err)
	m.ResolveResults.WithLabelValues(label, result).Inc()
	if result == ResultOK && residual >= 0 {
		m.ResolveResidual.WithLabelValues(label).Observe(residual)
	}
}

// SetSimTime 更新仿真时钟
func (m *SimMetrics) SetSimTime(t float64) {
	m.SimTime.Set(t)
}

// ResolveResult 错误归类为结果标签
func ResolveResult(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ranging.ErrInsufficientData):
		return ResultInsufficient
	case errors.Is(err, nnls.ErrTimeout):
		return ResultTimeout
	default:
		return ResultError
	}
}
