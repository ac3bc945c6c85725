// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 运行进度 - 记录仿真时钟与运行状态，供健康检查使用
// =============================================================================
package metrics

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// 运行状态
const (
	StateIdle     int32 = iota // 尚未开始
	StateRunning               // 运行中
	StateFinished              // 正常结束
	StateFailed                // 异常退出
)

// Progress 仿真运行进度，所有方法可并发调用
type Progress struct {
	target    float64
	startTime time.Time

	state   int32
	simTime uint64 // math.Float64bits
	reason  atomic.Value
}

// NewProgress 创建进度跟踪，target 为计划运行的仿真时长
func NewProgress(target float64) *Progress {
	return &Progress{
		target:    target,
		startTime: time.Now(),
	}
}

// Start 标记开始运行
func (p *Progress) Start() {
	atomic.StoreInt32(&p.state, StateRunning)
}

// Advance 更新仿真时钟
func (p *Progress) Advance(simTime float64) {
	atomic.StoreUint64(&p.simTime, math.Float64bits(simTime))
}

// Finish 标记结束；err 非空时记为失败
func (p *Progress) Finish(err error) {
	if err != nil {
		p.reason.Store(err.Error())
		atomic.StoreInt32(&p.state, StateFailed)
		return
	}
	atomic.StoreInt32(&p.state, StateFinished)
}

// SimTime 当前仿真时刻
func (p *Progress) SimTime() float64 {
	return math.Float64frombits(atomic.LoadUint64(&p.simTime))
}

// State 当前运行状态
func (p *Progress) State() int32 {
	return atomic.LoadInt32(&p.state)
}

// Target 计划运行的仿真时长
func (p *Progress) Target() float64 {
	return p.target
}

// StateName 状态名
func StateName(state int32) string {
	switch state {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Fraction 完成比例 [0, 1]
func (p *Progress) Fraction() float64 {
	if p.target <= 0 {
		return 0
	}
	return math.Min(p.SimTime()/p.target, 1)
}

// Health 生成健康状态
func (p *Progress) Health() HealthStatus {
	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(p.startTime),
		Components: make(map[string]ComponentHealth),
	}

	sim := ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("t=%.1fs/%.1fs (%.0f%%)", p.SimTime(), p.target, p.Fraction()*100),
	}
	switch p.State() {
	case StateIdle:
		sim.Status = "starting"
		status.Status = "degraded"
	case StateFinished:
		sim.Message = fmt.Sprintf("已结束 t=%.1fs", p.SimTime())
	case StateFailed:
		sim.Status = "unhealthy"
		if r, ok := p.reason.Load().(string); ok {
			sim.Message = r
		}
		status.Status = "unhealthy"
	}
	status.Components["simulation"] = sim
	return status
}
