// =============================================================================
// 文件: internal/sim/scheduler.go
// 描述: 离散事件调度 - 基于 evtm 的仿真时钟与可取消定时器
// =============================================================================
package sim

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"

	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

// Scheduler 单线程事件循环，实现 tokenbus.Scheduler
type Scheduler struct {
	mgr *evtm.EventManager
}

// NewScheduler 创建调度器
func NewScheduler() *Scheduler {
	return &Scheduler{mgr: evtm.New()}
}

// Manager 底层事件管理器
func (s *Scheduler) Manager() *evtm.EventManager { return s.mgr }

// Now 当前仿真时间 (秒)
func (s *Scheduler) Now() float64 { return s.mgr.CurrentSeconds() }

// After d 秒后执行一次 fn，不可取消
func (s *Scheduler) After(d float64, fn func()) {
	s.mgr.Schedule(fn, nil, runFunc, vrtime.SecondsToTime(max(d, 0)))
}

// At 在绝对时刻 t 执行 fn，已过去的时刻立即执行
func (s *Scheduler) At(t float64, fn func()) {
	s.After(t-s.Now(), fn)
}

// Run 执行事件直到仿真时间超过 until
func (s *Scheduler) Run(until float64) {
	s.mgr.Run(until)
}

// NewTimer 创建定时器
func (s *Scheduler) NewTimer(name string, onExpire func()) tokenbus.Timer {
	return &timer{s: s, name: name, fn: onExpire}
}

// runFunc 事件处理函数需要返回值
func runFunc(evtMgr *evtm.EventManager, context any, data any) any {
	context.(func())()
	return nil
}

// =============================================================================
// 定时器
// =============================================================================

// timer 每次启动递增代号，旧代号的事件到达时直接忽略
type timer struct {
	s    *Scheduler
	name string
	fn   func()

	gen       uint64
	pending   bool
	frozen    bool
	deadline  float64
	remaining float64
}

func (t *timer) Schedule(d float64) {
	if t.pending {
		return
	}
	t.arm(d)
}

func (t *timer) Reschedule(d float64) {
	t.Cancel()
	t.arm(d)
}

func (t *timer) arm(d float64) {
	d = max(d, 0)
	t.gen++
	t.pending = true
	t.frozen = false
	t.deadline = t.s.Now() + d
	t.s.mgr.Schedule(t, t.gen, timerExpire, vrtime.SecondsToTime(d))
}

func (t *timer) Cancel() {
	t.gen++
	t.pending = false
	t.frozen = false
}

func (t *timer) Pending() bool { return t.pending }

func (t *timer) Remaining() float64 {
	switch {
	case t.frozen:
		return t.remaining
	case t.pending:
		return max(t.deadline-t.s.Now(), 0)
	default:
		return 0
	}
}

func (t *timer) Freeze() {
	if !t.pending || t.frozen {
		return
	}
	t.remaining = max(t.deadline-t.s.Now(), 0)
	t.frozen = true
	t.gen++
}

func (t *timer) Resume() {
	if !t.frozen {
		return
	}
	t.arm(t.remaining)
}

func (t *timer) String() string { return t.name }

func timerExpire(evtMgr *evtm.EventManager, context any, data any) any {
	t := context.(*timer)
	if data.(uint64) != t.gen || !t.pending || t.frozen {
		return nil
	}
	t.pending = false
	t.fn()
	return nil
}
