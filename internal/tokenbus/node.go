// =============================================================================
// 文件: internal/tokenbus/node.go
// 描述: 令牌环管理 - 令牌持有、总线空闲/令牌传递定时器、丢失恢复
// =============================================================================
package tokenbus

import (
	"fmt"

	"github.com/mrcgq/tokenbus/internal/logging"
)

// holdEpsilon 浮点比较容差，定时器按剩余时长到期时避免差一个 ulp
const holdEpsilon = 1e-9

// NodeOption 可选协作者
type NodeOption func(*Node)

// WithObserver 设置令牌观察者 (测距)
func WithObserver(o TokenObserver) NodeOption {
	return func(n *Node) { n.observer = o }
}

// WithDeliver 设置上交数据帧的回调
func WithDeliver(fn func(*Frame)) NodeOption {
	return func(n *Node) { n.deliver = fn }
}

// WithEventHook 设置跟踪事件回调
func WithEventHook(fn func(Event)) NodeOption {
	return func(n *Node) { n.onEvent = fn }
}

// WithLogger 设置日志
func WithLogger(l *logging.Logger) NodeOption {
	return func(n *Node) { n.log = l }
}

// Node 环上一个节点的令牌总线 MAC
// 所有方法由同一事件循环调用，不加锁；Stats/QueueLen 可并发读取
type Node struct {
	opts      Options
	num       Numbering
	sched     Scheduler
	transport Transport
	validator TokenValidator
	observer  TokenObserver
	deliver   func(*Frame)
	onEvent   func(Event)
	log       *logging.Logger

	state       State
	gotToken    bool
	lastOwned   TokenID
	lastHeard   TokenID
	tokenRx     float64
	regenerated bool // 当前持有的令牌由本节点再生
	resent      bool // 本次传递已重发过
	lastPassed  TokenID
	hasPassed   bool
	started     bool

	queue     *Queue
	tokenPass Timer
	busIdle   Timer
	stats     counters
}

// NewNode 创建节点，Start 之前不会调度任何定时器
func NewNode(opts Options, sched Scheduler, transport Transport, extra ...NodeOption) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("节点配置无效: %w", err)
	}
	num, err := NewNumbering(opts.N, opts.TokenIDBits)
	if err != nil {
		return nil, fmt.Errorf("节点配置无效: %w", err)
	}

	n := &Node{
		opts:      opts,
		num:       num,
		sched:     sched,
		transport: transport,
		validator: opts.Validator,
		queue:     NewQueue(opts.QueueSize, opts.Overflow),
		log:       logging.Discard(),
	}
	if n.validator == nil {
		n.validator = ResendGuardValidator{}
	}
	for _, o := range extra {
		o(n)
	}
	n.tokenPass = sched.NewTimer(fmt.Sprintf("token-pass-%d", opts.ID), n.onTokenPassExpire)
	n.busIdle = sched.NewTimer(fmt.Sprintf("bus-idle-%d", opts.ID), n.onBusIdleExpire)
	return n, nil
}

// =============================================================================
// 查询
// =============================================================================

func (n *Node) ID() int               { return n.opts.ID }
func (n *Node) Options() Options      { return n.opts }
func (n *Node) Numbering() Numbering  { return n.num }
func (n *Node) State() State          { return n.state }
func (n *Node) HasToken() bool        { return n.gotToken }
func (n *Node) LastOwned() TokenID    { return n.lastOwned }
func (n *Node) LastHeard() TokenID    { return n.lastHeard }
func (n *Node) QueueLen() int         { return n.queue.Len() }
func (n *Node) Stats() Stats          { return n.stats.snapshot() }
func (n *Node) TokenPassTimer() Timer { return n.tokenPass }
func (n *Node) BusIdleTimer() Timer   { return n.busIdle }
func (n *Node) view() RingView        { return RingView{Numbering: n.num, LastHeard: n.lastHeard, LastOwned: n.lastOwned} }
func (n *Node) busIdleUnit() float64  { return n.opts.BusIdleMultiplier * n.opts.BusIdleTimeout }
func (n *Node) next() TokenID         { return n.num.Add(n.lastOwned, 1) }
func (n *Node) emit(k EventKind, id TokenID) {
	if n.onEvent != nil {
		n.onEvent(Event{Time: n.sched.Now(), Node: n.opts.ID, Kind: k, TokenID: id})
	}
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 初始化环: 节点 i 的空闲定时器为 i 个单位，节点 0 最先再生令牌
func (n *Node) Start() {
	if n.started {
		return
	}
	n.started = true
	n.lastOwned = n.num.Norm(int64(n.opts.ID) - int64(n.opts.N))
	n.busIdle.Reschedule(float64(n.opts.ID) * n.busIdleUnit())
	n.log.Debugf("环初始化: lastOwned=%d 空闲定时 %.3fs", n.lastOwned, n.busIdle.Remaining())
}

// Suspend 冻结两个定时器 (节点下线)
func (n *Node) Suspend() {
	n.tokenPass.Freeze()
	n.busIdle.Freeze()
}

// Resume 按剩余时长恢复定时器
func (n *Node) Resume() {
	n.tokenPass.Resume()
	n.busIdle.Resume()
}

// Submit 提交上层数据帧
func (n *Node) Submit(f *Frame) error {
	if f == nil || f.Type != FrameData {
		return ErrInvalidFrame
	}
	f.Src = n.opts.ID

	accepted, dropped := n.queue.Push(f)
	if dropped != nil {
		incr(&n.stats.droppedBufferFull)
		n.emit(EventFrameDropped, dropped.TokenID)
		n.log.Debugf("队列已满，丢弃帧 (策略 %s, 队列 %d)", n.opts.Overflow, n.queue.Len())
	}
	if n.gotToken {
		n.transmit()
	}
	if !accepted {
		return ErrQueueFull
	}
	return nil
}

// =============================================================================
// 传输回调
// =============================================================================

// OnReceiveStart 开始接收
func (n *Node) OnReceiveStart() {
	switch n.state {
	case StateIdle:
		n.state = StateReceiving
	case StateTransmitting:
		n.log.Debugf("发送中开始接收")
	}
}

// OnFrameReceived 接收结束
func (n *Node) OnFrameReceived(f *Frame, corrupted bool) {
	if n.state == StateTransmitting {
		incr(&n.stats.collisions)
		n.emit(EventFrameDropped, f.TokenID)
		n.log.Debugf("发送中收到帧，丢弃: %s", f)
		return
	}
	n.state = StateIdle
	defer func() {
		if n.gotToken {
			n.transmit()
		}
	}()

	// 损坏帧的编号不可信，不参与定时器调度
	if corrupted {
		incr(&n.stats.corruptedFrames)
		n.emit(EventFrameDropped, f.TokenID)
		n.log.Debugf("丢弃损坏帧")
		return
	}

	if !n.validator.Validate(f, n.view()) {
		incr(&n.stats.invalidTokens)
		n.emit(EventInvalidToken, f.TokenID)
		n.log.Debugf("无效令牌编号 %d (lastHeard=%d lastOwned=%d resend=%v)",
			f.TokenID, n.lastHeard, n.lastOwned, f.Resend)
		return
	}

	n.tokenPass.Cancel()
	n.busIdle.Cancel()
	n.lastHeard = f.TokenID

	if f.Type == FrameToken && n.observer != nil {
		n.observer.OnTokenHeard(f, n.sched.Now())
	}

	owner := n.num.Owner(f.TokenID)
	if f.Type == FrameToken && owner == n.opts.ID {
		n.gotToken = true
		n.lastOwned = f.TokenID
		n.tokenRx = n.sched.Now()
		n.regenerated = false
		n.resent = false
		incr(&n.stats.tokensReceived)
		n.emit(EventTokenReceived, f.TokenID)
		n.log.Debugf("收到令牌 %d (来自 %d)", f.TokenID, f.Src)
		n.tokenPass.Reschedule(n.opts.MinTokenHoldTime)
	} else {
		// 按持有者到本节点的跳数推迟空闲判定
		hops := (n.opts.ID-owner+n.opts.N)%n.opts.N + 1
		n.busIdle.Reschedule(float64(hops) * n.busIdleUnit())
	}

	switch {
	case f.Type == FrameToken:
		incr(&n.stats.ctrlRx)
	case f.Dst == n.opts.ID || f.Dst == Broadcast:
		incr(&n.stats.dataRx)
		if n.deliver != nil {
			n.deliver(f)
		}
	default:
		incr(&n.stats.foreignData)
	}
}

// OnTransmitComplete 发送结束
func (n *Node) OnTransmitComplete(elapsed float64) {
	n.state = StateIdle
	n.busIdle.Reschedule(float64(n.opts.N) * n.busIdleUnit())
	if n.gotToken {
		n.transmit()
	}
}

// =============================================================================
// 发送
// =============================================================================

func (n *Node) transmit() {
	if !n.gotToken || n.state != StateIdle {
		return
	}

	elapsed := n.sched.Now() - n.tokenRx
	if f := n.queue.Peek(); f != nil {
		f.TokenID = n.lastOwned
		if elapsed+n.transport.TransmitDuration(f) < n.opts.MaxTokenHoldTime {
			n.tokenPass.Cancel()
			n.queue.Pop()
			incr(&n.stats.dataTx)
			n.startTx(f)
			return
		}
		n.log.Debugf("持有时间用尽，队列剩余 %d 帧", n.queue.Len())
		n.passToken(n.next())
		return
	}

	if elapsed+holdEpsilon >= n.opts.MinTokenHoldTime {
		n.passToken(n.next())
		return
	}
	n.tokenPass.Reschedule(n.opts.MinTokenHoldTime - elapsed)
}

// passToken 广播令牌并释放持有权，未持有时 panic
func (n *Node) passToken(next TokenID) {
	if !n.gotToken {
		panic(fmt.Errorf("%w: 节点 %d 未持有令牌却试图传递 %d", ErrProtocolViolation, n.opts.ID, next))
	}

	f := &Frame{Type: FrameToken, Src: n.opts.ID, Dst: Broadcast, TokenID: next}
	holdValid := !n.regenerated

	n.gotToken = false
	n.resent = false
	n.lastPassed = next
	n.hasPassed = true
	n.tokenPass.Reschedule(n.opts.TokenPassTimeout)

	incr(&n.stats.tokensPassed)
	n.emit(EventTokenPassed, next)
	n.log.Debugf("传递令牌 %d 给节点 %d", next, n.num.Owner(next))
	n.sendToken(f, holdValid)
}

func (n *Node) sendToken(f *Frame, holdValid bool) {
	if n.observer != nil {
		n.observer.BeforeTokenSend(f, SendInfo{
			Now:        n.sched.Now(),
			TokenRx:    n.tokenRx,
			HoldValid:  holdValid,
			TxDuration: n.transport.TransmitDuration,
		})
	}
	incr(&n.stats.ctrlTx)
	n.startTx(f)
}

func (n *Node) startTx(f *Frame) {
	if n.state == StateReceiving {
		n.log.Debugf("接收中开始发送")
	}
	n.busIdle.Cancel()
	n.state = StateTransmitting
	n.lastHeard = f.TokenID
	n.transport.Transmit(f)
}

// =============================================================================
// 定时器到期
// =============================================================================

// onTokenPassExpire 持有中: 持有窗口结束；已传出: 传递未被确认，重发一次
func (n *Node) onTokenPassExpire() {
	incr(&n.stats.tokenPassExpirations)
	if n.state == StateTransmitting {
		return
	}
	if n.gotToken {
		n.transmit()
		return
	}
	if n.resent || !n.hasPassed {
		return
	}

	n.resent = true
	id := n.num.Add(n.lastPassed, n.opts.N)
	f := &Frame{Type: FrameToken, Src: n.opts.ID, Dst: Broadcast, TokenID: id, Resend: true}
	incr(&n.stats.tokenResends)
	n.emit(EventTokenResent, id)
	n.log.Infof("令牌传递超时，重发 %d", id)
	n.sendToken(f, false)
}

// onBusIdleExpire 长时间无活动，再生令牌给自己
func (n *Node) onBusIdleExpire() {
	incr(&n.stats.busIdleExpirations)
	if n.gotToken {
		n.transmit()
		return
	}

	n.gotToken = true
	n.tokenRx = n.sched.Now()
	n.lastOwned = n.num.Add(n.lastOwned, n.opts.N)
	n.regenerated = true
	n.resent = false
	incr(&n.stats.tokenRegenerations)
	n.emit(EventTokenRegenerated, n.lastOwned)
	n.log.Infof("总线空闲超时，再生令牌 %d", n.lastOwned)

	n.tokenPass.Reschedule(n.opts.MinTokenHoldTime)
	n.transmit()
}
