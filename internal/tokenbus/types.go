// =============================================================================
// 文件: internal/tokenbus/types.go
// 描述: 令牌总线 - 类型定义 (帧、状态、协作者接口、配置)
// =============================================================================
package tokenbus

import (
	"errors"
	"fmt"
)

// 协议常量
const (
	// Broadcast 广播地址
	Broadcast = -1

	// InvalidHold 持有时间无效 (重发或令牌再生后)
	InvalidHold = -1.0
	// InvalidTime 测距条目无效 (过期或从未测得)
	InvalidTime = -1.0

	// 默认参数 (秒)
	DefaultTokenIDBits       = 16
	DefaultSlotTime          = 1.0
	DefaultMinTokenHoldTime  = 1.0
	DefaultMaxTokenHoldTime  = 10.0
	DefaultBusIdleMultiplier = 3.0
	DefaultQueueSize         = 1000
)

var (
	// ErrProtocolViolation 协议不变量被破坏 (编程错误，以 panic 抛出)
	ErrProtocolViolation = errors.New("tokenbus: 协议不变量被破坏")
	// ErrQueueFull 发送队列已满，帧被丢弃
	ErrQueueFull = errors.New("tokenbus: 发送队列已满")
	// ErrInvalidFrame 提交的帧无效
	ErrInvalidFrame = errors.New("tokenbus: 无效帧")
)

// FrameType 帧类型
type FrameType uint8

const (
	FrameData FrameType = iota + 1
	FrameToken
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameToken:
		return "TOKEN"
	default:
		return "UNKNOWN"
	}
}

// State 收发状态
type State uint8

const (
	StateIdle State = iota
	StateTransmitting
	StateReceiving
)

func (s State) String() string {
	names := []string{"IDLE", "TRANSMITTING", "RECEIVING"}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// RangingPayload 令牌帧携带的测距数据
type RangingPayload struct {
	// TokenHold 从收到上一令牌到本帧发送结束的时长
	TokenHold float64
	// Times 发送者测得的到环上其后各节点的时间，按环序排列
	Times []float64
}

// Frame 链路帧
type Frame struct {
	Type     FrameType
	Src      int
	Dst      int // 节点号或 Broadcast
	TokenID  TokenID
	Resend   bool
	Priority bool
	Payload  []byte
	Ranging  *RangingPayload
}

// Clone 深拷贝
func (f *Frame) Clone() *Frame {
	c := *f
	if f.Payload != nil {
		c.Payload = append([]byte(nil), f.Payload...)
	}
	if f.Ranging != nil {
		r := *f.Ranging
		r.Times = append([]float64(nil), f.Ranging.Times...)
		c.Ranging = &r
	}
	return &c
}

func (f *Frame) String() string {
	resend := ""
	if f.Resend {
		resend = " resend"
	}
	return fmt.Sprintf("%s src=%d dst=%d id=%d len=%d%s", f.Type, f.Src, f.Dst, f.TokenID, len(f.Payload), resend)
}

// Transport 下层传输
type Transport interface {
	// Transmit 异步发送，完成后调用 Node.OnTransmitComplete
	Transmit(f *Frame)
	// TransmitDuration 帧的发送时长 (秒)
	TransmitDuration(f *Frame) float64
}

// Timer 可取消、可冻结的单次定时器
type Timer interface {
	// Schedule 启动定时器，已在计时则不变
	Schedule(d float64)
	// Reschedule 取消当前计时后重新启动
	Reschedule(d float64)
	// Cancel 取消，不触发到期回调
	Cancel()
	Pending() bool
	// Remaining 剩余时长，冻结期间保持不变
	Remaining() float64
	Freeze()
	Resume()
}

// Scheduler 时钟与定时器工厂
type Scheduler interface {
	Now() float64
	NewTimer(name string, onExpire func()) Timer
}

// SendInfo 令牌发送前提供给观察者的上下文
type SendInfo struct {
	Now       float64
	TokenRx   float64
	HoldValid bool
	// TxDuration 计算附加载荷后的发送时长
	TxDuration func(*Frame) float64
}

// TokenObserver 令牌收发钩子 (测距扩展)
type TokenObserver interface {
	// BeforeTokenSend 令牌帧发送前调用，可附加载荷
	BeforeTokenSend(f *Frame, info SendInfo)
	// OnTokenHeard 通过校验的令牌帧 (无论发给谁)
	OnTokenHeard(f *Frame, now float64)
}

// EventKind 跟踪事件类型
type EventKind uint8

const (
	EventTokenReceived EventKind = iota
	EventTokenPassed
	EventTokenResent
	EventTokenRegenerated
	EventInvalidToken
	EventFrameDropped
)

func (k EventKind) String() string {
	names := []string{
		"TOKEN_RECEIVED", "TOKEN_PASSED", "TOKEN_RESENT",
		"TOKEN_REGENERATED", "INVALID_TOKEN", "FRAME_DROPPED",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "UNKNOWN"
}

// Event 跟踪事件
type Event struct {
	Time    float64
	Node    int
	Kind    EventKind
	TokenID TokenID
}

// Options 节点配置
type Options struct {
	ID          int
	N           int
	TokenIDBits int

	SlotTime         float64
	MinTokenHoldTime float64
	MaxTokenHoldTime float64

	// 为 0 时按 2·slot + min_hold 与 slot + min_hold 推导
	TokenPassTimeout float64
	BusIdleTimeout   float64

	// BusIdleMultiplier 总线空闲超时倍数，各节点可不同以错开再生
	BusIdleMultiplier float64

	QueueSize int
	Overflow  OverflowPolicy

	// Validator 为 nil 时使用 ResendGuardValidator
	Validator TokenValidator
}

// DefaultOptions 默认配置
func DefaultOptions(id, n int) Options {
	o := Options{
		ID:                id,
		N:                 n,
		TokenIDBits:       DefaultTokenIDBits,
		SlotTime:          DefaultSlotTime,
		MinTokenHoldTime:  DefaultMinTokenHoldTime,
		MaxTokenHoldTime:  DefaultMaxTokenHoldTime,
		BusIdleMultiplier: DefaultBusIdleMultiplier,
		QueueSize:         DefaultQueueSize,
		Overflow:          PolicyDropNew,
	}
	o.derive()
	return o
}

func (o *Options) derive() {
	if o.TokenPassTimeout == 0 {
		o.TokenPassTimeout = 2*o.SlotTime + o.MinTokenHoldTime
	}
	if o.BusIdleTimeout == 0 {
		o.BusIdleTimeout = o.SlotTime + o.MinTokenHoldTime
	}
}

// Validate 检查配置
func (o *Options) Validate() error {
	o.derive()
	if o.N < 2 {
		return fmt.Errorf("节点数必须 >= 2: %d", o.N)
	}
	if o.ID < 0 || o.ID >= o.N {
		return fmt.Errorf("节点号超出范围 [0, %d): %d", o.N, o.ID)
	}
	if o.MinTokenHoldTime < 0 || o.MaxTokenHoldTime <= 0 {
		return fmt.Errorf("令牌持有时间无效: min=%v max=%v", o.MinTokenHoldTime, o.MaxTokenHoldTime)
	}
	if o.MinTokenHoldTime > o.MaxTokenHoldTime {
		return fmt.Errorf("min_token_hold_time (%v) 大于 max_token_hold_time (%v)", o.MinTokenHoldTime, o.MaxTokenHoldTime)
	}
	if o.TokenPassTimeout <= 0 || o.BusIdleTimeout <= 0 {
		return fmt.Errorf("超时必须为正: token_pass=%v bus_idle=%v", o.TokenPassTimeout, o.BusIdleTimeout)
	}
	if o.BusIdleMultiplier <= 0 {
		return fmt.Errorf("bus_idle_multiplier 必须为正: %v", o.BusIdleMultiplier)
	}
	if o.QueueSize <= 0 {
		return fmt.Errorf("队列长度必须为正: %d", o.QueueSize)
	}
	return nil
}
