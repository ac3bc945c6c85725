// =============================================================================
// 文件: internal/sim/channel.go
// 描述: 广播信道 - 编码、传播时延、随机丢帧与误码
// =============================================================================
package sim

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/iti/rngstream"

	"github.com/mrcgq/tokenbus/internal/logging"
	"github.com/mrcgq/tokenbus/internal/protocol"
	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

// Endpoint 信道上的接收方
type Endpoint interface {
	OnReceiveStart()
	OnFrameReceived(f *tokenbus.Frame, corrupted bool)
	OnTransmitComplete(elapsed float64)
}

// DropFunc 返回 true 时该接收者收不到帧
type DropFunc func(from, to int, f *tokenbus.Frame) bool

// ChannelStats 信道计数
type ChannelStats struct {
	Sent         uint64 `json:"sent"`
	Delivered    uint64 `json:"delivered"`
	Lost         uint64 `json:"lost"`
	Corrupted    uint64 `json:"corrupted"`
	EncodeErrors uint64 `json:"encode_errors"`
}

// ChannelOptions 信道参数
type ChannelOptions struct {
	Delays                [][]float64
	Bitrate               float64
	LossProbability       float64
	CorruptionProbability float64
	Seed                  string
}

// Channel 所有节点共享的广播介质
type Channel struct {
	sched *Scheduler
	opts  ChannelOptions
	log   *logging.Logger

	endpoints []Endpoint
	down      []bool
	// 下线期间完成的发送，恢复时补发完成回调
	owedComplete []bool
	rx           []*rngstream.RngStream
	drop         DropFunc

	sent         uint64
	delivered    uint64
	lost         uint64
	corrupted    uint64
	encodeErrors uint64
}

// NewChannel 创建 n 个端口的信道
func NewChannel(sched *Scheduler, opts ChannelOptions, log *logging.Logger) (*Channel, error) {
	n := len(opts.Delays)
	if n < 2 {
		return nil, fmt.Errorf("信道至少需要 2 个节点: %d", n)
	}
	if opts.Bitrate <= 0 {
		return nil, fmt.Errorf("比特率必须为正: %v", opts.Bitrate)
	}
	if log == nil {
		log = logging.Discard()
	}
	c := &Channel{
		sched:        sched,
		opts:         opts,
		log:          log,
		endpoints:    make([]Endpoint, n),
		down:         make([]bool, n),
		owedComplete: make([]bool, n),
		rx:           make([]*rngstream.RngStream, n),
	}
	for i := range c.rx {
		c.rx[i] = rngstream.New(fmt.Sprintf("%s-rx-%d", opts.Seed, i))
	}
	return c, nil
}

// Attach 绑定节点 id 的接收方
func (c *Channel) Attach(id int, ep Endpoint) {
	c.endpoints[id] = ep
}

// SetDropFunc 设置定向丢帧钩子
func (c *Channel) SetDropFunc(fn DropFunc) {
	c.drop = fn
}

// Port 节点 id 的发送端口
func (c *Channel) Port(id int) tokenbus.Transport {
	return &port{c: c, id: id}
}

// Duration 编码后帧的发送时长
func (c *Channel) Duration(f *tokenbus.Frame) float64 {
	return float64(protocol.EncodedLen(f)*8) / c.opts.Bitrate
}

// SetDown 节点上下线；恢复时补发下线期间完成的发送回调
func (c *Channel) SetDown(id int, down bool) {
	c.down[id] = down
	if !down && c.owedComplete[id] {
		c.owedComplete[id] = false
		c.endpoints[id].OnTransmitComplete(0)
	}
}

// Down 节点是否下线
func (c *Channel) Down(id int) bool { return c.down[id] }

// Stats 计数快照
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Sent:         atomic.LoadUint64(&c.sent),
		Delivered:    atomic.LoadUint64(&c.delivered),
		Lost:         atomic.LoadUint64(&c.lost),
		Corrupted:    atomic.LoadUint64(&c.corrupted),
		EncodeErrors: atomic.LoadUint64(&c.encodeErrors),
	}
}

func (c *Channel) transmit(from int, f *tokenbus.Frame) {
	dur := c.Duration(f)
	c.sched.After(dur, func() { c.complete(from, dur) })

	data, err := protocol.Encode(f)
	if err != nil {
		atomic.AddUint64(&c.encodeErrors, 1)
		c.log.Errorf("节点 %d 编码失败，帧被丢弃: %v", from, err)
		return
	}
	if c.down[from] {
		return
	}
	atomic.AddUint64(&c.sent, 1)

	for to := range c.endpoints {
		if to == from || c.endpoints[to] == nil {
			continue
		}
		if c.drop != nil && c.drop(from, to, f) {
			atomic.AddUint64(&c.lost, 1)
			continue
		}
		rng := c.rx[to]
		if c.opts.LossProbability > 0 && rng.RandU01() < c.opts.LossProbability {
			atomic.AddUint64(&c.lost, 1)
			continue
		}
		buf := append([]byte(nil), data...)
		if c.opts.CorruptionProbability > 0 && rng.RandU01() < c.opts.CorruptionProbability {
			idx := int(rng.RandU01() * float64(len(buf)))
			buf[min(idx, len(buf)-1)] ^= 0x5A
		}
		c.propagate(from, to, buf, dur)
	}
}

func (c *Channel) propagate(from, to int, buf []byte, dur float64) {
	delay := c.opts.Delays[from][to]
	c.sched.After(delay, func() {
		if !c.down[to] {
			c.endpoints[to].OnReceiveStart()
		}
	})
	c.sched.After(delay+dur, func() {
		if c.down[to] {
			return
		}
		f, err := protocol.Decode(buf)
		if err != nil {
			if !errors.Is(err, protocol.ErrChecksum) {
				c.log.Debugf("节点 %d 收到无法解析的帧: %v", to, err)
			}
			atomic.AddUint64(&c.corrupted, 1)
			// 校验失败时内容不可信，只传递类型未知的空帧
			c.endpoints[to].OnFrameReceived(&tokenbus.Frame{Src: from, Dst: tokenbus.Broadcast}, true)
			return
		}
		atomic.AddUint64(&c.delivered, 1)
		c.endpoints[to].OnFrameReceived(f, false)
	})
}

func (c *Channel) complete(from int, dur float64) {
	if c.down[from] {
		c.owedComplete[from] = true
		return
	}
	c.endpoints[from].OnTransmitComplete(dur)
}

// port 实现 tokenbus.Transport
type port struct {
	c  *Channel
	id int
}

func (p *port) Transmit(f *tokenbus.Frame) { p.c.transmit(p.id, f) }

func (p *port) TransmitDuration(f *tokenbus.Frame) float64 { return p.c.Duration(f) }
