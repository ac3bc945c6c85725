// =============================================================================
// 文件: internal/sim/traffic.go
// 描述: CBR 流量源 - 每个节点按固定间隔 (可加抖动) 提交数据帧
// =============================================================================
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/iti/rngstream"

	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

// TrafficOptions 流量参数
type TrafficOptions struct {
	Interval    float64
	Jitter      float64
	PayloadSize int
	Seed        string
}

// Submitter 接收上层数据帧
type Submitter interface {
	Submit(f *tokenbus.Frame) error
}

// Traffic CBR 流量源，目的节点在其余节点中均匀选取
type Traffic struct {
	sched *Scheduler
	opts  TrafficOptions
	nodes []Submitter
	skip  func(id int) bool
	rng   []*rngstream.RngStream

	seq       uint32
	generated uint64
	rejected  uint64
}

// NewTraffic 创建流量源，skip 返回 true 的节点本轮不产生数据
func NewTraffic(sched *Scheduler, opts TrafficOptions, nodes []Submitter, skip func(id int) bool) *Traffic {
	t := &Traffic{
		sched: sched,
		opts:  opts,
		nodes: nodes,
		skip:  skip,
		rng:   make([]*rngstream.RngStream, len(nodes)),
	}
	for i := range t.rng {
		t.rng[i] = rngstream.New(fmt.Sprintf("%s-traffic-%d", opts.Seed, i))
	}
	return t
}

// Start 以随机相位启动所有节点；间隔为 0 时不产生流量
func (t *Traffic) Start() {
	if t.opts.Interval <= 0 || len(t.nodes) < 2 {
		return
	}
	for i := range t.nodes {
		id := i
		t.sched.After(t.rng[id].RandU01()*t.opts.Interval, func() { t.tick(id) })
	}
}

// Generated 已产生与被拒绝的帧数
func (t *Traffic) Generated() (generated, rejected uint64) {
	return atomic.LoadUint64(&t.generated), atomic.LoadUint64(&t.rejected)
}

func (t *Traffic) tick(id int) {
	rng := t.rng[id]
	if t.skip == nil || !t.skip(id) {
		n := len(t.nodes)
		dst := (id + 1 + int(rng.RandU01()*float64(n-1))) % n
		t.seq++
		payload := make([]byte, max(t.opts.PayloadSize, 4))
		binary.BigEndian.PutUint32(payload, t.seq)

		atomic.AddUint64(&t.generated, 1)
		err := t.nodes[id].Submit(&tokenbus.Frame{Type: tokenbus.FrameData, Dst: dst, Payload: payload})
		if errors.Is(err, tokenbus.ErrQueueFull) {
			atomic.AddUint64(&t.rejected, 1)
		}
	}

	next := t.opts.Interval
	if t.opts.Jitter > 0 {
		next += t.opts.Jitter * (2*rng.RandU01() - 1)
	}
	t.sched.After(next, func() { t.tick(id) })
}
