// =============================================================================
// 文件: internal/sim/network.go
// 描述: 仿真网络 - 组装站点、信道与流量，周期解算并生成快照
// =============================================================================
package sim

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/mrcgq/tokenbus/internal/config"
	"github.com/mrcgq/tokenbus/internal/logging"
	"github.com/mrcgq/tokenbus/internal/ranging"
	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

// StationSnapshot 单个站点在某一时刻的状态
type StationSnapshot struct {
	StationStats
	State     string `json:"state"`
	HasToken  bool   `json:"has_token"`
	LastOwned uint32 `json:"last_owned"`
	Down      bool   `json:"down"`
}

// Snapshot 全网快照，在事件循环内生成
type Snapshot struct {
	Time     float64           `json:"time"`
	Stations []StationSnapshot `json:"stations"`
	Channel  ChannelStats      `json:"channel"`
}

// ResolveObserver 每次周期解算后调用
type ResolveObserver func(node int, residual float64, err error)

// NetworkOption 网络选项
type NetworkOption func(*Network)

// WithDropFunc 定向丢帧 (测试用)
func WithDropFunc(fn DropFunc) NetworkOption {
	return func(n *Network) { n.drop = fn }
}

// WithEventHook 订阅令牌事件
func WithEventHook(fn func(tokenbus.Event)) NetworkOption {
	return func(n *Network) { n.eventHooks = append(n.eventHooks, fn) }
}

// WithSnapshotHook 订阅周期快照
func WithSnapshotHook(fn func(Snapshot)) NetworkOption {
	return func(n *Network) { n.snapshotHooks = append(n.snapshotHooks, fn) }
}

// WithResolveObserver 订阅解算结果
func WithResolveObserver(fn ResolveObserver) NetworkOption {
	return func(n *Network) { n.resolveHooks = append(n.resolveHooks, fn) }
}

// WithRotationObserver 订阅令牌轮转时间 (同一节点两次获得令牌的间隔)
func WithRotationObserver(fn func(node int, seconds float64)) NetworkOption {
	return func(n *Network) { n.rotationHooks = append(n.rotationHooks, fn) }
}

// WithLogOutput 日志输出目标
func WithLogOutput(w io.Writer) NetworkOption {
	return func(n *Network) { n.log.SetOutput(w) }
}

// Network 仿真网络
type Network struct {
	cfg      *config.Config
	sched    *Scheduler
	channel  *Channel
	stations []*Station
	traffic  *Traffic
	log      *logging.Logger

	drop          DropFunc
	eventHooks    []func(tokenbus.Event)
	snapshotHooks []func(Snapshot)
	resolveHooks  []ResolveObserver
	rotationHooks []func(int, float64)

	started     bool
	lastGranted []float64

	mu     sync.Mutex
	events []tokenbus.Event
}

// NewNetwork 按配置创建网络
func NewNetwork(cfg *config.Config, opts ...NetworkOption) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}

	sched := NewScheduler()
	n := &Network{
		cfg:         cfg,
		sched:       sched,
		log:         logging.New(cfg.LogLevel, "sim", sched.Now),
		lastGranted: make([]float64, cfg.Ring.N),
	}
	for i := range n.lastGranted {
		n.lastGranted[i] = -1
	}
	for _, o := range opts {
		o(n)
	}

	sc := cfg.Simulation
	ch, err := NewChannel(sched, ChannelOptions{
		Delays:                sc.Delays,
		Bitrate:               sc.Bitrate,
		LossProbability:       sc.LossProbability,
		CorruptionProbability: sc.CorruptionProbability,
		Seed:                  sc.Seed,
	}, n.log.With("channel"))
	if err != nil {
		return nil, err
	}
	ch.SetDropFunc(n.drop)
	n.channel = ch

	var adapterOpts *ranging.AdapterOptions
	if cfg.Ranging.Enabled {
		ao := cfg.AdapterOptions()
		adapterOpts = &ao
	}

	submitters := make([]Submitter, cfg.Ring.N)
	for i := 0; i < cfg.Ring.N; i++ {
		ringOpts, err := cfg.RingOptions(i)
		if err != nil {
			return nil, err
		}
		st, err := newStation(i, ringOpts, adapterOpts, sched, ch, n.log.With(fmt.Sprintf("node-%d", i)), n.onEvent)
		if err != nil {
			return nil, fmt.Errorf("创建节点 %d 失败: %w", i, err)
		}
		n.stations = append(n.stations, st)
		submitters[i] = st
	}

	n.traffic = NewTraffic(sched, TrafficOptions{
		Interval:    sc.TrafficInterval,
		Jitter:      sc.TrafficJitter,
		PayloadSize: sc.PayloadSize,
		Seed:        sc.Seed,
	}, submitters, ch.Down)

	return n, nil
}

func (n *Network) Scheduler() *Scheduler  { return n.sched }
func (n *Network) Channel() *Channel      { return n.channel }
func (n *Network) Traffic() *Traffic      { return n.traffic }
func (n *Network) Now() float64           { return n.sched.Now() }
func (n *Network) Size() int              { return len(n.stations) }
func (n *Network) Station(i int) *Station { return n.stations[i] }

// ChannelStats 信道计数，可并发调用
func (n *Network) ChannelStats() ChannelStats {
	return n.channel.Stats()
}

// At 在仿真时刻 t 执行 fn (事件循环内)
func (n *Network) At(t float64, fn func()) {
	n.sched.At(t, fn)
}

// Run 运行到仿真时刻 until，结束时再解算一次
func (n *Network) Run(until float64) {
	if !n.started {
		n.start()
	}
	n.log.Infof("仿真开始: %d 个节点, 运行至 %.1fs", len(n.stations), until)
	n.sched.Run(until)
	n.resolveAll()
	n.publish()
	n.log.Infof("仿真结束")
}

func (n *Network) start() {
	n.started = true
	for _, st := range n.stations {
		st.node.Start()
	}
	n.traffic.Start()
	if iv := n.cfg.Simulation.ResolveInterval; iv > 0 {
		var tick func()
		tick = func() {
			n.resolveAll()
			n.publish()
			n.sched.After(iv, tick)
		}
		n.sched.After(iv, tick)
	}
}

// Kill 节点下线: 不收不发，定时器冻结
func (n *Network) Kill(id int) {
	if n.channel.Down(id) {
		return
	}
	n.stations[id].node.Suspend()
	n.channel.SetDown(id, true)
	n.log.Infof("节点 %d 下线", id)
}

// Revive 节点恢复，定时器按剩余时长继续
func (n *Network) Revive(id int) {
	if !n.channel.Down(id) {
		return
	}
	n.stations[id].node.Resume()
	n.channel.SetDown(id, false)
	n.log.Infof("节点 %d 恢复", id)
}

// Stats 所有站点计数，可并发调用
func (n *Network) Stats() []StationStats {
	out := make([]StationStats, len(n.stations))
	for i, st := range n.stations {
		out[i] = st.Stats()
	}
	return out
}

// Snapshot 全网快照，只能在事件循环内或 Run 返回后调用
func (n *Network) Snapshot() Snapshot {
	snap := Snapshot{
		Time:     n.sched.Now(),
		Stations: make([]StationSnapshot, len(n.stations)),
		Channel:  n.channel.Stats(),
	}
	for i, st := range n.stations {
		snap.Stations[i] = StationSnapshot{
			StationStats: st.Stats(),
			State:        st.node.State().String(),
			HasToken:     st.node.HasToken(),
			LastOwned:    uint32(st.node.LastOwned()),
			Down:         n.channel.Down(i),
		}
	}
	return snap
}

// Events 已记录的令牌事件副本
func (n *Network) Events() []tokenbus.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.events)
}

// EventsOf 指定类型的事件
func (n *Network) EventsOf(kind tokenbus.EventKind) []tokenbus.Event {
	var out []tokenbus.Event
	for _, e := range n.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// TokenHolders 当前持有令牌的节点
func (n *Network) TokenHolders() []int {
	var out []int
	for i, st := range n.stations {
		if st.node.HasToken() && !n.channel.Down(i) {
			out = append(out, i)
		}
	}
	return out
}

func (n *Network) onEvent(e tokenbus.Event) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()

	if n.cfg.Simulation.Trace {
		n.log.Infof("节点 %d %s %d", e.Node, e.Kind, e.TokenID)
	}

	if e.Kind == tokenbus.EventTokenReceived || e.Kind == tokenbus.EventTokenRegenerated {
		if last := n.lastGranted[e.Node]; last >= 0 {
			for _, fn := range n.rotationHooks {
				fn(e.Node, e.Time-last)
			}
		}
		n.lastGranted[e.Node] = e.Time
	}

	for _, fn := range n.eventHooks {
		fn(e)
	}
}

func (n *Network) resolveAll() {
	for i, st := range n.stations {
		if st.adapter == nil || n.channel.Down(i) {
			continue
		}
		err := st.TriggerResolve()
		if err != nil && !errors.Is(err, ranging.ErrInsufficientData) {
			n.log.Errorf("节点 %d 解算失败: %v", i, err)
		}
		for _, fn := range n.resolveHooks {
			fn(i, st.adapter.Resolver().LastResidual(), err)
		}
	}
}

func (n *Network) publish() {
	if len(n.snapshotHooks) == 0 {
		return
	}
	snap := n.Snapshot()
	for _, fn := range n.snapshotHooks {
		fn(snap)
	}
}

// MaxDistanceError 站点 id 的估计与真实时延的最大偏差，存在未解出条目时返回 -1
func (n *Network) MaxDistanceError(id int) float64 {
	worst := 0.0
	d := n.cfg.Simulation.Delays
	dist := n.stations[id].Distances()
	if dist == nil || slices.Contains(dist, ranging.Unresolved) {
		return -1
	}
	for a := 0; a < len(n.stations); a++ {
		for b := a + 1; b < len(n.stations); b++ {
			got := dist[ranging.PairIndex(len(n.stations), a, b)]
			want := (d[a][b] + d[b][a]) / 2
			worst = max(worst, math.Abs(got-want))
		}
	}
	return worst
}
