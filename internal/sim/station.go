// =============================================================================
// 文件: internal/sim/station.go
// 描述: 仿真站点 - 令牌环节点与测距适配器的组合
// =============================================================================
package sim

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mrcgq/tokenbus/internal/logging"
	"github.com/mrcgq/tokenbus/internal/ranging"
	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

// ErrRangingDisabled 站点未启用测距
var ErrRangingDisabled = errors.New("sim: 测距未启用")

// StationStats 站点计数，可在事件循环外并发读取
type StationStats struct {
	ID        int                  `json:"id"`
	Ring      tokenbus.Stats       `json:"ring"`
	Ranging   ranging.AdapterStats `json:"ranging"`
	QueueLen  int                  `json:"queue_len"`
	Delivered uint64               `json:"delivered"`
	Distances []float64            `json:"distances,omitempty"`
	Residual  float64              `json:"residual"`
}

// Station 一个节点: 令牌环 + 可选的测距
type Station struct {
	id      int
	node    *tokenbus.Node
	adapter *ranging.Adapter

	delivered uint64
}

func newStation(id int, opts tokenbus.Options, adapterOpts *ranging.AdapterOptions,
	sched *Scheduler, ch *Channel, log *logging.Logger, onEvent func(tokenbus.Event)) (*Station, error) {

	s := &Station{id: id}
	extra := []tokenbus.NodeOption{
		tokenbus.WithLogger(log),
		tokenbus.WithDeliver(func(*tokenbus.Frame) { atomic.AddUint64(&s.delivered, 1) }),
		tokenbus.WithEventHook(onEvent),
	}
	if adapterOpts != nil {
		s.adapter = ranging.NewAdapter(id, tokenbus.MustNumbering(opts.N, opts.TokenIDBits), *adapterOpts, log.With(fmt.Sprintf("node-%d/ranging", id)))
		extra = append(extra, tokenbus.WithObserver(s.adapter))
	}

	node, err := tokenbus.NewNode(opts, sched, ch.Port(id), extra...)
	if err != nil {
		return nil, err
	}
	s.node = node
	ch.Attach(id, s)
	return s, nil
}

func (s *Station) ID() int                      { return s.id }
func (s *Station) Node() *tokenbus.Node         { return s.node }
func (s *Station) Adapter() *ranging.Adapter    { return s.adapter }
func (s *Station) OnReceiveStart()              { s.node.OnReceiveStart() }
func (s *Station) OnTransmitComplete(e float64) { s.node.OnTransmitComplete(e) }

func (s *Station) OnFrameReceived(f *tokenbus.Frame, corrupted bool) {
	s.node.OnFrameReceived(f, corrupted)
}

// Submit 提交数据帧
func (s *Station) Submit(f *tokenbus.Frame) error {
	return s.node.Submit(f)
}

// Distance 本站估计的 a 到 b 单程时间
func (s *Station) Distance(a, b int) float64 {
	if s.adapter == nil {
		return ranging.Unresolved
	}
	return s.adapter.Distance(a, b)
}

// Distances 本站的距离向量
func (s *Station) Distances() []float64 {
	if s.adapter == nil {
		return nil
	}
	return s.adapter.Distances()
}

// TriggerResolve 立即解算
func (s *Station) TriggerResolve() error {
	if s.adapter == nil {
		return ErrRangingDisabled
	}
	return s.adapter.TriggerResolve()
}

// Stats 计数快照
func (s *Station) Stats() StationStats {
	st := StationStats{
		ID:        s.id,
		Ring:      s.node.Stats(),
		QueueLen:  s.node.QueueLen(),
		Delivered: atomic.LoadUint64(&s.delivered),
	}
	if s.adapter != nil {
		st.Ranging = s.adapter.Stats()
		st.Distances = s.adapter.Distances()
		st.Residual = s.adapter.Resolver().LastResidual()
	}
	return st
}
