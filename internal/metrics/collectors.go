// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: 自定义 Prometheus 收集器 - 抓取时读取节点与信道计数
// =============================================================================
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/tokenbus/internal/ranging"
	"github.com/mrcgq/tokenbus/internal/sim"
	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

// RingStats 收集器的数据源
type RingStats interface {
	Stats() []sim.StationStats
	ChannelStats() sim.ChannelStats
}

type ringCounter struct {
	desc  *prometheus.Desc
	value func(tokenbus.Stats) uint64
}

type rangingCounter struct {
	desc  *prometheus.Desc
	value func(ranging.AdapterStats) uint64
}

// RingCollector 令牌环与测距指标收集器
type RingCollector struct {
	source RingStats

	ring    []ringCounter
	ranging []rangingCounter

	framesDesc    *prometheus.Desc
	queueLenDesc  *prometheus.Desc
	deliveredDesc *prometheus.Desc
	distanceDesc  *prometheus.Desc
	residualDesc  *prometheus.Desc
	channelDesc   *prometheus.Desc
}

// NewRingCollector 创建收集器
func NewRingCollector(source RingStats) *RingCollector {
	node := []string{"node"}
	ringDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("tokenbus", "ring", name), help, node, nil)
	}
	rangingDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("tokenbus", "ranging", name), help, node, nil)
	}

	return &RingCollector{
		source: source,

		ring: []ringCounter{
			{ringDesc("tokens_received_total", "Tokens accepted by the node"),
				func(s tokenbus.Stats) uint64 { return s.TokensReceived }},
			{ringDesc("tokens_passed_total", "Tokens passed to the successor"),
				func(s tokenbus.Stats) uint64 { return s.TokensPassed }},
			{ringDesc("token_resends_total", "Tokens resent after a token pass timeout"),
				func(s tokenbus.Stats) uint64 { return s.TokenResends }},
			{ringDesc("token_regenerations_total", "Tokens regenerated after a bus idle timeout"),
				func(s tokenbus.Stats) uint64 { return s.TokenRegenerations }},
			{ringDesc("token_pass_expirations_total", "Token pass timer expirations"),
				func(s tokenbus.Stats) uint64 { return s.TokenPassExpirations }},
			{ringDesc("bus_idle_expirations_total", "Bus idle timer expirations"),
				func(s tokenbus.Stats) uint64 { return s.BusIdleExpirations }},
			{ringDesc("invalid_tokens_total", "Tokens rejected by the validator"),
				func(s tokenbus.Stats) uint64 { return s.InvalidTokens }},
			{ringDesc("corrupted_frames_total", "Frames received with a bad checksum"),
				func(s tokenbus.Stats) uint64 { return s.CorruptedFrames }},
			{ringDesc("collisions_total", "Frames received while transmitting"),
				func(s tokenbus.Stats) uint64 { return s.Collisions }},
			{ringDesc("dropped_buffer_full_total", "Frames dropped because the send queue was full"),
				func(s tokenbus.Stats) uint64 { return s.DroppedBufferFull }},
			{ringDesc("foreign_data_total", "Data frames addressed to other nodes"),
				func(s tokenbus.Stats) uint64 { return s.ForeignData }},
		},

		ranging: []rangingCounter{
			{rangingDesc("payloads_sent_total", "Ranging payloads attached to passed tokens"),
				func(s ranging.AdapterStats) uint64 { return s.PayloadsSent }},
			{rangingDesc("measurements_total", "Echo measurements taken"),
				func(s ranging.AdapterStats) uint64 { return s.Measurements }},
			{rangingDesc("merged_total", "Remote measurements merged into the store"),
				func(s ranging.AdapterStats) uint64 { return s.Merged }},
			{rangingDesc("resolves_total", "Successful distance resolutions"),
				func(s ranging.AdapterStats) uint64 { return s.Resolves }},
			{rangingDesc("resolves_skipped_total", "Resolutions skipped for lack of equations"),
				func(s ranging.AdapterStats) uint64 { return s.Skipped }},
			{rangingDesc("solver_timeouts_total", "Solver runs that hit the iteration limit"),
				func(s ranging.AdapterStats) uint64 { return s.SolverTimeouts }},
			{rangingDesc("solver_errors_total", "Solver runs that failed"),
				func(s ranging.AdapterStats) uint64 { return s.SolverErrors }},
			{rangingDesc("rejected_implausible_total", "Solved distances outside the plausible range"),
				func(s ranging.AdapterStats) uint64 { return s.RejectedImplausible }},
		},

		framesDesc: prometheus.NewDesc(
			"tokenbus_ring_frames_total",
			"Frames sent and received by kind",
			[]string{"node", "kind", "direction"}, nil,
		),
		queueLenDesc: prometheus.NewDesc(
			"tokenbus_ring_queue_length",
			"Data frames waiting for the token",
			node, nil,
		),
		deliveredDesc: prometheus.NewDesc(
			"tokenbus_ring_delivered_total",
			"Data frames handed to the upper layer",
			node, nil,
		),
		distanceDesc: prometheus.NewDesc(
			"tokenbus_ranging_distance_seconds",
			"Estimated one-way travel time between two nodes as seen by a node",
			[]string{"node", "a", "b"}, nil,
		),
		residualDesc: prometheus.NewDesc(
			"tokenbus_ranging_last_residual",
			"Residual of the last accepted solution",
			node, nil,
		),
		channelDesc: prometheus.NewDesc(
			"tokenbus_channel_frames_total",
			"Channel frame outcomes",
			[]string{"outcome"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *RingCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, rc := range c.ring {
		ch <- rc.desc
	}
	for _, rc := range c.ranging {
		ch <- rc.desc
	}
	ch <- c.framesDesc
	ch <- c.queueLenDesc
	ch <- c.deliveredDesc
	ch <- c.distanceDesc
	ch <- c.residualDesc
	ch <- c.channelDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *RingCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	n := len(stats)

	for _, st := range stats {
		node := strconv.Itoa(st.ID)

		for _, rc := range c.ring {
			ch <- prometheus.MustNewConstMetric(rc.desc, prometheus.CounterValue, float64(rc.value(st.Ring)), node)
		}

		// 收发帧
		for _, f := range []struct {
			kind, dir string
			v         uint64
		}{
			{"data", "tx", st.Ring.DataTx},
			{"data", "rx", st.Ring.DataRx},
			{"ctrl", "tx", st.Ring.CtrlTx},
			{"ctrl", "rx", st.Ring.CtrlRx},
		} {
			ch <- prometheus.MustNewConstMetric(c.framesDesc, prometheus.CounterValue, float64(f.v), node, f.kind, f.dir)
		}

		ch <- prometheus.MustNewConstMetric(c.queueLenDesc, prometheus.GaugeValue, float64(st.QueueLen), node)
		ch <- prometheus.MustNewConstMetric(c.deliveredDesc, prometheus.CounterValue, float64(st.Delivered), node)

		// 未启用测距的节点没有距离向量
		if st.Distances == nil {
			continue
		}
		for _, rc := range c.ranging {
			ch <- prometheus.MustNewConstMetric(rc.desc, prometheus.CounterValue, float64(rc.value(st.Ranging)), node)
		}
		ch <- prometheus.MustNewConstMetric(c.residualDesc, prometheus.GaugeValue, st.Residual, node)
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				d := st.Distances[ranging.PairIndex(n, a, b)]
				if d == ranging.Unresolved {
					continue
				}
				ch <- prometheus.MustNewConstMetric(c.distanceDesc, prometheus.GaugeValue, d,
					node, strconv.Itoa(a), strconv.Itoa(b))
			}
		}
	}

	// 信道
	cs := c.source.ChannelStats()
	for outcome, v := range map[string]uint64{
		"sent":          cs.Sent,
		"delivered":     cs.Delivered,
		"lost":          cs.Lost,
		"corrupted":     cs.Corrupted,
		"encode_errors": cs.EncodeErrors,
	} {
		ch <- prometheus.MustNewConstMetric(c.channelDesc, prometheus.CounterValue, float64(v), outcome)
	}
}
