package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mrcgq/tokenbus/internal/config"
	"github.com/mrcgq/tokenbus/internal/nnls"
	"github.com/mrcgq/tokenbus/internal/ranging"
	"github.com/mrcgq/tokenbus/internal/sim"
	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

type fakeSource struct {
	stats   []sim.StationStats
	channel sim.ChannelStats
}

func (f *fakeSource) Stats() []sim.StationStats      { return f.stats }
func (f *fakeSource) ChannelStats() sim.ChannelStats { return f.channel }

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather 失败: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func labelsOf(m *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

// find 返回标签完全匹配的指标
func find(mf *dto.MetricFamily, labels map[string]string) *dto.Metric {
	if mf == nil {
		return nil
	}
	for _, m := range mf.GetMetric() {
		got := labelsOf(m)
		match := len(got) == len(labels)
		for k, v := range labels {
			if got[k] != v {
				match = false
			}
		}
		if match {
			return m
		}
	}
	return nil
}

func TestRingCollector(t *testing.T) {
	dist := []float64{0.2, ranging.Unresolved, 0.3}
	src := &fakeSource{
		stats: []sim.StationStats{
			{
				ID:        0,
				Ring:      tokenbus.Stats{TokensReceived: 7, TokenRegenerations: 1, DataTx: 3, CtrlRx: 9},
				Ranging:   ranging.AdapterStats{Measurements: 5, ResolverStats: ranging.ResolverStats{Resolves: 2}},
				QueueLen:  4,
				Delivered: 6,
				Distances: dist,
				Residual:  1e-7,
			},
			{ID: 1, Ring: tokenbus.Stats{TokensReceived: 8}},
			{ID: 2, Ring: tokenbus.Stats{TokensReceived: 9}},
		},
		channel: sim.ChannelStats{Sent: 100, Lost: 3},
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewRingCollector(src))
	mfs := gather(t, reg)

	t.Run("令牌计数", func(t *testing.T) {
		for node, want := range map[string]float64{"0": 7, "1": 8, "2": 9} {
			m := find(mfs["tokenbus_ring_tokens_received_total"], map[string]string{"node": node})
			if m == nil {
				t.Fatalf("节点 %s 缺少 tokens_received_total", node)
			}
			if got := m.GetCounter().GetValue(); got != want {
				t.Errorf("节点 %s tokens_received 不匹配: got %v, want %v", node, got, want)
			}
		}
		m := find(mfs["tokenbus_ring_token_regenerations_total"], map[string]string{"node": "0"})
		if m.GetCounter().GetValue() != 1 {
			t.Errorf("regenerations 不匹配: got %v, want 1", m.GetCounter().GetValue())
		}
	})

	t.Run("收发帧", func(t *testing.T) {
		m := find(mfs["tokenbus_ring_frames_total"], map[string]string{"node": "0", "kind": "data", "direction": "tx"})
		if m == nil || m.GetCounter().GetValue() != 3 {
			t.Errorf("data tx 不匹配: %v", m)
		}
		m = find(mfs["tokenbus_ring_frames_total"], map[string]string{"node": "0", "kind": "ctrl", "direction": "rx"})
		if m == nil || m.GetCounter().GetValue() != 9 {
			t.Errorf("ctrl rx 不匹配: %v", m)
		}
	})

	t.Run("队列与交付", func(t *testing.T) {
		m := find(mfs["tokenbus_ring_queue_length"], map[string]string{"node": "0"})
		if m == nil || m.GetGauge().GetValue() != 4 {
			t.Errorf("queue_length 不匹配: %v", m)
		}
		m = find(mfs["tokenbus_ring_delivered_total"], map[string]string{"node": "0"})
		if m == nil || m.GetCounter().GetValue() != 6 {
			t.Errorf("delivered 不匹配: %v", m)
		}
	})

	t.Run("距离跳过未解出条目", func(t *testing.T) {
		mf := mfs["tokenbus_ranging_distance_seconds"]
		if got := len(mf.GetMetric()); got != 2 {
			t.Fatalf("距离指标数量不匹配: got %d, want 2", got)
		}
		m := find(mf, map[string]string{"node": "0", "a": "1", "b": "2"})
		if m == nil || m.GetGauge().GetValue() != 0.3 {
			t.Errorf("distance(1,2) 不匹配: %v", m)
		}
		if find(mf, map[string]string{"node": "0", "a": "0", "b": "2"}) != nil {
			t.Error("未解出的距离不应导出")
		}
	})

	t.Run("未启用测距的节点没有测距指标", func(t *testing.T) {
		mf := mfs["tokenbus_ranging_measurements_total"]
		if got := len(mf.GetMetric()); got != 1 {
			t.Fatalf("measurements 指标数量不匹配: got %d, want 1", got)
		}
		if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 5 {
			t.Errorf("measurements 不匹配: got %v, want 5", v)
		}
		m := find(mfs["tokenbus_ranging_resolves_total"], map[string]string{"node": "0"})
		if m == nil || m.GetCounter().GetValue() != 2 {
			t.Errorf("resolves 不匹配: %v", m)
		}
	})

	t.Run("信道", func(t *testing.T) {
		mf := mfs["tokenbus_channel_frames_total"]
		if got := len(mf.GetMetric()); got != 5 {
			t.Errorf("信道指标数量不匹配: got %d, want 5", got)
		}
		m := find(mf, map[string]string{"outcome": "lost"})
		if m == nil || m.GetCounter().GetValue() != 3 {
			t.Errorf("lost 不匹配: %v", m)
		}
	})
}

func TestResolveResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ResultOK},
		{fmt.Errorf("%w: 0 个方程", ranging.ErrInsufficientData), ResultInsufficient},
		{fmt.Errorf("距离解算失败: %w", nnls.ErrTimeout), ResultTimeout},
		{errors.New("其它"), ResultError},
	}
	for _, tt := range tests {
		if got := ResolveResult(tt.err); got != tt.want {
			t.Errorf("ResolveResult(%v) 不匹配: got %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestSimMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewSimMetrics(reg)

	m.ObserveRotation(1, 1.5)
	m.ObserveRotation(1, 1.7)
	m.ObserveResolve(0, 1e-8, nil)
	m.ObserveResolve(0, 0, ranging.ErrInsufficientData)
	m.ObserveResolve(0, 0, ranging.ErrInsufficientData)
	m.SetSimTime(42)

	mfs := gather(t, reg)

	rot := find(mfs["tokenbus_ring_token_rotation_seconds"], map[string]string{"node": "1"})
	if rot == nil || rot.GetHistogram().GetSampleCount() != 2 {
		t.Errorf("轮转样本数不匹配: %v", rot)
	}

	ok := find(mfs["tokenbus_ranging_resolve_results_total"], map[string]string{"node": "0", "result": ResultOK})
	if ok == nil || ok.GetCounter().GetValue() != 1 {
		t.Errorf("ok 计数不匹配: %v", ok)
	}
	ins := find(mfs["tokenbus_ranging_resolve_results_total"], map[string]string{"node": "0", "result": ResultInsufficient})
	if ins == nil || ins.GetCounter().GetValue() != 2 {
		t.Errorf("insufficient 计数不匹配: %v", ins)
	}

	res := find(mfs["tokenbus_ranging_resolve_residual"], map[string]string{"node": "0"})
	if res == nil || res.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("残差只记录成功的解算: %v", res)
	}

	if v := mfs["tokenbus_sim_time_seconds"].GetMetric()[0].GetGauge().GetValue(); v != 42 {
		t.Errorf("sim_time 不匹配: got %v, want 42", v)
	}
}

func TestProgressHealth(t *testing.T) {
	p := NewProgress(100)

	t.Run("未开始", func(t *testing.T) {
		h := p.Health()
		if h.Status != "degraded" {
			t.Errorf("状态不匹配: got %s, want degraded", h.Status)
		}
	})

	t.Run("运行中", func(t *testing.T) {
		p.Start()
		p.Advance(25)
		h := p.Health()
		if h.Status != "healthy" {
			t.Errorf("状态不匹配: got %s, want healthy", h.Status)
		}
		if p.Fraction() != 0.25 {
			t.Errorf("进度不匹配: got %v, want 0.25", p.Fraction())
		}
		if !strings.Contains(h.Components["simulation"].Message, "25%") {
			t.Errorf("进度描述不匹配: %s", h.Components["simulation"].Message)
		}
	})

	t.Run("失败", func(t *testing.T) {
		p.Finish(errors.New("监听失败"))
		h := p.Health()
		if h.Status != "unhealthy" || h.Components["simulation"].Message != "监听失败" {
			t.Errorf("失败状态不匹配: %+v", h)
		}
	})

	t.Run("超出目标", func(t *testing.T) {
		q := NewProgress(10)
		q.Advance(20)
		if q.Fraction() != 1 {
			t.Errorf("进度应封顶为 1: got %v", q.Fraction())
		}
	})
}

func testMetricsConfig(listen string) config.MetricsConfig {
	return config.MetricsConfig{Enabled: true, Listen: listen, Path: "/metrics", HealthPath: "/health"}
}

func TestServerHandler(t *testing.T) {
	p := NewProgress(10)
	s := NewMetricsServer(testMetricsConfig("127.0.0.1:0"), p)
	m := NewSimMetrics(s.Registry())
	m.SetSimTime(7)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s 失败: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}
	ready := func() (int, ReadyStatus) {
		code, body := get("/health/ready")
		var rs ReadyStatus
		if err := json.Unmarshal([]byte(body), &rs); err != nil {
			t.Fatalf("就绪响应解析失败: %v (%q)", err, body)
		}
		return code, rs
	}

	t.Run("metrics", func(t *testing.T) {
		code, body := get("/metrics")
		if code != http.StatusOK {
			t.Fatalf("状态码不匹配: got %d", code)
		}
		if !strings.Contains(body, "tokenbus_sim_time_seconds 7") {
			t.Error("缺少 tokenbus_sim_time_seconds")
		}
		if !strings.Contains(body, "go_goroutines") {
			t.Error("缺少 Go 运行时指标")
		}
	})

	t.Run("未开始时不就绪", func(t *testing.T) {
		code, rs := ready()
		if code != http.StatusServiceUnavailable || rs.Ready || rs.State != "idle" {
			t.Errorf("就绪状态不匹配: %d %+v", code, rs)
		}
		if code, _ := get("/health"); code != http.StatusOK {
			t.Errorf("未开始时健康检查应为 200 (degraded): got %d", code)
		}
	})

	t.Run("运行中报告进度", func(t *testing.T) {
		p.Start()
		p.Advance(4)
		code, rs := ready()
		if code != http.StatusOK || !rs.Ready || rs.State != "running" {
			t.Fatalf("就绪状态不匹配: %d %+v", code, rs)
		}
		if rs.SimTime != 4 || rs.Target != 10 || rs.Fraction != 0.4 {
			t.Errorf("进度不匹配: %+v", rs)
		}

		code, body := get("/health")
		if code != http.StatusOK {
			t.Fatalf("状态码不匹配: got %d", code)
		}
		var h HealthStatus
		if err := json.Unmarshal([]byte(body), &h); err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		if h.Status != "healthy" || h.Version != Version {
			t.Errorf("健康状态不匹配: %+v", h)
		}
		if _, ok := h.Components["simulation"]; !ok {
			t.Error("缺少 simulation 组件")
		}
	})

	t.Run("失败后不就绪", func(t *testing.T) {
		p.Finish(errors.New("崩溃"))
		code, rs := ready()
		if code != http.StatusServiceUnavailable || rs.Ready || rs.State != "failed" {
			t.Errorf("就绪状态不匹配: %d %+v", code, rs)
		}
		if code, _ := get("/health"); code != http.StatusServiceUnavailable {
			t.Errorf("失败后健康检查应返回 503: got %d", code)
		}
	})

	t.Run("存活", func(t *testing.T) {
		if code, body := get("/health/live"); code != http.StatusOK || body != "OK" {
			t.Errorf("存活状态不匹配: %d %s", code, body)
		}
	})
}

func TestServerReadyAfterFinish(t *testing.T) {
	p := NewProgress(10)
	s := NewMetricsServer(testMetricsConfig("127.0.0.1:0"), p)
	p.Start()
	p.Advance(10)
	p.Finish(nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("结束后应就绪: got %d", rec.Code)
	}
	var rs ReadyStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &rs); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if rs.State != "finished" || rs.Fraction != 1 {
		t.Errorf("就绪状态不匹配: %+v", rs)
	}
}

func TestServerRegister(t *testing.T) {
	s := NewMetricsServer(testMetricsConfig("127.0.0.1:0"), nil)
	src := &fakeSource{}
	if err := s.Register(NewRingCollector(src)); err != nil {
		t.Fatalf("首次注册失败: %v", err)
	}
	if err := s.Register(NewRingCollector(src)); err == nil {
		t.Error("重复注册应返回错误")
	}
}

func TestServerStart(t *testing.T) {
	t.Run("端口被占用", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("监听失败: %v", err)
		}
		defer ln.Close()

		s := NewMetricsServer(testMetricsConfig(ln.Addr().String()), nil)
		if err := s.Start(context.Background()); err == nil {
			t.Error("端口被占用时应返回错误")
		}
	})

	t.Run("取消后退出", func(t *testing.T) {
		s := NewMetricsServer(testMetricsConfig("127.0.0.1:0"), nil)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Start(ctx) }()

		time.Sleep(50 * time.Millisecond)
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("取消后不应返回错误: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("取消后服务未退出")
		}
	})
}
