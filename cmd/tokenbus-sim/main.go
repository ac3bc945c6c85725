// cmd/tokenbus-sim/main.go
// 令牌总线仿真器入口
// 装配网络、指标、监控与导出

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/tokenbus/internal/config"
	"github.com/mrcgq/tokenbus/internal/export"
	"github.com/mrcgq/tokenbus/internal/logging"
	"github.com/mrcgq/tokenbus/internal/metrics"
	"github.com/mrcgq/tokenbus/internal/monitor"
	"github.com/mrcgq/tokenbus/internal/sim"
)

// ============================================
// 版本信息
// ============================================

var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// outage 节点在 [From, To) 期间下线
type outage struct {
	Node     int
	From, To float64
}

func main() {
	configPath := flag.String("c", "", "配置文件路径 (为空时使用内置默认配置)")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	duration := flag.Float64("duration", 0, "仿真时长 (秒)，覆盖配置")
	seed := flag.String("seed", "", "随机种子，覆盖配置")
	logLevel := flag.String("log-level", "", "日志级别: error/info/debug")
	trace := flag.Bool("trace", false, "打印每个令牌事件")
	speed := flag.Float64("speed", 0, "仿真时钟相对墙钟的倍速，0 为尽快运行")
	kill := flag.String("kill", "", "节点下线计划: node:from:to[,node:from:to...]")
	serve := flag.Bool("serve", false, "仿真结束后继续提供 metrics/monitor 服务，直到收到信号")

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	// 加载配置
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}

	// 命令行覆盖
	if *duration > 0 {
		cfg.Simulation.Duration = *duration
	}
	if *seed != "" {
		cfg.Simulation.Seed = *seed
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *trace {
		cfg.Simulation.Trace = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	outages, err := parseOutages(*kill, cfg.Ring.N)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, outages, *speed, *serve); err != nil {
		fmt.Fprintf(os.Stderr, "运行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, outages []outage, speed float64, serve bool) error {
	metrics.Version = Version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	progress := metrics.NewProgress(cfg.Simulation.Duration)
	var opts []sim.NetworkOption

	// 创建 Metrics 服务器
	var metricsServer *metrics.MetricsServer
	var simMetrics *metrics.SimMetrics
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics, progress)
		simMetrics = metrics.NewSimMetrics(metricsServer.Registry())
		opts = append(opts,
			sim.WithResolveObserver(simMetrics.ObserveResolve),
			sim.WithRotationObserver(simMetrics.ObserveRotation),
		)
	}

	// WebSocket 监控
	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		mon = monitor.NewServer(cfg.Monitor.Listen, cfg.Monitor.Path, logging.New(cfg.LogLevel, "monitor", nil))
		opts = append(opts, sim.WithSnapshotHook(mon.Broadcast))
	}

	// MQTT 导出
	var pub *export.Publisher
	if cfg.MQTT.Enabled {
		var err error
		pub, err = export.Connect(cfg.MQTT, cfg.Simulation.SoundSpeed, logging.New(cfg.LogLevel, "mqtt", nil))
		if err != nil {
			return err
		}
		opts = append(opts, sim.WithSnapshotHook(pub.Publish))
	}

	network, err := sim.NewNetwork(cfg, opts...)
	if err != nil {
		return err
	}
	if metricsServer != nil {
		if err := metricsServer.Register(metrics.NewRingCollector(network)); err != nil {
			return err
		}
	}

	for _, o := range outages {
		o := o
		network.At(o.From, func() { network.Kill(o.Node) })
		network.At(o.To, func() { network.Revive(o.Node) })
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsServer != nil {
		g.Go(func() error { return metricsServer.Start(gctx) })
	}
	if mon != nil {
		g.Go(func() error { return mon.Start(gctx) })
	}
	if pub != nil {
		g.Go(func() error { return pub.Run(gctx) })
	}

	printBanner(cfg, speed)

	g.Go(func() error {
		startClock(gctx, network, progress, simMetrics, speed)
		progress.Start()
		network.Run(cfg.Simulation.Duration)
		progress.Advance(network.Now())
		progress.Finish(nil)
		if simMetrics != nil {
			simMetrics.SetSimTime(network.Now())
		}
		if pub != nil {
			pub.Close()
		}

		printSummary(network)

		if serve && gctx.Err() == nil {
			fmt.Println("仿真结束，继续提供服务，Ctrl+C 退出")
			return nil
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		progress.Finish(err)
		return err
	}
	return nil
}

// startClock 周期更新进度；speed > 0 时按墙钟节流
func startClock(ctx context.Context, network *sim.Network, progress *metrics.Progress, sm *metrics.SimMetrics, speed float64) {
	step := 1.0
	if speed > 0 {
		step = 0.1
	}
	wallStart := time.Now()

	sched := network.Scheduler()
	var tick func()
	tick = func() {
		now := sched.Now()
		progress.Advance(now)
		if sm != nil {
			sm.SetSimTime(now)
		}
		// 取消后不再节流，让仿真尽快结束
		if speed > 0 && ctx.Err() == nil {
			target := wallStart.Add(time.Duration(now / speed * float64(time.Second)))
			time.Sleep(time.Until(target))
		}
		sched.After(step, tick)
	}
	sched.After(step, tick)
}

// parseOutages 解析 node:from:to 列表
func parseOutages(s string, n int) ([]outage, error) {
	if s == "" {
		return nil, nil
	}
	var out []outage
	for _, item := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("下线计划格式错误: %q", item)
		}
		node, err := strconv.Atoi(parts[0])
		if err != nil || node < 0 || node >= n {
			return nil, fmt.Errorf("下线计划节点无效: %q", parts[0])
		}
		from, err1 := strconv.ParseFloat(parts[1], 64)
		to, err2 := strconv.ParseFloat(parts[2], 64)
		if err1 != nil || err2 != nil || from < 0 || to <= from {
			return nil, fmt.Errorf("下线计划时间无效: %q", item)
		}
		out = append(out, outage{Node: node, From: from, To: to})
	}
	return out, nil
}

func printVersion() {
	fmt.Printf("tokenbus-sim v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  # 默认 3 节点网络运行 600 秒")
	fmt.Println("  tokenbus-sim")
	fmt.Println()
	fmt.Println("  # 节点 1 在 30~70 秒下线")
	fmt.Println("  tokenbus-sim -c config.yaml -kill 1:30:70")
	fmt.Println()
	fmt.Println("  # 10 倍速运行并保持服务")
	fmt.Println("  tokenbus-sim -c config.yaml -speed 10 -serve")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics  : Prometheus 格式指标")
	fmt.Println("  - /health   : JSON 健康状态")
	fmt.Println("  - /ws       : WebSocket 快照推送")
	fmt.Println("  - /snapshot : 最近一次快照")
}

func printBanner(cfg *config.Config, speed float64) {
	pace := "尽快"
	if speed > 0 {
		pace = fmt.Sprintf("%gx", speed)
	}
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  tokenbus-sim v%-50s║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  节点数: %-56d║\n", cfg.Ring.N)
	fmt.Printf("║  仿真时长: %-54s║\n", fmt.Sprintf("%.0f 秒 (%s)", cfg.Simulation.Duration, pace))
	if ro, err := cfg.RingOptions(0); err == nil && ro.Validate() == nil {
		fmt.Printf("║  令牌超时: %-54s║\n", fmt.Sprintf("pass %.2fs / idle %.2fs x%g", ro.TokenPassTimeout, ro.BusIdleTimeout, ro.BusIdleMultiplier))
	}
	fmt.Printf("║  测距: %-58v║\n", cfg.Ranging.Enabled)
	if cfg.Metrics.Enabled {
		fmt.Printf("║  Metrics: %-55s║\n", cfg.Metrics.Listen+cfg.Metrics.Path)
	}
	if cfg.Monitor.Enabled {
		fmt.Printf("║  Monitor: %-55s║\n", cfg.Monitor.Listen+cfg.Monitor.Path)
	}
	if cfg.MQTT.Enabled {
		fmt.Printf("║  MQTT: %-58s║\n", cfg.MQTT.Broker+" "+cfg.MQTT.Topic)
	}
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func printSummary(network *sim.Network) {
	fmt.Println()
	fmt.Printf("仿真结束 t=%.1fs\n", network.Now())
	fmt.Printf("%-5s %8s %8s %7s %7s %8s %8s %9s %10s\n",
		"节点", "收令牌", "传令牌", "重发", "重生", "数据发", "数据收", "交付", "最大误差")
	for _, st := range network.Stats() {
		errStr := "-"
		if st.Distances != nil {
			if e := network.MaxDistanceError(st.ID); e >= 0 {
				errStr = fmt.Sprintf("%.2e", e)
			} else {
				errStr = "未解出"
			}
		}
		r := st.Ring
		fmt.Printf("%-5d %8d %8d %7d %7d %8d %8d %9d %10s\n",
			st.ID, r.TokensReceived, r.TokensPassed, r.TokenResends, r.TokenRegenerations,
			r.DataTx, r.DataRx, st.Delivered, errStr)
	}
	cs := network.ChannelStats()
	fmt.Printf("信道: 发送 %d, 送达 %d, 丢失 %d, 误码 %d\n", cs.Sent, cs.Delivered, cs.Lost, cs.Corrupted)

	generated, rejected := network.Traffic().Generated()
	fmt.Printf("流量: 产生 %d, 队列满拒绝 %d\n", generated, rejected)
}
