// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 令牌环、测距、仿真与观测面的 YAML 配置
// =============================================================================
package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/tokenbus/internal/ranging"
	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

// Config 仿真配置
type Config struct {
	LogLevel string `yaml:"log_level"`

	Ring       RingConfig       `yaml:"ring"`
	Ranging    RangingConfig    `yaml:"ranging"`
	Simulation SimulationConfig `yaml:"simulation"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// RingConfig 令牌环配置 (时间单位: 秒)
type RingConfig struct {
	N                int     `yaml:"n"`
	TokenIDBits      int     `yaml:"token_id_bits"`
	SlotTime         float64 `yaml:"slot_time"`
	MinTokenHoldTime float64 `yaml:"min_token_hold_time"`
	MaxTokenHoldTime float64 `yaml:"max_token_hold_time"`
	TokenPassTimeout float64 `yaml:"token_pass_timeout"`
	BusIdleTimeout   float64 `yaml:"bus_idle_timeout"`

	// BusIdleMultiplier 所有节点共用，BusIdleMultipliers 按节点覆盖
	BusIdleMultiplier  float64   `yaml:"bus_idle_multiplier"`
	BusIdleMultipliers []float64 `yaml:"bus_idle_multipliers"`

	QueueSize      int    `yaml:"queue_size"`
	OverflowPolicy string `yaml:"overflow_policy"`
	// ResendGuard 关闭时使用单调校验
	ResendGuard bool `yaml:"resend_guard"`
}

// RangingConfig 测距配置
type RangingConfig struct {
	Enabled         bool    `yaml:"enabled"`
	FreshnessRounds int     `yaml:"freshness_rounds"`
	PayloadRounds   int     `yaml:"payload_rounds"`
	MaxTravelTime   float64 `yaml:"max_travel_time"`
	Epsilon         float64 `yaml:"epsilon"`
	MaxIterations   int     `yaml:"max_iterations"`
}

// SimulationConfig 仿真信道与流量
type SimulationConfig struct {
	Duration float64 `yaml:"duration"`
	Bitrate  float64 `yaml:"bitrate"`

	// Delays 单程传播时延矩阵；为空时由 Positions 与 SoundSpeed 推导
	Delays     [][]float64  `yaml:"delays"`
	Positions  [][3]float64 `yaml:"positions"`
	SoundSpeed float64      `yaml:"sound_speed"`

	LossProbability       float64 `yaml:"loss_probability"`
	CorruptionProbability float64 `yaml:"corruption_probability"`

	// TrafficInterval 每个节点的 CBR 间隔，0 表示不产生数据
	TrafficInterval float64 `yaml:"traffic_interval"`
	TrafficJitter   float64 `yaml:"traffic_jitter"`
	PayloadSize     int     `yaml:"payload_size"`

	ResolveInterval float64 `yaml:"resolve_interval"`
	Seed            string  `yaml:"seed"`
	Trace           bool    `yaml:"trace"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// MonitorConfig WebSocket 实时快照
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// MQTTConfig 距离导出
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.syncRelatedConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",

		Ring: RingConfig{
			N:                 3,
			TokenIDBits:       tokenbus.DefaultTokenIDBits,
			SlotTime:          tokenbus.DefaultSlotTime,
			MinTokenHoldTime:  tokenbus.DefaultMinTokenHoldTime,
			MaxTokenHoldTime:  tokenbus.DefaultMaxTokenHoldTime,
			BusIdleMultiplier: tokenbus.DefaultBusIdleMultiplier,
			QueueSize:         tokenbus.DefaultQueueSize,
			OverflowPolicy:    "drop_new",
			ResendGuard:       true,
		},

		Ranging: RangingConfig{
			Enabled:         true,
			FreshnessRounds: ranging.DefaultFreshnessRounds,
			PayloadRounds:   ranging.DefaultPayloadRounds,
			MaxTravelTime:   ranging.DefaultMaxTravelTime,
			Epsilon:         ranging.DefaultEpsilon,
		},

		Simulation: SimulationConfig{
			Duration: 600,
			Bitrate:  1000,
			Delays: [][]float64{
				{0, 0.2, 0.4},
				{0.2, 0, 0.3},
				{0.4, 0.3, 0},
			},
			SoundSpeed:      1500,
			TrafficInterval: 20,
			PayloadSize:     16,
			ResolveInterval: 30,
			Seed:            "tokenbus",
		},

		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},

		Monitor: MonitorConfig{
			Enabled: false,
			Listen:  ":9101",
			Path:    "/ws",
		},

		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "tcp://127.0.0.1:1883",
			Topic:    "tokenbus/distances",
			ClientID: "tokenbus-sim",
			QoS:      0,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "error", "info", "debug":
	default:
		return fmt.Errorf("log_level 需为 error, info 或 debug: %s", c.LogLevel)
	}

	if err := c.validateRing(); err != nil {
		return fmt.Errorf("ring 配置错误: %w", err)
	}

	if err := c.validateRanging(); err != nil {
		return fmt.Errorf("ranging 配置错误: %w", err)
	}

	if err := c.validateSimulation(); err != nil {
		return fmt.Errorf("simulation 配置错误: %w", err)
	}

	if c.Metrics.Enabled {
		if err := validateListen(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen 无效: %w", err)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") || !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics 路径必须以 / 开头")
		}
	}

	if c.Monitor.Enabled {
		if err := validateListen(c.Monitor.Listen); err != nil {
			return fmt.Errorf("monitor.listen 无效: %w", err)
		}
		if !strings.HasPrefix(c.Monitor.Path, "/") {
			return fmt.Errorf("monitor.path 必须以 / 开头")
		}
		if c.Metrics.Enabled && c.Metrics.Listen == c.Monitor.Listen {
			return fmt.Errorf("monitor 与 metrics 监听地址冲突: %s", c.Monitor.Listen)
		}
	}

	if c.MQTT.Enabled {
		if err := c.validateMQTT(); err != nil {
			return fmt.Errorf("mqtt 配置错误: %w", err)
		}
	}

	return nil
}

func (c *Config) validateRing() error {
	r := &c.Ring
	if r.N < 2 || r.N > 0xFFFE {
		return fmt.Errorf("n 需在 2-65534 之间")
	}
	if r.TokenIDBits < 2 || r.TokenIDBits > 32 {
		return fmt.Errorf("token_id_bits 需在 2-32 之间")
	}
	if _, err := tokenbus.NewNumbering(r.N, r.TokenIDBits); err != nil {
		return err
	}
	if _, err := tokenbus.ParsePolicy(r.OverflowPolicy); err != nil {
		return err
	}
	if len(r.BusIdleMultipliers) != 0 && len(r.BusIdleMultipliers) != r.N {
		return fmt.Errorf("bus_idle_multipliers 长度 (%d) 与 n (%d) 不一致", len(r.BusIdleMultipliers), r.N)
	}
	for i := 0; i < r.N; i++ {
		opts, err := c.RingOptions(i)
		if err != nil {
			return err
		}
		if err := opts.Validate(); err != nil {
			return fmt.Errorf("节点 %d: %w", i, err)
		}
	}
	return nil
}

func (c *Config) validateRanging() error {
	r := c.Ranging
	if !r.Enabled {
		return nil
	}
	if r.FreshnessRounds < 1 {
		return fmt.Errorf("freshness_rounds 必须 >= 1")
	}
	if r.PayloadRounds < 1 {
		return fmt.Errorf("payload_rounds 必须 >= 1")
	}
	if r.PayloadRounds > r.FreshnessRounds {
		return fmt.Errorf("payload_rounds (%d) 不能大于 freshness_rounds (%d)", r.PayloadRounds, r.FreshnessRounds)
	}
	if r.MaxTravelTime <= 0 {
		return fmt.Errorf("max_travel_time 必须为正")
	}
	if r.Epsilon < 0 {
		return fmt.Errorf("epsilon 不能为负")
	}
	if r.MaxIterations < 0 {
		return fmt.Errorf("max_iterations 不能为负")
	}
	return nil
}

func (c *Config) validateSimulation() error {
	s := c.Simulation
	n := c.Ring.N
	if s.Duration <= 0 {
		return fmt.Errorf("duration 必须为正")
	}
	if s.Bitrate <= 0 {
		return fmt.Errorf("bitrate 必须为正")
	}
	if len(s.Delays) != n {
		return fmt.Errorf("delays 需为 %dx%d 矩阵", n, n)
	}
	for i, row := range s.Delays {
		if len(row) != n {
			return fmt.Errorf("delays 第 %d 行长度 %d, 需要 %d", i, len(row), n)
		}
		for j, d := range row {
			if d < 0 || math.IsNaN(d) {
				return fmt.Errorf("delays[%d][%d] 无效: %v", i, j, d)
			}
		}
	}
	if s.LossProbability < 0 || s.LossProbability >= 1 {
		return fmt.Errorf("loss_probability 需在 [0, 1) 之间")
	}
	if s.CorruptionProbability < 0 || s.CorruptionProbability >= 1 {
		return fmt.Errorf("corruption_probability 需在 [0, 1) 之间")
	}
	if s.TrafficInterval < 0 {
		return fmt.Errorf("traffic_interval 不能为负")
	}
	if s.TrafficJitter < 0 || (s.TrafficInterval > 0 && s.TrafficJitter >= s.TrafficInterval) {
		return fmt.Errorf("traffic_jitter 需在 [0, traffic_interval) 之间")
	}
	if s.PayloadSize < 0 || s.PayloadSize > 1024 {
		return fmt.Errorf("payload_size 需在 0-1024 之间")
	}
	if s.ResolveInterval < 0 {
		return fmt.Errorf("resolve_interval 不能为负")
	}
	return nil
}

func (c *Config) validateMQTT() error {
	m := c.MQTT
	if m.Broker == "" {
		return fmt.Errorf("broker 不能为空")
	}
	if !strings.Contains(m.Broker, "://") {
		return fmt.Errorf("broker 需包含协议前缀 (tcp://, ssl://, ws://): %s", m.Broker)
	}
	if m.Topic == "" || strings.ContainsAny(m.Topic, "+#") {
		return fmt.Errorf("topic 不能为空且不能包含通配符")
	}
	if m.QoS > 2 {
		return fmt.Errorf("qos 需在 0-2 之间")
	}
	return nil
}

// validateListen 检查监听地址
func validateListen(addr string) error {
	port, err := parsePort(addr)
	if err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("端口超出范围: %d", port)
	}
	return nil
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	// 推导超时
	if c.Ring.TokenPassTimeout == 0 {
		c.Ring.TokenPassTimeout = 2*c.Ring.SlotTime + c.Ring.MinTokenHoldTime
	}
	if c.Ring.BusIdleTimeout == 0 {
		c.Ring.BusIdleTimeout = c.Ring.SlotTime + c.Ring.MinTokenHoldTime
	}

	// 由坐标推导时延矩阵
	if len(c.Simulation.Positions) > 0 && c.Simulation.SoundSpeed > 0 {
		c.Simulation.Delays = DelaysFromPositions(c.Simulation.Positions, c.Simulation.SoundSpeed)
		if c.Ring.N != len(c.Simulation.Positions) {
			c.Ring.N = len(c.Simulation.Positions)
		}
	}

	// 同步默认值
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
	if c.Monitor.Path == "" {
		c.Monitor.Path = "/ws"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "tokenbus-sim"
	}
	c.MQTT.Topic = strings.TrimSuffix(c.MQTT.Topic, "/")
}

// DelaysFromPositions 按欧氏距离与声速计算单程时延
func DelaysFromPositions(pos [][3]float64, speed float64) [][]float64 {
	out := make([][]float64, len(pos))
	for i := range pos {
		out[i] = make([]float64, len(pos))
		for j := range pos {
			dx := pos[i][0] - pos[j][0]
			dy := pos[i][1] - pos[j][1]
			dz := pos[i][2] - pos[j][2]
			out[i][j] = math.Sqrt(dx*dx+dy*dy+dz*dz) / speed
		}
	}
	return out
}

// RingOptions 节点 id 的令牌环参数
func (c *Config) RingOptions(id int) (tokenbus.Options, error) {
	r := c.Ring
	policy, err := tokenbus.ParsePolicy(r.OverflowPolicy)
	if err != nil {
		return tokenbus.Options{}, err
	}
	mult := r.BusIdleMultiplier
	if len(r.BusIdleMultipliers) == r.N && id >= 0 && id < r.N {
		mult = r.BusIdleMultipliers[id]
	}

	opts := tokenbus.DefaultOptions(id, r.N)
	opts.TokenIDBits = r.TokenIDBits
	opts.SlotTime = r.SlotTime
	opts.MinTokenHoldTime = r.MinTokenHoldTime
	opts.MaxTokenHoldTime = r.MaxTokenHoldTime
	opts.TokenPassTimeout = r.TokenPassTimeout
	opts.BusIdleTimeout = r.BusIdleTimeout
	opts.BusIdleMultiplier = mult
	opts.QueueSize = r.QueueSize
	opts.Overflow = policy
	if !r.ResendGuard {
		opts.Validator = tokenbus.MonotonicValidator{}
	}
	return opts, nil
}

// AdapterOptions 测距适配器参数
func (c *Config) AdapterOptions() ranging.AdapterOptions {
	return ranging.AdapterOptions{
		PayloadRounds: c.Ranging.PayloadRounds,
		Resolver: ranging.ResolverOptions{
			FreshnessRounds: c.Ranging.FreshnessRounds,
			MaxTravelTime:   c.Ranging.MaxTravelTime,
			Epsilon:         c.Ranging.Epsilon,
			MaxIterations:   c.Ranging.MaxIterations,
		},
	}
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# tokenbus-sim 配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: error, info, debug

# 令牌环 (时间单位: 秒)
ring:
  n: 3                              # 节点数
  token_id_bits: 16                 # 令牌编号位宽，周期取不超过 2^bits 的 N 的倍数
  slot_time: 1                      # 时隙
  min_token_hold_time: 1            # 最短持有时间
  max_token_hold_time: 10           # 最长持有时间
  token_pass_timeout: 0             # 0 = 2*slot_time + min_token_hold_time
  bus_idle_timeout: 0               # 0 = slot_time + min_token_hold_time
  bus_idle_multiplier: 3            # 总线空闲超时倍数
# bus_idle_multipliers: [3, 3.5, 4] # 按节点覆盖，用于错开再生
  queue_size: 1000                  # 发送队列长度
  overflow_policy: "drop_new"       # drop_new, drop_old, priority
  resend_guard: true                # 重发令牌需严格晚于 last_owned + N

# 被动测距
ranging:
  enabled: true
  freshness_rounds: 2               # 参与解算的测量最多落后 2*N 个令牌
  payload_rounds: 1                 # 只发送 1*N 个令牌内的本节点测量
  max_travel_time: 5                # 超出此值的解视为异常
  epsilon: 0.000001                 # 负测量容差
  max_iterations: 0                 # 0 = NNLS 默认上限

# 仿真
simulation:
  duration: 600                     # 仿真时长
  bitrate: 1000                     # 比特率 (bps)
  delays:                           # 单程传播时延矩阵
    - [0, 0.2, 0.4]
    - [0.2, 0, 0.3]
    - [0.4, 0.3, 0]
# positions:                        # 或者给出坐标 (米)，由 sound_speed 推导时延
#   - [0, 0, 0]
#   - [300, 0, 0]
#   - [300, 450, 0]
  sound_speed: 1500
  loss_probability: 0               # 每个接收者独立丢帧概率
  corruption_probability: 0         # 每个接收者独立误码概率
  traffic_interval: 20              # 每节点 CBR 间隔，0 = 不产生数据
  traffic_jitter: 0
  payload_size: 16
  resolve_interval: 30              # 周期解算与快照，0 = 只在结束时解算
  seed: "tokenbus"                  # 随机流名称前缀
  trace: false                      # 打印令牌事件

# Prometheus 监控
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false

# WebSocket 实时快照
monitor:
  enabled: false
  listen: ":9101"
  path: "/ws"

# MQTT 距离导出
mqtt:
  enabled: false
  broker: "tcp://127.0.0.1:1883"
  topic: "tokenbus/distances"       # 实际主题为 topic/<节点号>
  client_id: "tokenbus-sim"
  qos: 0
  retained: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
