// =============================================================================
// 文件: internal/export/mqtt.go
// 描述: MQTT 导出 - 每个节点的距离估计发布到 <topic>/<node>
// =============================================================================
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mrcgq/tokenbus/internal/config"
	"github.com/mrcgq/tokenbus/internal/logging"
	"github.com/mrcgq/tokenbus/internal/ranging"
	"github.com/mrcgq/tokenbus/internal/sim"
)

const (
	queueSize      = 256
	publishTimeout = 5 * time.Second
)

// Pair 一对节点间的距离
type Pair struct {
	A       int     `json:"a"`
	B       int     `json:"b"`
	Seconds float64 `json:"seconds"`
	Meters  float64 `json:"meters,omitempty"`
}

// Report 单个节点的距离报告
type Report struct {
	Node     int     `json:"node"`
	Time     float64 `json:"time"`
	Residual float64 `json:"residual"`
	Pairs    []Pair  `json:"pairs"`
}

// Message 待发布的消息
type Message struct {
	Topic   string
	Payload []byte
}

// BuildMessages 由快照生成消息；未启用测距的节点与未解出的距离被跳过
func BuildMessages(snap sim.Snapshot, topic string, soundSpeed float64) ([]Message, error) {
	n := len(snap.Stations)
	var out []Message
	for _, st := range snap.Stations {
		if st.Distances == nil {
			continue
		}
		rep := Report{Node: st.ID, Time: snap.Time, Residual: st.Residual, Pairs: []Pair{}}
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				d := st.Distances[ranging.PairIndex(n, a, b)]
				if d == ranging.Unresolved {
					continue
				}
				rep.Pairs = append(rep.Pairs, Pair{A: a, B: b, Seconds: d, Meters: d * soundSpeed})
			}
		}
		payload, err := json.Marshal(rep)
		if err != nil {
			return nil, fmt.Errorf("节点 %d 报告序列化失败: %w", st.ID, err)
		}
		out = append(out, Message{Topic: fmt.Sprintf("%s/%d", topic, st.ID), Payload: payload})
	}
	return out, nil
}

// sink 发布目标
type sink interface {
	publish(topic string, payload []byte) error
	close()
}

type mqttSink struct {
	client   mqtt.Client
	qos      byte
	retained bool
}

func (s *mqttSink) publish(topic string, payload []byte) error {
	token := s.client.Publish(topic, s.qos, s.retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("发布 %s 超时", topic)
	}
	return token.Error()
}

func (s *mqttSink) close() {
	s.client.Disconnect(250)
}

// Publisher 异步发布快照；Publish 不阻塞事件循环
type Publisher struct {
	sink       sink
	topic      string
	soundSpeed float64
	log        *logging.Logger

	queue     chan Message
	closeOnce sync.Once

	published uint64
	failed    uint64
	dropped   uint64
}

// Connect 连接 broker 并创建发布者
func Connect(cfg config.MQTTConfig, soundSpeed float64, log *logging.Logger) (*Publisher, error) {
	o := mqtt.NewClientOptions()
	o.AddBroker(cfg.Broker)
	o.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		o.SetUsername(cfg.Username)
		o.SetPassword(cfg.Password)
	}
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetAutoReconnect(true)

	c := mqtt.NewClient(o)
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("连接 MQTT %s 超时", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("连接 MQTT %s 失败: %w", cfg.Broker, err)
	}

	sk := &mqttSink{client: c, qos: cfg.QoS, retained: cfg.Retained}
	return newPublisher(sk, cfg.Topic, soundSpeed, log), nil
}

func newPublisher(sk sink, topic string, soundSpeed float64, log *logging.Logger) *Publisher {
	if log == nil {
		log = logging.Discard()
	}
	return &Publisher{
		sink:       sk,
		topic:      topic,
		soundSpeed: soundSpeed,
		log:        log,
		queue:      make(chan Message, queueSize),
	}
}

// Publish 入队快照中的距离报告，队列满时丢弃
func (p *Publisher) Publish(snap sim.Snapshot) {
	msgs, err := BuildMessages(snap, p.topic, p.soundSpeed)
	if err != nil {
		p.log.Errorf("%v", err)
		return
	}
	for _, m := range msgs {
		select {
		case p.queue <- m:
		default:
			atomic.AddUint64(&p.dropped, 1)
		}
	}
}

// Close 停止接收新消息，Run 发完剩余消息后返回
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.queue) })
}

// Run 发布循环，直到 Close 或 ctx 取消
func (p *Publisher) Run(ctx context.Context) error {
	defer p.sink.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-p.queue:
			if !ok {
				return nil
			}
			if err := p.sink.publish(m.Topic, m.Payload); err != nil {
				atomic.AddUint64(&p.failed, 1)
				p.log.Errorf("MQTT 发布失败: %v", err)
				continue
			}
			atomic.AddUint64(&p.published, 1)
		}
	}
}

// Stats 已发布、失败与丢弃的消息数
func (p *Publisher) Stats() (published, failed, dropped uint64) {
	return atomic.LoadUint64(&p.published), atomic.LoadUint64(&p.failed), atomic.LoadUint64(&p.dropped)
}
