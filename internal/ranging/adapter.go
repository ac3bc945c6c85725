// =============================================================================
// 文件: internal/ranging/adapter.go
// 描述: 测距适配 - 在令牌收发路径上附加/提取持有时间与测量
// =============================================================================
package ranging

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mrcgq/tokenbus/internal/logging"
	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

// AdapterOptions 适配器参数
type AdapterOptions struct {
	// PayloadRounds 只发送不超过 PayloadRounds·N 个令牌的本节点测量
	PayloadRounds int
	Resolver      ResolverOptions
}

// DefaultAdapterOptions 默认参数
func DefaultAdapterOptions() AdapterOptions {
	return AdapterOptions{
		PayloadRounds: DefaultPayloadRounds,
		Resolver:      DefaultResolverOptions(),
	}
}

// AdapterStats 适配器计数
type AdapterStats struct {
	PayloadsSent uint64
	Measurements uint64
	Merged       uint64
	ResolverStats
}

// Adapter 实现 tokenbus.TokenObserver
type Adapter struct {
	self     int
	num      tokenbus.Numbering
	opts     AdapterOptions
	store    *Store
	resolver *Resolver
	log      *logging.Logger

	mu            sync.Mutex
	lastRangeID   tokenbus.TokenID
	lastRangeTime float64
	hasRange      bool

	payloadsSent uint64
	measurements uint64
	merged       uint64
}

// NewAdapter 创建节点 self 的测距适配器
func NewAdapter(self int, num tokenbus.Numbering, opts AdapterOptions, log *logging.Logger) *Adapter {
	if log == nil {
		log = logging.Discard()
	}
	return &Adapter{
		self:     self,
		num:      num,
		opts:     opts,
		store:    NewStore(num),
		resolver: NewResolver(num, opts.Resolver, log),
		log:      log,
	}
}

func (a *Adapter) Store() *Store             { return a.store }
func (a *Adapter) Resolver() *Resolver       { return a.resolver }
func (a *Adapter) Distance(x, y int) float64 { return a.resolver.Distance(x, y) }
func (a *Adapter) Distances() []float64      { return a.resolver.Distances() }

// BeforeTokenSend 附加本节点测量与持有时间
func (a *Adapter) BeforeTokenSend(f *tokenbus.Frame, info tokenbus.SendInfo) {
	n := a.num.N()
	window := int64(a.opts.PayloadRounds * n)

	times := make([]float64, n-1)
	for k := range times {
		times[k] = tokenbus.InvalidTime
		if m, ok := a.store.Get(a.self, k); ok && a.num.Behind(f.TokenID, m.Age) <= window {
			times[k] = m.Value
		}
	}
	f.Ranging = &tokenbus.RangingPayload{TokenHold: tokenbus.InvalidHold, Times: times}

	// 载荷长度固定，附加后再算发送时长
	end := info.Now + info.TxDuration(f)
	if info.HoldValid {
		f.Ranging.TokenHold = end - info.TokenRx
	}

	a.mu.Lock()
	a.lastRangeID = f.TokenID
	a.lastRangeTime = end
	a.hasRange = true
	a.mu.Unlock()
	atomic.AddUint64(&a.payloadsSent, 1)
}

// OnTokenHeard 提取测量
func (a *Adapter) OnTokenHeard(f *tokenbus.Frame, now float64) {
	if f.Ranging == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hasRange && !a.num.AtOrAfter(f.TokenID, a.lastRangeID) {
		return
	}

	n := a.num.N()
	addressee := a.num.Owner(f.TokenID)
	sender := (addressee - 1 + n) % n

	// 紧随上一个令牌: 本节点到发送者的闭环时间
	if a.hasRange && f.TokenID == a.num.Add(a.lastRangeID, 1) && f.Ranging.TokenHold >= 0 {
		if k := ((addressee-a.self-2)%n + n) % n; k < n-1 {
			v := now - a.lastRangeTime - f.Ranging.TokenHold
			a.store.Set(a.self, k, v, f.TokenID)
			atomic.AddUint64(&a.measurements, 1)
		}
	}

	if sender != a.self {
		for j, v := range f.Ranging.Times {
			if j >= n-1 || v < 0 {
				continue
			}
			if a.store.Merge(sender, j, v, f.TokenID) {
				atomic.AddUint64(&a.merged, 1)
			}
		}
	}

	a.lastRangeID = f.TokenID
	a.lastRangeTime = now
	a.hasRange = true
}

// TriggerResolve 立即解算一次；失败时距离向量保持不变
func (a *Adapter) TriggerResolve() error {
	a.mu.Lock()
	ref, ok := a.lastRangeID, a.hasRange
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 尚未听到令牌", ErrInsufficientData)
	}
	_, err := a.resolver.Resolve(a.store, ref)
	return err
}

// Stats 计数快照
func (a *Adapter) Stats() AdapterStats {
	return AdapterStats{
		PayloadsSent:  atomic.LoadUint64(&a.payloadsSent),
		Measurements:  atomic.LoadUint64(&a.measurements),
		Merged:        atomic.LoadUint64(&a.merged),
		ResolverStats: a.resolver.Stats(),
	}
}
