// =============================================================================
// 文件: internal/tokenbus/stats.go
// 描述: 令牌总线 - 计数器 (协议线程写入，监控并发读取)
// =============================================================================
package tokenbus

import "sync/atomic"

// Stats 节点计数器快照
type Stats struct {
	// 失败处理
	InvalidTokens     uint64
	CorruptedFrames   uint64
	Collisions        uint64
	DroppedBufferFull uint64

	// 恢复
	TokenResends         uint64
	TokenRegenerations   uint64
	TokenPassExpirations uint64
	BusIdleExpirations   uint64

	// 收发
	TokensReceived uint64
	TokensPassed   uint64
	DataTx         uint64
	DataRx         uint64
	CtrlTx         uint64
	CtrlRx         uint64
	ForeignData    uint64
}

type counters struct {
	invalidTokens     uint64
	corruptedFrames   uint64
	collisions        uint64
	droppedBufferFull uint64

	tokenResends         uint64
	tokenRegenerations   uint64
	tokenPassExpirations uint64
	busIdleExpirations   uint64

	tokensReceived uint64
	tokensPassed   uint64
	dataTx         uint64
	dataRx         uint64
	ctrlTx         uint64
	ctrlRx         uint64
	foreignData    uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		InvalidTokens:        atomic.LoadUint64(&c.invalidTokens),
		CorruptedFrames:      atomic.LoadUint64(&c.corruptedFrames),
		Collisions:           atomic.LoadUint64(&c.collisions),
		DroppedBufferFull:    atomic.LoadUint64(&c.droppedBufferFull),
		TokenResends:         atomic.LoadUint64(&c.tokenResends),
		TokenRegenerations:   atomic.LoadUint64(&c.tokenRegenerations),
		TokenPassExpirations: atomic.LoadUint64(&c.tokenPassExpirations),
		BusIdleExpirations:   atomic.LoadUint64(&c.busIdleExpirations),
		TokensReceived:       atomic.LoadUint64(&c.tokensReceived),
		TokensPassed:         atomic.LoadUint64(&c.tokensPassed),
		DataTx:               atomic.LoadUint64(&c.dataTx),
		DataRx:               atomic.LoadUint64(&c.dataRx),
		CtrlTx:               atomic.LoadUint64(&c.ctrlTx),
		CtrlRx:               atomic.LoadUint64(&c.ctrlRx),
		ForeignData:          atomic.LoadUint64(&c.foreignData),
	}
}

func incr(p *uint64) { atomic.AddUint64(p, 1) }
