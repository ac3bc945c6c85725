// =============================================================================
// 文件: internal/tokenbus/numbering.go
// 描述: 令牌编号 - 定宽回绕编号空间上的序号运算
// =============================================================================
package tokenbus

import "fmt"

// TokenID 令牌编号，持有者为 id mod N
type TokenID uint32

// Numbering 编号空间
// 周期 P 取不超过 2^bits 的最大 N 的倍数，回绕后 id mod N 仍指向同一节点
type Numbering struct {
	n      int
	period uint64
}

// NewNumbering 创建编号空间
func NewNumbering(n, bits int) (Numbering, error) {
	if n < 2 {
		return Numbering{}, fmt.Errorf("节点数必须 >= 2: %d", n)
	}
	if bits < 2 || bits > 32 {
		return Numbering{}, fmt.Errorf("token_id_bits 超出范围 [2, 32]: %d", bits)
	}
	space := uint64(1) << uint(bits)
	period := space / uint64(n) * uint64(n)
	// 半周期内至少容纳两轮，重发 (id+N) 才不会被视为回退
	if period < uint64(4*n) {
		return Numbering{}, fmt.Errorf("编号空间过小: 2^%d 无法容纳 %d 个节点", bits, n)
	}
	return Numbering{n: n, period: period}, nil
}

// MustNumbering 同 NewNumbering，失败时 panic
func MustNumbering(n, bits int) Numbering {
	nb, err := NewNumbering(n, bits)
	if err != nil {
		panic(err)
	}
	return nb
}

func (nb Numbering) N() int         { return nb.n }
func (nb Numbering) Period() uint64 { return nb.period }

// Norm 将任意整数映射到 [0, P)
func (nb Numbering) Norm(v int64) TokenID {
	p := int64(nb.period)
	v %= p
	if v < 0 {
		v += p
	}
	return TokenID(v)
}

// Add 前进 k 个编号 (k 可为负)
func (nb Numbering) Add(id TokenID, k int) TokenID {
	return nb.Norm(int64(id) + int64(k))
}

// Owner 令牌指向的节点
func (nb Numbering) Owner(id TokenID) int {
	return int(uint64(id) % uint64(nb.n))
}

// Distance 从 from 前进到 to 的步数，取值 [0, P)
func (nb Numbering) Distance(from, to TokenID) uint64 {
	return (uint64(to) + nb.period - uint64(from)%nb.period) % nb.period
}

// AtOrAfter a 是否不早于 b
func (nb Numbering) AtOrAfter(a, b TokenID) bool {
	return nb.Distance(b, a) < nb.period/2
}

// After a 是否严格晚于 b
func (nb Numbering) After(a, b TokenID) bool {
	return a != b && nb.AtOrAfter(a, b)
}

// Behind id 落后 ref 的步数，id 在 ref 之后时为负
func (nb Numbering) Behind(ref, id TokenID) int64 {
	if nb.AtOrAfter(ref, id) {
		return int64(nb.Distance(id, ref))
	}
	return -int64(nb.Distance(ref, id))
}
