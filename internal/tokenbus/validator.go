// =============================================================================
// 文件: internal/tokenbus/validator.go
// 描述: 令牌校验策略
// =============================================================================
package tokenbus

// RingView 校验时可见的环状态
type RingView struct {
	Numbering Numbering
	LastHeard TokenID
	LastOwned TokenID
}

// TokenValidator 令牌编号校验
type TokenValidator interface {
	Validate(f *Frame, ring RingView) bool
}

// ValidatorFunc 函数适配
type ValidatorFunc func(f *Frame, ring RingView) bool

func (fn ValidatorFunc) Validate(f *Frame, ring RingView) bool { return fn(f, ring) }

// MonotonicValidator 普通总线: 编号不早于最后听到的编号
type MonotonicValidator struct{}

func (MonotonicValidator) Validate(f *Frame, ring RingView) bool {
	return ring.Numbering.AtOrAfter(f.TokenID, ring.LastHeard)
}

// ResendGuardValidator 带重发保护: 重发帧必须严格晚于 lastOwned+N，
// 防止同一令牌的重发被接收两次；其余帧按单调规则
type ResendGuardValidator struct{}

func (ResendGuardValidator) Validate(f *Frame, ring RingView) bool {
	nb := ring.Numbering
	if f.Resend {
		return nb.After(f.TokenID, nb.Add(ring.LastOwned, nb.N()))
	}
	return nb.AtOrAfter(f.TokenID, ring.LastHeard)
}
