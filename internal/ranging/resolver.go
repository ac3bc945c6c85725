// =============================================================================
// 文件: internal/ranging/resolver.go
// 描述: 距离解算 - 筛选新鲜测量、构建方程组并调用 NNLS
// =============================================================================
package ranging

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/mrcgq/tokenbus/internal/logging"
	"github.com/mrcgq/tokenbus/internal/nnls"
	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

// Unresolved 距离未解出
const Unresolved = -1.0

// 默认参数
const (
	DefaultFreshnessRounds = 2
	DefaultPayloadRounds   = 1
	DefaultMaxTravelTime   = 5.0
	DefaultEpsilon         = 1e-6
)

// ErrInsufficientData 有效方程少于未知量，本次不解算
var ErrInsufficientData = errors.New("ranging: 有效测量不足")

// ResolverOptions 解算参数
type ResolverOptions struct {
	// FreshnessRounds 测量年龄不超过 FreshnessRounds·N 个令牌
	FreshnessRounds int
	// MaxTravelTime 超出此值的解视为异常
	MaxTravelTime float64
	// Epsilon 允许的负测量容差
	Epsilon float64
	// MaxIterations 为 0 时用 NNLS 默认上限
	MaxIterations int
}

// DefaultResolverOptions 默认参数
func DefaultResolverOptions() ResolverOptions {
	return ResolverOptions{
		FreshnessRounds: DefaultFreshnessRounds,
		MaxTravelTime:   DefaultMaxTravelTime,
		Epsilon:         DefaultEpsilon,
	}
}

// ResolveResult 一次成功解算的摘要
type ResolveResult struct {
	Equations  int
	Unknowns   int
	Residual   float64
	Iterations int
	Rejected   int
}

// ResolverStats 解算计数
type ResolverStats struct {
	Resolves            uint64
	Skipped             uint64
	SolverTimeouts      uint64
	SolverErrors        uint64
	RejectedImplausible uint64
}

// Resolver 持有距离向量，只有成功的解算才会改变它
type Resolver struct {
	num    tokenbus.Numbering
	matrix *CoefficientMatrix
	opts   ResolverOptions
	log    *logging.Logger

	mu           sync.RWMutex
	dist         []float64
	lastResidual float64

	resolves            uint64
	skipped             uint64
	solverTimeouts      uint64
	solverErrors        uint64
	rejectedImplausible uint64
}

// NewResolver 创建解算器，距离全部未解出
func NewResolver(num tokenbus.Numbering, opts ResolverOptions, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.Discard()
	}
	m := NewCoefficientMatrix(num.N())
	dist := make([]float64, m.Unknowns())
	for i := range dist {
		dist[i] = Unresolved
	}
	return &Resolver{num: num, matrix: m, opts: opts, log: log, dist: dist}
}

func (r *Resolver) Matrix() *CoefficientMatrix { return r.matrix }

// Resolve 以 reference 为最新令牌，解算一次
func (r *Resolver) Resolve(store *Store, reference tokenbus.TokenID) (*ResolveResult, error) {
	n := r.num.N()
	window := int64(r.opts.FreshnessRounds * n)

	var eqs []int
	var rhs []float64
	active := make([]bool, r.matrix.Unknowns())
	for i := 0; i < n; i++ {
		for k := 0; k < n-1; k++ {
			m, ok := store.Get(i, k)
			if !ok || m.Value < -r.opts.Epsilon {
				continue
			}
			if r.num.Behind(reference, m.Age) > window {
				continue
			}
			eq := r.matrix.Equation(i, k)
			eqs = append(eqs, eq)
			rhs = append(rhs, max(m.Value, 0))
			for c := range active {
				if r.matrix.Coef(eq, c) != 0 {
					active[c] = true
				}
			}
		}
	}

	var cols []int
	for c, on := range active {
		if on {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 || len(eqs) < len(cols) {
		atomic.AddUint64(&r.skipped, 1)
		return nil, fmt.Errorf("%w: %d 个方程, %d 个未知量", ErrInsufficientData, len(eqs), len(cols))
	}

	a := make([][]float64, len(cols))
	for j, c := range cols {
		a[j] = make([]float64, len(eqs))
		for i, eq := range eqs {
			a[j][i] = float64(r.matrix.Coef(eq, c))
		}
	}

	var opts []nnls.Option
	if r.opts.MaxIterations > 0 {
		opts = append(opts, nnls.WithMaxIterations(r.opts.MaxIterations))
	}
	sol, err := nnls.Solve(a, rhs, opts...)
	if err != nil {
		switch nnls.StatusOf(err) {
		case nnls.StatusTimeout:
			atomic.AddUint64(&r.solverTimeouts, 1)
		default:
			atomic.AddUint64(&r.solverErrors, 1)
		}
		r.log.Errorf("距离解算失败，保留上次结果: %v", err)
		return nil, fmt.Errorf("距离解算失败: %w", err)
	}

	res := &ResolveResult{
		Equations:  len(eqs),
		Unknowns:   len(cols),
		Residual:   sol.Residual,
		Iterations: sol.Iterations,
	}

	r.mu.Lock()
	for j, c := range cols {
		v := sol.X[j]
		if v < 0 || v > r.opts.MaxTravelTime {
			r.dist[c] = Unresolved
			res.Rejected++
			continue
		}
		r.dist[c] = v
	}
	r.lastResidual = sol.Residual
	r.mu.Unlock()

	atomic.AddUint64(&r.resolves, 1)
	atomic.AddUint64(&r.rejectedImplausible, uint64(res.Rejected))
	r.log.Debugf("解算完成: %d 方程 %d 未知量, 残差 %.3g, 迭代 %d", res.Equations, res.Unknowns, res.Residual, res.Iterations)
	return res, nil
}

// Distance a 与 b 之间的单程时间，a == b 时为 0
func (r *Resolver) Distance(a, b int) float64 {
	if a == b {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dist[PairIndex(r.num.N(), a, b)]
}

// Distances 距离向量快照
func (r *Resolver) Distances() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.dist)
}

// LastResidual 最近一次成功解算的残差
func (r *Resolver) LastResidual() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastResidual
}

// Stats 计数快照
func (r *Resolver) Stats() ResolverStats {
	return ResolverStats{
		Resolves:            atomic.LoadUint64(&r.resolves),
		Skipped:             atomic.LoadUint64(&r.skipped),
		SolverTimeouts:      atomic.LoadUint64(&r.solverTimeouts),
		SolverErrors:        atomic.LoadUint64(&r.solverErrors),
		RejectedImplausible: atomic.LoadUint64(&r.rejectedImplausible),
	}
}
