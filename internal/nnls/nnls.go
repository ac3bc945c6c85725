// =============================================================================
// 文件: internal/nnls/nnls.go
// 描述: 非负最小二乘 (Lawson-Hanson 有效集法) - min ||Ax-b||² s.t. x >= 0
// =============================================================================
package nnls

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidInput 输入矩阵为空或行列数不一致
	ErrInvalidInput = errors.New("nnls: 输入无效")
	// ErrTimeout 超出迭代上限，结果不可用
	ErrTimeout = errors.New("nnls: 迭代超时")
)

// Status 求解结果分类
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "ERROR"
	}
}

// StatusOf 将 Solve 返回的错误映射为 Status
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	default:
		return StatusError
	}
}

// Solution 求解结果
type Solution struct {
	X          []float64 // 长度 N，全部 >= 0
	Residual   float64   // ||Ax-b||²
	Iterations int
}

// Option 求解选项
type Option func(*options)

type options struct {
	maxIter int
}

// WithMaxIterations 覆盖默认迭代上限
func WithMaxIterations(n int) Option {
	return func(o *options) {
		o.maxIter = n
	}
}

// DefaultMaxIterations 默认迭代上限: N<3 时 3N，否则 N²
func DefaultMaxIterations(n int) int {
	if n < 3 {
		return 3 * n
	}
	return n * n
}

// Solve 求解 min ||Ax-b||², x >= 0
// a 按列给出: a[j] 为第 j 个未知量的系数列，长度均为 len(b)
// 迭代计数包括每次变量进入被动集和每次回退步
func Solve(a [][]float64, b []float64, opts ...Option) (*Solution, error) {
	n := len(a)
	m := len(b)
	if n == 0 || m == 0 {
		return nil, fmt.Errorf("%w: 空矩阵 (列 %d, 行 %d)", ErrInvalidInput, n, m)
	}
	for j, col := range a {
		if len(col) != m {
			return nil, fmt.Errorf("%w: 第 %d 列长度 %d, 期望 %d", ErrInvalidInput, j, len(col), m)
		}
		for _, v := range col {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: 第 %d 列含非有限值", ErrInvalidInput, j)
			}
		}
	}
	for i, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: b[%d] 非有限值", ErrInvalidInput, i)
		}
	}

	o := options{maxIter: DefaultMaxIterations(n)}
	for _, opt := range opts {
		opt(&o)
	}

	tol := tolerance(a, m, n)
	x := make([]float64, n)
	w := make([]float64, n)
	passive := make([]bool, n)
	nPassive := 0
	iter := 0

	for nPassive < m {
		gradient(a, b, x, w)

		// 选择梯度最大的约束变量进入被动集；
		// 进入后子问题系数非正的变量本轮拒绝
		rejected := make([]bool, n)
		entered := -1
		var z []float64
		for {
			t := -1
			best := tol
			for j := 0; j < n; j++ {
				if passive[j] || rejected[j] {
					continue
				}
				if w[j] > best {
					best = w[j]
					t = j
				}
			}
			if t < 0 {
				break
			}
			passive[t] = true
			z = solvePassive(a, b, passive)
			if z[t] > 0 {
				entered = t
				break
			}
			passive[t] = false
			rejected[t] = true
		}
		if entered < 0 {
			break
		}
		nPassive++
		iter++
		if iter > o.maxIter {
			return nil, fmt.Errorf("%w: %d 次迭代未收敛", ErrTimeout, o.maxIter)
		}

		// 回退: 沿 x→z 方向走到第一个变量归零处，移出被动集后重解
		for {
			feasible := true
			for j := 0; j < n; j++ {
				if passive[j] && z[j] <= 0 {
					feasible = false
					break
				}
			}
			if feasible {
				copy(x, z)
				break
			}

			iter++
			if iter > o.maxIter {
				return nil, fmt.Errorf("%w: %d 次迭代未收敛", ErrTimeout, o.maxIter)
			}

			alpha := math.Inf(1)
			for j := 0; j < n; j++ {
				if passive[j] && z[j] <= 0 {
					if r := x[j] / (x[j] - z[j]); r < alpha {
						alpha = r
					}
				}
			}
			maxX := 0.0
			for j := 0; j < n; j++ {
				if passive[j] {
					x[j] += alpha * (z[j] - x[j])
					maxX = math.Max(maxX, math.Abs(x[j]))
				}
			}
			xTol := 10 * epsilon * math.Max(1, maxX)
			for j := 0; j < n; j++ {
				if passive[j] && x[j] <= xTol {
					passive[j] = false
					x[j] = 0
					nPassive--
				}
			}
			z = solvePassive(a, b, passive)
		}
	}

	return &Solution{
		X:          x,
		Residual:   residual(a, b, x),
		Iterations: iter,
	}, nil
}

const epsilon = 2.220446049250313e-16

// tolerance 对偶可行性阈值: 10·eps·||A||₁·max(m,n)
func tolerance(a [][]float64, m, n int) float64 {
	norm1 := 0.0
	for _, col := range a {
		s := 0.0
		for _, v := range col {
			s += math.Abs(v)
		}
		norm1 = math.Max(norm1, s)
	}
	return 10 * epsilon * norm1 * float64(max(m, n))
}

// gradient w = Aᵀ(b - Ax)
func gradient(a [][]float64, b, x, w []float64) {
	r := make([]float64, len(b))
	copy(r, b)
	for j, col := range a {
		if x[j] == 0 {
			continue
		}
		for i, v := range col {
			r[i] -= v * x[j]
		}
	}
	for j, col := range a {
		s := 0.0
		for i, v := range col {
			s += v * r[i]
		}
		w[j] = s
	}
}

func residual(a [][]float64, b, x []float64) float64 {
	r := make([]float64, len(b))
	copy(r, b)
	for j, col := range a {
		for i, v := range col {
			r[i] -= v * x[j]
		}
	}
	s := 0.0
	for _, v := range r {
		s += v * v
	}
	return s
}

// solvePassive 仅用被动集列求无约束最小二乘，其余分量为 0
func solvePassive(a [][]float64, b []float64, passive []bool) []float64 {
	z := make([]float64, len(a))
	idx := make([]int, 0, len(a))
	cols := make([][]float64, 0, len(a))
	for j, p := range passive {
		if p {
			idx = append(idx, j)
			cols = append(cols, a[j])
		}
	}
	if len(cols) == 0 {
		return z
	}
	sol := leastSquares(cols, b)
	for k, j := range idx {
		z[j] = sol[k]
	}
	return z
}

// leastSquares Householder QR 求 min ||Cz - b||，C 按列给出
// 对角元近零的列视为线性相关，对应分量置 0
func leastSquares(cols [][]float64, b []float64) []float64 {
	m := len(b)
	k := len(cols)

	r := make([][]float64, k)
	for j := range cols {
		r[j] = append([]float64(nil), cols[j]...)
	}
	y := append([]float64(nil), b...)

	steps := min(k, m)
	v := make([]float64, m)
	for j := 0; j < steps; j++ {
		norm := 0.0
		for i := j; i < m; i++ {
			norm = math.Hypot(norm, r[j][i])
		}
		if norm == 0 {
			continue
		}
		alpha := -math.Copysign(norm, r[j][j])
		vn2 := 0.0
		for i := j; i < m; i++ {
			v[i] = r[j][i]
			if i == j {
				v[i] -= alpha
			}
			vn2 += v[i] * v[i]
		}
		if vn2 == 0 {
			continue
		}
		for c := j; c < k; c++ {
			householderReflect(r[c], v, vn2, j)
		}
		householderReflect(y, v, vn2, j)
	}

	diagMax := 0.0
	for j := 0; j < steps; j++ {
		diagMax = math.Max(diagMax, math.Abs(r[j][j]))
	}
	diagTol := diagMax * float64(max(m, k)) * epsilon * 10

	z := make([]float64, k)
	for j := steps - 1; j >= 0; j-- {
		if math.Abs(r[j][j]) <= diagTol {
			continue
		}
		s := y[j]
		for c := j + 1; c < k; c++ {
			s -= r[c][j] * z[c]
		}
		z[j] = s / r[j][j]
	}
	return z
}

// householderReflect 对 vec[from:] 施加 Householder 变换 I - 2vvᵀ/(vᵀv)
func householderReflect(vec, v []float64, vn2 float64, from int) {
	d := 0.0
	for i := from; i < len(vec); i++ {
		d += v[i] * vec[i]
	}
	if d == 0 {
		return
	}
	f := 2 * d / vn2
	for i := from; i < len(vec); i++ {
		vec[i] -= f * v[i]
	}
}
