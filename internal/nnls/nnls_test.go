// =============================================================================
// 文件: internal/nnls/nnls_test.go
// =============================================================================
package nnls

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
)

// columns 将行主序矩阵转为按列给出
func columns(rows [][]float64) [][]float64 {
	if len(rows) == 0 {
		return nil
	}
	n := len(rows[0])
	cols := make([][]float64, n)
	for j := 0; j < n; j++ {
		cols[j] = make([]float64, len(rows))
		for i := range rows {
			cols[j][i] = rows[i][j]
		}
	}
	return cols
}

func multiply(a [][]float64, x []float64) []float64 {
	b := make([]float64, len(a[0]))
	for j, col := range a {
		for i, v := range col {
			b[i] += v * x[j]
		}
	}
	return b
}

func TestSolveConsistent(t *testing.T) {
	a := columns([][]float64{
		{1, 2, 0},
		{0, 1, 1},
		{2, 0, 1},
		{1, 1, 1},
		{3, 1, 2},
	})
	want := []float64{0.5, 1.25, 2}
	b := multiply(a, want)

	sol, err := Solve(a, b)
	if err != nil {
		t.Fatalf("求解失败: %v", err)
	}
	for j := range want {
		if math.Abs(sol.X[j]-want[j]) > 1e-9 {
			t.Errorf("X[%d] 不匹配: got %v, want %v", j, sol.X[j], want[j])
		}
	}
	if sol.Residual > 1e-18 {
		t.Errorf("Residual = %v, want ~0", sol.Residual)
	}
	if sol.Iterations < len(want) {
		t.Errorf("Iterations = %d, want >= %d", sol.Iterations, len(want))
	}
}

func TestSolveClampsNegative(t *testing.T) {
	// 无约束解为 (1, -1)，非负解落在边界上
	a := columns([][]float64{
		{1, 0},
		{0, 1},
	})
	b := []float64{1, -1}

	sol, err := Solve(a, b)
	if err != nil {
		t.Fatalf("求解失败: %v", err)
	}
	if math.Abs(sol.X[0]-1) > 1e-12 || sol.X[1] != 0 {
		t.Errorf("X = %v, want [1 0]", sol.X)
	}
	if math.Abs(sol.Residual-1) > 1e-12 {
		t.Errorf("Residual = %v, want 1", sol.Residual)
	}
}

func TestSolveZeroRHS(t *testing.T) {
	a := columns([][]float64{
		{1, 2},
		{3, 4},
	})
	sol, err := Solve(a, []float64{0, 0})
	if err != nil {
		t.Fatalf("求解失败: %v", err)
	}
	for j, v := range sol.X {
		if v != 0 {
			t.Errorf("X[%d] = %v, want 0", j, v)
		}
	}
	if sol.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", sol.Iterations)
	}
}

func TestSolveRankDeficient(t *testing.T) {
	// 第三列为前两列之和
	a := columns([][]float64{
		{1, 0, 1},
		{0, 1, 1},
		{1, 1, 2},
	})
	b := []float64{1, 2, 3}

	sol, err := Solve(a, b)
	if err != nil {
		t.Fatalf("求解失败: %v", err)
	}
	for j, v := range sol.X {
		if v < 0 {
			t.Errorf("X[%d] = %v 为负", j, v)
		}
	}
	if sol.Residual > 1e-12 {
		t.Errorf("Residual = %v, want ~0", sol.Residual)
	}
}

// bruteForce 枚举所有被动集，取可行解中残差最小者
func bruteForce(a [][]float64, b []float64) float64 {
	n := len(a)
	best := math.Inf(1)
	for mask := 0; mask < 1<<n; mask++ {
		passive := make([]bool, n)
		for j := 0; j < n; j++ {
			passive[j] = mask&(1<<j) != 0
		}
		z := solvePassive(a, b, passive)
		feasible := true
		for _, v := range z {
			if v < 0 {
				feasible = false
				break
			}
		}
		if !feasible {
			continue
		}
		if r := residual(a, b, z); r < best {
			best = r
		}
	}
	return best
}

func TestSolveOptimalAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		m := 4 + rng.Intn(4)
		n := 2 + rng.Intn(3)
		rows := make([][]float64, m)
		for i := range rows {
			rows[i] = make([]float64, n)
			for j := range rows[i] {
				rows[i][j] = rng.Float64()*4 - 2
			}
		}
		a := columns(rows)
		b := make([]float64, m)
		for i := range b {
			b[i] = rng.Float64()*4 - 2
		}

		sol, err := Solve(a, b, WithMaxIterations(100))
		if err != nil {
			t.Fatalf("trial %d: 求解失败: %v", trial, err)
		}
		for j, v := range sol.X {
			if v < 0 {
				t.Fatalf("trial %d: X[%d] = %v 为负", trial, j, v)
			}
		}
		want := bruteForce(a, b)
		if sol.Residual > want+1e-9 {
			t.Errorf("trial %d: Residual = %v, 枚举最优 %v", trial, sol.Residual, want)
		}
	}
}

func TestSolveIdempotent(t *testing.T) {
	a := columns([][]float64{
		{2, -1, 0},
		{-1, 2, -1},
		{0, -1, 2},
		{1, 1, 1},
	})
	b := []float64{1, -2, 3, 0.5}
	aCopy := columns([][]float64{
		{2, -1, 0},
		{-1, 2, -1},
		{0, -1, 2},
		{1, 1, 1},
	})
	bCopy := append([]float64(nil), b...)

	first, err := Solve(a, b)
	if err != nil {
		t.Fatalf("求解失败: %v", err)
	}
	second, err := Solve(a, b)
	if err != nil {
		t.Fatalf("求解失败: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("两次结果不一致: %+v vs %+v", first, second)
	}
	if !reflect.DeepEqual(a, aCopy) || !reflect.DeepEqual(b, bCopy) {
		t.Error("输入被修改")
	}
}

func TestSolveInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		a    [][]float64
		b    []float64
	}{
		{"空矩阵", nil, []float64{1}},
		{"空右端", [][]float64{{}}, nil},
		{"列长度不一致", [][]float64{{1, 2}, {1}}, []float64{1, 2}},
		{"右端长度不匹配", [][]float64{{1, 2}}, []float64{1, 2, 3}},
		{"非有限值", [][]float64{{math.NaN()}}, []float64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Solve(tt.a, tt.b)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
			if StatusOf(err) != StatusError {
				t.Errorf("StatusOf = %v, want ERROR", StatusOf(err))
			}
		})
	}
}

func TestSolveTimeout(t *testing.T) {
	a := columns([][]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{1, 1, 1},
	})
	b := multiply(a, []float64{1, 2, 3})

	_, err := Solve(a, b, WithMaxIterations(2))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if StatusOf(err) != StatusTimeout {
		t.Errorf("StatusOf = %v, want TIMEOUT", StatusOf(err))
	}

	if _, err := Solve(a, b); err != nil {
		t.Errorf("默认上限下求解失败: %v", err)
	}
}

func TestDefaultMaxIterations(t *testing.T) {
	tests := []struct{ n, want int }{
		{1, 3},
		{2, 6},
		{3, 9},
		{6, 36},
	}
	for _, tt := range tests {
		if got := DefaultMaxIterations(tt.n); got != tt.want {
			t.Errorf("DefaultMaxIterations(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestHouseholderReflect(t *testing.T) {
	t.Run("v 被映射为 -v", func(t *testing.T) {
		v := []float64{0, 3, 4}
		vec := []float64{7, 3, 4}
		householderReflect(vec, v, 25, 1)
		want := []float64{7, -3, -4}
		for i := range want {
			if math.Abs(vec[i]-want[i]) > 1e-12 {
				t.Errorf("vec[%d] 不匹配: got %v, want %v", i, vec[i], want[i])
			}
		}
	})

	t.Run("正交向量不变", func(t *testing.T) {
		v := []float64{1, 1, 0}
		vec := []float64{1, -1, 5}
		householderReflect(vec, v, 2, 0)
		if !reflect.DeepEqual(vec, []float64{1, -1, 5}) {
			t.Errorf("正交向量被改变: %v", vec)
		}
	})

	t.Run("保持范数", func(t *testing.T) {
		v := []float64{2, -1, 0.5}
		vec := []float64{0.3, 1.7, -2.2}
		before := math.Hypot(math.Hypot(vec[0], vec[1]), vec[2])
		householderReflect(vec, v, 4+1+0.25, 0)
		after := math.Hypot(math.Hypot(vec[0], vec[1]), vec[2])
		if math.Abs(before-after) > 1e-12 {
			t.Errorf("范数不匹配: got %v, want %v", after, before)
		}
	})
}
