// =============================================================================
// 文件: internal/ranging/matrix.go
// 描述: 系数矩阵 - 由环拓扑一次性构建的 {-1,0,1,2} 方程组
// =============================================================================
package ranging

// PairCount 无序节点对数 N(N-1)/2
func PairCount(n int) int {
	return n * (n - 1) / 2
}

// PairIndex 节点对 (a, b) 在距离向量中的下标，与顺序无关
func PairIndex(n, a, b int) int {
	if a > b {
		a, b = b, a
	}
	return a*n - a*(a+1)/2 + (b - a - 1)
}

// CoefficientMatrix [2D][D] 系数矩阵，构建后只读
//
// 节点 i 的第 k 行对应测量 time[i][k]:
//
//	k = 0:      2·t(i, i+1)                      后继回波
//	k = 1..N-2: t(m, m-1) + t(m, i) - t(m-1, i)  m = i+1+k
type CoefficientMatrix struct {
	n    int
	d    int
	rows [][]int8
}

// NewCoefficientMatrix 构建 n 节点环的系数矩阵
func NewCoefficientMatrix(n int) *CoefficientMatrix {
	d := PairCount(n)
	cm := &CoefficientMatrix{n: n, d: d, rows: make([][]int8, n*(n-1))}
	for i := 0; i < n; i++ {
		for k := 0; k < n-1; k++ {
			row := make([]int8, d)
			if k == 0 {
				row[PairIndex(n, i, (i+1)%n)] = 2
			} else {
				m := (i + 1 + k) % n
				prev := (m - 1 + n) % n
				row[PairIndex(n, m, prev)]++
				row[PairIndex(n, m, i)]++
				row[PairIndex(n, prev, i)]--
			}
			cm.rows[cm.Equation(i, k)] = row
		}
	}
	return cm
}

// Equation 测量 time[i][k] 对应的行号
func (cm *CoefficientMatrix) Equation(i, k int) int {
	return i*(cm.n-1) + k
}

func (cm *CoefficientMatrix) Rows() int     { return len(cm.rows) }
func (cm *CoefficientMatrix) Unknowns() int { return cm.d }

// Coef 单个系数
func (cm *CoefficientMatrix) Coef(eq, col int) int {
	return int(cm.rows[eq][col])
}

// Row 第 eq 行副本
func (cm *CoefficientMatrix) Row(eq int) []float64 {
	out := make([]float64, cm.d)
	for j, v := range cm.rows[eq] {
		out[j] = float64(v)
	}
	return out
}
