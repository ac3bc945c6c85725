// =============================================================================
// 文件: internal/ranging/store.go
// 描述: 测量存储 - 各节点到环上其后节点的单程时间及其令牌年龄
// =============================================================================
package ranging

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

// Measurement 一次测量
type Measurement struct {
	Value float64
	Age   tokenbus.TokenID // 记录时的令牌编号
	Valid bool
}

// Store time[i][j] / age[i][j]，i 为节点，j 为 i 之后的第 j+1 个节点
// 条目从不删除，过期条目由解算时按年龄屏蔽
type Store struct {
	num  tokenbus.Numbering
	rows [][]Measurement
	mu   sync.RWMutex
}

// NewStore 创建空存储
func NewStore(num tokenbus.Numbering) *Store {
	n := num.N()
	rows := make([][]Measurement, n)
	for i := range rows {
		rows[i] = make([]Measurement, n-1)
	}
	return &Store{num: num, rows: rows}
}

func (s *Store) N() int { return s.num.N() }

// Set 无条件写入
func (s *Store) Set(i, j int, value float64, age tokenbus.TokenID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[i][j] = Measurement{Value: value, Age: age, Valid: true}
}

// Merge 仅当新值不比已存值旧时写入
func (s *Store) Merge(i, j int, value float64, age tokenbus.TokenID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.rows[i][j]
	if cur.Valid && !s.num.AtOrAfter(age, cur.Age) {
		return false
	}
	s.rows[i][j] = Measurement{Value: value, Age: age, Valid: true}
	return true
}

// Get 读取条目
func (s *Store) Get(i, j int) (Measurement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.rows[i][j]
	return m, m.Valid
}

// Row 第 i 行快照
func (s *Store) Row(i int) []Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rows[i])
}
