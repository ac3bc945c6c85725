// =============================================================================
// 文件: internal/tokenbus/queue.go
// 描述: 令牌总线 - 有界发送队列 (FIFO + 溢出策略)
// =============================================================================
package tokenbus

import (
	"fmt"
	"sync"
)

// OverflowPolicy 队列满时的处理策略
type OverflowPolicy uint8

const (
	// PolicyDropNew 丢弃新帧
	PolicyDropNew OverflowPolicy = iota
	// PolicyDropOld 丢弃队头最旧的帧
	PolicyDropOld
	// PolicyPriority 优先帧插入队头；满时优先帧挤掉队尾，普通帧被丢弃
	PolicyPriority
)

func (p OverflowPolicy) String() string {
	switch p {
	case PolicyDropNew:
		return "drop_new"
	case PolicyDropOld:
		return "drop_old"
	case PolicyPriority:
		return "priority"
	default:
		return "unknown"
	}
}

// ParsePolicy 解析策略名
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_new":
		return PolicyDropNew, nil
	case "drop_old":
		return PolicyDropOld, nil
	case "priority":
		return PolicyPriority, nil
	default:
		return PolicyDropNew, fmt.Errorf("未知的溢出策略: %s", s)
	}
}

// Queue 发送队列
type Queue struct {
	entries []*Frame
	size    int
	policy  OverflowPolicy

	totalPushed  uint64
	totalDropped uint64

	mu sync.Mutex
}

// NewQueue 创建队列
func NewQueue(size int, policy OverflowPolicy) *Queue {
	return &Queue{
		entries: make([]*Frame, 0, size),
		size:    size,
		policy:  policy,
	}
}

// Push 入队
// accepted 表示 f 是否进入队列，dropped 为被丢弃的帧 (可能是 f 本身)
func (q *Queue) Push(f *Frame) (accepted bool, dropped *Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.totalPushed++
	front := q.policy == PolicyPriority && f.Priority

	if len(q.entries) < q.size {
		if front {
			q.pushFront(f)
		} else {
			q.entries = append(q.entries, f)
		}
		return true, nil
	}

	q.totalDropped++
	switch {
	case q.policy == PolicyDropOld:
		dropped = q.entries[0]
		copy(q.entries, q.entries[1:])
		q.entries[len(q.entries)-1] = f
		return true, dropped
	case front:
		dropped = q.entries[len(q.entries)-1]
		q.entries = q.entries[:len(q.entries)-1]
		q.pushFront(f)
		return true, dropped
	default:
		return false, f
	}
}

func (q *Queue) pushFront(f *Frame) {
	q.entries = append(q.entries, nil)
	copy(q.entries[1:], q.entries)
	q.entries[0] = f
}

// Peek 查看队头
func (q *Queue) Peek() *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// Pop 取出队头
func (q *Queue) Pop() *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	f := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	return f
}

// Len 队列长度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats 累计入队与丢弃数
func (q *Queue) Stats() (pushed, dropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalPushed, q.totalDropped
}
