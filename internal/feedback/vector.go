package feedback

import (
	"errors"
	"fmt"
	"sync"

	uatomic "go.uber.org/atomic"
)

// ErrInvalidSlot 反馈槽下标越界
var ErrInvalidSlot = errors.New("invalid feedback slot")

// cell 单个槽的存储；nil 表示 Uninitialized
type cell struct {
	p uatomic.Pointer[Slot]
}

// Vector 函数的反馈向量
//
// 并发约定:
//   - 执行线程通过 Record 修改单个槽（CAS 替换不可变的 Slot）
//   - 编译线程通过 Snapshot 读取一致的副本，不持有任何锁
//   - 槽的存储在首次执行到对应调用点时才分配（copy-on-write 扩容）
type Vector struct {
	capacity int
	bound    int

	growMu sync.Mutex
	cells  uatomic.Pointer[[]*cell]

	epoch uatomic.Uint64 // 每次变化递增
}

// NewVector 创建反馈向量
// capacity 为函数声明的反馈槽数量，bound 为多态上限
func NewVector(capacity, bound int) *Vector {
	if bound <= 0 {
		bound = DefaultPolymorphicBound
	}
	v := &Vector{capacity: capacity, bound: bound}
	empty := make([]*cell, 0)
	v.cells.Store(&empty)
	return v
}

// Capacity 返回槽数量
func (v *Vector) Capacity() int {
	return v.capacity
}

// Allocated 返回已分配存储的槽数量
func (v *Vector) Allocated() int {
	return len(*v.cells.Load())
}

// Epoch 返回变化计数
func (v *Vector) Epoch() uint64 {
	return v.epoch.Load()
}

// Record 记录一次观察
// 返回槽是否发生变化；下标越界返回 ErrInvalidSlot
func (v *Vector) Record(index int, shape Shape) (bool, error) {
	if index < 0 || index >= v.capacity {
		return false, fmt.Errorf("%w: %d (capacity %d)", ErrInvalidSlot, index, v.capacity)
	}
	c := v.cell(index)
	for {
		old := c.p.Load()
		var cur Slot
		if old != nil {
			cur = *old
		}
		next, changed := cur.with(shape, v.bound)
		if !changed {
			return false, nil
		}
		if c.p.CompareAndSwap(old, &next) {
			v.epoch.Inc()
			return true, nil
		}
	}
}

// Slot 读取单个槽
func (v *Vector) Slot(index int) (Slot, error) {
	if index < 0 || index >= v.capacity {
		return Slot{}, fmt.Errorf("%w: %d (capacity %d)", ErrInvalidSlot, index, v.capacity)
	}
	cells := *v.cells.Load()
	if index >= len(cells) {
		return Slot{}, nil
	}
	if p := cells[index].p.Load(); p != nil {
		return *p, nil
	}
	return Slot{}, nil
}

// Ensure 预先分配全部槽的存储
func (v *Vector) Ensure() {
	if v.capacity > 0 {
		v.cell(v.capacity - 1)
	}
}

// Clear 把所有槽重置为 Uninitialized
// 这是唯一会让反馈变窄的操作
func (v *Vector) Clear() {
	v.growMu.Lock()
	defer v.growMu.Unlock()
	for _, c := range *v.cells.Load() {
		c.p.Store(nil)
	}
	v.epoch.Inc()
}

// Snapshot 返回反馈向量的一致副本
func (v *Vector) Snapshot() Snapshot {
	epoch := v.epoch.Load()
	cells := *v.cells.Load()
	slots := make([]Slot, v.capacity)
	for i, c := range cells {
		if p := c.p.Load(); p != nil {
			slots[i] = *p
		}
	}
	return Snapshot{Slots: slots, Epoch: epoch}
}

// cell 返回下标对应的存储，必要时扩容
func (v *Vector) cell(index int) *cell {
	if cells := *v.cells.Load(); index < len(cells) {
		return cells[index]
	}

	v.growMu.Lock()
	defer v.growMu.Unlock()

	cells := *v.cells.Load()
	if index < len(cells) {
		return cells[index]
	}
	grown := make([]*cell, index+1)
	copy(grown, cells)
	for i := len(cells); i <= index; i++ {
		grown[i] = &cell{}
	}
	v.cells.Store(&grown)
	return grown[index]
}

// Snapshot 反馈向量快照
type Snapshot struct {
	Slots []Slot
	Epoch uint64
}

// Slot 返回快照中的槽
func (s Snapshot) Slot(index int) Slot {
	if index < 0 || index >= len(s.Slots) {
		return Slot{}
	}
	return s.Slots[index]
}

// Len 返回槽数量
func (s Snapshot) Len() int {
	return len(s.Slots)
}

// Counts 按状态统计槽数量
func (s Snapshot) Counts() map[State]int {
	counts := make(map[State]int, 4)
	for _, sl := range s.Slots {
		counts[sl.State()]++
	}
	return counts
}
