package feedback

import "strings"

// ============================================================================
// 反馈槽状态
// ============================================================================

// State 反馈槽状态
// 只会沿 Uninitialized -> Monomorphic -> Polymorphic -> Megamorphic 方向前进
type State uint8

const (
	Uninitialized State = iota // 未初始化
	Monomorphic                // 单态（只见过一个形状）
	Polymorphic                // 多态（见过多个形状，但有限）
	Megamorphic                // 超多态（形状太多，放弃特化）
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Monomorphic:
		return "monomorphic"
	case Polymorphic:
		return "polymorphic"
	case Megamorphic:
		return "megamorphic"
	default:
		return "unknown"
	}
}

// DefaultPolymorphicBound 多态形状集合的默认上限
const DefaultPolymorphicBound = 4

// Slot 单个调用点的反馈
// Slot 是不可变值，Record 通过整体替换来更新
type Slot struct {
	state  State
	shapes []Shape
}

// State 返回状态
func (s Slot) State() State {
	return s.state
}

// Shapes 返回观察到的形状（副本）
func (s Slot) Shapes() []Shape {
	out := make([]Shape, len(s.shapes))
	copy(out, s.shapes)
	return out
}

// Monomorphic 返回单态形状
func (s Slot) Monomorphic() (Shape, bool) {
	if s.state != Monomorphic {
		return Shape{}, false
	}
	return s.shapes[0], true
}

// Contains 形状是否已记录
func (s Slot) Contains(shape Shape) bool {
	for _, sh := range s.shapes {
		if sh == shape {
			return true
		}
	}
	return false
}

// with 记录一个新形状，返回新的槽和是否发生变化
func (s Slot) with(shape Shape, bound int) (Slot, bool) {
	switch s.state {
	case Uninitialized:
		return Slot{state: Monomorphic, shapes: []Shape{shape}}, true

	case Monomorphic, Polymorphic:
		if s.Contains(shape) {
			return s, false
		}
		if len(s.shapes)+1 > bound {
			return Slot{state: Megamorphic}, true
		}
		shapes := make([]Shape, len(s.shapes), len(s.shapes)+1)
		copy(shapes, s.shapes)
		return Slot{state: Polymorphic, shapes: append(shapes, shape)}, true
	}

	// 超多态是终态
	return s, false
}

func (s Slot) String() string {
	if len(s.shapes) == 0 {
		return s.state.String()
	}
	names := make([]string, len(s.shapes))
	for i, sh := range s.shapes {
		names[i] = sh.String()
	}
	return s.state.String() + "{" + strings.Join(names, ",") + "}"
}
