package deopt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/feedback"
)

// Kind 守卫种类
type Kind uint8

const (
	KindShape    Kind = iota // 形状等于单一形状
	KindShapeSet             // 形状属于集合
	KindOverflow             // 整数运算不溢出
)

func (k Kind) String() string {
	switch k {
	case KindShape:
		return "shape"
	case KindShapeSet:
		return "shape-set"
	case KindOverflow:
		return "no-overflow"
	default:
		return "unknown"
	}
}

// Guard 优化代码的运行时假设
// 创建后不可修改，只能随所属代码一起丢弃
type Guard struct {
	id       int
	kind     Kind
	op       bytecode.OpCode
	offset   int // 被保护指令的偏移，也是去优化后恢复的位置
	slot     int // 来源反馈槽
	expected []feedback.Shape
}

// NewGuard 创建守卫，期望形状会被复制
func NewGuard(id int, kind Kind, op bytecode.OpCode, offset, slot int, expected []feedback.Shape) *Guard {
	var shapes []feedback.Shape
	if len(expected) > 0 {
		shapes = make([]feedback.Shape, len(expected))
		copy(shapes, expected)
	}
	return &Guard{id: id, kind: kind, op: op, offset: offset, slot: slot, expected: shapes}
}

func (g *Guard) ID() int             { return g.id }
func (g *Guard) Kind() Kind          { return g.kind }
func (g *Guard) Op() bytecode.OpCode { return g.op }
func (g *Guard) Offset() int         { return g.offset }
func (g *Guard) Slot() int           { return g.slot }

// Expected 返回期望形状（副本）
func (g *Guard) Expected() []feedback.Shape {
	if g.expected == nil {
		return nil
	}
	out := make([]feedback.Shape, len(g.expected))
	copy(out, g.expected)
	return out
}

// Check 检查观察到的形状是否满足守卫
func (g *Guard) Check(shape feedback.Shape) bool {
	switch g.kind {
	case KindShape, KindShapeSet:
		for _, s := range g.expected {
			if s == shape {
				return true
			}
		}
		return false
	}
	return true
}

// Reason 守卫失败对应的去优化原因
func (g *Guard) Reason() Reason {
	if g.kind == KindOverflow {
		return ReasonOverflow
	}
	return ReasonGuard
}

func (g *Guard) String() string {
	if g.kind == KindOverflow {
		return fmt.Sprintf("#%d %s@%d no-overflow", g.id, g.op, g.offset)
	}
	names := make([]string, len(g.expected))
	for i, s := range g.expected {
		names[i] = s.String()
	}
	return fmt.Sprintf("#%d %s@%d slot %d in {%s}", g.id, g.op, g.offset, g.slot, strings.Join(names, ","))
}

// GuardSet 一份优化代码的全部守卫
type GuardSet struct {
	guards   []*Guard
	byOffset map[int][]*Guard
}

// NewGuardSet 创建守卫集合
func NewGuardSet(guards []*Guard) *GuardSet {
	sorted := make([]*Guard, len(guards))
	copy(sorted, guards)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].offset < sorted[j].offset })

	gs := &GuardSet{guards: sorted, byOffset: make(map[int][]*Guard)}
	for _, g := range sorted {
		gs.byOffset[g.offset] = append(gs.byOffset[g.offset], g)
	}
	return gs
}

// Len 守卫数量
func (gs *GuardSet) Len() int {
	if gs == nil {
		return 0
	}
	return len(gs.guards)
}

// All 返回全部守卫（副本）
func (gs *GuardSet) All() []*Guard {
	if gs == nil {
		return nil
	}
	out := make([]*Guard, len(gs.guards))
	copy(out, gs.guards)
	return out
}

// At 返回保护指定偏移的守卫
func (gs *GuardSet) At(offset int) []*Guard {
	if gs == nil {
		return nil
	}
	return gs.byOffset[offset]
}

// ForSlot 返回来源于指定反馈槽的形状守卫
func (gs *GuardSet) ForSlot(slot int) []*Guard {
	if gs == nil {
		return nil
	}
	var out []*Guard
	for _, g := range gs.guards {
		if g.kind != KindOverflow && g.slot == slot {
			out = append(out, g)
		}
	}
	return out
}

// GuardFailure 守卫失败事件
// 它是控制流事件，总是由控制器回退到基线层来处理
type GuardFailure struct {
	Guard    *Guard // 强制去优化时为 nil
	Reason   Reason
	Observed feedback.Shape
	Frame    *FrameState
}

func (f *GuardFailure) Error() string {
	if f.Guard == nil {
		return fmt.Sprintf("deopt (%s) at %s@%d", f.Reason, f.Frame.Function.Name, f.Frame.Offset)
	}
	return fmt.Sprintf("deopt (%s) at %s@%d: guard %s observed %s",
		f.Reason, f.Frame.Function.Name, f.Frame.Offset, f.Guard, f.Observed)
}
