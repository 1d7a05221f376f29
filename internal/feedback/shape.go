// Package feedback 记录调用点的类型反馈
//
// 解释执行和基线执行期间，每条带反馈槽的指令都会把观察到的操作数形状
// 写入函数的反馈向量。优化编译器读取反馈向量的快照来决定推测方向。
package feedback

import (
	"fmt"

	"github.com/tangzhangming/tiering/internal/bytecode"
)

// ShapeKind 形状种类
type ShapeKind uint8

const (
	KindNone ShapeKind = iota // 无效形状
	KindUndefined
	KindBool
	KindInt   // 小整数
	KindFloat // 浮点数（或整数与浮点混合）
	KindHole  // 数组空洞
	KindObject
	KindArray
	KindGenerator
)

// Shape 观察到的操作数形状
// 可比较的不透明标记；对象形状带布局 ID
type Shape struct {
	Kind   ShapeKind
	Layout int32
}

// 常用形状
var (
	ShapeUndefined = Shape{Kind: KindUndefined}
	ShapeBool      = Shape{Kind: KindBool}
	ShapeInt       = Shape{Kind: KindInt}
	ShapeFloat     = Shape{Kind: KindFloat}
	ShapeHole      = Shape{Kind: KindHole}
	ShapeArray     = Shape{Kind: KindArray}
)

// ObjectShape 返回指定布局的对象形状
func ObjectShape(layout int32) Shape {
	return Shape{Kind: KindObject, Layout: layout}
}

// ShapeOf 返回值的形状
func ShapeOf(v bytecode.Value) Shape {
	switch v.Type {
	case bytecode.ValUndefined:
		return ShapeUndefined
	case bytecode.ValHole:
		return ShapeHole
	case bytecode.ValBool:
		return ShapeBool
	case bytecode.ValInt:
		return ShapeInt
	case bytecode.ValFloat:
		return ShapeFloat
	case bytecode.ValObject:
		return ObjectShape(v.AsObject().Layout.ID)
	case bytecode.ValArray:
		return ShapeArray
	case bytecode.ValGenerator:
		return Shape{Kind: KindGenerator}
	}
	return Shape{}
}

// BinaryShape 返回二元运算的联合形状
// 两个小整数为 Int，两个数值为 Float，否则取第一个非数值操作数的形状
func BinaryShape(a, b bytecode.Value) Shape {
	return Join(ShapeOf(a), ShapeOf(b))
}

// Join 合并两个操作数的形状
func Join(a, b Shape) Shape {
	if a == ShapeInt && b == ShapeInt {
		return ShapeInt
	}
	if a.IsNumber() && b.IsNumber() {
		return ShapeFloat
	}
	if !a.IsNumber() {
		return a
	}
	return b
}

// IsNumber 是否是数值形状
func (s Shape) IsNumber() bool {
	return s.Kind == KindInt || s.Kind == KindFloat
}

func (s Shape) String() string {
	switch s.Kind {
	case KindUndefined:
		return "Undefined"
	case KindBool:
		return "Bool"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindHole:
		return "Hole"
	case KindObject:
		return fmt.Sprintf("Object(%d)", s.Layout)
	case KindArray:
		return "Array"
	case KindGenerator:
		return "Generator"
	}
	return "None"
}
