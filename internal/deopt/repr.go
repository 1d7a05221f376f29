// Package deopt 实现去优化所需的数据结构
//
// 优化代码把部分值保存为原始表示（raw int、raw float64、可能为空洞的 float64），
// 去优化时必须把这些值还原（materialize）成基线层能理解的标记值。
package deopt

import (
	"fmt"
	"math"

	"github.com/tangzhangming/tiering/internal/bytecode"
)

// Repr 值表示
type Repr uint8

const (
	Tagged       Repr = iota // 标记值（bytecode.Value）
	Int                      // 原始整数
	Float64                  // 原始浮点数
	HoleyFloat64             // 原始浮点数，可能是空洞
)

func (r Repr) String() string {
	switch r {
	case Tagged:
		return "tagged"
	case Int:
		return "int"
	case Float64:
		return "float64"
	case HoleyFloat64:
		return "holey-float64"
	default:
		return "unknown"
	}
}

// HoleNaNBits 空洞在 holey float64 中的位模式
// 这是一个普通算术永远不会产生的 NaN
const HoleNaNBits uint64 = 0xFFF7FFFFFFF7FFFF

// Entry 带表示的值
type Entry struct {
	Repr   Repr
	Bits   uint64
	Tagged bytecode.Value
}

// TaggedEntry 创建标记值条目
func TaggedEntry(v bytecode.Value) Entry {
	return Entry{Repr: Tagged, Tagged: v}
}

// IntEntry 创建原始整数条目
func IntEntry(n int64) Entry {
	return Entry{Repr: Int, Bits: uint64(n)}
}

// FloatEntry 创建原始浮点数条目
func FloatEntry(f float64) Entry {
	return Entry{Repr: Float64, Bits: math.Float64bits(f)}
}

// HoleyEntry 创建 holey float64 条目
func HoleyEntry(f float64) Entry {
	return Entry{Repr: HoleyFloat64, Bits: math.Float64bits(f)}
}

// HoleEntry 创建空洞条目
func HoleEntry() Entry {
	return Entry{Repr: HoleyFloat64, Bits: HoleNaNBits}
}

// IsHole 是否是空洞
func (e Entry) IsHole() bool {
	switch e.Repr {
	case HoleyFloat64:
		return e.Bits == HoleNaNBits
	case Tagged:
		return e.Tagged.Type == bytecode.ValHole
	}
	return false
}

// Int 返回原始整数
func (e Entry) Int() int64 {
	return int64(e.Bits)
}

// Float 返回原始浮点数
func (e Entry) Float() float64 {
	return math.Float64frombits(e.Bits)
}

// Materialize 还原为标记值
// holey float64 中的空洞还原为 undefined，不会变成 NaN
func (e Entry) Materialize() bytecode.Value {
	switch e.Repr {
	case Int:
		return bytecode.NewInt(e.Int())
	case Float64:
		return bytecode.NewFloat(e.Float())
	case HoleyFloat64:
		if e.Bits == HoleNaNBits {
			return bytecode.Undefined
		}
		return bytecode.NewFloat(e.Float())
	}
	return e.Tagged
}

func (e Entry) String() string {
	switch e.Repr {
	case Int:
		return fmt.Sprintf("int:%d", e.Int())
	case Float64:
		return fmt.Sprintf("f64:%v", e.Float())
	case HoleyFloat64:
		if e.IsHole() {
			return "hf64:<hole>"
		}
		return fmt.Sprintf("hf64:%v", e.Float())
	}
	return e.Tagged.String()
}
