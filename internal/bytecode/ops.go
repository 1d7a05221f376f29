// ops.go - 操作语义
//
// 所有执行层（解释器、基线、优化代码）共用这里的语义函数，
// 保证不同层级对同一输入产生完全相同的结果。

package bytecode

import "math"

// ToNumber 转换为数值
func ToNumber(v Value) float64 {
	switch v.Type {
	case ValInt:
		return float64(v.AsInt())
	case ValFloat:
		return v.AsFloat()
	case ValBool:
		if v.AsBool() {
			return 1
		}
		return 0
	default:
		return math.NaN()
	}
}

// Truthy 真值判断
func Truthy(v Value) bool {
	switch v.Type {
	case ValUndefined, ValHole:
		return false
	case ValBool:
		return v.AsBool()
	case ValInt:
		return v.AsInt() != 0
	case ValFloat:
		f := v.AsFloat()
		return f != 0 && !math.IsNaN(f)
	default:
		return true
	}
}

// IntArith 小整数运算
// 结果不是小整数（溢出、-0、除不尽）时 ok 为 false
func IntArith(op OpCode, a, b int64) (r int64, ok bool) {
	switch op {
	case OpAdd:
		r = a + b
	case OpSub:
		r = a - b
	case OpMul:
		r = a * b
		if r == 0 && (a < 0 || b < 0) {
			return 0, false
		}
	case OpDiv:
		if b == 0 || a%b != 0 {
			return 0, false
		}
		if a == 0 && b < 0 {
			return 0, false
		}
		r = a / b
	default:
		return 0, false
	}
	return r, IsSmallInt(r)
}

// FloatArith 浮点运算
func FloatArith(op OpCode, a, b float64) float64 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	case OpDiv:
		return a / b
	}
	return math.NaN()
}

// Arith 算术运算
func Arith(op OpCode, a, b Value) Value {
	if a.Type == ValInt && b.Type == ValInt {
		if r, ok := IntArith(op, a.AsInt(), b.AsInt()); ok {
			return Value{Type: ValInt, Data: r}
		}
	}
	return NewFloat(FloatArith(op, ToNumber(a), ToNumber(b)))
}

// NumberCompare 数值比较，NaN 参与时为 false
func NumberCompare(op OpCode, a, b float64) bool {
	switch op {
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	}
	return false
}

// Compare 比较运算
func Compare(op OpCode, a, b Value) Value {
	if op == OpEq {
		return NewBool(StrictEquals(a, b))
	}
	if a.Type == ValInt && b.Type == ValInt {
		x, y := a.AsInt(), b.AsInt()
		if op == OpLt {
			return NewBool(x < y)
		}
		return NewBool(x <= y)
	}
	return NewBool(NumberCompare(op, ToNumber(a), ToNumber(b)))
}

// StrictEquals 严格相等
func StrictEquals(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		if a.Type == ValInt && b.Type == ValInt {
			return a.AsInt() == b.AsInt()
		}
		return ToNumber(a) == ToNumber(b)
	}
	at, bt := a.Type, b.Type
	if at == ValHole {
		at = ValUndefined
	}
	if bt == ValHole {
		bt = ValUndefined
	}
	if at != bt {
		return false
	}
	switch at {
	case ValUndefined:
		return true
	case ValBool:
		return a.AsBool() == b.AsBool()
	default:
		return a.Data == b.Data
	}
}

// ToIndex 转换为数组下标
func ToIndex(v Value) (int64, bool) {
	switch v.Type {
	case ValInt:
		return v.AsInt(), true
	case ValFloat:
		f := v.AsFloat()
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int64(f), true
		}
	}
	return 0, false
}

// GetField 读取字段，非对象返回 undefined
func GetField(target Value, name string) Value {
	if obj := target.AsObject(); obj != nil {
		return obj.Get(name)
	}
	return Undefined
}

// ArrayGet 读取数组元素
// 返回读到的值和原始元素（用于记录空洞反馈）
func ArrayGet(arr, idx Value) (Value, Value) {
	a := arr.AsArray()
	if a == nil {
		return Undefined, Undefined
	}
	i, ok := ToIndex(idx)
	if !ok {
		return Undefined, Undefined
	}
	return a.Get(i)
}

// ArraySet 写入数组元素
func ArraySet(arr, idx, v Value) {
	a := arr.AsArray()
	if a == nil {
		return
	}
	if i, ok := ToIndex(idx); ok {
		if v.Type == ValHole {
			v = Undefined
		}
		a.Set(i, v)
	}
}

// ArrayLen 数组长度
func ArrayLen(arr Value) Value {
	if a := arr.AsArray(); a != nil {
		return NewInt(int64(len(a.Elements)))
	}
	return Undefined
}
