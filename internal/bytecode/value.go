package bytecode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueType 值类型
type ValueType byte

const (
	ValUndefined ValueType = iota
	ValHole                // 数组空洞，只存在于数组元素和字面量中
	ValBool
	ValInt // 小整数（int32 范围）
	ValFloat
	ValObject
	ValArray
	ValGenerator
)

func (t ValueType) String() string {
	switch t {
	case ValUndefined:
		return "undefined"
	case ValHole:
		return "hole"
	case ValBool:
		return "bool"
	case ValInt:
		return "int"
	case ValFloat:
		return "float"
	case ValObject:
		return "object"
	case ValArray:
		return "array"
	case ValGenerator:
		return "generator"
	default:
		return "unknown"
	}
}

// Value 运行时值
type Value struct {
	Type ValueType
	Data interface{}
}

// 预定义常量值
var (
	Undefined  = Value{Type: ValUndefined}
	Hole       = Value{Type: ValHole}
	TrueValue  = Value{Type: ValBool, Data: true}
	FalseValue = Value{Type: ValBool, Data: false}
)

// NewBool 创建布尔值
func NewBool(b bool) Value {
	if b {
		return TrueValue
	}
	return FalseValue
}

// NewInt 创建小整数值
// 超出 int32 范围时退化为浮点数
func NewInt(n int64) Value {
	if !IsSmallInt(n) {
		return NewFloat(float64(n))
	}
	return Value{Type: ValInt, Data: n}
}

// NewFloat 创建浮点数值
func NewFloat(f float64) Value {
	return Value{Type: ValFloat, Data: f}
}

// NewObject 创建对象值
func NewObject(obj *Object) Value {
	return Value{Type: ValObject, Data: obj}
}

// NewArray 创建数组值
func NewArray(elements []Value) Value {
	return Value{Type: ValArray, Data: &Array{Elements: elements}}
}

// IsSmallInt 是否在小整数范围内
func IsSmallInt(n int64) bool {
	return n >= math.MinInt32 && n <= math.MaxInt32
}

// AsInt 获取整数
func (v Value) AsInt() int64 {
	if n, ok := v.Data.(int64); ok {
		return n
	}
	return 0
}

// AsFloat 获取浮点数
func (v Value) AsFloat() float64 {
	if f, ok := v.Data.(float64); ok {
		return f
	}
	return 0
}

// AsBool 获取布尔值
func (v Value) AsBool() bool {
	if b, ok := v.Data.(bool); ok {
		return b
	}
	return false
}

// AsObject 获取对象
func (v Value) AsObject() *Object {
	if o, ok := v.Data.(*Object); ok {
		return o
	}
	return nil
}

// AsArray 获取数组
func (v Value) AsArray() *Array {
	if a, ok := v.Data.(*Array); ok {
		return a
	}
	return nil
}

// IsNumber 是否是数值
func (v Value) IsNumber() bool {
	return v.Type == ValInt || v.Type == ValFloat
}

// String 格式化输出
func (v Value) String() string {
	switch v.Type {
	case ValUndefined:
		return "undefined"
	case ValHole:
		return "<hole>"
	case ValBool:
		return strconv.FormatBool(v.AsBool())
	case ValInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case ValFloat:
		return formatFloat(v.AsFloat())
	case ValObject:
		return v.AsObject().String()
	case ValArray:
		return v.AsArray().String()
	case ValGenerator:
		return "[generator]"
	default:
		return "?"
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == math.Trunc(f) && math.Abs(f) < 1e21:
		if f == 0 {
			return "0"
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ============================================================================
// 对象与隐藏类
// ============================================================================

// Object 对象，字段按布局顺序存放
type Object struct {
	Layout *Layout
	Fields []Value
}

// Get 按名字读取字段，缺失时返回 undefined
func (o *Object) Get(name string) Value {
	if idx, ok := o.Layout.Index(name); ok {
		return o.Fields[idx]
	}
	return Undefined
}

// String 格式化输出
func (o *Object) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range o.Layout.Fields() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(o.Fields[i].String())
	}
	sb.WriteByte('}')
	return sb.String()
}

// Array 数组，元素可以是空洞
type Array struct {
	Elements []Value
}

// Get 读取元素，越界或空洞返回 (undefined, 元素本身)
func (a *Array) Get(idx int64) (Value, Value) {
	if idx < 0 || idx >= int64(len(a.Elements)) {
		return Undefined, Undefined
	}
	elem := a.Elements[idx]
	if elem.Type == ValHole {
		return Undefined, elem
	}
	return elem, elem
}

// Set 写入元素，越界时以空洞扩展
func (a *Array) Set(idx int64, v Value) {
	if idx < 0 || idx > math.MaxInt32 {
		return
	}
	for int64(len(a.Elements)) <= idx {
		a.Elements = append(a.Elements, Hole)
	}
	a.Elements[idx] = v
}

// String 格式化输出
func (a *Array) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, e := range a.Elements {
		if i > 0 {
			sb.WriteString(", ")
		}
		if e.Type != ValHole {
			sb.WriteString(e.String())
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

// ============================================================================
// 函数与程序
// ============================================================================

// Function 可编译单元
type Function struct {
	Name        string
	Arity       int
	LocalCount  int // 包括参数
	SlotCount   int // 反馈槽数量
	IsGenerator bool
	Chunk       *Chunk
	Line        int

	// ResumeTable 恢复点表，下标 0 为函数入口，其余为每个 yield 之后的偏移
	ResumeTable []int

	Program *Program
	Index   int
}

// NewFunction 创建函数
func NewFunction(name string) *Function {
	return &Function{
		Name:        name,
		Chunk:       NewChunk(),
		ResumeTable: []int{0},
	}
}

// ResumeIndex 返回偏移对应的恢复点下标
func (fn *Function) ResumeIndex(offset int) (int, bool) {
	for i, off := range fn.ResumeTable {
		if off == offset {
			return i, true
		}
	}
	return 0, false
}

// String 返回函数描述
func (fn *Function) String() string {
	return fmt.Sprintf("<fn %s/%d>", fn.Name, fn.Arity)
}

// Program 一组可相互调用的函数
type Program struct {
	Source    string
	Functions []*Function
	Layouts   *LayoutTable
	byName    map[string]*Function
}

// NewProgram 创建程序
func NewProgram(source string) *Program {
	return &Program{
		Source:  source,
		Layouts: NewLayoutTable(),
		byName:  make(map[string]*Function),
	}
}

// Add 添加函数并返回其下标
func (p *Program) Add(fn *Function) int {
	fn.Program = p
	fn.Index = len(p.Functions)
	p.Functions = append(p.Functions, fn)
	p.byName[fn.Name] = fn
	return fn.Index
}

// Lookup 按名字查找函数
func (p *Program) Lookup(name string) (*Function, bool) {
	fn, ok := p.byName[name]
	return fn, ok
}

// Function 按下标获取函数
func (p *Program) Function(index int) (*Function, error) {
	if index < 0 || index >= len(p.Functions) {
		return nil, fmt.Errorf("function index %d out of range", index)
	}
	return p.Functions[index], nil
}
