package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrJumpRange 跳转距离超出 int16
var ErrJumpRange = errors.New("jump offset out of range")

// OpCode 操作码类型
type OpCode byte

const (
	// 栈操作
	OpConst     OpCode = iota // 压入常量 (index: u16)
	OpUndefined               // 压入 undefined
	OpTrue                    // 压入 true
	OpFalse                   // 压入 false
	OpHole                    // 压入空洞标记（仅用于数组字面量）
	OpPop                     // 弹出栈顶
	OpDup                     // 复制栈顶

	// 局部变量操作
	OpLoadLocal  // 加载局部变量 (index: u16)
	OpStoreLocal // 存储局部变量并弹出 (index: u16)

	// 算术与比较，均带反馈槽 (slot: u16)
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpLt
	OpLe
	OpEq

	OpNot // 逻辑非

	// 跳转指令
	OpJump        // 无条件跳转 (offset: i16)
	OpJumpIfFalse // 条件为假时跳转并弹出条件 (offset: i16)
	OpLoop        // 循环回边 (offset: u16，向后)

	// 对象操作
	OpNewObject // 创建空对象
	OpGetField  // 获取字段 (name: u16, slot: u16) [obj -> value]
	OpSetField  // 设置字段 (name: u16, slot: u16) [obj, value -> ]

	// 数组操作
	OpNewArray // 创建数组 (count: u16) [e1..en -> arr]
	OpArrayGet // 读取元素 (slot: u16) [arr, idx -> value]
	OpArraySet // 写入元素 [arr, idx, value -> ]
	OpArrayLen // 数组长度 [arr -> int]

	// 函数调用
	OpCall   // 调用函数 (function: u16, argc: u8)
	OpReturn // 返回栈顶

	// 生成器
	OpYield   // 挂起并产出栈顶，恢复时压入传入值
	OpGenNext // 恢复生成器 [gen, sent -> value]
	OpGenDone // 生成器是否结束 [gen -> bool]

	OpPrint     // 输出栈顶并弹出
	OpIntrinsic // 宿主内建操作 (id: u8, function: u16)，压入结果
	OpDebugger  // 调试断点；优化编译器不支持

	opCount
)

var opNames = [...]string{
	OpConst:       "CONST",
	OpUndefined:   "UNDEFINED",
	OpTrue:        "TRUE",
	OpFalse:       "FALSE",
	OpHole:        "HOLE",
	OpPop:         "POP",
	OpDup:         "DUP",
	OpLoadLocal:   "LOAD_LOCAL",
	OpStoreLocal:  "STORE_LOCAL",
	OpAdd:         "ADD",
	OpSub:         "SUB",
	OpMul:         "MUL",
	OpDiv:         "DIV",
	OpLt:          "LT",
	OpLe:          "LE",
	OpEq:          "EQ",
	OpNot:         "NOT",
	OpJump:        "JUMP",
	OpJumpIfFalse: "JUMP_IF_FALSE",
	OpLoop:        "LOOP",
	OpNewObject:   "NEW_OBJECT",
	OpGetField:    "GET_FIELD",
	OpSetField:    "SET_FIELD",
	OpNewArray:    "NEW_ARRAY",
	OpArrayGet:    "ARRAY_GET",
	OpArraySet:    "ARRAY_SET",
	OpArrayLen:    "ARRAY_LEN",
	OpCall:        "CALL",
	OpReturn:      "RETURN",
	OpYield:       "YIELD",
	OpGenNext:     "GEN_NEXT",
	OpGenDone:     "GEN_DONE",
	OpPrint:       "PRINT",
	OpIntrinsic:   "INTRINSIC",
	OpDebugger:    "DEBUGGER",
}

func (op OpCode) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("UNKNOWN(%d)", op)
}

// operandWidths 每个操作码的操作数字节数
var operandWidths = [opCount]int{
	OpConst:       2,
	OpLoadLocal:   2,
	OpStoreLocal:  2,
	OpAdd:         2,
	OpSub:         2,
	OpMul:         2,
	OpDiv:         2,
	OpLt:          2,
	OpLe:          2,
	OpEq:          2,
	OpJump:        2,
	OpJumpIfFalse: 2,
	OpLoop:        2,
	OpGetField:    4,
	OpSetField:    4,
	OpNewArray:    2,
	OpArrayGet:    2,
	OpCall:        3,
	OpIntrinsic:   3,
}

// Size 返回指令总长度（操作码 + 操作数）
func (op OpCode) Size() int {
	if op >= opCount {
		return 1
	}
	return 1 + operandWidths[op]
}

// HasFeedback 指令是否带反馈槽
func (op OpCode) HasFeedback() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpLt, OpLe, OpEq, OpGetField, OpSetField, OpArrayGet:
		return true
	}
	return false
}

// Chunk 字节码块
type Chunk struct {
	Code      []byte   // 字节码
	Constants []Value  // 常量池
	Names     []string // 字段名池
	Lines     []int    // 行号信息 (用于错误报告)
}

// NewChunk 创建新的字节码块
func NewChunk() *Chunk {
	return &Chunk{
		Code:      make([]byte, 0, 64),
		Constants: make([]Value, 0, 8),
		Lines:     make([]int, 0, 64),
	}
}

// Write 写入一个字节
func (c *Chunk) Write(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// WriteOp 写入操作码
func (c *Chunk) WriteOp(op OpCode, line int) {
	c.Write(byte(op), line)
}

// WriteU8 写入 uint8
func (c *Chunk) WriteU8(v uint8, line int) {
	c.Write(v, line)
}

// WriteU16 写入 uint16 (大端序)
func (c *Chunk) WriteU16(v uint16, line int) {
	c.Write(byte(v>>8), line)
	c.Write(byte(v), line)
}

// WriteI16 写入 int16 (大端序)
func (c *Chunk) WriteI16(v int16, line int) {
	c.WriteU16(uint16(v), line)
}

// AddConstant 添加常量，返回索引
// 索引不截断，超过 u16 操作数范围由调用方报告
func (c *Chunk) AddConstant(value Value) int {
	c.Constants = append(c.Constants, value)
	return len(c.Constants) - 1
}

// AddName 添加字段名（去重），返回索引
func (c *Chunk) AddName(name string) int {
	for i, n := range c.Names {
		if n == name {
			return i
		}
	}
	c.Names = append(c.Names, name)
	return len(c.Names) - 1
}

// Len 返回字节码长度
func (c *Chunk) Len() int {
	return len(c.Code)
}

// ReadU16 从指定位置读取 uint16
func (c *Chunk) ReadU16(offset int) uint16 {
	return binary.BigEndian.Uint16(c.Code[offset:])
}

// ReadI16 从指定位置读取 int16
func (c *Chunk) ReadI16(offset int) int16 {
	return int16(c.ReadU16(offset))
}

// PatchJump 修补跳转偏移量
// offset 指向操作数位置，跳转目标为当前末尾
func (c *Chunk) PatchJump(offset int) error {
	return c.PatchJumpTo(offset, c.Len())
}

// PatchJumpTo 修补跳转偏移量，使其指向 target
// 距离超出 int16 时返回 ErrJumpRange，代码保持不变
func (c *Chunk) PatchJumpTo(offset, target int) error {
	jump := target - offset - 2
	if jump > math.MaxInt16 || jump < math.MinInt16 {
		return fmt.Errorf("%w: %d", ErrJumpRange, jump)
	}
	binary.BigEndian.PutUint16(c.Code[offset:], uint16(int16(jump)))
	return nil
}

// LineAt 返回偏移处的源码行号
func (c *Chunk) LineAt(offset int) int {
	if offset >= 0 && offset < len(c.Lines) {
		return c.Lines[offset]
	}
	return 0
}

// ============================================================================
// 指令解码
// ============================================================================

// Instr 解码后的指令
type Instr struct {
	Op     OpCode
	Offset int // 指令起始偏移
	A      int // 第一个操作数
	B      int // 第二个操作数
	Slot   int // 反馈槽，-1 表示无
	Next   int // 下一条指令偏移
}

// Target 返回跳转指令的目标偏移
func (in Instr) Target() int {
	switch in.Op {
	case OpJump, OpJumpIfFalse:
		return in.Next + in.A
	case OpLoop:
		return in.Next - in.A
	}
	return -1
}

// DecodeAt 解码指定偏移处的指令
func (c *Chunk) DecodeAt(offset int) (Instr, error) {
	if offset < 0 || offset >= len(c.Code) {
		return Instr{}, fmt.Errorf("offset %d out of range", offset)
	}
	op := OpCode(c.Code[offset])
	if op >= opCount {
		return Instr{}, fmt.Errorf("unknown opcode %d at %d", op, offset)
	}
	in := Instr{Op: op, Offset: offset, Slot: -1, Next: offset + op.Size()}
	if in.Next > len(c.Code) {
		return Instr{}, fmt.Errorf("truncated %s at %d", op, offset)
	}

	switch op {
	case OpConst, OpLoadLocal, OpStoreLocal, OpNewArray, OpLoop:
		in.A = int(c.ReadU16(offset + 1))
	case OpJump, OpJumpIfFalse:
		in.A = int(c.ReadI16(offset + 1))
	case OpAdd, OpSub, OpMul, OpDiv, OpLt, OpLe, OpEq, OpArrayGet:
		in.Slot = int(c.ReadU16(offset + 1))
	case OpGetField, OpSetField:
		in.A = int(c.ReadU16(offset + 1))
		in.Slot = int(c.ReadU16(offset + 3))
	case OpCall:
		in.A = int(c.ReadU16(offset + 1))
		in.B = int(c.Code[offset+3])
	case OpIntrinsic:
		in.A = int(c.Code[offset+1])
		in.B = int(c.ReadU16(offset + 2))
	}
	return in, nil
}

// Decode 预解码整个字节码块
// 返回的切片按字节偏移索引，只有指令起始位置有效
func (c *Chunk) Decode() ([]Instr, error) {
	instrs := make([]Instr, len(c.Code))
	for offset := 0; offset < len(c.Code); {
		in, err := c.DecodeAt(offset)
		if err != nil {
			return nil, err
		}
		instrs[offset] = in
		offset = in.Next
	}
	return instrs, nil
}

// Disassemble 反汇编字节码
func (c *Chunk) Disassemble(name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		in, err := c.DecodeAt(offset)
		if err != nil {
			fmt.Fprintf(&sb, "%04d  <%v>\n", offset, err)
			break
		}
		fmt.Fprintf(&sb, "%04d %4d  %-14s", offset, c.LineAt(offset), in.Op)
		switch in.Op {
		case OpConst:
			fmt.Fprintf(&sb, " %d (%s)", in.A, c.Constants[in.A])
		case OpLoadLocal, OpStoreLocal, OpNewArray:
			fmt.Fprintf(&sb, " %d", in.A)
		case OpJump, OpJumpIfFalse, OpLoop:
			fmt.Fprintf(&sb, " -> %04d", in.Target())
		case OpGetField, OpSetField:
			fmt.Fprintf(&sb, " %q", c.Names[in.A])
		case OpCall:
			fmt.Fprintf(&sb, " fn#%d argc=%d", in.A, in.B)
		case OpIntrinsic:
			fmt.Fprintf(&sb, " %s fn#%d", Intrinsic(in.A), in.B)
		}
		if in.Slot >= 0 {
			fmt.Fprintf(&sb, " [slot %d]", in.Slot)
		}
		sb.WriteByte('\n')
		offset = in.Next
	}
	return sb.String()
}

// ============================================================================
// 宿主内建操作
// ============================================================================

// Intrinsic 宿主内建操作编号
type Intrinsic byte

const (
	IntrinsicPrepare       Intrinsic = iota // %PrepareFunctionForOptimization
	IntrinsicOptimize                       // %OptimizeFunctionOnNextCall（顶层）
	IntrinsicOptimizeMid                    // %OptimizeFunctionOnNextCall（中间层）
	IntrinsicNeverOptimize                  // %NeverOptimizeFunction
	IntrinsicDeoptimize                     // %DeoptimizeFunction
	IntrinsicDeoptimizeNow                  // %DeoptimizeNow
	IntrinsicIsOptimized                    // assertOptimized
	IntrinsicClearFeedback                  // %ClearFunctionFeedback
	IntrinsicEnsureFeedback                 // %EnsureFeedbackVectorForFunction
	IntrinsicStatus                         // %GetOptimizationStatus
	intrinsicCount
)

var intrinsicNames = [...]string{
	IntrinsicPrepare:        "prepare",
	IntrinsicOptimize:       "optimize",
	IntrinsicOptimizeMid:    "optimizemid",
	IntrinsicNeverOptimize:  "never",
	IntrinsicDeoptimize:     "deopt",
	IntrinsicDeoptimizeNow:  "deoptnow",
	IntrinsicIsOptimized:    "isopt",
	IntrinsicClearFeedback:  "clearfeedback",
	IntrinsicEnsureFeedback: "ensurefeedback",
	IntrinsicStatus:         "status",
}

func (i Intrinsic) String() string {
	if i < intrinsicCount {
		return "%" + intrinsicNames[i]
	}
	return fmt.Sprintf("%%unknown(%d)", byte(i))
}

// LookupIntrinsic 根据名字查找内建操作
func LookupIntrinsic(name string) (Intrinsic, bool) {
	for i, n := range intrinsicNames {
		if n == name {
			return Intrinsic(i), true
		}
	}
	return 0, false
}

// NeedsFunction 内建操作是否以函数为参数
func (i Intrinsic) NeedsFunction() bool {
	return i != IntrinsicDeoptimizeNow
}
