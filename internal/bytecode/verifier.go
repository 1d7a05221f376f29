package bytecode

import (
	"fmt"
)

// VerificationError 字节码验证错误
type VerificationError struct {
	Function string // 函数名
	Offset   int    // 指令偏移量
	Message  string // 错误消息
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("bytecode verification failed in %s at %d: %s", e.Function, e.Offset, e.Message)
}

// Verifier 字节码验证器
type Verifier struct {
	fn         *Function
	instrs     []Instr
	stackDepth []int // 每个指令位置的栈深度，-1 表示未访问
	maxDepth   int
}

// NewVerifier 创建验证器
func NewVerifier(fn *Function) *Verifier {
	return &Verifier{fn: fn}
}

// Verify 验证函数字节码，返回最大栈深度
func Verify(fn *Function) (int, error) {
	v := NewVerifier(fn)
	if err := v.Verify(); err != nil {
		return 0, err
	}
	return v.maxDepth, nil
}

// Verify 验证字节码
//
// 检查项:
//   - 指令可以完整解码
//   - 跳转目标落在指令起始位置
//   - 局部变量、常量、字段名、反馈槽下标合法
//   - 每个位置的栈深度在所有路径上一致
//   - 控制流不会越过函数末尾
func (v *Verifier) Verify() error {
	if v.fn == nil || v.fn.Chunk == nil {
		return &VerificationError{Message: "function has no chunk"}
	}
	if v.fn.Chunk.Len() == 0 {
		return v.errorf(0, "empty function body")
	}
	instrs, err := v.fn.Chunk.Decode()
	if err != nil {
		return v.errorf(0, "%v", err)
	}
	v.instrs = instrs
	v.stackDepth = make([]int, len(instrs))
	for i := range v.stackDepth {
		v.stackDepth[i] = -1
	}

	for offset := 0; offset < len(instrs); offset = instrs[offset].Next {
		if err := v.checkOperands(instrs[offset]); err != nil {
			return err
		}
	}
	for _, off := range v.fn.ResumeTable {
		if !v.isInstrStart(off) {
			return v.errorf(off, "resume point is not an instruction start")
		}
	}
	return v.verifyStack()
}

// checkOperands 检查单条指令的操作数
func (v *Verifier) checkOperands(in Instr) error {
	chunk := v.fn.Chunk
	switch in.Op {
	case OpConst:
		if in.A >= len(chunk.Constants) {
			return v.errorf(in.Offset, "constant %d out of range", in.A)
		}
	case OpLoadLocal, OpStoreLocal:
		if in.A >= v.fn.LocalCount {
			return v.errorf(in.Offset, "local %d out of range (locals=%d)", in.A, v.fn.LocalCount)
		}
	case OpGetField, OpSetField:
		if in.A >= len(chunk.Names) {
			return v.errorf(in.Offset, "name %d out of range", in.A)
		}
	case OpJump, OpJumpIfFalse, OpLoop:
		if !v.isInstrStart(in.Target()) {
			return v.errorf(in.Offset, "jump target %d is not an instruction start", in.Target())
		}
	case OpCall:
		if v.fn.Program != nil {
			callee, err := v.fn.Program.Function(in.A)
			if err != nil {
				return v.errorf(in.Offset, "%v", err)
			}
			if callee.Arity != in.B {
				return v.errorf(in.Offset, "%s expects %d arguments, got %d", callee.Name, callee.Arity, in.B)
			}
		}
	case OpIntrinsic:
		if Intrinsic(in.A) >= intrinsicCount {
			return v.errorf(in.Offset, "unknown intrinsic %d", in.A)
		}
		if v.fn.Program != nil && Intrinsic(in.A).NeedsFunction() {
			if _, err := v.fn.Program.Function(in.B); err != nil {
				return v.errorf(in.Offset, "%v", err)
			}
		}
	}
	if in.Slot >= 0 && in.Slot >= v.fn.SlotCount {
		return v.errorf(in.Offset, "feedback slot %d out of range (slots=%d)", in.Slot, v.fn.SlotCount)
	}
	return nil
}

// verifyStack 沿控制流传播栈深度
func (v *Verifier) verifyStack() error {
	type item struct{ offset, depth int }
	work := []item{{0, 0}}

	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]

		if d := v.stackDepth[it.offset]; d >= 0 {
			if d != it.depth {
				return v.errorf(it.offset, "inconsistent stack depth %d vs %d", d, it.depth)
			}
			continue
		}
		v.stackDepth[it.offset] = it.depth

		in := v.instrs[it.offset]
		pop, push := StackEffect(in)
		if it.depth < pop {
			return v.errorf(in.Offset, "%s needs %d operands, stack has %d", in.Op, pop, it.depth)
		}
		depth := it.depth - pop + push
		if depth > v.maxDepth {
			v.maxDepth = depth
		}

		switch in.Op {
		case OpReturn:
			continue
		case OpJump, OpLoop:
			work = append(work, item{in.Target(), depth})
			continue
		case OpJumpIfFalse:
			work = append(work, item{in.Target(), depth})
		}
		if in.Next >= len(v.instrs) {
			return v.errorf(in.Offset, "control flow falls off the end of the function")
		}
		work = append(work, item{in.Next, depth})
	}

	for _, off := range v.fn.ResumeTable[1:] {
		if v.stackDepth[off] < 0 {
			return v.errorf(off, "unreachable resume point")
		}
	}
	return nil
}

// StackEffect 返回指令弹出和压入的操作数个数
func StackEffect(in Instr) (pop, push int) {
	switch in.Op {
	case OpConst, OpUndefined, OpTrue, OpFalse, OpHole, OpLoadLocal, OpNewObject, OpIntrinsic:
		return 0, 1
	case OpDup:
		return 1, 2
	case OpPop, OpStoreLocal, OpJumpIfFalse, OpPrint:
		return 1, 0
	case OpAdd, OpSub, OpMul, OpDiv, OpLt, OpLe, OpEq, OpArrayGet, OpGenNext:
		return 2, 1
	case OpNot, OpGetField, OpArrayLen, OpYield, OpGenDone:
		return 1, 1
	case OpSetField:
		return 2, 0
	case OpArraySet:
		return 3, 0
	case OpNewArray:
		return in.A, 1
	case OpCall:
		return in.B, 1
	case OpReturn:
		return 1, 0
	}
	return 0, 0
}

func (v *Verifier) isInstrStart(offset int) bool {
	if offset < 0 || offset >= len(v.instrs) {
		return false
	}
	return v.instrs[offset].Next != 0
}

func (v *Verifier) errorf(offset int, format string, args ...interface{}) error {
	name := "<nil>"
	if v.fn != nil {
		name = v.fn.Name
	}
	return &VerificationError{Function: name, Offset: offset, Message: fmt.Sprintf(format, args...)}
}
