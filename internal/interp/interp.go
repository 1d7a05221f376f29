package interp

import (
	"fmt"

	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/deopt"
	"github.com/tangzhangming/tiering/internal/feedback"
)

// Code 解释执行或基线层的代码
type Code struct {
	fn     *bytecode.Function
	tier   codecache.Tier
	instrs []bytecode.Instr // 仅基线层：按偏移索引的预解码指令
}

// NewInterpreted 创建解释执行代码
func NewInterpreted(fn *bytecode.Function) *Code {
	return &Code{fn: fn, tier: codecache.TierInterpreted}
}

// NewBaseline 创建基线代码
// 字节码在加载时已通过验证，解码不会失败
func NewBaseline(fn *bytecode.Function) (*Code, error) {
	instrs, err := fn.Chunk.Decode()
	if err != nil {
		return nil, err
	}
	return &Code{fn: fn, tier: codecache.TierBaseline, instrs: instrs}, nil
}

// Tier 返回层级
func (c *Code) Tier() codecache.Tier { return c.tier }

// Function 返回函数
func (c *Code) Function() *bytecode.Function { return c.fn }

// Run 从函数入口执行
func (c *Code) Run(env Env, rec Recorder, args []bytecode.Value) (Outcome, error) {
	f := &frame{
		code:   c,
		env:    env,
		rec:    rec,
		locals: EntryLocals(c.fn, args),
		stack:  make([]bytecode.Value, 0, 8),
	}
	return f.run()
}

// Resume 从帧状态继续执行
func (c *Code) Resume(env Env, rec Recorder, fs *deopt.FrameState) (Outcome, error) {
	if fs.Function != c.fn {
		return Outcome{}, fmt.Errorf("frame state of %s cannot resume %s", fs.Function.Name, c.fn.Name)
	}
	locals, stack := fs.Materialize()
	f := &frame{
		code:   c,
		env:    env,
		rec:    rec,
		locals: locals,
		stack:  stack,
		pc:     fs.Offset,
	}
	return f.run()
}

// ============================================================================
// 执行循环
// ============================================================================

type frame struct {
	code   *Code
	env    Env
	rec    Recorder
	locals []bytecode.Value
	stack  []bytecode.Value
	pc     int
}

func (f *frame) push(v bytecode.Value) {
	f.stack = append(f.stack, v)
}

func (f *frame) pop() bytecode.Value {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *frame) popN(n int) []bytecode.Value {
	out := make([]bytecode.Value, n)
	copy(out, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return out
}

func (f *frame) record(slot int, shape feedback.Shape) {
	if f.rec != nil {
		f.rec.Record(slot, shape)
	}
}

func (f *frame) fetch() (bytecode.Instr, error) {
	if f.code.instrs != nil {
		if f.pc < 0 || f.pc >= len(f.code.instrs) || f.code.instrs[f.pc].Next == 0 {
			return bytecode.Instr{}, fmt.Errorf("%s: invalid pc %d", f.code.fn.Name, f.pc)
		}
		return f.code.instrs[f.pc], nil
	}
	return f.code.fn.Chunk.DecodeAt(f.pc)
}

func (f *frame) run() (Outcome, error) {
	fn := f.code.fn
	chunk := fn.Chunk

	for {
		in, err := f.fetch()
		if err != nil {
			return Outcome{}, err
		}
		f.pc = in.Next

		switch in.Op {
		case bytecode.OpConst:
			f.push(chunk.Constants[in.A])
		case bytecode.OpUndefined:
			f.push(bytecode.Undefined)
		case bytecode.OpTrue:
			f.push(bytecode.TrueValue)
		case bytecode.OpFalse:
			f.push(bytecode.FalseValue)
		case bytecode.OpHole:
			f.push(bytecode.Hole)
		case bytecode.OpPop:
			f.pop()
		case bytecode.OpDup:
			f.push(f.stack[len(f.stack)-1])

		case bytecode.OpLoadLocal:
			f.push(f.locals[in.A])
		case bytecode.OpStoreLocal:
			f.locals[in.A] = f.pop()

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv:
			b, a := f.pop(), f.pop()
			f.record(in.Slot, feedback.BinaryShape(a, b))
			f.push(bytecode.Arith(in.Op, a, b))

		case bytecode.OpLt, bytecode.OpLe, bytecode.OpEq:
			b, a := f.pop(), f.pop()
			f.record(in.Slot, feedback.BinaryShape(a, b))
			f.push(bytecode.Compare(in.Op, a, b))

		case bytecode.OpNot:
			f.push(bytecode.NewBool(!bytecode.Truthy(f.pop())))

		case bytecode.OpJump, bytecode.OpLoop:
			f.pc = in.Target()
		case bytecode.OpJumpIfFalse:
			if !bytecode.Truthy(f.pop()) {
				f.pc = in.Target()
			}

		case bytecode.OpNewObject:
			f.push(bytecode.NewObject(f.env.Layouts().NewObject()))

		case bytecode.OpGetField:
			obj := f.pop()
			f.record(in.Slot, feedback.ShapeOf(obj))
			f.push(bytecode.GetField(obj, chunk.Names[in.A]))

		case bytecode.OpSetField:
			v, obj := f.pop(), f.pop()
			f.record(in.Slot, feedback.ShapeOf(obj))
			SetField(f.env.Layouts(), obj, chunk.Names[in.A], v)

		case bytecode.OpNewArray:
			f.push(bytecode.NewArray(f.popN(in.A)))

		case bytecode.OpArrayGet:
			idx, arr := f.pop(), f.pop()
			v, elem := bytecode.ArrayGet(arr, idx)
			f.record(in.Slot, feedback.ShapeOf(elem))
			f.push(v)

		case bytecode.OpArraySet:
			v, idx, arr := f.pop(), f.pop(), f.pop()
			bytecode.ArraySet(arr, idx, v)

		case bytecode.OpArrayLen:
			f.push(bytecode.ArrayLen(f.pop()))

		case bytecode.OpCall:
			callee, err := fn.Program.Function(in.A)
			if err != nil {
				return Outcome{}, err
			}
			result, err := f.env.Call(callee, f.popN(in.B))
			if err != nil {
				return Outcome{}, err
			}
			f.push(result)

		case bytecode.OpReturn:
			return Outcome{Kind: Returned, Value: f.pop()}, nil

		case bytecode.OpYield:
			v := f.pop()
			return Outcome{
				Kind:  Suspended,
				Value: v,
				Frame: deopt.Capture(fn, in.Next, f.locals, f.stack),
			}, nil

		case bytecode.OpGenNext:
			sent, gen := f.pop(), f.pop()
			v, err := f.env.Resume(gen, sent)
			if err != nil {
				return Outcome{}, err
			}
			f.push(v)

		case bytecode.OpGenDone:
			f.push(f.env.Done(f.pop()))

		case bytecode.OpPrint:
			f.env.Print(f.pop())

		case bytecode.OpIntrinsic:
			v, err := CallIntrinsic(f.env, fn, in)
			if err != nil {
				return Outcome{}, err
			}
			f.push(v)

		case bytecode.OpDebugger:
			// 解释器忽略断点

		default:
			return Outcome{}, fmt.Errorf("%s: unsupported opcode %s at %d", fn.Name, in.Op, in.Offset)
		}
	}
}

// SetField 写入对象字段，非对象忽略
func SetField(layouts *bytecode.LayoutTable, target bytecode.Value, name string, v bytecode.Value) {
	obj := target.AsObject()
	if obj == nil {
		return
	}
	if v.Type == bytecode.ValHole {
		v = bytecode.Undefined
	}
	layouts.SetField(obj, name, v)
}

// CallIntrinsic 解析内建操作的函数参数并执行
func CallIntrinsic(env Env, fn *bytecode.Function, in bytecode.Instr) (bytecode.Value, error) {
	id := bytecode.Intrinsic(in.A)
	var target *bytecode.Function
	if id.NeedsFunction() {
		t, err := fn.Program.Function(in.B)
		if err != nil {
			return bytecode.Undefined, err
		}
		target = t
	}
	return env.Intrinsic(id, target)
}
