package jit

import (
	"fmt"

	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/deopt"
	"github.com/tangzhangming/tiering/internal/feedback"
	"github.com/tangzhangming/tiering/internal/interp"
)

// Code 优化代码
type Code struct {
	fn     *bytecode.Function
	tier   codecache.Tier
	instrs []bytecode.Instr
	plans  []plan
	guards *deopt.GuardSet
	epoch  uint64
}

// Tier 返回层级
func (c *Code) Tier() codecache.Tier { return c.tier }

// Function 返回函数
func (c *Code) Function() *bytecode.Function { return c.fn }

// Guards 返回守卫集合
func (c *Code) Guards() *deopt.GuardSet { return c.guards }

// FeedbackEpoch 返回编译所用反馈快照的版本
func (c *Code) FeedbackEpoch() uint64 { return c.epoch }

// Run 从函数入口执行
// 优化代码不记录反馈，rec 被忽略
func (c *Code) Run(env interp.Env, rec interp.Recorder, args []bytecode.Value) (interp.Outcome, error) {
	locals := interp.EntryLocals(c.fn, args)
	f := &frame{
		code:   c,
		env:    env,
		locals: make([]deopt.Entry, len(locals)),
		stack:  make([]deopt.Entry, 0, 8),
	}
	for i, v := range locals {
		f.locals[i] = deopt.TaggedEntry(v)
	}
	return f.run()
}

// Resume 从帧状态继续执行
func (c *Code) Resume(env interp.Env, rec interp.Recorder, fs *deopt.FrameState) (interp.Outcome, error) {
	if fs.Function != c.fn {
		return interp.Outcome{}, fmt.Errorf("frame state of %s cannot resume %s", fs.Function.Name, c.fn.Name)
	}
	f := &frame{
		code:   c,
		env:    env,
		locals: append([]deopt.Entry(nil), fs.Locals...),
		stack:  append(make([]deopt.Entry, 0, len(fs.Stack)+8), fs.Stack...),
		pc:     fs.Offset,
	}
	return f.run()
}

// ============================================================================
// 执行器
// ============================================================================

type frame struct {
	code   *Code
	env    interp.Env
	locals []deopt.Entry
	stack  []deopt.Entry
	pc     int
}

func (f *frame) push(e deopt.Entry) {
	f.stack = append(f.stack, e)
}

func (f *frame) pushValue(v bytecode.Value) {
	f.stack = append(f.stack, deopt.TaggedEntry(v))
}

func (f *frame) pop() deopt.Entry {
	e := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return e
}

func (f *frame) popValue() bytecode.Value {
	return f.pop().Materialize()
}

func (f *frame) peek(distance int) deopt.Entry {
	return f.stack[len(f.stack)-1-distance]
}

func (f *frame) popValues(n int) []bytecode.Value {
	out := make([]bytecode.Value, n)
	base := len(f.stack) - n
	for i := range out {
		out[i] = f.stack[base+i].Materialize()
	}
	f.stack = f.stack[:base]
	return out
}

// deopt 在 offset 处构造帧状态并退出优化代码
func (f *frame) deopt(offset int, g *deopt.Guard, reason deopt.Reason, observed feedback.Shape) interp.Outcome {
	fs := deopt.Snapshot(f.code.fn, offset, f.locals, f.stack)
	return interp.Outcome{
		Kind: interp.Deoptimized,
		Failure: &deopt.GuardFailure{
			Guard:    g,
			Reason:   reason,
			Observed: observed,
			Frame:    fs,
		},
	}
}

func (f *frame) run() (interp.Outcome, error) {
	fn := f.code.fn
	chunk := fn.Chunk

	for {
		if f.pc < 0 || f.pc >= len(f.code.instrs) || f.code.instrs[f.pc].Next == 0 {
			return interp.Outcome{}, fmt.Errorf("%s: invalid pc %d", fn.Name, f.pc)
		}
		in := f.code.instrs[f.pc]
		p := &f.code.plans[in.Offset]
		f.pc = in.Next

		switch in.Op {
		case bytecode.OpConst:
			f.pushValue(chunk.Constants[in.A])
		case bytecode.OpUndefined:
			f.pushValue(bytecode.Undefined)
		case bytecode.OpTrue:
			f.pushValue(bytecode.TrueValue)
		case bytecode.OpFalse:
			f.pushValue(bytecode.FalseValue)
		case bytecode.OpHole:
			f.pushValue(bytecode.Hole)
		case bytecode.OpPop:
			f.pop()
		case bytecode.OpDup:
			f.push(f.peek(0))

		case bytecode.OpLoadLocal:
			f.push(f.locals[in.A])
		case bytecode.OpStoreLocal:
			f.locals[in.A] = f.pop()

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv:
			a, b := f.peek(1), f.peek(0)
			if p.guard != nil {
				if sh := feedback.Join(shapeOf(a), shapeOf(b)); !p.guard.Check(sh) {
					return f.deopt(in.Offset, p.guard, deopt.ReasonGuard, sh), nil
				}
			}
			switch p.kind {
			case specInt:
				r, ok := bytecode.IntArith(in.Op, intOf(a), intOf(b))
				if !ok {
					return f.deopt(in.Offset, p.overflow, deopt.ReasonOverflow, feedback.ShapeFloat), nil
				}
				f.stack = f.stack[:len(f.stack)-2]
				f.push(deopt.IntEntry(r))
			case specFloat:
				r := bytecode.FloatArith(in.Op, floatOf(a), floatOf(b))
				f.stack = f.stack[:len(f.stack)-2]
				f.push(deopt.FloatEntry(r))
			default:
				y, x := f.popValue(), f.popValue()
				f.pushValue(bytecode.Arith(in.Op, x, y))
			}

		case bytecode.OpLt, bytecode.OpLe, bytecode.OpEq:
			a, b := f.peek(1), f.peek(0)
			if p.guard != nil {
				if sh := feedback.Join(shapeOf(a), shapeOf(b)); !p.guard.Check(sh) {
					return f.deopt(in.Offset, p.guard, deopt.ReasonGuard, sh), nil
				}
			}
			if p.kind == specInt {
				f.stack = f.stack[:len(f.stack)-2]
				f.pushValue(bytecode.NewBool(intCompare(in.Op, intOf(a), intOf(b))))
				break
			}
			y, x := f.popValue(), f.popValue()
			f.pushValue(bytecode.Compare(in.Op, x, y))

		case bytecode.OpNot:
			f.pushValue(bytecode.NewBool(!bytecode.Truthy(f.popValue())))

		case bytecode.OpJump, bytecode.OpLoop:
			f.pc = in.Target()
		case bytecode.OpJumpIfFalse:
			if !bytecode.Truthy(f.popValue()) {
				f.pc = in.Target()
			}

		case bytecode.OpNewObject:
			f.pushValue(bytecode.NewObject(f.env.Layouts().NewObject()))

		case bytecode.OpGetField:
			target := f.peek(0).Materialize()
			if p.guard != nil {
				if sh := feedback.ShapeOf(target); !p.guard.Check(sh) {
					return f.deopt(in.Offset, p.guard, deopt.ReasonGuard, sh), nil
				}
			}
			f.pop()
			if p.kind == specField {
				if p.fieldIndex < 0 {
					f.pushValue(bytecode.Undefined)
				} else {
					f.pushValue(target.AsObject().Fields[p.fieldIndex])
				}
				break
			}
			f.pushValue(bytecode.GetField(target, chunk.Names[in.A]))

		case bytecode.OpSetField:
			target := f.peek(1).Materialize()
			if p.guard != nil {
				if sh := feedback.ShapeOf(target); !p.guard.Check(sh) {
					return f.deopt(in.Offset, p.guard, deopt.ReasonGuard, sh), nil
				}
			}
			v := f.popValue()
			f.pop()
			if p.kind == specField && p.fieldIndex >= 0 {
				if v.Type == bytecode.ValHole {
					v = bytecode.Undefined
				}
				target.AsObject().Fields[p.fieldIndex] = v
				break
			}
			interp.SetField(f.env.Layouts(), target, chunk.Names[in.A], v)

		case bytecode.OpNewArray:
			f.pushValue(bytecode.NewArray(f.popValues(in.A)))

		case bytecode.OpArrayGet:
			v, elem := bytecode.ArrayGet(f.peek(1).Materialize(), f.peek(0).Materialize())
			sh := feedback.ShapeOf(elem)
			if p.guard != nil && !p.guard.Check(sh) {
				return f.deopt(in.Offset, p.guard, deopt.ReasonGuard, sh), nil
			}
			f.stack = f.stack[:len(f.stack)-2]
			f.push(elementEntry(p, v, elem))

		case bytecode.OpArraySet:
			vals := f.popValues(3)
			bytecode.ArraySet(vals[0], vals[1], vals[2])

		case bytecode.OpArrayLen:
			f.pushValue(bytecode.ArrayLen(f.popValue()))

		case bytecode.OpCall:
			callee, err := fn.Program.Function(in.A)
			if err != nil {
				return interp.Outcome{}, err
			}
			result, err := f.env.Call(callee, f.popValues(in.B))
			if err != nil {
				return interp.Outcome{}, err
			}
			f.pushValue(result)
			if f.env.LazyDeopt() {
				return f.deopt(in.Next, nil, deopt.ReasonLazy, feedback.Shape{}), nil
			}

		case bytecode.OpReturn:
			return interp.Outcome{Kind: interp.Returned, Value: f.popValue()}, nil

		case bytecode.OpYield:
			v := f.popValue()
			return interp.Outcome{
				Kind:  interp.Suspended,
				Value: v,
				Frame: deopt.Snapshot(fn, in.Next, f.locals, f.stack),
			}, nil

		case bytecode.OpGenNext:
			sent, gen := f.popValue(), f.popValue()
			v, err := f.env.Resume(gen, sent)
			if err != nil {
				return interp.Outcome{}, err
			}
			f.pushValue(v)

		case bytecode.OpGenDone:
			f.pushValue(f.env.Done(f.popValue()))

		case bytecode.OpPrint:
			f.env.Print(f.popValue())

		case bytecode.OpIntrinsic:
			v, err := interp.CallIntrinsic(f.env, fn, in)
			if err != nil {
				return interp.Outcome{}, err
			}
			f.pushValue(v)
			if f.env.LazyDeopt() {
				return f.deopt(in.Next, nil, deopt.ReasonLazy, feedback.Shape{}), nil
			}

		default:
			return interp.Outcome{}, fmt.Errorf("%s: unsupported opcode %s at %d", fn.Name, in.Op, in.Offset)
		}
	}
}

// elementEntry 按特化方式包装数组元素
func elementEntry(p *plan, v, elem bytecode.Value) deopt.Entry {
	switch p.kind {
	case specHoleyFloat:
		if elem.Type == bytecode.ValHole {
			return deopt.HoleEntry()
		}
		return deopt.HoleyEntry(elem.AsFloat())
	case specElement:
		switch p.elem {
		case feedback.ShapeInt:
			return deopt.IntEntry(elem.AsInt())
		case feedback.ShapeFloat:
			return deopt.FloatEntry(elem.AsFloat())
		}
	}
	return deopt.TaggedEntry(v)
}

// shapeOf 返回条目还原后的形状
func shapeOf(e deopt.Entry) feedback.Shape {
	switch e.Repr {
	case deopt.Int:
		return feedback.ShapeInt
	case deopt.Float64:
		return feedback.ShapeFloat
	case deopt.HoleyFloat64:
		if e.IsHole() {
			return feedback.ShapeUndefined
		}
		return feedback.ShapeFloat
	}
	return feedback.ShapeOf(e.Tagged)
}

func intOf(e deopt.Entry) int64 {
	if e.Repr == deopt.Int {
		return e.Int()
	}
	return e.Tagged.AsInt()
}

func floatOf(e deopt.Entry) float64 {
	switch e.Repr {
	case deopt.Int:
		return float64(e.Int())
	case deopt.Float64, deopt.HoleyFloat64:
		return e.Float()
	}
	return bytecode.ToNumber(e.Tagged)
}

func intCompare(op bytecode.OpCode, a, b int64) bool {
	switch op {
	case bytecode.OpLt:
		return a < b
	case bytecode.OpLe:
		return a <= b
	}
	return a == b
}
