package tiering

import (
	"fmt"

	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/deopt"
	"github.com/tangzhangming/tiering/internal/interp"
)

// Thread 单个逻辑执行线程
// Thread 不能被多个 goroutine 同时使用
type Thread struct {
	ctrl  *Controller
	stack []*activation
}

// activation 调用栈上的一个活动帧，同时作为该帧的执行环境
type activation struct {
	thread *Thread
	rec    *codecache.FunctionRecord
	code   interp.Executable
	lazy   uatomic.Bool
}

// Depth 当前调用深度
func (t *Thread) Depth() int {
	return len(t.stack)
}

// Call 调用函数
// 生成器函数不执行函数体，返回生成器对象
func (t *Thread) Call(fn *bytecode.Function, args []bytecode.Value) (bytecode.Value, error) {
	if len(args) != fn.Arity {
		return bytecode.Undefined, fmt.Errorf("%s expects %d arguments, got %d", fn.Name, fn.Arity, len(args))
	}
	if fn.IsGenerator {
		return t.ctrl.newGenerator(fn, args), nil
	}
	if len(t.stack) >= MaxCallDepth {
		return bytecode.Undefined, ErrStackOverflow
	}

	rec := t.ctrl.Record(fn)
	rec.CallCount.Inc()
	act := t.enter(rec)
	defer t.leave()

	out, err := act.code.Run(act, t.ctrl.recorderFor(rec), args)
	out, err = t.settle(act, out, err)
	if err != nil {
		return bytecode.Undefined, err
	}
	if out.Kind != interp.Returned {
		return bytecode.Undefined, fmt.Errorf("%s: unexpected %s outcome", fn.Name, out.Kind)
	}
	return out.Value, nil
}

// enter 升级检查后压入活动帧
func (t *Thread) enter(rec *codecache.FunctionRecord) *activation {
	rec.TierCalls.Inc()
	t.ctrl.tierUp(rec)

	inst := rec.Installation()
	if inst.Tier == codecache.TierInterpreted {
		rec.InterpretCount.Inc()
	}
	act := &activation{thread: t, rec: rec, code: inst.Code.(interp.Executable)}
	t.stack = append(t.stack, act)
	return act
}

func (t *Thread) leave() {
	t.stack = t.stack[:len(t.stack)-1]
}

// settle 处理去优化：安装基线代码并从帧状态继续执行
func (t *Thread) settle(act *activation, out interp.Outcome, err error) (interp.Outcome, error) {
	for err == nil && out.Kind == interp.Deoptimized {
		baseline := t.ctrl.deoptimized(act.rec, act.code, out.Failure)
		act.code = baseline
		act.lazy.Store(false)
		out, err = baseline.Resume(act, t.ctrl.recorderFor(act.rec), out.Failure.Frame)
	}
	return out, err
}

// markLazy 把执行指定代码的活动帧标记为延迟去优化
func (t *Thread) markLazy(code codecache.Code) {
	for _, act := range t.stack {
		if codecache.Code(act.code) == code {
			act.lazy.Store(true)
		}
	}
}

// deoptimize 宿主强制去优化，本线程上执行旧代码的帧延迟去优化
func (t *Thread) deoptimize(fn *bytecode.Function) {
	rec, ok := t.ctrl.cache.Get(fn)
	if !ok {
		return
	}
	code := rec.Installation().Code
	if t.ctrl.Deoptimize(fn) {
		t.markLazy(code)
	}
}

// deoptimizeNow 去优化本线程最顶层的优化帧
// 正在执行的帧立即去优化，其余帧在调用返回时去优化
func (t *Thread) deoptimizeNow() {
	for i := len(t.stack) - 1; i >= 0; i-- {
		act := t.stack[i]
		if !act.code.Tier().IsOptimized() {
			continue
		}
		code := act.code
		if rec := act.rec; rec.Installation().Code == codecache.Code(code) {
			t.ctrl.forceDeopt(rec, code, deopt.ReasonForced)
		}
		t.markLazy(code)
		return
	}
}

// ============================================================================
// interp.Env
// ============================================================================

func (a *activation) Call(fn *bytecode.Function, args []bytecode.Value) (bytecode.Value, error) {
	return a.thread.Call(fn, args)
}

func (a *activation) Intrinsic(id bytecode.Intrinsic, fn *bytecode.Function) (bytecode.Value, error) {
	return a.thread.intrinsic(id, fn)
}

func (a *activation) Resume(gen, sent bytecode.Value) (bytecode.Value, error) {
	return a.thread.resume(gen, sent)
}

func (a *activation) Done(gen bytecode.Value) bytecode.Value {
	if g, ok := gen.Data.(*Generator); ok {
		return bytecode.NewBool(g.Done())
	}
	return bytecode.TrueValue
}

func (a *activation) Print(v bytecode.Value) {
	a.thread.ctrl.print(v)
}

func (a *activation) Layouts() *bytecode.LayoutTable {
	return a.rec.Function.Program.Layouts
}

func (a *activation) LazyDeopt() bool {
	return a.lazy.Load()
}
