// Package interp 实现解释执行层和基线层
//
// 两个层级执行相同的字节码语义，区别在于基线代码预先解码了全部指令。
// 只有这两个层级会记录类型反馈。
package interp

import (
	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/deopt"
	"github.com/tangzhangming/tiering/internal/feedback"
)

// Env 执行环境，由调用方为每个活动帧提供
type Env interface {
	// Call 调用函数，经由代码缓存分派
	Call(fn *bytecode.Function, args []bytecode.Value) (bytecode.Value, error)
	// Intrinsic 执行宿主内建操作
	Intrinsic(id bytecode.Intrinsic, fn *bytecode.Function) (bytecode.Value, error)
	// Resume 恢复生成器
	Resume(gen, sent bytecode.Value) (bytecode.Value, error)
	// Done 生成器是否结束
	Done(gen bytecode.Value) bytecode.Value
	// Print 输出
	Print(v bytecode.Value)
	// Layouts 对象布局表
	Layouts() *bytecode.LayoutTable
	// LazyDeopt 当前活动帧是否被标记为延迟去优化
	LazyDeopt() bool
}

// Recorder 反馈记录器
type Recorder interface {
	Record(slot int, shape feedback.Shape)
}

// OutcomeKind 执行结果种类
type OutcomeKind uint8

const (
	Returned    OutcomeKind = iota // 正常返回
	Suspended                      // 生成器挂起
	Deoptimized                    // 优化代码去优化，需要在基线层继续
)

func (k OutcomeKind) String() string {
	switch k {
	case Returned:
		return "returned"
	case Suspended:
		return "suspended"
	case Deoptimized:
		return "deoptimized"
	default:
		return "unknown"
	}
}

// Outcome 一次执行的结果
//
// Suspended 时 Value 为产出值，Frame 为 yield 之后的恢复帧；
// Deoptimized 时 Failure.Frame 为基线层继续执行的帧。
type Outcome struct {
	Kind    OutcomeKind
	Value   bytecode.Value
	Frame   *deopt.FrameState
	Failure *deopt.GuardFailure
}

// Executable 可执行代码
type Executable interface {
	codecache.Code
	// Run 从函数入口执行
	Run(env Env, rec Recorder, args []bytecode.Value) (Outcome, error)
	// Resume 从帧状态继续执行
	Resume(env Env, rec Recorder, fs *deopt.FrameState) (Outcome, error)
}

// EntryLocals 构造函数入口的局部变量
func EntryLocals(fn *bytecode.Function, args []bytecode.Value) []bytecode.Value {
	n := fn.LocalCount
	if len(args) > n {
		n = len(args)
	}
	locals := make([]bytecode.Value, n)
	copy(locals, args)
	for i := len(args); i < n; i++ {
		locals[i] = bytecode.Undefined
	}
	return locals
}
