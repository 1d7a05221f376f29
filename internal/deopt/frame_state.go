package deopt

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/tiering/internal/bytecode"
)

// Reason 去优化原因
type Reason uint8

const (
	ReasonGuard    Reason = iota // 形状守卫失败
	ReasonOverflow               // 整数溢出
	ReasonForced                 // 宿主强制去优化
	ReasonLazy                   // 调用返回后的延迟去优化
)

func (r Reason) String() string {
	switch r {
	case ReasonGuard:
		return "wrong-shape"
	case ReasonOverflow:
		return "overflow"
	case ReasonForced:
		return "forced"
	case ReasonLazy:
		return "lazy"
	default:
		return "unknown"
	}
}

// FrameState 恢复执行所需的帧状态
//
// Offset 是基线层继续执行的字节码偏移。守卫失败时它指向被守卫的指令，
// 操作数仍在栈上，基线层会重新执行这条指令。
type FrameState struct {
	Function *bytecode.Function
	Offset   int
	Locals   []Entry
	Stack    []Entry
}

// Capture 用标记值构造帧状态
func Capture(fn *bytecode.Function, offset int, locals, stack []bytecode.Value) *FrameState {
	fs := &FrameState{
		Function: fn,
		Offset:   offset,
		Locals:   make([]Entry, len(locals)),
		Stack:    make([]Entry, len(stack)),
	}
	for i, v := range locals {
		fs.Locals[i] = TaggedEntry(v)
	}
	for i, v := range stack {
		fs.Stack[i] = TaggedEntry(v)
	}
	return fs
}

// Snapshot 复制条目构造帧状态
func Snapshot(fn *bytecode.Function, offset int, locals, stack []Entry) *FrameState {
	fs := &FrameState{
		Function: fn,
		Offset:   offset,
		Locals:   make([]Entry, len(locals)),
		Stack:    make([]Entry, len(stack)),
	}
	copy(fs.Locals, locals)
	copy(fs.Stack, stack)
	return fs
}

// Materialize 还原局部变量和操作数栈
func (fs *FrameState) Materialize() (locals, stack []bytecode.Value) {
	locals = make([]bytecode.Value, len(fs.Locals))
	for i, e := range fs.Locals {
		locals[i] = e.Materialize()
	}
	stack = make([]bytecode.Value, len(fs.Stack))
	for i, e := range fs.Stack {
		stack[i] = e.Materialize()
	}
	return locals, stack
}

// ResumeIndex 返回偏移在恢复点表中的下标
func (fs *FrameState) ResumeIndex() (int, bool) {
	return fs.Function.ResumeIndex(fs.Offset)
}

// Push 在栈顶追加一个标记值
func (fs *FrameState) Push(v bytecode.Value) {
	fs.Stack = append(fs.Stack, TaggedEntry(v))
}

func (fs *FrameState) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s@%d locals=[", fs.Function.Name, fs.Offset)
	for i, e := range fs.Locals {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(e.String())
	}
	sb.WriteString("] stack=[")
	for i, e := range fs.Stack {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(e.String())
	}
	sb.WriteString("]")
	return sb.String()
}
