// Package jit 实现推测优化层级
//
// 编译器读取反馈快照，为每个带反馈槽的指令选择特化方式并生成守卫。
// 生成的代码由本包的执行器执行：它在局部变量和操作数栈中保存原始表示
// （raw int / raw float64 / holey float64），守卫失败时构造 FrameState，
// 交给控制器回退到基线层。
package jit

import (
	"context"
	"fmt"

	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/deopt"
	"github.com/tangzhangming/tiering/internal/feedback"
	"github.com/tangzhangming/tiering/internal/interp"
)

// CompileError 结构性编译错误
// 只由不支持的结构引起，与反馈无关
type CompileError struct {
	Function *bytecode.Function
	Tier     codecache.Tier
	Offset   int
	Line     int
	Reason   string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("cannot compile %s for %s tier at %d: %s", e.Function.Name, e.Tier, e.Offset, e.Reason)
}

// Options 编译选项
type Options struct {
	// PolymorphicGuardLimit 顶层为多态槽生成集合守卫的最大形状数
	PolymorphicGuardLimit int
}

// ============================================================================
// 编译器
// ============================================================================

// Compiler 分层编译器
type Compiler struct {
	opts  Options
	stats compilerStats
}

type compilerStats struct {
	compiled uatomic.Int64
	failed   uatomic.Int64
	guards   uatomic.Int64
}

// CompilerStats 编译器统计
type CompilerStats struct {
	Compiled int64 `json:"compiled"` // 成功编译的优化代码数
	Failed   int64 `json:"failed"`   // 编译失败数
	Guards   int64 `json:"guards"`   // 生成的守卫总数
}

// NewCompiler 创建编译器
func NewCompiler(opts Options) *Compiler {
	if opts.PolymorphicGuardLimit <= 0 {
		opts.PolymorphicGuardLimit = feedback.DefaultPolymorphicBound
	}
	return &Compiler{opts: opts}
}

// Stats 返回统计快照
func (c *Compiler) Stats() CompilerStats {
	return CompilerStats{
		Compiled: c.stats.compiled.Load(),
		Failed:   c.stats.failed.Load(),
		Guards:   c.stats.guards.Load(),
	}
}

// CompileBaseline 编译基线代码，不做任何推测
func (c *Compiler) CompileBaseline(fn *bytecode.Function) (*interp.Code, error) {
	return interp.NewBaseline(fn)
}

// Compile 为中间层或顶层编译函数
// 编译没有副作用，安装由调用方负责
func (c *Compiler) Compile(ctx context.Context, fn *bytecode.Function, snap feedback.Snapshot, tier codecache.Tier) (*Code, error) {
	if !tier.IsOptimized() {
		return nil, fmt.Errorf("jit: %s is not an optimizing tier", tier)
	}
	instrs, err := fn.Chunk.Decode()
	if err != nil {
		return nil, err
	}

	b := &builder{
		c:      c,
		fn:     fn,
		tier:   tier,
		snap:   snap,
		plans:  make([]plan, len(instrs)),
		instrs: instrs,
	}
	for offset := 0; offset < len(instrs); offset = instrs[offset].Next {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.lower(instrs[offset]); err != nil {
			c.stats.failed.Inc()
			return nil, err
		}
	}

	code := &Code{
		fn:     fn,
		tier:   tier,
		instrs: instrs,
		plans:  b.plans,
		guards: deopt.NewGuardSet(b.guards),
		epoch:  snap.Epoch,
	}
	c.stats.compiled.Inc()
	c.stats.guards.Add(int64(len(b.guards)))
	return code, nil
}

// ============================================================================
// 指令特化
// ============================================================================

// specKind 指令的特化方式
type specKind uint8

const (
	specGeneric    specKind = iota // 通用语义
	specInt                        // 原始整数运算
	specFloat                      // 原始浮点运算
	specField                      // 固定布局下标的字段访问
	specElement                    // 按形状解包的数组元素
	specHoleyFloat                 // holey float64 数组元素
)

// plan 单条指令的特化方案
type plan struct {
	kind       specKind
	guard      *deopt.Guard
	overflow   *deopt.Guard
	fieldIndex int
	elem       feedback.Shape
}

type builder struct {
	c      *Compiler
	fn     *bytecode.Function
	tier   codecache.Tier
	snap   feedback.Snapshot
	instrs []bytecode.Instr
	plans  []plan
	guards []*deopt.Guard
}

func (b *builder) lower(in bytecode.Instr) error {
	if in.Op == bytecode.OpDebugger {
		return &CompileError{
			Function: b.fn,
			Tier:     b.tier,
			Offset:   in.Offset,
			Line:     b.fn.Chunk.LineAt(in.Offset),
			Reason:   "debugger statement is not supported by optimizing tiers",
		}
	}
	if in.Slot < 0 {
		return nil
	}

	slot := b.snap.Slot(in.Slot)
	p := &b.plans[in.Offset]
	p.fieldIndex = -1

	switch slot.State() {
	case feedback.Monomorphic:
		shape, _ := slot.Monomorphic()
		p.guard = b.guard(deopt.KindShape, in, []feedback.Shape{shape})
		b.specialize(p, in, shape)

	case feedback.Polymorphic:
		shapes := slot.Shapes()
		if b.tier != codecache.TierTop || len(shapes) > b.c.opts.PolymorphicGuardLimit {
			// 内联分派：通用语义覆盖所有形状，不需要守卫
			return nil
		}
		p.guard = b.guard(deopt.KindShapeSet, in, shapes)
		if in.Op == bytecode.OpArrayGet && isHoleyFloat(shapes) {
			p.kind = specHoleyFloat
		}
	}
	return nil
}

// specialize 根据单态形状选择特化方式
func (b *builder) specialize(p *plan, in bytecode.Instr, shape feedback.Shape) {
	switch in.Op {
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv:
		switch shape {
		case feedback.ShapeInt:
			p.kind = specInt
			p.overflow = b.guard(deopt.KindOverflow, in, nil)
		case feedback.ShapeFloat:
			p.kind = specFloat
		}

	case bytecode.OpLt, bytecode.OpLe, bytecode.OpEq:
		switch shape {
		case feedback.ShapeInt:
			p.kind = specInt
		case feedback.ShapeFloat:
			p.kind = specFloat
		}

	case bytecode.OpGetField, bytecode.OpSetField:
		if shape.Kind != feedback.KindObject || b.fn.Program == nil {
			return
		}
		layout, ok := b.fn.Program.Layouts.ByID(shape.Layout)
		if !ok {
			return
		}
		p.kind = specField
		if idx, ok := layout.Index(b.fn.Chunk.Names[in.A]); ok {
			p.fieldIndex = idx
		}

	case bytecode.OpArrayGet:
		p.kind = specElement
		p.elem = shape
	}
}

func (b *builder) guard(kind deopt.Kind, in bytecode.Instr, expected []feedback.Shape) *deopt.Guard {
	g := deopt.NewGuard(len(b.guards), kind, in.Op, in.Offset, in.Slot, expected)
	b.guards = append(b.guards, g)
	return g
}

func isHoleyFloat(shapes []feedback.Shape) bool {
	if len(shapes) != 2 {
		return false
	}
	a, b := shapes[0], shapes[1]
	return (a == feedback.ShapeFloat && b == feedback.ShapeHole) ||
		(a == feedback.ShapeHole && b == feedback.ShapeFloat)
}
