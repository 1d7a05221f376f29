package tiering

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/deopt"
	"github.com/tangzhangming/tiering/internal/interp"
)

// ErrGeneratorRunning 生成器正在执行时再次恢复
var ErrGeneratorRunning = errors.New("generator is already running")

// Generator 生成器对象
//
// 生成器持有自己的帧状态，以及该帧在函数恢复点表中的下标。
// 每次恢复都经由代码缓存分派，所以两次恢复之间的层级变化是安全的。
type Generator struct {
	rec         *codecache.FunctionRecord
	frame       *deopt.FrameState
	resumeIndex int
	done        bool
	running     bool
}

// Done 是否已结束
func (g *Generator) Done() bool {
	return g.done
}

// ResumeIndex 返回下次恢复的恢复点下标
func (g *Generator) ResumeIndex() int {
	return g.resumeIndex
}

// Function 返回生成器函数
func (g *Generator) Function() *bytecode.Function {
	return g.rec.Function
}

func (c *Controller) newGenerator(fn *bytecode.Function, args []bytecode.Value) bytecode.Value {
	rec := c.Record(fn)
	rec.CallCount.Inc()
	g := &Generator{
		rec:   rec,
		frame: deopt.Capture(fn, fn.ResumeTable[0], interp.EntryLocals(fn, args), nil),
	}
	return bytecode.Value{Type: bytecode.ValGenerator, Data: g}
}

// resume 恢复生成器，返回产出值或返回值
// 首次恢复忽略传入值；结束后恢复返回 undefined
func (t *Thread) resume(genVal, sent bytecode.Value) (bytecode.Value, error) {
	g, ok := genVal.Data.(*Generator)
	if !ok {
		return bytecode.Undefined, fmt.Errorf("%s is not a generator", genVal)
	}
	if g.done {
		return bytecode.Undefined, nil
	}
	if g.running {
		return bytecode.Undefined, ErrGeneratorRunning
	}
	if len(t.stack) >= MaxCallDepth {
		return bytecode.Undefined, ErrStackOverflow
	}

	frame := g.frame
	if g.resumeIndex > 0 {
		frame.Push(sent)
	}

	g.running = true
	defer func() { g.running = false }()

	act := t.enter(g.rec)
	defer t.leave()

	out, err := act.code.Resume(act, t.ctrl.recorderFor(g.rec), frame)
	out, err = t.settle(act, out, err)
	if err != nil {
		g.done = true
		g.frame = nil
		return bytecode.Undefined, err
	}

	switch out.Kind {
	case interp.Returned:
		g.done = true
		g.frame = nil
	case interp.Suspended:
		idx, ok := out.Frame.ResumeIndex()
		if !ok {
			g.done = true
			g.frame = nil
			return bytecode.Undefined, fmt.Errorf("%s: offset %d is not a resume point", g.rec.Function.Name, out.Frame.Offset)
		}
		g.frame = out.Frame
		g.resumeIndex = idx
	}
	return out.Value, nil
}
