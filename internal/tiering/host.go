package tiering

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/deopt"
)

// ============================================================================
// 宿主操作
// ============================================================================

// PrepareForOptimization 重置去优化计数和编译失败记录，分配反馈向量
// 不修改反馈，不会解除永久禁止优化；重复调用与调用一次效果相同
func (c *Controller) PrepareForOptimization(fn *bytecode.Function) {
	rec := c.Record(fn)
	st := c.state(rec)
	st.mu.Lock()
	defer st.mu.Unlock()

	rec.DeoptCount.Store(0)
	st.failed = [4]bool{}
	rec.Feedback.Ensure()
}

// OptimizeOnNextCall 请求在下一次调用时同步升级到指定层级
// 下一次调用之前重复请求同一层级不会重复编译；已永久禁止优化时是空操作
func (c *Controller) OptimizeOnNextCall(fn *bytecode.Function, tier codecache.Tier) (bool, error) {
	if !tier.IsOptimized() {
		return false, fmt.Errorf("%s is not an optimizing tier", tier)
	}
	rec := c.Record(fn)
	st := c.state(rec)
	st.mu.Lock()
	defer st.mu.Unlock()

	inst := rec.Installation()
	if inst.NeverOptimize || inst.Tier >= tier {
		return false, nil
	}
	if tier > st.pending {
		st.pending = tier
	}
	c.traceOpt("marked for optimization", zap.String("function", fn.Name), zap.Stringer("tier", tier))
	return true, nil
}

// NeverOptimize 永久禁止优化，丢弃已安装的优化代码
func (c *Controller) NeverOptimize(fn *bytecode.Function) {
	rec := c.Record(fn)
	st := c.state(rec)
	st.mu.Lock()
	defer st.mu.Unlock()

	inst := rec.Installation()
	code := inst.Code
	if inst.Tier.IsOptimized() || code == nil {
		code = c.baseline(rec, st)
	}
	if _, err := c.cache.SetNeverOptimize(rec, code); err != nil {
		return
	}
	st.pending = codecache.TierInterpreted
	if !inst.NeverOptimize {
		c.stats.neverOptimize.Inc()
	}
	c.traceOpt("never optimize", zap.String("function", fn.Name))
}

// Deoptimize 强制去优化，效果等同守卫失败
// 当前不是优化代码时是空操作
func (c *Controller) Deoptimize(fn *bytecode.Function) bool {
	rec, ok := c.cache.Get(fn)
	if !ok {
		return false
	}
	code := rec.Installation().Code
	if code == nil || !code.Tier().IsOptimized() {
		return false
	}
	return c.forceDeopt(rec, code, deopt.ReasonForced)
}

// IsTierInstalled 函数当前是否处于指定层级
func (c *Controller) IsTierInstalled(fn *bytecode.Function, tier codecache.Tier) bool {
	rec, ok := c.cache.Get(fn)
	if !ok {
		return tier == codecache.TierInterpreted
	}
	return rec.Tier() == tier
}

// IsOptimized 函数当前是否运行优化代码
func (c *Controller) IsOptimized(fn *bytecode.Function) bool {
	rec, ok := c.cache.Get(fn)
	return ok && rec.Tier().IsOptimized()
}

// ClearFeedback 把全部反馈槽重置为未初始化
func (c *Controller) ClearFeedback(fn *bytecode.Function) {
	c.Record(fn).Feedback.Clear()
}

// EnsureFeedbackVector 预先分配反馈向量
func (c *Controller) EnsureFeedbackVector(fn *bytecode.Function) {
	c.Record(fn).Feedback.Ensure()
}

// ============================================================================
// 优化状态
// ============================================================================

// Status 优化状态位
type Status uint32

const (
	StatusIsFunction Status = 1 << iota
	StatusNeverOptimize
	StatusOptimized
	StatusInterpreted
	StatusBaseline
	StatusMidTier
	StatusTopTier
	StatusMarkedForOptimization
	StatusCompiling
)

var statusNames = []string{
	"is-function",
	"never-optimize",
	"optimized",
	"interpreted",
	"baseline",
	"mid-tier",
	"top-tier",
	"marked-for-optimization",
	"compiling",
}

// Has 是否包含指定位
func (s Status) Has(bit Status) bool {
	return s&bit != 0
}

func (s Status) String() string {
	var parts []string
	for i, name := range statusNames {
		if s&(1<<uint(i)) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Status 返回函数的优化状态
func (c *Controller) Status(fn *bytecode.Function) Status {
	s := StatusIsFunction
	rec, ok := c.cache.Get(fn)
	if !ok {
		return s | StatusInterpreted
	}
	inst := rec.Installation()
	if inst.NeverOptimize {
		s |= StatusNeverOptimize
	}
	switch inst.Tier {
	case codecache.TierInterpreted:
		s |= StatusInterpreted
	case codecache.TierBaseline:
		s |= StatusBaseline
	case codecache.TierMid:
		s |= StatusOptimized | StatusMidTier
	case codecache.TierTop:
		s |= StatusOptimized | StatusTopTier
	}

	st := c.state(rec)
	st.mu.Lock()
	if st.pending != codecache.TierInterpreted {
		s |= StatusMarkedForOptimization
	}
	st.mu.Unlock()
	if st.compiling.Load() {
		s |= StatusCompiling
	}
	return s
}

// ============================================================================
// 脚本内建操作
// ============================================================================

func (t *Thread) intrinsic(id bytecode.Intrinsic, fn *bytecode.Function) (bytecode.Value, error) {
	c := t.ctrl
	switch id {
	case bytecode.IntrinsicPrepare:
		c.PrepareForOptimization(fn)
	case bytecode.IntrinsicOptimize:
		if _, err := c.OptimizeOnNextCall(fn, codecache.TierTop); err != nil {
			return bytecode.Undefined, err
		}
	case bytecode.IntrinsicOptimizeMid:
		if _, err := c.OptimizeOnNextCall(fn, codecache.TierMid); err != nil {
			return bytecode.Undefined, err
		}
	case bytecode.IntrinsicNeverOptimize:
		code := c.installedCode(fn)
		c.NeverOptimize(fn)
		if code != nil && code.Tier().IsOptimized() {
			t.markLazy(code)
		}
	case bytecode.IntrinsicDeoptimize:
		t.deoptimize(fn)
	case bytecode.IntrinsicDeoptimizeNow:
		t.deoptimizeNow()
	case bytecode.IntrinsicIsOptimized:
		return bytecode.NewBool(c.IsOptimized(fn)), nil
	case bytecode.IntrinsicClearFeedback:
		c.ClearFeedback(fn)
	case bytecode.IntrinsicEnsureFeedback:
		c.EnsureFeedbackVector(fn)
	case bytecode.IntrinsicStatus:
		return bytecode.NewInt(int64(c.Status(fn))), nil
	default:
		return bytecode.Undefined, fmt.Errorf("unknown intrinsic %s", id)
	}
	return bytecode.Undefined, nil
}

func (c *Controller) installedCode(fn *bytecode.Function) codecache.Code {
	if rec, ok := c.cache.Get(fn); ok {
		return rec.Installation().Code
	}
	return nil
}
