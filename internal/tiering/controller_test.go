package tiering

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/tiering/internal/asm"
	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/config"
	"github.com/tangzhangming/tiering/internal/deopt"
	"github.com/tangzhangming/tiering/internal/feedback"
	"github.com/tangzhangming/tiering/internal/jit"
)

const controllerProgram = `
func add(a, b) {
    load a
    load b
    add
    ret
}

func brk(x) {
    debugger
    load x
    ret
}

func inner() {
    %deoptnow
    pop
    push 10
    ret
}

func outer(x) {
    load x
    call inner
    add
    ret
}

func selfdeopt(x) {
    load x
    push 1
    add
    %deoptnow
    pop
    ret
}

func forever() {
    call forever
    ret
}

func main() {
    %prepare add
    pop
    push 1
    push 2
    call add
    pop
    %optimize add
    pop
    push 3
    push 4
    call add
    print
    %isopt add
    print
    %status add
    ret
}
`

// syncConfig 同步编译，只响应显式升级请求
func syncConfig() *config.Config {
	cfg := config.Default()
	cfg.Compiler.Async = false
	cfg.Tiering.MidTierCalls = 0
	cfg.Tiering.TopTierCalls = 0
	return cfg
}

type harness struct {
	t    *testing.T
	ctrl *Controller
	prog *bytecode.Program
	out  *bytes.Buffer
}

func newHarness(t *testing.T, cfg *config.Config, src string) *harness {
	t.Helper()
	prog, err := asm.Assemble("test.tasm", src)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	ctrl := New(Options{Config: cfg, Output: out})
	t.Cleanup(func() { ctrl.Close() })
	return &harness{t: t, ctrl: ctrl, prog: prog, out: out}
}

func (h *harness) fn(name string) *bytecode.Function {
	h.t.Helper()
	fn, ok := h.prog.Lookup(name)
	require.True(h.t, ok, "function %s", name)
	return fn
}

func (h *harness) call(name string, args ...bytecode.Value) bytecode.Value {
	h.t.Helper()
	v, err := h.ctrl.Call(h.fn(name), args...)
	require.NoError(h.t, err)
	return v
}

func (h *harness) record(name string) *codecache.FunctionRecord {
	h.t.Helper()
	rec, ok := h.ctrl.Cache().Get(h.fn(name))
	require.True(h.t, ok, "record for %s", name)
	return rec
}

// warm 调用到基线层为止
func (h *harness) warm(name string, args ...bytecode.Value) {
	h.t.Helper()
	for i := int64(0); i <= h.ctrl.Config().Tiering.InterpretCount; i++ {
		h.call(name, args...)
	}
	require.True(h.t, h.ctrl.IsTierInstalled(h.fn(name), codecache.TierBaseline))
}

// baselineOnly 在只允许基线层的控制器上调用函数
func baselineOnly(fn *bytecode.Function, args ...bytecode.Value) (bytecode.Value, error) {
	ctrl := New(Options{Config: syncConfig(), Output: &bytes.Buffer{}})
	defer ctrl.Close()
	ctrl.NeverOptimize(fn)
	return ctrl.Call(fn, args...)
}

func ints(ns ...int64) []bytecode.Value {
	out := make([]bytecode.Value, len(ns))
	for i, n := range ns {
		out[i] = bytecode.NewInt(n)
	}
	return out
}

// ============================================================================
// Promotion and Deoptimization
// ============================================================================

func TestController_InterpretCountPromotesToBaseline(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	add := h.fn("add")

	assert.True(t, h.ctrl.IsTierInstalled(add, codecache.TierInterpreted))
	h.call("add", ints(1, 2)...)
	h.call("add", ints(1, 2)...)
	assert.True(t, h.ctrl.IsTierInstalled(add, codecache.TierInterpreted))
	h.call("add", ints(1, 2)...)
	assert.True(t, h.ctrl.IsTierInstalled(add, codecache.TierBaseline))

	rec := h.record("add")
	assert.Equal(t, int64(2), rec.InterpretCount.Load())
	assert.Equal(t, int64(3), rec.CallCount.Load())
}

func TestController_GuardFailureDemotes(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	add := h.fn("add")
	for i := 0; i < 3; i++ {
		h.call("add", ints(1, 2)...)
	}

	ok, err := h.ctrl.OptimizeOnNextCall(add, codecache.TierTop)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), h.call("add", ints(3, 4)...).AsInt())
	require.True(t, h.ctrl.IsTierInstalled(add, codecache.TierTop))

	rec := h.record("add")
	code, ok := rec.Installation().Code.(*jit.Code)
	require.True(t, ok)
	guards := code.Guards().ForSlot(0)
	require.Len(t, guards, 1)
	assert.Equal(t, deopt.KindShape, guards[0].Kind())
	assert.Equal(t, []feedback.Shape{feedback.ShapeInt}, guards[0].Expected())

	args := []bytecode.Value{bytecode.NewFloat(1.5), bytecode.NewInt(2)}
	got := h.call("add", args...)

	want, err := baselineOnly(add, args...)
	require.NoError(t, err)
	assert.True(t, bytecode.StrictEquals(want, got), "want %s got %s", want, got)
	assert.Equal(t, "3.5", got.String())

	assert.True(t, h.ctrl.IsTierInstalled(add, codecache.TierBaseline))
	assert.Equal(t, int32(1), rec.DeoptCount.Load())
	assert.False(t, rec.NeverOptimize())

	slot, err := rec.Feedback.Slot(0)
	require.NoError(t, err)
	assert.Equal(t, feedback.Polymorphic, slot.State())

	stats := h.ctrl.Stats()
	assert.Equal(t, int64(1), stats.Promotions)
	assert.Equal(t, int64(1), stats.Deopts)
}

func TestController_DeoptBudget(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	add := h.fn("add")
	h.warm("add", ints(1, 2)...)

	budget := int(h.ctrl.Config().Tiering.DeoptBudget)
	for i := 0; i < budget; i++ {
		ok, err := h.ctrl.OptimizeOnNextCall(add, codecache.TierTop)
		require.NoError(t, err)
		require.True(t, ok, "round %d", i)
		h.call("add", ints(1, 2)...)
		require.True(t, h.ctrl.IsOptimized(add), "round %d", i)
		require.True(t, h.ctrl.Deoptimize(add), "round %d", i)
	}

	rec := h.record("add")
	assert.Equal(t, int32(budget), rec.DeoptCount.Load())
	assert.True(t, rec.NeverOptimize())
	assert.True(t, h.ctrl.Status(add).Has(StatusNeverOptimize))

	// 永久禁止优化后显式请求是空操作
	ok, err := h.ctrl.OptimizeOnNextCall(add, codecache.TierTop)
	require.NoError(t, err)
	assert.False(t, ok)
	h.call("add", ints(1, 2)...)
	assert.False(t, h.ctrl.IsOptimized(add))
	assert.True(t, h.ctrl.IsTierInstalled(add, codecache.TierBaseline))

	// 准备优化不会解除禁止
	h.ctrl.PrepareForOptimization(add)
	assert.True(t, rec.NeverOptimize())
	assert.Equal(t, int64(1), h.ctrl.Stats().NeverOptimized)
}

func TestController_PrepareResetsDeoptCount(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	add := h.fn("add")
	h.warm("add", ints(1, 2)...)

	for i := 0; i < 2; i++ {
		h.ctrl.OptimizeOnNextCall(add, codecache.TierMid)
		h.call("add", ints(1, 2)...)
		h.ctrl.Deoptimize(add)
	}
	rec := h.record("add")
	require.Equal(t, int32(2), rec.DeoptCount.Load())

	before := rec.Feedback.Snapshot()
	h.ctrl.PrepareForOptimization(add)
	h.ctrl.PrepareForOptimization(add)
	assert.Equal(t, int32(0), rec.DeoptCount.Load())
	assert.Equal(t, before.Slots, rec.Feedback.Snapshot().Slots, "prepare must not touch feedback")
}

func TestController_OptimizeOnNextCallIsIdempotent(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	add := h.fn("add")
	h.warm("add", ints(1, 2)...)

	_, err := h.ctrl.OptimizeOnNextCall(add, codecache.TierTop)
	require.NoError(t, err)
	_, err = h.ctrl.OptimizeOnNextCall(add, codecache.TierTop)
	require.NoError(t, err)
	assert.True(t, h.ctrl.Status(add).Has(StatusMarkedForOptimization))

	h.call("add", ints(1, 2)...)
	h.call("add", ints(1, 2)...)
	assert.Equal(t, int64(1), h.ctrl.Compiler().Stats().Compiled)
	assert.Equal(t, int64(1), h.ctrl.Stats().Promotions)
	assert.False(t, h.ctrl.Status(add).Has(StatusMarkedForOptimization))

	// 已在目标层级时再次请求不做任何事
	ok, err := h.ctrl.OptimizeOnNextCall(add, codecache.TierMid)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.ctrl.OptimizeOnNextCall(add, codecache.TierBaseline)
	assert.Error(t, err)
}

func TestController_DeoptimizeWhenNotOptimized(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	add := h.fn("add")
	assert.False(t, h.ctrl.Deoptimize(add))
	h.warm("add", ints(1, 2)...)
	assert.False(t, h.ctrl.Deoptimize(add))
	assert.Equal(t, int32(0), h.record("add").DeoptCount.Load())
}

func TestController_NeverOptimize(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	add := h.fn("add")
	h.warm("add", ints(1, 2)...)
	h.ctrl.OptimizeOnNextCall(add, codecache.TierTop)
	h.call("add", ints(1, 2)...)
	require.True(t, h.ctrl.IsOptimized(add))

	h.ctrl.NeverOptimize(add)
	assert.False(t, h.ctrl.IsOptimized(add))
	assert.Equal(t, "is-function|never-optimize|baseline", h.ctrl.Status(add).String())
	assert.Equal(t, int64(3), h.call("add", ints(1, 2)...).AsInt())
}

// 编译错误只报告，层级保持不变，失败过的层级不再由阈值触发
func TestController_CompileError(t *testing.T) {
	var reported []*jit.CompileError
	prog, err := asm.Assemble("test.tasm", controllerProgram)
	require.NoError(t, err)
	cfg := syncConfig()
	cfg.Tiering.MidTierCalls = 1
	ctrl := New(Options{
		Config:         cfg,
		Output:         &bytes.Buffer{},
		OnCompileError: func(e *jit.CompileError) { reported = append(reported, e) },
	})
	defer ctrl.Close()

	brk, _ := prog.Lookup("brk")
	for i := 0; i < 6; i++ {
		v, err := ctrl.Call(brk, bytecode.NewInt(int64(i)))
		require.NoError(t, err)
		assert.Equal(t, int64(i), v.AsInt())
	}
	assert.True(t, ctrl.IsTierInstalled(brk, codecache.TierBaseline))
	require.Len(t, reported, 1)
	assert.Equal(t, codecache.TierMid, reported[0].Tier)
	assert.Equal(t, int64(1), ctrl.Stats().CompileErrors)

	// 显式请求仍会尝试
	ctrl.OptimizeOnNextCall(brk, codecache.TierTop)
	_, err = ctrl.Call(brk, bytecode.NewInt(1))
	require.NoError(t, err)
	assert.Len(t, reported, 2)
	assert.False(t, ctrl.IsOptimized(brk))
}

func TestController_ThresholdPromotion(t *testing.T) {
	cfg := syncConfig()
	cfg.Tiering.InterpretCount = 1
	cfg.Tiering.MidTierCalls = 2
	cfg.Tiering.TopTierCalls = 2
	h := newHarness(t, cfg, controllerProgram)
	add := h.fn("add")

	var tiers []codecache.Tier
	for i := 0; i < 10; i++ {
		h.call("add", ints(int64(i), 1)...)
		tiers = append(tiers, h.record("add").Tier())
	}
	assert.True(t, h.ctrl.IsTierInstalled(add, codecache.TierTop), "tiers %v", tiers)
	assert.Equal(t, int64(2), h.ctrl.Stats().Promotions)
	for i := 1; i < len(tiers); i++ {
		assert.GreaterOrEqual(t, tiers[i], tiers[i-1], "tier never goes down without a deopt")
	}
}

// ============================================================================
// deoptnow
// ============================================================================

// 调用者是优化帧：内层调用返回时延迟去优化
func TestController_LazyDeopt(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	outer := h.fn("outer")
	h.warm("outer", bytecode.NewInt(1))

	h.ctrl.OptimizeOnNextCall(outer, codecache.TierTop)
	v := h.call("outer", bytecode.NewInt(5))
	assert.Equal(t, int64(15), v.AsInt())
	assert.True(t, h.ctrl.IsTierInstalled(outer, codecache.TierBaseline))
	assert.Equal(t, int32(1), h.record("outer").DeoptCount.Load())
	assert.Equal(t, int64(1), h.ctrl.Stats().Deopts)
}

// 当前帧是优化帧：立即去优化
func TestController_EagerDeopt(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	fn := h.fn("selfdeopt")
	h.warm("selfdeopt", bytecode.NewInt(1))

	h.ctrl.OptimizeOnNextCall(fn, codecache.TierTop)
	v := h.call("selfdeopt", bytecode.NewInt(5))
	assert.Equal(t, int64(6), v.AsInt())
	assert.False(t, h.ctrl.IsOptimized(fn))
	assert.Equal(t, int32(1), h.record("selfdeopt").DeoptCount.Load())
}

// ============================================================================
// Script Intrinsics and Errors
// ============================================================================

func TestController_ScriptIntrinsics(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	v := h.call("main")

	assert.Equal(t, "7\ntrue\n", h.out.String())
	status := Status(v.AsInt())
	assert.True(t, status.Has(StatusTopTier), status.String())
	assert.True(t, status.Has(StatusOptimized))
}

func TestController_Errors(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)

	_, err := h.ctrl.Call(h.fn("add"), bytecode.NewInt(1))
	assert.Error(t, err)

	_, err = h.ctrl.Call(h.fn("forever"))
	assert.ErrorIs(t, err, ErrStackOverflow)
}

func TestController_Unload(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	add := h.fn("add")
	h.call("add", ints(1, 2)...)
	rec := h.record("add")

	assert.True(t, h.ctrl.Unload(add))
	assert.False(t, h.ctrl.Unload(add))
	assert.True(t, rec.Unloaded())
	assert.True(t, h.ctrl.IsTierInstalled(add, codecache.TierInterpreted))
}

func stateCount(c *Controller) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

// 卸载时正在编译的结果被丢弃，也不会留下控制器状态
func TestController_UnloadDropsInFlightCompile(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	add := h.fn("add")
	h.warm("add", ints(1, 2)...)
	rec := h.record("add")
	require.Equal(t, 1, stateCount(h.ctrl))

	job := compileJob{rec: rec, tier: codecache.TierMid, snap: rec.Feedback.Snapshot(), expected: rec.Installation()}
	require.True(t, h.ctrl.Unload(add))
	assert.Zero(t, stateCount(h.ctrl))

	// 任务在卸载之后才开始：编译被取消
	h.ctrl.runJob(job)
	assert.Equal(t, codecache.TierBaseline, rec.Tier())
	assert.Equal(t, int64(1), h.ctrl.Stats().DroppedCompiles)
	assert.Zero(t, stateCount(h.ctrl))

	// 编译在卸载之前完成：安装被拒绝
	err := h.ctrl.optimize(context.Background(), rec, codecache.TierMid, job.snap, job.expected)
	require.ErrorIs(t, err, codecache.ErrUnloaded)
	assert.Equal(t, codecache.TierBaseline, rec.Tier())
	assert.Equal(t, int64(2), h.ctrl.Stats().DroppedCompiles)
	assert.Zero(t, stateCount(h.ctrl))

	// 再次调用得到新的记录
	assert.Equal(t, int64(3), h.call("add", ints(1, 2)...).AsInt())
	assert.NotSame(t, rec, h.record("add"))
	assert.Equal(t, 1, stateCount(h.ctrl))
}

func TestStatus_String(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	add := h.fn("add")
	assert.Equal(t, "is-function|interpreted", h.ctrl.Status(add).String())
	assert.Equal(t, "none", Status(0).String())

	h.ctrl.OptimizeOnNextCall(add, codecache.TierMid)
	s := h.ctrl.Status(add).String()
	assert.True(t, strings.Contains(s, "marked-for-optimization"), s)
}

func TestController_ClearFeedback(t *testing.T) {
	h := newHarness(t, syncConfig(), controllerProgram)
	add := h.fn("add")
	h.call("add", ints(1, 2)...)
	rec := h.record("add")
	slot, _ := rec.Feedback.Slot(0)
	require.Equal(t, feedback.Monomorphic, slot.State())

	h.ctrl.ClearFeedback(add)
	slot, _ = rec.Feedback.Slot(0)
	assert.Equal(t, feedback.Uninitialized, slot.State())

	h.ctrl.EnsureFeedbackVector(add)
	assert.Equal(t, rec.Feedback.Capacity(), rec.Feedback.Allocated())
}
