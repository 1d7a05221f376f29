package tiering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/codecache"
)

const generatorProgram = `
gen count(n) locals i {
    push 0
    store i
top:
    load i
    load n
    lt
    jf end
    load i
    yield
    pop
    load i
    push 1
    add
    store i
    jmp top
end:
    push -1
    ret
}

# 对生成器产出的值求和
func drive(n) locals g, s, v {
    load n
    call count
    store g
    push 0
    store s
top:
    load g
    undefined
    next
    store v
    load g
    done
    jf body
    load s
    ret
body:
    load s
    load v
    add
    store s
    jmp top
}

# 外层生成器每一步驱动内层生成器
gen nested(n) locals g, v {
    load n
    call count
    store g
top:
    load g
    undefined
    next
    store v
    load g
    done
    jf body
    undefined
    ret
body:
    load v
    load v
    mul
    yield
    pop
    jmp top
}
`

func newGen(t *testing.T, h *harness, name string, n int64) (bytecode.Value, *Generator) {
	t.Helper()
	v := h.call(name, bytecode.NewInt(n))
	require.Equal(t, bytecode.ValGenerator, v.Type)
	g, ok := v.Data.(*Generator)
	require.True(t, ok)
	return v, g
}

func TestGenerator_Basic(t *testing.T) {
	h := newHarness(t, syncConfig(), generatorProgram)
	gv, g := newGen(t, h, "count", 3)
	th := h.ctrl.NewThread()

	assert.Equal(t, "count", g.Function().Name)
	assert.Equal(t, 0, g.ResumeIndex())

	var got []int64
	for !g.Done() {
		v, err := th.resume(gv, bytecode.Undefined)
		require.NoError(t, err)
		got = append(got, v.AsInt())
	}
	assert.Equal(t, []int64{0, 1, 2, -1}, got)

	// 结束后恢复返回 undefined
	v, err := th.resume(gv, bytecode.Undefined)
	require.NoError(t, err)
	assert.Equal(t, bytecode.ValUndefined, v.Type)
	assert.Equal(t, 0, th.Depth())
}

// 挂起期间升级和降级，恢复后状态不丢失
func TestGenerator_TierChangeWhileSuspended(t *testing.T) {
	h := newHarness(t, syncConfig(), generatorProgram)
	count := h.fn("count")
	gv, g := newGen(t, h, "count", 6)
	th := h.ctrl.NewThread()

	next := func() int64 {
		v, err := th.resume(gv, bytecode.Undefined)
		require.NoError(t, err)
		return v.AsInt()
	}

	assert.Equal(t, int64(0), next())
	assert.Equal(t, int64(1), next())
	assert.Equal(t, 1, g.ResumeIndex())

	ok, err := h.ctrl.OptimizeOnNextCall(count, codecache.TierTop)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), next())
	require.True(t, h.ctrl.IsTierInstalled(count, codecache.TierTop))

	assert.Equal(t, int64(3), next())

	require.True(t, h.ctrl.Deoptimize(count))
	assert.Equal(t, int64(4), next())
	assert.True(t, h.ctrl.IsTierInstalled(count, codecache.TierBaseline))

	h.ctrl.OptimizeOnNextCall(count, codecache.TierMid)
	assert.Equal(t, int64(5), next())
	assert.True(t, h.ctrl.IsTierInstalled(count, codecache.TierMid))
	assert.Equal(t, int64(-1), next())
	assert.True(t, g.Done())
}

// 优化代码里的生成器遇到新形状时去优化并在基线层继续
func TestGenerator_DeoptInsideResume(t *testing.T) {
	h := newHarness(t, syncConfig(), generatorProgram)
	count := h.fn("count")

	// 用整数反馈预热
	gv, _ := newGen(t, h, "count", 2)
	th := h.ctrl.NewThread()
	for i := 0; i < 3; i++ {
		_, err := th.resume(gv, bytecode.Undefined)
		require.NoError(t, err)
	}
	h.ctrl.OptimizeOnNextCall(count, codecache.TierTop)

	// 浮点上限让比较守卫失败
	v, err := h.ctrl.Call(count, bytecode.NewFloat(2.5))
	require.NoError(t, err)
	var got []string
	for g := v.Data.(*Generator); !g.Done(); {
		r, err := th.resume(v, bytecode.Undefined)
		require.NoError(t, err)
		got = append(got, r.String())
	}
	assert.Equal(t, []string{"0", "1", "2", "-1"}, got)
	assert.Equal(t, int32(1), h.record("count").DeoptCount.Load())
}

func TestGenerator_DrivenFromScript(t *testing.T) {
	h := newHarness(t, syncConfig(), generatorProgram)
	drive := h.fn("drive")
	count := h.fn("count")

	want := []int64{0, 0, 1, 3, 6, 10}
	for n, w := range want {
		// 每一轮切换一次层级
		switch n % 3 {
		case 1:
			h.ctrl.OptimizeOnNextCall(count, codecache.TierTop)
			h.ctrl.OptimizeOnNextCall(drive, codecache.TierMid)
		case 2:
			h.ctrl.Deoptimize(count)
		}
		assert.Equal(t, w, h.call("drive", bytecode.NewInt(int64(n))).AsInt(), "n=%d", n)
	}
}

func TestGenerator_Nested(t *testing.T) {
	h := newHarness(t, syncConfig(), generatorProgram)
	nested := h.fn("nested")
	gv, g := newGen(t, h, "nested", 4)
	th := h.ctrl.NewThread()

	var got []int64
	for i := 0; !g.Done(); i++ {
		if i == 2 {
			h.ctrl.OptimizeOnNextCall(nested, codecache.TierTop)
		}
		v, err := th.resume(gv, bytecode.Undefined)
		require.NoError(t, err)
		if !g.Done() {
			got = append(got, v.AsInt())
		}
	}
	assert.Equal(t, []int64{0, 1, 4, 9}, got)
}

func TestGenerator_Errors(t *testing.T) {
	h := newHarness(t, syncConfig(), generatorProgram)
	th := h.ctrl.NewThread()

	_, err := th.resume(bytecode.NewInt(1), bytecode.Undefined)
	assert.Error(t, err)

	gv, g := newGen(t, h, "count", 1)
	g.running = true
	_, err = th.resume(gv, bytecode.Undefined)
	assert.ErrorIs(t, err, ErrGeneratorRunning)
}
