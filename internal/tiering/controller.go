// Package tiering 实现分层编译控制器
//
// 控制器决定每个函数在哪个层级执行：
//
//	Interpreted --(interpret_count)--> Baseline --(调用阈值/显式请求)--> Mid --> Top
//	     Mid/Top --(守卫失败/强制去优化)--> Baseline
//	     去优化次数达到预算 --> NeverOptimize（终态，只在 Baseline 及以下执行）
//
// 每个函数记录的安装操作由该记录的互斥锁串行化；执行线程读取安装结果
// 不需要加锁。
package tiering

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	uatomic "go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/config"
	"github.com/tangzhangming/tiering/internal/feedback"
	"github.com/tangzhangming/tiering/internal/interp"
	"github.com/tangzhangming/tiering/internal/jit"
)

var (
	// ErrDeoptBudgetExceeded 去优化次数用完，函数被永久禁止优化
	ErrDeoptBudgetExceeded = errors.New("deopt budget exceeded")
	// ErrStackOverflow 调用栈过深
	ErrStackOverflow = errors.New("maximum call stack size exceeded")
)

// MaxCallDepth 单个线程的最大调用深度
const MaxCallDepth = 1024

// Options 控制器选项
type Options struct {
	Config *config.Config
	Logger *zap.Logger
	// Output print 指令的输出，默认 stdout
	Output io.Writer
	// OnCompileError 编译错误诊断回调
	OnCompileError func(*jit.CompileError)
}

// Controller 分层编译控制器
type Controller struct {
	cfg      *config.Config
	log      *zap.Logger
	cache    *codecache.Cache
	compiler *jit.Compiler
	flight   singleflight.Group
	pool     *compilePool

	outMu sync.Mutex
	out   io.Writer

	onCompileError func(*jit.CompileError)

	mu     sync.Mutex
	states map[*codecache.FunctionRecord]*recordState

	stats controllerStats
}

// recordState 控制器为每个函数记录维护的状态
type recordState struct {
	mu       sync.Mutex // 串行化该记录的安装
	pending  codecache.Tier
	failed   [4]bool // 按层级记录的编译失败，阈值触发的编译会跳过失败过的层级
	baseline *interp.Code

	compiling      uatomic.Bool
	feedbackBroken uatomic.Bool
}

type controllerStats struct {
	promotions    uatomic.Int64
	deopts        uatomic.Int64
	compileErrors uatomic.Int64
	dropped       uatomic.Int64
	neverOptimize uatomic.Int64
}

// New 创建控制器
func New(opts Options) *Controller {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	c := &Controller{
		cfg:            cfg,
		log:            log,
		cache:          codecache.New(cfg.Feedback.PolymorphicBound),
		compiler:       jit.NewCompiler(jit.Options{PolymorphicGuardLimit: cfg.Compiler.PolymorphicGuardLimit}),
		out:            out,
		onCompileError: opts.OnCompileError,
		states:         make(map[*codecache.FunctionRecord]*recordState),
	}
	if cfg.Compiler.Async {
		c.pool = newCompilePool(cfg.Compiler.Workers, cfg.Compiler.QueueSize, c.runJob)
	}
	return c
}

// Close 停止后台编译
func (c *Controller) Close() error {
	var err error
	if c.pool != nil {
		err = multierr.Append(err, c.pool.stop())
	}
	err = multierr.Append(err, c.log.Sync())
	return ignoreSyncError(err)
}

// ignoreSyncError 过滤向终端同步日志时的无害错误
func ignoreSyncError(err error) error {
	var kept error
	for _, e := range multierr.Errors(err) {
		var pathErr *os.PathError
		if errors.As(e, &pathErr) && (pathErr.Path == "/dev/stderr" || pathErr.Path == "/dev/stdout") {
			continue
		}
		kept = multierr.Append(kept, e)
	}
	return kept
}

// WaitIdle 等待已提交的后台编译全部完成
func (c *Controller) WaitIdle() {
	if c.pool != nil {
		c.pool.drain()
	}
}

// Config 返回配置
func (c *Controller) Config() *config.Config {
	return c.cfg
}

// Cache 返回代码缓存
func (c *Controller) Cache() *codecache.Cache {
	return c.cache
}

// Compiler 返回编译器
func (c *Controller) Compiler() *jit.Compiler {
	return c.compiler
}

// Record 返回函数记录，首次引用时创建并安装解释执行代码
func (c *Controller) Record(fn *bytecode.Function) *codecache.FunctionRecord {
	rec := c.cache.Record(fn)
	if inst := rec.Installation(); inst.Code == nil {
		if _, _, err := c.cache.InstallIf(rec, inst, interp.NewInterpreted(fn), codecache.TierInterpreted); err != nil {
			c.log.Debug("initial install skipped", zap.String("function", fn.Name), zap.Error(err))
		}
	}
	return rec
}

// Unload 卸载函数，取消进行中的编译
func (c *Controller) Unload(fn *bytecode.Function) bool {
	rec, ok := c.cache.Get(fn)
	if !ok {
		return false
	}
	c.cache.Remove(fn)

	c.mu.Lock()
	delete(c.states, rec)
	c.mu.Unlock()

	c.log.Debug("unloaded", zap.String("function", fn.Name))
	return true
}

// NewThread 创建执行线程
func (c *Controller) NewThread() *Thread {
	return &Thread{ctrl: c}
}

// Call 在新线程上调用函数
func (c *Controller) Call(fn *bytecode.Function, args ...bytecode.Value) (bytecode.Value, error) {
	return c.NewThread().Call(fn, args)
}

func (c *Controller) state(rec *codecache.FunctionRecord) *recordState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[rec]
	if !ok {
		st = &recordState{}
		// 卸载后仍在运行的编译任务只拿到临时状态，不会重新登记
		if !rec.Unloaded() {
			c.states[rec] = st
		}
	}
	return st
}

// baseline 返回记录的基线代码，首次使用时编译
// 调用方持有 st.mu
func (c *Controller) baseline(rec *codecache.FunctionRecord, st *recordState) interp.Executable {
	if st.baseline == nil {
		code, err := c.compiler.CompileBaseline(rec.Function)
		if err != nil {
			c.log.Error("baseline compilation failed", zap.String("function", rec.Function.Name), zap.Error(err))
			return interp.NewInterpreted(rec.Function)
		}
		st.baseline = code
	}
	return st.baseline
}

func (c *Controller) print(v bytecode.Value) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, v.String())
}

// ============================================================================
// 反馈记录
// ============================================================================

// recorder 把观察写入函数的反馈向量
type recorder struct {
	ctrl *Controller
	rec  *codecache.FunctionRecord
}

func (r recorder) Record(slot int, shape feedback.Shape) {
	if _, err := r.rec.Feedback.Record(slot, shape); err != nil {
		r.ctrl.feedbackFailure(r.rec, err)
	}
}

// feedbackFailure 反馈槽错误只影响该函数：记录后永久禁止优化
func (c *Controller) feedbackFailure(rec *codecache.FunctionRecord, err error) {
	st := c.state(rec)
	if !st.feedbackBroken.CompareAndSwap(false, true) {
		return
	}
	c.log.Error("feedback recording failed", zap.String("function", rec.Function.Name), zap.Error(err))
	c.NeverOptimize(rec.Function)
}
