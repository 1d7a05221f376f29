package tiering

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/feedback"
	"github.com/tangzhangming/tiering/internal/interp"
	"github.com/tangzhangming/tiering/internal/jit"
)

// recorderFor 返回记录器
func (c *Controller) recorderFor(rec *codecache.FunctionRecord) interp.Recorder {
	return recorder{ctrl: c, rec: rec}
}

// tierUp 在调用入口检查升级条件
func (c *Controller) tierUp(rec *codecache.FunctionRecord) {
	st := c.state(rec)
	inst := rec.Installation()

	if target := st.takePending(); target != codecache.TierInterpreted {
		if !inst.NeverOptimize && target > inst.Tier {
			_ = c.optimize(rec.Context(), rec, target, rec.Feedback.Snapshot(), nil)
		}
		return
	}

	tiering := c.cfg.Tiering
	switch inst.Tier {
	case codecache.TierInterpreted:
		if rec.InterpretCount.Load() >= tiering.InterpretCount {
			c.installBaseline(rec, "interpret-count")
		}
	case codecache.TierBaseline:
		if !inst.NeverOptimize && tiering.MidTierCalls > 0 && rec.TierCalls.Load() >= tiering.MidTierCalls && !st.hasFailed(codecache.TierMid) {
			c.request(rec, codecache.TierMid)
		}
	case codecache.TierMid:
		if tiering.TopTierCalls > 0 && rec.TierCalls.Load() >= tiering.TopTierCalls && !st.hasFailed(codecache.TierTop) {
			c.request(rec, codecache.TierTop)
		}
	}
}

// installBaseline 从解释执行升级到基线层
func (c *Controller) installBaseline(rec *codecache.FunctionRecord, reason string) {
	st := c.state(rec)
	st.mu.Lock()
	defer st.mu.Unlock()

	if rec.Tier() != codecache.TierInterpreted {
		return
	}
	if _, err := c.cache.Install(rec, c.baseline(rec, st), codecache.TierBaseline); err != nil {
		c.log.Debug("baseline install skipped", zap.String("function", rec.Function.Name), zap.Error(err))
		return
	}
	rec.TierCalls.Store(0)
	c.log.Debug("tier up",
		zap.String("function", rec.Function.Name),
		zap.Stringer("tier", codecache.TierBaseline),
		zap.String("reason", reason))
}

// request 阈值触发的升级请求
// 异步模式下提交到后台编译，不阻塞执行
func (c *Controller) request(rec *codecache.FunctionRecord, tier codecache.Tier) {
	if c.pool == nil {
		_ = c.optimize(rec.Context(), rec, tier, rec.Feedback.Snapshot(), nil)
		return
	}

	st := c.state(rec)
	if !st.compiling.CompareAndSwap(false, true) {
		return
	}
	// 快照在创建任务时获取，请求之前的反馈一定可见
	job := compileJob{
		rec:      rec,
		tier:     tier,
		snap:     rec.Feedback.Snapshot(),
		expected: rec.Installation(),
	}
	if !c.pool.submit(job) {
		st.compiling.Store(false)
		c.log.Debug("compile queue full", zap.String("function", rec.Function.Name), zap.Stringer("tier", tier))
	}
}

// runJob 后台编译任务
func (c *Controller) runJob(job compileJob) {
	defer c.state(job.rec).compiling.Store(false)
	_ = c.optimize(job.rec.Context(), job.rec, job.tier, job.snap, job.expected)
}

// optimize 编译并安装优化代码
// expected 不为空时只在安装未变化的情况下安装（后台编译）
func (c *Controller) optimize(ctx context.Context, rec *codecache.FunctionRecord, tier codecache.Tier, snap feedback.Snapshot, expected *codecache.Installation) error {
	key := fmt.Sprintf("%d/%s/%d", rec.ID, tier, snap.Epoch)
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		return c.compiler.Compile(ctx, rec.Function, snap, tier)
	})
	if err != nil {
		c.compileFailed(rec, tier, err)
		return err
	}
	code := v.(*jit.Code)

	st := c.state(rec)
	st.mu.Lock()
	defer st.mu.Unlock()

	cur := rec.Installation()
	if cur.Code == codecache.Code(code) {
		return nil
	}
	if expected != nil {
		if _, ok, err := c.cache.InstallIf(rec, expected, code, tier); err != nil || !ok {
			c.stats.dropped.Inc()
			c.log.Debug("stale compile dropped",
				zap.String("function", rec.Function.Name),
				zap.Stringer("tier", tier),
				zap.Error(err))
			return err
		}
	} else {
		if cur.NeverOptimize || cur.Tier >= tier {
			return nil
		}
		if _, err := c.cache.Install(rec, code, tier); err != nil {
			c.stats.dropped.Inc()
			return err
		}
	}

	rec.TierCalls.Store(0)
	c.stats.promotions.Inc()
	c.traceOpt("optimized",
		zap.String("function", rec.Function.Name),
		zap.Stringer("tier", tier),
		zap.Int("guards", code.Guards().Len()),
		zap.Uint64("feedback_epoch", code.FeedbackEpoch()))
	return nil
}

// compileFailed 记录编译失败，层级保持不变
func (c *Controller) compileFailed(rec *codecache.FunctionRecord, tier codecache.Tier, err error) {
	if errors.Is(err, context.Canceled) {
		c.stats.dropped.Inc()
		return
	}

	var cerr *jit.CompileError
	if !errors.As(err, &cerr) {
		c.log.Error("compilation failed", zap.String("function", rec.Function.Name), zap.Stringer("tier", tier), zap.Error(err))
		return
	}

	st := c.state(rec)
	st.mu.Lock()
	st.failed[tier] = true
	st.mu.Unlock()

	c.stats.compileErrors.Inc()
	c.log.Warn("compile error",
		zap.String("function", rec.Function.Name),
		zap.Stringer("tier", tier),
		zap.Int("offset", cerr.Offset),
		zap.String("reason", cerr.Reason))
	if c.onCompileError != nil {
		c.onCompileError(cerr)
	}
}

func (c *Controller) traceOpt(msg string, fields ...zap.Field) {
	if c.cfg.Trace.Opt {
		c.log.Info(msg, fields...)
		return
	}
	c.log.Debug(msg, fields...)
}

func (c *Controller) traceDeopt(msg string, fields ...zap.Field) {
	if c.cfg.Trace.Deopt {
		c.log.Info(msg, fields...)
		return
	}
	c.log.Debug(msg, fields...)
}

// takePending 取出并清除显式升级请求
func (st *recordState) takePending() codecache.Tier {
	st.mu.Lock()
	defer st.mu.Unlock()
	t := st.pending
	st.pending = codecache.TierInterpreted
	return t
}

func (st *recordState) hasFailed(tier codecache.Tier) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failed[tier]
}
