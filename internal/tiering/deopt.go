package tiering

import (
	"go.uber.org/zap"

	"github.com/tangzhangming/tiering/internal/codecache"
	"github.com/tangzhangming/tiering/internal/deopt"
	"github.com/tangzhangming/tiering/internal/interp"
)

// deoptimized 处理优化代码的去优化，返回继续执行用的基线代码
//
// 只有被丢弃的代码仍是当前安装时才降级并计数；
// 同一份代码的其他活动帧随后去优化时不会重复计数。
func (c *Controller) deoptimized(rec *codecache.FunctionRecord, code codecache.Code, failure *deopt.GuardFailure) interp.Executable {
	st := c.state(rec)
	st.mu.Lock()
	defer st.mu.Unlock()

	baseline := c.baseline(rec, st)

	fields := []zap.Field{
		zap.String("function", rec.Function.Name),
		zap.Stringer("from", code.Tier()),
		zap.Stringer("reason", failure.Reason),
	}
	if failure.Frame != nil {
		fields = append(fields, zap.Int("offset", failure.Frame.Offset))
	}
	if failure.Guard != nil {
		fields = append(fields, zap.Stringer("guard", failure.Guard), zap.Stringer("observed", failure.Observed))
	}

	if rec.Installation().Code != code {
		c.traceDeopt("deopt of replaced code", fields...)
		return baseline
	}
	c.stats.deopts.Inc()
	c.demote(rec, st, baseline, fields)
	return baseline
}

// forceDeopt 在没有守卫失败的情况下丢弃优化代码
func (c *Controller) forceDeopt(rec *codecache.FunctionRecord, code codecache.Code, reason deopt.Reason) bool {
	st := c.state(rec)
	st.mu.Lock()
	defer st.mu.Unlock()

	if rec.Installation().Code != code || !code.Tier().IsOptimized() {
		return false
	}
	c.stats.deopts.Inc()
	c.demote(rec, st, c.baseline(rec, st), []zap.Field{
		zap.String("function", rec.Function.Name),
		zap.Stringer("from", code.Tier()),
		zap.Stringer("reason", reason),
	})
	return true
}

// demote 安装基线代码并累计去优化次数
// 调用方持有 st.mu
func (c *Controller) demote(rec *codecache.FunctionRecord, st *recordState, baseline interp.Executable, fields []zap.Field) {
	if _, err := c.cache.Install(rec, baseline, codecache.TierBaseline); err != nil {
		c.log.Debug("demotion skipped", append(fields, zap.Error(err))...)
		return
	}
	rec.TierCalls.Store(0)
	n := rec.DeoptCount.Inc()
	c.traceDeopt("deoptimized", append(fields, zap.Int32("deopt_count", n))...)

	if n >= c.cfg.Tiering.DeoptBudget {
		if _, err := c.cache.SetNeverOptimize(rec, baseline); err != nil {
			return
		}
		st.pending = codecache.TierInterpreted
		c.stats.neverOptimize.Inc()
		c.log.Info("never optimize",
			zap.String("function", rec.Function.Name),
			zap.Int32("deopt_count", n),
			zap.Error(ErrDeoptBudgetExceeded))
	}
}
