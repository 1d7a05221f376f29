package tiering

import (
	"github.com/tangzhangming/tiering/internal/jit"
)

// FunctionStats 单个函数的统计
type FunctionStats struct {
	Name           string         `json:"name"`
	Tier           string         `json:"tier"`
	NeverOptimize  bool           `json:"neverOptimize"`
	CallCount      int64          `json:"callCount"`
	InterpretCount int64          `json:"interpretCount"`
	DeoptCount     int32          `json:"deoptCount"`
	Guards         int            `json:"guards"`
	Feedback       map[string]int `json:"feedback"`
}

// Stats 控制器统计
type Stats struct {
	Functions       []FunctionStats   `json:"functions"`
	Promotions      int64             `json:"promotions"`
	Deopts          int64             `json:"deopts"`
	CompileErrors   int64             `json:"compileErrors"`
	DroppedCompiles int64             `json:"droppedCompiles"`
	NeverOptimized  int64             `json:"neverOptimized"`
	Compiler        jit.CompilerStats `json:"compiler"`
}

// Stats 返回统计快照
func (c *Controller) Stats() Stats {
	s := Stats{
		Promotions:      c.stats.promotions.Load(),
		Deopts:          c.stats.deopts.Load(),
		CompileErrors:   c.stats.compileErrors.Load(),
		DroppedCompiles: c.stats.dropped.Load(),
		NeverOptimized:  c.stats.neverOptimize.Load(),
		Compiler:        c.compiler.Stats(),
	}
	for _, rec := range c.cache.Records() {
		inst := rec.Installation()
		fs := FunctionStats{
			Name:           rec.Function.Name,
			Tier:           inst.Tier.String(),
			NeverOptimize:  inst.NeverOptimize,
			CallCount:      rec.CallCount.Load(),
			InterpretCount: rec.InterpretCount.Load(),
			DeoptCount:     rec.DeoptCount.Load(),
			Feedback:       make(map[string]int),
		}
		if code, ok := inst.Code.(*jit.Code); ok {
			fs.Guards = code.Guards().Len()
		}
		for state, n := range rec.Feedback.Snapshot().Counts() {
			fs.Feedback[state.String()] = n
		}
		s.Functions = append(s.Functions, fs)
	}
	return s
}
