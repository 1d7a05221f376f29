package codecache

import (
	"context"
	"errors"
	"sort"
	"sync"

	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/feedback"
)

var (
	// ErrUnloaded 函数已卸载
	ErrUnloaded = errors.New("function unloaded")
	// ErrNeverOptimize 函数已被永久禁止优化
	ErrNeverOptimize = errors.New("function is marked never-optimize")
)

// Code 可安装的代码
type Code interface {
	Tier() Tier
	Function() *bytecode.Function
}

// Installation 一次安装的结果，不可修改
type Installation struct {
	Code          Code
	Tier          Tier
	NeverOptimize bool
	Version       uint64
}

// FunctionRecord 函数记录
type FunctionRecord struct {
	ID       int
	Function *bytecode.Function
	Feedback *feedback.Vector

	CallCount      uatomic.Int64 // 调用次数
	InterpretCount uatomic.Int64 // 解释执行次数
	TierCalls      uatomic.Int64 // 上次层级变化以来的调用次数
	DeoptCount     uatomic.Int32 // 去优化次数

	installed uatomic.Pointer[Installation]

	ctx    context.Context
	cancel context.CancelFunc
}

// Installation 返回当前安装
func (r *FunctionRecord) Installation() *Installation {
	return r.installed.Load()
}

// Tier 返回当前层级
func (r *FunctionRecord) Tier() Tier {
	return r.installed.Load().Tier
}

// NeverOptimize 是否已被永久禁止优化
func (r *FunctionRecord) NeverOptimize() bool {
	return r.installed.Load().NeverOptimize
}

// Context 返回记录的生命周期上下文，卸载时取消
func (r *FunctionRecord) Context() context.Context {
	return r.ctx
}

// Unloaded 是否已卸载
func (r *FunctionRecord) Unloaded() bool {
	return r.ctx.Err() != nil
}

// Cache 代码缓存
type Cache struct {
	mu      sync.RWMutex
	records map[*bytecode.Function]*FunctionRecord
	nextID  int
	bound   int

	version uatomic.Uint64
}

// New 创建代码缓存
// polymorphicBound 是新建反馈向量的多态上限
func New(polymorphicBound int) *Cache {
	return &Cache{
		records: make(map[*bytecode.Function]*FunctionRecord),
		bound:   polymorphicBound,
	}
}

// Record 返回函数记录，首次引用时创建
// 新记录处于解释执行层级，尚未安装代码
func (c *Cache) Record(fn *bytecode.Function) *FunctionRecord {
	c.mu.RLock()
	rec, ok := c.records[fn]
	c.mu.RUnlock()
	if ok {
		return rec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[fn]; ok {
		return rec
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec = &FunctionRecord{
		ID:       c.nextID,
		Function: fn,
		Feedback: feedback.NewVector(fn.SlotCount, c.bound),
		ctx:      ctx,
		cancel:   cancel,
	}
	rec.installed.Store(&Installation{Tier: TierInterpreted, Version: c.version.Inc()})
	c.nextID++
	c.records[fn] = rec
	return rec
}

// Get 查找已存在的记录
func (c *Cache) Get(fn *bytecode.Function) (*FunctionRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[fn]
	return rec, ok
}

// Lookup 返回当前安装的代码
func (c *Cache) Lookup(rec *FunctionRecord) Code {
	return rec.installed.Load().Code
}

// Install 安装代码
// 已禁止优化的记录不能安装优化层级的代码
func (c *Cache) Install(rec *FunctionRecord, code Code, tier Tier) (*Installation, error) {
	next, _, err := c.swap(rec, nil, code, tier, false)
	return next, err
}

// InstallIf 仅当当前安装仍是 expected 时安装
// 后台编译用它丢弃过期的结果
func (c *Cache) InstallIf(rec *FunctionRecord, expected *Installation, code Code, tier Tier) (*Installation, bool, error) {
	return c.swap(rec, expected, code, tier, false)
}

// SetNeverOptimize 安装基线代码并永久禁止优化
func (c *Cache) SetNeverOptimize(rec *FunctionRecord, baseline Code) (*Installation, error) {
	if baseline.Tier().IsOptimized() {
		return nil, ErrNeverOptimize
	}
	next, _, err := c.swap(rec, nil, baseline, baseline.Tier(), true)
	return next, err
}

// swap 是安装状态唯一的修改点
// expected 为空时在并发替换下重试；否则只与 expected 比较一次
func (c *Cache) swap(rec *FunctionRecord, expected *Installation, code Code, tier Tier, never bool) (*Installation, bool, error) {
	for {
		old := expected
		if old == nil {
			old = rec.installed.Load()
		}
		if rec.Unloaded() {
			return nil, false, ErrUnloaded
		}
		if old.NeverOptimize && tier.IsOptimized() {
			return nil, false, ErrNeverOptimize
		}
		next := &Installation{
			Code:          code,
			Tier:          tier,
			NeverOptimize: old.NeverOptimize || never,
			Version:       c.version.Inc(),
		}
		if rec.installed.CompareAndSwap(old, next) {
			return next, true, nil
		}
		if expected != nil {
			return nil, false, nil
		}
	}
}

// Remove 卸载函数，取消进行中的编译
func (c *Cache) Remove(fn *bytecode.Function) bool {
	c.mu.Lock()
	rec, ok := c.records[fn]
	delete(c.records, fn)
	c.mu.Unlock()

	if ok {
		rec.cancel()
	}
	return ok
}

// Records 按 ID 顺序返回全部记录
func (c *Cache) Records() []*FunctionRecord {
	c.mu.RLock()
	out := make([]*FunctionRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len 记录数量
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
