// Package codecache 维护每个函数当前安装的代码
//
// 每个可编译单元对应一个 FunctionRecord。安装是唯一的修改操作，
// 通过一次原子指针交换同时替换代码和层级，执行线程读取时不需要加锁。
package codecache

import "fmt"

// Tier 执行层级
type Tier uint8

const (
	TierInterpreted Tier = iota // 解释执行
	TierBaseline                // 基线代码（不做推测）
	TierMid                     // 中间层（推测优化）
	TierTop                     // 顶层（激进优化）
)

var tierNames = [...]string{
	TierInterpreted: "interpreted",
	TierBaseline:    "baseline",
	TierMid:         "mid",
	TierTop:         "top",
}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("tier(%d)", t)
}

// IsOptimized 是否是推测优化层级
func (t Tier) IsOptimized() bool {
	return t == TierMid || t == TierTop
}

// ParseTier 解析层级名
func ParseTier(name string) (Tier, error) {
	for i, n := range tierNames {
		if n == name {
			return Tier(i), nil
		}
	}
	switch name {
	case "midtier", "maglev":
		return TierMid, nil
	case "toptier", "turbofan", "opt":
		return TierTop, nil
	}
	return 0, fmt.Errorf("unknown tier %q", name)
}
