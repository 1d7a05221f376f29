// Package config 实现分层编译的配置
//
// 所有阈值都是可调参数，没有固定的"正确"值。配置从 tier.toml 读取，
// 命令行参数可以覆盖文件中的值。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// 常量定义
const (
	ConfigFileName = "tier.toml" // 配置文件名
)

// Config 分层编译配置
type Config struct {
	Tiering  TieringConfig  `toml:"tiering"`
	Feedback FeedbackConfig `toml:"feedback"`
	Compiler CompilerConfig `toml:"compiler"`
	Trace    TraceConfig    `toml:"trace"`
}

// TieringConfig 升降级阈值
type TieringConfig struct {
	// InterpretCount 解释执行多少次后升级到基线层
	InterpretCount int64 `toml:"interpret_count"`

	// MidTierCalls 基线层调用多少次后升级到中间层，0 表示只响应显式请求
	MidTierCalls int64 `toml:"mid_tier_calls"`

	// TopTierCalls 中间层调用多少次后升级到顶层，0 表示只响应显式请求
	TopTierCalls int64 `toml:"top_tier_calls"`

	// DeoptBudget 去优化次数达到该值后永久禁止优化
	DeoptBudget int32 `toml:"deopt_budget"`
}

// FeedbackConfig 反馈配置
type FeedbackConfig struct {
	// PolymorphicBound 多态形状集合上限，超过后变为超多态
	PolymorphicBound int `toml:"polymorphic_bound"`
}

// CompilerConfig 编译配置
type CompilerConfig struct {
	// PolymorphicGuardLimit 顶层为多态槽生成集合守卫的最大形状数
	PolymorphicGuardLimit int `toml:"polymorphic_guard_limit"`

	// Async 阈值触发的编译是否在后台进行
	Async bool `toml:"async"`

	// Workers 后台编译线程数
	Workers int `toml:"workers"`

	// QueueSize 后台编译队列长度
	QueueSize int `toml:"queue_size"`
}

// TraceConfig 跟踪输出
type TraceConfig struct {
	Opt   bool `toml:"opt"`   // 记录优化事件
	Deopt bool `toml:"deopt"` // 记录去优化事件
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Tiering: TieringConfig{
			InterpretCount: 2,
			MidTierCalls:   50,
			TopTierCalls:   200,
			DeoptBudget:    3,
		},
		Feedback: FeedbackConfig{
			PolymorphicBound: 4,
		},
		Compiler: CompilerConfig{
			PolymorphicGuardLimit: 4,
			Async:                 true,
			Workers:               2,
			QueueSize:             64,
		},
	}
}

// LoadConfig 从文件加载配置，未出现的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return config, nil
}

// Validate 检查配置，返回全部错误
func (c *Config) Validate() error {
	var err error
	if c.Tiering.InterpretCount < 0 {
		err = multierr.Append(err, fmt.Errorf("tiering.interpret_count must be >= 0, got %d", c.Tiering.InterpretCount))
	}
	if c.Tiering.MidTierCalls < 0 {
		err = multierr.Append(err, fmt.Errorf("tiering.mid_tier_calls must be >= 0, got %d", c.Tiering.MidTierCalls))
	}
	if c.Tiering.TopTierCalls < 0 {
		err = multierr.Append(err, fmt.Errorf("tiering.top_tier_calls must be >= 0, got %d", c.Tiering.TopTierCalls))
	}
	if c.Tiering.DeoptBudget < 1 {
		err = multierr.Append(err, fmt.Errorf("tiering.deopt_budget must be >= 1, got %d", c.Tiering.DeoptBudget))
	}
	if c.Feedback.PolymorphicBound < 1 {
		err = multierr.Append(err, fmt.Errorf("feedback.polymorphic_bound must be >= 1, got %d", c.Feedback.PolymorphicBound))
	}
	if c.Compiler.PolymorphicGuardLimit < 1 {
		err = multierr.Append(err, fmt.Errorf("compiler.polymorphic_guard_limit must be >= 1, got %d", c.Compiler.PolymorphicGuardLimit))
	}
	if c.Compiler.Async {
		if c.Compiler.Workers < 1 {
			err = multierr.Append(err, fmt.Errorf("compiler.workers must be >= 1 when async, got %d", c.Compiler.Workers))
		}
		if c.Compiler.QueueSize < 1 {
			err = multierr.Append(err, fmt.Errorf("compiler.queue_size must be >= 1 when async, got %d", c.Compiler.QueueSize))
		}
	}
	return err
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	content := generateConfigWithComments(c)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Marshal 返回 TOML 编码（不带注释）
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// generateConfigWithComments 生成带注释的配置文件内容
func generateConfigWithComments(c *Config) string {
	var sb strings.Builder

	sb.WriteString("[tiering]\n")
	sb.WriteString("# 解释执行多少次后升级到基线层\n")
	sb.WriteString(fmt.Sprintf("interpret_count = %d\n", c.Tiering.InterpretCount))
	sb.WriteString("# 调用次数阈值，0 表示只响应显式优化请求\n")
	sb.WriteString(fmt.Sprintf("mid_tier_calls = %d\n", c.Tiering.MidTierCalls))
	sb.WriteString(fmt.Sprintf("top_tier_calls = %d\n", c.Tiering.TopTierCalls))
	sb.WriteString("# 去优化预算，用完后永久禁止优化\n")
	sb.WriteString(fmt.Sprintf("deopt_budget = %d\n\n", c.Tiering.DeoptBudget))

	sb.WriteString("[feedback]\n")
	sb.WriteString(fmt.Sprintf("polymorphic_bound = %d\n\n", c.Feedback.PolymorphicBound))

	sb.WriteString("[compiler]\n")
	sb.WriteString(fmt.Sprintf("polymorphic_guard_limit = %d\n", c.Compiler.PolymorphicGuardLimit))
	sb.WriteString("# 阈值触发的编译在后台进行\n")
	sb.WriteString(fmt.Sprintf("async = %t\n", c.Compiler.Async))
	sb.WriteString(fmt.Sprintf("workers = %d\n", c.Compiler.Workers))
	sb.WriteString(fmt.Sprintf("queue_size = %d\n\n", c.Compiler.QueueSize))

	sb.WriteString("[trace]\n")
	sb.WriteString(fmt.Sprintf("opt = %t\n", c.Trace.Opt))
	sb.WriteString(fmt.Sprintf("deopt = %t\n", c.Trace.Deopt))

	return sb.String()
}

// FindConfigFile 从指定路径向上查找配置文件
// 返回配置文件的完整路径，如果找不到则返回空字符串
func FindConfigFile(startPath string) string {
	info, err := os.Stat(startPath)
	if err != nil {
		return ""
	}

	var dir string
	if info.IsDir() {
		dir = startPath
	} else {
		dir = filepath.Dir(startPath)
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
