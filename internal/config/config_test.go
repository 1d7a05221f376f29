package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/multierr"
)

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	cfg := Default()
	cfg.Tiering.InterpretCount = 7
	cfg.Tiering.DeoptBudget = 5
	cfg.Compiler.Async = false
	cfg.Trace.Deopt = true
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "# 去优化预算") {
		t.Error("saved config should carry comments")
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if *loaded != *cfg {
		t.Errorf("round trip mismatch:\nsaved  %+v\nloaded %+v", cfg, loaded)
	}
}

// 文件中缺失的字段保留默认值
func TestLoadConfig_Partial(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	os.WriteFile(path, []byte("[tiering]\nmid_tier_calls = 9\n"), 0644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.Tiering.MidTierCalls != 9 {
		t.Errorf("expected 9, got %d", cfg.Tiering.MidTierCalls)
	}
	if cfg.Tiering.TopTierCalls != def.Tiering.TopTierCalls || cfg.Compiler != def.Compiler {
		t.Error("missing fields should keep their defaults")
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.toml")
	os.WriteFile(bad, []byte("[tiering\n"), 0644)
	if _, err := LoadConfig(bad); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("expected parse error, got %v", err)
	}

	invalid := filepath.Join(dir, "invalid.toml")
	os.WriteFile(invalid, []byte("[tiering]\ndeopt_budget = 0\n"), 0644)
	if _, err := LoadConfig(invalid); err == nil || !strings.Contains(err.Error(), "deopt_budget") {
		t.Errorf("expected validation error, got %v", err)
	}
}

// 校验一次报告所有问题
func TestValidate_AllErrors(t *testing.T) {
	cfg := Default()
	cfg.Tiering.InterpretCount = -1
	cfg.Tiering.DeoptBudget = 0
	cfg.Feedback.PolymorphicBound = 0
	cfg.Compiler.Workers = 0

	errs := multierr.Errors(cfg.Validate())
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}

	// 同步模式不检查线程池参数
	cfg = Default()
	cfg.Compiler.Async = false
	cfg.Compiler.Workers = 0
	cfg.Compiler.QueueSize = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFindConfigFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(nested, "main.tasm")
	os.WriteFile(script, []byte(""), 0644)

	if got := FindConfigFile(script); got != "" && strings.HasPrefix(got, root) {
		t.Errorf("expected no config under %s, got %s", root, got)
	}

	want := filepath.Join(root, "a", ConfigFileName)
	if err := Default().Save(want); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(script); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if got := FindConfigFile(nested); got != want {
		t.Errorf("expected %s from directory, got %s", want, got)
	}
	if got := FindConfigFile(filepath.Join(root, "nope")); got != "" {
		t.Errorf("expected empty for missing path, got %s", got)
	}
}

func TestMarshal(t *testing.T) {
	data, err := Default().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"interpret_count", "polymorphic_bound", "queue_size"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected %s in %s", key, data)
		}
	}
}
