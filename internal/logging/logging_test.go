package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNew_Levels(t *testing.T) {
	t.Setenv(DebugEnv, "")

	var buf bytes.Buffer
	log, closeFn, err := New(Options{Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("hidden")
	log.Info("shown", zap.String("function", "add"))
	closeFn()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug output should be off by default")
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "add") {
		t.Errorf("unexpected output %q", out)
	}

	buf.Reset()
	t.Setenv(DebugEnv, "1")
	log, closeFn, _ = New(Options{Output: &buf})
	log.Debug("visible")
	closeFn()
	if !strings.Contains(buf.String(), "visible") {
		t.Error("TIER_DEBUG should enable debug output")
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tier.log")
	var buf bytes.Buffer
	log, closeFn, err := New(Options{Output: &buf, Path: path, JSON: true})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("deoptimized", zap.Int32("deopt_count", 1))
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"deopt_count":1`) {
		t.Errorf("expected JSON log line, got %q", data)
	}
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("console output should be JSON too, got %q", buf.String())
	}

	if _, _, err := New(Options{Path: filepath.Join(t.TempDir(), "missing", "x.log")}); err == nil {
		t.Error("expected error for unwritable log path")
	}
}
