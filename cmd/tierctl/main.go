package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmentio/encoding/json"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/tiering/internal/asm"
	"github.com/tangzhangming/tiering/internal/bytecode"
	"github.com/tangzhangming/tiering/internal/config"
	"github.com/tangzhangming/tiering/internal/diag"
	"github.com/tangzhangming/tiering/internal/jit"
	"github.com/tangzhangming/tiering/internal/logging"
	"github.com/tangzhangming/tiering/internal/tiering"
)

const (
	Version = "0.1.0"
)

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	command := args[0]

	switch command {
	case "run":
		cmdRun(args[1:])
	case "disasm":
		cmdDisasm(args[1:])
	case "init":
		cmdInit(args[1:])
	case "version", "-v", "--version":
		fmt.Printf("tierctl v%s\n", Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		// 直接运行文件
		if !isFlag(command) {
			cmdRun(args)
		} else {
			fmt.Fprintf(os.Stderr, "未知命令: %s\n\n", command)
			printUsage()
			os.Exit(1)
		}
	}
}

func isFlag(s string) bool {
	return len(s) > 0 && s[0] == '-'
}

func printUsage() {
	fmt.Printf("tierctl v%s - 分层编译控制器\n\n", Version)
	fmt.Println("用法:")
	fmt.Println("  tierctl <command> [options] [arguments]")
	fmt.Println()
	fmt.Println("命令:")
	fmt.Println("  run <file>      运行 .tasm 脚本")
	fmt.Println("  disasm <file>   反汇编 .tasm 脚本")
	fmt.Println("  init            在当前目录生成 " + config.ConfigFileName)
	fmt.Println("  version         显示版本信息")
	fmt.Println("  help            显示帮助信息")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  tierctl run -trace-deopt main.tasm")
	fmt.Println("  tierctl run -max-interpret-count 0 -deopt-budget 1 main.tasm")
}

// cmdRun 运行脚本
func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件路径（默认向上查找 "+config.ConfigFileName+"）")
	entry := fs.String("entry", "main", "入口函数")
	interpretCount := fs.Int64("max-interpret-count", 0, "解释执行多少次后升级到基线层")
	midCalls := fs.Int64("mid-tier-calls", 0, "升级到中间层的调用次数")
	topCalls := fs.Int64("top-tier-calls", 0, "升级到顶层的调用次数")
	deoptBudget := fs.Int("deopt-budget", 0, "去优化预算")
	traceOpt := fs.Bool("trace-opt", false, "跟踪优化")
	traceDeopt := fs.Bool("trace-deopt", false, "跟踪去优化")
	sync := fs.Bool("sync", false, "同步编译")
	statsJSON := fs.Bool("stats-json", false, "结束时以 JSON 输出统计")
	logFile := fs.String("log", "", "日志文件路径")
	debug := fs.Bool("debug", false, "输出调试日志")

	fs.Usage = func() {
		fmt.Println("用法: tierctl run [options] <file>")
		fmt.Println()
		fmt.Println("选项:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}
	file := fs.Arg(0)

	cfg, err := loadConfig(*configPath, file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// 只有显式设置的参数覆盖配置文件
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-interpret-count":
			cfg.Tiering.InterpretCount = *interpretCount
		case "mid-tier-calls":
			cfg.Tiering.MidTierCalls = *midCalls
		case "top-tier-calls":
			cfg.Tiering.TopTierCalls = *topCalls
		case "deopt-budget":
			cfg.Tiering.DeoptBudget = int32(*deoptBudget)
		case "trace-opt":
			cfg.Trace.Opt = *traceOpt
		case "trace-deopt":
			cfg.Trace.Deopt = *traceDeopt
		case "sync":
			cfg.Compiler.Async = !*sync
		}
	})
	if err := cfg.Validate(); err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", e)
		}
		os.Exit(1)
	}

	log, closeLog, err := logging.New(logging.Options{Path: *logFile, Debug: *debug})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	code := run(cfg, log, file, *entry, *statsJSON)
	if err := closeLog(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	os.Exit(code)
}

func run(cfg *config.Config, log *zap.Logger, file, entry string, statsJSON bool) int {
	reporter := diag.NewReporter(os.Stderr, diag.NewFormatter(os.Stderr))
	prog, ok := assemble(reporter, file)
	if !ok {
		return 1
	}
	fn, ok := prog.Lookup(entry)
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: 未定义入口函数 %s\n", file, entry)
		return 1
	}

	ctrl := tiering.New(tiering.Options{
		Config: cfg,
		Logger: log,
		OnCompileError: func(cerr *jit.CompileError) {
			reporter.Report(diag.FromCompileError(cerr, file))
		},
	})
	_, callErr := ctrl.Call(fn)
	ctrl.WaitIdle()
	if err := ctrl.Close(); err != nil {
		log.Warn("close controller", zap.Error(err))
	}

	if statsJSON {
		data, err := json.MarshalIndent(ctrl.Stats(), "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Println(string(data))
	}

	if callErr != nil {
		fmt.Fprintf(os.Stderr, "运行错误: %v\n", callErr)
		return 1
	}
	return 0
}

// loadConfig 加载配置文件，未指定时从脚本所在目录向上查找
func loadConfig(path, file string) (*config.Config, error) {
	if path == "" {
		abs, err := filepath.Abs(file)
		if err == nil {
			path = config.FindConfigFile(abs)
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// cmdDisasm 输出每个函数的字节码
func cmdDisasm(args []string) {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("用法: tierctl disasm <file>")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	reporter := diag.NewReporter(os.Stderr, diag.NewFormatter(os.Stderr))
	prog, ok := assemble(reporter, fs.Arg(0))
	if !ok {
		os.Exit(1)
	}
	for _, fn := range prog.Functions {
		fmt.Print(fn.Chunk.Disassemble(fn.Name))
		fmt.Println()
	}
}

// assemble 汇编脚本，失败时带源代码上下文报告所有错误
func assemble(reporter *diag.Reporter, file string) (*bytecode.Program, bool) {
	src, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return nil, false
	}
	reporter.SetSource(file, string(src))
	prog, err := asm.Assemble(file, string(src))
	if err != nil {
		reporter.ReportError(err)
		fmt.Fprintf(os.Stderr, "%d 个错误\n", reporter.ErrorCount())
		return nil, false
	}
	return prog, true
}
