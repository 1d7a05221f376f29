// Package diag 格式化命令行诊断信息
//
// 汇编错误和编译错误都会带上源代码上下文输出：
//
//	error[asm]: unknown instruction "frob"
//	 --> main.tasm:3
//	  |
//	3 |     frob
//	  |     ^^^^
package diag

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/multierr"

	"github.com/tangzhangming/tiering/internal/asm"
	"github.com/tangzhangming/tiering/internal/jit"
)

// Level 诊断级别
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelNote
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelNote:
		return "note"
	default:
		return "unknown"
	}
}

// Diagnostic 一条诊断
type Diagnostic struct {
	Level   Level
	Code    string // 诊断来源，如 asm、jit
	Message string
	File    string
	Line    int      // 1-based，0 表示没有位置
	Hints   []string // 修复建议
}

// FromError 把错误展开成诊断
// 汇编器返回的组合错误按条展开
func FromError(err error) []Diagnostic {
	var out []Diagnostic
	for _, e := range multierr.Errors(err) {
		var aerr *asm.Error
		var cerr *jit.CompileError
		switch {
		case errors.As(e, &aerr):
			out = append(out, Diagnostic{
				Level:   LevelError,
				Code:    "asm",
				Message: aerr.Msg,
				File:    aerr.Path,
				Line:    aerr.Line,
			})
		case errors.As(e, &cerr):
			out = append(out, FromCompileError(cerr, ""))
		default:
			out = append(out, Diagnostic{Level: LevelError, Message: e.Error()})
		}
	}
	return out
}

// FromCompileError 编译错误不影响执行，作为警告报告
func FromCompileError(cerr *jit.CompileError, file string) Diagnostic {
	return Diagnostic{
		Level:   LevelWarning,
		Code:    "jit",
		Message: fmt.Sprintf("%s cannot be compiled for the %s tier: %s", cerr.Function.Name, cerr.Tier, cerr.Reason),
		File:    file,
		Line:    cerr.Line,
		Hints:   []string{"the function keeps running in the baseline tier"},
	}
}

// ============================================================================
// 颜色
// ============================================================================

// Color 终端颜色
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorYellow
	ColorBlue
	ColorCyan
	ColorBoldRed
	ColorBoldYellow
)

var ansiCodes = map[Color]string{
	ColorReset:      "\033[0m",
	ColorRed:        "\033[31m",
	ColorYellow:     "\033[33m",
	ColorBlue:       "\033[34m",
	ColorCyan:       "\033[36m",
	ColorBoldRed:    "\033[1;31m",
	ColorBoldYellow: "\033[1;33m",
}

// ColorSupported 输出是否支持颜色
func ColorSupported(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Strip 移除 ANSI 颜色代码
func Strip(s string) string {
	for _, code := range ansiCodes {
		s = strings.ReplaceAll(s, code, "")
	}
	return s
}

// ============================================================================
// 格式化器
// ============================================================================

// Formatter 诊断格式化器
type Formatter struct {
	Colors     bool // 是否使用颜色
	ShowSource bool // 是否显示源代码
	TabWidth   int
}

// NewFormatter 创建格式化器，颜色按输出终端决定
func NewFormatter(out *os.File) *Formatter {
	return &Formatter{
		Colors:     ColorSupported(out),
		ShowSource: true,
		TabWidth:   4,
	}
}

// Format 格式化一条诊断
// lines 为诊断所在文件的源代码行，可以为空
func (f *Formatter) Format(d Diagnostic, lines []string) string {
	var sb strings.Builder

	head := d.Level.String()
	if d.Code != "" {
		head += "[" + d.Code + "]"
	}
	sb.WriteString(f.colorize(head, f.levelColor(d.Level)))
	sb.WriteString(": ")
	sb.WriteString(d.Message)
	sb.WriteString("\n")

	if d.File != "" {
		loc := d.File
		if d.Line > 0 {
			loc = fmt.Sprintf("%s:%d", d.File, d.Line)
		}
		sb.WriteString(fmt.Sprintf(" %s %s\n", f.colorize("-->", ColorCyan), loc))
	}

	if f.ShowSource && d.Line > 0 && d.Line <= len(lines) {
		sb.WriteString(f.formatSourceLine(lines[d.Line-1], d.Line, d.Level))
	}

	for _, hint := range d.Hints {
		sb.WriteString(fmt.Sprintf("%s %s\n", f.colorize(" = help:", ColorCyan), hint))
	}
	return sb.String()
}

// formatSourceLine 输出源代码行，并在去掉缩进后的文本下划线
func (f *Formatter) formatSourceLine(line string, lineNum int, level Level) string {
	var sb strings.Builder
	width := len(fmt.Sprintf("%d", lineNum))
	pipe := f.colorize(strings.Repeat(" ", width)+" |", ColorBlue)

	text := f.expandTabs(line)
	sb.WriteString(pipe + "\n")
	sb.WriteString(fmt.Sprintf("%s %s\n", f.colorize(fmt.Sprintf("%*d |", width, lineNum), ColorBlue), text))

	trimmed := strings.TrimLeft(text, " ")
	if body := strings.TrimRight(trimmed, " "); body != "" {
		indent := len(text) - len(trimmed)
		mark := f.colorize(strings.Repeat("^", len(body)), f.levelColor(level))
		sb.WriteString(fmt.Sprintf("%s %s%s\n", pipe, strings.Repeat(" ", indent), mark))
	}
	return sb.String()
}

func (f *Formatter) expandTabs(s string) string {
	return strings.ReplaceAll(s, "\t", strings.Repeat(" ", f.TabWidth))
}

func (f *Formatter) levelColor(level Level) Color {
	switch level {
	case LevelError:
		return ColorBoldRed
	case LevelWarning:
		return ColorBoldYellow
	default:
		return ColorCyan
	}
}

func (f *Formatter) colorize(s string, color Color) string {
	if !f.Colors {
		return s
	}
	return ansiCodes[color] + s + ansiCodes[ColorReset]
}

// ============================================================================
// 报告器
// ============================================================================

// Reporter 收集源代码并输出诊断，可在多个编译线程中使用
type Reporter struct {
	mu      sync.Mutex
	out     io.Writer
	format  *Formatter
	sources map[string][]string

	errors   int
	warnings int
}

// NewReporter 创建报告器
func NewReporter(out io.Writer, format *Formatter) *Reporter {
	return &Reporter{out: out, format: format, sources: make(map[string][]string)}
}

// SetSource 登记文件内容
func (r *Reporter) SetSource(file, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[file] = strings.Split(content, "\n")
}

// Report 输出一条诊断
func (r *Reporter) Report(d Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch d.Level {
	case LevelError:
		r.errors++
	case LevelWarning:
		r.warnings++
	}
	fmt.Fprint(r.out, r.format.Format(d, r.sources[d.File]))
}

// ReportError 展开错误并逐条输出
func (r *Reporter) ReportError(err error) {
	for _, d := range FromError(err) {
		r.Report(d)
	}
}

// ErrorCount 已报告的错误数
func (r *Reporter) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors
}

// WarningCount 已报告的警告数
func (r *Reporter) WarningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.warnings
}
