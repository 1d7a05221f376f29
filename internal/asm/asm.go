// Package asm 实现 .tasm 汇编器
//
// 源码按行组织，# 或 ; 开始注释：
//
//	func add(a, b) {
//	    load a
//	    load b
//	    add
//	    ret
//	}
//
//	gen count(n) locals i {
//	    push 0
//	    store i
//	top:
//	    load i
//	    load n
//	    lt
//	    jf end
//	    load i
//	    yield
//	    pop
//	    load i
//	    push 1
//	    add
//	    store i
//	    jmp top
//	end:
//	    undefined
//	    ret
//	}
//
// 带反馈的指令自动分配反馈槽；向后跳转的 jmp 编码为 LOOP。
package asm

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/tangzhangming/tiering/internal/bytecode"
)

// Error 汇编错误
type Error struct {
	Path string
	Line int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

var headerRe = regexp.MustCompile(`^(func|gen)\s+([A-Za-z_]\w*)\s*\(([^)]*)\)\s*(?:locals\s+([\w\s,]*?))?\s*\{$`)

var identRe = regexp.MustCompile(`^[A-Za-z_]\w*$`)

type srcLine struct {
	no   int
	text string
}

type funcDecl struct {
	fn     *bytecode.Function
	line   int
	locals map[string]int
	body   []srcLine
}

type assembler struct {
	path  string
	prog  *bytecode.Program
	decls []*funcDecl
	byNm  map[string]*funcDecl
	errs  error
}

// AssembleFile 汇编文件
func AssembleFile(path string) (*bytecode.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Assemble(path, string(data))
}

// Assemble 汇编源码
// 所有错误一起返回；成功时每个函数都已通过字节码验证
func Assemble(path, src string) (*bytecode.Program, error) {
	a := &assembler{
		path: path,
		prog: bytecode.NewProgram(src),
		byNm: make(map[string]*funcDecl),
	}
	a.declare(src)
	if a.errs != nil {
		return nil, a.errs
	}
	for _, d := range a.decls {
		a.assemble(d)
	}
	if a.errs != nil {
		return nil, a.errs
	}
	return a.prog, nil
}

func (a *assembler) errorf(line int, format string, args ...interface{}) {
	a.errs = multierr.Append(a.errs, &Error{Path: a.path, Line: line, Msg: fmt.Sprintf(format, args...)})
}

// declare 第一遍：收集函数声明和函数体
func (a *assembler) declare(src string) {
	var cur *funcDecl
	for i, raw := range strings.Split(src, "\n") {
		no := i + 1
		text := stripComment(raw)
		if text == "" {
			continue
		}

		if cur == nil {
			m := headerRe.FindStringSubmatch(text)
			if m == nil {
				a.errorf(no, "expected function declaration, got %q", text)
				continue
			}
			cur = a.declareFunc(no, m)
			continue
		}

		if text == "}" {
			cur = nil
			continue
		}
		cur.body = append(cur.body, srcLine{no: no, text: text})
	}
	if cur != nil {
		a.errorf(cur.line, "function %s is not closed", cur.fn.Name)
	}
}

func (a *assembler) declareFunc(no int, m []string) *funcDecl {
	fn := bytecode.NewFunction(m[2])
	fn.IsGenerator = m[1] == "gen"
	fn.Line = no
	d := &funcDecl{fn: fn, line: no, locals: make(map[string]int)}

	params := splitNames(m[3])
	locals := splitNames(m[4])
	for _, name := range append(params, locals...) {
		if !identRe.MatchString(name) {
			a.errorf(no, "invalid local name %q", name)
			continue
		}
		if _, dup := d.locals[name]; dup {
			a.errorf(no, "duplicate local %q", name)
			continue
		}
		d.locals[name] = len(d.locals)
	}
	fn.Arity = len(params)
	fn.LocalCount = len(d.locals)

	if _, dup := a.byNm[fn.Name]; dup {
		a.errorf(no, "duplicate function %s", fn.Name)
	}
	a.byNm[fn.Name] = d
	a.decls = append(a.decls, d)
	a.prog.Add(fn)
	return d
}

// ============================================================================
// 函数体
// ============================================================================

type fixup struct {
	pos   int // 操作数位置
	label string
	line  int
}

type funcAsm struct {
	a      *assembler
	d      *funcDecl
	chunk  *bytecode.Chunk
	labels map[string]int
	fixups []fixup
	slots  int
	line   int
}

func (a *assembler) assemble(d *funcDecl) {
	f := &funcAsm{a: a, d: d, chunk: d.fn.Chunk, labels: make(map[string]int)}
	before := len(multierr.Errors(a.errs))

	for _, l := range d.body {
		f.line = l.no
		f.instruction(l.text)
	}
	for _, fx := range f.fixups {
		target, ok := f.labels[fx.label]
		if !ok {
			a.errorf(fx.line, "undefined label %s", fx.label)
			continue
		}
		if err := f.chunk.PatchJumpTo(fx.pos, target); err != nil {
			a.errorf(fx.line, "jump to %s: %v", fx.label, err)
		}
	}
	d.fn.SlotCount = f.slots

	if len(multierr.Errors(a.errs)) > before {
		return
	}
	if _, err := bytecode.Verify(d.fn); err != nil {
		a.errorf(d.line, "%v", err)
	}
}

func (f *funcAsm) errorf(format string, args ...interface{}) {
	f.a.errorf(f.line, format, args...)
}

func (f *funcAsm) op(op bytecode.OpCode) {
	f.chunk.WriteOp(op, f.line)
}

func (f *funcAsm) u16(v int) {
	if v < 0 || v > math.MaxUint16 {
		f.errorf("operand %d out of range", v)
		v = 0
	}
	f.chunk.WriteU16(uint16(v), f.line)
}

func (f *funcAsm) slot() {
	f.u16(f.slots)
	f.slots++
}

var simpleOps = map[string]bytecode.OpCode{
	"undefined": bytecode.OpUndefined,
	"true":      bytecode.OpTrue,
	"false":     bytecode.OpFalse,
	"hole":      bytecode.OpHole,
	"pop":       bytecode.OpPop,
	"dup":       bytecode.OpDup,
	"not":       bytecode.OpNot,
	"newobj":    bytecode.OpNewObject,
	"aset":      bytecode.OpArraySet,
	"alen":      bytecode.OpArrayLen,
	"ret":       bytecode.OpReturn,
	"next":      bytecode.OpGenNext,
	"done":      bytecode.OpGenDone,
	"print":     bytecode.OpPrint,
	"debugger":  bytecode.OpDebugger,
}

var slotOps = map[string]bytecode.OpCode{
	"add":  bytecode.OpAdd,
	"sub":  bytecode.OpSub,
	"mul":  bytecode.OpMul,
	"div":  bytecode.OpDiv,
	"lt":   bytecode.OpLt,
	"le":   bytecode.OpLe,
	"eq":   bytecode.OpEq,
	"aget": bytecode.OpArrayGet,
}

func (f *funcAsm) instruction(text string) {
	if strings.HasSuffix(text, ":") {
		label := strings.TrimSuffix(text, ":")
		if !identRe.MatchString(label) {
			f.errorf("invalid label %q", label)
			return
		}
		if _, dup := f.labels[label]; dup {
			f.errorf("duplicate label %s", label)
			return
		}
		f.labels[label] = f.chunk.Len()
		return
	}

	fields := strings.Fields(text)
	mnemonic, args := fields[0], fields[1:]

	if strings.HasPrefix(mnemonic, "%") {
		f.intrinsic(strings.TrimPrefix(mnemonic, "%"), args)
		return
	}
	if op, ok := simpleOps[mnemonic]; ok {
		if !f.arity(mnemonic, args, 0) {
			return
		}
		f.op(op)
		return
	}
	if op, ok := slotOps[mnemonic]; ok {
		if !f.arity(mnemonic, args, 0) {
			return
		}
		f.op(op)
		f.slot()
		return
	}

	switch mnemonic {
	case "push":
		if !f.arity(mnemonic, args, 1) {
			return
		}
		f.push(args[0])
	case "load", "store":
		if !f.arity(mnemonic, args, 1) {
			return
		}
		idx, ok := f.local(args[0])
		if !ok {
			return
		}
		if mnemonic == "load" {
			f.op(bytecode.OpLoadLocal)
		} else {
			f.op(bytecode.OpStoreLocal)
		}
		f.u16(idx)
	case "getfield", "setfield":
		if !f.arity(mnemonic, args, 1) {
			return
		}
		if mnemonic == "getfield" {
			f.op(bytecode.OpGetField)
		} else {
			f.op(bytecode.OpSetField)
		}
		f.u16(f.chunk.AddName(args[0]))
		f.slot()
	case "newarr":
		if !f.arity(mnemonic, args, 1) {
			return
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			f.errorf("invalid element count %q", args[0])
			return
		}
		f.op(bytecode.OpNewArray)
		f.u16(n)
	case "jmp", "jf":
		if !f.arity(mnemonic, args, 1) {
			return
		}
		f.jump(mnemonic, args[0])
	case "call":
		f.call(args)
	case "yield":
		if !f.arity(mnemonic, args, 0) {
			return
		}
		if !f.d.fn.IsGenerator {
			f.errorf("yield outside generator %s", f.d.fn.Name)
			return
		}
		f.op(bytecode.OpYield)
		f.d.fn.ResumeTable = append(f.d.fn.ResumeTable, f.chunk.Len())
	default:
		f.errorf("unknown instruction %q", mnemonic)
	}
}

func (f *funcAsm) arity(mnemonic string, args []string, n int) bool {
	if len(args) != n {
		f.errorf("%s expects %d operand(s), got %d", mnemonic, n, len(args))
		return false
	}
	return true
}

func (f *funcAsm) push(lit string) {
	var v bytecode.Value
	switch lit {
	case "undefined":
		f.op(bytecode.OpUndefined)
		return
	case "true":
		f.op(bytecode.OpTrue)
		return
	case "false":
		f.op(bytecode.OpFalse)
		return
	case "NaN":
		v = bytecode.NewFloat(math.NaN())
	case "Infinity":
		v = bytecode.NewFloat(math.Inf(1))
	case "-Infinity":
		v = bytecode.NewFloat(math.Inf(-1))
	default:
		if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
			v = bytecode.NewInt(n)
		} else if x, err := strconv.ParseFloat(lit, 64); err == nil {
			v = bytecode.NewFloat(x)
		} else {
			f.errorf("invalid literal %q", lit)
			return
		}
	}
	f.op(bytecode.OpConst)
	f.u16(f.chunk.AddConstant(v))
}

func (f *funcAsm) local(ref string) (int, bool) {
	if idx, ok := f.d.locals[ref]; ok {
		return idx, true
	}
	if idx, err := strconv.Atoi(ref); err == nil && idx >= 0 && idx < f.d.fn.LocalCount {
		return idx, true
	}
	f.errorf("unknown local %q", ref)
	return 0, false
}

// jump 向后的 jmp 编码为 LOOP，其余为相对跳转
func (f *funcAsm) jump(mnemonic, label string) {
	target, defined := f.labels[label]
	if mnemonic == "jmp" && defined {
		f.op(bytecode.OpLoop)
		f.u16(f.chunk.Len() + 2 - target)
		return
	}
	if mnemonic == "jmp" {
		f.op(bytecode.OpJump)
	} else {
		f.op(bytecode.OpJumpIfFalse)
	}
	pos := f.chunk.Len()
	f.chunk.WriteI16(0, f.line)
	if defined {
		if err := f.chunk.PatchJumpTo(pos, target); err != nil {
			f.errorf("jump to %s: %v", label, err)
		}
		return
	}
	f.fixups = append(f.fixups, fixup{pos: pos, label: label, line: f.line})
}

func (f *funcAsm) call(args []string) {
	if len(args) < 1 || len(args) > 2 {
		f.errorf("call expects a function and an optional argument count")
		return
	}
	callee, ok := f.a.byNm[args[0]]
	if !ok {
		f.errorf("undefined function %s", args[0])
		return
	}
	argc := callee.fn.Arity
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 || n > math.MaxUint8 {
			f.errorf("invalid argument count %q", args[1])
			return
		}
		argc = n
	}
	f.op(bytecode.OpCall)
	f.u16(callee.fn.Index)
	f.chunk.WriteU8(uint8(argc), f.line)
}

func (f *funcAsm) intrinsic(name string, args []string) {
	id, ok := bytecode.LookupIntrinsic(name)
	if !ok {
		f.errorf("unknown intrinsic %%%s", name)
		return
	}
	index := 0
	if id.NeedsFunction() {
		if !f.arity("%"+name, args, 1) {
			return
		}
		callee, ok := f.a.byNm[args[0]]
		if !ok {
			f.errorf("undefined function %s", args[0])
			return
		}
		index = callee.fn.Index
	} else if !f.arity("%"+name, args, 0) {
		return
	}
	f.op(bytecode.OpIntrinsic)
	f.chunk.WriteU8(uint8(id), f.line)
	f.u16(index)
}

func stripComment(line string) string {
	if i := strings.IndexAny(line, "#;"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func splitNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}
