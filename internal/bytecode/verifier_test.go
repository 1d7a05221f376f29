package bytecode

import (
	"errors"
	"strings"
	"testing"
)

// add(a, b) { return a + b }
func buildAdd() *Function {
	fn := NewFunction("add")
	fn.Arity = 2
	fn.LocalCount = 2
	fn.SlotCount = 1
	c := fn.Chunk
	c.WriteOp(OpLoadLocal, 1)
	c.WriteU16(0, 1)
	c.WriteOp(OpLoadLocal, 1)
	c.WriteU16(1, 1)
	c.WriteOp(OpAdd, 2)
	c.WriteU16(0, 2)
	c.WriteOp(OpReturn, 3)
	return fn
}

func TestVerify_Valid(t *testing.T) {
	depth, err := Verify(buildAdd())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if depth != 2 {
		t.Errorf("expected max stack depth 2, got %d", depth)
	}
}

func TestVerify_Branches(t *testing.T) {
	// if (a) return 1; return 2
	fn := NewFunction("branch")
	fn.Arity = 1
	fn.LocalCount = 1
	c := fn.Chunk
	c.WriteOp(OpLoadLocal, 1)
	c.WriteU16(0, 1)
	c.WriteOp(OpJumpIfFalse, 1)
	patch := c.Len()
	c.WriteI16(0, 1)
	c.WriteOp(OpConst, 2)
	c.WriteU16(uint16(c.AddConstant(NewInt(1))), 2)
	c.WriteOp(OpReturn, 2)
	c.PatchJump(patch)
	c.WriteOp(OpConst, 3)
	c.WriteU16(uint16(c.AddConstant(NewInt(2))), 3)
	c.WriteOp(OpReturn, 3)

	if _, err := Verify(fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	instrs, _ := c.Decode()
	if target := instrs[3].Target(); target != patch+2+4 {
		t.Errorf("unexpected jump target %d", target)
	}
}

func TestPatchJumpTo_Range(t *testing.T) {
	c := NewChunk()
	c.WriteOp(OpJump, 1)
	pos := c.Len()
	c.WriteI16(0, 1)

	if err := c.PatchJumpTo(pos, pos+2+32767); err != nil {
		t.Errorf("max forward jump rejected: %v", err)
	}
	if err := c.PatchJumpTo(pos, pos+2-32768); err != nil {
		t.Errorf("max backward jump rejected: %v", err)
	}
	before := c.ReadI16(pos)
	if err := c.PatchJumpTo(pos, pos+2+32768); !errors.Is(err, ErrJumpRange) {
		t.Errorf("expected ErrJumpRange, got %v", err)
	}
	if err := c.PatchJumpTo(pos, pos+2-32769); !errors.Is(err, ErrJumpRange) {
		t.Errorf("expected ErrJumpRange, got %v", err)
	}
	if c.ReadI16(pos) != before {
		t.Error("failed patch must leave the operand unchanged")
	}
}

func TestVerify_Errors(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Function
		want  string
	}{
		{
			name: "empty",
			build: func() *Function {
				return NewFunction("empty")
			},
			want: "empty function body",
		},
		{
			name: "falls off end",
			build: func() *Function {
				fn := NewFunction("f")
				fn.Chunk.WriteOp(OpUndefined, 1)
				return fn
			},
			want: "falls off the end",
		},
		{
			name: "stack underflow",
			build: func() *Function {
				fn := NewFunction("f")
				fn.Chunk.WriteOp(OpReturn, 1)
				return fn
			},
			want: "needs 1 operands",
		},
		{
			name: "bad local",
			build: func() *Function {
				fn := NewFunction("f")
				fn.Chunk.WriteOp(OpLoadLocal, 1)
				fn.Chunk.WriteU16(3, 1)
				fn.Chunk.WriteOp(OpReturn, 1)
				return fn
			},
			want: "local 3 out of range",
		},
		{
			name: "bad slot",
			build: func() *Function {
				fn := buildAdd()
				fn.SlotCount = 0
				return fn
			},
			want: "feedback slot 0 out of range",
		},
		{
			name: "jump into operand",
			build: func() *Function {
				fn := NewFunction("f")
				fn.Chunk.WriteOp(OpJump, 1)
				fn.Chunk.WriteI16(-1, 1)
				fn.Chunk.WriteOp(OpUndefined, 1)
				fn.Chunk.WriteOp(OpReturn, 1)
				return fn
			},
			want: "not an instruction start",
		},
		{
			name: "inconsistent depth",
			build: func() *Function {
				// 一条分支多压一个值后汇合
				fn := NewFunction("f")
				c := fn.Chunk
				c.WriteOp(OpTrue, 1)
				c.WriteOp(OpJumpIfFalse, 1)
				patch := c.Len()
				c.WriteI16(0, 1)
				c.WriteOp(OpUndefined, 1)
				c.PatchJump(patch)
				c.WriteOp(OpUndefined, 1)
				c.WriteOp(OpReturn, 1)
				return fn
			},
			want: "inconsistent stack depth",
		},
		{
			name: "bad resume point",
			build: func() *Function {
				fn := buildAdd()
				fn.ResumeTable = append(fn.ResumeTable, 1)
				return fn
			},
			want: "resume point",
		},
	}

	for _, tt := range tests {
		_, err := Verify(tt.build())
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		var verr *VerificationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected VerificationError, got %T", tt.name, err)
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: expected %q in %q", tt.name, tt.want, err.Error())
		}
	}
}

func TestVerify_CallArity(t *testing.T) {
	prog := NewProgram("")
	add := buildAdd()
	prog.Add(add)

	caller := NewFunction("caller")
	c := caller.Chunk
	c.WriteOp(OpUndefined, 1)
	c.WriteOp(OpCall, 1)
	c.WriteU16(uint16(add.Index), 1)
	c.WriteU8(1, 1)
	c.WriteOp(OpReturn, 1)
	prog.Add(caller)

	if _, err := Verify(caller); err == nil || !strings.Contains(err.Error(), "expects 2 arguments") {
		t.Errorf("expected arity error, got %v", err)
	}
}

func TestDisassemble(t *testing.T) {
	out := buildAdd().Chunk.Disassemble("add")
	for _, want := range []string{"== add ==", "LOAD_LOCAL", "ADD", "RETURN"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in disassembly:\n%s", want, out)
		}
	}
}

func TestLookupIntrinsic(t *testing.T) {
	id, ok := LookupIntrinsic("optimize")
	if !ok || id != IntrinsicOptimize || !id.NeedsFunction() {
		t.Errorf("unexpected intrinsic %v %v", id, ok)
	}
	if id.String() != "%optimize" {
		t.Errorf("unexpected name %s", id)
	}
	if id, _ := LookupIntrinsic("deoptnow"); id.NeedsFunction() {
		t.Error("deoptnow takes no function")
	}
	if _, ok := LookupIntrinsic("nope"); ok {
		t.Error("expected unknown intrinsic")
	}
}
