package feedback

import (
	"errors"
	"sync"
	"testing"

	"github.com/tangzhangming/tiering/internal/bytecode"
)

// ============================================================================
// Shape Tests
// ============================================================================

func TestShapeOf(t *testing.T) {
	layouts := bytecode.NewLayoutTable()
	obj := layouts.NewObject()
	layouts.SetField(obj, "x", bytecode.NewInt(1))

	tests := []struct {
		name string
		v    bytecode.Value
		want Shape
	}{
		{"undefined", bytecode.Undefined, ShapeUndefined},
		{"hole", bytecode.Hole, ShapeHole},
		{"bool", bytecode.TrueValue, ShapeBool},
		{"int", bytecode.NewInt(3), ShapeInt},
		{"float", bytecode.NewFloat(1.5), ShapeFloat},
		{"array", bytecode.NewArray(nil), ShapeArray},
		{"object", bytecode.NewObject(obj), ObjectShape(obj.Layout.ID)},
	}
	for _, tt := range tests {
		if got := ShapeOf(tt.v); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		a, b, want Shape
	}{
		{ShapeInt, ShapeInt, ShapeInt},
		{ShapeInt, ShapeFloat, ShapeFloat},
		{ShapeFloat, ShapeInt, ShapeFloat},
		{ShapeFloat, ShapeFloat, ShapeFloat},
		{ShapeBool, ShapeInt, ShapeBool},
		{ShapeInt, ShapeUndefined, ShapeUndefined},
		{ObjectShape(2), ShapeBool, ObjectShape(2)},
	}
	for _, tt := range tests {
		if got := Join(tt.a, tt.b); got != tt.want {
			t.Errorf("Join(%s, %s): expected %s, got %s", tt.a, tt.b, tt.want, got)
		}
	}
}

// ============================================================================
// Slot Tests
// ============================================================================

func TestVector_Transitions(t *testing.T) {
	v := NewVector(1, 4)

	sl, _ := v.Slot(0)
	if sl.State() != Uninitialized {
		t.Fatalf("expected uninitialized, got %s", sl.State())
	}

	changed, err := v.Record(0, ShapeInt)
	if err != nil || !changed {
		t.Fatalf("expected first record to change the slot, got %v %v", changed, err)
	}
	sl, _ = v.Slot(0)
	if shape, ok := sl.Monomorphic(); !ok || shape != ShapeInt {
		t.Fatalf("expected monomorphic Int, got %s", sl)
	}

	// 重复的形状不改变状态
	changed, _ = v.Record(0, ShapeInt)
	if changed {
		t.Error("recording a known shape should not change the slot")
	}

	v.Record(0, ShapeFloat)
	sl, _ = v.Slot(0)
	if sl.State() != Polymorphic {
		t.Fatalf("expected polymorphic, got %s", sl)
	}
	if got := sl.Shapes(); len(got) != 2 || got[0] != ShapeInt || got[1] != ShapeFloat {
		t.Errorf("unexpected shapes %v", got)
	}
}

// 5 个不同形状、上限为 4 时槽变为超多态
func TestVector_Megamorphic(t *testing.T) {
	v := NewVector(1, 4)
	shapes := []Shape{ShapeInt, ShapeFloat, ShapeBool, ShapeUndefined, ObjectShape(1)}

	for i, s := range shapes {
		v.Record(0, s)
		sl, _ := v.Slot(0)
		if i < 4 && sl.State() == Megamorphic {
			t.Fatalf("slot became megamorphic after %d shapes", i+1)
		}
	}

	sl, _ := v.Slot(0)
	if sl.State() != Megamorphic {
		t.Fatalf("expected megamorphic, got %s", sl)
	}
	if len(sl.Shapes()) != 0 {
		t.Errorf("megamorphic slot should not keep shapes")
	}

	// 超多态是终态
	if changed, _ := v.Record(0, ShapeInt); changed {
		t.Error("megamorphic slot should not change")
	}
}

func TestVector_InvalidSlot(t *testing.T) {
	v := NewVector(2, 4)
	if _, err := v.Record(2, ShapeInt); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("expected ErrInvalidSlot, got %v", err)
	}
	if _, err := v.Record(-1, ShapeInt); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("expected ErrInvalidSlot, got %v", err)
	}
	if _, err := v.Slot(5); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("expected ErrInvalidSlot, got %v", err)
	}
}

// ============================================================================
// Vector Tests
// ============================================================================

func TestVector_LazyAllocation(t *testing.T) {
	v := NewVector(8, 4)
	if v.Allocated() != 0 {
		t.Fatalf("expected no allocated slots, got %d", v.Allocated())
	}

	v.Record(2, ShapeInt)
	if v.Allocated() != 3 {
		t.Errorf("expected 3 allocated slots, got %d", v.Allocated())
	}

	v.Ensure()
	if v.Allocated() != 8 {
		t.Errorf("expected 8 allocated slots, got %d", v.Allocated())
	}

	// 扩容后已有的反馈保留
	sl, _ := v.Slot(2)
	if sl.State() != Monomorphic {
		t.Errorf("expected slot 2 to survive growth, got %s", sl)
	}
}

func TestVector_Clear(t *testing.T) {
	v := NewVector(3, 4)
	v.Record(0, ShapeInt)
	v.Record(1, ShapeFloat)
	before := v.Epoch()

	v.Clear()

	if v.Epoch() == before {
		t.Error("clear should advance the epoch")
	}
	snap := v.Snapshot()
	for i := 0; i < snap.Len(); i++ {
		if snap.Slot(i).State() != Uninitialized {
			t.Errorf("slot %d not cleared: %s", i, snap.Slot(i))
		}
	}

	v.Record(0, ShapeBool)
	sl, _ := v.Slot(0)
	if shape, ok := sl.Monomorphic(); !ok || shape != ShapeBool {
		t.Errorf("expected monomorphic Bool after clear, got %s", sl)
	}
}

func TestVector_Snapshot(t *testing.T) {
	v := NewVector(4, 2)
	v.Record(0, ShapeInt)
	v.Record(1, ShapeInt)
	v.Record(1, ShapeFloat)
	v.Record(2, ShapeInt)
	v.Record(2, ShapeFloat)
	v.Record(2, ShapeBool)

	snap := v.Snapshot()
	if snap.Len() != 4 {
		t.Fatalf("expected 4 slots, got %d", snap.Len())
	}
	if snap.Epoch != v.Epoch() {
		t.Errorf("expected epoch %d, got %d", v.Epoch(), snap.Epoch)
	}

	counts := snap.Counts()
	want := map[State]int{Monomorphic: 1, Polymorphic: 1, Megamorphic: 1, Uninitialized: 1}
	for state, n := range want {
		if counts[state] != n {
			t.Errorf("expected %d %s slots, got %d", n, state, counts[state])
		}
	}

	// 快照不受之后的记录影响
	v.Record(3, ShapeInt)
	if snap.Slot(3).State() != Uninitialized {
		t.Error("snapshot changed after recording")
	}
	if snap.Slot(10).State() != Uninitialized {
		t.Error("out of range snapshot slot should be uninitialized")
	}
}

func TestVector_ConcurrentRecord(t *testing.T) {
	v := NewVector(16, 4)
	shapes := []Shape{ShapeInt, ShapeFloat, ShapeBool}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				v.Record(i%16, shapes[(g+i)%len(shapes)])
				_ = v.Snapshot()
			}
		}(g)
	}
	wg.Wait()

	// 每个槽都见过全部 3 个形状且未超过上限
	snap := v.Snapshot()
	for i := 0; i < snap.Len(); i++ {
		sl := snap.Slot(i)
		if sl.State() != Polymorphic || len(sl.Shapes()) != 3 {
			t.Errorf("slot %d: expected polymorphic with 3 shapes, got %s", i, sl)
		}
	}
}
