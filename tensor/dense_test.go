package tensor

import (
	"testing"

	"github.com/9rum/reducer/reducer"
)

func TestNarrowAliasesStorage(t *testing.T) {
	f32 := reducer.NewDType("float32")
	cpu := reducer.NewDevice("cpu")
	d := NewDense(f32, cpu, []int64{4})

	view := d.Narrow(1, 2, []int64{2}).(*Dense)
	if !view.IsAliasOf(d) {
		t.Fatal("narrow view should alias its parent's storage")
	}

	view.Floats()[0] = 7
	if d.Floats()[1] != 7 {
		t.Fatal("writes through a narrow view should be visible in the parent")
	}
}

func TestAsStridedHonorsOffsetAndShape(t *testing.T) {
	f32 := reducer.NewDType("float32")
	cpu := reducer.NewDevice("cpu")
	d := NewDense(f32, cpu, []int64{6})

	view := d.AsStrided([]int64{2, 1}, []int64{1, 1}, 2).(*Dense)
	if view.Numel() != 2 {
		t.Fatalf("got numel %d, want 2", view.Numel())
	}
	view.Floats()[1] = 3
	if d.Floats()[3] != 3 {
		t.Fatal("as_strided view should alias the parent at the given offset")
	}
}

func TestDivScalar(t *testing.T) {
	f32 := reducer.NewDType("float32")
	cpu := reducer.NewDevice("cpu")
	d := NewDense(f32, cpu, []int64{2})
	copy(d.Floats(), []float64{4, 8})
	d.DivScalar(2)
	if d.Floats()[0] != 2 || d.Floats()[1] != 4 {
		t.Fatalf("got %v, want [2 4]", d.Floats())
	}
}

func TestParamRunGradCallback(t *testing.T) {
	f32 := reducer.NewDType("float32")
	cpu := reducer.NewDevice("cpu")
	p := NewParam(f32, cpu, []int64{3})

	var seen reducer.Tensor
	p.RunGradCallback(func(grad reducer.Tensor) (reducer.Tensor, bool) {
		seen = grad
		return nil, false
	})
	if seen != nil {
		t.Fatal("a fresh parameter should have a nil gradient")
	}

	replacement := NewDense(f32, cpu, []int64{3})
	p.RunGradCallback(func(grad reducer.Tensor) (reducer.Tensor, bool) {
		return replacement, true
	})
	if p.Grad() != reducer.Tensor(replacement) {
		t.Fatal("RunGradCallback should have installed the replacement gradient")
	}
}
