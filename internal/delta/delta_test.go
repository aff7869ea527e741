package delta

import (
	"testing"
)

func f(v float64) *float64 { return &v }

func TestCompute_FirstReadingBaseline(t *testing.T) {
	if got := Compute(nil, 1500.0); got != 0 {
		t.Errorf("Expected delta 0 for first reading, got %f", got)
	}
}

func TestCompute_Monotonic(t *testing.T) {
	if got := Compute(f(1000.0), 1012.5); got != 12.5 {
		t.Errorf("Expected delta 12.5, got %f", got)
	}
}

func TestCompute_EqualCounters(t *testing.T) {
	if got := Compute(f(1000.0), 1000.0); got != 0 {
		t.Errorf("Expected delta 0 for unchanged counter, got %f", got)
	}
}

func TestCompute_RolloverYieldsZero(t *testing.T) {
	if got := Compute(f(9999.0), 3.0); got != 0 {
		t.Errorf("Expected delta 0 on counter rollover, got %f", got)
	}
}

func TestComputeSub_BothPresent(t *testing.T) {
	got, ok := ComputeSub(f(200.0), f(205.0))
	if !ok {
		t.Fatal("Expected sub-delta to be available")
	}
	if got != 5.0 {
		t.Errorf("Expected sub-delta 5.0, got %f", got)
	}
}

func TestComputeSub_MissingCounter(t *testing.T) {
	if _, ok := ComputeSub(nil, f(205.0)); ok {
		t.Error("Expected no sub-delta when previous counter is missing")
	}
	if _, ok := ComputeSub(f(200.0), nil); ok {
		t.Error("Expected no sub-delta when current counter is missing")
	}
}

func TestComputeSub_DecreaseClampedToZero(t *testing.T) {
	got, ok := ComputeSub(f(500.0), f(490.0))
	if !ok {
		t.Fatal("Expected sub-delta to be available")
	}
	if got != 0 {
		t.Errorf("Expected sub-delta clamped to 0, got %f", got)
	}
}
