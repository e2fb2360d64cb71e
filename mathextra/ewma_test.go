package mathextra

import (
	"math"
	"testing"
)

func TestEwma(t *testing.T) {
	e := NewEwma(0.5)
	if e.Add(10) != 10 {
		t.Fatalf("first observation should seed the average, got %v", e.Value())
	}
	e.Add(20)
	if math.Abs(e.Value()-15) > 1e-9 {
		t.Errorf("Value() = %v, want 15", e.Value())
	}
	if got := EwmaAdd(15, 0.25, 35); math.Abs(got-20) > 1e-9 {
		t.Errorf("EwmaAdd = %v, want 20", got)
	}
}
